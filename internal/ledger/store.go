// Package ledger records jobs in SQLite: async job results for /jobs/{id} and
// recent extractions for the dedup window. A nil *Store is a valid no-op ledger.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"inferd/pkg/types"
)

// Store is safe for concurrent use.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path. ":memory:" is accepted.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  endpoint TEXT NOT NULL,
  status TEXT NOT NULL,
  document_id TEXT NOT NULL DEFAULT '',
  result TEXT,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS jobs_document ON jobs(endpoint, document_id, status, updated_at);
`)
	return err
}

// Put inserts or updates a job. CreatedAt is kept from the first insert.
func (s *Store) Put(ctx context.Context, rec types.JobRecord) error {
	if s == nil || s.db == nil {
		return nil
	}
	var result any
	if rec.Result != nil {
		b, err := json.Marshal(rec.Result)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		result = string(b)
	}
	now := s.now().UnixNano()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO jobs(id, endpoint, status, document_id, result, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  endpoint=excluded.endpoint,
  status=excluded.status,
  document_id=excluded.document_id,
  result=excluded.result,
  updated_at=excluded.updated_at;
`, rec.ID, rec.Endpoint, rec.Status, rec.DocumentID, result, now, now)
	return err
}

// Get returns the job with id.
func (s *Store) Get(ctx context.Context, id string) (types.JobRecord, bool, error) {
	if s == nil || s.db == nil {
		return types.JobRecord{}, false, nil
	}
	row := s.db.QueryRowContext(ctx, `
SELECT id, endpoint, status, document_id, result, created_at, updated_at
FROM jobs WHERE id=?;
`, id)
	rec, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.JobRecord{}, false, nil
	}
	if err != nil {
		return types.JobRecord{}, false, err
	}
	return rec, true, nil
}

// RecentExtraction returns the newest completed extraction of documentID
// updated at or after since.
func (s *Store) RecentExtraction(ctx context.Context, documentID string, since time.Time) (types.JobRecord, bool, error) {
	if s == nil || s.db == nil || documentID == "" {
		return types.JobRecord{}, false, nil
	}
	row := s.db.QueryRowContext(ctx, `
SELECT id, endpoint, status, document_id, result, created_at, updated_at
FROM jobs
WHERE endpoint=? AND document_id=? AND status=? AND updated_at>=?
ORDER BY updated_at DESC LIMIT 1;
`, types.EndpointExtract, documentID, types.StatusCompleted, since.UnixNano())
	rec, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.JobRecord{}, false, nil
	}
	if err != nil {
		return types.JobRecord{}, false, err
	}
	return rec, true, nil
}

// Prune deletes jobs last updated before cutoff.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM jobs WHERE updated_at<?;", cutoff.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scan(row *sql.Row) (types.JobRecord, error) {
	var (
		rec              types.JobRecord
		result           sql.NullString
		created, updated int64
	)
	if err := row.Scan(&rec.ID, &rec.Endpoint, &rec.Status, &rec.DocumentID, &result, &created, &updated); err != nil {
		return types.JobRecord{}, err
	}
	rec.CreatedAtUnix = time.Unix(0, created).Unix()
	rec.UpdatedAtUnix = time.Unix(0, updated).Unix()
	if result.Valid {
		var r types.Result
		if err := json.Unmarshal([]byte(result.String), &r); err != nil {
			return types.JobRecord{}, fmt.Errorf("decode result %s: %w", rec.ID, err)
		}
		rec.Result = &r
	}
	return rec, nil
}
