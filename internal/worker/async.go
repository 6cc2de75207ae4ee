package worker

import (
	"context"

	"github.com/google/uuid"

	"inferd/internal/failure"
	"inferd/pkg/types"
)

// Submit records job as IN_QUEUE and runs it in the background. The result is
// kept in the ledger under the returned id.
func (w *Worker) Submit(ctx context.Context, job types.Job) (types.AsyncAccepted, error) {
	if w.cfg.Ledger == nil {
		return types.AsyncAccepted{}, failure.Newf(failure.InvalidRequest, "submit", "async jobs need a ledger")
	}
	if err := w.authorize(job.Input.APIKey); err != nil {
		return types.AsyncAccepted{}, err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	err := w.cfg.Ledger.Put(ctx, types.JobRecord{
		ID:         job.ID,
		Endpoint:   job.Input.Endpoint,
		Status:     types.StatusInQueue,
		DocumentID: job.Input.Data.DocumentID,
	})
	if err != nil {
		return types.AsyncAccepted{}, failure.New(failure.RuntimeFailure, "submit", err)
	}
	w.async.Add(1)
	go func() {
		defer w.async.Done()
		bg := context.WithoutCancel(ctx)
		res := w.Handle(bg, job)
		// Handle records prompt and extract jobs itself.
		if job.Input.Endpoint != types.EndpointPrompt && job.Input.Endpoint != types.EndpointExtract {
			w.record(bg, job, res)
		}
	}()
	return types.AsyncAccepted{ID: job.ID, Status: types.StatusInQueue}, nil
}

// Job returns a submitted or completed job.
func (w *Worker) Job(ctx context.Context, id string) (types.JobRecord, bool, error) {
	return w.cfg.Ledger.Get(ctx, id)
}

// Wait blocks until background jobs finish or ctx is done.
func (w *Worker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() { w.async.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
