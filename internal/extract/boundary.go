// Package extract wraps the document extraction library. The library must run
// strictly locally: a non-local mode is an ExtractionFailed at construction and
// on every result that reports it.
package extract

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/common/fsutil"
	"inferd/internal/failure"
)

const (
	markdownPreviewLen = 500
	minMarkdownLen     = 50
)

// Mode is the library's effective processing mode.
type Mode struct {
	Name  string `json:"processing_mode"`
	Cloud bool   `json:"cloud_mode"`
}

// Local reports whether m keeps all processing on this host.
func (m Mode) Local() bool {
	switch strings.ToLower(m.Name) {
	case "", "cloud", "remote", "api":
		return false
	}
	return !m.Cloud
}

// Output is what the library produced for one document.
type Output struct {
	Fields   map[string]any `json:"document"`
	Markdown string         `json:"markdown"`
	Format   string         `json:"format"`
	Mode     Mode           `json:"mode"`
}

// Library is the wrapped extraction engine.
type Library interface {
	Mode(ctx context.Context) (Mode, error)
	// CacheDir is where the library keeps models and scratch files.
	CacheDir() string
	Extract(ctx context.Context, path string) (Output, error)
}

// Options configures a Boundary.
type Options struct {
	Logger *zerolog.Logger
	// Now is used for processed_at; defaults to time.Now.
	Now func() time.Time
}

// Boundary is safe for concurrent use; the caller bounds parallelism.
type Boundary struct {
	lib  Library
	mode Mode
	log  zerolog.Logger
	now  func() time.Time
}

// New queries lib's mode and cache location and refuses anything non-local.
func New(ctx context.Context, lib Library, opts Options) (*Boundary, error) {
	b := &Boundary{lib: lib, log: zerolog.Nop(), now: opts.Now}
	if opts.Logger != nil {
		b.log = opts.Logger.With().Str("component", "extract").Logger()
	}
	if b.now == nil {
		b.now = time.Now
	}
	mode, err := lib.Mode(ctx)
	if err != nil {
		return nil, failure.New(failure.ExtractionFailed, "extract init", fmt.Errorf("query mode: %w", err))
	}
	if !mode.Local() {
		b.log.Error().Str("event", "non_local_mode").Str("mode", mode.Name).Bool("cloud", mode.Cloud).Msg("extraction library is not local")
		return nil, nonLocal("extract init", mode)
	}
	if err := fsutil.EnsureWritable(lib.CacheDir()); err != nil {
		return nil, failure.New(failure.ExtractionFailed, "extract init", fmt.Errorf("cache: %w", err))
	}
	b.mode = mode
	b.log.Info().Str("event", "extract_ready").Str("mode", mode.Name).Str("cache_dir", lib.CacheDir()).Msg("extraction boundary ready")
	return b, nil
}

// Mode returns the mode verified at construction.
func (b *Boundary) Mode() Mode { return b.mode }

// Extract runs the library over data and returns the flat record. Errors are
// *failure.Error of kind ExtractionFailed or Canceled.
func (b *Boundary) Extract(ctx context.Context, data []byte, filename string) (map[string]any, error) {
	start := time.Now()
	rec, err := b.extract(ctx, data, filename)
	outcome := "ok"
	if err != nil {
		outcome = string(failure.KindOf(err))
		b.log.Warn().Str("event", "extract_failed").Str("filename", filename).Int("bytes", len(data)).Err(err).Msg("extraction failed")
	} else {
		b.log.Info().Str("event", "extract_done").Str("filename", filename).Int("bytes", len(data)).
			Str("method", rec["extraction_method"].(string)).Dur("dur", time.Since(start)).Msg("document extracted")
	}
	extractDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	return rec, err
}

func (b *Boundary) extract(ctx context.Context, data []byte, filename string) (map[string]any, error) {
	if len(data) == 0 {
		return nil, failure.Newf(failure.ExtractionFailed, "extract", "empty document")
	}
	dir := b.lib.CacheDir()
	if err := fsutil.EnsureWritable(dir); err != nil {
		return nil, failure.New(failure.ExtractionFailed, "extract", fmt.Errorf("cache: %w", err))
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		ext = ".tmp"
	}
	f, err := os.CreateTemp(dir, "doc-*"+ext)
	if err != nil {
		return nil, failure.New(failure.ExtractionFailed, "extract", err)
	}
	path := f.Name()
	defer os.Remove(path)
	if _, err := f.Write(data); err != nil {
		f.Close()
		return nil, failure.New(failure.ExtractionFailed, "extract", fmt.Errorf("write temp: %w", err))
	}
	if err := f.Close(); err != nil {
		return nil, failure.New(failure.ExtractionFailed, "extract", err)
	}

	out, err := b.lib.Extract(ctx, path)
	if err != nil {
		if ctx.Err() != nil {
			return nil, failure.New(failure.Canceled, "extract", ctx.Err())
		}
		return nil, failure.New(failure.ExtractionFailed, "extract", err)
	}
	if out.Mode != (Mode{}) && !out.Mode.Local() {
		return nil, nonLocal("extract", out.Mode)
	}
	if out.Mode == (Mode{}) {
		out.Mode = b.mode
	}
	return b.normalize(out)
}

// normalize flattens the library fields to the top level next to a _metadata
// object. Output with neither a non-empty field nor usable markdown is a failure.
func (b *Boundary) normalize(out Output) (map[string]any, error) {
	filled := 0
	for _, v := range out.Fields {
		if !isEmpty(v) {
			filled++
		}
	}
	md := strings.TrimSpace(out.Markdown)
	if filled == 0 && len(md) < minMarkdownLen {
		return nil, failure.New(failure.ExtractionFailed, "extract", errors.New("library produced no content"))
	}
	method := "local"
	if filled == 0 {
		method = "local_low_confidence"
	}
	format := out.Format
	if format == "" {
		format = "json"
	}
	n := len(out.Fields)
	rec := make(map[string]any, n+3)
	for k, v := range out.Fields {
		rec[k] = v
	}
	rec["success"] = true
	rec["extraction_method"] = method
	rec["_metadata"] = map[string]any{
		"processed_at":      b.now().UTC().Format(time.RFC3339),
		"fields_extracted":  n,
		"confidence":        min(0.95, 0.3+0.03*float64(n)),
		"processing_mode":   out.Mode.Name,
		"cloud_enabled":     false,
		"content_length":    len(out.Markdown),
		"extraction_format": format,
		"markdown_preview":  truncate(out.Markdown, markdownPreviewLen),
	}
	return rec, nil
}

func nonLocal(op string, m Mode) *failure.Error {
	fe := failure.Newf(failure.ExtractionFailed, op, "extraction library is in non-local mode %q", m.Name)
	fe.Details = map[string]any{"processing_mode": m.Name, "cloud_mode": m.Cloud}
	return fe
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case bool:
		return !t
	case float64:
		return t == 0
	case map[string]any:
		return len(t) == 0
	case []any:
		return len(t) == 0
	}
	return false
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
