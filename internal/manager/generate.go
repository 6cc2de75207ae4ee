package manager

import (
	"context"
	"fmt"
	"time"

	"inferd/internal/failure"
	"inferd/internal/gpu"
)

// Generate runs one generation. The runtime's transient cache is released on
// every path once the handle exists; the returned error, if any, is a *failure.Error.
// Cancellation is best-effort: a generation that finishes after ctx is done is discarded.
func (m *Manager) Generate(ctx context.Context, req Request) (gen Generation, err error) {
	h, err := m.EnsureLoaded(ctx)
	if err != nil {
		return Generation{}, err
	}
	start := time.Now()
	gen.Identity = h.Identity
	defer func() {
		after, relErr := m.releaseCache(ctx, h)
		gen.AfterRelease = after
		if relErr != nil && err == nil {
			err = relErr
		}
		gen.Duration = time.Since(start)
		outcome := "ok"
		if err != nil {
			fe := classify("generate", err).WithStage(req.Stage)
			if fe.Kind == failure.OutOfMemory && fe.Memory == nil {
				fe.WithMemory(gen.Peak)
			}
			err = fe
			outcome = string(fe.Kind)
			m.setLastErr(err)
		}
		generationDuration.WithLabelValues(stageLabel(req.Stage), outcome).Observe(gen.Duration.Seconds())
	}()

	enc, err := h.model.Encode(ctx, req.Prompt, m.maxInputTokens)
	if err != nil {
		return gen, classify("encode", err)
	}
	gen.PromptTokens = len(enc.IDs)
	gen.Truncated = enc.Truncated
	if enc.Truncated {
		m.log.Warn().Str("event", "input_truncated").Str("stage", req.Stage).Int("max_input_tokens", m.maxInputTokens).Msg("prompt truncated")
	}

	seq, genErr := h.model.Generate(ctx, enc, req.Sampling)
	gen.Peak = m.snapshot(ctx)
	if genErr != nil {
		return gen, classify("generate", genErr)
	}
	if ctx.Err() != nil {
		m.log.Warn().Str("event", "late_result_discarded").Str("stage", req.Stage).Msg("generation finished after deadline")
		return gen, failure.New(failure.Canceled, "generate", ctx.Err())
	}
	if len(seq) < len(enc.IDs) {
		return gen, failure.Newf(failure.RuntimeFailure, "generate", "runtime returned %d tokens for %d input tokens", len(seq), len(enc.IDs))
	}
	produced := seq[len(enc.IDs):]
	text, err := h.model.Decode(ctx, produced)
	if err != nil {
		return gen, classify("decode", err)
	}
	gen.Text = text
	gen.OutputTokens = len(produced)
	m.generations.Add(1)
	outputTokens.WithLabelValues(stageLabel(req.Stage)).Add(float64(len(produced)))
	return gen, nil
}

// releaseCache drops the runtime's transient cache and reads memory afterwards.
// It runs detached from ctx cancellation so cleanup still happens on timeouts.
func (m *Manager) releaseCache(ctx context.Context, h *Handle) (gpu.MemorySnapshot, error) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.releaseTimeout)
	defer cancel()
	var relErr error
	if err := h.model.ReleaseCache(rctx); err != nil {
		relErr = failure.New(failure.RuntimeFailure, "release cache", fmt.Errorf("cache release: %w", err))
		m.log.Error().Str("event", "cache_release_failed").Err(err).Msg("cache release failed")
	}
	after := m.snapshot(rctx)
	reservedAfterRelease.Set(float64(after.ReservedBytes))
	m.log.Debug().Str("event", "cache_released").Uint64("reserved_mb", after.ReservedBytes>>20).
		Uint64("free_mb", after.FreeMB()).Msg("generation cache released")
	m.emit(EventCacheReleased, map[string]any{"reserved_bytes": after.ReservedBytes, "free_bytes": after.FreeBytes})
	return after, relErr
}

// snapshot reads memory, returning a zero snapshot when no device is visible.
func (m *Manager) snapshot(ctx context.Context) gpu.MemorySnapshot {
	s, err := m.probe.Snapshot(ctx)
	if err != nil {
		return gpu.MemorySnapshot{}
	}
	return s
}

func stageLabel(s string) string {
	if s == "" {
		return "legacy"
	}
	return s
}
