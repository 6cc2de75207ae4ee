package manager

import (
	"context"
	"time"
)

// Warmup kicks off a background load and returns immediately. It reports
// false when the model is already loaded, loading, or failed.
func (m *Manager) Warmup(ctx context.Context) bool {
	if m.handle.Load() != nil || m.fatal.Load() != nil || m.loading.Load() {
		return false
	}
	go func() {
		// Detached so the load outlives the triggering request.
		_, _ = m.EnsureLoaded(context.WithoutCancel(ctx))
	}()
	return true
}

// WaitLoaded polls until the model is ready, failed, or ctx is done.
func (m *Manager) WaitLoaded(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = 100 * time.Millisecond
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		if m.handle.Load() != nil {
			return nil
		}
		if err := m.Fatal(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}
