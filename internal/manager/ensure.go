package manager

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"inferd/internal/common/fsutil"
	"inferd/internal/failure"
	"inferd/internal/llm"
	"inferd/internal/registry"
)

// EnsureLoaded returns the handle, loading it on first use. Concurrent callers
// wait for a single load. A failed load latches and is returned to every caller.
func (m *Manager) EnsureLoaded(ctx context.Context) (*Handle, error) {
	if h := m.handle.Load(); h != nil {
		return h, nil
	}
	if f := m.fatal.Load(); f != nil {
		return nil, f
	}
	m.loadMu.Lock()
	defer m.loadMu.Unlock()
	if h := m.handle.Load(); h != nil {
		return h, nil
	}
	if f := m.fatal.Load(); f != nil {
		return nil, f
	}

	m.loading.Store(true)
	defer m.loading.Store(false)
	start := time.Now()
	m.log.Info().Str("event", "ensure_start").Str("model", m.load.Name).Msg("loading model")
	m.emit(EventLoadStart, nil)

	diag := m.Diagnostics(ctx)
	h, ferr := m.loadHandle(ctx)
	if ferr != nil {
		m.setLastErr(ferr)
		loadsTotal.WithLabelValues(string(ferr.Kind)).Inc()
		if ferr.Kind == failure.Canceled {
			// the caller gave up; nothing was loaded, a later call may retry
			m.log.Warn().Str("event", "ensure_canceled").Err(ferr).Msg("model load canceled")
			m.emit(EventLoadCanceled, nil)
			return nil, ferr
		}
		if diag.MemoryErr == "" {
			ferr.WithMemory(diag.Memory)
		}
		m.fatal.Store(ferr)
		diag.fields(m.log.Error()).Str("event", "ensure_failed").Str("kind", string(ferr.Kind)).
			Dur("dur", time.Since(start)).Err(ferr).Msg("model load failed")
		m.emit(EventLoadFailed, map[string]any{"kind": string(ferr.Kind), "error": ferr.Error()})
		if m.onFatal != nil {
			m.fatalOnce.Do(func() { m.onFatal(ferr) })
		}
		return nil, ferr
	}
	m.handle.Store(h)
	m.loadsTotal.Add(1)
	loadsTotal.WithLabelValues("ok").Inc()
	modelLoaded.Set(1)
	diag.fields(m.log.Info()).Str("event", "ensure_ready").Str("fingerprint", h.Fingerprint).
		Dur("dur", time.Since(start)).Msg("model ready")
	m.emit(EventLoadReady, map[string]any{"fingerprint": h.Fingerprint})
	return h, nil
}

func (m *Manager) loadHandle(ctx context.Context) (*Handle, *failure.Error) {
	if m.rt == nil {
		return nil, failure.Newf(failure.RuntimeFailure, "load", "no runtime configured")
	}
	versions, err := m.rt.Versions(ctx, m.load)
	if err != nil {
		return nil, classify("runtime versions", err)
	}
	fingerprint := ""
	if m.load.Path != "" && fsutil.PathExists(m.load.Path) {
		if fingerprint, err = registry.Fingerprint(m.load.Path); err != nil {
			return nil, failure.New(failure.RuntimeFailure, "fingerprint weights", err)
		}
	}
	if ferr := m.checkRequirements(versions, fingerprint); ferr != nil {
		return nil, ferr
	}

	model, err := m.rt.Load(ctx, m.load)
	if err != nil {
		return nil, classify("load weights", err)
	}
	if ferr := validatePlacement(model.Placement(), m.load.Device); ferr != nil {
		_ = model.Close()
		return nil, ferr
	}
	dev, _ := m.probe.Device(ctx)
	identity := m.model.Name
	if identity == "" {
		identity = m.load.Name
	}
	if versions.Quantization != "" {
		identity += " (" + versions.Quantization + ")"
	}
	return &Handle{
		model:       model,
		Identity:    identity,
		DeviceID:    m.load.Device,
		Device:      dev,
		LoadedAt:    time.Now(),
		Fingerprint: fingerprint,
		Versions:    versions,
	}, nil
}

func (m *Manager) checkRequirements(v llm.Versions, fingerprint string) *failure.Error {
	var problems []string
	if m.req.MinRuntime != "" && !llm.AtLeast(v.Runtime, m.req.MinRuntime) {
		problems = append(problems, fmt.Sprintf("runtime %q does not satisfy >= %s", v.Runtime, m.req.MinRuntime))
	}
	if len(m.req.Quantizations) > 0 && !slices.ContainsFunc(m.req.Quantizations, func(q string) bool {
		return strings.EqualFold(q, v.Quantization)
	}) {
		problems = append(problems, fmt.Sprintf("quantization %q not in %v", v.Quantization, m.req.Quantizations))
	}
	if m.req.WeightsFingerprint != "" && fingerprint != m.req.WeightsFingerprint {
		problems = append(problems, fmt.Sprintf("weights fingerprint %q, want %q", fingerprint, m.req.WeightsFingerprint))
	}
	if len(problems) == 0 {
		return nil
	}
	fe := failure.Newf(failure.VersionMismatch, "version assertions", "%s", strings.Join(problems, "; "))
	fe.Details = map[string]any{"runtime": v.Runtime, "quantization": v.Quantization, "fingerprint": fingerprint}
	return fe
}

// validatePlacement requires every reported tensor on the target device.
func validatePlacement(ps []llm.Placement, device string) *failure.Error {
	if len(ps) == 0 {
		return failure.Newf(failure.PlacementFailure, "placement", "runtime reported no placement")
	}
	var off []string
	for _, p := range ps {
		if p.Device != device {
			off = append(off, p.Tensor+"@"+p.Device)
		}
	}
	if len(off) == 0 {
		return nil
	}
	sample := off
	if len(sample) > 5 {
		sample = sample[:5]
	}
	fe := failure.Newf(failure.PlacementFailure, "placement",
		"%d of %d tensors not on %s (e.g. %s)", len(off), len(ps), device, strings.Join(sample, ", "))
	fe.Details = map[string]any{"target": device, "off_device": len(off), "total": len(ps)}
	return fe
}
