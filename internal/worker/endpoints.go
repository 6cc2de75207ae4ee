package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"inferd/internal/admission"
	"inferd/internal/failure"
	"inferd/internal/gpu"
	"inferd/internal/stage"
	"inferd/pkg/types"
)

func (w *Worker) prompt(ctx context.Context, d types.JobData) (any, types.Metadata, error) {
	var meta types.Metadata
	if d.Prompt == "" {
		return nil, meta, failure.Newf(failure.InvalidRequest, "prompt", "data.prompt is required")
	}
	if w.cfg.Router == nil || w.cfg.Gate == nil {
		return nil, meta, failure.Newf(failure.RuntimeFailure, "prompt", "generation is not configured")
	}
	req := stage.Request{Prompt: d.Prompt, Context: d.Context, Overrides: d.GenerationConfig}
	meta.Stage = req.Tag()
	meta.PromptLength = len(d.Prompt)

	t, err := w.cfg.Gate.Admit(ctx, admission.Generation)
	if err != nil {
		return nil, meta, err
	}
	defer t.Release()

	res, err := w.cfg.Router.Dispatch(ctx, req)
	meta.Stage = string(res.Stage)
	meta.OutputTokens = res.Generation.OutputTokens
	if err != nil {
		return nil, meta, err
	}
	meta.DefaultsApplied = res.Report.DefaultsApplied
	meta.Warnings = res.Report.Warnings
	return res.Parsed, meta, nil
}

func (w *Worker) extract(ctx context.Context, jobID string, d types.JobData) (any, types.Metadata, error) {
	var meta types.Metadata
	if d.DocumentBase64 == "" && d.DocumentURL == "" {
		return nil, meta, failure.Newf(failure.InvalidRequest, "extract", "data.document_content_base64 or data.document_url is required")
	}
	if d.DocumentID != "" && w.cfg.DedupWindow > 0 {
		rec, ok, err := w.cfg.Ledger.RecentExtraction(ctx, d.DocumentID, w.now().Add(-w.cfg.DedupWindow))
		if err != nil {
			w.log.Warn().Str("event", "dedup_lookup_failed").Str("document_id", d.DocumentID).Err(err).Msg("dedup skipped")
		} else if ok && rec.Result != nil && rec.ID != jobID {
			meta.Deduplicated = true
			var out any
			if err := json.Unmarshal(rec.Result.Output, &out); err == nil {
				w.log.Info().Str("event", "dedup_hit").Str("document_id", d.DocumentID).Str("original_job", rec.ID).Msg("returning recent extraction")
				return out, meta, nil
			}
			meta.Deduplicated = false
		}
	}

	// The library's mode is checked before any document byte is read.
	ex, err := w.extractor(ctx)
	if err != nil {
		return nil, meta, err
	}
	data, err := w.document(ctx, d)
	if err != nil {
		return nil, meta, err
	}
	filename := d.Filename
	if filename == "" {
		filename = "document.pdf"
	}
	if w.cfg.Gate == nil {
		return nil, meta, failure.Newf(failure.RuntimeFailure, "extract", "admission is not configured")
	}
	t, err := w.cfg.Gate.Admit(ctx, admission.Extraction)
	if err != nil {
		return nil, meta, err
	}
	defer t.Release()
	rec, err := ex.Extract(ctx, data, filename)
	if err != nil {
		return nil, meta, err
	}
	return rec, meta, nil
}

// Health reports device and model state. It never loads the model.
func (w *Worker) Health(ctx context.Context) types.HealthResponse {
	h := types.HealthResponse{Status: types.HealthHealthy, ServerTimeUnix: w.now().Unix()}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if dev, err := w.cfg.Probe.Device(pctx); err == nil {
		h.AcceleratorAvailable = true
		h.Device = &types.DeviceReport{Name: dev.Name, ComputeCapability: dev.ComputeCapability, DriverVersion: dev.DriverVersion}
	} else if !errors.Is(err, gpu.ErrNoDevice) {
		w.log.Debug().Str("event", "probe_failed").Err(err).Msg("device query failed")
	}
	if snap, err := w.cfg.Probe.Snapshot(pctx); err == nil {
		h.Memory = memoryReport(snap)
	}
	if !h.AcceleratorAvailable {
		h.Status = types.HealthDegraded
	}
	if w.cfg.Model != nil {
		h.ModelLoaded = w.cfg.Model.Loaded()
		h.ModelIdentity = w.cfg.Model.Identity()
		if err := w.cfg.Model.Fatal(); err != nil {
			h.Status = types.HealthFatal
			h.Fatal = err.Error()
		}
	}
	if w.cfg.Gate != nil {
		h.Gate = w.cfg.Gate.Stats()
	}
	return h
}
