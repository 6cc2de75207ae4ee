package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"inferd/pkg/types"
)

// callback POSTs the job outcome to the job's callback_url. Failures are
// logged and never change the job result.
func (w *Worker) callback(ctx context.Context, job types.Job, res types.Result) {
	p := types.CallbackPayload{JobID: job.ID, APIKey: job.Input.CallbackAPIKey}
	if res.Success {
		p.Status = types.StatusCompleted
		p.Result = &res
	} else {
		p.Status = types.StatusFailed
		p.Error = res.Error
	}
	body, err := json.Marshal(p)
	if err != nil {
		w.log.Warn().Str("event", "callback_failed").Str("job_id", job.ID).Err(err).Msg("encode callback")
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.CallbackTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(cctx, http.MethodPost, job.Input.CallbackURL, bytes.NewReader(body))
	if err != nil {
		w.log.Warn().Str("event", "callback_failed").Str("job_id", job.ID).Err(err).Msg("build callback")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if job.Input.CallbackAPIKey != "" {
		req.Header.Set("X-API-Key", job.Input.CallbackAPIKey)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		callbacksTotal.WithLabelValues("error").Inc()
		w.log.Warn().Str("event", "callback_failed").Str("job_id", job.ID).Err(err).Msg("callback not delivered")
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		callbacksTotal.WithLabelValues("rejected").Inc()
		w.log.Warn().Str("event", "callback_failed").Str("job_id", job.ID).Int("status", resp.StatusCode).Msg("callback rejected")
		return
	}
	callbacksTotal.WithLabelValues("ok").Inc()
	w.log.Debug().Str("event", "callback_sent").Str("job_id", job.ID).Int("status", resp.StatusCode).Msg("callback delivered")
}
