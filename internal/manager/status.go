package manager

import (
	"time"

	"inferd/pkg/types"
)

const statusEvents = 20

// Status builds a detailed status response for /status. It never triggers a load.
func (m *Manager) Status() types.StatusResponse {
	resp := types.StatusResponse{
		State:         string(m.state()),
		LoadsTotal:    m.loadsTotal.Load(),
		Generations:   m.generations.Load(),
		UptimeSeconds: int64(time.Since(m.startTime).Seconds()),
	}
	if m.rt != nil {
		resp.Runtime = m.rt.Name()
	}
	if m.model.Path != "" || m.model.ID != "" {
		mdl := m.model
		resp.Model = &mdl
	}
	if h := m.handle.Load(); h != nil {
		resp.Fingerprint = h.Fingerprint
		resp.LoadedAtUnix = h.LoadedAt.Unix()
	}
	if v, ok := m.lastErr.Load().(string); ok {
		resp.LastError = v
	}
	if rp, ok := m.pub.(interface{ Events() []Event }); ok {
		evs := rp.Events()
		if len(evs) > statusEvents {
			evs = evs[len(evs)-statusEvents:]
		}
		for _, e := range evs {
			resp.Events = append(resp.Events, types.LifecycleEvent{AtUnix: e.At.Unix(), Name: string(e.Name), Fields: e.Fields})
		}
	}
	return resp
}
