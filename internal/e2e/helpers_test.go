// Package e2e drives the full serving path over HTTP: httpapi, worker, stage
// router, admission gate and model manager, with a fake runtime and probe.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"inferd/internal/admission"
	"inferd/internal/contract"
	"inferd/internal/extract"
	"inferd/internal/gpu"
	"inferd/internal/httpapi"
	"inferd/internal/ledger"
	"inferd/internal/llm"
	"inferd/internal/manager"
	"inferd/internal/stage"
	"inferd/internal/worker"
	"inferd/pkg/types"
)

const mib = 1 << 20

// probe reports a 24 GiB device whose usage moves with the fake model's cache.
type probe struct {
	mu   sync.Mutex
	used uint64
}

func (p *probe) Snapshot(context.Context) (gpu.MemorySnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := uint64(24 << 30)
	return gpu.MemorySnapshot{TotalBytes: total, AllocatedBytes: p.used, ReservedBytes: p.used, FreeBytes: total - p.used, TakenAt: time.Now()}, nil
}

func (p *probe) Device(context.Context) (gpu.DeviceInfo, error) {
	return gpu.DeviceInfo{Name: "Test GPU", ComputeCapability: "8.9", TotalBytes: 24 << 30}, nil
}

func (p *probe) add(n int64) {
	p.mu.Lock()
	p.used = uint64(int64(p.used) + n)
	p.mu.Unlock()
}

func (p *probe) free() uint64 {
	s, _ := p.Snapshot(context.Background())
	return s.FreeBytes
}

// model answers every prompt with the next queued reply.
type model struct {
	probe     *probe
	placement []llm.Placement

	mu      sync.Mutex
	replies []string
	reply   string
	cache   int64
}

func (m *model) Encode(_ context.Context, text string, maxTokens int) (llm.Encoding, error) {
	words := strings.Fields(text)
	enc := llm.Encoding{Text: text}
	if len(words) > maxTokens {
		words, enc.Truncated = words[:maxTokens], true
		enc.Text = strings.Join(words, " ")
	}
	for i := range words {
		enc.IDs = append(enc.IDs, int32(i))
	}
	return enc, nil
}

func (m *model) Generate(_ context.Context, in llm.Encoding, _ llm.Sampling) ([]int32, error) {
	m.mu.Lock()
	m.reply = "{}"
	if len(m.replies) > 0 {
		m.reply, m.replies = m.replies[0], m.replies[1:]
	}
	m.cache = 512 * mib
	m.mu.Unlock()
	m.probe.add(512 * mib)
	return append(append([]int32(nil), in.IDs...), 1000), nil
}

func (m *model) Decode(context.Context, []int32) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reply, nil
}

func (m *model) Placement() []llm.Placement {
	if m.placement != nil {
		return m.placement
	}
	return llm.SplitPlacement(4, -1, "cuda:0")
}

func (m *model) ReleaseCache(context.Context) error {
	m.mu.Lock()
	n := m.cache
	m.cache = 0
	m.mu.Unlock()
	m.probe.add(-n)
	return nil
}

func (m *model) Close() error { return nil }

type runtime struct {
	model *model
	loads atomic.Int32
}

func (r *runtime) Name() string { return "fake" }

func (r *runtime) Versions(context.Context, llm.LoadOptions) (llm.Versions, error) {
	return llm.Versions{Runtime: "b4500", Quantization: "Q4_K_M"}, nil
}

func (r *runtime) Load(context.Context, llm.LoadOptions) (llm.Model, error) {
	r.loads.Add(1)
	r.model.probe.add(4 << 30)
	return r.model, nil
}

// library is an extraction library that reports a configurable mode.
type library struct {
	mode  extract.Mode
	cache string
	calls atomic.Int32
}

func (l *library) Mode(context.Context) (extract.Mode, error) { return l.mode, nil }
func (l *library) CacheDir() string                           { return l.cache }

func (l *library) Extract(context.Context, string) (extract.Output, error) {
	l.calls.Add(1)
	return extract.Output{
		Fields:   map[string]any{"invoice_number": "INV-7", "total_amount": 120.5},
		Markdown: "# Invoice INV-7",
		Format:   "pdf",
		Mode:     l.mode,
	}, nil
}

// service completes httpapi.Service the way the binary does.
type service struct {
	*worker.Worker
	mgr *manager.Manager
}

func (s service) Status() types.StatusResponse { return s.mgr.Status() }
func (s service) Ready() bool                  { return s.mgr.Loaded() && s.mgr.Fatal() == nil }

type env struct {
	srv    *httptest.Server
	probe  *probe
	model  *model
	rt     *runtime
	lib    *library
	mgr    *manager.Manager
	fatals atomic.Int32
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{probe: &probe{}, lib: &library{mode: extract.Mode{Name: "local"}, cache: t.TempDir()}}
	e.model = &model{probe: e.probe}
	e.rt = &runtime{model: e.model}

	table, err := contract.Default()
	if err != nil {
		t.Fatalf("contracts: %v", err)
	}
	e.mgr = manager.New(manager.Config{Runtime: e.rt, Probe: e.probe, Model: types.Model{ID: "test.gguf", Name: "test"}})
	gate := admission.New(admission.Config{
		Probe:        e.probe,
		Extraction:   admission.Policy{Limit: 4, MinFreeBytes: 1024 * mib},
		Generation:   admission.Policy{Limit: 1, QueueDepth: 4, MinFreeBytes: 2048 * mib},
		PollInterval: 10 * time.Millisecond,
	})
	store, err := ledger.Open(":memory:")
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	w := worker.New(worker.Config{
		Model:  e.mgr,
		Router: stage.New(e.mgr, table, nil),
		Gate:   gate,
		Probe:  e.probe,
		NewExtractor: func(ctx context.Context) (worker.Extractor, error) {
			b, err := extract.New(ctx, e.lib, extract.Options{})
			if err != nil {
				return nil, err
			}
			return b, nil
		},
		Ledger:       store,
		HealthPublic: true,
		DedupWindow:  time.Minute,
		OnFatal:      func(error) { e.fatals.Add(1) },
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = w.Wait(ctx)
	})
	e.srv = httptest.NewServer(httpapi.NewMux(service{Worker: w, mgr: e.mgr}))
	t.Cleanup(e.srv.Close)
	return e
}

func (e *env) reply(texts ...string) {
	e.model.mu.Lock()
	e.model.replies = append(e.model.replies, texts...)
	e.model.mu.Unlock()
}

func (e *env) post(t *testing.T, path string, job any) (*http.Response, []byte) {
	t.Helper()
	b, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(e.srv.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, body
}

func (e *env) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, body
}

func (e *env) runSync(t *testing.T, job types.Job) (int, types.Result) {
	t.Helper()
	resp, body := e.post(t, "/runsync", job)
	var res types.Result
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("decode result: %v (%s)", err, body)
	}
	return resp.StatusCode, res
}

func promptJob(prompt string, ctx map[string]any) types.Job {
	return types.Job{Input: types.JobInput{Endpoint: types.EndpointPrompt, Data: types.JobData{Prompt: prompt, Context: ctx}}}
}

func decode(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode output: %v (%s)", err, raw)
	}
	return out
}
