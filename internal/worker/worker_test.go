package worker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"inferd/internal/admission"
	"inferd/internal/contract"
	"inferd/internal/extract"
	"inferd/internal/failure"
	"inferd/internal/gpu"
	"inferd/internal/ledger"
	"inferd/internal/manager"
	"inferd/internal/stage"
	"inferd/pkg/types"
)

type fakeModel struct {
	loaded  atomic.Bool
	warmups atomic.Int32
	fatal   error
}

func (m *fakeModel) Loaded() bool     { return m.loaded.Load() }
func (m *fakeModel) Identity() string { return "mixtral (Q4_K_M)" }
func (m *fakeModel) Fatal() error     { return m.fatal }
func (m *fakeModel) Warmup(context.Context) bool {
	m.warmups.Add(1)
	return !m.loaded.Load()
}

type fakeGen struct {
	mu  sync.Mutex
	out string
	err error
}

func (g *fakeGen) Generate(_ context.Context, req manager.Request) (manager.Generation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return manager.Generation{}, g.err
	}
	return manager.Generation{Text: g.out, OutputTokens: 42, Identity: "mixtral (Q4_K_M)"}, nil
}

type fakeLib struct {
	mode  extract.Mode
	cache string
	calls atomic.Int32
}

func (l *fakeLib) Mode(context.Context) (extract.Mode, error) { return l.mode, nil }
func (l *fakeLib) CacheDir() string                           { return l.cache }
func (l *fakeLib) Extract(context.Context, string) (extract.Output, error) {
	l.calls.Add(1)
	return extract.Output{Fields: map[string]any{"invoice_number": "INV-1"}, Markdown: "# INV-1"}, nil
}

type fakeProbe struct{}

func (fakeProbe) Snapshot(context.Context) (gpu.MemorySnapshot, error) {
	return gpu.MemorySnapshot{TotalBytes: 48 << 30, FreeBytes: 20 << 30}, nil
}
func (fakeProbe) Device(context.Context) (gpu.DeviceInfo, error) {
	return gpu.DeviceInfo{Name: "NVIDIA L40S", ComputeCapability: "8.9"}, nil
}

type env struct {
	w     *Worker
	model *fakeModel
	gen   *fakeGen
	lib   *fakeLib
	store *ledger.Store
}

func newEnv(t *testing.T, mut func(*Config)) *env {
	t.Helper()
	tbl, err := contract.Default()
	if err != nil { t.Fatalf("contracts: %v", err) }
	store, err := ledger.Open(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil { t.Fatalf("ledger: %v", err) }
	t.Cleanup(func() { _ = store.Close() })
	e := &env{model: &fakeModel{}, gen: &fakeGen{}, lib: &fakeLib{mode: extract.Mode{Name: "cpu"}, cache: t.TempDir()}, store: store}
	cfg := Config{
		Model:  e.model,
		Router: stage.New(e.gen, tbl, nil),
		Gate:   admission.New(admission.Config{Probe: fakeProbe{}}),
		Probe:  fakeProbe{},
		NewExtractor: func(ctx context.Context) (Extractor, error) {
			b, err := extract.New(ctx, e.lib, extract.Options{})
			if err != nil {
				return nil, err
			}
			return b, nil
		},
		Ledger:       store,
		HealthPublic: true,
		DedupWindow:  time.Minute,
	}
	if mut != nil {
		mut(&cfg)
	}
	e.w = New(cfg)
	return e
}

func promptJob(stageTag, prompt string) types.Job {
	return types.Job{Input: types.JobInput{Endpoint: types.EndpointPrompt, Data: types.JobData{
		Prompt:  prompt,
		Context: map[string]any{"stage": stageTag, "business": map[string]any{"name": "ACME BV"}},
	}}}
}

func extractJob(docID string, data []byte) types.Job {
	return types.Job{Input: types.JobInput{Endpoint: types.EndpointExtract, Data: types.JobData{
		DocumentBase64: base64.StdEncoding.EncodeToString(data), DocumentID: docID, Filename: "inv.pdf",
	}}}
}

func output(t *testing.T, res types.Result) map[string]any {
	t.Helper()
	if !res.Success { t.Fatalf("job failed: %+v", res.Error) }
	var m map[string]any
	if err := json.Unmarshal(res.Output, &m); err != nil { t.Fatalf("output: %v", err) }
	return m
}

func TestPrompt_ActionSelectionYieldsOnePrimary(t *testing.T) {
	e := newEnv(t, nil)
	e.gen.out = `{"business_relevant": true, "suggested_actions": [
		{"action": "create_invoice", "confidence": 60}, {"action": "create_contact", "confidence": 88}]}`
	res := e.w.Handle(context.Background(), promptJob("action_selection", "<invoice text>"))
	out := output(t, res)
	n := 0
	for _, it := range out["suggested_actions"].([]any) {
		if it.(map[string]any)["role"] == "primary" { n++ }
	}
	if n != 1 { t.Fatalf("primaries=%d out=%v", n, out) }
	md := res.Metadata
	if md.Stage != "action_selection" || md.ModelIdentity != "mixtral (Q4_K_M)" || md.OutputTokens != 42 || md.JobID == "" { t.Fatalf("meta=%+v", md) }
	if len(md.DefaultsApplied) == 0 || md.ProcessingTimeSeconds < 0 { t.Fatalf("meta=%+v", md) }
	rec, ok, _ := e.store.Get(context.Background(), md.JobID)
	if !ok || rec.Status != types.StatusCompleted { t.Fatalf("ledger rec=%+v", rec) }
}

func TestPrompt_UnknownStageStillSucceeds(t *testing.T) {
	e := newEnv(t, nil)
	e.gen.out = "Sure! {\"entry\": {\"debit\": 100}}"
	res := e.w.Handle(context.Background(), promptJob("stage_from_2023", "book this"))
	out := output(t, res)
	if _, ok := out["entry"]; !ok || res.Metadata.Stage != "legacy" { t.Fatalf("out=%v meta=%+v", out, res.Metadata) }
}

func TestPrompt_ErrorsAreTyped(t *testing.T) {
	e := newEnv(t, nil)
	e.gen.out = "no json here"
	res := e.w.Handle(context.Background(), promptJob("field_mapping", "map it"))
	if res.Success || res.Error.Kind != string(failure.ParseFailure) || res.Error.Stage != "field_mapping" { t.Fatalf("res=%+v", res.Error) }
	if res.Output != nil { t.Fatalf("output must be null on failure: %s", res.Output) }

	e.gen.out = `{"passed": "maybe"}`
	res = e.w.Handle(context.Background(), promptJob("math_validation", "check"))
	if res.Error == nil || res.Error.Kind != string(failure.StructuralValidationFailure) || res.Error.Field != "passed" { t.Fatalf("res=%+v", res.Error) }

	res = e.w.Handle(context.Background(), promptJob("math_validation", ""))
	if res.Error == nil || res.Error.Kind != string(failure.InvalidRequest) { t.Fatalf("res=%+v", res.Error) }
}

func TestFatalFailureTriggersHookOnce(t *testing.T) {
	var calls atomic.Int32
	e := newEnv(t, func(c *Config) { c.OnFatal = func(error) { calls.Add(1) } })
	fe := failure.Newf(failure.PlacementFailure, "ensure", "3 of 33 layers on cpu")
	e.gen.err = fe
	for i := 0; i < 2; i++ {
		res := e.w.Handle(context.Background(), promptJob("field_mapping", "p"))
		if res.Error == nil || res.Error.Kind != string(failure.PlacementFailure) { t.Fatalf("res=%+v", res.Error) }
	}
	if calls.Load() != 1 { t.Fatalf("OnFatal calls=%d", calls.Load()) }
}

func TestLatchedLoadFailureOfAnyKindTriggersHook(t *testing.T) {
	var got []error
	e := newEnv(t, func(c *Config) { c.OnFatal = func(err error) { got = append(got, err) } })
	latched := failure.Newf(failure.RuntimeFailure, "load", "llama-server not healthy after 10s")
	e.model.fatal = latched
	e.gen.err = latched
	for i := 0; i < 3; i++ {
		res := e.w.Handle(context.Background(), promptJob("field_mapping", "p"))
		if res.Error == nil || res.Error.Kind != string(failure.RuntimeFailure) { t.Fatalf("res=%+v", res.Error) }
	}
	if len(got) != 1 || got[0] != error(latched) { t.Fatalf("OnFatal calls=%v", got) }
}

func TestTransientRuntimeFailureDoesNotTriggerHook(t *testing.T) {
	var calls atomic.Int32
	e := newEnv(t, func(c *Config) { c.OnFatal = func(error) { calls.Add(1) } })
	e.gen.err = failure.Newf(failure.OutOfMemory, "generate", "CUDA out of memory")
	_ = e.w.Handle(context.Background(), promptJob("field_mapping", "p"))
	if calls.Load() != 0 { t.Fatalf("OnFatal fired for a job-level failure") }
}

func TestExtract_CloudModeFailsBeforeDocumentIsRead(t *testing.T) {
	e := newEnv(t, nil)
	e.lib.mode = extract.Mode{Name: "cloud", Cloud: true}
	res := e.w.Handle(context.Background(), extractJob("", []byte("%PDF")))
	if res.Error == nil || res.Error.Kind != string(failure.ExtractionFailed) { t.Fatalf("res=%+v", res.Error) }
	bad := extractJob("", nil)
	bad.Input.Data.DocumentBase64 = "!!not base64!!"
	res = e.w.Handle(context.Background(), bad)
	if res.Error == nil || res.Error.Kind != string(failure.ExtractionFailed) { t.Fatalf("mode must be checked first: %+v", res.Error) }
	if e.lib.calls.Load() != 0 { t.Fatalf("library processed a document") }
}

func TestExtract_FlatRecordAndDedup(t *testing.T) {
	e := newEnv(t, nil)
	first := e.w.Handle(context.Background(), extractJob("doc-9", []byte("%PDF-1.7")))
	out := output(t, first)
	if out["invoice_number"] != "INV-1" || out["extraction_method"] != "local" { t.Fatalf("out=%v", out) }
	second := e.w.Handle(context.Background(), extractJob("doc-9", []byte("%PDF-1.7")))
	if !second.Metadata.Deduplicated || output(t, second)["invoice_number"] != "INV-1" { t.Fatalf("second=%+v", second.Metadata) }
	if e.lib.calls.Load() != 1 { t.Fatalf("library calls=%d", e.lib.calls.Load()) }
	third := e.w.Handle(context.Background(), extractJob("doc-10", []byte("%PDF-1.7")))
	if third.Metadata.Deduplicated || e.lib.calls.Load() != 2 { t.Fatalf("different document deduplicated") }
}

func TestExtract_DocumentLimits(t *testing.T) {
	e := newEnv(t, func(c *Config) { c.MaxDocumentBytes = 8 })
	res := e.w.Handle(context.Background(), extractJob("", []byte("0123456789")))
	if res.Error == nil || res.Error.Kind != string(failure.InvalidRequest) || !strings.Contains(res.Error.Message, "limit") { t.Fatalf("res=%+v", res.Error) }
	empty := types.Job{Input: types.JobInput{Endpoint: types.EndpointExtract}}
	if res := e.w.Handle(context.Background(), empty); res.Error == nil || res.Error.Kind != string(failure.InvalidRequest) { t.Fatalf("res=%+v", res.Error) }
}

func TestExtract_FromURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/inv.pdf" { http.NotFound(w, r); return }
		_, _ = w.Write([]byte("%PDF-1.4 body"))
	}))
	defer srv.Close()
	e := newEnv(t, nil)
	job := types.Job{Input: types.JobInput{Endpoint: types.EndpointExtract, Data: types.JobData{DocumentURL: srv.URL + "/inv.pdf"}}}
	output(t, e.w.Handle(context.Background(), job))
	job.Input.Data.DocumentURL = srv.URL + "/missing.pdf"
	if res := e.w.Handle(context.Background(), job); res.Error == nil || res.Error.Kind != string(failure.InvalidRequest) { t.Fatalf("res=%+v", res.Error) }
	job.Input.Data.DocumentURL = "file:///etc/passwd"
	if res := e.w.Handle(context.Background(), job); res.Error == nil || res.Error.Kind != string(failure.InvalidRequest) { t.Fatalf("res=%+v", res.Error) }
}

func TestAuth(t *testing.T) {
	hash, err := HashKey("s3cret-hash")
	if err != nil { t.Fatalf("hash: %v", err) }
	e := newEnv(t, func(c *Config) { c.APIKey = "s3cret"; c.APIKeyBcrypt = hash })
	e.gen.out = `{"passed": true}`
	job := promptJob("math_validation", "p")
	if res := e.w.Handle(context.Background(), job); res.Error == nil || res.Error.Kind != string(failure.Unauthorized) { t.Fatalf("no key: %+v", res.Error) }
	job.Input.APIKey = "wrong"
	if res := e.w.Handle(context.Background(), job); res.Error == nil || res.Error.Kind != string(failure.Unauthorized) { t.Fatalf("wrong key: %+v", res.Error) }
	for _, k := range []string{"s3cret", "s3cret-hash"} {
		job.Input.APIKey = k
		output(t, e.w.Handle(context.Background(), job))
	}
	health := types.Job{Input: types.JobInput{Endpoint: types.EndpointHealth}}
	output(t, e.w.Handle(context.Background(), health))
}

func TestUnknownEndpoint(t *testing.T) {
	e := newEnv(t, nil)
	res := e.w.Handle(context.Background(), types.Job{ID: "j-1", Input: types.JobInput{Endpoint: "/classify"}})
	if res.Error == nil || res.Error.Kind != string(failure.InvalidRequest) || !strings.Contains(res.Error.Message, "/extract") { t.Fatalf("res=%+v", res.Error) }
	if res.Metadata.JobID != "j-1" { t.Fatalf("job id not kept: %+v", res.Metadata) }
}

func TestHealthNeverLoads(t *testing.T) {
	e := newEnv(t, nil)
	out := output(t, e.w.Handle(context.Background(), types.Job{Input: types.JobInput{Endpoint: types.EndpointHealth}}))
	if out["model_loaded"] != false || out["accelerator_available"] != true || out["status"] != types.HealthHealthy { t.Fatalf("health=%v", out) }
	if e.model.warmups.Load() != 0 { t.Fatalf("health triggered a load") }
	if _, ok := out["gate"].(map[string]any)["generation"]; !ok { t.Fatalf("gate stats missing: %v", out) }

	e.model.fatal = failure.Newf(failure.VersionMismatch, "ensure", "runtime too old")
	if h := e.w.Health(context.Background()); h.Status != types.HealthFatal || h.Fatal == "" { t.Fatalf("health=%+v", h) }
}

func TestHealthDegradedWithoutAccelerator(t *testing.T) {
	e := newEnv(t, func(c *Config) { c.Probe = gpu.NoDevice{} })
	h := e.w.Health(context.Background())
	if h.Status != types.HealthDegraded || h.AcceleratorAvailable || h.Memory != nil { t.Fatalf("health=%+v", h) }
}

func TestWarmupEndpoint(t *testing.T) {
	e := newEnv(t, nil)
	out := output(t, e.w.Handle(context.Background(), types.Job{Input: types.JobInput{Endpoint: types.EndpointWarmup}}))
	if out["started"] != true || e.model.warmups.Load() != 1 { t.Fatalf("out=%v", out) }
}

func TestCallbackDelivered(t *testing.T) {
	got := make(chan types.CallbackPayload, 1)
	var key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key = r.Header.Get("X-API-Key")
		b, _ := io.ReadAll(r.Body)
		var p types.CallbackPayload
		_ = json.Unmarshal(b, &p)
		got <- p
	}))
	defer srv.Close()
	e := newEnv(t, nil)
	e.gen.out = `{"passed": true}`
	job := promptJob("math_validation", "p")
	job.ID = "cb-1"
	job.Input.CallbackURL = srv.URL
	job.Input.CallbackAPIKey = "backend-key"
	res := e.w.Handle(context.Background(), job)
	if !res.Success { t.Fatalf("res=%+v", res.Error) }
	select {
	case p := <-got:
		if p.JobID != "cb-1" || p.Status != types.StatusCompleted || p.APIKey != "backend-key" || p.Result == nil || key != "backend-key" { t.Fatalf("payload=%+v", p) }
	case <-time.After(time.Second):
		t.Fatalf("callback not delivered")
	}

	job.Input.CallbackURL = "http://127.0.0.1:1/unreachable"
	if res := e.w.Handle(context.Background(), job); !res.Success { t.Fatalf("callback failure changed the result: %+v", res.Error) }
}

func TestSubmitAndJob(t *testing.T) {
	e := newEnv(t, nil)
	e.gen.out = `{"passed": true}`
	acc, err := e.w.Submit(context.Background(), promptJob("math_validation", "p"))
	if err != nil || acc.Status != types.StatusInQueue || acc.ID == "" { t.Fatalf("acc=%+v err=%v", acc, err) }
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.w.Wait(ctx); err != nil { t.Fatalf("wait: %v", err) }
	rec, ok, err := e.w.Job(ctx, acc.ID)
	if err != nil || !ok || rec.Status != types.StatusCompleted || rec.Result == nil || !rec.Result.Success { t.Fatalf("rec=%+v", rec) }
}
