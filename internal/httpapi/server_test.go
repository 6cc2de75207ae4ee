package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"inferd/internal/failure"
	"inferd/pkg/types"
)

type mockService struct {
	status    types.StatusResponse
	ready     bool
	result    types.Result
	submitErr error
	jobs      map[string]types.JobRecord
	lastJob   types.Job
}

func (m *mockService) Handle(ctx context.Context, job types.Job) types.Result {
	m.lastJob = job
	return m.result
}

func (m *mockService) Submit(ctx context.Context, job types.Job) (types.AsyncAccepted, error) {
	m.lastJob = job
	if m.submitErr != nil {
		return types.AsyncAccepted{}, m.submitErr
	}
	return types.AsyncAccepted{ID: "j1", Status: types.StatusInQueue}, nil
}

func (m *mockService) Job(ctx context.Context, id string) (types.JobRecord, bool, error) {
	rec, ok := m.jobs[id]
	return rec, ok, nil
}

func (m *mockService) Status() types.StatusResponse { return m.status }
func (m *mockService) Ready() bool                  { return m.ready }

// blockService waits for the job context to end and reports it like the worker does.
type blockService struct {
	mockService
	started chan struct{}
}

func (b *blockService) Handle(ctx context.Context, job types.Job) types.Result {
	if b.started != nil {
		close(b.started)
	}
	<-ctx.Done()
	return failed(failure.Canceled, ctx.Err().Error())
}

func failed(k failure.Kind, msg string) types.Result {
	return types.Result{Error: &types.ErrorDetail{Kind: string(k), Message: msg}}
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

const promptJob = `{"input":{"endpoint":"/prompt","data":{"prompt":"hi"}}}`

func TestRunSyncOK(t *testing.T) {
	svc := &mockService{result: types.Result{Success: true, Output: json.RawMessage(`{"passed":true}`)}}
	w := post(t, NewMux(svc), "/runsync", promptJob)
	if w.Code != http.StatusOK { t.Fatalf("status=%d body=%s", w.Code, w.Body.String()) }
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") { t.Fatalf("content-type=%s", ct) }
	var res types.Result
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil { t.Fatalf("json: %v", err) }
	if !res.Success || string(res.Output) != `{"passed":true}` { t.Fatalf("unexpected result: %+v", res) }
	if svc.lastJob.Input.Data.Prompt != "hi" { t.Fatalf("job not decoded: %+v", svc.lastJob) }
}

func TestRunSyncFailureKindsMapToStatus(t *testing.T) {
	cases := map[failure.Kind]int{
		failure.StructuralValidationFailure: http.StatusUnprocessableEntity,
		failure.ParseFailure:                http.StatusUnprocessableEntity,
		failure.Overloaded:                  http.StatusTooManyRequests,
		failure.InsufficientMemory:          http.StatusServiceUnavailable,
		failure.Unauthorized:                http.StatusUnauthorized,
		failure.VersionMismatch:             http.StatusInternalServerError,
	}
	for k, want := range cases {
		svc := &mockService{result: failed(k, "boom")}
		w := post(t, NewMux(svc), "/runsync", promptJob)
		if w.Code != want { t.Fatalf("%s: status=%d want %d", k, w.Code, want) }
		var res types.Result
		if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil { t.Fatalf("json: %v", err) }
		if res.Error == nil || res.Error.Kind != string(k) { t.Fatalf("%s: envelope lost error: %s", k, w.Body.String()) }
	}
}

func TestRunSyncAPIKeyFromHeaders(t *testing.T) {
	svc := &mockService{result: types.Result{Success: true}}
	h := NewMux(svc)

	req := httptest.NewRequest(http.MethodPost, "/runsync", bytes.NewBufferString(promptJob))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer secret")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if svc.lastJob.Input.APIKey != "secret" { t.Fatalf("bearer key not used: %q", svc.lastJob.Input.APIKey) }

	req = httptest.NewRequest(http.MethodPost, "/runsync", bytes.NewBufferString(promptJob))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", "k2")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if svc.lastJob.Input.APIKey != "k2" { t.Fatalf("X-API-Key not used: %q", svc.lastJob.Input.APIKey) }

	// The envelope key wins over headers.
	req = httptest.NewRequest(http.MethodPost, "/runsync", bytes.NewBufferString(`{"input":{"endpoint":"/health","api_key":"body"}}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", "header")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if svc.lastJob.Input.APIKey != "body" { t.Fatalf("envelope key overridden: %q", svc.lastJob.Input.APIKey) }
}

func TestRunSyncBadRequests(t *testing.T) {
	h := NewMux(&mockService{})
	if w := post(t, h, "/runsync", "not-json"); w.Code != http.StatusBadRequest { t.Fatalf("bad json status=%d", w.Code) }
	if w := post(t, h, "/runsync", `{"input":{}}`); w.Code != http.StatusBadRequest { t.Fatalf("missing endpoint status=%d", w.Code) }

	req := httptest.NewRequest(http.MethodPost, "/runsync", bytes.NewBufferString(promptJob))
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnsupportedMediaType { t.Fatalf("status=%d", w.Code) }
}

func TestContentTypeCaseInsensitive(t *testing.T) {
	h := NewMux(&mockService{result: types.Result{Success: true}})
	req := httptest.NewRequest(http.MethodPost, "/runsync", bytes.NewBufferString(promptJob))
	req.Header.Set("Content-Type", "Application/JSON; charset=utf-8")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK { t.Fatalf("status=%d", w.Code) }
}

func TestRunSyncBodyTooLarge(t *testing.T) {
	SetMaxBodyBytes(1 << 10)
	defer SetMaxBodyBytes(0)
	big := `{"input":{"endpoint":"/extract","data":{"document_content_base64":"` + strings.Repeat("A", 2<<10) + `"}}}`
	w := post(t, NewMux(&mockService{}), "/runsync", big)
	if w.Code != http.StatusRequestEntityTooLarge { t.Fatalf("expected 413, got %d", w.Code) }
}

func TestRunSyncTimeoutCancelsJob(t *testing.T) {
	SetJobTimeout(50 * time.Millisecond)
	defer SetJobTimeout(0)
	w := post(t, NewMux(&blockService{}), "/runsync", promptJob)
	if w.Code != http.StatusRequestTimeout { t.Fatalf("expected 408 on timeout, got %d", w.Code) }
}

func TestRunSyncShutdownCancelsJob(t *testing.T) {
	base, cancel := context.WithCancel(context.Background())
	SetBaseContext(base)
	defer SetBaseContext(nil)
	svc := &blockService{started: make(chan struct{})}
	h := NewMux(svc)
	done := make(chan int, 1)
	go func() { done <- post(t, h, "/runsync", promptJob).Code }()
	<-svc.started
	cancel()
	select {
	case code := <-done:
		if code != http.StatusRequestTimeout { t.Fatalf("status=%d", code) }
	case <-time.After(2 * time.Second):
		t.Fatal("job not canceled by base context")
	}

	// Once shut down, new jobs are refused before reaching the service.
	w := post(t, h, "/run", promptJob)
	if w.Code != http.StatusServiceUnavailable || w.Header().Get("Retry-After") == "" { t.Fatalf("after shutdown: %d", w.Code) }
}

func TestRunAsyncAccepted(t *testing.T) {
	svc := &mockService{}
	w := post(t, NewMux(svc), "/run", promptJob)
	if w.Code != http.StatusAccepted { t.Fatalf("status=%d", w.Code) }
	var acc types.AsyncAccepted
	if err := json.Unmarshal(w.Body.Bytes(), &acc); err != nil { t.Fatalf("json: %v", err) }
	if acc.ID != "j1" || acc.Status != types.StatusInQueue { t.Fatalf("unexpected body: %+v", acc) }
}

func TestRunAsyncErrorMapping(t *testing.T) {
	svc := &mockService{submitErr: failure.Newf(failure.Unauthorized, "auth", "missing API key")}
	if w := post(t, NewMux(svc), "/run", promptJob); w.Code != http.StatusUnauthorized { t.Fatalf("status=%d", w.Code) }
	svc.submitErr = errors.New("disk full")
	if w := post(t, NewMux(svc), "/run", promptJob); w.Code != http.StatusInternalServerError { t.Fatalf("status=%d", w.Code) }
}

func TestGetJob(t *testing.T) {
	svc := &mockService{jobs: map[string]types.JobRecord{"a": {ID: "a", Status: types.StatusCompleted}}}
	h := NewMux(svc)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/jobs/a", nil))
	if w.Code != http.StatusOK { t.Fatalf("status=%d", w.Code) }
	var rec types.JobRecord
	if err := json.Unmarshal(w.Body.Bytes(), &rec); err != nil { t.Fatalf("json: %v", err) }
	if rec.ID != "a" || rec.Status != types.StatusCompleted { t.Fatalf("unexpected record: %+v", rec) }

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/jobs/missing", nil))
	if w.Code != http.StatusNotFound { t.Fatalf("status=%d", w.Code) }
}

func TestHealthRunsHealthJob(t *testing.T) {
	svc := &mockService{result: types.Result{Success: true, Output: json.RawMessage(`{"status":"healthy"}`)}}
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-API-Key", "k")
	w := httptest.NewRecorder()
	NewMux(svc).ServeHTTP(w, req)
	if w.Code != http.StatusOK { t.Fatalf("status=%d", w.Code) }
	if svc.lastJob.Input.Endpoint != types.EndpointHealth || svc.lastJob.Input.APIKey != "k" { t.Fatalf("unexpected job: %+v", svc.lastJob) }
}

func TestStatusHandler(t *testing.T) {
	svc := &mockService{status: types.StatusResponse{State: "ready", LoadsTotal: 1}}
	w := httptest.NewRecorder()
	NewMux(svc).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	if w.Code != http.StatusOK { t.Fatalf("status=%d", w.Code) }
	var body types.StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil { t.Fatalf("json: %v", err) }
	if body.State != "ready" || body.LoadsTotal != 1 { t.Fatalf("unexpected body: %+v", body) }
}

func TestReadyz(t *testing.T) {
	w := httptest.NewRecorder()
	NewMux(&mockService{ready: true}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusOK { t.Fatalf("status=%d", w.Code) }

	w = httptest.NewRecorder()
	NewMux(&mockService{}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable { t.Fatalf("status=%d", w.Code) }
	if !strings.Contains(w.Body.String(), "loading") { t.Fatalf("body=%q", w.Body.String()) }
}

func TestHealthz(t *testing.T) {
	w := httptest.NewRecorder()
	NewMux(&mockService{}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK { t.Fatalf("status=%d", w.Code) }
}

func TestCORSAndSecurityHeaders(t *testing.T) {
	SetCORSOptions(true, []string{"*"}, nil, nil)
	defer SetCORSOptions(false, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Origin", "http://example.com")
	w := httptest.NewRecorder()
	NewMux(&mockService{}).ServeHTTP(w, req)
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" { t.Fatalf("expected nosniff, got %q", got) }
	if got := w.Header().Get("Access-Control-Allow-Origin"); got == "" { t.Fatalf("expected Access-Control-Allow-Origin to be set") }
}

func TestBodyLimitFor(t *testing.T) {
	if got := BodyLimitFor(0); got != defaultMaxBodyBytes { t.Fatalf("got %d", got) }
	if got := BodyLimitFor(3 << 20); got != 5<<20 { t.Fatalf("got %d", got) }
}
