// Package worker is the serving entry point: it turns a job envelope into a
// result envelope. Constructing a Worker never loads the model or the
// extraction library; both happen on the first job that needs them.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"inferd/internal/admission"
	"inferd/internal/failure"
	"inferd/internal/gpu"
	"inferd/internal/ledger"
	"inferd/internal/stage"
	"inferd/pkg/types"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultMaxDocumentBytes = 25 << 20
	defaultCallbackTimeout  = 30 * time.Second
)

// Model is the lifecycle surface the worker needs. *manager.Manager satisfies it.
type Model interface {
	Loaded() bool
	Identity() string
	Fatal() error
	Warmup(ctx context.Context) bool
}

// Dispatcher runs a generation under its stage contract. *stage.Router satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req stage.Request) (stage.Result, error)
}

// Admitter grants workload tickets. *admission.Gate satisfies it.
type Admitter interface {
	Admit(ctx context.Context, class admission.Class) (*admission.Ticket, error)
	Stats() map[string]types.GateClassStats
}

// Extractor turns document bytes into a flat record. *extract.Boundary satisfies it.
type Extractor interface {
	Extract(ctx context.Context, data []byte, filename string) (map[string]any, error)
}

// Config wires a Worker.
type Config struct {
	Model  Model
	Router Dispatcher
	Gate   Admitter
	Probe  gpu.Probe
	// NewExtractor builds the extraction boundary on first use. A failed
	// build is not cached; the next extraction job retries it.
	NewExtractor func(ctx context.Context) (Extractor, error)
	Ledger       *ledger.Store

	APIKey       string
	APIKeyBcrypt string
	HealthPublic bool

	MaxDocumentBytes int64
	DedupWindow      time.Duration
	CallbackTimeout  time.Duration
	HTTPClient       *http.Client

	// OnFatal is called once when a job fails with a fatal kind or the
	// model reports a latched load failure.
	OnFatal func(error)
	Logger  *zerolog.Logger
}

// Worker is safe for concurrent use.
type Worker struct {
	cfg    Config
	log    zerolog.Logger
	client *http.Client
	now    func() time.Time

	extMu sync.Mutex
	ext   Extractor

	fatalOnce sync.Once
	async     sync.WaitGroup
}

// New builds a Worker. It does no I/O.
func New(cfg Config) *Worker {
	if cfg.MaxDocumentBytes <= 0 {
		cfg.MaxDocumentBytes = defaultMaxDocumentBytes
	}
	if cfg.CallbackTimeout <= 0 {
		cfg.CallbackTimeout = defaultCallbackTimeout
	}
	if cfg.Probe == nil {
		cfg.Probe = gpu.NoDevice{}
	}
	w := &Worker{cfg: cfg, client: cfg.HTTPClient, now: time.Now, log: zerolog.Nop()}
	if w.client == nil {
		w.client = &http.Client{}
	}
	if cfg.Logger != nil {
		w.log = cfg.Logger.With().Str("component", "worker").Logger()
	}
	return w
}

// Endpoints lists the endpoints Handle accepts.
func Endpoints() []string {
	return []string{types.EndpointPrompt, types.EndpointExtract, types.EndpointHealth, types.EndpointWarmup}
}

// Handle runs one job to completion. It never panics on bad input and always
// returns an envelope; failures carry a typed error kind.
func (w *Worker) Handle(ctx context.Context, job types.Job) types.Result {
	start := w.now()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	in := job.Input
	log := w.log.With().Str("job_id", job.ID).Str("endpoint", in.Endpoint).Logger()

	var (
		out  any
		meta types.Metadata
		err  error
	)
	if in.Endpoint != types.EndpointHealth || !w.cfg.HealthPublic {
		err = w.authorize(in.APIKey)
	}
	if err == nil {
		switch in.Endpoint {
		case types.EndpointPrompt:
			out, meta, err = w.prompt(ctx, in.Data)
		case types.EndpointExtract:
			out, meta, err = w.extract(ctx, job.ID, in.Data)
		case types.EndpointHealth:
			out = w.Health(ctx)
		case types.EndpointWarmup:
			out = w.warmup(ctx)
		default:
			err = failure.Newf(failure.InvalidRequest, "handle", "unknown endpoint %q; supported: %v", in.Endpoint, Endpoints())
		}
	}

	res := types.Result{Success: err == nil, Metadata: meta}
	res.Metadata.JobID = job.ID
	res.Metadata.Endpoint = in.Endpoint
	res.Metadata.ModelIdentity = w.identity()
	res.Metadata.GeneratedAt = w.now().UTC().Format(time.RFC3339)
	if err == nil {
		b, mErr := json.Marshal(out)
		if mErr != nil {
			err = failure.New(failure.RuntimeFailure, "encode output", mErr)
			res.Success = false
		} else {
			res.Output = b
		}
	}
	if err != nil {
		res.Error = Detail(err)
		w.checkFatal(err)
	}
	res.Metadata.ProcessingTimeSeconds = w.now().Sub(start).Seconds()

	outcome := "ok"
	if err != nil {
		outcome = res.Error.Kind
		log.Warn().Str("event", "job_failed").Str("kind", res.Error.Kind).Str("stage", res.Error.Stage).
			Float64("processing_time_seconds", res.Metadata.ProcessingTimeSeconds).Msg(res.Error.Message)
	} else {
		log.Info().Str("event", "job_done").Float64("processing_time_seconds", res.Metadata.ProcessingTimeSeconds).Msg("job completed")
	}
	jobsTotal.WithLabelValues(endpointLabel(in.Endpoint), outcome).Inc()
	jobDuration.WithLabelValues(endpointLabel(in.Endpoint)).Observe(res.Metadata.ProcessingTimeSeconds)

	if in.Endpoint == types.EndpointPrompt || in.Endpoint == types.EndpointExtract {
		w.record(ctx, job, res)
	}
	if in.CallbackURL != "" {
		w.callback(ctx, job, res)
	}
	return res
}

// Detail converts err into its wire form.
func Detail(err error) *types.ErrorDetail {
	fe, ok := failure.As(err)
	if !ok {
		fe = failure.New(failure.KindOf(err), "", err)
	}
	d := &types.ErrorDetail{Kind: string(fe.Kind), Message: err.Error(), Stage: fe.Stage, Field: fe.Field, Details: fe.Details}
	if fe.Memory != nil {
		d.Memory = memoryReport(*fe.Memory)
	}
	return d
}

// checkFatal fires OnFatal for fatal kinds and for any load failure the
// model has latched, whatever its kind: a latched load is never retried.
func (w *Worker) checkFatal(err error) {
	if w.cfg.OnFatal == nil {
		return
	}
	if !failure.Fatal(failure.KindOf(err)) {
		if w.cfg.Model == nil || w.cfg.Model.Fatal() == nil {
			return
		}
		err = w.cfg.Model.Fatal()
	}
	w.fatalOnce.Do(func() {
		w.log.Error().Str("event", "fatal").Err(err).Msg("fatal failure, process must stop serving")
		w.cfg.OnFatal(err)
	})
}

func (w *Worker) identity() string {
	if w.cfg.Model == nil {
		return ""
	}
	return w.cfg.Model.Identity()
}

func (w *Worker) record(ctx context.Context, job types.Job, res types.Result) {
	status := types.StatusCompleted
	if !res.Success {
		status = types.StatusFailed
	}
	err := w.cfg.Ledger.Put(context.WithoutCancel(ctx), types.JobRecord{
		ID:         job.ID,
		Endpoint:   job.Input.Endpoint,
		Status:     status,
		DocumentID: job.Input.Data.DocumentID,
		Result:     &res,
	})
	if err != nil {
		w.log.Warn().Str("event", "ledger_write_failed").Str("job_id", job.ID).Err(err).Msg("job not recorded")
	}
}

func (w *Worker) warmup(ctx context.Context) map[string]any {
	started := false
	if w.cfg.Model != nil {
		started = w.cfg.Model.Warmup(ctx)
	}
	out := map[string]any{"started": started, "model_loaded": w.cfg.Model != nil && w.cfg.Model.Loaded()}
	if w.cfg.Model != nil {
		if err := w.cfg.Model.Fatal(); err != nil {
			out["fatal"] = err.Error()
		}
	}
	return out
}

// extractor returns the boundary, building it on first use.
func (w *Worker) extractor(ctx context.Context) (Extractor, error) {
	w.extMu.Lock()
	defer w.extMu.Unlock()
	if w.ext != nil {
		return w.ext, nil
	}
	if w.cfg.NewExtractor == nil {
		return nil, failure.New(failure.ExtractionFailed, "extract init", errors.New("no extraction library configured"))
	}
	e, err := w.cfg.NewExtractor(ctx)
	if err != nil {
		if _, ok := failure.As(err); !ok {
			err = failure.New(failure.ExtractionFailed, "extract init", err)
		}
		return nil, err
	}
	w.ext = e
	return e, nil
}

func endpointLabel(e string) string {
	for _, k := range Endpoints() {
		if e == k {
			return e
		}
	}
	return "unknown"
}

func memoryReport(s gpu.MemorySnapshot) *types.MemoryReport {
	return &types.MemoryReport{TotalBytes: s.TotalBytes, AllocatedBytes: s.AllocatedBytes, ReservedBytes: s.ReservedBytes, FreeBytes: s.FreeBytes}
}
