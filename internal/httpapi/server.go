// Package httpapi exposes the worker over HTTP: synchronous and queued jobs,
// job lookup, health and Prometheus metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"inferd/internal/failure"
	"inferd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
// *worker.Worker provides the job methods.
type Service interface {
	Handle(ctx context.Context, job types.Job) types.Result
	Submit(ctx context.Context, job types.Job) (types.AsyncAccepted, error)
	Job(ctx context.Context, id string) (types.JobRecord, bool, error)
	Status() types.StatusResponse
	Ready() bool
}

// NewMux builds the HTTP router.
func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	r.Use(middleware.Compress(5))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if corsEnabled {
		methods := corsAllowedMethods
		if len(methods) == 0 {
			methods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
		}
		headers := corsAllowedHeaders
		if len(headers) == 0 {
			headers = []string{"Content-Type", "Authorization", "X-API-Key"}
		}
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: methods,
			AllowedHeaders: headers,
			MaxAge:         300,
		}))
	}

	r.Post("/runsync", runSync(svc))
	r.Post("/run", runAsync(svc))
	r.Get("/jobs/{id}", getJob(svc))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		job := types.Job{Input: types.JobInput{Endpoint: types.EndpointHealth, APIKey: headerKey(r)}}
		res := svc.Handle(r.Context(), job)
		writeJSON(w, resultStatus(res), res)
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Status())
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("loading"))
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	MountSwagger(r)
	return r
}

// runSync runs a job and answers with its result envelope.
//
//	@Summary	Run a job synchronously
//	@Accept		json
//	@Produce	json
//	@Param		job	body		types.Job	true	"job envelope"
//	@Success	200	{object}	types.Result
//	@Failure	422	{object}	types.Result
//	@Failure	429	{object}	types.Result
//	@Router		/runsync [post]
func runSync(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lvl := requestLogLevel(r)
		job, ok := decodeJob(w, r)
		if !ok {
			return
		}
		if shuttingDown(w) {
			return
		}
		ctx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		if jobTimeout > 0 {
			var tcancel context.CancelFunc
			ctx, tcancel = context.WithTimeout(ctx, jobTimeout)
			defer tcancel()
		}

		res := svc.Handle(ctx, job)
		line := jobLine{id: res.Metadata.JobID, endpoint: job.Input.Endpoint, status: resultStatus(res)}
		if line.id == "" {
			line.id = job.ID
		}
		if res.Error != nil {
			line.kind, line.err = res.Error.Kind, res.Error.Message
			if res.Error.Kind == string(failure.Overloaded) {
				recordRejection(rejectOverloaded)
			}
		}
		writeJSON(w, line.status, res)
		logJob(r, lvl, start, line)
	}
}

// runAsync queues a job.
//
//	@Summary	Queue a job
//	@Accept		json
//	@Produce	json
//	@Param		job	body		types.Job	true	"job envelope"
//	@Success	202	{object}	types.AsyncAccepted
//	@Router		/run [post]
func runAsync(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		job, ok := decodeJob(w, r)
		if !ok {
			return
		}
		if shuttingDown(w) {
			return
		}
		line := jobLine{id: job.ID, endpoint: job.Input.Endpoint, status: http.StatusAccepted}
		acc, err := svc.Submit(serverBaseCtx, job)
		if err != nil {
			line.status, line.kind, line.err = statusOf(err), string(failure.KindOf(err)), err.Error()
			if failure.Is(err, failure.Overloaded) {
				recordRejection(rejectOverloaded)
			}
			writeJSONError(w, line.status, err.Error())
			logJob(r, requestLogLevel(r), start, line)
			return
		}
		line.id = acc.ID
		writeJSON(w, http.StatusAccepted, acc)
		logJob(r, requestLogLevel(r), start, line)
	}
}

// getJob returns a queued or finished job.
//
//	@Summary	Get a job
//	@Produce	json
//	@Param		id	path		string	true	"job id"
//	@Success	200	{object}	types.JobRecord
//	@Failure	404	{object}	types.ErrorResponse
//	@Router		/jobs/{id} [get]
func getJob(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, ok, err := svc.Job(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeJSONError(w, statusOf(err), err.Error())
			return
		}
		if !ok {
			writeJSONError(w, http.StatusNotFound, "job not found")
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func decodeJob(w http.ResponseWriter, r *http.Request) (types.Job, bool) {
	var job types.Job
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		recordRejection(rejectMediaType)
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return job, false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			recordRejection(rejectTooLarge)
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return job, false
		}
		recordRejection(rejectBadJSON)
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return job, false
	}
	if strings.TrimSpace(job.Input.Endpoint) == "" {
		recordRejection(rejectNoEndpoint)
		writeJSONError(w, http.StatusBadRequest, "input.endpoint is required")
		return job, false
	}
	if job.Input.APIKey == "" {
		job.Input.APIKey = headerKey(r)
	}
	return job, true
}

// shuttingDown refuses new jobs once the server base context is done.
func shuttingDown(w http.ResponseWriter) bool {
	if serverBaseCtx.Err() == nil {
		return false
	}
	recordRejection(rejectShutdown)
	w.Header().Set("Retry-After", "5")
	writeJSONError(w, http.StatusServiceUnavailable, "server is shutting down")
	return true
}

// headerKey reads an API key from Authorization: Bearer or X-API-Key.
func headerKey(r *http.Request) string {
	if v := r.Header.Get("X-API-Key"); v != "" {
		return v
	}
	if v, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(v)
	}
	return ""
}
