package httpapi

import (
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

var zlog = zerolog.Nop()

// SetLogger installs the structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = l.With().Str("component", "http").Logger() }

// LogLevel controls per-request logging behavior.
type LogLevel int

const (
	LevelOff LogLevel = iota
	LevelError
	LevelInfo
	LevelDebug
)

func parseLevel(s string) LogLevel {
	switch s {
	case "off", "":
		return LevelOff
	case "error":
		return LevelError
	case "info":
		return LevelInfo
	case "debug":
		return LevelDebug
	default:
		return LevelInfo
	}
}

// global default, read once
var defaultLogLevel = func() LogLevel {
	if v, ok := os.LookupEnv("INFERD_HTTP_LOG"); ok {
		return parseLevel(v)
	}
	return LevelInfo
}()

func requestLogLevel(r *http.Request) LogLevel {
	if v := r.URL.Query().Get("log"); v != "" {
		return parseLevel(v)
	}
	if v := r.Header.Get("X-Log-Level"); v != "" {
		return parseLevel(v)
	}
	return defaultLogLevel
}

// jobLine is the access record of one job request.
type jobLine struct {
	id       string
	endpoint string
	status   int
	kind     string
	err      string
}

// logJob writes the access line. Failures log at Warn and need LevelError;
// successes need LevelInfo.
func logJob(r *http.Request, lvl LogLevel, start time.Time, l jobLine) {
	if lvl == LevelOff || (l.err == "" && lvl < LevelInfo) {
		return
	}
	ev := zlog.Info()
	if l.err != "" {
		ev = zlog.Warn().Str("kind", l.kind).Str("error", l.err)
	}
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		ev = ev.Str("request_id", rid)
	}
	if l.id != "" {
		ev = ev.Str("job_id", l.id)
	}
	ev.Str("path", r.URL.Path).Str("endpoint", l.endpoint).Int("status", l.status).
		Dur("dur", time.Since(start)).Msg("job end")
}
