package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"inferd/internal/failure"
	"inferd/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
// *failure.Error implements it.
type HTTPError interface {
	error
	StatusCode() int
}

// statusOf maps err to an HTTP status, defaulting to 500.
func statusOf(err error) int {
	var he HTTPError
	if errors.As(err, &he) {
		return he.StatusCode()
	}
	return http.StatusInternalServerError
}

// resultStatus maps a job result to the HTTP status of its error kind.
func resultStatus(res types.Result) int {
	if res.Success || res.Error == nil {
		return http.StatusOK
	}
	return failure.New(failure.Kind(res.Error.Kind), "", nil).StatusCode()
}

// writeJSON writes v with status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, types.ErrorResponse{Error: msg, Code: status})
}
