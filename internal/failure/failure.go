// Package failure defines the job-level error taxonomy shared by the serving path.
package failure

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"inferd/internal/gpu"
)

// Kind classifies a failure. The set is closed.
type Kind string

const (
	VersionMismatch             Kind = "VersionMismatch"
	PlacementFailure            Kind = "PlacementFailure"
	OutOfMemory                 Kind = "OutOfMemory"
	RuntimeFailure              Kind = "RuntimeFailure"
	ParseFailure                Kind = "ParseFailure"
	StructuralValidationFailure Kind = "StructuralValidationFailure"
	InsufficientMemory          Kind = "InsufficientMemory"
	ExtractionFailed            Kind = "ExtractionFailed"

	Overloaded     Kind = "Overloaded"
	Canceled       Kind = "Canceled"
	InvalidRequest Kind = "InvalidRequest"
	Unauthorized   Kind = "Unauthorized"
)

// Fatal reports whether k must stop the process from serving further traffic.
func Fatal(k Kind) bool { return k == VersionMismatch || k == PlacementFailure }

// Error is the typed failure carried through the serving path.
type Error struct {
	Kind    Kind
	Op      string
	Stage   string
	Field   string
	Memory  *gpu.MemorySnapshot
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Op != "" {
		b.WriteString(" in ")
		b.WriteString(e.Op)
	}
	if e.Stage != "" {
		fmt.Fprintf(&b, " (stage %s)", e.Stage)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, ": field %q", e.Field)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Memory != nil {
		b.WriteString(" [")
		b.WriteString(e.Memory.String())
		b.WriteString("]")
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// StatusCode maps the kind to an HTTP status for the transport layer.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case InvalidRequest, ParseFailure, StructuralValidationFailure:
		return http.StatusUnprocessableEntity
	case Unauthorized:
		return http.StatusUnauthorized
	case Overloaded:
		return http.StatusTooManyRequests
	case InsufficientMemory, OutOfMemory:
		return http.StatusServiceUnavailable
	case Canceled:
		return http.StatusRequestTimeout
	case ExtractionFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// New builds an Error of kind k wrapping err.
func New(k Kind, op string, err error) *Error { return &Error{Kind: k, Op: op, Err: err} }

// Newf builds an Error of kind k with a formatted cause.
func Newf(k Kind, op, format string, args ...any) *Error {
	return &Error{Kind: k, Op: op, Err: fmt.Errorf(format, args...)}
}

// WithStage returns e with its stage set; nil-safe.
func (e *Error) WithStage(stage string) *Error {
	if e != nil && e.Stage == "" {
		e.Stage = stage
	}
	return e
}

// WithMemory attaches a memory snapshot.
func (e *Error) WithMemory(s gpu.MemorySnapshot) *Error {
	if e != nil {
		e.Memory = &s
	}
	return e
}

// As extracts the *Error in err's chain.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// KindOf returns the kind of err. Untyped errors are RuntimeFailure; nil is "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if fe, ok := As(err); ok {
		return fe.Kind
	}
	return RuntimeFailure
}

// Is reports whether err carries kind k.
func Is(err error, k Kind) bool { return err != nil && KindOf(err) == k }
