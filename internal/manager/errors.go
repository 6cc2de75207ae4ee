package manager

import (
	"context"
	"errors"

	"inferd/internal/failure"
	"inferd/internal/llm"
)

// classify maps a runtime error to a typed failure. Typed failures pass through.
func classify(op string, err error) *failure.Error {
	if fe, ok := failure.As(err); ok {
		return fe
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return failure.New(failure.Canceled, op, err)
	case llm.IsOutOfMemory(err):
		return failure.New(failure.OutOfMemory, op, err)
	default:
		return failure.New(failure.RuntimeFailure, op, err)
	}
}
