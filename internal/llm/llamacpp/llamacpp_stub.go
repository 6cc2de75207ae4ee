//go:build !llama

// Package llamacpp runs GGUF models in-process through the go-llama.cpp binding.
// This is the no-CGO build: it reports the header but refuses to load.
package llamacpp

import (
	"context"
	"fmt"

	"inferd/internal/llm"
	"inferd/internal/registry"
)

// Runtime is a stub compiled when the 'llama' build tag is not set.
type Runtime struct {
	Threads int
}

func New(threads int) *Runtime { return &Runtime{Threads: threads} }

func (r *Runtime) Name() string { return "llamacpp" }

func (r *Runtime) Versions(ctx context.Context, opts llm.LoadOptions) (llm.Versions, error) {
	meta, err := registry.ReadGGUF(opts.Path)
	if err != nil {
		return llm.Versions{}, fmt.Errorf("read gguf header: %w", err)
	}
	return llm.Versions{Quantization: meta.FileType, Backend: "none"}, nil
}

func (r *Runtime) Load(ctx context.Context, opts llm.LoadOptions) (llm.Model, error) {
	return nil, fmt.Errorf("%w (build with -tags=llama)", llm.ErrNotBuilt)
}
