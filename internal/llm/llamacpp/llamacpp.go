//go:build llama

// Package llamacpp runs GGUF models in-process through the go-llama.cpp binding.
// Build with -tags=llama; the default build carries a stub that refuses to load.
package llamacpp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	llama "github.com/go-skynet/go-llama.cpp"

	"inferd/internal/llm"
	"inferd/internal/registry"
)

// bindingVersion is the pinned go-llama.cpp revision this file is written against.
const bindingVersion = "v0.0.0-20240314183750"

// pieceBase offsets interned output pieces away from real vocabulary ids.
const pieceBase = 1 << 24

// Runtime loads one model into the process.
type Runtime struct {
	Threads int
}

// New returns an in-process runtime.
func New(threads int) *Runtime { return &Runtime{Threads: threads} }

func (r *Runtime) Name() string { return "llamacpp" }

// Versions reports the binding revision and the quantization read from the GGUF header.
func (r *Runtime) Versions(ctx context.Context, opts llm.LoadOptions) (llm.Versions, error) {
	meta, err := registry.ReadGGUF(opts.Path)
	if err != nil {
		return llm.Versions{}, fmt.Errorf("read gguf header: %w", err)
	}
	return llm.Versions{Runtime: bindingVersion, Quantization: meta.FileType, Backend: "llama.cpp"}, nil
}

// Load maps the weights and offloads opts.GPULayers layers.
func (r *Runtime) Load(ctx context.Context, opts llm.LoadOptions) (llm.Model, error) {
	if strings.TrimSpace(opts.Path) == "" {
		return nil, errors.New("model path is empty")
	}
	meta, err := registry.ReadGGUF(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("read gguf header: %w", err)
	}
	gpuLayers := opts.GPULayers
	if gpuLayers < 0 {
		gpuLayers = meta.BlockCount + 1
	}
	mo := []llama.ModelOption{
		llama.SetContext(opts.ContextSize),
		llama.SetGPULayers(gpuLayers),
		llama.SetMMap(true),
		llama.EnableF16Memory,
	}
	l, err := llama.New(opts.Path, mo...)
	if err != nil {
		return nil, err
	}
	threads := opts.Threads
	if threads <= 0 {
		threads = r.Threads
	}
	return &model{
		l:         l,
		threads:   max(1, threads),
		placement: llm.SplitPlacement(meta.BlockCount, opts.GPULayers, opts.Device),
	}, nil
}

// model wraps one llama context. Generation is serialized by the caller.
type model struct {
	l         *llama.LLama
	threads   int
	placement []llm.Placement

	mu     sync.Mutex
	pieces []string
}

func (m *model) count(text string) (int, []int32, error) {
	_, ids, err := m.l.TokenizeString(text, llama.SetThreads(m.threads))
	return len(ids), ids, err
}

// Encode tokenizes text, cutting it at a rune boundary until it fits maxTokens.
func (m *model) Encode(ctx context.Context, text string, maxTokens int) (llm.Encoding, error) {
	n, ids, err := m.count(text)
	if err != nil {
		return llm.Encoding{}, err
	}
	if maxTokens <= 0 || n <= maxTokens {
		return llm.Encoding{IDs: ids, Text: text}, nil
	}
	runes := []rune(text)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		c, _, err := m.count(string(runes[:mid]))
		if err != nil {
			return llm.Encoding{}, err
		}
		if c <= maxTokens {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	cut := string(runes[:lo])
	_, ids, err = m.count(cut)
	if err != nil {
		return llm.Encoding{}, err
	}
	return llm.Encoding{IDs: ids, Text: cut, Truncated: true}, nil
}

// Generate predicts from in.Text. The binding streams text pieces rather than ids,
// so each piece is interned and returned as a synthetic id that Decode maps back.
func (m *model) Generate(ctx context.Context, in llm.Encoding, s llm.Sampling) ([]int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]int32(nil), in.IDs...)
	m.l.SetTokenCallback(func(tok string) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		m.pieces = append(m.pieces, tok)
		out = append(out, int32(pieceBase+len(m.pieces)-1))
		return true
	})
	defer m.l.SetTokenCallback(nil)
	if _, err := m.l.Predict(in.Text, predictOptions(s, m.threads)...); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if llm.IsOutOfMemory(err) {
			return nil, fmt.Errorf("%w: %v", llm.ErrOutOfMemory, err)
		}
		return nil, err
	}
	return out, nil
}

func (m *model) Decode(ctx context.Context, ids []int32) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var b strings.Builder
	for _, id := range ids {
		i := int(id) - pieceBase
		if i < 0 || i >= len(m.pieces) {
			return "", fmt.Errorf("token %d was not produced by this model", id)
		}
		b.WriteString(m.pieces[i])
	}
	return b.String(), nil
}

func (m *model) Placement() []llm.Placement { return m.placement }

// ReleaseCache drops the interned pieces. llama.cpp sizes the KV cache once per
// context, so nothing else grows between calls.
func (m *model) ReleaseCache(ctx context.Context) error {
	m.mu.Lock()
	m.pieces = nil
	m.mu.Unlock()
	return nil
}

func (m *model) Close() error {
	if m.l != nil {
		m.l.Free()
		m.l = nil
	}
	return nil
}

func zf(v float64, def float32) float32 {
	if v > 0 {
		return float32(v)
	}
	return def
}

// predictOptions converts sampling params into go-llama.cpp options.
// Temperature zero is kept: it selects greedy decoding.
func predictOptions(s llm.Sampling, threads int) []llama.PredictOption {
	po := []llama.PredictOption{
		llama.SetTokens(max(1, s.MaxTokens)),
		llama.SetThreads(max(1, threads)),
		llama.SetTemperature(float32(s.Temperature)),
		llama.SetTopP(zf(s.TopP, llama.DefaultOptions.TopP)),
		llama.SetPenalty(zf(s.RepeatPenalty, llama.DefaultOptions.Penalty)),
	}
	if s.TopK > 0 {
		po = append(po, llama.SetTopK(s.TopK))
	}
	if s.Seed != 0 {
		po = append(po, llama.SetSeed(s.Seed))
	}
	if len(s.Stop) > 0 {
		po = append(po, llama.SetStopWords(s.Stop...))
	}
	return po
}
