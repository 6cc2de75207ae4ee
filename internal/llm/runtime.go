// Package llm is the narrow boundary to the quantized model runtime.
// The runtime owns weights, tokenizer and device memory; callers only
// encode, generate token sequences, decode and release transient cache.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
)

// ErrOutOfMemory is wrapped by runtimes when the device cannot hold the request.
var ErrOutOfMemory = errors.New("llm: device out of memory")

// ErrNotBuilt is returned by runtimes compiled out of this binary.
var ErrNotBuilt = errors.New("llm: runtime not built into this binary")

// Versions reports the runtime pieces a load depends on.
type Versions struct {
	Runtime      string `json:"runtime"`
	Quantization string `json:"quantization"`
	Backend      string `json:"backend,omitempty"`
}

// LoadOptions describes the single model to load.
type LoadOptions struct {
	Path        string
	Name        string
	ContextSize int
	Threads     int
	// GPULayers is the number of layers requested on the accelerator; negative means all.
	GPULayers int
	// Device is the placement target, e.g. "cuda:0".
	Device string
}

// Runtime loads models.
type Runtime interface {
	Name() string
	Versions(ctx context.Context, opts LoadOptions) (Versions, error)
	Load(ctx context.Context, opts LoadOptions) (Model, error)
}

// Encoding is tokenized input. Text is exactly what the IDs encode, after truncation.
type Encoding struct {
	IDs       []int32
	Text      string
	Truncated bool
}

// Sampling holds decoding parameters for one generate call.
type Sampling struct {
	MaxTokens     int
	Temperature   float64
	TopP          float64
	TopK          int
	RepeatPenalty float64
	Stop          []string
	Seed          int
}

// Placement is where one tensor (or layer group) lives.
type Placement struct {
	Tensor string `json:"tensor"`
	Device string `json:"device"`
}

// Model is a loaded model. Generate returns the full sequence: the input IDs
// followed by the newly produced tokens.
type Model interface {
	Encode(ctx context.Context, text string, maxTokens int) (Encoding, error)
	Generate(ctx context.Context, in Encoding, s Sampling) ([]int32, error)
	Decode(ctx context.Context, ids []int32) (string, error)
	Placement() []Placement
	ReleaseCache(ctx context.Context) error
	Close() error
}

// IsOutOfMemory reports whether err is a device allocation failure.
func IsOutOfMemory(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrOutOfMemory) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "out of memory") || strings.Contains(msg, "failed to allocate")
}

// SplitPlacement reports layer placement for a model of n layers with gpuLayers offloaded
// to device. Layers that do not fit are reported on "cpu".
func SplitPlacement(n, gpuLayers int, device string) []Placement {
	if n <= 0 {
		d := device
		if gpuLayers >= 0 {
			d = "unknown"
		}
		return []Placement{{Tensor: "model", Device: d}}
	}
	if gpuLayers < 0 || gpuLayers > n {
		gpuLayers = n
	}
	out := make([]Placement, 0, n+1)
	for i := 0; i < n; i++ {
		d := device
		if i >= gpuLayers {
			d = "cpu"
		}
		out = append(out, Placement{Tensor: "blk." + strconv.Itoa(i), Device: d})
	}
	out = append(out, Placement{Tensor: "output", Device: out[n-1].Device})
	return out
}

// NormalizeVersion maps runtime version strings onto semver.
// llama.cpp build tags ("b4567") become v0.0.4567.
func NormalizeVersion(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if len(v) > 1 && v[0] == 'b' {
		if n, err := strconv.Atoi(strings.SplitN(v[1:], "-", 2)[0]); err == nil {
			return fmt.Sprintf("v0.0.%d", n)
		}
	}
	if v[0] != 'v' {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return ""
	}
	return semver.Canonical(v)
}

// AtLeast reports whether have >= min once both are normalized. Unparseable versions never satisfy.
func AtLeast(have, min string) bool {
	h, m := NormalizeVersion(have), NormalizeVersion(min)
	if h == "" || m == "" {
		return false
	}
	return semver.Compare(h, m) >= 0
}
