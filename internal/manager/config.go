package manager

import (
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/gpu"
	"inferd/internal/llm"
	"inferd/pkg/types"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultMaxInputTokens = 29491
	defaultDevice         = "cuda:0"
	defaultReleaseTimeout = 30 * time.Second
)

// Requirements are preconditions checked before weights are loaded.
// Empty fields are not checked.
type Requirements struct {
	MinRuntime         string   `json:"min_runtime" yaml:"min_runtime" toml:"min_runtime"`
	Quantizations      []string `json:"quantizations" yaml:"quantizations" toml:"quantizations"`
	WeightsFingerprint string   `json:"weights_fingerprint" yaml:"weights_fingerprint" toml:"weights_fingerprint"`
}

// Config encapsulates all tunables for Manager construction.
type Config struct {
	Runtime        llm.Runtime
	Probe          gpu.Probe
	Load           llm.LoadOptions
	Model          types.Model
	Requirements   Requirements
	MaxInputTokens int
	ReleaseTimeout time.Duration
	Publisher      EventPublisher
	// OnFatal is called once, inline, when a load failure latches. It runs
	// whether the load came from a job or from Warmup and must not block.
	OnFatal        func(error)
	Logger         *zerolog.Logger
}
