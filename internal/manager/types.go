package manager

import (
	"time"

	"inferd/internal/gpu"
	"inferd/internal/llm"
)

// State represents lifecycle state of the model.
type State string

const (
	StateUnloaded State = "unloaded"
	StateLoading  State = "loading"
	StateReady    State = "ready"
	StateFailed   State = "failed"
)

// Handle is the loaded model. It is never partially constructed: a Handle
// exists only after versions and placement were validated.
type Handle struct {
	model       llm.Model
	Identity    string
	DeviceID    string
	Device      gpu.DeviceInfo
	LoadedAt    time.Time
	Fingerprint string
	Versions    llm.Versions
}

// Request is one generation call.
type Request struct {
	Prompt   string
	Stage    string
	Sampling llm.Sampling
}

// Generation is the decoded output of one call.
type Generation struct {
	Text         string
	PromptTokens int
	OutputTokens int
	Truncated    bool
	Duration     time.Duration
	// Peak is read right after the runtime returns, before cache release.
	Peak gpu.MemorySnapshot
	// AfterRelease is read once the transient cache was released.
	AfterRelease gpu.MemorySnapshot
	Identity     string
}
