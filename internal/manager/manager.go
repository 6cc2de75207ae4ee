package manager

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/failure"
	"inferd/internal/gpu"
	"inferd/internal/llm"
	"inferd/pkg/types"
)

// Manager owns the process-wide model handle.
type Manager struct {
	rt             llm.Runtime
	probe          gpu.Probe
	load           llm.LoadOptions
	model          types.Model
	req            Requirements
	maxInputTokens int
	releaseTimeout time.Duration
	pub            EventPublisher
	log            zerolog.Logger

	loadMu  sync.Mutex
	handle  atomic.Pointer[Handle]
	fatal   atomic.Pointer[failure.Error]
	loading atomic.Bool

	loadsTotal  atomic.Uint64
	generations atomic.Uint64
	lastErr     atomic.Value // string
	onFatal     func(error)
	fatalOnce   sync.Once

	startTime time.Time
}

// New constructs a Manager. It never touches the runtime or the device.
func New(cfg Config) *Manager {
	m := &Manager{
		rt:             cfg.Runtime,
		probe:          cfg.Probe,
		load:           cfg.Load,
		model:          cfg.Model,
		req:            cfg.Requirements,
		maxInputTokens: cfg.MaxInputTokens,
		releaseTimeout: cfg.ReleaseTimeout,
		pub:            cfg.Publisher,
		onFatal:        cfg.OnFatal,
		startTime:      time.Now(),
	}
	if m.maxInputTokens <= 0 {
		m.maxInputTokens = defaultMaxInputTokens
	}
	if m.releaseTimeout <= 0 {
		m.releaseTimeout = defaultReleaseTimeout
	}
	if m.load.Device == "" {
		m.load.Device = defaultDevice
	}
	if m.load.Path == "" {
		m.load.Path = m.model.Path
	}
	if m.load.Name == "" {
		m.load.Name = m.model.ID
	}
	if m.probe == nil {
		m.probe = gpu.NoDevice{}
	}
	if m.pub == nil {
		m.pub = noopPublisher{}
	}
	if cfg.Logger != nil {
		m.log = cfg.Logger.With().Str("component", "manager").Logger()
	} else {
		m.log = zerolog.Nop()
	}
	return m
}

// Loaded reports whether the handle exists. It never triggers a load.
func (m *Manager) Loaded() bool { return m.handle.Load() != nil }

// Current returns the handle or nil. It never triggers a load.
func (m *Manager) Current() *Handle { return m.handle.Load() }

// Identity names the model for result metadata; it does not require a load.
func (m *Manager) Identity() string {
	if h := m.handle.Load(); h != nil {
		return h.Identity
	}
	if m.model.Name != "" {
		return m.model.Name
	}
	return m.load.Name
}

// Fatal returns the latched load failure, if any.
func (m *Manager) Fatal() error {
	if f := m.fatal.Load(); f != nil {
		return f
	}
	return nil
}

// Probe exposes the memory probe shared with the admission gate.
func (m *Manager) Probe() gpu.Probe { return m.probe }

func (m *Manager) state() State {
	switch {
	case m.handle.Load() != nil:
		return StateReady
	case m.fatal.Load() != nil:
		return StateFailed
	case m.loading.Load():
		return StateLoading
	default:
		return StateUnloaded
	}
}

func (m *Manager) setLastErr(err error) {
	if err != nil {
		m.lastErr.Store(err.Error())
	}
}

// Close frees the model at process exit.
func (m *Manager) Close() error {
	h := m.handle.Swap(nil)
	if h == nil || h.model == nil {
		return nil
	}
	return h.model.Close()
}
