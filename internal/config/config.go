package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/llm"
	"inferd/internal/manager"
)

// Runtime names accepted in model.runtime.
const (
	RuntimeLlamaCpp    = "llamacpp"
	RuntimeLlamaServer = "llamaserver"
)

// Duration decodes "30s"-style strings from yaml, json and toml alike.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config holds runtime parameters for the service.
type Config struct {
	Addr       string           `json:"addr" yaml:"addr" toml:"addr"`
	GRPCAddr   string           `json:"grpc_addr" yaml:"grpc_addr" toml:"grpc_addr"`
	Model      ModelConfig      `json:"model" yaml:"model" toml:"model"`
	Device     DeviceConfig     `json:"device" yaml:"device" toml:"device"`
	Gate       GateConfig       `json:"gate" yaml:"gate" toml:"gate"`
	Extraction ExtractionConfig `json:"extraction" yaml:"extraction" toml:"extraction"`
	Serving    ServingConfig    `json:"serving" yaml:"serving" toml:"serving"`
	Log        LogConfig        `json:"log" yaml:"log" toml:"log"`
}

// ModelConfig selects the weights and the runtime that loads them.
type ModelConfig struct {
	Name           string               `json:"name" yaml:"name" toml:"name"`
	ModelsDir      string               `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	Path           string               `json:"path" yaml:"path" toml:"path"`
	Runtime        string               `json:"runtime" yaml:"runtime" toml:"runtime"`
	ServerURL      string               `json:"server_url" yaml:"server_url" toml:"server_url"`
	ServerAPIKey   string               `json:"server_api_key" yaml:"server_api_key" toml:"server_api_key"`
	Slot           int                  `json:"slot" yaml:"slot" toml:"slot"`
	RequestTimeout Duration             `json:"request_timeout" yaml:"request_timeout" toml:"request_timeout"`
	ContextSize    int                  `json:"context_size" yaml:"context_size" toml:"context_size"`
	Threads        int                  `json:"threads" yaml:"threads" toml:"threads"`
	GPULayers      int                  `json:"gpu_layers" yaml:"gpu_layers" toml:"gpu_layers"`
	TargetDevice   string               `json:"target_device" yaml:"target_device" toml:"target_device"`
	MaxInputTokens int                  `json:"max_input_tokens" yaml:"max_input_tokens" toml:"max_input_tokens"`
	Requirements   manager.Requirements `json:"requirements" yaml:"requirements" toml:"requirements"`
}

// DeviceConfig selects the memory probe.
type DeviceConfig struct {
	// SMIPath is the nvidia-smi binary; "none" disables the probe.
	SMIPath string `json:"smi_path" yaml:"smi_path" toml:"smi_path"`
	Index   int    `json:"index" yaml:"index" toml:"index"`
}

// ClassConfig is the admission policy of one workload class.
type ClassConfig struct {
	Limit      int      `json:"limit" yaml:"limit" toml:"limit"`
	QueueDepth int      `json:"queue_depth" yaml:"queue_depth" toml:"queue_depth"`
	MinFreeMB  uint64   `json:"min_free_mb" yaml:"min_free_mb" toml:"min_free_mb"`
	MemoryWait Duration `json:"memory_wait" yaml:"memory_wait" toml:"memory_wait"`
	QueueWait  Duration `json:"queue_wait" yaml:"queue_wait" toml:"queue_wait"`
}

type GateConfig struct {
	Extraction   ClassConfig `json:"extraction" yaml:"extraction" toml:"extraction"`
	Generation   ClassConfig `json:"generation" yaml:"generation" toml:"generation"`
	PollInterval Duration    `json:"poll_interval" yaml:"poll_interval" toml:"poll_interval"`
}

// ExtractionConfig describes the external extraction program.
type ExtractionConfig struct {
	Command  string   `json:"command" yaml:"command" toml:"command"`
	Args     []string `json:"args" yaml:"args" toml:"args"`
	ModeArgs []string `json:"mode_args" yaml:"mode_args" toml:"mode_args"`
	CacheDir string   `json:"cache_dir" yaml:"cache_dir" toml:"cache_dir"`
	Timeout  Duration `json:"timeout" yaml:"timeout" toml:"timeout"`
}

type ServingConfig struct {
	APIKey          string   `json:"api_key" yaml:"api_key" toml:"api_key"`
	APIKeyBcrypt    string   `json:"api_key_bcrypt" yaml:"api_key_bcrypt" toml:"api_key_bcrypt"`
	HealthPublic    bool     `json:"health_public" yaml:"health_public" toml:"health_public"`
	AllowedOrigins  []string `json:"allowed_origins" yaml:"allowed_origins" toml:"allowed_origins"`
	MaxDocumentMB   int      `json:"max_document_mb" yaml:"max_document_mb" toml:"max_document_mb"`
	DedupWindow     Duration `json:"dedup_window" yaml:"dedup_window" toml:"dedup_window"`
	CallbackTimeout Duration `json:"callback_timeout" yaml:"callback_timeout" toml:"callback_timeout"`
	JobTimeout      Duration `json:"job_timeout" yaml:"job_timeout" toml:"job_timeout"`
	JobRetention    Duration `json:"job_retention" yaml:"job_retention" toml:"job_retention"`
	LedgerPath      string   `json:"ledger_path" yaml:"ledger_path" toml:"ledger_path"`
	Warmup          bool     `json:"warmup" yaml:"warmup" toml:"warmup"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level" toml:"level"`
	Format string `json:"format" yaml:"format" toml:"format"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Addr: ":8080",
		Model: ModelConfig{
			ModelsDir:      "~/models/llm",
			Runtime:        RuntimeLlamaCpp,
			RequestTimeout: Duration(10 * time.Minute),
			ContextSize:    32768,
			GPULayers:      -1,
			TargetDevice:   "cuda:0",
			MaxInputTokens: 29491,
		},
		Gate: GateConfig{
			Extraction:   ClassConfig{Limit: 4, MinFreeMB: 1024, MemoryWait: Duration(30 * time.Second), QueueWait: Duration(5 * time.Minute)},
			Generation:   ClassConfig{Limit: 1, QueueDepth: 16, MinFreeMB: 2048, MemoryWait: Duration(30 * time.Second), QueueWait: Duration(10 * time.Minute)},
			PollInterval: Duration(500 * time.Millisecond),
		},
		Extraction: ExtractionConfig{
			ModeArgs: []string{"--mode"},
			CacheDir: "~/.cache/inferd/extract",
			Timeout:  Duration(5 * time.Minute),
		},
		Serving: ServingConfig{
			HealthPublic:    true,
			MaxDocumentMB:   25,
			DedupWindow:     Duration(60 * time.Second),
			CallbackTimeout: Duration(30 * time.Second),
			JobRetention:    Duration(24 * time.Hour),
			LedgerPath:      ":memory:",
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load overlays a config file onto Default() and applies the process
// environment. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyEnv(nil); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if c.Addr == "" {
		bad("addr is required")
	}
	switch c.Model.Runtime {
	case RuntimeLlamaCpp:
		if c.Model.Path == "" && c.Model.Name == "" {
			bad("model.path or model.name is required for runtime %s", RuntimeLlamaCpp)
		}
	case RuntimeLlamaServer:
		if c.Model.ServerURL == "" {
			bad("model.server_url is required for runtime %s", RuntimeLlamaServer)
		}
	default:
		bad("model.runtime must be %s or %s, got %q", RuntimeLlamaCpp, RuntimeLlamaServer, c.Model.Runtime)
	}
	if c.Model.MaxInputTokens <= 0 {
		bad("model.max_input_tokens must be positive")
	}
	if v := c.Model.Requirements.MinRuntime; v != "" && llm.NormalizeVersion(v) == "" {
		bad("model.requirements.min_runtime %q is not a version", v)
	}
	for name, cl := range map[string]ClassConfig{"extraction": c.Gate.Extraction, "generation": c.Gate.Generation} {
		if cl.Limit <= 0 {
			bad("gate.%s.limit must be positive", name)
		}
		if cl.QueueDepth < 0 {
			bad("gate.%s.queue_depth must not be negative", name)
		}
	}
	if c.Serving.MaxDocumentMB <= 0 {
		bad("serving.max_document_mb must be positive")
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		bad("log.level: %v", err)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		bad("log.format must be json or console, got %q", c.Log.Format)
	}
	return errors.Join(errs...)
}
