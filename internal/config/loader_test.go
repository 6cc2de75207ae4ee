package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func env(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) { v, ok := m[k]; return v, ok }
}

func TestLoadYAML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.yaml", `
addr: :9999
model:
  name: mistral
  models_dir: /tmp
  requirements:
    min_runtime: b4000
    quantizations: [Q4_K_M]
gate:
  generation:
    limit: 1
    min_free_mb: 4096
    queue_wait: 90s
serving:
  dedup_window: 2m
  allowed_origins: [https://a.example]
`)
	cfg, err := Load(p)
	if err != nil { t.Fatalf("load: %v", err) }
	if cfg.Addr != ":9999" || cfg.Model.Name != "mistral" || cfg.Model.ModelsDir != "/tmp" { t.Fatalf("unexpected cfg: %+v", cfg) }
	if cfg.Model.Requirements.MinRuntime != "b4000" || len(cfg.Model.Requirements.Quantizations) != 1 { t.Fatalf("requirements: %+v", cfg.Model.Requirements) }
	if cfg.Gate.Generation.MinFreeMB != 4096 || cfg.Gate.Generation.QueueWait.Std() != 90*time.Second { t.Fatalf("gate: %+v", cfg.Gate.Generation) }
	if cfg.Serving.DedupWindow.Std() != 2*time.Minute || cfg.Serving.AllowedOrigins[0] != "https://a.example" { t.Fatalf("serving: %+v", cfg.Serving) }
	// Keys absent from the file keep their defaults.
	if cfg.Gate.Extraction.MinFreeMB != 1024 || !cfg.Serving.HealthPublic || cfg.Serving.MaxDocumentMB != 25 { t.Fatalf("defaults lost: %+v", cfg) }
}

func TestLoadJSON(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.json", `{"addr":":7070","model":{"runtime":"llamaserver","server_url":"http://127.0.0.1:8081","request_timeout":"45s"},"serving":{"health_public":false}}`)
	cfg, err := Load(p)
	if err != nil { t.Fatalf("load: %v", err) }
	if cfg.Addr != ":7070" || cfg.Model.Runtime != RuntimeLlamaServer || cfg.Model.RequestTimeout.Std() != 45*time.Second { t.Fatalf("unexpected cfg: %+v", cfg) }
	if cfg.Serving.HealthPublic { t.Fatalf("health_public not overridden") }
}

func TestLoadTOML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.toml", "addr=\":8081\"\n[model]\npath=\"/x/m.gguf\"\n[extraction]\ncommand=\"extractor\"\ntimeout=\"90s\"\n")
	cfg, err := Load(p)
	if err != nil { t.Fatalf("load: %v", err) }
	if cfg.Addr != ":8081" || cfg.Model.Path != "/x/m.gguf" || cfg.Extraction.Command != "extractor" || cfg.Extraction.Timeout.Std() != 90*time.Second {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadErrors(t *testing.T) {
	d := t.TempDir()
	cases := map[string]string{
		"cfg.txt":  "not supported",
		"bad.yaml": "addr: :8080\n: broken\n",
		"bad.json": `{ "addr": ":8080", "model": }`,
		"bad.toml": "addr=:8080\nmodels_dir\n",
		"unknown.yaml": "model:\n  name: m\n  nmae: typo\n",
		"dur.yaml": "model:\n  name: m\nserving:\n  dedup_window: soon\n",
	}
	for name, body := range cases {
		if _, err := Load(writeTempFile(t, d, name, body)); err == nil { t.Fatalf("%s: expected error", name) }
	}
	if _, err := Load("/definitely/not/a/real/file-12345.yaml"); err == nil { t.Fatalf("expected error for nonexistent file") }
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(env(map[string]string{
		"INFERD_ADDR":            ":1234",
		"INFERD_MODEL_PATH":      "/m.gguf",
		"API_KEY":                "secret",
		"ALLOWED_ORIGINS":        "https://a.example, https://b.example,",
		"INFERD_WARMUP":          "true",
		"INFERD_MAX_DOCUMENT_MB": "10",
		"INFERD_LOG_FORMAT":      "console",
	}))
	if err != nil { t.Fatalf("env: %v", err) }
	if cfg.Addr != ":1234" || cfg.Model.Path != "/m.gguf" || cfg.Serving.APIKey != "secret" { t.Fatalf("unexpected cfg: %+v", cfg) }
	if len(cfg.Serving.AllowedOrigins) != 2 || cfg.Serving.AllowedOrigins[1] != "https://b.example" { t.Fatalf("origins: %v", cfg.Serving.AllowedOrigins) }
	if !cfg.Serving.Warmup || cfg.Serving.MaxDocumentMB != 10 || cfg.Log.Format != "console" { t.Fatalf("unexpected cfg: %+v", cfg) }
	if err := cfg.Validate(); err != nil { t.Fatalf("validate: %v", err) }

	if err := cfg.ApplyEnv(env(map[string]string{"INFERD_WARMUP": "maybe"})); err == nil { t.Fatalf("expected bool parse error") }
	if err := cfg.ApplyEnv(env(map[string]string{"INFERD_GPU_LAYERS": "all"})); err == nil { t.Fatalf("expected int parse error") }
}

func TestValidate(t *testing.T) {
	if err := Default().Validate(); err == nil || !strings.Contains(err.Error(), "model.path or model.name") { t.Fatalf("default must need a model: %v", err) }

	cfg := Default()
	cfg.Model.Name = "m"
	if err := cfg.Validate(); err != nil { t.Fatalf("valid config rejected: %v", err) }

	cfg.Model.Runtime = "vllm"
	cfg.Gate.Generation.Limit = 0
	cfg.Log.Format = "xml"
	cfg.Model.Requirements.MinRuntime = "latest"
	err := cfg.Validate()
	if err == nil { t.Fatalf("expected errors") }
	for _, want := range []string{"model.runtime", "gate.generation.limit", "log.format", "min_runtime"} {
		if !strings.Contains(err.Error(), want) { t.Fatalf("missing %q in %v", want, err) }
	}

	cfg = Default()
	cfg.Model.Runtime = RuntimeLlamaServer
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "server_url") { t.Fatalf("expected server_url error, got %v", err) }
}

func TestDefaultThresholds(t *testing.T) {
	cfg := Default()
	if cfg.Gate.Extraction.MinFreeMB != 1024 || cfg.Gate.Generation.MinFreeMB != 2048 { t.Fatalf("thresholds: %+v", cfg.Gate) }
	if cfg.Gate.Generation.Limit != 1 { t.Fatalf("generation must default to a single slot") }
	if cfg.Gate.Extraction.Limit != 4 { t.Fatalf("extraction limit=%d, want 4 parallel slots", cfg.Gate.Extraction.Limit) }
}
