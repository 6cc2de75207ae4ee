package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// decodeFile reads a configuration file based on its extension onto cfg.
// Supports: .yaml/.yml, .json, .toml. Keys absent from the file keep cfg's values.
func decodeFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(b))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config extension: %s", ext)
	}
	return nil
}

// ApplyEnv overrides cfg from the environment. lookup defaults to os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("INFERD_ADDR", &c.Addr)
	str("INFERD_GRPC_ADDR", &c.GRPCAddr)
	str("INFERD_MODEL", &c.Model.Name)
	str("INFERD_MODELS_DIR", &c.Model.ModelsDir)
	str("INFERD_MODEL_PATH", &c.Model.Path)
	str("INFERD_RUNTIME", &c.Model.Runtime)
	str("INFERD_SERVER_URL", &c.Model.ServerURL)
	str("INFERD_SERVER_API_KEY", &c.Model.ServerAPIKey)
	str("INFERD_TARGET_DEVICE", &c.Model.TargetDevice)
	str("INFERD_SMI_PATH", &c.Device.SMIPath)
	str("INFERD_EXTRACT_COMMAND", &c.Extraction.Command)
	str("INFERD_EXTRACT_CACHE_DIR", &c.Extraction.CacheDir)
	str("INFERD_LEDGER_PATH", &c.Serving.LedgerPath)
	str("INFERD_LOG_LEVEL", &c.Log.Level)
	str("INFERD_LOG_FORMAT", &c.Log.Format)
	str("API_KEY", &c.Serving.APIKey)
	str("INFERD_API_KEY_BCRYPT", &c.Serving.APIKeyBcrypt)

	if v, ok := lookup("ALLOWED_ORIGINS"); ok && v != "" {
		c.Serving.AllowedOrigins = splitList(v)
	}
	for key, dst := range map[string]*bool{
		"INFERD_WARMUP":        &c.Serving.Warmup,
		"INFERD_HEALTH_PUBLIC": &c.Serving.HealthPublic,
	} {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = b
		}
	}
	for key, dst := range map[string]*int{
		"INFERD_MAX_DOCUMENT_MB":  &c.Serving.MaxDocumentMB,
		"INFERD_MAX_INPUT_TOKENS": &c.Model.MaxInputTokens,
		"INFERD_GPU_LAYERS":       &c.Model.GPULayers,
	} {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
