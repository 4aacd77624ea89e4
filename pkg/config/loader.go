package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the YAML file loaded from the config directory.
const ConfigFileName = "amila.yaml"

// Load builds the configuration: defaults, then the YAML file from
// configDir (optional), then environment overrides for secrets and
// endpoints. The result is validated before being returned.
func Load(configDir string) (*Config, error) {
	cfg := Defaults()

	path := filepath.Join(configDir, ConfigFileName)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		slog.Info("Loaded configuration file", "path", path)
	case errors.Is(err, fs.ErrNotExist):
		slog.Warn("No configuration file found, using defaults", "path", path)
	default:
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides reads secrets and deployment-specific endpoints from
// the environment. Secrets are never read from YAML.
func applyEnvOverrides(cfg *Config) {
	cfg.Server.AuthToken = os.Getenv("AMILA_AUTH_TOKEN")
	cfg.Server.SignatureSecret = os.Getenv("AMILA_SIGNATURE_SECRET")
	cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	cfg.LLM.APIKey = os.Getenv("LLM_API_KEY")

	if v := os.Getenv("HTTP_PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = db
		}
	}
	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
}
