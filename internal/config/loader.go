package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FindConfigPath returns the path to portcullis.jsonc using precedence:
// 1. configDir + /portcullis.jsonc (if configDir specified)
// 2. $PORTCULLIS_CONFIG + /portcullis.jsonc
// 3. ./config/portcullis.jsonc (project-local)
// 4. ~/.portcullis/config/portcullis.jsonc (user global)
func FindConfigPath(configDir string) (string, error) {
	if configDir != "" {
		path := filepath.Join(configDir, "portcullis.jsonc")
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("portcullis.jsonc not found in %s", configDir)
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return path, nil
		}
		return abs, nil
	}

	var candidates []string
	if envDir := os.Getenv("PORTCULLIS_CONFIG"); envDir != "" {
		candidates = append(candidates, filepath.Join(envDir, "portcullis.jsonc"))
	}
	candidates = append(candidates, filepath.Join("config", "portcullis.jsonc"))
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".portcullis", "config", "portcullis.jsonc"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			abs, err := filepath.Abs(path)
			if err != nil {
				return path, nil
			}
			return abs, nil
		}
	}

	return "", fmt.Errorf("portcullis.jsonc not found; tried: %v", candidates)
}

// Load reads portcullis.jsonc and applies defaults and environment
// overrides. A missing config file is not an error: the gateway can run
// entirely from defaults plus environment variables.
func Load(configDir string) (*Config, error) {
	cfg := &Config{}

	configPath, err := FindConfigPath(configDir)
	if err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", configPath, err)
		}
		if err := json.Unmarshal(stripJSONComments(data), cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", configPath, err)
		}
	} else if configDir != "" {
		// An explicitly requested config dir must exist
		return nil, err
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

// applyEnvOverrides lets environment variables win over file values for
// the settings that are commonly injected by orchestration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Codex.APIKey = v
	}
	if v := os.Getenv("CODEX_BINARY_PATH"); v != "" {
		cfg.Codex.BinaryPath = v
	}
	if v := os.Getenv("CODEX_WORKING_DIR"); v != "" {
		cfg.Codex.WorkingDir = v
	}
}
