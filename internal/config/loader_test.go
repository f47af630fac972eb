package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	t.Run("valid config file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "portcullis.jsonc")
		configJSON := `{
			// Test config
			"server": {
				"host": "127.0.0.1",
				"port": 9000
			},
			"codex": {
				"binary_path": "/opt/codex/bin/codex",
				"model": "gpt-5"
			},
			"sessions": {
				"max_sessions": 5,
				"idle_timeout_seconds": 120
			},
			"security": {
				"method": "none"
			}
		}`
		_ = os.WriteFile(configPath, []byte(configJSON), 0o644)

		cfg, err := Load(tmpDir)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Server.Host != "127.0.0.1" {
			t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
		}
		if cfg.Server.Port != 9000 {
			t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 9000)
		}
		if cfg.Codex.Model != "gpt-5" {
			t.Errorf("Codex.Model = %q, want %q", cfg.Codex.Model, "gpt-5")
		}
		if cfg.Sessions.MaxSessions != 5 {
			t.Errorf("Sessions.MaxSessions = %d, want %d", cfg.Sessions.MaxSessions, 5)
		}
	})

	t.Run("JSONC comments are stripped", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "portcullis.jsonc")
		configJSON := `{
			// Line comment
			"server": {"port": 8222},
			/* Block comment */
			"codex": {"model": "o3"}
		}`
		_ = os.WriteFile(configPath, []byte(configJSON), 0o644)

		cfg, err := Load(tmpDir)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Server.Port != 8222 {
			t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 8222)
		}
		if cfg.Codex.Model != "o3" {
			t.Errorf("Codex.Model = %q, want %q", cfg.Codex.Model, "o3")
		}
	})

	t.Run("applies defaults for missing fields", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "portcullis.jsonc")
		_ = os.WriteFile(configPath, []byte(`{"server": {}}`), 0o644)

		cfg, err := Load(tmpDir)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Server.Host != "0.0.0.0" {
			t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
		}
		if cfg.Server.Port != 8111 {
			t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 8111)
		}
		if cfg.Sessions.MaxSessions != 20 {
			t.Errorf("Sessions.MaxSessions = %d, want %d", cfg.Sessions.MaxSessions, 20)
		}
		if cfg.Sessions.IdleTimeoutSeconds != 1800 {
			t.Errorf("Sessions.IdleTimeoutSeconds = %d, want %d", cfg.Sessions.IdleTimeoutSeconds, 1800)
		}
		if cfg.Sessions.CleanupIntervalSeconds != 60 {
			t.Errorf("Sessions.CleanupIntervalSeconds = %d, want %d", cfg.Sessions.CleanupIntervalSeconds, 60)
		}
		if cfg.Security.Method != SecurityNone {
			t.Errorf("Security.Method = %q, want %q", cfg.Security.Method, SecurityNone)
		}
		if cfg.Security.UserDBPath == "" {
			t.Error("Security.UserDBPath should default under base data dir")
		}
	})

	t.Run("missing config file falls back to defaults", func(t *testing.T) {
		t.Setenv("PORTCULLIS_CONFIG", t.TempDir()) // empty dir, nothing found

		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Server.Port != 8111 {
			t.Errorf("Server.Port = %d, want default %d", cfg.Server.Port, 8111)
		}
	})

	t.Run("explicit config dir must exist", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope"))
		if err == nil {
			t.Error("expected error for missing explicit config dir")
		}
	})

	t.Run("environment overrides file values", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "portcullis.jsonc")
		_ = os.WriteFile(configPath, []byte(`{"codex": {"api_key": "from-file"}}`), 0o644)
		t.Setenv("OPENAI_API_KEY", "from-env")

		cfg, err := Load(tmpDir)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Codex.APIKey != "from-env" {
			t.Errorf("Codex.APIKey = %q, want %q", cfg.Codex.APIKey, "from-env")
		}
	})
}

func TestFindConfigPath_EnvPrecedence(t *testing.T) {
	envDir := t.TempDir()
	_ = os.WriteFile(filepath.Join(envDir, "portcullis.jsonc"), []byte(`{}`), 0o644)
	t.Setenv("PORTCULLIS_CONFIG", envDir)

	path, err := FindConfigPath("")
	if err != nil {
		t.Fatalf("FindConfigPath() error = %v", err)
	}
	if filepath.Dir(path) != envDir {
		t.Errorf("FindConfigPath() = %q, want file under %q", path, envDir)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(c *Config) {}, false},
		{"port too large", func(c *Config) { c.Server.Port = 70000 }, true},
		{"zero max sessions", func(c *Config) { c.Sessions.MaxSessions = 0 }, true},
		{"unknown security method", func(c *Config) { c.Security.Method = "ldap" }, true},
		{"keycloak without server_url", func(c *Config) { c.Security.Method = SecurityKeycloak }, true},
		{"keycloak complete", func(c *Config) {
			c.Security.Method = SecurityKeycloak
			c.Security.Keycloak.ServerURL = "https://id.example.com"
			c.Security.Keycloak.Realm = "agents"
		}, false},
		{"rate limit without burst", func(c *Config) { c.Security.RateLimit.RequestsPerSecond = 5 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			applyDefaults(cfg)
			tt.mutate(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_ResolveBinary(t *testing.T) {
	t.Run("configured path exists", func(t *testing.T) {
		tmpDir := t.TempDir()
		bin := filepath.Join(tmpDir, "codex")
		_ = os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755)

		cfg := &Config{}
		cfg.Codex.BinaryPath = bin
		got, err := cfg.ResolveBinary()
		if err != nil {
			t.Fatalf("ResolveBinary() error = %v", err)
		}
		if got != bin {
			t.Errorf("ResolveBinary() = %q, want %q", got, bin)
		}
	})

	t.Run("configured path missing", func(t *testing.T) {
		cfg := &Config{}
		cfg.Codex.BinaryPath = filepath.Join(t.TempDir(), "missing")
		if _, err := cfg.ResolveBinary(); err == nil {
			t.Error("expected error for missing configured binary")
		}
	})
}

func TestConfig_UserDataDir(t *testing.T) {
	cfg := &Config{}
	cfg.Sessions.BaseDataDir = "/var/lib/portcullis"

	got := cfg.UserDataDir("alice")
	want := filepath.Join("/var/lib/portcullis", "users", "alice")
	if got != want {
		t.Errorf("UserDataDir() = %q, want %q", got, want)
	}
}

func TestSecuritySection_UserIDOverrideAllowed(t *testing.T) {
	var s SecuritySection
	if !s.UserIDOverrideAllowed() {
		t.Error("override should default to allowed")
	}

	off := false
	s.AllowUserIDOverride = &off
	if s.UserIDOverrideAllowed() {
		t.Error("override should be disabled when set to false")
	}
}

func TestStripJSONComments_InsideStrings(t *testing.T) {
	input := []byte(`{"url": "https://example.com/path", "note": "a // b /* c */"}`)
	got := string(stripJSONComments(input))
	if got != string(input) {
		t.Errorf("stripJSONComments() = %q, want unchanged", got)
	}
}
