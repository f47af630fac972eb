package config

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Config is the single configuration file format for portcullis.jsonc
type Config struct {
	Server   ServerSection   `json:"server"`
	Codex    CodexSection    `json:"codex"`
	Sessions SessionsSection `json:"sessions"`
	Security SecuritySection `json:"security"`
	Logging  LoggingSection  `json:"logging"`
}

// ServerSection contains HTTP listener configuration
type ServerSection struct {
	Host        string   `json:"host"`
	Port        int      `json:"port"`
	CORSOrigins []string `json:"cors_origins"`
}

// CodexSection configures the codex app-server child process
type CodexSection struct {
	APIKey     string `json:"api_key"`
	BinaryPath string `json:"binary_path"`
	WorkingDir string `json:"working_dir"`
	Model      string `json:"model"`
}

// SessionsSection configures the session registry and reaper
type SessionsSection struct {
	BaseDataDir            string `json:"base_data_dir"`
	MaxSessions            int    `json:"max_sessions"`
	IdleTimeoutSeconds     int    `json:"idle_timeout_seconds"`
	CleanupIntervalSeconds int    `json:"cleanup_interval_seconds"`
	SweepSchedule          string `json:"sweep_schedule"`
	TurnTimeoutSeconds     int    `json:"turn_timeout_seconds"`
	ShutdownGraceSeconds   int    `json:"shutdown_grace_seconds"`
}

// SecuritySection configures identity enforcement
type SecuritySection struct {
	Method              string           `json:"method"` // none, keycloak
	AllowUserIDOverride *bool            `json:"allow_user_id_override"`
	Keycloak            KeycloakSection  `json:"keycloak"`
	UserDBPath          string           `json:"user_db_path"`
	RateLimit           RateLimitSection `json:"rate_limit"`
}

// KeycloakSection holds the token introspection endpoint settings
type KeycloakSection struct {
	ServerURL    string `json:"server_url"`
	Realm        string `json:"realm"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// RateLimitSection configures the per-user token bucket (0 disables)
type RateLimitSection struct {
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
}

// LoggingSection configures log output
type LoggingSection struct {
	Dir   string `json:"dir"`
	JSON  bool   `json:"json"`
	Level string `json:"level"`
}

// SecurityMethod values
const (
	SecurityNone     = "none"
	SecurityKeycloak = "keycloak"
)

// applyDefaults fills zero values with working defaults
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8111
	}
	if cfg.Server.CORSOrigins == nil {
		cfg.Server.CORSOrigins = []string{"*"}
	}
	if cfg.Sessions.BaseDataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Sessions.BaseDataDir = filepath.Join(home, ".portcullis")
		} else {
			cfg.Sessions.BaseDataDir = ".portcullis"
		}
	}
	if cfg.Sessions.MaxSessions == 0 {
		cfg.Sessions.MaxSessions = 20
	}
	if cfg.Sessions.IdleTimeoutSeconds == 0 {
		cfg.Sessions.IdleTimeoutSeconds = 1800
	}
	if cfg.Sessions.CleanupIntervalSeconds == 0 {
		cfg.Sessions.CleanupIntervalSeconds = 60
	}
	if cfg.Sessions.TurnTimeoutSeconds == 0 {
		cfg.Sessions.TurnTimeoutSeconds = 600
	}
	if cfg.Sessions.ShutdownGraceSeconds == 0 {
		cfg.Sessions.ShutdownGraceSeconds = 10
	}
	if cfg.Security.Method == "" {
		cfg.Security.Method = SecurityNone
	}
	if cfg.Security.UserDBPath == "" {
		cfg.Security.UserDBPath = filepath.Join(cfg.Sessions.BaseDataDir, "users.db")
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Sessions.MaxSessions < 1 {
		return fmt.Errorf("sessions.max_sessions must be at least 1")
	}
	switch c.Security.Method {
	case SecurityNone:
	case SecurityKeycloak:
		if c.Security.Keycloak.ServerURL == "" || c.Security.Keycloak.Realm == "" {
			return fmt.Errorf("security.keycloak requires server_url and realm")
		}
	default:
		return fmt.Errorf("security.method %q not supported (none, keycloak)", c.Security.Method)
	}
	if c.Security.RateLimit.RequestsPerSecond > 0 && c.Security.RateLimit.Burst < 1 {
		return fmt.Errorf("security.rate_limit.burst must be at least 1 when rate limiting is enabled")
	}
	return nil
}

// Addr returns the HTTP listen address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// UserDataDir returns the per-user CODEX_HOME directory
func (c *Config) UserDataDir(userID string) string {
	return filepath.Join(c.Sessions.BaseDataDir, "users", userID)
}

// ResolveBinary returns the codex executable path: the configured path if
// it exists, otherwise a $PATH lookup.
func (c *Config) ResolveBinary() (string, error) {
	if c.Codex.BinaryPath != "" {
		if _, err := os.Stat(c.Codex.BinaryPath); err == nil {
			return c.Codex.BinaryPath, nil
		}
		return "", fmt.Errorf("codex binary not found at %s", c.Codex.BinaryPath)
	}
	path, err := exec.LookPath("codex")
	if err != nil {
		return "", fmt.Errorf("codex binary not found in PATH: %w", err)
	}
	return path, nil
}

// UserIDOverrideAllowed reports whether clients may supply user_id via
// body, header, or query when identity enforcement is off. Defaults to true.
func (s *SecuritySection) UserIDOverrideAllowed() bool {
	if s.AllowUserIDOverride == nil {
		return true
	}
	return *s.AllowUserIDOverride
}

// IdleTimeout returns the reaper idle threshold
func (s *SessionsSection) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutSeconds) * time.Second
}

// CleanupInterval returns the reaper wake period
func (s *SessionsSection) CleanupInterval() time.Duration {
	return time.Duration(s.CleanupIntervalSeconds) * time.Second
}

// TurnTimeout returns the per-turn wall clock limit
func (s *SessionsSection) TurnTimeout() time.Duration {
	return time.Duration(s.TurnTimeoutSeconds) * time.Second
}

// ShutdownGrace returns the lease drain bound at shutdown
func (s *SessionsSection) ShutdownGrace() time.Duration {
	return time.Duration(s.ShutdownGraceSeconds) * time.Second
}

// IntrospectionURL returns the RFC 7662 token introspection endpoint
func (k *KeycloakSection) IntrospectionURL() string {
	return fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token/introspect", k.ServerURL, k.Realm)
}
