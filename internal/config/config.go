// Package config loads convohub configuration from YAML with environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all convohub configuration.
type Config struct {
	// Workspace is the default project path for clients that do not name one.
	Workspace string `yaml:"workspace"`

	Server    ServerConfig    `yaml:"server"`
	Assistant AssistantConfig `yaml:"assistant"`
	Storage   StorageConfig   `yaml:"storage"`
	Guard     GuardConfig     `yaml:"guard"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the HTTP/WebSocket surface and the session table.
type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	WSPath         string   `yaml:"ws_path"`
	AllowedRoots   []string `yaml:"allowed_roots"`   // project paths must live under one of these; empty = workspace only
	AllowedOrigins []string `yaml:"allowed_origins"` // empty = any origin
	MaxConnections int      `yaml:"max_connections"`
	ClientBuffer   int      `yaml:"client_buffer"` // queued events per client before it is dropped
	IdleTimeout    string   `yaml:"idle_timeout"`  // session teardown after the last client leaves
}

// AssistantConfig configures the assistant subprocess.
type AssistantConfig struct {
	Command        string   `yaml:"command"`
	Args           []string `yaml:"args"`
	Model          string   `yaml:"model"`
	PermissionMode string   `yaml:"permission_mode"`
	StopTimeout    string   `yaml:"stop_timeout"`
	OutputBuffer   int      `yaml:"output_buffer"`
	Env            []string `yaml:"env"`
}

// StorageConfig selects the history backend.
type StorageConfig struct {
	Backend    string `yaml:"backend"` // json, sqlite
	SQLitePath string `yaml:"sqlite_path"`
}

// GuardConfig configures critical file advisories.
type GuardConfig struct {
	CriticalFiles []string `yaml:"critical_files"`
	Tools         []string `yaml:"tools"`
	AutoConfirm   bool     `yaml:"auto_confirm"` // default for projects without a settings file
}

// DefaultAssistantArgs are the stream-json flags the coordinator depends on.
var DefaultAssistantArgs = []string{
	"-p",
	"--verbose",
	"--output-format", "stream-json",
	"--input-format", "stream-json",
	"--include-partial-messages",
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Workspace: ".",

		Server: ServerConfig{
			Addr:           "127.0.0.1:4477",
			WSPath:         "/ws",
			MaxConnections: 256,
			ClientBuffer:   512,
			IdleTimeout:    "10m",
		},

		Assistant: AssistantConfig{
			Command:      "claude",
			Args:         append([]string(nil), DefaultAssistantArgs...),
			StopTimeout:  "5s",
			OutputBuffer: 256,
		},

		Storage: StorageConfig{
			Backend:    "json",
			SQLitePath: "",
		},

		Guard: GuardConfig{
			CriticalFiles: []string{
				"CLAUDE.md",
				".env",
				".env.*",
				"package.json",
				"go.mod",
				"nuxt.config.ts",
			},
			Tools:       []string{"Write", "Edit", "MultiEdit", "NotebookEdit"},
			AutoConfirm: false,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a YAML file.
// A missing file yields the defaults with environment overrides applied.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies CONVOHUB_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CONVOHUB_WORKSPACE"); v != "" {
		c.Workspace = v
	}
	if v := os.Getenv("CONVOHUB_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("CONVOHUB_ALLOWED_ROOTS"); v != "" {
		c.Server.AllowedRoots = splitList(v)
	}
	if v := os.Getenv("CONVOHUB_ASSISTANT_COMMAND"); v != "" {
		c.Assistant.Command = v
	}
	if v := os.Getenv("CONVOHUB_MODEL"); v != "" {
		c.Assistant.Model = v
	}
	if v := os.Getenv("CONVOHUB_PERMISSION_MODE"); v != "" {
		c.Assistant.PermissionMode = v
	}
	if v := os.Getenv("CONVOHUB_STORAGE"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("CONVOHUB_SQLITE_PATH"); v != "" {
		c.Storage.SQLitePath = v
	}
	if v := os.Getenv("CONVOHUB_CRITICAL_FILES"); v != "" {
		c.Guard.CriticalFiles = splitList(v)
	}
	if v := os.Getenv("CONVOHUB_AUTO_CONFIRM"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Guard.AutoConfirm = b
		}
	}
	if v := os.Getenv("CONVOHUB_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CONVOHUB_DEBUG"); v == "1" || strings.EqualFold(v, "true") {
		c.Logging.DebugMode = true
	}
}

// ValidBackends lists the supported history backends.
var ValidBackends = []string{"json", "sqlite"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Assistant.Command == "" {
		return fmt.Errorf("assistant command not configured")
	}
	if !strings.HasPrefix(c.Server.WSPath, "/") {
		return fmt.Errorf("server ws_path must start with '/': %q", c.Server.WSPath)
	}

	valid := false
	for _, b := range ValidBackends {
		if c.Storage.Backend == b {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid storage backend: %s (valid: %v)", c.Storage.Backend, ValidBackends)
	}

	for _, d := range []struct{ name, value string }{
		{"server.idle_timeout", c.Server.IdleTimeout},
		{"assistant.stop_timeout", c.Assistant.StopTimeout},
	} {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", d.name, err)
		}
	}
	return nil
}

// GetIdleTimeout returns the session idle timeout as a duration.
func (c *Config) GetIdleTimeout() time.Duration {
	d, err := time.ParseDuration(c.Server.IdleTimeout)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}

// GetStopTimeout returns how long a stop request may take before the process is killed.
func (c *Config) GetStopTimeout() time.Duration {
	d, err := time.ParseDuration(c.Assistant.StopTimeout)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// AssistantArgs returns the full argument list including model and permission flags.
func (c *Config) AssistantArgs() []string {
	args := append([]string(nil), c.Assistant.Args...)
	if c.Assistant.Model != "" {
		args = append(args, "--model", c.Assistant.Model)
	}
	if c.Assistant.PermissionMode != "" {
		args = append(args, "--permission-mode", c.Assistant.PermissionMode)
	}
	return args
}

// WorkspacePath returns the absolute default project path.
func (c *Config) WorkspacePath() (string, error) {
	return filepath.Abs(c.Workspace)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
