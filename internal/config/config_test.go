package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server.Addr, cfg.Server.Addr)
	assert.Equal(t, "json", cfg.Storage.Backend)
	assert.Equal(t, 10*time.Minute, cfg.GetIdleTimeout())
	assert.Equal(t, 5*time.Second, cfg.GetStopTimeout())
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "convohub.yaml")
	cfg := DefaultConfig()
	cfg.Server.Addr = "0.0.0.0:9000"
	cfg.Storage.Backend = "sqlite"
	cfg.Guard.CriticalFiles = []string{"Makefile"}
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", loaded.Server.Addr)
	assert.Equal(t, "sqlite", loaded.Storage.Backend)
	assert.Equal(t, []string{"Makefile"}, loaded.Guard.CriticalFiles)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0644))
	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Run("strings and lists", func(t *testing.T) {
		t.Setenv("CONVOHUB_ADDR", ":1234")
		t.Setenv("CONVOHUB_MODEL", "sonnet")
		t.Setenv("CONVOHUB_CRITICAL_FILES", "a.txt, b/*.go ,")
		t.Setenv("CONVOHUB_STORAGE", "sqlite")

		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, ":1234", cfg.Server.Addr)
		assert.Equal(t, "sonnet", cfg.Assistant.Model)
		assert.Equal(t, []string{"a.txt", "b/*.go"}, cfg.Guard.CriticalFiles)
		assert.Equal(t, "sqlite", cfg.Storage.Backend)
	})

	t.Run("booleans", func(t *testing.T) {
		t.Setenv("CONVOHUB_AUTO_CONFIRM", "true")
		t.Setenv("CONVOHUB_DEBUG", "1")

		cfg, err := Load("")
		require.NoError(t, err)
		assert.True(t, cfg.Guard.AutoConfirm)
		assert.True(t, cfg.Logging.DebugMode)
	})

	t.Run("unparseable bool is ignored", func(t *testing.T) {
		t.Setenv("CONVOHUB_AUTO_CONFIRM", "maybe")
		cfg, err := Load("")
		require.NoError(t, err)
		assert.False(t, cfg.Guard.AutoConfirm)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "redis" }, true},
		{"empty command", func(c *Config) { c.Assistant.Command = "" }, true},
		{"relative ws path", func(c *Config) { c.Server.WSPath = "ws" }, true},
		{"bad duration", func(c *Config) { c.Assistant.StopTimeout = "soon" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAssistantArgs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Assistant.Model = "opus"
	cfg.Assistant.PermissionMode = "acceptEdits"

	args := cfg.AssistantArgs()
	assert.Equal(t, DefaultAssistantArgs, args[:len(DefaultAssistantArgs)])
	assert.Equal(t, []string{"--model", "opus", "--permission-mode", "acceptEdits"}, args[len(DefaultAssistantArgs):])
	// the default slice must not be aliased
	assert.Len(t, cfg.Assistant.Args, len(DefaultAssistantArgs))
}

func TestGetTimeoutFallsBackOnGarbage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.IdleTimeout = "forever"
	assert.Equal(t, 10*time.Minute, cfg.GetIdleTimeout())
}

func TestLoggingCategoryToggles(t *testing.T) {
	lc := LoggingConfig{Categories: map[string]bool{"stream": false}}
	assert.False(t, lc.IsCategoryEnabled("stream"))
	assert.True(t, lc.IsCategoryEnabled("hub"))

	converted := lc.ToLogging()
	assert.Equal(t, lc.Categories, converted.Categories)
}
