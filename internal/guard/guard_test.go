package guard

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"convohub/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestGuard(t *testing.T, auto bool) (*Guard, string) {
	t.Helper()
	project := t.TempDir()
	g := New(project, Config{
		CriticalFiles: []string{"CLAUDE.md", ".env*", "config/*.yaml"},
		AutoConfirm:   auto,
	})
	require.NoError(t, g.LoadSettings())
	return g, project
}

func TestMatch(t *testing.T) {
	g, project := newTestGuard(t, false)

	tests := []struct {
		path    string
		pattern string
		ok      bool
	}{
		{"CLAUDE.md", "CLAUDE.md", true},
		{filepath.Join(project, "docs", "CLAUDE.md"), "CLAUDE.md", true},
		{filepath.Join(project, ".env.local"), ".env*", true},
		{"config/app.yaml", "config/*.yaml", true},
		{filepath.Join(project, "config", "app.yaml"), "config/*.yaml", true},
		{"other/config/app.yaml", "", false},
		{"main.go", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			pattern, ok := g.Match(tt.path)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.pattern, pattern)
		})
	}
}

func TestInspectAndObserve(t *testing.T) {
	g, project := newTestGuard(t, false)

	write := types.ToolUseBlock("t1", "Write", map[string]any{"file_path": filepath.Join(project, "CLAUDE.md")})
	adv := g.Inspect(write)
	require.NotNil(t, adv)
	assert.Equal(t, PhaseBefore, adv.Phase)
	assert.True(t, adv.RequiresConfirmation)
	assert.Equal(t, "CLAUDE.md", adv.Path)
	assert.Equal(t, "t1", adv.ToolUseID)

	// reads and non-critical writes pass
	assert.Nil(t, g.Inspect(types.ToolUseBlock("t2", "Read", map[string]any{"file_path": "CLAUDE.md"})))
	assert.Nil(t, g.Inspect(types.ToolUseBlock("t3", "Edit", map[string]any{"file_path": "main.go"})))
	assert.Nil(t, g.Inspect(types.ToolUseBlock("t4", "Write", nil)))

	nb := g.Inspect(types.ToolUseBlock("t5", "NotebookEdit", map[string]any{"notebook_path": ".env.ipynb"}))
	require.NotNil(t, nb)

	after := g.Observe(types.ToolResultBlock("t1", "ok", false))
	require.NotNil(t, after)
	assert.Equal(t, PhaseAfter, after.Phase)
	assert.False(t, after.RequiresConfirmation)
	assert.False(t, after.Failed)

	// observed once only
	assert.Nil(t, g.Observe(types.ToolResultBlock("t1", "ok", false)))
	assert.Nil(t, g.Observe(types.ToolResultBlock("unknown", "", false)))

	failed := g.Observe(types.ToolResultBlock("t5", "boom", true))
	require.NotNil(t, failed)
	assert.True(t, failed.Failed)

	g.Inspect(write)
	g.Reset()
	assert.Nil(t, g.Observe(types.ToolResultBlock("t1", "ok", false)))
}

func TestAutoConfirmPersists(t *testing.T) {
	g, project := newTestGuard(t, false)
	assert.False(t, g.AutoConfirm())

	require.NoError(t, g.SetAutoConfirm(true))
	assert.True(t, g.AutoConfirm())

	adv := g.Inspect(types.ToolUseBlock("t", "Edit", map[string]any{"file_path": "CLAUDE.md"}))
	require.NotNil(t, adv)
	assert.False(t, adv.RequiresConfirmation)

	// a fresh guard picks it up from disk
	other := New(project, Config{CriticalFiles: []string{"CLAUDE.md"}})
	require.NoError(t, other.LoadSettings())
	assert.True(t, other.AutoConfirm())
}

func TestSettingsAddCriticalFiles(t *testing.T) {
	g, project := newTestGuard(t, false)
	path := SettingsPath(project)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("auto_confirm: true\ncritical_files:\n  - Makefile\n"), 0644))
	require.NoError(t, g.LoadSettings())

	_, ok := g.Match("Makefile")
	assert.True(t, ok)
	_, ok = g.Match("CLAUDE.md")
	assert.True(t, ok)

	// SetAutoConfirm keeps the extra patterns
	require.NoError(t, g.SetAutoConfirm(false))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Makefile")

	require.NoError(t, os.Remove(path))
	require.NoError(t, g.LoadSettings())
	_, ok = g.Match("Makefile")
	assert.False(t, ok)
}

func TestBadSettingsFile(t *testing.T) {
	g, project := newTestGuard(t, false)
	path := SettingsPath(project)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("auto_confirm: [nope"), 0644))
	assert.Error(t, g.LoadSettings())
}

func TestWatcherReloadsOnChange(t *testing.T) {
	g, project := newTestGuard(t, false)

	var changes atomic.Int32
	var last atomic.Bool
	w, err := NewWatcher(g, func(auto bool) {
		last.Store(auto)
		changes.Add(1)
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.WriteFile(SettingsPath(project), []byte("auto_confirm: true\n"), 0644))

	require.Eventually(t, func() bool {
		return changes.Load() > 0 && g.AutoConfirm()
	}, 5*time.Second, 20*time.Millisecond)
	assert.True(t, last.Load())
}
