// Package guard flags assistant tool calls that modify critical project files.
package guard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"convohub/internal/logging"
	"convohub/internal/types"
)

// Phase tells whether an advisory precedes or follows the tool run.
type Phase string

const (
	PhaseBefore Phase = "before"
	PhaseAfter  Phase = "after"
)

// DefaultTools are the file-modifying tools inspected when none are configured.
var DefaultTools = []string{"Write", "Edit", "MultiEdit", "NotebookEdit"}

// Advisory describes a critical file touched by a tool call.
type Advisory struct {
	ToolUseID            string `json:"toolUseId"`
	Tool                 string `json:"tool"`
	Path                 string `json:"path"`
	Pattern              string `json:"pattern"`
	Phase                Phase  `json:"phase"`
	RequiresConfirmation bool   `json:"requiresConfirmation"`
	Failed               bool   `json:"failed,omitempty"`
	Message              string `json:"message"`
}

// Config is the static guard configuration.
type Config struct {
	CriticalFiles []string
	Tools         []string
	AutoConfirm   bool // used when the project has no settings file
}

// Settings is the per-project guard settings document.
type Settings struct {
	AutoConfirm   bool     `yaml:"auto_confirm"`
	CriticalFiles []string `yaml:"critical_files,omitempty"`
}

// SettingsPath returns the settings file of a project.
func SettingsPath(projectPath string) string {
	return filepath.Join(projectPath, ".convohub", "settings.yaml")
}

// Guard inspects tool calls for one project.
type Guard struct {
	project string
	tools   map[string]bool
	base    []string

	mu          sync.RWMutex
	patterns    []string
	autoConfirm bool
	defaultAuto bool
	inFlight    map[string]Advisory // by tool use id
}

// New returns a guard for projectPath. Call LoadSettings to apply the project's settings file.
func New(projectPath string, cfg Config) *Guard {
	tools := cfg.Tools
	if len(tools) == 0 {
		tools = DefaultTools
	}
	g := &Guard{
		project:     projectPath,
		tools:       make(map[string]bool, len(tools)),
		base:        append([]string(nil), cfg.CriticalFiles...),
		patterns:    append([]string(nil), cfg.CriticalFiles...),
		autoConfirm: cfg.AutoConfirm,
		defaultAuto: cfg.AutoConfirm,
		inFlight:    make(map[string]Advisory),
	}
	for _, t := range tools {
		g.tools[t] = true
	}
	return g
}

// LoadSettings reads the project's settings file. A missing file restores the defaults.
func (g *Guard) LoadSettings() error {
	data, err := os.ReadFile(SettingsPath(g.project))
	if errors.Is(err, os.ErrNotExist) {
		g.mu.Lock()
		g.autoConfirm = g.defaultAuto
		g.patterns = append([]string(nil), g.base...)
		g.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("read guard settings: %w", err)
	}

	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("parse guard settings: %w", err)
	}

	g.mu.Lock()
	g.autoConfirm = s.AutoConfirm
	g.patterns = append(append([]string(nil), g.base...), s.CriticalFiles...)
	g.mu.Unlock()
	logging.GuardDebug("settings loaded for %s: auto_confirm=%v extra=%d", g.project, s.AutoConfirm, len(s.CriticalFiles))
	return nil
}

// AutoConfirm reports whether advisories proceed without user confirmation.
func (g *Guard) AutoConfirm() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.autoConfirm
}

// SetAutoConfirm updates and persists the setting, keeping other settings intact.
func (g *Guard) SetAutoConfirm(enabled bool) error {
	path := SettingsPath(g.project)
	var s Settings
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &s); err != nil {
			logging.Get(logging.CategoryGuard).Warn("overwriting unparseable settings %s: %v", path, err)
			s = Settings{}
		}
	}
	s.AutoConfirm = enabled

	data, err := yaml.Marshal(&s)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write guard settings: %w", err)
	}

	g.mu.Lock()
	g.autoConfirm = enabled
	g.mu.Unlock()
	logging.Guard("auto_confirm=%v for %s", enabled, g.project)
	return nil
}

// Match returns the first critical pattern matching path.
func (g *Guard) Match(path string) (string, bool) {
	rel := g.relative(path)
	base := filepath.Base(rel)

	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, p := range g.patterns {
		if ok, _ := filepath.Match(p, rel); ok {
			return p, true
		}
		if strings.Contains(p, "/") {
			continue
		}
		if ok, _ := filepath.Match(p, base); ok {
			return p, true
		}
	}
	return "", false
}

func (g *Guard) relative(path string) string {
	if filepath.IsAbs(path) && g.project != "" {
		if rel, err := filepath.Rel(g.project, path); err == nil && !strings.HasPrefix(rel, "..") {
			path = rel
		}
	}
	return filepath.ToSlash(filepath.Clean(path))
}

// Inspect returns an advisory when block is a guarded tool call on a critical file.
func (g *Guard) Inspect(block types.ContentBlock) *Advisory {
	if block.Type != types.BlockToolUse || !g.tools[block.Name] {
		return nil
	}
	path := block.InputString("file_path")
	if path == "" {
		path = block.InputString("notebook_path")
	}
	if path == "" {
		return nil
	}
	pattern, ok := g.Match(path)
	if !ok {
		return nil
	}

	auto := g.AutoConfirm()
	adv := Advisory{
		ToolUseID:            block.ID,
		Tool:                 block.Name,
		Path:                 g.relative(path),
		Pattern:              pattern,
		Phase:                PhaseBefore,
		RequiresConfirmation: !auto,
	}
	if auto {
		adv.Message = fmt.Sprintf("%s is modifying critical file %s.", block.Name, adv.Path)
	} else {
		adv.Message = fmt.Sprintf("%s wants to modify critical file %s. Generation was paused; reply to confirm or redirect.", block.Name, adv.Path)
	}

	g.mu.Lock()
	g.inFlight[block.ID] = adv
	g.mu.Unlock()
	logging.Guard("advisory: %s", adv.Message)
	return &adv
}

// Observe returns a follow-up advisory when block completes an inspected tool call.
func (g *Guard) Observe(block types.ContentBlock) *Advisory {
	if block.Type != types.BlockToolResult {
		return nil
	}
	g.mu.Lock()
	adv, ok := g.inFlight[block.ToolUseID]
	delete(g.inFlight, block.ToolUseID)
	g.mu.Unlock()
	if !ok {
		return nil
	}

	adv.Phase = PhaseAfter
	adv.RequiresConfirmation = false
	adv.Failed = block.IsError
	if block.IsError {
		adv.Message = fmt.Sprintf("%s on critical file %s failed.", adv.Tool, adv.Path)
	} else {
		adv.Message = fmt.Sprintf("%s modified critical file %s. Review the change.", adv.Tool, adv.Path)
	}
	return &adv
}

// Reset drops tool calls that will never complete, for example after a stop.
func (g *Guard) Reset() {
	g.mu.Lock()
	g.inFlight = make(map[string]Advisory)
	g.mu.Unlock()
}
