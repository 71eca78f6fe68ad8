// Package hub multiplexes client connections onto per-project sessions. Each session owns one
// assistant process, one conversation accumulator and one share registry, and serializes all
// of their state changes on a single actor goroutine so every client observes the same order.
package hub

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"convohub/internal/catalog"
	"convohub/internal/guard"
	"convohub/internal/logging"
	"convohub/internal/process"
	"convohub/internal/store"
	"convohub/internal/types"
)

var (
	// ErrBusy rejects a turn while another generation, or the stop of one, is in flight.
	ErrBusy = errors.New("a generation is already in progress for this project")
	// ErrSessionClosed is returned for operations on a torn down session.
	ErrSessionClosed = errors.New("session closed")
	// ErrHubClosed is returned after Close.
	ErrHubClosed = errors.New("hub closed")
	// ErrProjectNotAllowed rejects project paths outside the allowed roots.
	ErrProjectNotAllowed = errors.New("project path is outside the allowed roots")
	// ErrEmptyMessage rejects a send with neither text nor attachments.
	ErrEmptyMessage = errors.New("message is empty")
)

// Assistant is the subprocess side of a session. *process.Supervisor implements it.
type Assistant interface {
	Output() <-chan process.Item
	State() process.State
	// Current reports whether output of run runID is still wanted.
	Current(runID uint64) bool
	BeginTurn(ctx context.Context, line []byte) error
	EndTurn()
	Stop() error
	Continue(ctx context.Context) error
	Reset()
	SetResumeToken(token string)
	Close() error
}

// AssistantFactory builds the assistant for a project.
type AssistantFactory func(projectPath string) Assistant

// Options configures a Hub.
type Options struct {
	Store        store.Store
	Catalog      catalog.Provider
	NewAssistant AssistantFactory
	Guard        guard.Config

	// AllowedRoots bounds project paths; empty allows any existing directory.
	AllowedRoots []string
	// IdleTimeout tears a session down after its last client left and no turn is running.
	IdleTimeout time.Duration
	// WatchSettings enables the fsnotify reload of each project's guard settings.
	WatchSettings bool
}

// SessionStats describes one live session.
type SessionStats struct {
	ProjectPath    string `json:"projectPath"`
	ConversationID string `json:"conversationId"`
	Clients        int    `json:"clients"`
	Users          int    `json:"users"`
	State          string `json:"state"`
	Processing     bool   `json:"processing"`
	Messages       int    `json:"messages"`
}

// Hub owns the session table.
type Hub struct {
	opts Options

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
	creating singleflight.Group
	wg       sync.WaitGroup
}

// New returns a hub. Store and NewAssistant are required.
func New(opts Options) *Hub {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 10 * time.Minute
	}
	if opts.Catalog == nil {
		opts.Catalog = catalog.New("")
	}
	return &Hub{
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// NormalizeProject cleans path into the session table key and checks it is an allowed directory.
func (h *Hub) NormalizeProject(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("project path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve project path: %w", err)
	}
	abs = filepath.Clean(abs)

	if len(h.opts.AllowedRoots) > 0 {
		allowed := false
		for _, root := range h.opts.AllowedRoots {
			rootAbs, err := filepath.Abs(root)
			if err != nil {
				continue
			}
			rel, err := filepath.Rel(filepath.Clean(rootAbs), abs)
			if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
				allowed = true
				break
			}
		}
		if !allowed {
			return "", fmt.Errorf("%w: %s", ErrProjectNotAllowed, abs)
		}
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("project path: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("project path %s is not a directory", abs)
	}
	return abs, nil
}

// Session returns the live session for a project, creating it on first use.
func (h *Hub) Session(ctx context.Context, projectPath string) (*Session, error) {
	key, err := h.NormalizeProject(projectPath)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	if s, ok := h.sessions[key]; ok {
		h.mu.Unlock()
		return s, nil
	}
	h.mu.Unlock()

	v, err, shared := h.creating.Do(key, func() (any, error) {
		h.mu.Lock()
		if s, ok := h.sessions[key]; ok {
			h.mu.Unlock()
			return s, nil
		}
		h.mu.Unlock()

		s, err := newSession(ctx, h, key)
		if err != nil {
			return nil, err
		}

		h.mu.Lock()
		defer h.mu.Unlock()
		if h.closed {
			s.shutdownNow()
			return nil, ErrHubClosed
		}
		h.sessions[key] = s
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			s.run()
		}()
		logging.Session("session created for %s", key)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		logging.SessionDebug("joined concurrent session creation for %s", key)
	}
	return v.(*Session), nil
}

// Connect admits c to the project's session and queues the initial snapshot to it.
func (h *Hub) Connect(ctx context.Context, projectPath string, c *Client) (*Session, error) {
	for attempt := 0; attempt < 2; attempt++ {
		s, err := h.Session(ctx, projectPath)
		if err != nil {
			return nil, err
		}
		err = s.connect(ctx, c)
		if errors.Is(err, ErrSessionClosed) {
			// lost a race with idle teardown
			continue
		}
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, ErrSessionClosed
}

// History lists a project's conversations without creating a session.
func (h *Hub) History(ctx context.Context, projectPath string) ([]types.ConversationSummary, error) {
	key, err := h.NormalizeProject(projectPath)
	if err != nil {
		return nil, err
	}
	return h.opts.Store.List(ctx, key)
}

// Sessions returns stats for every live session, sorted by project path.
func (h *Hub) Sessions(ctx context.Context) []SessionStats {
	h.mu.Lock()
	list := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		list = append(list, s)
	}
	h.mu.Unlock()

	stats := make([]SessionStats, 0, len(list))
	for _, s := range list {
		st, err := s.Stats(ctx)
		if err != nil {
			continue
		}
		stats = append(stats, st)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].ProjectPath < stats[j].ProjectPath })
	return stats
}

// detach removes s from the table if it is still the registered session for its project.
func (h *Hub) detach(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.sessions[s.project]; ok && cur == s {
		delete(h.sessions, s.project)
	}
}

// Close tears down every session and waits for their actors.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	list := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		list = append(list, s)
	}
	h.sessions = make(map[string]*Session)
	h.mu.Unlock()

	for _, s := range list {
		s.close()
	}
	h.wg.Wait()
	logging.Session("hub closed (%d sessions)", len(list))
	return nil
}
