package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"convohub/internal/logging"
	"convohub/internal/types"
)

const (
	stateDir        = ".convohub"
	historyFileName = "history.json"
)

// HistoryPath returns where the JSON backend keeps a project's history.
func HistoryPath(projectPath string) string {
	return filepath.Join(projectPath, stateDir, historyFileName)
}

// JSONStore keeps one HistoryStore document per project. Every write replaces the file
// atomically (temp file, fsync, rename) under a per-project lock.
type JSONStore struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
	opts  options
}

// NewJSONStore returns a JSON document backend.
func NewJSONStore(opts ...Option) *JSONStore {
	return &JSONStore{locks: make(map[string]*sync.Mutex), opts: applyOptions(opts)}
}

func (s *JSONStore) lock(projectPath string) func() {
	s.mu.Lock()
	l, ok := s.locks[projectPath]
	if !ok {
		l = &sync.Mutex{}
		s.locks[projectPath] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// read loads the document. Missing files yield an empty history; unusable ones are
// preserved beside the original and replaced by an empty history.
func (s *JSONStore) read(projectPath string) (*types.HistoryStore, error) {
	path := HistoryPath(projectPath)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return types.NewHistoryStore(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}

	// zero value, so a document without a version (or a bare null) fails the check below
	doc := &types.HistoryStore{}
	var parseErr error
	if err := json.Unmarshal(data, doc); err != nil {
		parseErr = err
	} else if doc.Version != types.HistoryVersion {
		parseErr = fmt.Errorf("unsupported history version %d", doc.Version)
	}
	if parseErr == nil {
		if doc.Conversations == nil {
			doc.Conversations = []types.Conversation{}
		}
		return doc, nil
	}

	cerr := &CorruptHistoryError{Path: path, Err: parseErr}
	preserved := path + ".corrupt-" + strconv.FormatInt(types.Now().Unix(), 10)
	if err := os.Rename(path, preserved); err != nil {
		logging.StoreWarn("could not preserve corrupt history %s: %v", path, err)
	} else {
		cerr.Preserved = preserved
	}
	logging.StoreWarn("%v", cerr)
	if s.opts.onCorrupt != nil {
		s.opts.onCorrupt(cerr)
	}
	return types.NewHistoryStore(), nil
}

func (s *JSONStore) write(projectPath string, doc *types.HistoryStore) error {
	timer := logging.StartTimer(logging.CategoryStore, "history write")
	defer timer.StopWithThreshold(250 * time.Millisecond)

	path := HistoryPath(projectPath)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}

	doc.Version = types.HistoryVersion
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode history: %w", err)
	}

	tmp, err := os.CreateTemp(dir, historyFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp history: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp history: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp history: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp history: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("replace history: %w", err)
	}
	return nil
}

// update runs fn on the document under the project lock and writes it back when fn succeeds.
func (s *JSONStore) update(projectPath string, fn func(doc *types.HistoryStore) error) error {
	unlock := s.lock(projectPath)
	defer unlock()

	doc, err := s.read(projectPath)
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	return s.write(projectPath, doc)
}

func (s *JSONStore) view(projectPath string, fn func(doc *types.HistoryStore) error) error {
	unlock := s.lock(projectPath)
	defer unlock()

	doc, err := s.read(projectPath)
	if err != nil {
		return err
	}
	return fn(doc)
}

func (s *JSONStore) List(ctx context.Context, projectPath string) ([]types.ConversationSummary, error) {
	var out []types.ConversationSummary
	err := s.view(projectPath, func(doc *types.HistoryStore) error {
		out = make([]types.ConversationSummary, 0, len(doc.Conversations))
		for i := range doc.Conversations {
			out = append(out, doc.Conversations[i].Summary(doc.ActiveID()))
		}
		return nil
	})
	sortSummaries(out)
	return out, err
}

func (s *JSONStore) Load(ctx context.Context, projectPath, id string) (*types.Conversation, error) {
	var conv *types.Conversation
	err := s.view(projectPath, func(doc *types.HistoryStore) error {
		c := doc.Find(id)
		if c == nil {
			return ErrNotFound
		}
		conv = c.Clone()
		return nil
	})
	return conv, err
}

func (s *JSONStore) Create(ctx context.Context, conv *types.Conversation) error {
	if conv.ProjectPath == "" {
		return errors.New("conversation has no project path")
	}
	return s.update(conv.ProjectPath, func(doc *types.HistoryStore) error {
		if doc.Find(conv.ID) != nil {
			return fmt.Errorf("conversation %s already exists", conv.ID)
		}
		c := conv.Clone()
		c.EnsureTitle()
		doc.Conversations = append(doc.Conversations, *c)
		doc.SetActive(c.ID)
		return nil
	})
}

func (s *JSONStore) Append(ctx context.Context, projectPath, conversationID string, msg types.Message) error {
	return s.update(projectPath, func(doc *types.HistoryStore) error {
		c := doc.Find(conversationID)
		if c == nil {
			return ErrNotFound
		}
		upsertMessage(c, msg)
		c.EnsureTitle()
		c.Touch(types.Now())
		return nil
	})
}

func (s *JSONStore) Switch(ctx context.Context, projectPath, id string) (*types.Conversation, error) {
	var conv *types.Conversation
	err := s.update(projectPath, func(doc *types.HistoryStore) error {
		c := doc.Find(id)
		if c == nil {
			return ErrNotFound
		}
		doc.SetActive(id)
		conv = c.Clone()
		return nil
	})
	return conv, err
}

func (s *JSONStore) Delete(ctx context.Context, projectPath, id string) error {
	return s.update(projectPath, func(doc *types.HistoryStore) error {
		for i := range doc.Conversations {
			if doc.Conversations[i].ID == id {
				doc.Conversations = append(doc.Conversations[:i], doc.Conversations[i+1:]...)
				if doc.ActiveID() == id {
					doc.SetActive("")
				}
				return nil
			}
		}
		return ErrNotFound
	})
}

func (s *JSONStore) Active(ctx context.Context, projectPath string) (*types.Conversation, error) {
	var conv *types.Conversation
	err := s.view(projectPath, func(doc *types.HistoryStore) error {
		c := doc.Find(doc.ActiveID())
		if c == nil {
			return ErrNotFound
		}
		conv = c.Clone()
		return nil
	})
	return conv, err
}

func (s *JSONStore) SetExternalSessionID(ctx context.Context, projectPath, id, token string) error {
	return s.update(projectPath, func(doc *types.HistoryStore) error {
		c := doc.Find(id)
		if c == nil {
			return ErrNotFound
		}
		c.ExternalSessionID = token
		return nil
	})
}

func (s *JSONStore) Close() error { return nil }

func sortSummaries(list []types.ConversationSummary) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].UpdatedAt.After(list[j].UpdatedAt)
	})
}
