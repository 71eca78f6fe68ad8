// Package store persists per-project conversation history.
//
// Two backends implement Store: a JSON document per project (the default, kept next to the
// project in .convohub/history.json) and a single SQLite database shared by all projects.
package store

import (
	"context"
	"errors"
	"fmt"

	"convohub/internal/types"
)

// ErrNotFound is returned when a conversation does not exist in the project.
var ErrNotFound = errors.New("conversation not found")

// CorruptHistoryError describes a history document that could not be used.
// The original file is preserved at Preserved and an empty history takes its place.
type CorruptHistoryError struct {
	Path      string
	Preserved string
	Err       error
}

func (e *CorruptHistoryError) Error() string {
	if e.Preserved != "" {
		return fmt.Sprintf("corrupt history %s (preserved as %s): %v", e.Path, e.Preserved, e.Err)
	}
	return fmt.Sprintf("corrupt history %s: %v", e.Path, e.Err)
}

func (e *CorruptHistoryError) Unwrap() error {
	return e.Err
}

// Store is the durable conversation history. It is the only writer of persisted state.
type Store interface {
	// List returns summaries for the project, most recently updated first.
	List(ctx context.Context, projectPath string) ([]types.ConversationSummary, error)
	// Load returns a conversation by id.
	Load(ctx context.Context, projectPath, id string) (*types.Conversation, error)
	// Create persists a new conversation and makes it the active one.
	Create(ctx context.Context, conv *types.Conversation) error
	// Append adds msg to a conversation, replacing an earlier message with the same id.
	Append(ctx context.Context, projectPath, conversationID string, msg types.Message) error
	// Switch makes id the active conversation and returns it.
	Switch(ctx context.Context, projectPath, id string) (*types.Conversation, error)
	// Delete removes a conversation; deleting the active one leaves no active conversation.
	Delete(ctx context.Context, projectPath, id string) error
	// Active returns the active conversation or ErrNotFound.
	Active(ctx context.Context, projectPath string) (*types.Conversation, error)
	// SetExternalSessionID records the assistant CLI's session token for resuming.
	SetExternalSessionID(ctx context.Context, projectPath, id, token string) error
	Close() error
}

// Open returns the configured backend.
func Open(backend, sqlitePath string, opts ...Option) (Store, error) {
	switch backend {
	case "", "json":
		return NewJSONStore(opts...), nil
	case "sqlite":
		if sqlitePath == "" {
			return nil, errors.New("sqlite backend requires storage.sqlite_path")
		}
		return NewSQLiteStore(sqlitePath, opts...)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

// options are shared by both backends.
type options struct {
	onCorrupt func(*CorruptHistoryError)
}

// Option configures a backend.
type Option func(*options)

// WithCorruptionHandler is called whenever a corrupt history document is set aside.
func WithCorruptionHandler(fn func(*CorruptHistoryError)) Option {
	return func(o *options) { o.onCorrupt = fn }
}

func applyOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// upsertMessage replaces the message with msg.ID or appends it.
func upsertMessage(conv *types.Conversation, msg types.Message) {
	for i := range conv.Messages {
		if conv.Messages[i].ID == msg.ID {
			conv.Messages[i] = msg.Clone()
			return
		}
	}
	conv.Messages = append(conv.Messages, msg.Clone())
}
