package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convohub/internal/types"
)

type backend struct {
	name string
	open func(t *testing.T) Store
}

func backends() []backend {
	return []backend{
		{"json", func(t *testing.T) Store { return NewJSONStore() }},
		{"sqlite", func(t *testing.T) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "db", "history.db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		}},
	}
}

func newConversation(project, id string, at time.Time) *types.Conversation {
	return &types.Conversation{
		ID:          id,
		ProjectPath: project,
		Messages:    []types.Message{},
		CreatedAt:   at,
		UpdatedAt:   at,
	}
}

func finalizedAssistant(id string, at time.Time) types.Message {
	return types.Message{
		ID:        id,
		Role:      types.RoleAssistant,
		Content:   "Reading <a> & \"b\"\nDone.",
		Timestamp: at,
		Model:     "claude-test",
		ContentBlocks: []types.ContentBlock{
			types.ThinkingBlock("plan: read then answer"),
			types.TextBlock("Reading <a> & \"b\""),
			types.ToolUseBlock("tu_1", "Read", map[string]any{
				"file_path": "/p/a.go",
				"limit":     float64(20),
				"nested":    map[string]any{"flags": []any{"x", true, nil}},
			}),
			types.ToolResultBlock("tu_1", "package a", false),
			types.TextBlock("\nDone."),
		},
	}
}

func TestStoreContract(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2025, 3, 1, 12, 0, 0, 123456789, time.UTC)

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			project := t.TempDir()

			_, err := s.Active(ctx, project)
			assert.ErrorIs(t, err, ErrNotFound)

			list, err := s.List(ctx, project)
			require.NoError(t, err)
			assert.Empty(t, list)

			require.NoError(t, s.Create(ctx, newConversation(project, "c1", at)))

			user := types.Message{
				ID:             "u1",
				Role:           types.RoleUser,
				Content:        "please   read\na.go and tell me what it does, in great detail, thanks",
				Timestamp:      at,
				SenderID:       "alice-id",
				SenderNickname: "alice",
			}
			require.NoError(t, s.Append(ctx, project, "c1", user))
			require.NoError(t, s.Append(ctx, project, "c1", finalizedAssistant("a1", at)))

			// replacing by id keeps position
			edited := finalizedAssistant("a1", at)
			edited.Content += "!"
			require.NoError(t, s.Append(ctx, project, "c1", edited))

			conv, err := s.Load(ctx, project, "c1")
			require.NoError(t, err)
			require.Len(t, conv.Messages, 2)
			assert.Equal(t, "please read a.go and tell me what it does, in grea...", conv.Title)
			assert.True(t, conv.UpdatedAt.After(at))

			if diff := cmp.Diff(edited, conv.Messages[1]); diff != "" {
				t.Errorf("round trip (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(user, conv.Messages[0]); diff != "" {
				t.Errorf("user round trip (-want +got):\n%s", diff)
			}

			active, err := s.Active(ctx, project)
			require.NoError(t, err)
			assert.Equal(t, "c1", active.ID)

			require.NoError(t, s.SetExternalSessionID(ctx, project, "c1", "sess-123"))
			conv, err = s.Load(ctx, project, "c1")
			require.NoError(t, err)
			assert.Equal(t, "sess-123", conv.ExternalSessionID)

			// second conversation becomes active, list is newest first
			require.NoError(t, s.Create(ctx, newConversation(project, "c2", at.Add(-time.Hour))))
			list, err = s.List(ctx, project)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "c1", list[0].ID)
			assert.Equal(t, 2, list[0].MessageCount)
			assert.False(t, list[0].Active)
			assert.True(t, list[1].Active)

			switched, err := s.Switch(ctx, project, "c1")
			require.NoError(t, err)
			assert.Len(t, switched.Messages, 2)

			_, err = s.Switch(ctx, project, "nope")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = s.Load(ctx, project, "nope")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, s.Append(ctx, project, "nope", user), ErrNotFound)
			assert.ErrorIs(t, s.SetExternalSessionID(ctx, project, "nope", "x"), ErrNotFound)

			// deleting the active conversation clears it
			require.NoError(t, s.Delete(ctx, project, "c1"))
			_, err = s.Active(ctx, project)
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, s.Delete(ctx, project, "c1"), ErrNotFound)

			list, err = s.List(ctx, project)
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, "c2", list[0].ID)
		})
	}
}

func TestStoreProjectsAreIsolated(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			p1, p2 := t.TempDir(), t.TempDir()
			require.NoError(t, s.Create(ctx, newConversation(p1, "only-p1", types.Now())))

			list, err := s.List(ctx, p2)
			require.NoError(t, err)
			assert.Empty(t, list)
			_, err = s.Load(ctx, p2, "only-p1")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestCreateRequiresProject(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			err := b.open(t).Create(context.Background(), &types.Conversation{ID: "x"})
			assert.Error(t, err)
		})
	}
}

func TestOpen(t *testing.T) {
	s, err := Open("json", "")
	require.NoError(t, err)
	assert.IsType(t, &JSONStore{}, s)

	_, err = Open("sqlite", "")
	assert.Error(t, err)

	_, err = Open("mongo", "")
	assert.Error(t, err)

	s, err = Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer s.Close()
	assert.IsType(t, &SQLiteStore{}, s)
}
