package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convohub/internal/types"
)

func TestMigrationAddsExternalSessionColumn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")

	// a database created before external_session_id existed
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE conversations (
		id TEXT PRIMARY KEY,
		project_path TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`)
	require.NoError(t, err)
	assert.False(t, columnExists(db, "conversations", "external_session_id"))
	require.NoError(t, db.Close())

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()
	assert.True(t, columnExists(s.db, "conversations", "external_session_id"))

	// running again is a no-op
	require.NoError(t, RunMigrations(s.db))

	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newConversation("/p", "c1", types.Now())))
	require.NoError(t, s.SetExternalSessionID(ctx, "/p", "c1", "tok"))
	conv, err := s.Load(ctx, "/p", "c1")
	require.NoError(t, err)
	assert.Equal(t, "tok", conv.ExternalSessionID)
}

func TestCorruptMessageRowIsSkipped(t *testing.T) {
	var got *CorruptHistoryError
	s, err := NewSQLiteStore(":memory:", WithCorruptionHandler(func(e *CorruptHistoryError) { got = e }))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newConversation("/p", "c1", types.Now())))
	_, err = s.db.Exec(`INSERT INTO messages (conversation_id, id, seq, role, body) VALUES ('c1', 'bad', 0, 'user', '{')`)
	require.NoError(t, err)

	conv, err := s.Load(ctx, "/p", "c1")
	require.NoError(t, err)
	assert.Empty(t, conv.Messages)
	require.NotNil(t, got)
}
