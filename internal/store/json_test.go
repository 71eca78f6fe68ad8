package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convohub/internal/types"
)

func writeHistory(t *testing.T, project, content string) string {
	t.Helper()
	path := HistoryPath(project)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestCorruptHistoryIsPreserved(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"malformed json", `{"version":1,"conversations":[`},
		{"wrong version", `{"version":2,"conversations":[],"activeConversationId":null}`},
		{"missing version", `{"conversations":[],"activeConversationId":null}`},
		{"zero version", `{"version":0,"conversations":[]}`},
		{"null document", `null`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			project := t.TempDir()
			path := writeHistory(t, project, tt.content)

			var got *CorruptHistoryError
			s := NewJSONStore(WithCorruptionHandler(func(e *CorruptHistoryError) { got = e }))

			list, err := s.List(context.Background(), project)
			require.NoError(t, err)
			assert.Empty(t, list)

			require.NotNil(t, got)
			assert.Equal(t, path, got.Path)
			require.NotEmpty(t, got.Preserved)
			assert.True(t, strings.HasPrefix(filepath.Base(got.Preserved), "history.json.corrupt-"))

			preserved, err := os.ReadFile(got.Preserved)
			require.NoError(t, err)
			assert.Equal(t, tt.content, string(preserved))

			_, err = os.Stat(path)
			assert.True(t, os.IsNotExist(err))
		})
	}
}

func TestJSONDocumentShape(t *testing.T) {
	project := t.TempDir()
	s := NewJSONStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newConversation(project, "c1", types.Now())))
	require.NoError(t, s.Delete(ctx, project, "c1"))

	data, err := os.ReadFile(HistoryPath(project))
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, float64(1), raw["version"])
	assert.Equal(t, []any{}, raw["conversations"])
	v, ok := raw["activeConversationId"]
	assert.True(t, ok)
	assert.Nil(t, v)

	// no temp files left behind
	entries, err := os.ReadDir(filepath.Dir(HistoryPath(project)))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "history.json", entries[0].Name())
}

func TestConcurrentAppendsAreSerialized(t *testing.T) {
	project := t.TempDir()
	s := NewJSONStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newConversation(project, "c1", types.Now())))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := types.Message{ID: "m" + string(rune('a'+i)), Role: types.RoleUser, Content: "x", Timestamp: types.Now()}
			assert.NoError(t, s.Append(ctx, project, "c1", msg))
		}(i)
	}
	wg.Wait()

	conv, err := s.Load(ctx, project, "c1")
	require.NoError(t, err)
	assert.Len(t, conv.Messages, 20)
}
