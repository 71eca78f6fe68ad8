package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convohub/internal/config"
	"convohub/internal/process"
	"convohub/internal/types"
)

const recorded = `{"type":"system","subtype":"init","session_id":"rec-1","model":"claude-test"}
{"type":"stream_event","event":{"type":"message_start","message":{"id":"m1","model":"claude-test"}}}
{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello "}}}
not json at all
{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"world"}}}
{"type":"stream_event","event":{"type":"message_stop"}}
{"type":"result","subtype":"success","session_id":"rec-1"}
`

func TestReplayRebuildsConversation(t *testing.T) {
	conv, stats, err := replay(strings.NewReader(recorded))
	require.NoError(t, err)

	require.Len(t, conv.Messages, 1)
	msg := conv.Messages[0]
	assert.Equal(t, types.RoleAssistant, msg.Role)
	assert.Equal(t, "Hello world", msg.Content)
	assert.False(t, msg.Streaming)

	assert.Equal(t, "rec-1", stats.SessionID)
	assert.Equal(t, "rec-1", conv.ExternalSessionID)
	assert.Equal(t, 6, stats.Events, "malformed line is skipped")
	assert.Zero(t, stats.Orphans)
}

func TestReplayFinishesTruncatedStream(t *testing.T) {
	truncated := strings.Join(strings.Split(recorded, "\n")[:3], "\n")
	conv, _, err := replay(strings.NewReader(truncated))
	require.NoError(t, err)

	require.Len(t, conv.Messages, 1)
	assert.False(t, conv.Messages[0].Streaming)
	assert.Equal(t, "Hello ", conv.Messages[0].Content)
}

func TestPrintHistoryList(t *testing.T) {
	var buf bytes.Buffer
	printHistoryList(&buf, "/p", nil)
	assert.Contains(t, buf.String(), "No conversations for /p")

	buf.Reset()
	printHistoryList(&buf, "/p", []types.ConversationSummary{
		{ID: "c1", Title: "first", MessageCount: 2, Active: true},
		{ID: "c2", MessageCount: 0},
	})
	out := buf.String()
	assert.Contains(t, out, "first")
	assert.Contains(t, out, "(untitled)")
	assert.Contains(t, out, "Total: 2 conversations")
}

func TestPrintConversationRaw(t *testing.T) {
	conv := &types.Conversation{
		Title: "demo",
		Messages: []types.Message{
			{Role: types.RoleUser, Content: "hi", SenderNickname: "ana"},
			{Role: types.RoleAssistant, ContentBlocks: []types.ContentBlock{
				types.ToolUseBlock("t1", "Read", nil),
			}},
		},
	}
	var buf bytes.Buffer
	require.NoError(t, printConversation(&buf, conv, false))
	out := buf.String()
	assert.Contains(t, out, "user (ana)")
	assert.Contains(t, out, "[tool: Read]")
}

func TestAssistantFactoryBindsProject(t *testing.T) {
	c := config.DefaultConfig()
	c.Assistant.Command = "definitely-not-installed-convohub"
	c.Assistant.Model = "m"

	a := assistantFactory(c)(t.TempDir())
	defer a.Close()

	assert.Equal(t, process.StateIdle, a.State())
	err := a.BeginTurn(context.Background(), []byte("{}"))
	var spawnErr *process.SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Equal(t, "lookup", spawnErr.Stage)
}

func TestDefaultWSURL(t *testing.T) {
	tests := []struct {
		addr, path, want string
	}{
		{"127.0.0.1:4477", "/ws", "ws://127.0.0.1:4477/ws"},
		{":4477", "/ws", "ws://127.0.0.1:4477/ws"},
		{"0.0.0.0:80", "events", "ws://127.0.0.1:80/events"},
		{"[::]:9000", "/ws", "ws://127.0.0.1:9000/ws"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, defaultWSURL(tt.addr, tt.path), tt.addr)
	}
}
