package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"convohub/internal/catalog"
	"convohub/internal/hub"
	"convohub/internal/process"
	"convohub/internal/store"
	"convohub/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

// echoAssistant answers every turn with "echo: <text>".
type echoAssistant struct {
	mu    sync.Mutex
	out   chan process.Item
	state process.State
}

func newEchoAssistant(string) hub.Assistant {
	return &echoAssistant{out: make(chan process.Item, 64), state: process.StateIdle}
}

func (e *echoAssistant) Output() <-chan process.Item { return e.out }

func (e *echoAssistant) State() process.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *echoAssistant) BeginTurn(_ context.Context, line []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == process.StateGenerating {
		return process.ErrBusy
	}
	e.state = process.StateGenerating

	var turn struct {
		Message struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(line, &turn); err != nil {
		return err
	}
	text := ""
	if len(turn.Message.Content) > 0 {
		text = turn.Message.Content[0].Text
	}
	reply, _ := json.Marshal("echo: " + text)
	for _, l := range []string{
		`{"type":"stream_event","event":{"type":"message_start","message":{"id":"m1","model":"echo"}}}`,
		fmt.Sprintf(`{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":%s}}}`, reply),
		`{"type":"stream_event","event":{"type":"message_stop"}}`,
		`{"type":"result","subtype":"success","session_id":"echo-1"}`,
	} {
		e.out <- process.Item{RunID: 1, Line: []byte(l)}
	}
	return nil
}

func (e *echoAssistant) EndTurn() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = process.StateReady
}

func (e *echoAssistant) Current(uint64) bool            { return true }
func (e *echoAssistant) Stop() error                    { return nil }
func (e *echoAssistant) Continue(context.Context) error { return nil }
func (e *echoAssistant) Reset()                         {}
func (e *echoAssistant) SetResumeToken(string)          {}
func (e *echoAssistant) Close() error                   { return nil }

type fixture struct {
	hub     *hub.Hub
	server  *httptest.Server
	project string
}

func newFixture(t *testing.T, tweak ...func(*Options)) *fixture {
	t.Helper()
	project := t.TempDir()
	h := hub.New(hub.Options{
		Store:        store.NewJSONStore(),
		Catalog:      catalog.New(t.TempDir()),
		NewAssistant: newEchoAssistant,
		IdleTimeout:  time.Minute,
	})
	opts := Options{WSPath: "/ws", ClientBuffer: 64, DefaultProject: project, Version: "test"}
	for _, fn := range tweak {
		fn(&opts)
	}
	srv := httptest.NewServer(New(h, opts).Handler())
	t.Cleanup(func() {
		srv.CloseClientConnections()
		srv.Close()
		h.Close()
	})
	return &fixture{hub: h, server: srv, project: project}
}

func (f *fixture) dial(t *testing.T, project string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(f.wsURL(project), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (f *fixture) wsURL(project string) string {
	u := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	if project != "" {
		u += "?project=" + url.QueryEscape(project)
	}
	return u
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func readUntil(t *testing.T, conn *websocket.Conn, event string) ([]frame, frame) {
	t.Helper()
	var seen []frame
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var f frame
		require.NoError(t, conn.ReadJSON(&f))
		if f.Event == event {
			return seen, f
		}
		seen = append(seen, f)
	}
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"event": event, "data": data}))
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "test", body.Version)
}

func TestConnectReceivesSnapshot(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "", nil)

	before, _ := readUntil(t, conn, hub.EventAutoConfirm)
	var events []string
	for _, fr := range before {
		events = append(events, fr.Event)
	}
	assert.Equal(t, []string{hub.EventSessionStatus, hub.EventHistoryLoaded, hub.EventShareUsers}, events)

	var status hub.StatusPayload
	require.NoError(t, json.Unmarshal(before[0].Data, &status))
	// active means a live assistant process; none is started before the first turn
	assert.False(t, status.Active)
	assert.False(t, status.Processing)
}

func TestSendStreamsToAllClients(t *testing.T) {
	f := newFixture(t)
	a := f.dial(t, f.project, nil)
	b := f.dial(t, f.project, nil)
	readUntil(t, a, hub.EventAutoConfirm)
	readUntil(t, b, hub.EventAutoConfirm)

	send(t, a, hub.EventMessageSend, hub.SendRequest{Message: "hi"})

	for name, conn := range map[string]*websocket.Conn{"sender": a, "peer": b} {
		seen, done := readUntil(t, conn, hub.EventMessageComplete)
		var msg types.Message
		require.NoError(t, json.Unmarshal(done.Data, &msg), name)
		assert.Equal(t, "echo: hi", msg.Content, name)

		echoed := false
		for _, fr := range seen {
			if fr.Event == hub.EventUserMessage {
				echoed = true
			}
		}
		assert.Equal(t, name == "peer", echoed, "%s user_message echo", name)
	}

	resp, err := http.Get(f.server.URL + "/api/history?project=" + url.QueryEscape(f.project))
	require.NoError(t, err)
	defer resp.Body.Close()
	var list []types.ConversationSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, "hi", list[0].Title)
	assert.Equal(t, 2, list[0].MessageCount)
}

func TestMalformedFrameIgnored(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "", nil)
	readUntil(t, conn, hub.EventAutoConfirm)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	send(t, conn, "bogus:event", nil)

	_, errFrame := readUntil(t, conn, hub.EventError)
	var payload hub.ErrorPayload
	require.NoError(t, json.Unmarshal(errFrame.Data, &payload))
	assert.Equal(t, "bogus:event", payload.Event)
}

func TestRejectsUnknownProject(t *testing.T) {
	f := newFixture(t)

	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL(f.project+"/missing"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRejectsForeignOrigin(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.AllowedOrigins = []string{"http://localhost:3000"} })

	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL(""), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	ok := f.dial(t, "", http.Header{"Origin": []string{"http://localhost:3000"}})
	readUntil(t, ok, hub.EventSessionStatus)
}

func TestSessionsEndpoint(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "", nil)
	readUntil(t, conn, hub.EventAutoConfirm)

	resp, err := http.Get(f.server.URL + "/api/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()

	var stats []hub.SessionStats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].Clients)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	h := hub.New(hub.Options{Store: store.NewJSONStore(), NewAssistant: newEchoAssistant})
	defer h.Close()
	srv := New(h, Options{Addr: "127.0.0.1:0", MaxConnections: 4})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe(ctx) }()

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
