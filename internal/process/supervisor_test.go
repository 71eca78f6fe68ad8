package process

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// =============================================================================
// FAKE ASSISTANT
// =============================================================================

// TestHelperProcess isn't a real test. It stands in for the assistant CLI:
// it announces its arguments, then answers every input line with one streamed reply.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	var args []string
	for i, arg := range os.Args {
		if arg == "--" {
			args = os.Args[i+1:]
			break
		}
	}
	mode := os.Getenv("HELPER_MODE")
	if mode == "ignore-sigint" {
		signal.Ignore(os.Interrupt)
	}

	out := bufio.NewWriter(os.Stdout)
	emit := func(v any) {
		b, _ := json.Marshal(v)
		out.Write(b)
		out.WriteByte('\n')
		out.Flush()
	}
	emit(map[string]any{"type": "system", "subtype": "init", "session_id": "helper-session", "args": args})
	if mode == "ratelimit" {
		fmt.Fprintln(os.Stderr, "API Error: 429 rate limit exceeded")
	}

	in := bufio.NewScanner(os.Stdin)
	n := 0
	for in.Scan() {
		n++
		switch mode {
		case "crash":
			os.Exit(3)
		case "hang", "ignore-sigint":
			continue
		}
		id := fmt.Sprintf("msg_%d", n)
		emit(map[string]any{"type": "stream_event", "event": map[string]any{"type": "message_start", "message": map[string]any{"id": id}}})
		emit(map[string]any{"type": "stream_event", "event": map[string]any{"type": "message_stop"}})
		emit(map[string]any{"type": "result", "subtype": "success", "session_id": "helper-session", "result": "ok"})
	}
	os.Exit(0)
}

func newHelper(t *testing.T, mode string) *Supervisor {
	t.Helper()
	s := New(Options{
		Launch: Launch{
			Dir:     t.TempDir(),
			Command: os.Args[0],
			Args:    []string{"-test.run=TestHelperProcess", "--", "-p"},
			Env:     []string{"GO_WANT_HELPER_PROCESS=1", "HELPER_MODE=" + mode},
		},
		StopTimeout:  300 * time.Millisecond,
		OutputBuffer: 16,
	})
	t.Cleanup(func() { s.Close() })
	return s
}

func next(t *testing.T, s *Supervisor) Item {
	t.Helper()
	select {
	case it := <-s.Output():
		return it
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for assistant output")
		return Item{}
	}
}

// nextMatching skips items until pred holds.
func nextMatching(t *testing.T, s *Supervisor, pred func(Item) bool) Item {
	t.Helper()
	for {
		it := next(t, s)
		if pred(it) {
			return it
		}
	}
}

func isExit(it Item) bool { return it.Exit != nil }

func lineType(it Item) string {
	var head struct {
		Type string `json:"type"`
	}
	if it.Line == nil || json.Unmarshal(it.Line, &head) != nil {
		return ""
	}
	return head.Type
}

func initArgs(t *testing.T, it Item) []string {
	t.Helper()
	var v struct {
		Type string   `json:"type"`
		Args []string `json:"args"`
	}
	require.NoError(t, json.Unmarshal(it.Line, &v))
	require.Equal(t, "system", v.Type)
	return v.Args
}

// =============================================================================
// TESTS
// =============================================================================

func TestSupervisor_LazyStartAndTurn(t *testing.T) {
	s := newHelper(t, "")
	assert.Equal(t, StateIdle, s.State())
	assert.Zero(t, s.RunID())

	require.NoError(t, s.BeginTurn(context.Background(), []byte(`{"type":"user"}`)))
	assert.Equal(t, StateGenerating, s.State())
	runID := s.RunID()
	require.NotZero(t, runID)

	first := next(t, s)
	assert.Equal(t, runID, first.RunID)
	assert.Equal(t, []string{"-p"}, initArgs(t, first))

	res := nextMatching(t, s, func(it Item) bool { return lineType(it) == "result" })
	assert.False(t, res.Stderr)
	s.EndTurn()
	assert.Equal(t, StateReady, s.State())

	// the process is reused for the next turn
	require.NoError(t, s.BeginTurn(context.Background(), []byte(`{"type":"user"}`)))
	nextMatching(t, s, func(it Item) bool { return lineType(it) == "result" })
	s.EndTurn()
	assert.Equal(t, runID, s.RunID())
}

func TestSupervisor_BusyWhileGenerating(t *testing.T) {
	s := newHelper(t, "hang")
	require.NoError(t, s.BeginTurn(context.Background(), []byte("{}")))

	err := s.BeginTurn(context.Background(), []byte("{}"))
	assert.ErrorIs(t, err, ErrBusy)
}

func TestSupervisor_StopInterrupts(t *testing.T) {
	s := newHelper(t, "hang")
	var exits atomic.Int32
	s.OnExit(func(ExitStatus) { exits.Add(1) })

	require.NoError(t, s.BeginTurn(context.Background(), []byte("{}")))
	next(t, s) // init
	require.NoError(t, s.Stop())

	it := nextMatching(t, s, isExit)
	assert.True(t, it.Exit.Requested)
	assert.Equal(t, StateIdle, s.State())
	assert.Equal(t, int32(1), exits.Load())
}

func TestSupervisor_StopKillsAfterTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("interrupt is a kill on windows")
	}
	s := newHelper(t, "ignore-sigint")
	require.NoError(t, s.BeginTurn(context.Background(), []byte("{}")))
	next(t, s)

	start := time.Now()
	require.NoError(t, s.Stop())
	it := nextMatching(t, s, isExit)
	assert.True(t, it.Exit.Requested)
	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)
}

func TestSupervisor_CrashIsReported(t *testing.T) {
	s := newHelper(t, "crash")
	got := make(chan ExitStatus, 1)
	s.OnExit(func(st ExitStatus) { got <- st })

	require.NoError(t, s.BeginTurn(context.Background(), []byte("{}")))
	it := nextMatching(t, s, isExit)
	assert.False(t, it.Exit.Requested)
	assert.Equal(t, 3, it.Exit.Code)
	assert.Equal(t, StateCrashed, s.State())
	assert.Equal(t, 3, (<-got).Code)

	// a crashed supervisor starts again on the next turn
	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, StateReady, s.State())
}

func TestSupervisor_ResumeArguments(t *testing.T) {
	s := newHelper(t, "hang")
	s.SetResumeToken("tok-1")

	require.NoError(t, s.Start(context.Background()))
	// Start launches fresh; only Continue and lazy turns resume
	assert.Equal(t, []string{"-p"}, initArgs(t, next(t, s)))

	require.NoError(t, s.Continue(context.Background()))
	assert.Equal(t, []string{"-p", "--resume", "tok-1"}, initArgs(t, nextMatching(t, s, func(it Item) bool { return lineType(it) == "system" })))

	s.Reset()
	assert.Empty(t, s.ResumeToken())
	assert.Equal(t, StateIdle, s.State())

	require.NoError(t, s.Continue(context.Background()))
	assert.Equal(t, []string{"-p", "--continue"}, initArgs(t, nextMatching(t, s, func(it Item) bool { return lineType(it) == "system" })))
}

func TestSupervisor_CurrentRun(t *testing.T) {
	s := newHelper(t, "hang")
	assert.False(t, s.Current(0))

	require.NoError(t, s.Start(context.Background()))
	first := next(t, s)
	assert.True(t, s.Current(first.RunID))

	// a reset retires the run even before a new one exists
	s.Reset()
	assert.False(t, s.Current(first.RunID))

	require.NoError(t, s.BeginTurn(context.Background(), []byte("{}")))
	second := nextMatching(t, s, func(it Item) bool { return lineType(it) == "system" && it.RunID != first.RunID })
	assert.Greater(t, second.RunID, first.RunID)
	assert.True(t, s.Current(second.RunID))
	assert.False(t, s.Current(first.RunID))
}

func TestSupervisor_CrashExitStaysCurrent(t *testing.T) {
	s := newHelper(t, "crash")
	require.NoError(t, s.BeginTurn(context.Background(), []byte("{}")))
	it := nextMatching(t, s, isExit)
	// the exit of a crashed run must still reach the consumer
	assert.Zero(t, s.RunID())
	assert.True(t, s.Current(it.RunID))
}

func TestSupervisor_LazyTurnResumes(t *testing.T) {
	s := newHelper(t, "hang")
	s.SetResumeToken("tok-2")
	require.NoError(t, s.BeginTurn(context.Background(), []byte("{}")))
	assert.Equal(t, []string{"-p", "--resume", "tok-2"}, initArgs(t, next(t, s)))
}

func TestSupervisor_StderrRateLimit(t *testing.T) {
	s := newHelper(t, "ratelimit")
	require.NoError(t, s.Start(context.Background()))

	it := nextMatching(t, s, func(it Item) bool { return it.Stderr })
	var rl *RateLimitError
	require.True(t, errors.As(it.Err, &rl))
	assert.Contains(t, rl.RawResponse, "429")
}

func TestSupervisor_SpawnError(t *testing.T) {
	s := New(Options{Launch: Launch{Dir: t.TempDir(), Command: "convohub-no-such-assistant"}})
	defer s.Close()

	err := s.BeginTurn(context.Background(), []byte("{}"))
	var se *SpawnError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "lookup", se.Stage)
	assert.Equal(t, StateCrashed, s.State())
}

func TestSupervisor_ClosedRejectsTurns(t *testing.T) {
	s := newHelper(t, "")
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.BeginTurn(context.Background(), []byte("{}")), ErrClosed)
	assert.ErrorIs(t, s.Start(context.Background()), ErrClosed)
	assert.NoError(t, s.Close())
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "abc", truncateString("abc", 10))
	assert.Equal(t, "abcd...", truncateString("abcdefghij", 7))

	// 8-3 bytes would split the third "ü"
	got := truncateString("üüüüü", 8)
	assert.Equal(t, "üü...", got)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "...", truncateString("日本語", 4))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "generating", StateGenerating.String())
	assert.True(t, StateReady.Running())
	assert.False(t, StateCrashed.Running())
}
