// Package process supervises the long-lived assistant CLI subprocess of one project.
package process

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// State is the supervisor lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateReady
	StateGenerating
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateGenerating:
		return "generating"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// Running reports whether a process is alive in this state.
func (s State) Running() bool {
	return s == StateStarting || s == StateReady || s == StateGenerating
}

// ErrBusy is returned by BeginTurn while a turn is in flight.
var ErrBusy = errors.New("assistant is busy")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("supervisor closed")

// SpawnError reports that the assistant executable could not be launched.
type SpawnError struct {
	Command string
	Stage   string // lookup, pipe, start
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to launch %s (%s): %v", e.Command, e.Stage, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// RateLimitError indicates the assistant reported a rate limit on stderr.
type RateLimitError struct {
	Provider    string
	RetryAfter  time.Duration
	RawResponse string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s rate limit exceeded, retry after %v", e.Provider, e.RetryAfter)
	}
	return fmt.Sprintf("%s rate limit exceeded", e.Provider)
}

func isRateLimitError(errMsg string) bool {
	lower := strings.ToLower(errMsg)
	return strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "rate_limit") ||
		strings.Contains(lower, "too many requests") ||
		strings.Contains(lower, "429")
}

// truncateString truncates a string to maxLen bytes, adding "..." if truncated. The cut
// never lands inside a multi-byte rune.
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	n := max(maxLen-3, 0)
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

// ExitStatus describes how a run ended.
type ExitStatus struct {
	RunID uint64
	Code  int
	Err   error
	// Requested is true when the exit was caused by Stop, Reset, Continue or Close.
	Requested bool
}

// Item is one unit of subprocess output. Exactly one of Line or Exit is set.
type Item struct {
	RunID  uint64
	Line   []byte
	Stderr bool
	// Err classifies a stderr line, for example as *RateLimitError.
	Err  error
	Exit *ExitStatus
}
