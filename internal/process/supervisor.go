package process

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"convohub/internal/logging"
)

// Launch describes how to start the assistant.
type Launch struct {
	Dir     string
	Command string
	Args    []string
	Env     []string // appended to the current environment
}

// Options configures a Supervisor.
type Options struct {
	Launch       Launch
	StopTimeout  time.Duration
	OutputBuffer int
}

// run is one process lifetime.
type run struct {
	id        uint64
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	requested atomic.Bool
	abandon   chan struct{} // closed when output of this run is no longer wanted
	abandoned sync.Once
	exited    chan struct{}
}

func (r *run) drop() {
	r.abandoned.Do(func() { close(r.abandon) })
}

// Supervisor owns the assistant subprocess of one project. The process is started lazily on
// the first turn and kept alive between turns. Output of every run flows through one bounded
// channel; each item carries the run id so stale output can be recognised.
type Supervisor struct {
	opts Options

	mu          sync.Mutex
	state       int32 // atomic State
	cur         *run
	nextID      uint64
	retired     uint64 // highest run id ended by terminate
	resumeToken string
	stopTimer   *time.Timer
	onExit      func(ExitStatus)
	closed      bool

	out  chan Item
	done chan struct{}
	wg   sync.WaitGroup
}

// New returns an idle supervisor.
func New(opts Options) *Supervisor {
	if opts.OutputBuffer <= 0 {
		opts.OutputBuffer = 256
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 5 * time.Second
	}
	return &Supervisor{
		opts:  opts,
		state: int32(StateIdle),
		out:   make(chan Item, opts.OutputBuffer),
		done:  make(chan struct{}),
	}
}

// Output returns the channel carrying stdout lines, stderr lines and exits.
func (s *Supervisor) Output() <-chan Item {
	return s.out
}

// State returns the current state.
func (s *Supervisor) State() State {
	return State(atomic.LoadInt32(&s.state))
}

func (s *Supervisor) setState(st State) {
	old := State(atomic.SwapInt32(&s.state, int32(st)))
	if old != st {
		logging.ProcessDebug("%s: %s -> %s", s.opts.Launch.Dir, old, st)
	}
}

// RunID returns the id of the current run, or 0 when no process is alive.
func (s *Supervisor) RunID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return 0
	}
	return s.cur.id
}

// Current reports whether output tagged runID belongs to the newest run and that run was not
// terminated. Everything else is left over from a replaced process, including its exit item.
func (s *Supervisor) Current(runID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return runID != 0 && runID == s.nextID && runID > s.retired
}

// OnExit registers a callback invoked after every process exit.
func (s *Supervisor) OnExit(fn func(ExitStatus)) {
	s.mu.Lock()
	s.onExit = fn
	s.mu.Unlock()
}

// SetResumeToken records the CLI session id used to resume context on the next launch.
func (s *Supervisor) SetResumeToken(token string) {
	s.mu.Lock()
	s.resumeToken = token
	s.mu.Unlock()
}

// ResumeToken returns the recorded CLI session id.
func (s *Supervisor) ResumeToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumeToken
}

// Start launches a fresh process if none is running.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.cur != nil {
		return nil
	}
	return s.spawnLocked(ctx, nil)
}

// Continue restarts the process so it picks up the previous context: with --resume when a
// token is known, otherwise with --continue.
func (s *Supervisor) Continue(ctx context.Context) error {
	s.terminate()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.cur != nil {
		return nil
	}
	extra := []string{"--continue"}
	if s.resumeToken != "" {
		extra = []string{"--resume", s.resumeToken}
	}
	return s.spawnLocked(ctx, extra)
}

// Reset terminates the process and forgets the resume token.
func (s *Supervisor) Reset() {
	s.terminate()
	s.mu.Lock()
	s.resumeToken = ""
	if !s.closed {
		s.setState(StateIdle)
	}
	s.mu.Unlock()
}

// BeginTurn starts the process if needed and writes one input line.
func (s *Supervisor) BeginTurn(ctx context.Context, line []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.State() == StateGenerating {
		s.mu.Unlock()
		return ErrBusy
	}
	if s.cur == nil {
		var extra []string
		if s.resumeToken != "" {
			extra = []string{"--resume", s.resumeToken}
		}
		if err := s.spawnLocked(ctx, extra); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	r := s.cur
	s.setState(StateGenerating)
	s.mu.Unlock()

	if !bytes.HasSuffix(line, []byte("\n")) {
		line = append(line, '\n')
	}
	if _, err := r.stdin.Write(line); err != nil {
		s.mu.Lock()
		if s.cur == r && s.State() == StateGenerating {
			s.setState(StateReady)
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

// EndTurn marks the current turn finished.
func (s *Supervisor) EndTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopTimer != nil {
		s.stopTimer.Stop()
		s.stopTimer = nil
	}
	if s.cur == nil {
		return
	}
	// the process survived an interrupt
	s.cur.requested.Store(false)
	if s.State() == StateGenerating {
		s.setState(StateReady)
	}
}

// Stop interrupts the current turn. The process group is killed if the turn has not ended
// within the stop timeout.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.cur
	if r == nil {
		return nil
	}
	r.requested.Store(true)
	if err := interruptProcessGroup(r.cmd); err != nil {
		logging.ProcessWarn("interrupt failed, killing: %v", err)
		return killProcessGroup(r.cmd)
	}
	if s.stopTimer != nil {
		s.stopTimer.Stop()
	}
	s.stopTimer = time.AfterFunc(s.opts.StopTimeout, func() {
		s.mu.Lock()
		stillRunning := s.cur == r && s.State() == StateGenerating
		s.mu.Unlock()
		if stillRunning {
			logging.ProcessWarn("turn did not end %v after interrupt, killing run %d", s.opts.StopTimeout, r.id)
			killProcessGroup(r.cmd)
		}
	})
	return nil
}

// Close terminates the process and waits for all supervisor goroutines.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.terminate()
	close(s.done)
	s.wg.Wait()
	return nil
}

// terminate kills the current run, drops its pending output and waits for it to exit.
func (s *Supervisor) terminate() {
	s.mu.Lock()
	r := s.cur
	if s.stopTimer != nil {
		s.stopTimer.Stop()
		s.stopTimer = nil
	}
	if r != nil {
		s.retired = r.id
	}
	s.mu.Unlock()
	if r == nil {
		return
	}

	r.requested.Store(true)
	r.drop()
	r.stdin.Close()
	if err := killProcessGroup(r.cmd); err != nil {
		logging.ProcessDebug("kill run %d: %v", r.id, err)
	}
	<-r.exited
}

// spawnLocked starts a process; s.mu must be held.
func (s *Supervisor) spawnLocked(ctx context.Context, extra []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l := s.opts.Launch
	s.setState(StateStarting)

	path, err := exec.LookPath(l.Command)
	if err != nil {
		s.setState(StateCrashed)
		return &SpawnError{Command: l.Command, Stage: "lookup", Err: err}
	}

	args := append(append([]string(nil), l.Args...), extra...)
	cmd := exec.Command(path, args...)
	cmd.Dir = l.Dir
	cmd.Env = append(os.Environ(), l.Env...)
	setupProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.setState(StateCrashed)
		return &SpawnError{Command: l.Command, Stage: "pipe", Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.setState(StateCrashed)
		return &SpawnError{Command: l.Command, Stage: "pipe", Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.setState(StateCrashed)
		return &SpawnError{Command: l.Command, Stage: "pipe", Err: err}
	}
	if err := cmd.Start(); err != nil {
		s.setState(StateCrashed)
		return &SpawnError{Command: l.Command, Stage: "start", Err: err}
	}

	s.nextID++
	r := &run{
		id:      s.nextID,
		cmd:     cmd,
		stdin:   stdin,
		abandon: make(chan struct{}),
		exited:  make(chan struct{}),
	}
	s.cur = r
	s.setState(StateReady)
	logging.Process("started %s (run %d, pid %d) in %s", l.Command, r.id, cmd.Process.Pid, l.Dir)

	var readers sync.WaitGroup
	readers.Add(2)
	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		defer readers.Done()
		s.read(r, stdout, false)
	}()
	go func() {
		defer s.wg.Done()
		defer readers.Done()
		s.read(r, stderr, true)
	}()
	go func() {
		defer s.wg.Done()
		readers.Wait()
		s.wait(r)
	}()
	return nil
}

// read forwards lines until EOF. Sends block while the channel is full.
func (s *Supervisor) read(r *run, src io.Reader, isStderr bool) {
	br := bufio.NewReaderSize(src, 64*1024)
	for {
		line, err := br.ReadBytes('\n')
		line = bytes.TrimRight(line, "\r\n")
		if len(line) > 0 {
			item := Item{RunID: r.id, Line: line, Stderr: isStderr}
			if isStderr {
				text := string(line)
				logging.ProcessDebug("stderr[%d]: %s", r.id, truncateString(text, 200))
				if isRateLimitError(text) {
					item.Err = &RateLimitError{Provider: "claude-cli", RawResponse: text}
				}
			}
			s.send(r, item)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				logging.ProcessDebug("read run %d: %v", r.id, err)
			}
			return
		}
	}
}

func (s *Supervisor) send(r *run, item Item) {
	select {
	case <-r.abandon:
		return
	default:
	}
	select {
	case s.out <- item:
	case <-r.abandon:
	case <-s.done:
	}
}

func (s *Supervisor) wait(r *run) {
	err := r.cmd.Wait()
	status := ExitStatus{RunID: r.id, Code: -1, Err: err, Requested: r.requested.Load()}
	if r.cmd.ProcessState != nil {
		status.Code = r.cmd.ProcessState.ExitCode()
	}

	s.mu.Lock()
	if s.cur == r {
		s.cur = nil
		if s.stopTimer != nil {
			s.stopTimer.Stop()
			s.stopTimer = nil
		}
		if status.Requested || s.closed {
			s.setState(StateIdle)
		} else {
			s.setState(StateCrashed)
		}
	}
	onExit := s.onExit
	s.mu.Unlock()
	close(r.exited)

	if status.Requested {
		logging.Process("run %d exited (code %d)", r.id, status.Code)
	} else {
		logging.ProcessWarn("run %d exited unexpectedly (code %d): %v", r.id, status.Code, err)
	}
	if onExit != nil {
		onExit(status)
	}
	s.send(r, Item{RunID: r.id, Exit: &status})
}
