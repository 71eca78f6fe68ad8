package hub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"convohub/internal/conversation"
	"convohub/internal/guard"
	"convohub/internal/logging"
	"convohub/internal/process"
	"convohub/internal/share"
	"convohub/internal/store"
	"convohub/internal/stream"
	"convohub/internal/types"
)

const storeTimeout = 10 * time.Second

// Session is the live state of one project. Everything below the channel fields is owned by
// the actor goroutine started by the hub; other goroutines reach it through call and post.
type Session struct {
	hub     *Hub
	project string

	cmds     chan func()
	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	assistant Assistant
	acc       *conversation.Accumulator
	persisted bool
	registry  *share.Registry
	guard     *guard.Guard
	watcher   *guard.Watcher
	clients   map[string]*Client

	generating  bool
	stopping    bool
	awaiting    *guard.Advisory
	autoConfirm bool
	idleTimer   *time.Timer
	idleGen     int
}

func newSession(ctx context.Context, h *Hub, project string) (*Session, error) {
	conv, err := h.opts.Store.Active(ctx, project)
	persisted := true
	if errors.Is(err, store.ErrNotFound) {
		conv = newConversation(project)
		persisted = false
	} else if err != nil {
		return nil, fmt.Errorf("load active conversation for %s: %w", project, err)
	}

	g := guard.New(project, h.opts.Guard)
	if err := g.LoadSettings(); err != nil {
		logging.Get(logging.CategoryGuard).Warn("using default guard settings for %s: %v", project, err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		hub:         h,
		project:     project,
		cmds:        make(chan func()),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		ctx:         sctx,
		cancel:      cancel,
		acc:         conversation.New(conv),
		persisted:   persisted,
		registry:    share.NewRegistry(),
		guard:       g,
		clients:     make(map[string]*Client),
		autoConfirm: g.AutoConfirm(),
	}
	s.assistant = h.opts.NewAssistant(project)
	if conv.ExternalSessionID != "" {
		s.assistant.SetResumeToken(conv.ExternalSessionID)
	}

	if h.opts.WatchSettings {
		w, err := guard.NewWatcher(g, func(enabled bool) {
			_ = s.post(func() { s.autoConfirmChanged(enabled) })
		})
		if err == nil {
			err = w.Start(sctx)
		}
		if err != nil {
			logging.Get(logging.CategoryGuard).Warn("settings watcher disabled for %s: %v", project, err)
		} else {
			s.watcher = w
		}
	}
	return s, nil
}

func newConversation(project string) *types.Conversation {
	now := types.Now()
	return &types.Conversation{
		ID:          uuid.NewString(),
		Messages:    []types.Message{},
		CreatedAt:   now,
		UpdatedAt:   now,
		ProjectPath: project,
	}
}

// ProjectPath returns the session table key.
func (s *Session) ProjectPath() string {
	return s.project
}

// =============================================================================
// ACTOR
// =============================================================================

func (s *Session) run() {
	defer close(s.done)
	out := s.assistant.Output()
	for {
		select {
		case fn := <-s.cmds:
			fn()
		case it, ok := <-out:
			if !ok {
				out = nil
				continue
			}
			s.handleItem(it)
		case <-s.quit:
			s.shutdown()
			return
		}
	}
}

// post hands fn to the actor without waiting for it to run.
func (s *Session) post(fn func()) error {
	select {
	case s.cmds <- fn:
		return nil
	case <-s.quit:
		return ErrSessionClosed
	case <-s.done:
		return ErrSessionClosed
	}
}

// call runs fn on the actor and returns its error.
func (s *Session) call(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	if err := s.post(func() { errc <- fn() }); err != nil {
		return err
	}
	select {
	case err := <-errc:
		return err
	case <-s.done:
		select {
		case err := <-errc:
			return err
		default:
			return ErrSessionClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) requestQuit() {
	s.quitOnce.Do(func() { close(s.quit) })
}

func (s *Session) closing() bool {
	select {
	case <-s.quit:
		return true
	default:
		return false
	}
}

// close stops the actor and waits for the teardown.
func (s *Session) close() {
	s.requestQuit()
	<-s.done
}

func (s *Session) shutdown() {
	s.disarmIdle()
	for _, m := range s.acc.Finish() {
		s.publish(m)
	}
	for id, c := range s.clients {
		c.Close(ErrSessionClosed)
		delete(s.clients, id)
	}
	s.shutdownNow()
	s.hub.detach(s)
	logging.Session("session for %s closed", s.project)
}

// shutdownNow releases the resources that exist before the actor starts.
func (s *Session) shutdownNow() {
	if s.watcher != nil {
		s.watcher.Stop()
	}
	s.cancel()
	if err := s.assistant.Close(); err != nil {
		logging.SessionWarn("closing assistant for %s: %v", s.project, err)
	}
}

// =============================================================================
// CLIENTS AND BROADCAST
// =============================================================================

func (s *Session) connect(ctx context.Context, c *Client) error {
	return s.call(ctx, func() error {
		if s.closing() {
			return ErrSessionClosed
		}
		s.clients[c.ID] = c
		s.disarmIdle()
		logging.Session("client %s joined %s (%d connected)", c.ID, s.project, len(s.clients))

		s.sendTo(c, EventSessionStatus, s.status())
		s.sendTo(c, EventHistoryLoaded, s.acc.Snapshot())
		s.sendTo(c, EventShareUsers, s.registry.Users())
		s.sendTo(c, EventAutoConfirm, AutoConfirmPayload{Enabled: s.autoConfirm})
		return nil
	})
}

// Disconnect removes a client. The assistant keeps running.
func (s *Session) Disconnect(clientID string) {
	_ = s.post(func() {
		if c, ok := s.clients[clientID]; ok {
			s.drop(c, ErrClientClosed)
		}
	})
}

func (s *Session) drop(c *Client, reason error) {
	delete(s.clients, c.ID)
	c.Close(reason)
	if errors.Is(reason, ErrSlowClient) {
		logging.SessionWarn("client %s dropped from %s: queue full", c.ID, s.project)
	} else {
		logging.Session("client %s left %s (%d connected)", c.ID, s.project, len(s.clients))
	}
	if len(s.clients) == 0 {
		s.registry.Clear()
		s.armIdle()
	}
}

func (s *Session) sendTo(c *Client, event string, data any) {
	if !c.enqueue(Frame{Event: event, Data: data}) {
		s.drop(c, ErrSlowClient)
	}
}

func (s *Session) sendToID(clientID, event string, data any) {
	if c, ok := s.clients[clientID]; ok {
		s.sendTo(c, event, data)
	}
}

// broadcast queues one frame to every client except the one with id except.
func (s *Session) broadcast(event string, data any, except string) {
	f := Frame{Event: event, Data: data}
	for id, c := range s.clients {
		if id == except {
			continue
		}
		if !c.enqueue(f) {
			s.drop(c, ErrSlowClient)
		}
	}
}

func (s *Session) status() StatusPayload {
	return StatusPayload{
		Active:               s.assistant.State().Running(),
		Processing:           s.generating,
		ProjectPath:          s.project,
		ConversationID:       s.acc.Conversation().ID,
		AwaitingConfirmation: s.awaiting != nil,
	}
}

func (s *Session) broadcastStatus() {
	s.broadcast(EventSessionStatus, s.status(), "")
}

func (s *Session) armIdle() {
	if len(s.clients) > 0 || s.generating || s.closing() {
		return
	}
	s.disarmIdle()
	s.idleGen++
	gen := s.idleGen
	s.idleTimer = time.AfterFunc(s.hub.opts.IdleTimeout, func() {
		_ = s.post(func() {
			if gen != s.idleGen || len(s.clients) > 0 || s.generating {
				return
			}
			logging.Session("session for %s idle for %v, tearing down", s.project, s.hub.opts.IdleTimeout)
			s.hub.detach(s)
			s.requestQuit()
		})
	})
}

func (s *Session) disarmIdle() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	s.idleGen++
}

// =============================================================================
// ASSISTANT OUTPUT
// =============================================================================

func (s *Session) handleItem(it process.Item) {
	if !s.assistant.Current(it.RunID) {
		logging.SessionDebug("%s: dropping output of replaced run %d", s.project, it.RunID)
		return
	}
	switch {
	case it.Exit != nil:
		s.processExited(*it.Exit)
	case it.Stderr:
		text := string(it.Line)
		if it.Err != nil {
			text = it.Err.Error()
		}
		s.broadcast(EventOutputError, text, "")
	default:
		ev, err := stream.Decode(it.Line)
		if err != nil {
			if errors.Is(err, stream.ErrUnknownType) {
				logging.StreamDebug("skipped: %v", err)
			} else {
				logging.StreamWarn("skipped malformed line: %v", err)
			}
			return
		}
		s.handleEvent(ev)
	}
}

func (s *Session) handleEvent(ev stream.Event) {
	if id := stream.SessionID(ev); id != "" {
		s.captureSessionID(id)
	}
	switch e := ev.(type) {
	case stream.System:
		logging.SessionDebug("assistant %s: model=%s tools=%d", e.Subtype, e.Model, len(e.Tools))
	case stream.Error:
		s.broadcast(EventOutputError, e.Message, "")
	}

	for _, m := range s.acc.Apply(ev) {
		s.publish(m)
	}

	if r, ok := ev.(stream.Result); ok {
		s.turnEnded(r)
	}
}

func (s *Session) publish(m conversation.Mutation) {
	switch m.Kind {
	case conversation.MutationMessageStart:
		s.broadcast(EventMessageStart, MessageStartPayload{MessageID: m.Message.ID, Model: m.Message.Model}, "")
	case conversation.MutationTextDelta:
		s.broadcast(EventTextDelta, DeltaPayload{MessageID: m.Message.ID, Text: m.Text, BlockIndex: m.BlockIndex}, "")
	case conversation.MutationThinkingDelta:
		s.broadcast(EventThinkingDelta, DeltaPayload{MessageID: m.Message.ID, Text: m.Text, BlockIndex: m.BlockIndex}, "")
	case conversation.MutationToolUse:
		s.broadcast(EventToolUse, ToolUsePayload{MessageID: m.Message.ID, ToolUse: *m.Block}, "")
		if adv := s.guard.Inspect(*m.Block); adv != nil {
			s.advise(*adv)
		}
	case conversation.MutationToolResult:
		s.broadcast(EventToolResult, ToolResultPayload{MessageID: m.Message.ID, ToolResult: *m.Block, Orphan: m.Orphan}, "")
		if adv := s.guard.Observe(*m.Block); adv != nil {
			s.advise(*adv)
		}
	case conversation.MutationComplete:
		s.persist(m.Message)
		s.broadcast(EventMessageComplete, m.Message, "")
	case conversation.MutationStopped:
		s.persist(m.Message)
		s.broadcast(EventStopped, m.Message, "")
	}
}

func (s *Session) advise(adv guard.Advisory) {
	msg := s.acc.AppendSystem(adv.Message)
	s.persist(msg)
	s.broadcast(EventCriticalFileWarning, WarningPayload{Message: msg, Advisory: adv}, "")
	if adv.Phase == guard.PhaseBefore && adv.RequiresConfirmation {
		s.awaiting = &adv
		s.interrupt(conversation.PauseMarker)
	}
}

func (s *Session) captureSessionID(id string) {
	conv := s.acc.Conversation()
	if conv.ExternalSessionID == id {
		return
	}
	conv.ExternalSessionID = id
	s.assistant.SetResumeToken(id)
	logging.SessionDebug("%s: assistant session %s", s.project, id)
	if !s.persisted {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, storeTimeout)
	defer cancel()
	if err := s.hub.opts.Store.SetExternalSessionID(ctx, s.project, conv.ID, id); err != nil {
		logging.SessionWarn("recording assistant session for %s: %v", conv.ID, err)
	}
}

func (s *Session) turnEnded(r stream.Result) {
	if r.IsError && !s.stopping {
		detail := r.Text
		if detail == "" {
			detail = strings.Join(r.Errors, "; ")
		}
		if detail == "" {
			detail = r.Subtype
		}
		s.appendSystem("The assistant reported an error: " + detail)
	}
	s.assistant.EndTurn()
	s.generating = false
	s.stopping = false
	s.broadcastStatus()
	s.armIdle()
}

func (s *Session) processExited(st process.ExitStatus) {
	for _, m := range s.acc.Finish() {
		s.publish(m)
	}
	wasGenerating := s.generating
	s.generating = false
	s.stopping = false
	if !st.Requested && (wasGenerating || st.Code != 0) {
		s.appendSystem(fmt.Sprintf("The assistant process exited unexpectedly (code %d).", st.Code))
	}
	s.broadcast(EventSessionClosed, ClosedPayload{Code: st.Code}, "")
	s.broadcastStatus()
	s.armIdle()
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Session) appendSystem(text string) types.Message {
	msg := s.acc.AppendSystem(text)
	s.persist(msg)
	s.broadcast(EventSystemMessage, SystemMessagePayload{Message: msg}, "")
	return msg
}

// persist writes one finalized message. The first write of a conversation creates it.
func (s *Session) persist(msg types.Message) {
	ctx, cancel := context.WithTimeout(s.ctx, storeTimeout)
	defer cancel()

	var err error
	if !s.persisted {
		snap := s.acc.Snapshot()
		kept := snap.Messages[:0]
		for _, m := range snap.Messages {
			if !m.Streaming {
				kept = append(kept, m)
			}
		}
		snap.Messages = kept
		if err = s.hub.opts.Store.Create(ctx, snap); err == nil {
			s.persisted = true
		}
	} else {
		err = s.hub.opts.Store.Append(ctx, s.project, s.acc.Conversation().ID, msg)
	}
	if err != nil {
		logging.Get(logging.CategorySession).Error("saving message %s: %v", msg.ID, err)
		s.broadcast(EventOutputError, "failed to save history: "+err.Error(), "")
	}
}

// interrupt closes the streaming message with marker and asks the assistant to stop.
// The session stays busy until the assistant ends the turn or exits.
func (s *Session) interrupt(marker string) {
	for _, m := range s.acc.StopWith(marker) {
		s.publish(m)
	}
	s.guard.Reset()
	if !s.generating {
		return
	}
	s.stopping = true
	if err := s.assistant.Stop(); err != nil {
		logging.SessionWarn("stopping assistant for %s: %v", s.project, err)
	}
	s.broadcastStatus()
}

func (s *Session) turnFailed(err error) {
	var se *process.SpawnError
	if errors.As(err, &se) {
		logging.Get(logging.CategorySession).Error("%s: %v", s.project, se)
		s.broadcast(EventSessionError, se.Error(), "")
		s.appendSystem("Failed to start the assistant: " + se.Error())
		return
	}
	logging.SessionWarn("%s: turn failed: %v", s.project, err)
	s.appendSystem("Failed to deliver the message to the assistant: " + err.Error())
}

// startFresh replaces the conversation with a new, empty one and restarts the assistant context.
func (s *Session) startFresh(ctx context.Context) {
	for _, m := range s.acc.Stop() {
		s.publish(m)
	}
	s.assistant.Reset()
	s.guard.Reset()
	s.generating = false
	s.stopping = false
	s.awaiting = nil

	conv := newConversation(s.project)
	s.persisted = false
	if err := s.hub.opts.Store.Create(ctx, conv.Clone()); err != nil {
		logging.SessionWarn("creating conversation for %s: %v", s.project, err)
	} else {
		s.persisted = true
	}
	s.acc = conversation.New(conv)
}

func (s *Session) autoConfirmChanged(enabled bool) {
	if enabled == s.autoConfirm {
		return
	}
	s.autoConfirm = enabled
	s.broadcast(EventAutoConfirm, AutoConfirmPayload{Enabled: enabled}, "")
}
