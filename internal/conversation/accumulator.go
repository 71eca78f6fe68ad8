package conversation

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"convohub/internal/logging"
	"convohub/internal/stream"
	"convohub/internal/types"
)

const (
	// StopMarker is appended to a message whose generation the user stopped.
	StopMarker = "\n\n[Generation stopped by user]"
	// PauseMarker is appended when generation was halted to wait for a confirmation.
	PauseMarker = "\n\n[Generation paused: confirmation required]"
)

// ErrStreaming is returned by BeginTurn while an assistant message is still streaming.
var ErrStreaming = errors.New("assistant message still streaming")

// upstream tracks one API message inside the current turn.
type upstream struct {
	id         string
	lastIndex  int
	deltaSeen  bool
	stopReason string
	ignored    map[int]bool
	open       map[int]*openBlock
}

type openBlock struct {
	kind    string
	pos     int // index into ContentBlocks for tool_use blocks
	partial strings.Builder
}

// Accumulator owns one Conversation and folds stream events into its in-flight assistant
// message. It is not safe for concurrent use; the session actor serializes access.
type Accumulator struct {
	conv *types.Conversation

	streamingIdx int
	stopped      bool

	current  *upstream
	seenMsgs map[string]bool
	streamed map[string]bool
	seenTool map[string]bool
	pending  map[string]struct{}
	orphans  int

	now   func() time.Time
	newID func() string
}

// Option configures an Accumulator.
type Option func(*Accumulator)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(a *Accumulator) { a.now = now }
}

// WithIDs overrides message id generation.
func WithIDs(newID func() string) Option {
	return func(a *Accumulator) { a.newID = newID }
}

// New returns an accumulator for conv. A message left streaming by an earlier run is closed.
func New(conv *types.Conversation, opts ...Option) *Accumulator {
	a := &Accumulator{
		conv:  conv,
		now:   types.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(a)
	}
	for i := range conv.Messages {
		conv.Messages[i].Streaming = false
	}
	a.resetTurn()
	return a
}

func (a *Accumulator) resetTurn() {
	a.streamingIdx = -1
	a.current = nil
	a.seenMsgs = make(map[string]bool)
	a.streamed = make(map[string]bool)
	a.seenTool = make(map[string]bool)
	a.pending = make(map[string]struct{})
}

// Conversation returns the live conversation. Callers must not retain it outside the actor.
func (a *Accumulator) Conversation() *types.Conversation {
	return a.conv
}

// Snapshot returns a deep copy of the conversation.
func (a *Accumulator) Snapshot() *types.Conversation {
	return a.conv.Clone()
}

// Streaming reports whether an assistant message is in flight.
func (a *Accumulator) Streaming() bool {
	return a.streamingIdx >= 0
}

// Orphans returns how many tool results arrived without a matching pending tool use.
func (a *Accumulator) Orphans() int {
	return a.orphans
}

// Pending returns the ids of tool uses still waiting for a result.
func (a *Accumulator) Pending() []string {
	out := make([]string, 0, len(a.pending))
	for id := range a.pending {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// BeginTurn appends the user's message and re-arms event processing after a stop.
func (a *Accumulator) BeginTurn(msg types.Message) (Mutation, error) {
	if a.Streaming() {
		return Mutation{}, ErrStreaming
	}
	a.resetTurn()
	a.stopped = false

	if msg.ID == "" {
		msg.ID = a.newID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = a.now()
	}
	msg.Role = types.RoleUser
	msg.Streaming = false

	a.conv.Messages = append(a.conv.Messages, msg)
	a.conv.EnsureTitle()
	a.conv.Touch(a.now())
	return Mutation{Kind: MutationUserMessage, Message: msg.Clone()}, nil
}

// AppendSystem appends a non-streaming system message.
func (a *Accumulator) AppendSystem(text string) types.Message {
	msg := types.Message{
		ID:        a.newID(),
		Role:      types.RoleSystem,
		Content:   text,
		Timestamp: a.now(),
	}
	if a.Streaming() {
		// keep the in-flight message last
		idx := a.streamingIdx
		a.conv.Messages = append(a.conv.Messages, types.Message{})
		copy(a.conv.Messages[idx+1:], a.conv.Messages[idx:])
		a.conv.Messages[idx] = msg
		a.streamingIdx = idx + 1
	} else {
		a.conv.Messages = append(a.conv.Messages, msg)
	}
	a.conv.Touch(a.now())
	return msg
}

// Apply folds one event into the conversation.
func (a *Accumulator) Apply(ev stream.Event) []Mutation {
	if a.stopped {
		return nil
	}

	switch e := ev.(type) {
	case stream.MessageStart:
		if e.ParentToolUseID != "" {
			return nil
		}
		return a.messageStart(e)
	case stream.ContentBlockStart:
		if e.ParentToolUseID != "" {
			return nil
		}
		return a.blockStart(e)
	case stream.ContentBlockDelta:
		if e.ParentToolUseID != "" {
			return nil
		}
		return a.blockDelta(e)
	case stream.ContentBlockStop:
		if e.ParentToolUseID != "" {
			return nil
		}
		return a.blockStop(e)
	case stream.MessageDelta:
		if e.ParentToolUseID == "" && e.StopReason != "" {
			a.upstreamFor().stopReason = e.StopReason
		}
		return nil
	case stream.MessageStop:
		if e.ParentToolUseID != "" {
			return nil
		}
		// a tool_use stop continues the turn after the tool runs
		if a.current != nil && a.current.stopReason == "tool_use" {
			a.endUpstream()
			return nil
		}
		return a.finalize()
	case stream.Assistant:
		if e.ParentToolUseID != "" {
			return nil
		}
		return a.snapshot(e)
	case stream.ToolUse:
		if e.ParentToolUseID != "" {
			return nil
		}
		return a.toolUse(types.ToolUseBlock(e.ID, e.Name, e.Input), "")
	case stream.ToolResult:
		if e.ParentToolUseID != "" {
			return nil
		}
		return a.toolResults(e.Results)
	case stream.Result:
		return a.finalize()
	}
	return nil
}

// Stop closes the in-flight message with StopMarker and ignores events until the next turn.
func (a *Accumulator) Stop() []Mutation {
	return a.StopWith(StopMarker)
}

// StopWith is Stop with a caller-chosen marker.
func (a *Accumulator) StopWith(marker string) []Mutation {
	a.stopped = true
	msg := a.streaming()
	if msg == nil {
		return nil
	}

	if last := msg.LastBlock(); last != nil && last.Type == types.BlockText {
		last.Text += marker
	} else {
		msg.ContentBlocks = append(msg.ContentBlocks, types.TextBlock(marker))
	}
	msg.Content += marker
	msg.Streaming = false
	a.streamingIdx = -1
	a.conv.Touch(a.now())
	return []Mutation{{Kind: MutationStopped, Message: msg.Clone()}}
}

// Finish closes the in-flight message without a marker, for example when the process exits.
func (a *Accumulator) Finish() []Mutation {
	return a.finalize()
}

func (a *Accumulator) streaming() *types.Message {
	if a.streamingIdx < 0 {
		return nil
	}
	return &a.conv.Messages[a.streamingIdx]
}

// ensureStreaming returns the in-flight message, creating it when needed.
func (a *Accumulator) ensureStreaming(model string, out []Mutation) (*types.Message, []Mutation) {
	if msg := a.streaming(); msg != nil {
		if msg.Model == "" && model != "" {
			msg.Model = model
		}
		return msg, out
	}
	a.conv.Messages = append(a.conv.Messages, types.Message{
		ID:        a.newID(),
		Role:      types.RoleAssistant,
		Timestamp: a.now(),
		Streaming: true,
		Model:     model,
	})
	a.streamingIdx = len(a.conv.Messages) - 1
	a.conv.Touch(a.now())
	msg := a.streaming()
	return msg, append(out, Mutation{Kind: MutationMessageStart, Message: msg.Clone()})
}

// endUpstream closes the current API message, remembering whether its text was streamed.
func (a *Accumulator) endUpstream() {
	if a.current != nil && a.current.id != "" && a.current.deltaSeen {
		a.streamed[a.current.id] = true
	}
	a.current = nil
}

func (a *Accumulator) upstreamFor() *upstream {
	if a.current == nil {
		a.current = &upstream{lastIndex: -1, ignored: map[int]bool{}, open: map[int]*openBlock{}}
	}
	return a.current
}

func (a *Accumulator) messageStart(e stream.MessageStart) []Mutation {
	if e.MessageID != "" {
		if a.seenMsgs[e.MessageID] {
			logging.AccumulatorDebug("duplicate message_start %s ignored", e.MessageID)
			return nil
		}
		a.seenMsgs[e.MessageID] = true
	}
	a.endUpstream()
	a.current = &upstream{id: e.MessageID, lastIndex: -1, ignored: map[int]bool{}, open: map[int]*openBlock{}}
	_, out := a.ensureStreaming(e.Model, nil)
	return out
}

func (a *Accumulator) blockStart(e stream.ContentBlockStart) []Mutation {
	up := a.upstreamFor()
	if e.Index <= up.lastIndex {
		logging.AccumulatorDebug("replayed content_block_start %d ignored", e.Index)
		up.ignored[e.Index] = true
		return nil
	}
	up.lastIndex = e.Index
	delete(up.ignored, e.Index)

	switch e.BlockType {
	case "text":
		up.open[e.Index] = &openBlock{kind: "text", pos: -1}
		if e.Text != "" {
			up.deltaSeen = true
			return a.appendText(e.Text, nil)
		}
		_, out := a.ensureStreaming("", nil)
		return out
	case "thinking":
		up.open[e.Index] = &openBlock{kind: "thinking", pos: -1}
		if e.Text != "" {
			up.deltaSeen = true
			return a.appendThinking(e.Text, nil)
		}
		_, out := a.ensureStreaming("", nil)
		return out
	case "tool_use":
		if a.seenTool[e.ID] {
			up.ignored[e.Index] = true
			return nil
		}
		msg, out := a.ensureStreaming("", nil)
		a.seenTool[e.ID] = true
		a.pending[e.ID] = struct{}{}
		msg.ContentBlocks = append(msg.ContentBlocks, types.ToolUseBlock(e.ID, e.Name, e.Input))
		up.open[e.Index] = &openBlock{kind: "tool_use", pos: len(msg.ContentBlocks) - 1}
		a.conv.Touch(a.now())
		return out
	default:
		up.ignored[e.Index] = true
		return nil
	}
}

func (a *Accumulator) blockDelta(e stream.ContentBlockDelta) []Mutation {
	up := a.upstreamFor()
	if up.ignored[e.Index] {
		return nil
	}
	switch e.Kind {
	case stream.DeltaText:
		up.deltaSeen = true
		return a.appendText(e.Text, nil)
	case stream.DeltaThinking:
		up.deltaSeen = true
		return a.appendThinking(e.Text, nil)
	case stream.DeltaInputJSON:
		ob := up.open[e.Index]
		if ob == nil || ob.kind != "tool_use" {
			logging.AccumulatorWarn("input_json_delta for block %d without tool_use start", e.Index)
			return nil
		}
		ob.partial.WriteString(e.PartialJSON)
	}
	return nil
}

func (a *Accumulator) blockStop(e stream.ContentBlockStop) []Mutation {
	up := a.upstreamFor()
	if up.ignored[e.Index] {
		return nil
	}
	ob := up.open[e.Index]
	delete(up.open, e.Index)
	if ob == nil || ob.kind != "tool_use" {
		return nil
	}
	msg := a.streaming()
	if msg == nil || ob.pos >= len(msg.ContentBlocks) {
		return nil
	}
	block := &msg.ContentBlocks[ob.pos]
	if ob.partial.Len() > 0 {
		input, err := stream.ParseToolInput(ob.partial.String())
		if err != nil {
			logging.AccumulatorWarn("tool %s input unparseable: %v", block.ID, err)
		} else {
			block.Input = input
		}
	}
	a.conv.Touch(a.now())
	b := block.Clone()
	return []Mutation{{Kind: MutationToolUse, Message: msg.Clone(), Block: &b}}
}

func (a *Accumulator) snapshot(e stream.Assistant) []Mutation {
	streamed := a.streamed[e.MessageID]
	if a.current != nil && a.current.deltaSeen && (e.MessageID == "" || e.MessageID == a.current.id) {
		streamed = true
	}

	var out []Mutation
	for _, b := range e.Blocks {
		switch b.Type {
		case types.BlockText:
			if !streamed && b.Text != "" {
				out = a.appendText(b.Text, out)
			}
		case types.BlockThinking:
			if !streamed && b.Text != "" {
				out = a.appendThinking(b.Text, out)
			}
		case types.BlockToolUse:
			out = append(out, a.toolUse(b, e.Model)...)
		}
	}
	if msg := a.streaming(); msg != nil && msg.Model == "" && e.Model != "" {
		msg.Model = e.Model
	}
	return out
}

func (a *Accumulator) toolUse(block types.ContentBlock, model string) []Mutation {
	if block.ID != "" && a.seenTool[block.ID] {
		return nil
	}
	msg, out := a.ensureStreaming(model, nil)
	if block.ID != "" {
		a.seenTool[block.ID] = true
		a.pending[block.ID] = struct{}{}
	}
	msg.ContentBlocks = append(msg.ContentBlocks, block.Clone())
	a.conv.Touch(a.now())
	b := block.Clone()
	return append(out, Mutation{Kind: MutationToolUse, Message: msg.Clone(), Block: &b})
}

func (a *Accumulator) toolResults(results []types.ContentBlock) []Mutation {
	var out []Mutation
	for _, r := range results {
		var msg *types.Message
		msg, out = a.ensureStreaming("", out)

		_, known := a.pending[r.ToolUseID]
		orphan := !known
		if orphan {
			a.orphans++
			logging.AccumulatorWarn("orphan tool result for %q", r.ToolUseID)
		}
		delete(a.pending, r.ToolUseID)

		msg.ContentBlocks = append(msg.ContentBlocks, r.Clone())
		a.conv.Touch(a.now())
		b := r.Clone()
		out = append(out, Mutation{Kind: MutationToolResult, Message: msg.Clone(), Block: &b, Orphan: orphan})
	}
	return out
}

// appendText extends the last text block or starts a new one. A new block after existing
// blocks is separated by a newline; Content always receives the raw delta.
func (a *Accumulator) appendText(text string, out []Mutation) []Mutation {
	msg, out := a.ensureStreaming("", out)
	appended := text
	if last := msg.LastBlock(); last != nil && last.Type == types.BlockText {
		last.Text += text
	} else {
		if len(msg.ContentBlocks) > 0 {
			appended = "\n" + text
		}
		msg.ContentBlocks = append(msg.ContentBlocks, types.TextBlock(appended))
	}
	msg.Content += text
	a.conv.Touch(a.now())
	return append(out, Mutation{
		Kind:       MutationTextDelta,
		Message:    msg.Clone(),
		Text:       appended,
		BlockIndex: len(msg.ContentBlocks) - 1,
	})
}

func (a *Accumulator) appendThinking(text string, out []Mutation) []Mutation {
	msg, out := a.ensureStreaming("", out)
	if last := msg.LastBlock(); last != nil && last.Type == types.BlockThinking {
		last.Text += text
	} else {
		msg.ContentBlocks = append(msg.ContentBlocks, types.ThinkingBlock(text))
	}
	a.conv.Touch(a.now())
	return append(out, Mutation{
		Kind:       MutationThinkingDelta,
		Message:    msg.Clone(),
		Text:       text,
		BlockIndex: len(msg.ContentBlocks) - 1,
	})
}

func (a *Accumulator) finalize() []Mutation {
	a.endUpstream()
	msg := a.streaming()
	if msg == nil {
		return nil
	}
	if len(a.pending) > 0 {
		logging.AccumulatorDebug("turn finished with %d pending tool uses", len(a.pending))
	}
	msg.Streaming = false
	a.streamingIdx = -1
	a.conv.Touch(a.now())
	return []Mutation{{Kind: MutationComplete, Message: msg.Clone()}}
}
