// Package stream decodes the assistant CLI's line-delimited stream-json output into a
// closed set of typed events and encodes user turns into its stream-json input format.
package stream

import "convohub/internal/types"

// Type names an event variant.
type Type string

const (
	TypeMessageStart      Type = "message_start"
	TypeContentBlockStart Type = "content_block_start"
	TypeContentBlockDelta Type = "content_block_delta"
	TypeContentBlockStop  Type = "content_block_stop"
	TypeMessageDelta      Type = "message_delta"
	TypeMessageStop       Type = "message_stop"
	TypePing              Type = "ping"
	TypeError             Type = "error"
	TypeResult            Type = "result"
	TypeSystem            Type = "system"
	TypeAssistant         Type = "assistant"
	TypeToolUse           Type = "tool_use"
	TypeToolResult        Type = "tool_result"
)

// Event is one decoded output line. The set of implementations is closed.
type Event interface {
	Type() Type
	isEvent()
}

// DeltaKind is the kind of a content_block_delta.
type DeltaKind string

const (
	DeltaText      DeltaKind = "text_delta"
	DeltaInputJSON DeltaKind = "input_json_delta"
	DeltaThinking  DeltaKind = "thinking_delta"
	DeltaSignature DeltaKind = "signature_delta"
)

// Scope is shared by events that may originate inside a sub-agent.
// ParentToolUseID is non-empty when the event belongs to a nested agent run.
type Scope struct {
	ParentToolUseID string
}

// MessageStart opens an upstream API message.
type MessageStart struct {
	Scope
	MessageID string
	Model     string
}

// ContentBlockStart opens block Index of the current upstream message.
// For tool_use blocks ID, Name and (usually empty) Input are set.
type ContentBlockStart struct {
	Scope
	Index     int
	BlockType string
	Text      string
	ID        string
	Name      string
	Input     map[string]any
}

// ContentBlockDelta extends block Index.
type ContentBlockDelta struct {
	Scope
	Index       int
	Kind        DeltaKind
	Text        string // text_delta and thinking_delta
	PartialJSON string // input_json_delta
}

// ContentBlockStop closes block Index.
type ContentBlockStop struct {
	Scope
	Index int
}

// MessageDelta carries top-level message changes such as the stop reason.
type MessageDelta struct {
	Scope
	StopReason   string
	OutputTokens int
}

// MessageStop closes the current upstream API message. It does not end the turn.
type MessageStop struct {
	Scope
}

// Ping is a keepalive.
type Ping struct{}

// Error is an error reported in-band by the assistant.
type Error struct {
	Kind    string
	Message string
}

// Result ends a turn.
type Result struct {
	Subtype    string
	SessionID  string
	IsError    bool
	Text       string
	Errors     []string
	CostUSD    float64
	DurationMS int64
	NumTurns   int
}

// System carries CLI metadata, most importantly the session id on init.
type System struct {
	Subtype       string
	SessionID     string
	Model         string
	Cwd           string
	Tools         []string
	SlashCommands []string
}

// Assistant is a complete snapshot of an upstream message.
type Assistant struct {
	Scope
	MessageID string
	Model     string
	Blocks    []types.ContentBlock
}

// ToolUse is a tool invocation reported outside a content block stream.
type ToolUse struct {
	Scope
	ID    string
	Name  string
	Input map[string]any
}

// ToolResult carries one or more tool results; a single CLI user line may hold several.
type ToolResult struct {
	Scope
	Results []types.ContentBlock
}

func (MessageStart) Type() Type      { return TypeMessageStart }
func (ContentBlockStart) Type() Type { return TypeContentBlockStart }
func (ContentBlockDelta) Type() Type { return TypeContentBlockDelta }
func (ContentBlockStop) Type() Type  { return TypeContentBlockStop }
func (MessageDelta) Type() Type      { return TypeMessageDelta }
func (MessageStop) Type() Type       { return TypeMessageStop }
func (Ping) Type() Type              { return TypePing }
func (Error) Type() Type             { return TypeError }
func (Result) Type() Type            { return TypeResult }
func (System) Type() Type            { return TypeSystem }
func (Assistant) Type() Type         { return TypeAssistant }
func (ToolUse) Type() Type           { return TypeToolUse }
func (ToolResult) Type() Type        { return TypeToolResult }

func (MessageStart) isEvent()      {}
func (ContentBlockStart) isEvent() {}
func (ContentBlockDelta) isEvent() {}
func (ContentBlockStop) isEvent()  {}
func (MessageDelta) isEvent()      {}
func (MessageStop) isEvent()       {}
func (Ping) isEvent()              {}
func (Error) isEvent()             {}
func (Result) isEvent()            {}
func (System) isEvent()            {}
func (Assistant) isEvent()         {}
func (ToolUse) isEvent()           {}
func (ToolResult) isEvent()        {}

// SessionID returns the CLI session id carried by e, if any.
func SessionID(e Event) string {
	switch v := e.(type) {
	case System:
		return v.SessionID
	case Result:
		return v.SessionID
	}
	return ""
}
