// Package conversation applies decoded stream events to a Conversation and reports every
// change as a Mutation that the session hub can broadcast.
package conversation

import "convohub/internal/types"

// MutationKind names what changed.
type MutationKind string

const (
	MutationUserMessage   MutationKind = "user_message"
	MutationMessageStart  MutationKind = "message_start"
	MutationTextDelta     MutationKind = "text_delta"
	MutationThinkingDelta MutationKind = "thinking_delta"
	MutationToolUse       MutationKind = "tool_use"
	MutationToolResult    MutationKind = "tool_result"
	MutationComplete      MutationKind = "message_complete"
	MutationStopped       MutationKind = "stopped"
)

// Mutation is one change to the conversation. Message is a snapshot copy taken after the change.
type Mutation struct {
	Kind    MutationKind
	Message types.Message

	// Text is the text appended to block BlockIndex for delta kinds.
	Text       string
	BlockIndex int

	// Block is the tool_use or tool_result block for tool kinds.
	Block  *types.ContentBlock
	Orphan bool
}

// Final reports whether the mutation ends the message's streaming phase.
func (m Mutation) Final() bool {
	return m.Kind == MutationComplete || m.Kind == MutationStopped
}
