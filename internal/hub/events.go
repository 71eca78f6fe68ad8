package hub

import (
	"convohub/internal/guard"
	"convohub/internal/types"
)

// Wire event names. Each frame on the event channel is {"event": name, "data": payload}.
const (
	EventSessionStatus   = "session:status"
	EventSessionClosed   = "session:closed"
	EventSessionReset    = "session:reset"
	EventSessionContinue = "session:continue"
	EventSessionError    = "session:error"
	EventOutputError     = "output:error"

	EventHistoryList     = "history:list"
	EventHistoryLoad     = "history:load"
	EventHistoryLoaded   = "history:loaded"
	EventHistorySwitch   = "history:switch"
	EventHistorySwitched = "history:switched"
	EventHistoryDelete   = "history:delete"
	EventHistoryDeleted  = "history:deleted"

	EventDocsList     = "docs:list"
	EventCommandsList = "commands:list"

	EventMessageSend = "message:send"
	EventMessageStop = "message:stop"

	EventMessageStart        = "stream:message_start"
	EventToolUse             = "stream:tool_use"
	EventToolResult          = "stream:tool_result"
	EventTextDelta           = "stream:text_delta"
	EventThinkingDelta       = "stream:thinking_delta"
	EventMessageComplete     = "stream:message_complete"
	EventStopped             = "stream:stopped"
	EventUserMessage         = "stream:user_message"
	EventSystemMessage       = "stream:system_message"
	EventCriticalFileWarning = "stream:critical_file_warning"

	EventShareRegister      = "share:register"
	EventShareSync          = "share:sync"
	EventShareRegistered    = "share:registered"
	EventShareNicknameTaken = "share:nickname_taken"
	EventShareUsers         = "share:users"
	EventShareUserJoined    = "share:user_joined"
	EventShareSynced        = "share:synced"

	EventAutoConfirm = "settings:auto_confirm"
	EventError       = "error"
)

// Frame is one outbound event. Data is never mutated after the frame is queued.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// StatusPayload is sent on connect and whenever the process or turn state changes.
type StatusPayload struct {
	Active               bool   `json:"active"`
	Processing           bool   `json:"processing"`
	ProjectPath          string `json:"projectPath"`
	ConversationID       string `json:"conversationId"`
	AwaitingConfirmation bool   `json:"awaitingConfirmation,omitempty"`
}

type ClosedPayload struct {
	Code int `json:"code"`
}

type MessageStartPayload struct {
	MessageID string `json:"messageId"`
	Model     string `json:"model,omitempty"`
}

type ToolUsePayload struct {
	MessageID string             `json:"messageId"`
	ToolUse   types.ContentBlock `json:"toolUse"`
}

type ToolResultPayload struct {
	MessageID  string             `json:"messageId"`
	ToolResult types.ContentBlock `json:"toolResult"`
	Orphan     bool               `json:"orphan"`
}

type DeltaPayload struct {
	MessageID  string `json:"messageId"`
	Text       string `json:"text"`
	BlockIndex int    `json:"blockIndex"`
}

type SystemMessagePayload struct {
	Message types.Message `json:"message"`
}

type WarningPayload struct {
	Message  types.Message  `json:"message"`
	Advisory guard.Advisory `json:"advisory"`
}

type DeletedPayload struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
}

type NicknamePayload struct {
	Nickname string `json:"nickname"`
}

type SyncedPayload struct {
	Status string           `json:"status"` // ok, registered, conflict
	User   *types.ShareUser `json:"user,omitempty"`
}

type AutoConfirmPayload struct {
	Enabled bool `json:"enabled"`
}

type ErrorPayload struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

// Requests from clients.

type SendRequest struct {
	Message     string             `json:"message"`
	SenderID    string             `json:"senderId,omitempty"`
	Attachments []types.Attachment `json:"attachments,omitempty"`
}

type IDRequest struct {
	ID string `json:"id"`
}

type ShareRequest struct {
	UserID   string `json:"userId"`
	Nickname string `json:"nickname"`
}

type AutoConfirmRequest struct {
	Enabled bool `json:"enabled"`
}
