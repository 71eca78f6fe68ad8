package attach

import (
	"encoding/json"
	"fmt"
	"strings"

	"convohub/internal/hub"
	"convohub/internal/types"
)

// Transcript mirrors the server's conversation from the event stream.
type Transcript struct {
	Messages []types.Message
	Status   hub.StatusPayload
	Users    []types.ShareUser
	Self     *types.ShareUser
	// Notice is the latest one-line error or informational text.
	Notice      string
	AutoConfirm bool
	Closed      bool
}

func (t *Transcript) find(id string) *types.Message {
	for i := len(t.Messages) - 1; i >= 0; i-- {
		if t.Messages[i].ID == id {
			return &t.Messages[i]
		}
	}
	return nil
}

func (t *Transcript) upsert(m types.Message) {
	if cur := t.find(m.ID); cur != nil {
		*cur = m
		return
	}
	t.Messages = append(t.Messages, m)
}

// Apply folds one frame into the transcript. It reports whether the visible
// conversation changed.
func (t *Transcript) Apply(f Frame) (bool, error) {
	switch f.Event {
	case hub.EventSessionStatus:
		return false, json.Unmarshal(f.Data, &t.Status)

	case hub.EventHistoryLoaded:
		var conv types.Conversation
		if err := json.Unmarshal(f.Data, &conv); err != nil {
			return false, err
		}
		t.Messages = conv.Messages
		return true, nil

	case hub.EventUserMessage, hub.EventMessageComplete, hub.EventStopped:
		var m types.Message
		if err := json.Unmarshal(f.Data, &m); err != nil {
			return false, err
		}
		t.upsert(m)
		return true, nil

	case hub.EventMessageStart:
		var p hub.MessageStartPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return false, err
		}
		if t.find(p.MessageID) == nil {
			t.Messages = append(t.Messages, types.Message{ID: p.MessageID, Role: types.RoleAssistant, Model: p.Model, Streaming: true})
		}
		return true, nil

	case hub.EventTextDelta:
		var p hub.DeltaPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return false, err
		}
		m := t.streaming(p.MessageID)
		if last := m.LastBlock(); last != nil && last.Type == types.BlockText {
			last.Text += p.Text
		} else {
			m.ContentBlocks = append(m.ContentBlocks, types.TextBlock(p.Text))
		}
		m.Content += p.Text
		return true, nil

	case hub.EventThinkingDelta:
		return false, nil

	case hub.EventToolUse:
		var p hub.ToolUsePayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return false, err
		}
		m := t.streaming(p.MessageID)
		m.ContentBlocks = append(m.ContentBlocks, p.ToolUse)
		return true, nil

	case hub.EventToolResult:
		var p hub.ToolResultPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return false, err
		}
		m := t.streaming(p.MessageID)
		m.ContentBlocks = append(m.ContentBlocks, p.ToolResult)
		return true, nil

	case hub.EventSystemMessage:
		var p hub.SystemMessagePayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return false, err
		}
		t.upsert(p.Message)
		return true, nil

	case hub.EventCriticalFileWarning:
		var p hub.WarningPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return false, err
		}
		t.upsert(p.Message)
		return true, nil

	case hub.EventShareUsers:
		return false, json.Unmarshal(f.Data, &t.Users)

	case hub.EventShareRegistered:
		var u types.ShareUser
		if err := json.Unmarshal(f.Data, &u); err != nil {
			return false, err
		}
		t.Self = &u
		t.Notice = "joined as " + u.Nickname
		return false, nil

	case hub.EventShareNicknameTaken:
		var p hub.NicknamePayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return false, err
		}
		t.Notice = fmt.Sprintf("nickname %q is taken", p.Nickname)
		return false, nil

	case hub.EventAutoConfirm:
		var p hub.AutoConfirmPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return false, err
		}
		t.AutoConfirm = p.Enabled
		return false, nil

	case hub.EventError:
		var p hub.ErrorPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return false, err
		}
		t.Notice = p.Event + ": " + p.Message
		return false, nil

	case hub.EventOutputError, hub.EventSessionError:
		var text string
		if err := json.Unmarshal(f.Data, &text); err != nil {
			return false, err
		}
		t.Notice = text
		return false, nil

	case hub.EventSessionClosed:
		var p hub.ClosedPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return false, err
		}
		t.Notice = fmt.Sprintf("assistant exited (code %d)", p.Code)
		return false, nil
	}
	return false, nil
}

// streaming returns the in-flight message id, creating a placeholder when the
// start event was missed.
func (t *Transcript) streaming(id string) *types.Message {
	if m := t.find(id); m != nil {
		return m
	}
	t.Messages = append(t.Messages, types.Message{ID: id, Role: types.RoleAssistant, Streaming: true})
	return &t.Messages[len(t.Messages)-1]
}

// Plain renders the transcript without styling.
func (t *Transcript) Plain() string {
	var sb strings.Builder
	for _, m := range t.Messages {
		fmt.Fprintf(&sb, "%s: %s\n", speaker(m), body(m))
	}
	return sb.String()
}

func speaker(m types.Message) string {
	if m.SenderNickname != "" {
		return m.SenderNickname
	}
	return string(m.Role)
}

func body(m types.Message) string {
	if len(m.ContentBlocks) > 0 {
		return types.FlattenBlocks(m.ContentBlocks)
	}
	return m.Content
}
