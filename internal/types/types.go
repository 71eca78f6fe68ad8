// Package types provides the conversation data model shared across convohub packages.
// It has no dependencies on the rest of the module so that stream decoding, accumulation,
// persistence and transport can all speak the same structures without import cycles.
package types

import (
	"strings"
	"time"
	"unicode/utf8"
)

// HistoryVersion is the only HistoryStore document version this build reads or writes.
const HistoryVersion = 1

// TitleMaxRunes bounds auto-generated conversation titles.
const TitleMaxRunes = 50

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	default:
		return false
	}
}

// Attachment is a file the user sent along with a message.
// Data holds base64 content; Path is set instead when the file lives inside the project.
type Attachment struct {
	Name      string `json:"name"`
	MediaType string `json:"mediaType,omitempty"`
	Data      string `json:"data,omitempty"`
	Path      string `json:"path,omitempty"`
}

// IsImage reports whether the attachment should be forwarded as an image block.
func (a Attachment) IsImage() bool {
	return strings.HasPrefix(a.MediaType, "image/")
}

// Message is one turn entry in a conversation.
// While Streaming is true the message is the conversation's single in-flight message.
type Message struct {
	ID             string         `json:"id"`
	Role           Role           `json:"role"`
	Content        string         `json:"content"`
	ContentBlocks  []ContentBlock `json:"contentBlocks,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Streaming      bool           `json:"streaming"`
	Model          string         `json:"model,omitempty"`
	SenderID       string         `json:"senderId,omitempty"`
	SenderNickname string         `json:"senderNickname,omitempty"`
	Attachments    []Attachment   `json:"attachments,omitempty"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (m Message) Clone() Message {
	out := m
	if m.ContentBlocks != nil {
		out.ContentBlocks = make([]ContentBlock, len(m.ContentBlocks))
		for i, b := range m.ContentBlocks {
			out.ContentBlocks[i] = b.Clone()
		}
	}
	if m.Attachments != nil {
		out.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	return out
}

// LastBlock returns the last content block, or nil.
func (m *Message) LastBlock() *ContentBlock {
	if len(m.ContentBlocks) == 0 {
		return nil
	}
	return &m.ContentBlocks[len(m.ContentBlocks)-1]
}

// Conversation is an ordered list of messages bound to one project.
type Conversation struct {
	ID                string    `json:"id"`
	Title             string    `json:"title,omitempty"`
	Messages          []Message `json:"messages"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
	ProjectPath       string    `json:"projectPath"`
	ExternalSessionID string    `json:"externalSessionId,omitempty"`
}

// Clone returns a deep copy of the conversation.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Messages = make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		out.Messages[i] = m.Clone()
	}
	return &out
}

// Touch advances UpdatedAt, never moving it backwards.
func (c *Conversation) Touch(now time.Time) {
	if !now.After(c.UpdatedAt) {
		now = c.UpdatedAt.Add(time.Nanosecond)
	}
	c.UpdatedAt = now
}

// StreamingIndex returns the index of the streaming message, or -1.
func (c *Conversation) StreamingIndex() int {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Streaming {
			return i
		}
	}
	return -1
}

// EnsureTitle sets Title from the first user message when it is still empty.
func (c *Conversation) EnsureTitle() {
	if c.Title != "" {
		return
	}
	for _, m := range c.Messages {
		if m.Role == RoleUser && strings.TrimSpace(m.Content) != "" {
			c.Title = GenerateTitle(m.Content)
			return
		}
	}
}

// Summary returns the list view of the conversation.
func (c *Conversation) Summary(activeID string) ConversationSummary {
	return ConversationSummary{
		ID:           c.ID,
		Title:        c.Title,
		MessageCount: len(c.Messages),
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
		Active:       c.ID == activeID,
	}
}

// ConversationSummary is what history:list returns.
type ConversationSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title,omitempty"`
	MessageCount int       `json:"messageCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	Active       bool      `json:"active"`
}

// HistoryStore is the durable per-project root document.
type HistoryStore struct {
	Version              int            `json:"version"`
	Conversations        []Conversation `json:"conversations"`
	ActiveConversationID *string        `json:"activeConversationId"`
}

// NewHistoryStore returns an empty store at the current version.
func NewHistoryStore() *HistoryStore {
	return &HistoryStore{Version: HistoryVersion, Conversations: []Conversation{}}
}

// Find returns the conversation with id, or nil.
func (h *HistoryStore) Find(id string) *Conversation {
	for i := range h.Conversations {
		if h.Conversations[i].ID == id {
			return &h.Conversations[i]
		}
	}
	return nil
}

// ActiveID returns the active conversation id or "".
func (h *HistoryStore) ActiveID() string {
	if h.ActiveConversationID == nil {
		return ""
	}
	return *h.ActiveConversationID
}

// SetActive marks id as active; an empty id clears it.
func (h *HistoryStore) SetActive(id string) {
	if id == "" {
		h.ActiveConversationID = nil
		return
	}
	h.ActiveConversationID = &id
}

// ShareUser is a human participant of a shared session.
type ShareUser struct {
	ID       string    `json:"id"`
	Nickname string    `json:"nickname"`
	JoinedAt time.Time `json:"joinedAt"`
	LastSeen time.Time `json:"lastSeen"`
}

// GenerateTitle collapses whitespace and truncates text to TitleMaxRunes runes.
func GenerateTitle(text string) string {
	collapsed := strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(collapsed) <= TitleMaxRunes {
		return collapsed
	}
	runes := []rune(collapsed)
	return strings.TrimSpace(string(runes[:TitleMaxRunes])) + "..."
}

// Now returns the current UTC time without a monotonic reading so values compare
// equal after a JSON round trip.
func Now() time.Time {
	return time.Now().UTC().Round(0)
}
