package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"convohub/internal/types"
)

// ErrUnknownType marks a well-formed line whose type this decoder does not model.
var ErrUnknownType = errors.New("unknown event type")

// DecodeError reports a line that could not be turned into an Event.
type DecodeError struct {
	Line   string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %q: %s: %v", truncate(e.Line, 120), e.Reason, e.Err)
	}
	return fmt.Sprintf("decode %q: %s", truncate(e.Line, 120), e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// wireLine is the union of every field the decoder reads from a line.
type wireLine struct {
	Type            string          `json:"type"`
	Subtype         string          `json:"subtype"`
	SessionID       string          `json:"session_id"`
	ParentToolUseID *string         `json:"parent_tool_use_id"`
	Event           json.RawMessage `json:"event"`
	Message         json.RawMessage `json:"message"`

	// Anthropic stream events
	Index        int             `json:"index"`
	ContentBlock *wireBlock      `json:"content_block"`
	Delta        *wireDelta      `json:"delta"`
	Usage        *wireUsage      `json:"usage"`
	Error        json.RawMessage `json:"error"`

	// system
	Model         string   `json:"model"`
	Cwd           string   `json:"cwd"`
	Tools         []string `json:"tools"`
	SlashCommands []string `json:"slash_commands"`

	// result
	Result     string   `json:"result"`
	IsError    bool     `json:"is_error"`
	Errors     []string `json:"errors"`
	CostUSD    float64  `json:"total_cost_usd"`
	DurationMS int64    `json:"duration_ms"`
	NumTurns   int      `json:"num_turns"`

	// flat tool_use / tool_result
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     map[string]any  `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
}

type wireBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     map[string]any  `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

type wireDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	Thinking    string `json:"thinking"`
	PartialJSON string `json:"partial_json"`
	StopReason  string `json:"stop_reason"`
}

type wireUsage struct {
	OutputTokens int `json:"output_tokens"`
}

type wireMessage struct {
	ID      string          `json:"id"`
	Model   string          `json:"model"`
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type wireError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Decode turns one output line into an Event. Both bare API stream events and the CLI's
// stream_event wrapper are accepted.
func Decode(line []byte) (Event, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, &DecodeError{Reason: "empty line"}
	}

	var w wireLine
	if err := json.Unmarshal(line, &w); err != nil {
		return nil, &DecodeError{Line: string(line), Reason: "invalid json", Err: err}
	}
	if w.Type == "" {
		return nil, &DecodeError{Line: string(line), Reason: "missing type"}
	}

	scope := Scope{}
	if w.ParentToolUseID != nil {
		scope.ParentToolUseID = *w.ParentToolUseID
	}

	if w.Type == "stream_event" {
		if len(w.Event) == 0 {
			return nil, &DecodeError{Line: string(line), Reason: "stream_event without event"}
		}
		var inner wireLine
		if err := json.Unmarshal(w.Event, &inner); err != nil {
			return nil, &DecodeError{Line: string(line), Reason: "invalid inner event", Err: err}
		}
		if inner.Type == "stream_event" {
			return nil, &DecodeError{Line: string(line), Reason: "nested stream_event"}
		}
		ev, err := decodeAPIEvent(&inner, scope)
		if err != nil {
			return nil, &DecodeError{Line: string(line), Reason: "inner event", Err: err}
		}
		return ev, nil
	}

	ev, err := decodeLine(&w, scope)
	if err != nil {
		return nil, &DecodeError{Line: string(line), Reason: w.Type, Err: err}
	}
	return ev, nil
}

func decodeLine(w *wireLine, scope Scope) (Event, error) {
	switch w.Type {
	case "system":
		return System{
			Subtype:       w.Subtype,
			SessionID:     w.SessionID,
			Model:         w.Model,
			Cwd:           w.Cwd,
			Tools:         w.Tools,
			SlashCommands: w.SlashCommands,
		}, nil

	case "result":
		return Result{
			Subtype:    w.Subtype,
			SessionID:  w.SessionID,
			IsError:    w.IsError,
			Text:       w.Result,
			Errors:     w.Errors,
			CostUSD:    w.CostUSD,
			DurationMS: w.DurationMS,
			NumTurns:   w.NumTurns,
		}, nil

	case "assistant":
		var m wireMessage
		if err := json.Unmarshal(w.Message, &m); err != nil {
			return nil, fmt.Errorf("message: %w", err)
		}
		blocks, err := decodeBlocks(m.Content)
		if err != nil {
			return nil, err
		}
		return Assistant{Scope: scope, MessageID: m.ID, Model: m.Model, Blocks: blocks}, nil

	case "user":
		var m wireMessage
		if err := json.Unmarshal(w.Message, &m); err != nil {
			return nil, fmt.Errorf("message: %w", err)
		}
		blocks, err := decodeBlocks(m.Content)
		if err != nil {
			return nil, err
		}
		var results []types.ContentBlock
		for _, b := range blocks {
			if b.Type == types.BlockToolResult {
				results = append(results, b)
			}
		}
		if len(results) == 0 {
			return nil, errors.New("user line without tool results")
		}
		return ToolResult{Scope: scope, Results: results}, nil

	case "tool_use":
		if w.ID == "" {
			return nil, errors.New("tool_use without id")
		}
		return ToolUse{Scope: scope, ID: w.ID, Name: w.Name, Input: normalizeInput(w.Input)}, nil

	case "tool_result":
		return ToolResult{Scope: scope, Results: []types.ContentBlock{
			types.ToolResultBlock(w.ToolUseID, flattenContent(w.Content), w.IsError),
		}}, nil
	}

	return decodeAPIEvent(w, scope)
}

func decodeAPIEvent(w *wireLine, scope Scope) (Event, error) {
	switch w.Type {
	case "message_start":
		var m wireMessage
		if len(w.Message) > 0 {
			if err := json.Unmarshal(w.Message, &m); err != nil {
				return nil, fmt.Errorf("message: %w", err)
			}
		}
		return MessageStart{Scope: scope, MessageID: m.ID, Model: m.Model}, nil

	case "content_block_start":
		if w.ContentBlock == nil {
			return nil, errors.New("content_block_start without content_block")
		}
		cb := w.ContentBlock
		text := cb.Text
		if cb.Type == "thinking" {
			text = cb.Thinking
		}
		return ContentBlockStart{
			Scope:     scope,
			Index:     w.Index,
			BlockType: cb.Type,
			Text:      text,
			ID:        cb.ID,
			Name:      cb.Name,
			Input:     cb.Input,
		}, nil

	case "content_block_delta":
		if w.Delta == nil {
			return nil, errors.New("content_block_delta without delta")
		}
		d := ContentBlockDelta{Scope: scope, Index: w.Index, Kind: DeltaKind(w.Delta.Type)}
		switch d.Kind {
		case DeltaText:
			d.Text = w.Delta.Text
		case DeltaThinking:
			d.Text = w.Delta.Thinking
		case DeltaInputJSON:
			d.PartialJSON = w.Delta.PartialJSON
		}
		return d, nil

	case "content_block_stop":
		return ContentBlockStop{Scope: scope, Index: w.Index}, nil

	case "message_delta":
		md := MessageDelta{Scope: scope}
		if w.Delta != nil {
			md.StopReason = w.Delta.StopReason
		}
		if w.Usage != nil {
			md.OutputTokens = w.Usage.OutputTokens
		}
		return md, nil

	case "message_stop":
		return MessageStop{Scope: scope}, nil

	case "ping":
		return Ping{}, nil

	case "error":
		var e wireError
		if len(w.Error) > 0 {
			if err := json.Unmarshal(w.Error, &e); err != nil {
				// some producers send a bare string
				var s string
				if json.Unmarshal(w.Error, &s) != nil {
					return nil, fmt.Errorf("error payload: %w", err)
				}
				e.Message = s
			}
		}
		return Error{Kind: e.Type, Message: e.Message}, nil
	}

	return nil, fmt.Errorf("%w %q", ErrUnknownType, w.Type)
}

func decodeBlocks(raw json.RawMessage) ([]types.ContentBlock, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	// plain string content
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return []types.ContentBlock{types.TextBlock(s)}, nil
	}

	var wire []wireBlock
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("content: %w", err)
	}
	blocks := make([]types.ContentBlock, 0, len(wire))
	for _, b := range wire {
		switch b.Type {
		case "text":
			blocks = append(blocks, types.TextBlock(b.Text))
		case "thinking":
			blocks = append(blocks, types.ThinkingBlock(b.Thinking))
		case "tool_use":
			blocks = append(blocks, types.ToolUseBlock(b.ID, b.Name, normalizeInput(b.Input)))
		case "tool_result":
			blocks = append(blocks, types.ToolResultBlock(b.ToolUseID, flattenContent(b.Content), b.IsError))
		}
	}
	return blocks, nil
}

// flattenContent renders tool result content, which is either a string or a list of blocks.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []wireBlock
	if err := json.Unmarshal(raw, &parts); err != nil {
		return string(raw)
	}
	var texts []string
	for _, p := range parts {
		if p.Type == "text" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

func normalizeInput(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	return in
}

// ParseToolInput parses accumulated input_json_delta fragments. Empty input is an empty object.
func ParseToolInput(partial string) (map[string]any, error) {
	partial = strings.TrimSpace(partial)
	if partial == "" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(partial), &out); err != nil {
		return nil, fmt.Errorf("tool input: %w", err)
	}
	return normalizeInput(out), nil
}

// truncate keeps at most maxLen bytes of s without splitting a rune.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	n := maxLen
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
