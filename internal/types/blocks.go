package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// BlockType discriminates ContentBlock variants.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
	BlockThinking   BlockType = "thinking"
)

// ContentBlock is a typed segment of a message. Only the fields of its Type are meaningful:
//
//	text        Text
//	thinking    Text
//	tool_use    ID, Name, Input
//	tool_result ToolUseID, Content, IsError
type ContentBlock struct {
	Type      BlockType
	Text      string
	ID        string
	Name      string
	Input     map[string]any
	ToolUseID string
	Content   string
	IsError   bool
}

// TextBlock builds a text block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ThinkingBlock builds a thinking block.
func ThinkingBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockThinking, Text: text}
}

// ToolUseBlock builds a tool invocation block. A nil input becomes an empty object.
func ToolUseBlock(id, name string, input map[string]any) ContentBlock {
	if input == nil {
		input = map[string]any{}
	}
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock builds a tool result block.
func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// Clone deep-copies the block, including the tool input tree.
func (b ContentBlock) Clone() ContentBlock {
	out := b
	if b.Input != nil {
		out.Input = cloneValue(b.Input).(map[string]any)
	}
	return out
}

// InputString returns a string field of a tool_use input, or "".
func (b ContentBlock) InputString(key string) string {
	if b.Input == nil {
		return ""
	}
	s, _ := b.Input[key].(string)
	return s
}

type textJSON struct {
	Type BlockType `json:"type"`
	Text string    `json:"text"`
}

type toolUseJSON struct {
	Type  BlockType      `json:"type"`
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

type toolResultJSON struct {
	Type      BlockType `json:"type"`
	ToolUseID string    `json:"toolUseId"`
	Content   string    `json:"content"`
	IsError   bool      `json:"isError"`
}

// MarshalJSON writes only the fields of the block's variant.
func (b ContentBlock) MarshalJSON() ([]byte, error) {
	switch b.Type {
	case BlockText, BlockThinking:
		return json.Marshal(textJSON{Type: b.Type, Text: b.Text})
	case BlockToolUse:
		input := b.Input
		if input == nil {
			input = map[string]any{}
		}
		return json.Marshal(toolUseJSON{Type: b.Type, ID: b.ID, Name: b.Name, Input: input})
	case BlockToolResult:
		return json.Marshal(toolResultJSON{Type: b.Type, ToolUseID: b.ToolUseID, Content: b.Content, IsError: b.IsError})
	default:
		return nil, fmt.Errorf("unknown content block type %q", b.Type)
	}
}

// UnmarshalJSON reads a block by its type discriminator.
func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	var head struct {
		Type BlockType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	switch head.Type {
	case BlockText, BlockThinking:
		var v textJSON
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*b = ContentBlock{Type: v.Type, Text: v.Text}
	case BlockToolUse:
		var v toolUseJSON
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*b = ToolUseBlock(v.ID, v.Name, v.Input)
	case BlockToolResult:
		var v toolResultJSON
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*b = ToolResultBlock(v.ToolUseID, v.Content, v.IsError)
	default:
		return fmt.Errorf("unknown content block type %q", head.Type)
	}
	return nil
}

// FlattenBlocks renders blocks as readable text: text verbatim, tool activity as short markers.
func FlattenBlocks(blocks []ContentBlock) string {
	var sb strings.Builder
	for _, b := range blocks {
		switch b.Type {
		case BlockText:
			sb.WriteString(b.Text)
		case BlockToolUse:
			fmt.Fprintf(&sb, "\n[tool: %s]\n", b.Name)
		case BlockToolResult:
			if b.IsError {
				sb.WriteString("\n[tool error]\n")
			}
		}
	}
	return sb.String()
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = cloneValue(val)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, val := range t {
			s[i] = cloneValue(val)
		}
		return s
	default:
		return v
	}
}
