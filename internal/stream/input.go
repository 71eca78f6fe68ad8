package stream

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"convohub/internal/types"
)

type inputLine struct {
	Type    string       `json:"type"`
	Message inputMessage `json:"message"`
}

type inputMessage struct {
	Role    string       `json:"role"`
	Content []inputBlock `json:"content"`
}

type inputBlock struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *imageSource `json:"source,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// EncodeUserTurn renders a user turn as one stream-json input line, newline included.
// Image attachments become image blocks. Other attachments are inlined as text.
func EncodeUserTurn(text string, attachments []types.Attachment) ([]byte, error) {
	blocks := make([]inputBlock, 0, 1+len(attachments))
	for _, a := range attachments {
		switch {
		case a.IsImage() && a.Data != "":
			blocks = append(blocks, inputBlock{
				Type:   "image",
				Source: &imageSource{Type: "base64", MediaType: a.MediaType, Data: a.Data},
			})
		case a.Data != "":
			decoded, err := base64.StdEncoding.DecodeString(a.Data)
			if err != nil {
				return nil, fmt.Errorf("attachment %s: %w", a.Name, err)
			}
			blocks = append(blocks, inputBlock{
				Type: "text",
				Text: fmt.Sprintf("<attachment name=%q>\n%s\n</attachment>", a.Name, decoded),
			})
		case a.Path != "":
			blocks = append(blocks, inputBlock{Type: "text", Text: "Attached file: " + a.Path})
		}
	}
	blocks = append(blocks, inputBlock{Type: "text", Text: text})

	data, err := json.Marshal(inputLine{
		Type:    "user",
		Message: inputMessage{Role: "user", Content: blocks},
	})
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
