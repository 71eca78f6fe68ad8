package stream

import (
	"bufio"
	"bytes"
	"errors"
	"io"

	"convohub/internal/logging"
)

// Parser yields events from a line-delimited stream. Malformed lines are logged and skipped.
// A Parser is bound to one reader; construct a new one per connection.
type Parser struct {
	r       *bufio.Reader
	line    int
	skipped int
	done    bool
}

// NewParser returns a Parser reading from r.
func NewParser(r io.Reader) *Parser {
	return &Parser{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next event, or io.EOF once the reader is exhausted.
// A trailing line without a newline is decoded at EOF.
func (p *Parser) Next() (Event, error) {
	for !p.done {
		raw, err := p.r.ReadBytes('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return nil, err
			}
			p.done = true
		}
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		p.line++

		ev, decErr := Decode(raw)
		if decErr != nil {
			p.skipped++
			if errors.Is(decErr, ErrUnknownType) {
				logging.StreamDebug("line %d skipped: %v", p.line, decErr)
			} else {
				logging.StreamWarn("line %d skipped: %v", p.line, decErr)
			}
			continue
		}
		return ev, nil
	}
	return nil, io.EOF
}

// Skipped returns how many non-empty lines could not be decoded.
func (p *Parser) Skipped() int {
	return p.skipped
}

// Lines returns how many non-empty lines have been read.
func (p *Parser) Lines() int {
	return p.line
}
