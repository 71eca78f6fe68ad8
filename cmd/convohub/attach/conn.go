// Package attach is the terminal client for a running convohub server.
package attach

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Frame is one server event as received.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Remote is the server side of the model.
type Remote interface {
	Send(event string, data any) error
	Frames() <-chan Frame
	Err() error
}

// Conn is a WebSocket connection to the server's event channel.
type Conn struct {
	ws     *websocket.Conn
	mu     sync.Mutex // serializes writes
	frames chan Frame
	err    error
}

// Dial connects to wsURL, joining project when it is non-empty.
func Dial(ctx context.Context, wsURL, project string) (*Conn, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	if project != "" {
		q := u.Query()
		q.Set("project", project)
		u.RawQuery = q.Encode()
	}

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("connect %s: %w (HTTP %d)", u.Redacted(), err, resp.StatusCode)
		}
		return nil, fmt.Errorf("connect %s: %w", u.Redacted(), err)
	}

	c := &Conn{ws: ws, frames: make(chan Frame, 256)}
	go c.readLoop()
	return c, nil
}

func (c *Conn) readLoop() {
	defer close(c.frames)
	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			c.err = err
			return
		}
		c.frames <- f
	}
}

// Frames is closed when the connection ends; Err then reports why.
func (c *Conn) Frames() <-chan Frame {
	return c.frames
}

// Err is only meaningful after Frames is closed.
func (c *Conn) Err() error {
	return c.err
}

// Send writes one client event.
func (c *Conn) Send(event string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteJSON(map[string]any{"event": event, "data": data})
}

// Close says goodbye and closes the socket.
func (c *Conn) Close() error {
	c.mu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.mu.Unlock()
	return c.ws.Close()
}
