package hub

import (
	"errors"
	"sync"
)

// ErrSlowClient closes a client whose queue overflowed. The client reconnects and receives a
// fresh snapshot instead of a stream with gaps.
var ErrSlowClient = errors.New("client fell behind the event stream")

// ErrClientClosed is the close reason for an orderly disconnect.
var ErrClientClosed = errors.New("client disconnected")

// Client is one connected viewer. The session enqueues frames; a transport writer drains
// Frames until Done is closed.
type Client struct {
	ID string

	queue chan Frame
	done  chan struct{}
	once  sync.Once
	err   error
}

// NewClient returns a client with a queue of buffer frames.
func NewClient(id string, buffer int) *Client {
	if buffer <= 0 {
		buffer = 512
	}
	return &Client{
		ID:    id,
		queue: make(chan Frame, buffer),
		done:  make(chan struct{}),
	}
}

// Frames returns the outbound queue. It is never closed; watch Done.
func (c *Client) Frames() <-chan Frame {
	return c.queue
}

// Done is closed when the client is disconnected.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the client was closed, or nil while it is open.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close disconnects the client. Only the first reason is kept.
func (c *Client) Close(reason error) {
	c.once.Do(func() {
		if reason == nil {
			reason = ErrClientClosed
		}
		c.err = reason
		close(c.done)
	})
}

// enqueue adds f without blocking and reports false when the queue is full or closed.
func (c *Client) enqueue(f Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.queue <- f:
		return true
	default:
		return false
	}
}
