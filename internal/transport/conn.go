package transport

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v5"
	"github.com/lithammer/shortuuid/v4"

	"convohub/internal/hub"
	"convohub/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 32 << 20 // attachments travel inline
)

// inbound is a client frame.
type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (s *Server) handleWS(c *echo.Context) error {
	// counted before the hijack so Serve's Wait cannot miss it
	s.conns.Add(1)
	defer s.conns.Done()

	project := c.QueryParam("project")
	if project == "" {
		project = s.opts.DefaultProject
	}
	key, err := s.hub.NormalizeProject(project)
	if err != nil {
		return projectError(err)
	}

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader already answered
		logging.TransportDebug("upgrade failed: %v", err)
		return nil
	}

	client := hub.NewClient(shortuuid.New(), s.opts.ClientBuffer)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess, err := s.hub.Connect(ctx, key, client)
	if err != nil {
		logging.Get(logging.CategoryTransport).Warn("connect %s: %v", key, err)
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error())
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		return nil
	}

	if !s.track(client) {
		client.Close(hub.ErrSessionClosed)
	}
	defer s.untrack(client)
	s.active.Add(1)
	defer s.active.Add(-1)
	logging.Transport("client %s connected to %s from %s", client.ID, key, c.Request().RemoteAddr)

	done := make(chan struct{})
	go func() {
		defer close(done)
		writeLoop(conn, client)
	}()

	readLoop(ctx, conn, sess, client)

	sess.Disconnect(client.ID)
	client.Close(nil)
	<-done
	conn.Close()
	logging.Transport("client %s disconnected", client.ID)
	return nil
}

// readLoop dispatches client frames in arrival order until the connection fails.
func readLoop(ctx context.Context, conn *websocket.Conn, sess *hub.Session, client *hub.Client) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logging.TransportDebug("client %s read: %v", client.ID, err)
			}
			return
		}
		var in inbound
		if err := json.Unmarshal(data, &in); err != nil || in.Event == "" {
			logging.TransportDebug("client %s sent malformed frame", client.ID)
			continue
		}
		sess.Handle(ctx, client.ID, in.Event, in.Data)
	}
}

// writeLoop drains the client queue onto the socket and keeps the connection alive.
func writeLoop(conn *websocket.Conn, client *hub.Client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case f := <-client.Frames():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(f); err != nil {
				logging.TransportDebug("client %s write: %v", client.ID, err)
				client.Close(err)
				conn.Close()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				client.Close(err)
				conn.Close()
				return
			}
		case <-client.Done():
			code, reason := websocket.CloseNormalClosure, ""
			switch err := client.Err(); {
			case errors.Is(err, hub.ErrSlowClient):
				code, reason = websocket.CloseTryAgainLater, err.Error()
			case errors.Is(err, hub.ErrSessionClosed):
				code, reason = websocket.CloseGoingAway, err.Error()
			}
			msg := websocket.FormatCloseMessage(code, reason)
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			// unblock the reader
			conn.Close()
			return
		}
	}
}
