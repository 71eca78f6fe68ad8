package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"convohub/internal/conversation"
	"convohub/internal/logging"
	"convohub/internal/process"
	"convohub/internal/share"
	"convohub/internal/store"
	"convohub/internal/stream"
	"convohub/internal/types"
)

// Handle dispatches one client event. Rejected requests are answered with an error frame to
// that client only.
func (s *Session) Handle(ctx context.Context, clientID, event string, data json.RawMessage) {
	err := s.dispatch(ctx, clientID, event, data)
	if err == nil || errors.Is(err, ErrSessionClosed) {
		return
	}
	logging.SessionDebug("%s from %s rejected: %v", event, clientID, err)
	_ = s.post(func() {
		s.sendToID(clientID, EventError, ErrorPayload{Event: event, Message: err.Error()})
	})
}

func (s *Session) dispatch(ctx context.Context, clientID, event string, data json.RawMessage) error {
	switch event {
	case EventMessageSend:
		var req SendRequest
		if err := decodePayload(data, &req); err != nil {
			return err
		}
		return s.Send(ctx, clientID, req)
	case EventMessageStop:
		return s.Stop(ctx)
	case EventSessionReset:
		return s.Reset(ctx)
	case EventSessionContinue:
		return s.Continue(ctx)
	case EventHistoryList:
		return s.ListHistory(ctx, clientID)
	case EventHistoryLoad, EventHistorySwitch, EventHistoryDelete:
		var req IDRequest
		if err := decodePayload(data, &req); err != nil {
			return err
		}
		switch event {
		case EventHistoryLoad:
			return s.LoadHistory(ctx, clientID, req.ID)
		case EventHistorySwitch:
			return s.SwitchHistory(ctx, req.ID)
		default:
			return s.DeleteHistory(ctx, req.ID)
		}
	case EventDocsList:
		return s.ListDocs(ctx, clientID)
	case EventCommandsList:
		return s.ListCommands(ctx, clientID)
	case EventShareRegister, EventShareSync:
		var req ShareRequest
		if err := decodePayload(data, &req); err != nil {
			return err
		}
		if event == EventShareRegister {
			return s.Register(ctx, clientID, req)
		}
		return s.Sync(ctx, clientID, req)
	case EventAutoConfirm:
		var req AutoConfirmRequest
		if err := decodePayload(data, &req); err != nil {
			return err
		}
		return s.SetAutoConfirm(ctx, req.Enabled)
	default:
		return fmt.Errorf("unknown event %q", event)
	}
}

func decodePayload(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

// Send starts a turn. It fails with ErrBusy while a generation, or the stop of one, is in flight.
func (s *Session) Send(ctx context.Context, clientID string, req SendRequest) error {
	if strings.TrimSpace(req.Message) == "" && len(req.Attachments) == 0 {
		return ErrEmptyMessage
	}
	line, err := stream.EncodeUserTurn(req.Message, req.Attachments)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	return s.call(ctx, func() error {
		if s.generating || s.acc.Streaming() || s.assistant.State() == process.StateGenerating {
			return ErrBusy
		}

		msg := types.Message{Content: req.Message, SenderID: req.SenderID, Attachments: req.Attachments}
		if req.SenderID != "" {
			if u, ok := s.registry.Lookup(req.SenderID); ok {
				msg.SenderNickname = u.Nickname
				s.registry.Touch(req.SenderID)
			}
		}
		mut, err := s.acc.BeginTurn(msg)
		if errors.Is(err, conversation.ErrStreaming) {
			return ErrBusy
		}
		if err != nil {
			return err
		}

		s.persist(mut.Message)
		s.broadcast(EventUserMessage, mut.Message, clientID)
		s.generating = true
		s.stopping = false
		s.awaiting = nil
		s.disarmIdle()

		if err := s.assistant.BeginTurn(s.ctx, line); err != nil {
			s.generating = false
			s.turnFailed(err)
			s.broadcastStatus()
			s.armIdle()
			return err
		}
		s.broadcastStatus()
		return nil
	})
}

// Stop interrupts the running generation. The streaming message is closed immediately.
func (s *Session) Stop(ctx context.Context) error {
	return s.call(ctx, func() error {
		if !s.generating {
			return nil
		}
		s.interrupt(conversation.StopMarker)
		return nil
	})
}

// Reset terminates the assistant, forgets its context and starts a new conversation.
func (s *Session) Reset(ctx context.Context) error {
	return s.call(ctx, func() error {
		s.startFresh(ctx)
		s.broadcast(EventHistoryLoaded, s.acc.Snapshot(), "")
		s.broadcastStatus()
		s.armIdle()
		logging.Session("%s reset to conversation %s", s.project, s.acc.Conversation().ID)
		return nil
	})
}

// Continue restarts the assistant so it resumes the conversation's context.
func (s *Session) Continue(ctx context.Context) error {
	return s.call(ctx, func() error {
		for _, m := range s.acc.Stop() {
			s.publish(m)
		}
		s.generating = false
		s.stopping = false
		s.awaiting = nil
		err := s.assistant.Continue(s.ctx)
		if err != nil {
			s.turnFailed(err)
		}
		s.broadcastStatus()
		s.armIdle()
		return err
	})
}

// ListHistory sends the project's conversation summaries to one client.
func (s *Session) ListHistory(ctx context.Context, clientID string) error {
	list, err := s.hub.opts.Store.List(ctx, s.project)
	if err != nil {
		return fmt.Errorf("list history: %w", err)
	}
	return s.call(ctx, func() error {
		s.sendToID(clientID, EventHistoryList, list)
		return nil
	})
}

// LoadHistory sends one conversation to one client without switching to it. An empty id
// sends the live conversation.
func (s *Session) LoadHistory(ctx context.Context, clientID, id string) error {
	return s.call(ctx, func() error {
		if id == "" || id == s.acc.Conversation().ID {
			s.sendToID(clientID, EventHistoryLoaded, s.acc.Snapshot())
			return nil
		}
		conv, err := s.hub.opts.Store.Load(ctx, s.project, id)
		if err != nil {
			return fmt.Errorf("load conversation %s: %w", id, err)
		}
		s.sendToID(clientID, EventHistoryLoaded, conv)
		return nil
	})
}

// SwitchHistory makes another conversation live for every client and resumes its context.
func (s *Session) SwitchHistory(ctx context.Context, id string) error {
	return s.call(ctx, func() error {
		if s.generating {
			return ErrBusy
		}
		conv, err := s.hub.opts.Store.Switch(ctx, s.project, id)
		if err != nil {
			return fmt.Errorf("switch to %s: %w", id, err)
		}
		s.assistant.Reset()
		s.assistant.SetResumeToken(conv.ExternalSessionID)
		s.guard.Reset()
		s.awaiting = nil
		s.acc = conversation.New(conv)
		s.persisted = true

		s.broadcast(EventHistorySwitched, s.acc.Snapshot(), "")
		s.broadcastStatus()
		logging.Session("%s switched to conversation %s", s.project, id)
		return nil
	})
}

// DeleteHistory removes a conversation. Deleting the live one starts a fresh conversation.
func (s *Session) DeleteHistory(ctx context.Context, id string) error {
	return s.call(ctx, func() error {
		current := id == s.acc.Conversation().ID
		if current && s.generating {
			return ErrBusy
		}
		err := s.hub.opts.Store.Delete(ctx, s.project, id)
		if errors.Is(err, store.ErrNotFound) && current && !s.persisted {
			err = nil
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			logging.SessionWarn("deleting conversation %s: %v", id, err)
		}
		s.broadcast(EventHistoryDeleted, DeletedPayload{ID: id, Success: err == nil}, "")
		if err == nil && current {
			s.startFresh(ctx)
			s.broadcast(EventHistoryLoaded, s.acc.Snapshot(), "")
			s.broadcastStatus()
		}
		return nil
	})
}

// ListDocs sends the project's documents to one client.
func (s *Session) ListDocs(ctx context.Context, clientID string) error {
	docs, err := s.hub.opts.Catalog.Docs(ctx, s.project)
	if err != nil {
		return err
	}
	return s.call(ctx, func() error {
		s.sendToID(clientID, EventDocsList, docs)
		return nil
	})
}

// ListCommands sends the available slash commands to one client.
func (s *Session) ListCommands(ctx context.Context, clientID string) error {
	cmds, err := s.hub.opts.Catalog.Commands(ctx, s.project)
	if err != nil {
		return err
	}
	return s.call(ctx, func() error {
		s.sendToID(clientID, EventCommandsList, cmds)
		return nil
	})
}

// Register claims a nickname for a user and announces the user to the others.
func (s *Session) Register(ctx context.Context, clientID string, req ShareRequest) error {
	return s.call(ctx, func() error {
		u, err := s.registry.Register(req.UserID, req.Nickname)
		if errors.Is(err, share.ErrNicknameTaken) {
			s.sendToID(clientID, EventShareNicknameTaken, NicknamePayload{Nickname: req.Nickname})
			return nil
		}
		if err != nil {
			return err
		}
		s.sendToID(clientID, EventShareRegistered, u)
		s.broadcast(EventShareUserJoined, u, clientID)
		s.broadcast(EventShareUsers, s.registry.Users(), "")
		return nil
	})
}

// Sync reconciles the identity a reconnecting client remembers.
func (s *Session) Sync(ctx context.Context, clientID string, req ShareRequest) error {
	return s.call(ctx, func() error {
		status, u, err := s.registry.Sync(req.UserID, req.Nickname)
		if errors.Is(err, share.ErrNicknameConflict) {
			s.sendToID(clientID, EventShareSynced, SyncedPayload{Status: "conflict"})
			return nil
		}
		if err != nil {
			return err
		}
		s.sendToID(clientID, EventShareSynced, SyncedPayload{Status: string(status), User: &u})
		if status == share.SyncRegistered {
			s.broadcast(EventShareUserJoined, u, clientID)
			s.broadcast(EventShareUsers, s.registry.Users(), "")
		}
		return nil
	})
}

// SetAutoConfirm persists the project's critical file confirmation setting.
func (s *Session) SetAutoConfirm(ctx context.Context, enabled bool) error {
	return s.call(ctx, func() error {
		if err := s.guard.SetAutoConfirm(enabled); err != nil {
			return err
		}
		s.autoConfirmChanged(enabled)
		return nil
	})
}

// Snapshot returns a copy of the live conversation.
func (s *Session) Snapshot(ctx context.Context) (*types.Conversation, error) {
	var conv *types.Conversation
	err := s.call(ctx, func() error {
		conv = s.acc.Snapshot()
		return nil
	})
	return conv, err
}

// Stats describes the session.
func (s *Session) Stats(ctx context.Context) (SessionStats, error) {
	var st SessionStats
	err := s.call(ctx, func() error {
		conv := s.acc.Conversation()
		st = SessionStats{
			ProjectPath:    s.project,
			ConversationID: conv.ID,
			Clients:        len(s.clients),
			Users:          s.registry.Len(),
			State:          s.assistant.State().String(),
			Processing:     s.generating,
			Messages:       len(conv.Messages),
		}
		return nil
	})
	return st, err
}
