package service

import (
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/mylg-studio/chatsync/internal/envelope"
	"github.com/mylg-studio/chatsync/internal/model"
	"github.com/mylg-studio/chatsync/internal/store"
	"github.com/mylg-studio/chatsync/pkg/metrics"
)

// HandleFrame applies one inbound frame from the transport.
func (s *MessageService) HandleFrame(data []byte) {
	env, err := envelope.Decode(data)
	if err != nil {
		metrics.InboundFramesTotal.WithLabelValues("malformed").Inc()
		s.logger.Warn("dropping inbound frame", zap.Error(err))
		return
	}

	action := env.Action()
	switch action {
	case envelope.ActionSendMessage:
		s.applyBroadcast(env)
	case envelope.ActionEditMessage:
		s.applyEdit(env)
	case envelope.ActionDeleteMessage:
		s.applyDelete(env)
	case envelope.ActionToggleReaction:
		s.applyReactions(env)
	default:
		metrics.InboundFramesTotal.WithLabelValues("other").Inc()
		s.logger.Debug("ignoring inbound frame", zap.String("action", string(action)))
		return
	}
	metrics.InboundFramesTotal.WithLabelValues(string(action)).Inc()
}

func (s *MessageService) applyBroadcast(env envelope.Envelope) {
	m, err := env.DecodeMessage()
	if err != nil || m.ConversationID == "" {
		s.logger.Warn("dropping unreadable broadcast", zap.Error(err))
		return
	}
	s.store.Merge(s.ctx, m.ConversationID, m)
}

func (s *MessageService) applyEdit(env envelope.Envelope) {
	m, err := env.DecodeMessage()
	if err != nil || m.ConversationID == "" || m.MessageID == "" {
		s.logger.Warn("dropping unreadable edit", zap.Error(err))
		return
	}
	at := s.clock.Now().UTC()
	if m.EditedAt != nil {
		at = *m.EditedAt
	}

	_, err = s.store.Update(s.ctx, m.ConversationID, m.MessageID, func(existing *model.Message) {
		if existing.State == model.StateTombstoned {
			return
		}
		if m.Text == model.DeletionMarker {
			tombstone(existing, at)
			return
		}
		existing.Text = m.Text
		existing.Edited = true
		existing.EditedAt = &at
	})
	if errors.Is(err, store.ErrUnknownMessage) {
		s.logger.Debug("edit for unknown message",
			zap.String("conversation_id", m.ConversationID),
			zap.String("message_id", m.MessageID),
		)
	}
}

func (s *MessageService) applyDelete(env envelope.Envelope) {
	conv := env.ConversationID()
	ids := []string{env.String("messageId"), env.String("optimisticId")}
	s.store.MarkDeleted(ids...)
	for _, id := range ids {
		if id == "" {
			continue
		}
		if removed, ok := s.store.Remove(s.ctx, conv, id); ok {
			s.store.MarkDeleted(removed.MessageID, removed.OptimisticID)
			return
		}
	}
}

// applyReactions replaces the local reaction set when the broadcast carries the
// authoritative one.
func (s *MessageService) applyReactions(env envelope.Envelope) {
	raw, ok := env["reactions"]
	if !ok {
		return
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return
	}
	var reactions model.Reactions
	if err := json.Unmarshal(data, &reactions); err != nil {
		s.logger.Warn("dropping unreadable reactions", zap.Error(err))
		return
	}

	id := env.String("messageId")
	_, err = s.store.Update(s.ctx, env.ConversationID(), id, func(m *model.Message) {
		m.Reactions = reactions
	})
	if errors.Is(err, store.ErrUnknownMessage) {
		s.logger.Debug("reactions for unknown message", zap.String("message_id", id))
	}
}
