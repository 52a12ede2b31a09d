package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mylg-studio/chatsync/internal/conversation"
	"github.com/mylg-studio/chatsync/internal/envelope"
	"github.com/mylg-studio/chatsync/internal/model"
	"github.com/mylg-studio/chatsync/internal/transport"
)

// OpenConversation renders the conversation from the local cache right away and
// reconciles the server history in the background. It also announces the
// conversation as active.
func (s *MessageService) OpenConversation(ctx context.Context, conversationID string) (*model.ConversationSnapshot, error) {
	id := conversation.Canonicalize(conversationID)

	fromCache, err := s.store.LoadFromCache(ctx, id)
	if err != nil {
		s.logger.WithConversation(id, s.userID).Warn("failed to read conversation cache", zap.Error(err))
	}

	s.SetActiveConversation(id)

	if s.history != nil && s.track() {
		go func() {
			defer s.wg.Done()
			if _, err := s.SyncHistory(s.ctx, id); err != nil {
				s.logger.WithConversation(id, s.userID).Warn("history fetch failed", zap.Error(err))
			}
		}()
	}

	return &model.ConversationSnapshot{
		ConversationID:   id,
		ConversationType: string(conversation.TypeOf(id)),
		Messages:         s.store.Snapshot(id),
		FromCache:        fromCache,
	}, nil
}

// SyncHistory fetches the server history and reconciles it into the store. DM
// conversations are marked read once their history is loaded.
func (s *MessageService) SyncHistory(ctx context.Context, conversationID string) ([]model.Message, error) {
	id := conversation.Canonicalize(conversationID)
	if s.history == nil {
		return s.store.Snapshot(id), nil
	}

	msgs, err := s.history.Fetch(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history for %s: %w", id, err)
	}
	merged := s.store.Merge(ctx, id, msgs...)

	if conversation.TypeOf(id) == conversation.TypeDM {
		if err := s.MarkRead(id); err != nil {
			s.logger.WithConversation(id, s.userID).Debug("read receipt not sent", zap.Error(err))
		}
	}
	return merged, nil
}

// SetActiveConversation tells the server which conversation is in view. When the
// connection is not open the frame is sent on the next open event instead; a later
// call replaces an earlier pending one.
func (s *MessageService) SetActiveConversation(conversationID string) {
	id := conversation.Canonicalize(conversationID)
	a := &activeAnnouncement{conversationID: id, env: envelope.SetActiveConversation(id, s.userID)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	prev := s.pendingActive
	s.pendingActive = a
	s.mu.Unlock()
	s.dropAnnouncement(prev)

	if s.conn.ReadyState() == transport.Open {
		if err := s.sendOnce(id, a.env); err == nil {
			s.mu.Lock()
			if s.pendingActive == a {
				s.pendingActive = nil
			}
			a.done = true
			s.mu.Unlock()
			return
		}
	}

	remove := s.conn.AddEventListener(transport.EventOpen, func([]byte) { s.announce(a) })

	s.mu.Lock()
	if a.done {
		s.mu.Unlock()
		remove()
		return
	}
	a.remove = remove
	s.mu.Unlock()
}

// activeAnnouncement is one pending setActiveConversation frame. Fields are guarded
// by the service mutex.
type activeAnnouncement struct {
	conversationID string
	env            envelope.Envelope
	remove         func()
	done           bool
}

// announce sends a on the first open event, unless it was replaced in the meantime.
func (s *MessageService) announce(a *activeAnnouncement) {
	s.mu.Lock()
	if a.done || s.pendingActive != a {
		s.mu.Unlock()
		return
	}
	a.done = true
	s.pendingActive = nil
	remove := a.remove
	s.mu.Unlock()

	if remove != nil {
		remove()
	}
	if err := s.sendOnce(a.conversationID, a.env); err != nil {
		s.logger.WithConversation(a.conversationID, s.userID).Warn("failed to announce active conversation", zap.Error(err))
	}
}

// dropAnnouncement retires a replaced or abandoned announcement. A listener that is
// not registered yet is removed by its registering call once it sees done.
func (s *MessageService) dropAnnouncement(a *activeAnnouncement) {
	if a == nil {
		return
	}
	s.mu.Lock()
	a.done = true
	remove := a.remove
	a.remove = nil
	s.mu.Unlock()

	if remove != nil {
		remove()
	}
}

// MarkRead sends a read receipt up to the newest message of the conversation.
func (s *MessageService) MarkRead(conversationID string) error {
	id := conversation.Canonicalize(conversationID)

	var last time.Time
	for _, m := range s.store.Snapshot(id) {
		if m.Timestamp.After(last) {
			last = m.Timestamp
		}
	}
	if last.IsZero() {
		last = s.clock.Now().UTC()
	}
	return s.sendOnce(id, envelope.MarkRead(id, s.userID, last))
}
