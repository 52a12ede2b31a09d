// Package store holds the per-conversation message lists. Every mutation goes through
// the store's lock, is reconciled by identity and is written through to the TTL cache.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mylg-studio/chatsync/internal/cache"
	"github.com/mylg-studio/chatsync/internal/conversation"
	"github.com/mylg-studio/chatsync/internal/model"
	"github.com/mylg-studio/chatsync/internal/reconcile"
	"github.com/mylg-studio/chatsync/pkg/logger"
	"github.com/mylg-studio/chatsync/pkg/metrics"
)

// ErrUnknownMessage is returned when an id matches no message in the conversation.
var ErrUnknownMessage = errors.New("unknown message")

// Listener receives a copy of the conversation after each change.
type Listener func(model.ChangeEvent)

// Store is safe for concurrent use.
type Store struct {
	mu            sync.Mutex
	conversations map[string][]model.Message
	deleted       map[string]struct{}
	listeners     map[int]Listener
	nextListener  int

	cache cache.Store
	ttl   time.Duration
	log   *logger.Logger
}

// New creates a store. A nil cache disables write-through.
func New(c cache.Store, ttl time.Duration, log *logger.Logger) *Store {
	return &Store{
		conversations: make(map[string][]model.Message),
		deleted:       make(map[string]struct{}),
		listeners:     make(map[int]Listener),
		cache:         c,
		ttl:           ttl,
		log:           logger.OrGlobal(log).Named("store"),
	}
}

// OnChange registers l and returns a function that unregisters it.
func (s *Store) OnChange(l Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = l
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// Snapshot returns a copy of the conversation's messages.
func (s *Store) Snapshot(conversationID string) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneAll(s.conversations[conversation.Canonicalize(conversationID)])
}

// Find returns the message whose message id or optimistic id equals id.
func (s *Store) Find(conversationID, id string) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.conversations[conversation.Canonicalize(conversationID)]
	if i := indexOf(msgs, id); i >= 0 {
		return msgs[i].Clone(), true
	}
	return model.Message{}, false
}

// Merge reconciles incoming into the conversation and returns the resulting list.
// Messages whose ids were deleted are dropped.
func (s *Store) Merge(ctx context.Context, conversationID string, incoming ...model.Message) []model.Message {
	id := conversation.Canonicalize(conversationID)

	s.mu.Lock()
	prev := s.conversations[id]
	kept := make([]model.Message, 0, len(incoming))
	for _, m := range incoming {
		if s.isDeletedLocked(m) {
			continue
		}
		kept = append(kept, m.Clone())
	}
	if n := countReconciled(prev, kept); n > 0 {
		metrics.ReconciledTotal.Add(float64(n))
	}
	next := reconcile.Merge(prev, kept)
	s.conversations[id] = next
	s.persistLocked(ctx, id, next)
	ev, listeners := s.eventLocked(id, model.ChangeMerged)
	s.mu.Unlock()

	notify(listeners, ev)
	return ev.Messages
}

// Update applies fn to the message identified by messageOrOptimisticID.
func (s *Store) Update(ctx context.Context, conversationID, messageOrOptimisticID string, fn func(*model.Message)) (model.Message, error) {
	id := conversation.Canonicalize(conversationID)

	s.mu.Lock()
	msgs := s.conversations[id]
	i := indexOf(msgs, messageOrOptimisticID)
	if i < 0 {
		s.mu.Unlock()
		return model.Message{}, ErrUnknownMessage
	}
	fn(&msgs[i])
	updated := msgs[i].Clone()
	reason := model.ChangeUpdated
	if updated.State == model.StateTombstoned {
		reason = model.ChangeTombstoned
	}
	s.persistLocked(ctx, id, msgs)
	ev, listeners := s.eventLocked(id, reason)
	s.mu.Unlock()

	notify(listeners, ev)
	return updated, nil
}

// UpdateWhere applies fn to every message matching match and returns the updated copies.
func (s *Store) UpdateWhere(ctx context.Context, conversationID string, match func(model.Message) bool, fn func(*model.Message)) []model.Message {
	id := conversation.Canonicalize(conversationID)

	s.mu.Lock()
	msgs := s.conversations[id]
	var updated []model.Message
	for i := range msgs {
		if match(msgs[i]) {
			fn(&msgs[i])
			updated = append(updated, msgs[i].Clone())
		}
	}
	if len(updated) == 0 {
		s.mu.Unlock()
		return nil
	}
	s.persistLocked(ctx, id, msgs)
	ev, listeners := s.eventLocked(id, model.ChangeTombstoned)
	s.mu.Unlock()

	notify(listeners, ev)
	return updated
}

// Remove deletes the message identified by messageOrOptimisticID.
func (s *Store) Remove(ctx context.Context, conversationID, messageOrOptimisticID string) (model.Message, bool) {
	id := conversation.Canonicalize(conversationID)

	s.mu.Lock()
	msgs := s.conversations[id]
	i := indexOf(msgs, messageOrOptimisticID)
	if i < 0 {
		s.mu.Unlock()
		return model.Message{}, false
	}
	removed := msgs[i]
	next := make([]model.Message, 0, len(msgs)-1)
	next = append(next, msgs[:i]...)
	next = append(next, msgs[i+1:]...)
	s.conversations[id] = next
	s.persistLocked(ctx, id, next)
	ev, listeners := s.eventLocked(id, model.ChangeRemoved)
	ev.Removed = []model.Message{removed.Clone()}
	s.mu.Unlock()

	notify(listeners, ev)
	return removed, true
}

// MarkDeleted remembers ids so later merges cannot resurrect them.
func (s *Store) MarkDeleted(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if id != "" {
			s.deleted[id] = struct{}{}
		}
	}
}

// IsDeleted reports whether id was marked deleted.
func (s *Store) IsDeleted(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.deleted[id]
	return ok
}

// LoadFromCache merges the cached copy of the conversation, if any, and reports
// whether one was found.
func (s *Store) LoadFromCache(ctx context.Context, conversationID string) (bool, error) {
	if s.cache == nil {
		return false, nil
	}
	id := conversation.Canonicalize(conversationID)

	var cached []model.Message
	ok, err := cache.GetJSON(ctx, s.cache, cache.MessagesKey(id), &cached)
	if err != nil || !ok {
		return false, err
	}

	s.mu.Lock()
	kept := make([]model.Message, 0, len(cached))
	for _, m := range cached {
		if !s.isDeletedLocked(m) {
			kept = append(kept, m)
		}
	}
	s.conversations[id] = reconcile.Merge(kept, s.conversations[id])
	ev, listeners := s.eventLocked(id, model.ChangeLoaded)
	s.mu.Unlock()

	notify(listeners, ev)
	return true, nil
}

func (s *Store) isDeletedLocked(m model.Message) bool {
	if _, ok := s.deleted[m.MessageID]; ok && m.MessageID != "" {
		return true
	}
	if _, ok := s.deleted[m.OptimisticID]; ok && m.OptimisticID != "" {
		return true
	}
	return false
}

func (s *Store) persistLocked(ctx context.Context, id string, msgs []model.Message) {
	if s.cache == nil {
		return
	}
	if err := cache.SetJSON(ctx, s.cache, cache.MessagesKey(id), msgs, s.ttl); err != nil {
		s.log.Warn("failed to write conversation to cache",
			zap.String("conversation_id", id),
			zap.Error(err),
		)
	}
}

func (s *Store) eventLocked(id string, reason model.ChangeReason) (model.ChangeEvent, []Listener) {
	ev := model.ChangeEvent{
		ConversationID: id,
		Reason:         reason,
		Messages:       cloneAll(s.conversations[id]),
	}
	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	return ev, listeners
}

func notify(listeners []Listener, ev model.ChangeEvent) {
	for _, l := range listeners {
		l(ev)
	}
}

func indexOf(msgs []model.Message, id string) int {
	if id == "" {
		return -1
	}
	for i, m := range msgs {
		if m.HasID(id) {
			return i
		}
	}
	return -1
}

func countReconciled(prev, incoming []model.Message) int {
	optimistic := make(map[string]struct{})
	for _, m := range prev {
		if m.MessageID == "" && m.OptimisticID != "" {
			optimistic[m.OptimisticID] = struct{}{}
		}
	}
	n := 0
	for _, m := range incoming {
		if m.MessageID == "" || m.OptimisticID == "" {
			continue
		}
		if _, ok := optimistic[m.OptimisticID]; ok {
			n++
		}
	}
	return n
}

func cloneAll(msgs []model.Message) []model.Message {
	if msgs == nil {
		return nil
	}
	out := make([]model.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}
