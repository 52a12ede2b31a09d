// Package service implements the optimistic send pipeline and inbound reconciliation
// for DM and project conversations.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mylg-studio/chatsync/internal/clock"
	"github.com/mylg-studio/chatsync/internal/conversation"
	"github.com/mylg-studio/chatsync/internal/envelope"
	"github.com/mylg-studio/chatsync/internal/history"
	"github.com/mylg-studio/chatsync/internal/model"
	"github.com/mylg-studio/chatsync/internal/retry"
	"github.com/mylg-studio/chatsync/internal/store"
	"github.com/mylg-studio/chatsync/internal/transport"
	"github.com/mylg-studio/chatsync/internal/upload"
	"github.com/mylg-studio/chatsync/pkg/logger"
	"github.com/mylg-studio/chatsync/pkg/metrics"
)

// ErrTransientDelivery is logged when a frame could not be written before the retry
// budget ran out.
var ErrTransientDelivery = errors.New("transport not open, delivery abandoned")

// ErrNotConfirmed is returned when an edit targets a message the server has not
// assigned an id to yet.
var ErrNotConfirmed = errors.New("message not confirmed yet")

// Options wires a MessageService.
type Options struct {
	UserID   string
	Conn     transport.Conn
	Store    *store.Store
	Uploader upload.Uploader
	History  history.Fetcher
	Clock    clock.Clock
	Retry    retry.Policy
	Logger   *logger.Logger
}

// MessageService owns outgoing message delivery and applies inbound frames.
type MessageService struct {
	userID   string
	conn     transport.Conn
	store    *store.Store
	uploader upload.Uploader
	history  history.Fetcher
	clock    clock.Clock
	policy   retry.Policy
	logger   *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	tasks         map[*retry.Task]string
	pendingActive *activeAnnouncement
	closed        bool

	detach func()
}

// NewMessageService creates the service and starts listening for inbound frames.
func NewMessageService(opts Options) *MessageService {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Retry.MaxAttempts == 0 && opts.Retry.Interval == 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &MessageService{
		userID:   opts.UserID,
		conn:     opts.Conn,
		store:    opts.Store,
		uploader: opts.Uploader,
		history:  opts.History,
		clock:    opts.Clock,
		policy:   opts.Retry,
		logger:   logger.OrGlobal(opts.Logger).Named("messages"),
		ctx:      ctx,
		cancel:   cancel,
		tasks:    make(map[*retry.Task]string),
	}
	s.detach = s.conn.AddEventListener(transport.EventMessage, s.HandleFrame)
	return s
}

// Send creates an optimistic message, shows it immediately and delivers it in the
// background. It returns the optimistic id.
func (s *MessageService) Send(conversationID, text string) string {
	id := conversation.Canonicalize(conversationID)
	msg := model.Message{
		OptimisticID:   s.newOptimisticID(),
		ConversationID: id,
		SenderID:       s.userID,
		Text:           text,
		Timestamp:      s.clock.Now().UTC(),
		State:          model.StatePending,
	}

	s.store.Merge(s.ctx, id, msg)
	s.deliver(id, msg.OptimisticID, envelope.Normalize(envelope.SendMessage(msg), envelope.ActionSendMessage))
	return msg.OptimisticID
}

// SendAttachment shows a placeholder for the file, uploads it and, once stored,
// delivers the message. A failed upload removes the placeholder.
func (s *MessageService) SendAttachment(conversationID, fileName string, data []byte, contentType string) string {
	id := conversation.Canonicalize(conversationID)
	oid := s.newOptimisticID()
	key := upload.ObjectKey(id, fileName)
	placeholder := upload.PlaceholderURL(oid, fileName)

	msg := model.Message{
		OptimisticID:   oid,
		ConversationID: id,
		SenderID:       s.userID,
		Text:           placeholder,
		Timestamp:      s.clock.Now().UTC(),
		Attachments:    []model.Attachment{{FileName: fileName, URL: placeholder, Key: key}},
		State:          model.StatePending,
	}
	s.store.Merge(s.ctx, id, msg)

	if !s.track() {
		return oid
	}
	go func() {
		defer s.wg.Done()
		s.uploadAndDeliver(msg, key, data, contentType)
	}()
	return oid
}

func (s *MessageService) uploadAndDeliver(msg model.Message, key string, data []byte, contentType string) {
	log := s.logger.WithConversation(msg.ConversationID, s.userID)

	if s.uploader == nil {
		s.rollback(msg, fmt.Errorf("%w: no uploader configured", upload.ErrUpload))
		return
	}
	if err := s.uploader.Upload(s.ctx, key, data, contentType); err != nil {
		s.rollback(msg, err)
		return
	}

	url := s.uploader.ResolveURL(key)
	updated, err := s.store.Update(s.ctx, msg.ConversationID, msg.OptimisticID, func(m *model.Message) {
		m.Text = url
		m.Attachments = []model.Attachment{{FileName: msg.Attachments[0].FileName, URL: url, Key: key}}
		if m.State == model.StatePending {
			m.State = model.StateDelivered
		}
	})
	if err != nil {
		log.Warn("uploaded attachment no longer in store",
			zap.String("optimistic_id", msg.OptimisticID),
			zap.Error(err),
		)
		return
	}

	env := envelope.SendMessage(updated)
	env["text"] = ""
	s.deliver(msg.ConversationID, msg.OptimisticID, envelope.Normalize(env, envelope.ActionSendMessage))
}

func (s *MessageService) rollback(msg model.Message, err error) {
	if !errors.Is(err, upload.ErrUpload) {
		err = fmt.Errorf("%w: %w", upload.ErrUpload, err)
	}
	s.store.Remove(s.ctx, msg.ConversationID, msg.OptimisticID)
	s.logger.WithConversation(msg.ConversationID, s.userID).Error("attachment upload failed, placeholder rolled back",
		zap.String("optimistic_id", msg.OptimisticID),
		zap.String("state", string(model.StateRolledBack)),
		zap.Error(err),
	)
}

// deliver writes env under a bounded retry task. A successful write moves the
// message from pending to delivered; confirmation only comes from a broadcast.
func (s *MessageService) deliver(conversationID, optimisticID string, env envelope.Envelope) {
	action := string(env.Action())
	log := s.logger.WithConversation(conversationID, s.userID).With(zap.String("optimistic_id", optimisticID))

	frame, err := env.Encode()
	if err != nil {
		log.Error("failed to encode frame", zap.Error(err))
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pruneLocked()
	s.mu.Unlock()

	op := func(attempt int) bool {
		if s.store.IsDeleted(optimisticID) {
			log.Debug("message deleted before delivery, dropping frame")
			return true
		}
		state := s.conn.ReadyState()
		if state != transport.Open {
			metrics.RecordSendAttempt(action, "not_open")
			log.Debug("connection not open, will retry",
				zap.Int("attempt", attempt),
				zap.Stringer("ready_state", state),
			)
			if state != transport.Connecting {
				if err := s.conn.Close(); err != nil {
					log.Warn("failed to close connection for reconnect", zap.Error(err))
				}
			}
			return false
		}

		if err := s.conn.Send(frame); err != nil {
			if errors.Is(err, transport.ErrConnNotOpen) {
				metrics.RecordSendAttempt(action, "not_open")
				return false
			}
			metrics.RecordSendAttempt(action, "error")
			log.Error("failed to write frame", zap.Int("attempt", attempt), zap.Error(err))
			return true
		}

		metrics.RecordSendAttempt(action, "success")
		_, err := s.store.Update(s.ctx, conversationID, optimisticID, func(m *model.Message) {
			if m.State == model.StatePending {
				m.State = model.StateDelivered
			}
		})
		if err != nil {
			log.Debug("delivered message already gone from store", zap.Error(err))
		}
		return true
	}

	onExhaust := func(attempts int) {
		metrics.SendsAbandonedTotal.WithLabelValues(string(conversation.TypeOf(conversationID))).Inc()
		log.Warn("giving up on message delivery",
			zap.Int("attempts", attempts),
			zap.Error(ErrTransientDelivery),
		)
	}

	task := retry.Start(s.ctx, s.clock, s.policy, op, onExhaust)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		task.Cancel()
		return
	}
	s.tasks[task] = optimisticID
	s.mu.Unlock()
}

// pruneLocked drops finished retry tasks. Caller holds mu.
func (s *MessageService) pruneLocked() {
	for t := range s.tasks {
		select {
		case <-t.Done():
			delete(s.tasks, t)
		default:
		}
	}
}

// cancelDelivery stops the retry task still delivering any of the optimistic ids.
func (s *MessageService) cancelDelivery(optimisticIDs ...string) {
	var cancel []*retry.Task
	s.mu.Lock()
	for t, oid := range s.tasks {
		for _, id := range optimisticIDs {
			if id != "" && id == oid {
				cancel = append(cancel, t)
				delete(s.tasks, t)
				break
			}
		}
	}
	s.mu.Unlock()

	for _, t := range cancel {
		t.Cancel()
	}
}

// PendingDeliveries returns the number of retry tasks still running.
func (s *MessageService) PendingDeliveries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	return len(s.tasks)
}

// Edit replaces a message's text locally and sends the edit once if the connection
// is open. There is no retry and no rollback. Messages still waiting for their
// server id cannot be edited.
func (s *MessageService) Edit(conversationID, messageID, text string) error {
	id := conversation.Canonicalize(conversationID)

	current, ok := s.store.Find(id, messageID)
	if !ok {
		return fmt.Errorf("failed to edit %s: %w", messageID, store.ErrUnknownMessage)
	}
	if current.MessageID == "" {
		return fmt.Errorf("failed to edit %s: %w", messageID, ErrNotConfirmed)
	}

	now := s.clock.Now().UTC()
	updated, err := s.store.Update(s.ctx, id, current.MessageID, func(m *model.Message) {
		if m.State == model.StateTombstoned {
			return
		}
		m.Text = text
		m.Edited = true
		m.EditedAt = &now
		if text == model.DeletionMarker {
			tombstone(m, now)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to edit %s: %w", messageID, err)
	}
	if updated.MessageID == "" || updated.Text != text {
		return nil
	}
	return s.sendOnce(id, envelope.EditMessage(id, updated.MessageID, updated.Text, now))
}

// Delete removes a message locally, remembers its ids so it cannot reappear and
// sends the delete once if the connection is open.
func (s *MessageService) Delete(conversationID, messageID string) error {
	id := conversation.Canonicalize(conversationID)

	removed, ok := s.store.Remove(s.ctx, id, messageID)
	s.store.MarkDeleted(messageID, removed.MessageID, removed.OptimisticID)
	s.cancelDelivery(messageID, removed.OptimisticID)
	if !ok {
		return fmt.Errorf("failed to delete %s: %w", messageID, store.ErrUnknownMessage)
	}
	if removed.MessageID == "" {
		return nil
	}
	return s.sendOnce(id, envelope.DeleteMessage(id, removed.MessageID))
}

// ToggleReaction adds or removes the user's emoji reaction.
func (s *MessageService) ToggleReaction(conversationID, messageID, emoji string) error {
	id := conversation.Canonicalize(conversationID)

	updated, err := s.store.Update(s.ctx, id, messageID, func(m *model.Message) {
		if m.Reactions == nil {
			m.Reactions = make(model.Reactions)
		}
		m.Reactions.Toggle(emoji, s.userID)
		if len(m.Reactions[emoji]) == 0 {
			delete(m.Reactions, emoji)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to toggle reaction on %s: %w", messageID, err)
	}
	return s.sendOnce(id, envelope.ToggleReaction(id, updated.Key(), emoji, s.userID))
}

// StripFileReferences tombstones every message in the conversation that points at
// one of urls, and tells the server about those it knows. It returns how many
// messages were tombstoned.
func (s *MessageService) StripFileReferences(conversationID string, urls []string) int {
	id := conversation.Canonicalize(conversationID)
	now := s.clock.Now().UTC()

	updated := s.store.UpdateWhere(s.ctx, id,
		func(m model.Message) bool {
			if m.State == model.StateTombstoned {
				return false
			}
			for _, u := range urls {
				if m.References(u) {
					return true
				}
			}
			return false
		},
		func(m *model.Message) { tombstone(m, now) },
	)

	for _, m := range updated {
		if m.MessageID == "" {
			continue
		}
		if err := s.sendOnce(id, envelope.EditMessage(id, m.MessageID, model.DeletionMarker, now)); err != nil {
			s.logger.WithConversation(id, s.userID).Debug("tombstone edit not sent",
				zap.String("message_id", m.MessageID),
				zap.Error(err),
			)
		}
	}
	return len(updated)
}

func tombstone(m *model.Message, at time.Time) {
	m.Text = model.DeletionMarker
	m.Attachments = nil
	m.Edited = true
	m.EditedAt = &at
	m.State = model.StateTombstoned
}

// sendOnce writes env if the connection is open.
func (s *MessageService) sendOnce(conversationID string, env envelope.Envelope) error {
	action := string(env.Action())
	if s.conn.ReadyState() != transport.Open {
		metrics.RecordSendAttempt(action, "not_open")
		return fmt.Errorf("%s not sent: %w", action, transport.ErrConnNotOpen)
	}
	frame, err := envelope.Normalize(env, env.Action()).Encode()
	if err != nil {
		return err
	}
	if err := s.conn.Send(frame); err != nil {
		metrics.RecordSendAttempt(action, "error")
		return fmt.Errorf("failed to send %s for %s: %w", action, conversationID, err)
	}
	metrics.RecordSendAttempt(action, "success")
	return nil
}

// track registers a background goroutine unless the service is closed.
func (s *MessageService) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *MessageService) newOptimisticID() string {
	suffix := uuid.Must(uuid.NewV7()).String()
	return fmt.Sprintf("%d-%s", s.clock.Now().UnixMilli(), suffix[len(suffix)-12:])
}

// Close cancels every pending delivery and waits for uploads and history fetches.
func (s *MessageService) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	tasks := make([]*retry.Task, 0, len(s.tasks))
	for t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.tasks = make(map[*retry.Task]string)
	pending := s.pendingActive
	s.pendingActive = nil
	s.mu.Unlock()
	s.dropAnnouncement(pending)

	for _, t := range tasks {
		t.Cancel()
	}
	s.cancel()
	if s.detach != nil {
		s.detach()
	}
	s.wg.Wait()
}
