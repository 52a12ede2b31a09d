package nats

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/mylg-studio/chatsync/internal/model"
	"github.com/mylg-studio/chatsync/pkg/logger"
)

// Publisher writes messages and deletions to durable history.
type Publisher interface {
	Publish(ctx context.Context, msg model.Message) (uint64, error)
	PublishDeleted(ctx context.Context, conversationID, messageID string) error
}

const (
	archiveBuffer  = 1024
	deletedVersion = "deleted"
)

type archiveJob struct {
	msg     model.Message
	deleted bool
}

// Archiver mirrors confirmed and tombstoned messages into the history stream so that
// StreamManager.Fetch can serve them later, and records removals as delete markers.
// Each distinct version of a message is published once.
type Archiver struct {
	pub    Publisher
	logger *logger.Logger
	queue  chan archiveJob

	mu   sync.Mutex
	seen map[string]string
}

// NewArchiver creates an archiver publishing through pub.
func NewArchiver(pub Publisher, log *logger.Logger) *Archiver {
	return &Archiver{
		pub:    pub,
		logger: logger.OrGlobal(log).Named("archive"),
		queue:  make(chan archiveJob, archiveBuffer),
		seen:   make(map[string]string),
	}
}

// Observe is a store change listener. It never blocks; when the queue is full the
// message is dropped and picked up on its next change.
func (a *Archiver) Observe(ev model.ChangeEvent) {
	for _, m := range ev.Removed {
		if m.MessageID != "" {
			a.enqueue(ev.ConversationID, archiveJob{msg: m.Clone(), deleted: true}, deletedVersion)
		}
	}
	for _, m := range ev.Messages {
		if m.MessageID == "" || (m.State != model.StateConfirmed && m.State != model.StateTombstoned) {
			continue
		}
		a.enqueue(ev.ConversationID, archiveJob{msg: m.Clone()}, versionOf(m))
	}
}

func (a *Archiver) enqueue(conversationID string, job archiveJob, version string) {
	id := job.msg.MessageID
	if job.msg.ConversationID == "" {
		job.msg.ConversationID = conversationID
	}

	a.mu.Lock()
	if prev := a.seen[id]; prev == version || prev == deletedVersion {
		a.mu.Unlock()
		return
	}
	a.seen[id] = version
	a.mu.Unlock()

	select {
	case a.queue <- job:
	default:
		a.forget(id)
		a.logger.Warn("archive queue full, dropping message", zap.String("message_id", id))
	}
}

// Run publishes queued messages until ctx is done.
func (a *Archiver) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-a.queue:
			m := job.msg
			var err error
			if job.deleted {
				err = a.pub.PublishDeleted(ctx, m.ConversationID, m.MessageID)
			} else {
				_, err = a.pub.Publish(ctx, m)
			}
			if err != nil {
				a.forget(m.MessageID)
				a.logger.Warn("failed to archive message",
					zap.String("conversation_id", m.ConversationID),
					zap.String("message_id", m.MessageID),
					zap.Bool("deleted", job.deleted),
					zap.Error(err),
				)
			}
		}
	}
}

func (a *Archiver) forget(messageID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.seen, messageID)
}

func versionOf(m model.Message) string {
	v := string(m.State) + "|" + m.Text
	if m.EditedAt != nil {
		v += "|" + m.EditedAt.String()
	}
	return v
}
