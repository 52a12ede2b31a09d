package nats

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/mylg-studio/chatsync/internal/conversation"
	"github.com/mylg-studio/chatsync/internal/model"
)

const (
	// StreamName is the name of the message history stream.
	StreamName = "CHATSYNC_MESSAGES"

	// DefaultSubjectPrefix prefixes every subject used by the engine.
	DefaultSubjectPrefix = "chatsync"

	// DeletedHeader marks a history entry recording that a message was deleted.
	DeletedHeader = "Chatsync-Deleted"

	defaultFetchLimit = 500
	fetchBatchSize    = 256
)

// ErrNoMessageID is returned when publishing a message the server has not
// confirmed yet.
var ErrNoMessageID = errors.New("message has no server id")

// OutboundSubject is where the engine publishes frames.
func OutboundSubject(prefix string) string {
	return prefix + ".frames.out"
}

// InboxSubject is where frames addressed to userID arrive.
func InboxSubject(prefix, userID string) string {
	return fmt.Sprintf("%s.inbox.%s", prefix, subjectToken(userID))
}

// MessageSubject returns the history subject of one message. The stream keeps only
// the latest entry per subject, so each message has exactly one current version.
func MessageSubject(prefix, conversationID, messageID string) string {
	return fmt.Sprintf("%s.conv.%s.msg.%s", prefix,
		subjectToken(conversation.Canonicalize(conversationID)), subjectToken(messageID))
}

// ConversationFilter returns the filter subject for all history of a conversation.
func ConversationFilter(prefix, conversationID string) string {
	return fmt.Sprintf("%s.conv.%s.>", prefix, subjectToken(conversation.Canonicalize(conversationID)))
}

// subjectToken makes an id safe as a single subject token; ids contain '#' and may
// contain '.'.
func subjectToken(id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

// StreamManager handles JetStream stream operations.
type StreamManager struct {
	client *Client
	prefix string
	limit  int
}

// NewStreamManager creates a new stream manager.
func NewStreamManager(client *Client, prefix string) *StreamManager {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &StreamManager{client: client, prefix: prefix, limit: defaultFetchLimit}
}

// EnsureStream creates the history stream or brings an existing one up to date.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	_, err := m.client.JetStream().CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:              StreamName,
		Subjects:          []string{m.prefix + ".conv.>"},
		Retention:         jetstream.LimitsPolicy,
		MaxMsgsPerSubject: 1,
		MaxAge:            365 * 24 * time.Hour,
		Storage:           jetstream.FileStorage,
		Replicas:          1,
		Compression:       jetstream.S2Compression,
		Description:       "Chat message history, latest version per message",
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream: %w", err)
	}
	return nil
}

// Publish stores msg as the current version of its history entry.
func (m *StreamManager) Publish(ctx context.Context, msg model.Message) (uint64, error) {
	if msg.MessageID == "" {
		return 0, ErrNoMessageID
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal message: %w", err)
	}

	ack, err := m.client.JetStream().Publish(ctx, MessageSubject(m.prefix, msg.ConversationID, msg.MessageID), data)
	if err != nil {
		return 0, fmt.Errorf("failed to publish message: %w", err)
	}
	return ack.Sequence, nil
}

// PublishDeleted replaces a message's history entry with a delete marker so that
// Fetch no longer returns it.
func (m *StreamManager) PublishDeleted(ctx context.Context, conversationID, messageID string) error {
	if messageID == "" {
		return ErrNoMessageID
	}
	msg := nats.NewMsg(MessageSubject(m.prefix, conversationID, messageID))
	msg.Header.Set(DeletedHeader, "true")

	if _, err := m.client.JetStream().PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish delete marker: %w", err)
	}
	return nil
}

// Fetch returns the newest stored messages of a conversation, oldest first. Deleted
// messages are left out.
func (m *StreamManager) Fetch(ctx context.Context, conversationID string) ([]model.Message, error) {
	consumer, err := m.client.JetStream().CreateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		FilterSubject:     ConversationFilter(m.prefix, conversationID),
		AckPolicy:         jetstream.AckNonePolicy,
		DeliverPolicy:     jetstream.DeliverLastPerSubjectPolicy,
		InactiveThreshold: 30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	var messages []model.Message
	for ctx.Err() == nil {
		batch, err := consumer.Fetch(fetchBatchSize, jetstream.FetchMaxWait(2*time.Second))
		if err != nil {
			return nil, fmt.Errorf("failed to fetch messages: %w", err)
		}

		var (
			received int
			pending  uint64
		)
		for msg := range batch.Messages() {
			received++
			if md, err := msg.Metadata(); err == nil {
				pending = md.NumPending
			}

			message, ok, err := decodeEntry(msg.Headers(), msg.Data())
			if err != nil {
				m.client.logger.Warn("skipping undecodable history entry",
					zap.String("subject", msg.Subject()),
					zap.Error(err),
				)
				continue
			}
			if ok {
				messages = append(messages, message)
			}
		}

		if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, jetstream.ErrNoMessages) {
			return nil, fmt.Errorf("batch error: %w", err)
		}
		if received == 0 || pending == 0 {
			break
		}
	}
	return keepNewest(messages, m.limit), nil
}

// decodeEntry returns the message a history entry holds. ok is false for delete
// markers.
func decodeEntry(header nats.Header, data []byte) (model.Message, bool, error) {
	if header.Get(DeletedHeader) != "" {
		return model.Message{}, false, nil
	}
	var message model.Message
	if err := json.Unmarshal(data, &message); err != nil {
		return model.Message{}, false, err
	}
	return message.WithInferredState(), true, nil
}

// keepNewest orders msgs by timestamp and returns at most the last limit of them.
// Entries arrive in stream order, where an edit moves a message to the end.
func keepNewest(msgs []model.Message, limit int) []model.Message {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs
}
