package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mylg-studio/chatsync/internal/conversation"
	"github.com/mylg-studio/chatsync/internal/middleware"
	"github.com/mylg-studio/chatsync/internal/model"
	"github.com/mylg-studio/chatsync/internal/store"
	"github.com/mylg-studio/chatsync/pkg/logger"
	"github.com/mylg-studio/chatsync/pkg/metrics"
)

// HeartbeatInterval is how often an idle change stream writes a heartbeat event.
const HeartbeatInterval = 30 * time.Second

// streamBuffer bounds the events queued for one slow client. Further events are
// dropped; every event carries the full message list, so the next one catches up.
const streamBuffer = 64

// StreamHandler serves live store changes as server-sent events.
type StreamHandler struct {
	store  *store.Store
	logger *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(s *store.Store, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		store:  s,
		logger: logger.OrGlobal(log),
	}
}

// Stream handles GET /api/v1/conversations/:id/stream
//
// It writes a "snapshot" event with the current messages, then a "change" event
// for every mutation of the conversation until the client goes away.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := pathParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := conversation.Canonicalize(conversationID)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events := make(chan model.ChangeEvent, streamBuffer)
	remove := h.store.OnChange(func(ev model.ChangeEvent) {
		if ev.ConversationID != id {
			return
		}
		select {
		case events <- ev:
		default:
		}
	})
	defer remove()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	metrics.IncrementStreamConnections()
	defer metrics.DecrementStreamConnections()

	sendSSEEvent(w, flusher, "snapshot", &model.ConversationSnapshot{
		ConversationID:   id,
		ConversationType: string(conversation.TypeOf(id)),
		Messages:         h.store.Snapshot(id),
	})

	heartbeat := time.NewTicker(HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("change stream closed", zap.String("conversation_id", id))
			return
		case ev := <-events:
			if err := sendSSEEvent(w, flusher, "change", ev); err != nil {
				h.logger.Warn("failed to write change event", zap.String("conversation_id", id), zap.Error(err))
				return
			}
		case <-heartbeat.C:
			sendSSEEvent(w, flusher, "heartbeat", map[string]time.Time{"timestamp": time.Now().UTC()})
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()

	return nil
}
