// Package handler provides HTTP handlers for the agent's API.
package handler

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/mylg-studio/chatsync/internal/conversation"
	"github.com/mylg-studio/chatsync/internal/middleware"
	"github.com/mylg-studio/chatsync/internal/service"
	"github.com/mylg-studio/chatsync/internal/transport"
	"github.com/mylg-studio/chatsync/pkg/logger"
)

// ConversationHandler handles conversation-level endpoints.
type ConversationHandler struct {
	service *service.MessageService
	logger  *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(svc *service.MessageService, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		service: svc,
		logger:  logger.OrGlobal(log),
	}
}

// Open handles GET /api/v1/conversations/:id/messages
//
// The cached messages are returned at once and history is reconciled in the
// background. With ?sync=true the handler waits for the history fetch and returns
// the reconciled list instead.
func (h *ConversationHandler) Open(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := pathParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	snap, err := h.service.OpenConversation(ctx, conversationID)
	if err != nil {
		h.logger.Error("failed to open conversation", zap.String("conversation_id", conversationID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to open conversation")
		return
	}

	if r.URL.Query().Get("sync") == "true" {
		msgs, err := h.service.SyncHistory(ctx, snap.ConversationID)
		if err != nil {
			h.logger.Warn("history sync failed", zap.String("conversation_id", snap.ConversationID), zap.Error(err))
			writeError(w, http.StatusBadGateway, "failed to fetch history")
			return
		}
		snap.Messages = msgs
	}

	writeJSON(w, http.StatusOK, snap)
}

// Read handles POST /api/v1/conversations/:id/read
func (h *ConversationHandler) Read(w http.ResponseWriter, r *http.Request) {
	conversationID := pathParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.service.MarkRead(conversationID); err != nil {
		if errors.Is(err, transport.ErrConnNotOpen) {
			writeError(w, http.StatusServiceUnavailable, "transport not open")
			return
		}
		h.logger.Error("failed to mark read", zap.String("conversation_id", conversationID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to mark read")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Activate handles POST /api/v1/conversations/:id/active
func (h *ConversationHandler) Activate(w http.ResponseWriter, r *http.Request) {
	conversationID := pathParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.service.SetActiveConversation(conversationID)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"conversationId": conversation.Canonicalize(conversationID),
	})
}
