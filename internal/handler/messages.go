package handler

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"

	"go.uber.org/zap"

	"github.com/mylg-studio/chatsync/internal/conversation"
	"github.com/mylg-studio/chatsync/internal/middleware"
	"github.com/mylg-studio/chatsync/internal/model"
	"github.com/mylg-studio/chatsync/internal/service"
	"github.com/mylg-studio/chatsync/internal/store"
	"github.com/mylg-studio/chatsync/internal/transport"
	"github.com/mylg-studio/chatsync/pkg/logger"
)

// MaxUploadBytes bounds a multipart attachment upload.
const MaxUploadBytes = 25 << 20

// MessageHandler handles message endpoints.
type MessageHandler struct {
	messageService *service.MessageService
	logger         *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(msgSvc *service.MessageService, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		messageService: msgSvc,
		logger:         logger.OrGlobal(log),
	}
}

// Send handles POST /api/v1/conversations/:id/messages
//
// A JSON body {"text": ...} sends a text message. A multipart body with a "file"
// part sends an attachment. Either way the response carries the optimistic id and
// delivery continues in the background.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	conversationID := pathParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		h.sendAttachment(w, r, conversationID)
		return
	}

	var req model.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := middleware.ValidateMessageContent(req.Text); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	oid := h.messageService.Send(conversationID, req.Text)
	writeJSON(w, http.StatusAccepted, &model.SendMessageResponse{
		ConversationID: conversation.Canonicalize(conversationID),
		OptimisticID:   oid,
	})
}

func (h *MessageHandler) sendAttachment(w http.ResponseWriter, r *http.Request, conversationID string) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBytes)
	if err := r.ParseMultipartForm(MaxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file part")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read file")
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	oid := h.messageService.SendAttachment(conversationID, header.Filename, data, contentType)
	writeJSON(w, http.StatusAccepted, &model.SendMessageResponse{
		ConversationID: conversation.Canonicalize(conversationID),
		OptimisticID:   oid,
	})
}

// Edit handles PATCH /api/v1/conversations/:id/messages/:messageId
func (h *MessageHandler) Edit(w http.ResponseWriter, r *http.Request) {
	conversationID, messageID, ok := h.ids(w, r)
	if !ok {
		return
	}

	var req model.EditMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateMessageContent(req.Text); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.respond(w, conversationID, messageID, h.messageService.Edit(conversationID, messageID, req.Text))
}

// Delete handles DELETE /api/v1/conversations/:id/messages/:messageId
func (h *MessageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	conversationID, messageID, ok := h.ids(w, r)
	if !ok {
		return
	}
	h.respond(w, conversationID, messageID, h.messageService.Delete(conversationID, messageID))
}

// React handles POST /api/v1/conversations/:id/messages/:messageId/reactions
func (h *MessageHandler) React(w http.ResponseWriter, r *http.Request) {
	conversationID, messageID, ok := h.ids(w, r)
	if !ok {
		return
	}

	var req model.ReactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateEmoji(req.Emoji); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.respond(w, conversationID, messageID, h.messageService.ToggleReaction(conversationID, messageID, req.Emoji))
}

func (h *MessageHandler) ids(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	conversationID := pathParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", "", false
	}
	messageID := pathParam(r, "messageId")
	if err := middleware.ValidateMessageID(messageID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", "", false
	}
	return conversationID, messageID, true
}

// respond maps the outcome of a local-first mutation. A change applied locally but
// not sent because the transport is down is still accepted.
func (h *MessageHandler) respond(w http.ResponseWriter, conversationID, messageID string, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]bool{"sent": true})
	case errors.Is(err, store.ErrUnknownMessage):
		writeError(w, http.StatusNotFound, "message not found")
	case errors.Is(err, service.ErrNotConfirmed):
		writeError(w, http.StatusConflict, "message not confirmed yet")
	case errors.Is(err, transport.ErrConnNotOpen):
		writeJSON(w, http.StatusAccepted, map[string]bool{"sent": false})
	default:
		h.logger.Error("message mutation failed",
			zap.String("conversation_id", conversationID),
			zap.String("message_id", messageID),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "failed to update message")
	}
}
