package handler

import (
	"encoding/json"
	"net/http"

	"github.com/mylg-studio/chatsync/internal/conversation"
	"github.com/mylg-studio/chatsync/internal/middleware"
	"github.com/mylg-studio/chatsync/internal/model"
	"github.com/mylg-studio/chatsync/internal/service"
	"github.com/mylg-studio/chatsync/pkg/logger"
)

// ProjectHandler handles project endpoints.
type ProjectHandler struct {
	projects *service.ProjectService
	messages *service.MessageService
	logger   *logger.Logger
}

// NewProjectHandler creates a new project handler.
func NewProjectHandler(projects *service.ProjectService, messages *service.MessageService, log *logger.Logger) *ProjectHandler {
	return &ProjectHandler{
		projects: projects,
		messages: messages,
		logger:   logger.OrGlobal(log),
	}
}

// Update handles PATCH /api/v1/projects/:id
//
// The payload joins the current coalescing batch; the response is written once the
// batched write has settled.
func (h *ProjectHandler) Update(w http.ResponseWriter, r *http.Request) {
	projectID := pathParam(r, "id")
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project ID cannot be empty")
		return
	}

	var req model.UpdateProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateProjectPayload(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	done := h.projects.Update(projectID, req)
	select {
	case <-done:
		w.WriteHeader(http.StatusNoContent)
	case <-r.Context().Done():
		// The write still happens with the batch.
	}
}

// StripFiles handles POST /api/v1/projects/:id/files/strip
func (h *ProjectHandler) StripFiles(w http.ResponseWriter, r *http.Request) {
	projectID := pathParam(r, "id")
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project ID cannot be empty")
		return
	}

	var req model.StripFilesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.URLs) == 0 {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	n := h.messages.StripFileReferences(conversation.Project(projectID), req.URLs)
	writeJSON(w, http.StatusOK, map[string]int{"tombstoned": n})
}
