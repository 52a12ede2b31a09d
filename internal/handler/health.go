package handler

import (
	"net/http"

	"github.com/mylg-studio/chatsync/internal/transport"
)

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	conn transport.Conn
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(conn transport.Conn) *HealthHandler {
	return &HealthHandler{
		conn: conn,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.conn == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "no transport",
		})
		return
	}
	if state := h.conn.ReadyState(); state != transport.Open {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "transport " + state.String(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
