package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/nuntius/internal/broker"
)

// SessionHandler implements the worker-facing session routes
type SessionHandler struct {
	broker *broker.Service
	logger arbor.ILogger
}

// NewSessionHandler creates a new SessionHandler
func NewSessionHandler(brokerService *broker.Service, logger arbor.ILogger) *SessionHandler {
	return &SessionHandler{
		broker: brokerService,
		logger: logger,
	}
}

// CreateSessionHandler handles POST /session. The new local session is
// bound to the head of the pending-assignment queue; a worker started
// preemptively gets an unbound session. Upstream sessions for enabled
// targets that lack one are created opportunistically.
func (h *SessionHandler) CreateSessionHandler(w http.ResponseWriter, r *http.Request) {
	session := h.broker.LocalSessions().CreateSession()

	go h.broker.EnsureSessions()

	h.logger.Debug().
		Str("session_id", session.ID).
		Str("target_id", session.TargetID).
		Msg("Local session created")

	WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"sessionId":        session.ID,
		"ownerName":        "",
		"assignmentQueued": false,
		"orchestrationId":  "",
	})
}

// DeleteSessionHandler handles DELETE /session
func (h *SessionHandler) DeleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if h.broker.LocalSessions().RemoveSession(sessionID) {
		h.logger.Debug().Str("session_id", sessionID).Msg("Local session closed")
	}
	WriteJSON(w, http.StatusOK, map[string]string{})
}
