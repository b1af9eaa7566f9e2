package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/nuntius/internal/broker"
	"github.com/ternarybob/nuntius/internal/models"
)

// jobLifecyclePaths are routed to the job's run-service URL when the body
// identifies a tracked job; everything else goes to the broker base.
var jobLifecyclePaths = map[string]bool{
	"/acquirejob": true,
	"/renewjob":   true,
	"/finishjob":  true,
	"/jobrequest": true,
}

// jobKeyFields are the body field names that can carry a job or message ID
var jobKeyFields = []string{"jobRequestId", "requestId", "runnerRequestId", "runner_request_id", "jobMessageId"}

// ForwardHandler relays unmatched worker requests to the correct upstream
// endpoint, translating the local session ID to the upstream one
type ForwardHandler struct {
	broker *broker.Service
	logger arbor.ILogger
}

// NewForwardHandler creates a new ForwardHandler
func NewForwardHandler(brokerService *broker.Service, logger arbor.ILogger) *ForwardHandler {
	return &ForwardHandler{
		broker: brokerService,
		logger: logger,
	}
}

// ForwardRequestHandler handles every route the proxy does not implement
// locally
func (h *ForwardHandler) ForwardRequestHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	target, upstreamSession, ok := h.resolveTarget(r)
	if !ok {
		WriteError(w, http.StatusServiceUnavailable, "no target with an active upstream session")
		return
	}

	path := r.URL.Path
	jobKey := ""
	base := target.Runner.ServerURLV2

	if jobLifecyclePaths[path] {
		jobKey = extractJobKey(body)
		if jobKey != "" {
			if url, ok := h.broker.Tracker().RunServiceURL(jobKey); ok {
				base = url
			}
		}
	}

	upstreamURL := broker.JoinURL(base, path)
	if query := rewriteQuery(r, upstreamSession); query != "" {
		upstreamURL += "?" + query
	}

	status, respBody, err := h.broker.Client().Forward(r.Context(), target, r.Method, upstreamURL, body)
	if err != nil {
		h.logger.Error().
			Err(err).
			Str("target_id", target.ID).
			Str("path", path).
			Msg("Upstream forward failed")
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.logger.Debug().
		Str("target_id", target.ID).
		Str("path", path).
		Int("status", status).
		Msg("Forwarded worker request upstream")

	if path == "/finishjob" && status < 300 && jobKey != "" {
		if jobID, ok := h.broker.Tracker().ResolveJobID(jobKey); ok {
			h.broker.CompleteJob(jobID)
		}
	}

	WriteRawJSON(w, status, respBody)
}

// resolveTarget maps the request to a target and its upstream session:
// through the local session when the query carries one, otherwise through
// the first enabled target with an active session.
func (h *ForwardHandler) resolveTarget(r *http.Request) (*models.Target, string, bool) {
	if localID := r.URL.Query().Get("sessionId"); localID != "" {
		if session, ok := h.broker.LocalSessions().GetSession(localID); ok && session.TargetID != "" {
			if target, ok := h.broker.Target(session.TargetID); ok {
				if upstream, ok := h.broker.UpstreamSession(session.TargetID); ok {
					return target, upstream, true
				}
			}
		}
	}

	target, upstream, ok := h.broker.FallbackTarget()
	if ok {
		// A request that lands here could not be mapped to its worker's
		// target, which may indicate a worker-to-target binding bug.
		h.logger.Warn().
			Str("path", r.URL.Path).
			Str("target_id", target.ID).
			Msg("Forward fallback to first enabled target")
	}
	return target, upstream, ok
}

// extractJobKey pulls a job or message ID out of a lifecycle request body
func extractJobKey(body []byte) string {
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(body, &fields); err != nil {
		return ""
	}
	return firstStringField(fields, jobKeyFields...)
}

// rewriteQuery replaces the local sessionId parameter with the upstream
// session ID, preserving all other parameters
func rewriteQuery(r *http.Request, upstreamSession string) string {
	query := r.URL.Query()
	if query.Get("sessionId") != "" {
		query.Set("sessionId", upstreamSession)
	}
	return query.Encode()
}
