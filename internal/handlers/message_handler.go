package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/nuntius/internal/broker"
	"github.com/ternarybob/nuntius/internal/common"
	"github.com/ternarybob/nuntius/internal/models"
)

// MessageHandler implements the worker-facing long-poll route
type MessageHandler struct {
	broker *broker.Service
	config *common.ProxyConfig
	logger arbor.ILogger
}

// NewMessageHandler creates a new MessageHandler
func NewMessageHandler(brokerService *broker.Service, config *common.ProxyConfig, logger arbor.ILogger) *MessageHandler {
	return &MessageHandler{
		broker: brokerService,
		config: config,
		logger: logger,
	}
}

// GetMessageHandler handles GET /message. The worker blocks here until a
// payload is queued for its bound target, the long-poll budget runs out,
// or the service begins shutting down; the latter two answer 202 with an
// empty body. A session already holding a job always gets 202: workers
// run one job and exit.
func (h *MessageHandler) GetMessageHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")

	session, ok := h.broker.LocalSessions().GetSession(sessionID)
	if !ok {
		WriteError(w, http.StatusBadRequest, "unknown session")
		return
	}

	if session.CurrentJobID != "" {
		WriteEmpty(w, http.StatusAccepted)
		return
	}

	deadline := time.Now().Add(h.config.LongPollBudgetDuration())
	interval := h.config.CheckIntervalInitialDuration()
	maxInterval := h.config.CheckIntervalMaxDuration()
	backoff := h.config.CheckBackoff()

	for {
		if h.broker.IsShuttingDown() {
			WriteEmpty(w, http.StatusAccepted)
			return
		}

		// An unbound session must not steal from target-specific queues;
		// it long-polls to timeout and the worker exits.
		if session.TargetID != "" {
			if payload, ok := h.broker.Queue().Dequeue(session.TargetID); ok {
				h.deliver(w, session, payload)
				return
			}
		}

		if time.Now().After(deadline) {
			WriteEmpty(w, http.StatusAccepted)
			return
		}

		time.Sleep(interval)
		interval = time.Duration(float64(interval) * backoff)
		if interval > maxInterval {
			interval = maxInterval
		}
	}
}

// deliver binds the dequeued job to the session and writes the payload
func (h *MessageHandler) deliver(w http.ResponseWriter, session *broker.LocalSession, payload []byte) {
	jobID := ""
	if env, err := models.ParseEnvelope(payload); err == nil {
		if job, err := models.ParseJobPayload(env.Body); err == nil {
			jobID = job.JobID()
		}
	}

	if jobID != "" {
		h.broker.LocalSessions().BindJob(session.ID, jobID)
		h.broker.Tracker().SetWorker(jobID, session.ID)
	}

	h.logger.Info().
		Str("session_id", session.ID).
		Str("target_id", session.TargetID).
		Str("job_id", jobID).
		Msg("Job delivered to worker")

	WriteRawJSON(w, http.StatusOK, payload)
}
