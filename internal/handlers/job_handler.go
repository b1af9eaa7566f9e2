package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/nuntius/internal/broker"
)

// acquireURLKeys are the run-service URL field names seen across provider
// versions; any of them present in a replayed acquire body is rewritten to
// the proxy URL.
var acquireURLKeys = []string{"runServiceUrl", "run_service_url", "runnerServiceUrl"}

// JobHandler implements the worker-facing acquirejob and acknowledge
// routes
type JobHandler struct {
	broker *broker.Service
	logger arbor.ILogger
}

// NewJobHandler creates a new JobHandler
func NewJobHandler(brokerService *broker.Service, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		broker: brokerService,
		logger: logger,
	}
}

// AcquireJobHandler handles POST /acquirejob. The proxy already acquired
// the job upstream at poll time; the stored response body is replayed
// here with its run-service URL pointed back at the proxy.
func (h *JobHandler) AcquireJobHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(body, &fields); err != nil {
		WriteError(w, http.StatusInternalServerError, "unreadable acquirejob body: "+err.Error())
		return
	}

	key := firstStringField(fields, "jobMessageId", "jobRequestId", "requestId")
	if key == "" {
		WriteError(w, http.StatusInternalServerError, "acquirejob body missing job message id")
		return
	}

	details, ok := h.broker.Tracker().AcquiredDetails(key)
	if !ok {
		h.logger.Warn().Str("job_message_id", key).Msg("No stored acquire body for worker acquirejob")
		WriteEmpty(w, http.StatusNotFound)
		return
	}

	rewritten, err := rewriteAcquireBody(details, h.broker.ProxyURL())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.logger.Debug().Str("job_message_id", key).Msg("Replayed stored acquirejob body")
	WriteRawJSON(w, http.StatusOK, rewritten)
}

// AcknowledgeHandler handles POST /acknowledge as a local no-op; the
// proxy acknowledged upstream at poll time
func (h *JobHandler) AcknowledgeHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{})
}

// rewriteAcquireBody points every run-service URL variant in the stored
// upstream body at the proxy
func rewriteAcquireBody(body []byte, proxyURL string) ([]byte, error) {
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(proxyURL)
	if err != nil {
		return nil, err
	}

	for _, key := range acquireURLKeys {
		if _, ok := fields[key]; ok {
			fields[key] = encoded
		}
	}

	return json.Marshal(fields)
}
