package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/nuntius/internal/common"
	"github.com/ternarybob/nuntius/internal/interfaces"
	"github.com/ternarybob/nuntius/internal/models"
)

// SessionError indicates a non-2xx, non-409 response on session create
type SessionError struct {
	StatusCode int
	Body       string
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session create failed with status %d: %s", e.StatusCode, e.Body)
}

// SessionConflictError indicates a 409 on session create. ExistingID is
// the stale session ID parsed from the response body, when present.
type SessionConflictError struct {
	ExistingID string
}

func (e *SessionConflictError) Error() string {
	if e.ExistingID != "" {
		return fmt.Sprintf("session conflict with existing session %s", e.ExistingID)
	}
	return "session conflict"
}

// Client issues authenticated calls against upstream broker and
// run-service endpoints for any target.
type Client struct {
	http          *http.Client
	limiter       *rate.Limiter
	tokens        interfaces.TokenService
	runnerVersion string
	runnerOS      string
	runnerArch    string
	logger        arbor.ILogger
}

// NewClient creates an upstream client
func NewClient(config *common.ProxyConfig, tokens interfaces.TokenService, logger arbor.ILogger) *Client {
	rps := config.UpstreamRPS
	if rps <= 0 {
		rps = 20
	}
	return &Client{
		http:          &http.Client{Timeout: config.UpstreamTimeoutDuration()},
		limiter:       rate.NewLimiter(rate.Limit(rps), rps),
		tokens:        tokens,
		runnerVersion: config.RunnerVersion,
		runnerOS:      config.RunnerOS,
		runnerArch:    config.RunnerArch,
		logger:        logger,
	}
}

// CreateSession opens an upstream broker session for the target. A 409
// is returned as *SessionConflictError carrying any session ID found in
// the response body.
func (c *Client) CreateSession(ctx context.Context, target *models.Target) (string, error) {
	resp, body, err := c.do(ctx, target, http.MethodPost, JoinURL(target.Runner.ServerURLV2, "session"), []byte("{}"))
	if err != nil {
		return "", err
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var parsed struct {
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil || parsed.SessionID == "" {
			return "", fmt.Errorf("session create returned unreadable body: %w", err)
		}
		return parsed.SessionID, nil

	case resp.StatusCode == http.StatusConflict:
		var parsed struct {
			SessionID string `json:"sessionId"`
		}
		_ = json.Unmarshal(body, &parsed)
		return "", &SessionConflictError{ExistingID: parsed.SessionID}

	default:
		return "", &SessionError{StatusCode: resp.StatusCode, Body: string(body)}
	}
}

// DeleteSession closes an upstream session. Errors are returned but
// callers treat deletion as best-effort.
func (c *Client) DeleteSession(ctx context.Context, target *models.Target, sessionID string) error {
	u := JoinURL(target.Runner.ServerURLV2, "session") + "?sessionId=" + url.QueryEscape(sessionID)
	resp, body, err := c.do(ctx, target, http.MethodDelete, u, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("session delete failed with status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// Poll performs one long-poll read against the target's message endpoint.
// Returns (body, true) when a message arrived.
func (c *Client) Poll(ctx context.Context, target *models.Target, sessionID string) ([]byte, bool, error) {
	params := url.Values{}
	params.Set("sessionId", sessionID)
	params.Set("status", "Online")
	params.Set("runnerVersion", c.runnerVersion)
	params.Set("os", c.runnerOS)
	params.Set("architecture", c.runnerArch)
	params.Set("disableUpdate", "true")

	u := JoinURL(target.Runner.ServerURLV2, "message") + "?" + params.Encode()
	resp, body, err := c.do(ctx, target, http.MethodGet, u, nil)
	if err != nil {
		return nil, false, err
	}

	if resp.StatusCode == http.StatusOK && len(bytes.TrimSpace(body)) > 0 {
		return body, true, nil
	}
	return nil, false, nil
}

// AcquireJob claims a job upstream the moment it is seen, so the provider
// stops redelivering it. Returns the response body on 200, nil otherwise.
func (c *Client) AcquireJob(ctx context.Context, target *models.Target, sessionID, runServiceURL, jobID, billingOwnerID string) ([]byte, error) {
	payload := map[string]interface{}{
		"jobMessageId": jobID,
		"runnerOS":     c.runnerOS,
	}
	if billingOwnerID != "" {
		payload["billingOwnerId"] = billingOwnerID
	}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	u := JoinURL(runServiceURL, "acquirejob") + "?sessionId=" + url.QueryEscape(sessionID)
	resp, body, err := c.do(ctx, target, http.MethodPost, u, reqBody)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("acquirejob failed with status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// Acknowledge confirms receipt of a message. Non-fatal on error.
func (c *Client) Acknowledge(ctx context.Context, target *models.Target, sessionID, messageID string) error {
	reqBody, err := json.Marshal(map[string]string{"messageId": messageID})
	if err != nil {
		return err
	}

	u := JoinURL(target.Runner.ServerURLV2, "acknowledge") + "?sessionId=" + url.QueryEscape(sessionID)
	resp, body, err := c.do(ctx, target, http.MethodPost, u, reqBody)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("acknowledge failed with status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// Forward relays a worker request to an upstream URL, adding the target's
// bearer token. Returns the upstream status and body; the caller reduces
// response headers to a JSON content type.
func (c *Client) Forward(ctx context.Context, target *models.Target, method, upstreamURL string, body []byte) (int, []byte, error) {
	resp, respBody, err := c.do(ctx, target, method, upstreamURL, body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}

// do issues one authenticated request and drains the response body
func (c *Client) do(ctx context.Context, target *models.Target, method, rawURL string, body []byte) (*http.Response, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}

	token, err := c.tokens.GetToken(target)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to obtain bearer token: %w", err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}

	c.logger.Trace().
		Str("target_id", target.ID).
		Str("method", method).
		Str("url", rawURL).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Upstream request")

	// A rejected token is dropped so the next call mints a fresh one
	if resp.StatusCode == http.StatusUnauthorized {
		c.tokens.Invalidate(target.ID)
	}

	return resp, respBody, nil
}

// JoinURL concatenates a base URL and a path segment with exactly one
// separating slash
func JoinURL(base, path string) string {
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(path, "/")
}
