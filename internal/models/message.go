package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// messageIDPattern pulls the messageId out of the raw envelope text.
// Upstream message IDs are 64-bit integers that can exceed the IEEE-754
// safe range, so they must never pass through a float64.
var messageIDPattern = regexp.MustCompile(`"messageId"\s*:\s*(\d+)`)

// Envelope is the outer upstream message shape. Only messageType,
// messageId, and body have a fixed schema; everything inside body is an
// attribute bag.
type Envelope struct {
	MessageType string
	MessageID   string
	Body        string

	// raw holds the original field bytes so re-serialization preserves
	// fields the proxy does not model, messageId precision included.
	raw map[string]json.RawMessage
}

// ExtractMessageID returns the messageId from raw envelope bytes as a
// string, or "" when absent.
func ExtractMessageID(raw []byte) string {
	m := messageIDPattern.FindSubmatch(raw)
	if m == nil {
		return ""
	}
	return string(m[1])
}

// ParseEnvelope decodes the outer upstream message
func ParseEnvelope(raw []byte) (*Envelope, error) {
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("unreadable message envelope: %w", err)
	}

	env := &Envelope{
		MessageID: ExtractMessageID(raw),
		raw:       fields,
	}

	if mt, ok := fields["messageType"]; ok {
		if err := json.Unmarshal(mt, &env.MessageType); err != nil {
			return nil, fmt.Errorf("invalid messageType: %w", err)
		}
	}
	if body, ok := fields["body"]; ok {
		if err := json.Unmarshal(body, &env.Body); err != nil {
			return nil, fmt.Errorf("invalid message body: %w", err)
		}
	}

	return env, nil
}

// JobPayload is the parsed inner body of a job message. Field names vary
// between provider versions, so values are read from an attribute bag.
type JobPayload struct {
	fields map[string]interface{}
}

// ParseJobPayload decodes the stringified inner body of an envelope
func ParseJobPayload(body string) (*JobPayload, error) {
	if strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("empty message body")
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	dec.UseNumber()

	fields := make(map[string]interface{})
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("unreadable job payload: %w", err)
	}

	return &JobPayload{fields: fields}, nil
}

// stringField returns the first present key as a string, numbers included
func (p *JobPayload) stringField(keys ...string) string {
	for _, key := range keys {
		v, ok := p.fields[key]
		if !ok || v == nil {
			continue
		}
		switch val := v.(type) {
		case string:
			return val
		case json.Number:
			return val.String()
		}
	}
	return ""
}

// JobID returns the job identifier, whichever field name carries it
func (p *JobPayload) JobID() string {
	return p.stringField("jobId", "runner_request_id")
}

// RunServiceURL returns the per-job upstream base for lifecycle calls
func (p *JobPayload) RunServiceURL() string {
	return p.stringField("run_service_url", "runServiceUrl", "runnerServiceUrl")
}

// BillingOwnerID returns the billing owner when the payload carries one
func (p *JobPayload) BillingOwnerID() string {
	return p.stringField("billing_owner_id", "billingOwnerId")
}

// RewriteRunServiceURL replaces run_service_url in the envelope's inner
// body with proxyURL and returns the re-serialized outer envelope. The
// untouched outer fields are emitted from their original bytes.
func (e *Envelope) RewriteRunServiceURL(proxyURL string) ([]byte, error) {
	dec := json.NewDecoder(strings.NewReader(e.Body))
	dec.UseNumber()

	inner := make(map[string]interface{})
	if err := dec.Decode(&inner); err != nil {
		return nil, fmt.Errorf("unreadable job payload: %w", err)
	}

	inner["run_service_url"] = proxyURL

	innerBytes, err := json.Marshal(inner)
	if err != nil {
		return nil, fmt.Errorf("failed to re-serialize job payload: %w", err)
	}

	bodyBytes, err := json.Marshal(string(innerBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to encode message body: %w", err)
	}

	out := make(map[string]json.RawMessage, len(e.raw))
	for k, v := range e.raw {
		out[k] = v
	}
	out["body"] = bodyBytes

	rewritten, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to re-serialize envelope: %w", err)
	}
	return rewritten, nil
}
