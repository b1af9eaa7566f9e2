package interfaces

import (
	"context"
)

// EventType identifies broker events published to in-process consumers
type EventType string

const (
	// EventStatusUpdate carries a []models.TargetStatus snapshot
	EventStatusUpdate EventType = "status_update"
	// EventJobReceived carries target_id and job_id
	EventJobReceived EventType = "job_received"
	// EventBrokerError carries target_id and error
	EventBrokerError EventType = "broker_error"
)

// Event is a broker event with an arbitrary payload
type Event struct {
	Type    EventType   `json:"type"`
	Payload interface{} `json:"payload"`
}

// EventHandler processes a published event
type EventHandler func(ctx context.Context, event Event) error

// EventService is the in-process pub/sub used by the orchestrator to
// surface status updates, received jobs, and errors. Consumers are local
// and synchronous; there is no persistence.
type EventService interface {
	Subscribe(eventType EventType, handler EventHandler) error
	Publish(ctx context.Context, event Event) error
	PublishSync(ctx context.Context, event Event) error
}
