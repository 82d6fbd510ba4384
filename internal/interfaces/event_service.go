package interfaces

import "context"

// EventType represents different event types in the system
type EventType string

const (
	// EventStatusChanged carries a models.AgentStatus snapshot
	EventStatusChanged EventType = "status_changed"
	// EventPhaseChanged carries a PhaseChange
	EventPhaseChanged EventType = "phase_changed"
	// EventJobCompleted carries a models.ResultSummary
	EventJobCompleted EventType = "job_completed"
	// EventJobFailed carries a JobFailure
	EventJobFailed EventType = "job_failed"
)

// Event represents a system event
type Event struct {
	Type    EventType   `json:"type"`
	Payload interface{} `json:"payload"`
}

// PhaseChange is the payload of EventPhaseChanged
type PhaseChange struct {
	SessionID string `json:"session_id"`
	JobID     string `json:"job_id"`
	From      string `json:"from"`
	To        string `json:"to"`
}

// JobFailure is the payload of EventJobFailed
type JobFailure struct {
	JobID   string `json:"job_id"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// EventHandler is a function that handles events
type EventHandler func(ctx context.Context, event Event) error

// EventService manages pub/sub event bus
type EventService interface {
	// Subscribe to an event type
	Subscribe(eventType EventType, handler EventHandler) error

	// Publish an event to all subscribers asynchronously
	Publish(ctx context.Context, event Event) error

	// PublishSync publishes event and waits for all handlers to complete
	PublishSync(ctx context.Context, event Event) error

	// Close shuts down the event service
	Close() error
}
