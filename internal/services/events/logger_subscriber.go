package events

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/scanagent/internal/interfaces"
	"github.com/ternarybob/scanagent/internal/models"
)

// NewLoggerSubscriber creates an event handler that logs all events
func NewLoggerSubscriber(logger arbor.ILogger) interfaces.EventHandler {
	return func(ctx context.Context, event interfaces.Event) error {
		logEvent := logger.Debug().
			Str("event_type", string(event.Type))

		switch p := event.Payload.(type) {
		case interfaces.PhaseChange:
			logEvent = logEvent.Str("job_id", p.JobID).Str("from", p.From).Str("to", p.To)
		case interfaces.JobFailure:
			logEvent = logEvent.Str("job_id", p.JobID).Str("reason", p.Reason)
		case models.ResultSummary:
			logEvent = logEvent.Str("job_id", p.JobID).Bool("score_only", p.ScoreOnly)
		case models.AgentStatus:
			logEvent = logEvent.Bool("enabled", p.Enabled).Str("phase", p.Phase.String())
			if p.ProcessingJobID != "" {
				logEvent = logEvent.Str("job_id", p.ProcessingJobID)
			}
		}

		logEvent.Msg("Event published")

		return nil
	}
}

// SubscribeLoggerToAllEvents subscribes the logger to all known event types
func SubscribeLoggerToAllEvents(eventService interfaces.EventService, logger arbor.ILogger) error {
	subscriber := NewLoggerSubscriber(logger)

	eventTypes := []interfaces.EventType{
		interfaces.EventStatusChanged,
		interfaces.EventPhaseChanged,
		interfaces.EventJobCompleted,
		interfaces.EventJobFailed,
	}

	for _, eventType := range eventTypes {
		if err := eventService.Subscribe(eventType, subscriber); err != nil {
			return fmt.Errorf("failed to subscribe logger to event type %s: %w", eventType, err)
		}
	}

	logger.Debug().
		Int("event_type_count", len(eventTypes)).
		Msg("Logger subscribed to all event types")

	return nil
}
