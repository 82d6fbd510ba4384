package interfaces

import (
	"context"

	"github.com/ternarybob/scanagent/internal/models"
)

// StatusStore is the observable agent status. Mutations are made only by
// the automation machine and the scheduler.
type StatusStore interface {
	Snapshot() models.AgentStatus
	SetEnabled(ctx context.Context, enabled bool) error
	BeginSession(ctx context.Context, jobID string) error
	SetPhase(ctx context.Context, phase models.Phase) error
	CompleteSession(ctx context.Context) error
	FailSession(ctx context.Context, message string) error
	RecordError(ctx context.Context, message string) error
}
