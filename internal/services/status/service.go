package status

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/scanagent/internal/common"
	"github.com/ternarybob/scanagent/internal/interfaces"
	"github.com/ternarybob/scanagent/internal/models"
)

// Service is the persisted, observable agent status store
type Service struct {
	status       models.AgentStatus
	mu           sync.RWMutex
	storage      interfaces.StatusStorage
	eventService interfaces.EventService
	logger       arbor.ILogger
	errorLimit   int
	now          func() time.Time
}

// NewService creates a new status service. errorLimit bounds lastError length.
func NewService(storage interfaces.StatusStorage, eventService interfaces.EventService, logger arbor.ILogger, errorLimit int) *Service {
	return &Service{
		status:       models.AgentStatus{Phase: models.PhaseIdle},
		storage:      storage,
		eventService: eventService,
		logger:       logger,
		errorLimit:   errorLimit,
		now:          time.Now,
	}
}

// Load restores the persisted status. defaultEnabled applies only when nothing
// was persisted. A session interrupted by a crash is cleared and reported.
func (s *Service) Load(ctx context.Context, defaultEnabled bool) error {
	persisted, err := s.storage.LoadStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to load agent status: %w", err)
	}

	return s.mutate(ctx, func(st *models.AgentStatus) {
		if persisted == nil {
			st.Enabled = defaultEnabled
			return
		}
		*st = *persisted
		if st.ProcessingJobID != "" {
			s.logger.Warn().
				Str("job_id", st.ProcessingJobID).
				Str("phase", string(st.Phase)).
				Msg("Previous session was interrupted")
			s.setError(st, fmt.Sprintf("session for job %s interrupted during %s", st.ProcessingJobID, st.Phase))
			st.ProcessingJobID = ""
		}
		st.Phase = models.PhaseIdle
	})
}

// Snapshot returns a copy of the current status
func (s *Service) Snapshot() models.AgentStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyStatus(s.status)
}

// SetEnabled toggles whether new jobs may start
func (s *Service) SetEnabled(ctx context.Context, enabled bool) error {
	return s.mutate(ctx, func(st *models.AgentStatus) {
		st.Enabled = enabled
	})
}

// BeginSession records the claimed job and clears the previous error
func (s *Service) BeginSession(ctx context.Context, jobID string) error {
	return s.mutate(ctx, func(st *models.AgentStatus) {
		st.ProcessingJobID = jobID
		st.Phase = models.PhaseClaimed
		st.LastError = ""
		st.LastErrorAt = nil
	})
}

// SetPhase records the current phase of the active session
func (s *Service) SetPhase(ctx context.Context, phase models.Phase) error {
	return s.mutate(ctx, func(st *models.AgentStatus) {
		st.Phase = phase
	})
}

// CompleteSession increments the processed counter and returns to idle
func (s *Service) CompleteSession(ctx context.Context) error {
	return s.mutate(ctx, func(st *models.AgentStatus) {
		st.ProcessedCount++
		st.ProcessingJobID = ""
		st.Phase = models.PhaseIdle
	})
}

// FailSession records the failure message and returns to idle
func (s *Service) FailSession(ctx context.Context, message string) error {
	return s.mutate(ctx, func(st *models.AgentStatus) {
		st.ProcessingJobID = ""
		st.Phase = models.PhaseIdle
		s.setError(st, message)
	})
}

// RecordError records an error not tied to a session, e.g. missing configuration
func (s *Service) RecordError(ctx context.Context, message string) error {
	return s.mutate(ctx, func(st *models.AgentStatus) {
		s.setError(st, message)
	})
}

func (s *Service) setError(st *models.AgentStatus, message string) {
	at := s.now()
	st.LastError = common.Truncate(message, s.errorLimit)
	st.LastErrorAt = &at
}

// mutate applies fn, persists and publishes the new snapshot.
// Persistence happens under the lock so writes land in mutation order.
func (s *Service) mutate(ctx context.Context, fn func(st *models.AgentStatus)) error {
	s.mu.Lock()
	fn(&s.status)
	s.status.UpdatedAt = s.now()
	snapshot := copyStatus(s.status)
	err := s.storage.SaveStatus(ctx, &snapshot)
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to persist agent status")
	}

	if s.eventService != nil {
		_ = s.eventService.Publish(ctx, interfaces.Event{
			Type:    interfaces.EventStatusChanged,
			Payload: snapshot,
		})
	}

	return err
}

func copyStatus(st models.AgentStatus) models.AgentStatus {
	copied := st
	if st.LastErrorAt != nil {
		at := *st.LastErrorAt
		copied.LastErrorAt = &at
	}
	return copied
}
