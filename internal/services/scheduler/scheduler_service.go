package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/scanagent/internal/common"
	"github.com/ternarybob/scanagent/internal/interfaces"
	"github.com/ternarybob/scanagent/internal/models"
	"github.com/ternarybob/scanagent/internal/services/automation"
	"github.com/ternarybob/scanagent/internal/services/workqueue"
)

// Reasons reported by RunNow
const (
	ReasonStarted       = "started"
	ReasonBusy          = "already processing"
	ReasonDisabled      = "agent is disabled"
	ReasonNoCredentials = "no credentials configured"
	ReasonNoToken       = "no work queue API token configured"
	ReasonNoJobs        = "no jobs available"
	ReasonClaimLost     = "job was claimed by another agent"
)

// Runner is the automation session slot the scheduler feeds
type Runner interface {
	Busy() bool
	Start(ctx context.Context, job models.Job) error
	Run(ctx context.Context) models.Phase
}

// Service polls the work queue on a fixed period and starts at most one
// session at a time
type Service struct {
	runner   Runner
	queue    interfaces.WorkQueue
	creds    interfaces.CredentialStore
	status   interfaces.StatusStore
	interval time.Duration
	cron     *cron.Cron
	logger   arbor.ILogger

	triggerMu sync.Mutex // Held for the duration of one trigger, never waited on
	mu        sync.Mutex // Protects running
	running   bool

	sessionCtx    context.Context
	cancelSession context.CancelFunc
	sessions      sync.WaitGroup
}

// NewService creates a new scheduler. Poll intervals below one minute are raised.
func NewService(runner Runner, queue interfaces.WorkQueue, creds interfaces.CredentialStore, status interfaces.StatusStore, cfg common.AgentConfig, logger arbor.ILogger) *Service {
	interval, clamped := cfg.PollEvery()
	if clamped {
		logger.Warn().
			Str("configured", cfg.PollInterval).
			Str("applied", interval.String()).
			Msg("Poll interval below minimum, using minimum")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		runner:        runner,
		queue:         queue,
		creds:         creds,
		status:        status,
		interval:      interval,
		cron:          cron.New(),
		logger:        logger,
		sessionCtx:    ctx,
		cancelSession: cancel,
	}
}

// Interval returns the effective poll period
func (s *Service) Interval() time.Duration {
	return s.interval
}

// Start begins ticking at the configured interval
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	schedule := "@every " + s.interval.String()
	if _, err := s.cron.AddFunc(schedule, s.Tick); err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	s.cron.Start()
	s.running = true

	s.logger.Info().Str("schedule", schedule).Msg("Scheduler started")
	return nil
}

// Stop halts ticking. An in-flight session keeps running.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	<-s.cron.Stop().Done()
	s.running = false

	s.logger.Info().Msg("Scheduler stopped")
	return nil
}

// IsRunning returns true if the ticker is active
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Tick is one scheduled poll
func (s *Service) Tick() {
	started, reason := s.trigger("tick")
	if !started {
		s.logger.Debug().Str("reason", reason).Msg("Scheduled poll did not start a job")
	}
}

// RunNow applies the tick preconditions immediately and reports why it declined
func (s *Service) RunNow() (bool, string) {
	return s.trigger("manual")
}

// Enable allows new sessions to start
func (s *Service) Enable() error {
	s.logger.Info().Msg("Agent enabled")
	return s.status.SetEnabled(context.Background(), true)
}

// Disable stops new sessions from starting; an in-flight session continues
func (s *Service) Disable() error {
	s.logger.Info().Msg("Agent disabled")
	return s.status.SetEnabled(context.Background(), false)
}

// Drain waits for the in-flight session. When ctx ends first the session
// is interrupted and Drain waits for it to record its failure.
func (s *Service) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.logger.Warn().Msg("Interrupting in-flight session")
		s.cancelSession()
		<-done
		return ctx.Err()
	}
}

// trigger starts the oldest claimable job when every precondition holds.
// Concurrent triggers do not queue up: the loser reports the slot as busy.
func (s *Service) trigger(origin string) (bool, string) {
	if !s.triggerMu.TryLock() {
		return false, ReasonBusy
	}
	defer s.triggerMu.Unlock()

	if s.runner.Busy() {
		return false, ReasonBusy
	}

	if !s.status.Snapshot().Enabled {
		return false, ReasonDisabled
	}

	if s.creds.GetActive() == nil {
		s.recordConfigError(ReasonNoCredentials)
		return false, ReasonNoCredentials
	}

	if !s.queue.Configured() {
		s.recordConfigError(ReasonNoToken)
		return false, ReasonNoToken
	}

	ctx := s.sessionCtx
	jobs, err := s.queue.ListClaimable(ctx)
	if err != nil {
		if errors.Is(err, workqueue.ErrAuth) {
			s.recordConfigError(err.Error())
		}
		s.logger.Warn().Err(err).Str("origin", origin).Msg("Failed to list claimable jobs")
		return false, fmt.Sprintf("failed to list jobs: %v", err)
	}
	if len(jobs) == 0 {
		return false, ReasonNoJobs
	}

	// Oldest first, one job per trigger
	job := jobs[0]
	if err := s.runner.Start(ctx, job); err != nil {
		switch {
		case errors.Is(err, automation.ErrBusy):
			return false, ReasonBusy
		case errors.Is(err, workqueue.ErrAlreadyClaimed):
			s.logger.Info().Str("job_id", job.ID).Msg("Job claimed by another agent")
			return false, ReasonClaimLost
		default:
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to claim job")
			return false, fmt.Sprintf("failed to claim job %s: %v", job.ID, err)
		}
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("origin", origin).
		Int("pending", len(jobs)).
		Msg("Starting automation session")

	s.sessions.Add(1)
	common.SafeGo(s.logger, "automation-session", func() {
		defer s.sessions.Done()
		phase := s.runner.Run(s.sessionCtx)
		s.logger.Debug().Str("job_id", job.ID).Str("phase", phase.String()).Msg("Automation session ended")
	})

	return true, ReasonStarted
}

// recordConfigError surfaces a configuration problem on the status store
// without repeating it on every tick
func (s *Service) recordConfigError(message string) {
	if s.status.Snapshot().LastError == message {
		return
	}
	s.logger.Warn().Msg(message)
	if err := s.status.RecordError(context.Background(), message); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to record configuration error")
	}
}
