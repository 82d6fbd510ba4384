package automation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/scanagent/internal/common"
	"github.com/ternarybob/scanagent/internal/interfaces"
	"github.com/ternarybob/scanagent/internal/models"
)

// failureCleanupTimeout bounds the failure entry actions when the session
// context has already been cancelled
const failureCleanupTimeout = 30 * time.Second

type phaseHandler func(ctx context.Context, r *run) (models.Phase, error)

// run is the execution state of one session, owned by the Run goroutine
type run struct {
	session  *models.Session
	settings models.AgentSettings
	creds    models.CredentialSet
	driver   interfaces.PageDriver
	summary  models.ResultSummary
	logger   arbor.ILogger
}

// Machine owns the single automation session slot and drives a claimed job
// through the phases until it completes or fails.
type Machine struct {
	queue     interfaces.WorkQueue
	creds     interfaces.CredentialStore
	drivers   interfaces.PageDriverFactory
	status    interfaces.StatusStore
	events    interfaces.EventService
	reporter  *Reporter
	inspector *Inspector
	timings   Timings
	workDir   string
	logger    arbor.ILogger
	now       func() time.Time

	handlers map[models.Phase]phaseHandler

	mu       sync.Mutex
	reserved bool
	session  *models.Session
}

// NewMachine creates the automation state machine. workDir holds the
// downloaded source documents of the active session.
func NewMachine(
	queue interfaces.WorkQueue,
	creds interfaces.CredentialStore,
	drivers interfaces.PageDriverFactory,
	status interfaces.StatusStore,
	events interfaces.EventService,
	reporter *Reporter,
	timings Timings,
	workDir string,
	logger arbor.ILogger,
) *Machine {
	m := &Machine{
		queue:     queue,
		creds:     creds,
		drivers:   drivers,
		status:    status,
		events:    events,
		reporter:  reporter,
		inspector: NewInspector(logger),
		timings:   timings,
		workDir:   workDir,
		logger:    logger,
		now:       time.Now,
	}

	m.handlers = map[models.Phase]phaseHandler{
		models.PhaseClaimed:            m.handleClaimed,
		models.PhaseDownloading:        m.handleDownloading,
		models.PhaseAuthenticating:     m.handleAuthenticating,
		models.PhaseNavigating:         m.handleNavigating,
		models.PhaseUploading:          m.handleUploading,
		models.PhaseWaitingForResult:   m.handleWaitingForResult,
		models.PhaseDownloadingResults: m.handleDownloadingResults,
		models.PhaseReporting:          m.handleReporting,
	}

	return m
}

// Busy reports whether the slot is held, including while a claim is in flight
func (m *Machine) Busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reserved
}

// Active returns a copy of the current session, or nil when idle.
// Artifact payloads are not included.
func (m *Machine) Active() *models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	copied := *m.session
	copied.Artifacts = make([]models.Artifact, len(m.session.Artifacts))
	for i, a := range m.session.Artifacts {
		a.Data = nil
		copied.Artifacts[i] = a
	}
	return &copied
}

// Start claims the job and opens a session at Claimed. It returns ErrBusy
// when a session already exists and the claim error when the lease is lost;
// in both cases no session is created.
func (m *Machine) Start(ctx context.Context, job models.Job) error {
	m.mu.Lock()
	if m.reserved {
		m.mu.Unlock()
		return ErrBusy
	}
	m.reserved = true
	m.mu.Unlock()

	logger := m.logger.WithCorrelationId(job.ID)

	if err := m.queue.Claim(ctx, job.ID); err != nil {
		m.release()
		return err
	}

	now := m.now()
	session := &models.Session{
		ID:                   common.NewSessionID(),
		Job:                  job,
		Phase:                models.PhaseClaimed,
		PhaseEnteredAt:       now,
		StartedAt:            now,
		CredentialGeneration: m.creds.Generation(),
	}

	// Attempts are counted before any other side effect of the claim
	if err := m.queue.IncrementAttempt(ctx, job.ID); err != nil {
		logger.Warn().Err(err).Msg("Failed to increment attempt count")
	} else {
		session.Job.Attempts++
	}

	m.mu.Lock()
	m.session = session
	m.mu.Unlock()

	if err := m.status.BeginSession(ctx, job.ID); err != nil {
		logger.Warn().Err(err).Msg("Failed to record session start")
	}
	m.appendLog(ctx, logger, job.ID, "processing_started", fmt.Sprintf("session %s attempt %d", session.ID, session.Job.Attempts))
	m.publishPhase(ctx, session, models.PhaseIdle, models.PhaseClaimed)

	logger.Info().
		Str("session_id", session.ID).
		Str("display_name", job.DisplayName).
		Str("scan_kind", string(job.ScanKind)).
		Int("attempts", session.Job.Attempts).
		Msg("Job claimed")

	return nil
}

// Run drives the active session to a terminal phase and returns it.
// Cancelling ctx fails the session as Interrupted.
func (m *Machine) Run(ctx context.Context) models.Phase {
	m.mu.Lock()
	session := m.session
	m.mu.Unlock()
	if session == nil {
		return models.PhaseIdle
	}

	r := &run{
		session: session,
		logger:  m.logger.WithCorrelationId(session.Job.ID),
	}
	defer m.finish(r)

	for {
		phase := session.Phase
		if err := ctx.Err(); err != nil {
			m.fail(ctx, r, &PhaseError{Reason: ReasonInterrupted, Phase: phase, Cause: err})
			return models.PhaseFailed
		}

		next, err := m.step(ctx, r)
		if err != nil {
			m.fail(ctx, r, asPhaseError(err, phase))
			return models.PhaseFailed
		}

		m.transition(ctx, r, next)
		if next == models.PhaseCompleted {
			m.complete(ctx, r)
			return models.PhaseCompleted
		}
	}
}

// step executes the handler of the current phase and returns the next phase
func (m *Machine) step(ctx context.Context, r *run) (models.Phase, error) {
	handler, ok := m.handlers[r.session.Phase]
	if !ok {
		return "", fmt.Errorf("no handler for phase %s", r.session.Phase)
	}
	return handler(ctx, r)
}

func (m *Machine) transition(ctx context.Context, r *run, next models.Phase) {
	from := r.session.Phase
	m.update(func(s *models.Session) {
		s.Phase = next
		s.PhaseEnteredAt = m.now()
	})

	r.logger.Info().
		Str("from", from.String()).
		Str("to", next.String()).
		Msg("Phase transition")

	if !next.IsTerminal() {
		if err := m.status.SetPhase(ctx, next); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to record phase")
		}
	}
	m.publishPhase(ctx, r.session, from, next)
}

func (m *Machine) complete(ctx context.Context, r *run) {
	if err := m.status.CompleteSession(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to record session completion")
	}
	m.publish(ctx, interfaces.Event{Type: interfaces.EventJobCompleted, Payload: r.summary})

	r.logger.Info().
		Str("session_id", r.session.ID).
		Dur("duration", m.now().Sub(r.session.StartedAt)).
		Bool("score_only", r.summary.ScoreOnly).
		Msg("Job completed")
}

// fail runs the Failed entry actions. Run calls it at most once per session.
func (m *Machine) fail(ctx context.Context, r *run, pe *PhaseError) {
	msg := common.Truncate(pe.Error(), m.timings.ErrorMessageLimit)
	jobID := r.session.Job.ID
	from := r.session.Phase

	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureCleanupTimeout)
	defer cancel()

	r.logger.Error().
		Str("reason", string(pe.Reason)).
		Str("phase", pe.Phase.String()).
		Str("error", msg).
		Msg("Job failed")

	m.update(func(s *models.Session) {
		s.Phase = models.PhaseFailed
		s.PhaseEnteredAt = m.now()
		s.LastError = msg
	})

	// The ledger is settled before the failed status goes out
	if m.reporter != nil {
		if err := m.reporter.Abandon(bg, jobID, msg); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to abandon pending completion")
		}
	}

	m.inform(bg, r.logger, "set_status", func(c context.Context) error {
		return m.queue.SetStatus(c, jobID, models.JobStatusFailed, msg)
	})
	m.appendLog(bg, r.logger, jobID, "processing_failed", msg)
	m.closeDriver(r)

	if err := m.status.FailSession(bg, msg); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to record session failure")
	}
	m.publishPhase(bg, r.session, from, models.PhaseFailed)
	m.publish(bg, interfaces.Event{
		Type:    interfaces.EventJobFailed,
		Payload: interfaces.JobFailure{JobID: jobID, Reason: string(pe.Reason), Message: msg},
	})
}

// finish destroys the session and frees the slot
func (m *Machine) finish(r *run) {
	m.closeDriver(r)

	dir := filepath.Join(m.workDir, r.session.ID)
	if err := os.RemoveAll(dir); err != nil {
		r.logger.Warn().Err(err).Str("dir", dir).Msg("Failed to remove session work dir")
	}

	m.mu.Lock()
	m.session = nil
	m.reserved = false
	m.mu.Unlock()
}

func (m *Machine) release() {
	m.mu.Lock()
	m.reserved = false
	m.mu.Unlock()
}

func (m *Machine) update(fn func(s *models.Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		fn(m.session)
	}
}

func (m *Machine) closeDriver(r *run) {
	if r.driver == nil {
		return
	}
	if err := r.driver.Close(); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to close page driver")
	}
	r.driver = nil
}

// inform runs an informational queue call. Failures are logged and never
// block the session.
func (m *Machine) inform(ctx context.Context, logger arbor.ILogger, op string, fn func(ctx context.Context) error) {
	callCtx, cancel := context.WithTimeout(ctx, m.timings.InformationalLimit)
	defer cancel()
	if err := fn(callCtx); err != nil {
		logger.Warn().Err(err).Str("op", op).Msg("Informational queue call failed")
	}
}

func (m *Machine) appendLog(ctx context.Context, logger arbor.ILogger, jobID, action, message string) {
	m.inform(ctx, logger, "append_log:"+action, func(c context.Context) error {
		return m.queue.AppendLog(c, jobID, action, message)
	})
}

func (m *Machine) publishPhase(ctx context.Context, s *models.Session, from, to models.Phase) {
	m.publish(ctx, interfaces.Event{
		Type: interfaces.EventPhaseChanged,
		Payload: interfaces.PhaseChange{
			SessionID: s.ID,
			JobID:     s.Job.ID,
			From:      from.String(),
			To:        to.String(),
		},
	})
}

func (m *Machine) publish(ctx context.Context, event interfaces.Event) {
	if m.events == nil {
		return
	}
	if err := m.events.Publish(ctx, event); err != nil {
		m.logger.Debug().Err(err).Str("event", string(event.Type)).Msg("Failed to publish event")
	}
}
