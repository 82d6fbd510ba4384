package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/scanagent/internal/interfaces"
	"github.com/ternarybob/scanagent/internal/models"
)

// SessionSource exposes the in-flight automation session, if any
type SessionSource interface {
	Active() *models.Session
}

// StatusResponse is the body of GET /api/status
type StatusResponse struct {
	models.AgentStatus
	Session        *SessionView `json:"session,omitempty"`
	PollInterval   string       `json:"poll_interval"`
	ExpiredCookies int          `json:"expired_cookies,omitempty"`
}

// SessionView is the operator view of the in-flight session
type SessionView struct {
	ID              string                `json:"id"`
	JobID           string                `json:"job_id"`
	DisplayName     string                `json:"display_name"`
	Phase           models.Phase          `json:"phase"`
	StartedAt       time.Time             `json:"started_at"`
	PhaseEnteredAt  time.Time             `json:"phase_entered_at"`
	AlreadyUploaded bool                  `json:"already_uploaded,omitempty"`
	Scores          models.Scores         `json:"scores"`
	Artifacts       []models.ArtifactKind `json:"artifacts,omitempty"`
}

// ExpiredCounter reports expired cookies of the active credentials
type ExpiredCounter interface {
	ExpiredCount() int
}

// StatusHandler handles HTTP requests for the agent status
type StatusHandler struct {
	status       interfaces.StatusStore
	sessions     SessionSource
	creds        ExpiredCounter
	pollInterval time.Duration
	logger       arbor.ILogger
}

// NewStatusHandler creates a new StatusHandler
func NewStatusHandler(status interfaces.StatusStore, sessions SessionSource, creds ExpiredCounter, pollInterval time.Duration, logger arbor.ILogger) *StatusHandler {
	return &StatusHandler{
		status:       status,
		sessions:     sessions,
		creds:        creds,
		pollInterval: pollInterval,
		logger:       logger,
	}
}

// GetStatusHandler handles GET /api/status
func (h *StatusHandler) GetStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	resp := StatusResponse{
		AgentStatus:  h.status.Snapshot(),
		PollInterval: h.pollInterval.String(),
	}
	if h.creds != nil {
		resp.ExpiredCookies = h.creds.ExpiredCount()
	}
	if h.sessions != nil {
		resp.Session = newSessionView(h.sessions.Active())
	}

	WriteJSON(w, http.StatusOK, resp)
}

func newSessionView(s *models.Session) *SessionView {
	if s == nil {
		return nil
	}
	view := &SessionView{
		ID:              s.ID,
		JobID:           s.Job.ID,
		DisplayName:     s.Job.DisplayName,
		Phase:           s.Phase,
		StartedAt:       s.StartedAt,
		PhaseEnteredAt:  s.PhaseEnteredAt,
		AlreadyUploaded: s.AlreadyUploaded,
		Scores:          s.Scores,
	}
	for _, a := range s.Artifacts {
		view.Artifacts = append(view.Artifacts, a.Kind)
	}
	return view
}
