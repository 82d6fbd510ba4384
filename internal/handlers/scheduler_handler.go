package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/scanagent/internal/interfaces"
)

// SchedulerHandler handles the operator controls of the agent
type SchedulerHandler struct {
	schedulerService interfaces.SchedulerService
	logger           arbor.ILogger
}

// NewSchedulerHandler creates a new scheduler handler
func NewSchedulerHandler(schedulerService interfaces.SchedulerService, logger arbor.ILogger) *SchedulerHandler {
	return &SchedulerHandler{
		schedulerService: schedulerService,
		logger:           logger,
	}
}

// RunNowHandler handles POST /api/agent/run. A declined trigger is not an
// error; the reason is returned alongside started=false.
func (h *SchedulerHandler) RunNowHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	started, reason := h.schedulerService.RunNow()
	h.logger.Info().Bool("started", started).Str("reason", reason).Msg("Manual run requested")

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"started": started,
		"reason":  reason,
	})
}

// EnableHandler handles POST /api/agent/enable
func (h *SchedulerHandler) EnableHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	if err := h.schedulerService.Enable(); err != nil {
		h.logger.Error().Err(err).Msg("Failed to enable agent")
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteSuccess(w, "Agent enabled")
}

// DisableHandler handles POST /api/agent/disable. An in-flight session is
// allowed to finish.
func (h *SchedulerHandler) DisableHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	if err := h.schedulerService.Disable(); err != nil {
		h.logger.Error().Err(err).Msg("Failed to disable agent")
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteSuccess(w, "Agent disabled")
}
