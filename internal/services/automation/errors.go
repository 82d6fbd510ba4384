package automation

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/scanagent/internal/models"
)

// ErrBusy is returned by Start while another session holds the slot
var ErrBusy = errors.New("automation session already active")

// Reason classifies why a session failed
type Reason string

const (
	ReasonCredentialsMissing Reason = "CredentialsMissing"
	ReasonCredentialsChanged Reason = "CredentialsChanged"
	ReasonDownloadTimeout    Reason = "DownloadTimeout"
	ReasonDownloadError      Reason = "DownloadError"
	ReasonAuthInjectionError Reason = "AuthInjectionError"
	ReasonAuthRejected       Reason = "AuthRejected"
	ReasonNavigationTimeout  Reason = "NavigationTimeout"
	ReasonNavigationError    Reason = "NavigationError"
	ReasonUploadError        Reason = "UploadError"
	ReasonResultTimeout      Reason = "ResultTimeout"
	ReasonReportingError     Reason = "ReportingError"
	ReasonInterrupted        Reason = "Interrupted"
)

// PhaseError is the terminal failure of a session. Secondary holds an error
// observed alongside a deadline expiry; both are reported.
type PhaseError struct {
	Reason    Reason
	Phase     models.Phase
	Cause     error
	Secondary error
}

func (e *PhaseError) Error() string {
	msg := fmt.Sprintf("%s during %s", e.Reason, e.Phase)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	if e.Secondary != nil {
		msg += " (also: " + e.Secondary.Error() + ")"
	}
	return msg
}

func (e *PhaseError) Unwrap() error {
	return e.Cause
}

// phaseFailure classifies err observed under phaseCtx. A phase deadline that
// has expired takes precedence over the transport or driver error, which is
// kept as the secondary cause.
func phaseFailure(phaseCtx context.Context, phase models.Phase, timeout, other Reason, err error) *PhaseError {
	switch {
	case errors.Is(phaseCtx.Err(), context.DeadlineExceeded):
		pe := &PhaseError{Reason: timeout, Phase: phase, Cause: context.DeadlineExceeded}
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			pe.Secondary = err
		}
		return pe
	case errors.Is(phaseCtx.Err(), context.Canceled):
		return &PhaseError{Reason: ReasonInterrupted, Phase: phase, Cause: context.Canceled, Secondary: err}
	default:
		return &PhaseError{Reason: other, Phase: phase, Cause: err}
	}
}

// asPhaseError wraps unclassified errors so every failure carries a reason
func asPhaseError(err error, phase models.Phase) *PhaseError {
	var pe *PhaseError
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.Canceled) {
		return &PhaseError{Reason: ReasonInterrupted, Phase: phase, Cause: err}
	}
	return &PhaseError{Reason: ReasonNavigationError, Phase: phase, Cause: err}
}

// ReasonOf extracts the failure reason, or "" when err is not a PhaseError
func ReasonOf(err error) Reason {
	var pe *PhaseError
	if errors.As(err, &pe) {
		return pe.Reason
	}
	return ""
}
