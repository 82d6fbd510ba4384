package workqueue

import (
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/scanagent/internal/models"
)

var (
	// ErrAuth is returned when no API token is configured or the token is rejected
	ErrAuth = errors.New("work queue authentication failed")

	// ErrAlreadyClaimed is returned when another agent holds the job's lease
	ErrAlreadyClaimed = errors.New("job already claimed by another agent")
)

// APIError represents a non-success response from the work-queue API
type APIError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("work queue API error: %s (status: %d, endpoint: %s)", e.Message, e.StatusCode, e.Endpoint)
}

// NetworkError wraps a transport failure
type NetworkError struct {
	Endpoint string
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("work queue network error (endpoint: %s): %v", e.Endpoint, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// StatusCodeOf returns the HTTP status carried by an APIError, or 0
func StatusCodeOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// jobDTO is the queue's wire representation of a job
type jobDTO struct {
	ID          string    `json:"id"`
	SourcePath  string    `json:"source_path"`
	DisplayName string    `json:"display_name"`
	ScanKind    string    `json:"scan_kind"`
	Attempts    int       `json:"attempts"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

func (d jobDTO) toModel() (models.Job, error) {
	kind, err := models.ParseScanKind(d.ScanKind)
	if err != nil {
		return models.Job{}, err
	}
	status := models.JobStatus(d.Status)
	if status == "" {
		status = models.JobStatusPending
	}
	return models.Job{
		ID:          d.ID,
		SourcePath:  d.SourcePath,
		DisplayName: d.DisplayName,
		ScanKind:    kind,
		Attempts:    d.Attempts,
		Status:      status,
		CreatedAt:   d.CreatedAt,
	}, nil
}

type claimableResponse struct {
	Jobs []jobDTO `json:"jobs"`
}

type claimRequest struct {
	AgentID string `json:"agent_id"`
}

type claimConflict struct {
	ClaimedBy string `json:"claimed_by"`
}

type statusRequest struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
	AgentID      string `json:"agent_id"`
}

type logRequest struct {
	Action  string `json:"action"`
	Message string `json:"message,omitempty"`
	AgentID string `json:"agent_id"`
}

type sourceURLResponse struct {
	URL string `json:"url"`
}

type uploadResponse struct {
	Reference string `json:"reference"`
}
