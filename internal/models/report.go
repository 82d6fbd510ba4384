package models

import "time"

// ReportState is the local ledger state of a job completion
type ReportState string

const (
	ReportStatePending   ReportState = "pending"
	ReportStateCompleted ReportState = "completed"
	// ReportStateFailed marks a completion abandoned because the job was
	// reported failed; it is never re-sent
	ReportStateFailed ReportState = "failed"
)

// ReportRecord persists a completion before it is sent so a crash between
// upload and completion can be resumed without re-driving the host system
type ReportRecord struct {
	JobID     string        `json:"job_id" badgerhold:"key"`
	Summary   ResultSummary `json:"summary"`
	State     ReportState   `json:"state"`
	Attempts  int           `json:"attempts"`
	LastError string        `json:"last_error,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}
