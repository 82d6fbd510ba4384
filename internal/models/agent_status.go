package models

import "time"

// AgentStatus is the process-wide observable status snapshot
type AgentStatus struct {
	Enabled         bool       `json:"enabled"`
	ProcessingJobID string     `json:"processing_job_id,omitempty"`
	Phase           Phase      `json:"phase"`
	ProcessedCount  uint64     `json:"processed_count"`
	LastError       string     `json:"last_error,omitempty"`
	LastErrorAt     *time.Time `json:"last_error_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Processing reports whether a session is active
func (s AgentStatus) Processing() bool {
	return s.ProcessingJobID != ""
}
