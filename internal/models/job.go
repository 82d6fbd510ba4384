package models

import (
	"fmt"
	"strings"
	"time"
)

// ScanKind determines which result artifacts are required before a job completes
type ScanKind string

const (
	ScanKindFullScan       ScanKind = "full_scan"
	ScanKindSimilarityOnly ScanKind = "similarity_only"
)

// ParseScanKind maps the queue's textual scan kind onto the closed enum
func ParseScanKind(s string) (ScanKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "full_scan", "full", "fullscan", "similarity_ai", "ai":
		return ScanKindFullScan, nil
	case "similarity_only", "similarity", "":
		return ScanKindSimilarityOnly, nil
	default:
		return "", fmt.Errorf("unknown scan kind %q", s)
	}
}

// RequiredArtifacts lists the artifacts that must be attempted for this kind.
// The similarity report is always required; the AI report only for a full scan
// or when the operator requires the secondary report.
func (k ScanKind) RequiredArtifacts(requireSecondary bool) []ArtifactKind {
	kinds := []ArtifactKind{ArtifactSimilarityReport}
	if k == ScanKindFullScan || requireSecondary {
		kinds = append(kinds, ArtifactAIReport)
	}
	return kinds
}

// JobStatus is the remote queue status of a job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusClaimed   JobStatus = "claimed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCompleted JobStatus = "completed"
)

// IsTerminal reports whether the agent will never act on the job again
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusFailed || s == JobStatusCompleted
}

// Job is one document to be driven through the external workflow.
// The authoritative copy lives in the remote queue.
type Job struct {
	ID          string    `json:"id"`
	SourcePath  string    `json:"source_path"`
	DisplayName string    `json:"display_name"`
	ScanKind    ScanKind  `json:"scan_kind"`
	Attempts    int       `json:"attempts"`
	Status      JobStatus `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}
