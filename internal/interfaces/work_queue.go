package interfaces

import (
	"context"

	"github.com/ternarybob/scanagent/internal/models"
)

// WorkQueue is the authenticated client to the remote job API.
// Implementations never retry; callers apply policy.
type WorkQueue interface {
	// Configured reports whether an API token is present
	Configured() bool

	// ListClaimable returns pending jobs, oldest first. No jobs is not an error.
	ListClaimable(ctx context.Context) ([]models.Job, error)

	// Claim leases the job to this agent. Claiming a job this agent already
	// holds succeeds; a job held by another agent fails with an already-claimed error.
	Claim(ctx context.Context, jobID string) error

	// Informational calls: failures are logged by callers, never fatal
	IncrementAttempt(ctx context.Context, jobID string) error
	SetStatus(ctx context.Context, jobID string, status models.JobStatus, message string) error
	AppendLog(ctx context.Context, jobID, action, message string) error

	// FetchSource downloads the job's input document
	FetchSource(ctx context.Context, job models.Job) ([]byte, error)

	// UploadReport stores an artifact in the result store and returns its reference
	UploadReport(ctx context.Context, jobID string, artifact models.Artifact) (string, error)

	// CompleteJob is idempotent by job id on the remote side
	CompleteJob(ctx context.Context, jobID string, summary models.ResultSummary) error
}
