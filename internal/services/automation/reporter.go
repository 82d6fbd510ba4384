package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/scanagent/internal/interfaces"
	"github.com/ternarybob/scanagent/internal/models"
	"github.com/ternarybob/scanagent/internal/services/workqueue"
)

// Reporter uploads artifacts and completes jobs. Every completion is written
// to the ledger as pending before it is sent, so a completion that was
// interrupted can be re-sent without driving the host system again.
type Reporter struct {
	queue  interfaces.WorkQueue
	ledger interfaces.ReportStorage
	policy *workqueue.RetryPolicy
	logger arbor.ILogger
	now    func() time.Time
}

// NewReporter creates a reporter applying policy to uploads and completions
func NewReporter(queue interfaces.WorkQueue, ledger interfaces.ReportStorage, policy *workqueue.RetryPolicy, logger arbor.ILogger) *Reporter {
	return &Reporter{
		queue:  queue,
		ledger: ledger,
		policy: policy,
		logger: logger,
		now:    time.Now,
	}
}

// Report uploads the session's artifacts and completes the job. A job whose
// completion is already recorded is never sent again.
func (r *Reporter) Report(ctx context.Context, session *models.Session, requireSecondary bool) (models.ResultSummary, error) {
	jobID := session.Job.ID
	logger := r.logger.WithCorrelationId(jobID)

	record, err := r.ledger.GetRecord(ctx, jobID)
	if err != nil {
		return models.ResultSummary{}, fmt.Errorf("failed to read completion ledger: %w", err)
	}

	if record != nil && record.State == models.ReportStateCompleted {
		logger.Info().Msg("Completion already recorded, not sending again")
		return record.Summary, nil
	}

	// An abandoned completion belongs to an earlier failed attempt; the job
	// was re-queued by an operator and is reported from scratch
	if record != nil && record.State == models.ReportStateFailed {
		logger.Info().Msg("Replacing abandoned completion from a failed attempt")
		record = nil
	}

	if record == nil {
		kinds := session.Job.ScanKind.RequiredArtifacts(requireSecondary)
		refs, err := r.uploadArtifacts(ctx, logger, session, kinds)
		if err != nil {
			return models.ResultSummary{}, err
		}

		record = &models.ReportRecord{
			JobID:   jobID,
			Summary: BuildSummary(session, refs, requireSecondary, r.now()),
			State:   models.ReportStatePending,
		}
		if err := r.ledger.SaveRecord(ctx, record); err != nil {
			return models.ResultSummary{}, fmt.Errorf("failed to record pending completion: %w", err)
		}
	} else {
		logger.Info().Int("previous_attempts", record.Attempts).Msg("Resending pending completion")
	}

	if err := r.complete(ctx, logger, record); err != nil {
		return record.Summary, err
	}
	return record.Summary, nil
}

// ResumePending re-sends completions left pending by a crash. Completions of
// sessions that failed are abandoned first and never appear here.
// It returns how many were completed.
func (r *Reporter) ResumePending(ctx context.Context) (int, error) {
	pending, err := r.ledger.ListPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending completions: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	r.logger.Info().Int("count", len(pending)).Msg("Resuming pending job completions")

	completed := 0
	var errs []error
	for _, record := range pending {
		if err := r.complete(ctx, r.logger.WithCorrelationId(record.JobID), record); err != nil {
			errs = append(errs, err)
			continue
		}
		completed++
	}
	return completed, errors.Join(errs...)
}

// Abandon drops a pending completion for a job that is being reported
// failed, so a later ResumePending cannot complete it
func (r *Reporter) Abandon(ctx context.Context, jobID, reason string) error {
	abandoned, err := r.ledger.MarkFailed(ctx, jobID, reason)
	if err != nil {
		return err
	}
	if abandoned {
		r.logger.WithCorrelationId(jobID).Warn().Msg("Pending completion abandoned")
	}
	return nil
}

func (r *Reporter) complete(ctx context.Context, logger arbor.ILogger, record *models.ReportRecord) error {
	attempts := 0
	err := r.policy.Do(ctx, logger, "complete_job", func(c context.Context) error {
		attempts++
		return r.queue.CompleteJob(c, record.JobID, record.Summary)
	})
	if err != nil {
		record.Attempts += attempts
		record.LastError = err.Error()
		if saveErr := r.ledger.SaveRecord(context.WithoutCancel(ctx), record); saveErr != nil {
			logger.Warn().Err(saveErr).Msg("Failed to update pending completion")
		}
		return fmt.Errorf("failed to complete job %s after %d attempts: %w", record.JobID, attempts, err)
	}

	transitioned, err := r.ledger.MarkCompleted(ctx, record.JobID)
	if err != nil {
		// The remote side de-duplicates, a later resume only re-sends
		logger.Warn().Err(err).Msg("Failed to mark completion in ledger")
		return nil
	}
	if !transitioned {
		return nil
	}

	if err := r.queue.AppendLog(ctx, record.JobID, "processing_completed", completionMessage(record.Summary)); err != nil {
		logger.Warn().Err(err).Msg("Failed to append completion log")
	}
	logger.Info().
		Int("artifacts", len(record.Summary.Artifacts)).
		Bool("score_only", record.Summary.ScoreOnly).
		Msg("Job completion reported")
	return nil
}

// uploadArtifacts uploads the downloaded artifacts of the required kinds, in
// the order the kinds are listed. Missing kinds are skipped.
func (r *Reporter) uploadArtifacts(ctx context.Context, logger arbor.ILogger, session *models.Session, kinds []models.ArtifactKind) ([]models.ArtifactRef, error) {
	refs := make([]models.ArtifactRef, 0, len(kinds))
	for _, kind := range kinds {
		artifact, ok := session.Artifact(kind)
		if !ok {
			continue
		}

		var reference string
		err := r.policy.Do(ctx, logger, "upload_report", func(c context.Context) error {
			ref, err := r.queue.UploadReport(c, session.Job.ID, artifact)
			if err != nil {
				return err
			}
			reference = ref
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to upload %s: %w", artifact.Kind, err)
		}

		logger.Debug().Str("kind", string(artifact.Kind)).Str("reference", reference).Msg("Artifact uploaded")
		refs = append(refs, models.ArtifactRef{
			Kind:      artifact.Kind,
			Reference: reference,
			PageCount: artifact.PageCount,
		})
	}
	return refs, nil
}

// BuildSummary assembles the completion payload. The AI score is only
// reported when the scan kind or the operator setting calls for it, and the
// summary is score-only when a required artifact is missing.
func BuildSummary(session *models.Session, refs []models.ArtifactRef, requireSecondary bool, now time.Time) models.ResultSummary {
	required := session.Job.ScanKind.RequiredArtifacts(requireSecondary)

	summary := models.ResultSummary{
		JobID:       session.Job.ID,
		ScanKind:    session.Job.ScanKind,
		Similarity:  session.Scores.Similarity,
		Artifacts:   append([]models.ArtifactRef{}, refs...),
		CompletedAt: now.UTC(),
	}

	have := make(map[models.ArtifactKind]bool, len(refs))
	for _, ref := range refs {
		have[ref.Kind] = true
	}
	for _, kind := range required {
		if kind == models.ArtifactAIReport {
			summary.AI = session.Scores.AI
		}
		if !have[kind] {
			summary.ScoreOnly = true
		}
	}
	return summary
}

func completionMessage(s models.ResultSummary) string {
	msg := "similarity="
	if s.Similarity != nil {
		msg += fmt.Sprintf("%.1f%%", *s.Similarity)
	} else {
		msg += "n/a"
	}
	if s.AI != nil {
		msg += fmt.Sprintf(" ai=%.1f%%", *s.AI)
	}
	msg += fmt.Sprintf(" artifacts=%d", len(s.Artifacts))
	if s.ScoreOnly {
		msg += " score_only"
	}
	return msg
}
