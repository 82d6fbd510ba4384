package automation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/scanagent/internal/models"
	"github.com/ternarybob/scanagent/internal/services/credentials"
)

func (m *Machine) handleClaimed(ctx context.Context, r *run) (models.Phase, error) {
	snap := m.creds.Snapshot()
	if !snap.Usable() {
		return "", &PhaseError{
			Reason: ReasonCredentialsMissing,
			Phase:  models.PhaseClaimed,
			Cause:  errors.New("no usable credentials configured"),
		}
	}
	if snap.Generation != r.session.CredentialGeneration {
		return "", &PhaseError{
			Reason: ReasonCredentialsChanged,
			Phase:  models.PhaseClaimed,
			Cause:  fmt.Errorf("credential generation changed from %d to %d", r.session.CredentialGeneration, snap.Generation),
		}
	}
	r.settings = *snap.Settings
	r.creds = *snap.Active
	return models.PhaseDownloading, nil
}

func (m *Machine) handleDownloading(ctx context.Context, r *run) (models.Phase, error) {
	phaseCtx, cancel := context.WithTimeout(ctx, m.timings.Download)
	defer cancel()

	job := r.session.Job
	data, err := m.queue.FetchSource(phaseCtx, job)
	if err != nil {
		return "", phaseFailure(phaseCtx, models.PhaseDownloading, ReasonDownloadTimeout, ReasonDownloadError, err)
	}

	dir := filepath.Join(m.workDir, r.session.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", &PhaseError{Reason: ReasonDownloadError, Phase: models.PhaseDownloading, Cause: err}
	}
	path := filepath.Join(dir, sourceFileName(job))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", &PhaseError{Reason: ReasonDownloadError, Phase: models.PhaseDownloading, Cause: err}
	}

	m.update(func(s *models.Session) {
		s.SourceFile = path
	})
	r.logger.Debug().Str("path", path).Int("bytes", len(data)).Msg("Source document downloaded")

	if r.creds.Mode == models.AuthModeCookies {
		return models.PhaseAuthenticating, nil
	}
	return models.PhaseNavigating, nil
}

func (m *Machine) handleAuthenticating(ctx context.Context, r *run) (models.Phase, error) {
	if err := m.checkGeneration(r, models.PhaseAuthenticating); err != nil {
		return "", err
	}

	phaseCtx, cancel := context.WithTimeout(ctx, m.timings.Auth)
	defer cancel()

	if err := m.ensureDriver(phaseCtx, r); err != nil {
		return "", phaseFailure(phaseCtx, models.PhaseAuthenticating, ReasonAuthInjectionError, ReasonAuthInjectionError, err)
	}

	if expired := credentials.ExpiredCount(r.creds.Cookies, m.now()); expired > 0 {
		r.logger.Warn().
			Int("expired", expired).
			Int("total", len(r.creds.Cookies)).
			Msg("Injecting cookie jar with expired entries")
	}

	if err := r.driver.InjectCookies(phaseCtx, r.settings.HostURL, r.creds.Cookies); err != nil {
		return "", phaseFailure(phaseCtx, models.PhaseAuthenticating, ReasonAuthInjectionError, ReasonAuthInjectionError, err)
	}
	return models.PhaseNavigating, nil
}

// handleNavigating polls the page kind and acts on it until the document's
// folder is reached. Individual driver errors are transient; only the
// phase deadline is terminal.
func (m *Machine) handleNavigating(ctx context.Context, r *run) (models.Phase, error) {
	if err := m.checkGeneration(r, models.PhaseNavigating); err != nil {
		return "", err
	}

	phaseCtx, cancel := context.WithTimeout(ctx, m.timings.Navigation)
	defer cancel()

	if err := m.ensureDriver(phaseCtx, r); err != nil {
		return "", phaseFailure(phaseCtx, models.PhaseNavigating, ReasonNavigationTimeout, ReasonNavigationError, err)
	}

	var lastErr error
	loginAttempts := 0
	inFolder := false
	displayName := r.session.Job.DisplayName

	if err := m.driverStep(phaseCtx, func(c context.Context) error {
		return r.driver.Navigate(c, r.settings.HostURL)
	}); err != nil {
		lastErr = err
		r.logger.Warn().Err(err).Msg("Initial navigation failed")
	}

	for {
		if phaseCtx.Err() != nil {
			return "", phaseFailure(phaseCtx, models.PhaseNavigating, ReasonNavigationTimeout, ReasonNavigationError, lastErr)
		}

		var kind models.PageKind
		err := m.driverStep(phaseCtx, func(c context.Context) error {
			var detectErr error
			kind, detectErr = r.driver.DetectPageKind(c)
			return detectErr
		})
		if err != nil {
			kind = models.PageKindUnknown
		}

		if err == nil {
			switch kind {
			case models.PageKindLogin:
				if r.creds.Mode == models.AuthModeCookies {
					return "", &PhaseError{
						Reason: ReasonAuthRejected,
						Phase:  models.PhaseNavigating,
						Cause:  errors.New("host presented a login page after cookie injection"),
					}
				}
				if loginAttempts >= m.timings.MaxLoginAttempts {
					return "", &PhaseError{
						Reason: ReasonAuthRejected,
						Phase:  models.PhaseNavigating,
						Cause:  fmt.Errorf("login page still shown after %d attempts", loginAttempts),
					}
				}
				loginAttempts++
				r.logger.Debug().Int("attempt", loginAttempts).Msg("Submitting login")
				err = m.driverStep(phaseCtx, func(c context.Context) error {
					return r.driver.SubmitLogin(c, *r.creds.Password)
				})

			case models.PageKindLaunchPrompt:
				if !r.settings.AutoLaunch {
					err = errors.New("launch prompt shown and auto launch is disabled")
					break
				}
				err = m.driverStep(phaseCtx, r.driver.ClickLaunch)

			case models.PageKindFolderListing:
				if !inFolder {
					err = m.driverStep(phaseCtx, func(c context.Context) error {
						return r.driver.NavigateToFolder(c, r.settings.TargetFolder)
					})
					if err == nil {
						inFolder = true
						r.logger.Debug().Str("folder", r.settings.TargetFolder).Msg("Entered target folder")
					}
					break
				}

				var uploaded bool
				err = m.driverStep(phaseCtx, func(c context.Context) error {
					var checkErr error
					uploaded, checkErr = r.driver.IsAlreadyUploaded(c, displayName)
					return checkErr
				})
				if err != nil {
					break
				}
				if uploaded {
					m.update(func(s *models.Session) {
						s.AlreadyUploaded = true
					})
					r.logger.Info().Str("display_name", displayName).Msg("Document already uploaded, skipping upload")
					m.appendLog(ctx, r.logger, r.session.Job.ID, "already_uploaded", displayName)
					return models.PhaseWaitingForResult, nil
				}
				return models.PhaseUploading, nil

			case models.PageKindUploadModal:
				return models.PhaseUploading, nil

			case models.PageKindReportViewer:
				inFolder = false
				err = m.driverStep(phaseCtx, func(c context.Context) error {
					return r.driver.Navigate(c, r.settings.HostURL)
				})

			default:
				r.logger.Trace().Msg("Page not recognised yet")
			}
		}

		if err != nil {
			lastErr = err
			r.logger.Debug().Err(err).Str("page", string(kind)).Msg("Navigation step failed")
		}

		sleepCtx(phaseCtx, m.timings.NavigationPoll)
	}
}

func (m *Machine) handleUploading(ctx context.Context, r *run) (models.Phase, error) {
	if err := m.checkGeneration(r, models.PhaseUploading); err != nil {
		return "", err
	}

	phaseCtx, cancel := context.WithTimeout(ctx, m.timings.Upload)
	defer cancel()

	if err := m.ensureDriver(phaseCtx, r); err != nil {
		return "", phaseFailure(phaseCtx, models.PhaseUploading, ReasonUploadError, ReasonUploadError, err)
	}

	job := r.session.Job
	if err := r.driver.AttachAndSubmit(phaseCtx, r.session.SourceFile, job.DisplayName); err != nil {
		return "", phaseFailure(phaseCtx, models.PhaseUploading, ReasonUploadError, ReasonUploadError, err)
	}

	m.appendLog(ctx, r.logger, job.ID, "upload_complete", job.DisplayName)
	return models.PhaseWaitingForResult, nil
}

// handleWaitingForResult polls the submission listing until the primary
// score is present. Misses and driver errors keep polling until the deadline.
func (m *Machine) handleWaitingForResult(ctx context.Context, r *run) (models.Phase, error) {
	phaseCtx, cancel := context.WithTimeout(ctx, m.timings.Result)
	defer cancel()

	if err := m.ensureDriver(phaseCtx, r); err != nil {
		return "", phaseFailure(phaseCtx, models.PhaseWaitingForResult, ReasonResultTimeout, ReasonResultTimeout, err)
	}

	displayName := r.session.Job.DisplayName
	var lastErr error
	polls := 0

	for {
		row, err := r.driver.FindResultRow(phaseCtx, displayName)
		polls++

		switch {
		case err != nil:
			lastErr = err
			r.logger.Debug().Err(err).Int("poll", polls).Msg("Result row lookup failed")
		case row.Ready():
			m.update(func(s *models.Session) {
				s.Scores = row.Scores
			})
			ev := r.logger.Info().Int("polls", polls).Float64("similarity", *row.Scores.Similarity)
			if row.Scores.AI != nil {
				ev = ev.Float64("ai", *row.Scores.AI)
			}
			ev.Msg("Result ready")
			return models.PhaseDownloadingResults, nil
		case row.Found:
			r.logger.Trace().Int("poll", polls).Bool("in_progress", row.InProgress).Msg("Result not ready")
		default:
			r.logger.Trace().Int("poll", polls).Msg("Result row not visible")
		}

		if every := m.timings.RefreshEveryPolls; every > 0 && polls%every == 0 {
			if err := r.driver.Refresh(phaseCtx); err != nil {
				lastErr = err
			}
		}

		if !sleepCtx(phaseCtx, m.timings.ResultPoll) {
			return "", phaseFailure(phaseCtx, models.PhaseWaitingForResult, ReasonResultTimeout, ReasonResultTimeout, lastErr)
		}
	}
}

// handleDownloadingResults fetches the required artifacts. Any failure here
// degrades to a score-only completion.
func (m *Machine) handleDownloadingResults(ctx context.Context, r *run) (models.Phase, error) {
	job := r.session.Job
	kinds := job.ScanKind.RequiredArtifacts(r.settings.RequireSecondaryReport)

	viewerCtx, cancel := context.WithTimeout(ctx, m.timings.Artifact)
	err := m.ensureDriver(viewerCtx, r)
	if err == nil {
		err = r.driver.OpenResultViewer(viewerCtx, job.DisplayName)
	}
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return "", &PhaseError{Reason: ReasonInterrupted, Phase: models.PhaseDownloadingResults, Cause: ctx.Err()}
		}
		r.logger.Warn().Err(err).Msg("Result viewer unavailable, completing with scores only")
		m.appendLog(ctx, r.logger, job.ID, "artifact_download_skipped", err.Error())
		return models.PhaseReporting, nil
	}

	for _, kind := range kinds {
		artifact, err := m.downloadArtifact(ctx, r, kind)
		if err != nil {
			if ctx.Err() != nil {
				return "", &PhaseError{Reason: ReasonInterrupted, Phase: models.PhaseDownloadingResults, Cause: ctx.Err()}
			}
			r.logger.Warn().Err(err).Str("kind", string(kind)).Msg("Artifact download failed")
			m.appendLog(ctx, r.logger, job.ID, "artifact_download_failed", fmt.Sprintf("%s: %v", kind, err))
			continue
		}
		m.update(func(s *models.Session) {
			s.Artifacts = append(s.Artifacts, artifact)
		})
	}

	return models.PhaseReporting, nil
}

func (m *Machine) downloadArtifact(ctx context.Context, r *run, kind models.ArtifactKind) (models.Artifact, error) {
	artifactCtx, cancel := context.WithTimeout(ctx, m.timings.Artifact)
	defer cancel()

	artifact, err := r.driver.DownloadArtifact(artifactCtx, kind)
	if err != nil {
		return models.Artifact{}, err
	}
	if len(artifact.Data) == 0 {
		return models.Artifact{}, fmt.Errorf("%s download was empty", kind)
	}
	artifact.Kind = kind

	if err := m.inspector.Inspect(&artifact); err != nil {
		r.logger.Warn().Err(err).Str("kind", string(kind)).Msg("Artifact inspection failed")
	}

	r.logger.Info().
		Str("kind", string(kind)).
		Str("file", artifact.FileName).
		Int("bytes", len(artifact.Data)).
		Int("pages", artifact.PageCount).
		Msg("Artifact downloaded")
	return artifact, nil
}

func (m *Machine) handleReporting(ctx context.Context, r *run) (models.Phase, error) {
	// Nothing on the host side needs the browser from here on
	m.closeDriver(r)

	summary, err := m.reporter.Report(ctx, r.session, r.settings.RequireSecondaryReport)
	if err != nil {
		if ctx.Err() != nil {
			return "", &PhaseError{Reason: ReasonInterrupted, Phase: models.PhaseReporting, Cause: ctx.Err(), Secondary: err}
		}
		return "", &PhaseError{Reason: ReasonReportingError, Phase: models.PhaseReporting, Cause: err}
	}
	r.summary = summary
	return models.PhaseCompleted, nil
}

// checkGeneration fails the session when the credentials were replaced
// after it started
func (m *Machine) checkGeneration(r *run, phase models.Phase) error {
	if current := m.creds.Generation(); current != r.session.CredentialGeneration {
		return &PhaseError{
			Reason: ReasonCredentialsChanged,
			Phase:  phase,
			Cause:  fmt.Errorf("credential generation changed from %d to %d", r.session.CredentialGeneration, current),
		}
	}
	return nil
}

func (m *Machine) ensureDriver(ctx context.Context, r *run) error {
	if r.driver != nil {
		return nil
	}
	driver, err := m.drivers.NewDriver(ctx)
	if err != nil {
		return fmt.Errorf("failed to open page driver: %w", err)
	}
	r.driver = driver
	return nil
}

// driverStep bounds a single navigation sub-step
func (m *Machine) driverStep(ctx context.Context, fn func(ctx context.Context) error) error {
	stepCtx, cancel := context.WithTimeout(ctx, m.timings.NavigationStep)
	defer cancel()
	return fn(stepCtx)
}

// sleepCtx waits for d and reports false when ctx ended first
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// sourceFileName picks the on-disk name of the downloaded document
func sourceFileName(job models.Job) string {
	for _, candidate := range []string{job.DisplayName, job.SourcePath} {
		name := filepath.Base(strings.ReplaceAll(candidate, "\\", "/"))
		if name != "" && name != "." && name != "/" {
			return name
		}
	}
	return "source-" + job.ID
}
