package automation

import (
	"time"

	"github.com/ternarybob/scanagent/internal/common"
)

// Timings are the parsed per-phase deadlines and poll cadences
type Timings struct {
	Download           time.Duration
	Auth               time.Duration
	NavigationStep     time.Duration
	Navigation         time.Duration
	NavigationPoll     time.Duration
	Upload             time.Duration
	Result             time.Duration
	ResultPoll         time.Duration
	RefreshEveryPolls  int
	Artifact           time.Duration
	ErrorMessageLimit  int
	MaxLoginAttempts   int
	InformationalLimit time.Duration // Bound on fire-and-forget queue calls
}

// TimingsFromConfig parses the [automation] section, falling back to defaults
func TimingsFromConfig(cfg common.AutomationConfig) Timings {
	t := Timings{
		Download:           common.ParseDurationOr(cfg.DownloadTimeout, 2*time.Minute),
		Auth:               common.ParseDurationOr(cfg.AuthTimeout, 15*time.Second),
		NavigationStep:     common.ParseDurationOr(cfg.NavigationStepTimeout, 2*time.Minute),
		Navigation:         common.ParseDurationOr(cfg.NavigationTimeout, 10*time.Minute),
		NavigationPoll:     common.ParseDurationOr(cfg.NavigationPollInterval, 2*time.Second),
		Upload:             common.ParseDurationOr(cfg.UploadTimeout, time.Minute),
		Result:             common.ParseDurationOr(cfg.ResultTimeout, 30*time.Minute),
		ResultPoll:         common.ParseDurationOr(cfg.ResultPollInterval, 5*time.Second),
		RefreshEveryPolls:  cfg.RefreshEveryPolls,
		Artifact:           common.ParseDurationOr(cfg.ArtifactTimeout, time.Minute),
		ErrorMessageLimit:  cfg.ErrorMessageLimit,
		MaxLoginAttempts:   2,
		InformationalLimit: 15 * time.Second,
	}
	if t.ErrorMessageLimit <= 0 {
		t.ErrorMessageLimit = 500
	}
	// A sub-step can never outlive the whole navigation phase
	if t.NavigationStep > t.Navigation {
		t.NavigationStep = t.Navigation
	}
	return t
}
