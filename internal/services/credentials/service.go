package credentials

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/scanagent/internal/interfaces"
	"github.com/ternarybob/scanagent/internal/models"
)

// Service implements CredentialStore on top of persisted AgentSettings
type Service struct {
	storage interfaces.SettingsStorage
	logger  arbor.ILogger

	mu         sync.RWMutex
	settings   *models.AgentSettings
	active     *models.CredentialSet
	generation uint64
	now        func() time.Time
}

// NewService creates a new credential service
func NewService(storage interfaces.SettingsStorage, logger arbor.ILogger) *Service {
	return &Service{
		storage: storage,
		logger:  logger,
		now:     time.Now,
	}
}

// Load restores persisted settings. When nothing is persisted and a bootstrap
// file is given, the file is imported and persisted.
func (s *Service) Load(ctx context.Context, bootstrapFile string) error {
	settings, err := s.storage.LoadSettings(ctx)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	if settings == nil && bootstrapFile != "" {
		imported, err := LoadSettingsFile(bootstrapFile)
		if err != nil {
			return err
		}
		s.logger.Info().Str("file", bootstrapFile).Msg("Importing agent settings from file")
		return s.Update(ctx, *imported)
	}

	if settings == nil {
		s.logger.Warn().Msg("No agent credentials configured")
		return nil
	}

	active, err := buildCredentialSet(settings)
	if err != nil {
		// Keep the settings so the operator can see and fix them
		s.logger.Warn().Err(err).Msg("Persisted agent settings are invalid, credentials inactive")
	}

	s.mu.Lock()
	s.settings = settings
	s.active = active
	s.generation++
	s.mu.Unlock()

	s.logActive(active)
	return nil
}

// GetActive returns the active credential set, or nil when nothing usable is configured
func (s *Service) GetActive() *models.CredentialSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyActive()
}

// Settings returns a copy of the current settings
func (s *Service) Settings() *models.AgentSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copySettings()
}

// Snapshot copies settings, active credentials and generation under one read lock
func (s *Service) Snapshot() models.CredentialSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return models.CredentialSnapshot{
		Settings:   s.copySettings(),
		Active:     s.copyActive(),
		Generation: s.generation,
	}
}

func (s *Service) copyActive() *models.CredentialSet {
	if s.active == nil {
		return nil
	}
	set := *s.active
	set.Cookies = append([]models.CookieEntry(nil), s.active.Cookies...)
	return &set
}

func (s *Service) copySettings() *models.AgentSettings {
	if s.settings == nil {
		return nil
	}
	copied := *s.settings
	return &copied
}

// Generation changes whenever the mode or credential material changes
func (s *Service) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// ExpiredCount reports how many active cookies have expired. Informational only.
func (s *Service) ExpiredCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == nil {
		return 0
	}
	return ExpiredCount(s.active.Cookies, s.now())
}

// Update validates, persists and activates new settings
func (s *Service) Update(ctx context.Context, settings models.AgentSettings) error {
	active, err := buildCredentialSet(&settings)
	if err != nil {
		return err
	}

	if err := s.storage.SaveSettings(ctx, &settings); err != nil {
		return err
	}

	s.mu.Lock()
	changed := s.settings == nil || credentialsChanged(s.settings, &settings)
	s.settings = &settings
	s.active = active
	if changed {
		s.generation++
	}
	generation := s.generation
	s.mu.Unlock()

	s.logger.Info().
		Str("mode", string(settings.Mode)).
		Bool("credentials_changed", changed).
		Int64("generation", int64(generation)).
		Msg("Agent settings updated")
	s.logActive(active)

	return nil
}

func (s *Service) logActive(active *models.CredentialSet) {
	if active == nil || active.Mode != models.AuthModeCookies {
		return
	}
	expired := ExpiredCount(active.Cookies, s.now())
	event := s.logger.Debug()
	if expired > 0 {
		event = s.logger.Warn()
	}
	event.Int("cookies", len(active.Cookies)).
		Int("expired", expired).
		Str("names", describeEntries(active.Cookies)).
		Msg("Cookie jar active")
}

// buildCredentialSet validates settings and produces the active credentials
func buildCredentialSet(settings *models.AgentSettings) (*models.CredentialSet, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	switch settings.Mode {
	case models.AuthModePassword:
		return &models.CredentialSet{
			Mode: models.AuthModePassword,
			Password: &models.PasswordCredentials{
				Username: settings.Username,
				Secret:   settings.Password,
			},
		}, nil
	case models.AuthModeCookies:
		entries, err := ValidateCookieJarText(settings.Cookies, HostDomain(settings.HostURL))
		if err != nil {
			return nil, err
		}
		return &models.CredentialSet{
			Mode:    models.AuthModeCookies,
			Cookies: entries,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", settings.Mode)
	}
}

func credentialsChanged(prev, next *models.AgentSettings) bool {
	if prev.Mode != next.Mode || prev.HostURL != next.HostURL {
		return true
	}
	if next.Mode == models.AuthModePassword {
		return prev.Username != next.Username || prev.Password != next.Password
	}
	return prev.Cookies != next.Cookies
}
