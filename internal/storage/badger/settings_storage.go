package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/scanagent/internal/interfaces"
	"github.com/ternarybob/scanagent/internal/models"
)

const settingsKey = "agent_settings"

// SettingsStorage persists the credential settings singleton
type SettingsStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewSettingsStorage creates a new SettingsStorage instance
func NewSettingsStorage(db *BadgerDB, logger arbor.ILogger) interfaces.SettingsStorage {
	return &SettingsStorage{
		db:     db,
		logger: logger,
	}
}

func (s *SettingsStorage) SaveSettings(ctx context.Context, settings *models.AgentSettings) error {
	if settings == nil {
		return fmt.Errorf("settings are required")
	}
	settings.UpdatedAt = time.Now()

	if err := s.db.Store().Upsert(settingsKey, settings); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	s.logger.Debug().Str("mode", string(settings.Mode)).Msg("Agent settings saved")
	return nil
}

func (s *SettingsStorage) LoadSettings(ctx context.Context) (*models.AgentSettings, error) {
	var settings models.AgentSettings
	if err := s.db.Store().Get(settingsKey, &settings); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	return &settings, nil
}
