package badger

import (
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/scanagent/internal/common"
	"github.com/ternarybob/scanagent/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db       *BadgerDB
	status   interfaces.StatusStorage
	settings interfaces.SettingsStorage
	reports  interfaces.ReportStorage
	logger   arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (interfaces.StorageManager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	return newManager(db, logger), nil
}

func newManager(db *BadgerDB, logger arbor.ILogger) *Manager {
	return &Manager{
		db:       db,
		status:   NewStatusStorage(db, logger),
		settings: NewSettingsStorage(db, logger),
		reports:  NewReportStorage(db, logger),
		logger:   logger,
	}
}

// StatusStorage returns the agent status storage
func (m *Manager) StatusStorage() interfaces.StatusStorage {
	return m.status
}

// SettingsStorage returns the credential settings storage
func (m *Manager) SettingsStorage() interfaces.SettingsStorage {
	return m.settings
}

// ReportStorage returns the completion ledger
func (m *Manager) ReportStorage() interfaces.ReportStorage {
	return m.reports
}

// Close closes the underlying database
func (m *Manager) Close() error {
	m.logger.Debug().Msg("Closing badger storage")
	return m.db.Close()
}
