package interfaces

import (
	"context"

	"github.com/ternarybob/scanagent/internal/models"
)

// StatusStorage persists the agent status singleton
type StatusStorage interface {
	SaveStatus(ctx context.Context, status *models.AgentStatus) error
	// LoadStatus returns nil, nil when nothing has been saved
	LoadStatus(ctx context.Context) (*models.AgentStatus, error)
}

// SettingsStorage persists the credential settings singleton
type SettingsStorage interface {
	SaveSettings(ctx context.Context, settings *models.AgentSettings) error
	// LoadSettings returns nil, nil when nothing has been saved
	LoadSettings(ctx context.Context) (*models.AgentSettings, error)
}

// ReportStorage is the completion ledger
type ReportStorage interface {
	SaveRecord(ctx context.Context, record *models.ReportRecord) error
	// GetRecord returns nil, nil when the job has no record
	GetRecord(ctx context.Context, jobID string) (*models.ReportRecord, error)
	ListPending(ctx context.Context) ([]*models.ReportRecord, error)
	// MarkCompleted flips a pending record to completed. It reports false
	// when the record was already completed.
	MarkCompleted(ctx context.Context, jobID string) (bool, error)
	// MarkFailed flips a pending record to failed so it is never resumed.
	// It reports false when there is no pending record.
	MarkFailed(ctx context.Context, jobID, reason string) (bool, error)
}

// StorageManager owns all storages and the underlying database
type StorageManager interface {
	StatusStorage() StatusStorage
	SettingsStorage() SettingsStorage
	ReportStorage() ReportStorage
	Close() error
}
