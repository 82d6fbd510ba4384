package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/scanagent/internal/interfaces"
	"github.com/ternarybob/scanagent/internal/models"
)

const statusKey = "agent_status"

// StatusStorage persists the AgentStatus singleton
type StatusStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewStatusStorage creates a new StatusStorage instance
func NewStatusStorage(db *BadgerDB, logger arbor.ILogger) interfaces.StatusStorage {
	return &StatusStorage{
		db:     db,
		logger: logger,
	}
}

func (s *StatusStorage) SaveStatus(ctx context.Context, status *models.AgentStatus) error {
	if err := s.db.Store().Upsert(statusKey, status); err != nil {
		return fmt.Errorf("failed to save agent status: %w", err)
	}
	return nil
}

func (s *StatusStorage) LoadStatus(ctx context.Context) (*models.AgentStatus, error) {
	var status models.AgentStatus
	if err := s.db.Store().Get(statusKey, &status); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load agent status: %w", err)
	}
	return &status, nil
}
