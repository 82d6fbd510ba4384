package badger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/scanagent/internal/interfaces"
	"github.com/ternarybob/scanagent/internal/models"
)

// ReportStorage is the completion ledger keyed by job id
type ReportStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewReportStorage creates a new ReportStorage instance
func NewReportStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ReportStorage {
	return &ReportStorage{
		db:     db,
		logger: logger,
	}
}

func (s *ReportStorage) SaveRecord(ctx context.Context, record *models.ReportRecord) error {
	if record.JobID == "" {
		return fmt.Errorf("report record job ID is required")
	}

	now := time.Now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Store().Upsert(record.JobID, record); err != nil {
		return fmt.Errorf("failed to save report record: %w", err)
	}
	return nil
}

func (s *ReportStorage) GetRecord(ctx context.Context, jobID string) (*models.ReportRecord, error) {
	var record models.ReportRecord
	if err := s.db.Store().Get(jobID, &record); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get report record: %w", err)
	}
	return &record, nil
}

func (s *ReportStorage) ListPending(ctx context.Context) ([]*models.ReportRecord, error) {
	var records []models.ReportRecord
	if err := s.db.Store().Find(&records, badgerhold.Where("State").Eq(models.ReportStatePending)); err != nil {
		return nil, fmt.Errorf("failed to list pending reports: %w", err)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})

	result := make([]*models.ReportRecord, len(records))
	for i := range records {
		result[i] = &records[i]
	}
	return result, nil
}

// MarkCompleted flips the record inside a single badger transaction so the
// pending->completed transition is observed by exactly one caller.
func (s *ReportStorage) MarkCompleted(ctx context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	store := s.db.Store()
	transitioned := false

	err := store.Badger().Update(func(txn *badger.Txn) error {
		var record models.ReportRecord
		if err := store.TxGet(txn, jobID, &record); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				return fmt.Errorf("report record not found: %s", jobID)
			}
			return err
		}
		if record.State == models.ReportStateCompleted {
			return nil
		}

		record.State = models.ReportStateCompleted
		record.LastError = ""
		record.UpdatedAt = time.Now()
		if err := store.TxUpsert(txn, jobID, &record); err != nil {
			return err
		}
		transitioned = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to mark report completed: %w", err)
	}

	return transitioned, nil
}

// MarkFailed abandons a pending record in the same way MarkCompleted
// completes one. Missing and completed records are left untouched.
func (s *ReportStorage) MarkFailed(ctx context.Context, jobID, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	store := s.db.Store()
	transitioned := false

	err := store.Badger().Update(func(txn *badger.Txn) error {
		var record models.ReportRecord
		if err := store.TxGet(txn, jobID, &record); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				return nil
			}
			return err
		}
		if record.State != models.ReportStatePending {
			return nil
		}

		record.State = models.ReportStateFailed
		record.LastError = reason
		record.UpdatedAt = time.Now()
		if err := store.TxUpsert(txn, jobID, &record); err != nil {
			return err
		}
		transitioned = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to mark report failed: %w", err)
	}

	return transitioned, nil
}
