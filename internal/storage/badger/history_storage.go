package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/nuntius/internal/models"
)

// HistoryStorage persists terminal job records in Badger
type HistoryStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewHistoryStorage creates a job history store
func NewHistoryStorage(db *BadgerDB, logger arbor.ILogger) *HistoryStorage {
	return &HistoryStorage{
		db:     db,
		logger: logger,
	}
}

// SaveRecord upserts a terminal job record
func (s *HistoryStorage) SaveRecord(ctx context.Context, record *models.JobRecord) error {
	if record == nil || record.JobID == "" {
		return fmt.Errorf("job record missing job id")
	}

	if err := s.db.Store().Upsert(record.JobID, record); err != nil {
		return fmt.Errorf("failed to save job record %s: %w", record.JobID, err)
	}
	return nil
}

// ListRecords returns the most recently completed jobs, newest first
func (s *HistoryStorage) ListRecords(ctx context.Context, limit int) ([]*models.JobRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	var records []*models.JobRecord
	query := (&badgerhold.Query{}).SortBy("CompletedAt").Reverse().Limit(limit)
	if err := s.db.Store().Find(&records, query); err != nil {
		return nil, fmt.Errorf("failed to list job records: %w", err)
	}
	return records, nil
}

// ListRecordsForTarget returns a target's completed jobs, newest first
func (s *HistoryStorage) ListRecordsForTarget(ctx context.Context, targetID string, limit int) ([]*models.JobRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	var records []*models.JobRecord
	query := badgerhold.Where("TargetID").Eq(targetID).Index("TargetID").
		SortBy("CompletedAt").Reverse().Limit(limit)
	if err := s.db.Store().Find(&records, query); err != nil {
		return nil, fmt.Errorf("failed to list job records for target %s: %w", targetID, err)
	}
	return records, nil
}

// DeleteOlderThan prunes records completed before the cutoff, returning
// the number removed
func (s *HistoryStorage) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	var stale []*models.JobRecord
	query := badgerhold.Where("CompletedAt").Lt(cutoff)
	if err := s.db.Store().Find(&stale, query); err != nil {
		return 0, fmt.Errorf("failed to query stale job records: %w", err)
	}

	deleted := 0
	for _, record := range stale {
		if err := s.db.Store().Delete(record.JobID, &models.JobRecord{}); err != nil {
			s.logger.Warn().Err(err).Str("job_id", record.JobID).Msg("Failed to delete stale job record")
			continue
		}
		deleted++
	}
	return deleted, nil
}
