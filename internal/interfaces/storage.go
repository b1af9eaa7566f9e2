package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/nuntius/internal/models"
)

// JobHistoryStorage persists terminal job records
type JobHistoryStorage interface {
	SaveRecord(ctx context.Context, record *models.JobRecord) error
	ListRecords(ctx context.Context, limit int) ([]*models.JobRecord, error)
	ListRecordsForTarget(ctx context.Context, targetID string, limit int) ([]*models.JobRecord, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// StorageManager provides access to all storage services
type StorageManager interface {
	JobHistory() JobHistoryStorage
	Close() error
}
