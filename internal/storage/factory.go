package storage

import (
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/nuntius/internal/common"
	"github.com/ternarybob/nuntius/internal/interfaces"
	"github.com/ternarybob/nuntius/internal/storage/badger"
)

// Manager wires the Badger-backed storage services
type Manager struct {
	db      *badger.BadgerDB
	history *badger.HistoryStorage
}

// NewManager opens the database and constructs the storage services
func NewManager(logger arbor.ILogger, config *common.StorageConfig) (*Manager, error) {
	db, err := badger.NewBadgerDB(logger, &config.Badger)
	if err != nil {
		return nil, err
	}

	return &Manager{
		db:      db,
		history: badger.NewHistoryStorage(db, logger),
	}, nil
}

// JobHistory returns the job history storage
func (m *Manager) JobHistory() interfaces.JobHistoryStorage {
	return m.history
}

// RunGC reclaims value-log space in the underlying database
func (m *Manager) RunGC() error {
	return m.db.RunGC()
}

// Close closes the underlying database
func (m *Manager) Close() error {
	return m.db.Close()
}
