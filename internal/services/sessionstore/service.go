package sessionstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ternarybob/arbor"
)

const fileName = "broker-sessions.json"

// Service durably records upstream session IDs under the runner directory
// so a crashed process can delete leftover sessions on the next run. The
// on-disk document maps targetId -> instance -> sessionId. Writes are
// whole-file rewrites; an empty document deletes the file.
type Service struct {
	path   string
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewService creates a session store writing to <runnerDir>/broker-sessions.json
func NewService(runnerDir string, logger arbor.ILogger) *Service {
	return &Service{
		path:   filepath.Join(runnerDir, fileName),
		logger: logger,
	}
}

// Load reads the persisted session document. A missing file yields an
// empty map.
func (s *Service) Load() (map[string]map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Save records a session ID for (targetID, instance)
func (s *Service) Save(targetID, instance, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, err := s.load()
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to load session store, starting fresh")
		sessions = make(map[string]map[string]string)
	}

	if sessions[targetID] == nil {
		sessions[targetID] = make(map[string]string)
	}
	sessions[targetID][instance] = sessionID

	if err := s.write(sessions); err != nil {
		s.logger.Warn().Err(err).Str("target_id", targetID).Msg("Failed to persist session ID")
		return err
	}
	return nil
}

// Remove deletes the record for (targetID, instance), deleting the file
// when no entries remain
func (s *Service) Remove(targetID, instance string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, err := s.load()
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to load session store for removal")
		return err
	}

	if instances, ok := sessions[targetID]; ok {
		delete(instances, instance)
		if len(instances) == 0 {
			delete(sessions, targetID)
		}
	}

	if err := s.write(sessions); err != nil {
		s.logger.Warn().Err(err).Str("target_id", targetID).Msg("Failed to persist session removal")
		return err
	}
	return nil
}

// Clear drops all records and deletes the file
func (s *Service) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(nil)
}

func (s *Service) load() (map[string]map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]map[string]string), nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", s.path, err)
	}

	sessions := make(map[string]map[string]string)
	if err := json.Unmarshal(data, &sessions); err != nil {
		return nil, fmt.Errorf("corrupt session store %s: %w", s.path, err)
	}
	return sessions, nil
}

func (s *Service) write(sessions map[string]map[string]string) error {
	if len(sessions) == 0 {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete %s: %w", s.path, err)
		}
		return nil
	}

	data, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session store: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create runner directory: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", s.path, err)
	}
	return nil
}
