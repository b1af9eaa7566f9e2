package interfaces

import (
	"github.com/ternarybob/nuntius/internal/models"
)

// TokenService supplies cached bearer tokens for upstream calls
type TokenService interface {
	GetToken(target *models.Target) (string, error)
	Invalidate(targetID string)
}

// SessionStore durably records upstream session IDs so a crashed process
// can delete leftover sessions on the next run
type SessionStore interface {
	Load() (map[string]map[string]string, error)
	Save(targetID, instance, sessionID string) error
	Remove(targetID, instance string) error
	Clear() error
}
