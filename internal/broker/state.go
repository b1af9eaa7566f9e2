package broker

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// LocalSession is a worker-facing session minted for one worker on
// loopback. A session holds at most one job over its lifetime; workers
// execute one job and exit.
type LocalSession struct {
	ID           string
	CreatedAt    time.Time
	TargetID     string
	CurrentJobID string
}

// SessionState owns the local sessions and the pending-assignment queue: a
// FIFO of target IDs pushed whenever a job is queued, consumed exactly
// once by the next worker that opens a session. Single consumer (session
// create), multiple producers (poll loop).
type SessionState struct {
	mu       sync.Mutex
	sessions map[string]*LocalSession
	pending  []string
}

// NewSessionState creates empty local-session state
func NewSessionState() *SessionState {
	return &SessionState{
		sessions: make(map[string]*LocalSession),
	}
}

// CreateSession mints a local session bound to the head of the pending
// assignment queue (unbound when the queue is empty).
func (s *SessionState) CreateSession() *LocalSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	session := &LocalSession{
		ID:        uuid.New().String(),
		CreatedAt: time.Now(),
	}
	if len(s.pending) > 0 {
		session.TargetID = s.pending[0]
		s.pending = s.pending[1:]
	}

	s.sessions[session.ID] = session
	snapshot := *session
	return &snapshot
}

// GetSession returns a snapshot of the local session for an ID. Callers
// never see later mutations; those go through BindJob under the lock.
func (s *SessionState) GetSession(sessionID string) (*LocalSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, false
	}
	snapshot := *session
	return &snapshot, true
}

// RemoveSession deletes a local session
func (s *SessionState) RemoveSession(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return false
	}
	delete(s.sessions, sessionID)
	return true
}

// BindJob sets the session's current job. A session transitions to
// holding a job exactly once.
func (s *SessionState) BindJob(sessionID, jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok || session.CurrentJobID != "" {
		return false
	}
	session.CurrentJobID = jobID
	return true
}

// PushPending reserves the target for the next worker session
func (s *SessionState) PushPending(targetID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, targetID)
}

// PendingCount returns the number of queued target reservations
func (s *SessionState) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// DropPending removes queued reservations for a target (used on target
// removal)
func (s *SessionState) DropPending(targetID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.pending[:0]
	for _, id := range s.pending {
		if id != targetID {
			kept = append(kept, id)
		}
	}
	s.pending = kept
}

// Clear drops all sessions and pending reservations
func (s *SessionState) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]*LocalSession)
	s.pending = nil
}
