package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/nuntius/internal/common"
	"github.com/ternarybob/nuntius/internal/interfaces"
	"github.com/ternarybob/nuntius/internal/models"
)

// sessionInstance is the instance key written to the session store. The
// proxy holds one session per target; the key is an opaque passthrough
// preserved for stores written by other runner versions.
const sessionInstance = "0"

// targetState is the mutable per-target runtime state. Mutations are
// serialized per target: one poll per tick, session retries gated by the
// absence of a session.
type targetState struct {
	target     *models.Target
	sessionID  string
	lastPoll   time.Time
	lastError  string
	retryTimer *time.Timer
	ensuring   bool
}

// Service is the broker proxy orchestrator. It owns target membership,
// upstream sessions, the polling loop, and the shared queue/tracker/
// session state consumed by the local HTTP handlers.
type Service struct {
	config  *common.Config
	logger  arbor.ILogger
	client  *Client
	queue   *MessageQueue
	tracker *JobTracker
	local   *SessionState
	store   interfaces.SessionStore
	events  interfaces.EventService
	history interfaces.JobHistoryStorage

	mu           sync.Mutex
	targets      map[string]*targetState
	canAcceptJob func() bool
	running      bool

	shuttingDown atomic.Bool
	isPolling    atomic.Bool
	pollCancel   context.CancelFunc
}

// NewService creates the orchestrator. history may be nil when job history
// persistence is disabled.
func NewService(
	config *common.Config,
	client *Client,
	store interfaces.SessionStore,
	events interfaces.EventService,
	history interfaces.JobHistoryStorage,
	logger arbor.ILogger,
) *Service {
	return &Service{
		config:  config,
		logger:  logger,
		client:  client,
		queue:   NewMessageQueue(config.Queue.SeenCap, config.Queue.SeenPrune),
		tracker: NewJobTracker(),
		local:   NewSessionState(),
		store:   store,
		events:  events,
		history: history,
		targets: make(map[string]*targetState),
	}
}

// Queue exposes the per-target message queue to the HTTP handlers
func (s *Service) Queue() *MessageQueue { return s.queue }

// Tracker exposes the job tracker to the HTTP handlers
func (s *Service) Tracker() *JobTracker { return s.tracker }

// LocalSessions exposes the worker session state to the HTTP handlers
func (s *Service) LocalSessions() *SessionState { return s.local }

// Client exposes the upstream client to the forward handler
func (s *Service) Client() *Client { return s.client }

// GetPort returns the local listener port
func (s *Service) GetPort() int { return s.config.Server.Port }

// ProxyURL is the loopback base URL written into rewritten job payloads
func (s *Service) ProxyURL() string {
	return fmt.Sprintf("http://localhost:%d/", s.config.Server.Port)
}

// IsShuttingDown reports whether Stop has begun; worker long-polls check
// this every tick
func (s *Service) IsShuttingDown() bool { return s.shuttingDown.Load() }

// SetCanAcceptJobCallback installs the capacity admission check consulted
// before acquiring a new job upstream
func (s *Service) SetCanAcceptJobCallback(fn func() bool) {
	s.mu.Lock()
	s.canAcceptJob = fn
	s.mu.Unlock()
}

// AddTarget registers a target. When the service is running and the target
// is enabled, an upstream session is created in the background.
func (s *Service) AddTarget(target *models.Target) error {
	if target == nil || target.ID == "" {
		return fmt.Errorf("target missing id")
	}
	if target.Runner == nil || target.Credentials == nil || target.RSAParams == nil {
		return fmt.Errorf("target %s missing credential artifacts", target.ID)
	}

	s.mu.Lock()
	if _, exists := s.targets[target.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("target %s already registered", target.ID)
	}
	ts := &targetState{target: target}
	s.targets[target.ID] = ts
	running := s.running
	s.mu.Unlock()

	s.logger.Info().
		Str("target_id", target.ID).
		Str("name", target.DisplayName).
		Bool("enabled", target.Enabled).
		Msg("Target registered")

	if running && target.Enabled {
		go s.ensureSession(ts)
	}

	s.emitStatus()
	return nil
}

// RemoveTarget deletes a target and all of its in-memory state. The
// upstream session delete is best-effort.
func (s *Service) RemoveTarget(targetID string) error {
	s.mu.Lock()
	ts, ok := s.targets[targetID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("target %s not registered", targetID)
	}
	delete(s.targets, targetID)
	if ts.retryTimer != nil {
		ts.retryTimer.Stop()
		ts.retryTimer = nil
	}
	sessionID := ts.sessionID
	s.mu.Unlock()

	if sessionID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.client.DeleteSession(ctx, ts.target, sessionID); err != nil {
			s.logger.Warn().Err(err).Str("target_id", targetID).Msg("Failed to delete upstream session on target removal")
		}
		cancel()
	}
	_ = s.store.Remove(targetID, sessionInstance)

	s.queue.Clear(targetID)
	s.local.DropPending(targetID)
	removed := s.tracker.ClearTarget(targetID)
	for _, a := range removed {
		s.recordHistory(a, models.JobOutcomeRemoved)
	}

	s.logger.Info().
		Str("target_id", targetID).
		Int("jobs_dropped", len(removed)).
		Msg("Target removed")

	s.emitStatus()
	return nil
}

// Start creates upstream sessions for all enabled targets (scheduling
// retries on failure), replays leftover session IDs from a previous run,
// and launches the polling loop. Idempotent on the running flag.
func (s *Service) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.shuttingDown.Store(false)
		return nil
	}
	s.running = true
	s.mu.Unlock()
	s.shuttingDown.Store(false)

	s.cleanupStaleSessions()

	var wg sync.WaitGroup
	for _, ts := range s.snapshotTargets() {
		if !ts.target.Enabled {
			continue
		}
		wg.Add(1)
		go func(ts *targetState) {
			defer wg.Done()
			s.ensureSession(ts)
		}(ts)
	}
	wg.Wait()

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.pollCancel = cancel
	s.mu.Unlock()
	go s.pollLoop(ctx)

	s.logger.Info().
		Int("targets", len(s.snapshotTargets())).
		Int("port", s.config.Server.Port).
		Msg("Broker service started")

	return nil
}

// Stop signals shutdown (breaking worker long-polls), cancels retry
// timers, stops polling, and fires best-effort upstream session deletes.
func (s *Service) Stop() {
	s.shuttingDown.Store(true)

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	if s.pollCancel != nil {
		s.pollCancel()
		s.pollCancel = nil
	}
	for _, ts := range s.targets {
		if ts.retryTimer != nil {
			ts.retryTimer.Stop()
			ts.retryTimer = nil
		}
	}
	s.mu.Unlock()

	// Fire-and-forget: shutdown does not wait for upstream deletes.
	// Leftover IDs remain in the session store for next-run cleanup.
	for _, ts := range s.snapshotTargets() {
		s.mu.Lock()
		sessionID := ts.sessionID
		ts.sessionID = ""
		s.mu.Unlock()
		if sessionID == "" {
			continue
		}
		go func(ts *targetState, sessionID string) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.client.DeleteSession(ctx, ts.target, sessionID); err == nil {
				_ = s.store.Remove(ts.target.ID, sessionInstance)
			}
		}(ts, sessionID)
	}

	s.tracker.ClearAll()
	s.local.Clear()

	s.logger.Info().Msg("Broker service stopped")
}

// EnsureSessions opportunistically creates upstream sessions for enabled
// targets that lack one. Called when a worker opens a local session.
func (s *Service) EnsureSessions() {
	if s.shuttingDown.Load() {
		return
	}
	for _, ts := range s.snapshotTargets() {
		s.mu.Lock()
		needed := ts.target.Enabled && ts.sessionID == ""
		s.mu.Unlock()
		if needed {
			go s.ensureSession(ts)
		}
	}
}

// GetStatus snapshots every registered target
func (s *Service) GetStatus() []models.TargetStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]models.TargetStatus, 0, len(s.targets))
	for _, ts := range s.targets {
		status := models.TargetStatus{
			TargetID:      ts.target.ID,
			Registered:    true,
			SessionActive: ts.sessionID != "",
			JobsAssigned:  s.tracker.CountForTarget(ts.target.ID),
			Error:         ts.lastError,
		}
		if !ts.lastPoll.IsZero() {
			lastPoll := ts.lastPoll
			status.LastPoll = &lastPoll
		}
		statuses = append(statuses, status)
	}

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].TargetID < statuses[j].TargetID })
	return statuses
}

// HasQueuedJobs reports whether any target queue holds an undelivered
// payload
func (s *Service) HasQueuedJobs() bool {
	return s.queue.HasAnyMessages()
}

// GetQueuedJob peeks the oldest undelivered payload across all targets
func (s *Service) GetQueuedJob() ([]byte, bool) {
	return s.queue.PeekAny()
}

// Target returns the registered target for an ID
func (s *Service) Target(targetID string) (*models.Target, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.targets[targetID]
	if !ok {
		return nil, false
	}
	return ts.target, true
}

// UpstreamSession returns the target's active upstream session ID
func (s *Service) UpstreamSession(targetID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.targets[targetID]
	if !ok || ts.sessionID == "" {
		return "", false
	}
	return ts.sessionID, true
}

// FallbackTarget returns the first enabled target with an active upstream
// session. Used only when a worker request cannot be mapped to a target.
func (s *Service) FallbackTarget() (*models.Target, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.targets))
	for id := range s.targets {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		ts := s.targets[id]
		if ts.target.Enabled && ts.sessionID != "" {
			return ts.target, ts.sessionID, true
		}
	}
	return nil, "", false
}

// CompleteJob removes a finished job and records its history
func (s *Service) CompleteJob(jobID string) {
	a, ok := s.tracker.Remove(jobID)
	if !ok {
		return
	}
	s.recordHistory(a, models.JobOutcomeFinished)
	s.logger.Info().
		Str("job_id", jobID).
		Str("target_id", a.TargetID).
		Msg("Job completed")
	s.emitStatus()
}

// --- upstream session management ---

// ensureSession creates the target's upstream session with conflict
// recovery: on 409 the stale session is deleted and the create retried.
// Persistent failure schedules a background retry.
func (s *Service) ensureSession(ts *targetState) {
	s.mu.Lock()
	if ts.sessionID != "" || !ts.target.Enabled || ts.ensuring {
		s.mu.Unlock()
		return
	}
	ts.ensuring = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		ts.ensuring = false
		s.mu.Unlock()
	}()

	backoff := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	var lastErr error

	for attempt := 0; attempt < 3; attempt++ {
		if s.shuttingDown.Load() {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		sessionID, err := s.client.CreateSession(ctx, ts.target)
		cancel()

		if err == nil {
			s.mu.Lock()
			ts.sessionID = sessionID
			ts.lastError = ""
			s.mu.Unlock()

			_ = s.store.Save(ts.target.ID, sessionInstance, sessionID)

			s.logger.Info().
				Str("target_id", ts.target.ID).
				Str("session_id", sessionID).
				Msg("Upstream session created")
			s.emitStatus()
			return
		}

		lastErr = err

		if conflict, ok := err.(*SessionConflictError); ok && conflict.ExistingID != "" {
			s.logger.Warn().
				Str("target_id", ts.target.ID).
				Str("stale_session_id", conflict.ExistingID).
				Msg("Session conflict, deleting stale upstream session")

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			delErr := s.client.DeleteSession(ctx, ts.target, conflict.ExistingID)
			cancel()

			if delErr == nil {
				// Short retry: the slot upstream is free now
				time.Sleep(1 * time.Second)
				continue
			}
		}

		if attempt < len(backoff) {
			time.Sleep(backoff[attempt])
		}
	}

	s.mu.Lock()
	ts.lastError = lastErr.Error()
	s.mu.Unlock()

	s.logger.Error().
		Err(lastErr).
		Str("target_id", ts.target.ID).
		Msg("Failed to create upstream session, scheduling retry")

	s.emitError(ts.target.ID, lastErr)
	s.emitStatus()
	s.scheduleSessionRetry(ts)
}

// scheduleSessionRetry arms a background retry; cancelled on shutdown and
// target removal
func (s *Service) scheduleSessionRetry(ts *targetState) {
	if s.shuttingDown.Load() {
		return
	}

	interval := s.config.Proxy.SessionRetryIntervalDuration()

	s.mu.Lock()
	if ts.retryTimer != nil {
		ts.retryTimer.Stop()
	}
	ts.retryTimer = time.AfterFunc(interval, func() {
		s.mu.Lock()
		ts.retryTimer = nil
		registered := s.targets[ts.target.ID] == ts
		s.mu.Unlock()

		if registered && !s.shuttingDown.Load() {
			s.ensureSession(ts)
		}
	})
	s.mu.Unlock()
}

// cleanupStaleSessions deletes sessions a previous run left behind,
// using the persisted session document
func (s *Service) cleanupStaleSessions() {
	leftover, err := s.store.Load()
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to load persisted broker sessions")
		return
	}

	for targetID, instances := range leftover {
		target, ok := s.Target(targetID)
		if !ok {
			continue
		}
		for instance, sessionID := range instances {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := s.client.DeleteSession(ctx, target, sessionID)
			cancel()
			if err != nil {
				s.logger.Warn().
					Err(err).
					Str("target_id", targetID).
					Str("session_id", sessionID).
					Msg("Failed to delete leftover upstream session")
			} else {
				s.logger.Info().
					Str("target_id", targetID).
					Str("session_id", sessionID).
					Msg("Deleted leftover upstream session from previous run")
			}
			_ = s.store.Remove(targetID, instance)
		}
	}
}

// --- helpers ---

func (s *Service) snapshotTargets() []*targetState {
	s.mu.Lock()
	defer s.mu.Unlock()

	states := make([]*targetState, 0, len(s.targets))
	for _, ts := range s.targets {
		states = append(states, ts)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].target.ID < states[j].target.ID })
	return states
}

func (s *Service) recordHistory(a *Assignment, outcome string) {
	if s.history == nil {
		return
	}

	record := &models.JobRecord{
		JobID:       a.JobID,
		TargetID:    a.TargetID,
		SessionID:   a.SessionID,
		WorkerID:    a.WorkerID,
		AssignedAt:  a.AssignedAt,
		CompletedAt: time.Now(),
		Outcome:     outcome,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.history.SaveRecord(ctx, record); err != nil {
		s.logger.Warn().Err(err).Str("job_id", a.JobID).Msg("Failed to persist job history record")
	}
}

func (s *Service) emitStatus() {
	if s.events == nil {
		return
	}
	_ = s.events.Publish(context.Background(), interfaces.Event{
		Type:    interfaces.EventStatusUpdate,
		Payload: s.GetStatus(),
	})
}

func (s *Service) emitError(targetID string, err error) {
	if s.events == nil {
		return
	}
	_ = s.events.Publish(context.Background(), interfaces.Event{
		Type: interfaces.EventBrokerError,
		Payload: map[string]string{
			"target_id": targetID,
			"error":     err.Error(),
		},
	})
}

func (s *Service) emitJobReceived(targetID, jobID string) {
	if s.events == nil {
		return
	}
	_ = s.events.Publish(context.Background(), interfaces.Event{
		Type: interfaces.EventJobReceived,
		Payload: map[string]string{
			"target_id": targetID,
			"job_id":    jobID,
		},
	})
}
