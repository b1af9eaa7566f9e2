package broker

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/nuntius/internal/models"
)

// pollLoop drives upstream message polls on a fixed interval. The
// isPolling flag is the only serialization between ticks: a slow tick
// skips the next one instead of overlapping it.
func (s *Service) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.Proxy.PollIntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.isPolling.CompareAndSwap(false, true) {
				continue
			}
			s.pollAll(ctx)
			s.isPolling.Store(false)
		}
	}
}

// pollAll polls every enabled target that holds an upstream session, all
// concurrently within the tick
func (s *Service) pollAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, ts := range s.snapshotTargets() {
		s.mu.Lock()
		sessionID := ts.sessionID
		enabled := ts.target.Enabled
		s.mu.Unlock()

		if !enabled || sessionID == "" {
			continue
		}

		wg.Add(1)
		go func(ts *targetState, sessionID string) {
			defer wg.Done()
			s.pollTarget(ctx, ts, sessionID)
		}(ts, sessionID)
	}
	wg.Wait()
}

// pollTarget performs one message read for a target and processes any
// message it returns
func (s *Service) pollTarget(ctx context.Context, ts *targetState, sessionID string) {
	body, hasMessage, err := s.client.Poll(ctx, ts.target, sessionID)

	s.mu.Lock()
	ts.lastPoll = time.Now()
	if err != nil {
		ts.lastError = err.Error()
	} else if ts.lastError != "" {
		ts.lastError = ""
		defer s.emitStatus()
	}
	s.mu.Unlock()

	if err != nil {
		if !s.shuttingDown.Load() {
			s.logger.Warn().
				Err(err).
				Str("target_id", ts.target.ID).
				Msg("Upstream poll failed")
			s.emitError(ts.target.ID, err)
		}
		return
	}

	if hasMessage {
		s.handleMessage(ctx, ts, sessionID, body)
	}
}

// handleMessage runs the acquire/rewrite/enqueue pipeline for one upstream
// message. Job acquisition upstream strictly precedes enqueue, so a worker
// never receives a job the proxy has not yet claimed.
func (s *Service) handleMessage(ctx context.Context, ts *targetState, sessionID string, raw []byte) {
	env, err := models.ParseEnvelope(raw)
	if err != nil {
		s.logger.Warn().
			Err(err).
			Str("target_id", ts.target.ID).
			Msg("Discarding unparseable upstream message")
		return
	}

	if env.MessageID != "" && s.queue.SeenMessage(env.MessageID) {
		return
	}

	payload, payloadErr := models.ParseJobPayload(env.Body)
	jobID := ""
	if payloadErr == nil {
		jobID = payload.JobID()
	}

	if jobID == "" {
		// Control message: queue it unmodified for a target-affined worker
		s.logger.Debug().
			Str("target_id", ts.target.ID).
			Str("message_type", env.MessageType).
			Msg("Queueing control message")
		s.markSeen(env.MessageID)
		s.queue.Enqueue(ts.target.ID, raw)
		s.acknowledge(ctx, ts, sessionID, env.MessageID)
		return
	}

	if s.tracker.Has(jobID) {
		s.logger.Debug().
			Str("target_id", ts.target.ID).
			Str("job_id", jobID).
			Msg("Ignoring duplicate job message")
		s.markSeen(env.MessageID)
		return
	}

	// A message rejected here is neither acquired nor acknowledged, so
	// upstream redelivers it. It must stay eligible: it is not marked
	// seen until it passes admission.
	s.mu.Lock()
	canAccept := s.canAcceptJob
	s.mu.Unlock()
	if canAccept != nil && !canAccept() {
		s.logger.Info().
			Str("target_id", ts.target.ID).
			Str("job_id", jobID).
			Msg("At capacity, leaving job unacquired")
		return
	}

	s.markSeen(env.MessageID)

	runServiceURL := payload.RunServiceURL()
	if runServiceURL != "" {
		s.tracker.SetRunServiceURL(jobID, runServiceURL)
		if env.MessageID != "" {
			s.tracker.SetRunServiceURL(env.MessageID, runServiceURL)
		}
	}

	// Claim the job upstream before anything is offered to a worker
	if runServiceURL != "" {
		acquired, err := s.client.AcquireJob(ctx, ts.target, sessionID, runServiceURL, jobID, payload.BillingOwnerID())
		if err != nil {
			// The job is still dispatched; the worker's own acquirejob
			// will 404 and the worker fails the job gracefully
			s.logger.Warn().
				Err(err).
				Str("target_id", ts.target.ID).
				Str("job_id", jobID).
				Msg("Upstream acquirejob failed")
		} else {
			s.tracker.SetAcquiredDetails(jobID, acquired)
			if env.MessageID != "" {
				s.tracker.SetAcquiredDetails(env.MessageID, acquired)
			}
		}
	}

	rewritten, err := env.RewriteRunServiceURL(s.ProxyURL())
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("target_id", ts.target.ID).
			Str("job_id", jobID).
			Msg("Failed to rewrite job payload, discarding message")
		return
	}

	s.queue.Enqueue(ts.target.ID, rewritten)
	s.local.PushPending(ts.target.ID)
	s.tracker.Track(&Assignment{
		JobID:      jobID,
		MessageID:  env.MessageID,
		TargetID:   ts.target.ID,
		SessionID:  sessionID,
		AssignedAt: time.Now(),
	})

	s.logger.Info().
		Str("target_id", ts.target.ID).
		Str("job_id", jobID).
		Str("message_id", env.MessageID).
		Msg("Job acquired and queued for dispatch")

	s.emitJobReceived(ts.target.ID, jobID)
	s.acknowledge(ctx, ts, sessionID, env.MessageID)
}

// markSeen records a processed upstream message ID for dedup
func (s *Service) markSeen(messageID string) {
	if messageID == "" {
		return
	}
	s.queue.MarkSeen(messageID)
}

// acknowledge confirms message receipt upstream; failures are non-fatal
func (s *Service) acknowledge(ctx context.Context, ts *targetState, sessionID, messageID string) {
	if messageID == "" {
		return
	}
	if err := s.client.Acknowledge(ctx, ts.target, sessionID, messageID); err != nil {
		s.logger.Warn().
			Err(err).
			Str("target_id", ts.target.ID).
			Str("message_id", messageID).
			Msg("Failed to acknowledge upstream message")
	}
}
