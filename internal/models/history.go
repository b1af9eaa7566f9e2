package models

import (
	"time"
)

// Job outcomes recorded in history
const (
	JobOutcomeFinished = "finished"
	JobOutcomeRemoved  = "removed"
)

// JobRecord is the durable record of a dispatched job, written when the
// job reaches a terminal state
type JobRecord struct {
	JobID       string    `badgerhold:"key"`
	TargetID    string    `badgerholdIndex:"TargetID"`
	SessionID   string    // Upstream session the job was acquired under
	WorkerID    string    // Local session UUID of the worker that ran it
	AssignedAt  time.Time
	CompletedAt time.Time
	Outcome     string
}
