package broker

import (
	"sync"
	"time"
)

// Assignment records a job dispatched to (at most) one local worker
type Assignment struct {
	JobID      string    `json:"jobId"`
	MessageID  string    `json:"messageId"`
	TargetID   string    `json:"targetId"`
	SessionID  string    `json:"sessionId"`
	WorkerID   string    `json:"workerId,omitempty"`
	AssignedAt time.Time `json:"assignedAt"`
}

// JobTracker maps dispatched jobs to their targets and upstream URLs. Run
// service URLs and acquired job bodies are double-keyed by job ID and
// message ID: the worker's acquirejob call carries the message ID while
// later lifecycle calls carry the job ID, and the proxy must answer both.
type JobTracker struct {
	mu              sync.Mutex
	assignments     map[string]*Assignment
	runServiceURLs  map[string]string
	acquiredDetails map[string][]byte
}

// NewJobTracker creates an empty job tracker
func NewJobTracker() *JobTracker {
	return &JobTracker{
		assignments:     make(map[string]*Assignment),
		runServiceURLs:  make(map[string]string),
		acquiredDetails: make(map[string][]byte),
	}
}

// Track records an assignment. Returns false if the job was already
// tracked, leaving the existing assignment untouched.
func (t *JobTracker) Track(assignment *Assignment) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.assignments[assignment.JobID]; ok {
		return false
	}
	t.assignments[assignment.JobID] = assignment
	return true
}

// Has reports whether the job is tracked
func (t *JobTracker) Has(jobID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.assignments[jobID]
	return ok
}

// Get returns the assignment for a job ID
func (t *JobTracker) Get(jobID string) (*Assignment, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.assignments[jobID]
	return a, ok
}

// SetWorker binds the job to the local worker session that received it
func (t *JobTracker) SetWorker(jobID, workerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if a, ok := t.assignments[jobID]; ok {
		a.WorkerID = workerID
	}
}

// Remove drops the assignment and its associated URL and detail entries,
// returning the removed assignment
func (t *JobTracker) Remove(jobID string) (*Assignment, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.assignments[jobID]
	if !ok {
		return nil, false
	}
	delete(t.assignments, jobID)
	t.dropKeys(a)
	return a, true
}

// SetRunServiceURL records the per-job upstream base under a job or
// message ID key
func (t *JobTracker) SetRunServiceURL(key, url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runServiceURLs[key] = url
}

// RunServiceURL returns the per-job upstream base for a job or message ID
func (t *JobTracker) RunServiceURL(key string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	url, ok := t.runServiceURLs[key]
	return url, ok
}

// SetAcquiredDetails stores the upstream acquirejob response body under a
// job or message ID key for later replay to the worker
func (t *JobTracker) SetAcquiredDetails(key string, body []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.acquiredDetails[key] = body
}

// AcquiredDetails returns the stored acquirejob body for a job or message ID
func (t *JobTracker) AcquiredDetails(key string) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	body, ok := t.acquiredDetails[key]
	return body, ok
}

// ResolveJobID maps a job or message ID to the tracked job ID
func (t *JobTracker) ResolveJobID(key string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.assignments[key]; ok {
		return key, true
	}
	for jobID, a := range t.assignments {
		if a.MessageID == key {
			return jobID, true
		}
	}
	return "", false
}

// JobsForTarget returns all assignments for a target
func (t *JobTracker) JobsForTarget(targetID string) []*Assignment {
	t.mu.Lock()
	defer t.mu.Unlock()

	var jobs []*Assignment
	for _, a := range t.assignments {
		if a.TargetID == targetID {
			jobs = append(jobs, a)
		}
	}
	return jobs
}

// CountForTarget returns the number of assignments for a target
func (t *JobTracker) CountForTarget(targetID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	count := 0
	for _, a := range t.assignments {
		if a.TargetID == targetID {
			count++
		}
	}
	return count
}

// Count returns the total number of tracked assignments
func (t *JobTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.assignments)
}

// ClearTarget drops all state for a target, returning the removed
// assignments
func (t *JobTracker) ClearTarget(targetID string) []*Assignment {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []*Assignment
	for jobID, a := range t.assignments {
		if a.TargetID == targetID {
			delete(t.assignments, jobID)
			t.dropKeys(a)
			removed = append(removed, a)
		}
	}
	return removed
}

// ClearAll drops every tracked job
func (t *JobTracker) ClearAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.assignments = make(map[string]*Assignment)
	t.runServiceURLs = make(map[string]string)
	t.acquiredDetails = make(map[string][]byte)
}

// dropKeys removes URL and detail entries under both keys of an
// assignment. Caller holds the lock.
func (t *JobTracker) dropKeys(a *Assignment) {
	delete(t.runServiceURLs, a.JobID)
	delete(t.acquiredDetails, a.JobID)
	if a.MessageID != "" {
		delete(t.runServiceURLs, a.MessageID)
		delete(t.acquiredDetails, a.MessageID)
	}
}
