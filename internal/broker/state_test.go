package broker

import (
	"testing"
)

func TestSessionState_CreateAndRemove(t *testing.T) {
	st := NewSessionState()

	session := st.CreateSession()
	if session.ID == "" {
		t.Fatal("session has no ID")
	}
	if session.TargetID != "" {
		t.Error("session should be unbound with an empty pending queue")
	}

	got, ok := st.GetSession(session.ID)
	if !ok || got.ID != session.ID {
		t.Fatal("session not retrievable")
	}

	if !st.RemoveSession(session.ID) {
		t.Error("remove failed")
	}
	if st.RemoveSession(session.ID) {
		t.Error("double remove should fail")
	}
}

func TestSessionState_PendingFIFO(t *testing.T) {
	st := NewSessionState()

	st.PushPending("alpha")
	st.PushPending("beta")
	st.PushPending("alpha")

	if st.PendingCount() != 3 {
		t.Fatalf("expected 3 pending, got %d", st.PendingCount())
	}

	// Each new session consumes exactly one reservation, in order
	if s := st.CreateSession(); s.TargetID != "alpha" {
		t.Errorf("first session bound to %q, want alpha", s.TargetID)
	}
	if s := st.CreateSession(); s.TargetID != "beta" {
		t.Errorf("second session bound to %q, want beta", s.TargetID)
	}
	if s := st.CreateSession(); s.TargetID != "alpha" {
		t.Errorf("third session bound to %q, want alpha", s.TargetID)
	}
	if s := st.CreateSession(); s.TargetID != "" {
		t.Errorf("fourth session should be unbound, got %q", s.TargetID)
	}
}

func TestSessionState_DropPending(t *testing.T) {
	st := NewSessionState()
	st.PushPending("alpha")
	st.PushPending("beta")
	st.PushPending("alpha")

	st.DropPending("alpha")

	if st.PendingCount() != 1 {
		t.Fatalf("expected 1 pending after drop, got %d", st.PendingCount())
	}
	if s := st.CreateSession(); s.TargetID != "beta" {
		t.Errorf("remaining reservation should be beta, got %q", s.TargetID)
	}
}

func TestSessionState_BindJobOnce(t *testing.T) {
	st := NewSessionState()
	session := st.CreateSession()

	if !st.BindJob(session.ID, "job-1") {
		t.Fatal("first bind should succeed")
	}
	if st.BindJob(session.ID, "job-2") {
		t.Error("a session holds at most one job over its lifetime")
	}

	got, _ := st.GetSession(session.ID)
	if got.CurrentJobID != "job-1" {
		t.Errorf("bound job is %q, want job-1", got.CurrentJobID)
	}

	if st.BindJob("unknown", "job-3") {
		t.Error("bind to unknown session should fail")
	}
}

func TestSessionState_GetSessionReturnsSnapshot(t *testing.T) {
	st := NewSessionState()
	session := st.CreateSession()

	before, ok := st.GetSession(session.ID)
	if !ok {
		t.Fatal("session not retrievable")
	}

	st.BindJob(session.ID, "job-1")

	// A snapshot handed out earlier never observes later binds
	if before.CurrentJobID != "" {
		t.Errorf("stale snapshot observed the bind: %q", before.CurrentJobID)
	}

	after, _ := st.GetSession(session.ID)
	if after.CurrentJobID != "job-1" {
		t.Errorf("fresh snapshot missing bound job: %q", after.CurrentJobID)
	}

	// Mutating a snapshot must not leak into shared state
	after.CurrentJobID = "tampered"
	got, _ := st.GetSession(session.ID)
	if got.CurrentJobID != "job-1" {
		t.Errorf("snapshot mutation leaked: %q", got.CurrentJobID)
	}
}

func TestSessionState_Clear(t *testing.T) {
	st := NewSessionState()
	session := st.CreateSession()
	st.PushPending("alpha")

	st.Clear()

	if _, ok := st.GetSession(session.ID); ok {
		t.Error("sessions should be gone after clear")
	}
	if st.PendingCount() != 0 {
		t.Error("pending reservations should be gone after clear")
	}
}
