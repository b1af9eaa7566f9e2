package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/nuntius/internal/common"
	"github.com/ternarybob/nuntius/internal/models"
	"github.com/ternarybob/nuntius/internal/services/sessionstore"
)

// staticTokens satisfies the token service without network calls
type staticTokens struct{}

func (staticTokens) GetToken(*models.Target) (string, error) { return "test-token", nil }
func (staticTokens) Invalidate(string)                       {}

// brokerStub is a scripted upstream broker
type brokerStub struct {
	mu             sync.Mutex
	sessionCreates int
	sessionDeletes []string
	acquires       []string
	acks           []string
	conflictFirst  string // stale session ID returned on the first create
	acquireBody    string
}

func (b *brokerStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()

		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/session"):
			b.sessionCreates++
			if b.conflictFirst != "" && b.sessionCreates == 1 {
				w.WriteHeader(http.StatusConflict)
				json.NewEncoder(w).Encode(map[string]string{"sessionId": b.conflictFirst})
				return
			}
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]string{
				"sessionId": fmt.Sprintf("up-%d", b.sessionCreates),
			})

		case r.Method == http.MethodDelete && strings.HasSuffix(r.URL.Path, "/session"):
			b.sessionDeletes = append(b.sessionDeletes, r.URL.Query().Get("sessionId"))
			w.WriteHeader(http.StatusOK)

		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/acquirejob"):
			var req map[string]interface{}
			json.NewDecoder(r.Body).Decode(&req)
			b.acquires = append(b.acquires, fmt.Sprintf("%v", req["jobMessageId"]))
			body := b.acquireBody
			if body == "" {
				body = `{"acquired":true}`
			}
			w.Write([]byte(body))

		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/acknowledge"):
			var req map[string]string
			json.NewDecoder(r.Body).Decode(&req)
			b.acks = append(b.acks, req["messageId"])
			w.Write([]byte(`{}`))

		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func (b *brokerStub) snapshot() (creates int, deletes, acquires, acks []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessionCreates,
		append([]string(nil), b.sessionDeletes...),
		append([]string(nil), b.acquires...),
		append([]string(nil), b.acks...)
}

func stubTarget(id, serverURL string) *models.Target {
	return &models.Target{
		ID:      id,
		Enabled: true,
		Runner:  &models.RunnerFile{ServerURLV2: serverURL + "/"},
		Credentials: &models.OAuthCredential{
			ClientID:         "client-" + id,
			AuthorizationURL: serverURL + "/oauth2/token",
		},
		RSAParams: &models.RSAParameters{
			D: "x", P: "x", Q: "x", DP: "x", DQ: "x",
			InverseQ: "x", Modulus: "x", Exponent: "x",
		},
	}
}

func newTestService(t *testing.T) (*Service, *brokerStub) {
	t.Helper()

	stub := &brokerStub{}
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)

	cfg := common.NewDefaultConfig()
	client := NewClient(&cfg.Proxy, staticTokens{}, arbor.NewLogger())
	store := sessionstore.NewService(t.TempDir(), arbor.NewLogger())
	svc := NewService(cfg, client, store, nil, nil, arbor.NewLogger())

	target := stubTarget("alpha", srv.URL)
	if err := svc.AddTarget(target); err != nil {
		t.Fatalf("AddTarget: %v", err)
	}
	return svc, stub
}

func TestService_StartCreatesSession(t *testing.T) {
	svc, stub := newTestService(t)
	defer svc.Stop()

	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	session, ok := svc.UpstreamSession("alpha")
	if !ok || session != "up-1" {
		t.Fatalf("upstream session = %q, %v", session, ok)
	}

	statuses := svc.GetStatus()
	if len(statuses) != 1 || !statuses[0].SessionActive {
		t.Errorf("unexpected status snapshot: %+v", statuses)
	}

	creates, _, _, _ := stub.snapshot()
	if creates != 1 {
		t.Errorf("expected 1 session create, got %d", creates)
	}
}

func TestService_SessionConflictRecovery(t *testing.T) {
	stub := &brokerStub{conflictFirst: "stale-session"}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	cfg := common.NewDefaultConfig()
	client := NewClient(&cfg.Proxy, staticTokens{}, arbor.NewLogger())
	store := sessionstore.NewService(t.TempDir(), arbor.NewLogger())
	svc := NewService(cfg, client, store, nil, nil, arbor.NewLogger())
	defer svc.Stop()

	if err := svc.AddTarget(stubTarget("alpha", srv.URL)); err != nil {
		t.Fatalf("AddTarget: %v", err)
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	session, ok := svc.UpstreamSession("alpha")
	if !ok || session == "" {
		t.Fatal("no session after conflict recovery")
	}

	creates, deletes, _, _ := stub.snapshot()
	if creates != 2 {
		t.Errorf("expected the create to be retried once, got %d creates", creates)
	}
	if len(deletes) != 1 || deletes[0] != "stale-session" {
		t.Errorf("stale session was not deleted: %v", deletes)
	}
}

func TestService_CleanupStaleSessionsOnStart(t *testing.T) {
	stub := &brokerStub{}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	dir := t.TempDir()
	store := sessionstore.NewService(dir, arbor.NewLogger())
	// A previous run left a session behind
	if err := store.Save("alpha", "0", "leftover-session"); err != nil {
		t.Fatal(err)
	}

	cfg := common.NewDefaultConfig()
	client := NewClient(&cfg.Proxy, staticTokens{}, arbor.NewLogger())
	svc := NewService(cfg, client, store, nil, nil, arbor.NewLogger())
	defer svc.Stop()

	if err := svc.AddTarget(stubTarget("alpha", srv.URL)); err != nil {
		t.Fatalf("AddTarget: %v", err)
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	_, deletes, _, _ := stub.snapshot()
	found := false
	for _, id := range deletes {
		if id == "leftover-session" {
			found = true
		}
	}
	if !found {
		t.Errorf("leftover session not deleted on start: %v", deletes)
	}
}

func jobEnvelope(messageID, jobID, runServiceURL string) []byte {
	inner := fmt.Sprintf(`{"jobId":%q,"run_service_url":%q,"billing_owner_id":"owner-1"}`, jobID, runServiceURL)
	body, _ := json.Marshal(inner)
	return []byte(fmt.Sprintf(`{"messageType":"PipelineAgentJobRequest","messageId":%s,"body":%s}`, messageID, body))
}

func startedService(t *testing.T) (*Service, *brokerStub, *targetState, string) {
	t.Helper()

	svc, stub := newTestService(t)
	t.Cleanup(svc.Stop)
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	svc.mu.Lock()
	ts := svc.targets["alpha"]
	sessionID := ts.sessionID
	svc.mu.Unlock()
	return svc, stub, ts, sessionID
}

func TestService_HandleMessageAcquiresAndQueues(t *testing.T) {
	svc, stub, ts, sessionID := startedService(t)

	runURL := ts.target.Runner.ServerURLV2 + "run/"
	raw := jobEnvelope("9223372036854775807", "job-1", runURL)
	svc.handleMessage(context.Background(), ts, sessionID, raw)

	if !svc.HasQueuedJobs() {
		t.Fatal("job not queued")
	}
	payload, ok := svc.Queue().Dequeue("alpha")
	if !ok {
		t.Fatal("dequeue failed")
	}
	// The queued payload carries the proxy URL and the untouched message ID
	if !strings.Contains(string(payload), "9223372036854775807") {
		t.Error("message ID precision lost in rewrite")
	}
	if !strings.Contains(string(payload), svc.ProxyURL()) {
		t.Error("run_service_url not rewritten to the proxy")
	}

	if !svc.Tracker().Has("job-1") {
		t.Error("job not tracked")
	}
	if url, ok := svc.Tracker().RunServiceURL("9223372036854775807"); !ok || url != runURL {
		t.Errorf("run service URL not double-keyed: %q, %v", url, ok)
	}
	if _, ok := svc.Tracker().AcquiredDetails("job-1"); !ok {
		t.Error("acquired details not stored")
	}
	if svc.LocalSessions().PendingCount() != 1 {
		t.Error("pending assignment not pushed")
	}

	_, _, acquires, acks := stub.snapshot()
	if len(acquires) != 1 || acquires[0] != "job-1" {
		t.Errorf("unexpected upstream acquires: %v", acquires)
	}
	if len(acks) != 1 || acks[0] != "9223372036854775807" {
		t.Errorf("unexpected acknowledgements: %v", acks)
	}
}

func TestService_HandleMessageDuplicateSuppression(t *testing.T) {
	svc, stub, ts, sessionID := startedService(t)

	runURL := ts.target.Runner.ServerURLV2 + "run/"
	raw := jobEnvelope("1001", "job-1", runURL)

	svc.handleMessage(context.Background(), ts, sessionID, raw)
	svc.handleMessage(context.Background(), ts, sessionID, raw)

	if svc.Tracker().Count() != 1 {
		t.Errorf("duplicate message tracked twice: %d", svc.Tracker().Count())
	}
	_, _, acquires, _ := stub.snapshot()
	if len(acquires) != 1 {
		t.Errorf("duplicate message acquired twice: %v", acquires)
	}
	if svc.LocalSessions().PendingCount() != 1 {
		t.Errorf("duplicate pushed a second reservation: %d", svc.LocalSessions().PendingCount())
	}
}

func TestService_HandleMessageCapacityAdmission(t *testing.T) {
	svc, stub, ts, sessionID := startedService(t)
	svc.SetCanAcceptJobCallback(func() bool { return false })

	raw := jobEnvelope("1001", "job-1", ts.target.Runner.ServerURLV2+"run/")
	svc.handleMessage(context.Background(), ts, sessionID, raw)

	if svc.HasQueuedJobs() {
		t.Error("job queued while at capacity")
	}
	if svc.Tracker().Has("job-1") {
		t.Error("job tracked while at capacity")
	}
	_, _, acquires, _ := stub.snapshot()
	if len(acquires) != 0 {
		t.Errorf("job acquired upstream while at capacity: %v", acquires)
	}
}

func TestService_CapacityRejectionStaysRedeliverable(t *testing.T) {
	svc, stub, ts, sessionID := startedService(t)

	accepting := false
	svc.SetCanAcceptJobCallback(func() bool { return accepting })

	raw := jobEnvelope("1001", "job-1", ts.target.Runner.ServerURLV2+"run/")
	svc.handleMessage(context.Background(), ts, sessionID, raw)

	if svc.HasQueuedJobs() {
		t.Fatal("job queued while at capacity")
	}

	// The rejected message was never acknowledged, so upstream redelivers
	// it; once a worker slot frees up the replay must be accepted
	accepting = true
	svc.handleMessage(context.Background(), ts, sessionID, raw)

	if !svc.HasQueuedJobs() {
		t.Fatal("redelivered job not queued after capacity freed")
	}
	if !svc.Tracker().Has("job-1") {
		t.Error("redelivered job not tracked")
	}
	_, _, acquires, acks := stub.snapshot()
	if len(acquires) != 1 || acquires[0] != "job-1" {
		t.Errorf("unexpected upstream acquires: %v", acquires)
	}
	if len(acks) != 1 || acks[0] != "1001" {
		t.Errorf("unexpected acknowledgements: %v", acks)
	}
}

func TestService_HandleMessageControlMessage(t *testing.T) {
	svc, stub, ts, sessionID := startedService(t)

	raw := []byte(`{"messageType":"BrokerMigration","messageId":555,"body":"{\"note\":\"no job here\"}"}`)
	svc.handleMessage(context.Background(), ts, sessionID, raw)

	// Control messages pass through unmodified and untracked
	payload, ok := svc.Queue().Dequeue("alpha")
	if !ok || string(payload) != string(raw) {
		t.Errorf("control message altered or dropped: %q (ok=%v)", payload, ok)
	}
	if svc.Tracker().Count() != 0 {
		t.Error("control message tracked as a job")
	}
	_, _, _, acks := stub.snapshot()
	if len(acks) != 1 || acks[0] != "555" {
		t.Errorf("control message not acknowledged: %v", acks)
	}
}

func TestService_CompleteJobClearsTracking(t *testing.T) {
	svc, _, ts, sessionID := startedService(t)

	raw := jobEnvelope("1001", "job-1", ts.target.Runner.ServerURLV2+"run/")
	svc.handleMessage(context.Background(), ts, sessionID, raw)

	svc.CompleteJob("job-1")

	if svc.Tracker().Has("job-1") {
		t.Error("completed job still tracked")
	}
	if _, ok := svc.Tracker().RunServiceURL("1001"); ok {
		t.Error("completed job's URL keys not dropped")
	}
}

func TestService_RemoveTargetDropsState(t *testing.T) {
	svc, stub, ts, sessionID := startedService(t)

	raw := jobEnvelope("1001", "job-1", ts.target.Runner.ServerURLV2+"run/")
	svc.handleMessage(context.Background(), ts, sessionID, raw)

	if err := svc.RemoveTarget("alpha"); err != nil {
		t.Fatalf("RemoveTarget: %v", err)
	}

	if svc.HasQueuedJobs() {
		t.Error("removed target's queue not cleared")
	}
	if svc.Tracker().Count() != 0 {
		t.Error("removed target's jobs not cleared")
	}
	if svc.LocalSessions().PendingCount() != 0 {
		t.Error("removed target's reservations not dropped")
	}
	if _, ok := svc.Target("alpha"); ok {
		t.Error("target still registered")
	}

	_, deletes, _, _ := stub.snapshot()
	if len(deletes) == 0 || deletes[len(deletes)-1] != sessionID {
		t.Errorf("upstream session not deleted on removal: %v", deletes)
	}
}

func TestService_FallbackTarget(t *testing.T) {
	svc, _, _, sessionID := startedService(t)

	target, session, ok := svc.FallbackTarget()
	if !ok || target.ID != "alpha" || session != sessionID {
		t.Errorf("FallbackTarget = %v, %q, %v", target, session, ok)
	}
}

func TestService_StopBreaksShutdownFlag(t *testing.T) {
	svc, _, _, _ := startedService(t)

	if svc.IsShuttingDown() {
		t.Fatal("service should not report shutdown while running")
	}

	svc.Stop()

	if !svc.IsShuttingDown() {
		t.Error("shutdown flag not set")
	}
	// Give the fire-and-forget deletes a moment, then verify state cleared
	time.Sleep(50 * time.Millisecond)
	if svc.Tracker().Count() != 0 {
		t.Error("tracker not cleared on stop")
	}
}

func TestService_AddTargetValidation(t *testing.T) {
	cfg := common.NewDefaultConfig()
	client := NewClient(&cfg.Proxy, staticTokens{}, arbor.NewLogger())
	store := sessionstore.NewService(t.TempDir(), arbor.NewLogger())
	svc := NewService(cfg, client, store, nil, nil, arbor.NewLogger())

	if err := svc.AddTarget(nil); err == nil {
		t.Error("nil target accepted")
	}
	if err := svc.AddTarget(&models.Target{ID: "x"}); err == nil {
		t.Error("target without artifacts accepted")
	}

	target := stubTarget("alpha", "https://broker.example.com")
	if err := svc.AddTarget(target); err != nil {
		t.Fatalf("AddTarget: %v", err)
	}
	if err := svc.AddTarget(target); err == nil {
		t.Error("duplicate registration accepted")
	}
}
