package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/nuntius/internal/app"
	"github.com/ternarybob/nuntius/internal/broker"
	"github.com/ternarybob/nuntius/internal/common"
	"github.com/ternarybob/nuntius/internal/handlers"
	"github.com/ternarybob/nuntius/internal/models"
	"github.com/ternarybob/nuntius/internal/services/events"
	"github.com/ternarybob/nuntius/internal/services/sessionstore"
)

type staticTokens struct{}

func (staticTokens) GetToken(*models.Target) (string, error) { return "test-token", nil }
func (staticTokens) Invalidate(string)                       {}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	cfg := common.NewDefaultConfig()
	logger := arbor.NewLogger()
	client := broker.NewClient(&cfg.Proxy, staticTokens{}, logger)
	store := sessionstore.NewService(t.TempDir(), logger)
	svc := broker.NewService(cfg, client, store, nil, nil, logger)
	ev := events.NewService(logger)

	application := &app.App{
		Config:         cfg,
		Logger:         logger,
		BrokerService:  svc,
		SessionHandler: handlers.NewSessionHandler(svc, logger),
		MessageHandler: handlers.NewMessageHandler(svc, &cfg.Proxy, logger),
		JobHandler:     handlers.NewJobHandler(svc, logger),
		ForwardHandler: handlers.NewForwardHandler(svc, logger),
		APIHandler:     handlers.NewAPIHandler(svc, nil, logger),
		WSHandler:      handlers.NewWebSocketHandler(ev, logger),
	}
	return New(application)
}

func TestRoutes_WorkerRoutesRejectWrongMethods(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		method, path string
		want         int
	}{
		{"POST", "/message?sessionId=ghost", http.StatusMethodNotAllowed},
		{"DELETE", "/message", http.StatusMethodNotAllowed},
		{"GET", "/acquirejob", http.StatusMethodNotAllowed},
		{"PUT", "/acquirejob", http.StatusMethodNotAllowed},
		{"GET", "/acknowledge", http.StatusMethodNotAllowed},
		{"GET", "/session", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(`{}`))
		rec := httptest.NewRecorder()
		srv.server.Handler.ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Errorf("%s %s = %d, want %d", tt.method, tt.path, rec.Code, tt.want)
		}
	}
}

func TestRoutes_AcceptedMethodsReachHandlers(t *testing.T) {
	srv := newTestServer(t)

	// POST /acknowledge routes through to the job handler
	req := httptest.NewRequest("POST", "/acknowledge", strings.NewReader(`{"messageId":1001}`))
	rec := httptest.NewRecorder()
	srv.server.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("POST /acknowledge = %d, want %d", rec.Code, http.StatusOK)
	}

	// POST /session mints a worker session
	req = httptest.NewRequest("POST", "/session", strings.NewReader(`{}`))
	rec = httptest.NewRecorder()
	srv.server.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Errorf("POST /session = %d, want %d", rec.Code, http.StatusCreated)
	}

	// GET /api/health is served by the admin API
	req = httptest.NewRequest("GET", "/api/health", nil)
	rec = httptest.NewRecorder()
	srv.server.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("GET /api/health = %d, want %d", rec.Code, http.StatusOK)
	}
}
