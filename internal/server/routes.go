package server

import (
	"net/http"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Worker protocol routes
	mux.HandleFunc("/session", s.handleSessionRoute)
	mux.HandleFunc("/message", s.handleMessageRoute)
	mux.HandleFunc("/acquirejob", s.handleAcquireJobRoute)
	mux.HandleFunc("/acknowledge", s.handleAcknowledgeRoute)

	// WebSocket event stream for local observers
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// Admin API
	mux.HandleFunc("/api/status", s.app.APIHandler.StatusHandler)
	mux.HandleFunc("/api/history", s.app.APIHandler.HistoryHandler)
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)

	// Everything else is relayed to the bound upstream broker
	mux.HandleFunc("/", s.app.ForwardHandler.ForwardRequestHandler)

	return mux
}

// handleSessionRoute routes /session requests by method
func (s *Server) handleSessionRoute(w http.ResponseWriter, r *http.Request) {
	RouteByMethod(w, r, MethodRouter{
		"POST":   s.app.SessionHandler.CreateSessionHandler,
		"DELETE": s.app.SessionHandler.DeleteSessionHandler,
	})
}

// handleMessageRoute routes /message requests by method
func (s *Server) handleMessageRoute(w http.ResponseWriter, r *http.Request) {
	RouteByMethod(w, r, MethodRouter{
		"GET": s.app.MessageHandler.GetMessageHandler,
	})
}

// handleAcquireJobRoute routes /acquirejob requests by method
func (s *Server) handleAcquireJobRoute(w http.ResponseWriter, r *http.Request) {
	RouteByMethod(w, r, MethodRouter{
		"POST": s.app.JobHandler.AcquireJobHandler,
	})
}

// handleAcknowledgeRoute routes /acknowledge requests by method
func (s *Server) handleAcknowledgeRoute(w http.ResponseWriter, r *http.Request) {
	RouteByMethod(w, r, MethodRouter{
		"POST": s.app.JobHandler.AcknowledgeHandler,
	})
}
