package server

import (
	"net/http"

	"github.com/ternarybob/scanagent/internal/handlers"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Status stream
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// API routes - Status
	mux.HandleFunc("/api/status", s.app.StatusHandler.GetStatusHandler)
	mux.HandleFunc("/api/version", s.handleVersion)

	// API routes - Operator controls
	mux.HandleFunc("/api/agent/run", s.app.SchedulerHandler.RunNowHandler)
	mux.HandleFunc("/api/agent/enable", s.app.SchedulerHandler.EnableHandler)
	mux.HandleFunc("/api/agent/disable", s.app.SchedulerHandler.DisableHandler)

	// API routes - Settings
	mux.HandleFunc("/api/settings", s.handleSettingsRoute) // GET (masked), PUT
	mux.HandleFunc("/api/settings/cookies/validate", s.app.SettingsHandler.ValidateCookiesHandler)

	return mux
}

// handleSettingsRoute routes /api/settings by method
func (s *Server) handleSettingsRoute(w http.ResponseWriter, r *http.Request) {
	RouteByMethod(w, r, MethodRouter{
		http.MethodGet: s.app.SettingsHandler.GetSettingsHandler,
		http.MethodPut: s.app.SettingsHandler.UpdateSettingsHandler,
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !handlers.RequireMethod(w, r, http.MethodGet) {
		return
	}
	handlers.WriteJSON(w, http.StatusOK, s.app.Version())
}
