package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// API routes
	mux.HandleFunc("/v1beta/tasks/multitask", s.app.GroupHandler.CreateHandler)

	// OAuth callback for browser viewers
	mux.HandleFunc("/callback", s.app.AuthHandler.CallbackHandler)

	// System routes
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)

	// Root: the submission form at "/", everything else is a group result
	// path with an optional format suffix.
	mux.HandleFunc("/", s.handleRoot)

	return mux
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/" {
		s.app.PageHandler.IndexHandler(w, r)
		return
	}
	if strings.Contains(strings.TrimPrefix(r.URL.Path, "/"), "/") {
		http.NotFound(w, r)
		return
	}
	s.app.ResultHandler.GetHandler(w, r)
}
