package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/workbench-labs/workbench/internal/ratelimit"
	"github.com/workbench-labs/workbench/internal/terminal"
)

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes(gateway *terminal.Gateway, limiter *ratelimit.Limiter) *mux.Router {
	r := mux.NewRouter()

	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/health", h.Health).Methods("GET")

	// Terminal connections carry their identity in query parameters
	api.HandleFunc("/terminal/ws", gateway.HandleConnection).Methods("GET")

	// Workspace management requires an authenticated identity and is
	// rate limited per user
	authed := api.PathPrefix("").Subrouter()
	authed.Use(IdentityMiddleware)

	limited := authed.PathPrefix("").Subrouter()
	limited.Use(RateLimitMiddleware(limiter, h.cfg.APIRequestsPerHour))
	limited.HandleFunc("/workspaces", h.CreateWorkspace).Methods("POST")
	limited.HandleFunc("/workspaces", h.ListWorkspaces).Methods("GET")
	limited.HandleFunc("/workspaces/{workspaceId}", h.GetWorkspace).Methods("GET")
	limited.HandleFunc("/workspaces/{workspaceId}", h.DeleteWorkspace).Methods("DELETE")
	limited.HandleFunc("/workspaces/{workspaceId}/exec", h.ExecCommand).Methods("POST")

	authed.HandleFunc("/preview/{workspaceId}/info", h.PreviewInfo).Methods("GET")

	// Preview traffic: plain requests authenticate inside the proxy;
	// upgrade requests route only through pre-established sessions
	api.PathPrefix("/preview/{workspaceId}").HandlerFunc(h.Preview)

	r.Use(corsMiddleware)

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
