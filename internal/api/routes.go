// Package api provides HTTP API server implementation for the Casparian service.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/casparian-io/casparian/internal/api/middleware"
)

const (
	healthCheckTimeout    = 2 * time.Second
	expectedURLParts      = 2
	defaultApprovalExpiry = 24 * time.Hour
)

type (
	// HealthStatus represents the health check response structure.
	HealthStatus struct {
		Status      string `json:"status"`
		ServiceName string `json:"serviceName"`
		Version     string `json:"version"`
		Uptime      string `json:"uptime,omitempty"`
	}

	// Route represents an HTTP route configuration with a path and handler.
	// Used for declarative route registration with middleware bypass support.
	Route struct {
		Path    string // The URL path for this route (e.g., "/ping", "/api/v1/health")
		Handler http.HandlerFunc
	}
)

// setupRoutes sets up all HTTP routes for the API server.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	// Public health endpoints
	s.registerPublicRoutes(
		mux,
		Route{"GET /ping", s.handlePing},     // liveness probe
		Route{"GET /ready", s.handleReady},   // readiness probe
		Route{"GET /health", s.handleHealth}, // basic health check - status, uptime, version
		Route{"/", s.handleNotFound},         // catch-all handler for 404 responses
	)

	// Control-plane job endpoints (§6)
	mux.HandleFunc("POST /jobs", s.handleCreateJob)
	mux.HandleFunc("GET /jobs", s.handleListJobs)
	mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /jobs/{id}/cancel", s.handleCancelJob)
	mux.HandleFunc("GET /jobs/{id}/events", s.handleListEvents)

	// Approval endpoints (§6)
	mux.HandleFunc("POST /approvals", s.handleCreateApproval)
	mux.HandleFunc("GET /approvals", s.handleListApprovals)
	mux.HandleFunc("GET /approvals/{id}", s.handleGetApproval)
	mux.HandleFunc("POST /approvals/{id}/approve", s.handleApproveApproval)
	mux.HandleFunc("POST /approvals/{id}/reject", s.handleRejectApproval)
}

// registerPublicRoutes registers HTTP routes that bypass authentication and rate limiting.
func (s *Server) registerPublicRoutes(mux *http.ServeMux, routes ...Route) {
	validHTTPMethods := map[string]bool{
		"GET": true, "POST": true, "PUT": true, "PATCH": true, "DELETE": true,
	}

	for _, route := range routes {
		mux.Handle(route.Path, route.Handler)

		path := route.Path

		parts := strings.Fields(path)
		if len(parts) == expectedURLParts && validHTTPMethods[parts[0]] {
			path = strings.TrimSpace(parts[1])
		}

		if path == "" {
			continue
		}

		middleware.RegisterPublicEndpoint(path)
	}
}

// handlePing responds to ping requests for basic server validation.
func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("pong"))
}

// handleReady responds to readiness probes with a job-store health check.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := s.jobs.HealthCheck(ctx); err != nil {
		s.logger.Error("job store health check failed", "error", err.Error())
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("storage unavailable"))

		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// handleHealth returns detailed health status information.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	var uptime string
	if !s.startTime.IsZero() {
		uptime = time.Since(s.startTime).Round(time.Second).String()
	}

	writeJSON(w, s.logger, http.StatusOK, HealthStatus{
		Status:      "healthy",
		ServiceName: "casparian",
		Version:     "v1.0.0",
		Uptime:      uptime,
	})
}

// handleNotFound returns RFC 7807 compliant 404 responses for unknown endpoints.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	WriteErrorResponse(w, r, s.logger, NotFound("The requested resource was not found"))
}

// writeJSON marshals v and writes it with the given status, logging (but
// not retrying) any encode failure.
func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Error("failed to marshal response", "error", err.Error())
		http.Error(w, "internal server error", http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// parseLimit parses the "limit" query parameter, defaulting to 0 (no limit)
// on an empty or malformed value.
func parseLimit(r *http.Request) int {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 0
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit < 0 {
		return 0
	}

	return limit
}

// parseAfterEventID parses the "after" query parameter for event polling.
func parseAfterEventID(r *http.Request) int64 {
	afterStr := r.URL.Query().Get("after")
	if afterStr == "" {
		return 0
	}

	after, err := strconv.ParseInt(afterStr, 10, 64)
	if err != nil || after < 0 {
		return 0
	}

	return after
}
