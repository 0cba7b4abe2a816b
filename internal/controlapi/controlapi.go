// Package controlapi implements the control-plane HTTP interface offered
// to the GUI collaborator (spec.md §6): start/stop/status for the proxy,
// CRUD on routes/mocks/logging-flags/settings, and a metrics scrape
// passthrough, all served over a Unix domain socket.
//
// Grounded on internal/daemon/server.go's Server: an http.ServeMux wired
// with Go 1.22 method-pattern routes ("GET /v1/health", "POST /v1/runs",
// ...), a Unix-socket listener with stale-socket cleanup on Start, and a
// writeJSON helper, adapted from the daemon's run-registration domain to
// this proxy's routes/mocks/logging/settings/status domain.
package controlapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/watchtower-proxy/watchtower/internal/metrics"
	"github.com/watchtower-proxy/watchtower/internal/registry"
	"github.com/watchtower-proxy/watchtower/internal/supervisor"
)

// Server is the control-plane HTTP API, served over a Unix domain socket.
type Server struct {
	sockPath string
	bundle   *registry.Bundle
	sup      *supervisor.Supervisor
	metrics  *metrics.Collector

	server   *http.Server
	listener net.Listener
}

// New builds a Server. metrics may be nil, in which case GET /v1/metrics
// answers 404.
func New(sockPath string, bundle *registry.Bundle, sup *supervisor.Supervisor, m *metrics.Collector) *Server {
	s := &Server{sockPath: sockPath, bundle: bundle, sup: sup, metrics: m}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("POST /v1/start", s.handleStart)
	mux.HandleFunc("POST /v1/stop", s.handleStop)

	mux.HandleFunc("GET /v1/routes", s.handleListRoutes)
	mux.HandleFunc("POST /v1/routes", s.handleAddRoute)
	mux.HandleFunc("DELETE /v1/routes/{id}", s.handleRemoveRoute)
	mux.HandleFunc("PATCH /v1/routes/{id}", s.handleSetRouteEnabled)

	mux.HandleFunc("GET /v1/mocks", s.handleListMocks)
	mux.HandleFunc("POST /v1/mocks", s.handleAddMock)
	mux.HandleFunc("DELETE /v1/mocks/{id}", s.handleRemoveMock)

	mux.HandleFunc("GET /v1/logging", s.handleListLogging)
	mux.HandleFunc("PUT /v1/logging/{host}", s.handleSetLogging)
	mux.HandleFunc("DELETE /v1/logging/{host}", s.handleRemoveLogging)

	mux.HandleFunc("GET /v1/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /v1/settings", s.handlePutSettings)

	mux.HandleFunc("GET /v1/metrics", s.handleMetrics)

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins listening on the Unix socket. Any stale socket file left
// behind by a prior, uncleanly-terminated process is removed first.
func (s *Server) Start() error {
	_ = os.Remove(s.sockPath)
	listener, err := net.Listen("unix", s.sockPath)
	if err != nil {
		return fmt.Errorf("controlapi: listening on %s: %w", s.sockPath, err)
	}
	s.listener = listener
	go func() { _ = s.server.Serve(listener) }()
	return nil
}

// Stop gracefully shuts down the server and removes the socket file.
func (s *Server) Stop(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	_ = os.Remove(s.sockPath)
	return err
}

// Handler returns the underlying http.Handler, for tests that want to
// drive the API over httptest.NewServer instead of a real Unix socket.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// --- lifecycle ---

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sup.Status())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var cfg supervisor.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.sup.Start(cfg); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.sup.Status())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.Stop(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.sup.Status())
}

// --- routes ---

type routeRequest struct {
	Domain     string `json:"domain"`
	TargetHost string `json:"target_host"`
	TargetPort uint16 `json:"target_port"`
	Enabled    bool   `json:"enabled"`
}

func (s *Server) handleListRoutes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.bundle.Routes().SortedByID())
}

func (s *Server) handleAddRoute(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	rt, err := s.bundle.Routes().Add(req.Domain, req.TargetHost, req.TargetPort, req.Enabled)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, rt)
}

func (s *Server) handleRemoveRoute(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid route id")
		return
	}
	if err := s.bundle.Routes().Remove(uint32(id)); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetRouteEnabled(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid route id")
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.bundle.Routes().SetEnabled(uint32(id), req.Enabled); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- mocks ---

type mockRequest struct {
	Host         string `json:"host"`
	Path         string `json:"path"`
	Method       string `json:"method"`
	StatusCode   uint16 `json:"status_code"`
	ResponseBody string `json:"response_body"`
	ContentType  string `json:"content_type"`
	Enabled      bool   `json:"enabled"`
}

func (s *Server) handleListMocks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.bundle.Mocks().Snapshot())
}

func (s *Server) handleAddMock(w http.ResponseWriter, r *http.Request) {
	var req mockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	mk, err := s.bundle.Mocks().Add(req.Host, req.Path, req.Method, req.StatusCode, req.ResponseBody, req.ContentType, req.Enabled)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, mk)
}

func (s *Server) handleRemoveMock(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.bundle.Mocks().Remove(id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- logging links ---

func (s *Server) handleListLogging(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.bundle.Logging().Snapshot())
}

func (s *Server) handleSetLogging(w http.ResponseWriter, r *http.Request) {
	host := r.PathValue("host")
	var req struct {
		LoggingEnabled bool `json:"logging_enabled"`
		BodyEnabled    bool `json:"body_enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.bundle.Logging().Set(host, req.LoggingEnabled, req.BodyEnabled); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveLogging(w http.ResponseWriter, r *http.Request) {
	host := r.PathValue("host")
	if err := s.bundle.Logging().Remove(host); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- settings ---

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.bundle.Settings().Get())
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var settings registry.ProxySettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.bundle.Settings().Update(settings); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// --- metrics ---

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		http.NotFound(w, r)
		return
	}
	s.metrics.Handler().ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
