// Package health exposes liveness and readiness endpoints for Handraise.
//
// /health reports process liveness, uptime, and the port the RPC listener
// actually bound (useful when the configured port is 0). /ready aggregates
// registered dependency checks. The handlers are normally mounted into the
// MCP server's mux; Start runs a standalone listener when needed.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// CheckFunc probes one dependency, returning healthy plus a short message.
type CheckFunc func() (bool, string)

// Check is the serialized result of one readiness check.
type Check struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusResponse is the body of both endpoints.
type StatusResponse struct {
	Status string           `json:"status"`
	Uptime string           `json:"uptime"`
	Port   int              `json:"port,omitempty"`
	Checks map[string]Check `json:"checks,omitempty"`
}

// Server serves the health endpoints.
type Server struct {
	host      string
	port      int
	boundPort int
	startedAt time.Time
	ready     bool
	checks    map[string]CheckFunc
	mu        sync.RWMutex
	httpSrv   *http.Server
}

// NewServer creates a health server for the given bind address. Port 0 is
// allowed; report the real port later via SetBoundPort.
func NewServer(host string, port int) *Server {
	return &Server{
		host:      host,
		port:      port,
		startedAt: time.Now(),
		checks:    make(map[string]CheckFunc),
	}
}

// SetReady flips the readiness flag.
func (s *Server) SetReady(ready bool) {
	s.mu.Lock()
	s.ready = ready
	s.mu.Unlock()
}

// SetBoundPort records the port the RPC listener actually bound.
func (s *Server) SetBoundPort(port int) {
	s.mu.Lock()
	s.boundPort = port
	s.mu.Unlock()
}

// RegisterCheck adds a named readiness check.
func (s *Server) RegisterCheck(name string, fn CheckFunc) {
	s.mu.Lock()
	s.checks[name] = fn
	s.mu.Unlock()
}

// Handler returns a mux serving /health and /ready, for mounting into
// another server's mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/ready", s.readyHandler)
	return mux
}

// Start runs a standalone listener until ctx is done or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.host, s.port),
		Handler: s.Handler(),
	}
	srv := s.httpSrv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the standalone listener down and marks the server not ready.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.ready = false
	srv := s.httpSrv
	s.httpSrv = nil
	s.mu.Unlock()

	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	port := s.boundPort
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, StatusResponse{
		Status: "ok",
		Uptime: time.Since(s.startedAt).Round(time.Second).String(),
		Port:   port,
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	ready := s.ready
	checks := make(map[string]CheckFunc, len(s.checks))
	for name, fn := range s.checks {
		checks[name] = fn
	}
	port := s.boundPort
	s.mu.RUnlock()

	results := make(map[string]Check, len(checks))
	allOK := true
	for name, fn := range checks {
		ok, msg := fn()
		if !ok {
			allOK = false
		}
		results[name] = Check{
			Name:      name,
			Status:    statusString(ok),
			Message:   msg,
			Timestamp: time.Now(),
		}
	}

	status := "ready"
	code := http.StatusOK
	if !ready || !allOK {
		status = "not ready"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, StatusResponse{
		Status: status,
		Uptime: time.Since(s.startedAt).Round(time.Second).String(),
		Port:   port,
		Checks: results,
	})
}

func statusString(ok bool) string {
	if ok {
		return "ok"
	}
	return "fail"
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
