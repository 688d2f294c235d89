// Handraise - Human-in-the-loop MCP server
// License: MIT
//
// Copyright (c) 2026 Handraise contributors

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/freitascorp/handraise/pkg/ask"
	"github.com/freitascorp/handraise/pkg/health"
	"github.com/freitascorp/handraise/pkg/observability"
	"github.com/freitascorp/handraise/pkg/resilience"
)

const (
	// ProtocolVersion is the MCP spec version this server supports.
	ProtocolVersion = "2024-11-05"
	ServerName      = "handraise"
	ServerVersion   = "1.0.0"

	// MaxBodyBytes caps inbound request bodies. Oversized bodies are
	// rejected with 413 before any JSON parsing, bounding memory use
	// against adversarial input.
	MaxBodyBytes = 1 << 20 // 1 MiB

	// DefaultRPCPath is where JSON-RPC requests are POSTed.
	DefaultRPCPath = "/rpc"
)

// CallDefaults are the per-request knobs read from configuration at the
// moment a tools/call arrives. Changing configuration never affects a
// request already in flight.
type CallDefaults struct {
	Timeout    time.Duration // total budget; 0 = wait forever
	AutoSubmit bool
	SessionID  string
}

// ServerConfig configures the MCP server.
type ServerConfig struct {
	Addr    string // listen address (default "127.0.0.1:0")
	RPCPath string // default DefaultRPCPath

	// Defaults supplies the call-time configuration. nil means zero
	// CallDefaults (wait forever, no auto-submit).
	Defaults func() CallDefaults

	// Panel, when set, is mounted at /panel/ws for the front-end hub.
	Panel http.Handler

	// Health, when set, has its /health and /ready endpoints mounted on
	// the same listener.
	Health *health.Server

	// Metrics, when set, counts RPC traffic and is exposed at /metrics.
	Metrics *observability.AskMetrics

	// MaxConcurrentAsks caps how many tools/call handlers may be blocked
	// at once. Each pending ask pins a goroutine and a timer for its whole
	// lifetime. 0 means unlimited.
	MaxConcurrentAsks int
}

// Server dispatches JSON-RPC over HTTP into the ask coordinator. Start and
// Stop transitions are serialized: a stop-then-start issued in quick
// succession cannot leave two listeners bound, or neither.
type Server struct {
	cfg   ServerConfig
	coord *ask.Coordinator
	log   *slog.Logger

	bulkhead *resilience.Bulkhead // nil when MaxConcurrentAsks == 0

	mu       sync.Mutex // serializes Start/Stop
	httpSrv  *http.Server
	listener net.Listener
	port     int
}

// NewServer creates the server. coord is required; log may be nil.
func NewServer(cfg ServerConfig, coord *ask.Coordinator, log *slog.Logger) *Server {
	if cfg.Addr == "" {
		// Bind only to localhost: the caller is an agent on this machine.
		cfg.Addr = "127.0.0.1:0"
	}
	if cfg.RPCPath == "" {
		cfg.RPCPath = DefaultRPCPath
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Server{cfg: cfg, coord: coord, log: log}
	if cfg.MaxConcurrentAsks > 0 {
		s.bulkhead = resilience.NewBulkhead("asks", cfg.MaxConcurrentAsks)
	}
	return s
}

// Start binds the listener and begins serving in the background. It
// returns an error if the server is already running.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return errors.New("mcp: server already running")
	}

	lis, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.cfg.Addr, err)
	}
	s.listener = lis
	s.port = lis.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.RPCPath, s.handleRPC)
	if s.cfg.Panel != nil {
		mux.Handle("/panel/ws", s.cfg.Panel)
	}
	if s.cfg.Health != nil {
		s.cfg.Health.SetBoundPort(s.port)
		s.cfg.Health.SetReady(true)
		mux.Handle("/health", s.cfg.Health.Handler())
		mux.Handle("/ready", s.cfg.Health.Handler())
	}
	if s.cfg.Metrics != nil {
		mux.Handle("/metrics", observability.MetricsHandler(s.cfg.Metrics.Registry))
	}

	s.httpSrv = &http.Server{
		Handler: mux,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	s.log.Info("mcp server listening", "addr", lis.Addr().String(), "rpc_path", s.cfg.RPCPath)

	go func(srv *http.Server, lis net.Listener) {
		if err := srv.Serve(lis); err != nil && err != http.ErrServerClosed {
			s.log.Error("mcp server error", "error", err)
		}
	}(s.httpSrv, lis)

	return nil
}

// Stop force-settles every pending request with a "server stopped" failure
// (so blocked tools/call handlers can unwind) and then shuts the listener
// down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}

	s.coord.StopAll()
	if s.cfg.Health != nil {
		s.cfg.Health.SetReady(false)
	}

	err := s.httpSrv.Shutdown(ctx)
	s.httpSrv = nil
	s.listener = nil
	s.port = 0
	s.log.Info("mcp server stopped")
	return err
}

// Port returns the bound port, or 0 when not running.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// ── RPC dispatch ───────────────────────────────────────────────────

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RPCRequests.Inc()
	}

	// Reject oversized bodies before parsing. Content-Length catches the
	// honest cases cheaply; MaxBytesReader backstops chunked encodings.
	if r.ContentLength > MaxBodyBytes {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.log.Warn("rpc parse error", "error", err)
		s.writeError(w, nil, ErrParse, "parse error: "+err.Error())
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("panic in rpc dispatch", "method", req.Method, "panic", rec)
			s.writeError(w, req.ID, ErrInternal, "internal error")
		}
	}()

	switch req.Method {
	case "initialize":
		s.handleInitialize(w, &req)
	case "notifications/initialized":
		// Client ack — nothing to do.
		s.writeAccepted(w)
	case "ping":
		s.writeResult(w, req.ID, map[string]any{})
	case "tools/list":
		s.writeResult(w, req.ID, ToolsListResult{Tools: toolCatalog()})
	case "tools/call":
		s.handleToolsCall(w, r, &req)
	case "notifications/cancelled":
		s.handleCancelled(w, &req)
	default:
		// Unknown method — only requests (with an id) expect an error;
		// notifications are silently ignored per spec.
		if req.ID != nil {
			s.writeError(w, req.ID, ErrNotFound, "method not found: "+req.Method)
			return
		}
		s.writeAccepted(w)
	}
}

func (s *Server) handleInitialize(w http.ResponseWriter, req *Request) {
	s.writeResult(w, req.ID, InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities: ServerCapability{
			Tools: &ToolsCapability{ListChanged: false},
		},
		ServerInfo: EntityInfo{
			Name:    ServerName,
			Version: ServerVersion,
		},
	})
}

// handleToolsCall is the one path that suspends: the HTTP request is held
// open until the human answers, the countdown fires, the agent cancels the
// call, or the agent's connection drops.
func (s *Server) handleToolsCall(w http.ResponseWriter, r *http.Request, req *Request) {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.writeError(w, req.ID, ErrBadParams, "invalid tools/call params: "+err.Error())
		return
	}

	payload, ok := payloadFromArgs(params.Name, params.Arguments)
	if !ok {
		s.writeError(w, req.ID, ErrBadParams, "unknown tool: "+params.Name)
		return
	}

	var defaults CallDefaults
	if s.cfg.Defaults != nil {
		defaults = s.cfg.Defaults()
	}

	s.log.Info("tool call", "tool", params.Name, "external_id", externalID(req.ID), "timeout", defaults.Timeout)

	var out ask.Outcome
	run := func() error {
		// No liveness probe: on net/http the request context is the
		// authoritative disconnection signal.
		out = s.coord.Ask(r.Context(), payload, ask.Options{
			ExternalID: externalID(req.ID),
			SessionID:  defaults.SessionID,
			Timeout:    defaults.Timeout,
			AutoSubmit: defaults.AutoSubmit,
		})
		return nil
	}
	if s.bulkhead != nil {
		// Reject rather than queue: a queued ask would silently burn its
		// caller's patience before the human ever sees it.
		if err := s.bulkhead.TryExecute(run); err != nil {
			s.log.Warn("tool call rejected", "tool", params.Name, "error", err)
			s.writeError(w, req.ID, ErrBusy, "too many pending asks")
			return
		}
	} else {
		run()
	}

	// Every terminal outcome is an application-level result, not a
	// protocol error: the tool call "succeeds" as an RPC and carries the
	// failure in isError.
	if out.Answered() {
		s.writeResult(w, req.ID, ToolCallResult{
			Content: []ContentBlock{{Type: "text", Text: ask.RenderValue(out.Value)}},
		})
		return
	}
	s.writeResult(w, req.ID, ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: out.Reason}},
		IsError: true,
	})
}

func (s *Server) handleCancelled(w http.ResponseWriter, req *Request) {
	var params CancelledParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.RequestID == nil {
		s.log.Warn("malformed cancellation notification dropped")
		s.writeAccepted(w)
		return
	}
	s.coord.Cancel(externalID(params.RequestID), params.Reason)
	s.writeAccepted(w)
}

// externalID canonicalizes a JSON-RPC id (string or number) so the same id
// always produces the same correlation key. JSON numbers arrive as
// float64; integral values must not render as "42.000000".
func externalID(id any) string {
	switch t := id.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

// ── Wire helpers ───────────────────────────────────────────────────

func (s *Server) writeResult(w http.ResponseWriter, id any, result any) {
	s.writeJSON(w, Response{JSONRPC: "2.0", ID: id, Result: result})
}

func (s *Server) writeError(w http.ResponseWriter, id any, code int, message string) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RPCErrors.Inc()
	}
	s.writeJSON(w, Response{JSONRPC: "2.0", ID: id, Error: &Error{Code: code, Message: message}})
}

// writeAccepted acknowledges a notification: no JSON-RPC response body is
// expected for calls without an id.
func (s *Server) writeAccepted(w http.ResponseWriter) {
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) writeJSON(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Error("failed to write response", "error", err)
	}
}
