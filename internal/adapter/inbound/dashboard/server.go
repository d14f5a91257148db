// Package dashboard serves the local admin surface: a JSON API over
// loopback for the CLI and any UI, a websocket feed of live alerts and
// stats, and the Prometheus metrics endpoint. It has no authentication by
// design and must never bind beyond localhost.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crabpot/crabpot/internal/domain/alert"
	"github.com/crabpot/crabpot/internal/domain/egress"
	"github.com/crabpot/crabpot/internal/domain/gate"
	"github.com/crabpot/crabpot/internal/port/outbound"
)

const shutdownTimeout = 5 * time.Second

// Config wires the dashboard's collaborators. Status and Stats are funcs so
// the server never imports the supervisor or monitor directly.
type Config struct {
	Policy   *egress.Engine
	Gate     *gate.Gate
	Alerts   *alert.Bus
	Status   func(ctx context.Context) (any, error)
	Stats    func() *outbound.Stats
	Registry *prometheus.Registry
	Host     string
	Port     int
	Logger   *slog.Logger
}

// Server is the dashboard HTTP server.
type Server struct {
	cfg Config
	hub *Hub

	mu     sync.Mutex
	server *http.Server
	ln     net.Listener
}

// New builds a Server and its websocket hub.
func New(cfg Config) *Server {
	return &Server{cfg: cfg, hub: NewHub(cfg.Logger)}
}

// Hub exposes the push sink for wiring into the alert bus.
func (s *Server) Hub() *Hub { return s.hub }

// Start binds the listener and serves in a background goroutine.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{Handler: s.routes()}
	s.mu.Lock()
	s.server = srv
	s.ln = ln
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.cfg.Logger.Error("dashboard server failed", "error", err)
		}
	}()
	s.cfg.Logger.Info("dashboard listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop disconnects websocket clients and shuts the server down.
func (s *Server) Stop() {
	s.hub.CloseAll()

	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.ln = nil
	s.mu.Unlock()
	if srv == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
	}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/pending", s.handlePending)
	mux.HandleFunc("POST /api/approve", s.handleApprove)
	mux.HandleFunc("POST /api/deny", s.handleDeny)
	mux.HandleFunc("GET /api/alerts", s.handleAlerts)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/allowlist", s.handleAllowlist)
	mux.HandleFunc("GET /api/audit", s.handleAudit)
	mux.HandleFunc("GET /ws", s.hub.HandleWS)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.cfg.Registry, promhttp.HandlerOpts{}))
	return mux
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.cfg.Logger.Debug("dashboard response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.cfg.Status(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handlePending(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"pending": s.cfg.Gate.Pending()})
}

type decisionRequest struct {
	Domain    string `json:"domain"`
	Permanent bool   `json:"permanent"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Domain == "" {
		s.writeError(w, http.StatusBadRequest, "domain required")
		return
	}
	wasPending := s.cfg.Gate.Approve(req.Domain, req.Permanent)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"domain":      req.Domain,
		"approved":    true,
		"permanent":   req.Permanent,
		"was_pending": wasPending,
	})
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Domain == "" {
		s.writeError(w, http.StatusBadRequest, "domain required")
		return
	}
	wasPending := s.cfg.Gate.Deny(req.Domain)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"domain":      req.Domain,
		"denied":      true,
		"was_pending": wasPending,
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	last := queryInt(r, "last", 20)
	severity := r.URL.Query().Get("severity")
	s.writeJSON(w, http.StatusOK, map[string]any{
		"alerts": s.cfg.Alerts.History(last, severity),
		"counts": s.cfg.Alerts.Counts(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"stats": s.cfg.Stats()})
}

func (s *Server) handleAllowlist(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"allowlist":        s.cfg.Policy.Allowlist(),
		"session_approved": s.cfg.Policy.SessionApproved(),
	})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	last := queryInt(r, "last", 50)
	s.writeJSON(w, http.StatusOK, map[string]any{"audit": s.cfg.Policy.AuditLog(last)})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
