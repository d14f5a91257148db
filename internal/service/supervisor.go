// Package service contains the supervisor: the coordination layer that
// resolves the security preset, wires the policy engine, approval gate,
// alert bus, egress proxy, monitor, and dashboard together, and drives the
// sandbox lifecycle state machine.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/crabpot/crabpot/internal/adapter/inbound/dashboard"
	"github.com/crabpot/crabpot/internal/adapter/inbound/proxy"
	"github.com/crabpot/crabpot/internal/adapter/outbound/notify"
	"github.com/crabpot/crabpot/internal/config"
	"github.com/crabpot/crabpot/internal/domain/alert"
	"github.com/crabpot/crabpot/internal/domain/egress"
	"github.com/crabpot/crabpot/internal/domain/gate"
	"github.com/crabpot/crabpot/internal/domain/monitor"
	"github.com/crabpot/crabpot/internal/domain/preset"
	"github.com/crabpot/crabpot/internal/port/outbound"
)

// State is the supervisor lifecycle state.
type State string

const (
	StateIdle    State = "idle"
	StateStarted State = "started"
	StatePaused  State = "paused"
	StateStopped State = "stopped"
)

// StatusView is the status snapshot served to the CLI and dashboard.
type StatusView struct {
	State           State                  `json:"state"`
	Preset          string                 `json:"preset"`
	Container       string                 `json:"container"`
	ContainerStatus outbound.Status        `json:"container_status"`
	Health          string                 `json:"health"`
	StartedAt       string                 `json:"started_at,omitempty"`
	Stats           *outbound.Stats        `json:"stats,omitempty"`
	PendingCount    int                    `json:"pending_count"`
	AlertCounts     map[string]int         `json:"alert_counts"`
	Security        preset.SecurityProfile `json:"security"`
	Resources       preset.ResourceProfile `json:"resources"`
	ProxyAddr       string                 `json:"proxy_addr,omitempty"`
	DashboardAddr   string                 `json:"dashboard_addr,omitempty"`
}

// Supervisor owns every CrabPot component and the lifecycle state machine:
// idle -> started <-> paused -> stopped.
type Supervisor struct {
	cfg    *config.Config
	paths  config.Paths
	prof   preset.Preset
	logger *slog.Logger

	rt       outbound.Runtime
	policy   *egress.Engine
	gate     *gate.Gate
	alerts   *alert.Bus
	proxy    *proxy.Proxy
	monitor  *monitor.Monitor
	dash     *dashboard.Server
	registry *prometheus.Registry

	mu          sync.Mutex
	state       State
	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

// New resolves the preset from the config and builds the full component
// graph. Nothing is started yet.
func New(cfg *config.Config, paths config.Paths, rt outbound.Runtime, logger *slog.Logger) (*Supervisor, error) {
	prof, err := resolvePreset(cfg)
	if err != nil {
		return nil, err
	}

	bus := alert.NewBus(logger, paths.AlertLog,
		alert.NewFileSink(paths.AlertLog),
		alert.NewTerminalSink(nil),
		notify.NewSink(),
	)

	policy := egress.NewEngine(paths.PolicyFile, egress.UnknownAction(cfg.Proxy.UnknownAction), logger)
	approvals := gate.New(policy, bus, time.Duration(cfg.Proxy.ApprovalTimeoutSeconds)*time.Second)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s := &Supervisor{
		cfg:      cfg,
		paths:    paths,
		prof:     prof,
		logger:   logger,
		rt:       rt,
		policy:   policy,
		gate:     approvals,
		alerts:   bus,
		registry: registry,
		state:    StateIdle,
	}

	if prof.Security.EgressProxy {
		s.proxy = proxy.New(proxy.Config{
			Policy:      policy,
			Gate:        approvals,
			Alerts:      bus,
			Metrics:     proxy.NewMetrics(registry),
			ScanSecrets: prof.Security.SecretScanner,
			Host:        cfg.Proxy.Host,
			Port:        cfg.Proxy.Port,
			Logger:      logger,
		})
	}

	s.monitor = monitor.New(rt, bus, prof.Security, monitor.Config{
		CPUThreshold:    cfg.Monitor.CPUThreshold,
		MemoryThreshold: cfg.Monitor.MemoryThreshold,
		CPUSustain:      time.Duration(cfg.Monitor.CPUSustainSeconds) * time.Second,
	}, logger)

	if cfg.Dashboard.Enabled {
		s.dash = dashboard.New(dashboard.Config{
			Policy:   policy,
			Gate:     approvals,
			Alerts:   bus,
			Status:   func(ctx context.Context) (any, error) { return s.Status(ctx) },
			Stats:    s.monitor.LatestStats,
			Registry: registry,
			Host:     cfg.Dashboard.Host,
			Port:     cfg.Dashboard.Port,
			Logger:   logger,
		})
		bus.SetPush(s.dash.Hub())
	}

	return s, nil
}

// resolvePreset merges the config's overrides onto the named preset.
func resolvePreset(cfg *config.Config) (preset.Preset, error) {
	resources := make(map[string]any)
	if cfg.Resources.CPULimit != "" {
		resources["cpu_limit"] = cfg.Resources.CPULimit
	}
	if cfg.Resources.MemoryLimit != "" {
		resources["memory_limit"] = cfg.Resources.MemoryLimit
	}
	if cfg.Resources.PidsLimit != 0 {
		resources["pids_limit"] = cfg.Resources.PidsLimit
	}
	prof, err := preset.Resolve(cfg.Preset, cfg.Security, resources)
	if err != nil {
		return preset.Preset{}, fmt.Errorf("resolve preset: %w", err)
	}
	return prof, nil
}

// Gate exposes the approval gate for the CLI.
func (s *Supervisor) Gate() *gate.Gate { return s.gate }

// Policy exposes the egress policy engine for the CLI.
func (s *Supervisor) Policy() *egress.Engine { return s.policy }

// Alerts exposes the alert bus.
func (s *Supervisor) Alerts() *alert.Bus { return s.alerts }

// Start brings the whole stack up: container, proxy, policy watcher,
// monitor, dashboard. Valid from idle or stopped.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStarted || s.state == StatePaused {
		return fmt.Errorf("cannot start from %q state", s.state)
	}

	if err := s.paths.EnsureDirs(); err != nil {
		return err
	}
	if err := s.rt.Start(ctx); err != nil {
		return fmt.Errorf("start sandbox: %w", err)
	}

	if s.proxy != nil {
		if err := s.proxy.Start(); err != nil {
			return fmt.Errorf("start egress proxy: %w", err)
		}
	}
	if s.dash != nil {
		if err := s.dash.Start(); err != nil {
			s.stopComponentsLocked()
			return fmt.Errorf("start dashboard: %w", err)
		}
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	s.watchCancel = cancel
	s.watchDone = make(chan struct{})
	go func() {
		defer close(s.watchDone)
		if err := s.policy.Watch(watchCtx); err != nil {
			s.logger.Warn("policy watcher exited", "error", err)
		}
	}()

	if err := s.monitor.Start(); err != nil {
		s.logger.Warn("monitor start failed", "error", err)
	}

	s.state = StateStarted
	s.alerts.Fire(alert.SeverityInfo, "supervisor", "CrabPot sandbox started")
	return nil
}

// Pause freezes the sandbox and suspends the polling monitors. Valid only
// while started.
func (s *Supervisor) Pause(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStarted {
		return fmt.Errorf("cannot pause from %q state", s.state)
	}
	if err := s.rt.Pause(ctx); err != nil {
		return err
	}
	s.monitor.Pause()
	s.state = StatePaused
	s.alerts.Fire(alert.SeverityInfo, "supervisor", "Sandbox paused")
	return nil
}

// Resume unfreezes a paused sandbox.
func (s *Supervisor) Resume(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePaused {
		// The monitor's auto-pause freezes the container without going
		// through the supervisor, so honor a resume whenever the container
		// itself is paused.
		status, err := s.rt.Status(ctx)
		if err != nil || status != outbound.StatusPaused {
			return fmt.Errorf("cannot resume from %q state", s.state)
		}
	}
	if err := s.rt.Resume(ctx); err != nil {
		return err
	}
	s.monitor.Resume()
	s.state = StateStarted
	s.alerts.Fire(alert.SeverityInfo, "supervisor", "Sandbox resumed")
	return nil
}

// Stop tears the stack down and stops the container. Valid from started or
// paused; stopping an already stopped supervisor is a no-op.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopped || s.state == StateIdle {
		return nil
	}

	s.stopComponentsLocked()
	if err := s.rt.Stop(ctx); err != nil {
		return fmt.Errorf("stop sandbox: %w", err)
	}
	s.state = StateStopped
	return nil
}

// Destroy stops everything and removes the container and its volumes.
func (s *Supervisor) Destroy(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopComponentsLocked()
	if err := s.rt.Destroy(ctx); err != nil {
		return fmt.Errorf("destroy sandbox: %w", err)
	}
	s.state = StateStopped
	return nil
}

// stopComponentsLocked shuts down the host-side components. Caller holds
// s.mu.
func (s *Supervisor) stopComponentsLocked() {
	s.monitor.Stop()
	if s.watchCancel != nil {
		s.watchCancel()
		<-s.watchDone
		s.watchCancel = nil
	}
	if s.proxy != nil {
		s.proxy.Stop()
	}
	if s.dash != nil {
		s.dash.Stop()
	}
}

// Status assembles the current status snapshot.
func (s *Supervisor) Status(ctx context.Context) (StatusView, error) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	view := StatusView{
		State:        state,
		Preset:       s.cfg.Preset,
		Container:    config.ContainerName,
		Security:     s.prof.Security,
		Resources:    s.prof.Resources,
		Stats:        s.monitor.LatestStats(),
		PendingCount: s.gate.PendingCount(),
		AlertCounts:  s.alerts.Counts(),
	}
	if s.proxy != nil {
		view.ProxyAddr = s.proxy.Addr()
	}
	if s.dash != nil {
		view.DashboardAddr = s.dash.Addr()
	}

	status, err := s.rt.Status(ctx)
	if err != nil {
		return view, fmt.Errorf("container status: %w", err)
	}
	view.ContainerStatus = status

	if status == outbound.StatusRunning || status == outbound.StatusPaused {
		if health, err := s.rt.Health(ctx); err == nil {
			view.Health = health
		}
		if started, err := s.rt.StartTime(ctx); err == nil {
			view.StartedAt = started
		}
	}
	return view, nil
}
