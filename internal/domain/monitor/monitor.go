// Package monitor runs the security watcher fleet over the sandbox runtime:
// resource stats, process watchdog, network auditor, log scanner, health
// checks, and lifecycle events. Which channels run is decided by the
// resolved security profile; CRITICAL findings can auto-freeze the sandbox.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/crabpot/crabpot/internal/domain/alert"
	"github.com/crabpot/crabpot/internal/domain/preset"
	"github.com/crabpot/crabpot/internal/port/outbound"
)

// ErrAlreadyRunning is returned by Start when the monitor is active.
var ErrAlreadyRunning = errors.New("security monitor already running")

const (
	statsInterval   = 2 * time.Second
	statsRetryDelay = 5 * time.Second
	procInterval    = 15 * time.Second
	networkInterval = 30 * time.Second
	healthInterval  = 30 * time.Second

	memoryAlertCooldown  = 60 * time.Second
	unhealthyTripCount   = 2
	maxLogExcerpt        = 200
	defaultCPUThreshold  = 80.0
	defaultMemThreshold  = 85.0
	defaultCPUSustainSec = 30
)

// Config tunes the monitor thresholds. Zero values select the defaults.
type Config struct {
	CPUThreshold    float64
	MemoryThreshold float64
	CPUSustain      time.Duration
}

// Monitor owns the watcher goroutines. Start spawns them per the profile;
// Stop tears every channel down and waits. Pause suspends the polling
// watchers while the sandbox is frozen (streaming watchers keep draining so
// lifecycle events are never missed).
type Monitor struct {
	rt      outbound.Runtime
	alerts  *alert.Bus
	profile preset.SecurityProfile
	cfg     Config
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	paused atomic.Bool

	statsMu     sync.Mutex
	latestStats *outbound.Stats

	cpuHighSince  time.Time
	lastMemAlert  time.Time
	unhealthyRuns int
}

// New builds a Monitor over the runtime for the given profile.
func New(rt outbound.Runtime, alerts *alert.Bus, profile preset.SecurityProfile, cfg Config, logger *slog.Logger) *Monitor {
	if cfg.CPUThreshold <= 0 {
		cfg.CPUThreshold = defaultCPUThreshold
	}
	if cfg.MemoryThreshold <= 0 {
		cfg.MemoryThreshold = defaultMemThreshold
	}
	if cfg.CPUSustain <= 0 {
		cfg.CPUSustain = defaultCPUSustainSec * time.Second
	}
	return &Monitor{rt: rt, alerts: alerts, profile: profile, cfg: cfg, logger: logger}
}

// Start spawns the watcher channels selected by the profile. Starting a
// running monitor is an error.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.paused.Store(false)

	type watcher struct {
		name string
		run  func(context.Context)
	}
	var watchers []watcher
	if m.profile.ResourceLimits {
		watchers = append(watchers, watcher{"stats", m.watchStats})
	}
	if m.profile.ProcessWatchdog {
		watchers = append(watchers, watcher{"processes", m.watchProcesses})
	}
	if m.profile.NetworkAuditor {
		watchers = append(watchers, watcher{"network", m.watchNetwork})
	}
	if m.profile.LogScanner {
		watchers = append(watchers, watcher{"logs", m.watchLogs})
	}
	// Health and event channels ride along whenever anything else runs.
	if len(watchers) > 0 {
		watchers = append(watchers,
			watcher{"health", m.watchHealth},
			watcher{"events", m.watchEvents})
	}

	for _, w := range watchers {
		m.wg.Add(1)
		go func(w watcher) {
			defer m.wg.Done()
			m.logger.Debug("monitor channel starting", "channel", w.name)
			w.run(ctx)
		}(w)
	}
	m.running = true

	if len(watchers) > 0 {
		m.alerts.Fire(alert.SeverityInfo, "monitor",
			fmt.Sprintf("Security monitor started (%d channels)", len(watchers)))
	}
	return nil
}

// Stop tears down all watcher channels and waits for them to exit. Stopping
// a stopped monitor is a no-op.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
}

// Pause suspends the polling watchers while the sandbox is frozen.
func (m *Monitor) Pause() { m.paused.Store(true) }

// Resume reactivates the polling watchers.
func (m *Monitor) Resume() { m.paused.Store(false) }

// LatestStats returns the most recent stats snapshot, or nil before the
// first collection.
func (m *Monitor) LatestStats() *outbound.Stats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.latestStats
}

// sleep waits for d or until ctx is cancelled; it reports false on cancel.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// autoPause freezes the sandbox in response to a CRITICAL finding, when the
// profile allows it.
func (m *Monitor) autoPause(ctx context.Context, reason string) {
	if !m.profile.AutoPauseOnCritical {
		return
	}
	if err := m.rt.Pause(ctx); err != nil {
		m.alerts.Fire(alert.SeverityWarning, "auto-pause", "Failed to auto-pause: "+err.Error())
		return
	}
	m.alerts.Fire(alert.SeverityCritical, "auto-pause",
		fmt.Sprintf("Container auto-frozen: %s. Resume with 'crabpot resume'.", reason))
}

func (m *Monitor) watchStats(ctx context.Context) {
	for {
		if m.paused.Load() {
			if !sleep(ctx, statsInterval) {
				return
			}
			continue
		}

		stats, err := m.rt.StatsSnapshot(ctx)
		switch {
		case err != nil:
			m.logger.Debug("stats watcher runtime error", "error", err)
		case stats == nil:
			if !sleep(ctx, statsRetryDelay) {
				return
			}
			continue
		default:
			m.statsMu.Lock()
			m.latestStats = stats
			m.statsMu.Unlock()
			m.alerts.PushStats(stats)
			m.checkCPU(stats)
			m.checkMemory(stats)
		}

		if !sleep(ctx, statsInterval) {
			return
		}
	}
}

// checkCPU alerts when CPU stays above the threshold for the whole sustain
// window. The window restarts after firing, so a pegged CPU re-alerts once
// per window instead of every poll.
func (m *Monitor) checkCPU(stats *outbound.Stats) {
	if stats.CPUPercent <= m.cfg.CPUThreshold {
		m.cpuHighSince = time.Time{}
		return
	}
	now := time.Now()
	if m.cpuHighSince.IsZero() {
		m.cpuHighSince = now
		return
	}
	if now.Sub(m.cpuHighSince) >= m.cfg.CPUSustain {
		m.alerts.Fire(alert.SeverityWarning, "stats",
			fmt.Sprintf("CPU at %.1f%% for %ds", stats.CPUPercent, int(m.cfg.CPUSustain.Seconds())))
		m.cpuHighSince = now
	}
}

func (m *Monitor) checkMemory(stats *outbound.Stats) {
	if stats.MemoryPercent <= m.cfg.MemoryThreshold {
		return
	}
	now := time.Now()
	if now.Sub(m.lastMemAlert) < memoryAlertCooldown {
		return
	}
	m.alerts.Fire(alert.SeverityWarning, "stats",
		fmt.Sprintf("Memory at %.1f%% (%dMB)", stats.MemoryPercent, stats.MemoryUsage/(1024*1024)))
	m.lastMemAlert = now
}

func (m *Monitor) watchProcesses(ctx context.Context) {
	for {
		if m.paused.Load() {
			if !sleep(ctx, procInterval) {
				return
			}
			continue
		}

		procs, err := m.rt.Top(ctx)
		if err != nil {
			m.logger.Debug("process watcher runtime error", "error", err)
		}
		for _, proc := range procs {
			base := baseCommand(proc.Command)
			if _, bad := suspiciousProcesses[base]; bad {
				m.alerts.Fire(alert.SeverityCritical, "processes",
					"Suspicious process detected: "+proc.Command)
				m.autoPause(ctx, "Suspicious process: "+base)
			}
		}

		if !sleep(ctx, procInterval) {
			return
		}
	}
}

// baseCommand reduces "/usr/bin/python3 -m http.server" to "python3".
func baseCommand(cmd string) string {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return ""
	}
	parts := strings.Split(fields[0], "/")
	return parts[len(parts)-1]
}

func (m *Monitor) watchNetwork(ctx context.Context) {
	whitelisted := map[string]struct{}{
		"127.0.0.1": {}, "0.0.0.0": {}, "::1": {}, "::": {},
	}
	seen := make(map[uint64]struct{})

	for {
		if m.paused.Load() {
			if !sleep(ctx, networkInterval) {
				return
			}
			continue
		}

		status, err := m.rt.Status(ctx)
		if err != nil || status != outbound.StatusRunning {
			if err != nil {
				m.logger.Debug("network watcher runtime error", "error", err)
			}
			if !sleep(ctx, networkInterval) {
				return
			}
			continue
		}

		output, err := m.rt.Exec(ctx, "ss -tunp")
		if err != nil {
			m.logger.Debug("network watcher exec error", "error", err)
		} else {
			m.auditConnections(output, whitelisted, seen)
		}

		if !sleep(ctx, networkInterval) {
			return
		}
	}
}

// auditConnections parses ss output and alerts once per new remote endpoint.
func (m *Monitor) auditConnections(output string, whitelisted map[string]struct{}, seen map[uint64]struct{}) {
	lines := strings.Split(output, "\n")
	if len(lines) < 2 {
		return
	}
	for _, line := range lines[1:] {
		parts := strings.Fields(line)
		if len(parts) < 5 {
			continue
		}
		remote := parts[4]
		addr := remote
		if i := strings.LastIndex(remote, ":"); i >= 0 {
			addr = remote[:i]
		}
		addr = strings.Trim(addr, "[]")
		if _, ok := whitelisted[addr]; ok || addr == "*" {
			continue
		}
		key := xxhash.Sum64String(remote)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		m.alerts.Fire(alert.SeverityWarning, "network", "New outbound connection to "+remote)
	}
}

func (m *Monitor) watchLogs(ctx context.Context) {
	lines, err := m.rt.Logs(ctx, true, 0)
	if err != nil {
		m.logger.Debug("log watcher runtime error", "error", err)
		return
	}
	for line := range lines {
		for _, p := range logPatterns {
			if p.re.MatchString(line) {
				excerpt := line
				if len(excerpt) > maxLogExcerpt {
					excerpt = excerpt[:maxLogExcerpt] + "..."
				}
				m.alerts.Fire(p.severity, "logs", p.description+": "+excerpt)
				break
			}
		}
	}
}

func (m *Monitor) watchHealth(ctx context.Context) {
	for {
		if m.paused.Load() {
			if !sleep(ctx, healthInterval) {
				return
			}
			continue
		}

		health, err := m.rt.Health(ctx)
		if err != nil {
			m.logger.Debug("health watcher runtime error", "error", err)
		} else if health == "unhealthy" {
			m.unhealthyRuns++
			if m.unhealthyRuns >= unhealthyTripCount {
				m.alerts.Fire(alert.SeverityCritical, "health",
					fmt.Sprintf("Container unhealthy (%d consecutive checks)", m.unhealthyRuns))
				m.autoPause(ctx, "Container unhealthy")
			}
		} else {
			m.unhealthyRuns = 0
		}

		if !sleep(ctx, healthInterval) {
			return
		}
	}
}

func (m *Monitor) watchEvents(ctx context.Context) {
	events, err := m.rt.Events(ctx)
	if err != nil {
		m.logger.Debug("event watcher runtime error", "error", err)
		return
	}
	for ev := range events {
		if _, ok := criticalEvents[ev.Action]; ok {
			m.alerts.Fire(alert.SeverityCritical, "events", "Container event: "+ev.Action)
		} else if _, ok := warningEvents[ev.Action]; ok {
			m.alerts.Fire(alert.SeverityWarning, "events", "Container event: "+ev.Action)
		} else if ev.Action == "start" {
			m.alerts.Fire(alert.SeverityInfo, "events", "Container started")
		}
	}
}
