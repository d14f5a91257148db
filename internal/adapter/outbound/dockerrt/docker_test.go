package dockerrt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"

	"github.com/crabpot/crabpot/internal/port/outbound"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseStats(t *testing.T) {
	t.Parallel()

	raw := &types.StatsJSON{}
	raw.Read = time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	raw.CPUStats.CPUUsage.TotalUsage = 400_000_000
	raw.CPUStats.SystemUsage = 2_000_000_000
	raw.CPUStats.OnlineCPUs = 2
	raw.PreCPUStats.CPUUsage.TotalUsage = 100_000_000
	raw.PreCPUStats.SystemUsage = 1_000_000_000
	raw.MemoryStats.Usage = 512 * 1024 * 1024
	raw.MemoryStats.Limit = 2048 * 1024 * 1024
	raw.PidsStats.Current = 23
	raw.Networks = map[string]types.NetworkStats{
		"eth0": {RxBytes: 1000, TxBytes: 2000},
		"eth1": {RxBytes: 10, TxBytes: 20},
	}

	got := parseStats(raw)

	// (300M / 1000M) * 2 cpus * 100 = 60%.
	if got.CPUPercent != 60.0 {
		t.Errorf("CPUPercent = %v, want 60.0", got.CPUPercent)
	}
	if got.MemoryPercent != 25.0 {
		t.Errorf("MemoryPercent = %v, want 25.0", got.MemoryPercent)
	}
	if got.MemoryUsage != 512*1024*1024 || got.MemoryLimit != 2048*1024*1024 {
		t.Errorf("memory fields = %d/%d", got.MemoryUsage, got.MemoryLimit)
	}
	if got.NetworkRx != 1010 || got.NetworkTx != 2020 {
		t.Errorf("network totals = rx %d tx %d", got.NetworkRx, got.NetworkTx)
	}
	if got.PIDs != 23 {
		t.Errorf("PIDs = %d", got.PIDs)
	}
	if got.Timestamp != "2026-08-25T10:00:00Z" {
		t.Errorf("Timestamp = %q", got.Timestamp)
	}
}

func TestParseStatsDefaults(t *testing.T) {
	t.Parallel()

	// First sample: no deltas, no online-cpu count, no limit.
	raw := &types.StatsJSON{}
	got := parseStats(raw)
	if got.CPUPercent != 0 || got.MemoryPercent != 0 {
		t.Errorf("zero sample produced %v%% cpu / %v%% mem", got.CPUPercent, got.MemoryPercent)
	}
	if got.Timestamp != "" {
		t.Errorf("zero Read time produced timestamp %q", got.Timestamp)
	}

	// OnlineCPUs absent (cgroup v1 daemons): fall back to 1.
	raw = &types.StatsJSON{}
	raw.CPUStats.CPUUsage.TotalUsage = 500
	raw.CPUStats.SystemUsage = 1000
	got = parseStats(raw)
	if got.CPUPercent != 50.0 {
		t.Errorf("CPUPercent with implicit single cpu = %v, want 50.0", got.CPUPercent)
	}
}

func TestRound1(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   float64
		want float64
	}{
		{33.333333, 33.3},
		{66.666666, 66.7},
		{0, 0},
		{99.99, 100},
	}
	for _, tt := range tests {
		if got := round1(tt.in); got != tt.want {
			t.Errorf("round1(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// fakeAPI overrides just the Engine API calls a test exercises; anything else
// panics via the embedded nil interface.
type fakeAPI struct {
	client.APIClient

	inspect    types.ContainerJSON
	inspectErr error
	top        container.ContainerTopOKBody
}

func (f *fakeAPI) ContainerInspect(context.Context, string) (types.ContainerJSON, error) {
	return f.inspect, f.inspectErr
}

func (f *fakeAPI) ContainerTop(context.Context, string, []string) (container.ContainerTopOKBody, error) {
	return f.top, nil
}

func inspectWithState(state *types.ContainerState) types.ContainerJSON {
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{State: state},
	}
}

func TestStatusMapping(t *testing.T) {
	t.Parallel()

	rt := NewWithClient(&fakeAPI{
		inspect: inspectWithState(&types.ContainerState{Status: "paused"}),
	}, "crabpot", testLogger())
	status, err := rt.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if status != outbound.StatusPaused {
		t.Errorf("status = %q, want paused", status)
	}
}

func TestStatusNotFound(t *testing.T) {
	t.Parallel()

	rt := NewWithClient(&fakeAPI{
		inspectErr: errdefs.NotFound(errors.New("no such container")),
	}, "crabpot", testLogger())
	status, err := rt.Status(context.Background())
	if err != nil {
		t.Fatalf("not-found should not error: %v", err)
	}
	if status != outbound.StatusNotFound {
		t.Errorf("status = %q, want not_found", status)
	}
}

func TestHealthWithoutHealthcheck(t *testing.T) {
	t.Parallel()

	rt := NewWithClient(&fakeAPI{
		inspect: inspectWithState(&types.ContainerState{Status: "running"}),
	}, "crabpot", testLogger())
	health, err := rt.Health(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if health != "none" {
		t.Errorf("health = %q, want none", health)
	}
}

func TestHealthStatus(t *testing.T) {
	t.Parallel()

	rt := NewWithClient(&fakeAPI{
		inspect: inspectWithState(&types.ContainerState{
			Status: "running",
			Health: &types.Health{Status: "unhealthy"},
		}),
	}, "crabpot", testLogger())
	health, err := rt.Health(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if health != "unhealthy" {
		t.Errorf("health = %q", health)
	}
}

func TestTopColumnMapping(t *testing.T) {
	t.Parallel()

	rt := NewWithClient(&fakeAPI{
		top: container.ContainerTopOKBody{
			Titles: []string{"UID", "PID", "PPID", "C", "STIME", "TTY", "TIME", "CMD"},
			Processes: [][]string{
				{"agent", "17", "1", "0", "09:00", "?", "00:00:01", "node /app/agent.js"},
				{"root", "99", "1", "0", "09:01", "?", "00:00:00", "/bin/sh -c tail -f"},
			},
		},
	}, "crabpot", testLogger())

	procs, err := rt.Top(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(procs) != 2 {
		t.Fatalf("got %d processes", len(procs))
	}
	if procs[0].PID != "17" || procs[0].User != "agent" || procs[0].Command != "node /app/agent.js" {
		t.Errorf("first process = %+v", procs[0])
	}
	if procs[1].Command != "/bin/sh -c tail -f" {
		t.Errorf("second process = %+v", procs[1])
	}
}

func TestPauseRequiresRunning(t *testing.T) {
	t.Parallel()

	rt := NewWithClient(&fakeAPI{
		inspect: inspectWithState(&types.ContainerState{Status: "exited"}),
	}, "crabpot", testLogger())
	if err := rt.Pause(context.Background()); err == nil {
		t.Error("pausing an exited container should fail")
	}
}

func TestResumeRequiresPaused(t *testing.T) {
	t.Parallel()

	rt := NewWithClient(&fakeAPI{
		inspect: inspectWithState(&types.ContainerState{Status: "running"}),
	}, "crabpot", testLogger())
	if err := rt.Resume(context.Background()); err == nil {
		t.Error("resuming a running container should fail")
	}
}
