// Package outbound defines the outbound ports (driven-side interfaces) that
// the CrabPot core depends on. The core never talks to a container engine
// directly; it talks to a Runtime.
package outbound

import (
	"context"
	"time"
)

// Status is the lifecycle state reported by a Runtime.
type Status string

const (
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	StatusExited   Status = "exited"
	StatusCreated  Status = "created"
	StatusNotFound Status = "not_found"
)

// Stats is a single resource-usage snapshot of the sandboxed workload.
type Stats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryUsage   uint64  `json:"memory_usage"`
	MemoryLimit   uint64  `json:"memory_limit"`
	MemoryPercent float64 `json:"memory_percent"`
	NetworkRx     uint64  `json:"network_rx"`
	NetworkTx     uint64  `json:"network_tx"`
	PIDs          uint64  `json:"pids"`
	Timestamp     string  `json:"timestamp"`
}

// Process is one entry of the in-sandbox process table.
type Process struct {
	PID     string `json:"pid"`
	User    string `json:"user"`
	Command string `json:"command"`
}

// Event is a lifecycle event emitted by the underlying runtime
// (e.g. Docker container events: start, die, oom, kill, restart).
type Event struct {
	Action string    `json:"action"`
	Actor  string    `json:"actor"`
	Time   time.Time `json:"time"`
}

// Runtime is the minimal capability contract the core requires from a
// container/VM backend. Implementations must be safe for concurrent use:
// the security monitor calls into the Runtime from several goroutines.
//
// Streaming methods (Logs, Events) return receive channels that are closed
// when the stream ends or the context is cancelled. Transient failures
// (container temporarily absent, exec hiccups) are returned as errors and
// are expected to be retried by the caller on its next poll.
type Runtime interface {
	// Status reports the current lifecycle state.
	Status(ctx context.Context) (Status, error)

	// StatsSnapshot returns a single resource-usage snapshot, or nil when
	// the workload is not running.
	StatsSnapshot(ctx context.Context) (*Stats, error)

	// Top returns the process table inside the workload.
	Top(ctx context.Context) ([]Process, error)

	// Exec runs a command inside the workload and returns its stdout.
	Exec(ctx context.Context, cmd string) (string, error)

	// Logs streams log lines. With follow=false the channel drains the last
	// tail lines and closes; with follow=true it stays open until the
	// context is cancelled. tail=0 with follow=true skips the backlog.
	Logs(ctx context.Context, follow bool, tail int) (<-chan string, error)

	// Events streams lifecycle events until the context is cancelled.
	Events(ctx context.Context) (<-chan Event, error)

	// Health returns the health-check status ("healthy", "unhealthy",
	// "starting", or "none" when no health check is configured).
	Health(ctx context.Context) (string, error)

	// StartTime returns the workload start time as an ISO-8601 string,
	// or "" when unknown.
	StartTime(ctx context.Context) (string, error)

	// Lifecycle verbs.
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Destroy(ctx context.Context) error
}
