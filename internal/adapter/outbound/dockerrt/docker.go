// Package dockerrt adapts the Docker Engine API to the Runtime port. It
// supervises a single named container: CrabPot never builds or creates the
// sandbox image itself, it wraps a container provisioned out of band.
package dockerrt

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/crabpot/crabpot/internal/port/outbound"
)

const (
	stopTimeoutSeconds = 30
	// Raw multiplexed log frames can be large; one line per scan token.
	logScanBufSize = 1024 * 1024
)

// Runtime drives the sandbox container through the Docker Engine API.
type Runtime struct {
	cli    client.APIClient
	name   string
	logger *slog.Logger
}

var _ outbound.Runtime = (*Runtime)(nil)

// New connects to the Docker daemon from the environment and returns a
// Runtime bound to the named container.
func New(name string, logger *slog.Logger) (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Runtime{cli: cli, name: name, logger: logger}, nil
}

// NewWithClient is the constructor used by tests to inject a fake API client.
func NewWithClient(cli client.APIClient, name string, logger *slog.Logger) *Runtime {
	return &Runtime{cli: cli, name: name, logger: logger}
}

// Status implements outbound.Runtime.
func (r *Runtime) Status(ctx context.Context) (outbound.Status, error) {
	info, err := r.cli.ContainerInspect(ctx, r.name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return outbound.StatusNotFound, nil
		}
		return "", fmt.Errorf("inspect %s: %w", r.name, err)
	}
	return outbound.Status(info.State.Status), nil
}

// StatsSnapshot implements outbound.Runtime. It returns nil without error
// when the container does not exist, matching the monitor's expectation that
// a missing sandbox is a quiet retry, not a fault.
func (r *Runtime) StatsSnapshot(ctx context.Context) (*outbound.Stats, error) {
	resp, err := r.cli.ContainerStats(ctx, r.name, false)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stats %s: %w", r.name, err)
	}
	defer resp.Body.Close()

	var raw types.StatsJSON
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode stats for %s: %w", r.name, err)
	}
	return parseStats(&raw), nil
}

// parseStats converts a raw Docker stats sample into the port's Stats,
// computing CPU percent from the usage deltas the way docker stats does.
func parseStats(raw *types.StatsJSON) *outbound.Stats {
	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage) - float64(raw.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(raw.CPUStats.SystemUsage) - float64(raw.PreCPUStats.SystemUsage)
	numCPUs := float64(raw.CPUStats.OnlineCPUs)
	if numCPUs == 0 {
		numCPUs = 1
	}
	var cpuPercent float64
	if systemDelta > 0 {
		cpuPercent = (cpuDelta / systemDelta) * numCPUs * 100.0
	}

	memUsage := raw.MemoryStats.Usage
	memLimit := raw.MemoryStats.Limit
	var memPercent float64
	if memLimit > 0 {
		memPercent = float64(memUsage) / float64(memLimit) * 100.0
	}

	var rx, tx uint64
	for _, iface := range raw.Networks {
		rx += iface.RxBytes
		tx += iface.TxBytes
	}

	ts := ""
	if !raw.Read.IsZero() {
		ts = raw.Read.Format(time.RFC3339Nano)
	}
	return &outbound.Stats{
		CPUPercent:    round1(cpuPercent),
		MemoryUsage:   memUsage,
		MemoryLimit:   memLimit,
		MemoryPercent: round1(memPercent),
		NetworkRx:     rx,
		NetworkTx:     tx,
		PIDs:          raw.PidsStats.Current,
		Timestamp:     ts,
	}
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// Top implements outbound.Runtime.
func (r *Runtime) Top(ctx context.Context) ([]outbound.Process, error) {
	body, err := r.cli.ContainerTop(ctx, r.name, nil)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("top %s: %w", r.name, err)
	}

	pidIdx, userIdx, cmdIdx := -1, -1, -1
	for i, title := range body.Titles {
		switch title {
		case "PID":
			pidIdx = i
		case "USER", "UID":
			userIdx = i
		case "CMD", "COMMAND":
			cmdIdx = i
		}
	}

	procs := make([]outbound.Process, 0, len(body.Processes))
	for _, row := range body.Processes {
		var p outbound.Process
		if pidIdx >= 0 && pidIdx < len(row) {
			p.PID = row[pidIdx]
		}
		if userIdx >= 0 && userIdx < len(row) {
			p.User = row[userIdx]
		}
		if cmdIdx >= 0 && cmdIdx < len(row) {
			p.Command = row[cmdIdx]
		}
		procs = append(procs, p)
	}
	return procs, nil
}

// Exec implements outbound.Runtime. The command runs through the exec API,
// stdout and stderr demuxed; only stdout is returned.
func (r *Runtime) Exec(ctx context.Context, cmd string) (string, error) {
	created, err := r.cli.ContainerExecCreate(ctx, r.name, types.ExecConfig{
		Cmd:          strings.Fields(cmd),
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("exec create in %s: %w", r.name, err)
	}

	resp, err := r.cli.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return "", fmt.Errorf("exec attach in %s: %w", r.name, err)
	}
	defer resp.Close()

	var stdout, stderr strings.Builder
	if _, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader); err != nil {
		return "", fmt.Errorf("exec read from %s: %w", r.name, err)
	}
	return stdout.String(), nil
}

// Logs implements outbound.Runtime. Lines are demuxed from the multiplexed
// log stream and delivered without trailing newlines; the channel closes
// when the stream ends or ctx is cancelled.
func (r *Runtime) Logs(ctx context.Context, follow bool, tail int) (<-chan string, error) {
	rc, err := r.cli.ContainerLogs(ctx, r.name, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
		Tail:       fmt.Sprintf("%d", tail),
		Timestamps: true,
	})
	if err != nil {
		return nil, fmt.Errorf("logs %s: %w", r.name, err)
	}

	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, rc)
		rc.Close()
		pw.CloseWithError(err)
	}()

	out := make(chan string)
	go func() {
		defer close(out)
		defer pr.Close()
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), logScanBufSize)
		for scanner.Scan() {
			select {
			case out <- strings.TrimRight(scanner.Text(), "\n"):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Events implements outbound.Runtime, streaming engine events filtered to
// the supervised container.
func (r *Runtime) Events(ctx context.Context) (<-chan outbound.Event, error) {
	msgs, errs := r.cli.Events(ctx, types.EventsOptions{
		Filters: filters.NewArgs(filters.Arg("container", r.name)),
	})

	out := make(chan outbound.Event)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-errs:
				if !ok {
					return
				}
				if err != nil && ctx.Err() == nil {
					r.logger.Debug("docker event stream error", "error", err)
				}
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				ev := outbound.Event{
					Action: string(msg.Action),
					Actor:  msg.Actor.ID,
					Time:   time.Unix(msg.Time, 0),
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

// Health implements outbound.Runtime.
func (r *Runtime) Health(ctx context.Context) (string, error) {
	info, err := r.cli.ContainerInspect(ctx, r.name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "none", nil
		}
		return "", fmt.Errorf("inspect %s: %w", r.name, err)
	}
	if info.State == nil || info.State.Health == nil {
		return "none", nil
	}
	return info.State.Health.Status, nil
}

// StartTime implements outbound.Runtime.
func (r *Runtime) StartTime(ctx context.Context) (string, error) {
	info, err := r.cli.ContainerInspect(ctx, r.name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("inspect %s: %w", r.name, err)
	}
	if info.State == nil {
		return "", nil
	}
	return info.State.StartedAt, nil
}

// Start implements outbound.Runtime. A running container is left alone and
// a paused one is unfrozen; the container itself must already exist.
func (r *Runtime) Start(ctx context.Context) error {
	status, err := r.Status(ctx)
	if err != nil {
		return err
	}
	switch status {
	case outbound.StatusRunning:
		return nil
	case outbound.StatusPaused:
		return r.Resume(ctx)
	case outbound.StatusNotFound:
		return fmt.Errorf("container %s not found, provision it first", r.name)
	}
	if err := r.cli.ContainerStart(ctx, r.name, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("start %s: %w", r.name, err)
	}
	return nil
}

// Stop implements outbound.Runtime. Paused containers are unfrozen first so
// the engine can deliver the stop signal.
func (r *Runtime) Stop(ctx context.Context) error {
	status, err := r.Status(ctx)
	if err != nil {
		return err
	}
	if status == outbound.StatusNotFound {
		return nil
	}
	if status == outbound.StatusPaused {
		if err := r.cli.ContainerUnpause(ctx, r.name); err != nil {
			return fmt.Errorf("unpause %s before stop: %w", r.name, err)
		}
	}
	timeout := stopTimeoutSeconds
	if err := r.cli.ContainerStop(ctx, r.name, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("stop %s: %w", r.name, err)
	}
	return nil
}

// Pause implements outbound.Runtime, freezing the container via the cgroups
// freezer: zero CPU, memory preserved.
func (r *Runtime) Pause(ctx context.Context) error {
	status, err := r.Status(ctx)
	if err != nil {
		return err
	}
	if status != outbound.StatusRunning {
		return fmt.Errorf("cannot pause container in %q state", status)
	}
	if err := r.cli.ContainerPause(ctx, r.name); err != nil {
		return fmt.Errorf("pause %s: %w", r.name, err)
	}
	return nil
}

// Resume implements outbound.Runtime.
func (r *Runtime) Resume(ctx context.Context) error {
	status, err := r.Status(ctx)
	if err != nil {
		return err
	}
	if status != outbound.StatusPaused {
		return fmt.Errorf("container is not paused (status: %s)", status)
	}
	if err := r.cli.ContainerUnpause(ctx, r.name); err != nil {
		return fmt.Errorf("unpause %s: %w", r.name, err)
	}
	return nil
}

// Destroy implements outbound.Runtime: best-effort stop, then forced
// removal including anonymous volumes.
func (r *Runtime) Destroy(ctx context.Context) error {
	status, err := r.Status(ctx)
	if err != nil {
		return err
	}
	if status == outbound.StatusNotFound {
		return nil
	}
	timeout := 10
	if err := r.cli.ContainerStop(ctx, r.name, container.StopOptions{Timeout: &timeout}); err != nil {
		r.logger.Debug("stop before destroy failed", "container", r.name, "error", err)
	}
	if err := r.cli.ContainerRemove(ctx, r.name, types.ContainerRemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	}); err != nil {
		return fmt.Errorf("remove %s: %w", r.name, err)
	}
	return nil
}
