package alert

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"
)

const (
	historyMax  = 1000
	historyKeep = 500
)

// Bus fans alerts out to the configured sinks and keeps a bounded in-memory
// history. History survives restarts via the JSONL log: on construction the
// bus replays the log file, skipping lines that fail to parse.
type Bus struct {
	logger *slog.Logger

	mu      sync.Mutex
	history []Alert
	push    PushSink

	sinks []Sink
}

// NewBus builds a Bus over the given sinks. historyPath, when non-empty,
// names the JSONL alert log to replay into the initial history; it is
// normally the same file a FileSink appends to.
func NewBus(logger *slog.Logger, historyPath string, sinks ...Sink) *Bus {
	b := &Bus{logger: logger, sinks: sinks}
	if historyPath != "" {
		b.history = replayHistory(logger, historyPath)
	}
	return b
}

// SetPush attaches the live dashboard feed.
func (b *Bus) SetPush(p PushSink) {
	b.mu.Lock()
	b.push = p
	b.mu.Unlock()
}

// Fire records and dispatches an alert through every channel. Sink delivery
// happens outside the bus lock so a slow sink never blocks Fire callers that
// only need the history appended.
func (b *Bus) Fire(severity, source, message string) {
	now := time.Now()
	a := Alert{
		Severity:      severity,
		Source:        source,
		Message:       message,
		Timestamp:     now.Format("15:04:05"),
		TimestampFull: now.Format(time.RFC3339),
	}

	b.mu.Lock()
	b.history = append(b.history, a)
	if len(b.history) > historyMax {
		b.history = append([]Alert(nil), b.history[len(b.history)-historyKeep:]...)
	}
	push := b.push
	b.mu.Unlock()

	for _, s := range b.sinks {
		s.Accept(a)
	}
	if push != nil {
		push.PushAlert(a)
	}
}

// PushStats forwards a stats snapshot to the live dashboard feed, if one is
// attached.
func (b *Bus) PushStats(v any) {
	b.mu.Lock()
	push := b.push
	b.mu.Unlock()
	if push != nil {
		push.PushStats(v)
	}
}

// History returns up to last recent alerts, oldest first, optionally
// filtered by severity ("" means all).
func (b *Bus) History(last int, severity string) []Alert {
	b.mu.Lock()
	history := append([]Alert(nil), b.history...)
	b.mu.Unlock()

	if severity != "" {
		filtered := history[:0]
		for _, a := range history {
			if a.Severity == severity {
				filtered = append(filtered, a)
			}
		}
		history = filtered
	}
	if last <= 0 || last > len(history) {
		last = len(history)
	}
	return history[len(history)-last:]
}

// Counts returns alert totals by severity for the current history window.
func (b *Bus) Counts() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	counts := map[string]int{
		SeverityCritical: 0,
		SeverityWarning:  0,
		SeverityInfo:     0,
	}
	for _, a := range b.history {
		if _, ok := counts[a.Severity]; ok {
			counts[a.Severity]++
		}
	}
	return counts
}

// replayHistory loads prior alerts from the JSONL log. Malformed lines are
// skipped rather than aborting the replay; the file is append-only and a
// torn final line after a crash is expected.
func replayHistory(logger *slog.Logger, path string) []Alert {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var history []Alert
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var a Alert
		if err := json.Unmarshal(line, &a); err != nil {
			continue
		}
		history = append(history, a)
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("alert history replay stopped early", "path", path, "error", err)
	}
	if len(history) > historyMax {
		history = append([]Alert(nil), history[len(history)-historyKeep:]...)
	}
	return history
}
