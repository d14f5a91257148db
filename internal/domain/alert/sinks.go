package alert

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// FileSink appends alerts to a JSONL log file. Write failures are dropped:
// losing a log line must never take the alert path down.
type FileSink struct {
	mu   sync.Mutex
	path string
}

var _ Sink = (*FileSink)(nil)

// NewFileSink builds a FileSink appending to path.
func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

// Accept implements Sink.
func (s *FileSink) Accept(a Alert) {
	data, err := json.Marshal(a)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.Write(append(data, '\n'))
}

// TerminalSink prints colored one-line alerts, normally to stderr so they
// interleave with the structured log without corrupting piped stdout.
type TerminalSink struct {
	mu sync.Mutex
	w  io.Writer
}

var _ Sink = (*TerminalSink)(nil)

// NewTerminalSink builds a TerminalSink writing to w; nil selects stderr.
func NewTerminalSink(w io.Writer) *TerminalSink {
	if w == nil {
		w = os.Stderr
	}
	return &TerminalSink{w: w}
}

// Accept implements Sink.
func (s *TerminalSink) Accept(a Alert) {
	color := severityColor(a.Severity)
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "%s[%s]\x1b[0m \x1b[2m%s\x1b[0m %s%s\x1b[0m: %s\n",
		color, a.Severity, a.Timestamp, color, a.Source, a.Message)
}

func severityColor(severity string) string {
	switch severity {
	case SeverityCritical:
		return "\x1b[1;31m"
	case SeverityWarning:
		return "\x1b[33m"
	case SeverityInfo:
		return "\x1b[34m"
	default:
		return "\x1b[37m"
	}
}
