// Package alert carries security alerts from the monitor, proxy, and gate to
// every configured channel: the JSONL log, the terminal, the dashboard
// websocket, and the OS notifier.
package alert

// Alert severities, highest first.
const (
	SeverityCritical = "CRITICAL"
	SeverityWarning  = "WARNING"
	SeverityInfo     = "INFO"
)

// Alert is a single dispatched alert.
type Alert struct {
	Severity      string `json:"severity"`
	Source        string `json:"source"`
	Message       string `json:"message"`
	Timestamp     string `json:"timestamp"`
	TimestampFull string `json:"timestamp_full"`
}

// Sink receives every fired alert. Implementations must not block for long
// and must swallow their own delivery failures; a dead channel never stops
// the others.
type Sink interface {
	Accept(Alert)
}

// PushSink is the live dashboard feed. It is attached after the bus exists
// because the dashboard server needs the bus to be built first.
type PushSink interface {
	PushAlert(Alert)
	PushStats(v any)
}
