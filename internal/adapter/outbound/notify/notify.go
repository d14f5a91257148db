// Package notify delivers critical alerts as desktop notifications via
// notify-send. Alert text reaches this sink from attacker-observable sources
// (container logs, request payloads), so it is sanitized with a strict
// character allowlist before touching a shell-adjacent surface.
package notify

import (
	"os/exec"
	"regexp"

	"github.com/crabpot/crabpot/internal/domain/alert"
)

const maxNotifyLen = 200

// Allowlist sanitizer: alphanumerics, space, and basic punctuation survive;
// everything else is stripped. Stripping (rather than escaping) removes the
// whole injection question.
var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9 .,!?:/()\-]`)

// Sink sends a desktop notification for CRITICAL alerts and ignores the
// rest. On hosts without notify-send it is a no-op.
type Sink struct {
	binary string
}

var _ alert.Sink = (*Sink)(nil)

// NewSink probes for notify-send once; the returned Sink stays quiet if the
// binary is absent.
func NewSink() *Sink {
	path, err := exec.LookPath("notify-send")
	if err != nil {
		return &Sink{}
	}
	return &Sink{binary: path}
}

// Accept implements alert.Sink.
func (s *Sink) Accept(a alert.Alert) {
	if s.binary == "" || a.Severity != alert.SeverityCritical {
		return
	}
	title := Sanitize("CrabPot CRITICAL: " + a.Source)
	body := Sanitize(a.Message)
	// Fire and forget; a stuck notification daemon must not block alerting.
	cmd := exec.Command(s.binary, "--urgency=critical", "--app-name=CrabPot", title, body)
	_ = cmd.Start()
	go func() { _ = cmd.Wait() }()
}

// Sanitize strips everything outside the character allowlist and truncates
// the result.
func Sanitize(s string) string {
	out := unsafeChars.ReplaceAllString(s, "")
	if len(out) > maxNotifyLen {
		out = out[:maxNotifyLen]
	}
	return out
}
