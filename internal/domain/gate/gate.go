// Package gate implements the human-in-the-loop approval flow for egress
// requests. When the proxy hits an unknown domain it parks the connection on
// the gate; the human approves or denies through the CLI or dashboard, or the
// request times out and counts as denied.
package gate

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crabpot/crabpot/internal/domain/alert"
	"github.com/crabpot/crabpot/internal/domain/egress"
)

// DefaultTimeout is how long a parked connection waits for a human decision.
const DefaultTimeout = 60 * time.Second

// History is bounded: past historyMax records it is trimmed to the newest
// historyKeep.
const (
	historyMax  = 1000
	historyKeep = 500
)

// PendingRequest is one egress request awaiting approval. All connections to
// the same domain share a single PendingRequest, so one decision releases
// them all.
type PendingRequest struct {
	ID        string
	Domain    string
	Port      int
	CreatedAt time.Time

	verdict bool
	done    chan struct{}
	once    sync.Once
}

func newPendingRequest(domain string, port int) *PendingRequest {
	return &PendingRequest{
		ID:        uuid.NewString(),
		Domain:    domain,
		Port:      port,
		CreatedAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// resolve records the verdict and releases every waiter. Safe to call more
// than once; only the first call counts.
func (r *PendingRequest) resolve(approved bool) {
	r.once.Do(func() {
		r.verdict = approved
		close(r.done)
	})
}

// wait blocks until a decision lands or the timeout expires. Timeout means
// denied.
func (r *PendingRequest) wait(timeout time.Duration) bool {
	select {
	case <-r.done:
		return r.verdict
	case <-time.After(timeout):
		return false
	}
}

// Record is one resolved approval, kept for the history view.
type Record struct {
	Domain    string `json:"domain"`
	Port      int    `json:"port"`
	Decision  string `json:"decision"`
	Timestamp string `json:"timestamp"`
}

// PendingView is the read-only snapshot of a pending request served to the
// CLI and dashboard.
type PendingView struct {
	ID             string `json:"id"`
	Domain         string `json:"domain"`
	Port           int    `json:"port"`
	Timestamp      string `json:"timestamp"`
	WaitingSeconds int    `json:"waiting_seconds"`
}

// Gate parks egress requests pending human review and routes decisions back
// to them. Decisions also land in the policy engine: session approvals are
// remembered for the rest of the run, permanent approvals go to the allowlist
// file.
type Gate struct {
	policy  *egress.Engine
	alerts  *alert.Bus
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*PendingRequest
	history []Record
}

// New builds a Gate. A zero timeout selects DefaultTimeout.
func New(policy *egress.Engine, alerts *alert.Bus, timeout time.Duration) *Gate {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Gate{
		policy:  policy,
		alerts:  alerts,
		timeout: timeout,
		pending: make(map[string]*PendingRequest),
	}
}

// RequestApproval blocks until the domain is approved, denied, or the gate
// timeout expires. Concurrent requests for the same domain coalesce onto one
// pending entry. Returns true only on explicit approval.
func (g *Gate) RequestApproval(domain string, port int) bool {
	domain = strings.ToLower(domain)

	g.mu.Lock()
	req, exists := g.pending[domain]
	if !exists {
		req = newPendingRequest(domain, port)
		g.pending[domain] = req
	}
	g.mu.Unlock()

	if !exists {
		g.alerts.Fire(alert.SeverityWarning, "egress", fmt.Sprintf(
			"Approval needed: %s:%d - approve with 'crabpot approve %s' or via dashboard",
			domain, port, domain))
	}

	approved := req.wait(g.timeout)

	g.mu.Lock()
	delete(g.pending, domain)
	g.history = append(g.history, Record{
		Domain:    domain,
		Port:      port,
		Decision:  decisionWord(approved),
		Timestamp: time.Now().Format("2006-01-02T15:04:05"),
	})
	if len(g.history) > historyMax {
		g.history = append([]Record(nil), g.history[len(g.history)-historyKeep:]...)
	}
	g.mu.Unlock()

	if approved {
		g.alerts.Fire(alert.SeverityInfo, "egress", "Egress APPROVED: "+domain)
	} else {
		g.alerts.Fire(alert.SeverityWarning, "egress", "Egress DENIED (timeout or explicit): "+domain)
	}
	return approved
}

// Approve resolves a pending request for domain and records the approval in
// the policy engine (permanently when permanent is set). Reports whether a
// request was actually pending; approving ahead of time still updates the
// policy. The pending request is released no matter what happens to policy
// persistence: the human's verdict always reaches the waiter.
func (g *Gate) Approve(domain string, permanent bool) bool {
	domain = strings.ToLower(domain)

	if permanent {
		g.policy.AddPermanent(domain)
	} else {
		g.policy.SessionApprove(domain)
	}

	g.mu.Lock()
	req := g.pending[domain]
	g.mu.Unlock()
	if req == nil {
		return false
	}
	req.resolve(true)
	return true
}

// Deny resolves a pending request for domain as denied and session-denies it
// in the policy engine. Reports whether a request was pending.
func (g *Gate) Deny(domain string) bool {
	domain = strings.ToLower(domain)
	g.policy.SessionDeny(domain)

	g.mu.Lock()
	req := g.pending[domain]
	g.mu.Unlock()
	if req == nil {
		return false
	}
	req.resolve(false)
	return true
}

// Pending snapshots the requests currently awaiting a decision.
func (g *Gate) Pending() []PendingView {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now()
	out := make([]PendingView, 0, len(g.pending))
	for _, req := range g.pending {
		out = append(out, PendingView{
			ID:             req.ID,
			Domain:         req.Domain,
			Port:           req.Port,
			Timestamp:      req.CreatedAt.Format("15:04:05"),
			WaitingSeconds: int(now.Sub(req.CreatedAt).Seconds()),
		})
	}
	return out
}

// PendingCount reports how many requests are parked on the gate.
func (g *Gate) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// History returns up to last resolved approvals, oldest first.
func (g *Gate) History(last int) []Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	if last <= 0 || last > len(g.history) {
		last = len(g.history)
	}
	return append([]Record(nil), g.history[len(g.history)-last:]...)
}

func decisionWord(approved bool) string {
	if approved {
		return "approved"
	}
	return "denied"
}
