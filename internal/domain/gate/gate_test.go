package gate

import (
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/crabpot/crabpot/internal/domain/alert"
	"github.com/crabpot/crabpot/internal/domain/egress"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestGate(t *testing.T, timeout time.Duration) (*Gate, *egress.Engine, *alert.Bus) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	policy := egress.NewEngine(filepath.Join(t.TempDir(), "allowlist.txt"), egress.UnknownPending, logger)
	bus := alert.NewBus(logger, "")
	return New(policy, bus, timeout), policy, bus
}

func TestRequestApprovalApproved(t *testing.T) {
	g, policy, _ := newTestGate(t, 5*time.Second)

	done := make(chan bool, 1)
	go func() {
		done <- g.RequestApproval("api.example.com", 443)
	}()

	waitForPending(t, g, 1)
	if !g.Approve("api.example.com", false) {
		t.Error("Approve reported no pending request")
	}
	if !<-done {
		t.Error("RequestApproval returned false after approval")
	}
	if got := policy.CheckDomain("api.example.com"); got != egress.DecisionAllow {
		t.Errorf("policy after session approval = %v, want allow", got)
	}
	if g.PendingCount() != 0 {
		t.Errorf("pending count after resolution = %d, want 0", g.PendingCount())
	}
}

func TestRequestApprovalDenied(t *testing.T) {
	g, policy, _ := newTestGate(t, 5*time.Second)

	done := make(chan bool, 1)
	go func() {
		done <- g.RequestApproval("api.example.com", 443)
	}()

	waitForPending(t, g, 1)
	if !g.Deny("api.example.com") {
		t.Error("Deny reported no pending request")
	}
	if <-done {
		t.Error("RequestApproval returned true after denial")
	}
	if got := policy.CheckDomain("api.example.com"); got != egress.DecisionDeny {
		t.Errorf("policy after denial = %v, want deny", got)
	}
}

func TestRequestApprovalTimeout(t *testing.T) {
	g, _, _ := newTestGate(t, 50*time.Millisecond)

	start := time.Now()
	if g.RequestApproval("slow.example.com", 443) {
		t.Error("RequestApproval returned true on timeout")
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("returned after %v, before the timeout", elapsed)
	}
	if g.PendingCount() != 0 {
		t.Errorf("pending count after timeout = %d, want 0", g.PendingCount())
	}

	history := g.History(0)
	if len(history) != 1 || history[0].Decision != "denied" {
		t.Errorf("history after timeout = %+v, want one denied record", history)
	}
}

func TestRequestApprovalCoalesces(t *testing.T) {
	g, _, _ := newTestGate(t, 5*time.Second)

	const waiters = 4
	results := make(chan bool, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- g.RequestApproval("shared.example.com", 443)
		}()
	}

	waitForPending(t, g, 1)
	if g.PendingCount() != 1 {
		t.Errorf("pending count with %d waiters = %d, want 1 coalesced entry", waiters, g.PendingCount())
	}
	g.Approve("shared.example.com", false)
	wg.Wait()
	close(results)
	for r := range results {
		if !r {
			t.Error("a coalesced waiter saw a denial after approval")
		}
	}
}

func TestApproveWithoutPending(t *testing.T) {
	g, policy, _ := newTestGate(t, time.Second)

	if wasPending := g.Approve("future.example.com", false); wasPending {
		t.Error("Approve reported a pending request that never existed")
	}
	// The approval still lands in the policy, so the next attempt sails through.
	if got := policy.CheckDomain("future.example.com"); got != egress.DecisionAllow {
		t.Errorf("pre-approved domain = %v, want allow", got)
	}
}

func TestApprovePermanent(t *testing.T) {
	g, policy, _ := newTestGate(t, time.Second)

	g.Approve("trusted.example.com", true)
	found := false
	for _, d := range policy.Allowlist() {
		if d == "trusted.example.com" {
			found = true
		}
	}
	if !found {
		t.Errorf("permanent approval missing from allowlist: %v", policy.Allowlist())
	}
}

func TestApproveReleasesWaiterWhenSaveFails(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	// Policy path pointing at a directory makes every save fail.
	policy := egress.NewEngine(t.TempDir(), egress.UnknownPending, logger)
	g := New(policy, alert.NewBus(logger, ""), 5*time.Second)

	done := make(chan bool, 1)
	go func() {
		done <- g.RequestApproval("new.example.com", 443)
	}()

	waitForPending(t, g, 1)
	if !g.Approve("new.example.com", true) {
		t.Error("Approve reported no pending request")
	}
	if !<-done {
		t.Error("waiter denied even though the human approved")
	}
	if got := policy.CheckDomain("new.example.com"); got != egress.DecisionAllow {
		t.Errorf("policy after approval = %v, want allow", got)
	}
}

func TestHistoryBounded(t *testing.T) {
	g, _, _ := newTestGate(t, 50*time.Millisecond)

	g.mu.Lock()
	for i := 0; i < historyMax; i++ {
		g.history = append(g.history, Record{Domain: "bulk.example.com", Decision: "denied"})
	}
	g.mu.Unlock()

	// One more resolved request tips the trail over the bound.
	g.RequestApproval("newest.example.com", 443)

	g.mu.Lock()
	n := len(g.history)
	newest := g.history[n-1]
	g.mu.Unlock()
	if n != historyKeep {
		t.Errorf("history length = %d, want trimmed to %d", n, historyKeep)
	}
	if newest.Domain != "newest.example.com" {
		t.Errorf("newest record after trim = %+v", newest)
	}
}

func TestPendingView(t *testing.T) {
	g, _, _ := newTestGate(t, 5*time.Second)

	go g.RequestApproval("view.example.com", 8443)
	waitForPending(t, g, 1)

	pending := g.Pending()
	if len(pending) != 1 {
		t.Fatalf("Pending() = %+v, want one entry", pending)
	}
	p := pending[0]
	if p.Domain != "view.example.com" || p.Port != 8443 || p.ID == "" {
		t.Errorf("unexpected pending view: %+v", p)
	}

	g.Deny("view.example.com")
	waitForPending(t, g, 0)
}

func TestAlertsFiredOnLifecycle(t *testing.T) {
	g, _, bus := newTestGate(t, 5*time.Second)

	done := make(chan bool, 1)
	go func() {
		done <- g.RequestApproval("alerting.example.com", 443)
	}()
	waitForPending(t, g, 1)
	g.Approve("alerting.example.com", false)
	<-done

	warnings := bus.History(0, alert.SeverityWarning)
	if len(warnings) != 1 {
		t.Fatalf("warning alerts = %+v, want the approval-needed alert", warnings)
	}
	infos := bus.History(0, alert.SeverityInfo)
	if len(infos) != 1 {
		t.Fatalf("info alerts = %+v, want the approved alert", infos)
	}
}

func waitForPending(t *testing.T, g *Gate, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if g.PendingCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("pending count never reached %d (now %d)", want, g.PendingCount())
}
