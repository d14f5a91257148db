package egress

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	auditMax  = 5000
	auditKeep = 2500
)

// AuditEntry records one egress attempt and its outcome.
type AuditEntry struct {
	Timestamp string `json:"timestamp"`
	Domain    string `json:"domain"`
	Port      int    `json:"port"`
	Method    string `json:"method"`
	Decision  string `json:"decision"`
}

// Engine evaluates egress requests against the allowlist and blocklist.
//
// Policy file format, one entry per line: a bare domain allows it,
// "*.example.com" allows the domain and its subdomains, a leading "!" blocks,
// "#" starts a comment. The default blocklist is always in force and outranks
// every allow source.
//
// Session approvals and denials live only in memory and reset when the
// supervisor restarts.
type Engine struct {
	mu              sync.Mutex
	allowed         []string
	blocked         []string
	sessionApproved map[string]struct{}
	sessionDenied   map[string]struct{}
	audit           []AuditEntry

	unknownAction UnknownAction
	policyPath    string
	logger        *slog.Logger
}

// NewEngine builds an Engine seeded with the default blocklist and, when
// policyPath names an existing file, the entries loaded from it. A missing
// file is not an error; the file appears once a domain is permanently
// approved.
func NewEngine(policyPath string, unknown UnknownAction, logger *slog.Logger) *Engine {
	e := &Engine{
		blocked:         append([]string(nil), DefaultBlocklist...),
		sessionApproved: make(map[string]struct{}),
		sessionDenied:   make(map[string]struct{}),
		unknownAction:   unknown,
		policyPath:      policyPath,
		logger:          logger,
	}
	if policyPath != "" {
		if _, err := os.Stat(policyPath); err == nil {
			e.loadLocked(policyPath)
		}
	}
	return e
}

// loadLocked parses the policy file into the allowed/blocked slices. Callers
// from NewEngine run before the Engine escapes; reload() holds the mutex.
func (e *Engine) loadLocked(p string) {
	data, err := os.ReadFile(p)
	if err != nil {
		e.logger.Warn("failed to load egress policy", "path", p, "error", err)
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "!") {
			e.blocked = append(e.blocked, strings.TrimSpace(line[1:]))
		} else {
			e.allowed = append(e.allowed, line)
		}
	}
}

// CheckDomain evaluates a domain. Precedence: blocklist, session denial,
// allowlist, session approval, then the configured unknown action.
func (e *Engine) CheckDomain(domain string) Decision {
	domain = strings.ToLower(strings.TrimSpace(domain))

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, pattern := range e.blocked {
		if matchDomain(domain, strings.ToLower(pattern)) {
			return DecisionDeny
		}
	}
	if _, ok := e.sessionDenied[domain]; ok {
		return DecisionDeny
	}
	for _, pattern := range e.allowed {
		if matchDomain(domain, strings.ToLower(pattern)) {
			return DecisionAllow
		}
	}
	if _, ok := e.sessionApproved[domain]; ok {
		return DecisionAllow
	}
	if e.unknownAction == UnknownDeny {
		return DecisionDeny
	}
	return DecisionPending
}

// SessionApprove allows a domain for the rest of this session.
func (e *Engine) SessionApprove(domain string) {
	domain = strings.ToLower(domain)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessionApproved[domain] = struct{}{}
	delete(e.sessionDenied, domain)
}

// SessionDeny denies a domain for the rest of this session.
func (e *Engine) SessionDeny(domain string) {
	domain = strings.ToLower(domain)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessionDenied[domain] = struct{}{}
	delete(e.sessionApproved, domain)
}

// AddPermanent appends a domain to the allowlist and persists the policy
// file. The in-memory allowlist is updated even when the write fails.
func (e *Engine) AddPermanent(domain string) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	e.mu.Lock()
	found := false
	for _, d := range e.allowed {
		if d == domain {
			found = true
			break
		}
	}
	if !found {
		e.allowed = append(e.allowed, domain)
	}
	e.mu.Unlock()
	e.save()
}

// RemovePermanent drops a domain from the allowlist and persists the policy
// file.
func (e *Engine) RemovePermanent(domain string) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	e.mu.Lock()
	kept := e.allowed[:0]
	for _, d := range e.allowed {
		if d != domain {
			kept = append(kept, d)
		}
	}
	e.allowed = kept
	e.mu.Unlock()
	e.save()
}

// Allowlist returns a copy of the permanent allowlist.
func (e *Engine) Allowlist() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.allowed...)
}

// SessionApproved returns the domains approved for this session.
func (e *Engine) SessionApproved() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.sessionApproved))
	for d := range e.sessionApproved {
		out = append(out, d)
	}
	return out
}

// LogAttempt appends an egress attempt to the audit trail. The trail is
// bounded: past 5000 entries it is trimmed to the newest 2500.
func (e *Engine) LogAttempt(domain string, port int, method, decision string) {
	entry := AuditEntry{
		Timestamp: time.Now().Format("2006-01-02T15:04:05"),
		Domain:    domain,
		Port:      port,
		Method:    method,
		Decision:  decision,
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.audit = append(e.audit, entry)
	if len(e.audit) > auditMax {
		e.audit = append([]AuditEntry(nil), e.audit[len(e.audit)-auditKeep:]...)
	}
}

// AuditLog returns up to last recent audit entries, oldest first.
func (e *Engine) AuditLog(last int) []AuditEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	if last <= 0 || last > len(e.audit) {
		last = len(e.audit)
	}
	return append([]AuditEntry(nil), e.audit[len(e.audit)-last:]...)
}

// save writes the allowlist plus any non-default block entries back to the
// policy file. Write failures are logged and swallowed: policy decisions run
// off the in-memory sets and must not hinge on disk state.
func (e *Engine) save() {
	if e.policyPath == "" {
		return
	}
	defaults := make(map[string]struct{}, len(DefaultBlocklist))
	for _, d := range DefaultBlocklist {
		defaults[d] = struct{}{}
	}

	var b strings.Builder
	b.WriteString("# CrabPot Egress Allowlist\n")
	b.WriteString("# Managed by crabpot policy commands\n\n")
	e.mu.Lock()
	for _, d := range e.allowed {
		b.WriteString(d)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	for _, p := range e.blocked {
		if _, isDefault := defaults[p]; !isDefault {
			b.WriteString("!" + p + "\n")
		}
	}
	e.mu.Unlock()

	if err := os.WriteFile(e.policyPath, []byte(b.String()), 0o644); err != nil {
		e.logger.Warn("failed to save egress policy", "path", e.policyPath, "error", err)
	}
}

// reload replaces the file-sourced entries from disk. Session sets and the
// audit trail are untouched.
func (e *Engine) reload() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.allowed = nil
	e.blocked = append([]string(nil), DefaultBlocklist...)
	e.loadLocked(e.policyPath)
}

// Watch follows the policy file with fsnotify and reloads it on change, so
// edits made while the sandbox runs take effect without a restart. It blocks
// until ctx is cancelled. The parent directory is watched rather than the
// file itself, since editors typically rename over the original.
func (e *Engine) Watch(ctx context.Context) error {
	if e.policyPath == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create policy watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(e.policyPath)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch policy dir %s: %w", dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name != e.policyPath {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				e.logger.Info("egress policy changed on disk, reloading", "path", e.policyPath)
				e.reload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			e.logger.Warn("policy watcher error", "error", err)
		}
	}
}

// matchDomain reports whether domain matches pattern. Patterns are exact
// domains, "*.suffix" wildcards (matching the suffix itself and any
// subdomain), or shell globs.
func matchDomain(domain, pattern string) bool {
	if pattern == domain {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		suffix := pattern[1:]
		return strings.HasSuffix(domain, suffix) || domain == pattern[2:]
	}
	ok, err := filepath.Match(pattern, domain)
	return err == nil && ok
}
