// Package egress implements the network egress policy: a domain
// allowlist/blocklist with wildcard patterns, per-session overrides, a bounded
// audit trail, and an obfuscation-aware secret scanner applied to outbound
// plaintext payloads.
package egress

// Decision is the outcome of evaluating a domain against the policy.
type Decision string

const (
	// DecisionAllow permits the connection immediately.
	DecisionAllow Decision = "allow"
	// DecisionDeny refuses the connection.
	DecisionDeny Decision = "deny"
	// DecisionPending defers to human review before connecting.
	DecisionPending Decision = "pending"
)

// UnknownAction controls how domains matching neither list are handled.
type UnknownAction string

const (
	// UnknownPending routes unknown domains to the approval gate.
	UnknownPending UnknownAction = "pending"
	// UnknownDeny refuses unknown domains outright.
	UnknownDeny UnknownAction = "deny"
)
