package monitor

import "regexp"

// suspiciousProcesses are binaries that should never run inside the sandbox:
// shells, interpreters, network utilities, and toolchains.
var suspiciousProcesses = map[string]struct{}{
	"sh":      {},
	"bash":    {},
	"dash":    {},
	"zsh":     {},
	"fish":    {},
	"csh":     {},
	"tcsh":    {},
	"python":  {},
	"python3": {},
	"perl":    {},
	"ruby":    {},
	"php":     {},
	"lua":     {},
	"nc":      {},
	"ncat":    {},
	"nmap":    {},
	"socat":   {},
	"telnet":  {},
	"gcc":     {},
	"cc":      {},
	"make":    {},
	"ld":      {},
}

// logPattern maps a log regex to the severity and description of the alert
// it raises. Patterns are checked in order and only the first match per line
// fires.
type logPattern struct {
	re          *regexp.Regexp
	severity    string
	description string
}

var logPatterns = []logPattern{
	// Exfiltration and injection attempts.
	{regexp.MustCompile(`(?i)\b(curl|wget|fetch|http\.get|axios|request)\b.*(?:\bhttp[s]?://)`),
		"CRITICAL", "Outbound HTTP call attempted"},
	{regexp.MustCompile(`(?i)\b(eval|exec|system|popen|subprocess|child_process\.exec)\b`),
		"CRITICAL", "Dynamic code execution detected"},
	{regexp.MustCompile(`(?i)\b(apt|apt-get|pip|npm|yarn)\b\s+install\b`),
		"CRITICAL", "Package installation attempted"},
	{regexp.MustCompile(`(?i)\b(chmod|chown|chgrp)\b.*\b\+[rwxs]\b`),
		"WARNING", "Permission change attempted"},
	{regexp.MustCompile(`(?i)\b(base64|xxd|openssl)\b.*\b(decode|enc)\b`),
		"WARNING", "Encoding/decoding tool usage"},
	{regexp.MustCompile(`(?i)\b(env|printenv|set)\b.*\b(KEY|SECRET|TOKEN|PASSWORD)\b`),
		"CRITICAL", "Environment variable enumeration"},
	{regexp.MustCompile(`(?i)/etc/(passwd|shadow|hosts|resolv)`),
		"CRITICAL", "Sensitive file access attempted"},
	{regexp.MustCompile(`(?i)\b(whoami|hostname|ifconfig|ip\s+addr|uname)\b`),
		"WARNING", "System reconnaissance detected"},
	// General error patterns.
	{regexp.MustCompile(`(?i)\b(ERROR|FATAL|CRITICAL)\b`),
		"WARNING", "Error detected in logs"},
	{regexp.MustCompile(`(?i)\b(panic|segfault|core dump)\b`),
		"WARNING", "Crash pattern in logs"},
	{regexp.MustCompile(`(?i)\b(injection|unauthorized|forbidden)\b`),
		"WARNING", "Security pattern in logs"},
	{regexp.MustCompile(`(?i)\b(exec|spawn|child_process)\b.*\b(sh|bash|cmd)\b`),
		"WARNING", "Shell spawn in logs"},
}

// Runtime lifecycle events mapped to alert severities.
var (
	criticalEvents = map[string]struct{}{"die": {}, "oom": {}, "kill": {}}
	warningEvents  = map[string]struct{}{"restart": {}}
)
