package egress

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Credential patterns matched against outbound payloads. Findings report a
// truncated pattern source, never the matched text.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),                    // OpenAI
	regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{20,}`),              // Anthropic
	regexp.MustCompile(`(?:AKIA|ABIA|ACCA|ASIA)[A-Z0-9]{16}`),    // AWS access key
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/=-]{30,}`),   // bearer tokens
	regexp.MustCompile(`ghp_[A-Za-z0-9]{36}`),                    // GitHub PAT
	regexp.MustCompile(`glpat-[A-Za-z0-9_-]{20,}`),               // GitLab PAT
	regexp.MustCompile(`xox[bpsa]-[A-Za-z0-9-]{10,}`),            // Slack tokens
	regexp.MustCompile(`(?i)(?:api[_-]?key|api[_-]?secret|access[_-]?token|private[_-]?key)\s*[:=]\s*['"]?[A-Za-z0-9+/=_-]{20,}['"]?`),
}

// Sensitive-data patterns: internal network details and system identity an
// exfiltrating agent would try to push out.
var sensitiveDataPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(?:10\.\d{1,3}\.\d{1,3}\.\d{1,3})\b`),
	regexp.MustCompile(`\b(?:172\.(?:1[6-9]|2\d|3[01])\.\d{1,3}\.\d{1,3})\b`),
	regexp.MustCompile(`\b(?:192\.168\.\d{1,3}\.\d{1,3})\b`),
	regexp.MustCompile(`-----BEGIN (?:RSA |EC |OPENSSH )?PRIVATE KEY-----`),
	regexp.MustCompile(`root:[x*]:0:0:`),
	regexp.MustCompile(`(?i)(?:hostname|username|whoami|uname)\s*[:=]\s*\S+`),
}

// Shannon entropy above this many bits per character marks a token as likely
// encoded or random data. English text sits around 3.5-4.0; base64 around
// 5.5-6.0.
const (
	entropyThreshold = 4.8
	minEntropyLength = 30
)

var (
	base64BlobRe   = regexp.MustCompile(`[A-Za-z0-9+/_-]{28,}={0,2}`)
	hexBlobRe      = regexp.MustCompile(`(?:[0-9a-fA-F]{2}[\s:-]?){15,}`)
	entropyTokenRe = regexp.MustCompile(`[A-Za-z0-9+/=_-]{30,}`)
	base64CleanRe  = regexp.MustCompile(`^[A-Za-z0-9+/=_-]{20,}$`)
	hexCleanRe     = regexp.MustCompile(`^[0-9a-fA-F]{20,}$`)
	whitespaceRe   = regexp.MustCompile(`\s+`)
	hexSepRe       = regexp.MustCompile(`[\s:-]`)
)

// ScanForSecrets runs the layered secret and sensitive-data scan over content
// and returns finding tags. Layers: direct pattern match, deobfuscated
// variants (base64, hex, URL-encoding, separator stripping, reversal),
// entropy analysis, and sensitive-data patterns. Tags describe what matched,
// never the secret itself.
func ScanForSecrets(content string) []string {
	var findings []string

	for _, re := range secretPatterns {
		if re.MatchString(content) {
			findings = append(findings, "secret_pattern:"+truncatePattern(re))
		}
	}

	for _, variant := range deobfuscateLayers(content) {
		for _, re := range secretPatterns {
			if re.MatchString(variant) {
				findings = append(findings, "obfuscated_secret:"+truncatePattern(re))
			}
		}
	}

	for _, token := range entropyTokenRe.FindAllString(content, -1) {
		if len(token) >= minEntropyLength {
			if e := shannonEntropy(token); e >= entropyThreshold {
				findings = append(findings, fmt.Sprintf("high_entropy:%.1fbpc_len%d", e, len(token)))
			}
		}
	}

	for _, re := range sensitiveDataPatterns {
		if re.MatchString(content) {
			findings = append(findings, "sensitive_data:"+truncatePattern(re))
		}
	}

	return findings
}

func truncatePattern(re *regexp.Regexp) string {
	s := re.String()
	if len(s) > 40 {
		return s[:40]
	}
	return s
}

func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	freq := make(map[rune]int)
	n := 0
	for _, r := range s {
		freq[r]++
		n++
	}
	var h float64
	for _, c := range freq {
		p := float64(c) / float64(n)
		h -= p * math.Log2(p)
	}
	return h
}

// deobfuscateLayers generates decoded variants of content for deep scanning:
// embedded base64 and hex blobs, percent-decoding, stripped separator runs
// (catches "s.k.-.a.n.t" style spreading), and full reversal.
func deobfuscateLayers(content string) []string {
	var variants []string

	for _, blob := range base64BlobRe.FindAllString(content, -1) {
		if decoded := tryDecodeBase64(blob); decoded != "" {
			variants = append(variants, decoded)
		}
	}

	for _, blob := range hexBlobRe.FindAllString(content, -1) {
		if decoded := tryDecodeHex(blob); decoded != "" {
			variants = append(variants, decoded)
		}
	}

	if decoded := tryURLDecode(content); decoded != "" {
		variants = append(variants, decoded)
	}

	if separated := stripSeparators(content); separated != content && len(separated) > 20 {
		variants = append(variants, separated)
	}

	// Reversing multi-kilobyte payloads is wasted work; spread-out secrets
	// that large would trip the entropy layer anyway.
	if len(content) < 2000 {
		variants = append(variants, reverseString(content))
	}

	return variants
}

func tryDecodeBase64(s string) string {
	cleaned := whitespaceRe.ReplaceAllString(s, "")
	if !base64CleanRe.MatchString(cleaned) {
		return ""
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding.Strict(), base64.URLEncoding} {
		raw, err := enc.DecodeString(cleaned)
		if err != nil {
			continue
		}
		if decoded := string(raw); utf8.ValidString(decoded) && isPrintable(decoded) && len(decoded) > 10 {
			return decoded
		}
	}
	return ""
}

func tryDecodeHex(s string) string {
	cleaned := hexSepRe.ReplaceAllString(s, "")
	if !hexCleanRe.MatchString(cleaned) || len(cleaned)%2 != 0 {
		return ""
	}
	raw, err := hex.DecodeString(cleaned)
	if err != nil {
		return ""
	}
	if decoded := string(raw); utf8.ValidString(decoded) && isPrintable(decoded) && len(decoded) > 10 {
		return decoded
	}
	return ""
}

// tryURLDecode decodes valid %XX escapes and passes everything else through
// untouched, so a stray literal "%" elsewhere in the body cannot mask an
// encoded token. "+" stays a literal plus; this is not a form decoder.
func tryURLDecode(s string) string {
	if !strings.Contains(s, "%") {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	decoded := false
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) && isHexByte(s[i+1]) && isHexByte(s[i+2]) {
			b.WriteByte(unhexByte(s[i+1])<<4 | unhexByte(s[i+2]))
			i += 2
			decoded = true
			continue
		}
		b.WriteByte(s[i])
	}
	if !decoded {
		return ""
	}
	return b.String()
}

func isHexByte(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F'
}

func unhexByte(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}

// stripSeparators removes runs of dots, commas, and whitespace that sit
// between two non-space characters, collapsing spread-out tokens back
// together while leaving leading/trailing runs alone.
func stripSeparators(s string) string {
	isSep := func(r rune) bool {
		return r == '.' || r == ',' || unicode.IsSpace(r)
	}
	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(s))
	i := 0
	for i < len(runes) {
		if !isSep(runes[i]) {
			b.WriteRune(runes[i])
			i++
			continue
		}
		j := i
		for j < len(runes) && isSep(runes[j]) {
			j++
		}
		interior := i > 0 && j < len(runes) && !unicode.IsSpace(runes[i-1]) && !unicode.IsSpace(runes[j])
		if !interior {
			b.WriteString(string(runes[i:j]))
		}
		i = j
	}
	return b.String()
}

func reverseString(s string) string {
	runes := []rune(s)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes)
}

func isPrintable(s string) bool {
	for _, r := range s {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}
