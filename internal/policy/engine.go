// Package policy implements the ContextGuard policy engine: fixed pattern
// banks over serialized tool-call parameters, file-path checks, blocked
// pattern matching, and the sliding-window rate-limit predicate. Every check
// is a pure function of its input and the engine's configuration; rate-limit
// state lives in the gateway session, not here.
package policy

import (
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/contextguard/contextguard/internal/config"
)

// RateWindowMillis is the rolling rate-limit window.
const RateWindowMillis = 60_000

// Violation messages for the rate limiter and synthetic error responses.
const (
	RateLimitViolation   = "Rate limit exceeded for tool calls"
	RequestBlockedMsg    = "Security violation: Request blocked"
	ResponseBlockedMsg   = "Security violation: Response contains sensitive data"
	RequestBlockedCode   = -32000
	ResponseBlockedCode  = -32001
	matchPreviewRunes    = 50
	patternSourcePreview = 30
)

// Engine evaluates policy checks against a single immutable configuration.
// Engines are cheap; hot reload builds a new one and swaps it atomically.
type Engine struct {
	maxToolCallsPerMinute int
	allowedFilePaths      []string
	blockedPatterns       []string // lowercased for case-insensitive substring match
	injectionEnabled      bool
	sensitiveEnabled      bool
}

// NewEngine builds an engine from a defaulted, validated config.
func NewEngine(cfg *config.Config) *Engine {
	blocked := make([]string, 0, len(cfg.BlockedPatterns))
	for _, p := range cfg.BlockedPatterns {
		if p != "" {
			blocked = append(blocked, strings.ToLower(p))
		}
	}
	return &Engine{
		maxToolCallsPerMinute: cfg.MaxToolCallsPerMinute,
		allowedFilePaths:      cfg.AllowedFilePaths,
		blockedPatterns:       blocked,
		injectionEnabled:      cfg.PromptInjectionEnabled(),
		sensitiveEnabled:      cfg.SensitiveDataEnabled(),
	}
}

// MaxToolCallsPerMinute returns the configured rate-limit ceiling.
func (e *Engine) MaxToolCallsPerMinute() int {
	return e.maxToolCallsPerMinute
}

// CheckPromptInjection scans text against the prompt-injection bank and
// returns one violation per matching pattern. The raw input is scanned
// unmodified first; a second pass over the zero-width-stripped, NFKC
// normalized text catches homoglyph and invisible-character evasion.
func (e *Engine) CheckPromptInjection(text string) []string {
	if !e.injectionEnabled {
		return nil
	}

	var violations []string
	seen := make(map[int]struct{}, len(promptInjectionBank))

	scan := func(s string) {
		for i, p := range promptInjectionBank {
			if _, dup := seen[i]; dup {
				continue
			}
			if m := p.re.FindString(s); m != "" {
				seen[i] = struct{}{}
				violations = append(violations,
					"Potential prompt injection detected: \""+truncateRunes(m, matchPreviewRunes)+"...\"")
			}
		}
	}

	scan(text)
	if normalized := normalizeForScan(text); normalized != text {
		scan(normalized)
	}
	return violations
}

// CheckSensitiveData scans text against the sensitive-data bank. The
// violation names the pattern, never the matched value, so a hit cannot
// echo the secret into the event log.
func (e *Engine) CheckSensitiveData(text string) []string {
	if !e.sensitiveEnabled {
		return nil
	}

	var violations []string
	for _, p := range sensitiveDataBank {
		if p.re.MatchString(text) {
			violations = append(violations,
				"Sensitive data pattern detected (redacted): "+truncateRunes(p.source, patternSourcePreview)+"...")
		}
	}
	return violations
}

// CheckFileAccess validates a file-path parameter. Violations are emitted in
// a fixed order: traversal, dangerous prefix, then allowlist miss.
func (e *Engine) CheckFileAccess(path string) []string {
	var violations []string

	if strings.Contains(path, "..") {
		violations = append(violations, "Path traversal attempt detected: "+path)
	}

	for _, prefix := range dangerousPathPrefixes {
		if strings.HasPrefix(path, prefix) {
			violations = append(violations, "Access to dangerous path detected: "+path)
			break
		}
	}

	if len(e.allowedFilePaths) > 0 {
		allowed := false
		for _, prefix := range e.allowedFilePaths {
			if strings.HasPrefix(path, prefix) {
				allowed = true
				break
			}
		}
		if !allowed {
			violations = append(violations, "File path not in allowed list: "+path)
		}
	}

	return violations
}

// CheckBlockedPatterns matches configured blocked patterns as
// case-insensitive substrings of the serialized parameters.
func (e *Engine) CheckBlockedPatterns(text string) []string {
	if len(e.blockedPatterns) == 0 {
		return nil
	}

	lower := strings.ToLower(text)
	var violations []string
	for _, p := range e.blockedPatterns {
		if strings.Contains(lower, p) {
			violations = append(violations, "Blocked pattern detected: "+p)
		}
	}
	return violations
}

// CheckRateLimit reports whether a new tools/call at now (epoch millis) is
// within limit, given the timestamps of previously accepted calls. Only
// entries strictly newer than now-60000 count; reaching the ceiling is a
// violation.
func (e *Engine) CheckRateLimit(timestamps []int64, now int64) bool {
	cutoff := now - RateWindowMillis
	recent := 0
	for _, ts := range timestamps {
		if ts > cutoff {
			recent++
		}
	}
	return recent < e.maxToolCallsPerMinute
}

// truncateRunes returns the first n runes of s.
func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// normalizeForScan strips zero-width and non-whitespace control characters
// and applies NFKC. Injected invisible characters split regex matches
// without changing what the agent ultimately reads.
func normalizeForScan(s string) string {
	stripped := strings.Map(func(r rune) rune {
		if r <= 0x1F && r != '\t' && r != '\n' && r != '\r' {
			return -1
		}
		if r == 0x7F {
			return -1
		}
		switch r {
		case '\u200B', // zero-width space
			'\u200C', // zero-width non-joiner
			'\u200D', // zero-width joiner
			'\u2060', // word joiner
			'\u00AD', // soft hyphen
			'\u200E', // left-to-right mark
			'\u200F', // right-to-left mark
			'\uFEFF': // byte order mark
			return -1
		}
		return r
	}, s)
	return norm.NFKC.String(stripped)
}
