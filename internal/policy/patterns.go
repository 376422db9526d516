package policy

import "regexp"

// bankPattern is one compiled entry of a pattern bank. The source string is
// what appears (truncated) in sensitive-data violation messages — never the
// matched value itself, so a hit cannot leak the secret into the event log.
type bankPattern struct {
	source string
	re     *regexp.Regexp
}

func compileBank(sources []string) []bankPattern {
	bank := make([]bankPattern, 0, len(sources))
	for _, src := range sources {
		bank = append(bank, bankPattern{source: src, re: regexp.MustCompile(src)})
	}
	return bank
}

// sensitiveDataBank matches credential and PII shapes with low false-positive
// rates against serialized MCP parameters. Compiled once at init.
var sensitiveDataBank = compileBank([]string{
	`(?i)(password|secret|api[_-]?key|token)\s*[:=]\s*['"]?[\w\-.]+['"]?`,
	`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`,
	`\b\d{3}-\d{2}-\d{4}\b`,
	`sk-[a-zA-Z0-9]{20,}`,
	`ghp_[a-zA-Z0-9]{36}`,
	`AKIA[0-9A-Z]{16}`,
	`sk_(live|test)_[a-zA-Z0-9]{24,}`,
})

// promptInjectionBank matches instruction-override phrasing. All patterns are
// case-insensitive; the [INST] pair matches across lines.
var promptInjectionBank = compileBank([]string{
	`(?i)ignore\s+(previous|all)\s+(instructions|prompts)`,
	`(?i)system:\s*you\s+are\s+now`,
	`(?i)forget\s+(everything|all)`,
	`(?i)new\s+instructions:`,
	`(?is)\[INST\].*?\[/INST\]`,
	`(?i)<\|im_start\|>`,
	`(?i)disregard\s+previous`,
	`(?i)override\s+previous`,
})

// dangerousPathPrefixes are filesystem locations no tool call may touch,
// regardless of the allowlist.
var dangerousPathPrefixes = []string{
	"/etc",
	"/root",
	"/sys",
	"/proc",
	`C:\Windows\System32`,
}
