package gateway

import (
	"fmt"
	"io"
	"sort"

	"github.com/contextguard/contextguard/internal/audit"
)

// printStats writes the end-of-session statistics block to w. Keys are
// sorted so the block is stable across runs.
func printStats(w io.Writer, sessionID string, stats audit.Stats) {
	fmt.Fprintf(w, "\n=== ContextGuard session statistics ===\n")
	fmt.Fprintf(w, "Session:      %s\n", sessionID)
	fmt.Fprintf(w, "Total events: %d\n", stats.TotalEvents)

	fmt.Fprintf(w, "By severity:")
	for _, sev := range []audit.Severity{audit.SeverityLow, audit.SeverityMedium, audit.SeverityHigh, audit.SeverityCritical} {
		if n := stats.EventsBySeverity[sev]; n > 0 {
			fmt.Fprintf(w, " %s=%d", sev, n)
		}
	}
	fmt.Fprintln(w)

	types := make([]string, 0, len(stats.EventsByType))
	for t := range stats.EventsByType {
		types = append(types, string(t))
	}
	sort.Strings(types)

	fmt.Fprintf(w, "By type:\n")
	for _, t := range types {
		fmt.Fprintf(w, "  %-22s %d\n", t, stats.EventsByType[audit.EventType(t)])
	}
}
