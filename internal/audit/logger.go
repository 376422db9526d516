package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RingCapacity is the number of events retained in memory. Older events
// survive only on disk.
const RingCapacity = 1000

// recentEventCount is how many events the statistics view includes verbatim.
const recentEventCount = 10

// timestampLayout renders ISO-8601 UTC with millisecond precision.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Logger is the append-only event log. All methods are safe for concurrent
// use. File writes are best-effort: a failure is reported to stderr and the
// gateway continues.
type Logger struct {
	mu         sync.Mutex
	ring       *ring
	file       *os.File
	sessionID  string
	alertEvery int // HIGH/CRITICAL events per meta-alert; 0 disables
	highCount  int
	sinks      []Sink
	alertW     io.Writer
	zl         zerolog.Logger
	now        func() time.Time
}

// Option configures optional Logger behavior.
type Option func(*Logger)

// WithSinks attaches external sinks. Sink failures never propagate.
func WithSinks(sinks ...Sink) Option {
	return func(l *Logger) { l.sinks = append(l.sinks, sinks...) }
}

// WithAlertWriter overrides the destination for [SECURITY ALERT] lines.
// Defaults to stderr.
func WithAlertWriter(w io.Writer) Option {
	return func(l *Logger) {
		l.alertW = w
		l.zl = zerolog.New(w).With().Timestamp().Str("component", "contextguard").Logger()
	}
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// New creates the event log appending to logPath. An unopenable log file is
// reported and tolerated: the in-memory ring and stderr alerts keep working.
func New(logPath, sessionID string, alertThreshold int, opts ...Option) *Logger {
	l := &Logger{
		ring:       newRing(RingCapacity),
		sessionID:  sessionID,
		alertEvery: alertThreshold,
		alertW:     os.Stderr,
		zl:         zerolog.New(os.Stderr).With().Timestamp().Str("component", "contextguard").Logger(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}

	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600) //nolint:gosec // G304: path from validated config
		if err != nil {
			l.zl.Error().Err(err).Str("path", logPath).Msg("cannot open event log file")
		} else {
			l.file = f
		}
	}

	return l
}

// Log appends one event: ring, log file, stderr alert, and sink dispatch,
// in that order. The ring and file append complete before Log returns, so a
// caller that logs before forwarding observes cause-before-effect ordering.
func (l *Logger) Log(eventType EventType, severity Severity, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	ev := SecurityEvent{
		Timestamp: l.now().UTC().Format(timestampLayout),
		EventType: eventType,
		Severity:  severity,
		Details:   details,
		SessionID: l.sessionID,
	}

	l.mu.Lock()
	l.ring.append(ev)

	if l.file != nil {
		line, err := json.Marshal(ev)
		if err == nil {
			// One Write call per line keeps the append atomic at the
			// line level.
			_, err = l.file.Write(append(line, '\n'))
		}
		if err != nil {
			l.zl.Error().Err(err).Msg("event log write failed")
		}
	}

	var thresholdHit int
	if severity.Rank() >= SeverityHigh.Rank() {
		if l.alertEvery > 0 {
			l.highCount++
			if l.highCount%l.alertEvery == 0 {
				thresholdHit = l.highCount
			}
		}
		fmt.Fprintf(l.alertW, "[SECURITY ALERT] %s: %s\n", eventType, renderDetails(details))
	}
	sinks := l.sinks
	l.mu.Unlock()

	if thresholdHit > 0 {
		fmt.Fprintf(l.alertW, "[SECURITY ALERT] ALERT_THRESHOLD: %d high-severity events this session\n", thresholdHit)
	}

	for _, s := range sinks {
		if err := s.Emit(context.Background(), ev); err != nil {
			l.zl.Warn().Err(err).Str("event", string(eventType)).Msg("sink dispatch failed")
		}
	}
}

// renderDetails formats the details map for the alert line. Marshal failure
// falls back to fmt so the alert always prints.
func renderDetails(details map[string]any) string {
	data, err := json.Marshal(details)
	if err != nil {
		return fmt.Sprintf("%v", details)
	}
	return string(data)
}

// Stats is the on-demand statistics view, computed over the ring only.
type Stats struct {
	TotalEvents      int               `json:"totalEvents"`
	EventsByType     map[EventType]int `json:"eventsByType"`
	EventsBySeverity map[Severity]int  `json:"eventsBySeverity"`
	RecentEvents     []SecurityEvent   `json:"recentEvents"`
}

// Stats materializes the statistics view from the in-memory ring.
func (l *Logger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	all := l.ring.last(l.ring.len())
	stats := Stats{
		TotalEvents:      len(all),
		EventsByType:     make(map[EventType]int),
		EventsBySeverity: make(map[Severity]int),
		RecentEvents:     l.ring.last(recentEventCount),
	}
	for _, ev := range all {
		stats.EventsByType[ev.EventType]++
		stats.EventsBySeverity[ev.Severity]++
	}
	return stats
}

// Close flushes and closes the log file and all sinks. Idempotent.
func (l *Logger) Close() {
	l.mu.Lock()
	if l.file != nil {
		_ = l.file.Sync()
		_ = l.file.Close()
		l.file = nil
	}
	sinks := l.sinks
	l.sinks = nil
	l.mu.Unlock()

	for _, s := range sinks {
		_ = s.Close()
	}
}
