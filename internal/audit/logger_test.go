package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testLogger(t *testing.T, opts ...Option) (*Logger, string, *bytes.Buffer) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.log")
	var alerts bytes.Buffer
	opts = append([]Option{WithAlertWriter(&alerts)}, opts...)
	l := New(path, "abcd1234", 5, opts...)
	t.Cleanup(l.Close)
	return l, path, &alerts
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log: %v", err)
	}
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		if sc.Text() != "" {
			lines = append(lines, sc.Text())
		}
	}
	return lines
}

func TestLog_AppendsJSONLine(t *testing.T) {
	l, path, _ := testLogger(t)

	l.Log(EventClientRequest, SeverityLow, map[string]any{"method": "tools/list", "id": "1"})
	l.Close()

	lines := readLines(t, path)
	if len(lines) != 1 {
		t.Fatalf("expected 1 log line, got %d", len(lines))
	}

	var ev SecurityEvent
	if err := json.Unmarshal([]byte(lines[0]), &ev); err != nil {
		t.Fatalf("log line is not valid JSON: %v", err)
	}
	if ev.EventType != EventClientRequest {
		t.Errorf("eventType = %s", ev.EventType)
	}
	if ev.Severity != SeverityLow {
		t.Errorf("severity = %s", ev.Severity)
	}
	if ev.SessionID != "abcd1234" {
		t.Errorf("sessionId = %s", ev.SessionID)
	}
	if ev.Details["method"] != "tools/list" {
		t.Errorf("details = %v", ev.Details)
	}
}

func TestLog_TimestampISO8601Millis(t *testing.T) {
	fixed := time.Date(2026, 8, 5, 12, 30, 45, 123_000_000, time.UTC)
	l, path, _ := testLogger(t, WithClock(func() time.Time { return fixed }))

	l.Log(EventServerStart, SeverityLow, nil)
	l.Close()

	lines := readLines(t, path)
	var ev SecurityEvent
	if err := json.Unmarshal([]byte(lines[0]), &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Timestamp != "2026-08-05T12:30:45.123Z" {
		t.Errorf("timestamp = %q", ev.Timestamp)
	}
}

func TestLog_HighSeverityAlertsToStderr(t *testing.T) {
	l, _, alerts := testLogger(t)

	l.Log(EventClientRequest, SeverityLow, nil)
	if strings.Contains(alerts.String(), "[SECURITY ALERT]") {
		t.Error("LOW severity must not alert")
	}

	l.Log(EventRateLimitExceeded, SeverityHigh, map[string]any{"id": "3"})
	if !strings.Contains(alerts.String(), "[SECURITY ALERT] RATE_LIMIT_EXCEEDED:") {
		t.Errorf("missing alert line, got: %s", alerts.String())
	}

	l.Log(EventSecurityViolation, SeverityCritical, nil)
	if !strings.Contains(alerts.String(), "[SECURITY ALERT] SECURITY_VIOLATION:") {
		t.Errorf("missing critical alert line, got: %s", alerts.String())
	}
}

func TestLog_AlertThresholdMetaAlert(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")
	var alerts bytes.Buffer
	l := New(path, "abcd1234", 2, WithAlertWriter(&alerts))
	defer l.Close()

	l.Log(EventToolCall, SeverityHigh, nil)
	if strings.Contains(alerts.String(), "ALERT_THRESHOLD") {
		t.Error("threshold alert fired too early")
	}
	l.Log(EventToolCall, SeverityHigh, nil)
	if !strings.Contains(alerts.String(), "[SECURITY ALERT] ALERT_THRESHOLD: 2 high-severity events this session") {
		t.Errorf("missing threshold alert, got: %s", alerts.String())
	}
}

func TestLog_UnwritableFileDoesNotPropagate(t *testing.T) {
	var alerts bytes.Buffer
	l := New(filepath.Join(t.TempDir(), "no", "such", "dir", "events.log"), "abcd1234", 5, WithAlertWriter(&alerts))
	defer l.Close()

	// Must not panic, and the ring still records.
	l.Log(EventClientRequest, SeverityLow, nil)
	if got := l.Stats().TotalEvents; got != 1 {
		t.Errorf("TotalEvents = %d, want 1", got)
	}
}

func TestStats(t *testing.T) {
	l, _, _ := testLogger(t)

	l.Log(EventClientRequest, SeverityLow, nil)
	l.Log(EventClientRequest, SeverityLow, nil)
	l.Log(EventSecurityViolation, SeverityCritical, nil)

	stats := l.Stats()
	if stats.TotalEvents != 3 {
		t.Errorf("TotalEvents = %d, want 3", stats.TotalEvents)
	}
	if stats.EventsByType[EventClientRequest] != 2 {
		t.Errorf("EventsByType[CLIENT_REQUEST] = %d, want 2", stats.EventsByType[EventClientRequest])
	}
	if stats.EventsBySeverity[SeverityCritical] != 1 {
		t.Errorf("EventsBySeverity[CRITICAL] = %d, want 1", stats.EventsBySeverity[SeverityCritical])
	}
	if len(stats.RecentEvents) != 3 {
		t.Errorf("RecentEvents = %d entries, want 3", len(stats.RecentEvents))
	}
}

func TestStats_RecentCappedAtTen(t *testing.T) {
	l, _, _ := testLogger(t)
	for i := 0; i < 25; i++ {
		l.Log(EventServerResponse, SeverityLow, map[string]any{"n": i})
	}
	stats := l.Stats()
	if len(stats.RecentEvents) != 10 {
		t.Fatalf("RecentEvents = %d entries, want 10", len(stats.RecentEvents))
	}
	// Newest last. Details pass through the ring without JSON re-encoding,
	// so the raw int survives.
	if n, ok := stats.RecentEvents[9].Details["n"].(int); !ok || n != 24 {
		t.Errorf("last recent event = %v", stats.RecentEvents[9].Details)
	}
}

type recordingSink struct {
	events []SecurityEvent
	closed bool
}

func (s *recordingSink) Emit(_ context.Context, ev SecurityEvent) error {
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) Close() error {
	s.closed = true
	return nil
}

func TestLog_DispatchesToSinks(t *testing.T) {
	sink := &recordingSink{}
	l, _, _ := testLogger(t, WithSinks(sink))

	l.Log(EventToolCall, SeverityLow, map[string]any{"toolName": "read_file"})
	if len(sink.events) != 1 {
		t.Fatalf("sink received %d events, want 1", len(sink.events))
	}
	if sink.events[0].EventType != EventToolCall {
		t.Errorf("sink event type = %s", sink.events[0].EventType)
	}

	l.Close()
	if !sink.closed {
		t.Error("Close must close sinks")
	}
}

func TestSeverityRank(t *testing.T) {
	order := []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
	for i := 1; i < len(order); i++ {
		if order[i].Rank() <= order[i-1].Rank() {
			t.Errorf("%s should rank above %s", order[i], order[i-1])
		}
	}
}
