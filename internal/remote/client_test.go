package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/contextguard/contextguard/internal/audit"
)

// storeStub fakes the PostgREST surface the adapter talks to.
type storeStub struct {
	mu           sync.Mutex
	policyBody   string
	policyStatus int
	events       []map[string]any
	statuses     []map[string]any
}

func (s *storeStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/v1/agent_policies", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.policyStatus != 0 {
			w.WriteHeader(s.policyStatus)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(s.policyBody))
	})
	mux.HandleFunc("/rest/v1/security_events", func(w http.ResponseWriter, r *http.Request) {
		var row map[string]any
		_ = json.NewDecoder(r.Body).Decode(&row)
		s.mu.Lock()
		s.events = append(s.events, row)
		s.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("/rest/v1/agent_status", func(w http.ResponseWriter, r *http.Request) {
		var row map[string]any
		_ = json.NewDecoder(r.Body).Decode(&row)
		s.mu.Lock()
		s.statuses = append(s.statuses, row)
		s.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})
	return mux
}

func (s *storeStub) eventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func newTestClient(t *testing.T, stub *storeStub) *Client {
	t.Helper()
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)
	c := New(srv.URL, "service-key", "agent-1")
	t.Cleanup(c.Close)
	return c
}

func TestFetchPolicy_ParsesRow(t *testing.T) {
	stub := &storeStub{policyBody: `[{"policy":{"maxToolCallsPerMinute":12,"allowedFilePaths":["/srv"]}}]`}
	c := newTestClient(t, stub)

	cfg, err := c.FetchPolicy(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg == nil {
		t.Fatal("expected a policy")
	}
	if cfg.MaxToolCallsPerMinute != 12 {
		t.Errorf("MaxToolCallsPerMinute = %d, want 12", cfg.MaxToolCallsPerMinute)
	}
	if len(cfg.AllowedFilePaths) != 1 || cfg.AllowedFilePaths[0] != "/srv" {
		t.Errorf("AllowedFilePaths = %v", cfg.AllowedFilePaths)
	}
}

func TestFetchPolicy_NoRowMeansNoPolicy(t *testing.T) {
	stub := &storeStub{policyBody: `[]`}
	c := newTestClient(t, stub)

	cfg, err := c.FetchPolicy(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg != nil {
		t.Errorf("expected nil policy, got %+v", cfg)
	}
}

func TestFetchPolicy_ServerError(t *testing.T) {
	stub := &storeStub{policyStatus: http.StatusInternalServerError}
	c := newTestClient(t, stub)

	if _, err := c.FetchPolicy(context.Background(), "agent-1"); err == nil {
		t.Error("expected error on HTTP 500")
	}
}

func TestUpdateAgentStatus(t *testing.T) {
	stub := &storeStub{policyBody: `[]`}
	c := newTestClient(t, stub)

	if err := c.UpdateAgentStatus(context.Background(), "agent-1", "online"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stub.mu.Lock()
	defer stub.mu.Unlock()
	if len(stub.statuses) != 1 {
		t.Fatalf("expected 1 status row, got %d", len(stub.statuses))
	}
	if stub.statuses[0]["agent_id"] != "agent-1" || stub.statuses[0]["status"] != "online" {
		t.Errorf("status row = %v", stub.statuses[0])
	}
}

func TestReporter_DeliversEvents(t *testing.T) {
	stub := &storeStub{policyBody: `[]`}
	c := newTestClient(t, stub)

	sink := c.EventSink()
	err := sink.Emit(context.Background(), audit.SecurityEvent{
		Timestamp: "2026-08-05T00:00:00.000Z",
		EventType: audit.EventSecurityViolation,
		Severity:  audit.SeverityCritical,
		Details:   map[string]any{"violations": []string{"v1"}},
		SessionID: "abcd1234",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for stub.eventCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("event never delivered")
		case <-time.After(10 * time.Millisecond):
		}
	}

	stub.mu.Lock()
	defer stub.mu.Unlock()
	row := stub.events[0]
	if row["agent_id"] != "agent-1" {
		t.Errorf("agent_id = %v", row["agent_id"])
	}
	if row["event_type"] != "SECURITY_VIOLATION" {
		t.Errorf("event_type = %v", row["event_type"])
	}
	if row["severity"] != "CRITICAL" {
		t.Errorf("severity = %v", row["severity"])
	}
	if row["session_id"] != "abcd1234" {
		t.Errorf("session_id = %v", row["session_id"])
	}
	if row["id"] == "" || row["id"] == nil {
		t.Error("event row must carry a client-generated id")
	}
}

func TestReporter_CloseDrains(t *testing.T) {
	stub := &storeStub{policyBody: `[]`}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()
	c := New(srv.URL, "service-key", "agent-1")

	for i := 0; i < 5; i++ {
		_ = c.EventSink().Emit(context.Background(), audit.SecurityEvent{
			EventType: audit.EventToolCall,
			Severity:  audit.SeverityLow,
			SessionID: "abcd1234",
		})
	}
	c.Close()

	if got := stub.eventCount(); got != 5 {
		t.Errorf("delivered %d events, want 5 after drain", got)
	}
}

func TestReporter_EmitAfterClose(t *testing.T) {
	stub := &storeStub{policyBody: `[]`}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()
	c := New(srv.URL, "service-key", "agent-1")
	c.Close()

	if err := c.EventSink().Emit(context.Background(), audit.SecurityEvent{}); err == nil {
		t.Error("emit after close must fail")
	}
}

func TestNewFromEnv_DisabledWithoutCredentials(t *testing.T) {
	t.Setenv(EnvURL, "")
	t.Setenv(EnvKey, "")
	if c := NewFromEnv(); c != nil {
		t.Error("adapter must be nil when credentials are unset")
	}

	t.Setenv(EnvURL, "https://example.supabase.co")
	if c := NewFromEnv(); c != nil {
		t.Error("URL without key must not enable the adapter")
	}
}

func TestNewFromEnv_DefaultAgentID(t *testing.T) {
	t.Setenv(EnvURL, "https://example.supabase.co")
	t.Setenv(EnvKey, "service-key")
	t.Setenv(EnvAgentID, "")

	c := NewFromEnv()
	if c == nil {
		t.Fatal("adapter should be enabled")
	}
	defer c.Close()
	if c.AgentID() != DefaultAgentID {
		t.Errorf("AgentID = %q, want %q", c.AgentID(), DefaultAgentID)
	}
}
