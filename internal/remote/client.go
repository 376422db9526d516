// Package remote implements the optional dashboard collaborator adapter.
// It speaks the store's REST interface (PostgREST-style, as exposed by
// Supabase) and offers the three operations the gateway core consumes:
// policy fetch, asynchronous event reporting, and agent status updates.
// Every operation is best-effort — a failing or absent store never degrades
// the gateway beyond a stderr warning.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/contextguard/contextguard/internal/audit"
	"github.com/contextguard/contextguard/internal/config"
)

// Environment variables that enable the adapter. The adapter is active only
// when both the URL and the service key are set.
const (
	EnvURL     = "SUPABASE_URL"
	EnvKey     = "SUPABASE_SERVICE_KEY"
	EnvAgentID = "AGENT_ID"

	// DefaultAgentID is used when AGENT_ID is unset.
	DefaultAgentID = "default-agent"
)

const (
	requestTimeout = 5 * time.Second
	maxFetchTries  = 3
)

// Client talks to the remote dashboard store.
type Client struct {
	http     *resty.Client
	agentID  string
	reporter *Reporter
	zl       zerolog.Logger
}

// NewFromEnv builds a client from the environment, or returns nil when the
// adapter is not configured.
func NewFromEnv() *Client {
	url := os.Getenv(EnvURL)
	key := os.Getenv(EnvKey)
	if url == "" || key == "" {
		return nil
	}
	agentID := os.Getenv(EnvAgentID)
	if agentID == "" {
		agentID = DefaultAgentID
	}
	return New(url, key, agentID)
}

// New creates a client for the store at baseURL authenticating with key.
func New(baseURL, key, agentID string) *Client {
	hc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(requestTimeout).
		SetHeader("apikey", key).
		SetAuthToken(key).
		SetHeader("Content-Type", "application/json")

	c := &Client{
		http:    hc,
		agentID: agentID,
		zl:      zerolog.New(os.Stderr).With().Timestamp().Str("component", "contextguard-remote").Logger(),
	}
	c.reporter = newReporter(c)
	return c
}

// AgentID returns the configured agent identifier.
func (c *Client) AgentID() string {
	return c.agentID
}

// EventSink returns the asynchronous event reporter.
func (c *Client) EventSink() audit.Sink {
	return c.reporter
}

// policyRow mirrors one agent_policies record.
type policyRow struct {
	Policy json.RawMessage `json:"policy"`
}

// FetchPolicy retrieves the stored policy for the agent. Returns (nil, nil)
// when no policy row exists. Transient failures are retried with
// exponential backoff before giving up.
func (c *Client) FetchPolicy(ctx context.Context, agentID string) (*config.Config, error) {
	var rows []policyRow

	operation := func() error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParam("agent_id", "eq."+agentID).
			SetQueryParam("select", "policy").
			SetQueryParam("limit", "1").
			SetResult(&rows).
			Get("/rest/v1/agent_policies")
		if err != nil {
			return err
		}
		if resp.IsError() {
			return fmt.Errorf("agent_policies query returned HTTP %d", resp.StatusCode())
		}
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxFetchTries-1), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		return nil, fmt.Errorf("fetching policy for %s: %w", agentID, err)
	}

	if len(rows) == 0 || len(rows[0].Policy) == 0 {
		return nil, nil
	}
	return config.ParseRemote(rows[0].Policy)
}

// statusRow mirrors one agent_status record.
type statusRow struct {
	AgentID  string `json:"agent_id"`
	Status   string `json:"status"`
	LastSeen string `json:"last_seen"`
}

// UpdateAgentStatus upserts the agent's status row, best-effort.
func (c *Client) UpdateAgentStatus(ctx context.Context, agentID, status string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Prefer", "resolution=merge-duplicates").
		SetQueryParam("on_conflict", "agent_id").
		SetBody(statusRow{
			AgentID:  agentID,
			Status:   status,
			LastSeen: time.Now().UTC().Format(time.RFC3339Nano),
		}).
		Post("/rest/v1/agent_status")
	if err != nil {
		return fmt.Errorf("updating agent status: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("agent_status upsert returned HTTP %d", resp.StatusCode())
	}
	return nil
}

// Close drains and stops the event reporter.
func (c *Client) Close() {
	c.reporter.Close()
}
