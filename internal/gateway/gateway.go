// Package gateway implements the ContextGuard core: the child-process
// supervisor, the shared session state machine, and the two interceptor
// pipelines that sit between an MCP client and the spawned MCP server.
package gateway

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/contextguard/contextguard/internal/audit"
	"github.com/contextguard/contextguard/internal/config"
	"github.com/contextguard/contextguard/internal/policy"
	"github.com/contextguard/contextguard/internal/transport"
)

// Agent status values published to the remote store.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusError   = "error"
)

// RemoteStore is the boundary to the optional dashboard collaborator. The
// core consumes exactly three operations; every failure behind this
// interface is tolerated.
type RemoteStore interface {
	// FetchPolicy returns the remote policy for the agent, or (nil, nil)
	// when none is stored.
	FetchPolicy(ctx context.Context, agentID string) (*config.Config, error)

	// UpdateAgentStatus publishes the agent's status, best-effort.
	UpdateAgentStatus(ctx context.Context, agentID, status string) error

	// EventSink returns the asynchronous event sink for ReportEvent
	// dispatch.
	EventSink() audit.Sink
}

// Gateway is the transparent security proxy for one MCP server session.
type Gateway struct {
	enginePtr atomic.Pointer[policy.Engine]
	cfg       *config.Config
	session   *Session
	logger    *audit.Logger
	clientOut *transport.LineWriter
	childIn   *transport.LineWriter
	errW      io.Writer
	zl        zerolog.Logger
	remote    RemoteStore
	agentID   string
	nowMillis func() int64
}

// Option configures optional Gateway behavior.
type Option func(*Gateway)

// WithRemote attaches the remote collaborator adapter.
func WithRemote(store RemoteStore, agentID string) Option {
	return func(g *Gateway) {
		g.remote = store
		g.agentID = agentID
	}
}

// WithStderr overrides the diagnostic/alert destination. Defaults to
// os.Stderr.
func WithStderr(w io.Writer) Option {
	return func(g *Gateway) { g.errW = w }
}

// WithClock overrides the millisecond wall clock, for tests.
func WithClock(nowMillis func() int64) Option {
	return func(g *Gateway) { g.nowMillis = nowMillis }
}

// New creates a gateway from a defaulted, validated local config. The
// session id is derived once, here.
func New(cfg *config.Config, opts ...Option) *Gateway {
	g := &Gateway{
		cfg:       cfg,
		session:   NewSession(time.Now()),
		errW:      os.Stderr,
		nowMillis: func() int64 { return time.Now().UnixMilli() },
	}
	for _, opt := range opts {
		opt(g)
	}
	g.zl = zerolog.New(g.errW).With().Timestamp().Str("component", "contextguard").Logger()
	return g
}

// Session returns the gateway's session state.
func (g *Gateway) Session() *Session {
	return g.session
}

// Reload swaps in a new policy engine built from cfg. The event log path and
// alert threshold are construction-time settings and are not updated here.
func (g *Gateway) Reload(cfg *config.Config) {
	g.enginePtr.Store(policy.NewEngine(cfg))
	g.zl.Info().Msg("policy reloaded")
}

func (g *Gateway) engine() *policy.Engine {
	return g.enginePtr.Load()
}

// Run executes the gateway session: merge remote policy, spawn the child,
// pump both pipelines, and return the child's exit code once it exits.
// Auxiliary failures (event log, remote store) never abort the session; a
// spawn failure does.
func (g *Gateway) Run(ctx context.Context, argv []string, clientIn io.Reader, clientOut io.Writer) (int, error) {
	cfg := g.cfg

	// Remote policy bootstrap: remote fields win over local ones. A fetch
	// failure keeps the local policy.
	if g.remote != nil {
		remoteCfg, err := g.remote.FetchPolicy(ctx, g.agentID)
		switch {
		case err != nil:
			g.zl.Warn().Err(err).Str("agent", g.agentID).Msg("remote policy fetch failed, using local config")
		case remoteCfg != nil:
			cfg = config.Merge(cfg, remoteCfg)
			fmt.Fprintf(g.errW, "contextguard: loaded remote policy for agent %s\n", g.agentID)
		}
		if err := g.remote.UpdateAgentStatus(ctx, g.agentID, StatusOnline); err != nil {
			g.zl.Warn().Err(err).Msg("agent status update failed")
		}
	}

	g.enginePtr.Store(policy.NewEngine(cfg))

	var logOpts []audit.Option
	logOpts = append(logOpts, audit.WithAlertWriter(g.errW))
	if g.remote != nil {
		logOpts = append(logOpts, audit.WithSinks(g.remote.EventSink()))
	}
	g.logger = audit.New(cfg.LogPath, g.session.ID(), cfg.AlertThreshold, logOpts...)
	defer g.logger.Close()

	child, err := StartChild(ctx, argv, g.errW)
	if err != nil {
		g.logger.Log(audit.EventServerError, audit.SeverityHigh, map[string]any{
			"error": err.Error(),
		})
		if g.remote != nil {
			_ = g.remote.UpdateAgentStatus(ctx, g.agentID, StatusError)
		}
		return 1, err
	}

	g.logger.Log(audit.EventServerStart, audit.SeverityLow, map[string]any{
		"command":   argv,
		"sessionId": g.session.ID(),
	})

	g.clientOut = transport.NewLineWriter(clientOut)
	g.childIn = transport.NewLineWriter(child.Stdin)

	// Client-to-server pipeline runs concurrently; end-of-input on the
	// client stream closes the child's stdin for a graceful drain. The
	// server-to-client pipeline runs here and returns when the child's
	// stdout closes, i.e. on child exit.
	go func() {
		g.clientToServer(clientIn)
		_ = child.Stdin.Close()
	}()

	g.serverToClient(child.Stdout)

	code, waitErr := child.Wait()
	if waitErr != nil {
		g.logger.Log(audit.EventServerError, audit.SeverityHigh, map[string]any{
			"error": waitErr.Error(),
		})
	}

	g.logger.Log(audit.EventServerExit, audit.SeverityMedium, map[string]any{
		"exitCode": code,
	})

	if g.remote != nil {
		if err := g.remote.UpdateAgentStatus(context.WithoutCancel(ctx), g.agentID, StatusOffline); err != nil {
			g.zl.Warn().Err(err).Msg("agent status update failed")
		}
	}

	printStats(g.errW, g.session.ID(), g.logger.Stats())
	return code, nil
}
