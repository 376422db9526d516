package remote

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/contextguard/contextguard/internal/audit"
)

// Reporter queue sizing and throttling. Dispatch is capped so a burst of
// violations cannot hammer the store; overflow drops the event rather than
// back-pressuring the gateway hot path.
const (
	queueSize      = 64
	drainTimeout   = 10 * time.Second
	dispatchPerSec = 20
	dispatchBurst  = 40
)

// ErrQueueFull is returned when the event queue is at capacity.
var ErrQueueFull = errors.New("remote: event queue full, event dropped")

// eventRow mirrors one security_events record. The id is generated client
// side, one per dispatched event.
type eventRow struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id"`
	SessionID string         `json:"session_id"`
	EventType string         `json:"event_type"`
	Severity  string         `json:"severity"`
	Details   map[string]any `json:"details"`
	Timestamp string         `json:"timestamp"`
}

// Reporter is the asynchronous fire-and-forget event sink. A single
// background goroutine drains the queue; send failures are logged and
// dropped.
type Reporter struct {
	client    *Client
	queue     chan audit.SecurityEvent
	done      chan struct{}
	closeWG   sync.WaitGroup
	closeOnce sync.Once
	limiter   *rate.Limiter
}

func newReporter(c *Client) *Reporter {
	r := &Reporter{
		client:  c,
		queue:   make(chan audit.SecurityEvent, queueSize),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(dispatchPerSec), dispatchBurst),
	}
	r.closeWG.Add(1)
	go r.run()
	return r
}

// Emit enqueues an event for async delivery. Never blocks: a full queue
// drops the event and reports ErrQueueFull.
func (r *Reporter) Emit(_ context.Context, event audit.SecurityEvent) error {
	select {
	case <-r.done:
		return errors.New("remote: reporter closed")
	default:
	}

	select {
	case r.queue <- event:
		return nil
	case <-r.done:
		return errors.New("remote: reporter closed")
	default:
		return ErrQueueFull
	}
}

// Close signals the background goroutine to drain remaining events and
// stop. Blocks until pending events are sent or the drain timeout expires.
// Safe to call multiple times.
func (r *Reporter) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
	})
	r.closeWG.Wait()
	return nil
}

func (r *Reporter) run() {
	defer r.closeWG.Done()

	for {
		select {
		case event := <-r.queue:
			r.send(event)
		case <-r.done:
			r.drain()
			return
		}
	}
}

// drain sends remaining queued events with a deadline.
func (r *Reporter) drain() {
	deadline := time.After(drainTimeout)
	for {
		select {
		case event := <-r.queue:
			r.send(event)
		case <-deadline:
			return
		default:
			return
		}
	}
}

// send POSTs a single event row to the store.
func (r *Reporter) send(event audit.SecurityEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if err := r.limiter.Wait(ctx); err != nil {
		return
	}

	row := eventRow{
		ID:        uuid.NewString(),
		AgentID:   r.client.agentID,
		SessionID: event.SessionID,
		EventType: string(event.EventType),
		Severity:  string(event.Severity),
		Details:   event.Details,
		Timestamp: event.Timestamp,
	}

	resp, err := r.client.http.R().
		SetContext(ctx).
		SetBody(row).
		Post("/rest/v1/security_events")
	if err != nil {
		r.client.zl.Warn().Err(err).Str("event", row.EventType).Msg("event dispatch failed")
		return
	}
	if resp.IsError() {
		r.client.zl.Warn().Int("status", resp.StatusCode()).Str("event", row.EventType).Msg("event dispatch rejected")
	}
}
