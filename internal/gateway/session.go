package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	"github.com/contextguard/contextguard/internal/policy"
)

// Session holds the per-session state shared by both interceptor pipelines:
// the session discriminator and the rate-limit window. A single mutex
// linearizes all mutations.
type Session struct {
	mu                 sync.Mutex
	id                 string
	toolCallTimestamps []int64
}

// NewSession derives the session id from the startup timestamp: sha256 of
// the epoch-millisecond decimal string, truncated to 8 hex characters.
func NewSession(start time.Time) *Session {
	sum := sha256.Sum256([]byte(strconv.FormatInt(start.UnixMilli(), 10)))
	return &Session{id: hex.EncodeToString(sum[:])[:8]}
}

// ID returns the 8-hex-char session discriminator.
func (s *Session) ID() string {
	return s.id
}

// RecordToolCall prunes the rate window, evaluates the rate limit for a new
// tools/call at now (epoch millis), and records the timestamp when the call
// is accepted. The record happens before the caller finalizes the forwarding
// decision; rejected calls leave no entry, so the window's cardinality is
// exactly the number of accepted calls in the last 60 s.
func (s *Session) RecordToolCall(eng *policy.Engine, now int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now - policy.RateWindowMillis
	valid := s.toolCallTimestamps[:0]
	for _, ts := range s.toolCallTimestamps {
		if ts > cutoff {
			valid = append(valid, ts)
		}
	}
	s.toolCallTimestamps = valid

	if !eng.CheckRateLimit(s.toolCallTimestamps, now) {
		return false
	}
	s.toolCallTimestamps = append(s.toolCallTimestamps, now)
	return true
}

// WindowSize returns the number of accepted tools/call timestamps currently
// in the window.
func (s *Session) WindowSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.toolCallTimestamps)
}
