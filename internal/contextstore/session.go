package contextstore

import (
	"context"
	"sync"
	"time"

	"intentsbx/internal/telemetry"
)

// SessionState is either Active or Expired. It is derived, never stored:
// a session is Active exactly as long as at least one key under its
// prefix still resolves in the backing Store.
type SessionState string

const (
	SessionActive  SessionState = "active"
	SessionExpired SessionState = "expired"
)

// Sessions is a thin keyspace-prefix-and-TTL namespacing layer over a
// Store. It carries no state of its own: creation is implicit on first
// write, and closing a session just clears its prefix. budget caps the sum
// of a session's live value sizes; zero disables the check.
type Sessions struct {
	store   *Store
	budget  int
	metrics *telemetry.Metrics

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewSessions wraps store with session-prefix helpers, enforcing that the
// sum of a session's live value sizes never exceeds budget. A zero budget
// disables enforcement. metrics is optional.
func NewSessions(store *Store, budget int, metrics *telemetry.Metrics) *Sessions {
	return &Sessions{store: store, budget: budget, metrics: metrics, seen: make(map[string]struct{})}
}

// Touch writes key under sessionID's prefix, implicitly creating the
// session if it did not already have any keys. If budget is set, the write
// is rejected with ErrSessionBudgetExceeded before any state change when
// the session's total live size — net of whatever key currently holds —
// would exceed it.
func (s *Sessions) Touch(ctx context.Context, sessionID, key, value string, ttl time.Duration) error {
	prefixedKey := SessionPrefix(sessionID) + key

	if s.budget > 0 {
		existing := 0
		if prev, ok, err := s.store.Get(ctx, prefixedKey); err == nil && ok {
			existing = len(prev)
		}
		used, err := s.store.SizeOfPrefix(ctx, SessionPrefix(sessionID))
		if err != nil {
			return err
		}
		if used-existing+len(value) > s.budget {
			return ErrSessionBudgetExceeded
		}
	}

	if err := s.store.Set(ctx, prefixedKey, value, ttl); err != nil {
		return err
	}
	s.markActive(sessionID)
	return nil
}

// markActive records sessionID as active and refreshes ActiveSessionsGauge.
// seen is an approximation: a session TTL-expiring without an explicit
// Close leaves it counted until the process restarts or Close is called.
func (s *Sessions) markActive(sessionID string) {
	s.mu.Lock()
	_, already := s.seen[sessionID]
	if !already {
		s.seen[sessionID] = struct{}{}
	}
	count := len(s.seen)
	s.mu.Unlock()

	if !already && s.metrics != nil {
		s.metrics.ActiveSessionsGauge.Set(float64(count))
	}
}

// Get reads key from under sessionID's prefix.
func (s *Sessions) Get(ctx context.Context, sessionID, key string) (string, bool, error) {
	return s.store.Get(ctx, SessionPrefix(sessionID)+key)
}

// Close removes every key under sessionID's prefix. Idempotent.
func (s *Sessions) Close(ctx context.Context, sessionID string) error {
	if err := s.store.ClearSession(ctx, sessionID); err != nil {
		return err
	}

	s.mu.Lock()
	_, was := s.seen[sessionID]
	delete(s.seen, sessionID)
	count := len(s.seen)
	s.mu.Unlock()

	if was && s.metrics != nil {
		s.metrics.ActiveSessionsGauge.Set(float64(count))
	}
	return nil
}
