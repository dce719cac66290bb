// Package contextstore implements the bounded, TTL-governed key-value
// Context/Cache layer, with pluggable in-process and remote backends.
package contextstore

import (
	"context"
	"errors"
	"time"

	"intentsbx/internal/telemetry"
)

// ErrPayloadTooLarge is returned before any state change when a write
// exceeds the configured MaxValueSize.
var ErrPayloadTooLarge = errors.New("payload_too_large")

// ErrBackendUnavailable is returned when the remote backend cannot be
// reached.
var ErrBackendUnavailable = errors.New("backend_unavailable")

// ErrSessionBudgetExceeded is returned when a session write would push the
// sum of that session's stored value sizes past its configured budget.
var ErrSessionBudgetExceeded = errors.New("session_budget_exceeded")

// Entry is one stored value with its TTL metadata.
type Entry struct {
	Key       string
	Value     string
	CreatedAt time.Time
	TTL       time.Duration
	Size      int
}

// Backend is the closed set of pluggable Context Store implementations.
// Modeled as a concrete interface rather than an open registry so that
// production-mode guards (refusing in-process-only backends, say) are
// enforceable at construction time instead of open dispatch.
type Backend interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	ClearPrefix(ctx context.Context, prefix string) error
	Sweep(ctx context.Context) (int, error)
	Size(ctx context.Context) (int, error)
	// SizeOfPrefix sums the stored value sizes of every live key under
	// prefix, for per-session budget enforcement.
	SizeOfPrefix(ctx context.Context, prefix string) (int, error)
}

// Store is the Context/Cache layer. It enforces MaxValueSize before
// delegating to the backend, so a too-large write never mutates state.
type Store struct {
	backend      Backend
	maxValueSize int
	metrics      *telemetry.Metrics
}

// New builds a Store over the given backend. metrics is optional.
func New(backend Backend, maxValueSize int, metrics *telemetry.Metrics) *Store {
	return &Store{backend: backend, maxValueSize: maxValueSize, metrics: metrics}
}

// Get reads key. A miss (including one caused by TTL expiry) returns
// ("", false, nil) — absence is not an error.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	value, ok, err := s.backend.Get(ctx, key)
	s.recordOp(ctx, "get", err, ok)
	return value, ok, err
}

// Set writes key=value with the given TTL. Writes larger than
// MaxValueSize fail with ErrPayloadTooLarge before any state change.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if s.maxValueSize > 0 && len(value) > s.maxValueSize {
		s.recordOp(ctx, "set", ErrPayloadTooLarge, false)
		return ErrPayloadTooLarge
	}
	err := s.backend.Set(ctx, key, value, ttl)
	s.recordOp(ctx, "set", err, true)
	return err
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.backend.Delete(ctx, key)
	s.recordOp(ctx, "delete", err, true)
	return err
}

// ClearSession removes every key under the "session:{id}:" prefix.
// Idempotent: clearing an already-empty session succeeds.
func (s *Store) ClearSession(ctx context.Context, sessionID string) error {
	err := s.backend.ClearPrefix(ctx, SessionPrefix(sessionID))
	s.recordOp(ctx, "clear_session", err, true)
	return err
}

// Sweep deletes expired entries and returns how many were removed. Driven
// periodically by the janitor.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	removed, err := s.backend.Sweep(ctx)
	s.recordOp(ctx, "sweep", err, true)
	return removed, err
}

// Size returns the current number of stored entries, including expired
// entries that no read or Sweep has removed yet.
func (s *Store) Size(ctx context.Context) (int, error) {
	return s.backend.Size(ctx)
}

// SizeOfPrefix sums the stored value sizes of every live key under prefix.
func (s *Store) SizeOfPrefix(ctx context.Context, prefix string) (int, error) {
	return s.backend.SizeOfPrefix(ctx, prefix)
}

// recordOp feeds CacheOperationsTotal and refreshes CacheEntriesGauge from
// the backend's current size. Both are best-effort: a nil metrics or a
// failed Size call is silently skipped rather than surfaced to the caller.
func (s *Store) recordOp(ctx context.Context, op string, err error, hit bool) {
	if s.metrics == nil {
		return
	}
	result := "ok"
	switch {
	case err != nil:
		result = "error"
	case op == "get" && !hit:
		result = "miss"
	}
	s.metrics.CacheOperationsTotal.WithLabelValues(op, result).Inc()
	if op == "set" || op == "delete" || op == "clear_session" || op == "sweep" {
		if n, sizeErr := s.backend.Size(ctx); sizeErr == nil {
			s.metrics.CacheEntriesGauge.Set(float64(n))
		}
	}
}

// SessionPrefix returns the keyspace prefix for a session ID.
func SessionPrefix(sessionID string) string {
	return "session:" + sessionID + ":"
}
