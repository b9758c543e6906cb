// Package eventstore implements the append-only event log (C1): an
// EventStore persists Envelopes keyed by (stream, aggregate, sequence),
// supports point-in-time load, and serves live subscriptions with
// server-side filtering.
//
// Two backends are provided — SQLiteStore and PostgresStore — both against
// the same `events` table shape (§6 Persisted state), plus MemoryStore for
// tests. All three satisfy the same EventStore interface so handlers and
// the Runtime never depend on the backing engine.
package eventstore

import (
	"context"
	"errors"
	"time"

	"github.com/agentloom/runtime/pkg/events"
)

// ErrConflictingSequence is returned by Append when the caller's expected
// sequence has already been taken by a concurrent writer (§3 Invariant E1).
var ErrConflictingSequence = errors.New("eventstore: conflicting sequence")

// ErrNotFound is not returned by the stores in this package: Load reports an
// aggregate with no envelopes as an empty result with a nil error.
var ErrNotFound = errors.New("eventstore: not found")

// Query filters a subscription or a historical scan (§4.1).
type Query struct {
	StreamID     string
	AggregateID  string // optional
	EventType    string // optional
	FromSequence uint64 // optional cursor for catch-up, per-aggregate
}

// Matches reports whether an envelope satisfies the query's filters.
func (q Query) Matches(e events.Envelope) bool {
	if q.StreamID != "" && q.StreamID != e.StreamID {
		return false
	}
	if q.AggregateID != "" && q.AggregateID != e.AggregateID {
		return false
	}
	if q.EventType != "" && q.EventType != e.EventType {
		return false
	}
	return true
}

// EventStore is the append-only log contract (§4.1).
type EventStore interface {
	// Append writes an event for (stream, aggregate) at expectedSequence+1.
	// It returns ErrConflictingSequence if another writer already took that
	// slot; callers must reload and retry.
	Append(ctx context.Context, stream, aggregate string, expectedSequence uint64, event events.Event, meta events.Metadata) (events.Envelope, error)

	// Load returns all envelopes for (stream, aggregate) in strictly
	// increasing sequence order, optionally starting from a sequence.
	Load(ctx context.Context, stream, aggregate string, fromSequence uint64) ([]events.Envelope, error)

	// Subscribe returns a channel of envelopes matching query, delivered at
	// least once and in per-aggregate order. The channel closes when ctx is
	// done. Implementations must first catch up from query.FromSequence (if
	// nonzero) before delivering live envelopes.
	Subscribe(ctx context.Context, query Query) (<-chan events.Envelope, error)

	// Close releases backing resources.
	Close() error
}

// PollInterval is the default tunable period for polling-based
// subscriptions (§4.1: "the reference implementation uses polling").
const PollInterval = 200 * time.Millisecond

// SubscriptionBufferSize bounds how many envelopes a lagging subscriber may
// buffer before old ones are dropped (events remain safely on disk; the
// consumer must reload by sequence to recover — §4.1 Back-pressure).
const SubscriptionBufferSize = 1024
