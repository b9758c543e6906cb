package eventstore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentloom/runtime/pkg/events"
)

// MemoryStore is an in-memory EventStore for tests and single-process
// demos. It serializes appends with a mutex (the single-writer alternative
// to optimistic retry described in §9) and fans out live envelopes to
// subscribers over buffered channels.
type MemoryStore struct {
	mu    sync.Mutex
	byAgg map[string][]events.Envelope // key: stream+"/"+aggregate
	subs  []*memorySub
}

type memorySub struct {
	query Query
	ch    chan events.Envelope
}

// NewMemoryStore returns an empty in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byAgg: make(map[string][]events.Envelope)}
}

func aggKey(stream, aggregate string) string { return stream + "/" + aggregate }

func (s *MemoryStore) Append(ctx context.Context, stream, aggregate string, expectedSequence uint64, event events.Event, meta events.Metadata) (events.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := aggKey(stream, aggregate)
	existing := s.byAgg[key]
	if uint64(len(existing)) != expectedSequence {
		return events.Envelope{}, ErrConflictingSequence
	}

	data, err := json.Marshal(event.Data)
	if err != nil {
		return events.Envelope{}, err
	}

	env := events.Envelope{
		ID:           uuid.New(),
		StreamID:     stream,
		AggregateID:  aggregate,
		Sequence:     expectedSequence + 1,
		EventType:    eventTypeString(event),
		EventVersion: events.EventVersion,
		Data:         data,
		Metadata:     meta,
		Timestamp:    time.Now().UTC(),
	}
	s.byAgg[key] = append(existing, env)

	for _, sub := range s.subs {
		if !sub.query.Matches(env) {
			continue
		}
		select {
		case sub.ch <- env:
		default:
			// Drop oldest to make room — events remain safely in byAgg and
			// a lagging consumer can reload by sequence (§4.1 Back-pressure).
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- env:
			default:
			}
		}
	}
	return env, nil
}

func (s *MemoryStore) Load(ctx context.Context, stream, aggregate string, fromSequence uint64) ([]events.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.byAgg[aggKey(stream, aggregate)]
	out := make([]events.Envelope, 0, len(all))
	for _, e := range all {
		if e.Sequence >= fromSequence {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, query Query) (<-chan events.Envelope, error) {
	s.mu.Lock()
	var catchUp []events.Envelope
	if query.AggregateID != "" {
		for _, e := range s.byAgg[aggKey(query.StreamID, query.AggregateID)] {
			if e.Sequence >= query.FromSequence && query.Matches(e) {
				catchUp = append(catchUp, e)
			}
		}
	}
	// Catch-up envelopes are queued before the subscription is registered,
	// under the lock Append holds, so they precede every live envelope.
	sub := &memorySub{query: query, ch: make(chan events.Envelope, SubscriptionBufferSize+len(catchUp))}
	for _, e := range catchUp {
		sub.ch <- e
	}
	s.subs = append(s.subs, sub)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sv := range s.subs {
			if sv == sub {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				break
			}
		}
		close(sub.ch)
	}()

	return sub.ch, nil
}

func (s *MemoryStore) Close() error { return nil }
