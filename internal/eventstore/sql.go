package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agentloom/runtime/internal/backoff"
	"github.com/agentloom/runtime/pkg/events"
)

// sqlStore is the shared implementation behind SQLiteStore and
// PostgresStore: both backends use the same `events` table shape (§6) and
// differ only in placeholder syntax and DDL dialect, supplied via dialect.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	logger  *slog.Logger
	retry   backoff.BackoffPolicy
}

// dialect isolates the handful of SQL differences between SQLite and
// Postgres: positional placeholders and the column types in the DDL.
type dialect interface {
	placeholder(n int) string
	createTableSQL() string
	name() string
}

func newSQLStore(db *sql.DB, d dialect, logger *slog.Logger) (*sqlStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &sqlStore{db: db, dialect: d, logger: logger, retry: backoff.DefaultPolicy()}
	if _, err := db.Exec(d.createTableSQL()); err != nil {
		return nil, fmt.Errorf("eventstore: create table: %w", err)
	}
	return s, nil
}

func (s *sqlStore) Close() error { return s.db.Close() }

// Append performs an optimistic-concurrency insert at expectedSequence+1.
// A unique index on (stream_id, aggregate_id, sequence) is the source of
// truth for conflict detection; a unique-constraint violation is mapped to
// ErrConflictingSequence (§3 Invariant E1, §4.1).
func (s *sqlStore) Append(ctx context.Context, stream, aggregate string, expectedSequence uint64, event events.Event, meta events.Metadata) (events.Envelope, error) {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return events.Envelope{}, fmt.Errorf("eventstore: marshal event data: %w", err)
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return events.Envelope{}, fmt.Errorf("eventstore: marshal metadata: %w", err)
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

	q := fmt.Sprintf(
		`INSERT INTO events (id, stream_id, aggregate_id, sequence, event_type, event_version, data, metadata, ts)
		 VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		s.dialect.placeholder(1), s.dialect.placeholder(2), s.dialect.placeholder(3),
		s.dialect.placeholder(4), s.dialect.placeholder(5), s.dialect.placeholder(6),
		s.dialect.placeholder(7), s.dialect.placeholder(8), s.dialect.placeholder(9),
	)

	_, err = s.db.ExecContext(ctx, q, env.ID.String(), env.StreamID, env.AggregateID, env.Sequence,
		env.EventType, env.EventVersion, string(env.Data), string(metaJSON), env.Timestamp)
	if err != nil {
		if isUniqueViolation(err) {
			return events.Envelope{}, ErrConflictingSequence
		}
		return events.Envelope{}, fmt.Errorf("eventstore: append: %w", err)
	}
	return env, nil
}

// Load returns all envelopes for (stream, aggregate) in sequence order.
func (s *sqlStore) Load(ctx context.Context, stream, aggregate string, fromSequence uint64) ([]events.Envelope, error) {
	q := fmt.Sprintf(
		`SELECT id, stream_id, aggregate_id, sequence, event_type, event_version, data, metadata, ts
		 FROM events WHERE stream_id = %s AND aggregate_id = %s AND sequence >= %s
		 ORDER BY sequence ASC`,
		s.dialect.placeholder(1), s.dialect.placeholder(2), s.dialect.placeholder(3),
	)
	rows, err := s.db.QueryContext(ctx, q, stream, aggregate, fromSequence)
	if err != nil {
		return nil, fmt.Errorf("eventstore: load: %w", err)
	}
	defer rows.Close()
	return scanEnvelopes(rows)
}

// pollSince returns up to SubscriptionBufferSize envelopes matching query
// that come after (sinceTS, sinceSeq) in (ts, sequence) order, used by the
// polling subscription loop.
func (s *sqlStore) pollSince(ctx context.Context, query Query, sinceTS time.Time, sinceSeq uint64) ([]events.Envelope, error) {
	conds := fmt.Sprintf("(ts > %s OR (ts = %s AND sequence > %s))",
		s.dialect.placeholder(1), s.dialect.placeholder(2), s.dialect.placeholder(3))
	args := []any{sinceTS, sinceTS, sinceSeq}
	n := 4
	if query.StreamID != "" {
		conds += fmt.Sprintf(" AND stream_id = %s", s.dialect.placeholder(n))
		args = append(args, query.StreamID)
		n++
	}
	if query.AggregateID != "" {
		conds += fmt.Sprintf(" AND aggregate_id = %s", s.dialect.placeholder(n))
		args = append(args, query.AggregateID)
		n++
	}
	if query.EventType != "" {
		conds += fmt.Sprintf(" AND event_type = %s", s.dialect.placeholder(n))
		args = append(args, query.EventType)
		n++
	}
	q := fmt.Sprintf(
		`SELECT id, stream_id, aggregate_id, sequence, event_type, event_version, data, metadata, ts
		 FROM events WHERE %s ORDER BY ts ASC, sequence ASC LIMIT %d`, conds, SubscriptionBufferSize)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("eventstore: poll: %w", err)
	}
	defer rows.Close()
	return scanEnvelopes(rows)
}

// Subscribe implements a polling live-tail (§4.1): it first catches up from
// query.FromSequence for the named aggregate (if any), then polls the whole
// table on PollInterval, delivering every envelope at least once in
// per-aggregate order.
func (s *sqlStore) Subscribe(ctx context.Context, query Query) (<-chan events.Envelope, error) {
	out := make(chan events.Envelope, SubscriptionBufferSize)

	go func() {
		defer close(out)
		var sinceTS time.Time
		var sinceSeq uint64

		if query.AggregateID != "" && query.FromSequence > 0 {
			history, err := s.Load(ctx, query.StreamID, query.AggregateID, query.FromSequence)
			if err != nil {
				s.logger.Error("eventstore: catch-up load failed", "error", err)
			}
			for _, e := range history {
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
				sinceTS, sinceSeq = e.Timestamp, e.Sequence
			}
		}

		ticker := time.NewTicker(PollInterval)
		defer ticker.Stop()
		attempt := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			batch, err := s.pollSince(ctx, query, sinceTS, sinceSeq)
			if err != nil {
				attempt++
				s.logger.Warn("eventstore: subscription poll failed, retrying", "error", err, "attempt", attempt)
				select {
				case <-time.After(backoff.ComputeBackoff(s.retry, attempt)):
				case <-ctx.Done():
					return
				}
				continue
			}
			attempt = 0
			for _, e := range batch {
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
				sinceTS, sinceSeq = e.Timestamp, e.Sequence
			}
		}
	}()

	return out, nil
}

func scanEnvelopes(rows *sql.Rows) ([]events.Envelope, error) {
	var out []events.Envelope
	for rows.Next() {
		var e events.Envelope
		var id, data, meta string
		if err := rows.Scan(&id, &e.StreamID, &e.AggregateID, &e.Sequence, &e.EventType,
			&e.EventVersion, &data, &meta, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("eventstore: scan: %w", err)
		}
		parsedID, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("eventstore: parse id: %w", err)
		}
		e.ID = parsedID
		e.Data = json.RawMessage(data)
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			return nil, fmt.Errorf("eventstore: unmarshal metadata: %w", err)
		}
		out = append(out, e)
	}
	if len(out) == 0 {
		return nil, rows.Err()
	}
	return out, rows.Err()
}

func eventTypeString(e events.Event) string {
	if e.Type == events.TypeAgent {
		// Agent-specific events carry their own sub-type as the first JSON
		// field of Data.Agent; callers are expected to have set Data.Agent
		// to a tagged payload whose "type" field distinguishes it. The base
		// store does not interpret it further than storing it verbatim.
		var tagged struct {
			Type string `json:"type"`
		}
		if len(e.Data.Agent) > 0 {
			_ = json.Unmarshal(e.Data.Agent, &tagged)
		}
		if tagged.Type != "" {
			return tagged.Type
		}
	}
	return string(e.Type)
}
