package eventstore

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
)

type postgresDialect struct{}

func (postgresDialect) name() string { return "postgres" }

func (postgresDialect) placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (postgresDialect) createTableSQL() string {
	return `
CREATE TABLE IF NOT EXISTS events (
	id            TEXT NOT NULL,
	stream_id     TEXT NOT NULL,
	aggregate_id  TEXT NOT NULL,
	sequence      BIGINT NOT NULL,
	event_type    TEXT NOT NULL,
	event_version TEXT NOT NULL,
	data          JSONB NOT NULL,
	metadata      JSONB NOT NULL,
	ts            TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (stream_id, aggregate_id, sequence)
);
CREATE INDEX IF NOT EXISTS events_ts_idx ON events (ts);
CREATE INDEX IF NOT EXISTS events_type_idx ON events (event_type);
`
}

// PostgresConfig configures the Postgres-backed event store, following the
// connection-pool tuning shape of internal/jobs's CockroachConfig.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
	Logger          *slog.Logger
}

// DefaultPostgresConfig returns sensible pool defaults.
func DefaultPostgresConfig(dsn string) PostgresConfig {
	return PostgresConfig{
		DSN:             dsn,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// PostgresStore is the Postgres-backed EventStore (§6), for deployments
// that need multi-process durability beyond a single SQLite file.
type PostgresStore struct {
	*sqlStore
}

// NewPostgresStore opens (and migrates) a Postgres-backed event store.
func NewPostgresStore(cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("eventstore: dsn is required")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("eventstore: open postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	base, err := newSQLStore(db, postgresDialect{}, cfg.Logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{sqlStore: base}, nil
}
