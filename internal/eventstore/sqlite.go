package eventstore

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	_ "modernc.org/sqlite" // registers driver name "sqlite" (pure Go, no cgo)
)

// sqliteDialect targets the pure-Go modernc.org/sqlite driver by default.
// Set DriverName to "sqlite3" (registered by github.com/mattn/go-sqlite3
// behind the eventstore_cgo build tag) to use the cgo driver instead; the
// DDL and placeholder syntax are identical either way.
type sqliteDialect struct{}

func (sqliteDialect) name() string { return "sqlite" }

func (sqliteDialect) placeholder(n int) string { return "?" }

func (sqliteDialect) createTableSQL() string {
	return `
CREATE TABLE IF NOT EXISTS events (
	id            TEXT NOT NULL,
	stream_id     TEXT NOT NULL,
	aggregate_id  TEXT NOT NULL,
	sequence      INTEGER NOT NULL,
	event_type    TEXT NOT NULL,
	event_version TEXT NOT NULL,
	data          TEXT NOT NULL,
	metadata      TEXT NOT NULL,
	ts            TIMESTAMP NOT NULL,
	PRIMARY KEY (stream_id, aggregate_id, sequence)
);
CREATE INDEX IF NOT EXISTS events_ts_idx ON events (ts);
CREATE INDEX IF NOT EXISTS events_type_idx ON events (event_type);
`
}

// SQLiteStore is the default EventStore backend (§6): one `events` table,
// unique on (stream_id, aggregate_id, sequence).
type SQLiteStore struct {
	*sqlStore
}

// SQLiteConfig configures the SQLite-backed event store.
type SQLiteConfig struct {
	// Path is the database file path, or ":memory:" for an in-process DB.
	Path string

	// DriverName overrides the registered sql driver, e.g. "sqlite3" for
	// the cgo mattn/go-sqlite3 driver. Defaults to "sqlite" (modernc.org).
	DriverName string

	Logger *slog.Logger
}

// NewSQLiteStore opens (and migrates) a SQLite-backed event store.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	driver := cfg.DriverName
	if driver == "" {
		driver = "sqlite"
	}
	dsn := cfg.Path
	if dsn == "" {
		dsn = ":memory:"
	}
	if !strings.Contains(dsn, "_pragma") && dsn != ":memory:" {
		// Serialize writers; SQLite has a single-writer model and the
		// runtime's optimistic-concurrency Append relies on consistent
		// reads, so a busy timeout avoids spurious SQLITE_BUSY errors.
		dsn += "?_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("eventstore: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite tolerates a single writer cleanly

	base, err := newSQLStore(db, sqliteDialect{}, cfg.Logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{sqlStore: base}, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // modernc.org/sqlite, mattn/go-sqlite3
		strings.Contains(msg, "duplicate key value violates unique constraint") // lib/pq
}
