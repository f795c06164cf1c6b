package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/basket/agentq/internal/bus"
	"github.com/basket/agentq/internal/shared"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "aq-v1-2026-10-18-agent-engine"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1

	defaultLeaseDuration = 30 * time.Second
)

// Options configures Open.
type Options struct {
	// Driver is DriverSQLite (default) or DriverPostgres.
	Driver string
	// DSN is a file path for SQLite or a connection URL for Postgres.
	DSN           string
	Bus           *bus.Bus
	LeaseDuration time.Duration
	MaxOpenConns  int
	// Now overrides the clock. Times are always stored in UTC.
	Now func() time.Time
}

// Store owns the message queue and task state tables. All coordination
// between workers goes through conditional writes on these tables.
type Store struct {
	db      *sql.DB
	dialect dialect
	bus     *bus.Bus
	now     func() time.Time
	lease   atomic.Int64

	// failpoint, when set, is consulted at named steps inside transactions.
	failpoint func(name string) error
}

func DefaultDBPath() string {
	home := os.Getenv("AGENTQ_HOME")
	if home == "" {
		userHome, _ := os.UserHomeDir()
		home = filepath.Join(userHome, ".agentq")
	}
	return filepath.Join(home, "agentq.db")
}

// Open opens the SQLite store at path.
func Open(path string, eventBus *bus.Bus) (*Store, error) {
	return OpenWithOptions(context.Background(), Options{DSN: path, Bus: eventBus})
}

func OpenWithOptions(ctx context.Context, opts Options) (*Store, error) {
	d, err := dialectFor(opts.Driver)
	if err != nil {
		return nil, err
	}

	var db *sql.DB
	switch d.name {
	case DriverSQLite:
		path := opts.DSN
		if path == "" {
			path = DefaultDBPath()
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
		db, err = sql.Open(DriverSQLite, fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path))
		if err != nil {
			return nil, fmt.Errorf("open sqlite3: %w", err)
		}
		// A single connection serializes writers; never touch s.db while a tx is open.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	case DriverPostgres:
		if opts.DSN == "" {
			return nil, errors.New("postgres store requires a dsn")
		}
		db, err = sql.Open(DriverPostgres, opts.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		maxConns := opts.MaxOpenConns
		if maxConns <= 0 {
			maxConns = 10
		}
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxConns)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	store := &Store{db: db, dialect: d, bus: opts.Bus, now: now}
	store.SetLeaseDuration(opts.LeaseDuration)

	if err := store.configure(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Driver() string {
	return s.dialect.name
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SetLeaseDuration changes the lease length used by future claims and heartbeats.
func (s *Store) SetLeaseDuration(d time.Duration) {
	if d <= 0 {
		d = defaultLeaseDuration
	}
	s.lease.Store(int64(d))
}

func (s *Store) LeaseDuration() time.Duration {
	return time.Duration(s.lease.Load())
}

func (s *Store) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func (s *Store) q(query string) string {
	return s.dialect.rebind(query)
}

func (s *Store) fail(name string) error {
	if s.failpoint == nil {
		return nil
	}
	return s.failpoint(name)
}

// retryOnBusy retries f when the backend reports a transient lock conflict,
// using exponential backoff with bounded jitter.
func retryOnBusy(ctx context.Context, maxRetries int, retryable func(error) bool, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !retryable(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// inTx runs f in a transaction, retrying the whole transaction on lock conflicts.
// Events queued on the outbox are published only after commit.
func (s *Store) inTx(ctx context.Context, name string, f func(tx *sql.Tx, out *outbox) error) error {
	var out outbox
	err := retryOnBusy(ctx, 5, s.dialect.retryable, func() error {
		out = out[:0]
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin %s tx: %w", name, err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := f(tx, &out); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit %s tx: %w", name, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	out.flush(s.bus)
	return nil
}

type outbox []bus.Event

func (o *outbox) add(topic string, payload any) {
	*o = append(*o, bus.Event{Topic: topic, Payload: payload})
}

func (o outbox) flush(b *bus.Bus) {
	if b == nil {
		return
	}
	for _, ev := range o {
		b.Publish(ev.Topic, ev.Payload)
	}
}

func (s *Store) configure(ctx context.Context) error {
	if s.dialect.name != DriverSQLite {
		return s.db.PingContext(ctx)
	}
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

var tableStatements = []string{
	`CREATE TABLE IF NOT EXISTS agent_v2_message_queue (
		id {{serial}},
		session_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		sender_id TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		status TEXT NOT NULL CHECK(status IN ('queued', 'processing', 'processed', 'failed')),
		processing_attempts INTEGER NOT NULL DEFAULT 0,
		not_before {{ts}} NOT NULL,
		processed_at {{ts}},
		error_message TEXT,
		processing_result TEXT,
		created_at {{ts}} NOT NULL,
		updated_at {{ts}} NOT NULL,
		UNIQUE(session_id, message_id)
	);`,
	`CREATE TABLE IF NOT EXISTS agent_v2_task_states (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL CHECK(status IN ('pending', 'running', 'waiting_for_approval', 'completed', 'error', 'stopped')),
		current_loop_count INTEGER NOT NULL DEFAULT 0,
		consecutive_mistake_count INTEGER NOT NULL DEFAULT 0,
		last_processed_message_id BIGINT NOT NULL DEFAULT 0,
		processing_context TEXT NOT NULL DEFAULT '{}',
		execution_metadata TEXT NOT NULL DEFAULT '{}',
		lease_token TEXT,
		lease_expires_at {{ts}},
		stop_requested INTEGER NOT NULL DEFAULT 0,
		approval_state TEXT NOT NULL DEFAULT '',
		approval_requested_at {{ts}},
		created_at {{ts}} NOT NULL,
		updated_at {{ts}} NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS agent_v2_task_events (
		event_id {{serial}},
		session_id TEXT NOT NULL,
		message_id BIGINT NOT NULL DEFAULT 0,
		trace_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		state_from TEXT,
		state_to TEXT,
		payload_json TEXT NOT NULL DEFAULT '{}',
		created_at {{ts}} NOT NULL
	);`,
}

var indexStatements = []string{
	`CREATE INDEX IF NOT EXISTS idx_mq_session_status_id ON agent_v2_message_queue(session_id, status, id);`,
	`CREATE INDEX IF NOT EXISTS idx_mq_status_updated ON agent_v2_message_queue(status, updated_at);`,
	`CREATE INDEX IF NOT EXISTS idx_mq_status_not_before ON agent_v2_message_queue(status, not_before);`,
	`CREATE INDEX IF NOT EXISTS idx_ts_status_updated ON agent_v2_task_states(status, updated_at);`,
	`CREATE INDEX IF NOT EXISTS idx_ts_lease_expires ON agent_v2_task_states(lease_expires_at);`,
	`CREATE INDEX IF NOT EXISTS idx_events_session ON agent_v2_task_events(session_id, event_id);`,
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, s.q(`SELECT checksum FROM schema_migrations WHERE version = ?;`), schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, s.dialect.ddl.Replace(stmt)); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?)
		ON CONFLICT (version) DO NOTHING;
	`), schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("record schema migration: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// appendEventTx writes one row to the transition log.
func (s *Store) appendEventTx(ctx context.Context, tx *sql.Tx, sessionID string, messageID int64, from, to TaskStatus, eventType, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = sessionID
	}
	_, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO agent_v2_task_events (session_id, message_id, trace_id, event_type, state_from, state_to, payload_json, created_at)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?);
	`), sessionID, messageID, traceID, eventType, string(from), string(to), payload, s.clock())
	if err != nil {
		return fmt.Errorf("insert task event: %w", err)
	}
	return nil
}

// jsonPayload renders key/value pairs as a JSON object for event payloads.
func jsonPayload(kv ...string) string {
	m := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i]] = kv[i+1]
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}
