// Package sqlite implements the transactional event store, the durable
// message log, the message audit log and the SQL-backed outbox bus on
// modernc.org/sqlite (pure Go, no CGo).
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/plaenen/eventcore/pkg/eventsourcing"
	"github.com/plaenen/eventcore/pkg/store/sqlite/migrate"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

//go:embed migrations/store/*.sql
var storeMigrationsFS embed.FS

// DBTX is the common surface of *sql.DB and *sql.Tx: every store operation
// runs either self-transacted or inside a caller-owned transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the sqlite-backed event store. It persists versioned events with
// optimistic concurrency and co-commits outbound messages through the
// transactional buses (outbox).
type Store struct {
	db *sql.DB
	tx *sql.Tx // non-nil when bound to a caller transaction

	serializer eventsourcing.Serializer
	eventBus   eventsourcing.TransactionalEventBus
	commandBus eventsourcing.TransactionalCommandBus
	snapshots  *eventsourcing.SnapshotCache
	freshness  time.Duration

	logger *slog.Logger
	tracer eventsourcing.Tracer
}

type storeConfig struct {
	dsn          string
	maxOpenConns int
	maxIdleConns int
	walMode      bool
	autoMigrate  bool
	freshness    time.Duration
	logger       *slog.Logger
	tracer       eventsourcing.Tracer
	snapshots    *eventsourcing.SnapshotCache
}

func defaultStoreConfig() storeConfig {
	return storeConfig{
		dsn:          "eventcore.db",
		maxOpenConns: 25,
		maxIdleConns: 5,
		walMode:      true,
		autoMigrate:  true,
		freshness:    time.Second,
		logger:       slog.Default(),
		tracer:       eventsourcing.NopTracer(),
	}
}

// StoreOption configures a Store.
type StoreOption func(*storeConfig)

// WithDSN sets the data source name (file path or ":memory:").
func WithDSN(dsn string) StoreOption {
	return func(c *storeConfig) { c.dsn = dsn }
}

// WithMemoryDatabase uses an in-memory database. Intended for tests.
func WithMemoryDatabase() StoreOption {
	return func(c *storeConfig) { c.dsn = ":memory:" }
}

// WithMaxOpenConns sets the maximum number of open connections.
func WithMaxOpenConns(n int) StoreOption {
	return func(c *storeConfig) { c.maxOpenConns = n }
}

// WithWALMode enables write-ahead logging. Recommended for file databases,
// unavailable for :memory:.
func WithWALMode(enabled bool) StoreOption {
	return func(c *storeConfig) { c.walMode = enabled }
}

// WithAutoMigrate runs pending migrations on startup.
func WithAutoMigrate(enabled bool) StoreOption {
	return func(c *storeConfig) { c.autoMigrate = enabled }
}

// WithSnapshotFreshness sets the window within which a refreshed snapshot
// is trusted without reading the event tail. Default one second.
func WithSnapshotFreshness(d time.Duration) StoreOption {
	return func(c *storeConfig) { c.freshness = d }
}

// WithSnapshotCache sets the shared snapshot cache. Without one, every
// load reads from the events table.
func WithSnapshotCache(cache *eventsourcing.SnapshotCache) StoreOption {
	return func(c *storeConfig) { c.snapshots = cache }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(c *storeConfig) { c.logger = logger }
}

// WithTracer sets the notification tracer.
func WithTracer(tracer eventsourcing.Tracer) StoreOption {
	return func(c *storeConfig) { c.tracer = tracer }
}

// NewStore opens the database and wires the buses. Both buses must be able
// to enroll writes in the store's transaction; a bus without that
// capability is rejected with ErrIncompatibleBus.
func NewStore(serializer eventsourcing.Serializer, eventBus eventsourcing.EventBus, commandBus eventsourcing.CommandBus, opts ...StoreOption) (*Store, error) {
	config := defaultStoreConfig()
	for _, opt := range opts {
		opt(&config)
	}

	txEventBus, ok := eventBus.(eventsourcing.TransactionalEventBus)
	if !ok {
		return nil, fmt.Errorf("%w: event bus %T", eventsourcing.ErrIncompatibleBus, eventBus)
	}
	txCommandBus, ok := commandBus.(eventsourcing.TransactionalCommandBus)
	if !ok {
		return nil, fmt.Errorf("%w: command bus %T", eventsourcing.ErrIncompatibleBus, commandBus)
	}

	db, err := sql.Open("sqlite", config.dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A :memory: database exists per connection; keep a single one.
	if config.dsn == ":memory:" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(config.maxOpenConns)
		db.SetMaxIdleConns(config.maxIdleConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	if config.walMode && config.dsn != ":memory:" {
		if _, err := db.Exec(`
			PRAGMA journal_mode = WAL;
			PRAGMA synchronous = NORMAL;
			PRAGMA foreign_keys = ON;
		`); err != nil {
			db.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
	}

	if config.autoMigrate {
		m := migrate.New(db, "schema_migrations")
		if err := m.LoadFromFS(storeMigrationsFS, "migrations/store"); err != nil {
			db.Close()
			return nil, fmt.Errorf("load migrations: %w", err)
		}
		if err := m.Up(); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	return &Store{
		db:         db,
		serializer: serializer,
		eventBus:   txEventBus,
		commandBus: txCommandBus,
		snapshots:  config.snapshots,
		freshness:  config.freshness,
		logger:     config.logger,
		tracer:     config.tracer,
	}, nil
}

// WithTx returns a store bound to the caller's transaction. Every
// operation on the bound store runs inside tx and nothing is committed:
// the caller owns commit and rollback. Driver-level retry must not be
// active inside a user-opened transaction, which binding guarantees by
// construction.
func (s *Store) WithTx(tx *sql.Tx) *Store {
	bound := *s
	bound.tx = tx
	return &bound
}

// WithBuses returns a store publishing through the given buses instead of
// the ones it was built with. The rebuilder uses this to collect replayed
// messages on a per-round in-memory bus.
func (s *Store) WithBuses(eventBus eventsourcing.TransactionalEventBus, commandBus eventsourcing.TransactionalCommandBus) *Store {
	rewired := *s
	rewired.eventBus = eventBus
	rewired.commandBus = commandBus
	return &rewired
}

// DB exposes the underlying handle for maintenance operations and tests.
func (s *Store) DB() *sql.DB { return s.db }

// Serializer returns the message serializer the store was built with.
func (s *Store) Serializer() eventsourcing.Serializer { return s.serializer }

// SnapshotCache returns the shared snapshot cache (nil when not configured).
func (s *Store) SnapshotCache() *eventsourcing.SnapshotCache { return s.snapshots }

// Close closes the store.
func (s *Store) Close() error { return s.db.Close() }

// dbtx returns the bound transaction or the raw handle.
func (s *Store) dbtx() DBTX {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// withinTx runs fn inside a transaction. When the store is bound, fn joins
// the caller's transaction and the caller keeps commit responsibility;
// otherwise a transaction is opened, committed on success and rolled back
// on error.
func (s *Store) withinTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// TruncateForRebuild clears the events and snapshots tables inside the
// bound transaction. Only the rebuilder calls this, on a tx-bound store.
func (s *Store) TruncateForRebuild(ctx context.Context) error {
	if s.tx == nil {
		return fmt.Errorf("truncate requires a transaction-bound store")
	}
	if _, err := s.tx.ExecContext(ctx, `DELETE FROM events`); err != nil {
		return fmt.Errorf("truncate events: %w", err)
	}
	if _, err := s.tx.ExecContext(ctx, `DELETE FROM snapshots`); err != nil {
		return fmt.Errorf("truncate snapshots: %w", err)
	}
	return nil
}
