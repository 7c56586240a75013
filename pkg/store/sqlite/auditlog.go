package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/plaenen/eventcore/pkg/eventsourcing"
	"github.com/plaenen/eventcore/pkg/store/sqlite/migrate"
)

//go:embed migrations/audit/*.sql
var auditMigrationsFS embed.FS

// AuditLog records which messages have been processed, keyed by identity:
// a command by its id, an event by its stream coordinates. The rebuilder
// consults it to suppress double-application when replaying.
type AuditLog struct {
	db *sql.DB
}

// NewAuditLog opens (and migrates) an audit log database at the given DSN.
// The audit log lives in its own database so a rebuild can start from a
// fresh one while the old one stays untouched until the swap.
func NewAuditLog(dsn string) (*AuditLog, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	if dsn == ":memory:" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	m := migrate.New(db, "audit_schema_migrations")
	if err := m.LoadFromFS(auditMigrationsFS, "migrations/audit"); err != nil {
		db.Close()
		return nil, fmt.Errorf("load audit migrations: %w", err)
	}
	if err := m.Up(); err != nil {
		db.Close()
		return nil, fmt.Errorf("run audit migrations: %w", err)
	}

	return &AuditLog{db: db}, nil
}

// DB exposes the underlying handle, used by the rebuilder to open its
// transaction on the fresh audit database.
func (l *AuditLog) DB() *sql.DB { return l.db }

// Close closes the audit log database.
func (l *AuditLog) Close() error { return l.db.Close() }

// AuditKey derives the duplicate-detection key: a command is identified by
// its id, an event by (sourceType, sourceId, version). The rebuilder uses
// the same key for in-flight duplicate suppression.
func AuditKey(msg eventsourcing.Message) string {
	switch m := msg.(type) {
	case eventsourcing.Command:
		return "command:" + m.MessageID()
	case eventsourcing.VersionedEvent:
		return fmt.Sprintf("event:%s:%s:%d", m.SourceType(), m.SourceID(), m.Version())
	default:
		return "message:" + msg.MessageID()
	}
}

// IsDuplicate reports whether the message was already processed.
func (l *AuditLog) IsDuplicate(ctx context.Context, msg eventsourcing.Message) (bool, error) {
	return isDuplicate(ctx, l.db, msg)
}

// IsDuplicateTx is IsDuplicate within a caller-owned transaction.
func (l *AuditLog) IsDuplicateTx(ctx context.Context, tx *sql.Tx, msg eventsourcing.Message) (bool, error) {
	return isDuplicate(ctx, tx, msg)
}

// Save records the message as processed.
func (l *AuditLog) Save(ctx context.Context, msg eventsourcing.Message) error {
	return saveProcessed(ctx, l.db, msg)
}

// SaveTx is Save within a caller-owned transaction.
func (l *AuditLog) SaveTx(ctx context.Context, tx *sql.Tx, msg eventsourcing.Message) error {
	return saveProcessed(ctx, tx, msg)
}

func isDuplicate(ctx context.Context, db DBTX, msg eventsourcing.Message) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM processed_messages WHERE key = ?`, AuditKey(msg),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("audit lookup: %w", err)
	}
	return n > 0, nil
}

func saveProcessed(ctx context.Context, db DBTX, msg eventsourcing.Message) error {
	kind := "event"
	sourceID, sourceType := "", ""
	var version int64

	switch m := msg.(type) {
	case eventsourcing.Command:
		kind = "command"
	case eventsourcing.VersionedEvent:
		sourceID = m.SourceID()
		sourceType = m.SourceType()
		version = m.Version()
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO processed_messages (key, message_id, kind, source_id, source_type, version, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (key) DO NOTHING`,
		AuditKey(msg), msg.MessageID(), kind, sourceID, sourceType, version,
		eventsourcing.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("audit save: %w", err)
	}
	return nil
}
