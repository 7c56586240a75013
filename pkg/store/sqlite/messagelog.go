package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/plaenen/eventcore/pkg/eventsourcing"
)

// LoggedMessage is one row of the durable message log: the serialized
// message with enough metadata to replay it without deserializing first.
type LoggedMessage struct {
	ID            int64
	Kind          string // "command" or "event"
	Payload       []byte
	SourceID      string
	SourceType    string
	Version       int64
	CorrelationID string
}

// MessageLog is the ordered, durable record of every externally-originated
// message. It is the rebuilder's source of truth: replaying it in id order
// reproduces the event store byte for byte.
type MessageLog struct {
	store *Store
}

// NewMessageLog creates a message log over the store's database.
func NewMessageLog(store *Store) *MessageLog {
	return &MessageLog{store: store}
}

// Append serializes the message and appends it to the log. Commands and
// events are distinguished so the rebuilder can route them; events carry
// their stream coordinates for duplicate detection.
func (l *MessageLog) Append(ctx context.Context, msg eventsourcing.Message) error {
	payload, err := eventsourcing.Marshal(l.store.serializer, msg)
	if err != nil {
		return err
	}

	kind := "event"
	sourceID, sourceType, correlationID := "", "", ""
	var version int64

	switch m := msg.(type) {
	case eventsourcing.Command:
		kind = "command"
		correlationID = m.MessageID()
	case eventsourcing.VersionedEvent:
		sourceID = m.SourceID()
		sourceType = m.SourceType()
		version = m.Version()
		correlationID = m.CorrelationID()
	case eventsourcing.Event:
		// Unversioned events are logged without stream coordinates.
	default:
		return fmt.Errorf("%w: %T is neither command nor event", eventsourcing.ErrSerialization, msg)
	}

	_, err = l.store.dbtx().ExecContext(ctx, `
		INSERT INTO messages (kind, payload, source_id, source_type, version, correlation_id)
		VALUES (?, ?, ?, ?, ?, ?)`,
		kind, string(payload), sourceID, sourceType, version, correlationID,
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// Count returns the number of logged messages.
func (l *MessageLog) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := l.store.dbtx().QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// ForEach streams the log in ascending id order, one row at a time, calling
// fn for each. A non-nil error from fn stops the scan and propagates.
func (l *MessageLog) ForEach(ctx context.Context, fn func(LoggedMessage) error) error {
	rows, err := l.store.dbtx().QueryContext(ctx, `
		SELECT id, kind, payload, source_id, source_type, version, correlation_id
		FROM messages ORDER BY id ASC`,
	)
	if err != nil {
		return fmt.Errorf("read message log: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			m       LoggedMessage
			payload string
		)
		if err := rows.Scan(&m.ID, &m.Kind, &payload, &m.SourceID, &m.SourceType, &m.Version, &m.CorrelationID); err != nil {
			return fmt.Errorf("scan message: %w", err)
		}
		m.Payload = []byte(payload)
		if err := fn(m); err != nil {
			return err
		}
	}
	return rows.Err()
}

// TruncateTx clears the log inside the given transaction and resets the id
// sequence so a rebuilt log restarts at 1.
func (l *MessageLog) TruncateTx(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages`); err != nil {
		return fmt.Errorf("truncate messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sqlite_sequence WHERE name = 'messages'`); err != nil {
		return fmt.Errorf("reset message sequence: %w", err)
	}
	return nil
}
