package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/plaenen/eventcore/pkg/eventsourcing"
)

// OutboxBus is a transactional bus backed by the store's outbox tables.
// PublishTx and SendTx write rows in the caller's transaction, so outbound
// messages commit atomically with the state change that produced them. A
// relay (or test) drains the tables afterwards.
//
// The bus is created before the store that carries it, so the database
// handle is attached after construction; only the non-transactional paths
// and the pending readers need it.
type OutboxBus struct {
	db         *sql.DB
	serializer eventsourcing.Serializer
}

// NewOutboxBus creates an outbox bus. Call AttachDB once the store is open.
func NewOutboxBus(serializer eventsourcing.Serializer) *OutboxBus {
	return &OutboxBus{serializer: serializer}
}

// AttachDB binds the bus to the store's database.
func (b *OutboxBus) AttachDB(db *sql.DB) { b.db = db }

// PublishTx implements eventsourcing.TransactionalEventBus.
func (b *OutboxBus) PublishTx(ctx context.Context, tx *sql.Tx, envelopes ...eventsourcing.Envelope) error {
	return b.insert(ctx, tx, "outbox_events", envelopes)
}

// SendTx implements eventsourcing.TransactionalCommandBus.
func (b *OutboxBus) SendTx(ctx context.Context, tx *sql.Tx, envelopes ...eventsourcing.Envelope) error {
	return b.insert(ctx, tx, "outbox_commands", envelopes)
}

// Publish implements eventsourcing.EventBus with a self-owned transaction.
func (b *OutboxBus) Publish(ctx context.Context, envelopes ...eventsourcing.Envelope) error {
	return b.selfTx(ctx, func(tx *sql.Tx) error {
		return b.PublishTx(ctx, tx, envelopes...)
	})
}

// Send implements eventsourcing.CommandBus with a self-owned transaction.
func (b *OutboxBus) Send(ctx context.Context, envelopes ...eventsourcing.Envelope) error {
	return b.selfTx(ctx, func(tx *sql.Tx) error {
		return b.SendTx(ctx, tx, envelopes...)
	})
}

// PendingEvents returns the undelivered outbound events in insertion order.
func (b *OutboxBus) PendingEvents(ctx context.Context) ([]eventsourcing.Envelope, error) {
	return b.pending(ctx, "outbox_events")
}

// PendingCommands returns the undelivered outbound commands in insertion order.
func (b *OutboxBus) PendingCommands(ctx context.Context) ([]eventsourcing.Envelope, error) {
	return b.pending(ctx, "outbox_commands")
}

func (b *OutboxBus) insert(ctx context.Context, tx *sql.Tx, table string, envelopes []eventsourcing.Envelope) error {
	for _, env := range envelopes {
		payload, err := eventsourcing.Marshal(b.serializer, env.Message)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (message_id, correlation_id, payload, created_at) VALUES (?, ?, ?, ?)`, table),
			env.MessageID, env.CorrelationID, string(payload), eventsourcing.Now().UnixMilli(),
		); err != nil {
			return fmt.Errorf("outbox insert: %w", err)
		}
	}
	return nil
}

func (b *OutboxBus) selfTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if b.db == nil {
		return fmt.Errorf("outbox bus has no database attached")
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (b *OutboxBus) pending(ctx context.Context, table string) ([]eventsourcing.Envelope, error) {
	if b.db == nil {
		return nil, fmt.Errorf("outbox bus has no database attached")
	}
	rows, err := b.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT message_id, correlation_id, payload FROM %s ORDER BY created_at ASC, message_id ASC`, table),
	)
	if err != nil {
		return nil, fmt.Errorf("read outbox: %w", err)
	}
	defer rows.Close()

	var envelopes []eventsourcing.Envelope
	for rows.Next() {
		var (
			messageID, correlationID, payload string
		)
		if err := rows.Scan(&messageID, &correlationID, &payload); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		msg, err := eventsourcing.Unmarshal(b.serializer, []byte(payload))
		if err != nil {
			return nil, err
		}
		envelopes = append(envelopes, eventsourcing.Envelope{
			Message:       msg,
			MessageID:     messageID,
			CorrelationID: correlationID,
		})
	}
	return envelopes, rows.Err()
}
