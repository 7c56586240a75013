package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/plaenen/eventcore/pkg/eventsourcing"
)

// Repository provides typed access to one aggregate kind backed by a Store.
// The factory constructs an empty aggregate with its rehydrators registered;
// the repository rehydrates it from snapshots and the event stream.
type Repository[T eventsourcing.Aggregate] struct {
	store      *Store
	sourceType string
	factory    func(id string) T
}

// NewRepository creates a repository for one aggregate kind.
func NewRepository[T eventsourcing.Aggregate](store *Store, sourceType string, factory func(id string) T) *Repository[T] {
	return &Repository[T]{
		store:      store,
		sourceType: sourceType,
		factory:    factory,
	}
}

// WithStore returns a repository reading and writing through the given
// store, typically one bound to a transaction with Store.WithTx.
func (r *Repository[T]) WithStore(store *Store) *Repository[T] {
	return &Repository[T]{store: store, sourceType: r.sourceType, factory: r.factory}
}

// Find loads the aggregate, or returns the zero value and no error when it
// has never been persisted. A snapshot refreshed within the freshness
// window is trusted alone; anything older is combined with the event tail.
func (r *Repository[T]) Find(ctx context.Context, id string) (T, error) {
	var zero T

	agg := r.factory(id)
	originator, snapshottable := any(agg).(eventsourcing.MementoOriginator)

	var memento *eventsourcing.Memento
	if snapshottable && r.store.snapshots != nil {
		cached, refreshedAt, ok := r.store.snapshots.Get(r.sourceType, id)
		if ok && cached != nil {
			if !refreshedAt.IsZero() && eventsourcing.Now().Sub(refreshedAt) < r.store.freshness {
				// Fresh enough to skip the tail read entirely.
				if err := originator.RestoreMemento(cached); err != nil {
					return zero, fmt.Errorf("restore snapshot %s/%s: %w", r.sourceType, id, err)
				}
				return agg, nil
			}
			memento = cached
		}
	}

	if memento == nil && snapshottable {
		persisted, err := r.loadPersistedSnapshot(ctx, id)
		if err != nil {
			return zero, err
		}
		memento = persisted
	}

	var afterVersion int64
	if memento != nil {
		if err := originator.RestoreMemento(memento); err != nil {
			return zero, fmt.Errorf("restore snapshot %s/%s: %w", r.sourceType, id, err)
		}
		afterVersion = memento.Version
	}

	tail, err := r.loadEvents(ctx, id, afterVersion)
	if err != nil {
		return zero, err
	}
	if memento == nil && len(tail) == 0 {
		return zero, nil
	}
	if err := agg.LoadFrom(tail); err != nil {
		return zero, err
	}
	return agg, nil
}

// Get is Find, but an aggregate with no persisted state is an error.
func (r *Repository[T]) Get(ctx context.Context, id string) (T, error) {
	agg, err := r.Find(ctx, id)
	if err != nil {
		return agg, err
	}
	if any(agg) == any(*new(T)) {
		return agg, fmt.Errorf("%w: %s/%s", eventsourcing.ErrNotFound, r.sourceType, id)
	}
	return agg, nil
}

// Save persists the aggregate's pending events and co-commits the outbound
// messages in a single transaction. The triggering message determines the
// correlation id stamped on every persisted event.
func (r *Repository[T]) Save(ctx context.Context, agg T, triggering eventsourcing.Message) error {
	pending := agg.DrainPending()
	if len(pending) == 0 {
		r.store.tracer.Trace("nothing to save for %s/%s", r.sourceType, agg.ID())
		return nil
	}

	correlationID := ""
	if triggering != nil {
		correlationID = eventsourcing.CorrelationFrom(triggering)
	}

	err := r.store.withinTx(ctx, func(tx *sql.Tx) error {
		lastVersion, err := r.lastVersion(ctx, tx, agg.ID())
		if err != nil {
			return err
		}
		if pending[0].Version() != lastVersion+1 {
			return fmt.Errorf("%w: %s/%s at version %d, save starts at %d",
				eventsourcing.ErrConcurrencyConflict, r.sourceType, agg.ID(), lastVersion, pending[0].Version())
		}

		envelopes := make([]eventsourcing.Envelope, 0, len(pending))
		now := eventsourcing.Now()
		for _, evt := range pending {
			evt.SetCorrelationID(correlationID)

			payload, err := eventsourcing.Marshal(r.store.serializer, evt)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO events (aggregate_id, aggregate_type, version, payload, event_type, correlation_id, creation_date)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				agg.ID(), r.sourceType, evt.Version(), string(payload), evt.EventType(), correlationID, now.UnixMilli(),
			); err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("%w: %s/%s version %d already persisted",
						eventsourcing.ErrConcurrencyConflict, r.sourceType, agg.ID(), evt.Version())
				}
				return fmt.Errorf("insert event: %w", err)
			}

			envelopes = append(envelopes, eventsourcing.NewEnvelope(evt, correlationID, ""))
		}

		if err := r.store.eventBus.PublishTx(ctx, tx, envelopes...); err != nil {
			return fmt.Errorf("publish events: %w", err)
		}

		if emitter, ok := any(agg).(eventsourcing.CommandEmitter); ok {
			commands := emitter.DrainPendingCommands()
			if len(commands) > 0 {
				cmdEnvelopes := make([]eventsourcing.Envelope, 0, len(commands))
				for _, cmd := range commands {
					cmdEnvelopes = append(cmdEnvelopes, eventsourcing.NewEnvelope(cmd, correlationID, ""))
				}
				if err := r.store.commandBus.SendTx(ctx, tx, cmdEnvelopes...); err != nil {
					return fmt.Errorf("send commands: %w", err)
				}
			}
		}

		if originator, ok := any(agg).(eventsourcing.MementoOriginator); ok {
			memento, err := originator.Memento()
			if err != nil {
				return fmt.Errorf("snapshot %s/%s: %w", r.sourceType, agg.ID(), err)
			}
			if err := r.persistSnapshot(ctx, tx, memento, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if r.store.snapshots != nil {
			r.store.snapshots.MarkStale(r.sourceType, agg.ID())
		}
		return err
	}

	if originator, ok := any(agg).(eventsourcing.MementoOriginator); ok && r.store.snapshots != nil {
		memento, err := originator.Memento()
		if err != nil {
			r.store.logger.Warn("snapshot refresh skipped",
				slog.String("aggregate_type", r.sourceType),
				slog.String("aggregate_id", agg.ID()),
				slog.String("error", err.Error()),
			)
		} else {
			r.store.snapshots.Set(r.sourceType, agg.ID(), memento, eventsourcing.Now())
		}
	}

	r.store.tracer.Trace("saved %d event(s) for %s/%s at version %d",
		len(pending), r.sourceType, agg.ID(), agg.Version())
	return nil
}

// lastVersion reads the highest persisted version for the aggregate.
// SQLite readers never block writers under WAL, so a plain read gives the
// non-blocking semantics the optimistic check needs.
func (r *Repository[T]) lastVersion(ctx context.Context, tx *sql.Tx, id string) (int64, error) {
	var version sql.NullInt64
	err := tx.QueryRowContext(ctx,
		`SELECT MAX(version) FROM events WHERE aggregate_id = ? AND aggregate_type = ?`,
		id, r.sourceType,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("read last version: %w", err)
	}
	return version.Int64, nil
}

func (r *Repository[T]) loadEvents(ctx context.Context, id string, afterVersion int64) ([]eventsourcing.VersionedEvent, error) {
	rows, err := r.store.dbtx().QueryContext(ctx, `
		SELECT payload FROM events
		WHERE aggregate_id = ? AND aggregate_type = ? AND version > ?
		ORDER BY version ASC`,
		id, r.sourceType, afterVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer rows.Close()

	var history []eventsourcing.VersionedEvent
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		msg, err := eventsourcing.Unmarshal(r.store.serializer, []byte(payload))
		if err != nil {
			return nil, err
		}
		evt, ok := msg.(eventsourcing.VersionedEvent)
		if !ok {
			return nil, fmt.Errorf("%w: persisted message %T is not a versioned event", eventsourcing.ErrSerialization, msg)
		}
		history = append(history, evt)
	}
	return history, rows.Err()
}

func (r *Repository[T]) loadPersistedSnapshot(ctx context.Context, id string) (*eventsourcing.Memento, error) {
	var (
		payload []byte
		version int64
	)
	err := r.store.dbtx().QueryRowContext(ctx,
		`SELECT payload, version FROM snapshots WHERE aggregate_id = ? AND aggregate_type = ?`,
		id, r.sourceType,
	).Scan(&payload, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return &eventsourcing.Memento{
		SourceID:   id,
		SourceType: r.sourceType,
		Version:    version,
		State:      payload,
	}, nil
}

func (r *Repository[T]) persistSnapshot(ctx context.Context, tx *sql.Tx, m *eventsourcing.Memento, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO snapshots (aggregate_id, aggregate_type, payload, version, creation_date)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (aggregate_id, aggregate_type)
		DO UPDATE SET payload = excluded.payload, version = excluded.version, creation_date = excluded.creation_date`,
		m.SourceID, m.SourceType, m.State, m.Version, now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}
	return nil
}
