package rebuild_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/plaenen/eventcore/internal/fakeitems"
	"github.com/plaenen/eventcore/pkg/eventsourcing"
	"github.com/plaenen/eventcore/pkg/rebuild"
	"github.com/plaenen/eventcore/pkg/store/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

const itemsID = "22222222-2222-2222-2222-222222222222"

func newFixture(t *testing.T) (*sqlite.Store, *sqlite.MessageLog, *sqlite.AuditLog) {
	t.Helper()

	registry := eventsourcing.NewRegistry()
	fakeitems.RegisterTypes(registry)
	serializer := eventsourcing.NewJSONSerializer(registry)

	bus := eventsourcing.NewMemoryBus()
	store, err := sqlite.NewStore(serializer, bus, bus, sqlite.WithMemoryDatabase())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	audit, err := sqlite.NewAuditLog(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { audit.Close() })

	return store, sqlite.NewMessageLog(store), audit
}

// setupHandlers wires the replay round: AddItems and RemoveItems apply to
// the aggregate through the round's transaction-bound store.
func setupHandlers(round *rebuild.Round) error {
	repo := sqlite.NewRepository(round.Store, fakeitems.AggregateType, fakeitems.New)

	loadOrNew := func(ctx context.Context, id string) (*fakeitems.FakeItems, error) {
		agg, err := repo.Find(ctx, id)
		if err != nil {
			return nil, err
		}
		if agg == nil {
			agg = fakeitems.New(id)
		}
		return agg, nil
	}

	err := round.Processor.Register(fakeitems.CommandTypeAddItems, eventsourcing.CommandHandlerFunc(
		func(ctx context.Context, env eventsourcing.Envelope) error {
			cmd := env.Message.(*fakeitems.AddItems)
			agg, err := loadOrNew(ctx, cmd.TargetID())
			if err != nil {
				return err
			}
			for _, item := range cmd.Items {
				agg.Add(item.ItemID, item.Name, item.Qty)
			}
			return repo.Save(ctx, agg, cmd)
		},
	))
	if err != nil {
		return err
	}

	return round.Processor.Register(fakeitems.CommandTypeRemoveItems, eventsourcing.CommandHandlerFunc(
		func(ctx context.Context, env eventsourcing.Envelope) error {
			cmd := env.Message.(*fakeitems.RemoveItems)
			agg, err := loadOrNew(ctx, cmd.TargetID())
			if err != nil {
				return err
			}
			for _, removal := range cmd.Removals {
				if err := agg.Remove(removal.ItemID, removal.Qty); err != nil {
					return err
				}
			}
			return repo.Save(ctx, agg, cmd)
		},
	))
}

func seedLog(t *testing.T, log *sqlite.MessageLog) []*fakeitems.AddItems {
	t.Helper()
	ctx := context.Background()

	commands := []*fakeitems.AddItems{
		{
			CommandBase: eventsourcing.NewCommandBase(itemsID),
			Items: []fakeitems.ItemSpec{
				{ItemID: 1, Name: "x", Qty: 10},
				{ItemID: 2, Name: "y", Qty: 10},
			},
		},
		{
			CommandBase: eventsourcing.NewCommandBase(itemsID),
			Items:       []fakeitems.ItemSpec{{ItemID: 1, Name: "x", Qty: 5}},
		},
		{
			CommandBase: eventsourcing.NewCommandBase(itemsID),
			Items:       []fakeitems.ItemSpec{{ItemID: 3, Name: "z", Qty: 1}},
		},
	}
	for _, cmd := range commands {
		require.NoError(t, log.Append(ctx, cmd))
	}
	return commands
}

// eventRow is the deterministic projection of one events-table row: the
// stream coordinates and type, without generated ids and timestamps.
type eventRow struct {
	AggregateID   string
	AggregateType string
	Version       int64
	EventType     string
	CorrelationID string
}

func readEventRows(t *testing.T, store *sqlite.Store) []eventRow {
	t.Helper()

	rows, err := store.DB().Query(`
		SELECT aggregate_id, aggregate_type, version, event_type, correlation_id
		FROM events ORDER BY aggregate_id, aggregate_type, version`)
	require.NoError(t, err)
	defer rows.Close()

	var result []eventRow
	for rows.Next() {
		var r eventRow
		require.NoError(t, rows.Scan(&r.AggregateID, &r.AggregateType, &r.Version, &r.EventType, &r.CorrelationID))
		result = append(result, r)
	}
	require.NoError(t, rows.Err())
	return result
}

func TestRebuilder_ReplaysLogDeterministically(t *testing.T) {
	ctx := context.Background()
	store, log, audit := newFixture(t)
	commands := seedLog(t, log)

	rebuilder := rebuild.New(store, audit, setupHandlers)
	require.NoError(t, rebuilder.Rebuild(ctx))

	first := readEventRows(t, store)
	require.Len(t, first, 4)
	for i, row := range first {
		assert.Equal(t, itemsID, row.AggregateID)
		assert.Equal(t, int64(i+1), row.Version)
		assert.Equal(t, fakeitems.EventTypeAdded, row.EventType)
	}
	assert.Equal(t, commands[0].MessageID(), first[0].CorrelationID)
	assert.Equal(t, commands[0].MessageID(), first[1].CorrelationID)
	assert.Equal(t, commands[1].MessageID(), first[2].CorrelationID)
	assert.Equal(t, commands[2].MessageID(), first[3].CorrelationID)

	repo := sqlite.NewRepository(store, fakeitems.AggregateType, fakeitems.New)
	agg, err := repo.Find(ctx, itemsID)
	require.NoError(t, err)
	assert.Equal(t, 15, agg.Qty[1])
	assert.Equal(t, 10, agg.Qty[2])
	assert.Equal(t, 1, agg.Qty[3])

	// Second rebuild over the same log: identical rows.
	require.NoError(t, rebuilder.Rebuild(ctx))
	assert.Equal(t, first, readEventRows(t, store))
}

func TestRebuilder_SuppressesDuplicateMessages(t *testing.T) {
	ctx := context.Background()
	store, log, audit := newFixture(t)

	cmd := &fakeitems.AddItems{
		CommandBase: eventsourcing.NewCommandBase(itemsID),
		Items:       []fakeitems.ItemSpec{{ItemID: 1, Name: "x", Qty: 10}},
	}
	// The same command logged twice must apply once.
	require.NoError(t, log.Append(ctx, cmd))
	require.NoError(t, log.Append(ctx, cmd))

	rebuilder := rebuild.New(store, audit, setupHandlers)
	require.NoError(t, rebuilder.Rebuild(ctx))

	rows := readEventRows(t, store)
	require.Len(t, rows, 1)

	repo := sqlite.NewRepository(store, fakeitems.AggregateType, fakeitems.New)
	agg, err := repo.Find(ctx, itemsID)
	require.NoError(t, err)
	assert.Equal(t, 10, agg.Qty[1])
}

func TestRebuilder_RecordsReplayedKeysInAuditLog(t *testing.T) {
	ctx := context.Background()
	store, log, audit := newFixture(t)
	commands := seedLog(t, log)

	rebuilder := rebuild.New(store, audit, setupHandlers)
	require.NoError(t, rebuilder.Rebuild(ctx))

	// Every logged command is recorded.
	for _, cmd := range commands {
		dup, err := audit.IsDuplicate(ctx, cmd)
		require.NoError(t, err)
		assert.True(t, dup)
	}

	// So are the events the replay generated on the in-memory bus.
	evt := &fakeitems.Added{EventBase: eventsourcing.NewEventBase()}
	evt.SetSource(itemsID, fakeitems.AggregateType, 1)
	dup, err := audit.IsDuplicate(ctx, evt)
	require.NoError(t, err)
	assert.True(t, dup)
}

func TestRebuilder_FailingHandlerRollsBackBothStores(t *testing.T) {
	ctx := context.Background()
	store, log, audit := newFixture(t)
	seedLog(t, log)

	// Seed a pre-existing row that a failed rebuild must not lose.
	repo := sqlite.NewRepository(store, fakeitems.AggregateType, fakeitems.New)
	existing := fakeitems.New("survivor")
	existing.Add(9, "keep", 1)
	require.NoError(t, repo.Save(ctx, existing, nil))

	failing := func(round *rebuild.Round) error {
		return round.Processor.Register(fakeitems.CommandTypeAddItems, eventsourcing.CommandHandlerFunc(
			func(context.Context, eventsourcing.Envelope) error {
				return fmt.Errorf("handler exploded")
			},
		))
	}

	rebuilder := rebuild.New(store, audit, failing)
	require.Error(t, rebuilder.Rebuild(ctx))

	// The truncate rolled back with everything else.
	rows := readEventRows(t, store)
	require.Len(t, rows, 1)
	assert.Equal(t, "survivor", rows[0].AggregateID)

	// Nothing landed in the audit log either.
	cmd := addItems(t, log)
	dup, err := audit.IsDuplicate(ctx, cmd)
	require.NoError(t, err)
	assert.False(t, dup)
}

// addItems reads the first logged command back for audit probing.
func addItems(t *testing.T, log *sqlite.MessageLog) eventsourcing.Message {
	t.Helper()

	var payload []byte
	require.NoError(t, log.ForEach(context.Background(), func(m sqlite.LoggedMessage) error {
		if payload == nil {
			payload = m.Payload
		}
		return nil
	}))
	require.NotNil(t, payload)

	registry := eventsourcing.NewRegistry()
	fakeitems.RegisterTypes(registry)
	msg, err := eventsourcing.Unmarshal(eventsourcing.NewJSONSerializer(registry), payload)
	require.NoError(t, err)
	return msg
}

func TestRebuilder_Metrics(t *testing.T) {
	ctx := context.Background()
	store, log, audit := newFixture(t)
	seedLog(t, log)

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := rebuild.NewMetrics(provider.Meter("rebuild-test"))
	require.NoError(t, err)

	rebuilder := rebuild.New(store, audit, setupHandlers, rebuild.WithMetrics(metrics))
	require.NoError(t, rebuilder.Rebuild(ctx))

	var data metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &data))

	sums := map[string]int64{}
	for _, scope := range data.ScopeMetrics {
		for _, m := range scope.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				var total int64
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
				sums[m.Name] = total
			}
		}
	}

	assert.Equal(t, int64(3), sums["rebuild.messages.total"])
	// 3 commands plus the 4 events they generate on the in-memory bus.
	assert.Equal(t, int64(7), sums["rebuild.messages.processed"])
	assert.Zero(t, sums["rebuild.messages.skipped"])
}
