package rebuild

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the rebuild metric instruments. A nil *Metrics is valid and
// records nothing, so callers without a meter pipeline pass nil.
type Metrics struct {
	MessagesTotal     metric.Int64Counter
	MessagesProcessed metric.Int64Counter
	MessagesSkipped   metric.Int64Counter
	InnerMessages     metric.Int64Counter
	RebuildDuration   metric.Float64Histogram
}

// NewMetrics creates the rebuild instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.MessagesTotal, err = meter.Int64Counter(
		"rebuild.messages.total",
		metric.WithDescription("Source messages considered by a rebuild"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating rebuild.messages.total: %w", err)
	}

	m.MessagesProcessed, err = meter.Int64Counter(
		"rebuild.messages.processed",
		metric.WithDescription("Source messages replayed into the event store"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating rebuild.messages.processed: %w", err)
	}

	m.MessagesSkipped, err = meter.Int64Counter(
		"rebuild.messages.skipped",
		metric.WithDescription("Source messages suppressed as duplicates"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating rebuild.messages.skipped: %w", err)
	}

	m.InnerMessages, err = meter.Int64Counter(
		"rebuild.messages.inner",
		metric.WithDescription("Messages generated by handlers during replay"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating rebuild.messages.inner: %w", err)
	}

	m.RebuildDuration, err = meter.Float64Histogram(
		"rebuild.duration",
		metric.WithDescription("Rebuild duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating rebuild.duration: %w", err)
	}

	return m, nil
}

func (m *Metrics) recordTotal(ctx context.Context, n int64) {
	if m == nil {
		return
	}
	m.MessagesTotal.Add(ctx, n)
}

func (m *Metrics) recordProcessed(ctx context.Context, inner bool) {
	if m == nil {
		return
	}
	m.MessagesProcessed.Add(ctx, 1)
	if inner {
		m.InnerMessages.Add(ctx, 1)
	}
}

func (m *Metrics) recordSkipped(ctx context.Context) {
	if m == nil {
		return
	}
	m.MessagesSkipped.Add(ctx, 1)
}

func (m *Metrics) recordDuration(ctx context.Context, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.RebuildDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.Bool("success", err == nil)))
}
