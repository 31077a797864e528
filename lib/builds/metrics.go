package builds

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics provides build system metrics
type Metrics struct {
	buildDuration metric.Float64Histogram
	buildTotal    metric.Int64Counter
	depsCacheHits metric.Int64Counter
	queueLength   metric.Int64ObservableGauge
	activeBuilds  metric.Int64ObservableGauge
}

// NewMetrics creates a new Metrics instance
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	buildDuration, err := meter.Float64Histogram(
		"kiln_build_duration_seconds",
		metric.WithDescription("Duration of builds in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	buildTotal, err := meter.Int64Counter(
		"kiln_builds_total",
		metric.WithDescription("Total number of builds"),
	)
	if err != nil {
		return nil, err
	}

	depsCacheHits, err := meter.Int64Counter(
		"kiln_deps_cache_total",
		metric.WithDescription("Dependency layer cache lookups by outcome"),
	)
	if err != nil {
		return nil, err
	}

	queueLength, err := meter.Int64ObservableGauge(
		"kiln_build_queue_length",
		metric.WithDescription("Number of builds in queue"),
	)
	if err != nil {
		return nil, err
	}

	activeBuilds, err := meter.Int64ObservableGauge(
		"kiln_builds_active",
		metric.WithDescription("Number of currently running builds"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		buildDuration: buildDuration,
		buildTotal:    buildTotal,
		depsCacheHits: depsCacheHits,
		queueLength:   queueLength,
		activeBuilds:  activeBuilds,
	}, nil
}

// RecordBuild records metrics for a completed build
func (m *Metrics) RecordBuild(ctx context.Context, status string, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("status", status),
	}

	m.buildDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.buildTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordDepsCache records a dependency layer cache lookup outcome
func (m *Metrics) RecordDepsCache(ctx context.Context, hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.depsCacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RegisterQueueCallbacks registers callbacks for queue metrics
func (m *Metrics) RegisterQueueCallbacks(queue *BuildQueue, meter metric.Meter) error {
	_, err := meter.RegisterCallback(
		func(ctx context.Context, observer metric.Observer) error {
			observer.ObserveInt64(m.queueLength, int64(queue.PendingCount()))
			observer.ObserveInt64(m.activeBuilds, int64(queue.ActiveCount()))
			return nil
		},
		m.queueLength,
		m.activeBuilds,
	)
	return err
}
