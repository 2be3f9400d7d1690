package workerpool

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "depotfetch/workerpool"

	metricJobsTotal   = "depotfetch.pool.jobs.total"
	metricJobDuration = "depotfetch.pool.job.duration.seconds"
	metricQueueDepth  = "depotfetch.pool.queue.depth"
	metricPanicsTotal = "depotfetch.pool.panics.total"

	attrStatus = "status"

	statusOK    = "ok"
	statusPanic = "panic"
)

// jobBucketBoundaries covers sub-millisecond predicate work up to
// multi-minute bulk prints of large changelists.
var jobBucketBoundaries = []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300}

type poolMetrics struct {
	jobs       metric.Int64Counter
	duration   metric.Float64Histogram
	queueDepth metric.Int64UpDownCounter
	panics     metric.Int64Counter
}

func newPoolMetrics(mt metric.Meter) (*poolMetrics, error) {
	jobs, err := mt.Int64Counter(metricJobsTotal,
		metric.WithDescription("Total jobs run by pool workers"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricJobsTotal, err)
	}

	duration, err := mt.Float64Histogram(metricJobDuration,
		metric.WithDescription("Job run time in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(jobBucketBoundaries...),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricJobDuration, err)
	}

	depth, err := mt.Int64UpDownCounter(metricQueueDepth,
		metric.WithDescription("Jobs waiting for a worker"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricQueueDepth, err)
	}

	panics, err := mt.Int64Counter(metricPanicsTotal,
		metric.WithDescription("Jobs that panicked"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricPanicsTotal, err)
	}

	return &poolMetrics{jobs: jobs, duration: duration, queueDepth: depth, panics: panics}, nil
}

func (m *poolMetrics) queued(delta int) {
	m.queueDepth.Add(context.Background(), int64(delta))
}

func (m *poolMetrics) finished(status string, elapsed time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String(attrStatus, status))

	m.jobs.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)

	if status == statusPanic {
		m.panics.Add(ctx, 1)
	}
}
