package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricFilesResolved  = "depotfetch.files.resolved.total"
	metricBatchesPrinted = "depotfetch.print.batches.total"
	metricBytesPrinted   = "depotfetch.print.bytes.total"
	metricBatchFiles     = "depotfetch.print.batch.files"
	metricPrintDuration  = "depotfetch.print.duration.seconds"

	attrOutcome = "outcome"
)

// durationBucketBoundaries covers 1ms to 300s: a print call ranges from a
// single small file to thousands of large ones.
var durationBucketBoundaries = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300}

// FetchMetrics holds the instruments for changelist retrieval. It
// satisfies changelist.Recorder.
type FetchMetrics struct {
	filesResolved  metric.Int64Counter
	batchesPrinted metric.Int64Counter
	bytesPrinted   metric.Int64Counter
	batchFiles     metric.Int64Histogram
	printDuration  metric.Float64Histogram
}

// NewFetchMetrics creates the fetch instruments from the given meter.
func NewFetchMetrics(mt metric.Meter) (*FetchMetrics, error) {
	filesResolved, err := mt.Int64Counter(metricFilesResolved,
		metric.WithDescription("Files resolved, by outcome"),
		metric.WithUnit("{file}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricFilesResolved, err)
	}

	batchesPrinted, err := mt.Int64Counter(metricBatchesPrinted,
		metric.WithDescription("Print calls completed"),
		metric.WithUnit("{batch}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricBatchesPrinted, err)
	}

	bytesPrinted, err := mt.Int64Counter(metricBytesPrinted,
		metric.WithDescription("Content bytes stored"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricBytesPrinted, err)
	}

	batchFiles, err := mt.Int64Histogram(metricBatchFiles,
		metric.WithDescription("Files per print call"),
		metric.WithUnit("{file}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricBatchFiles, err)
	}

	printDuration, err := mt.Float64Histogram(metricPrintDuration,
		metric.WithDescription("Print call duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBucketBoundaries...),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricPrintDuration, err)
	}

	return &FetchMetrics{
		filesResolved:  filesResolved,
		batchesPrinted: batchesPrinted,
		bytesPrinted:   bytesPrinted,
		batchFiles:     batchFiles,
		printDuration:  printDuration,
	}, nil
}

// FilesResolved counts n files resolved with the given outcome.
func (fm *FetchMetrics) FilesResolved(ctx context.Context, outcome string, n int) {
	if n <= 0 {
		return
	}

	fm.filesResolved.Add(ctx, int64(n), metric.WithAttributes(attribute.String(attrOutcome, outcome)))
}

// BatchPrinted records one completed print call.
func (fm *FetchMetrics) BatchPrinted(ctx context.Context, files int, bytes int64, elapsed time.Duration) {
	fm.batchesPrinted.Add(ctx, 1)
	fm.bytesPrinted.Add(ctx, bytes)
	fm.batchFiles.Record(ctx, int64(files))
	fm.printDuration.Record(ctx, elapsed.Seconds())
}
