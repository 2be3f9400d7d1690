// Package pipeline drives changelist retrieval for an ordered list of
// changelists. Downloads run ahead of consumption by a bounded number of
// changelists; consumption is strictly in input order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sumatoshi-tech/depotfetch/pkg/changelist"
	"github.com/Sumatoshi-tech/depotfetch/pkg/contentstore"
	"github.com/Sumatoshi-tech/depotfetch/pkg/stopwatch"
)

// Sentinel errors.
var (
	ErrHalted           = errors.New("pipeline halted")
	ErrInvalidLookahead = errors.New("lookahead must not be negative")
)

const tracerName = "depotfetch/pipeline"

// DefaultLookahead is the number of changelists fetched ahead of the one
// being consumed.
const DefaultLookahead = 2

// ConsumeFunc receives each fetched changelist, in input order. The
// changelist is cleared after it returns.
type ConsumeFunc func(ctx context.Context, cl *changelist.Changelist) error

// Options configures a Runner.
type Options struct {
	Download  changelist.DownloadOptions
	Lookahead int
}

// Stats summarizes a run.
type Stats struct {
	Changelists int
	Files       int
	Included    int
	Elapsed     time.Duration
}

// Runner fetches changelists on a shared pool and hands them to a consumer.
type Runner struct {
	Pool     changelist.Submitter
	Store    contentstore.Store
	Options  Options
	Logger   *slog.Logger
	Tracer   trace.Tracer
	Recorder changelist.Recorder
}

// Run fetches every header and calls consume for each, in order. It stops
// at the first failed download or consumer error; every changelist it
// started is cleared before it returns unless ctx was cancelled.
func (r *Runner) Run(ctx context.Context, headers []changelist.Header, consume ConsumeFunc) (Stats, error) {
	if r.Options.Lookahead < 0 {
		return Stats{}, fmt.Errorf("%w: %d", ErrInvalidLookahead, r.Options.Lookahead)
	}

	sw := stopwatch.Start()
	logger := r.logger()
	tracer := r.tracer()

	var stats Stats

	started := make([]*changelist.Changelist, 0, len(headers))

	halt := func(from int, err error) (Stats, error) {
		r.clearAll(ctx, started[from:])

		stats.Elapsed = sw.Elapsed()

		return stats, fmt.Errorf("%w: %w", ErrHalted, err)
	}

	// startErr is the failure to start started[len(started)-1]. It is
	// reported when that changelist's turn comes, so the ones before it are
	// still consumed.
	var startErr error

	for i := range headers {
		for startErr == nil && len(started) < len(headers) && len(started) <= i+r.Options.Lookahead {
			cl, err := r.start(headers[len(started)])
			started = append(started, cl)
			startErr = err
		}

		if startErr != nil && i == len(started)-1 {
			return halt(i, startErr)
		}

		if err := ctx.Err(); err != nil {
			return halt(i, err)
		}

		cl := started[i]

		err := r.consumeOne(ctx, tracer, cl, consume)
		if err != nil {
			return halt(i, err)
		}

		stats.Changelists++

		for _, f := range cl.Files() {
			stats.Files++

			if f.Included() {
				stats.Included++
			}
		}

		if err = cl.Clear(); err != nil {
			return halt(i+1, err)
		}
	}

	stats.Elapsed = sw.Elapsed()

	logger.Info("pipeline finished",
		"changelists", stats.Changelists,
		"files", stats.Files,
		"included", stats.Included,
		"elapsed", stats.Elapsed)

	return stats, nil
}

func (r *Runner) start(header changelist.Header) (*changelist.Changelist, error) {
	cl := changelist.New(header, r.Pool, r.Store,
		changelist.WithLogger(r.Logger),
		changelist.WithTracer(r.Tracer),
		changelist.WithRecorder(r.Recorder))

	if err := cl.BeginDiscovery(); err != nil {
		return cl, fmt.Errorf("changelist %s: begin discovery: %w", header.Number, err)
	}

	if err := cl.BeginDownload(r.Options.Download); err != nil {
		return cl, fmt.Errorf("changelist %s: begin download: %w", header.Number, err)
	}

	return cl, nil
}

func (r *Runner) consumeOne(ctx context.Context, tracer trace.Tracer, cl *changelist.Changelist, consume ConsumeFunc) error {
	ctx, span := tracer.Start(ctx, "pipeline.consume",
		trace.WithAttributes(attribute.String("p4.changelist", cl.Number)))
	defer span.End()

	if err := cl.WaitForDownload(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "download")

		return err
	}

	if err := consume(ctx, cl); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "consume")

		return fmt.Errorf("changelist %s: consume: %w", cl.Number, err)
	}

	return nil
}

// clearAll releases started changelists. Clear waits for in-flight jobs, so
// it is skipped once ctx is done and a backend call may be hung.
func (r *Runner) clearAll(ctx context.Context, lists []*changelist.Changelist) {
	if ctx.Err() != nil {
		r.logger().Warn("context done, leaving changelists to the store owner", "changelists", len(lists))

		return
	}

	for _, cl := range lists {
		if err := cl.Clear(); err != nil {
			r.logger().Error("clear changelist", "changelist", cl.Number, "error", err)
		}
	}
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}

	return slog.Default()
}

func (r *Runner) tracer() trace.Tracer {
	if r.Tracer != nil {
		return r.Tracer
	}

	return otel.Tracer(tracerName)
}
