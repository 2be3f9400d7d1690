package changelist

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sumatoshi-tech/depotfetch/pkg/describe"
	"github.com/Sumatoshi-tech/depotfetch/pkg/p4"
	"github.com/Sumatoshi-tech/depotfetch/pkg/stopwatch"
)

const (
	attrChangelist = "p4.changelist"
	attrFiles      = "p4.files"
)

// batch is a group of included files printed by one call. Ownership passes
// to the print job when the batch is flushed.
type batch struct {
	specs []string
	files []*File
}

func newBatch(size int) *batch {
	return &batch{
		specs: make([]string, 0, size),
		files: make([]*File, 0, size),
	}
}

func (b *batch) add(f *File) {
	b.specs = append(b.specs, f.Spec())
	b.files = append(b.files, f)
}

func (b *batch) len() int {
	return len(b.files)
}

// BeginDiscovery schedules the describe job. The discovered latch is set
// when the job ends, whether it succeeded or not.
func (c *Changelist) BeginDiscovery() error {
	if !c.transition(StateCreated, StateDiscovering) {
		return ErrAlreadyDiscovering
	}

	return c.submit(c.discover, c.abandonDiscovery)
}

// abandonDiscovery stands in for a describe job that never ran. The
// changelist is left with no files.
func (c *Changelist) abandonDiscovery(err error) {
	c.fail(fmt.Errorf("%w: schedule: %w", ErrDescribe, err))
	c.transition(StateDiscovering, StateAwaitingFilter)
	c.discovered.Signal()
}

func (c *Changelist) discover(session p4.Session) {
	ctx, span := c.tracer.Start(context.Background(), "changelist.describe",
		trace.WithAttributes(attribute.String(attrChangelist, c.Number)))
	defer span.End()

	var files []*File

	defer func() {
		if r := recover(); r != nil {
			files = nil

			c.fail(fmt.Errorf("%w: describe: %v", ErrJobPanic, r))
			span.SetStatus(codes.Error, "panic")
		}

		c.files = files
		c.transition(StateDiscovering, StateAwaitingFilter)
		c.discovered.Signal()
	}()

	resp, err := session.Describe(ctx, c.Number)
	if err != nil {
		c.fail(fmt.Errorf("%w: %w", ErrDescribe, err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "describe")

		return
	}

	entries, err := (&describe.Parser{Logger: c.logger}).Parse(resp)
	if err != nil {
		c.fail(fmt.Errorf("%w: %w", ErrDescribe, err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "parse")

		return
	}

	files = make([]*File, 0, len(entries))

	for _, entry := range entries {
		files = append(files, &File{
			DepotFile: entry.DepotFile,
			Revision:  entry.Revision,
			Action:    entry.Action,
			Type:      entry.Type,
			ID:        entry.ID,
			Change:    c.Number,
			store:     c.store,
		})
	}

	span.SetAttributes(attribute.Int(attrFiles, len(files)))
	c.logger.InfoContext(ctx, "prepared download", "files", len(files))

	if len(files) == 0 {
		c.logger.WarnContext(ctx, "empty changelist")
	}
}

// BeginDownload schedules the filter job, which waits for discovery, then
// resolves excluded files and flushes included files in batches.
func (c *Changelist) BeginDownload(opts DownloadOptions) error {
	if opts.BatchSize <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidBatchSize, opts.BatchSize)
	}

	if c.State() == StateCreated {
		return ErrNotDiscovering
	}

	if !c.downloadStarted.CompareAndSwap(false, true) {
		return ErrAlreadyDownloading
	}

	return c.submit(func(session p4.Session) { c.download(session, opts) }, c.abandonDownload)
}

// abandonDownload stands in for a filter job that never ran: every file is
// resolved as failed once discovery has produced them.
func (c *Changelist) abandonDownload(err error) {
	c.fail(fmt.Errorf("%w: schedule download: %w", ErrPrint, err))

	// The describe job may still be running; wait for it off this goroutine.
	c.jobs.Add(1)

	go func() {
		defer c.jobs.Done()

		<-c.discovered.Done()
		c.transition(StateAwaitingFilter, StateFetching)
		c.recorder.FilesResolved(context.Background(), OutcomeFailed, len(c.files))
		c.resolve(len(c.files))
	}()
}

func (c *Changelist) download(session p4.Session, opts DownloadOptions) {
	// Blocks on this changelist's own latch, never on the pool.
	<-c.discovered.Done()

	c.resolved.Reset()

	files := c.files
	if len(files) == 0 {
		c.transition(StateAwaitingFilter, StateComplete)

		return
	}

	c.transition(StateAwaitingFilter, StateFetching)
	c.logger.Debug("start download", "files", len(files), "batch_size", opts.BatchSize)

	ctx := context.Background()
	current := newBatch(opts.BatchSize)
	handed := 0

	defer func() {
		r := recover()
		if r == nil {
			return
		}

		err := fmt.Errorf("%w: download: %v", ErrJobPanic, r)

		for _, f := range current.files {
			f.err = err
		}

		c.fail(err)
		c.recorder.FilesResolved(ctx, OutcomeFailed, len(files)-handed)
		c.resolve(len(files) - handed)
	}()

	for _, f := range files {
		if !c.accept(session, f, opts) {
			handed++

			c.recorder.FilesResolved(ctx, OutcomeExcluded, 1)
			c.resolve(1)

			continue
		}

		f.included = true
		current.add(f)

		if current.len() == opts.BatchSize {
			full := current
			current = newBatch(opts.BatchSize)
			handed += full.len()

			c.flush(full)
		}
	}

	if current.len() > 0 {
		rest := current
		current = newBatch(0)
		handed += rest.len()

		c.flush(rest)
	}
}

// accept applies every filter to f.
func (c *Changelist) accept(session p4.Session, f *File, opts DownloadOptions) bool {
	return session.IsFileUnderDepotPath(f.DepotFile, opts.DepotPath) &&
		session.IsFileUnderClientSpec(f.DepotFile) &&
		(opts.IncludeBinaries || !session.IsBinary(f.Type)) &&
		!IsGitMetadataPath(f.DepotFile)
}

// flush hands b to a print job. If the pool refuses or drops the job the
// files of b are failed and resolved by abandonBatch.
func (c *Changelist) flush(b *batch) {
	_ = c.submit(
		func(session p4.Session) { c.print(session, b) },
		func(err error) { c.abandonBatch(b, err) })
}

func (c *Changelist) abandonBatch(b *batch, err error) {
	wrapped := fmt.Errorf("%w: schedule: %w", ErrPrint, err)

	for _, f := range b.files {
		f.err = wrapped
	}

	c.fail(wrapped)
	c.recorder.FilesResolved(context.Background(), OutcomeFailed, b.len())
	c.resolve(b.len())
}

func (c *Changelist) print(session p4.Session, b *batch) {
	ctx, span := c.tracer.Start(context.Background(), "changelist.print",
		trace.WithAttributes(
			attribute.String(attrChangelist, c.Number),
			attribute.Int(attrFiles, b.len()),
		))
	defer span.End()

	sw := stopwatch.Start()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%w: print: %v", ErrJobPanic, r)

			for _, f := range b.files {
				if !f.stored && f.err == nil {
					f.err = err
				}
			}

			c.fail(err)
			span.SetStatus(codes.Error, "panic")
		}

		c.resolve(b.len())
	}()

	for _, spec := range b.specs {
		c.logger.DebugContext(ctx, "printing", "spec", spec)
	}

	contents, err := session.PrintFiles(ctx, b.specs)
	if err == nil && len(contents) != len(b.specs) {
		err = fmt.Errorf("got %d results for %d files", len(contents), len(b.specs))
	}

	if err != nil {
		wrapped := fmt.Errorf("%w: %w", ErrPrint, err)

		for _, f := range b.files {
			f.err = wrapped
		}

		c.fail(wrapped)
		c.recorder.FilesResolved(ctx, OutcomeFailed, b.len())
		span.RecordError(err)
		span.SetStatus(codes.Error, "print")

		return
	}

	var (
		written int64
		failed  int
	)

	for i, f := range b.files {
		if putErr := f.setContents(contents[i]); putErr != nil {
			f.err = fmt.Errorf("%w: %s: %w", ErrContent, f.Spec(), putErr)
			failed++

			c.fail(f.err)

			continue
		}

		written += int64(len(contents[i]))
	}

	c.recorder.FilesResolved(ctx, OutcomeFetched, b.len()-failed)
	c.recorder.FilesResolved(ctx, OutcomeFailed, failed)
	c.recorder.BatchPrinted(ctx, b.len(), written, sw.Elapsed())
}
