// Package changelist materializes every file of one Perforce changelist.
//
// A Changelist moves through discovery (describe), filtering and batching,
// and content fetch (print). Each stage runs as a job on the worker pool and
// the stages of one changelist are ordered by two latches: a one-shot
// "discovered" signal and a counter of resolved files whose target is the
// number of discovered files. Stages of different changelists interleave
// freely.
package changelist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sumatoshi-tech/depotfetch/pkg/contentstore"
	"github.com/Sumatoshi-tech/depotfetch/pkg/latch"
	"github.com/Sumatoshi-tech/depotfetch/pkg/p4"
	"github.com/Sumatoshi-tech/depotfetch/pkg/workerpool"
)

// Sentinel errors.
var (
	ErrDescribe           = errors.New("describe failed")
	ErrPrint              = errors.New("print failed")
	ErrContent            = errors.New("content store failed")
	ErrJobPanic           = errors.New("job panicked")
	ErrNotIncluded        = errors.New("file was not included")
	ErrNotDiscovering     = errors.New("discovery has not been started")
	ErrAlreadyDiscovering = errors.New("discovery already started")
	ErrNotDownloading     = errors.New("download has not been started")
	ErrAlreadyDownloading = errors.New("download already started")
	ErrInvalidBatchSize   = errors.New("batch size must be positive")
	ErrCleared            = errors.New("changelist was cleared")
)

const tracerName = "depotfetch/changelist"

// State is a stage of the changelist lifecycle.
type State int32

// Lifecycle stages, in order.
const (
	StateCreated State = iota
	StateDiscovering
	StateAwaitingFilter
	StateFetching
	StateComplete
	StateCleared
)

var stateNames = [...]string{
	StateCreated:        "created",
	StateDiscovering:    "discovering",
	StateAwaitingFilter: "awaiting-filter",
	StateFetching:       "fetching",
	StateComplete:       "complete",
	StateCleared:        "cleared",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}

	return fmt.Sprintf("State(%d)", int32(s))
}

// Submitter schedules jobs on session-bound workers. A job the pool
// discards without running must be reported through onDrop.
// *workerpool.Pool[p4.Session] implements it.
type Submitter interface {
	SubmitWithDrop(job workerpool.Job[p4.Session], onDrop workerpool.DropFunc) error
}

// Header identifies a changelist.
type Header struct {
	Number      string
	User        string
	Description string
	Timestamp   int64
}

// DownloadOptions selects which files are fetched and how they are batched.
type DownloadOptions struct {
	// DepotPath limits fetched files to this depot scope, e.g. "//depot/main/...".
	DepotPath string
	// BatchSize is the maximum number of files per print call.
	BatchSize int
	// IncludeBinaries fetches files whose type is binary.
	IncludeBinaries bool
}

// Changelist is the retrieval state machine of one changelist.
//
// Every job holds a reference to its Changelist, and Clear waits for all of
// them to finish before releasing stored content.
type Changelist struct {
	Header

	pool     Submitter
	store    contentstore.Store
	logger   *slog.Logger
	tracer   trace.Tracer
	recorder Recorder

	state           atomic.Int32
	downloadStarted atomic.Bool

	// files is written once by the discovery job before discovered is
	// signalled and is read-only afterwards.
	files      []*File
	discovered latch.Once
	resolved   latch.Counter
	jobs       sync.WaitGroup

	errMu sync.Mutex
	errs  []error
}

// Option configures a Changelist.
type Option func(*Changelist)

// WithLogger sets the logger. A "changelist" attribute is added.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Changelist) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTracer sets the tracer used for describe and print spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Changelist) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(recorder Recorder) Option {
	return func(c *Changelist) {
		if recorder != nil {
			c.recorder = recorder
		}
	}
}

// New creates a changelist in the Created state. Jobs run on pool and
// fetched content is kept in store.
func New(header Header, pool Submitter, store contentstore.Store, opts ...Option) *Changelist {
	c := &Changelist{
		Header:   header,
		pool:     pool,
		store:    store,
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
		recorder: nopRecorder{},
	}

	for _, opt := range opts {
		opt(c)
	}

	c.logger = c.logger.With("changelist", header.Number)

	return c
}

// State returns the current lifecycle stage.
func (c *Changelist) State() State {
	return State(c.state.Load())
}

// Files returns the discovered files in discovery order, or nil before
// discovery has finished.
func (c *Changelist) Files() []*File {
	if !c.discovered.IsSet() {
		return nil
	}

	return c.files
}

// Resolved returns how many files have been resolved by exclusion, fetch,
// or failure.
func (c *Changelist) Resolved() int {
	return c.resolved.Value()
}

// Err returns every failure recorded so far, tagged with the changelist
// number, or nil.
func (c *Changelist) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()

	if len(c.errs) == 0 {
		return nil
	}

	return fmt.Errorf("changelist %s: %w", c.Number, errors.Join(c.errs...))
}

// WaitForDownload blocks until every discovered file has been resolved, then
// returns the changelist's failures, if any.
func (c *Changelist) WaitForDownload(ctx context.Context) error {
	switch {
	case c.State() == StateCreated:
		return ErrNotDiscovering
	case !c.downloadStarted.Load():
		return ErrNotDownloading
	case c.State() == StateCleared:
		return ErrCleared
	}

	if err := c.discovered.Wait(ctx); err != nil {
		return fmt.Errorf("changelist %s: wait for describe: %w", c.Number, err)
	}

	if err := c.resolved.Wait(ctx, len(c.files)); err != nil {
		return fmt.Errorf("changelist %s: wait for download: %w", c.Number, err)
	}

	return c.Err()
}

// Clear waits for every job of this changelist to finish, then deletes the
// stored content of every file and drops the file list. The changelist is
// unusable afterwards.
func (c *Changelist) Clear() error {
	c.jobs.Wait()

	if State(c.state.Swap(int32(StateCleared))) == StateCleared {
		return nil
	}

	var errs []error

	for _, f := range c.files {
		if err := f.clear(); err != nil {
			errs = append(errs, err)
		}
	}

	c.files = nil

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("changelist %s: clear: %w", c.Number, err)
	}

	return nil
}

func (c *Changelist) fail(err error) {
	c.errMu.Lock()
	c.errs = append(c.errs, err)
	c.errMu.Unlock()

	c.logger.Error("changelist failure", "error", err)
}

func (c *Changelist) transition(from, to State) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// resolve counts n files as resolved and marks the changelist complete once
// every file is accounted for.
func (c *Changelist) resolve(n int) {
	c.resolved.Add(n)

	if c.resolved.Value() >= len(c.files) {
		c.transition(StateFetching, StateComplete)
	}
}

// submit runs job on the pool and tracks it for Clear. Exactly one of job
// and abandon runs: abandon is called with the pool's error when the job is
// refused here or dropped later on shutdown.
func (c *Changelist) submit(job func(p4.Session), abandon func(error)) error {
	c.jobs.Add(1)

	err := c.pool.SubmitWithDrop(
		func(session p4.Session) {
			defer c.jobs.Done()

			job(session)
		},
		func(dropErr error) {
			defer c.jobs.Done()

			abandon(dropErr)
		})
	if err != nil {
		c.jobs.Done()
		abandon(err)

		return err
	}

	return nil
}
