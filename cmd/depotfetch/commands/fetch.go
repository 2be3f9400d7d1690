// Package commands implements CLI command handlers for depotfetch.
package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/depotfetch/pkg/changelist"
	"github.com/Sumatoshi-tech/depotfetch/pkg/checkpoint"
	"github.com/Sumatoshi-tech/depotfetch/pkg/config"
	"github.com/Sumatoshi-tech/depotfetch/pkg/contentstore"
	"github.com/Sumatoshi-tech/depotfetch/pkg/observability"
	"github.com/Sumatoshi-tech/depotfetch/pkg/p4/replay"
	"github.com/Sumatoshi-tech/depotfetch/pkg/pipeline"
	"github.com/Sumatoshi-tech/depotfetch/pkg/version"
	"github.com/Sumatoshi-tech/depotfetch/pkg/workerpool"
)

// ErrUnknownChange is returned when --changes names a change the depot does not have.
var ErrUnknownChange = errors.New("change not in depot")

const (
	metricsPath       = "/metrics"
	healthPath        = "/healthz"
	readyPath         = "/readyz"
	readHeaderTimeout = 5 * time.Second
	dirMode           = 0o755
	fileMode          = 0o644
)

// deleteActions remove the file from the output tree instead of writing it.
var deleteActions = []string{"delete", "move/delete", "purge", "archive"}

// FetchOptions holds the fetch command's flags.
type FetchOptions struct {
	ConfigPath string
	Fixture    string
	OutDir     string
	Changes    []string
	NoColor    bool

	Checkpoint    bool
	CheckpointDir string
	Resume        bool

	// Overrides, applied only when the flag was set.
	Workers         int
	BatchSize       int
	Lookahead       int
	DepotPath       string
	IncludeBinaries bool
	Compress        bool
	StorageDir      string
	MetricsAddr     string
	LogLevel        string
	LogFormat       string
}

// NewFetchCommand creates the fetch command.
func NewFetchCommand() *cobra.Command {
	opts := &FetchOptions{}

	cmd := &cobra.Command{
		Use:   "fetch --fixture <depot.yaml>",
		Short: "Fetch every file of a sequence of changelists",
		Long: `Fetch discovers the files of each changelist, filters them by depot path,
client view, and type, and prints their content in batches on a pool of
session-bound workers. Changelists are consumed in order while later ones
download ahead.

Examples:
  depotfetch fetch --fixture depot.yaml
  depotfetch fetch --fixture depot.yaml --out ./tree --changes 101,102
  depotfetch fetch --fixture depot.yaml --workers 8 --batch-size 500 --metrics-addr :9464
  depotfetch fetch --fixture depot.yaml --out ./tree --resume
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadFetchConfig(cmd, opts)
			if err != nil {
				return err
			}

			return runFetch(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), cfg, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.ConfigPath, "config", "c", "", "path to a configuration file")
	flags.StringVar(&opts.Fixture, "fixture", "", "recorded depot to fetch from (YAML)")
	flags.StringVarP(&opts.OutDir, "out", "o", "", "write the fetched tree to this directory")
	flags.StringSliceVar(&opts.Changes, "changes", nil, "changelists to fetch, in order (default: all)")
	flags.BoolVar(&opts.NoColor, "no-color", false, "disable colored output")
	flags.BoolVar(&opts.Checkpoint, "checkpoint", false, "record consumed changelists so the fetch can be resumed")
	flags.StringVar(&opts.CheckpointDir, "checkpoint-dir", checkpoint.DefaultDir(), "directory for fetch checkpoints")
	flags.BoolVar(&opts.Resume, "resume", false, "skip changelists consumed by an interrupted fetch (implies --checkpoint)")
	flags.IntVarP(&opts.Workers, "workers", "w", 0, "number of session-bound workers (0: one per CPU)")
	flags.IntVar(&opts.BatchSize, "batch-size", config.DefaultFetchBatchSize, "maximum files per print call")
	flags.IntVar(&opts.Lookahead, "lookahead", config.DefaultFetchLookahead, "changelists downloaded ahead of the one consumed")
	flags.StringVar(&opts.DepotPath, "depot-path", config.DefaultFetchDepotPath, "depot scope of fetched files")
	flags.BoolVar(&opts.IncludeBinaries, "include-binaries", config.DefaultFetchIncludeBinaries, "fetch binary files")
	flags.BoolVar(&opts.Compress, "compress", config.DefaultStorageCompress, "LZ4-compress staged content")
	flags.StringVar(&opts.StorageDir, "storage-dir", config.DefaultStorageDir, "staging directory for fetched content")
	flags.StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flags.StringVar(&opts.LogLevel, "log-level", config.DefaultLoggingLevel, "log level (debug, info, warn, error)")
	flags.StringVar(&opts.LogFormat, "log-format", config.DefaultLoggingFormat, "log format (text, json)")

	_ = cmd.MarkFlagRequired("fixture")

	return cmd
}

// loadFetchConfig loads the configuration and applies explicitly set flags.
func loadFetchConfig(cmd *cobra.Command, opts *FetchOptions) (*config.Config, error) {
	cfg, err := config.LoadConfig(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()

	if flags.Changed("workers") {
		cfg.Pool.Workers = opts.Workers
	}

	if flags.Changed("batch-size") {
		cfg.Fetch.BatchSize = opts.BatchSize
	}

	if flags.Changed("lookahead") {
		cfg.Fetch.Lookahead = opts.Lookahead
	}

	if flags.Changed("depot-path") {
		cfg.Fetch.DepotPath = opts.DepotPath
	}

	if flags.Changed("include-binaries") {
		cfg.Fetch.IncludeBinaries = opts.IncludeBinaries
	}

	if flags.Changed("compress") {
		cfg.Storage.Compress = opts.Compress
	}

	if flags.Changed("storage-dir") {
		cfg.Storage.Dir = opts.StorageDir
	}

	if flags.Changed("metrics-addr") {
		cfg.Observability.MetricsAddr = opts.MetricsAddr
	}

	if flags.Changed("log-level") {
		cfg.Logging.Level = opts.LogLevel
	}

	if flags.Changed("log-format") {
		cfg.Logging.Format = opts.LogFormat
	}

	if err = cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func runFetch(ctx context.Context, stdout, stderr io.Writer, cfg *config.Config, opts *FetchOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}

	providers, err := initObservability(cfg, stderr)
	if err != nil {
		return err
	}

	defer func() {
		if shutdownErr := providers.Shutdown(context.Background()); shutdownErr != nil {
			providers.Logger.Warn("observability shutdown", "error", shutdownErr)
		}
	}()

	logger := providers.Logger

	depot, err := replay.Load(opts.Fixture)
	if err != nil {
		return err
	}

	headers, err := selectHeaders(depot, opts.Changes)
	if err != nil {
		return err
	}

	progress, err := openCheckpoint(opts, cfg.Fetch.DepotPath)
	if err != nil {
		return err
	}

	if skipped := progress.resumeIndex(headers); skipped > 0 {
		logger.Info("resuming fetch", "skipped", skipped, "last_change", headers[skipped-1].Number)
		headers = headers[skipped:]
	}

	store, err := contentstore.NewFS(cfg.Storage.Dir, contentstore.WithCompression(cfg.Storage.Compress))
	if err != nil {
		return fmt.Errorf("open content store: %w", err)
	}

	defer store.Close()

	pool, err := workerpool.New(cfg.Pool.WorkerCount(), depot.NewSession,
		workerpool.WithLogger(logger),
		workerpool.WithMeter(providers.Meter),
		workerpool.WithShutdownPolicy(cfg.Pool.Policy()))
	if err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}

	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Pool.ShutdownTimeout)
		defer cancel()

		if closeErr := pool.Close(closeCtx); closeErr != nil {
			logger.Warn("worker pool close", "error", closeErr)
		}
	}()

	if cfg.Observability.MetricsAddr != "" {
		stop, serveErr := serveMetrics(cfg.Observability.MetricsAddr, providers.MetricsHandler, logger, pool.Ready)
		if serveErr != nil {
			return serveErr
		}

		defer stop()
	}

	fetchMetrics, err := observability.NewFetchMetrics(providers.Meter)
	if err != nil {
		return err
	}

	runner := &pipeline.Runner{
		Pool:  pool,
		Store: store,
		Options: pipeline.Options{
			Download: changelist.DownloadOptions{
				DepotPath:       cfg.Fetch.DepotPath,
				BatchSize:       cfg.Fetch.BatchSize,
				IncludeBinaries: cfg.Fetch.IncludeBinaries,
			},
			Lookahead: cfg.Fetch.Lookahead,
		},
		Logger:   logger,
		Tracer:   providers.Tracer,
		Recorder: fetchMetrics,
	}

	logger.Info("fetch started",
		"changelists", len(headers),
		"workers", pool.Size(),
		"batch_size", cfg.Fetch.BatchSize,
		"store", store.Dir())

	summary := newSummary()

	_, runErr := runner.Run(ctx, headers, func(_ context.Context, cl *changelist.Changelist) error {
		row, consumeErr := materialize(cl, opts.OutDir)
		summary.add(row)

		if consumeErr != nil {
			return consumeErr
		}

		return progress.record(cl.Number)
	})

	if runErr != nil {
		summary.markFailure(headers)
	} else if clearErr := progress.finish(); clearErr != nil {
		logger.Warn("clear checkpoint", "error", clearErr)
	}

	summary.render(stdout, !opts.NoColor, depot.Calls())

	return runErr
}

func initObservability(cfg *config.Config, stderr io.Writer) (observability.Providers, error) {
	level, err := observability.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return observability.Providers{}, err
	}

	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = version.Version
	obsCfg.OTLPEndpoint = cfg.Observability.OTLPEndpoint
	obsCfg.OTLPInsecure = cfg.Observability.OTLPInsecure
	obsCfg.SampleRatio = cfg.Observability.SampleRatio
	obsCfg.Prometheus = cfg.Observability.MetricsAddr != ""
	obsCfg.LogLevel = level
	obsCfg.LogJSON = strings.EqualFold(cfg.Logging.Format, "json")
	obsCfg.LogOutput = stderr

	providers, err := observability.Init(obsCfg)
	if err != nil {
		return observability.Providers{}, fmt.Errorf("init observability: %w", err)
	}

	return providers, nil
}

// serveMetrics serves the scrape endpoint and the health probes until the
// returned stop function is called.
func serveMetrics(addr string, handler http.Handler, logger *slog.Logger, checks ...observability.ReadyCheck) (func(), error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle(metricsPath, handler)
	mux.Handle(healthPath, observability.HealthHandler())
	mux.Handle(readyPath, observability.ReadyHandler(checks...))

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: readHeaderTimeout}

	go func() {
		if serveErr := srv.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			logger.Error("metrics server", "error", serveErr)
		}
	}()

	logger.Info("serving metrics", "addr", listener.Addr().String(), "path", metricsPath)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), readHeaderTimeout)
		defer cancel()

		_ = srv.Shutdown(ctx)
	}, nil
}

// selectHeaders returns the headers to fetch in the requested order, or
// every recorded change in fixture order.
func selectHeaders(depot *replay.Depot, numbers []string) ([]changelist.Header, error) {
	byNumber := make(map[string]changelist.Header)
	all := make([]changelist.Header, 0)

	for _, c := range depot.Changes() {
		h := changelist.Header{
			Number:      c.Number,
			User:        c.User,
			Description: c.Description,
			Timestamp:   c.Timestamp,
		}

		byNumber[c.Number] = h
		all = append(all, h)
	}

	if len(numbers) == 0 {
		return all, nil
	}

	out := make([]changelist.Header, 0, len(numbers))

	for _, n := range numbers {
		h, ok := byNumber[n]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownChange, n)
		}

		out = append(out, h)
	}

	return out, nil
}

// materialize applies a fetched changelist to outDir. With no outDir it
// only reads the content back.
func materialize(cl *changelist.Changelist, outDir string) (summaryRow, error) {
	row := summaryRow{change: cl.Number, user: cl.User, ok: true}

	for _, f := range cl.Files() {
		row.files++

		if !f.Included() {
			continue
		}

		row.included++

		if slices.Contains(deleteActions, f.Action) {
			if outDir != "" {
				if err := os.Remove(localPath(outDir, f.DepotFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
					row.ok = false

					return row, fmt.Errorf("remove %s: %w", f.DepotFile, err)
				}
			}

			continue
		}

		data, err := f.Contents()
		if err != nil {
			row.ok = false

			return row, err
		}

		row.bytes += uint64(len(data))

		if outDir == "" {
			continue
		}

		target := localPath(outDir, f.DepotFile)

		if err = os.MkdirAll(filepath.Dir(target), dirMode); err != nil {
			row.ok = false

			return row, fmt.Errorf("create directory for %s: %w", f.DepotFile, err)
		}

		if err = os.WriteFile(target, data, fileMode); err != nil {
			row.ok = false

			return row, fmt.Errorf("write %s: %w", f.DepotFile, err)
		}
	}

	return row, nil
}

// localPath maps a depot path under outDir. Cleaning against a rooted path
// keeps ".." segments from escaping outDir.
func localPath(outDir, depotFile string) string {
	rel := path.Clean("/" + strings.TrimPrefix(depotFile, "//"))

	return filepath.Join(outDir, filepath.FromSlash(rel))
}

// fetchCheckpoint tracks the consumed changelists of one fetch. A nil
// fetchCheckpoint records nothing.
type fetchCheckpoint struct {
	mgr  *checkpoint.Manager
	meta checkpoint.Metadata
}

func openCheckpoint(opts *FetchOptions, depotPath string) (*fetchCheckpoint, error) {
	if !opts.Checkpoint && !opts.Resume {
		return nil, nil //nolint:nilnil // checkpointing disabled.
	}

	source, err := filepath.Abs(opts.Fixture)
	if err != nil {
		return nil, fmt.Errorf("resolve fixture path: %w", err)
	}

	outDir := opts.OutDir
	if outDir != "" {
		if outDir, err = filepath.Abs(outDir); err != nil {
			return nil, fmt.Errorf("resolve output path: %w", err)
		}
	}

	cp := &fetchCheckpoint{
		mgr:  checkpoint.NewManager(opts.CheckpointDir, checkpoint.Key(source, depotPath, outDir)),
		meta: checkpoint.Metadata{Source: source, DepotPath: depotPath, OutDir: outDir},
	}

	if !opts.Resume || !cp.mgr.Exists() {
		return cp, nil
	}

	meta, err := cp.mgr.Load()
	if err != nil {
		return nil, err
	}

	if err = checkpoint.Validate(meta, source, depotPath); err != nil {
		return nil, err
	}

	cp.meta.Progress = meta.Progress

	return cp, nil
}

func (c *fetchCheckpoint) resumeIndex(headers []changelist.Header) int {
	if c == nil {
		return 0
	}

	numbers := make([]string, len(headers))
	for i, h := range headers {
		numbers[i] = h.Number
	}

	return c.meta.Progress.ResumeIndex(numbers)
}

func (c *fetchCheckpoint) record(change string) error {
	if c == nil {
		return nil
	}

	c.meta.Progress.Record(change)

	if err := c.mgr.Save(c.meta); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}

	return nil
}

func (c *fetchCheckpoint) finish() error {
	if c == nil {
		return nil
	}

	return c.mgr.Clear()
}
