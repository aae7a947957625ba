// Command ingest loads CSV or Parquet files of customers, products and sales
// into the configured database.
//
// Database and application settings come from DB_* and APP_* environment
// variables; what to read comes from flags:
//
//	ingest -source ./data/in [-type csv|parquet] [-chunk N] [-entity sales]
//
// With -probe, ingest samples each selected file, prints the inferred column
// types and which built-in schema accepts it, and touches no database.
//
// Exit codes: 0 every file archived, 1 setup or run error, 2 usage error,
// 3 the run finished but some files failed.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"batchingest/internal/config"
	"batchingest/internal/database"
	_ "batchingest/internal/database/all"
	"batchingest/internal/extract"
	"batchingest/internal/metrics"
	"batchingest/internal/metrics/datadog"
	"batchingest/internal/metrics/prompush"
	"batchingest/internal/pipeline"
	"batchingest/internal/probe"
	"batchingest/internal/schema"
	"batchingest/internal/store"
)

const exitFilesFailed = 3

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}

// runner is the part of *pipeline.Orchestrator the CLI drives.
type runner interface {
	Run(ctx context.Context) (pipeline.Report, error)
}

// appDeps are the side-effecting seams of runMain.
type appDeps struct {
	lookupEnv   config.LookupFunc
	initMetrics func(ctx context.Context, jobName, backendName string) (func(), error)
	openStore   func(ctx context.Context, s config.Settings, reset bool, logger *log.Logger) (pipeline.ChunkLoader, func(), error)
	newRunner   func(cfg extract.Config, ld pipeline.ChunkLoader, opts pipeline.Options) (runner, error)
}

func defaultDeps() appDeps {
	return appDeps{
		lookupEnv:   os.LookupEnv,
		initMetrics: initMetrics,
		openStore:   openStore,
		newRunner: func(cfg extract.Config, ld pipeline.ChunkLoader, opts pipeline.Options) (runner, error) {
			return pipeline.New(cfg, ld, opts)
		},
	}
}

type runConfig struct {
	source     string
	fileType   string
	chunk      int
	entity     string
	patterns   string
	delimiter  string
	noHeader   bool
	encoding   string
	noValidate bool
	noArchive  bool
	reset      bool
	check      bool
	probe      bool
	sample     int
	retries    int
	retryBase  time.Duration
	backend    string
	verbose    bool
}

func parseFlags(args []string, stderr io.Writer) (runConfig, error) {
	var cfg runConfig
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.source, "source", "", "source file or directory (required)")
	fs.StringVar(&cfg.fileType, "type", "csv", "source file type: csv or parquet")
	fs.IntVar(&cfg.chunk, "chunk", 0, "rows per chunk (default APP_BATCH_SIZE)")
	fs.StringVar(&cfg.entity, "entity", "", "load every file as this entity (customers, products, sales); default routes by file name")
	fs.StringVar(&cfg.patterns, "patterns", "", "comma-separated glob patterns (default by type)")
	fs.StringVar(&cfg.delimiter, "delimiter", ",", "CSV field delimiter")
	fs.BoolVar(&cfg.noHeader, "no-header", false, "CSV files have no header row")
	fs.StringVar(&cfg.encoding, "encoding", "utf-8", "CSV text encoding")
	fs.BoolVar(&cfg.noValidate, "no-validate", false, "skip schema validation")
	fs.BoolVar(&cfg.noArchive, "no-archive", false, "leave processed files in place")
	fs.BoolVar(&cfg.reset, "reset", false, "drop and recreate the target tables first")
	fs.BoolVar(&cfg.check, "check", false, "validate settings and flags, then exit")
	fs.BoolVar(&cfg.probe, "probe", false, "sample the source files and report their shape, then exit")
	fs.IntVar(&cfg.sample, "sample", probe.DefaultSampleRows, "rows sampled per file by -probe")
	fs.IntVar(&cfg.retries, "retries", 3, "attempts per chunk on connection failures")
	fs.DurationVar(&cfg.retryBase, "retry-base", 500*time.Millisecond, "base backoff between attempts")
	fs.StringVar(&cfg.backend, "metrics-backend", "", "metrics backend: none, datadog or pushgateway (default env METRICS_BACKEND)")
	fs.BoolVar(&cfg.verbose, "v", false, "verbose logs")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	cfg.source = strings.TrimSpace(cfg.source)
	if cfg.source == "" {
		return cfg, errors.New("usage: ingest -source <path> [flags]")
	}
	if cfg.probe {
		cfg.noArchive = true
	}
	if fs.NArg() > 0 {
		return cfg, fmt.Errorf("usage: unexpected arguments %v", fs.Args())
	}
	if cfg.entity != "" {
		if _, ok := store.ParseKind(cfg.entity); !ok {
			return cfg, fmt.Errorf("usage: -entity must be customers, products or sales, got %q", cfg.entity)
		}
	}
	if len([]rune(cfg.delimiter)) != 1 {
		return cfg, fmt.Errorf("usage: -delimiter must be a single character, got %q", cfg.delimiter)
	}
	return cfg, nil
}

// runMain is main without process globals. It returns the exit code.
func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, d appDeps) int {
	rc, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(stderr, err)
		return 2
	}

	settings, issues := config.LoadSettings(d.lookupEnv)
	for _, iss := range issues {
		fmt.Fprintf(stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		fmt.Fprintln(stderr, "settings: invalid environment")
		return 1
	}

	xcfg, err := extractConfig(rc, settings)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	if rc.check {
		fmt.Fprintf(stdout, "ok db=%s source=%s\n", settings.DB.Redacted(), xcfg.SourcePath())
		return 0
	}
	if rc.probe {
		return runProbe(ctx, rc, xcfg, stdout, stderr)
	}

	logger := newLogger(stderr, settings.App, rc.verbose)
	backend := rc.backend
	if backend == "" {
		if v, ok := d.lookupEnv("METRICS_BACKEND"); ok {
			backend = strings.TrimSpace(v)
		}
	}
	cleanup, err := d.initMetrics(ctx, settings.App.Name, backend)
	if err != nil {
		fmt.Fprintf(stderr, "init metrics: %v\n", err)
		return 1
	}
	defer cleanup()

	ld, closeStore, err := d.openStore(ctx, settings, rc.reset, logger)
	if err != nil {
		fmt.Fprintf(stderr, "open store: %v\n", err)
		return 1
	}
	defer closeStore()

	opts := pipeline.Options{
		JobName: settings.App.Name,
		Retry:   pipeline.RetryPolicy{MaxAttempts: rc.retries, BaseDelay: rc.retryBase},
	}
	if logger != nil {
		opts.Logger = logger
	}
	if rc.entity != "" {
		kind, _ := store.ParseKind(rc.entity)
		opts.Router = pipeline.FixedRouter(kind)
	}
	r, err := d.newRunner(xcfg, ld, opts)
	if err != nil {
		fmt.Fprintf(stderr, "run: %v\n", err)
		return 1
	}

	rep, err := r.Run(ctx)
	printReport(stdout, rep)
	if err != nil {
		fmt.Fprintf(stderr, "run: %v\n", err)
		return 1
	}
	if rep.Failed() > 0 {
		return exitFilesFailed
	}
	return 0
}

// runProbe prints a probe report per selected file. With -entity only that
// schema is scored. It returns 1 if any file could not be read.
func runProbe(ctx context.Context, rc runConfig, cfg extract.Config, stdout, stderr io.Writer) int {
	schemas := []schema.Schema{schema.Customers, schema.Products, schema.Sales}
	if rc.entity != "" {
		kind, _ := store.ParseKind(rc.entity)
		s, _ := schema.ByName(string(kind))
		schemas = []schema.Schema{s}
	}
	files, err := extract.Files(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "probe: %v\n", err)
		return 1
	}
	code := 0
	for _, path := range files {
		res, err := probe.File(ctx, cfg, path, rc.sample, schemas...)
		if err != nil {
			fmt.Fprintf(stderr, "probe: %v\n", err)
			code = 1
			continue
		}
		if err := probe.Format(stdout, res); err != nil {
			fmt.Fprintf(stderr, "probe: %v\n", err)
			return 1
		}
	}
	return code
}

func extractConfig(rc runConfig, s config.Settings) (extract.Config, error) {
	o := extract.DefaultOptions(rc.source, extract.FileType(rc.fileType))
	o.ChunkSize = s.App.BatchSize
	if rc.chunk != 0 {
		o.ChunkSize = rc.chunk
	}
	o.ValidateSchema = !rc.noValidate
	o.ArchiveProcessed = !rc.noArchive
	if rc.patterns != "" {
		for _, p := range strings.Split(rc.patterns, ",") {
			if p = strings.TrimSpace(p); p != "" {
				o.FilePatterns = append(o.FilePatterns, p)
			}
		}
	}
	if strings.EqualFold(rc.fileType, string(extract.FileTypeCSV)) {
		o.Format = extract.CSVFormat{
			Delimiter: []rune(rc.delimiter)[0],
			Header:    !rc.noHeader,
			Encoding:  rc.encoding,
		}
	}
	return extract.NewConfig(o)
}

// newLogger returns nil, which silences stage logs, for levels above INFO.
func newLogger(w io.Writer, app config.App, verbose bool) *log.Logger {
	switch app.LogLevel {
	case "WARNING", "ERROR", "CRITICAL":
		if !verbose && !app.Debug {
			return nil
		}
	}
	flags := log.LstdFlags
	if verbose || app.Debug || app.LogLevel == "DEBUG" {
		flags |= log.Lmicroseconds
	}
	return log.New(w, app.Name+" ", flags)
}

// openStore builds the pool, makes sure the target tables exist and returns a
// loader plus the function that disposes the pool.
func openStore(ctx context.Context, s config.Settings, reset bool, logger *log.Logger) (pipeline.ChunkLoader, func(), error) {
	opts := database.OptionsFromSettings(s.DB)
	if logger != nil {
		opts.Logger = logger
	}
	pool, err := database.NewPool(opts)
	if err != nil {
		return nil, func() {}, err
	}
	dispose := func() {
		if err := pool.Dispose(); err != nil && logger != nil {
			logger.Printf("stage=dispose err=%v", err)
		}
	}
	if !pool.TestConnection(ctx) {
		dispose()
		return nil, func() {}, fmt.Errorf("cannot reach %s", s.DB.Redacted())
	}
	if reset {
		if err := store.DropTables(ctx, pool); err != nil {
			dispose()
			return nil, func() {}, fmt.Errorf("drop tables: %w", err)
		}
	}
	if err := store.CreateTables(ctx, pool); err != nil {
		dispose()
		return nil, func() {}, fmt.Errorf("create tables: %w", err)
	}

	var lopts []store.LoaderOption
	if logger != nil {
		lopts = append(lopts, store.WithLogger(logger))
	}
	return store.NewLoader(pool, lopts...), dispose, nil
}

func printReport(w io.Writer, rep pipeline.Report) {
	for _, f := range rep.Files {
		fmt.Fprintf(w, "file=%s entity=%s state=%s rows=%d loaded=%d rejected=%d invalid=%d checksum=%s",
			filepath.Base(f.Path), f.Kind, f.State, f.Metadata.RowCount, f.Loaded, f.Rejected, f.Invalid, f.Metadata.Checksum)
		if f.ArchivedTo != "" {
			fmt.Fprintf(w, " archived_to=%s", f.ArchivedTo)
		}
		fmt.Fprintln(w)
		for _, p := range f.Metadata.ValidationErrors {
			fmt.Fprintf(w, "  error: %s\n", p)
		}
	}
	fmt.Fprintf(w, "run_id=%s files=%d failed=%d loaded=%d duration=%s\n",
		rep.RunID, len(rep.Files), rep.Failed(), rep.Loaded(), rep.FinishedAt.Sub(rep.StartedAt).Truncate(time.Millisecond))
}

// metricsBackend is what initMetrics needs from a constructed backend.
type metricsBackend interface {
	Close() error
}

// Seams for initMetrics tests.
var (
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
		return datadog.NewBackend(ctx, opts)
	}
	newPushBackend = func(jobName, url string) (metrics.Backend, error) {
		return prompush.NewBackend(jobName, url)
	}
	setMetricsBackend = func(b any) {
		if mb, ok := b.(metrics.Backend); ok {
			metrics.SetBackend(mb)
		}
	}
	logPrintf = log.Printf
	getenv    = os.Getenv
)

// initMetrics installs the named backend and returns its cleanup, which is
// never nil. Backends: "" or "none", "datadog" (alias "dd") and
// "pushgateway" (alias "prometheus").
func initMetrics(ctx context.Context, jobName, backendName string) (func(), error) {
	noop := func() {}
	switch strings.ToLower(strings.TrimSpace(backendName)) {
	case "", "none", "noop":
		return noop, nil

	case "datadog", "dd":
		b, err := newDatadogBackend(ctx, datadog.Options{
			JobName: jobName,
			Tags:    datadog.ParseTagsCSV(getenv("METRICS_TAGS")),
		})
		if err != nil {
			return noop, fmt.Errorf("datadog: %w", err)
		}
		setMetricsBackend(b)
		return func() {
			if err := b.Close(); err != nil {
				logPrintf("metrics: datadog close error: %v", err)
			}
		}, nil

	case "pushgateway", "prometheus":
		url := getenv("PUSHGATEWAY_URL")
		if url == "" {
			url = "http://localhost:9091"
		}
		b, err := newPushBackend(jobName, url)
		if err != nil {
			return noop, err
		}
		setMetricsBackend(b)
		return func() {
			if err := b.Flush(); err != nil {
				logPrintf("metrics: pushgateway flush error: %v", err)
			}
		}, nil

	default:
		return noop, fmt.Errorf("unknown metrics backend %q (want none|datadog|pushgateway)", backendName)
	}
}
