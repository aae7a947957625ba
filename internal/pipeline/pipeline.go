// Package pipeline drives source files through extraction, validation and
// loading, one chunk at a time, and decides what becomes of each file.
//
// Files are processed sequentially by a single worker. Each file walks the
// state machine
//
//	pending -> extracting -> validating -> loading -> ... -> archived | failed
//
// cycling through extracting/validating/loading once per chunk. Each chunk is
// loaded in its own transaction; a chunk rejected for constraint violations
// is rolled back and reported, and the rest of the file still loads, but the
// file ends failed and is not archived.
//
// Error scope:
//   - a malformed chunk (*schema.SchemaError) is skipped;
//   - a rejected chunk (*store.LoadError) is never retried;
//   - an unreadable file (*extract.ExtractionError) fails that file only;
//   - connection failures are retried with backoff, and once the attempts are
//     spent the run stops and returns the error with the results so far.
//
// Cancellation is honored between chunks. A chunk whose transaction has begun
// always commits or rolls back before Run returns.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"batchingest/internal/database"
	"batchingest/internal/extract"
	"batchingest/internal/metrics"
	"batchingest/internal/schema"
	"batchingest/internal/store"
)

var tracer = otel.Tracer("batchingest/pipeline")

// Logger is the minimal logging interface used by the orchestrator.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// ChunkLoader stores the valid rows of one chunk atomically. *store.Loader
// implements it.
type ChunkLoader interface {
	Load(ctx context.Context, rows []schema.Row, kind store.EntityKind) (int, error)
}

// Options tunes an Orchestrator. The zero value is usable.
type Options struct {
	// JobName labels metrics. Defaults to "ingest".
	JobName string
	// Router picks the entity of each file. Defaults to PrefixRouter.
	Router Router
	Retry  RetryPolicy
	Logger Logger
	// OnTransition, when set, is called on every state change.
	OnTransition TransitionFunc
	// Now is the clock for metadata timestamps and archive suffixes.
	Now func() time.Time

	sleep func(ctx context.Context, d time.Duration) bool
}

// Orchestrator runs one extraction config against a loader.
type Orchestrator struct {
	cfg    extract.Config
	loader ChunkLoader
	opts   Options
}

// New returns an Orchestrator for cfg.
func New(cfg extract.Config, loader ChunkLoader, opts Options) (*Orchestrator, error) {
	if loader == nil {
		return nil, errors.New("pipeline: loader is required")
	}
	if opts.JobName == "" {
		opts.JobName = "ingest"
	}
	if opts.Router == nil {
		opts.Router = PrefixRouter
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.sleep == nil {
		opts.sleep = sleepContext
	}
	opts.Retry = opts.Retry.withDefaults()
	return &Orchestrator{cfg: cfg, loader: loader, opts: opts}, nil
}

func (o *Orchestrator) logf(format string, v ...any) {
	if o.opts.Logger != nil {
		o.opts.Logger.Printf(format, v...)
	}
}

// Run processes every file the config selects, in discovery order, and
// returns one FileResult per file it started.
//
// Errors:
//   - the source cannot be listed;
//   - ctx is done between chunks or files (the interrupted file is failed);
//   - a chunk could not reach the store within the retry policy.
//
// The Report is valid in every case.
func (o *Orchestrator) Run(ctx context.Context) (Report, error) {
	rep := Report{RunID: uuid.New(), StartedAt: o.opts.Now()}
	ctx, span := tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("run.id", rep.RunID.String()),
		attribute.String("source", o.cfg.SourcePath()),
	))
	defer span.End()

	finish := func(err error) (Report, error) {
		rep.FinishedAt = o.opts.Now()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		o.logf("stage=run run_id=%s files=%d failed=%d loaded=%d duration=%s",
			rep.RunID, len(rep.Files), rep.Failed(), rep.Loaded(), rep.FinishedAt.Sub(rep.StartedAt).Truncate(time.Millisecond))
		return rep, err
	}

	files, err := extract.Files(o.cfg)
	if err != nil {
		return finish(&extract.ExtractionError{Path: o.cfg.SourcePath(), Chunk: -1, Err: err})
	}
	o.logf("stage=discover run_id=%s source=%s files=%d", rep.RunID, o.cfg.SourcePath(), len(files))

	ex := extract.ForConfig(o.cfg)
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return finish(err)
		}
		res, err := o.processFile(ctx, ex, path)
		rep.Files = append(rep.Files, res)
		if err != nil {
			return finish(err)
		}
	}
	return finish(nil)
}

// fileRun is the mutable state of one file while it is processed.
type fileRun struct {
	res         FileResult
	tr          *tracker
	columns     []string
	problems    []string
	failed      bool
	extractedAt time.Time
}

func (f *fileRun) record(err error) {
	f.problems = append(f.problems, err.Error())
}

// fail records err and marks the file failed. The first failure becomes
// FileResult.Err.
func (f *fileRun) fail(err error) {
	f.record(err)
	f.failed = true
	if f.res.Err == nil {
		f.res.Err = err
	}
}

// processFile runs one file to a terminal state. The returned error is
// non-nil only when the whole run must stop.
func (o *Orchestrator) processFile(ctx context.Context, ex extract.Extractor, path string) (FileResult, error) {
	start := o.opts.Now()
	ctx, span := tracer.Start(ctx, "pipeline.file", trace.WithAttributes(attribute.String("file", filepath.Base(path))))
	defer span.End()

	fr := &fileRun{
		res: FileResult{Path: path, State: StatePending},
		tr:  newTracker(path, o.opts.OnTransition),
	}

	var runErr error
	route, err := o.opts.Router(path)
	if err != nil {
		fr.fail(err)
	} else {
		fr.res.Kind = route.Kind
		span.SetAttributes(attribute.String("entity", string(route.Kind)))
		runErr = o.readChunks(ctx, ex, path, route, fr)
	}
	if fr.extractedAt.IsZero() {
		fr.extractedAt = o.opts.Now()
	}

	o.finalize(fr)
	if fr.res.Err != nil {
		span.RecordError(fr.res.Err)
		span.SetStatus(codes.Error, fr.res.Err.Error())
	}
	metrics.RecordStep(o.opts.JobName, "file", fr.res.Err, o.opts.Now().Sub(start))
	o.logf("stage=file file=%s kind=%s state=%s rows=%d chunks=%d loaded=%d rejected=%d invalid=%d duration=%s",
		filepath.Base(path), fr.res.Kind, fr.res.State, fr.res.Metadata.RowCount, fr.res.Chunks,
		fr.res.Loaded, fr.res.Rejected, fr.res.Invalid, o.opts.Now().Sub(start).Truncate(time.Millisecond))
	return fr.res, runErr
}

// readChunks streams path chunk by chunk. It returns a non-nil error only
// when the run must stop; file level failures are recorded on fr.
func (o *Orchestrator) readChunks(ctx context.Context, ex extract.Extractor, path string, route Route, fr *fileRun) error {
	fr.tr.move(StateExtracting)
	r, err := ex.Open(path, o.cfg.ChunkSize())
	if err != nil {
		fr.fail(extract.AsExtractionError(path, -1, err))
		return nil
	}
	defer r.Close()
	fr.columns = r.Columns()
	defer func() { fr.extractedAt = o.opts.Now() }()

	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			fr.fail(err)
			return err
		}
		fr.tr.move(StateExtracting)

		t0 := o.opts.Now()
		ch, err := r.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		metrics.RecordStep(o.opts.JobName, "extract", err, o.opts.Now().Sub(t0))
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				fr.fail(cerr)
				return cerr
			}
			fr.fail(extract.AsExtractionError(path, idx, err))
			return nil
		}
		if len(ch.Columns) > 0 {
			fr.columns = ch.Columns
		}

		if err := o.processChunk(ctx, fr, ch, route); err != nil {
			fr.fail(err)
			if stopsRun(err) {
				return err
			}
			return nil
		}
	}
}

// stopsRun reports whether err ends the run rather than just the file.
func stopsRun(err error) bool {
	return database.IsTransient(err) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// processChunk validates and loads one chunk. Rejected and malformed chunks
// are recorded on fr and yield nil; a returned error stops the file.
func (o *Orchestrator) processChunk(ctx context.Context, fr *fileRun, ch extract.Chunk, route Route) error {
	ctx, span := tracer.Start(ctx, "pipeline.chunk", trace.WithAttributes(
		attribute.Int("chunk.index", ch.Index),
		attribute.Int("chunk.rows", ch.Len()),
	))
	defer span.End()

	fr.res.Chunks++
	fr.res.Metadata.RowCount += ch.Len()
	metrics.RecordRow(o.opts.JobName, "extracted", int64(ch.Len()))

	fr.tr.move(StateValidating)
	rows, ok := o.validate(fr, ch, route.Schema)
	if !ok {
		return nil
	}

	fr.tr.move(StateLoading)
	if len(rows) == 0 {
		return nil
	}
	n, err := o.loadWithRetry(ctx, fr, ch, rows, route.Kind)
	var le *store.LoadError
	switch {
	case err == nil:
		fr.res.Loaded += n
		metrics.RecordBatches(o.opts.JobName, 1)
		metrics.RecordRow(o.opts.JobName, "loaded", int64(n))
		return nil
	case errors.As(err, &le):
		fr.res.Rejected += len(rows)
		fr.fail(fmt.Errorf("%s chunk %d: %w", filepath.Base(ch.File), ch.Index, err))
		metrics.RecordRow(o.opts.JobName, "rejected", int64(len(rows)))
		span.RecordError(err)
		o.logf("stage=chunk file=%s chunk=%d status=rejected lines=%v", filepath.Base(ch.File), ch.Index, le.Lines())
		return nil
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logf("stage=chunk file=%s chunk=%d status=error err=%v", filepath.Base(ch.File), ch.Index, err)
		return err
	}
}

// validate returns the rows to load and false when the chunk is skipped.
// With validation disabled, records pass through untyped and the loader
// coerces them.
func (o *Orchestrator) validate(fr *fileRun, ch extract.Chunk, s schema.Schema) ([]schema.Row, bool) {
	if !o.cfg.ValidateSchema() {
		rows := make([]schema.Row, len(ch.Records))
		for i, rec := range ch.Records {
			rows[i] = schema.Row{Line: ch.Line(i), Values: map[string]any(rec)}
		}
		return rows, true
	}

	t0 := o.opts.Now()
	rows, rejects, err := schema.Validate(ch, s)
	metrics.RecordStep(o.opts.JobName, "validate", err, o.opts.Now().Sub(t0))
	if err != nil {
		fr.record(err)
		fr.res.Invalid += ch.Len()
		metrics.RecordRow(o.opts.JobName, "invalid", int64(ch.Len()))
		o.logf("stage=validate file=%s chunk=%d status=skipped err=%v", filepath.Base(ch.File), ch.Index, err)
		return nil, false
	}
	for _, re := range rejects {
		fr.record(re)
	}
	fr.res.Invalid += len(rejects)
	metrics.RecordRow(o.opts.JobName, "valid", int64(len(rows)))
	metrics.RecordRow(o.opts.JobName, "invalid", int64(len(rejects)))
	return rows, true
}

// loadWithRetry loads rows, retrying connection failures per the retry
// policy. Each attempt runs detached from ctx cancellation so its transaction
// always finishes; ctx only interrupts the waits between attempts.
func (o *Orchestrator) loadWithRetry(ctx context.Context, fr *fileRun, ch extract.Chunk, rows []schema.Row, kind store.EntityKind) (int, error) {
	p := o.opts.Retry
	loadCtx := context.WithoutCancel(ctx)
	for attempt := 1; ; attempt++ {
		t0 := o.opts.Now()
		n, err := o.loader.Load(loadCtx, rows, kind)
		metrics.RecordStep(o.opts.JobName, "load", err, o.opts.Now().Sub(t0))
		if err == nil || !database.IsTransient(err) {
			return n, err
		}
		if attempt >= p.MaxAttempts {
			return 0, fmt.Errorf("%s chunk %d: giving up after %d attempts: %w", filepath.Base(ch.File), ch.Index, attempt, err)
		}
		wait := nextRetryDelay(attempt, p.BaseDelay, p.MaxDelay)
		o.logf("stage=retry file=%s chunk=%d attempt=%d wait=%s err=%v", filepath.Base(ch.File), ch.Index, attempt, wait, err)
		if !o.opts.sleep(ctx, wait) {
			return 0, ctx.Err()
		}
	}
}

// finalize builds the file's metadata and moves it to its terminal state,
// archiving it when it succeeded and archival is configured.
func (o *Orchestrator) finalize(fr *fileRun) {
	path := fr.res.Path
	md := fr.res.Metadata
	md.FileName = filepath.Base(path)
	md.ExtractedAt = fr.extractedAt
	md.Columns = append([]string(nil), fr.columns...)
	if st, err := os.Stat(path); err == nil {
		md.FileSize = st.Size()
	}
	if sum, err := fileChecksum(path); err == nil {
		md.Checksum = sum
	}

	if !fr.failed && o.cfg.ArchiveProcessed() {
		t0 := o.opts.Now()
		dest, err := archiveFile(path, o.cfg.ArchiveDir(), t0)
		metrics.RecordStep(o.opts.JobName, "archive", err, o.opts.Now().Sub(t0))
		if err != nil {
			fr.fail(err)
		} else {
			fr.res.ArchivedTo = dest
			o.logf("stage=archive file=%s dest=%s", md.FileName, dest)
		}
	}

	md.ValidationErrors = append([]string{}, fr.problems...)
	fr.res.Metadata = md
	if fr.failed {
		fr.tr.move(StateFailed)
	} else {
		fr.tr.move(StateArchived)
	}
	fr.res.State = fr.tr.state
}
