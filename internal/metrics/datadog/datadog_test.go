package datadog

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"

	"batchingest/internal/metrics"
)

// fakeSubmitter captures payloads submitted by Backend.Flush().
type fakeSubmitter struct {
	mu       sync.Mutex
	payloads []datadogV2.MetricPayload
	err      error
}

func (f *fakeSubmitter) SubmitMetrics(_ context.Context, body datadogV2.MetricPayload, _ ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, body)
	return datadogV2.IntakePayloadAccepted{}, nil, f.err
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func (f *fakeSubmitter) last() (datadogV2.MetricPayload, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.payloads) == 0 {
		return datadogV2.MetricPayload{}, false
	}
	return f.payloads[len(f.payloads)-1], true
}

// quietOptions disables the periodic loop for deterministic tests.
func quietOptions(fs *fakeSubmitter) Options {
	return Options{
		JobName:   "job1",
		submitter: fs,
		now:       func() time.Time { return time.Unix(1000, 0) },
		newTicker: func(time.Duration) *time.Ticker { return time.NewTicker(24 * time.Hour) },
	}
}

// ENV wins over DD_ENV; whitespace-only values are ignored.
func TestResolveEnvTag(t *testing.T) {
	tests := []struct {
		env, ddEnv, want string
	}{
		{"prod", "staging", "env:prod"},
		{"  ", "staging", "env:staging"},
		{"", "", "env:unknown"},
	}
	for _, tt := range tests {
		t.Setenv("ENV", tt.env)
		t.Setenv("DD_ENV", tt.ddEnv)
		if got := resolveEnvTag(); got != tt.want {
			t.Fatalf("resolveEnvTag() ENV=%q DD_ENV=%q = %q, want %q", tt.env, tt.ddEnv, got, tt.want)
		}
	}
}

func TestWrapInitErr(t *testing.T) {
	if wrapInitErr(nil) != nil {
		t.Fatalf("wrapInitErr(nil) != nil")
	}
	base := errors.New("boom")
	if err := wrapInitErr(base); !errors.Is(err, base) {
		t.Fatalf("wrapInitErr() does not wrap base: %v", err)
	}
}

func TestStepStatusKeyRoundTrip(t *testing.T) {
	step, status := splitStepStatusKey(stepStatusKey("load", "failure"))
	if step != "load" || status != "failure" {
		t.Fatalf("round trip = %q/%q", step, status)
	}
	step, status = splitStepStatusKey("bare")
	if step != "bare" || status != "unknown" {
		t.Fatalf("splitStepStatusKey(bare) = %q/%q", step, status)
	}
}

func TestPercentileNearestRank(t *testing.T) {
	s := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	tests := []struct {
		p    float64
		want float64
	}{
		{0, 1}, {0.5, 6}, {0.9, 9}, {0.99, 10}, {1, 10},
	}
	for _, tt := range tests {
		if got := percentileNearestRank(s, tt.p); got != tt.want {
			t.Fatalf("percentileNearestRank(p=%v)=%v, want %v", tt.p, got, tt.want)
		}
	}
	if got := percentileNearestRank(nil, 0.5); got != 0 {
		t.Fatalf("percentileNearestRank(nil)=%v, want 0", got)
	}
}

// addPercentiles emits six gauges and leaves the input order alone.
func TestAddPercentiles(t *testing.T) {
	samples := []float64{3, 1, 2}
	var series []datadogV2.MetricSeries
	addPercentiles(&series, "ingest.step.duration_seconds", samples, []string{"step:load"}, 42)

	if len(series) != 6 {
		t.Fatalf("len(series)=%d, want 6", len(series))
	}
	if samples[0] != 3 {
		t.Fatalf("input mutated: %v", samples)
	}
	if series[4].Metric != "ingest.step.duration_seconds.max" || *series[4].Points[0].Value != 3 {
		t.Fatalf("max series = %+v", series[4])
	}
	if *series[5].Points[0].Value != 3 || *series[5].Points[0].Timestamp != 42 {
		t.Fatalf("samples series = %+v", series[5])
	}

	addPercentiles(&series, "x", nil, nil, 0)
	if len(series) != 6 {
		t.Fatalf("empty samples appended series")
	}
}

func TestNewBackend_Defaults(t *testing.T) {
	fs := &fakeSubmitter{}
	opts := quietOptions(fs)
	opts.JobName = ""
	opts.Tags = []string{"service:ingest"}

	b, err := NewBackend(context.Background(), opts)
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	if !slices.Contains(b.baseTags, "job:ingest") || !slices.Contains(b.baseTags, "service:ingest") {
		t.Fatalf("baseTags=%v", b.baseTags)
	}
	if b.flushEvery != 60*time.Second {
		t.Fatalf("flushEvery=%s, want 60s", b.flushEvery)
	}
}

func TestFlush_SubmitsAndResets(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), quietOptions(fs))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	b.IncCounter(metrics.StepTotal, 2, metrics.Labels{"step": "load", "status": "success"})
	b.IncCounter(metrics.RowsTotal, 3, metrics.Labels{"kind": "loaded"})
	b.IncCounter(metrics.ChunksTotal, 1, nil)
	b.ObserveHistogram(metrics.StepDurationSeconds, 0.5, metrics.Labels{"step": "load", "status": "success"})

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v", err)
	}
	if fs.count() != 1 {
		t.Fatalf("submit calls=%d, want 1", fs.count())
	}
	if len(b.stepCounts) != 0 || len(b.rowCounts) != 0 || b.chunkCount != 0 || len(b.durationSamples) != 0 {
		t.Fatalf("buffers not reset after Flush")
	}

	payload, _ := fs.last()
	var names []string
	for _, s := range payload.Series {
		names = append(names, s.Metric)
	}
	if !slices.IsSorted(names) {
		t.Fatalf("series not sorted: %v", names)
	}
	for _, w := range []string{
		"ingest.chunks.total",
		"ingest.rows.total",
		"ingest.step.total",
		"ingest.step.duration_seconds.p50",
		"ingest.step.duration_seconds.samples",
	} {
		if !slices.Contains(names, w) {
			t.Fatalf("payload missing %q; got=%v", w, names)
		}
	}
}

func TestFlush_NoDataDoesNotSubmit(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), quietOptions(fs))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v", err)
	}
	if fs.count() != 0 {
		t.Fatalf("submissions=%d, want 0", fs.count())
	}
}

// Buffers reset even when submission fails.
func TestFlush_ErrorStillResets(t *testing.T) {
	fs := &fakeSubmitter{err: errors.New("403")}
	b, err := NewBackend(context.Background(), quietOptions(fs))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	b.IncCounter(metrics.ChunksTotal, 1, nil)
	if err := b.Flush(); err == nil {
		t.Fatalf("Flush() err=nil, want submit error")
	}
	if b.chunkCount != 0 {
		t.Fatalf("chunkCount=%v after failed flush, want 0", b.chunkCount)
	}
}

// The loop flushes on its ticker, Close flushes once more, and a second Close
// is a no-op.
func TestLoopAndClose(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), Options{
		JobName:    "job1",
		FlushEvery: 5 * time.Millisecond,
		submitter:  fs,
		now:        func() time.Time { return time.Unix(2000, 0) },
	})
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}

	b.IncCounter(metrics.ChunksTotal, 1, nil)
	deadline := time.Now().Add(250 * time.Millisecond)
	for time.Now().Before(deadline) && fs.count() < 1 {
		time.Sleep(2 * time.Millisecond)
	}
	if fs.count() < 1 {
		_ = b.Close()
		t.Fatalf("no background flush; submissions=%d", fs.count())
	}

	b.IncCounter(metrics.ChunksTotal, 1, nil)
	if err := b.Close(); err != nil {
		t.Fatalf("Close() err=%v", err)
	}
	if fs.count() < 2 {
		t.Fatalf("submissions after Close=%d, want >= 2", fs.count())
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close() err=%v", err)
	}
}

func TestBackend_ConcurrentAccess(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), quietOptions(fs))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	workers := runtime.GOMAXPROCS(0) * 4
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				b.IncCounter(metrics.ChunksTotal, 1, nil)
				b.IncCounter(metrics.RowsTotal, 1, metrics.Labels{"kind": "loaded"})
				b.ObserveHistogram(metrics.StepDurationSeconds, 0.01, metrics.Labels{"step": "load", "status": "success"})
			}
		}()
	}
	wg.Wait()

	if got, want := b.chunkCount, float64(workers*1000); got != want {
		t.Fatalf("chunkCount=%v, want %v", got, want)
	}
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v", err)
	}
}

func TestIncCounterAndObserveHistogram_Ignored(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), quietOptions(fs))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	b.IncCounter(metrics.ChunksTotal, 0, nil)
	b.IncCounter(metrics.ChunksTotal, -1, nil)
	b.IncCounter(metrics.RowsTotal, 1, metrics.Labels{})
	b.IncCounter("unknown_total", 1, nil)
	b.ObserveHistogram(metrics.StepDurationSeconds, -1, nil)
	b.ObserveHistogram("unknown_seconds", 1, nil)

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v", err)
	}
	if fs.count() != 0 {
		t.Fatalf("submissions=%d, want 0", fs.count())
	}
}

func TestParseTagsCSV(t *testing.T) {
	got := ParseTagsCSV(" env:prod, ,team:data ")
	if !slices.Equal(got, []string{"env:prod", "team:data"}) {
		t.Fatalf("ParseTagsCSV()=%v", got)
	}
	if ParseTagsCSV("") != nil {
		t.Fatalf("ParseTagsCSV(\"\") != nil")
	}
}
