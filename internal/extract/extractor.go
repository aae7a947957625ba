package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"slices"
)

// Record is one source row keyed by column name. Missing or empty values are
// nil.
type Record map[string]any

// Chunk is a bounded, ordered slice of one file's records.
type Chunk struct {
	File    string
	Index   int // 0-based chunk number within File
	Offset  int // 0-based row offset of Records[0] within File
	Columns []string
	Records []Record
}

// Len returns the number of records in the chunk.
func (c Chunk) Len() int { return len(c.Records) }

// Line returns the 1-based data row number of Records[i] within the file,
// not counting a header row.
func (c Chunk) Line(i int) int { return c.Offset + i + 1 }

// ChunkReader reads one file chunk by chunk. Next returns io.EOF once the
// file is exhausted. A file is re-read by opening a new reader.
type ChunkReader interface {
	Columns() []string
	Next(ctx context.Context) (Chunk, error)
	Close() error
}

// Extractor opens files of a single format.
type Extractor interface {
	Open(path string, chunkSize int) (ChunkReader, error)
	format() FileType
}

// ForConfig returns the extractor matching cfg's format.
func ForConfig(cfg Config) Extractor {
	switch f := cfg.Format().(type) {
	case CSVFormat:
		return CSVExtractor{Format: f}
	default:
		return ParquetExtractor{}
	}
}

// Files lists the files cfg selects.
//
// Order is pattern order, then lexical within a pattern; a file matched by
// more than one pattern is listed once. When SourcePath is a regular file it
// is the only candidate.
func Files(cfg Config) ([]string, error) {
	src := cfg.SourcePath()
	st, err := os.Stat(src)
	if err != nil {
		return nil, fmt.Errorf("stat source: %w", err)
	}
	if !st.IsDir() {
		return []string{src}, nil
	}

	seen := make(map[string]struct{})
	var out []string
	for _, p := range cfg.FilePatterns() {
		matches, err := filepath.Glob(filepath.Join(src, p))
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", p, err)
		}
		slices.Sort(matches)
		for _, m := range matches {
			if _, dup := seen[m]; dup {
				continue
			}
			fi, err := os.Stat(m)
			if err != nil || !fi.Mode().IsRegular() {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	return out, nil
}

// Extract lazily yields every chunk of every file cfg selects.
//
// It is the entry point for library callers that only want the chunk stream.
// The pipeline orchestrator opens files through Extractor itself, because it
// moves each file through its states between chunks; both share Files,
// ForConfig and AsExtractionError so errors look the same either way.
//
// A file that cannot be opened or parsed yields one *ExtractionError and
// iteration continues with the next file. Cancellation of ctx yields
// ctx.Err() and ends the sequence.
func Extract(ctx context.Context, cfg Config) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		files, err := Files(cfg)
		if err != nil {
			yield(Chunk{}, &ExtractionError{Path: cfg.SourcePath(), Chunk: -1, Err: err})
			return
		}
		ex := ForConfig(cfg)
		for _, path := range files {
			if err := ctx.Err(); err != nil {
				yield(Chunk{}, err)
				return
			}
			if !extractFile(ctx, ex, path, cfg.ChunkSize(), yield) {
				return
			}
		}
	}
}

// extractFile yields path's chunks and reports whether the caller wants more.
func extractFile(ctx context.Context, ex Extractor, path string, size int, yield func(Chunk, error) bool) bool {
	r, err := ex.Open(path, size)
	if err != nil {
		return yield(Chunk{}, AsExtractionError(path, -1, err))
	}
	defer r.Close()

	for idx := 0; ; idx++ {
		ch, err := r.Next(ctx)
		if errors.Is(err, io.EOF) {
			return true
		}
		if err != nil {
			if ctx.Err() != nil {
				yield(Chunk{}, ctx.Err())
				return false
			}
			return yield(Chunk{}, AsExtractionError(path, idx, err))
		}
		if !yield(ch, nil) {
			return false
		}
	}
}

// AsExtractionError wraps err as an *ExtractionError for path and chunk
// (-1 before the first chunk). An err that already is one is returned as is.
func AsExtractionError(path string, chunk int, err error) error {
	var ee *ExtractionError
	if errors.As(err, &ee) {
		return err
	}
	return &ExtractionError{Path: path, Chunk: chunk, Err: err}
}
