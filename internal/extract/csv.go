package extract

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// CSVExtractor reads delimited text files.
type CSVExtractor struct {
	Format CSVFormat
}

func (CSVExtractor) format() FileType { return FileTypeCSV }

// Open opens path and reads its header, if the format has one.
//
// Edge cases:
//   - A leading BOM is dropped.
//   - Header names are trimmed; blank names become column_<n>.
//   - Headerless files get column_1..column_n from the first record.
//   - An empty file has no columns and yields no chunks.
//
// Errors:
//   - Unknown encoding, unreadable header or duplicate header names.
func (e CSVExtractor) Open(path string, chunkSize int) (ChunkReader, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	enc, err := lookupEncoding(e.Format.Encoding)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	cr := csv.NewReader(transform.NewReader(f, unicode.BOMOverride(enc.NewDecoder())))
	cr.Comma = e.Format.Delimiter
	if cr.Comma == 0 {
		cr.Comma = ','
	}
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	r := &csvChunkReader{path: path, f: f, cr: cr, size: chunkSize}
	if err := r.readHeader(e.Format.Header); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

type csvChunkReader struct {
	path string
	f    *os.File
	cr   *csv.Reader
	size int

	columns []string
	pending []string // first record of a headerless file
	rows    int
	chunks  int
	eof     bool
}

func (r *csvChunkReader) readHeader(hasHeader bool) error {
	rec, err := r.cr.Read()
	if errors.Is(err, io.EOF) {
		r.eof = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("read header: %w", err)
	}

	if !hasHeader {
		r.columns = make([]string, len(rec))
		for i := range rec {
			r.columns[i] = fmt.Sprintf("column_%d", i+1)
		}
		r.pending = append([]string(nil), rec...)
		return nil
	}

	seen := make(map[string]int, len(rec))
	r.columns = make([]string, len(rec))
	for i, h := range rec {
		h = strings.TrimSpace(h)
		if h == "" {
			h = fmt.Sprintf("column_%d", i+1)
		}
		if j, dup := seen[h]; dup {
			return fmt.Errorf("duplicate header %q in columns %d and %d", h, j+1, i+1)
		}
		seen[h] = i
		r.columns[i] = h
	}
	return nil
}

func (r *csvChunkReader) Columns() []string { return append([]string(nil), r.columns...) }

func (r *csvChunkReader) Next(ctx context.Context) (Chunk, error) {
	if err := ctx.Err(); err != nil {
		return Chunk{}, err
	}
	if r.eof && r.pending == nil {
		return Chunk{}, io.EOF
	}

	ch := Chunk{
		File:    r.path,
		Index:   r.chunks,
		Offset:  r.rows,
		Columns: r.columns,
		Records: make([]Record, 0, r.size),
	}
	if r.pending != nil {
		ch.Records = append(ch.Records, r.toRecord(r.pending))
		r.pending = nil
	}
	for !r.eof && len(ch.Records) < r.size {
		rec, err := r.cr.Read()
		if errors.Is(err, io.EOF) {
			r.eof = true
			break
		}
		if err != nil {
			return Chunk{}, fmt.Errorf("row %d: %w", r.rows+len(ch.Records)+1, err)
		}
		if len(rec) > len(r.columns) {
			return Chunk{}, fmt.Errorf("row %d: %d fields, header has %d", r.rows+len(ch.Records)+1, len(rec), len(r.columns))
		}
		ch.Records = append(ch.Records, r.toRecord(rec))
	}
	if len(ch.Records) == 0 {
		return Chunk{}, io.EOF
	}
	r.rows += len(ch.Records)
	r.chunks++
	return ch, nil
}

// toRecord copies rec; short rows leave trailing columns nil.
func (r *csvChunkReader) toRecord(rec []string) Record {
	out := make(Record, len(r.columns))
	for i, col := range r.columns {
		if i >= len(rec) || rec[i] == "" {
			out[col] = nil
			continue
		}
		out[col] = rec[i]
	}
	return out
}

func (r *csvChunkReader) Close() error { return r.f.Close() }

// lookupEncoding resolves a WHATWG label to a decoder source.
func lookupEncoding(label string) (encoding.Encoding, error) {
	name := strings.ToLower(strings.TrimSpace(label))
	switch name {
	case "", "utf-8", "utf8":
		return unicode.UTF8, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("unsupported encoding %q", label)
	}
	return enc, nil
}
