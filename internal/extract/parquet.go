package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
)

// ParquetExtractor reads Parquet files through Arrow record batches.
type ParquetExtractor struct {
	// Allocator defaults to memory.DefaultAllocator.
	Allocator memory.Allocator
}

func (ParquetExtractor) format() FileType { return FileTypeParquet }

// Open opens path and prepares a record reader over all row groups.
//
// Record batches are re-cut so every chunk but the last holds exactly
// chunkSize rows, whatever the row group layout of the file.
func (e ParquetExtractor) Open(path string, chunkSize int) (ChunkReader, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	mem := e.Allocator
	if mem == nil {
		mem = memory.DefaultAllocator
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	pf, err := file.NewParquetReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("parquet open: %w", err)
	}
	fr, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{BatchSize: int64(chunkSize)}, mem)
	if err != nil {
		pf.Close()
		return nil, fmt.Errorf("parquet arrow reader: %w", err)
	}
	sc, err := fr.Schema()
	if err != nil {
		pf.Close()
		return nil, fmt.Errorf("parquet schema: %w", err)
	}
	rr, err := fr.GetRecordReader(context.Background(), nil, nil)
	if err != nil {
		pf.Close()
		return nil, fmt.Errorf("parquet record reader: %w", err)
	}

	cols := make([]string, sc.NumFields())
	for i, fld := range sc.Fields() {
		cols[i] = fld.Name
	}
	return &parquetChunkReader{path: path, pf: pf, rr: rr, size: chunkSize, columns: cols}, nil
}

type parquetChunkReader struct {
	path string
	pf   *file.Reader
	rr   pqarrow.RecordReader
	size int

	columns []string
	buf     []Record
	rows    int
	chunks  int
	done    bool
}

func (r *parquetChunkReader) Columns() []string { return append([]string(nil), r.columns...) }

func (r *parquetChunkReader) Next(ctx context.Context) (Chunk, error) {
	if err := ctx.Err(); err != nil {
		return Chunk{}, err
	}
	for !r.done && len(r.buf) < r.size {
		if !r.rr.Next() {
			if err := r.rr.Err(); err != nil && !errors.Is(err, io.EOF) {
				return Chunk{}, fmt.Errorf("parquet read: %w", err)
			}
			r.done = true
			break
		}
		r.buf = appendRecords(r.buf, r.rr.Record(), r.columns)
	}
	if len(r.buf) == 0 {
		return Chunk{}, io.EOF
	}

	n := min(r.size, len(r.buf))
	ch := Chunk{
		File:    r.path,
		Index:   r.chunks,
		Offset:  r.rows,
		Columns: r.columns,
		Records: append([]Record(nil), r.buf[:n]...),
	}
	r.buf = append(r.buf[:0], r.buf[n:]...)
	r.rows += n
	r.chunks++
	return ch, nil
}

func (r *parquetChunkReader) Close() error {
	r.rr.Release()
	return r.pf.Close()
}

// appendRecords converts every row of rec. rec stays owned by the reader.
func appendRecords(dst []Record, rec arrow.Record, columns []string) []Record {
	nrows := int(rec.NumRows())
	for i := 0; i < nrows; i++ {
		row := make(Record, len(columns))
		for c, name := range columns {
			row[name] = arrowValue(rec.Column(c), i)
		}
		dst = append(dst, row)
	}
	return dst
}

// arrowValue maps an Arrow cell to a plain Go value. Integers widen to int64,
// floats to float64, temporal types to UTC time.Time; anything else falls
// back to its string form.
func arrowValue(col arrow.Array, i int) any {
	if col.IsNull(i) {
		return nil
	}
	switch a := col.(type) {
	case *array.String:
		return a.Value(i)
	case *array.LargeString:
		return a.Value(i)
	case *array.Binary:
		return string(a.Value(i))
	case *array.Boolean:
		return a.Value(i)
	case *array.Int8:
		return int64(a.Value(i))
	case *array.Int16:
		return int64(a.Value(i))
	case *array.Int32:
		return int64(a.Value(i))
	case *array.Int64:
		return a.Value(i)
	case *array.Uint8:
		return int64(a.Value(i))
	case *array.Uint16:
		return int64(a.Value(i))
	case *array.Uint32:
		return int64(a.Value(i))
	case *array.Float32:
		return float64(a.Value(i))
	case *array.Float64:
		return a.Value(i)
	case *array.Timestamp:
		unit := a.DataType().(*arrow.TimestampType).Unit
		return a.Value(i).ToTime(unit).UTC()
	case *array.Date32:
		return a.Value(i).ToTime().UTC()
	case *array.Date64:
		return a.Value(i).ToTime().UTC()
	default:
		return col.ValueStr(i)
	}
}
