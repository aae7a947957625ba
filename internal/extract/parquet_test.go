package extract

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/stretchr/testify/require"
)

// writeProductsParquet writes n product rows with row groups of groupLen rows.
func writeProductsParquet(t *testing.T, path string, n, groupLen int) {
	t.Helper()

	schema := arrow.NewSchema([]arrow.Field{
		{Name: "product_id", Type: arrow.BinaryTypes.String},
		{Name: "price", Type: arrow.PrimitiveTypes.Float64},
		{Name: "stock_quantity", Type: arrow.PrimitiveTypes.Int32},
		{Name: "active", Type: arrow.FixedWidthTypes.Boolean},
		{Name: "listed_at", Type: &arrow.TimestampType{Unit: arrow.Millisecond, TimeZone: "UTC"}},
		{Name: "category", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)

	b := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer b.Release()

	base := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	for i := 0; i < n; i++ {
		b.Field(0).(*array.StringBuilder).Append("P" + string(rune('A'+i)))
		b.Field(1).(*array.Float64Builder).Append(float64(i) + 0.5)
		b.Field(2).(*array.Int32Builder).Append(int32(i * 10))
		b.Field(3).(*array.BooleanBuilder).Append(i%2 == 0)
		b.Field(4).(*array.TimestampBuilder).Append(arrow.Timestamp(base.Add(time.Duration(i) * time.Hour).UnixMilli()))
		if i == 1 {
			b.Field(5).(*array.StringBuilder).AppendNull()
		} else {
			b.Field(5).(*array.StringBuilder).Append("tools")
		}
	}
	rec := b.NewRecord()
	defer rec.Release()

	var buf bytes.Buffer
	props := parquet.NewWriterProperties(parquet.WithMaxRowGroupLength(int64(groupLen)))
	w, err := pqarrow.NewFileWriter(schema, &buf, props, pqarrow.DefaultWriterProps())
	require.NoError(t, err)
	require.NoError(t, w.Write(rec))
	require.NoError(t, w.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

// TestParquet_RechunksAcrossRowGroups uses row groups of 3 and chunks of 2 so
// chunk boundaries never line up with row group boundaries.
func TestParquet_RechunksAcrossRowGroups(t *testing.T) {
	p := filepath.Join(t.TempDir(), "products.parquet")
	writeProductsParquet(t, p, 7, 3)

	r, err := ParquetExtractor{}.Open(p, 2)
	require.NoError(t, err)
	defer r.Close()

	require.Equal(t, []string{"product_id", "price", "stock_quantity", "active", "listed_at", "category"}, r.Columns())

	chunks := readAll(t, r)
	var sizes []int
	var ids []string
	for _, ch := range chunks {
		sizes = append(sizes, ch.Len())
		for _, rec := range ch.Records {
			ids = append(ids, rec["product_id"].(string))
		}
	}
	require.Equal(t, []int{2, 2, 2, 1}, sizes)
	require.Equal(t, []string{"PA", "PB", "PC", "PD", "PE", "PF", "PG"}, ids)
	require.Equal(t, 6, chunks[3].Offset)
}

func TestParquet_ValueTypes(t *testing.T) {
	p := filepath.Join(t.TempDir(), "products.parquet")
	writeProductsParquet(t, p, 2, 10)

	r, err := ParquetExtractor{}.Open(p, 10)
	require.NoError(t, err)
	defer r.Close()

	chunks := readAll(t, r)
	require.Len(t, chunks, 1)
	first, second := chunks[0].Records[0], chunks[0].Records[1]

	require.Equal(t, 0.5, first["price"])
	require.Equal(t, int64(10), second["stock_quantity"])
	require.Equal(t, true, first["active"])
	require.Equal(t, time.Date(2024, 1, 2, 4, 4, 5, 0, time.UTC), second["listed_at"])
	require.Equal(t, "tools", first["category"])
	require.Nil(t, second["category"])
}

func TestParquet_NotParquet(t *testing.T) {
	p := writeFile(t, t.TempDir(), "broken.parquet", "id,name\n")
	_, err := ParquetExtractor{}.Open(p, 10)
	require.Error(t, err)
}
