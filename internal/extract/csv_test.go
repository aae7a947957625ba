package extract

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func readAll(t *testing.T, r ChunkReader) []Chunk {
	t.Helper()
	var out []Chunk
	for {
		ch, err := r.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Next() err=%v", err)
		}
		out = append(out, ch)
	}
}

const customersCSV = `customer_id,first_name,email
C1,Ann,ann@example.com
C2,Bob,bob@example.com
C3,Cy,cy@example.com
C4,Di,di@example.com
C5,Ed,ann@example.com
`

// TestCSV_ChunkBoundaries verifies chunk sizes, offsets and that the chunks
// concatenate back to the file in order.
func TestCSV_ChunkBoundaries(t *testing.T) {
	p := writeFile(t, t.TempDir(), "customers.csv", customersCSV)

	r, err := CSVExtractor{Format: DefaultCSVFormat()}.Open(p, 2)
	if err != nil {
		t.Fatalf("Open() err=%v", err)
	}
	defer r.Close()

	if got := r.Columns(); !reflect.DeepEqual(got, []string{"customer_id", "first_name", "email"}) {
		t.Fatalf("Columns()=%v", got)
	}

	chunks := readAll(t, r)
	var sizes []int
	var ids []string
	for i, ch := range chunks {
		sizes = append(sizes, ch.Len())
		if ch.Index != i {
			t.Fatalf("chunk %d Index=%d", i, ch.Index)
		}
		for j, rec := range ch.Records {
			ids = append(ids, rec["customer_id"].(string))
			if ch.Line(j) != len(ids) {
				t.Fatalf("Line(%d)=%d, want %d", j, ch.Line(j), len(ids))
			}
		}
	}
	if !reflect.DeepEqual(sizes, []int{2, 2, 1}) {
		t.Fatalf("chunk sizes=%v, want [2 2 1]", sizes)
	}
	if !reflect.DeepEqual(ids, []string{"C1", "C2", "C3", "C4", "C5"}) {
		t.Fatalf("ids=%v", ids)
	}
}

func TestCSV_EmptyAndHeaderOnly(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		body string
		cols int
	}{
		{"empty", "", 0},
		{"header_only", "a,b,c\n", 3},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := writeFile(t, dir, tc.name+".csv", tc.body)
			r, err := CSVExtractor{Format: DefaultCSVFormat()}.Open(p, 10)
			if err != nil {
				t.Fatalf("Open() err=%v", err)
			}
			defer r.Close()
			if len(r.Columns()) != tc.cols {
				t.Fatalf("Columns()=%v", r.Columns())
			}
			if chunks := readAll(t, r); len(chunks) != 0 {
				t.Fatalf("got %d chunks, want 0", len(chunks))
			}
		})
	}
}

func TestCSV_FormatOptions(t *testing.T) {
	dir := t.TempDir()

	t.Run("headerless_semicolon", func(t *testing.T) {
		p := writeFile(t, dir, "h.csv", "1;x\n2;\n")
		r, err := CSVExtractor{Format: CSVFormat{Delimiter: ';'}}.Open(p, 10)
		if err != nil {
			t.Fatal(err)
		}
		defer r.Close()
		chunks := readAll(t, r)
		if len(chunks) != 1 || chunks[0].Len() != 2 {
			t.Fatalf("chunks=%v", chunks)
		}
		want := []Record{
			{"column_1": "1", "column_2": "x"},
			{"column_1": "2", "column_2": nil},
		}
		if !reflect.DeepEqual(chunks[0].Records, want) {
			t.Fatalf("records=%v, want %v", chunks[0].Records, want)
		}
	})

	t.Run("bom_and_trimmed_header", func(t *testing.T) {
		p := writeFile(t, dir, "bom.csv", "\ufeff id , name\n7,Zoe\n")
		r, err := CSVExtractor{Format: DefaultCSVFormat()}.Open(p, 10)
		if err != nil {
			t.Fatal(err)
		}
		defer r.Close()
		if got := r.Columns(); !reflect.DeepEqual(got, []string{"id", "name"}) {
			t.Fatalf("Columns()=%q", got)
		}
	})

	t.Run("latin1", func(t *testing.T) {
		p := writeFile(t, dir, "l1.csv", "name\nJos\xe9\n")
		r, err := CSVExtractor{Format: CSVFormat{Delimiter: ',', Header: true, Encoding: "latin1"}}.Open(p, 10)
		if err != nil {
			t.Fatal(err)
		}
		defer r.Close()
		chunks := readAll(t, r)
		if got := chunks[0].Records[0]["name"]; got != "José" {
			t.Fatalf("name=%q, want José", got)
		}
	})

	t.Run("duplicate_header", func(t *testing.T) {
		p := writeFile(t, dir, "dup.csv", "a,a\n1,2\n")
		if _, err := (CSVExtractor{Format: DefaultCSVFormat()}).Open(p, 10); err == nil || !strings.Contains(err.Error(), "duplicate") {
			t.Fatalf("Open() err=%v, want duplicate header", err)
		}
	})
}

// TestExtract_ContinuesAfterBadFile checks that a malformed file yields one
// ExtractionError and the next file is still extracted.
func TestExtract_ContinuesAfterBadFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a_bad.csv", "id,name\n1,\"unterminated\n")
	writeFile(t, dir, "b_good.csv", "id,name\n1,x\n2,y\n3,z\n")

	o := DefaultOptions(dir, FileTypeCSV)
	o.ArchiveProcessed = false
	o.ChunkSize = 2
	cfg, err := NewConfig(o)
	if err != nil {
		t.Fatal(err)
	}

	var errs []error
	var good []Chunk
	for ch, err := range Extract(context.Background(), cfg) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		good = append(good, ch)
	}
	if len(errs) != 1 {
		t.Fatalf("errors=%v, want exactly one", errs)
	}
	var ee *ExtractionError
	if !errors.As(errs[0], &ee) || filepath.Base(ee.Path) != "a_bad.csv" {
		t.Fatalf("err=%v, want ExtractionError for a_bad.csv", errs[0])
	}
	if len(good) != 2 || good[0].Len() != 2 || good[1].Len() != 1 {
		t.Fatalf("good chunks=%d", len(good))
	}
}

func TestExtract_StopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.csv", "id\n1\n2\n3\n")
	o := DefaultOptions(dir, FileTypeCSV)
	o.ArchiveProcessed = false
	o.ChunkSize = 1
	cfg, err := NewConfig(o)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n := 0
	var last error
	for _, err := range Extract(ctx, cfg) {
		if err != nil {
			last = err
			break
		}
		n++
		cancel()
	}
	if n != 1 || !errors.Is(last, context.Canceled) {
		t.Fatalf("chunks=%d err=%v, want 1 chunk then context.Canceled", n, last)
	}
}

func TestFiles_OrderAndDedupe(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"sales_1.csv", "customers_2.csv", "customers_1.csv", "products.csv", "notes.txt"} {
		writeFile(t, dir, n, "id\n")
	}
	if err := os.Mkdir(filepath.Join(dir, "dir.csv"), 0o755); err != nil {
		t.Fatal(err)
	}

	o := DefaultOptions(dir, FileTypeCSV)
	o.ArchiveProcessed = false
	o.FilePatterns = []string{"customers_*.csv", "*.csv"}
	cfg, err := NewConfig(o)
	if err != nil {
		t.Fatal(err)
	}
	files, err := Files(cfg)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, f := range files {
		names = append(names, filepath.Base(f))
	}
	want := []string{"customers_1.csv", "customers_2.csv", "products.csv", "sales_1.csv"}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("Files()=%v, want %v", names, want)
	}

	single, err := NewConfig(Options{SourcePath: files[0], FileType: FileTypeCSV, ChunkSize: 1})
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := Files(single); len(got) != 1 || got[0] != files[0] {
		t.Fatalf("Files(single)=%v", got)
	}
}

func TestAsExtractionError(t *testing.T) {
	base := errors.New("short read")
	err := AsExtractionError("/in/sales.csv", 2, base)
	var xe *ExtractionError
	if !errors.As(err, &xe) || xe.Chunk != 2 || !errors.Is(err, base) {
		t.Fatalf("AsExtractionError()=%#v", err)
	}
	if got := AsExtractionError("/other.csv", 5, err); got != err {
		t.Fatalf("AsExtractionError() rewrapped an ExtractionError: %v", got)
	}
	if msg := AsExtractionError("/in/sales.csv", -1, base).Error(); msg != "extract sales.csv: short read" {
		t.Fatalf("Error()=%q", msg)
	}
}
