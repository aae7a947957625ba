package probe

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"batchingest/internal/extract"
	"batchingest/internal/schema"
)

const customersCSV = `customer_id,first_name,last_name,email,is_active
C1,Ann,Lee,ann@example.com,yes
C2,Bob,Ray,bob@example.com,
C3,Cy,Wu,cy@example.com,no
C4,Di,Ng,not-an-email,yes
`

func csvConfig(t *testing.T, path string) extract.Config {
	t.Helper()
	cfg, err := extract.NewConfig(extract.DefaultOptions(path, extract.FileTypeCSV))
	if err != nil {
		t.Fatalf("NewConfig() err=%v", err)
	}
	return cfg
}

func writeCSV(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestInferType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   []any
		want schema.Type
	}{
		{"empty", nil, ""},
		{"integers", []any{"1", "42", int64(7)}, schema.TypeInt},
		{"zero one stays int", []any{"0", "1"}, schema.TypeInt},
		{"booleans", []any{"yes", "no", "1"}, schema.TypeBool},
		{"floats", []any{"1.5", "2"}, schema.TypeFloat},
		{"dates", []any{"2024-01-02", "2024-02-03"}, schema.TypeDate},
		{"timestamps", []any{"2024-01-02", "2024-01-02 10:30:00"}, schema.TypeTimestamp},
		{"emails", []any{"a@example.com", " b@example.org "}, schema.TypeEmail},
		{"mixed", []any{"a@example.com", "plain"}, schema.TypeString},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := inferType(tt.in); got != tt.want {
				t.Fatalf("inferType(%v)=%q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

// Blanks do not count toward Filled or Distinct.
func TestSampleColumn(t *testing.T) {
	recs := []extract.Record{
		{"c": "x"}, {"c": " "}, {"c": "y"}, {"c": "x"}, {"c": nil}, {},
	}
	got := sampleColumn("c", recs)
	want := Column{Name: "c", Type: schema.TypeString, Filled: 3, Distinct: 2}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("sampleColumn()=%+v, want %+v", got, want)
	}
	if r := got.Ratio(); r < 0.66 || r > 0.67 {
		t.Fatalf("Ratio()=%v, want 2/3", r)
	}
	if (Column{}).Ratio() != 0 {
		t.Fatalf("empty Ratio() != 0")
	}
}

func TestSample_FitsOrdered(t *testing.T) {
	ch := extract.Chunk{
		File:    "drop.csv",
		Columns: []string{"customer_id", "first_name", "last_name", "email"},
		Records: []extract.Record{
			{"customer_id": "C1", "first_name": "Ann", "last_name": "Lee", "email": "ann@example.com"},
			{"customer_id": "C2", "first_name": "Bob", "last_name": "Ray", "email": "nope"},
		},
	}
	res := Sample(ch, schema.Sales, schema.Products, schema.Customers)

	var names []string
	for _, f := range res.Fits {
		names = append(names, f.Schema)
	}
	if !reflect.DeepEqual(names, []string{"customers", "products", "sales"}) {
		t.Fatalf("fit order=%v", names)
	}
	c := res.Fits[0]
	if c.Valid != 1 || c.Sampled != 2 || c.OK() {
		t.Fatalf("customers fit=%+v, want 1/2 and not OK", c)
	}
	if _, ok := res.Best(); ok {
		t.Fatalf("Best() ok with an invalid row")
	}
	if !reflect.DeepEqual(res.Fits[1].Missing, []string{"product_id", "product_name", "price"}) {
		t.Fatalf("products missing=%v", res.Fits[1].Missing)
	}
}

func TestFile_CSV(t *testing.T) {
	p := writeCSV(t, "customers.csv", customersCSV)
	res, err := File(context.Background(), csvConfig(t, p), p, 0, schema.Customers, schema.Products)
	if err != nil {
		t.Fatalf("File() err=%v", err)
	}
	if res.Rows != 4 || len(res.Columns) != 5 {
		t.Fatalf("rows=%d columns=%d, want 4 and 5", res.Rows, len(res.Columns))
	}
	types := map[string]schema.Type{}
	for _, c := range res.Columns {
		types[c.Name] = c.Type
	}
	if types["email"] != schema.TypeString || types["is_active"] != schema.TypeBool {
		t.Fatalf("types=%v", types)
	}
	if res.Fits[0].Schema != "customers" || res.Fits[0].Valid != 3 {
		t.Fatalf("best fit=%+v, want customers 3/4", res.Fits[0])
	}
}

// A header-only file probes to typeless columns and still matches by name.
func TestFile_HeaderOnly(t *testing.T) {
	p := writeCSV(t, "customers.csv", "customer_id,first_name,last_name,email\n")
	res, err := File(context.Background(), csvConfig(t, p), p, 10, schema.Customers)
	if err != nil {
		t.Fatalf("File() err=%v", err)
	}
	if res.Rows != 0 || len(res.Columns) != 4 || res.Columns[0].Type != "" {
		t.Fatalf("res=%+v", res)
	}
	if best, ok := res.Best(); !ok || best.Schema != "customers" {
		t.Fatalf("Best()=%+v,%v", best, ok)
	}
}

func TestFile_OpenError(t *testing.T) {
	p := writeCSV(t, "customers.csv", customersCSV)
	cfg := csvConfig(t, p)
	_, err := File(context.Background(), cfg, filepath.Join(filepath.Dir(p), "gone.csv"), 10)
	var xe *extract.ExtractionError
	if !errors.As(err, &xe) || xe.Chunk != -1 {
		t.Fatalf("File() err=%v, want *ExtractionError before first chunk", err)
	}
}

func TestFormat(t *testing.T) {
	res := Result{
		Path: "customers.csv",
		Rows: 2,
		Columns: []Column{
			{Name: "customer_id", Type: schema.TypeString, Filled: 2, Distinct: 2},
			{Name: "notes"},
		},
		Fits: []Fit{
			{Schema: "customers", Valid: 2, Sampled: 2},
			{Schema: "sales", Missing: []string{"sale_id"}},
		},
	}
	var b strings.Builder
	if err := Format(&b, res); err != nil {
		t.Fatalf("Format() err=%v", err)
	}
	out := b.String()
	for _, want := range []string{"sampled_rows=2", "100.0%", "empty", "schema=customers valid=2/2", "schema=sales missing=sale_id", "match=customers"} {
		if !strings.Contains(out, want) {
			t.Fatalf("Format() missing %q in:\n%s", want, out)
		}
	}
}
