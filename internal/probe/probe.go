// Package probe samples the head of a source file and describes it: the
// inferred type of each column, how often it is filled and how unique its
// values are, plus how well each built-in schema would accept the sample.
//
// Probing never writes anything; it is meant to be run against a new drop of
// files before an ingestion run routes them to a table.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
	"strings"
	"time"

	"batchingest/internal/extract"
	"batchingest/internal/schema"
)

// DefaultSampleRows is the sample size used when File is given n <= 0.
const DefaultSampleRows = 1000

// distinctCapPerColumn bounds the distinct-value set kept per column.
const distinctCapPerColumn = 10000

// Column describes one sampled column.
//
// Type is empty when the column held no value in the sample. Filled counts
// rows with a non-blank value and is the denominator of Ratio.
type Column struct {
	Name     string
	Type     schema.Type
	Filled   int
	Distinct int
	Capped   bool
}

// Ratio is Distinct/Filled, or 0 for an empty column.
func (c Column) Ratio() float64 {
	if c.Filled == 0 {
		return 0
	}
	return float64(c.Distinct) / float64(c.Filled)
}

// Fit is how one schema fares against the sample.
type Fit struct {
	Schema  string
	Missing []string
	Valid   int
	Sampled int
}

// OK reports whether every required column is present and every sampled row
// validates.
func (f Fit) OK() bool { return len(f.Missing) == 0 && f.Valid == f.Sampled }

// Result is the probe of one file.
type Result struct {
	Path    string
	Rows    int
	Columns []Column
	// Fits is ordered best first: fewest missing columns, then most valid
	// rows, then schema name.
	Fits []Fit
}

// Best returns the first fit when it is OK.
func (r Result) Best() (Fit, bool) {
	if len(r.Fits) == 0 || !r.Fits[0].OK() {
		return Fit{}, false
	}
	return r.Fits[0], true
}

// File reads up to n rows of path with cfg's format and probes them against
// the given schemas.
//
// Edge cases:
//   - An empty file yields its header columns with no types and zero rows.
//   - A file without a header (CSV) is probed under its positional names.
//
// Errors are *extract.ExtractionError values for open and read failures.
func File(ctx context.Context, cfg extract.Config, path string, n int, schemas ...schema.Schema) (Result, error) {
	if n <= 0 {
		n = DefaultSampleRows
	}
	r, err := extract.ForConfig(cfg).Open(path, n)
	if err != nil {
		return Result{}, &extract.ExtractionError{Path: path, Chunk: -1, Err: err}
	}
	defer r.Close()

	ch, err := r.Next(ctx)
	switch {
	case errors.Is(err, io.EOF):
		ch = extract.Chunk{File: path, Columns: r.Columns()}
	case err != nil:
		return Result{}, &extract.ExtractionError{Path: path, Chunk: 0, Err: err}
	}
	return Sample(ch, schemas...), nil
}

// Sample probes an already extracted chunk.
func Sample(ch extract.Chunk, schemas ...schema.Schema) Result {
	res := Result{Path: ch.File, Rows: len(ch.Records)}
	for _, name := range ch.Columns {
		res.Columns = append(res.Columns, sampleColumn(name, ch.Records))
	}
	for _, s := range schemas {
		res.Fits = append(res.Fits, fitSchema(ch, s))
	}
	sort.SliceStable(res.Fits, func(i, j int) bool {
		a, b := res.Fits[i], res.Fits[j]
		if len(a.Missing) != len(b.Missing) {
			return len(a.Missing) < len(b.Missing)
		}
		if a.Valid != b.Valid {
			return a.Valid > b.Valid
		}
		return a.Schema < b.Schema
	})
	return res
}

func sampleColumn(name string, recs []extract.Record) Column {
	col := Column{Name: name}
	vals := make([]any, 0, len(recs))
	seen := make(map[string]struct{})
	for _, rec := range recs {
		v := rec[name]
		if schema.IsBlank(v) {
			continue
		}
		vals = append(vals, v)
		col.Filled++
		if col.Capped {
			continue
		}
		s, _ := schema.AsString(v)
		seen[s] = struct{}{}
		if len(seen) >= distinctCapPerColumn {
			col.Capped = true
			seen = nil
		}
	}
	col.Distinct = len(seen)
	if col.Capped {
		col.Distinct = distinctCapPerColumn
	}
	col.Type = inferType(vals)
	return col
}

// inferType picks the most specific type every value coerces to. Integers win
// over booleans so 0/1 columns stay numeric.
func inferType(vals []any) schema.Type {
	if len(vals) == 0 {
		return ""
	}
	allInt, allBool, allFloat, allTime, allDate, allEmail := true, true, true, true, true, true
	for _, v := range vals {
		if allInt {
			_, err := schema.AsInt64(v)
			allInt = err == nil
		}
		if allBool {
			_, err := schema.AsBool(v)
			allBool = err == nil
		}
		if allFloat {
			_, err := schema.AsFloat64(v)
			allFloat = err == nil
		}
		if allTime {
			t, err := schema.AsTime(v)
			allTime = err == nil
			allDate = allDate && allTime && t.Equal(t.Truncate(24*time.Hour))
		}
		if allEmail {
			s, ok := v.(string)
			allEmail = ok && schema.IsEmail(strings.TrimSpace(s))
		}
	}
	switch {
	case allInt:
		return schema.TypeInt
	case allBool:
		return schema.TypeBool
	case allFloat:
		return schema.TypeFloat
	case allDate:
		return schema.TypeDate
	case allTime:
		return schema.TypeTimestamp
	case allEmail:
		return schema.TypeEmail
	default:
		return schema.TypeString
	}
}

func fitSchema(ch extract.Chunk, s schema.Schema) Fit {
	f := Fit{Schema: s.Name, Sampled: len(ch.Records)}
	for _, fld := range s.Fields {
		if fld.Required && !slices.Contains(ch.Columns, fld.Name) {
			f.Missing = append(f.Missing, fld.Name)
		}
	}
	if len(f.Missing) > 0 {
		return f
	}
	for _, rec := range ch.Records {
		if _, problems := schema.CheckRecord(rec, s); len(problems) == 0 {
			f.Valid++
		}
	}
	return f
}

// Format writes a human readable report of r.
func Format(w io.Writer, r Result) error {
	var b strings.Builder
	fmt.Fprintf(&b, "probe: %s\tsampled_rows=%d\n", r.Path, r.Rows)
	fmt.Fprintf(&b, "%-20s\t%-9s\t%-7s\t%-7s\tratio\tcapped\n", "col", "type", "filled", "unique")
	for _, c := range r.Columns {
		typ := string(c.Type)
		if typ == "" {
			typ = "empty"
		}
		fmt.Fprintf(&b, "%-20s\t%-9s\t%-7d\t%-7d\t%.1f%%\t%t\n", c.Name, typ, c.Filled, c.Distinct, c.Ratio()*100, c.Capped)
	}
	for _, f := range r.Fits {
		if len(f.Missing) > 0 {
			fmt.Fprintf(&b, "schema=%s missing=%s\n", f.Schema, strings.Join(f.Missing, ","))
			continue
		}
		fmt.Fprintf(&b, "schema=%s valid=%d/%d\n", f.Schema, f.Valid, f.Sampled)
	}
	if best, ok := r.Best(); ok {
		fmt.Fprintf(&b, "match=%s\n", best.Schema)
	} else {
		b.WriteString("match=none\n")
	}
	_, err := io.WriteString(w, b.String())
	return err
}
