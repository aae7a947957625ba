package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"batchingest/internal/database"
	"batchingest/internal/schema"
)

// Logger is the minimal logging interface used by the loader.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// Loader writes validated rows into the target tables, one transaction per
// call.
type Loader struct {
	pool *database.Pool
	log  Logger
	now  func() time.Time
}

// LoaderOption customizes a Loader.
type LoaderOption func(*Loader)

func WithLogger(l Logger) LoaderOption { return func(ld *Loader) { ld.log = l } }

// WithClock sets the source of created_at timestamps.
func WithClock(now func() time.Time) LoaderOption { return func(ld *Loader) { ld.now = now } }

func NewLoader(pool *database.Pool, opts ...LoaderOption) *Loader {
	l := &Loader{pool: pool, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Loader) logf(format string, v ...any) {
	if l.log != nil {
		l.log.Printf(format, v...)
	}
}

// Load inserts rows as entities of kind inside one transaction and returns the
// number of rows stored.
//
// Before inserting, every row is mapped to its entity and checked against
// the chunk itself and against committed data:
//   - unique columns (business key, email, sku_number) must not repeat within
//     the chunk nor match a stored row;
//   - referenced business keys (a sale's customer_id and product_id) must
//     already be stored.
//
// Errors:
//   - *LoadError when any row fails a check, or when the store rejects the
//     insert with a constraint violation. The transaction is rolled back and
//     nothing from rows is stored; loading the same rows again after a commit
//     therefore fails on uniqueness instead of duplicating them.
//   - *database.ConnectionError / *database.EngineError when no session can
//     be obtained.
func (l *Loader) Load(ctx context.Context, rows []schema.Row, kind EntityKind) (int, error) {
	t, ok := tables[kind]
	if !ok {
		return 0, fmt.Errorf("store: unknown entity kind %q", kind)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	start := time.Now()
	now := l.now().UTC()
	var stored int
	err := l.pool.InTx(ctx, func(ctx context.Context, s *database.Session) error {
		values, lines, violations := mapRows(kind, rows, now)

		cols := t.InsertColumns()
		idx := columnIndex(cols)
		for _, col := range t.UniqueColumns() {
			violations = append(violations, duplicatesInChunk(col, idx[col], values, lines)...)
			found, err := existingStored(ctx, s, t, col, idx[col], values, lines)
			if err != nil {
				return err
			}
			violations = append(violations, found...)
		}
		for _, c := range t.Columns {
			if c.References == "" {
				continue
			}
			missing, err := missingReferences(ctx, s, c, idx[c.Name], values, lines)
			if err != nil {
				return err
			}
			violations = append(violations, missing...)
		}

		if len(violations) > 0 {
			sort.SliceStable(violations, func(i, j int) bool { return violations[i].Line < violations[j].Line })
			return &LoadError{Table: t.Name, Violations: violations}
		}

		n, err := insertRows(ctx, s, t.Name, cols, values)
		if err != nil {
			if k := s.Dialect().Classify(err); k != database.ConstraintNone {
				return &LoadError{Table: t.Name, Violations: []Violation{{Kind: k, Message: err.Error()}}, Err: err}
			}
			return fmt.Errorf("insert %s: %w", t.Name, err)
		}
		stored = n
		return nil
	})
	if err != nil {
		var le *LoadError
		if errors.As(err, &le) {
			l.logf("stage=load table=%s rows=%d status=rejected violations=%d", t.Name, len(rows), len(le.Violations))
		} else {
			l.logf("stage=load table=%s rows=%d status=error err=%v", t.Name, len(rows), err)
		}
		return 0, err
	}
	l.logf("stage=load table=%s rows=%d stored=%d duration=%s", t.Name, len(rows), stored, time.Since(start).Truncate(time.Millisecond))
	return stored, nil
}

// mapRows converts rows to insert values. Rows that fail to map are reported
// and left out of values.
func mapRows(kind EntityKind, rows []schema.Row, now time.Time) ([][]any, []int, []Violation) {
	values := make([][]any, 0, len(rows))
	lines := make([]int, 0, len(rows))
	var violations []Violation
	for _, r := range rows {
		vals, col, err := mapRow(kind, r.Values, now)
		if err != nil {
			violations = append(violations, Violation{Line: r.Line, Kind: ViolationMapping, Column: col, Value: r.Values[col], Message: err.Error()})
			continue
		}
		values = append(values, vals)
		lines = append(lines, r.Line)
	}
	return values, lines, violations
}

func columnIndex(cols []string) map[string]int {
	m := make(map[string]int, len(cols))
	for i, c := range cols {
		m[c] = i
	}
	return m
}

func duplicatesInChunk(col string, ci int, values [][]any, lines []int) []Violation {
	first := map[string]int{}
	var out []Violation
	for i, row := range values {
		key, ok := keyOf(row[ci])
		if !ok {
			continue
		}
		if at, seen := first[key]; seen {
			out = append(out, Violation{
				Line:    lines[i],
				Kind:    database.ConstraintUnique,
				Column:  col,
				Value:   key,
				Message: fmt.Sprintf("repeats line %d of the same chunk", at),
			})
			continue
		}
		first[key] = lines[i]
	}
	return out
}

func existingStored(ctx context.Context, s *database.Session, t TableSpec, col string, ci int, values [][]any, lines []int) ([]Violation, error) {
	stored, err := selectExisting(ctx, s, t.Name, col, distinctKeys(values, ci))
	if err != nil {
		return nil, fmt.Errorf("check %s.%s: %w", t.Name, col, err)
	}
	var out []Violation
	for i, row := range values {
		if key, ok := keyOf(row[ci]); ok && stored[key] {
			out = append(out, Violation{
				Line:    lines[i],
				Kind:    database.ConstraintUnique,
				Column:  col,
				Value:   key,
				Message: "already stored",
			})
		}
	}
	return out, nil
}

func missingReferences(ctx context.Context, s *database.Session, c ColumnSpec, ci int, values [][]any, lines []int) ([]Violation, error) {
	refTable, refCol, ok := splitReference(c.References)
	if !ok {
		return nil, fmt.Errorf("column %s: bad reference %q", c.Name, c.References)
	}
	stored, err := selectExisting(ctx, s, refTable, refCol, distinctKeys(values, ci))
	if err != nil {
		return nil, fmt.Errorf("check %s: %w", c.References, err)
	}
	var out []Violation
	for i, row := range values {
		if key, ok := keyOf(row[ci]); ok && !stored[key] {
			out = append(out, Violation{
				Line:    lines[i],
				Kind:    database.ConstraintForeignKey,
				Column:  c.Name,
				Value:   key,
				Message: fmt.Sprintf("no %s with %s=%q", refTable, refCol, key),
			})
		}
	}
	return out, nil
}

func keyOf(v any) (string, bool) {
	if v == nil {
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		s = fmt.Sprint(v)
	}
	return s, true
}

func distinctKeys(values [][]any, ci int) []string {
	seen := map[string]bool{}
	var out []string
	for _, row := range values {
		if key, ok := keyOf(row[ci]); ok && !seen[key] {
			seen[key] = true
			out = append(out, key)
		}
	}
	return out
}

// selectExisting returns which of keys are stored in table.col. Keys are
// queried in batches that fit the dialect's parameter limit.
func selectExisting(ctx context.Context, s *database.Session, table, col string, keys []string) (map[string]bool, error) {
	found := make(map[string]bool, len(keys))
	if len(keys) == 0 {
		return found, nil
	}
	d := s.Dialect()
	step := d.MaxParams()
	for start := 0; start < len(keys); start += step {
		end := min(start+step, len(keys))
		batch := keys[start:end]
		q := fmt.Sprintf("SELECT %s FROM %s WHERE %s IN (%s)",
			d.Quote(col), d.Quote(table), d.Quote(col), database.Placeholders(d, 1, len(batch)))
		args := make([]any, len(batch))
		for i, k := range batch {
			args[i] = k
		}
		if err := scanKeys(ctx, s, q, args, found); err != nil {
			return nil, err
		}
	}
	return found, nil
}

func scanKeys(ctx context.Context, s *database.Session, q string, args []any, into map[string]bool) error {
	rows, err := s.Query(ctx, q, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return err
		}
		into[k] = true
	}
	return rows.Err()
}

// rowsPerStatement is how many VALUES tuples fit in one INSERT.
func rowsPerStatement(d database.Dialect, ncols int) int {
	n := d.MaxParams() / ncols
	if m := d.MaxRows(); m > 0 && m < n {
		n = m
	}
	return max(n, 1)
}

func insertRows(ctx context.Context, s *database.Session, table string, cols []string, values [][]any) (int, error) {
	d := s.Dialect()
	step := rowsPerStatement(d, len(cols))
	total := 0
	for start := 0; start < len(values); start += step {
		end := min(start+step, len(values))
		q, args := buildInsertSQL(d, table, cols, values[start:end])
		n, err := s.Exec(ctx, q, args...)
		if err != nil {
			return total, err
		}
		// Some drivers report 0 for multi-row inserts.
		if n <= 0 {
			n = int64(end - start)
		}
		total += int(n)
	}
	return total, nil
}

// buildInsertSQL renders one multi-row INSERT and its arguments.
//
// It is pure, so placeholder numbering can be tested without a database.
// Every row must have len(cols) values.
func buildInsertSQL(d database.Dialect, table string, cols []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(d.Quote(table))
	b.WriteString(" (")
	b.WriteString(database.QuoteList(d, cols))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(cols))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		b.WriteString(database.Placeholders(d, p, len(cols)))
		b.WriteString(")")
		args = append(args, row...)
		p += len(cols)
	}
	return b.String(), args
}
