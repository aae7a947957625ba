// Package store owns the target tables and the transactional Loader that
// writes validated rows into them.
//
// Table shapes are declared once as TableSpecs and rendered per backend
// through database.Dialect, so the same definitions serve PostgreSQL, SQLite
// and SQL Server.
package store

import (
	"context"
	"fmt"
	"strings"

	"batchingest/internal/database"
)

// EntityKind names a target entity. Its value is the table name.
type EntityKind string

const (
	KindCustomer EntityKind = "customers"
	KindProduct  EntityKind = "products"
	KindSale     EntityKind = "sales"
)

// Kinds lists every entity kind in dependency order.
func Kinds() []EntityKind { return []EntityKind{KindCustomer, KindProduct, KindSale} }

// ParseKind maps a table name onto an EntityKind.
func ParseKind(s string) (EntityKind, bool) {
	switch k := EntityKind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindCustomer, KindProduct, KindSale:
		return k, true
	}
	return "", false
}

// TableSpec describes one target table. Every table also gets a surrogate
// "id" identity column, declared by the dialect.
type TableSpec struct {
	Name    string
	Key     string
	Columns []ColumnSpec
}

// ColumnSpec describes one column.
//
// References is "table(column)". Check is an operator and literal applied to
// the column, e.g. "> 0".
type ColumnSpec struct {
	Name       string
	Kind       database.ColumnKind
	Size       int
	Nullable   bool
	Unique     bool
	References string
	Check      string
}

// InsertColumns lists the columns the loader writes, in table order.
func (t TableSpec) InsertColumns() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// UniqueColumns lists the columns carrying a uniqueness constraint.
func (t TableSpec) UniqueColumns() []string {
	var out []string
	for _, c := range t.Columns {
		if c.Unique {
			out = append(out, c.Name)
		}
	}
	return out
}

var tables = map[EntityKind]TableSpec{
	KindCustomer: {
		Name: "customers",
		Key:  "customer_id",
		Columns: []ColumnSpec{
			{Name: "customer_id", Kind: database.KindString, Size: 64, Unique: true},
			{Name: "first_name", Kind: database.KindString, Size: 255},
			{Name: "last_name", Kind: database.KindString, Size: 255},
			{Name: "email", Kind: database.KindString, Size: 255, Unique: true},
			{Name: "phone_number", Kind: database.KindString, Size: 20, Nullable: true},
			{Name: "address", Kind: database.KindString, Size: 255, Nullable: true},
			{Name: "city", Kind: database.KindString, Size: 100, Nullable: true},
			{Name: "is_active", Kind: database.KindBool},
			{Name: "created_at", Kind: database.KindTimestamp},
		},
	},
	KindProduct: {
		Name: "products",
		Key:  "product_id",
		Columns: []ColumnSpec{
			{Name: "product_id", Kind: database.KindString, Size: 64, Unique: true},
			{Name: "product_name", Kind: database.KindString, Size: 255},
			{Name: "description", Kind: database.KindString, Size: 500, Nullable: true},
			{Name: "category", Kind: database.KindString, Size: 100, Nullable: true},
			{Name: "sku_number", Kind: database.KindString, Size: 100, Nullable: true, Unique: true},
			{Name: "price", Kind: database.KindFloat, Check: "> 0"},
			{Name: "stock_quantity", Kind: database.KindInt, Check: ">= 0"},
			{Name: "created_at", Kind: database.KindTimestamp},
		},
	},
	KindSale: {
		Name: "sales",
		Key:  "sale_id",
		Columns: []ColumnSpec{
			{Name: "sale_id", Kind: database.KindString, Size: 64, Unique: true},
			{Name: "customer_id", Kind: database.KindString, Size: 64, References: "customers(customer_id)"},
			{Name: "product_id", Kind: database.KindString, Size: 64, References: "products(product_id)"},
			{Name: "quantity", Kind: database.KindInt, Check: "> 0"},
			{Name: "sale_date", Kind: database.KindTimestamp},
			{Name: "total_amount", Kind: database.KindFloat, Check: ">= 0"},
			{Name: "created_at", Kind: database.KindTimestamp},
		},
	},
}

// Table returns the spec for kind.
func Table(kind EntityKind) (TableSpec, bool) {
	t, ok := tables[kind]
	return t, ok
}

// filteredUniqueIndexer is implemented by dialects whose UNIQUE constraints
// reject repeated NULLs.
type filteredUniqueIndexer interface {
	FilteredUniqueIndex(table, column string) string
}

// BuildCreateSQL renders the statements creating t. The first statement is the
// CREATE TABLE; any further ones add filtered unique indexes.
func BuildCreateSQL(d database.Dialect, t TableSpec) ([]string, error) {
	if t.Name == "" || len(t.Columns) == 0 {
		return nil, fmt.Errorf("store: table spec needs a name and columns")
	}
	defs := []string{d.IdentityColumn("id")}
	var extra []string
	for _, c := range t.Columns {
		def, err := buildColumnDef(d, c)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", t.Name, err)
		}
		if c.Unique {
			if !c.Nullable || d.NullsDistinct() {
				def += " UNIQUE"
			} else if fi, ok := d.(filteredUniqueIndexer); ok {
				extra = append(extra, fi.FilteredUniqueIndex(t.Name, c.Name))
			} else {
				return nil, fmt.Errorf("table %s: dialect %s cannot express nullable unique column %s", t.Name, d.Name(), c.Name)
			}
		}
		defs = append(defs, def)
	}
	return append([]string{d.CreateTable(t.Name, defs)}, extra...), nil
}

func buildColumnDef(d database.Dialect, c ColumnSpec) (string, error) {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		return "", fmt.Errorf("column name must be set")
	}

	var b strings.Builder
	b.WriteString(d.Quote(name))
	b.WriteString(" ")
	b.WriteString(d.ColumnType(c.Kind, c.Size))
	if !c.Nullable {
		b.WriteString(" NOT NULL")
	}
	if ref := strings.TrimSpace(c.References); ref != "" {
		table, col, ok := splitReference(ref)
		if !ok {
			return "", fmt.Errorf("column %s: bad reference %q", name, ref)
		}
		fmt.Fprintf(&b, " REFERENCES %s(%s)", d.Quote(table), d.Quote(col))
	}
	if chk := strings.TrimSpace(c.Check); chk != "" {
		fmt.Fprintf(&b, " CHECK (%s %s)", d.Quote(name), chk)
	}
	return b.String(), nil
}

// splitReference parses "table(column)".
func splitReference(ref string) (table, column string, ok bool) {
	open := strings.IndexByte(ref, '(')
	if open <= 0 || !strings.HasSuffix(ref, ")") {
		return "", "", false
	}
	table = strings.TrimSpace(ref[:open])
	column = strings.TrimSpace(ref[open+1 : len(ref)-1])
	return table, column, table != "" && column != ""
}

// CreateTables creates every target table that does not exist yet, parents
// first, in one transaction.
func CreateTables(ctx context.Context, pool *database.Pool) error {
	return pool.InTx(ctx, func(ctx context.Context, s *database.Session) error {
		for _, k := range Kinds() {
			stmts, err := BuildCreateSQL(s.Dialect(), tables[k])
			if err != nil {
				return err
			}
			for _, q := range stmts {
				if _, err := s.Exec(ctx, q); err != nil {
					return fmt.Errorf("create table %s: %w", k, err)
				}
			}
		}
		return nil
	})
}

// DropTables drops every target table, children first.
func DropTables(ctx context.Context, pool *database.Pool) error {
	return pool.InTx(ctx, func(ctx context.Context, s *database.Session) error {
		kinds := Kinds()
		for i := len(kinds) - 1; i >= 0; i-- {
			if _, err := s.Exec(ctx, s.Dialect().DropTable(string(kinds[i]))); err != nil {
				return fmt.Errorf("drop table %s: %w", kinds[i], err)
			}
		}
		return nil
	})
}

// Count returns the number of rows stored for kind.
func Count(ctx context.Context, pool *database.Pool, kind EntityKind) (int64, error) {
	t, ok := tables[kind]
	if !ok {
		return 0, fmt.Errorf("store: unknown entity kind %q", kind)
	}
	var n int64
	err := pool.InTx(ctx, func(ctx context.Context, s *database.Session) error {
		rows, err := s.Query(ctx, "SELECT COUNT(*) FROM "+s.Dialect().Quote(t.Name))
		if err != nil {
			return err
		}
		defer rows.Close()
		if rows.Next() {
			if err := rows.Scan(&n); err != nil {
				return err
			}
		}
		return rows.Err()
	})
	return n, err
}
