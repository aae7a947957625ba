package database

import (
	"fmt"
	"strings"
)

// ConstraintKind classifies a constraint violation raised by the store.
type ConstraintKind string

const (
	ConstraintNone       ConstraintKind = ""
	ConstraintUnique     ConstraintKind = "unique"
	ConstraintForeignKey ConstraintKind = "foreign_key"
	ConstraintCheck      ConstraintKind = "check"
	ConstraintNotNull    ConstraintKind = "not_null"
)

// ColumnKind is the logical type of a table column.
type ColumnKind int

const (
	KindString ColumnKind = iota
	KindInt
	KindFloat
	KindBool
	KindTimestamp
)

// Dialect captures the SQL differences between backends.
type Dialect interface {
	Name() string
	// Placeholder returns the bind marker for the n-th argument, 1-based.
	Placeholder(n int) string
	Quote(ident string) string
	// MaxParams bounds the bind arguments of one statement.
	MaxParams() int
	// MaxRows bounds the VALUES tuples of one INSERT; 0 means no limit.
	MaxRows() int

	// ColumnType renders a column type. size is a maximum character length
	// for KindString; 0 means unbounded.
	ColumnType(kind ColumnKind, size int) string
	// IdentityColumn renders an auto-increment surrogate primary key.
	IdentityColumn(name string) string
	// CreateTable wraps column and constraint definitions in an idempotent
	// CREATE TABLE.
	CreateTable(table string, defs []string) string
	DropTable(table string) string
	// NullsDistinct reports whether a UNIQUE constraint admits many NULLs.
	NullsDistinct() bool

	// Classify maps a driver error to a constraint kind.
	Classify(err error) ConstraintKind
}

// Placeholders renders n markers starting at argument from, joined by ", ".
func Placeholders(d Dialect, from, n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(d.Placeholder(from + i))
	}
	return b.String()
}

// QuoteList quotes and joins identifiers.
func QuoteList(d Dialect, idents []string) string {
	out := make([]string, len(idents))
	for i, id := range idents {
		out[i] = d.Quote(id)
	}
	return strings.Join(out, ", ")
}

// ClassifyMessage is the text fallback shared by backends when a driver
// error carries no usable code.
func ClassifyMessage(msg string) ConstraintKind {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "unique constraint"), strings.Contains(m, "duplicate key"),
		strings.Contains(m, "primary key constraint"):
		return ConstraintUnique
	case strings.Contains(m, "foreign key constraint"):
		return ConstraintForeignKey
	case strings.Contains(m, "check constraint"):
		return ConstraintCheck
	case strings.Contains(m, "not null constraint"), strings.Contains(m, "cannot insert the value null"):
		return ConstraintNotNull
	}
	return ConstraintNone
}

// DoubleQuote quotes an identifier ANSI style, escaping embedded quotes.
// Dotted names are quoted per part.
func DoubleQuote(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = `"` + strings.ReplaceAll(strings.TrimSpace(p), `"`, `""`) + `"`
	}
	return strings.Join(parts, ".")
}

// DollarPlaceholder renders $n.
func DollarPlaceholder(n int) string { return fmt.Sprintf("$%d", n) }
