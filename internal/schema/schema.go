// Package schema describes the expected shape of incoming records and checks
// chunks against it.
//
// A Schema is a list of Fields. Validate splits a chunk into rows that pass
// every field rule (with values coerced to Go types) and one RowError per row
// that does not. A chunk missing a required column is rejected as a whole with
// a *SchemaError.
package schema

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Type is the logical type of a field.
type Type string

const (
	TypeString    Type = "string"
	TypeInt       Type = "int"
	TypeFloat     Type = "float"
	TypeBool      Type = "bool"
	TypeDate      Type = "date"
	TypeTimestamp Type = "timestamp"
	TypeEmail     Type = "email"
)

// Field is one column rule.
//
// Required means the column must be present in the chunk; Nullable means a
// present column may hold an empty value in a given row. Min and Max bound
// numeric values; ExclusiveMin turns Min into a strict lower bound. MaxLen
// bounds string length in characters.
type Field struct {
	Name         string
	Type         Type
	Required     bool
	Nullable     bool
	MaxLen       int
	Min          *float64
	Max          *float64
	ExclusiveMin bool
}

// Schema is an ordered set of fields.
type Schema struct {
	Name   string
	Fields []Field
}

// Columns returns the field names in order.
func (s Schema) Columns() []string {
	out := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		out[i] = f.Name
	}
	return out
}

// Field looks up a field by name.
func (s Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Bound is a helper for Field.Min and Field.Max.
func Bound(v float64) *float64 { return &v }

// Row is a validated record. Line is the 1-based data row within the file.
type Row struct {
	Line   int
	Values map[string]any
}

// Problem is one failed rule within a row.
type Problem struct {
	Field  string
	Value  any
	Reason string
}

func (p Problem) String() string {
	return fmt.Sprintf("%s: %s", p.Field, p.Reason)
}

// RowError describes an invalid row. Every failed field of the row is listed.
type RowError struct {
	File     string
	Line     int
	Problems []Problem
}

func (e RowError) Error() string {
	parts := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		parts[i] = p.String()
	}
	return fmt.Sprintf("%s line %d: %s", filepath.Base(e.File), e.Line, strings.Join(parts, "; "))
}

// SchemaError rejects a whole chunk whose columns do not cover the schema.
type SchemaError struct {
	Schema  string
	File    string
	Chunk   int
	Missing []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema %s: %s chunk %d: missing required columns %s",
		e.Schema, filepath.Base(e.File), e.Chunk, strings.Join(e.Missing, ", "))
}
