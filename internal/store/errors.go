package store

import (
	"fmt"
	"strings"

	"batchingest/internal/database"
)

// ViolationMapping marks a row that could not be converted into its entity.
const ViolationMapping database.ConstraintKind = "mapping"

// Violation is one offending row of a rejected chunk. Line is 0 when the
// store reported the violation without naming a row.
type Violation struct {
	Line    int
	Kind    database.ConstraintKind
	Column  string
	Value   any
	Message string
}

func (v Violation) String() string {
	var b strings.Builder
	if v.Line > 0 {
		fmt.Fprintf(&b, "line %d ", v.Line)
	}
	b.WriteString(string(v.Kind))
	if v.Column != "" {
		fmt.Fprintf(&b, " %s", v.Column)
	}
	if v.Value != nil {
		fmt.Fprintf(&b, "=%v", v.Value)
	}
	if v.Message != "" {
		fmt.Fprintf(&b, ": %s", v.Message)
	}
	return b.String()
}

// LoadError reports a chunk rejected for constraint violations. The chunk's
// transaction was rolled back; nothing from it was stored. Err carries the
// driver error when the store itself raised the violation.
type LoadError struct {
	Table      string
	Violations []Violation
	Err        error
}

const maxListedViolations = 5

func (e *LoadError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "load %s: %d violation(s)", e.Table, len(e.Violations))
	for i, v := range e.Violations {
		if i == maxListedViolations {
			fmt.Fprintf(&b, "; and %d more", len(e.Violations)-i)
			break
		}
		b.WriteString("; ")
		b.WriteString(v.String())
	}
	return b.String()
}

func (e *LoadError) Unwrap() error { return e.Err }

// Lines returns the distinct offending line numbers in order.
func (e *LoadError) Lines() []int {
	seen := map[int]bool{}
	var out []int
	for _, v := range e.Violations {
		if v.Line > 0 && !seen[v.Line] {
			seen[v.Line] = true
			out = append(out, v.Line)
		}
	}
	return out
}
