package schema

import (
	"fmt"
	"regexp"
	"time"
	"unicode/utf8"

	"batchingest/internal/extract"
)

var emailRe = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// IsEmail reports whether s looks like a mail address.
func IsEmail(s string) bool { return emailRe.MatchString(s) }

// Validate checks every record of ch against s.
//
// Valid rows are returned in chunk order with values coerced per field type
// (string, int64, float64, bool, time.Time); columns not in the schema are
// dropped. Invalid rows yield exactly one RowError each.
//
// Errors:
//   - *SchemaError when a required column is absent from the chunk. No rows
//     are returned in that case.
//
// Data problems never produce an error; they are reported as RowErrors.
func Validate(ch extract.Chunk, s Schema) ([]Row, []RowError, error) {
	if missing := missingColumns(ch, s); len(missing) > 0 {
		return nil, nil, &SchemaError{Schema: s.Name, File: ch.File, Chunk: ch.Index, Missing: missing}
	}

	rows := make([]Row, 0, len(ch.Records))
	var rejects []RowError
	for i, rec := range ch.Records {
		vals, problems := CheckRecord(rec, s)
		if len(problems) > 0 {
			rejects = append(rejects, RowError{File: ch.File, Line: ch.Line(i), Problems: problems})
			continue
		}
		rows = append(rows, Row{Line: ch.Line(i), Values: vals})
	}
	return rows, rejects, nil
}

func missingColumns(ch extract.Chunk, s Schema) []string {
	present := make(map[string]struct{}, len(ch.Columns))
	for _, c := range ch.Columns {
		present[c] = struct{}{}
	}
	if len(ch.Columns) == 0 && len(ch.Records) > 0 {
		for c := range ch.Records[0] {
			present[c] = struct{}{}
		}
	}
	var missing []string
	for _, f := range s.Fields {
		if !f.Required {
			continue
		}
		if _, ok := present[f.Name]; !ok {
			missing = append(missing, f.Name)
		}
	}
	return missing
}

// CheckRecord applies every field rule to one record and returns the coerced
// values together with all problems found.
func CheckRecord(rec extract.Record, s Schema) (map[string]any, []Problem) {
	vals := make(map[string]any, len(s.Fields))
	var problems []Problem
	for _, f := range s.Fields {
		raw, ok := rec[f.Name]
		if !ok || IsBlank(raw) {
			if !f.Nullable {
				problems = append(problems, Problem{Field: f.Name, Value: raw, Reason: "value is required"})
			}
			vals[f.Name] = nil
			continue
		}
		v, err := coerceField(f, raw)
		if err != nil {
			problems = append(problems, Problem{Field: f.Name, Value: raw, Reason: err.Error()})
			continue
		}
		vals[f.Name] = v
	}
	return vals, problems
}

func coerceField(f Field, raw any) (any, error) {
	switch f.Type {
	case TypeInt:
		n, err := AsInt64(raw)
		if err != nil {
			return nil, err
		}
		return n, checkBounds(f, float64(n))
	case TypeFloat:
		x, err := AsFloat64(raw)
		if err != nil {
			return nil, err
		}
		return x, checkBounds(f, x)
	case TypeBool:
		return AsBool(raw)
	case TypeDate:
		t, err := AsTime(raw)
		if err != nil {
			return nil, err
		}
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
	case TypeTimestamp:
		return AsTime(raw)
	case TypeEmail:
		s, err := AsString(raw)
		if err != nil {
			return nil, err
		}
		if !IsEmail(s) {
			return nil, fmt.Errorf("%q is not an email address", s)
		}
		return s, checkLen(f, s)
	default:
		s, err := AsString(raw)
		if err != nil {
			return nil, err
		}
		return s, checkLen(f, s)
	}
}

func checkBounds(f Field, x float64) error {
	if f.Min != nil {
		if f.ExclusiveMin && x <= *f.Min {
			return fmt.Errorf("%v must be greater than %v", x, *f.Min)
		}
		if !f.ExclusiveMin && x < *f.Min {
			return fmt.Errorf("%v must be at least %v", x, *f.Min)
		}
	}
	if f.Max != nil && x > *f.Max {
		return fmt.Errorf("%v must be at most %v", x, *f.Max)
	}
	return nil
}

func checkLen(f Field, s string) error {
	if f.MaxLen > 0 && utf8.RuneCountInString(s) > f.MaxLen {
		return fmt.Errorf("length %d exceeds %d", utf8.RuneCountInString(s), f.MaxLen)
	}
	return nil
}
