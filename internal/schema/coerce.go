package schema

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Truthy and falsy spellings accepted by AsBool, compared lowercased.
var (
	truthy = map[string]struct{}{"1": {}, "t": {}, "true": {}, "y": {}, "yes": {}, "on": {}}
	falsy  = map[string]struct{}{"0": {}, "f": {}, "false": {}, "n": {}, "no": {}, "off": {}}
)

// TimeLayouts are tried in order by AsTime for string input.
var TimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"02.01.2006",
	"01/02/2006",
}

// IsBlank reports whether v is nil or a whitespace-only string.
func IsBlank(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}

// AsString renders scalars as text. Strings are trimmed.
func AsString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t), nil
	case []byte:
		return strings.TrimSpace(string(t)), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case int:
		return strconv.Itoa(t), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(t), nil
	case time.Time:
		return t.Format(time.RFC3339Nano), nil
	case nil:
		return "", fmt.Errorf("nil value")
	default:
		return fmt.Sprint(t), nil
	}
}

// AsInt64 accepts integers, integral floats and base-10 strings. A string
// such as "3.0" is accepted, "3.5" is not. Values outside the int64 range are
// rejected.
func AsInt64(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case float64:
		if t != math.Trunc(t) || math.IsInf(t, 0) || math.IsNaN(t) {
			return 0, fmt.Errorf("%v is not an integer", t)
		}
		if !fitsInt64(t) {
			return 0, fmt.Errorf("%v is out of range for an integer", t)
		}
		return int64(t), nil
	case string:
		s := strings.TrimSpace(t)
		n, err := strconv.ParseInt(s, 10, 64)
		if err == nil {
			return n, nil
		}
		if errors.Is(err, strconv.ErrRange) {
			return 0, fmt.Errorf("%q is out of range for an integer", t)
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || f != math.Trunc(f) || math.IsInf(f, 0) {
			return 0, fmt.Errorf("%q is not an integer", t)
		}
		if !fitsInt64(f) {
			return 0, fmt.Errorf("%q is out of range for an integer", t)
		}
		return int64(f), nil
	default:
		return 0, fmt.Errorf("%T is not an integer", v)
	}
}

// fitsInt64 reports whether the integral float f converts to int64 exactly.
// 2^63 is the first float64 above MaxInt64.
func fitsInt64(f float64) bool {
	return f >= math.MinInt64 && f < -math.MinInt64
}

// AsFloat64 accepts numbers and numeric strings. NaN and infinities are
// rejected.
func AsFloat64(v any) (float64, error) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int64:
		f = float64(t)
	case int:
		f = float64(t)
	case string:
		p, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", t)
		}
		f = p
	default:
		return 0, fmt.Errorf("%T is not a number", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%v is not a finite number", f)
	}
	return f, nil
}

// AsBool accepts bools, 0/1 integers and the usual spellings.
func AsBool(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case int64:
		if t == 0 || t == 1 {
			return t == 1, nil
		}
	case int:
		if t == 0 || t == 1 {
			return t == 1, nil
		}
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		if _, ok := truthy[s]; ok {
			return true, nil
		}
		if _, ok := falsy[s]; ok {
			return false, nil
		}
	}
	return false, fmt.Errorf("%v is not a boolean", v)
}

// AsTime accepts time.Time and strings in one of TimeLayouts. Values
// without a zone are taken as UTC.
func AsTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range TimeLayouts {
			if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
				return ts.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("%q is not a recognised date/time", t)
	default:
		return time.Time{}, fmt.Errorf("%T is not a date/time", v)
	}
}
