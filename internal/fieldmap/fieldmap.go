// Package fieldmap turns loosely typed field maps from the presentation layer
// into typed column assignments.
//
// Rules: primary keys and immutable columns are never assigned, non-nullable
// columns are never set to an empty value, date and datetime values are parsed
// from DateLayout, and unknown fields are ignored.
package fieldmap

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/issm/issm/internal/apperr"
)

// DateLayout is the textual format accepted for date and datetime fields
const DateLayout = time.RFC1123

type Type int

const (
	String Type = iota
	Int
	Bool
	Date
	DateTime
)

type Column struct {
	Name       string
	Table      string
	Type       Type
	Nullable   bool
	PrimaryKey bool
	Immutable  bool
}

// Assignment is one column value to write. A nil Value writes NULL.
type Assignment struct {
	Column Column
	Value  any
}

// Apply validates fields against columns and returns the assignments in column order.
// A field that cannot be converted fails the whole map with a validation error.
func Apply(columns []Column, fields map[string]any) ([]Assignment, error) {
	var out []Assignment
	for _, col := range columns {
		raw, ok := fields[col.Name]
		if !ok || col.PrimaryKey || col.Immutable {
			continue
		}

		if isEmpty(raw) {
			if !col.Nullable {
				continue
			}
			out = append(out, Assignment{Column: col, Value: nil})
			continue
		}

		value, err := convert(col, raw)
		if err != nil {
			return nil, apperr.Wrap(apperr.ErrValidation, err, "invalid value for %s", col.Name)
		}
		out = append(out, Assignment{Column: col, Value: value})
	}
	return out, nil
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case *string:
		return x == nil || strings.TrimSpace(*x) == ""
	}
	return false
}

func convert(col Column, raw any) (any, error) {
	switch col.Type {
	case String:
		return toString(raw)
	case Int:
		return toInt(raw)
	case Bool:
		return toBool(raw)
	case Date:
		t, err := toTime(raw)
		if err != nil {
			return nil, err
		}
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
	case DateTime:
		return toTime(raw)
	}
	return nil, fmt.Errorf("unsupported column type %d", col.Type)
}

func toString(raw any) (string, error) {
	switch x := raw.(type) {
	case string:
		return x, nil
	case *string:
		return *x, nil
	case fmt.Stringer:
		return x.String(), nil
	case float64, int, int64, bool, json.Number:
		return fmt.Sprint(x), nil
	}
	return "", fmt.Errorf("expected text, got %T", raw)
}

func toInt(raw any) (int64, error) {
	switch x := raw.(type) {
	case int:
		return int64(x), nil
	case int64:
		return x, nil
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("%v is not a whole number", x)
		}
		return int64(x), nil
	case json.Number:
		return x.Int64()
	case string:
		return strconv.ParseInt(strings.TrimSpace(x), 10, 64)
	}
	return 0, fmt.Errorf("expected integer, got %T", raw)
}

func toBool(raw any) (bool, error) {
	switch x := raw.(type) {
	case bool:
		return x, nil
	case string:
		return strconv.ParseBool(strings.TrimSpace(x))
	case float64:
		return x != 0, nil
	case int:
		return x != 0, nil
	}
	return false, fmt.Errorf("expected boolean, got %T", raw)
}

func toTime(raw any) (time.Time, error) {
	switch x := raw.(type) {
	case time.Time:
		return x, nil
	case *time.Time:
		return *x, nil
	case string:
		t, err := time.Parse(DateLayout, strings.TrimSpace(x))
		if err != nil {
			return time.Time{}, fmt.Errorf("expected date like %q", DateLayout)
		}
		return t, nil
	}
	return time.Time{}, fmt.Errorf("expected date, got %T", raw)
}
