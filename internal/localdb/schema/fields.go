package schema

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"
)

// Fields maps column names to scalar values.
type Fields map[string]any

// Clone returns a shallow copy. Nested json values are shared.
func (f Fields) Clone() Fields {
	if f == nil {
		return Fields{}
	}
	return maps.Clone(f)
}

// DateLayout is the calendar-date layout accepted for date columns.
const DateLayout = "2006-01-02"

// Declared returns the fields whose column the table declares and the sorted
// names of the others. fields is not modified.
func (t *Table) Declared(fields Fields) (Fields, []string) {
	out := make(Fields, len(fields))
	var unknown []string
	for name, v := range fields {
		if _, ok := t.index[name]; ok {
			out[name] = v
		} else {
			unknown = append(unknown, name)
		}
	}
	slices.Sort(unknown)
	return out, unknown
}

// Normalize validates a field set against the table and returns a copy with
// every declared column present.
//
// Numbers are coerced to float64, time.Time values to RFC3339 text and json
// values are round-tripped through encoding/json so that a normalized field
// set compares equal to the same record decoded off the wire.
func (t *Table) Normalize(fields Fields) (Fields, error) {
	for name := range fields {
		if _, ok := t.index[name]; !ok {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownColumn, t.Name, name)
		}
	}

	out := make(Fields, len(t.Columns))
	for _, col := range t.Columns {
		v, present := fields[col.Name]
		if !present || v == nil {
			if !col.Nullable {
				return nil, fmt.Errorf("%w: %s.%s is required", ErrInvalidField, t.Name, col.Name)
			}
			out[col.Name] = nil
			continue
		}

		nv, err := coerce(col, v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s.%s: %v", ErrInvalidField, t.Name, col.Name, err)
		}
		out[col.Name] = nv
	}
	return out, nil
}

func coerce(col Column, v any) (any, error) {
	switch col.Type {
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", v)
		}
		return s, nil

	case TypeNumber:
		return toFloat(v)

	case TypeBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("expected boolean, got %T", v)
		}
		return b, nil

	case TypeDate:
		switch d := v.(type) {
		case time.Time:
			return d.UTC().Format(time.RFC3339Nano), nil
		case string:
			if _, err := time.Parse(DateLayout, d); err == nil {
				return d, nil
			}
			if _, err := time.Parse(time.RFC3339Nano, d); err == nil {
				return d, nil
			}
			return nil, fmt.Errorf("unparseable date %q", d)
		default:
			return nil, fmt.Errorf("expected date, got %T", v)
		}

	case TypeJSON:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("not JSON-encodable: %v", err)
		}
		var out any
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported column type %q", col.Type)
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int8:
		return float64(n), nil
	case int16:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint8:
		return float64(n), nil
	case uint16:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	}
	return 0, fmt.Errorf("expected number, got %T", v)
}
