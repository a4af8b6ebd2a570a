// Package attr models the free-form custom attributes carried by subscribers.
// Attributes live in a JSONB column; Map round-trips them through database/sql
// and keeps the canonical text form of every value stable across the in-memory
// and SQL-pushdown segmentation backends.
package attr

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Type is the declared type of a custom field.
type Type string

const (
	TypeString  Type = "string"
	TypeNumber  Type = "number"
	TypeBoolean Type = "boolean"
	TypeDate    Type = "date"
	TypeArray   Type = "array"
)

// Valid reports whether t is a known field type.
func (t Type) Valid() bool {
	switch t {
	case TypeString, TypeNumber, TypeBoolean, TypeDate, TypeArray:
		return true
	default:
		return false
	}
}

// Schema maps custom-field keys to their declared types. Stored as JSONB on
// the list row.
type Schema map[string]Type

// Value implements driver.Valuer for Schema.
func (s Schema) Value() (driver.Value, error) {
	if s == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(s)
}

// Scan implements sql.Scanner for Schema.
func (s *Schema) Scan(value any) error {
	if value == nil {
		*s = Schema{}
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		if str, ok := value.(string); ok {
			b = []byte(str)
		} else {
			return fmt.Errorf("cannot scan %T into attr.Schema", value)
		}
	}
	return json.Unmarshal(b, s)
}

// Map holds a subscriber's attributes keyed by field name. Values keep their
// decoded JSON shapes: string, json.Number, bool, []any, map[string]any (plus
// []string for converted import columns). Numbers stay json.Number and array
// elements keep their stored literals so the text form Postgres renders out
// of JSONB matches what the in-memory backend computes.
type Map map[string]any

// Value implements driver.Valuer for Map.
func (m Map) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for Map.
func (m *Map) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into attr.Map", value)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	out := Map{}
	if err := dec.Decode(&out); err != nil {
		return err
	}
	*m = out
	return nil
}

// CanonicalString returns the text form of an attribute value. It matches the
// text Postgres produces for the same value via the JSONB ->> operator, which
// is what the pushdown backend compares against.
func CanonicalString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	default:
		return jsonText(t)
	}
}

// jsonText renders v the way jsonb text output does: elements keep their
// stored literals, strings are quoted without HTML escaping, array elements
// are joined with ", ". Anything else would make the in-memory backend
// disagree with the ->> text the pushdown backend compares against.
func jsonText(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return quoteJSON(t)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case []string:
		parts := make([]string, len(t))
		for i, el := range t {
			parts[i] = quoteJSON(el)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case []any:
		parts := make([]string, len(t))
		for i, el := range t {
			parts[i] = jsonText(el)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case map[string]any:
		// jsonb orders object keys by length, then bytewise.
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			if len(keys[i]) != len(keys[j]) {
				return len(keys[i]) < len(keys[j])
			}
			return keys[i] < keys[j]
		})
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = quoteJSON(k) + ": " + jsonText(t[k])
		}
		return "{" + strings.Join(parts, ", ") + "}"
	default:
		var b bytes.Buffer
		enc := json.NewEncoder(&b)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(t); err != nil {
			return fmt.Sprintf("%v", t)
		}
		return strings.TrimSuffix(b.String(), "\n")
	}
}

// quoteJSON quotes s as a JSON string. Unlike json.Marshal it does not
// HTML-escape <, >, and &, matching what Postgres stores and renders.
func quoteJSON(s string) string {
	var b bytes.Buffer
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	enc.Encode(s)
	return strings.TrimSuffix(b.String(), "\n")
}

// StringOf returns the canonical text form of the attribute stored under key,
// and whether the key exists. An explicit JSON null counts as missing; the
// ->> operator renders it as SQL NULL on the pushdown side.
func (m Map) StringOf(key string) (string, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", false
	}
	return CanonicalString(v), true
}

// NumberOf parses the attribute under key as a number. Mirrors the numeric
// guard used by the pushdown SQL: plain decimal or scientific notation, no
// Inf/NaN, no surrounding whitespace.
func (m Map) NumberOf(key string) (float64, bool) {
	s, ok := m.StringOf(key)
	if !ok {
		return 0, false
	}
	return ParseNumber(s)
}

// NumericPattern is the literal form accepted for numeric comparison. The
// SQL-pushdown backend guards its ::numeric cast with this same pattern, so
// both backends reject the same non-numeric text.
const NumericPattern = `^-?[0-9]+(\.[0-9]+)?([eE][+-]?[0-9]+)?$`

var numericRe = regexp.MustCompile(NumericPattern)

// ParseNumber parses s as the numeric literal both backends accept.
func ParseNumber(s string) (float64, bool) {
	if !numericRe.MatchString(s) {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Convert coerces a raw import string into the typed representation for the
// given field type. Raw values stay strings unless a conversion directive maps
// the column to another type.
func Convert(raw string, t Type) (any, error) {
	switch t {
	case TypeString, "":
		return raw, nil
	case TypeNumber:
		if _, ok := ParseNumber(raw); !ok {
			return nil, fmt.Errorf("not a number: %q", raw)
		}
		return json.Number(raw), nil
	case TypeBoolean:
		switch strings.ToLower(strings.TrimSpace(raw)) {
		case "true", "1", "yes":
			return true, nil
		case "false", "0", "no":
			return false, nil
		}
		return nil, fmt.Errorf("not a boolean: %q", raw)
	case TypeDate:
		for _, layout := range []string{time.RFC3339, "2006-01-02", "2006-01-02 15:04:05"} {
			if ts, err := time.Parse(layout, raw); err == nil {
				return ts.UTC().Format(time.RFC3339), nil
			}
		}
		return nil, fmt.Errorf("not a date: %q", raw)
	case TypeArray:
		trimmed := strings.TrimSpace(raw)
		if strings.HasPrefix(trimmed, "[") {
			var items []string
			if err := json.Unmarshal([]byte(trimmed), &items); err == nil {
				return items, nil
			}
		}
		parts := strings.Split(raw, ",")
		items := make([]string, 0, len(parts))
		for _, p := range parts {
			items = append(items, strings.TrimSpace(p))
		}
		return items, nil
	default:
		return nil, fmt.Errorf("unknown field type: %s", t)
	}
}
