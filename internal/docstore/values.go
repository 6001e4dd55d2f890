package docstore

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

var fieldNameRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidField reports whether name can be used as a field name. Backends
// embed field names in query paths, so the alphabet is restricted.
func ValidField(name string) error {
	if !fieldNameRegex.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidField, name)
	}
	return nil
}

// Normalize converts caller-supplied values into their stored form: times
// become TimeLayout strings, string lists are copied, integers widen to
// int64. The "id" key is dropped since ids live outside the fields.
func Normalize(fields Fields) (Fields, error) {
	out := make(Fields, len(fields))
	for k, v := range fields {
		if k == "id" {
			continue
		}
		if err := ValidField(k); err != nil {
			return nil, err
		}
		nv, err := normalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		out[k] = nv
	}
	return out, nil
}

func normalizeValue(v any) (any, error) {
	switch x := v.(type) {
	case nil, string, bool, float64, int64:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case float32:
		return float64(x), nil
	case time.Time:
		return FormatTime(x), nil
	case []string:
		return append([]string{}, x...), nil
	case []any:
		return toStrings(x), nil
	case SetOp:
		return nil, fmt.Errorf("set operations are only valid in updates")
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// CloneFields returns a deep copy of fields.
func CloneFields(fields Fields) Fields {
	out := make(Fields, len(fields))
	for k, v := range fields {
		if list, ok := v.([]string); ok {
			out[k] = append([]string{}, list...)
			continue
		}
		out[k] = v
	}
	return out
}

// ApplyUpdate returns current with update merged in. SetOp values modify
// list fields in place of a plain assignment.
func ApplyUpdate(current, update Fields) (Fields, error) {
	out := CloneFields(current)
	for k, v := range update {
		if k == "id" {
			continue
		}
		if err := ValidField(k); err != nil {
			return nil, err
		}
		op, ok := v.(SetOp)
		if !ok {
			nv, err := normalizeValue(v)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", k, err)
			}
			out[k] = nv
			continue
		}
		list := toStrings(out[k])
		if op.Remove {
			list = removeAll(list, op.Values)
		} else {
			list = union(list, op.Values)
		}
		out[k] = list
	}
	return out, nil
}

func union(list, values []string) []string {
	for _, v := range values {
		if !containsString(list, v) {
			list = append(list, v)
		}
	}
	return list
}

func removeAll(list, values []string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if !containsString(values, v) {
			out = append(out, v)
		}
	}
	return out
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func toStrings(v any) []string {
	switch x := v.(type) {
	case []string:
		return append([]string{}, x...)
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if x == "" {
			return []string{}
		}
		return []string{x}
	default:
		return []string{}
	}
}

// Matches reports whether fields satisfy every predicate.
func Matches(fields Fields, where []Predicate) bool {
	for _, p := range where {
		if !matchOne(fields, p) {
			return false
		}
	}
	return true
}

func matchOne(fields Fields, p Predicate) bool {
	v, present := fields[p.Field]
	switch p.Op {
	case OpEqual:
		want, err := normalizeValue(p.Value)
		if err != nil || !present {
			return false
		}
		return compareValues(v, want) == 0 && sameKind(v, want)
	case OpArrayContains:
		want, ok := p.Value.(string)
		if !ok {
			return false
		}
		switch list := v.(type) {
		case []string, []any:
			return containsString(toStrings(list), want)
		default:
			return false
		}
	case OpIsEmpty:
		switch x := v.(type) {
		case nil:
			return true
		case string:
			return x == ""
		case []string:
			return len(x) == 0
		case []any:
			return len(x) == 0
		default:
			return false
		}
	default:
		return false
	}
}

// SortDocuments orders docs in place by order. The sort is stable, so
// documents with equal keys keep their insertion order.
func SortDocuments(docs []*Document, order *OrderBy) {
	if order == nil {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		c := compareValues(docs[i].Fields[order.Field], docs[j].Fields[order.Field])
		if order.Desc {
			return c > 0
		}
		return c < 0
	})
}

// kind ranks value types so mixed-type fields sort deterministically.
func kind(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case int64, float64, int:
		return 2
	case string:
		return 3
	default:
		return 4
	}
}

func sameKind(a, b any) bool { return kind(a) == kind(b) }

func compareValues(a, b any) int {
	ka, kb := kind(a), kind(b)
	if ka != kb {
		return ka - kb
	}
	switch x := a.(type) {
	case nil:
		return 0
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		default:
			return 1
		}
	case string:
		return strings.Compare(x, b.(string))
	case int64, float64, int:
		fa, fb := toFloat(a), toFloat(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	default:
		return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
	}
}

func toFloat(v any) float64 {
	switch x := v.(type) {
	case int64:
		return float64(x)
	case int:
		return float64(x)
	case float64:
		return x
	default:
		return 0
	}
}
