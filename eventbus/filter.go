package eventbus

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/truenas/middlewared/errors"
	"github.com/truenas/middlewared/schema"
)

// Filter is one [field, op, value] condition. Field is a dotted path into
// the event fields; "id" falls back to the event id.
type Filter struct {
	Field string
	Op    string
	Value any
}

var filterOps = map[string]struct{}{
	"=": {}, "!=": {}, ">": {}, ">=": {}, "<": {}, "<=": {},
	"in": {}, "nin": {}, "^": {}, "$": {},
}

// ParseFilters decodes the wire form: a list of three-element lists
func ParseFilters(raw any) ([]Filter, error) {
	if raw == nil {
		return nil, nil
	}
	list, ok := schema.Normalize(raw).([]any)
	if !ok {
		return nil, errors.Invalid("filters must be a list")
	}

	var verrs errors.ValidationErrors
	filters := make([]Filter, 0, len(list))
	for i, item := range list {
		path := fmt.Sprintf("filters[%d]", i)
		triple, ok := item.([]any)
		if !ok || len(triple) != 3 {
			verrs.Add(path, errors.CodeType, "Filter must be [field, op, value]")
			continue
		}
		field, ok := triple[0].(string)
		if !ok || field == "" {
			verrs.Add(path+"[0]", errors.CodeType, "Field must be a non-empty string")
			continue
		}
		op, ok := triple[1].(string)
		if _, known := filterOps[op]; !ok || !known {
			verrs.Add(path+"[1]", errors.CodeEnum, "Unknown operator %v", triple[1])
			continue
		}
		if op == "in" || op == "nin" {
			if _, isList := triple[2].([]any); !isList {
				verrs.Add(path+"[2]", errors.CodeType, "Operator %s requires a list", op)
				continue
			}
		}
		if op == "^" || op == "$" {
			if _, isStr := triple[2].(string); !isStr {
				verrs.Add(path+"[2]", errors.CodeType, "Operator %s requires a string", op)
				continue
			}
		}
		filters = append(filters, Filter{Field: field, Op: op, Value: triple[2]})
	}
	if err := verrs.Err(); err != nil {
		return nil, err
	}
	return filters, nil
}

// MatchAll reports whether every filter matches the record
func MatchAll(filters []Filter, record map[string]any) bool {
	for _, f := range filters {
		if !f.Match(record) {
			return false
		}
	}
	return true
}

// Match evaluates f against record
func (f Filter) Match(record map[string]any) bool {
	actual, ok := lookup(record, f.Field)
	if !ok {
		return f.Op == "!=" || f.Op == "nin"
	}
	return compare(schema.Normalize(actual), f.Op, schema.Normalize(f.Value))
}

func (e Event) matches(filters []Filter) bool {
	if len(filters) == 0 {
		return true
	}
	record, _ := e.Fields.(map[string]any)
	if record == nil {
		record = map[string]any{}
	}
	if _, has := record["id"]; !has && e.ID != nil {
		withID := make(map[string]any, len(record)+1)
		for k, v := range record {
			withID[k] = v
		}
		withID["id"] = schema.Normalize(e.ID)
		record = withID
	}
	return MatchAll(filters, record)
}

func lookup(record map[string]any, path string) (any, bool) {
	var cur any = record
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = obj[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func compare(actual any, op string, expected any) bool {
	switch op {
	case "=":
		return reflect.DeepEqual(actual, expected)
	case "!=":
		return !reflect.DeepEqual(actual, expected)
	case "in", "nin":
		list, _ := expected.([]any)
		found := false
		for _, v := range list {
			if reflect.DeepEqual(actual, v) {
				found = true
				break
			}
		}
		return found == (op == "in")
	case "^", "$":
		s, ok1 := actual.(string)
		affix, ok2 := expected.(string)
		if !ok1 || !ok2 {
			return false
		}
		if op == "^" {
			return strings.HasPrefix(s, affix)
		}
		return strings.HasSuffix(s, affix)
	}

	c, ok := order(actual, expected)
	if !ok {
		return false
	}
	switch op {
	case ">":
		return c > 0
	case ">=":
		return c >= 0
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	}
	return false
}

func order(a, b any) (int, bool) {
	switch x := a.(type) {
	case float64:
		y, ok := b.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	}
	return 0, false
}
