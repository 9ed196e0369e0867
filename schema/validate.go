package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"unicode/utf8"

	"github.com/truenas/middlewared/errors"
)

// Resolver looks up named schemas for Ref
type Resolver interface {
	Resolve(name string) (*Schema, bool)
}

// Validate checks value against s and returns the coerced value, or a
// *ValidationErrors listing every problem. Refs are reported as unresolved;
// use Registry.Validate to resolve them.
func Validate(s *Schema, value any) (any, error) {
	return validateWith(nil, s, value)
}

// ValidateParams validates a positional argument list. Missing required
// params are reported at the param name, surplus arguments at "[i]".
func ValidateParams(params []Param, args []any) ([]any, error) {
	return validateParamsWith(nil, params, args)
}

func validateWith(r Resolver, s *Schema, value any) (any, error) {
	v := &validator{resolver: r}
	out := v.value("", s, normalize(value))
	if v.errs.Len() > 0 {
		return nil, &v.errs
	}
	return out, nil
}

func validateParamsWith(r Resolver, params []Param, args []any) ([]any, error) {
	v := &validator{resolver: r}
	out := make([]any, 0, len(params))

	for i, p := range params {
		if i >= len(args) {
			switch {
			case p.Required:
				v.errs.Add(p.Name, errors.CodeRequired, "Field required")
			case p.HasDefault:
				out = append(out, deepCopy(p.Default))
			default:
				out = append(out, nil)
			}
			continue
		}
		out = append(out, v.value(p.Name, p.Schema, normalize(args[i])))
	}

	for i := len(params); i < len(args); i++ {
		v.errs.Add(fmt.Sprintf("[%d]", i), errors.CodeExtra, "Unexpected argument")
	}

	if v.errs.Len() > 0 {
		return nil, &v.errs
	}
	return out, nil
}

type validator struct {
	resolver Resolver
	errs     errors.ValidationErrors
	depth    int
}

const maxRefDepth = 64

func join(path, field string) string {
	if path == "" {
		return field
	}
	return path + "." + field
}

func index(path string, i int) string {
	return path + "[" + strconv.Itoa(i) + "]"
}

func (v *validator) value(path string, s *Schema, value any) any {
	if s == nil {
		return value
	}
	if value == nil {
		if s.Nullable || s.Kind == KindAny || s.Kind == KindNull {
			return nil
		}
		if s.Kind == KindSecret && s.Inner != nil {
			return v.value(path, s.Inner, nil)
		}
		if s.Kind == KindRef {
			return v.ref(path, s, nil)
		}
		if s.Kind == KindUnion {
			return v.union(path, s, nil)
		}
		v.errs.Add(path, errors.CodeType, "Expected %s, got null", s.Kind)
		return nil
	}

	switch s.Kind {
	case KindAny:
		return value
	case KindNull:
		v.errs.Add(path, errors.CodeType, "Expected null")
		return nil
	case KindBool:
		if _, ok := value.(bool); !ok {
			v.errs.Add(path, errors.CodeType, "Expected boolean, got %s", typeName(value))
		}
		return value
	case KindInt:
		return v.integer(path, s, value)
	case KindNumber:
		return v.number(path, s, value)
	case KindString:
		return v.str(path, s, value)
	case KindEnum:
		for _, allowed := range s.Values {
			if reflect.DeepEqual(allowed, value) {
				return value
			}
		}
		v.errs.Add(path, errors.CodeEnum, "Value must be one of %v", s.Values)
		return value
	case KindArray:
		return v.array(path, s, value)
	case KindObject:
		return v.object(path, s, value)
	case KindUnion:
		return v.union(path, s, value)
	case KindSecret:
		return v.value(path, s.Inner, value)
	case KindRef:
		return v.ref(path, s, value)
	}
	return value
}

func (v *validator) integer(path string, s *Schema, value any) any {
	f, ok := value.(float64)
	if !ok {
		v.errs.Add(path, errors.CodeType, "Expected integer, got %s", typeName(value))
		return value
	}
	// float64(MaxInt64) rounds up to 2^63, which int64 cannot hold
	if f != math.Trunc(f) || math.IsInf(f, 0) || f >= math.MaxInt64 || f < math.MinInt64 {
		v.errs.Add(path, errors.CodeType, "Expected integer, got non-integral number")
		return value
	}
	v.bounds(path, s, f)
	return int64(f)
}

func (v *validator) number(path string, s *Schema, value any) any {
	f, ok := value.(float64)
	if !ok {
		v.errs.Add(path, errors.CodeType, "Expected number, got %s", typeName(value))
		return value
	}
	v.bounds(path, s, f)
	return f
}

func (v *validator) bounds(path string, s *Schema, f float64) {
	if s.Minimum != nil && f < *s.Minimum {
		v.errs.Add(path, errors.CodeMin, "Should be greater than or equal to %v", *s.Minimum)
	}
	if s.Maximum != nil && f > *s.Maximum {
		v.errs.Add(path, errors.CodeMax, "Should be less than or equal to %v", *s.Maximum)
	}
}

func (v *validator) str(path string, s *Schema, value any) any {
	str, ok := value.(string)
	if !ok {
		v.errs.Add(path, errors.CodeType, "Expected string, got %s", typeName(value))
		return value
	}
	n := utf8.RuneCountInString(str)
	if s.MinLen != nil && n < *s.MinLen {
		v.errs.Add(path, errors.CodeMinLength, "Should have at least %d characters", *s.MinLen)
	}
	if s.MaxLen != nil && n > *s.MaxLen {
		v.errs.Add(path, errors.CodeMaxLength, "Should have at most %d characters", *s.MaxLen)
	}
	if s.Pattern != "" {
		re, err := s.regexp()
		if err != nil {
			v.errs.Add(path, errors.CodePattern, "Invalid pattern %q", s.Pattern)
		} else if !re.MatchString(str) {
			v.errs.Add(path, errors.CodePattern, "Does not match pattern %q", s.Pattern)
		}
	}
	return str
}

func (v *validator) array(path string, s *Schema, value any) any {
	list, ok := value.([]any)
	if !ok {
		v.errs.Add(path, errors.CodeType, "Expected array, got %s", typeName(value))
		return value
	}
	if s.MinItems != nil && len(list) < *s.MinItems {
		v.errs.Add(path, errors.CodeMinItems, "Should have at least %d items", *s.MinItems)
	}
	if s.MaxItems != nil && len(list) > *s.MaxItems {
		v.errs.Add(path, errors.CodeMaxItems, "Should have at most %d items", *s.MaxItems)
	}
	out := make([]any, len(list))
	for i, item := range list {
		out[i] = v.value(index(path, i), s.Items, item)
	}
	return out
}

func (v *validator) object(path string, s *Schema, value any) any {
	obj, ok := value.(map[string]any)
	if !ok {
		v.errs.Add(path, errors.CodeType, "Expected object, got %s", typeName(value))
		return value
	}

	out := make(map[string]any, len(obj))
	known := make(map[string]struct{}, len(s.Fields))
	for _, f := range s.Fields {
		known[f.Name] = struct{}{}
		fv, present := obj[f.Name]
		if !present {
			if f.Required {
				v.errs.Add(join(path, f.Name), errors.CodeRequired, "Field required")
			} else if f.HasDefault {
				out[f.Name] = deepCopy(f.Default)
			}
			continue
		}
		out[f.Name] = v.value(join(path, f.Name), f.Schema, fv)
	}

	for _, key := range sortedKeys(obj) {
		if _, ok := known[key]; ok {
			continue
		}
		switch s.Strict {
		case ForbidExtra:
			v.errs.Add(join(path, key), errors.CodeExtra, "Extra fields not permitted")
		case AllowExtra:
			out[key] = obj[key]
		}
	}
	return out
}

func (v *validator) union(path string, s *Schema, value any) any {
	if s.Discriminator != "" {
		obj, ok := value.(map[string]any)
		if !ok {
			v.errs.Add(path, errors.CodeType, "Expected object, got %s", typeName(value))
			return value
		}
		tag, present := obj[s.Discriminator]
		if !present {
			v.errs.Add(join(path, s.Discriminator), errors.CodeRequired, "Discriminator required")
			return value
		}
		for _, variant := range s.Variants {
			if variantTag(v.resolve(variant), s.Discriminator, tag) {
				return v.value(path, variant, value)
			}
		}
		v.errs.Add(join(path, s.Discriminator), errors.CodeUnion, "Unknown discriminator value %v", tag)
		return value
	}

	for _, variant := range s.Variants {
		sub := &validator{resolver: v.resolver, depth: v.depth}
		out := sub.value(path, variant, value)
		if sub.errs.Len() == 0 {
			return out
		}
	}
	v.errs.Add(path, errors.CodeUnion, "Value does not match any of %d variants", len(s.Variants))
	return value
}

func variantTag(variant *Schema, field string, tag any) bool {
	if variant == nil || variant.Kind != KindObject {
		return false
	}
	for _, f := range variant.Fields {
		if f.Name != field || f.Schema == nil {
			continue
		}
		for _, allowed := range f.Schema.Values {
			if reflect.DeepEqual(allowed, tag) {
				return true
			}
		}
	}
	return false
}

func (v *validator) resolve(s *Schema) *Schema {
	for i := 0; s != nil && s.Kind == KindRef && i < maxRefDepth; i++ {
		if v.resolver == nil {
			return nil
		}
		next, ok := v.resolver.Resolve(s.Ref)
		if !ok {
			return nil
		}
		s = next
	}
	return s
}

func (v *validator) ref(path string, s *Schema, value any) any {
	if v.depth >= maxRefDepth {
		v.errs.Add(path, errors.CodeUnresolvedRef, "Reference %q nests too deeply", s.Ref)
		return value
	}
	var target *Schema
	var ok bool
	if v.resolver != nil {
		target, ok = v.resolver.Resolve(s.Ref)
	}
	if !ok {
		v.errs.Add(path, errors.CodeUnresolvedRef, "Unresolved schema reference %q", s.Ref)
		return value
	}
	if value == nil && s.Nullable {
		return nil
	}
	v.depth++
	defer func() { v.depth-- }()
	return v.value(path, target, value)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func typeName(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", value)
	}
}

// normalize converts Go values into the JSON value model: nil, bool, float64,
// string, []any and map[string]any. Values with other types pass through and
// fail type checks.
func normalize(value any) any {
	switch x := value.(type) {
	case nil, bool, float64, string:
		return x
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = normalize(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = normalize(item)
		}
		return out
	case int:
		return float64(x)
	case int8:
		return float64(x)
	case int16:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint:
		return float64(x)
	case uint8:
		return float64(x)
	case uint16:
		return float64(x)
	case uint32:
		return float64(x)
	case uint64:
		return float64(x)
	case float32:
		return float64(x)
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(x, &decoded); err == nil {
			return decoded
		}
		return x
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = normalize(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return value
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = normalize(iter.Value().Interface())
		}
		return out
	case reflect.Pointer:
		if rv.IsNil() {
			return nil
		}
		return normalize(rv.Elem().Interface())
	}
	return value
}

// Normalize exposes the JSON value model conversion to callers that compare
// or hash values.
func Normalize(value any) any {
	return normalize(value)
}

func deepCopy(value any) any {
	switch x := value.(type) {
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = deepCopy(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = deepCopy(item)
		}
		return out
	default:
		return normalize(x)
	}
}

// Freeze returns a deep copy of value in the JSON value model, detached from
// the caller's maps and slices.
func Freeze(value any) any {
	return deepCopy(normalize(value))
}
