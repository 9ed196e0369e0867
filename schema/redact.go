package schema

// Redacted replaces secret values in logs, job argument dumps and audit records
const Redacted = "********"

// Redact returns a copy of value with every Secret replaced by Redacted
func Redact(s *Schema, value any) any {
	return redact(nil, s, normalize(value), 0)
}

// RedactParams redacts a positional argument list
func RedactParams(params []Param, args []any) []any {
	return redactParams(nil, params, args)
}

// Redact is Redact with references resolved against r
func (r *Registry) Redact(s *Schema, value any) any {
	return redact(r, s, normalize(value), 0)
}

// RedactParams is RedactParams with references resolved against r
func (r *Registry) RedactParams(params []Param, args []any) []any {
	return redactParams(r, params, args)
}

func redactParams(r Resolver, params []Param, args []any) []any {
	out := make([]any, len(args))
	for i, arg := range args {
		if i < len(params) {
			out[i] = redact(r, params[i].Schema, normalize(arg), 0)
		} else {
			out[i] = normalize(arg)
		}
	}
	return out
}

func redact(r Resolver, s *Schema, value any, depth int) any {
	if s == nil || value == nil || depth > maxRefDepth {
		return value
	}

	switch s.Kind {
	case KindSecret:
		return Redacted
	case KindRef:
		if r == nil {
			return value
		}
		target, ok := r.Resolve(s.Ref)
		if !ok {
			return value
		}
		return redact(r, target, value, depth+1)
	case KindArray:
		list, ok := value.([]any)
		if !ok {
			return value
		}
		out := make([]any, len(list))
		for i, item := range list {
			out[i] = redact(r, s.Items, item, depth)
		}
		return out
	case KindObject:
		obj, ok := value.(map[string]any)
		if !ok {
			return value
		}
		fields := make(map[string]*Schema, len(s.Fields))
		for _, f := range s.Fields {
			fields[f.Name] = f.Schema
		}
		out := make(map[string]any, len(obj))
		for k, item := range obj {
			out[k] = redact(r, fields[k], item, depth)
		}
		return out
	case KindUnion:
		for _, variant := range s.Variants {
			if _, err := validateWith(r, variant, value); err == nil {
				return redact(r, variant, value, depth)
			}
		}
		// no variant matched; redact with every variant that has secrets
		for _, variant := range s.Variants {
			value = redact(r, variant, value, depth)
		}
		return value
	}
	return value
}
