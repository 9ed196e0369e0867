package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/truenas/middlewared/errors"
)

// Registry interns schemas by content and holds named definitions for Ref.
// Equivalent schemas share one entry so introspection stays small. The
// epoch increases on every change so clients can invalidate cached
// introspection.
type Registry struct {
	mu      sync.RWMutex
	byHash  map[string]*Schema
	defined map[string]*Schema
	epoch   atomic.Uint64
}

// NewRegistry creates an empty schema registry
func NewRegistry() *Registry {
	return &Registry{
		byHash:  make(map[string]*Schema),
		defined: make(map[string]*Schema),
	}
}

// Intern returns the content hash of s and the canonical instance with that hash
func (r *Registry) Intern(s *Schema) (string, *Schema) {
	hash := Hash(s)

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byHash[hash]; ok {
		return hash, existing
	}
	r.byHash[hash] = s
	r.epoch.Add(1)
	return hash, s
}

// Define registers s under name for use by Ref. Redefining a name with a
// different schema replaces it.
func (r *Registry) Define(name string, s *Schema) error {
	if name == "" || s == nil {
		return errors.WrapInvalid(errors.ErrInvalidData, "SchemaRegistry", "Define", "validate definition")
	}
	_, canonical := r.Intern(s)

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.defined[name]; ok && prev == canonical {
		return nil
	}
	r.defined[name] = canonical
	r.epoch.Add(1)
	return nil
}

// Resolve implements Resolver
func (r *Registry) Resolve(name string) (*Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.defined[name]
	return s, ok
}

// Definitions returns the named schemas exported as JSON Schema
func (r *Registry) Definitions() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]any, len(r.defined))
	for name, s := range r.defined {
		out[name] = JSONSchema(s)
	}
	return out
}

// Len returns the number of distinct interned schemas
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byHash)
}

// Epoch returns the change counter
func (r *Registry) Epoch() uint64 {
	return r.epoch.Load()
}

// Bump advances the epoch for changes made outside the registry, such as a
// method being re-registered with an already interned schema.
func (r *Registry) Bump() uint64 {
	return r.epoch.Add(1)
}

// Validate is Validate with references resolved against r
func (r *Registry) Validate(s *Schema, value any) (any, error) {
	return validateWith(r, s, value)
}

// ValidateParams is ValidateParams with references resolved against r
func (r *Registry) ValidateParams(params []Param, args []any) ([]any, error) {
	return validateParamsWith(r, params, args)
}

// Hash returns the SHA-256 of the canonical JSON Schema encoding of s
func Hash(s *Schema) string {
	// encoding/json sorts map keys, which makes the encoding canonical
	data, err := json.Marshal(JSONSchema(s))
	if err != nil {
		data = []byte(fmt.Sprintf("%p", s))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// JSONSchema exports s as a JSON Schema document fragment
func JSONSchema(s *Schema) map[string]any {
	if s == nil {
		return map[string]any{}
	}

	out := map[string]any{}
	switch s.Kind {
	case KindAny:
	case KindNull:
		out["type"] = "null"
	case KindBool:
		out["type"] = "boolean"
	case KindInt, KindNumber:
		out["type"] = s.Kind.String()
		if s.Minimum != nil {
			out["minimum"] = *s.Minimum
		}
		if s.Maximum != nil {
			out["maximum"] = *s.Maximum
		}
	case KindString:
		out["type"] = "string"
		if s.MinLen != nil {
			out["minLength"] = *s.MinLen
		}
		if s.MaxLen != nil {
			out["maxLength"] = *s.MaxLen
		}
		if s.Pattern != "" {
			out["pattern"] = s.Pattern
		}
	case KindEnum:
		out["enum"] = s.Values
	case KindArray:
		out["type"] = "array"
		if s.Items != nil {
			out["items"] = JSONSchema(s.Items)
		}
		if s.MinItems != nil {
			out["minItems"] = *s.MinItems
		}
		if s.MaxItems != nil {
			out["maxItems"] = *s.MaxItems
		}
	case KindObject:
		out["type"] = "object"
		props := make(map[string]any, len(s.Fields))
		var required []string
		for _, f := range s.Fields {
			p := JSONSchema(f.Schema)
			if f.HasDefault {
				p["default"] = f.Default
			}
			props[f.Name] = p
			if f.Required {
				required = append(required, f.Name)
			}
		}
		out["properties"] = props
		if len(required) > 0 {
			out["required"] = required
		}
		out["additionalProperties"] = s.Strict != ForbidExtra
	case KindUnion:
		variants := make([]any, len(s.Variants))
		for i, v := range s.Variants {
			variants[i] = JSONSchema(v)
		}
		out["anyOf"] = variants
		if s.Discriminator != "" {
			out["discriminator"] = map[string]any{"propertyName": s.Discriminator}
		}
	case KindSecret:
		out = JSONSchema(s.Inner)
		out["writeOnly"] = true
		out["_secret"] = true
	case KindRef:
		out["$ref"] = "#/definitions/" + s.Ref
	}

	if s.Description != "" {
		out["description"] = s.Description
	}
	if s.Nullable {
		out = map[string]any{"anyOf": []any{out, map[string]any{"type": "null"}}}
	}
	return out
}

// ParamsJSONSchema exports a positional parameter list as an array schema
func ParamsJSONSchema(params []Param) map[string]any {
	items := make([]any, len(params))
	required := 0
	for i, p := range params {
		item := JSONSchema(p.Schema)
		item["title"] = p.Name
		if p.HasDefault {
			item["default"] = p.Default
		}
		items[i] = item
		if p.Required {
			required = i + 1
		}
	}
	return map[string]any{
		"type":        "array",
		"prefixItems": items,
		"minItems":    required,
		"maxItems":    len(params),
	}
}
