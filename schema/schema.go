// Package schema declares the argument and result shapes of methods and
// validates values against them.
//
// Schemas are built from constructors and refined with chained methods,
// each of which returns a modified copy:
//
//	schema.Object(
//	    schema.Required("name", schema.String().MaxLength(200)),
//	    schema.Optional("quota", schema.Int().Min(0), 0),
//	    schema.Optional("password", schema.Secret(schema.String()), nil),
//	).Extra(schema.ForbidExtra)
//
// Validation never casts numeric strings and accepts JSON numbers for
// integers only when they are integral. It reports every problem found.
package schema

import (
	"regexp"
	"sync"

	"github.com/truenas/middlewared/errors"
)

// Re-exported so method authors only import this package
type (
	ValidationError  = errors.ValidationError
	ValidationErrors = errors.ValidationErrors
)

// Kind enumerates schema types
type Kind int

const (
	KindAny Kind = iota
	KindNull
	KindBool
	KindInt
	KindNumber
	KindString
	KindEnum
	KindArray
	KindObject
	KindUnion
	KindSecret
	KindRef
)

var kindNames = [...]string{"any", "null", "boolean", "integer", "number", "string", "enum", "array", "object", "union", "secret", "ref"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Strictness controls unknown object keys
type Strictness int

const (
	// ForbidExtra reports unknown keys with code "extra"
	ForbidExtra Strictness = iota
	// AllowExtra keeps unknown keys unvalidated
	AllowExtra
	// IgnoreExtra drops unknown keys from the coerced value
	IgnoreExtra
)

// Schema describes one value. The zero value accepts anything.
type Schema struct {
	Kind        Kind
	Description string
	Nullable    bool

	Minimum *float64
	Maximum *float64

	MinLen  *int
	MaxLen  *int
	Pattern string

	Values []any

	Items    *Schema
	MinItems *int
	MaxItems *int

	Fields []Field
	Strict Strictness

	Variants      []*Schema
	Discriminator string

	Inner *Schema
	Ref   string

	patternOnce sync.Once
	patternRe   *regexp.Regexp
}

// Field is a named member of an object schema
type Field struct {
	Name       string
	Schema     *Schema
	Required   bool
	Default    any
	HasDefault bool
}

// Param is a positional method argument. Params share Field's shape so the
// same validation applies.
type Param = Field

// Required declares a required field or param
func Required(name string, s *Schema) Field {
	return Field{Name: name, Schema: s, Required: true}
}

// Optional declares an optional field or param with a default; a nil default
// leaves the member absent when not supplied.
func Optional(name string, s *Schema, def any) Field {
	return Field{Name: name, Schema: s, Default: def, HasDefault: def != nil}
}

func (s *Schema) clone() *Schema {
	c := &Schema{
		Kind:          s.Kind,
		Description:   s.Description,
		Nullable:      s.Nullable,
		Minimum:       s.Minimum,
		Maximum:       s.Maximum,
		MinLen:        s.MinLen,
		MaxLen:        s.MaxLen,
		Pattern:       s.Pattern,
		Values:        s.Values,
		Items:         s.Items,
		MinItems:      s.MinItems,
		MaxItems:      s.MaxItems,
		Fields:        s.Fields,
		Strict:        s.Strict,
		Variants:      s.Variants,
		Discriminator: s.Discriminator,
		Inner:         s.Inner,
		Ref:           s.Ref,
	}
	return c
}

// Any accepts every value
func Any() *Schema { return &Schema{Kind: KindAny} }

// Null accepts only null
func Null() *Schema { return &Schema{Kind: KindNull} }

// Bool accepts booleans
func Bool() *Schema { return &Schema{Kind: KindBool} }

// Int accepts integral numbers
func Int() *Schema { return &Schema{Kind: KindInt} }

// Number accepts any number
func Number() *Schema { return &Schema{Kind: KindNumber} }

// String accepts strings
func String() *Schema { return &Schema{Kind: KindString} }

// Enum accepts one of values
func Enum(values ...any) *Schema {
	norm := make([]any, len(values))
	for i, v := range values {
		norm[i] = normalize(v)
	}
	return &Schema{Kind: KindEnum, Values: norm}
}

// Array accepts lists whose elements match items
func Array(items *Schema) *Schema { return &Schema{Kind: KindArray, Items: items} }

// Object accepts maps with the given fields; unknown keys are forbidden by default
func Object(fields ...Field) *Schema {
	return &Schema{Kind: KindObject, Fields: fields, Strict: ForbidExtra}
}

// Dict accepts any object, keeping every key
func Dict() *Schema { return &Schema{Kind: KindObject, Strict: AllowExtra} }

// Union accepts a value matching one of variants. Variants are tried in order.
func Union(variants ...*Schema) *Schema { return &Schema{Kind: KindUnion, Variants: variants} }

// TaggedUnion selects the variant by the value of field discriminator. Each
// variant must be an object whose discriminator field is an enum.
func TaggedUnion(discriminator string, variants ...*Schema) *Schema {
	return &Schema{Kind: KindUnion, Variants: variants, Discriminator: discriminator}
}

// Secret marks inner as sensitive; Redact replaces it in logs and dumps
func Secret(inner *Schema) *Schema { return &Schema{Kind: KindSecret, Inner: inner} }

// Ref refers to a schema registered with Registry.Define
func Ref(name string) *Schema { return &Schema{Kind: KindRef, Ref: name} }

// OrNull additionally accepts null
func (s *Schema) OrNull() *Schema {
	c := s.clone()
	c.Nullable = true
	return c
}

// Describe sets the description shown by introspection
func (s *Schema) Describe(d string) *Schema {
	c := s.clone()
	c.Description = d
	return c
}

// Min sets an inclusive lower bound for numbers
func (s *Schema) Min(v float64) *Schema {
	c := s.clone()
	c.Minimum = &v
	return c
}

// Max sets an inclusive upper bound for numbers
func (s *Schema) Max(v float64) *Schema {
	c := s.clone()
	c.Maximum = &v
	return c
}

// MinLength bounds string length in runes
func (s *Schema) MinLength(n int) *Schema {
	c := s.clone()
	c.MinLen = &n
	return c
}

// MaxLength bounds string length in runes
func (s *Schema) MaxLength(n int) *Schema {
	c := s.clone()
	c.MaxLen = &n
	return c
}

// Match requires strings to match the RE2 pattern, anchored by the caller
func (s *Schema) Match(pattern string) *Schema {
	c := s.clone()
	c.Pattern = pattern
	return c
}

// Length bounds array length
func (s *Schema) Length(minItems, maxItems int) *Schema {
	c := s.clone()
	if minItems >= 0 {
		c.MinItems = &minItems
	}
	if maxItems >= 0 {
		c.MaxItems = &maxItems
	}
	return c
}

// Extra sets the object strictness
func (s *Schema) Extra(strict Strictness) *Schema {
	c := s.clone()
	c.Strict = strict
	return c
}

func (s *Schema) regexp() (*regexp.Regexp, error) {
	var err error
	s.patternOnce.Do(func() {
		s.patternRe, err = regexp.Compile(s.Pattern)
	})
	if s.patternRe == nil && err == nil {
		// a previous compile failed; compile again to surface the error
		_, err = regexp.Compile(s.Pattern)
	}
	return s.patternRe, err
}
