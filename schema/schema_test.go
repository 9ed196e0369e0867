package schema

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truenas/middlewared/errors"
)

func problems(t *testing.T, err error) []ValidationError {
	t.Helper()
	require.Error(t, err)
	var verrs *ValidationErrors
	require.ErrorAs(t, err, &verrs)
	return verrs.Items()
}

func TestValidateParams_Echo(t *testing.T) {
	params := []Param{Required("msg", String())}

	out, err := ValidateParams(params, []any{"hi"})
	require.NoError(t, err)
	assert.Equal(t, []any{"hi"}, out)

	items := problems(t, func() error { _, err := ValidateParams(params, nil); return err }())
	require.Len(t, items, 1)
	assert.Equal(t, "msg", items[0].Path)
	assert.Equal(t, errors.CodeRequired, items[0].Code)
}

func TestValidateParams_ExtraAndDefaults(t *testing.T) {
	params := []Param{
		Required("id", Int()),
		Optional("options", Object(Optional("force", Bool(), false)), map[string]any{}),
	}

	out, err := ValidateParams(params, []any{7})
	require.NoError(t, err)
	assert.Equal(t, int64(7), out[0])
	assert.Equal(t, map[string]any{}, out[1])

	_, err = ValidateParams(params, []any{1, map[string]any{}, "surplus"})
	items := problems(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "[2]", items[0].Path)
	assert.Equal(t, errors.CodeExtra, items[0].Code)
}

func TestValidate_Scalars(t *testing.T) {
	tests := []struct {
		name  string
		s     *Schema
		value any
		code  string
		want  any
	}{
		{"int from integral float", Int(), 3.0, "", int64(3)},
		{"int from go int", Int(), 42, "", int64(42)},
		{"int rejects fraction", Int(), 3.5, errors.CodeType, nil},
		{"int rejects numeric string", Int(), "3", errors.CodeType, nil},
		{"int rejects 2^63", Int(), float64(math.MaxInt64), errors.CodeType, nil},
		{"int accepts -2^63", Int(), float64(math.MinInt64), "", int64(math.MinInt64)},
		{"int accepts 2^62", Int(), float64(1 << 62), "", int64(1 << 62)},
		{"int min", Int().Min(1), 0, errors.CodeMin, nil},
		{"int max", Int().Max(10), 11, errors.CodeMax, nil},
		{"number", Number(), 1.5, "", 1.5},
		{"bool rejects string", Bool(), "true", errors.CodeType, nil},
		{"string min length", String().MinLength(2), "a", errors.CodeMinLength, nil},
		{"string max length counts runes", String().MaxLength(2), "éé", "", "éé"},
		{"string pattern", String().Match(`^[a-z]+$`), "ABC", errors.CodePattern, nil},
		{"enum ok", Enum("ON", "OFF"), "ON", "", "ON"},
		{"enum numeric", Enum(1, 2), 2, "", 2.0},
		{"enum rejects", Enum("ON", "OFF"), "MAYBE", errors.CodeEnum, nil},
		{"null rejected", String(), nil, errors.CodeType, nil},
		{"nullable accepts null", String().OrNull(), nil, "", nil},
		{"any", Any(), map[string]any{"a": 1}, "", map[string]any{"a": 1.0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Validate(tt.s, tt.value)
			if tt.code == "" {
				require.NoError(t, err)
				assert.Equal(t, tt.want, out)
				return
			}
			items := problems(t, err)
			assert.Equal(t, tt.code, items[0].Code)
		})
	}
}

func TestValidate_ObjectStrictness(t *testing.T) {
	base := Object(Required("name", String()), Optional("quota", Int(), 0))
	value := map[string]any{"name": "tank", "extra": true}

	_, err := Validate(base, value)
	items := problems(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "extra", items[0].Path)
	assert.Equal(t, errors.CodeExtra, items[0].Code)

	out, err := Validate(base.Extra(AllowExtra), value)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "tank", "quota": 0.0, "extra": true}, out)

	out, err = Validate(base.Extra(IgnoreExtra), value)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "tank", "quota": 0.0}, out)
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	s := Object(
		Required("name", String().MaxLength(3)),
		Required("size", Int().Min(1)),
		Required("tags", Array(String()).Length(1, 2)),
	)

	_, err := Validate(s, map[string]any{
		"name": "too long",
		"size": 0,
		"tags": []any{"a", 5, "c"},
	})
	items := problems(t, err)

	paths := map[string]string{}
	for _, it := range items {
		paths[it.Path] = it.Code
	}
	assert.Equal(t, errors.CodeMaxLength, paths["name"])
	assert.Equal(t, errors.CodeMin, paths["size"])
	assert.Equal(t, errors.CodeMaxItems, paths["tags"])
	assert.Equal(t, errors.CodeType, paths["tags[1]"])
}

func TestValidate_IsPure(t *testing.T) {
	s := Object(Required("n", Int()), Optional("list", Array(Int()), []any{1}))
	input := map[string]any{"n": 1}

	first, err1 := Validate(s, input)
	second, err2 := Validate(s, input)
	assert.Equal(t, err1, err2)
	assert.Equal(t, first, second)
	assert.Equal(t, map[string]any{"n": 1}, input, "input must not be mutated")

	// defaults are copied, never shared
	first.(map[string]any)["list"].([]any)[0] = 99
	third, _ := Validate(s, input)
	assert.Equal(t, 1.0, third.(map[string]any)["list"].([]any)[0])
}

func TestValidate_Unions(t *testing.T) {
	untagged := Union(Int(), String().MinLength(1))
	out, err := Validate(untagged, "x")
	require.NoError(t, err)
	assert.Equal(t, "x", out)

	_, err = Validate(untagged, true)
	assert.Equal(t, errors.CodeUnion, problems(t, err)[0].Code)

	tagged := TaggedUnion("type",
		Object(Required("type", Enum("S3")), Required("bucket", String())),
		Object(Required("type", Enum("SFTP")), Required("host", String())),
	)

	_, err = Validate(tagged, map[string]any{"type": "SFTP", "host": "backup"})
	require.NoError(t, err)

	_, err = Validate(tagged, map[string]any{"type": "SFTP", "bucket": "b"})
	items := problems(t, err)
	assert.Equal(t, "host", items[0].Path)

	_, err = Validate(tagged, map[string]any{"type": "FTP"})
	assert.Equal(t, errors.CodeUnion, problems(t, err)[0].Code)
}

func TestRegistry_RefsAndInterning(t *testing.T) {
	r := NewRegistry()
	start := r.Epoch()

	require.NoError(t, r.Define("user", Object(Required("username", String()))))
	assert.Greater(t, r.Epoch(), start)

	s := Array(Ref("user"))
	_, err := r.Validate(s, []any{map[string]any{"username": "root"}})
	require.NoError(t, err)

	_, err = Validate(s, []any{map[string]any{"username": "root"}})
	assert.Equal(t, errors.CodeUnresolvedRef, problems(t, err)[0].Code)

	h1, a := r.Intern(Object(Required("x", Int())))
	h2, b := r.Intern(Object(Required("x", Int())))
	assert.Equal(t, h1, h2)
	assert.Same(t, a, b)

	h3, _ := r.Intern(Object(Required("x", String())))
	assert.NotEqual(t, h1, h3)
}

func TestRedact(t *testing.T) {
	s := Object(
		Required("username", String()),
		Required("password", Secret(String())),
		Optional("keys", Array(Secret(String())), nil),
	)

	out := Redact(s, map[string]any{
		"username": "root",
		"password": "hunter2",
		"keys":     []any{"k1", "k2"},
	})
	assert.Equal(t, map[string]any{
		"username": "root",
		"password": Redacted,
		"keys":     []any{Redacted, Redacted},
	}, out)

	args := RedactParams([]Param{Required("user", String()), Required("pass", Secret(String()))}, []any{"root", "pw", "extra"})
	assert.Equal(t, []any{"root", Redacted, "extra"}, args)

	// secrets validate as their inner schema
	_, err := Validate(s, map[string]any{"username": "root", "password": 5})
	assert.Equal(t, "password", problems(t, err)[0].Path)
}

func TestJSONSchema(t *testing.T) {
	s := Object(
		Required("name", String().MaxLength(10).Describe("dataset name")),
		Optional("sync", Enum("STANDARD", "ALWAYS"), "STANDARD"),
		Optional("password", Secret(String()), nil),
	)

	doc := JSONSchema(s)
	data, err := json.Marshal(doc)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "object", decoded["type"])
	assert.Equal(t, []any{"name"}, decoded["required"])
	props := decoded["properties"].(map[string]any)
	assert.Equal(t, "dataset name", props["name"].(map[string]any)["description"])
	assert.Equal(t, true, props["password"].(map[string]any)["writeOnly"])

	params := ParamsJSONSchema([]Param{Required("id", Int()), Optional("opts", Dict(), map[string]any{})})
	assert.Equal(t, 1, params["minItems"])
	assert.Equal(t, 2, params["maxItems"])
}
