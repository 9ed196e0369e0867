package rest

import (
	"sort"
	"strings"

	"github.com/truenas/middlewared/registry"
	"github.com/truenas/middlewared/schema"
)

// OpenAPIPath is served under the prefix and describes every REST method
const OpenAPIPath = "openapi.json"

const componentsRef = "#/components/schemas/"

// Document is an OpenAPI 3.1 document
type Document struct {
	OpenAPI    string              `json:"openapi" yaml:"openapi"`
	Info       Info                `json:"info" yaml:"info"`
	Servers    []Server            `json:"servers,omitempty" yaml:"servers,omitempty"`
	Paths      map[string]PathItem `json:"paths" yaml:"paths"`
	Components Components          `json:"components" yaml:"components"`
	Tags       []Tag               `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// Info contains API metadata
type Info struct {
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Version     string `json:"version" yaml:"version"`
}

// Server is an API base URL
type Server struct {
	URL         string `json:"url" yaml:"url"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Components holds the shared named schemas
type Components struct {
	Schemas         map[string]any            `json:"schemas,omitempty" yaml:"schemas,omitempty"`
	SecuritySchemes map[string]SecurityScheme `json:"securitySchemes,omitempty" yaml:"securitySchemes,omitempty"`
}

// SecurityScheme describes one accepted Authorization form
type SecurityScheme struct {
	Type   string `json:"type" yaml:"type"`
	Scheme string `json:"scheme,omitempty" yaml:"scheme,omitempty"`
	In     string `json:"in,omitempty" yaml:"in,omitempty"`
	Name   string `json:"name,omitempty" yaml:"name,omitempty"`
}

// Tag groups operations by namespace
type Tag struct {
	Name string `json:"name" yaml:"name"`
}

// PathItem holds the one operation a method path supports
type PathItem struct {
	Get    *Operation `json:"get,omitempty" yaml:"get,omitempty"`
	Post   *Operation `json:"post,omitempty" yaml:"post,omitempty"`
	Put    *Operation `json:"put,omitempty" yaml:"put,omitempty"`
	Delete *Operation `json:"delete,omitempty" yaml:"delete,omitempty"`
}

// Operation describes a single method call
type Operation struct {
	OperationID string              `json:"operationId" yaml:"operationId"`
	Summary     string              `json:"summary,omitempty" yaml:"summary,omitempty"`
	Tags        []string            `json:"tags,omitempty" yaml:"tags,omitempty"`
	Parameters  []Parameter         `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	RequestBody *RequestBody        `json:"requestBody,omitempty" yaml:"requestBody,omitempty"`
	Responses   map[string]Response `json:"responses" yaml:"responses"`
	Security    []map[string][]any  `json:"security,omitempty" yaml:"security,omitempty"`
	// Roles lists the roles that may call the method
	Roles []string `json:"x-roles,omitempty" yaml:"x-roles,omitempty"`
	Job   bool     `json:"x-job,omitempty" yaml:"x-job,omitempty"`
}

// Parameter is a query parameter
type Parameter struct {
	Name        string         `json:"name" yaml:"name"`
	In          string         `json:"in" yaml:"in"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Schema      map[string]any `json:"schema" yaml:"schema"`
}

// RequestBody carries the positional argument array
type RequestBody struct {
	Required bool                 `json:"required" yaml:"required"`
	Content  map[string]MediaType `json:"content" yaml:"content"`
}

// Response describes one status code
type Response struct {
	Description string               `json:"description" yaml:"description"`
	Content     map[string]MediaType `json:"content,omitempty" yaml:"content,omitempty"`
}

// MediaType wraps a schema
type MediaType struct {
	Schema map[string]any `json:"schema" yaml:"schema"`
}

// BuildOpenAPI describes the REST-enabled public methods. definitions are
// the named schemas the method schemas reference.
func BuildOpenAPI(prefix, version string, methods []*registry.Descriptor, definitions map[string]any) *Document {
	if prefix == "" {
		prefix = "/api/v2.0/"
	}
	doc := &Document{
		OpenAPI: "3.1.0",
		Info: Info{
			Title:       "middlewared",
			Description: "Methods exposed over the REST shim. Arguments are sent as a JSON array.",
			Version:     version,
		},
		Servers: []Server{{URL: strings.TrimSuffix(prefix, "/")}},
		Paths:   make(map[string]PathItem),
		Components: Components{
			Schemas: make(map[string]any, len(definitions)),
			SecuritySchemes: map[string]SecurityScheme{
				"basic":  {Type: "http", Scheme: "basic"},
				"apiKey": {Type: "http", Scheme: "bearer"},
				"token":  {Type: "apiKey", In: "query", Name: "auth_token"},
			},
		},
	}
	for name, def := range definitions {
		doc.Components.Schemas[name] = rewriteRefs(def)
	}

	tags := make(map[string]struct{})
	for _, d := range methods {
		if !d.REST || d.Visibility == registry.Private {
			continue
		}
		op := buildOperation(d)
		if d.Namespace != "" {
			tags[d.Namespace] = struct{}{}
		}

		path := "/" + strings.ReplaceAll(d.Path, ".", "/")
		item := doc.Paths[path]
		switch d.RESTMethod {
		case "GET":
			item.Get = op
		case "PUT":
			item.Put = op
		case "DELETE":
			item.Delete = op
		default:
			item.Post = op
		}
		doc.Paths[path] = item
	}

	for name := range tags {
		doc.Tags = append(doc.Tags, Tag{Name: name})
	}
	sort.Slice(doc.Tags, func(i, j int) bool { return doc.Tags[i].Name < doc.Tags[j].Name })
	return doc
}

func buildOperation(d *registry.Descriptor) *Operation {
	op := &Operation{
		OperationID: d.Path,
		Summary:     d.Description,
		Roles:       d.Roles,
		Job:         d.Kind == registry.Job,
		Responses: map[string]Response{
			"200": {
				Description: "Method result",
				Content:     jsonContent(resultSchema(d)),
			},
			"401": {Description: "Authentication required"},
			"403": {Description: "Not permitted"},
			"422": {Description: "Invalid arguments"},
		},
	}
	if d.Namespace != "" {
		op.Tags = []string{d.Namespace}
	}
	if !d.NoAuth {
		op.Security = []map[string][]any{{"basic": {}}, {"apiKey": {}}, {"token": {}}}
	}

	params := rewriteRefs(schema.ParamsJSONSchema(d.Params)).(map[string]any)
	if d.RESTMethod == "GET" {
		op.Parameters = []Parameter{{
			Name:        "params",
			In:          "query",
			Description: "JSON encoded argument array",
			Schema:      params,
		}}
	} else if len(d.Params) > 0 {
		op.RequestBody = &RequestBody{
			Required: d.Params[0].Required,
			Content:  jsonContent(params),
		}
	}

	if d.Kind == registry.Job {
		op.Parameters = append(op.Parameters,
			Parameter{Name: "wait", In: "query", Description: "Block until the job finishes", Schema: map[string]any{"type": "boolean"}},
			Parameter{Name: "stream", In: "query", Description: "Stream progress as JSON lines", Schema: map[string]any{"type": "boolean"}},
		)
	}
	return op
}

func resultSchema(d *registry.Descriptor) map[string]any {
	if d.Kind == registry.Job {
		return map[string]any{
			"anyOf": []any{
				map[string]any{
					"type":       "object",
					"properties": map[string]any{"job_id": map[string]any{"type": "integer"}},
					"required":   []any{"job_id"},
				},
				rewriteRefs(schema.JSONSchema(d.Result)),
			},
		}
	}
	return rewriteRefs(schema.JSONSchema(d.Result)).(map[string]any)
}

func jsonContent(s map[string]any) map[string]MediaType {
	return map[string]MediaType{"application/json": {Schema: s}}
}

// rewriteRefs points schema references at the components section
func rewriteRefs(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if ref, ok := val.(string); ok && k == "$ref" {
				out[k] = componentsRef + strings.TrimPrefix(ref, "#/definitions/")
				continue
			}
			out[k] = rewriteRefs(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = rewriteRefs(val)
		}
		return out
	default:
		return v
	}
}
