// Package main implements schema-exporter, which writes the OpenAPI
// document of the REST methods and one JSON Schema file per method.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/truenas/middlewared/config"
	"github.com/truenas/middlewared/datastore"
	"github.com/truenas/middlewared/gateway"
	"github.com/truenas/middlewared/gateway/rest"
	"github.com/truenas/middlewared/middleware"
	"github.com/truenas/middlewared/registry"
	"github.com/truenas/middlewared/schema"
)

const draft07 = "http://json-schema.org/draft-07/schema#"

// Version is set at build time
var Version = "dev"

type exportOptions struct {
	configPath string
	outDir     string
	openapiOut string
	validate   bool
}

func main() {
	opts := exportOptions{}
	flag.StringVar(&opts.configPath, "config", "", "Configuration file; defaults are used when empty")
	flag.StringVar(&opts.outDir, "out", "./schemas", "Output directory for method schemas; empty skips them")
	flag.StringVar(&opts.openapiOut, "openapi", "./specs/openapi.yaml", "Output path for the OpenAPI document (.yaml or .json)")
	flag.BoolVar(&opts.validate, "validate", true, "Compile every exported schema before writing")
	flag.Parse()

	log.Printf("Schema Exporter")
	n, err := export(opts)
	if err != nil {
		log.Fatalf("Export failed: %v", err)
	}
	log.Printf("Exported %d methods", n)
}

// export builds a runtime without booting it and writes the schemas of
// every registered public method. It returns the number of methods.
func export(opts exportOptions) (int, error) {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return 0, err
	}
	dir, err := os.MkdirTemp("", "schema-exporter")
	if err != nil {
		return 0, err
	}
	defer os.RemoveAll(dir)

	cfg.Server.Addr = ""
	cfg.Server.UnixSocket = filepath.Join(dir, "unused.sock")
	cfg.Etc.Root = filepath.Join(dir, "etc")
	cfg.Jobs.SnapshotPath = ""
	cfg.Metrics.Port = 0
	cfg.NATS.URL = ""

	rt, err := middleware.New(cfg, middleware.WithStore(datastore.NewMemory()), middleware.WithVersion(Version))
	if err != nil {
		return 0, fmt.Errorf("failed to build runtime: %w", err)
	}
	defer func() { _ = rt.Shutdown(time.Second) }()

	methods := rt.Registry().Methods()
	definitions := rt.Registry().Schemas().Definitions()

	var exported int
	if opts.outDir != "" {
		if err := os.MkdirAll(opts.outDir, 0o755); err != nil {
			return 0, fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	for _, d := range methods {
		if d.Visibility == registry.Private {
			continue
		}
		doc := methodSchema(d, definitions)
		if opts.validate {
			if err := compile(doc); err != nil {
				return 0, fmt.Errorf("schema for %s: %w", d.Path, err)
			}
		}
		if opts.outDir != "" {
			if err := writeJSON(filepath.Join(opts.outDir, d.Path+".json"), doc); err != nil {
				return 0, err
			}
		}
		exported++
	}

	if opts.openapiOut != "" {
		prefix := cfg.Server.RESTPrefix
		if prefix == "" {
			prefix = gateway.DefaultRESTPrefix
		}
		doc := rest.BuildOpenAPI(prefix, Version, methods, definitions)
		if err := os.MkdirAll(filepath.Dir(opts.openapiOut), 0o755); err != nil {
			return 0, fmt.Errorf("failed to create OpenAPI directory: %w", err)
		}
		if strings.HasSuffix(opts.openapiOut, ".json") {
			err = writeJSON(opts.openapiOut, doc)
		} else {
			err = writeYAML(opts.openapiOut, doc)
		}
		if err != nil {
			return 0, err
		}
		log.Printf("Generated OpenAPI document: %s", opts.openapiOut)
	}
	return exported, nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	loader := config.NewLoader()
	loader.AddLayer(path)
	return loader.Load()
}

// methodSchema describes the arguments and result of d as one draft-07
// document carrying the named definitions it may reference
func methodSchema(d *registry.Descriptor, definitions map[string]any) map[string]any {
	return map[string]any{
		"$schema":     draft07,
		"$id":         d.Path + ".json",
		"title":       d.Path,
		"description": d.Description,
		"type":        "object",
		"properties": map[string]any{
			"accepts": schema.ParamsJSONSchema(d.Params),
			"returns": schema.JSONSchema(d.Result),
		},
		"definitions": definitions,
		"x-job":       d.Kind == registry.Job,
		"x-roles":     d.Roles,
	}
}

// compile checks that doc is a usable schema, references included
func compile(doc map[string]any) error {
	_, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(doc))
	return err
}

func writeJSON(filename string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filename, err)
	}
	if err := os.WriteFile(filename, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

func writeYAML(filename string, v any) error {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	_, _ = fmt.Fprintf(f, "# Generated by schema-exporter %s. Do not edit.\n", Version)
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}
	return enc.Close()
}
