package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"

	"github.com/truenas/middlewared/errors"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "MIDDLEWARED"

// Loader merges configuration layers over the defaults. Later layers win;
// only keys present in a layer override earlier values. Environment
// overrides are applied last.
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	getenv     func(string) string
}

// NewLoader creates a loader with validation enabled
func NewLoader() *Loader {
	return &Loader{
		validation: true,
		envPrefix:  EnvPrefix,
		getenv:     os.Getenv,
	}
}

// AddLayer adds a JSON or YAML file, chosen by extension
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation turns Validate on or off
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads the defaults overlaid with a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges every layer and the environment
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "load "+path)
		}
		if cfg, err = mergeFromMap(cfg, raw); err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "merge "+path)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// loadRaw reads one layer as a generic map
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	default:
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	}
	return raw, nil
}

// mergeFromMap overrides the fields of base present in override
func mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}
	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// deepMergeMaps merges two maps with override taking precedence. Nested
// maps merge; everything else is replaced.
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides reads MIDDLEWARED_<SECTION>_<FIELD> variables
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	str := map[string]*string{
		"SERVER_ADDR":        &cfg.Server.Addr,
		"SERVER_UNIX_SOCKET": &cfg.Server.UnixSocket,
		"DATASTORE_BACKEND":  &cfg.Datastore.Backend,
		"DATASTORE_PATH":     &cfg.Datastore.Path,
		"JOBS_SNAPSHOT_PATH": &cfg.Jobs.SnapshotPath,
		"ETC_ROOT":           &cfg.Etc.Root,
		"NATS_URL":           &cfg.NATS.URL,
		"NATS_USERNAME":      &cfg.NATS.Username,
		"NATS_PASSWORD":      &cfg.NATS.Password,
		"NATS_TOKEN":         &cfg.NATS.Token,
		"AUTH_NODE_KEY_FILE": &cfg.Auth.NodeKeyFile,
		"LOG_LEVEL":          &cfg.Log.Level,
		"LOG_FORMAT":         &cfg.Log.Format,
		"METRICS_PATH":       &cfg.Metrics.Path,
	}
	for name, dst := range str {
		val, err := l.env(name)
		if err != nil {
			return err
		}
		if val != "" {
			*dst = val
		}
	}

	ints := map[string]*int{
		"DISPATCHER_WORKERS": &cfg.Dispatcher.Workers,
		"METRICS_PORT":       &cfg.Metrics.Port,
		"JOBS_MAX_RUNNING":   &cfg.Jobs.MaxRunning,
	}
	for name, dst := range ints {
		val, err := l.env(name)
		if err != nil {
			return err
		}
		if val == "" {
			continue
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			return errors.WrapInvalid(err, "Loader", "applyEnvOverrides", l.envPrefix+"_"+name)
		}
		*dst = n
	}

	if val, err := l.env("JOBS_LOG_RING_SIZE"); err != nil {
		return err
	} else if val != "" {
		var size datasize.ByteSize
		if err := size.UnmarshalText([]byte(val)); err != nil {
			return errors.WrapInvalid(err, "Loader", "applyEnvOverrides", l.envPrefix+"_JOBS_LOG_RING_SIZE")
		}
		cfg.Jobs.LogRingSize = size
	}
	return nil
}

func (l *Loader) env(name string) (string, error) {
	key := l.envPrefix + "_" + name
	val := l.getenv(key)
	if err := validateEnvVar(key, val); err != nil {
		return "", errors.WrapInvalid(err, "Loader", "applyEnvOverrides", "validate "+key)
	}
	return val, nil
}

// SaveToFile writes cfg as YAML or JSON, chosen by extension
func (c *Config) SaveToFile(path string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return errors.Wrap(err, "Config", "SaveToFile", "encode")
	}
	return safeWriteFile(path, data)
}
