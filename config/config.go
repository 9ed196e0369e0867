package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"

	"github.com/truenas/middlewared/datastore"
	"github.com/truenas/middlewared/errors"
	"github.com/truenas/middlewared/gateway"
	"github.com/truenas/middlewared/pkg/tlsutil"
)

// Config is the complete daemon configuration
type Config struct {
	Server     ServerConfig     `json:"server" yaml:"server"`
	Dispatcher DispatcherConfig `json:"dispatcher" yaml:"dispatcher"`
	Jobs       JobsConfig       `json:"jobs" yaml:"jobs"`
	Events     EventsConfig     `json:"events" yaml:"events"`
	Auth       AuthConfig       `json:"auth" yaml:"auth"`
	Datastore  datastore.Config `json:"datastore" yaml:"datastore"`
	Etc        EtcConfig        `json:"etc" yaml:"etc"`
	NATS       NATSConfig       `json:"nats" yaml:"nats"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
	Log        LogConfig        `json:"log" yaml:"log"`
}

// ServerConfig configures the listeners
type ServerConfig struct {
	// Addr is the HTTP listener for WebSocket and REST; empty disables it
	Addr          string `json:"addr" yaml:"addr"`
	UnixSocket    string `json:"unix_socket" yaml:"unix_socket"`
	WebSocketPath string `json:"websocket_path" yaml:"websocket_path"`
	RESTPrefix    string `json:"rest_prefix" yaml:"rest_prefix"`

	// MaxRequestSize limits REST bodies and frames, e.g. "1MB"
	MaxRequestSize datasize.ByteSize    `json:"max_request_size" yaml:"max_request_size"`
	PingInterval   Duration             `json:"ping_interval" yaml:"ping_interval"`
	WriteTimeout   Duration             `json:"write_timeout" yaml:"write_timeout"`
	EnableCORS     bool                 `json:"enable_cors" yaml:"enable_cors"`
	CORSOrigins    []string             `json:"cors_origins,omitempty" yaml:"cors_origins,omitempty"`
	TLS            tlsutil.ServerConfig `json:"tls" yaml:"tls"`
}

// Gateway returns the transport settings
func (s ServerConfig) Gateway() gateway.Config {
	return gateway.Config{
		WebSocketPath:  s.WebSocketPath,
		RESTPrefix:     s.RESTPrefix,
		MaxRequestSize: int64(s.MaxRequestSize.Bytes()),
		PingInterval:   s.PingInterval.Std(),
		WriteTimeout:   s.WriteTimeout.Std(),
		EnableCORS:     s.EnableCORS,
		CORSOrigins:    s.CORSOrigins,
	}
}

// DispatcherConfig tunes call execution
type DispatcherConfig struct {
	Workers        int      `json:"workers" yaml:"workers"`
	QueueSize      int      `json:"queue_size" yaml:"queue_size"`
	Grace          Duration `json:"grace" yaml:"grace"`
	MaxCallDepth   int      `json:"max_call_depth" yaml:"max_call_depth"`
	ThrottleBurst  int      `json:"throttle_burst" yaml:"throttle_burst"`
	ThrottleRefill Duration `json:"throttle_refill" yaml:"throttle_refill"`
}

// JobsConfig tunes the job supervisor
type JobsConfig struct {
	Retention         Duration          `json:"retention" yaml:"retention"`
	RetentionCapacity int               `json:"retention_capacity" yaml:"retention_capacity"`
	LogRingSize       datasize.ByteSize `json:"log_ring_size" yaml:"log_ring_size"`
	SnapshotPath      string            `json:"snapshot_path" yaml:"snapshot_path"`
	SnapshotInterval  Duration          `json:"snapshot_interval" yaml:"snapshot_interval"`
	AbortGrace        Duration          `json:"abort_grace" yaml:"abort_grace"`
	MaxRunning        int               `json:"max_running" yaml:"max_running"`
	FairnessBound     int               `json:"fairness_bound" yaml:"fairness_bound"`
}

// EventsConfig tunes the event bus
type EventsConfig struct {
	QueueSize     int      `json:"queue_size" yaml:"queue_size"`
	DefaultPolicy string   `json:"default_policy" yaml:"default_policy"`
	ReplayWindow  Duration `json:"replay_window" yaml:"replay_window"`
	HistoryCap    int      `json:"history_cap" yaml:"history_cap"`
}

// AuthConfig tunes sessions and credential checks
type AuthConfig struct {
	SessionTTL   Duration `json:"session_ttl" yaml:"session_ttl"`
	FailureBurst int      `json:"failure_burst" yaml:"failure_burst"`
	Cooldown     Duration `json:"cooldown" yaml:"cooldown"`
	// NodeKeyFile holds the API key HMAC secret; empty keeps it in the
	// datastore
	NodeKeyFile string `json:"node_key_file,omitempty" yaml:"node_key_file,omitempty"`
	Users       []User `json:"users,omitempty" yaml:"users,omitempty"`
}

// User is an account seeded at boot when absent
type User struct {
	Username string   `json:"username" yaml:"username"`
	UID      int      `json:"uid" yaml:"uid"`
	Password string   `json:"password" yaml:"password"`
	Roles    []string `json:"roles" yaml:"roles"`
}

// EtcConfig locates rendered configuration files
type EtcConfig struct {
	Root string `json:"root" yaml:"root"`
}

// NATSConfig enables the event bridge when URL is set
type NATSConfig struct {
	URL           string   `json:"url,omitempty" yaml:"url,omitempty"`
	Prefix        string   `json:"prefix" yaml:"prefix"`
	Node          string   `json:"node,omitempty" yaml:"node,omitempty"`
	QueueSize     int      `json:"queue_size" yaml:"queue_size"`
	Username      string   `json:"username,omitempty" yaml:"username,omitempty"`
	Password      string   `json:"password,omitempty" yaml:"password,omitempty"`
	Token         string   `json:"token,omitempty" yaml:"token,omitempty"`
	MaxReconnects int      `json:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait Duration `json:"reconnect_wait" yaml:"reconnect_wait"`
	// TLSCA enables TLS; TLSCert and TLSKey add a client certificate
	TLSCA   string `json:"tls_ca,omitempty" yaml:"tls_ca,omitempty"`
	TLSCert string `json:"tls_cert,omitempty" yaml:"tls_cert,omitempty"`
	TLSKey  string `json:"tls_key,omitempty" yaml:"tls_key,omitempty"`
}

// Enabled reports whether the bridge should run
func (n NATSConfig) Enabled() bool { return n.URL != "" }

// MetricsConfig configures the Prometheus endpoint; port 0 disables it
type MetricsConfig struct {
	Port int    `json:"port" yaml:"port"`
	Path string `json:"path" yaml:"path"`
}

// LogConfig selects the log handler
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Default returns the production defaults
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":6000",
			UnixSocket:     "/var/run/middleware/middlewared.sock",
			WebSocketPath:  gateway.DefaultWebSocketPath,
			RESTPrefix:     gateway.DefaultRESTPrefix,
			MaxRequestSize: datasize.MB,
			PingInterval:   Duration(30 * time.Second),
			WriteTimeout:   Duration(10 * time.Second),
		},
		Dispatcher: DispatcherConfig{
			Workers:        16,
			QueueSize:      512,
			Grace:          Duration(time.Second),
			MaxCallDepth:   32,
			ThrottleBurst:  10,
			ThrottleRefill: Duration(time.Second),
		},
		Jobs: JobsConfig{
			Retention:         Duration(24 * time.Hour),
			RetentionCapacity: 500,
			LogRingSize:       64 * datasize.KB,
			SnapshotPath:      "/var/db/middlewared/jobs.jsonl",
			SnapshotInterval:  Duration(30 * time.Second),
			AbortGrace:        Duration(5 * time.Second),
			FairnessBound:     16,
		},
		Events: EventsConfig{
			QueueSize:     1024,
			DefaultPolicy: "drop-oldest",
			ReplayWindow:  Duration(time.Minute),
			HistoryCap:    1024,
		},
		Auth: AuthConfig{
			SessionTTL:   Duration(10 * time.Minute),
			FailureBurst: 5,
			Cooldown:     Duration(60 * time.Second),
		},
		Datastore: datastore.Config{Backend: "badger", Path: "/var/db/middlewared/datastore", SyncWrites: true},
		Etc:       EtcConfig{Root: "/etc"},
		NATS: NATSConfig{
			Prefix:        "middlewared",
			QueueSize:     4096,
			MaxReconnects: -1,
			ReconnectWait: Duration(2 * time.Second),
		},
		Metrics: MetricsConfig{Port: 9090, Path: "/metrics"},
		Log:     LogConfig{Level: "info", Format: "json"},
	}
}

// Validate rejects settings the daemon cannot run with
func (c *Config) Validate() error {
	invalid := func(msg string) error {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, msg), "Config", "Validate", "check settings")
	}

	if c.Server.Addr == "" && c.Server.UnixSocket == "" {
		return invalid("at least one of server.addr and server.unix_socket is required")
	}
	if c.Server.TLS.Enabled && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		return invalid("server.tls requires cert_file and key_file")
	}
	if v := c.Server.TLS.MinVersion; v != "" && v != "1.2" && v != "1.3" {
		return invalid(fmt.Sprintf("server.tls.min_version %q must be \"1.2\" or \"1.3\"", v))
	}
	gw := c.Server.Gateway()
	if err := gw.Validate(); err != nil {
		return err
	}

	if c.Dispatcher.Workers < 1 {
		return invalid("dispatcher.workers must be positive")
	}
	if c.Dispatcher.QueueSize < 1 {
		return invalid("dispatcher.queue_size must be positive")
	}
	if c.Dispatcher.MaxCallDepth < 1 {
		return invalid("dispatcher.max_call_depth must be positive")
	}

	if c.Jobs.RetentionCapacity < 1 {
		return invalid("jobs.retention_capacity must be positive")
	}
	if c.Jobs.LogRingSize < datasize.KB {
		return invalid("jobs.log_ring_size must be at least 1KB")
	}
	if c.Jobs.SnapshotPath != "" && c.Jobs.SnapshotInterval <= 0 {
		return invalid("jobs.snapshot_interval must be positive")
	}

	switch c.Events.DefaultPolicy {
	case "", "drop-oldest", "drop-newest", "disconnect":
	default:
		return invalid(fmt.Sprintf("events.default_policy %q is not a known policy", c.Events.DefaultPolicy))
	}
	if c.Events.QueueSize < 1 {
		return invalid("events.queue_size must be positive")
	}

	if c.Auth.FailureBurst < 1 {
		return invalid("auth.failure_burst must be positive")
	}
	for i, u := range c.Auth.Users {
		if u.Username == "" {
			return invalid(fmt.Sprintf("auth.users[%d].username is required", i))
		}
	}

	if (c.NATS.TLSCert == "") != (c.NATS.TLSKey == "") {
		return invalid("nats.tls_cert and nats.tls_key must be set together")
	}

	if err := c.Datastore.Validate(); err != nil {
		return err
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return invalid(fmt.Sprintf("log.level %q is not debug, info, warn or error", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		return invalid(fmt.Sprintf("log.format %q is not json or text", c.Log.Format))
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return invalid("metrics.port out of range")
	}
	return nil
}

// Clone returns a deep copy
func (c *Config) Clone() *Config {
	if c == nil {
		return Default()
	}
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// String returns the YAML form with secrets masked
func (c *Config) String() string {
	masked := c.Clone()
	for i := range masked.Auth.Users {
		masked.Auth.Users[i].Password = "********"
	}
	if masked.NATS.Password != "" {
		masked.NATS.Password = "********"
	}
	if masked.NATS.Token != "" {
		masked.NATS.Token = "********"
	}
	data, _ := yaml.Marshal(masked)
	return string(data)
}

// SafeConfig provides concurrent access to a configuration that may be
// replaced on reload
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig wraps cfg; nil wraps the defaults
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update replaces the configuration after validating it
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "SafeConfig", "Update", "nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}

// Duration is a time.Duration written as "30s", "10m" or "14d" in config
// files; plain numbers are nanoseconds
type Duration time.Duration

// Std returns the time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalJSON writes the duration as a string
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or nanoseconds
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case string:
		parsed, err := parseDurationWithDays(x)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(x)
	case nil:
	default:
		return fmt.Errorf("invalid duration %s", data)
	}
	return nil
}

// MarshalYAML writes the duration as a string
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML accepts a duration string or nanoseconds
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Tag == "!!int" {
		n, err := strconv.ParseInt(node.Value, 10, 64)
		if err != nil {
			return err
		}
		*d = Duration(n)
		return nil
	}
	parsed, err := parseDurationWithDays(node.Value)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// parseDurationWithDays parses durations that may use a day suffix ("14d")
func parseDurationWithDays(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
