package gateway

import (
	"fmt"
	"net/http"
	"time"

	"github.com/truenas/middlewared/errors"
)

// Defaults for the HTTP side of the transports
const (
	DefaultWebSocketPath  = "/api/current"
	DefaultRESTPrefix     = "/api/v2.0/"
	DefaultMaxRequestSize = 1 << 20
	MaxFrameSize          = 16 << 20
)

// Config holds the transport settings shared by the WebSocket and REST
// handlers
type Config struct {
	// WebSocketPath is where the WebSocket transport is mounted
	WebSocketPath string `json:"websocket_path" yaml:"websocket_path"`

	// RESTPrefix is where the REST shim is mounted; it must end in "/"
	RESTPrefix string `json:"rest_prefix" yaml:"rest_prefix"`

	// MaxRequestSize limits REST bodies and WebSocket messages in bytes
	MaxRequestSize int64 `json:"max_request_size,omitempty" yaml:"max_request_size,omitempty"`

	// PingInterval between server pings; the read deadline is twice this
	PingInterval time.Duration `json:"ping_interval,omitempty" yaml:"ping_interval,omitempty"`

	// WriteTimeout bounds one frame write
	WriteTimeout time.Duration `json:"write_timeout,omitempty" yaml:"write_timeout,omitempty"`

	// EnableCORS enables CORS headers on the REST shim; it requires
	// explicit CORSOrigins
	EnableCORS  bool     `json:"enable_cors" yaml:"enable_cors"`
	CORSOrigins []string `json:"cors_origins,omitempty" yaml:"cors_origins,omitempty"`
}

// DefaultConfig returns the default transport configuration
func DefaultConfig() Config {
	return Config{
		WebSocketPath:  DefaultWebSocketPath,
		RESTPrefix:     DefaultRESTPrefix,
		MaxRequestSize: DefaultMaxRequestSize,
		PingInterval:   30 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Validate fills zero values with defaults and rejects bad settings
func (c *Config) Validate() error {
	def := DefaultConfig()
	if c.WebSocketPath == "" {
		c.WebSocketPath = def.WebSocketPath
	}
	if c.RESTPrefix == "" {
		c.RESTPrefix = def.RESTPrefix
	}
	if c.RESTPrefix[len(c.RESTPrefix)-1] != '/' {
		c.RESTPrefix += "/"
	}
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}

	if c.MaxRequestSize < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"max_request_size cannot be negative")
	}
	if c.MaxRequestSize == 0 {
		c.MaxRequestSize = def.MaxRequestSize
	}
	if c.MaxRequestSize > MaxFrameSize {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("max_request_size cannot exceed %d bytes", MaxFrameSize))
	}

	if c.EnableCORS && len(c.CORSOrigins) == 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"enable_cors requires explicit cors_origins configuration (use [\"*\"] for development only)")
	}
	return nil
}

// ApplyCORS sets CORS headers when the request origin is allowed
func (c *Config) ApplyCORS(w http.ResponseWriter, r *http.Request) {
	if !c.EnableCORS {
		return
	}
	origin := r.Header.Get("Origin")
	allowed := false
	for _, o := range c.CORSOrigins {
		if o == "*" || o == origin {
			allowed = true
			break
		}
	}
	if !allowed {
		return
	}
	if origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	} else {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	}
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	w.Header().Set("Access-Control-Max-Age", "3600")
}
