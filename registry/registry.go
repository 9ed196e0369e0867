package registry

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/truenas/middlewared/auth"
	"github.com/truenas/middlewared/errors"
	"github.com/truenas/middlewared/health"
	"github.com/truenas/middlewared/metric"
	"github.com/truenas/middlewared/schema"
)

var pathPattern = regexp.MustCompile(`^[a-z0-9_]+(\.[a-z0-9_]+)+$`)

// mutators may not be granted to _READ roles
var mutators = map[string]bool{"create": true, "update": true, "delete": true}

// Option configures a Registry
type Option func(*Registry)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithRoles validates descriptor roles against a catalog
func WithRoles(roles *auth.Roles) Option {
	return func(r *Registry) { r.roles = roles }
}

// WithSchemas interns descriptor schemas in s and uses its epoch
func WithSchemas(s *schema.Registry) Option {
	return func(r *Registry) { r.schemas = s }
}

// WithHealth reports quarantined plugins on monitor
func WithHealth(monitor *health.Monitor) Option {
	return func(r *Registry) { r.monitor = monitor }
}

// WithMetrics exports the quarantined plugin count
func WithMetrics(m *metric.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// Registry holds method descriptors by path. Lookups see either the old or
// the new descriptor of a path being re-registered, never a mix.
type Registry struct {
	logger  *slog.Logger
	roles   *auth.Roles
	schemas *schema.Registry
	monitor *health.Monitor
	metrics *metric.Metrics

	mu          sync.RWMutex
	methods     map[string]*Descriptor
	plugins     map[string]struct{}
	quarantined map[string]string
}

// New creates an empty registry
func New(opts ...Option) *Registry {
	r := &Registry{
		logger:      slog.Default(),
		methods:     make(map[string]*Descriptor),
		plugins:     make(map[string]struct{}),
		quarantined: make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.roles == nil {
		r.roles = auth.DefaultRoles()
	}
	if r.schemas == nil {
		r.schemas = schema.NewRegistry()
	}
	r.logger = r.logger.With("component", "registry")
	return r
}

// Schemas returns the schema registry descriptors are interned in
func (r *Registry) Schemas() *schema.Registry { return r.schemas }

// Roles returns the role catalog
func (r *Registry) Roles() *auth.Roles { return r.roles }

func (r *Registry) addPlugin(name string) error {
	if name == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "AddPlugin", "plugin name validation")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[name]; exists {
		return errors.WrapInvalid(fmt.Errorf("plugin %q already added", name), "Registry", "AddPlugin", "duplicate plugin check")
	}
	r.plugins[name] = struct{}{}
	return nil
}

// Register adds or replaces d. The owning plugin must be known; replacing
// a method lifts its plugin's quarantine.
func (r *Registry) Register(d *Descriptor) error {
	if err := r.validate(d); err != nil {
		return err
	}

	for i, p := range d.Params {
		if p.Schema != nil {
			_, d.Params[i].Schema = r.schemas.Intern(p.Schema)
		}
	}
	if d.Result != nil {
		_, d.Result = r.schemas.Intern(d.Result)
	}

	r.mu.Lock()
	if _, ok := r.plugins[d.Plugin]; !ok {
		r.mu.Unlock()
		return errors.WrapInvalid(fmt.Errorf("method %s names unknown plugin %q", d.Path, d.Plugin),
			"Registry", "Register", "plugin lookup")
	}
	_, replaced := r.methods[d.Path]
	r.methods[d.Path] = d
	_, wasQuarantined := r.quarantined[d.Plugin]
	delete(r.quarantined, d.Plugin)
	count := len(r.quarantined)
	r.mu.Unlock()

	epoch := r.schemas.Bump()
	if wasQuarantined {
		r.logger.Info("Plugin released from quarantine", "plugin", d.Plugin, "method", d.Path)
		r.reportQuarantine(d.Plugin, "", count)
	}
	if replaced {
		r.logger.Debug("Method replaced", "method", d.Path, "epoch", epoch)
	}
	return nil
}

func (r *Registry) validate(d *Descriptor) error {
	if d == nil || d.Handler == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "descriptor validation")
	}
	if !pathPattern.MatchString(d.Path) {
		return errors.WrapInvalid(fmt.Errorf("invalid method path %q", d.Path), "Registry", "Register", "path validation")
	}
	for _, role := range d.Roles {
		if !r.roles.Known(role) {
			return errors.WrapInvalid(fmt.Errorf("method %s requires unknown role %q", d.Path, role),
				"Registry", "Register", "role validation")
		}
		if mutators[d.Name] && strings.HasSuffix(role, "_READ") {
			return errors.WrapInvalid(fmt.Errorf("method %s may not be granted to read-only role %q", d.Path, role),
				"Registry", "Register", "role validation")
		}
	}
	if d.Kind == Job && d.Substrate == Job {
		return errors.WrapInvalid(fmt.Errorf("job %s needs a cooperative or blocking substrate", d.Path),
			"Registry", "Register", "substrate validation")
	}
	return nil
}

// Unregister removes path and reports whether it existed
func (r *Registry) Unregister(path string) bool {
	r.mu.Lock()
	_, ok := r.methods[path]
	delete(r.methods, path)
	r.mu.Unlock()
	if ok {
		r.schemas.Bump()
	}
	return ok
}

// Lookup returns the descriptor for path
func (r *Registry) Lookup(path string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.methods[path]
	return d, ok
}

// Methods returns every descriptor sorted by path
func (r *Registry) Methods() []*Descriptor {
	r.mu.RLock()
	out := make([]*Descriptor, 0, len(r.methods))
	for _, d := range r.methods {
		out = append(out, d)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Epoch changes whenever a method or schema changes
func (r *Registry) Epoch() uint64 {
	return r.schemas.Epoch()
}

// Quarantine refuses further calls into plugin until one of its methods is
// registered again
func (r *Registry) Quarantine(plugin, reason string) {
	r.mu.Lock()
	if _, ok := r.plugins[plugin]; !ok {
		r.mu.Unlock()
		return
	}
	r.quarantined[plugin] = reason
	count := len(r.quarantined)
	r.mu.Unlock()

	r.logger.Error("Plugin quarantined", "plugin", plugin, "reason", health.SanitizeMessage(reason))
	r.reportQuarantine(plugin, reason, count)
}

// IsQuarantined returns the quarantine reason of plugin
func (r *Registry) IsQuarantined(plugin string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reason, ok := r.quarantined[plugin]
	return reason, ok
}

func (r *Registry) reportQuarantine(plugin, reason string, count int) {
	if r.monitor != nil {
		if reason == "" {
			r.monitor.UpdateHealthy("plugin."+plugin, "")
		} else {
			r.monitor.UpdateUnhealthy("plugin."+plugin, health.SanitizeMessage(reason))
		}
	}
	if r.metrics != nil {
		r.metrics.PluginsQuarantined.Set(float64(count))
	}
}
