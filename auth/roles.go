package auth

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/truenas/middlewared/errors"
)

// Built-in role names with special meaning
const (
	// Wildcard satisfies every role except SYSTEM
	Wildcard      = "*"
	FullAdmin     = "FULL_ADMIN"
	ReadonlyAdmin = "READONLY_ADMIN"
	// System marks in-process and root-socket callers; it is never implied
	System = "SYSTEM"
)

// Role is a named grant that may include other roles
type Role struct {
	Name     string   `json:"name"`
	Includes []string `json:"includes"`
	Builtin  bool     `json:"builtin"`
}

// namespaces with a _READ/_WRITE pair in the default catalog
var defaultNamespaces = []string{
	"ACCOUNT", "ALERT", "API_KEY", "AUTH_SESSIONS", "CERTIFICATE", "DATASET",
	"DISK", "JOB", "NETWORK_INTERFACE", "POOL", "SERVICE", "SHARING",
	"SYSTEM_GENERAL",
}

// Roles is the role catalog. Plugins may define additional roles during
// setup; lookups are safe for concurrent use.
type Roles struct {
	mu    sync.RWMutex
	roles map[string]Role
}

// DefaultRoles returns the built-in catalog
func DefaultRoles() *Roles {
	r := &Roles{roles: make(map[string]Role)}
	for _, ns := range defaultNamespaces {
		r.roles[ns+"_READ"] = Role{Name: ns + "_READ", Builtin: true}
		r.roles[ns+"_WRITE"] = Role{Name: ns + "_WRITE", Includes: []string{ns + "_READ"}, Builtin: true}
	}
	r.roles[ReadonlyAdmin] = Role{Name: ReadonlyAdmin}
	r.roles["SHARING_ADMIN"] = Role{
		Name:     "SHARING_ADMIN",
		Includes: []string{ReadonlyAdmin, "DATASET_WRITE", "SHARING_WRITE", "SERVICE_READ"},
	}
	r.roles[FullAdmin] = Role{Name: FullAdmin, Includes: []string{Wildcard}, Builtin: true}
	r.roles[System] = Role{Name: System, Builtin: true}
	r.roles[Wildcard] = Role{Name: Wildcard, Builtin: true}
	return r
}

// Define adds a role. Included roles must already exist.
func (r *Roles) Define(role Role) error {
	if role.Name == "" || strings.ToUpper(role.Name) != role.Name {
		return errors.WrapInvalid(fmt.Errorf("role name %q must be upper case", role.Name), "Roles", "Define", "validate name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.roles[role.Name]; exists {
		return errors.WrapInvalid(fmt.Errorf("role %q already defined", role.Name), "Roles", "Define", "duplicate check")
	}
	for _, inc := range role.Includes {
		if _, ok := r.roles[inc]; !ok {
			return errors.WrapInvalid(fmt.Errorf("role %q includes unknown role %q", role.Name, inc), "Roles", "Define", "resolve includes")
		}
	}
	r.roles[role.Name] = role
	return nil
}

// Known reports whether name is in the catalog
func (r *Roles) Known(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.roles[name]
	return ok
}

// List returns the catalog sorted by name
func (r *Roles) List() []Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Role, 0, len(r.roles))
	for _, role := range r.roles {
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Expand returns the closure of names over includes. READONLY_ADMIN covers
// every _READ role in the catalog. Unknown names are kept as given.
func (r *Roles) Expand(names ...string) map[string]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]struct{})
	stack := append([]string(nil), names...)
	for len(stack) > 0 {
		name := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := out[name]; seen {
			continue
		}
		out[name] = struct{}{}
		stack = append(stack, r.roles[name].Includes...)
		if name == ReadonlyAdmin {
			for n := range r.roles {
				if strings.HasSuffix(n, "_READ") {
					stack = append(stack, n)
				}
			}
		}
	}
	return out
}

// Satisfies reports whether the expanded set held grants every role in
// required. Wildcard stands in for any role but SYSTEM.
func Satisfies(held map[string]struct{}, required []string) bool {
	_, wildcard := held[Wildcard]
	for _, role := range required {
		if _, ok := held[role]; ok {
			continue
		}
		if wildcard && role != System {
			continue
		}
		return false
	}
	return true
}
