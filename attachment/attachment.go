// Package attachment keeps the delegates other plugins register to report
// what they attach to shared resources: certificates and listening ports.
//
// Delegates are registered once per boot, usually from a plugin's setup,
// and are iterated in registration order.
package attachment

import (
	"context"
	"fmt"
	"sync"

	"github.com/truenas/middlewared/errors"
)

// CertificateDelegate reports the services using a certificate and can
// make them pick up a renewed one
type CertificateDelegate interface {
	// Name is the consuming service, e.g. "nginx" or "ftp"
	Name() string
	// Attachments describes each use of certID; empty when unused
	Attachments(ctx context.Context, certID int64) ([]string, error)
	// Redeploy reloads the consumer after certID changed
	Redeploy(ctx context.Context, certID int64) error
}

// Binding is one address a service listens on
type Binding struct {
	BindIP string `json:"bind_ip"`
	Port   int    `json:"port"`
}

// PortDelegate reports the ports a service has configured
type PortDelegate interface {
	// Name is the owning namespace, e.g. "ssh"
	Name() string
	// Title is a human readable service name
	Title() string
	Ports(ctx context.Context) ([]Binding, error)
}

// Named is satisfied by every delegate kind
type Named interface {
	Name() string
}

// Delegates is an append-only, insertion-ordered set of delegates keyed by
// name
type Delegates[D Named] struct {
	kind string

	mu     sync.RWMutex
	order  []D
	byName map[string]struct{}
}

// NewDelegates creates an empty set; kind names the delegate type in errors
func NewDelegates[D Named](kind string) *Delegates[D] {
	return &Delegates[D]{kind: kind, byName: make(map[string]struct{})}
}

// Register appends d. A second delegate with the same name is EEXIST.
func (s *Delegates[D]) Register(d D) error {
	name := d.Name()
	if name == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Delegates", "Register", fmt.Sprintf("%s delegate name validation", s.kind))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byName[name]; ok {
		return errors.Exists("%s delegate %q is already registered", s.kind, name)
	}
	s.byName[name] = struct{}{}
	s.order = append(s.order, d)
	return nil
}

// List returns the delegates in registration order
func (s *Delegates[D]) List() []D {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]D(nil), s.order...)
}

// Len returns the number of registered delegates
func (s *Delegates[D]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}
