package auth

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Credential kinds
const (
	KindPassword   = "LOGIN_PASSWORD"
	KindAPIKey     = "API_KEY"
	KindToken      = "TOKEN"
	KindUnixSocket = "UNIX_SOCKET"
	KindInternal   = "INTERNAL"
)

// Credentials describe how a session authenticated
type Credentials struct {
	Kind     string   `json:"credentials"`
	Username string   `json:"username,omitempty"`
	UID      int      `json:"uid"`
	APIKeyID string   `json:"api_key_id,omitempty"`
	Granted  []string `json:"granted_roles"`
}

// Session is the identity bound to one connection. A new session is
// unauthenticated and holds no roles.
type Session struct {
	id        string
	transport string
	origin    string
	created   time.Time

	mu            sync.RWMutex
	authenticated bool
	expired       bool
	creds         Credentials
	roles         map[string]struct{}
	lastSeen      time.Time
}

// NewSession creates an unauthenticated session for a connection
func NewSession(transport, origin string) *Session {
	now := time.Now()
	return &Session{
		id:        uuid.NewString(),
		transport: transport,
		origin:    origin,
		created:   now,
		lastSeen:  now,
		roles:     map[string]struct{}{},
	}
}

// InternalSession is the identity of in-process callers
func InternalSession(roles *Roles) *Session {
	s := NewSession("internal", "")
	s.grant(Credentials{Kind: KindInternal, Username: "root", Granted: []string{FullAdmin, System}}, roles)
	return s
}

// ID returns the session id
func (s *Session) ID() string { return s.id }

// Transport names the connection kind
func (s *Session) Transport() string { return s.transport }

// Origin is the remote address or peer description
func (s *Session) Origin() string { return s.origin }

// Created is when the connection opened
func (s *Session) Created() time.Time { return s.created }

// Authenticated reports whether credentials were accepted and have not expired
func (s *Session) Authenticated() bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticated && !s.expired
}

// Credentials returns how the session authenticated
func (s *Session) Credentials() Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.creds
	c.Granted = append([]string(nil), s.creds.Granted...)
	return c
}

// Roles returns the expanded roles, sorted
func (s *Session) Roles() []string {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.authenticated || s.expired {
		return nil
	}
	out := make([]string, 0, len(s.roles))
	for r := range s.roles {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// HasRole reports whether role was granted directly or through includes.
// Wildcard does not count.
func (s *Session) HasRole(role string) bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.authenticated || s.expired {
		return false
	}
	_, ok := s.roles[role]
	return ok
}

// Authorized reports whether the session holds every role in required
func (s *Session) Authorized(required []string) bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.authenticated || s.expired {
		return false
	}
	return Satisfies(s.roles, required)
}

// LastSeen is the time of the latest call on the session
func (s *Session) LastSeen() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeen
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *Session) grant(creds Credentials, catalog *Roles) {
	expanded := catalog.Expand(creds.Granted...)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = creds
	s.roles = expanded
	s.authenticated = true
	s.expired = false
}

// dropRoles removes granted roles and recomputes the closure
func (s *Session) dropRoles(drop []string, catalog *Roles) {
	s.mu.Lock()
	defer s.mu.Unlock()
	remove := make(map[string]struct{}, len(drop))
	for _, r := range drop {
		remove[r] = struct{}{}
	}
	kept := s.creds.Granted[:0:0]
	for _, r := range s.creds.Granted {
		if _, ok := remove[r]; !ok {
			kept = append(kept, r)
		}
	}
	s.creds.Granted = kept
	s.roles = catalog.Expand(kept...)
	for r := range remove {
		delete(s.roles, r)
	}
}

func (s *Session) logout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authenticated = false
	s.creds = Credentials{}
	s.roles = map[string]struct{}{}
}

func (s *Session) expire() {
	s.mu.Lock()
	s.expired = true
	s.mu.Unlock()
}

// SessionInfo is the introspection view of a session
type SessionInfo struct {
	ID          string      `json:"id"`
	Transport   string      `json:"origin_transport"`
	Origin      string      `json:"origin"`
	Credentials Credentials `json:"credentials_data"`
	Created     time.Time   `json:"created_at"`
	LastSeen    time.Time   `json:"last_seen"`
}

// Info returns the introspection view
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		ID:          s.id,
		Transport:   s.transport,
		Origin:      s.origin,
		Credentials: s.Credentials(),
		Created:     s.created,
		LastSeen:    s.LastSeen(),
	}
}
