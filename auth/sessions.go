package auth

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/truenas/middlewared/errors"
)

// DefaultSessionTTL is the sliding idle window of sessions and tokens
const DefaultSessionTTL = 10 * time.Minute

// Sessions tracks authenticated sessions and issued tokens. Both expire
// after ttl without use.
type Sessions struct {
	ttl    time.Duration
	bootID string
	live   *gocache.Cache
	tokens *gocache.Cache
	now    func() time.Time
}

type token struct {
	value     string
	parent    Credentials
	origin    string
	ttl       time.Duration
	singleUse bool
	attrs     map[string]any
}

// NewSessions creates the tracker. Tokens issued here are rejected by any
// other boot of the daemon.
func NewSessions(ttl time.Duration) *Sessions {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	s := &Sessions{
		ttl:    ttl,
		bootID: uuid.NewString(),
		live:   gocache.New(ttl, ttl/2),
		tokens: gocache.New(ttl, ttl/2),
		now:    time.Now,
	}
	s.live.OnEvicted(func(_ string, v interface{}) {
		if sess, ok := v.(*Session); ok {
			sess.expire()
		}
	})
	return s
}

// BootID identifies this daemon instance
func (m *Sessions) BootID() string { return m.bootID }

// TTL returns the idle window
func (m *Sessions) TTL() time.Duration { return m.ttl }

// Track starts the idle window for an authenticated session
func (m *Sessions) Track(s *Session) {
	m.live.Set(s.ID(), s, m.ttl)
	s.touch(m.now())
}

// Touch extends the idle window. It returns false when the session is not
// tracked, which for an authenticated session means it expired.
func (m *Sessions) Touch(s *Session) bool {
	if _, ok := m.live.Get(s.ID()); !ok {
		if s.Authenticated() {
			s.expire()
		}
		return false
	}
	m.live.Set(s.ID(), s, m.ttl)
	s.touch(m.now())
	return true
}

// Forget stops tracking s
func (m *Sessions) Forget(s *Session) {
	m.live.Delete(s.ID())
}

// Get returns a tracked session
func (m *Sessions) Get(id string) (*Session, bool) {
	v, ok := m.live.Get(id)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// List returns tracked sessions ordered by creation time
func (m *Sessions) List() []*Session {
	items := m.live.Items()
	out := make([]*Session, 0, len(items))
	for _, item := range items {
		out = append(out, item.Object.(*Session))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created().Before(out[j].Created()) })
	return out
}

// TokenOptions tune IssueToken
type TokenOptions struct {
	TTL         time.Duration
	Attributes  map[string]any
	MatchOrigin bool
	SingleUse   bool
}

// IssueToken creates a token carrying the credentials of parent
func (m *Sessions) IssueToken(parent *Session, opts TokenOptions) (string, error) {
	if !parent.Authenticated() {
		return "", errors.AccessDenied("auth.generate_token")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = m.ttl
	}
	t := &token{
		value:     uuid.NewString() + "." + m.bootID,
		parent:    parent.Credentials(),
		ttl:       ttl,
		singleUse: opts.SingleUse,
		attrs:     opts.Attributes,
	}
	if opts.MatchOrigin {
		t.origin = SourceOf(parent.Origin())
	}
	m.tokens.Set(t.value, t, ttl)
	return t.value, nil
}

// RedeemToken returns the credentials a token carries. Each use restarts
// the token's window; single-use tokens are removed.
func (m *Sessions) RedeemToken(value, origin string) (Credentials, error) {
	if i := strings.IndexByte(value, '.'); i < 0 || value[i+1:] != m.bootID {
		return Credentials{}, errors.AuthFailed("Token was not issued by this node")
	}
	v, ok := m.tokens.Get(value)
	if !ok {
		return Credentials{}, errors.AuthFailed("Invalid or expired token")
	}
	t := v.(*token)
	if t.origin != "" && t.origin != SourceOf(origin) {
		return Credentials{}, errors.AuthFailed("Token origin mismatch")
	}
	if t.singleUse {
		m.tokens.Delete(value)
	} else {
		m.tokens.Set(value, t, t.ttl)
	}
	creds := t.parent
	creds.Kind = KindToken
	return creds, nil
}

// Close drops every tracked session and token
func (m *Sessions) Close() {
	m.live.Flush()
	m.tokens.Flush()
}
