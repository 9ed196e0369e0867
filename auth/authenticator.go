package auth

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/truenas/middlewared/errors"
	"github.com/truenas/middlewared/eventbus"
	"github.com/truenas/middlewared/metric"
)

// AuditTopic receives one event per authentication attempt
const AuditTopic = "audit.authentication"

// AuditTopicSpec declares AuditTopic; its default overflow policy is
// disconnect like every audit topic
func AuditTopicSpec() eventbus.TopicSpec {
	return eventbus.TopicSpec{
		Name:        AuditTopic,
		Description: "Authentication attempts",
		Roles:       []string{"AUTH_SESSIONS_READ"},
	}
}

// EventPublisher is the part of the bus the authenticator needs
type EventPublisher interface {
	Publish(topic string, kind eventbus.Kind, id any, fields any) (eventbus.Event, error)
}

// Authenticator checks credentials and binds identities to sessions
type Authenticator struct {
	roles    *Roles
	users    *Users
	keys     *APIKeys
	sessions *Sessions
	limiter  *Limiter
	events   EventPublisher
	logger   *slog.Logger
	metrics  *metric.Metrics
}

// Option configures an Authenticator
type Option func(*Authenticator)

// WithEvents publishes audit events on bus
func WithEvents(bus EventPublisher) Option {
	return func(a *Authenticator) { a.events = bus }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(a *Authenticator) { a.logger = logger }
}

// WithMetrics counts rejected credentials
func WithMetrics(m *metric.Metrics) Option {
	return func(a *Authenticator) { a.metrics = m }
}

// NewAuthenticator wires the credential stores
func NewAuthenticator(roles *Roles, users *Users, keys *APIKeys, sessions *Sessions, limiter *Limiter, opts ...Option) *Authenticator {
	a := &Authenticator{
		roles:    roles,
		users:    users,
		keys:     keys,
		sessions: sessions,
		limiter:  limiter,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.Default().With("component", "auth")
	}
	return a
}

// Roles returns the role catalog
func (a *Authenticator) Roles() *Roles { return a.roles }

// Sessions returns the session tracker
func (a *Authenticator) Sessions() *Sessions { return a.sessions }

// APIKeys returns the key store
func (a *Authenticator) APIKeys() *APIKeys { return a.keys }

// Users returns the account store
func (a *Authenticator) Users() *Users { return a.users }

// LoginPassword authenticates s with a username and password. Bad
// credentials return false; a cooled-off source returns EAUTH.
func (a *Authenticator) LoginPassword(ctx context.Context, s *Session, username, password string) (bool, error) {
	source := sourceOf(s)
	if err := a.limiter.Check(source); err != nil {
		a.audit(s, KindPassword, username, false, "rate limited")
		return false, err
	}
	user, ok, err := a.users.Verify(ctx, username, password)
	if err != nil {
		return false, err
	}
	if !ok {
		a.reject(s, source, KindPassword, username)
		return false, nil
	}
	a.accept(s, source, Credentials{Kind: KindPassword, Username: user.Username, UID: user.UID, Granted: user.Roles})
	return true, nil
}

// LoginAPIKey authenticates s with a raw "id:secret" key
func (a *Authenticator) LoginAPIKey(ctx context.Context, s *Session, raw string) (bool, error) {
	source := sourceOf(s)
	if err := a.limiter.Check(source); err != nil {
		a.audit(s, KindAPIKey, "", false, "rate limited")
		return false, err
	}
	creds, ok, err := a.verifyAPIKey(ctx, raw)
	if err != nil {
		return false, err
	}
	if !ok {
		a.reject(s, source, KindAPIKey, "")
		return false, nil
	}
	a.accept(s, source, creds)
	return true, nil
}

// VerifyAPIKey resolves a key to credentials without binding a session; it
// serves stateless transports
func (a *Authenticator) VerifyAPIKey(ctx context.Context, source, raw string) (Credentials, error) {
	if err := a.limiter.Check(source); err != nil {
		return Credentials{}, err
	}
	creds, ok, err := a.verifyAPIKey(ctx, raw)
	if err != nil {
		return Credentials{}, err
	}
	if !ok {
		a.limiter.Failure(source)
		a.countFailure(KindAPIKey)
		return Credentials{}, errInvalidCredentials
	}
	return creds, nil
}

func (a *Authenticator) verifyAPIKey(ctx context.Context, raw string) (Credentials, bool, error) {
	key, err := a.keys.Verify(ctx, raw)
	if err != nil {
		if isAuthFailure(err) {
			return Credentials{}, false, nil
		}
		return Credentials{}, false, err
	}
	roles := key.Roles
	uid := -1
	if user, err := a.users.Get(ctx, key.Username); err == nil {
		uid = user.UID
		if len(roles) == 0 {
			roles = user.Roles
		}
	}
	return Credentials{Kind: KindAPIKey, Username: key.Username, UID: uid, APIKeyID: key.ID, Granted: roles}, true, nil
}

// VerifyPassword resolves a username and password to credentials without
// binding a session
func (a *Authenticator) VerifyPassword(ctx context.Context, source, username, password string) (Credentials, error) {
	if err := a.limiter.Check(source); err != nil {
		return Credentials{}, err
	}
	user, ok, err := a.users.Verify(ctx, username, password)
	if err != nil {
		return Credentials{}, err
	}
	if !ok {
		a.limiter.Failure(source)
		a.countFailure(KindPassword)
		return Credentials{}, errInvalidCredentials
	}
	return Credentials{Kind: KindPassword, Username: user.Username, UID: user.UID, Granted: user.Roles}, nil
}

// LoginToken authenticates s with a token from GenerateToken
func (a *Authenticator) LoginToken(_ context.Context, s *Session, value string) (bool, error) {
	source := sourceOf(s)
	if err := a.limiter.Check(source); err != nil {
		a.audit(s, KindToken, "", false, "rate limited")
		return false, err
	}
	creds, err := a.sessions.RedeemToken(value, s.Origin())
	if err != nil {
		a.reject(s, source, KindToken, "")
		return false, nil
	}
	a.accept(s, source, creds)
	return true, nil
}

// VerifyToken redeems a token without binding a session. origin is the
// remote address the token is checked against.
func (a *Authenticator) VerifyToken(_ context.Context, origin, value string) (Credentials, error) {
	source := SourceOf(origin)
	if err := a.limiter.Check(source); err != nil {
		return Credentials{}, err
	}
	creds, err := a.sessions.RedeemToken(value, origin)
	if err != nil {
		a.limiter.Failure(source)
		a.countFailure(KindToken)
		return Credentials{}, err
	}
	return creds, nil
}

// GenerateToken issues a token carrying the credentials of s
func (a *Authenticator) GenerateToken(s *Session, opts TokenOptions) (string, error) {
	return a.sessions.IssueToken(s, opts)
}

// Grant authenticates s without a credential check. Transports use it for
// peer credentials; the runtime uses it for internal sessions.
func (a *Authenticator) Grant(s *Session, creds Credentials) {
	s.grant(creds, a.roles)
	if creds.Kind != KindInternal {
		a.sessions.Track(s)
	}
}

// Logout drops the identity bound to s
func (a *Authenticator) Logout(s *Session) {
	s.logout()
	a.sessions.Forget(s)
}

// DropRoles removes granted roles from s
func (a *Authenticator) DropRoles(s *Session, roles []string) {
	s.dropRoles(roles, a.roles)
}

// Touch extends the idle window of an authenticated session
func (a *Authenticator) Touch(s *Session) {
	if s.Authenticated() {
		a.sessions.Touch(s)
	}
}

func (a *Authenticator) accept(s *Session, source string, creds Credentials) {
	a.limiter.Success(source)
	s.grant(creds, a.roles)
	a.sessions.Track(s)
	a.logger.Info("Session authenticated", "session", s.ID(), "credentials", creds.Kind, "username", creds.Username)
	a.audit(s, creds.Kind, creds.Username, true, "")
}

func (a *Authenticator) reject(s *Session, source, kind, username string) {
	a.limiter.Failure(source)
	a.countFailure(kind)
	a.logger.Warn("Authentication failed", "session", s.ID(), "credentials", kind, "origin", s.Origin())
	a.audit(s, kind, username, false, "invalid credentials")
}

func (a *Authenticator) countFailure(kind string) {
	if a.metrics != nil {
		a.metrics.RecordAuthFailure(kind)
	}
}

func (a *Authenticator) audit(s *Session, kind, username string, success bool, reason string) {
	if a.events == nil {
		return
	}
	fields := map[string]any{
		"event":       "AUTHENTICATION",
		"credentials": kind,
		"username":    username,
		"success":     success,
		"session":     s.ID(),
		"origin":      s.Origin(),
		"timestamp":   time.Now().UTC().Format(time.RFC3339Nano),
	}
	if reason != "" {
		fields["error"] = reason
	}
	if _, err := a.events.Publish(AuditTopic, eventbus.Added, s.ID(), fields); err != nil {
		a.logger.Error("Audit event not published", "error", err)
	}
}

var errInvalidCredentials = errors.AuthFailed("Invalid credentials")

func isAuthFailure(err error) bool {
	return errors.IsErrno(err, errors.EAUTH)
}

// SourceOf returns the limiter key for a remote address: the host without
// the port
func SourceOf(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func sourceOf(s *Session) string {
	return SourceOf(s.Origin())
}
