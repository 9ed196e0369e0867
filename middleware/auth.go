package middleware

import (
	"context"
	"sort"
	"time"

	"github.com/truenas/middlewared/auth"
	"github.com/truenas/middlewared/errors"
	"github.com/truenas/middlewared/eventbus"
	"github.com/truenas/middlewared/registry"
	"github.com/truenas/middlewared/schema"
)

// session returns the caller's session; internal calls have none to log in
func session(cc *registry.CallContext) (*auth.Session, error) {
	if cc == nil || cc.Session == nil || cc.Internal {
		return nil, errors.Invalid("Call has no session")
	}
	return cc.Session, nil
}

func (rt *Runtime) authPlugin() *registry.Plugin {
	secret := func(name string) schema.Param {
		return schema.Required(name, schema.Secret(schema.String()))
	}

	return &registry.Plugin{
		Name: "auth",
		Methods: []*registry.Descriptor{
			registry.NewDescriptor("auth.login").
				Params(schema.Required("username", schema.String()), secret("password")).
				Returns(schema.Bool()).
				NoAuth().
				SessionMutating().
				Throttle("auth.login").
				Describe("Authenticate the session with a username and password").
				Handler(func(ctx context.Context, cc *registry.CallContext, args []any) (any, error) {
					s, err := session(cc)
					if err != nil {
						return nil, err
					}
					return rt.auth.LoginPassword(ctx, s, args[0].(string), args[1].(string))
				}).
				Build(),

			registry.NewDescriptor("auth.login_with_api_key").
				Params(secret("api_key")).
				Returns(schema.Bool()).
				NoAuth().
				SessionMutating().
				Throttle("auth.login").
				Describe("Authenticate the session with an API key").
				Handler(func(ctx context.Context, cc *registry.CallContext, args []any) (any, error) {
					s, err := session(cc)
					if err != nil {
						return nil, err
					}
					return rt.auth.LoginAPIKey(ctx, s, args[0].(string))
				}).
				Build(),

			registry.NewDescriptor("auth.login_with_token").
				Params(secret("token")).
				Returns(schema.Bool()).
				NoAuth().
				SessionMutating().
				Throttle("auth.login").
				Describe("Authenticate the session with a token from auth.generate_token").
				Handler(func(ctx context.Context, cc *registry.CallContext, args []any) (any, error) {
					s, err := session(cc)
					if err != nil {
						return nil, err
					}
					return rt.auth.LoginToken(ctx, s, args[0].(string))
				}).
				Build(),

			registry.NewDescriptor("auth.generate_token").
				Params(
					schema.Optional("ttl", schema.Int().Min(1).Max(86400), int64(600)),
					schema.Optional("attrs", schema.Dict(), map[string]any{}),
					schema.Optional("match_origin", schema.Bool(), true),
					schema.Optional("single_use", schema.Bool(), false),
				).
				Returns(schema.String()).
				REST("POST").
				Describe("Issue a token carrying the session's credentials").
				Handler(func(_ context.Context, cc *registry.CallContext, args []any) (any, error) {
					s, err := session(cc)
					if err != nil {
						return nil, err
					}
					attrs, _ := args[1].(map[string]any)
					return rt.auth.GenerateToken(s, auth.TokenOptions{
						TTL:         time.Duration(args[0].(int64)) * time.Second,
						Attributes:  attrs,
						MatchOrigin: args[2].(bool),
						SingleUse:   args[3].(bool),
					})
				}).
				Build(),

			registry.NewDescriptor("auth.me").
				Returns(schema.Dict()).
				REST("GET").
				Describe("Describe the authenticated caller").
				Handler(func(_ context.Context, cc *registry.CallContext, _ []any) (any, error) {
					s, err := session(cc)
					if err != nil {
						return nil, err
					}
					creds := s.Credentials()
					roles := s.Roles()
					sort.Strings(roles)
					return map[string]any{
						"pw_name":     creds.Username,
						"pw_uid":      creds.UID,
						"credentials": creds.Kind,
						"roles":       roles,
						"session_id":  s.ID(),
					}, nil
				}).
				Build(),

			registry.NewDescriptor("auth.logout").
				Returns(schema.Bool()).
				SessionMutating().
				Describe("Drop the session's credentials").
				Handler(func(_ context.Context, cc *registry.CallContext, _ []any) (any, error) {
					s, err := session(cc)
					if err != nil {
						return nil, err
					}
					rt.auth.Logout(s)
					return true, nil
				}).
				Build(),

			registry.NewDescriptor("auth.drop_roles").
				Params(schema.Required("roles", schema.Array(schema.String()).Length(1, -1))).
				Returns(schema.Array(schema.String())).
				SessionMutating().
				Describe("Remove roles from the session for the rest of its life").
				Handler(func(_ context.Context, cc *registry.CallContext, args []any) (any, error) {
					s, err := session(cc)
					if err != nil {
						return nil, err
					}
					rt.auth.DropRoles(s, toStrings(args[0]))
					remaining := s.Roles()
					sort.Strings(remaining)
					return remaining, nil
				}).
				Build(),

			registry.NewDescriptor("auth.sessions").
				Params(schema.Optional("filters", schema.Array(schema.Array(schema.Any())), []any{})).
				Returns(schema.Array(schema.Dict())).
				Roles("AUTH_SESSIONS_READ").
				REST("GET").
				Describe("List authenticated sessions").
				Handler(rt.listSessions).
				Build(),
		},
	}
}

func (rt *Runtime) listSessions(_ context.Context, cc *registry.CallContext, args []any) (any, error) {
	filters, err := eventbus.ParseFilters(args[0])
	if err != nil {
		return nil, err
	}
	var current string
	if cc.Session != nil {
		current = cc.Session.ID()
	}

	out := []any{}
	for _, s := range rt.sessions.List() {
		info := s.Info()
		m := map[string]any{
			"id":               info.ID,
			"current":          info.ID == current,
			"origin":           info.Origin,
			"origin_transport": info.Transport,
			"credentials":      info.Credentials.Kind,
			"username":         info.Credentials.Username,
			"created_at":       info.Created.UTC().Format(time.RFC3339),
			"last_seen":        info.LastSeen.UTC().Format(time.RFC3339),
		}
		if eventbus.MatchAll(filters, m) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (rt *Runtime) apiKeyPlugin() *registry.Plugin {
	return &registry.Plugin{
		Name:  "api_key",
		After: []string{"auth"},
		Methods: []*registry.Descriptor{
			registry.NewDescriptor("api_key.create").
				Params(
					schema.Required("name", schema.String().MinLength(1)),
					schema.Optional("roles", schema.Array(schema.String()), []any{}),
					schema.Optional("username", schema.String().OrNull(), nil),
					schema.Optional("expires_at", schema.String().OrNull(), nil),
				).
				Returns(schema.Dict()).
				Roles("API_KEY_WRITE").
				REST("POST").
				Describe("Create an API key. The raw key is only returned here.").
				Handler(rt.createAPIKey).
				Build(),

			registry.NewDescriptor("api_key.query").
				Params(schema.Optional("username", schema.String().OrNull(), nil)).
				Returns(schema.Array(schema.Dict())).
				Roles("API_KEY_READ").
				REST("GET").
				Describe("List API keys").
				Handler(func(ctx context.Context, _ *registry.CallContext, args []any) (any, error) {
					username, _ := args[0].(string)
					keys, err := rt.auth.APIKeys().Query(ctx, username)
					if err != nil {
						return nil, err
					}
					out := make([]any, 0, len(keys))
					for _, k := range keys {
						out = append(out, apiKeyMap(k))
					}
					return out, nil
				}).
				Build(),

			registry.NewDescriptor("api_key.delete").
				Params(schema.Required("id", schema.String().MinLength(1))).
				Returns(schema.Bool()).
				Roles("API_KEY_WRITE").
				REST("DELETE").
				Describe("Revoke an API key").
				Handler(func(ctx context.Context, _ *registry.CallContext, args []any) (any, error) {
					if err := rt.auth.APIKeys().Delete(ctx, args[0].(string)); err != nil {
						return nil, err
					}
					return true, nil
				}).
				Build(),
		},
	}
}

func (rt *Runtime) createAPIKey(ctx context.Context, cc *registry.CallContext, args []any) (any, error) {
	name := args[0].(string)
	roles := toStrings(args[1])

	// a key never carries more than its creator holds
	if !cc.Internal && !cc.Session.Authorized(roles) {
		return nil, errors.NotPermitted("Cannot grant roles the caller does not hold")
	}
	for _, role := range roles {
		if !rt.roles.Known(role) {
			return nil, errors.Invalid("Unknown role %s", role)
		}
	}

	username, _ := args[2].(string)
	if username == "" {
		username = cc.Username()
	}
	if username == "" {
		return nil, errors.Invalid("username is required for keys created without a user session")
	}

	var expiresAt *time.Time
	if raw, _ := args[3].(string); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, errors.Invalid("expires_at must be an RFC 3339 time: %v", err)
		}
		if !t.After(time.Now()) {
			return nil, errors.Invalid("expires_at must be in the future")
		}
		expiresAt = &t
	}

	key, raw, err := rt.auth.APIKeys().Create(ctx, name, username, roles, expiresAt)
	if err != nil {
		return nil, err
	}
	out := apiKeyMap(key)
	out["key"] = raw
	return out, nil
}

func apiKeyMap(k auth.APIKey) map[string]any {
	m := map[string]any{
		"id":         k.ID,
		"name":       k.Name,
		"username":   k.Username,
		"roles":      append([]string{}, k.Roles...),
		"created_at": k.CreatedAt.UTC().Format(time.RFC3339),
		"expires_at": nil,
		"revoked":    k.Revoked,
	}
	if k.ExpiresAt != nil {
		m["expires_at"] = k.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return m
}

func toStrings(v any) []string {
	list, _ := v.([]any)
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
