// Package auth implements roles, sessions and credential checks.
//
// A Session starts unauthenticated. The Authenticator binds an identity to
// it after a successful password, API key or token check, and grants the
// closure of the identity's roles over the role catalog. FULL_ADMIN holds
// the wildcard role, which satisfies every role except SYSTEM.
//
// Repeated bad credentials from one source exhaust a token bucket and the
// source is refused with EAUTH until the cooldown passes. Every attempt is
// published on the audit.authentication topic.
package auth
