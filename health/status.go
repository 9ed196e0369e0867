// Package health tracks the health of middlewared subsystems and plugins and
// scrubs sensitive details from messages before they leave the process.
package health

import (
	"regexp"
	"strings"
	"time"
)

var (
	urlRegex        = regexp.MustCompile(`(?:https?|wss?|nats)://[^\s]+`)
	unixPathRegex   = regexp.MustCompile(`/[a-zA-Z0-9/_.-]+`)
	ipAddrRegex     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	portRegex       = regexp.MustCompile(`:\d{2,5}\b`)
	credentialRegex = regexp.MustCompile(`(?i)(password|passwd|token|api_key|key|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// State values
const (
	StateHealthy   = "healthy"
	StateDegraded  = "degraded"
	StateUnhealthy = "unhealthy"
)

// Status represents the health of one subsystem or an aggregate
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
}

// IsHealthy reports a healthy status
func (s Status) IsHealthy() bool { return s.Status == StateHealthy }

// IsDegraded reports a degraded status
func (s Status) IsDegraded() bool { return s.Status == StateDegraded }

// IsUnhealthy reports an unhealthy status
func (s Status) IsUnhealthy() bool { return s.Status == StateUnhealthy }

func newStatus(component, state, message string) Status {
	return Status{
		Component: component,
		Healthy:   state == StateHealthy,
		Status:    state,
		Message:   SanitizeMessage(message),
		Timestamp: time.Now(),
	}
}

// NewHealthy creates a healthy status
func NewHealthy(component, message string) Status {
	return newStatus(component, StateHealthy, message)
}

// NewDegraded creates a degraded status
func NewDegraded(component, message string) Status {
	return newStatus(component, StateDegraded, message)
}

// NewUnhealthy creates an unhealthy status
func NewUnhealthy(component, message string) Status {
	return newStatus(component, StateUnhealthy, message)
}

// Aggregate folds sub-statuses: any unhealthy makes the aggregate unhealthy,
// otherwise any degraded makes it degraded.
func Aggregate(component string, subs []Status) Status {
	if len(subs) == 0 {
		return NewHealthy(component, "no subsystems registered")
	}

	state := StateHealthy
	for _, sub := range subs {
		if sub.IsUnhealthy() {
			state = StateUnhealthy
			break
		}
		if sub.IsDegraded() {
			state = StateDegraded
		}
	}

	var status Status
	switch state {
	case StateUnhealthy:
		status = NewUnhealthy(component, "one or more subsystems are unhealthy")
	case StateDegraded:
		status = NewDegraded(component, "one or more subsystems are degraded")
	default:
		status = NewHealthy(component, "all subsystems are healthy")
	}
	status.SubStatuses = append([]Status(nil), subs...)
	return status
}

// RedactCredentials replaces key=value pairs whose key looks like a credential.
// Used on stack traces and argument dumps, where paths are useful.
func RedactCredentials(s string) string {
	lower := strings.ToLower(s)
	for _, word := range []string{"pass", "token", "key", "secret", "credential"} {
		if strings.Contains(lower, word) {
			return credentialRegex.ReplaceAllString(s, "[REDACTED]")
		}
	}
	return s
}

// SanitizeMessage removes URLs, paths, addresses, ports and credentials from
// a message that may be shown to a remote caller.
func SanitizeMessage(msg string) string {
	if msg == "" {
		return ""
	}
	msg = urlRegex.ReplaceAllString(msg, "[URL]")
	msg = unixPathRegex.ReplaceAllString(msg, "[PATH]")
	msg = ipAddrRegex.ReplaceAllString(msg, "[IP]")
	msg = portRegex.ReplaceAllString(msg, "[PORT]")
	return RedactCredentials(msg)
}
