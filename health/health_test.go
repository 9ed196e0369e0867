package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeMessage(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		contains string
		absent   string
	}{
		{"url", "dial nats://10.0.0.5:4222 failed", "[URL]", "10.0.0.5"},
		{"path", "open /var/db/middlewared/jobs.jsonl: permission denied", "[PATH]", "/var/db"},
		{"ip", "peer 192.168.1.10 refused", "[IP]", "192.168.1.10"},
		{"credential", "login failed password=hunter2", "[REDACTED]", "hunter2"},
		{"token", "bad token:abc123", "[REDACTED]", "abc123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizeMessage(tt.input)
			assert.Contains(t, got, tt.contains)
			assert.NotContains(t, got, tt.absent)
		})
	}

	assert.Equal(t, "", SanitizeMessage(""))
}

func TestRedactCredentials_KeepsPaths(t *testing.T) {
	in := "panic at /src/middlewared/auth.go:42 with secret=s3cr3t"
	got := RedactCredentials(in)
	assert.Contains(t, got, "/src/middlewared/auth.go:42")
	assert.NotContains(t, got, "s3cr3t")
	assert.Equal(t, "plain message", RedactCredentials("plain message"))
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name string
		subs []Status
		want string
	}{
		{"empty", nil, StateHealthy},
		{"all healthy", []Status{NewHealthy("a", ""), NewHealthy("b", "")}, StateHealthy},
		{"degraded", []Status{NewHealthy("a", ""), NewDegraded("b", "")}, StateDegraded},
		{"unhealthy wins", []Status{NewDegraded("a", ""), NewUnhealthy("b", ""), NewHealthy("c", "")}, StateUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate("middlewared", tt.subs)
			assert.Equal(t, tt.want, got.Status)
			assert.Equal(t, tt.want == StateHealthy, got.Healthy)
			assert.Len(t, got.SubStatuses, len(tt.subs))
		})
	}
}

func TestMonitor(t *testing.T) {
	m := NewMonitor("middlewared")
	m.UpdateHealthy("dispatcher", "ok")
	m.UpdateDegraded("plugin.smb", "quarantined: token=xyz")

	s, ok := m.Get("plugin.smb")
	require.True(t, ok)
	assert.True(t, s.IsDegraded())
	assert.NotContains(t, s.Message, "xyz")

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, "dispatcher", list[0].Component)

	assert.Equal(t, StateDegraded, m.Aggregate().Status)

	m.Remove("plugin.smb")
	assert.Equal(t, StateHealthy, m.Aggregate().Status)
}

func TestMonitor_ServeHTTP(t *testing.T) {
	m := NewMonitor("middlewared")
	m.UpdateUnhealthy("datastore", "closed")

	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var got Status
	require.NoError(t, json.NewDecoder(strings.NewReader(rec.Body.String())).Decode(&got))
	assert.Equal(t, "middlewared", got.Component)
	assert.False(t, got.Healthy)
}
