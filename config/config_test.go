package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truenas/middlewared/errors"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func testLoader(env map[string]string) *Loader {
	l := NewLoader()
	l.getenv = func(key string) string { return env[key] }
	return l
}

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 16, cfg.Dispatcher.Workers)
	assert.Equal(t, 512, cfg.Dispatcher.QueueSize)
	assert.Equal(t, 64*datasize.KB, cfg.Jobs.LogRingSize)
	assert.Equal(t, 24*time.Hour, cfg.Jobs.Retention.Std())
	assert.Equal(t, 500, cfg.Jobs.RetentionCapacity)
	assert.Equal(t, 10*time.Minute, cfg.Auth.SessionTTL.Std())
	assert.False(t, cfg.NATS.Enabled())
}

func TestLoader_YAMLLayer(t *testing.T) {
	path := writeFile(t, "middlewared.yaml", `
jobs:
  log_ring_size: 128KB
  retention: 2d
dispatcher:
  workers: 4
log:
  level: debug
auth:
  users:
    - username: root
      uid: 0
      password: secret
      roles: [FULL_ADMIN]
`)
	cfg, err := testLoader(nil).LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 128*datasize.KB, cfg.Jobs.LogRingSize)
	assert.Equal(t, 48*time.Hour, cfg.Jobs.Retention.Std())
	assert.Equal(t, 4, cfg.Dispatcher.Workers)
	assert.Equal(t, "debug", cfg.Log.Level)
	require.Len(t, cfg.Auth.Users, 1)
	assert.Equal(t, []string{"FULL_ADMIN"}, cfg.Auth.Users[0].Roles)

	// untouched keys keep their defaults
	assert.Equal(t, 512, cfg.Dispatcher.QueueSize)
	assert.Equal(t, 30*time.Second, cfg.Jobs.SnapshotInterval.Std())
}

func TestLoader_LayersOverrideInOrder(t *testing.T) {
	base := writeFile(t, "base.json", `{"server": {"addr": ":7000"}, "metrics": {"port": 9100}}`)
	local := writeFile(t, "local.yml", "server:\n  addr: \":8000\"\n")

	l := testLoader(nil)
	l.AddLayer(base)
	l.AddLayer(local)
	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, ":8000", cfg.Server.Addr)
	assert.Equal(t, 9100, cfg.Metrics.Port)
	assert.Equal(t, "/var/run/middleware/middlewared.sock", cfg.Server.UnixSocket)
}

func TestLoader_EnvOverrides(t *testing.T) {
	cfg, err := testLoader(map[string]string{
		"MIDDLEWARED_LOG_LEVEL":          "warn",
		"MIDDLEWARED_DATASTORE_BACKEND":  "memory",
		"MIDDLEWARED_DISPATCHER_WORKERS": "2",
		"MIDDLEWARED_JOBS_LOG_RING_SIZE": "8KB",
	}).Load()
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "memory", cfg.Datastore.Backend)
	assert.Equal(t, 2, cfg.Dispatcher.Workers)
	assert.Equal(t, 8*datasize.KB, cfg.Jobs.LogRingSize)

	_, err = testLoader(map[string]string{"MIDDLEWARED_METRICS_PORT": "nine"}).Load()
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	_, err = testLoader(map[string]string{"MIDDLEWARED_LOG_LEVEL": "a\x00b"}).Load()
	require.Error(t, err)
}

func TestLoader_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"unknown policy", "c.yaml", "events:\n  default_policy: block\n"},
		{"bad level", "c.yaml", "log:\n  level: loud\n"},
		{"no listeners", "c.json", `{"server": {"addr": "", "unix_socket": ""}}`},
		{"tls without cert", "c.yaml", "server:\n  tls:\n    enabled: true\n"},
		{"bad duration", "c.yaml", "jobs:\n  retention: soon\n"},
		{"too deep", "c.json", deepJSON(150)},
		{"wrong extension", "c.toml", "x = 1"},
		{"nats cert without key", "c.yaml", "nats:\n  url: nats://localhost:4222\n  tls_cert: /tmp/c.pem\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := testLoader(nil).LoadFile(writeFile(t, tt.file, tt.content))
			assert.Error(t, err)
		})
	}
}

func deepJSON(depth int) string {
	s := ""
	for i := 0; i < depth; i++ {
		s += `{"a":`
	}
	s += "1"
	for i := 0; i < depth; i++ {
		s += "}"
	}
	return s
}

func TestSaveToFileRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Jobs.LogRingSize = 32 * datasize.KB
	cfg.Events.ReplayWindow = Duration(90 * time.Second)

	for _, name := range []string{"out.yaml", "out.json"} {
		path := filepath.Join(t.TempDir(), name)
		require.NoError(t, cfg.SaveToFile(path))
		loaded, err := testLoader(nil).LoadFile(path)
		require.NoError(t, err, name)
		assert.Equal(t, cfg, loaded, name)
	}
}

func TestStringMasksSecrets(t *testing.T) {
	cfg := Default()
	cfg.Auth.Users = []User{{Username: "root", Password: "hunter2"}}
	cfg.NATS.Token = "tok"
	out := cfg.String()
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "tok\n")
	assert.Equal(t, "hunter2", cfg.Auth.Users[0].Password, "String must not mutate the config")
}

func TestSafeConfig_Concurrent(t *testing.T) {
	sc := NewSafeConfig(nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				cfg := sc.Get()
				if cfg.Dispatcher.Workers != 16 && cfg.Dispatcher.Workers != 8 {
					t.Errorf("unexpected workers %d", cfg.Dispatcher.Workers)
					return
				}
			}
		}()
		go func() {
			defer wg.Done()
			next := Default()
			next.Dispatcher.Workers = 8
			if err := sc.Update(next); err != nil {
				t.Errorf("update: %v", err)
			}
		}()
	}
	wg.Wait()

	bad := Default()
	bad.Dispatcher.Workers = 0
	assert.Error(t, sc.Update(bad))
	assert.Error(t, sc.Update(nil))

	// Get returns copies
	cp := sc.Get()
	cp.Log.Level = "error"
	assert.NotEqual(t, "error", sc.Get().Log.Level)
}

func TestManager_ReloadNotifiesChangedSections(t *testing.T) {
	path := writeFile(t, "m.yaml", "log:\n  level: info\n")
	l := testLoader(nil)
	l.AddLayer(path)
	cfg, err := l.Load()
	require.NoError(t, err)

	m := NewManager(cfg, l, nil)
	logCh := m.OnChange("log")
	allCh := m.OnChange("*")
	jobsCh := m.OnChange("jobs")

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600))
	changed, err := m.Reload()
	require.NoError(t, err)
	assert.Equal(t, []string{"log"}, changed)
	assert.Equal(t, "debug", m.Config().Get().Log.Level)

	select {
	case u := <-logCh:
		assert.Equal(t, "log", u.Section)
	default:
		t.Fatal("log subscriber not notified")
	}
	select {
	case <-allCh:
	default:
		t.Fatal("wildcard subscriber not notified")
	}
	select {
	case <-jobsCh:
		t.Fatal("jobs subscriber notified for a log change")
	default:
	}

	// an invalid file keeps the live configuration
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: loud\n"), 0o600))
	_, err = m.Reload()
	require.Error(t, err)
	assert.Equal(t, "debug", m.Config().Get().Log.Level)

	m.Stop()
	_, open := <-logCh
	assert.False(t, open)
}

func TestLayerLimits(t *testing.T) {
	assert.NoError(t, checkLayerPath("/etc/middlewared/site.yaml"))
	assert.Error(t, checkLayerPath("/etc/middlewared/../shadow.yaml"))
	assert.Error(t, checkLayerPath(""))
	assert.Error(t, checkLayerPath("conf.ini"))

	assert.NoError(t, validateJSONDepth([]byte(`{"a": "}}}"}`)))
	assert.Error(t, validateJSONDepth([]byte(`{"a": [1, 2}`+"]]")))
	assert.Error(t, validateJSONDepth([]byte(`{"a": "open`)))
	assert.Error(t, validateJSONDepth([]byte("  ")))
}
