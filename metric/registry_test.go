package metric

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truenas/middlewared/errors"
)

func gatheredNames(t *testing.T, r *MetricsRegistry) map[string]bool {
	t.Helper()
	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	return names
}

func TestMetricsRegistry_RegisterAndUnregister(t *testing.T) {
	r := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter", Help: "test"})
	require.NoError(t, r.RegisterCounter("dispatcher", "test_counter", counter))
	counter.Inc()

	assert.True(t, gatheredNames(t, r)["test_counter"])

	assert.True(t, r.Unregister("dispatcher", "test_counter"))
	assert.False(t, r.Unregister("dispatcher", "test_counter"))
	assert.False(t, gatheredNames(t, r)["test_counter"])
}

func TestMetricsRegistry_DuplicateRegistration(t *testing.T) {
	r := NewMetricsRegistry()

	g1 := prometheus.NewGauge(prometheus.GaugeOpts{Name: "dup_gauge", Help: "test"})
	g2 := prometheus.NewGauge(prometheus.GaugeOpts{Name: "dup_gauge", Help: "test"})

	require.NoError(t, r.RegisterGauge("jobs", "dup_gauge", g1))

	err := r.RegisterGauge("jobs", "dup_gauge", g2)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	// Same collector name under another component conflicts in prometheus
	err = r.RegisterGauge("eventbus", "dup_gauge", g2)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestMetricsRegistry_ConcurrentRegistration(t *testing.T) {
	r := NewMetricsRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("concurrent_%d", i)
			c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: "test"})
			assert.NoError(t, r.RegisterCounter("worker", name, c))
		}(i)
	}
	wg.Wait()

	names := gatheredNames(t, r)
	for i := 0; i < 20; i++ {
		assert.True(t, names[fmt.Sprintf("concurrent_%d", i)])
	}
}

func TestMetrics_Record(t *testing.T) {
	m := NewMetricsRegistry().CoreMetrics()

	m.RecordCall("core.ping", "cooperative", 0, 5*time.Millisecond)
	m.RecordCall("core.ping", "cooperative", 0, 5*time.Millisecond)
	m.RecordCall("pool.dataset.create", "job", 13, time.Millisecond)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CallsTotal.WithLabelValues("core.ping", "0")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CallsTotal.WithLabelValues("pool.dataset.create", "13")))

	m.RecordJobTransition("", "WAITING")
	m.RecordJobTransition("WAITING", "RUNNING")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.JobsByState.WithLabelValues("WAITING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsByState.WithLabelValues("RUNNING")))

	m.RecordEventsDropped("pool.query", "drop-oldest", 6)
	assert.Equal(t, 6.0, testutil.ToFloat64(m.EventsDropped.WithLabelValues("pool.query", "drop-oldest")))

	m.RecordConnection("websocket", 1)
	m.RecordConnection("websocket", -1)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Connections.WithLabelValues("websocket")))
}

func TestServer_ServesMetricsAndHealth(t *testing.T) {
	r := NewMetricsRegistry()
	r.CoreMetrics().RecordEventPublished("system.ready")

	health := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	s := NewServer("127.0.0.1:0", "/metrics", r, WithHealthHandler(health))
	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop(time.Second) }()

	assert.Error(t, s.Start(context.Background()))

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "middlewared_events_published_total"))

	resp, err = http.Get("http://" + s.Addr() + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
