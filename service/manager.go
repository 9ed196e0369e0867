package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/truenas/middlewared/errors"
	"github.com/truenas/middlewared/health"
)

// Manager starts services in registration order and stops them in reverse
type Manager struct {
	logger  *slog.Logger
	monitor *health.Monitor

	mu      sync.Mutex
	order   []Service
	names   map[string]struct{}
	started int
}

// NewManager creates an empty manager. monitor, if set, receives one status
// per service.
func NewManager(logger *slog.Logger, monitor *health.Monitor) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:  logger.With("component", "services"),
		monitor: monitor,
		names:   make(map[string]struct{}),
	}
}

// Add appends svc to the start order
func (m *Manager) Add(svc Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := svc.Name()
	if _, ok := m.names[name]; ok {
		return errors.WrapInvalid(fmt.Errorf("service %q already added", name), "Manager", "Add", "duplicate service check")
	}
	m.names[name] = struct{}{}
	m.order = append(m.order, svc)
	return nil
}

// Services returns the services in start order
func (m *Manager) Services() []Service {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Service(nil), m.order...)
}

// StartAll starts every service in order. On the first failure the services
// already started are stopped again and the error is returned.
func (m *Manager) StartAll(ctx context.Context, stopTimeout time.Duration) error {
	m.mu.Lock()
	services := append([]Service(nil), m.order...)
	m.mu.Unlock()

	for i, svc := range services {
		start := time.Now()
		if err := svc.Start(ctx); err != nil {
			m.logger.Error("Service failed to start", "service", svc.Name(), "error", err)
			m.report(svc, health.NewUnhealthy(svc.Name(), err.Error()))
			m.mu.Lock()
			m.started = i
			m.mu.Unlock()
			_ = m.StopAll(stopTimeout)
			return errors.Wrap(err, "Manager", "StartAll", fmt.Sprintf("start %s", svc.Name()))
		}
		m.logger.Debug("Service started", "service", svc.Name(), "duration_ms", time.Since(start).Milliseconds())
		m.report(svc, m.status(svc))
	}

	m.mu.Lock()
	m.started = len(services)
	m.mu.Unlock()
	m.logger.Info("Services started", "count", len(services))
	return nil
}

// StopAll stops the started services in reverse order. Every service is
// stopped even if an earlier one fails; the failures are returned together.
func (m *Manager) StopAll(timeout time.Duration) error {
	m.mu.Lock()
	services := append([]Service(nil), m.order[:m.started]...)
	m.started = 0
	m.mu.Unlock()

	var errs []error
	for i := len(services) - 1; i >= 0; i-- {
		svc := services[i]
		start := time.Now()
		if err := svc.Stop(timeout); err != nil {
			m.logger.Error("Service stop failed", "service", svc.Name(),
				"duration_ms", time.Since(start).Milliseconds(), "error", err)
			errs = append(errs, fmt.Errorf("stop %s: %w", svc.Name(), err))
			continue
		}
		m.logger.Debug("Service stopped", "service", svc.Name(), "duration_ms", time.Since(start).Milliseconds())
		m.report(svc, health.NewUnhealthy(svc.Name(), "Service is stopped"))
	}
	return stderrors.Join(errs...)
}

// Health returns the current status of every service
func (m *Manager) Health() []health.Status {
	var out []health.Status
	for _, svc := range m.Services() {
		out = append(out, m.status(svc))
	}
	return out
}

func (m *Manager) status(svc Service) health.Status {
	if r, ok := svc.(HealthReporter); ok {
		return r.Health()
	}
	return health.NewHealthy(svc.Name(), "Service started")
}

func (m *Manager) report(svc Service, status health.Status) {
	if m.monitor != nil {
		m.monitor.Update("service."+svc.Name(), status)
	}
}
