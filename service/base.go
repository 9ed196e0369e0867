package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/truenas/middlewared/health"
	"github.com/truenas/middlewared/metric"
)

// Status represents the current status of a service
type Status int

// Possible service statuses
const (
	StatusStopped Status = iota
	StatusStarting
	StatusRunning
	StatusStopping
)

// String returns the string representation of Status
func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Service is a long-running part of the daemon started and stopped by the
// Manager
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}

// HealthReporter is implemented by services with their own health status
type HealthReporter interface {
	Health() health.Status
}

// HealthCheckFunc defines a custom health check function
type HealthCheckFunc func() error

// Option is a functional option for configuring BaseService
type Option func(*BaseService)

// BaseService tracks lifecycle state, runs background loops and reports
// health. Services embed it and call Start/Stop from their own.
type BaseService struct {
	name    string
	metrics *metric.Metrics
	logger  *slog.Logger

	status    atomic.Value // Status
	startTime atomic.Value // time.Time
	healthy   atomic.Bool

	healthChecks       atomic.Int64
	failedHealthChecks atomic.Int64
	healthCheckFunc    HealthCheckFunc
	healthInterval     time.Duration
	onHealthChange     func(bool)

	done      chan struct{}
	waitGroup sync.WaitGroup
	mu        sync.Mutex
}

// NewBaseService creates a stopped base service
func NewBaseService(name string, opts ...Option) *BaseService {
	s := &BaseService{
		name:   name,
		logger: slog.Default().With("service", name),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.status.Store(StatusStopped)
	s.startTime.Store(time.Time{})
	s.recordStatus(StatusStopped)
	return s
}

// WithMetrics records status transitions in the service status gauge
func WithMetrics(m *metric.Metrics) Option {
	return func(s *BaseService) {
		s.metrics = m
	}
}

// WithLogger sets a custom logger for the service
func WithLogger(logger *slog.Logger) Option {
	return func(s *BaseService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithHealthCheck sets a custom health check run every interval
func WithHealthCheck(fn HealthCheckFunc, interval time.Duration) Option {
	return func(s *BaseService) {
		s.healthCheckFunc = fn
		s.healthInterval = interval
	}
}

// OnHealthChange sets a callback for health state changes
func OnHealthChange(fn func(bool)) Option {
	return func(s *BaseService) {
		s.onHealthChange = fn
	}
}

// Name returns the service name
func (s *BaseService) Name() string {
	return s.name
}

// Logger returns the service logger
func (s *BaseService) Logger() *slog.Logger {
	return s.logger
}

// Status returns the current service status
func (s *BaseService) Status() Status {
	return s.status.Load().(Status)
}

// Uptime is the time since the last Start, or zero when not running
func (s *BaseService) Uptime() time.Duration {
	start := s.startTime.Load().(time.Time)
	if start.IsZero() || s.Status() != StatusRunning {
		return 0
	}
	return time.Since(start)
}

// IsHealthy returns whether the last health check passed
func (s *BaseService) IsHealthy() bool {
	return s.healthy.Load()
}

// Health returns the standard health status for the service
func (s *BaseService) Health() health.Status {
	if s.Status() == StatusRunning && s.healthCheckFunc != nil && !s.healthy.Load() {
		return health.NewUnhealthy(s.name,
			fmt.Sprintf("Service is unhealthy (failed checks: %d)", s.failedHealthChecks.Load()))
	}
	switch status := s.Status(); status {
	case StatusRunning:
		return health.NewHealthy(s.name, "Service operating normally")
	case StatusStarting:
		return health.NewDegraded(s.name, "Service is starting")
	case StatusStopping:
		return health.NewDegraded(s.name, "Service is stopping")
	case StatusStopped:
		return health.NewUnhealthy(s.name, "Service is stopped")
	default:
		return health.NewUnhealthy(s.name, fmt.Sprintf("Unknown status: %v", status))
	}
}

// Start marks the service running and starts health monitoring. Cancelling
// ctx has the same effect as Stop.
func (s *BaseService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current := s.Status(); current == StatusRunning || current == StatusStarting {
		return nil
	}
	s.setStatus(StatusStarting)

	s.done = make(chan struct{})
	s.startTime.Store(time.Now())
	s.healthy.Store(s.healthCheckFunc == nil)

	if s.healthCheckFunc != nil && s.healthInterval > 0 {
		s.goLocked(s.healthMonitor)
	}
	s.goLocked(func(done <-chan struct{}) {
		select {
		case <-ctx.Done():
			go func() { _ = s.Stop(0) }()
		case <-done:
		}
	})

	s.setStatus(StatusRunning)
	return nil
}

// Go runs loop in the background until Stop. loop must return once done is
// closed.
func (s *BaseService) Go(loop func(done <-chan struct{})) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		return
	}
	s.goLocked(loop)
}

func (s *BaseService) goLocked(loop func(done <-chan struct{})) {
	done := s.done
	s.waitGroup.Add(1)
	go func() {
		defer s.waitGroup.Done()
		loop(done)
	}()
}

// Done is closed when the service stops
func (s *BaseService) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Stop closes Done and waits up to timeout (5s when zero) for background
// loops to return
func (s *BaseService) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if current := s.Status(); current == StatusStopped || current == StatusStopping {
		s.mu.Unlock()
		return nil
	}
	s.setStatus(StatusStopping)
	close(s.done)
	s.mu.Unlock()

	if timeout == 0 {
		timeout = 5 * time.Second
	}
	finished := make(chan struct{})
	go func() {
		s.waitGroup.Wait()
		close(finished)
	}()

	var err error
	select {
	case <-finished:
	case <-time.After(timeout):
		err = fmt.Errorf("service %s: background loops still running after %s", s.name, timeout)
		s.logger.Warn("Service stop timed out", "timeout", timeout)
	}

	s.mu.Lock()
	s.setStatus(StatusStopped)
	s.healthy.Store(false)
	s.mu.Unlock()
	return err
}

func (s *BaseService) setStatus(status Status) {
	s.status.Store(status)
	s.recordStatus(status)
}

func (s *BaseService) recordStatus(status Status) {
	if s.metrics != nil {
		s.metrics.RecordServiceStatus(s.name, int(status))
	}
}

func (s *BaseService) healthMonitor(done <-chan struct{}) {
	ticker := time.NewTicker(s.healthInterval)
	defer ticker.Stop()

	s.performHealthCheck()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.performHealthCheck()
		}
	}
}

func (s *BaseService) performHealthCheck() {
	s.healthChecks.Add(1)
	err := s.healthCheckFunc()
	if err != nil {
		s.failedHealthChecks.Add(1)
	}

	wasHealthy := s.healthy.Swap(err == nil)
	if wasHealthy != (err == nil) && s.onHealthChange != nil {
		go s.onHealthChange(err == nil)
	}
}
