// Package health runs liveness and readiness checks over the service's
// backing stores and exposes them on /healthz and /readyz.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status classifies one component check.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is the outcome of one component check.
type CheckResult struct {
	Component string        `json:"component"`
	Status    Status        `json:"status"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
	Critical  bool          `json:"critical"`
}

// Checker probes one backing component.
type Checker interface {
	Name() string
	// Critical failures make the service not ready.
	Critical() bool
	Check(ctx context.Context) error
}

// Manager runs registered checks on demand and on a background ticker.
type Manager struct {
	mu       sync.RWMutex
	checkers []Checker
	last     map[string]CheckResult

	interval time.Duration
	timeout  time.Duration
	stopCh   chan struct{}
	started  bool
	logger   *zap.Logger
}

func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		last:     make(map[string]CheckResult),
		interval: 30 * time.Second,
		timeout:  5 * time.Second,
		stopCh:   make(chan struct{}),
		logger:   logger,
	}
}

// Register adds one checker.
func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, c)
}

// Run executes every check and caches the results.
func (m *Manager) Run(ctx context.Context) map[string]CheckResult {
	m.mu.RLock()
	checkers := make([]Checker, len(m.checkers))
	copy(checkers, m.checkers)
	m.mu.RUnlock()

	results := make(map[string]CheckResult, len(checkers))
	for _, c := range checkers {
		checkCtx, cancel := context.WithTimeout(ctx, m.timeout)
		started := time.Now()
		err := c.Check(checkCtx)
		cancel()

		r := CheckResult{
			Component: c.Name(),
			Status:    StatusHealthy,
			Duration:  time.Since(started),
			Timestamp: started,
			Critical:  c.Critical(),
		}
		if err != nil {
			r.Status = StatusUnhealthy
			r.Error = err.Error()
			m.logger.Warn("health check failed",
				zap.String("component", c.Name()), zap.Error(err))
		}
		results[c.Name()] = r
	}

	m.mu.Lock()
	for name, r := range results {
		m.last[name] = r
	}
	m.mu.Unlock()
	return results
}

// Ready reports readiness from the given results: every critical
// component must be healthy.
func Ready(results map[string]CheckResult) bool {
	for _, r := range results {
		if r.Critical && r.Status != StatusHealthy {
			return false
		}
	}
	return true
}

// Start begins the background check loop; Stop ends it.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.Run(context.Background())
			}
		}
	}()
}

func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		close(m.stopCh)
		m.started = false
	}
}
