// Package health runs background health checks and reports readiness and
// liveness for the process.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager owns the registered checkers and their latest results.
type Manager struct {
	checkers      map[string]Checker
	lastResults   map[string]CheckResult
	checkInterval time.Duration
	started       bool
	stopCh        chan struct{}
	logger        *zap.Logger
	mu            sync.RWMutex
}

// NewManager creates a health manager with a 30s background check interval.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		checkers:      make(map[string]Checker),
		lastResults:   make(map[string]CheckResult),
		checkInterval: 30 * time.Second,
		stopCh:        make(chan struct{}),
		logger:        logger,
	}
}

// RegisterChecker registers a health check under its name.
func (m *Manager) RegisterChecker(checker Checker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := checker.Name()
	if name == "" {
		return fmt.Errorf("checker name cannot be empty")
	}
	if _, exists := m.checkers[name]; exists {
		return fmt.Errorf("checker %s already registered", name)
	}
	m.checkers[name] = checker
	return nil
}

// UnregisterChecker removes a health check.
func (m *Manager) UnregisterChecker(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checkers, name)
	delete(m.lastResults, name)
}

// Start begins background checking. The first round runs immediately so the
// endpoints have data as soon as the process is up.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("health manager already started")
	}
	m.started = true
	m.mu.Unlock()

	m.runChecks(ctx)
	go func() {
		ticker := time.NewTicker(m.checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.runChecks(ctx)
			}
		}
	}()
	return nil
}

// Stop halts background checking.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	m.started = false
	close(m.stopCh)
}

func (m *Manager) runChecks(ctx context.Context) {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	for _, checker := range checkers {
		checkCtx, cancel := context.WithTimeout(ctx, checker.Timeout())
		result := checker.Check(checkCtx)
		cancel()
		if result.Status != StatusHealthy {
			m.logger.Warn("health check not healthy",
				zap.String("component", checker.Name()),
				zap.String("status", result.Status.String()),
				zap.String("error", result.Error),
			)
		}
		m.mu.Lock()
		m.lastResults[checker.Name()] = result
		m.mu.Unlock()
	}
}

// GetOverallHealth aggregates the latest results. A failed critical check
// makes the service unhealthy; a failed non-critical one degrades it.
func (m *Manager) GetOverallHealth(ctx context.Context) OverallHealth {
	start := time.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := StatusHealthy
	message := "all checks healthy"
	for name, result := range m.lastResults {
		if result.Status == StatusUnhealthy {
			if result.Critical {
				status = StatusUnhealthy
				message = fmt.Sprintf("critical check %s unhealthy", name)
				break
			}
			if status == StatusHealthy {
				status = StatusDegraded
				message = fmt.Sprintf("check %s unhealthy", name)
			}
		} else if result.Status == StatusDegraded && status == StatusHealthy {
			status = StatusDegraded
			message = fmt.Sprintf("check %s degraded", name)
		}
	}
	return OverallHealth{
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
		Ready:     status != StatusUnhealthy,
		Live:      true,
	}
}

// GetDetailedHealth returns the overall status plus every component result.
func (m *Manager) GetDetailedHealth(ctx context.Context) DetailedHealth {
	overall := m.GetOverallHealth(ctx)
	m.mu.RLock()
	defer m.mu.RUnlock()
	components := make(map[string]CheckResult, len(m.lastResults))
	for name, result := range m.lastResults {
		components[name] = result
	}
	return DetailedHealth{
		Overall:    overall,
		Components: components,
		Timestamp:  time.Now(),
	}
}

// IsReady reports whether the service can serve requests.
func (m *Manager) IsReady(ctx context.Context) bool {
	return m.GetOverallHealth(ctx).Ready
}

// IsLive reports process liveness.
func (m *Manager) IsLive(ctx context.Context) bool {
	return true
}
