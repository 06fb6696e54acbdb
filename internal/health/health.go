// Package health provides liveness and readiness checks for the gateway.
// Components register checkers; the API layer serves the aggregated result.
package health

import (
	"context"
	"time"
)

// Status is the aggregated or per-component health state.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is the outcome of one component check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Checker is one registered component check.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Summary is the aggregated check report.
type Summary struct {
	Status    Status                 `json:"status"`
	Version   string                 `json:"version,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// Manager runs the registered checkers and aggregates their results.
type Manager struct {
	version  string
	checkers []Checker
}

// NewManager creates an empty registry.
func NewManager(version string) *Manager {
	return &Manager{version: version}
}

// Register adds a checker.
func (m *Manager) Register(c Checker) {
	m.checkers = append(m.checkers, c)
}

// Check runs every checker. The aggregate is the worst component status.
func (m *Manager) Check(ctx context.Context) Summary {
	s := Summary{
		Status:    StatusHealthy,
		Version:   m.version,
		Timestamp: time.Now().UTC(),
	}
	if len(m.checkers) == 0 {
		return s
	}

	s.Checks = make(map[string]CheckResult, len(m.checkers))
	for _, c := range m.checkers {
		result := c.Check(ctx)
		s.Checks[c.Name()] = result
		switch result.Status {
		case StatusUnhealthy:
			s.Status = StatusUnhealthy
		case StatusDegraded:
			if s.Status == StatusHealthy {
				s.Status = StatusDegraded
			}
		}
	}
	return s
}

// Ready reports whether the gateway should accept traffic: unhealthy
// components block readiness, degraded ones do not.
func (m *Manager) Ready(ctx context.Context) (bool, Summary) {
	s := m.Check(ctx)
	return s.Status != StatusUnhealthy, s
}
