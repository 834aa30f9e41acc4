// Package health aggregates dependency health checks behind one manager.
// Each dependency registers a Checker; the manager runs them with
// per-checker timeouts, derives an overall status, and keeps a cached
// snapshot refreshed by a background loop for cheap probe responses.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Status int

const (
	StatusHealthy Status = iota
	StatusDegraded
	StatusUnhealthy
	StatusUnknown
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Result is the outcome of one dependency check.
type Result struct {
	Component string         `json:"component"`
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Error     string         `json:"error,omitempty"`
	Critical  bool           `json:"critical"`
	LatencyMs int64          `json:"latency_ms"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// Checker is one dependency's health probe.
type Checker interface {
	// Name uniquely identifies the dependency.
	Name() string

	// Check probes the dependency. The ctx carries the per-check timeout.
	Check(ctx context.Context) Result

	// IsCritical marks checks whose failure makes the service not ready.
	IsCritical() bool

	// Timeout bounds one probe.
	Timeout() time.Duration
}

// Summary counts check outcomes by status.
type Summary struct {
	Total     int `json:"total"`
	Healthy   int `json:"healthy"`
	Degraded  int `json:"degraded"`
	Unhealthy int `json:"unhealthy"`
}

// Snapshot is the aggregated service health at one point in time.
type Snapshot struct {
	Status     Status            `json:"status"`
	Message    string            `json:"message,omitempty"`
	Ready      bool              `json:"ready"`
	Live       bool              `json:"live"`
	Timestamp  time.Time         `json:"timestamp"`
	Summary    Summary           `json:"summary"`
	Components map[string]Result `json:"components,omitempty"`
}

// Manager owns the registered checkers.
type Manager struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	last     map[string]Result
	interval time.Duration
	stopCh   chan struct{}
	started  bool
	logger   *zap.Logger
}

// NewManager creates a manager whose background loop refreshes the cached
// results every interval once Start is called.
func NewManager(interval time.Duration, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Manager{
		checkers: make(map[string]Checker),
		last:     make(map[string]Result),
		interval: interval,
		stopCh:   make(chan struct{}),
		logger:   logger,
	}
}

// Register adds a checker. Names must be unique and non-empty.
func (m *Manager) Register(c Checker) error {
	name := c.Name()
	if name == "" {
		return fmt.Errorf("checker name cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.checkers[name]; exists {
		return fmt.Errorf("checker %s already registered", name)
	}
	m.checkers[name] = c

	m.logger.Info("health checker registered",
		zap.String("checker", name),
		zap.Bool("critical", c.IsCritical()),
		zap.Duration("timeout", c.Timeout()))
	return nil
}

// Snapshot runs every checker and derives the overall status. Results are
// cached for LastResults and the background loop.
func (m *Manager) Snapshot(ctx context.Context) Snapshot {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	components := make(map[string]Result, len(checkers))
	for _, c := range checkers {
		components[c.Name()] = m.runCheck(ctx, c)
	}

	m.mu.Lock()
	for name, r := range components {
		m.last[name] = r
	}
	m.mu.Unlock()

	return assemble(components)
}

// LastResults returns the cached per-dependency results without probing.
func (m *Manager) LastResults() map[string]Result {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Result, len(m.last))
	for name, r := range m.last {
		out[name] = r
	}
	return out
}

// Ready reports whether the service should receive traffic. Any critical
// check failing makes it false.
func (m *Manager) Ready(ctx context.Context) bool {
	return m.Snapshot(ctx).Ready
}

// Live reports whether the process is alive. Dependency failures never
// make it false; only an empty manager does.
func (m *Manager) Live(ctx context.Context) bool {
	return m.Snapshot(ctx).Live
}

// Start launches the background refresh loop. Idempotent.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	go m.loop()
	m.logger.Info("health manager started",
		zap.Duration("interval", m.interval),
		zap.Int("checkers", len(m.checkers)))
}

// Stop halts the background loop. Idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	close(m.stopCh)
	m.started = false
	m.logger.Info("health manager stopped")
}

func (m *Manager) loop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			snap := m.Snapshot(context.Background())
			if snap.Status != StatusHealthy {
				m.logger.Warn("background health check",
					zap.String("status", snap.Status.String()),
					zap.String("message", snap.Message))
			} else {
				m.logger.Debug("background health check",
					zap.Int("healthy", snap.Summary.Healthy))
			}
		}
	}
}

func (m *Manager) runCheck(ctx context.Context, c Checker) Result {
	checkCtx, cancel := context.WithTimeout(ctx, c.Timeout())
	defer cancel()

	start := time.Now()
	result := c.Check(checkCtx)
	result.Component = c.Name()
	result.Critical = c.IsCritical()
	result.LatencyMs = time.Since(start).Milliseconds()
	result.Timestamp = start
	return result
}

func assemble(components map[string]Result) Snapshot {
	snap := Snapshot{
		Timestamp:  time.Now().UTC(),
		Components: components,
		Summary:    Summary{Total: len(components)},
	}
	if len(components) == 0 {
		snap.Status = StatusUnknown
		snap.Message = "no health checks registered"
		return snap
	}

	criticalFailures := 0
	softFailures := 0
	degraded := 0
	for _, r := range components {
		switch r.Status {
		case StatusHealthy:
			snap.Summary.Healthy++
		case StatusDegraded:
			snap.Summary.Degraded++
			degraded++
		case StatusUnhealthy:
			snap.Summary.Unhealthy++
			if r.Critical {
				criticalFailures++
			} else {
				softFailures++
			}
		}
	}

	snap.Live = true
	switch {
	case criticalFailures > 0:
		snap.Status = StatusUnhealthy
		snap.Message = fmt.Sprintf("%d critical dependency(ies) failing", criticalFailures)
	case degraded > 0 || softFailures > 0:
		snap.Status = StatusDegraded
		snap.Message = fmt.Sprintf("%d dependency(ies) degraded", degraded+softFailures)
		snap.Ready = true
	default:
		snap.Status = StatusHealthy
		snap.Message = fmt.Sprintf("all %d dependencies healthy", snap.Summary.Total)
		snap.Ready = true
	}
	return snap
}
