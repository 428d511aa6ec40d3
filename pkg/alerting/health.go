package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
)

const (
	healthCheckInterval = 5 * time.Minute
	healthRunTick       = time.Minute
	memoryHealthLimit   = 90.0
)

// memoryPercent reports system memory usage. Replaced in tests.
var memoryPercent = func() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

// HealthCheck reports whether a dependency is healthy.
type HealthCheck func() bool

type namedCheck struct {
	name  string
	check HealthCheck
}

// HealthMonitor runs registered checks at most once per interval and raises a WARNING
// service_unavailable alert for each failing check.
type HealthMonitor struct {
	mu        sync.Mutex
	manager   *Manager
	checks    []namedCheck
	interval  time.Duration
	lastCheck *time.Time
}

func newHealthMonitor(m *Manager) *HealthMonitor {
	h := &HealthMonitor{manager: m, interval: healthCheckInterval}
	h.RegisterHealthCheck("system_memory", systemMemoryCheck)
	return h
}

func systemMemoryCheck() bool {
	used, err := memoryPercent()
	if err != nil {
		return false
	}
	return used < memoryHealthLimit
}

// RegisterHealthCheck registers or replaces the named check.
func (h *HealthMonitor) RegisterHealthCheck(name string, check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.checks {
		if h.checks[i].name == name {
			h.checks[i].check = check
			return
		}
	}
	h.checks = append(h.checks, namedCheck{name: name, check: check})
}

// LastCheck returns the time of the last completed run, or nil.
func (h *HealthMonitor) LastCheck() *time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lastCheck == nil {
		return nil
	}
	t := *h.lastCheck
	return &t
}

// PerformHealthChecks runs every check unless a run happened within the interval, in
// which case it returns nil. A panicking check counts as failed.
func (h *HealthMonitor) PerformHealthChecks(ctx context.Context) map[string]bool {
	now := h.manager.clock()

	h.mu.Lock()
	if h.lastCheck != nil && now.Sub(*h.lastCheck) < h.interval {
		h.mu.Unlock()
		return nil
	}
	h.lastCheck = &now
	checks := append([]namedCheck(nil), h.checks...)
	h.mu.Unlock()

	results := make(map[string]bool, len(checks))
	for _, c := range checks {
		healthy, err := runCheck(c.check)
		results[c.name] = healthy
		if healthy {
			continue
		}

		msg := fmt.Sprintf("Health check failed: %s", c.name)
		meta := map[string]any{"check_name": c.name}
		if err != nil {
			msg = fmt.Sprintf("Health check error: %s", c.name)
			meta["error"] = err.Error()
		}
		h.manager.SendAlert(ctx, LevelWarning, FailureServiceUnavailable, msg, "health_monitor", meta)
	}
	return results
}

func runCheck(check HealthCheck) (healthy bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			healthy = false
			err = fmt.Errorf("health check panicked: %v", r)
		}
	}()
	return check(), nil
}

// Run performs health checks every minute until ctx is done.
func (h *HealthMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(healthRunTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.PerformHealthChecks(ctx)
		}
	}
}
