package alerting

import (
	"sync"
	"time"
)

const (
	DefaultThrottleWindow = 300 * time.Second
	DefaultMaxAlerts      = 5
)

// Throttler is a sliding-window counter keyed by an arbitrary string. Each key keeps the
// admission times inside the window; older entries and emptied keys are evicted on
// every check.
type Throttler struct {
	mu        sync.Mutex
	window    time.Duration
	maxAlerts int
	history   map[string][]time.Time
	clock     func() time.Time
}

// NewThrottler creates a throttler admitting at most maxAlerts per key within window.
// Non-positive arguments fall back to the defaults.
func NewThrottler(window time.Duration, maxAlerts int) *Throttler {
	if window <= 0 {
		window = DefaultThrottleWindow
	}
	if maxAlerts <= 0 {
		maxAlerts = DefaultMaxAlerts
	}
	return &Throttler{
		window:    window,
		maxAlerts: maxAlerts,
		history:   make(map[string][]time.Time),
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (t *Throttler) WithClock(clock func() time.Time) *Throttler {
	t.clock = clock
	return t
}

// ShouldSendAlert reports whether a new alert for key is admitted, recording it if so.
func (t *Throttler) ShouldSendAlert(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock()
	t.evictLocked(now)

	entries := t.history[key]
	if len(entries) >= t.maxAlerts {
		return false
	}
	t.history[key] = append(entries, now)
	return true
}

// Active reports whether any key is currently at its admission limit.
func (t *Throttler) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.evictLocked(t.clock())
	for _, entries := range t.history {
		if len(entries) >= t.maxAlerts {
			return true
		}
	}
	return false
}

// evictLocked drops entries older than the window and deletes keys left empty.
func (t *Throttler) evictLocked(now time.Time) {
	cutoff := now.Add(-t.window)
	for key, entries := range t.history {
		i := 0
		for i < len(entries) && entries[i].Before(cutoff) {
			i++
		}
		if i == len(entries) {
			delete(t.history, key)
			continue
		}
		t.history[key] = entries[i:]
	}
}
