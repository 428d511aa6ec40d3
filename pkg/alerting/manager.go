package alerting

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const maxHistory = 1000

// Manager creates, throttles, delivers and tracks alerts.
type Manager struct {
	mu           sync.Mutex
	channels     map[string]*Channel
	channelOrder []string
	active       map[string]*Alert
	history      []*Alert

	throttler *Throttler
	health    *HealthMonitor
	logger    *slog.Logger
	clock     func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithThrottler replaces the default 5-per-300s throttler.
func WithThrottler(t *Throttler) Option {
	return func(m *Manager) { m.throttler = t }
}

// WithLogger sets the logger used for the log channel and for manager diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithEmail adds an email channel (min level ERROR) when the config is complete.
func WithEmail(config EmailConfig) Option {
	return func(m *Manager) {
		if !config.Complete() {
			return
		}
		m.addChannel(&Channel{
			Name:     "email",
			Type:     ChannelEmail,
			Enabled:  true,
			MinLevel: LevelError,
			Sender:   NewEmailSender(config),
		})
	}
}

// WithWebhook adds a webhook channel (min level WARNING) when a URL is configured.
func WithWebhook(config WebhookConfig) Option {
	return func(m *Manager) {
		if config.URL == "" {
			return
		}
		m.addChannel(&Channel{
			Name:     "webhook",
			Type:     ChannelWebhook,
			Enabled:  true,
			MinLevel: LevelWarning,
			Sender:   NewWebhookSender(config),
		})
	}
}

// NewManager creates a manager with a log channel plus any optional channels.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		channels: make(map[string]*Channel),
		active:   make(map[string]*Alert),
		logger:   slog.Default(),
		clock:    time.Now,
	}

	// The log channel is built after options so WithLogger applies to it.
	for _, opt := range opts {
		opt(m)
	}
	if m.throttler == nil {
		m.throttler = NewThrottler(DefaultThrottleWindow, DefaultMaxAlerts)
	}

	logCh := &Channel{
		Name:     "log",
		Type:     ChannelLog,
		Enabled:  true,
		MinLevel: LevelInfo,
		Sender:   NewLogSender(m.logger),
	}
	m.channels[logCh.Name] = logCh
	m.channelOrder = append([]string{logCh.Name}, m.channelOrder...)

	m.logger = m.logger.With("component", "alerting")
	m.health = newHealthMonitor(m)
	return m
}

// ── Channel administration ────────────────────────────────────

// AddChannel registers or replaces a channel by name.
func (m *Manager) AddChannel(ch *Channel) {
	m.mu.Lock()
	m.addChannel(ch)
	m.mu.Unlock()
	m.logger.Info("added alert channel", "channel", ch.Name, "type", ch.Type)
}

func (m *Manager) addChannel(ch *Channel) {
	if _, exists := m.channels[ch.Name]; !exists {
		m.channelOrder = append(m.channelOrder, ch.Name)
	}
	m.channels[ch.Name] = ch
}

// RemoveChannel deletes a channel by name.
func (m *Manager) RemoveChannel(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.channels[name]; !ok {
		return
	}
	delete(m.channels, name)
	for i, n := range m.channelOrder {
		if n == name {
			m.channelOrder = append(m.channelOrder[:i], m.channelOrder[i+1:]...)
			break
		}
	}
}

// EnableChannel turns delivery on for the named channel.
func (m *Manager) EnableChannel(name string) {
	m.setEnabled(name, true)
}

// DisableChannel turns delivery off for the named channel.
func (m *Manager) DisableChannel(name string) {
	m.setEnabled(name, false)
}

func (m *Manager) setEnabled(name string, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.channels[name]; ok {
		ch.Enabled = enabled
	}
}

// Channels returns copies of the registered channels in registration order.
func (m *Manager) Channels() []Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Channel, 0, len(m.channelOrder))
	for _, name := range m.channelOrder {
		out = append(out, *m.channels[name])
	}
	return out
}

// Health returns the manager's health monitor.
func (m *Manager) Health() *HealthMonitor {
	return m.health
}

// ── Sending ───────────────────────────────────────────────────

// SendAlert builds an alert from discrete fields and sends it.
func (m *Manager) SendAlert(ctx context.Context, level Level, mode FailureMode, message, source string, metadata map[string]any) string {
	if mode == "" {
		mode = FailureUnknown
	}
	if source == "" {
		source = "system"
	}
	return m.Send(ctx, &Alert{
		Level:       level,
		FailureMode: mode,
		Message:     message,
		Source:      source,
		Metadata:    metadata,
	})
}

// Send records and delivers a caller-built alert, returning its ID. When the alert's
// key is throttled the active alert's Count is incremented and nothing is delivered.
func (m *Manager) Send(ctx context.Context, alert *Alert) string {
	now := m.clock()
	key := alert.Key()
	id := alert.ID
	if id == "" {
		id = alertID(alert.Source, alert.FailureMode, now)
	}

	m.mu.Lock()
	if !m.throttler.ShouldSendAlert(key) {
		if existing, ok := m.active[key]; ok {
			existing.Count++
		}
		m.mu.Unlock()
		m.logger.DebugContext(ctx, "alert throttled", "key", key)
		return id
	}

	stored := alert.clone()
	stored.ID = id
	if stored.Timestamp.IsZero() {
		stored.Timestamp = now
	}
	if stored.Count == 0 {
		stored.Count = 1
	}
	if stored.Metadata == nil {
		stored.Metadata = make(map[string]any)
	}
	m.active[key] = stored
	m.history = append(m.history, stored)
	if len(m.history) > maxHistory {
		m.history = append([]*Alert(nil), m.history[len(m.history)-maxHistory:]...)
	}

	snapshot := stored.clone()
	targets := m.deliverable(snapshot.Level)
	m.mu.Unlock()

	m.deliver(ctx, snapshot, targets)
	m.logger.InfoContext(ctx, "alert sent", "alert_id", id, "level", snapshot.Level.String(), "message", snapshot.Message)
	return id
}

func (m *Manager) deliverable(level Level) []Channel {
	var out []Channel
	for _, name := range m.channelOrder {
		ch := m.channels[name]
		if !ch.Enabled || ch.Sender == nil {
			continue
		}
		if level < ch.MinLevel {
			continue
		}
		out = append(out, *ch)
	}
	return out
}

func (m *Manager) deliver(ctx context.Context, alert *Alert, channels []Channel) {
	for _, ch := range channels {
		if err := ch.Sender.Send(ctx, alert); err != nil {
			m.logger.ErrorContext(ctx, "failed to send alert to channel", "channel", ch.Name, "error", err)
		}
	}
}

// ── Resolution and queries ────────────────────────────────────

// ResolveAlert marks the active alert for key as resolved and removes it from the
// active registry. It reports whether an alert was found.
func (m *Manager) ResolveAlert(key, resolvedBy string) bool {
	if resolvedBy == "" {
		resolvedBy = "system"
	}
	m.mu.Lock()
	alert, ok := m.active[key]
	if !ok {
		m.mu.Unlock()
		return false
	}
	now := m.clock()
	alert.Resolved = true
	alert.ResolvedAt = &now
	alert.Metadata["resolved_by"] = resolvedBy
	delete(m.active, key)
	m.mu.Unlock()

	m.logger.Info("alert resolved", "key", key, "resolved_by", resolvedBy)
	return true
}

// ActiveAlerts returns unresolved alerts, newest first. A zero level returns all levels.
func (m *Manager) ActiveAlerts(level Level) []*Alert {
	m.mu.Lock()
	out := make([]*Alert, 0, len(m.active))
	for _, a := range m.active {
		if level != 0 && a.Level != level {
			continue
		}
		out = append(out, a.clone())
	}
	m.mu.Unlock()
	sortNewestFirst(out)
	return out
}

// HistoryFilter narrows AlertHistory. Zero values match everything; Hours defaults to 24.
type HistoryFilter struct {
	Hours       int
	Level       Level
	FailureMode FailureMode
}

// AlertHistory returns alerts from the bounded history that match filter, newest first.
func (m *Manager) AlertHistory(filter HistoryFilter) []*Alert {
	hours := filter.Hours
	if hours <= 0 {
		hours = 24
	}
	cutoff := m.clock().Add(-time.Duration(hours) * time.Hour)

	m.mu.Lock()
	var out []*Alert
	for _, a := range m.history {
		if a.Timestamp.Before(cutoff) {
			continue
		}
		if filter.Level != 0 && a.Level != filter.Level {
			continue
		}
		if filter.FailureMode != "" && a.FailureMode != filter.FailureMode {
			continue
		}
		out = append(out, a.clone())
	}
	m.mu.Unlock()
	sortNewestFirst(out)
	return out
}

func sortNewestFirst(alerts []*Alert) {
	sort.SliceStable(alerts, func(i, j int) bool {
		return alerts[i].Timestamp.After(alerts[j].Timestamp)
	})
}

// SystemHealth summarizes the alerting subsystem.
type SystemHealth struct {
	ActiveAlerts     int        `json:"active_alerts_count"`
	CriticalAlerts   int        `json:"critical_alerts_count"`
	EnabledChannels  []string   `json:"enabled_channels"`
	LastHealthCheck  *time.Time `json:"last_health_check,omitempty"`
	ThrottlingActive bool       `json:"alert_throttling_active"`
}

// SystemHealth returns the current alerting summary.
func (m *Manager) SystemHealth() SystemHealth {
	m.mu.Lock()
	h := SystemHealth{ActiveAlerts: len(m.active)}
	for _, a := range m.active {
		if a.Level == LevelCritical {
			h.CriticalAlerts++
		}
	}
	for _, name := range m.channelOrder {
		if m.channels[name].Enabled {
			h.EnabledChannels = append(h.EnabledChannels, name)
		}
	}
	m.mu.Unlock()

	h.LastHealthCheck = m.health.LastCheck()
	h.ThrottlingActive = m.throttler.Active()
	return h
}

// TestChannels sends a test alert to every channel directly, bypassing throttling and
// level filters. Disabled channels report false.
func (m *Manager) TestChannels(ctx context.Context) map[string]bool {
	test := &Alert{
		ID:          "test_alert",
		Level:       LevelInfo,
		FailureMode: FailureConfiguration,
		Message:     "This is a test alert to verify channel configuration",
		Source:      "alert_manager_test",
		Timestamp:   m.clock(),
		Metadata:    map[string]any{"test": true},
		Count:       1,
	}

	channels := m.Channels()
	results := make(map[string]bool, len(channels))
	for _, ch := range channels {
		if !ch.Enabled || ch.Sender == nil {
			results[ch.Name] = false
			continue
		}
		if err := ch.Sender.Send(ctx, test.clone()); err != nil {
			m.logger.ErrorContext(ctx, "channel test failed", "channel", ch.Name, "error", err)
			results[ch.Name] = false
			continue
		}
		results[ch.Name] = true
	}
	return results
}
