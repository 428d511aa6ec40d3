package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu     sync.Mutex
	alerts []*Alert
	err    error
}

func (r *recordingSender) Send(_ context.Context, alert *Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	return r.err
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, clock *fakeClock, opts ...Option) *Manager {
	t.Helper()
	base := []Option{WithLogger(quietLogger()), WithClock(clock.Now)}
	return NewManager(append(base, opts...)...)
}

func TestNewManagerDefaultChannels(t *testing.T) {
	m := newTestManager(t, newFakeClock())
	channels := m.Channels()
	require.Len(t, channels, 1)
	require.Equal(t, "log", channels[0].Name)
	require.Equal(t, LevelInfo, channels[0].MinLevel)

	m = newTestManager(t, newFakeClock(),
		WithEmail(EmailConfig{SMTPServer: "smtp.example.com", Username: "u", Password: "p", From: "a@example.com", To: []string{"b@example.com"}}),
		WithWebhook(WebhookConfig{URL: "http://hooks.example.com"}),
	)
	names := []string{}
	for _, ch := range m.Channels() {
		names = append(names, ch.Name)
	}
	require.Equal(t, []string{"log", "email", "webhook"}, names)

	// Incomplete email config adds nothing.
	m = newTestManager(t, newFakeClock(), WithEmail(EmailConfig{SMTPServer: "smtp.example.com"}))
	require.Len(t, m.Channels(), 1)
}

func TestSendAlertThrottlingIncrementsCount(t *testing.T) {
	clock := newFakeClock()
	rec := &recordingSender{}
	m := newTestManager(t, clock)
	m.AddChannel(&Channel{Name: "rec", Type: ChannelWebhook, Enabled: true, MinLevel: LevelInfo, Sender: rec})

	for i := 0; i < 7; i++ {
		m.SendAlert(context.Background(), LevelError, FailurePIIDetection, "boom", "detector", nil)
	}

	require.Equal(t, 5, rec.count())
	active := m.ActiveAlerts(0)
	require.Len(t, active, 1)
	require.Equal(t, 3, active[0].Count)
	require.Len(t, m.AlertHistory(HistoryFilter{}), 5)
}

func TestSendAlertDefaultsAndID(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)

	id := m.SendAlert(context.Background(), LevelInfo, "", "hello", "", nil)
	require.Equal(t, fmt.Sprintf("system_unknown_error_%d", clock.Now().Unix()), id)

	active := m.ActiveAlerts(LevelInfo)
	require.Len(t, active, 1)
	require.Equal(t, "system", active[0].Source)
	require.NotNil(t, active[0].Metadata)
	require.Equal(t, 1, active[0].Count)
}

func TestSendCallerBuiltAlert(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)

	id := m.Send(context.Background(), MemoryExhaustion(900, ""))
	require.True(t, strings.HasPrefix(id, "memory_monitor_memory_exhaustion_"))

	active := m.ActiveAlerts(LevelCritical)
	require.Len(t, active, 1)
	require.Equal(t, int64(900), active[0].Metadata["memory_usage_mb"])
	require.Equal(t, 1, m.SystemHealth().CriticalAlerts)
}

func TestChannelLevelFiltering(t *testing.T) {
	rec := &recordingSender{}
	m := newTestManager(t, newFakeClock())
	m.AddChannel(&Channel{Name: "pager", Type: ChannelWebhook, Enabled: true, MinLevel: LevelError, Sender: rec})

	m.SendAlert(context.Background(), LevelWarning, FailureConfiguration, "meh", "a", nil)
	require.Equal(t, 0, rec.count())

	m.SendAlert(context.Background(), LevelCritical, FailureSecurityBreach, "bad", "b", nil)
	require.Equal(t, 1, rec.count())

	m.DisableChannel("pager")
	m.SendAlert(context.Background(), LevelCritical, FailureSecurityBreach, "bad", "c", nil)
	require.Equal(t, 1, rec.count())

	m.EnableChannel("pager")
	m.RemoveChannel("pager")
	m.SendAlert(context.Background(), LevelCritical, FailureSecurityBreach, "bad", "d", nil)
	require.Equal(t, 1, rec.count())
}

func TestFailingChannelDoesNotBlockOthers(t *testing.T) {
	broken := &recordingSender{err: errors.New("smtp down")}
	ok := &recordingSender{}
	m := newTestManager(t, newFakeClock())
	m.AddChannel(&Channel{Name: "broken", Enabled: true, MinLevel: LevelInfo, Sender: broken})
	m.AddChannel(&Channel{Name: "ok", Enabled: true, MinLevel: LevelInfo, Sender: ok})

	m.SendAlert(context.Background(), LevelError, FailureAWSConnection, "s3 unreachable", "s3", nil)
	require.Equal(t, 1, broken.count())
	require.Equal(t, 1, ok.count())
}

func TestHistoryIsBounded(t *testing.T) {
	m := newTestManager(t, newFakeClock())

	for i := 0; i < maxHistory+5; i++ {
		m.SendAlert(context.Background(), LevelInfo, FailureLogOnly, "tick", fmt.Sprintf("src-%d", i), nil)
	}

	history := m.AlertHistory(HistoryFilter{Hours: 1})
	require.Len(t, history, maxHistory)
	for _, a := range history {
		require.NotEqual(t, "src-0", a.Source, "oldest entries are evicted")
	}
}

func TestAlertHistoryFilters(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)
	ctx := context.Background()

	m.SendAlert(ctx, LevelWarning, FailureConfiguration, "old", "old", nil)
	clock.Advance(3 * time.Hour)
	m.SendAlert(ctx, LevelError, FailurePIIDetection, "new error", "a", nil)
	clock.Advance(time.Minute)
	m.SendAlert(ctx, LevelWarning, FailureConfiguration, "new warning", "b", nil)

	recent := m.AlertHistory(HistoryFilter{Hours: 1})
	require.Len(t, recent, 2)
	require.Equal(t, "new warning", recent[0].Message, "newest first")

	require.Len(t, m.AlertHistory(HistoryFilter{}), 3)
	require.Len(t, m.AlertHistory(HistoryFilter{Level: LevelError}), 1)
	require.Len(t, m.AlertHistory(HistoryFilter{FailureMode: FailureConfiguration}), 2)
}

func TestResolveAlert(t *testing.T) {
	m := newTestManager(t, newFakeClock())
	m.SendAlert(context.Background(), LevelError, FailureDataCorruption, "bad checksum", "ingest", nil)

	key := alertKey("ingest", FailureDataCorruption)
	require.True(t, m.ResolveAlert(key, "oncall"))
	require.Empty(t, m.ActiveAlerts(0))
	require.False(t, m.ResolveAlert(key, "oncall"))

	history := m.AlertHistory(HistoryFilter{})
	require.Len(t, history, 1)
	require.True(t, history[0].Resolved)
	require.NotNil(t, history[0].ResolvedAt)
	require.Equal(t, "oncall", history[0].Metadata["resolved_by"])
}

func TestReturnedAlertsAreCopies(t *testing.T) {
	m := newTestManager(t, newFakeClock())
	m.SendAlert(context.Background(), LevelInfo, FailureLogOnly, "x", "s", map[string]any{"k": "v"})

	a := m.ActiveAlerts(0)[0]
	a.Metadata["k"] = "mutated"
	a.Count = 99

	b := m.ActiveAlerts(0)[0]
	require.Equal(t, "v", b.Metadata["k"])
	require.Equal(t, 1, b.Count)
}

func TestTestChannels(t *testing.T) {
	ok := &recordingSender{}
	m := newTestManager(t, newFakeClock())
	m.AddChannel(&Channel{Name: "ok", Enabled: true, MinLevel: LevelCritical, Sender: ok})
	m.AddChannel(&Channel{Name: "broken", Enabled: true, MinLevel: LevelInfo, Sender: &recordingSender{err: errors.New("no")}})
	m.AddChannel(&Channel{Name: "off", Enabled: false, MinLevel: LevelInfo, Sender: &recordingSender{}})

	results := m.TestChannels(context.Background())
	require.Equal(t, map[string]bool{"log": true, "ok": true, "broken": false, "off": false}, results)
	require.Equal(t, 1, ok.count(), "test alerts bypass level filters")
	require.Empty(t, m.AlertHistory(HistoryFilter{}), "test alerts are not recorded")
}

func TestSystemHealth(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock, WithThrottler(NewThrottler(time.Minute, 1).WithClock(clock.Now)))
	h := m.SystemHealth()
	require.Equal(t, 0, h.ActiveAlerts)
	require.False(t, h.ThrottlingActive)
	require.Nil(t, h.LastHealthCheck)
	require.Equal(t, []string{"log"}, h.EnabledChannels)

	m.SendAlert(context.Background(), LevelCritical, FailureSecurityBreach, "x", "s", nil)
	h = m.SystemHealth()
	require.Equal(t, 1, h.ActiveAlerts)
	require.Equal(t, 1, h.CriticalAlerts)
	require.True(t, h.ThrottlingActive)

	clock.Advance(2 * time.Minute)
	require.False(t, m.SystemHealth().ThrottlingActive)
}

func TestWebhookSender(t *testing.T) {
	var got WebhookPayload
	var secret string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret = r.Header.Get("X-Alert-Secret")
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewWebhookSender(WebhookConfig{URL: srv.URL, Secret: "s3cret", Timeout: time.Second})
	alert := SecurityBreach("token_leak", "found in logs", "")
	alert.ID = "a1"
	alert.Timestamp = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, s.Send(context.Background(), alert))
	require.Equal(t, "s3cret", secret)
	require.Equal(t, "a1", got.AlertID)
	require.Equal(t, "critical", got.Level)
	require.Equal(t, FailureSecurityBreach, got.FailureMode)
	require.Equal(t, "security_monitor", got.Source)
	require.Equal(t, "token_leak", got.Metadata["event_type"])
}

func TestWebhookSenderErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := NewWebhookSender(WebhookConfig{URL: srv.URL})
	err := s.Send(context.Background(), &Alert{ID: "x", Level: LevelError})
	require.Error(t, err)
	require.Contains(t, err.Error(), "502")
}

func TestWebhookSenderWithoutClientSkips(t *testing.T) {
	s := NewWebhookSender(WebhookConfig{URL: "http://127.0.0.1:1"}).WithHTTPClient(nil)
	require.NoError(t, s.Send(context.Background(), &Alert{ID: "x", Level: LevelError}))
}

func TestEmailSender(t *testing.T) {
	var addr, from string
	var to []string
	var body string
	s := NewEmailSender(EmailConfig{
		SMTPServer: "smtp.example.com",
		Username:   "alerts",
		Password:   "pw",
		From:       "alerts@example.com",
		To:         []string{"ops@example.com", "sec@example.com"},
	}).WithSendMail(func(a string, _ smtp.Auth, f string, rcpt []string, msg []byte) error {
		addr, from, to, body = a, f, rcpt, string(msg)
		return nil
	})

	alert := PIIDetectionFailure("model missing", "")
	alert.ID = "pii-1"
	alert.Count = 2
	require.NoError(t, s.Send(context.Background(), alert))

	require.Equal(t, "smtp.example.com:587", addr)
	require.Equal(t, "alerts@example.com", from)
	require.Equal(t, []string{"ops@example.com", "sec@example.com"}, to)
	require.Contains(t, body, "Subject: [ALERT-ERROR] pii_detection_failure\r\n")
	require.Contains(t, body, "To: ops@example.com, sec@example.com\r\n")
	require.Contains(t, body, "Alert ID: pii-1")
	require.Contains(t, body, "Count: 2 occurrence(s)")
}

func TestEmailSenderWrapsTransportError(t *testing.T) {
	s := NewEmailSender(EmailConfig{SMTPServer: "smtp", Username: "u", Password: "p", From: "f", To: []string{"t"}}).
		WithSendMail(func(string, smtp.Auth, string, []string, []byte) error { return errors.New("refused") })
	err := s.Send(context.Background(), &Alert{Level: LevelCritical})
	require.ErrorContains(t, err, "refused")
}

func TestLevelParsing(t *testing.T) {
	for _, l := range []Level{LevelInfo, LevelWarning, LevelError, LevelCritical} {
		parsed, err := ParseLevel(strings.ToUpper(l.String()))
		require.NoError(t, err)
		require.Equal(t, l, parsed)
	}
	_, err := ParseLevel("fatal")
	require.Error(t, err)
	require.True(t, LevelInfo < LevelWarning && LevelWarning < LevelError && LevelError < LevelCritical)
}
