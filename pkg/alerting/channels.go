package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

// LevelCritical has no slog counterpart; it is logged above ERROR.
const slogLevelCritical = slog.LevelError + 4

func slogLevel(l Level) slog.Level {
	switch l {
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarning:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	case LevelCritical:
		return slogLevelCritical
	default:
		return slog.LevelInfo
	}
}

// ── Log channel ───────────────────────────────────────────────

// LogSender writes alerts to a structured logger at the mapped level.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a log sender. A nil logger uses slog.Default().
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger.With("component", "alerting")}
}

func (s *LogSender) Send(ctx context.Context, alert *Alert) error {
	s.logger.Log(ctx, slogLevel(alert.Level),
		fmt.Sprintf("ALERT [%s] %s (source: %s)", alert.FailureMode, alert.Message, alert.Source),
		"alert_id", alert.ID,
		"count", alert.Count,
	)
	return nil
}

// ── Email channel ─────────────────────────────────────────────

// EmailConfig holds SMTP delivery settings.
type EmailConfig struct {
	SMTPServer string
	SMTPPort   int
	Username   string
	Password   string
	From       string
	To         []string
}

// Complete reports whether every field required for delivery is present.
func (c EmailConfig) Complete() bool {
	return c.SMTPServer != "" && c.Username != "" && c.Password != "" && c.From != "" && len(c.To) > 0
}

// SendMailFunc matches smtp.SendMail. smtp.SendMail upgrades the connection with
// STARTTLS when the server offers it and then authenticates.
type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailSender delivers alerts as plaintext email.
type EmailSender struct {
	config   EmailConfig
	sendMail SendMailFunc
}

// NewEmailSender creates an SMTP sender.
func NewEmailSender(config EmailConfig) *EmailSender {
	if config.SMTPPort == 0 {
		config.SMTPPort = 587
	}
	return &EmailSender{config: config, sendMail: smtp.SendMail}
}

// WithSendMail overrides the SMTP transport, for tests.
func (s *EmailSender) WithSendMail(fn SendMailFunc) *EmailSender {
	s.sendMail = fn
	return s
}

func (s *EmailSender) Send(_ context.Context, alert *Alert) error {
	subject := fmt.Sprintf("[ALERT-%s] %s", strings.ToUpper(alert.Level.String()), alert.FailureMode)

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", s.config.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(s.config.To, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(formatEmailBody(alert))

	auth := smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.SMTPServer)
	addr := s.config.SMTPServer + ":" + strconv.Itoa(s.config.SMTPPort)
	if err := s.sendMail(addr, auth, s.config.From, s.config.To, msg.Bytes()); err != nil {
		return fmt.Errorf("email alert failed: %w", err)
	}
	return nil
}

func formatEmailBody(alert *Alert) string {
	metadata := "None"
	if len(alert.Metadata) > 0 {
		if b, err := json.MarshalIndent(alert.Metadata, "", "  "); err == nil {
			metadata = string(b)
		}
	}

	var b strings.Builder
	b.WriteString("Alert Details:\n==============\n\n")
	fmt.Fprintf(&b, "Alert ID: %s\n", alert.ID)
	fmt.Fprintf(&b, "Level: %s\n", strings.ToUpper(alert.Level.String()))
	fmt.Fprintf(&b, "Failure Mode: %s\n", alert.FailureMode)
	fmt.Fprintf(&b, "Source: %s\n", alert.Source)
	fmt.Fprintf(&b, "Timestamp: %s\n\n", alert.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(&b, "Message:\n%s\n\n", alert.Message)
	fmt.Fprintf(&b, "Metadata:\n%s\n\n", metadata)
	fmt.Fprintf(&b, "Count: %d occurrence(s)\n\n", alert.Count)
	b.WriteString("---\nThis is an automated alert from the Bedrock Knowledge Base privacy service.\n")
	return b.String()
}

// ── Webhook channel ───────────────────────────────────────────

// WebhookConfig holds webhook delivery settings.
type WebhookConfig struct {
	URL     string
	Secret  string
	Timeout time.Duration
}

// WebhookPayload is the JSON body posted to the webhook.
type WebhookPayload struct {
	AlertID     string         `json:"alert_id"`
	Level       string         `json:"level"`
	FailureMode FailureMode    `json:"failure_mode"`
	Message     string         `json:"message"`
	Source      string         `json:"source"`
	Timestamp   string         `json:"timestamp"`
	Metadata    map[string]any `json:"metadata"`
}

// WebhookSender posts alerts as JSON.
type WebhookSender struct {
	config WebhookConfig
	client *http.Client
	logger *slog.Logger
}

// NewWebhookSender creates a webhook sender with a client bounded by config.Timeout.
func NewWebhookSender(config WebhookConfig) *WebhookSender {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &WebhookSender{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: slog.Default().With("component", "alerting"),
	}
}

// WithHTTPClient replaces the HTTP client. A nil client disables delivery.
func (s *WebhookSender) WithHTTPClient(client *http.Client) *WebhookSender {
	s.client = client
	return s
}

func (s *WebhookSender) Send(ctx context.Context, alert *Alert) error {
	if s.client == nil {
		s.logger.WarnContext(ctx, "http client not available, skipping webhook alert", "alert_id", alert.ID)
		return nil
	}

	payload := WebhookPayload{
		AlertID:     alert.ID,
		Level:       alert.Level.String(),
		FailureMode: alert.FailureMode,
		Message:     alert.Message,
		Source:      alert.Source,
		Timestamp:   alert.Timestamp.Format(time.RFC3339Nano),
		Metadata:    alert.Metadata,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.config.Secret != "" {
		req.Header.Set("X-Alert-Secret", s.config.Secret)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook alert failed: HTTP %d", resp.StatusCode)
	}
	return nil
}
