// Package config loads kbguard settings from the environment, optionally layered over
// a YAML file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chata/mcp-bedrock-kb/pkg/alerting"
	"github.com/chata/mcp-bedrock-kb/pkg/documents"
	"github.com/chata/mcp-bedrock-kb/pkg/observability"
	"github.com/chata/mcp-bedrock-kb/pkg/pii"
)

// Config holds process configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	AWS       AWSConfig       `yaml:"aws"`
	S3        S3Config        `yaml:"s3"`
	Documents DocumentConfig  `yaml:"documents"`
	PII       PIIConfig       `yaml:"pii"`
	Alerts    AlertConfig     `yaml:"alerts"`
	GDPR      GDPRConfig      `yaml:"gdpr"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type AWSConfig struct {
	Region      string `yaml:"region"`
	Profile     string `yaml:"profile"`
	EndpointURL string `yaml:"endpoint_url"`
}

type S3Config struct {
	DefaultBucket string `yaml:"default_bucket"`
	UploadPrefix  string `yaml:"upload_prefix"`
}

type DocumentConfig struct {
	MaxFileSizeMB    int      `yaml:"max_file_size_mb"`
	SupportedFormats []string `yaml:"supported_formats"`
}

type PIIConfig struct {
	MaskPII bool `yaml:"mask_pii"`
	// MemoryLimitMB of 0 derives the budget from system memory.
	MemoryLimitMB int `yaml:"memory_limit_mb"`
}

type AlertConfig struct {
	SMTPServer            string   `yaml:"smtp_server"`
	SMTPPort              int      `yaml:"smtp_port"`
	SMTPUser              string   `yaml:"smtp_user"`
	SMTPPassword          string   `yaml:"smtp_password"`
	FromEmail             string   `yaml:"from_email"`
	ToEmails              []string `yaml:"to_emails"`
	WebhookURL            string   `yaml:"webhook_url"`
	WebhookSecret         string   `yaml:"webhook_secret"`
	WebhookTimeoutSeconds int      `yaml:"webhook_timeout_seconds"`
}

type GDPRConfig struct {
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	SyncTimeoutSeconds  int `yaml:"sync_timeout_seconds"`
	// AuditLogPath receives one JSON line per completed request when set.
	AuditLogPath string `yaml:"audit_log_path"`
}

type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Environment  string `yaml:"environment"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	docs := documents.DefaultConfig()
	return &Config{
		LogLevel: "INFO",
		AWS:      AWSConfig{Region: "us-east-1"},
		S3:       S3Config{UploadPrefix: docs.UploadPrefix},
		Documents: DocumentConfig{
			MaxFileSizeMB:    docs.MaxFileSizeMB,
			SupportedFormats: docs.SupportedFormats,
		},
		PII: PIIConfig{MaskPII: true},
		Alerts: AlertConfig{
			SMTPPort:              587,
			WebhookTimeoutSeconds: 30,
		},
		GDPR: GDPRConfig{
			PollIntervalSeconds: 10,
			SyncTimeoutSeconds:  600,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "localhost:4317",
			Environment:  "development",
		},
	}
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

// LoadFile reads a YAML file over the defaults, then applies environment overrides.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.LogLevel, "LOG_LEVEL")

	setString(&c.AWS.Region, "AWS_DEFAULT_REGION")
	setString(&c.AWS.Region, "AWS_REGION")
	setString(&c.AWS.Profile, "AWS_PROFILE")
	setString(&c.AWS.EndpointURL, "AWS_ENDPOINT_URL")

	setString(&c.S3.DefaultBucket, "S3_DEFAULT_BUCKET")
	setString(&c.S3.UploadPrefix, "S3_UPLOAD_PREFIX")
	setInt(&c.Documents.MaxFileSizeMB, "DOC_MAX_FILE_SIZE_MB")

	if os.Getenv(pii.EnvMaskPII) != "" {
		c.PII.MaskPII = pii.MaskingFromEnv(os.Getenv)
	}
	setInt(&c.PII.MemoryLimitMB, "BEDROCK_KB_MEMORY_LIMIT_MB")

	setString(&c.Alerts.SMTPServer, "ALERT_SMTP_SERVER")
	setInt(&c.Alerts.SMTPPort, "ALERT_SMTP_PORT")
	setString(&c.Alerts.SMTPUser, "ALERT_SMTP_USER")
	setString(&c.Alerts.SMTPPassword, "ALERT_SMTP_PASSWORD")
	setString(&c.Alerts.FromEmail, "ALERT_FROM_EMAIL")
	if v := os.Getenv("ALERT_TO_EMAILS"); v != "" {
		c.Alerts.ToEmails = splitList(v)
	}
	setString(&c.Alerts.WebhookURL, "ALERT_WEBHOOK_URL")
	setString(&c.Alerts.WebhookSecret, "ALERT_WEBHOOK_SECRET")
	setInt(&c.Alerts.WebhookTimeoutSeconds, "ALERT_WEBHOOK_TIMEOUT")

	setInt(&c.GDPR.PollIntervalSeconds, "GDPR_POLL_INTERVAL_SECONDS")
	setInt(&c.GDPR.SyncTimeoutSeconds, "GDPR_SYNC_TIMEOUT_SECONDS")
	setString(&c.GDPR.AuditLogPath, "GDPR_AUDIT_LOG")

	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.OTLPEndpoint = v
		c.Telemetry.Enabled = true
	}
	if v := os.Getenv("OTEL_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	setString(&c.Telemetry.Environment, "ENVIRONMENT")
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

// setInt keeps the current value when the variable is unset or not a number.
func setInt(dst *int, key string) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	if c.Documents.MaxFileSizeMB <= 0 {
		return fmt.Errorf("max file size must be positive, got %d", c.Documents.MaxFileSizeMB)
	}
	if c.PII.MemoryLimitMB < 0 {
		return fmt.Errorf("memory limit must not be negative, got %d", c.PII.MemoryLimitMB)
	}
	if c.Alerts.SMTPPort <= 0 || c.Alerts.SMTPPort > 65535 {
		return fmt.Errorf("invalid smtp port %d", c.Alerts.SMTPPort)
	}
	if c.Alerts.WebhookTimeoutSeconds <= 0 {
		return fmt.Errorf("webhook timeout must be positive, got %d", c.Alerts.WebhookTimeoutSeconds)
	}
	if c.GDPR.PollIntervalSeconds <= 0 || c.GDPR.SyncTimeoutSeconds <= 0 {
		return fmt.Errorf("gdpr poll interval and sync timeout must be positive")
	}
	return nil
}

// SlogLevel parses LogLevel. WARNING is accepted as an alias for WARN.
func (c *Config) SlogLevel() (slog.Level, error) {
	name := strings.ToUpper(strings.TrimSpace(c.LogLevel))
	if name == "WARNING" {
		name = "WARN"
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// ── Component settings ──────────────────────────────────────

func (c *Config) EmailConfig() alerting.EmailConfig {
	return alerting.EmailConfig{
		SMTPServer: c.Alerts.SMTPServer,
		SMTPPort:   c.Alerts.SMTPPort,
		Username:   c.Alerts.SMTPUser,
		Password:   c.Alerts.SMTPPassword,
		From:       c.Alerts.FromEmail,
		To:         append([]string(nil), c.Alerts.ToEmails...),
	}
}

func (c *Config) WebhookConfig() alerting.WebhookConfig {
	return alerting.WebhookConfig{
		URL:     c.Alerts.WebhookURL,
		Secret:  c.Alerts.WebhookSecret,
		Timeout: time.Duration(c.Alerts.WebhookTimeoutSeconds) * time.Second,
	}
}

func (c *Config) DocumentConfig() documents.Config {
	return documents.Config{
		DefaultBucket:    c.S3.DefaultBucket,
		UploadPrefix:     c.S3.UploadPrefix,
		MaxFileSizeMB:    c.Documents.MaxFileSizeMB,
		SupportedFormats: append([]string(nil), c.Documents.SupportedFormats...),
	}
}

func (c *Config) TelemetryConfig() *observability.Config {
	oc := observability.DefaultConfig()
	oc.Enabled = c.Telemetry.Enabled
	oc.OTLPEndpoint = c.Telemetry.OTLPEndpoint
	oc.Environment = c.Telemetry.Environment
	return oc
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.GDPR.PollIntervalSeconds) * time.Second
}

func (c *Config) SyncTimeout() time.Duration {
	return time.Duration(c.GDPR.SyncTimeoutSeconds) * time.Second
}
