// Package alerting provides operational alerting for the knowledge base privacy core:
// throttled alert creation, fan-out delivery to log/email/webhook channels, active and
// historical alert registries, and periodic health checks.
package alerting

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ── Levels ────────────────────────────────────────────────────

// Level is the severity of an alert. Levels are ordered: Info < Warning < Error < Critical.
type Level int

const (
	LevelInfo Level = iota + 1
	LevelWarning
	LevelError
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseLevel converts "info", "warning", "error" or "critical" into a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info":
		return LevelInfo, nil
	case "warning", "warn":
		return LevelWarning, nil
	case "error":
		return LevelError, nil
	case "critical":
		return LevelCritical, nil
	}
	return 0, fmt.Errorf("unknown alert level %q", s)
}

// MarshalText encodes the level as its lowercase name.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ── Failure modes ─────────────────────────────────────────────

// FailureMode categorizes the operational failure an alert reports.
type FailureMode string

const (
	FailurePIIDetection       FailureMode = "pii_detection_failure"
	FailureAWSConnection      FailureMode = "aws_connection_failure"
	FailureMemoryExhaustion   FailureMode = "memory_exhaustion"
	FailureAuthentication     FailureMode = "auth_failure"
	FailureDataCorruption     FailureMode = "data_corruption"
	FailureSecurityBreach     FailureMode = "security_breach"
	FailureServiceUnavailable FailureMode = "service_unavailable"
	FailureConfiguration      FailureMode = "config_error"
	FailureUnknown            FailureMode = "unknown_error"
	FailureLogOnly            FailureMode = "log_only"
	FailureRetryExponential   FailureMode = "retry_exponential"
	FailureFailFast           FailureMode = "fail_fast"
)

// ── Alert ─────────────────────────────────────────────────────

// Alert is a single notification event. Throttled duplicates increment Count on the
// active alert instead of producing a new one.
type Alert struct {
	ID          string         `json:"alert_id"`
	Level       Level          `json:"level"`
	FailureMode FailureMode    `json:"failure_mode"`
	Message     string         `json:"message"`
	Source      string         `json:"source"`
	Timestamp   time.Time      `json:"timestamp"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Resolved    bool           `json:"resolved"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
	Count       int            `json:"count"`
}

// Key returns the registry and throttling key for the alert.
func (a *Alert) Key() string {
	return alertKey(a.Source, a.FailureMode)
}

func alertKey(source string, mode FailureMode) string {
	return source + "_" + string(mode)
}

func alertID(source string, mode FailureMode, ts time.Time) string {
	return fmt.Sprintf("%s_%s_%d", source, mode, ts.Unix())
}

// clone returns a copy safe to hand out of the registry lock.
func (a *Alert) clone() *Alert {
	c := *a
	if a.Metadata != nil {
		c.Metadata = make(map[string]any, len(a.Metadata))
		for k, v := range a.Metadata {
			c.Metadata[k] = v
		}
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

// ── Channels ──────────────────────────────────────────────────

// ChannelType identifies how a channel delivers alerts.
type ChannelType string

const (
	ChannelLog     ChannelType = "log"
	ChannelEmail   ChannelType = "email"
	ChannelWebhook ChannelType = "webhook"
)

// Sender delivers a single alert to one destination.
type Sender interface {
	Send(ctx context.Context, alert *Alert) error
}

// Channel is a configured delivery target. Alerts below MinLevel are not sent to it.
type Channel struct {
	Name     string
	Type     ChannelType
	Enabled  bool
	MinLevel Level
	Sender   Sender
}

// Publisher accepts alerts without waiting for delivery.
type Publisher interface {
	Publish(alert *Alert)
}

// ── Convenience constructors ──────────────────────────────────

// PIIDetectionFailure builds an ERROR alert for a failed detection or model load.
func PIIDetectionFailure(errorMessage, source string) *Alert {
	if source == "" {
		source = "pii_detector"
	}
	return &Alert{
		Level:       LevelError,
		FailureMode: FailurePIIDetection,
		Message:     "PII detection failed: " + errorMessage,
		Source:      source,
		Metadata:    map[string]any{"error": errorMessage},
	}
}

// MemoryExhaustion builds a CRITICAL alert for memory budget violations.
func MemoryExhaustion(memoryUsageMB int64, source string) *Alert {
	if source == "" {
		source = "memory_monitor"
	}
	return &Alert{
		Level:       LevelCritical,
		FailureMode: FailureMemoryExhaustion,
		Message:     fmt.Sprintf("Memory usage critical: %dMB", memoryUsageMB),
		Source:      source,
		Metadata:    map[string]any{"memory_usage_mb": memoryUsageMB},
	}
}

// AWSConnectionFailure builds an ERROR alert for a failing AWS service call.
func AWSConnectionFailure(service, errorMessage, source string) *Alert {
	if source == "" {
		source = "aws_client"
	}
	return &Alert{
		Level:       LevelError,
		FailureMode: FailureAWSConnection,
		Message:     fmt.Sprintf("AWS %s connection failed: %s", service, errorMessage),
		Source:      source,
		Metadata:    map[string]any{"service": service, "error": errorMessage},
	}
}

// SecurityBreach builds a CRITICAL alert for a detected security event.
func SecurityBreach(eventType, details, source string) *Alert {
	if source == "" {
		source = "security_monitor"
	}
	return &Alert{
		Level:       LevelCritical,
		FailureMode: FailureSecurityBreach,
		Message:     "Security breach detected: " + eventType,
		Source:      source,
		Metadata:    map[string]any{"event_type": eventType, "details": details},
	}
}
