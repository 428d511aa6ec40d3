package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/chata/mcp-bedrock-kb/pkg/alerting"
	"github.com/chata/mcp-bedrock-kb/pkg/config"
	"github.com/chata/mcp-bedrock-kb/pkg/documents"
	"github.com/chata/mcp-bedrock-kb/pkg/gdpr"
	"github.com/chata/mcp-bedrock-kb/pkg/knowledgebase"
	"github.com/chata/mcp-bedrock-kb/pkg/observability"
	"github.com/chata/mcp-bedrock-kb/pkg/pii"
	"github.com/chata/mcp-bedrock-kb/pkg/storage"
)

const shutdownTimeout = 5 * time.Second

// objectStore is everything the CLI needs from S3.
type objectStore interface {
	gdpr.ObjectStore
	documents.ObjectStore
}

// knowledgeBases is everything the CLI needs from Bedrock.
type knowledgeBases interface {
	gdpr.KnowledgeBases
	RetrieveAndGenerate(ctx context.Context, kbID, modelARN, query string) (knowledgebase.Answer, error)
}

type awsServices struct {
	store objectStore
	kbs   knowledgeBases
}

// newAWSServices is a variable so tests can substitute fakes.
var newAWSServices = loadAWSServices

func loadAWSServices(ctx context.Context, cfg *config.Config) (*awsServices, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.AWS.Region)}
	if cfg.AWS.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.AWS.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if cfg.AWS.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
	}
	return &awsServices{
		store: storage.NewFromConfig(awsCfg, storage.Config{Endpoint: cfg.AWS.EndpointURL}),
		kbs:   knowledgebase.NewFromConfig(awsCfg),
	}, nil
}

// app holds the process-wide components every command shares.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	telemetry  *observability.Provider
	alerts     *alerting.Manager
	dispatcher *alerting.Dispatcher
	detector   *pii.Detector
}

func loadConfig(path string) (*config.Config, error) {
	var cfg *config.Config
	if path == "" {
		cfg = config.Load()
	} else {
		var err error
		if cfg, err = config.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newApp wires logging, telemetry, alerting and the detector. Logs go to logs as JSON.
func newApp(ctx context.Context, configPath string, logs io.Writer) (*app, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(logs, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	telemetry, err := observability.New(ctx, cfg.TelemetryConfig())
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	alerts := alerting.NewManager(
		alerting.WithLogger(logger),
		alerting.WithEmail(cfg.EmailConfig()),
		alerting.WithWebhook(cfg.WebhookConfig()),
	)
	dispatcher := alerting.NewDispatcher(alerts, 0)

	opts := []pii.Option{
		pii.WithLogger(logger),
		pii.WithAlerts(dispatcher),
		pii.WithTelemetry(telemetry),
		pii.WithMasking(cfg.PII.MaskPII),
	}
	if cfg.PII.MemoryLimitMB > 0 {
		opts = append(opts, pii.WithMemoryBudget(cfg.PII.MemoryLimitMB))
	}
	detector := pii.NewDetector(opts...)
	alerts.Health().RegisterHealthCheck("pii_detector", detector.IsReady)

	return &app{
		cfg:        cfg,
		logger:     logger,
		telemetry:  telemetry,
		alerts:     alerts,
		dispatcher: dispatcher,
		detector:   detector,
	}, nil
}

// close drains queued alerts and flushes telemetry.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.dispatcher.Close(ctx); err != nil {
		a.logger.Warn("alert queue not drained", "error", err)
	}
	_ = a.telemetry.Shutdown(ctx)
}

// aws loads the AWS-backed services, raising an alert when that fails.
func (a *app) aws(ctx context.Context) (*awsServices, error) {
	svc, err := newAWSServices(ctx, a.cfg)
	if err != nil {
		a.dispatcher.Publish(alerting.AWSConnectionFailure("config", err.Error(), "kbguard"))
		return nil, err
	}
	return svc, nil
}

func (a *app) documents(svc *awsServices) *documents.Service {
	return documents.NewService(svc.store, svc.kbs, a.detector, a.cfg.DocumentConfig())
}

func (a *app) gdpr(svc *awsServices, audit io.Writer) *gdpr.Manager {
	opts := []gdpr.Option{
		gdpr.WithLogger(a.logger.With("component", "gdpr")),
		gdpr.WithAlerts(a.dispatcher),
		gdpr.WithTelemetry(a.telemetry),
		gdpr.WithSyncPolling(a.cfg.PollInterval(), a.cfg.SyncTimeout()),
	}
	if audit != nil {
		opts = append(opts, gdpr.WithAuditWriter(audit))
	}
	return gdpr.NewManager(svc.store, svc.kbs, a.detector, opts...)
}

// openAuditLog opens the configured audit file for appending, or returns nil.
func openAuditLog(path string) (*os.File, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return f, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
