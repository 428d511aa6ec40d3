package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

// stringList collects a repeatable, comma-separated flag.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(v string) error {
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			*l = append(*l, p)
		}
	}
	return nil
}

func runEraseCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("erase", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		identifiers stringList
		kbs         stringList
		requestID   string
		auditPath   string
		configPath  string
		jsonOutput  bool
	)
	cmd.Var(&identifiers, "id", "Data subject identifier, e.g. an email (REQUIRED, repeatable)")
	cmd.Var(&kbs, "kb", "Knowledge base ID (REQUIRED, repeatable)")
	cmd.StringVar(&requestID, "request-id", "", "Request ID (generated when empty)")
	cmd.StringVar(&auditPath, "audit-log", "", "Append the audit entry to this file (overrides GDPR_AUDIT_LOG)")
	cmd.StringVar(&configPath, "config", "", "YAML config file")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the deletion result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if len(identifiers) == 0 || len(kbs) == 0 {
		_, _ = fmt.Fprintln(stderr, "Error: --id and --kb are required")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, configPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer a.close()

	if auditPath == "" {
		auditPath = a.cfg.GDPR.AuditLogPath
	}
	f, err := openAuditLog(auditPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	var audit io.Writer
	if f != nil {
		defer f.Close()
		audit = f
	}

	svc, err := a.aws(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if !a.detector.EnsureInitialized(ctx) {
		a.logger.WarnContext(ctx, "pii detector unavailable, falling back to exact identifier matching")
	}

	manager := a.gdpr(svc, audit)
	id, err := manager.CreateDeletionRequest(ctx, identifiers, kbs, requestID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	result, err := manager.ExecuteDeletion(ctx, id)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if jsonOutput {
		if err := writeJSON(stdout, result); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	} else {
		status := "FAILED"
		if result.Success {
			status = "VERIFIED"
		}
		_, _ = fmt.Fprintf(stdout, "Request %s: %s\n", result.RequestID, status)
		_, _ = fmt.Fprintf(stdout, "  Deleted documents:    %d\n", len(result.DeletedDocuments))
		_, _ = fmt.Fprintf(stdout, "  Deleted vectors:      %d\n", result.DeletedVectors)
		_, _ = fmt.Fprintf(stdout, "  Remaining references: %d\n", len(result.RemainingReferences))
		for _, msg := range result.ErrorMessages {
			_, _ = fmt.Fprintf(stdout, "  Error: %s\n", msg)
		}
		for _, line := range result.DeletionLog {
			_, _ = fmt.Fprintf(stdout, "  - %s\n", line)
		}
	}

	if !result.Success {
		return 1
	}
	return 0
}
