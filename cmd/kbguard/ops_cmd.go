package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"sort"

	"github.com/chata/mcp-bedrock-kb/pkg/alerting"
)

type detectorStatus struct {
	State          string `json:"state"`
	Ready          bool   `json:"ready"`
	MaskingEnabled bool   `json:"masking_enabled"`
	MemoryBudgetMB int    `json:"memory_budget_mb"`
}

type channelStatus struct {
	Name     string               `json:"name"`
	Type     alerting.ChannelType `json:"type"`
	Enabled  bool                 `json:"enabled"`
	MinLevel alerting.Level       `json:"min_level"`
}

type statusReport struct {
	Detector detectorStatus        `json:"pii_detector"`
	Alerting alerting.SystemHealth `json:"alerting"`
	Channels []channelStatus       `json:"channels"`
}

func runStatusCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("status", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath string
		jsonOutput bool
	)
	cmd.StringVar(&configPath, "config", "", "YAML config file")
	cmd.BoolVar(&jsonOutput, "json", false, "Output status as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	a, err := newApp(ctx, configPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer a.close()

	ready := a.detector.EnsureInitialized(ctx)
	report := statusReport{
		Detector: detectorStatus{
			State:          a.detector.State().String(),
			Ready:          ready,
			MaskingEnabled: a.detector.MaskingEnabled(),
			MemoryBudgetMB: a.detector.MemoryBudgetMB(),
		},
		Alerting: a.alerts.SystemHealth(),
	}
	for _, ch := range a.alerts.Channels() {
		report.Channels = append(report.Channels, channelStatus{
			Name: ch.Name, Type: ch.Type, Enabled: ch.Enabled, MinLevel: ch.MinLevel,
		})
	}

	if jsonOutput {
		if err := writeJSON(stdout, report); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		return 0
	}

	d := report.Detector
	_, _ = fmt.Fprintf(stdout, "PII detector: %s (masking=%t, memory budget %d MB)\n", d.State, d.MaskingEnabled, d.MemoryBudgetMB)
	_, _ = fmt.Fprintf(stdout, "Active alerts: %d (%d critical)\n", report.Alerting.ActiveAlerts, report.Alerting.CriticalAlerts)
	_, _ = fmt.Fprintln(stdout, "Channels:")
	for _, ch := range report.Channels {
		_, _ = fmt.Fprintf(stdout, "  %-8s %-8s enabled=%t min=%s\n", ch.Name, ch.Type, ch.Enabled, ch.MinLevel)
	}
	return 0
}

func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("health", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath string
		jsonOutput bool
	)
	cmd.StringVar(&configPath, "config", "", "YAML config file")
	cmd.BoolVar(&jsonOutput, "json", false, "Output check results as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	a, err := newApp(ctx, configPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer a.close()

	a.detector.EnsureInitialized(ctx)
	return printChecks(stdout, stderr, a.alerts.Health().PerformHealthChecks(ctx), jsonOutput)
}

func runAlertsTestCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("alerts-test", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath string
		jsonOutput bool
	)
	cmd.StringVar(&configPath, "config", "", "YAML config file")
	cmd.BoolVar(&jsonOutput, "json", false, "Output channel results as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	a, err := newApp(ctx, configPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer a.close()

	return printChecks(stdout, stderr, a.alerts.TestChannels(ctx), jsonOutput)
}

// printChecks prints name -> ok results and returns 1 when any failed.
func printChecks(stdout, stderr io.Writer, results map[string]bool, jsonOutput bool) int {
	failed := 0
	for _, ok := range results {
		if !ok {
			failed++
		}
	}

	if jsonOutput {
		if err := writeJSON(stdout, results); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	} else {
		names := make([]string, 0, len(results))
		for name := range results {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			mark := ColorGreen + "PASS" + ColorReset
			if !results[name] {
				mark = "FAIL"
			}
			_, _ = fmt.Fprintf(stdout, "  %s  %s\n", mark, name)
		}
	}

	if failed > 0 {
		return 1
	}
	return 0
}
