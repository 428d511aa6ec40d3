package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/chata/mcp-bedrock-kb/pkg/pii"
)

var errDetectorUnavailable = errors.New("PII detector unavailable")

type inputFlags struct {
	text       string
	file       string
	configPath string
}

func (f *inputFlags) register(cmd *flag.FlagSet) {
	cmd.StringVar(&f.text, "text", "", "Text to process")
	cmd.StringVar(&f.file, "file", "", "Read text from file")
	cmd.StringVar(&f.configPath, "config", "", "YAML config file")
}

func (f *inputFlags) read() (string, error) {
	switch {
	case f.text != "":
		return f.text, nil
	case f.file != "":
		data, err := os.ReadFile(f.file)
		if err != nil {
			return "", err
		}
		return string(data), nil
	default:
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}

// scanFinding is a finding without its matched text unless --show-text is set.
type scanFinding struct {
	EntityType pii.EntityType `json:"entity_type"`
	Start      int            `json:"start"`
	End        int            `json:"end"`
	Score      float64        `json:"score"`
	Text       string         `json:"text,omitempty"`
}

func runScanCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("scan", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		in         inputFlags
		jsonOutput bool
		showText   bool
		failOnPII  bool
	)
	in.register(cmd)
	cmd.BoolVar(&jsonOutput, "json", false, "Output findings as JSON")
	cmd.BoolVar(&showText, "show-text", false, "Include matched text in the output")
	cmd.BoolVar(&failOnPII, "fail", false, "Exit 1 when PII is found")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	text, err := in.read()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: read input: %v\n", err)
		return 2
	}

	ctx := context.Background()
	a, err := newApp(ctx, in.configPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer a.close()

	if !a.detector.EnsureInitialized(ctx) {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", errDetectorUnavailable)
		return 1
	}

	findings := a.detector.DetectPII(ctx, text)
	out := make([]scanFinding, 0, len(findings))
	for _, f := range findings {
		sf := scanFinding{EntityType: f.EntityType, Start: f.Start, End: f.End, Score: f.Score}
		if showText {
			sf.Text = f.Text
		}
		out = append(out, sf)
	}

	if jsonOutput {
		if err := writeJSON(stdout, out); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	} else {
		_, _ = fmt.Fprintf(stdout, "Found %d PII finding(s)\n", len(out))
		for _, f := range out {
			_, _ = fmt.Fprintf(stdout, "  %-14s %6d-%-6d %.2f %s\n", f.EntityType, f.Start, f.End, f.Score, f.Text)
		}
	}

	if failOnPII && len(findings) > 0 {
		return 1
	}
	return 0
}

func runMaskCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("mask", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var in inputFlags
	in.register(cmd)

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	text, err := in.read()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: read input: %v\n", err)
		return 2
	}

	ctx := context.Background()
	a, err := newApp(ctx, in.configPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer a.close()

	if !a.detector.EnsureInitialized(ctx) {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", errDetectorUnavailable)
		return 1
	}

	masked, findings := a.detector.MaskPII(ctx, text)
	_, _ = fmt.Fprint(stdout, masked)
	if warning := a.detector.PIIWarning(findings); warning != "" {
		_, _ = fmt.Fprintln(stderr, warning)
	}
	return 0
}
