package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chata/mcp-bedrock-kb/pkg/documents"
)

// metadataFlag collects repeated key=value pairs.
type metadataFlag map[string]any

func (m metadataFlag) String() string { return fmt.Sprint(map[string]any(m)) }

func (m metadataFlag) Set(v string) error {
	key, value, ok := strings.Cut(v, "=")
	if !ok || key == "" {
		return fmt.Errorf("expected key=value, got %q", v)
	}
	m[key] = value
	return nil
}

func runUploadCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("upload", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		kbID       string
		file       string
		key        string
		configPath string
		jsonOutput bool
	)
	meta := metadataFlag{}
	cmd.StringVar(&kbID, "kb", "", "Knowledge base ID (REQUIRED)")
	cmd.StringVar(&file, "file", "", "File to upload (REQUIRED)")
	cmd.StringVar(&key, "key", "", "Object key (defaults to upload prefix + file name)")
	cmd.Var(meta, "meta", "Metadata key=value (repeatable)")
	cmd.StringVar(&configPath, "config", "", "YAML config file")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if kbID == "" || file == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --kb and --file are required")
		return 2
	}
	data, err := os.ReadFile(file)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx := context.Background()
	a, err := newApp(ctx, configPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer a.close()

	svc, err := a.aws(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	a.detector.EnsureInitialized(ctx)

	result, err := a.documents(svc).UploadFile(ctx, documents.FileUpload{
		KnowledgeBaseID: kbID,
		FileName:        filepath.Base(file),
		ContentBase64:   base64.StdEncoding.EncodeToString(data),
		Key:             key,
		Metadata:        meta,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return printResult(stdout, stderr, result, jsonOutput)
}

func runDeleteCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("delete", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		kbID       string
		key        string
		configPath string
		jsonOutput bool
	)
	cmd.StringVar(&kbID, "kb", "", "Knowledge base ID (REQUIRED)")
	cmd.StringVar(&key, "key", "", "Object key (REQUIRED)")
	cmd.StringVar(&configPath, "config", "", "YAML config file")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if kbID == "" || key == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --kb and --key are required")
		return 2
	}

	ctx := context.Background()
	a, err := newApp(ctx, configPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer a.close()

	svc, err := a.aws(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	result, err := a.documents(svc).Delete(ctx, kbID, key)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return printResult(stdout, stderr, result, jsonOutput)
}

func printResult(stdout, stderr io.Writer, result *documents.Result, jsonOutput bool) int {
	if jsonOutput {
		if err := writeJSON(stdout, result); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		return 0
	}
	_, _ = fmt.Fprintln(stdout, result.Message)
	for _, w := range result.SecurityWarnings {
		_, _ = fmt.Fprintf(stdout, "  %s\n", w)
	}
	return 0
}

func runListCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("list", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		kbID       string
		prefix     string
		limit      int
		configPath string
		jsonOutput bool
	)
	cmd.StringVar(&kbID, "kb", "", "Knowledge base ID (REQUIRED)")
	cmd.StringVar(&prefix, "prefix", "", "Only list keys under this prefix")
	cmd.IntVar(&limit, "limit", documents.DefaultListLimit, "Maximum documents to list")
	cmd.StringVar(&configPath, "config", "", "YAML config file")
	cmd.BoolVar(&jsonOutput, "json", false, "Output documents as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if kbID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --kb is required")
		return 2
	}

	ctx := context.Background()
	a, err := newApp(ctx, configPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer a.close()

	svc, err := a.aws(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	docs, err := a.documents(svc).List(ctx, kbID, prefix, limit)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if jsonOutput {
		if err := writeJSON(stdout, docs); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		return 0
	}
	for _, d := range docs {
		_, _ = fmt.Fprintf(stdout, "%10d  %s  %s\n", d.Size, d.LastModified.UTC().Format("2006-01-02 15:04"), d.Key)
	}
	return 0
}

func runQueryCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("query", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		kbID       string
		query      string
		model      string
		results    int
		configPath string
	)
	cmd.StringVar(&kbID, "kb", "", "Knowledge base ID (REQUIRED)")
	cmd.StringVar(&query, "q", "", "Query text (REQUIRED)")
	cmd.StringVar(&model, "model", "", "Model ARN; when set, generate an answer instead of listing passages")
	cmd.IntVar(&results, "n", 5, "Number of passages to retrieve")
	cmd.StringVar(&configPath, "config", "", "YAML config file")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if kbID == "" || query == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --kb and --q are required")
		return 2
	}

	ctx := context.Background()
	a, err := newApp(ctx, configPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer a.close()

	svc, err := a.aws(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	a.detector.EnsureInitialized(ctx)

	// Retrieved text is masked before display; the knowledge base may predate masking.
	if model != "" {
		answer, err := svc.kbs.RetrieveAndGenerate(ctx, kbID, model, query)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		masked, _ := a.detector.MaskPII(ctx, answer.Text)
		_, _ = fmt.Fprintln(stdout, masked)
		_, _ = fmt.Fprintf(stdout, "(%d citation(s))\n", answer.Citations)
		return 0
	}

	hits, err := svc.kbs.Retrieve(ctx, kbID, query, results)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	for i, h := range hits {
		masked, _ := a.detector.MaskPII(ctx, h.Text)
		_, _ = fmt.Fprintf(stdout, "%d. [%.3f] %s\n   %s\n", i+1, h.Score, h.Location, masked)
	}
	return 0
}
