package main

import (
	"fmt"
	"io"
	"os"
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// stdin is read by scan and mask when neither --text nor --file is given.
var stdin io.Reader = os.Stdin

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "scan":
		return runScanCmd(args[2:], stdout, stderr)
	case "mask":
		return runMaskCmd(args[2:], stdout, stderr)
	case "erase":
		return runEraseCmd(args[2:], stdout, stderr)
	case "upload":
		return runUploadCmd(args[2:], stdout, stderr)
	case "list":
		return runListCmd(args[2:], stdout, stderr)
	case "delete":
		return runDeleteCmd(args[2:], stdout, stderr)
	case "query":
		return runQueryCmd(args[2:], stdout, stderr)
	case "status":
		return runStatusCmd(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(args[2:], stdout, stderr)
	case "alerts-test":
		return runAlertsTestCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorGreen = "\033[32m"
	ColorBlue  = "\033[34m"
	ColorCyan  = "\033[36m"
	ColorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%skbguard%s\n", ColorBold+ColorBlue, ColorReset)
	fmt.Fprintf(w, "%sPII masking and GDPR erasure for Bedrock knowledge bases.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  kbguard <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "PRIVACY")
	printCommand(w, "scan", "Detect PII in text (--text, --file or stdin)")
	printCommand(w, "mask", "Print text with PII replaced by placeholders")
	printCommand(w, "erase", "Erase a data subject from knowledge bases (--id, --kb)")

	printSection(w, "DOCUMENTS")
	printCommand(w, "upload", "Upload a document with PII masked (--kb, --file)")
	printCommand(w, "list", "List documents in a knowledge base bucket (--kb)")
	printCommand(w, "delete", "Delete one document (--kb, --key)")
	printCommand(w, "query", "Search a knowledge base, masking results (--kb, --q)")

	printSection(w, "OPERATIONS")
	printCommand(w, "status", "Show detector and alerting status")
	printCommand(w, "health", "Run health checks")
	printCommand(w, "alerts-test", "Send a test alert to every channel")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Every command accepts --config <file.yaml>; environment variables override it.")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-12s%s %s\n", ColorGreen, name, ColorReset, desc)
}
