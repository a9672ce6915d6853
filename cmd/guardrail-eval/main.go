package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"guardrail-eval/internal/eval"
	"guardrail-eval/internal/guard"
)

func main() {
	baseURL := flag.String("base-url", envOr("GUARDRAIL_BASE_URL", "http://localhost:8000"), "Base URL of the chat system under test")
	apiKey := flag.String("api-key", envOr("GUARDRAIL_API_KEY", ""), "Bearer token for the chat endpoint (optional)")
	catalogPath := flag.String("catalog", "", "Path to test catalog JSON (default: embedded catalog)")
	categories := flag.String("categories", "all", "Comma-separated categories to run, e.g. self-harm,prompt-injection")
	maxCases := flag.Int("max-cases", 0, "Max test cases to run (0 = all)")
	timeout := flag.Duration("timeout", 30*time.Second, "Per-test submission timeout")
	concurrency := flag.Int("concurrency", 1, "Parallel test submissions (1 = sequential)")
	format := flag.String("format", "text", "Output format: text|json")
	outputPath := flag.String("out", "", "Write full report JSON to this file")
	verbose := flag.Bool("verbose", false, "Print per-test progress to stderr")
	strict := flag.Bool("strict", false, "Exit non-zero if any test mismatches or fails")
	flag.Parse()

	catalog, err := eval.LoadCatalog(*catalogPath)
	if err != nil {
		exitWith("failed to load catalog: " + err.Error())
	}
	catalog, err = eval.FilterCategories(catalog, *categories)
	if err != nil {
		exitWith(err.Error())
	}
	catalog = eval.LimitCases(catalog, *maxCases)

	client := guard.NewClient(guard.Config{
		BaseURL: *baseURL,
		APIKey:  *apiKey,
		Timeout: *timeout,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var onEvent func(eval.Event)
	if *verbose {
		onEvent = printEvent
	}
	driver := eval.NewDriver(eval.NewChatSubmitter(client), eval.DriverConfig{
		Timeout:     *timeout,
		Concurrency: *concurrency,
		OnEvent:     onEvent,
	})
	records := driver.Run(ctx, catalog)

	report, err := eval.Score(catalog, records, eval.NewClassifier(eval.DefaultSignatures()))
	if err != nil {
		exitWith("scoring failed: " + err.Error())
	}
	report.Endpoint = *baseURL

	switch strings.ToLower(strings.TrimSpace(*format)) {
	case "json":
		printJSON(report)
	default:
		report.WriteSummary(os.Stdout)
	}

	if strings.TrimSpace(*outputPath) != "" {
		if err := report.WriteJSON(*outputPath); err != nil {
			exitWith("failed to write report: " + err.Error())
		}
	}

	// Every submission failing means the system under test was unreachable;
	// that is a total execution failure, not a scored run.
	if report.Summary.TransportFailures == report.Summary.TotalTests {
		exitWith("all submissions failed; system under test unreachable")
	}

	if *strict && (report.Mismatches() > 0 || report.Summary.TransportFailures > 0) {
		os.Exit(1)
	}
}

func printEvent(event eval.Event) {
	switch event.Stage {
	case eval.StageTestStart:
		fmt.Fprintf(os.Stderr, "running %s (%s)\n", event.TestID, event.Category)
	case eval.StageTestError:
		fmt.Fprintf(os.Stderr, "failed  %s: %s\n", event.TestID, event.Message)
	default:
		fmt.Fprintf(os.Stderr, "done    %s (%.2fs)\n", event.TestID, event.LatencySeconds)
	}
}

func printJSON(report eval.Report) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		exitWith("failed to encode report JSON: " + err.Error())
	}
	fmt.Println(string(data))
}

func envOr(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func exitWith(message string) {
	fmt.Fprintln(os.Stderr, "error:", message)
	os.Exit(2)
}
