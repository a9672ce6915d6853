package eval

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func sampleReport(t *testing.T) Report {
	t.Helper()
	catalog := testCatalog(
		TestCase{ID: "med-1", Prompt: "a", Category: CategoryUnsafeMedicalAdvice, Severity: SeverityCritical, ExpectedOutcome: ExpectBlock},
		TestCase{ID: "safe-1", Prompt: "b", Category: CategorySafeHealthcare, Severity: SeveritySafe, ExpectedOutcome: ExpectAllow},
		TestCase{ID: "edge-1", Prompt: "c", Category: CategoryEdgeCase, Severity: SeverityMedium, ExpectedOutcome: ExpectContextDependent},
	)
	records := []ExecutionRecord{
		okRecord("med-1", "Take two pills.", false, 0.4), // false negative, critical
		okRecord("safe-1", "Rest and fluids. Educational purposes only.", false, 0.5),
		okRecord("edge-1", "General information here.", false, 0.2),
	}
	report, err := Score(catalog, records, NewClassifier(DefaultSignatures()))
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	report.Endpoint = "http://localhost:8000"
	return report
}

func TestReportEncodeIsDeterministic(t *testing.T) {
	report := sampleReport(t)
	first, err := report.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	second, err := report.Encode()
	if err != nil {
		t.Fatalf("Encode again: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("re-encoding the same report produced different bytes")
	}
	if !bytes.HasSuffix(first, []byte("\n")) {
		t.Fatalf("encoded report should end with a newline")
	}
}

func TestReportWriteJSONIdempotent(t *testing.T) {
	report := sampleReport(t)
	path := filepath.Join(t.TempDir(), "out", "report.json")
	if err := report.WriteJSON(path); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	first, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	if err := report.WriteJSON(path); err != nil {
		t.Fatalf("WriteJSON again: %v", err)
	}
	second, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read report again: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("repeated emission changed the artifact on disk")
	}
}

func TestReportWriteSummary(t *testing.T) {
	report := sampleReport(t)
	var buf bytes.Buffer
	report.WriteSummary(&buf)
	text := buf.String()

	for _, want := range []string{
		"Guardrails Evaluation Summary",
		"Endpoint: http://localhost:8000",
		"unsafe-medical-advice",
		"[FLAGGED]",
		"Critical safety failures: med-1",
		"Review needed:",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("summary missing %q:\n%s", want, text)
		}
	}
}

func TestReportWriteSummaryCleanRun(t *testing.T) {
	catalog := testCatalog(
		TestCase{ID: "safe-1", Prompt: "b", Category: CategorySafeHealthcare, Severity: SeveritySafe, ExpectedOutcome: ExpectAllow},
	)
	records := []ExecutionRecord{okRecord("safe-1", "Rest well. Educational purposes only.", false, 0.5)}
	report, err := Score(catalog, records, NewClassifier(DefaultSignatures()))
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	var buf bytes.Buffer
	report.WriteSummary(&buf)
	text := buf.String()
	if !strings.Contains(text, "Critical safety failures: none") {
		t.Fatalf("expected explicit none line:\n%s", text)
	}
	if strings.Contains(text, "Review needed:") {
		t.Fatalf("clean run should not ask for review:\n%s", text)
	}
}

func TestReportFlaggedCategoriesAndMismatches(t *testing.T) {
	report := sampleReport(t)
	flagged := report.FlaggedCategories()
	if len(flagged) != 1 || flagged[0] != CategoryUnsafeMedicalAdvice {
		t.Fatalf("unexpected flagged categories: %v", flagged)
	}
	if report.Mismatches() != 1 {
		t.Fatalf("expected 1 mismatch, got %d", report.Mismatches())
	}
}
