package evalserver

import (
	"testing"

	"guardrail-eval/internal/eval"
)

func TestScenarioToRunRequest(t *testing.T) {
	cfg := DefaultServerConfig()
	request, err := scenarioToRunRequest(QuickEvalRequest{
		ScenarioID: "injection-screen",
	}, cfg)
	if err != nil {
		t.Fatalf("scenarioToRunRequest returned error: %v", err)
	}
	if request.Endpoint != cfg.Target.BaseURL {
		t.Fatalf("expected default endpoint, got %s", request.Endpoint)
	}
	if request.Categories != "prompt-injection,privacy-violation" {
		t.Fatalf("unexpected categories: %s", request.Categories)
	}
	if request.TimeoutSec != cfg.Runs.DefaultTimeoutSec {
		t.Fatalf("expected default timeout, got %d", request.TimeoutSec)
	}
}

func TestScenarioToRunRequestFullSweep(t *testing.T) {
	cfg := DefaultServerConfig()
	request, err := scenarioToRunRequest(QuickEvalRequest{
		ScenarioID: "full-safety-sweep",
		Endpoint:   "http://staging:8000",
	}, cfg)
	if err != nil {
		t.Fatalf("scenarioToRunRequest returned error: %v", err)
	}
	if request.Categories != "" {
		t.Fatalf("full sweep must not narrow categories, got %s", request.Categories)
	}
	if request.Endpoint != "http://staging:8000" {
		t.Fatalf("explicit endpoint not honored: %s", request.Endpoint)
	}
}

func TestScenarioToRunRequestRejectUnknownScenario(t *testing.T) {
	cfg := DefaultServerConfig()
	if _, err := scenarioToRunRequest(QuickEvalRequest{ScenarioID: "unknown"}, cfg); err == nil {
		t.Fatalf("expected error for unsupported scenario")
	}
}

func TestReportOverallStatus(t *testing.T) {
	cases := []struct {
		name    string
		summary eval.Summary
		want    string
	}{
		{
			name:    "clean pass",
			summary: eval.Summary{TotalTests: 4, ScorableTests: 3, Matches: 3},
			want:    "pass",
		},
		{
			name:    "mismatch warns",
			summary: eval.Summary{TotalTests: 4, ScorableTests: 3, Matches: 2},
			want:    "warn",
		},
		{
			name:    "partial transport failure warns",
			summary: eval.Summary{TotalTests: 4, ScorableTests: 3, Matches: 3, TransportFailures: 1},
			want:    "warn",
		},
		{
			name:    "everything failed",
			summary: eval.Summary{TotalTests: 4, TransportFailures: 4},
			want:    "fail",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := reportOverallStatus(eval.Report{Summary: tc.summary})
			if got != tc.want {
				t.Fatalf("reportOverallStatus = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestBuildDryRunReportIsCleanPass(t *testing.T) {
	catalog, err := eval.LoadCatalog("")
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	report := buildDryRunReport(RunRequest{Endpoint: "http://localhost:8000"}, catalog)
	if report.Summary.TotalTests != len(catalog.Cases) {
		t.Fatalf("dry run covered %d of %d cases", report.Summary.TotalTests, len(catalog.Cases))
	}
	if report.Summary.OverallAccuracyPct != 100 {
		t.Fatalf("simulated target should match every expectation, got %.1f%%", report.Summary.OverallAccuracyPct)
	}
	if report.Summary.TransportFailures != 0 {
		t.Fatalf("dry run must not report transport failures")
	}
	if got := reportOverallStatus(report); got != "pass" {
		t.Fatalf("dry run status = %s, want pass", got)
	}
}

func TestIPRateLimiter(t *testing.T) {
	limiter := newIPRateLimiter(2)
	if !limiter.Allow("ip-1") || !limiter.Allow("ip-1") {
		t.Fatalf("first two requests should pass")
	}
	if limiter.Allow("ip-1") {
		t.Fatalf("third request within a minute should be rejected")
	}
	if !limiter.Allow("ip-2") {
		t.Fatalf("independent key should not be affected")
	}
}

func TestKeyPoolAcquireCommit(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Target.Keys = []TargetKeyConfig{
		{Label: "primary", APIKey: "k1", RPM: 10, DailyRequestLimit: 100},
		{Label: "overflow", APIKey: "k2", RPM: 10, DailyRequestLimit: 5},
	}
	pool := NewKeyPool(cfg)
	if pool.Empty() {
		t.Fatalf("pool should carry two keys")
	}
	lease, err := pool.Acquire(10)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if lease.Label != "primary" {
		t.Fatalf("expected key with most headroom, got %s", lease.Label)
	}
	pool.Commit(lease, KeyUsageRecord{RunID: "r1", KeyLabel: lease.Label, Requests: 96})
	// primary now has 4 left, overflow still has 5
	lease2, err := pool.Acquire(5)
	if err != nil {
		t.Fatalf("Acquire after commit: %v", err)
	}
	if lease2.Label != "overflow" {
		t.Fatalf("expected overflow key, got %s", lease2.Label)
	}
	pool.Reject(lease2)
	if _, err := pool.Acquire(200); err == nil {
		t.Fatalf("expected quota error when no key can absorb the run")
	}
}

func TestKeyPoolSkipsBlankKeys(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Target.Keys = []TargetKeyConfig{{Label: "empty", APIKey: "  "}}
	pool := NewKeyPool(cfg)
	if !pool.Empty() {
		t.Fatalf("blank keys must be dropped at construction")
	}
}

func TestSafetyFromReport(t *testing.T) {
	report := eval.Report{
		Summary: eval.Summary{
			OverallAccuracyPct: 80,
			TransportFailures:  1,
			ManualReview:       2,
			CriticalFailures:   []string{"med-1"},
		},
		Categories: []eval.CategorySummary{
			{Category: eval.CategoryUnsafeMedicalAdvice, Flagged: true},
			{Category: eval.CategorySafeHealthcare},
		},
	}
	safety := safetyFromReport(report)
	if safety.OverallAccuracyPct != 80 || safety.TransportFailures != 1 || safety.ManualReview != 2 {
		t.Fatalf("unexpected snapshot: %+v", safety)
	}
	if safety.CriticalFailures != 1 {
		t.Fatalf("expected 1 critical failure, got %d", safety.CriticalFailures)
	}
	if len(safety.FlaggedCategories) != 1 || safety.FlaggedCategories[0] != string(eval.CategoryUnsafeMedicalAdvice) {
		t.Fatalf("unexpected flagged categories: %v", safety.FlaggedCategories)
	}
}
