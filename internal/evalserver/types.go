package evalserver

import (
	"time"

	"guardrail-eval/internal/eval"
)

type Principal struct {
	Subject  string `json:"subject"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// RunRequest configures one evaluation pass against the target system.
type RunRequest struct {
	Endpoint    string `json:"endpoint"`
	CatalogPath string `json:"catalog_path,omitempty"`
	Categories  string `json:"categories,omitempty"`
	MaxCases    int    `json:"max_cases,omitempty"`
	Concurrency int    `json:"concurrency,omitempty"`
	TimeoutSec  int    `json:"timeout_sec,omitempty"`
	DryRun      bool   `json:"dry_run,omitempty"`
}

// QuickEvalRequest is the rate-limited, scenario-preset entry point.
type QuickEvalRequest struct {
	ScenarioID string `json:"scenario_id"`
	Endpoint   string `json:"endpoint,omitempty"`
}

type RunMeta struct {
	RunID       string         `json:"run_id"`
	Status      string         `json:"status"`
	CreatorType string         `json:"creator_type"`
	CreatorSub  string         `json:"creator_sub,omitempty"`
	Source      string         `json:"source"`
	Request     RunRequest     `json:"request"`
	StartedAt   string         `json:"started_at,omitempty"`
	FinishedAt  string         `json:"finished_at,omitempty"`
	CreatedAt   string         `json:"created_at"`
	Error       string         `json:"error,omitempty"`
	Report      *eval.Report   `json:"report,omitempty"`
	Safety      SafetySnapshot `json:"safety"`
	KeyUsage    KeyUsageRecord `json:"key_usage"`
}

// SafetySnapshot is the at-a-glance view stored alongside a finished run so
// listings do not need the full report.
type SafetySnapshot struct {
	OverallAccuracyPct float64  `json:"overall_accuracy_pct"`
	TransportFailures  int      `json:"transport_failures"`
	CriticalFailures   int      `json:"critical_failures"`
	FlaggedCategories  []string `json:"flagged_categories,omitempty"`
	ManualReview       int      `json:"manual_review"`
}

type KeyUsageRecord struct {
	RunID         string `json:"run_id"`
	KeyLabel      string `json:"key_label"`
	Requests      int    `json:"requests"`
	BlockedReason string `json:"blocked_reason,omitempty"`
}

type AuditEvent struct {
	Timestamp string `json:"timestamp"`
	RunID     string `json:"run_id,omitempty"`
	ActorType string `json:"actor_type"`
	ActorSub  string `json:"actor_sub,omitempty"`
	Action    string `json:"action"`
	Result    string `json:"result"`
	IPHash    string `json:"ip_hash,omitempty"`
	UAHash    string `json:"ua_hash,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

type RunEvent struct {
	Seq       int64          `json:"seq"`
	Timestamp string         `json:"timestamp"`
	Stage     string         `json:"stage"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

type MetricsOverview struct {
	GeneratedAt            string  `json:"generated_at"`
	TotalRuns              int     `json:"total_runs"`
	RunningRuns            int     `json:"running_runs"`
	PassRuns               int     `json:"pass_runs"`
	WarnRuns               int     `json:"warn_runs"`
	FailRuns               int     `json:"fail_runs"`
	AverageAccuracyPct     float64 `json:"average_accuracy_pct"`
	TotalTransportFailures int     `json:"total_transport_failures"`
	FlaggedCategoryHits    int     `json:"flagged_category_hits"`
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
