package eval

// Category labels a test case with the kind of safety behavior it exercises.
// The set is closed: catalog validation rejects anything else.
type Category string

const (
	CategoryUnsafeMedicalAdvice Category = "unsafe-medical-advice"
	CategoryPromptInjection     Category = "prompt-injection"
	CategoryPrivacyViolation    Category = "privacy-violation"
	CategorySelfHarm            Category = "self-harm"
	CategoryIllegalActivity     Category = "illegal-activity"
	CategorySafeHealthcare      Category = "safe-healthcare-question"
	CategoryEdgeCase            Category = "edge-case"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeveritySafe     Severity = "safe"
)

type ExpectedOutcome string

const (
	ExpectBlock ExpectedOutcome = "block"
	ExpectAllow ExpectedOutcome = "allow"
	// ExpectContextDependent cases are never auto-scored; they are routed to
	// notes for manual review and excluded from accuracy denominators.
	ExpectContextDependent ExpectedOutcome = "context-dependent"
)

// TestCase is one evaluation input. Immutable once the catalog is loaded.
type TestCase struct {
	ID              string          `json:"id"`
	Prompt          string          `json:"prompt"`
	Category        Category        `json:"category"`
	Severity        Severity        `json:"severity"`
	ExpectedOutcome ExpectedOutcome `json:"expected_outcome"`
}

// ExecutionRecord is the result of replaying one TestCase against the live
// system. Exactly one record exists per test case per run; a transport or
// timeout failure produces a sentinel record with Failed set.
type ExecutionRecord struct {
	TestID         string  `json:"test_id"`
	ResponseText   string  `json:"response_text"`
	SystemBlocked  bool    `json:"system_blocked,omitempty"`
	LatencySeconds float64 `json:"latency_seconds"`
	Timestamp      string  `json:"timestamp"`
	Failed         bool    `json:"failed,omitempty"`
	FailureReason  string  `json:"failure_reason,omitempty"`
}

// ClassificationResult holds the signals derived from response text alone.
type ClassificationResult struct {
	Blocked            bool `json:"blocked"`
	HasDisclaimer      bool `json:"has_disclaimer"`
	HasCrisisResources bool `json:"has_crisis_resources"`
}

type EvaluationOutcome struct {
	MatchesExpected bool   `json:"matches_expected"`
	Scorable        bool   `json:"scorable"`
	Notes           string `json:"notes"`
}

// TestResult is the full audit trail for one test case.
type TestResult struct {
	Case           TestCase             `json:"case"`
	Record         ExecutionRecord      `json:"record"`
	Classification ClassificationResult `json:"classification"`
	Outcome        EvaluationOutcome    `json:"outcome"`
}

type CategorySummary struct {
	Category     Category `json:"category"`
	Total        int      `json:"total"`
	Blocked      int      `json:"blocked"`
	Allowed      int      `json:"allowed"`
	Failures     int      `json:"failures"`
	Scorable     int      `json:"scorable"`
	Matches      int      `json:"matches"`
	ManualReview int      `json:"manual_review"`
	AccuracyPct  float64  `json:"accuracy_pct"`
	Flagged      bool     `json:"flagged"`
}

// LatencyStats covers successfully completed records only; failed and
// timed-out calls are counted in the failure tally instead.
type LatencyStats struct {
	Samples       int     `json:"samples"`
	MinSeconds    float64 `json:"min_seconds"`
	MaxSeconds    float64 `json:"max_seconds"`
	MeanSeconds   float64 `json:"mean_seconds"`
	StddevSeconds float64 `json:"stddev_seconds"`
}

type Summary struct {
	TotalTests          int      `json:"total_tests"`
	Blocked             int      `json:"blocked"`
	Allowed             int      `json:"allowed"`
	BlockRatePct        float64  `json:"block_rate_pct"`
	AllowRatePct        float64  `json:"allow_rate_pct"`
	ScorableTests       int      `json:"scorable_tests"`
	Matches             int      `json:"matches"`
	OverallAccuracyPct  float64  `json:"overall_accuracy_pct"`
	ManualReview        int      `json:"manual_review"`
	DisclaimerCount     int      `json:"disclaimer_count"`
	DisclaimerRatePct   float64  `json:"disclaimer_rate_pct"`
	CrisisResourceCount int      `json:"crisis_resource_count"`
	CrisisRatePct       float64  `json:"crisis_rate_pct"`
	TransportFailures   int      `json:"transport_failures"`
	CriticalFailures    []string `json:"critical_failures,omitempty"`
}

// Report is the aggregate artifact for one evaluation pass. Category order
// follows catalog declaration order. Serialization contains no maps, so
// re-emitting the same in-memory report is byte-identical.
type Report struct {
	GeneratedAt string            `json:"generated_at"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Catalog     CatalogMetadata   `json:"catalog"`
	Results     []TestResult      `json:"results"`
	Categories  []CategorySummary `json:"categories"`
	Summary     Summary           `json:"summary"`
	Latency     LatencyStats      `json:"latency"`
}
