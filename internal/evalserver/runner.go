package evalserver

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"guardrail-eval/internal/eval"
	"guardrail-eval/internal/guard"
)

// RunManager executes queued evaluation runs on a bounded worker pool.
type RunManager struct {
	cfg        ServerConfig
	store      Store
	keys       *KeyPool
	obs        *Observability
	queue      chan queuedRun
	wg         sync.WaitGroup
	quickLimit *ipRateLimiter
}

type RunnerService interface {
	CreateAdminRun(request RunRequest, principal Principal, source string) (RunMeta, error)
	CreateQuickEval(request QuickEvalRequest, ipHash, uaHash string) (RunMeta, error)
}

type queuedRun struct {
	RunID       string
	Request     RunRequest
	Creator     Principal
	CreatorType string
	Source      string
}

func NewRunManager(cfg ServerConfig, store Store, keys *KeyPool, obs *Observability) *RunManager {
	maxParallel := cfg.Runs.MaxParallelRuns
	if maxParallel <= 0 {
		maxParallel = 2
	}
	manager := &RunManager{
		cfg:        cfg,
		store:      store,
		keys:       keys,
		obs:        obs,
		queue:      make(chan queuedRun, maxParallel*8),
		quickLimit: newIPRateLimiter(cfg.Runs.QuickEvalRPM),
	}
	for i := 0; i < maxParallel; i++ {
		manager.wg.Add(1)
		go func() {
			defer manager.wg.Done()
			manager.worker()
		}()
	}
	return manager
}

func (m *RunManager) Shutdown() {
	close(m.queue)
	m.wg.Wait()
}

func (m *RunManager) CreateAdminRun(request RunRequest, principal Principal, source string) (RunMeta, error) {
	if strings.TrimSpace(request.Endpoint) == "" {
		request.Endpoint = m.cfg.Target.BaseURL
	}
	if request.TimeoutSec <= 0 {
		request.TimeoutSec = m.cfg.Runs.DefaultTimeoutSec
	}
	if request.Concurrency <= 0 {
		request.Concurrency = m.cfg.Runs.DefaultConcurrency
	}
	runID, err := randomID("run")
	if err != nil {
		return RunMeta{}, err
	}
	meta := RunMeta{
		RunID:       runID,
		Status:      "queued",
		Source:      source,
		CreatorType: "admin",
		CreatorSub:  principal.Subject,
		Request:     request,
		CreatedAt:   nowRFC3339(),
	}
	if err := m.store.CreateRun(meta); err != nil {
		return RunMeta{}, err
	}
	_, _ = m.store.AppendRunEvent(runID, "queue", "run queued", map[string]any{
		"source": source,
	})
	_ = m.store.AppendAudit(AuditEvent{
		Timestamp: nowRFC3339(),
		RunID:     runID,
		ActorType: "admin",
		ActorSub:  principal.Subject,
		Action:    "run.create",
		Result:    "queued",
	})
	m.queue <- queuedRun{
		RunID:       runID,
		Request:     request,
		Creator:     principal,
		CreatorType: "admin",
		Source:      source,
	}
	return meta, nil
}

func (m *RunManager) CreateQuickEval(request QuickEvalRequest, ipHash, uaHash string) (RunMeta, error) {
	if !m.quickLimit.Allow(ipHash) {
		if m.obs != nil {
			m.obs.MarkKeyPoolBlocked(context.Background(), "quick_eval_rate_limit")
		}
		_ = m.store.AppendAudit(AuditEvent{
			Timestamp: nowRFC3339(),
			ActorType: "user",
			Action:    "quick_eval.reject",
			Result:    "rate_limited",
			IPHash:    ipHash,
			UAHash:    uaHash,
		})
		return RunMeta{}, errors.New("quick eval rate limit reached")
	}
	runRequest, err := scenarioToRunRequest(request, m.cfg)
	if err != nil {
		return RunMeta{}, err
	}
	runID, err := randomID("run")
	if err != nil {
		return RunMeta{}, err
	}
	meta := RunMeta{
		RunID:       runID,
		Status:      "queued",
		Source:      "user.quick_eval",
		CreatorType: "user",
		Request:     runRequest,
		CreatedAt:   nowRFC3339(),
	}
	if err := m.store.CreateRun(meta); err != nil {
		return RunMeta{}, err
	}
	_, _ = m.store.AppendRunEvent(runID, "queue", "quick eval queued", map[string]any{
		"scenario_id": request.ScenarioID,
	})
	_ = m.store.AppendAudit(AuditEvent{
		Timestamp: nowRFC3339(),
		RunID:     runID,
		ActorType: "user",
		Action:    "quick_eval.create",
		Result:    "queued",
		IPHash:    ipHash,
		UAHash:    uaHash,
		Detail:    request.ScenarioID,
	})
	m.queue <- queuedRun{
		RunID:       runID,
		Request:     runRequest,
		CreatorType: "user",
		Source:      "user.quick_eval",
	}
	return meta, nil
}

func (m *RunManager) worker() {
	for queued := range m.queue {
		m.executeRun(queued)
	}
}

func (m *RunManager) executeRun(queued queuedRun) {
	startedAt := nowRFC3339()
	_, _ = m.store.UpdateRun(queued.RunID, func(meta *RunMeta) {
		meta.Status = "running"
		meta.StartedAt = startedAt
	})
	_, _ = m.store.AppendRunEvent(queued.RunID, "start", "run started", nil)

	catalog, err := m.loadCatalog(queued.Request)
	if err != nil {
		m.failRun(queued, "catalog unavailable: "+err.Error(), "")
		return
	}

	if queued.Request.DryRun {
		report := buildDryRunReport(queued.Request, catalog)
		m.finishRun(queued, report, KeyUsageRecord{RunID: queued.RunID, KeyLabel: "dry-run"})
		return
	}

	var lease KeyLease
	haveLease := false
	if m.keys != nil && !m.keys.Empty() {
		lease, err = m.keys.Acquire(len(catalog.Cases))
		if err != nil {
			if m.obs != nil {
				m.obs.MarkKeyPoolBlocked(context.Background(), "key_unavailable")
			}
			m.failRun(queued, "target key unavailable: "+err.Error(), "target_key_unavailable")
			return
		}
		haveLease = true
	}

	// bound the whole run, not just single submissions
	runBudget := time.Duration(queued.Request.TimeoutSec) * time.Second * time.Duration(len(catalog.Cases)+1)
	ctx, cancel := context.WithTimeout(context.Background(), runBudget)
	defer cancel()

	client := guard.NewClient(guard.Config{
		BaseURL: queued.Request.Endpoint,
		APIKey:  lease.APIKey,
		Timeout: time.Duration(queued.Request.TimeoutSec) * time.Second,
	})
	driver := eval.NewDriver(eval.NewChatSubmitter(client), eval.DriverConfig{
		Timeout:     time.Duration(queued.Request.TimeoutSec) * time.Second,
		Concurrency: queued.Request.Concurrency,
		OnEvent: func(event eval.Event) {
			_, _ = m.store.AppendRunEvent(queued.RunID, string(event.Stage), event.Message, map[string]any{
				"test_id":  event.TestID,
				"category": string(event.Category),
			})
			if m.obs != nil && event.Stage == eval.StageTestResult {
				m.obs.MarkTestLatency(ctx, string(event.Category), int64(event.LatencySeconds*1000))
			}
		},
	})
	records := driver.Run(ctx, catalog)

	usage := KeyUsageRecord{
		RunID:    queued.RunID,
		KeyLabel: lease.Label,
		Requests: len(records),
	}
	if haveLease {
		m.keys.Commit(lease, usage)
	}

	report, err := eval.Score(catalog, records, eval.NewClassifier(eval.DefaultSignatures()))
	if err != nil {
		m.failRun(queued, "aggregation failed: "+err.Error(), "")
		return
	}
	report.Endpoint = queued.Request.Endpoint
	m.finishRun(queued, report, usage)
}

func (m *RunManager) loadCatalog(request RunRequest) (eval.Catalog, error) {
	path := strings.TrimSpace(request.CatalogPath)
	if path == "" {
		path = m.cfg.Target.CatalogPath
	}
	catalog, err := eval.LoadCatalog(path)
	if err != nil {
		return eval.Catalog{}, err
	}
	catalog, err = eval.FilterCategories(catalog, request.Categories)
	if err != nil {
		return eval.Catalog{}, err
	}
	return eval.LimitCases(catalog, request.MaxCases), nil
}

func (m *RunManager) failRun(queued queuedRun, message, blockedReason string) {
	_, _ = m.store.UpdateRun(queued.RunID, func(meta *RunMeta) {
		meta.Status = "fail"
		meta.Error = message
		meta.FinishedAt = nowRFC3339()
		if blockedReason != "" {
			meta.KeyUsage = KeyUsageRecord{RunID: queued.RunID, BlockedReason: blockedReason}
		}
	})
	_, _ = m.store.AppendRunEvent(queued.RunID, "error", message, nil)
	if m.obs != nil {
		m.obs.MarkRun(context.Background(), "fail")
	}
}

func (m *RunManager) finishRun(queued queuedRun, report eval.Report, usage KeyUsageRecord) {
	status := reportOverallStatus(report)
	safety := safetyFromReport(report)
	_, _ = m.store.UpdateRun(queued.RunID, func(meta *RunMeta) {
		meta.Status = status
		meta.FinishedAt = nowRFC3339()
		meta.Report = &report
		meta.KeyUsage = usage
		meta.Safety = safety
		if status == "fail" {
			meta.Error = "every submission failed; system under test unreachable"
		}
	})
	_, _ = m.store.AppendRunEvent(queued.RunID, "completed", "run completed", map[string]any{
		"status":             status,
		"accuracy_pct":       report.Summary.OverallAccuracyPct,
		"transport_failures": report.Summary.TransportFailures,
	})
	_ = m.store.AppendAudit(AuditEvent{
		Timestamp: nowRFC3339(),
		RunID:     queued.RunID,
		ActorType: queued.CreatorType,
		ActorSub:  queued.Creator.Subject,
		Action:    "run.completed",
		Result:    status,
		Detail:    strings.Join(safety.FlaggedCategories, ","),
	})
	ctx := context.Background()
	if m.obs != nil {
		m.obs.MarkRun(ctx, status)
		m.obs.MarkTransportFailures(ctx, report.Summary.TransportFailures)
		for _, category := range report.FlaggedCategories() {
			m.obs.MarkFlaggedCategory(ctx, string(category))
		}
	}
}

// reportOverallStatus folds a finished report into the run status shown in
// listings. fail means nothing was evaluated at all; safety mismatches and
// partial transport failures surface as warn so the report gets reviewed.
func reportOverallStatus(report eval.Report) string {
	s := report.Summary
	if s.TotalTests > 0 && s.TransportFailures == s.TotalTests {
		return "fail"
	}
	if report.Mismatches() > 0 || s.TransportFailures > 0 || len(s.CriticalFailures) > 0 {
		return "warn"
	}
	return "pass"
}

func safetyFromReport(report eval.Report) SafetySnapshot {
	out := SafetySnapshot{
		OverallAccuracyPct: report.Summary.OverallAccuracyPct,
		TransportFailures:  report.Summary.TransportFailures,
		CriticalFailures:   len(report.Summary.CriticalFailures),
		ManualReview:       report.Summary.ManualReview,
	}
	for _, category := range report.FlaggedCategories() {
		out.FlaggedCategories = append(out.FlaggedCategories, string(category))
	}
	return out
}

func scenarioToRunRequest(input QuickEvalRequest, cfg ServerConfig) (RunRequest, error) {
	scenario := strings.ToLower(strings.TrimSpace(input.ScenarioID))
	endpoint := strings.TrimSpace(input.Endpoint)
	if endpoint == "" {
		endpoint = cfg.Target.BaseURL
	}
	base := RunRequest{
		Endpoint:    endpoint,
		CatalogPath: cfg.Target.CatalogPath,
		TimeoutSec:  cfg.Runs.DefaultTimeoutSec,
		Concurrency: cfg.Runs.DefaultConcurrency,
	}
	switch scenario {
	case "full-safety-sweep":
		// every category, full catalog
	case "injection-screen":
		base.Categories = "prompt-injection,privacy-violation"
	case "crisis-handling":
		base.Categories = "self-harm,edge-case"
	default:
		return RunRequest{}, errors.New("unsupported scenario_id")
	}
	return base, nil
}

// buildDryRunReport scores the catalog against a simulated target that
// blocks exactly what each case expects. Useful for checking catalog and
// report plumbing without touching a live system.
func buildDryRunReport(request RunRequest, catalog eval.Catalog) eval.Report {
	records := make([]eval.ExecutionRecord, 0, len(catalog.Cases))
	for _, testCase := range catalog.Cases {
		record := eval.ExecutionRecord{
			TestID:         testCase.ID,
			LatencySeconds: 0.02,
			Timestamp:      nowRFC3339(),
		}
		switch testCase.ExpectedOutcome {
		case eval.ExpectAllow:
			record.ResponseText = "Simulated answer. This is for educational purposes only; always consult a qualified professional."
		default:
			record.SystemBlocked = true
			record.ResponseText = "I cannot provide that. Please consult a healthcare provider. If you are in crisis, call 988."
		}
		records = append(records, record)
	}
	report, err := eval.Score(catalog, records, eval.NewClassifier(eval.DefaultSignatures()))
	if err != nil {
		return eval.Report{GeneratedAt: nowRFC3339(), Endpoint: request.Endpoint}
	}
	report.Endpoint = request.Endpoint
	return report
}

func randomID(prefix string) (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return prefix + "_" + hex.EncodeToString(b), nil
}

type ipRateLimiter struct {
	mu      sync.Mutex
	rpm     int
	records map[string][]time.Time
}

func newIPRateLimiter(rpm int) *ipRateLimiter {
	if rpm <= 0 {
		rpm = 6
	}
	return &ipRateLimiter{
		rpm:     rpm,
		records: map[string][]time.Time{},
	}
}

func (l *ipRateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if strings.TrimSpace(key) == "" {
		key = "unknown"
	}
	now := time.Now()
	cutoff := now.Add(-1 * time.Minute)
	items := l.records[key]
	items = filterRecentTime(items, cutoff)
	if len(items) >= l.rpm {
		l.records[key] = items
		return false
	}
	items = append(items, now)
	l.records[key] = items
	return true
}

func hashString(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])[:16]
}
