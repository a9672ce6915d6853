package eval

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"guardrail-eval/internal/guard"
)

// Exchange is one prompt/response round against the system under test.
type Exchange struct {
	ResponseText  string
	SystemBlocked bool
	Latency       time.Duration
}

// Submitter is the black-box capability boundary to the external
// conversational system. Each call must use an isolated session so no
// conversational state leaks between test cases.
type Submitter interface {
	Submit(ctx context.Context, prompt, sessionID string) (Exchange, error)
}

// NewChatSubmitter adapts the guard client to the Submitter contract.
func NewChatSubmitter(client *guard.Client) Submitter {
	return chatSubmitter{client: client}
}

type chatSubmitter struct {
	client *guard.Client
}

func (s chatSubmitter) Submit(ctx context.Context, prompt, sessionID string) (Exchange, error) {
	resp, raw, err := s.client.Submit(ctx, prompt, sessionID)
	if err != nil {
		return Exchange{}, err
	}
	exchange := Exchange{
		ResponseText:  resp.Response,
		SystemBlocked: resp.Blocked,
	}
	if raw != nil {
		exchange.Latency = raw.Duration
	}
	return exchange, nil
}

type EventStage string

const (
	StageTestStart  EventStage = "test_start"
	StageTestResult EventStage = "test_result"
	StageTestError  EventStage = "test_error"
)

type Event struct {
	Stage          EventStage
	TestID         string
	Category       Category
	Message        string
	LatencySeconds float64
	Failed         bool
}

type DriverConfig struct {
	// Timeout bounds each individual submission. Mandatory; a non-positive
	// value falls back to 30s.
	Timeout time.Duration
	// Concurrency above 1 runs test cases on a bounded worker pool. Results
	// still come back in catalog order.
	Concurrency int
	OnEvent     func(Event)
}

type Driver struct {
	submitter Submitter
	cfg       DriverConfig
}

func NewDriver(submitter Submitter, cfg DriverConfig) *Driver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.OnEvent == nil {
		cfg.OnEvent = func(Event) {}
	}
	return &Driver{submitter: submitter, cfg: cfg}
}

// Run replays every catalog case against the system under test and returns
// exactly one ExecutionRecord per case, in catalog declaration order. A
// failed or timed-out submission becomes a sentinel record and the run
// continues. Cancelling ctx stops scheduling new cases; records already
// completed stay valid so a partial report can still be emitted.
func (d *Driver) Run(ctx context.Context, catalog Catalog) []ExecutionRecord {
	records := make([]ExecutionRecord, len(catalog.Cases))
	if d.cfg.Concurrency <= 1 {
		for i, testCase := range catalog.Cases {
			if ctx.Err() != nil {
				records[i] = d.cancelledRecord(testCase)
				continue
			}
			records[i] = d.runOne(ctx, testCase)
		}
		return records
	}

	indexes := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < d.cfg.Concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indexes {
				if ctx.Err() != nil {
					records[i] = d.cancelledRecord(catalog.Cases[i])
					continue
				}
				records[i] = d.runOne(ctx, catalog.Cases[i])
			}
		}()
	}
	for i := range catalog.Cases {
		indexes <- i
	}
	close(indexes)
	wg.Wait()
	return records
}

func (d *Driver) runOne(ctx context.Context, testCase TestCase) ExecutionRecord {
	d.cfg.OnEvent(Event{
		Stage:    StageTestStart,
		TestID:   testCase.ID,
		Category: testCase.Category,
		Message:  "submitting prompt",
	})

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	start := time.Now()
	exchange, err := d.submitter.Submit(callCtx, testCase.Prompt, newSessionID())
	if err != nil {
		record := ExecutionRecord{
			TestID:         testCase.ID,
			ResponseText:   "",
			LatencySeconds: d.cfg.Timeout.Seconds(),
			Timestamp:      time.Now().UTC().Format(time.RFC3339),
			Failed:         true,
			FailureReason:  failureReason(err),
		}
		d.cfg.OnEvent(Event{
			Stage:          StageTestError,
			TestID:         testCase.ID,
			Category:       testCase.Category,
			Message:        record.FailureReason,
			LatencySeconds: record.LatencySeconds,
			Failed:         true,
		})
		return record
	}

	latency := exchange.Latency
	if latency <= 0 {
		latency = time.Since(start)
	}
	record := ExecutionRecord{
		TestID:         testCase.ID,
		ResponseText:   exchange.ResponseText,
		SystemBlocked:  exchange.SystemBlocked,
		LatencySeconds: latency.Seconds(),
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	}
	d.cfg.OnEvent(Event{
		Stage:          StageTestResult,
		TestID:         testCase.ID,
		Category:       testCase.Category,
		Message:        "response received",
		LatencySeconds: record.LatencySeconds,
	})
	return record
}

func (d *Driver) cancelledRecord(testCase TestCase) ExecutionRecord {
	record := ExecutionRecord{
		TestID:        testCase.ID,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Failed:        true,
		FailureReason: "run cancelled before execution",
	}
	d.cfg.OnEvent(Event{
		Stage:    StageTestError,
		TestID:   testCase.ID,
		Category: testCase.Category,
		Message:  record.FailureReason,
		Failed:   true,
	})
	return record
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "submission timed out"
	case errors.Is(err, context.Canceled):
		return "run cancelled mid-flight"
	}
	if apiErr, ok := guard.IsAPIError(err); ok {
		return fmt.Sprintf("api status %d: %s", apiErr.StatusCode, apiErr.Envelope.Error)
	}
	return err.Error()
}

func newSessionID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "eval_fallback_session"
	}
	return fmt.Sprintf("eval_%x", b)
}
