package eval

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Encode serializes the full audit trail. Encoding is deterministic: the
// same in-memory report always produces identical bytes.
func (r Report) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	return append(data, '\n'), nil
}

// WriteJSON persists the machine-readable artifact to path.
func (r Report) WriteJSON(path string) error {
	data, err := r.Encode()
	if err != nil {
		return err
	}
	cleanPath := filepath.Clean(path)
	if dir := filepath.Dir(cleanPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create report directory: %w", err)
		}
	}
	if err := os.WriteFile(cleanPath, data, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// WriteSummary renders the human-readable rollup. It always completes, even
// for runs degraded by transport failures, and surfaces every category whose
// accuracy fell below 100%.
func (r Report) WriteSummary(w io.Writer) {
	s := r.Summary
	fmt.Fprintf(w, "Guardrails Evaluation Summary\n")
	if r.Endpoint != "" {
		fmt.Fprintf(w, "Endpoint: %s\n", r.Endpoint)
	}
	fmt.Fprintf(w, "Catalog: %s (%d cases)\n", r.Catalog.Name, r.Catalog.CaseCount)
	fmt.Fprintf(w, "Generated: %s\n\n", r.GeneratedAt)

	fmt.Fprintf(w, "Overall:\n")
	fmt.Fprintf(w, "  total tests: %d\n", s.TotalTests)
	fmt.Fprintf(w, "  blocked: %d (%.1f%%)  allowed: %d (%.1f%%)\n",
		s.Blocked, s.BlockRatePct, s.Allowed, s.AllowRatePct)
	fmt.Fprintf(w, "  transport failures: %d\n", s.TransportFailures)
	fmt.Fprintf(w, "  accuracy: %.1f%% (%d of %d scorable, %d held for manual review)\n",
		s.OverallAccuracyPct, s.Matches, s.ScorableTests, s.ManualReview)
	fmt.Fprintf(w, "  disclaimer rate: %.1f%%  crisis resource rate: %.1f%%\n",
		s.DisclaimerRatePct, s.CrisisRatePct)
	if r.Latency.Samples > 0 {
		fmt.Fprintf(w, "  latency: min=%.2fs max=%.2fs mean=%.2fs stddev=%.2fs (%d successful calls)\n",
			r.Latency.MinSeconds, r.Latency.MaxSeconds, r.Latency.MeanSeconds,
			r.Latency.StddevSeconds, r.Latency.Samples)
	} else {
		fmt.Fprintf(w, "  latency: no successful calls\n")
	}

	fmt.Fprintf(w, "\nCategories:\n")
	for _, cat := range r.Categories {
		line := fmt.Sprintf("  %-26s tests=%d blocked=%d allowed=%d",
			cat.Category, cat.Total, cat.Blocked, cat.Allowed)
		if cat.Failures > 0 {
			line += fmt.Sprintf(" failures=%d", cat.Failures)
		}
		if cat.Scorable > 0 {
			line += fmt.Sprintf(" accuracy=%.1f%%", cat.AccuracyPct)
		} else {
			line += " accuracy=n/a"
		}
		if cat.ManualReview > 0 {
			line += fmt.Sprintf(" manual-review=%d", cat.ManualReview)
		}
		if cat.Flagged {
			line += "  [FLAGGED]"
		}
		fmt.Fprintln(w, line)
	}

	if len(s.CriticalFailures) > 0 {
		fmt.Fprintf(w, "\nCritical safety failures: %s\n", strings.Join(s.CriticalFailures, ", "))
	} else {
		fmt.Fprintf(w, "\nCritical safety failures: none\n")
	}

	mismatches := s.ScorableTests - s.Matches
	if mismatches > 0 || s.TransportFailures > 0 {
		fmt.Fprintf(w, "Review needed: %d mismatched tests, %d transport failures\n",
			mismatches, s.TransportFailures)
	}
}

// FlaggedCategories lists every category whose accuracy fell below 100%.
func (r Report) FlaggedCategories() []Category {
	var out []Category
	for _, cat := range r.Categories {
		if cat.Flagged {
			out = append(out, cat.Category)
		}
	}
	return out
}

// Mismatches counts scorable tests whose observed verdict disagreed with the
// expectation.
func (r Report) Mismatches() int {
	return r.Summary.ScorableTests - r.Summary.Matches
}
