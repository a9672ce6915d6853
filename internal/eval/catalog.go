package eval

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	catalogSchemaVersion = "1.0"
	embeddedCatalogRef   = "embedded:internal/eval/catalog.json"
)

//go:embed catalog.json
var catalogJSON []byte

type CatalogMetadata struct {
	Version   string `json:"version"`
	Name      string `json:"name"`
	Source    string `json:"source"`
	CreatedAt string `json:"created_at"`
	Path      string `json:"path"`
	CaseCount int    `json:"case_count"`
}

// Catalog is the ordered collection of test cases for one evaluation pass.
// Declaration order is part of the report contract and is never re-sorted.
type Catalog struct {
	Metadata CatalogMetadata
	Cases    []TestCase
}

type catalogEnvelope struct {
	Version   string     `json:"version,omitempty"`
	Name      string     `json:"name,omitempty"`
	Source    string     `json:"source,omitempty"`
	CreatedAt string     `json:"created_at,omitempty"`
	Cases     []TestCase `json:"cases"`
}

// CatalogError marks a malformed or missing catalog. Fatal: the harness
// aborts before any execution.
type CatalogError struct {
	Path string
	Err  error
}

func (e *CatalogError) Error() string {
	return fmt.Sprintf("catalog %s: %v", e.Path, e.Err)
}

func (e *CatalogError) Unwrap() error {
	return e.Err
}

// LoadCatalog reads the test catalog from path, or the embedded default
// catalog when path is empty.
func LoadCatalog(path string) (Catalog, error) {
	metadata := CatalogMetadata{Path: embeddedCatalogRef}
	data := catalogJSON
	requestedPath := strings.TrimSpace(path)
	if requestedPath != "" {
		cleanPath := filepath.Clean(requestedPath)
		loaded, err := os.ReadFile(cleanPath)
		if err != nil {
			return Catalog{}, &CatalogError{Path: cleanPath, Err: err}
		}
		data = loaded
		metadata.Path = cleanPath
	}
	catalog, err := parseCatalog(data, metadata)
	if err != nil {
		return Catalog{}, &CatalogError{Path: metadata.Path, Err: err}
	}
	return catalog, nil
}

func parseCatalog(data []byte, metadata CatalogMetadata) (Catalog, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Catalog{}, fmt.Errorf("catalog is empty")
	}

	var envelope catalogEnvelope
	if trimmed[0] == '[' {
		// Legacy bare-array form.
		if err := json.Unmarshal(trimmed, &envelope.Cases); err != nil {
			return Catalog{}, fmt.Errorf("parse legacy catalog array: %w", err)
		}
	} else {
		if err := json.Unmarshal(trimmed, &envelope); err != nil {
			return Catalog{}, fmt.Errorf("parse catalog envelope: %w", err)
		}
	}

	cases, err := sanitizeCases(envelope.Cases)
	if err != nil {
		return Catalog{}, err
	}

	metadata.Version = firstNonEmpty(strings.TrimSpace(envelope.Version), catalogSchemaVersion)
	metadata.Name = firstNonEmpty(strings.TrimSpace(envelope.Name), defaultCatalogName(metadata.Path))
	metadata.Source = firstNonEmpty(strings.TrimSpace(envelope.Source), metadata.Path)
	metadata.CreatedAt = firstNonEmpty(strings.TrimSpace(envelope.CreatedAt), time.Now().UTC().Format(time.RFC3339))
	metadata.CaseCount = len(cases)
	return Catalog{Metadata: metadata, Cases: cases}, nil
}

func sanitizeCases(items []TestCase) ([]TestCase, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("catalog has no test cases")
	}
	seen := make(map[string]bool, len(items))
	clean := make([]TestCase, 0, len(items))
	for i, item := range items {
		item.ID = strings.TrimSpace(strings.ToLower(item.ID))
		item.Prompt = strings.TrimSpace(item.Prompt)
		item.Category = Category(strings.TrimSpace(strings.ToLower(string(item.Category))))
		item.Severity = Severity(strings.TrimSpace(strings.ToLower(string(item.Severity))))
		item.ExpectedOutcome = ExpectedOutcome(strings.TrimSpace(strings.ToLower(string(item.ExpectedOutcome))))
		if item.ID == "" {
			return nil, fmt.Errorf("case %d: missing id", i)
		}
		if seen[item.ID] {
			return nil, fmt.Errorf("case %d: duplicate id %q", i, item.ID)
		}
		seen[item.ID] = true
		if item.Prompt == "" {
			return nil, fmt.Errorf("case %q: missing prompt", item.ID)
		}
		if !validCategory(item.Category) {
			return nil, fmt.Errorf("case %q: unknown category %q", item.ID, item.Category)
		}
		if !validSeverity(item.Severity) {
			return nil, fmt.Errorf("case %q: unknown severity %q", item.ID, item.Severity)
		}
		if !validExpectedOutcome(item.ExpectedOutcome) {
			return nil, fmt.Errorf("case %q: unknown expected_outcome %q", item.ID, item.ExpectedOutcome)
		}
		clean = append(clean, item)
	}
	return clean, nil
}

func validCategory(c Category) bool {
	switch c {
	case CategoryUnsafeMedicalAdvice, CategoryPromptInjection, CategoryPrivacyViolation,
		CategorySelfHarm, CategoryIllegalActivity, CategorySafeHealthcare, CategoryEdgeCase:
		return true
	}
	return false
}

func validSeverity(s Severity) bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeveritySafe:
		return true
	}
	return false
}

func validExpectedOutcome(o ExpectedOutcome) bool {
	switch o {
	case ExpectBlock, ExpectAllow, ExpectContextDependent:
		return true
	}
	return false
}

// FilterCategories narrows the catalog to the named categories. An empty or
// "all" selection keeps everything. Declaration order is preserved.
func FilterCategories(catalog Catalog, selection string) (Catalog, error) {
	filter := parseCategoryFilter(selection)
	if filter["all"] {
		return catalog, nil
	}
	kept := make([]TestCase, 0, len(catalog.Cases))
	for _, item := range catalog.Cases {
		if filter[string(item.Category)] {
			kept = append(kept, item)
		}
	}
	if len(kept) == 0 {
		return Catalog{}, fmt.Errorf("no test cases matched category filter %q", selection)
	}
	out := catalog
	out.Cases = kept
	out.Metadata.CaseCount = len(kept)
	return out, nil
}

// LimitCases truncates the catalog to its first max cases.
func LimitCases(catalog Catalog, max int) Catalog {
	if max <= 0 || len(catalog.Cases) <= max {
		return catalog
	}
	out := catalog
	out.Cases = catalog.Cases[:max]
	out.Metadata.CaseCount = max
	return out
}

func parseCategoryFilter(raw string) map[string]bool {
	value := strings.TrimSpace(strings.ToLower(raw))
	if value == "" || value == "all" {
		return map[string]bool{"all": true}
	}
	out := map[string]bool{}
	for _, item := range strings.Split(value, ",") {
		name := strings.TrimSpace(item)
		if name == "" {
			continue
		}
		out[name] = true
	}
	if len(out) == 0 {
		return map[string]bool{"all": true}
	}
	return out
}

func defaultCatalogName(path string) string {
	if strings.HasPrefix(path, "embedded:") {
		return "embedded-default"
	}
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	name := strings.TrimSpace(strings.TrimSuffix(base, ext))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "test-catalog"
	}
	return strings.ToLower(name)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
