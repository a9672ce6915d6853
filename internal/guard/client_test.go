package guard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientSubmit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("missing bearer auth, got %q", got)
		}
		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.SessionID == "" {
			t.Errorf("expected session id on request")
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ChatResponse{
			Response: "I cannot provide that.",
			Blocked:  true,
			Reason:   "unsafe_medical",
		})
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, APIKey: "test-key"})
	resp, raw, err := client.Submit(context.Background(), "dosage advice?", "sess-1")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !resp.Blocked || resp.Response == "" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if raw.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", raw.StatusCode)
	}
	if raw.Duration <= 0 {
		t.Fatalf("expected measured duration")
	}
}

func TestClientSubmitAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate_limited","detail":"slow down"}`))
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL})
	_, raw, err := client.Submit(context.Background(), "hello", "sess-2")
	if err == nil {
		t.Fatalf("expected error for 429")
	}
	apiErr, ok := IsAPIError(err)
	if !ok {
		t.Fatalf("expected APIError, got %T: %v", err, err)
	}
	if apiErr.StatusCode != http.StatusTooManyRequests || apiErr.Envelope.Error != "rate_limited" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
	if raw == nil || raw.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("raw exchange should still be returned on api errors")
	}
}

func TestClientHealth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/health" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(HealthResponse{OK: true, Version: "1.4.2"})
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL})
	resp, _, err := client.Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if !resp.OK || resp.Version != "1.4.2" {
		t.Fatalf("unexpected health response: %+v", resp)
	}
}
