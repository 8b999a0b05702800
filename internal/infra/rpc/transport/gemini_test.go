package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vietddude/relay/internal/core/domain"
)

func newGeminiTest(t *testing.T, handler http.HandlerFunc) *Gemini {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	tr, err := NewGemini(domain.ProviderDescriptor{
		Name:      "gemini-mock",
		Transport: domain.TransportGemini,
		Model:     "gemini-test",
		Endpoint:  server.URL,
		Timeout:   5 * time.Second,
	}, Options{APIKey: "g-key"})
	if err != nil {
		t.Fatalf("NewGemini: %v", err)
	}
	return tr
}

func TestGemini_Dispatch(t *testing.T) {
	tr := newGeminiTest(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/gemini-test:generateContent" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "g-key" {
			t.Errorf("missing key query parameter")
		}

		var body geminiRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode body: %v", err)
			return
		}
		if len(body.Contents) != 1 || body.Contents[0].Parts[0].Text != "describe" {
			t.Errorf("unexpected body: %+v", body)
		}

		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{
					"parts": []map[string]any{{"text": "part one "}, {"text": "part two"}},
				},
				"finishReason": "STOP",
			}},
			"usageMetadata": map[string]any{"totalTokenCount": 33},
		})
	})

	resp, err := tr.Dispatch(context.Background(), domain.Payload{Prompt: "describe", MaxTokens: 100})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "part one part two" {
		t.Errorf("unexpected content %q", resp.Content)
	}
	if resp.TokensUsed != 33 || resp.FinishReason != "STOP" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestGemini_RateLimitRetryInfo(t *testing.T) {
	tr := newGeminiTest(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":429,"message":"Resource has been exhausted","status":"RESOURCE_EXHAUSTED",
			"details":[{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"17s"}]}}`))
	})

	_, err := tr.Dispatch(context.Background(), domain.Payload{Prompt: "x"})
	var terr *Error
	if !errors.As(err, &terr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if terr.Kind != KindRateLimited {
		t.Errorf("expected rate_limited, got %v", terr.Kind)
	}
	if terr.RetryAfter != 17*time.Second {
		t.Errorf("expected 17s, got %v", terr.RetryAfter)
	}
}

func TestGemini_EmptyCandidatesIsMalformed(t *testing.T) {
	tr := newGeminiTest(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"candidates":[]}`))
	})

	_, err := tr.Dispatch(context.Background(), domain.Payload{Prompt: "x"})
	if Classify(err) != KindMalformed {
		t.Errorf("expected malformed, got %v", err)
	}
}

func TestRedactKey(t *testing.T) {
	s := redactKey(`Post "http://h/models/m:generateContent?key=secret": dial tcp`, "secret")
	if strings.Contains(s, "secret") {
		t.Errorf("key not redacted: %s", s)
	}
}

func TestGemini_ExplicitZeroTemperature(t *testing.T) {
	tr := newGeminiTest(t, func(w http.ResponseWriter, r *http.Request) {
		var raw struct {
			GenerationConfig map[string]any `json:"generationConfig"`
		}
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			t.Errorf("failed to decode body: %v", err)
			return
		}
		if v, ok := raw.GenerationConfig["temperature"]; !ok || v != 0.0 {
			t.Errorf("expected temperature 0 in generationConfig, got %v (present=%v)", v, ok)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{"parts": []map[string]any{{"text": "ok"}}},
			}},
		})
	})

	zero := 0.0
	if _, err := tr.Dispatch(context.Background(), domain.Payload{Prompt: "p", Temperature: &zero}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
