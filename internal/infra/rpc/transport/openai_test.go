package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vietddude/relay/internal/core/domain"
)

func newOpenAITest(t *testing.T, handler http.HandlerFunc) *OpenAI {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	tr, err := NewOpenAI(domain.ProviderDescriptor{
		Name:      "openai-mock",
		Transport: domain.TransportOpenAI,
		Model:     "gpt-test",
		Endpoint:  server.URL + "/v1",
		Timeout:   5 * time.Second,
	}, Options{APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}
	return tr
}

func TestOpenAI_Dispatch(t *testing.T) {
	tr := newOpenAITest(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("expected path /v1/chat/completions, got %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("missing bearer token, got %q", r.Header.Get("Authorization"))
		}

		var body openAIRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode body: %v", err)
			return
		}
		if body.Model != "gpt-test" || len(body.Messages) != 1 || body.Messages[0].Content != "hello" {
			t.Errorf("unexpected request body: %+v", body)
		}
		if body.MaxTokens != 64 {
			t.Errorf("expected max_tokens 64, got %d", body.MaxTokens)
		}

		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message":       map[string]any{"role": "assistant", "content": " hi there "},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{"total_tokens": 12},
		})
	})

	resp, err := tr.Dispatch(context.Background(), domain.Payload{Prompt: "hello", MaxTokens: 64})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hi there" {
		t.Errorf("expected trimmed content, got %q", resp.Content)
	}
	if resp.FinishReason != "stop" || resp.TokensUsed != 12 {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestOpenAI_Errors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		header     map[string]string
		body       string
		kind       ErrorKind
		retryAfter time.Duration
	}{
		{"rate limited", http.StatusTooManyRequests, map[string]string{"Retry-After": "20"}, `{"error":"slow down"}`, KindRateLimited, 20 * time.Second},
		{"server error", http.StatusBadGateway, nil, `bad gateway`, KindTransient, 0},
		{"auth", http.StatusUnauthorized, nil, `{"error":"invalid api key"}`, KindFatal, 0},
		{"empty content", http.StatusOK, nil, `{"choices":[{"message":{"content":""}}]}`, KindMalformed, 0},
		{"no choices", http.StatusOK, nil, `{"choices":[]}`, KindMalformed, 0},
		{"garbage", http.StatusOK, nil, `not json`, KindMalformed, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newOpenAITest(t, func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := tr.Dispatch(context.Background(), domain.Payload{Prompt: "x"})
			var terr *Error
			if !errors.As(err, &terr) {
				t.Fatalf("expected *Error, got %v", err)
			}
			if terr.Kind != tt.kind {
				t.Errorf("expected kind %v, got %v", tt.kind, terr.Kind)
			}
			if terr.RetryAfter != tt.retryAfter {
				t.Errorf("expected retry-after %v, got %v", tt.retryAfter, terr.RetryAfter)
			}
		})
	}
}

func TestNewOpenAI_RequiresKey(t *testing.T) {
	_, err := NewOpenAI(domain.ProviderDescriptor{Name: "x", CredentialRef: "OPENAI_API_KEY"}, Options{})
	if err == nil {
		t.Fatal("expected error for missing credential")
	}
}

func TestOpenAI_TemperatureSentWhenSet(t *testing.T) {
	zero := 0.0
	tests := []struct {
		name    string
		temp    *float64
		wantKey bool
	}{
		{"unset", nil, false},
		{"explicit zero", &zero, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newOpenAITest(t, func(w http.ResponseWriter, r *http.Request) {
				var raw map[string]any
				if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
					t.Errorf("failed to decode body: %v", err)
					return
				}
				v, ok := raw["temperature"]
				if ok != tt.wantKey {
					t.Errorf("temperature present = %v, want %v", ok, tt.wantKey)
				}
				if ok && v != 0.0 {
					t.Errorf("expected temperature 0, got %v", v)
				}
				_ = json.NewEncoder(w).Encode(map[string]any{
					"choices": []map[string]any{{"message": map[string]any{"content": "ok"}}},
				})
			})

			if _, err := tr.Dispatch(context.Background(), domain.Payload{Prompt: "p", Temperature: tt.temp}); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
