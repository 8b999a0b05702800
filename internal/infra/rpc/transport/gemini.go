package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vietddude/relay/internal/core/domain"
)

const defaultGeminiEndpoint = "https://generativelanguage.googleapis.com/v1beta"

// Gemini implements Transport for the Google AI Studio generateContent API.
type Gemini struct {
	name     string
	model    string
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewGemini creates a Gemini transport.
func NewGemini(desc domain.ProviderDescriptor, opts Options) (*Gemini, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("provider %s: credential %s is not set", desc.Name, desc.CredentialRef)
	}
	endpoint := desc.Endpoint
	if endpoint == "" {
		endpoint = defaultGeminiEndpoint
	}
	return &Gemini{
		name:     desc.Name,
		model:    desc.Model,
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   opts.APIKey,
		client:   httpClientFor(desc, opts),
	}, nil
}

func (t *Gemini) Name() string              { return t.name }
func (t *Gemini) Kind() domain.TransportKind { return domain.TransportGemini }

// Close cleans up idle connections.
func (t *Gemini) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
}

type geminiRequest struct {
	Contents         []geminiContent  `json:"contents"`
	GenerationConfig *geminiGenConfig `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		TotalTokenCount int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// geminiError is the google.rpc.Status shaped error body.
type geminiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Type       string `json:"@type"`
			RetryDelay string `json:"retryDelay"`
		} `json:"details"`
	} `json:"error"`
}

// Dispatch sends one generateContent request.
func (t *Gemini) Dispatch(ctx context.Context, payload domain.Payload) (Response, error) {
	body := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: payload.Prompt}}}},
		GenerationConfig: &geminiGenConfig{
			MaxOutputTokens: payload.MaxTokens,
			Temperature:     payload.Temperature,
		},
	}

	data, err := json.Marshal(body)
	if err != nil {
		return Response{}, &Error{Kind: KindFatal, Provider: t.name, Message: "marshal request", Err: err}
	}

	u := fmt.Sprintf("%s/models/%s:generateContent?key=%s", t.endpoint, url.PathEscape(t.model), url.QueryEscape(t.apiKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(data))
	if err != nil {
		return Response{}, &Error{Kind: KindFatal, Provider: t.name, Message: "create request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		// The URL carries the key; never surface it.
		return Response{}, transientError(t.name, fmt.Errorf("generateContent: %s", redactKey(err.Error(), t.apiKey)))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, transientError(t.name, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		retryAfter := parseRetryAfter(resp.Header, time.Now())
		if retryAfter == 0 {
			retryAfter = geminiRetryDelay(respBody)
		}
		return Response{}, statusError(t.name, resp.StatusCode, respBody, retryAfter)
	}

	var parsed geminiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Response{}, malformedError(t.name, "parse response: "+err.Error())
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return Response{}, malformedError(t.name, "no content in response")
	}

	var sb strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	content := strings.TrimSpace(sb.String())
	if content == "" {
		return Response{}, malformedError(t.name, "empty content")
	}

	return Response{
		Content:      content,
		FinishReason: parsed.Candidates[0].FinishReason,
		TokensUsed:   parsed.UsageMetadata.TotalTokenCount,
	}, nil
}

// geminiRetryDelay extracts google.rpc.RetryInfo.retryDelay from an error body.
func geminiRetryDelay(body []byte) time.Duration {
	var e geminiError
	if err := json.Unmarshal(body, &e); err != nil {
		return 0
	}
	for _, d := range e.Error.Details {
		if strings.HasSuffix(d.Type, "google.rpc.RetryInfo") && d.RetryDelay != "" {
			if dur, err := time.ParseDuration(d.RetryDelay); err == nil {
				return dur
			}
		}
	}
	return 0
}

func redactKey(s, key string) string {
	if key == "" {
		return s
	}
	return strings.ReplaceAll(s, url.QueryEscape(key), "REDACTED")
}
