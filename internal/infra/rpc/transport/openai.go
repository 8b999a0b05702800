package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vietddude/relay/internal/core/domain"
)

const defaultOpenAIEndpoint = "https://api.openai.com/v1"

// OpenAI implements Transport for OpenAI-compatible chat completion APIs.
type OpenAI struct {
	name     string
	model    string
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewOpenAI creates an OpenAI-compatible transport.
func NewOpenAI(desc domain.ProviderDescriptor, opts Options) (*OpenAI, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("provider %s: credential %s is not set", desc.Name, desc.CredentialRef)
	}
	endpoint := desc.Endpoint
	if endpoint == "" {
		endpoint = defaultOpenAIEndpoint
	}
	return &OpenAI{
		name:     desc.Name,
		model:    desc.Model,
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   opts.APIKey,
		client:   httpClientFor(desc, opts),
	}, nil
}

func (t *OpenAI) Name() string              { return t.name }
func (t *OpenAI) Kind() domain.TransportKind { return domain.TransportOpenAI }

// Close cleans up idle connections.
func (t *OpenAI) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Dispatch sends one chat completion request.
func (t *OpenAI) Dispatch(ctx context.Context, payload domain.Payload) (Response, error) {
	body := openAIRequest{
		Model:       t.model,
		Messages:    []openAIMessage{{Role: "user", Content: payload.Prompt}},
		MaxTokens:   payload.MaxTokens,
		Temperature: payload.Temperature,
	}

	data, err := json.Marshal(body)
	if err != nil {
		return Response{}, &Error{Kind: KindFatal, Provider: t.name, Message: "marshal request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return Response{}, &Error{Kind: KindFatal, Provider: t.name, Message: "create request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return Response{}, transientError(t.name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, transientError(t.name, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return Response{}, statusError(t.name, resp.StatusCode, respBody, parseRetryAfter(resp.Header, time.Now()))
	}

	var parsed openAIResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Response{}, malformedError(t.name, "parse response: "+err.Error())
	}
	if len(parsed.Choices) == 0 {
		return Response{}, malformedError(t.name, "no choices in response")
	}

	content := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if content == "" {
		return Response{}, malformedError(t.name, "empty content")
	}

	return Response{
		Content:      content,
		FinishReason: parsed.Choices[0].FinishReason,
		TokensUsed:   parsed.Usage.TotalTokens,
	}, nil
}
