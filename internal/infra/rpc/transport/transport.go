// Package transport implements the adapters that carry a generation payload to
// a concrete backend.
//
// This package contains:
//   - Transport: the minimal contract the orchestration core depends on
//   - OpenAI, Gemini: HTTP adapters
//   - GRPC: generic unary gRPC adapter
//   - Echo: local deterministic adapter for dry runs
//   - Error / Classify: the failure taxonomy shared by every adapter
//   - ProviderMonitor: per-provider latency and throttle tracking
package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/grpc"

	"github.com/vietddude/relay/internal/core/domain"
)

// Response is a successful generation.
type Response struct {
	Content      string
	FinishReason string
	TokensUsed   int
}

// Transport sends one payload to one backend.
type Transport interface {
	// Name returns the provider name this transport serves
	Name() string

	// Kind returns the transport variant
	Kind() domain.TransportKind

	// Dispatch performs a single call. Failures are returned as *Error.
	Dispatch(ctx context.Context, payload domain.Payload) (Response, error)

	// Close releases connections
	Close() error
}

// Options carries what a transport needs beyond its descriptor.
type Options struct {
	APIKey     string
	HTTPClient *http.Client

	// GRPCDialOptions are appended to the defaults (used by tests to dial bufconn).
	GRPCDialOptions []grpc.DialOption
}

// New builds the transport variant selected by the descriptor's kind.
func New(desc domain.ProviderDescriptor, opts Options) (Transport, error) {
	switch desc.Transport {
	case domain.TransportOpenAI:
		return NewOpenAI(desc, opts)
	case domain.TransportGemini:
		return NewGemini(desc, opts)
	case domain.TransportGRPC:
		return NewGRPC(desc, opts)
	case domain.TransportEcho:
		return NewEcho(desc), nil
	default:
		return nil, fmt.Errorf("provider %s: unsupported transport %q", desc.Name, desc.Transport)
	}
}

func httpClientFor(desc domain.ProviderDescriptor, opts Options) *http.Client {
	if opts.HTTPClient != nil {
		return opts.HTTPClient
	}
	timeout := desc.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
