package domain

import (
	"fmt"
	"time"
)

// TransportKind selects the transport adapter used to reach a provider.
// It is fixed when configuration is loaded.
type TransportKind string

const (
	TransportOpenAI TransportKind = "openai" // OpenAI-compatible chat completions over HTTP
	TransportGemini TransportKind = "gemini" // Google AI Studio generateContent over HTTP
	TransportGRPC   TransportKind = "grpc"   // Generic unary gRPC generator
	TransportEcho   TransportKind = "echo"   // Local deterministic adapter for dry runs
)

// ParseTransportKind validates a configured transport name.
func ParseTransportKind(s string) (TransportKind, error) {
	switch k := TransportKind(s); k {
	case TransportOpenAI, TransportGemini, TransportGRPC, TransportEcho:
		return k, nil
	default:
		return "", fmt.Errorf("unknown transport kind %q", s)
	}
}

// ProviderDescriptor describes one configured backend. It is immutable after load.
type ProviderDescriptor struct {
	Name          string
	Transport     TransportKind
	Model         string
	CredentialRef string // environment variable holding the API key
	Endpoint      string
	Tier          int // higher tiers are preferred
	Timeout       time.Duration

	RequestsPerMinute int
	TokensPerMinute   int
}
