// Package rpc assembles the provider layer: transports, rate-limit gates,
// cooldowns, selection and dispatch.
//
// # Quick Start
//
//	import "github.com/vietddude/relay/internal/infra/rpc"
//
//	orch, closeFn, err := rpc.Build(descriptors, rpc.BuildOptions{
//	    Credentials: os.Getenv,
//	})
//	defer closeFn()
//
//	out, err := orch.Dispatch(ctx, domain.Payload{Prompt: "..."})
//
// # Package Structure
//
//   - ratelimit/ - rolling-window limiters and the RPM+TPM gate
//   - transport/ - OpenAI, Gemini, gRPC and echo adapters, error taxonomy, monitoring
//   - routing/   - cooldowns, provider registry, orchestrator
//
// Most types are re-exported at the root level for convenience.
package rpc

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/infra/rpc/ratelimit"
	"github.com/vietddude/relay/internal/infra/rpc/routing"
	"github.com/vietddude/relay/internal/infra/rpc/transport"
)

// =============================================================================
// Re-exported types
// =============================================================================

// Orchestrator dispatches payloads through the provider pool.
type Orchestrator = routing.Orchestrator

// Outcome is the classified result of a dispatch.
type Outcome = routing.Outcome

// OutcomeKind tags an Outcome.
type OutcomeKind = routing.OutcomeKind

// Provider is one registered backend.
type Provider = routing.Provider

// Registry owns the provider pool.
type Registry = routing.Registry

// Cooldowns maps providers to their resume time.
type Cooldowns = routing.Cooldowns

// Transport sends one payload to one backend.
type Transport = transport.Transport

// Gate pairs an RPM and a TPM limiter.
type Gate = ratelimit.Gate

// MonitorStats holds monitoring statistics for a provider.
type MonitorStats = transport.MonitorStats

// Outcome kinds
const (
	OutcomeSuccess   = routing.OutcomeSuccess
	OutcomeRetryable = routing.OutcomeRetryable
	OutcomeMalformed = routing.OutcomeMalformed
	OutcomeFatal     = routing.OutcomeFatal
)

// =============================================================================
// Assembly
// =============================================================================

// CredentialFunc resolves a credential reference to a secret.
type CredentialFunc func(ref string) string

// BuildOptions configures Build.
type BuildOptions struct {
	// Credentials resolves ProviderDescriptor.CredentialRef, usually os.Getenv.
	Credentials CredentialFunc

	SelectInterval  time.Duration
	DefaultCooldown time.Duration
	Logger          *slog.Logger

	// Transports overrides construction per provider name (tests, dry runs).
	Transports map[string]Transport
}

// Build creates a transport for every descriptor and wires them into a
// registry and orchestrator. The returned func closes all transports.
func Build(descs []domain.ProviderDescriptor, opts BuildOptions) (*Orchestrator, func() error, error) {
	if len(descs) == 0 {
		return nil, nil, errors.New("no providers configured")
	}
	if opts.Credentials == nil {
		opts.Credentials = func(string) string { return "" }
	}

	var (
		providers  []*Provider
		transports []Transport
	)
	closeAll := func() error {
		var errs []error
		for _, t := range transports {
			if err := t.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", t.Name(), err))
			}
		}
		return errors.Join(errs...)
	}

	for _, desc := range descs {
		t, ok := opts.Transports[desc.Name]
		if !ok {
			var err error
			t, err = transport.New(desc, transport.Options{APIKey: resolve(opts.Credentials, desc.CredentialRef)})
			if err != nil {
				_ = closeAll()
				return nil, nil, err
			}
		}
		transports = append(transports, t)
		providers = append(providers, routing.NewProvider(desc, t))
	}

	registry, err := routing.NewRegistry(providers, routing.NewCooldowns(), routing.RegistryConfig{
		SelectInterval: opts.SelectInterval,
		Logger:         opts.Logger,
	})
	if err != nil {
		_ = closeAll()
		return nil, nil, err
	}

	orch := routing.NewOrchestrator(registry, routing.OrchestratorConfig{
		DefaultCooldown: opts.DefaultCooldown,
		Logger:          opts.Logger,
	})
	return orch, closeAll, nil
}

func resolve(fn CredentialFunc, ref string) string {
	if ref == "" {
		return ""
	}
	return fn(ref)
}
