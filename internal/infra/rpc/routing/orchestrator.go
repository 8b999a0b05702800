package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/infra/rpc/transport"
	"github.com/vietddude/relay/internal/pipeline/metrics"
)

// DefaultCooldown applies when a rate-limited provider gives no retry-after.
const DefaultCooldown = 60 * time.Second

// ErrCoolingDown is carried by outcomes of pinned dispatches to a provider in cooldown.
var ErrCoolingDown = errors.New("provider is cooling down")

// OutcomeKind tags the result of one dispatch.
type OutcomeKind int

const (
	OutcomeSuccess   OutcomeKind = iota
	OutcomeRetryable             // rate limited or transient, try again
	OutcomeMalformed             // provider answered with nothing usable
	OutcomeFatal                 // auth or request error, never retry
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeMalformed:
		return "malformed"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Outcome is the classified result of a dispatch.
type Outcome struct {
	Kind       OutcomeKind
	Content    string
	Provider   string
	Model      string
	Latency    time.Duration
	TokensUsed int
	RetryAfter time.Duration
	Err        error
}

// OK reports whether the dispatch produced content.
func (o Outcome) OK() bool { return o.Kind == OutcomeSuccess }

// OrchestratorConfig configures failure handling.
type OrchestratorConfig struct {
	DefaultCooldown time.Duration
	Logger          *slog.Logger
}

// Orchestrator sends a payload through a selected provider and turns the
// transport result into an Outcome, applying cooldowns on rate limits.
type Orchestrator struct {
	registry        *Registry
	defaultCooldown time.Duration
	logger          *slog.Logger
}

// NewOrchestrator creates an orchestrator over a registry.
func NewOrchestrator(registry *Registry, cfg OrchestratorConfig) *Orchestrator {
	if cfg.DefaultCooldown <= 0 {
		cfg.DefaultCooldown = DefaultCooldown
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{
		registry:        registry,
		defaultCooldown: cfg.DefaultCooldown,
		logger:          cfg.Logger,
	}
}

// Registry returns the provider registry.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// Dispatch selects a provider and performs one call. The error return is
// reserved for context cancellation and an empty registry; provider failures
// are reported through the Outcome.
func (o *Orchestrator) Dispatch(ctx context.Context, payload domain.Payload) (Outcome, error) {
	p, err := o.registry.Select(ctx, payload.EstimateTokens())
	if err != nil {
		return Outcome{}, err
	}
	return o.call(ctx, p, payload)
}

// DispatchTo sends to a named provider, waiting on its gate instead of
// rotating. A provider in cooldown yields a retryable outcome immediately.
func (o *Orchestrator) DispatchTo(ctx context.Context, name string, payload domain.Payload) (Outcome, error) {
	p, err := o.registry.Get(name)
	if err != nil {
		return Outcome{}, err
	}

	now := o.registry.now()
	if o.registry.cooldowns.Active(name, now) {
		until := o.registry.cooldowns.Until(name)
		return Outcome{
			Kind:       OutcomeRetryable,
			Provider:   name,
			Model:      p.Descriptor.Model,
			RetryAfter: until.Sub(now),
			Err:        fmt.Errorf("%w until %s", ErrCoolingDown, until.Format(time.RFC3339)),
		}, nil
	}

	if err := p.Gate.Acquire(ctx, payload.EstimateTokens()); err != nil {
		return Outcome{}, err
	}
	return o.call(ctx, p, payload)
}

func (o *Orchestrator) call(ctx context.Context, p *Provider, payload domain.Payload) (Outcome, error) {
	name := p.Name()
	start := o.registry.now()
	resp, err := p.Transport.Dispatch(ctx, payload)
	latency := o.registry.now().Sub(start)

	metrics.DispatchLatency.WithLabelValues(name).Observe(latency.Seconds())

	out := Outcome{
		Provider: name,
		Model:    p.Descriptor.Model,
		Latency:  latency,
	}

	if err == nil && strings.TrimSpace(resp.Content) == "" {
		err = &transport.Error{Kind: transport.KindMalformed, Provider: name, Message: "empty content"}
	}

	if err == nil {
		out.Kind = OutcomeSuccess
		out.Content = resp.Content
		out.TokensUsed = resp.TokensUsed
		p.Monitor.RecordSuccess(latency)
		o.record(out)
		return out, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		out.Kind = OutcomeRetryable
		out.Err = err
		return out, ctxErr
	}

	kind := transport.Classify(err)
	metrics.DispatchErrorsTotal.WithLabelValues(name, kind.String()).Inc()
	out.Err = err

	switch kind {
	case transport.KindRateLimited:
		cooldown := transport.RetryAfter(err)
		if cooldown <= 0 {
			cooldown = o.defaultCooldown
		}
		until := o.registry.cooldowns.Set(name, o.registry.now().Add(cooldown))
		metrics.CooldownsTotal.WithLabelValues(name).Inc()
		p.Monitor.RecordThrottle(cooldown)

		out.Kind = OutcomeRetryable
		out.RetryAfter = cooldown
		o.logger.Warn("provider rate limited, cooling down",
			"provider", name,
			"cooldown", cooldown,
			"until", until.Format(time.RFC3339),
		)

	case transport.KindTransient:
		p.Monitor.RecordFailure(kind)
		out.Kind = OutcomeRetryable

	case transport.KindMalformed:
		p.Monitor.RecordFailure(kind)
		out.Kind = OutcomeMalformed

	default:
		p.Monitor.RecordFailure(transport.KindFatal)
		out.Kind = OutcomeFatal
		o.logger.Error("provider returned fatal error",
			"provider", name,
			"error", err,
		)
	}

	o.record(out)
	return out, nil
}

func (o *Orchestrator) record(out Outcome) {
	metrics.DispatchTotal.WithLabelValues(out.Provider, out.Kind.String()).Inc()

	attrs := []any{
		"provider", out.Provider,
		"outcome", out.Kind.String(),
		"latency_ms", out.Latency.Milliseconds(),
	}
	if out.Err != nil {
		attrs = append(attrs, "error", out.Err)
	}
	if out.Kind == OutcomeSuccess {
		o.logger.Debug("dispatch", attrs...)
		return
	}
	o.logger.Info("dispatch", attrs...)
}
