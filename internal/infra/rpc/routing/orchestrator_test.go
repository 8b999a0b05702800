package routing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/infra/rpc/transport"
)

func newTestOrchestrator(t *testing.T, clock *fakeClock, providers ...*Provider) *Orchestrator {
	t.Helper()
	return NewOrchestrator(newTestRegistry(t, clock, providers...), OrchestratorConfig{})
}

func echoOf(p *Provider) *transport.Echo {
	return p.Transport.(*transport.Echo)
}

func TestOrchestrator_Success(t *testing.T) {
	a := echoProvider("a", 0, 0)
	o := newTestOrchestrator(t, newFakeClock(), a)

	out, err := o.Dispatch(context.Background(), domain.Payload{Prompt: "hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.OK() || out.Content != "hello" || out.Provider != "a" || out.Model != "a-model" {
		t.Errorf("unexpected outcome: %+v", out)
	}
	if a.Monitor.GetStats().Successes != 1 {
		t.Error("expected monitor to record success")
	}
}

func TestOrchestrator_Classification(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		kind       OutcomeKind
		cooldown   time.Duration
		noCooldown bool
	}{
		{"rate limited with retry-after", &transport.Error{Kind: transport.KindRateLimited, RetryAfter: 30 * time.Second}, OutcomeRetryable, 30 * time.Second, false},
		{"rate limited default", &transport.Error{Kind: transport.KindRateLimited}, OutcomeRetryable, DefaultCooldown, false},
		{"rate limited by message", errors.New("429 Too Many Requests"), OutcomeRetryable, DefaultCooldown, false},
		{"transient", &transport.Error{Kind: transport.KindTransient}, OutcomeRetryable, 0, true},
		{"malformed", &transport.Error{Kind: transport.KindMalformed}, OutcomeMalformed, 0, true},
		{"fatal", &transport.Error{Kind: transport.KindFatal, StatusCode: 401}, OutcomeFatal, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			a := echoProvider("a", 0, 0)
			echoOf(a).Script(tt.err)
			o := newTestOrchestrator(t, clock, a)

			out, err := o.Dispatch(context.Background(), domain.Payload{Prompt: "x"})
			if err != nil {
				t.Fatalf("provider failures must not surface as errors: %v", err)
			}
			if out.Kind != tt.kind {
				t.Errorf("expected %v, got %v", tt.kind, out.Kind)
			}
			if out.Err == nil {
				t.Error("expected outcome to carry the cause")
			}

			until := o.Registry().Cooldowns().Until("a")
			if tt.noCooldown {
				if !until.IsZero() {
					t.Errorf("expected no cooldown, got until %v", until)
				}
				return
			}
			if want := clock.Now().Add(tt.cooldown); !until.Equal(want) {
				t.Errorf("expected cooldown until %v, got %v", want, until)
			}
			if out.RetryAfter != tt.cooldown {
				t.Errorf("expected RetryAfter %v, got %v", tt.cooldown, out.RetryAfter)
			}
		})
	}
}

func TestOrchestrator_FailsOverDuringCooldown(t *testing.T) {
	clock := newFakeClock()
	a := echoProvider("a", 2, 0)
	b := echoProvider("b", 1, 0)
	echoOf(a).Script(&transport.Error{Kind: transport.KindRateLimited, RetryAfter: time.Minute})
	o := newTestOrchestrator(t, clock, a, b)

	out, _ := o.Dispatch(context.Background(), domain.Payload{Prompt: "x"})
	if out.Provider != "a" || out.Kind != OutcomeRetryable {
		t.Fatalf("expected a to be rate limited first, got %+v", out)
	}

	for i := 0; i < 50; i++ {
		out, err := o.Dispatch(context.Background(), domain.Payload{Prompt: "x"})
		if err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		if out.Provider != "b" {
			t.Fatalf("dispatch %d went to %s during a's cooldown", i, out.Provider)
		}
		clock.Advance(time.Second)
	}
	if echoOf(a).Calls() != 1 {
		t.Errorf("expected a to be called once, got %d", echoOf(a).Calls())
	}
}

func TestOrchestrator_DispatchToCoolingDown(t *testing.T) {
	clock := newFakeClock()
	a := echoProvider("a", 0, 0)
	o := newTestOrchestrator(t, clock, a)
	o.Registry().Cooldowns().Set("a", clock.Now().Add(20*time.Second))

	out, err := o.DispatchTo(context.Background(), "a", domain.Payload{Prompt: "x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Kind != OutcomeRetryable || !errors.Is(out.Err, ErrCoolingDown) {
		t.Errorf("expected cooling-down outcome, got %+v", out)
	}
	if out.RetryAfter != 20*time.Second {
		t.Errorf("expected 20s remaining, got %v", out.RetryAfter)
	}
	if echoOf(a).Calls() != 0 {
		t.Error("transport must not be called during cooldown")
	}

	if _, err := o.DispatchTo(context.Background(), "nope", domain.Payload{Prompt: "x"}); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("expected ErrUnknownProvider, got %v", err)
	}
}

func TestOrchestrator_DispatchToPinned(t *testing.T) {
	a := echoProvider("a", 2, 0)
	b := echoProvider("b", 1, 0)
	o := newTestOrchestrator(t, newFakeClock(), a, b)

	for i := 0; i < 3; i++ {
		out, err := o.DispatchTo(context.Background(), "b", domain.Payload{Prompt: "x"})
		if err != nil || out.Provider != "b" {
			t.Fatalf("expected pinned dispatch to b, got %+v %v", out, err)
		}
	}
}

func TestOrchestrator_ContextCanceled(t *testing.T) {
	a := echoProvider("a", 0, 0)
	o := newTestOrchestrator(t, newFakeClock(), a)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := o.Dispatch(ctx, domain.Payload{Prompt: "x"}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

// blankTransport answers every call with empty content and no error.
type blankTransport struct {
	*transport.Echo
}

func (blankTransport) Dispatch(context.Context, domain.Payload) (transport.Response, error) {
	return transport.Response{Content: " \n", FinishReason: "stop"}, nil
}

func TestOrchestrator_EmptyContentIsMalformed(t *testing.T) {
	desc := domain.ProviderDescriptor{Name: "blank", Transport: domain.TransportEcho, Model: "blank-model"}
	p := NewProvider(desc, blankTransport{transport.NewEcho(desc)})
	o := newTestOrchestrator(t, newFakeClock(), p)

	out, err := o.Dispatch(context.Background(), domain.Payload{Prompt: "hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Kind != OutcomeMalformed {
		t.Errorf("expected malformed outcome, got %s", out.Kind)
	}
	if out.Err == nil || out.Content != "" {
		t.Errorf("unexpected outcome: %+v", out)
	}
	if p.Monitor.GetStats().Successes != 0 {
		t.Error("empty content must not count as a success")
	}
}
