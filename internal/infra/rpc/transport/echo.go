package transport

import (
	"context"
	"sync"

	"github.com/vietddude/relay/internal/core/domain"
)

// Echo answers with the prompt itself. It is used for dry runs and tests.
type Echo struct {
	name  string
	model string

	mu     sync.Mutex
	script []error
	calls  int
}

// NewEcho creates an echo transport.
func NewEcho(desc domain.ProviderDescriptor) *Echo {
	return &Echo{name: desc.Name, model: desc.Model}
}

// Script queues errors returned by the next calls, in order. A nil entry
// lets that call succeed.
func (t *Echo) Script(errs ...error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.script = append(t.script, errs...)
}

// Calls returns the number of Dispatch calls so far.
func (t *Echo) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

func (t *Echo) Name() string              { return t.name }
func (t *Echo) Kind() domain.TransportKind { return domain.TransportEcho }
func (t *Echo) Close() error               { return nil }

func (t *Echo) Dispatch(ctx context.Context, payload domain.Payload) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, transientError(t.name, err)
	}

	t.mu.Lock()
	t.calls++
	var scripted error
	if len(t.script) > 0 {
		scripted = t.script[0]
		t.script = t.script[1:]
	}
	t.mu.Unlock()

	if scripted != nil {
		return Response{}, scripted
	}
	if payload.Prompt == "" {
		return Response{}, malformedError(t.name, "empty content")
	}
	return Response{
		Content:      payload.Prompt,
		FinishReason: "stop",
		TokensUsed:   payload.EstimateTokens(),
	}, nil
}
