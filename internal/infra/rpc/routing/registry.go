// Package routing handles provider selection, cooldowns and dispatch.
//
// This package contains:
//   - Cooldowns: provider name -> resume time
//   - Registry: tier-ordered, round-robin, cooldown-aware selection
//   - Orchestrator: dispatches one payload and classifies the outcome
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/infra/rpc/ratelimit"
	"github.com/vietddude/relay/internal/infra/rpc/transport"
	"github.com/vietddude/relay/internal/pipeline/metrics"
)

// DefaultSelectInterval is how long selection sleeps after a full miss.
const DefaultSelectInterval = 5 * time.Second

var (
	ErrNoProviders     = errors.New("no providers registered")
	ErrUnknownProvider = errors.New("unknown provider")
)

// Provider is one registered backend with its owned limiters and health.
type Provider struct {
	Descriptor domain.ProviderDescriptor
	Transport  transport.Transport
	Gate       *ratelimit.Gate
	Monitor    *transport.ProviderMonitor
}

// NewProvider wires a descriptor to its transport and builds its gate.
func NewProvider(desc domain.ProviderDescriptor, t transport.Transport) *Provider {
	return &Provider{
		Descriptor: desc,
		Transport:  t,
		Gate:       ratelimit.NewGate(desc.RequestsPerMinute, desc.TokensPerMinute, time.Minute),
		Monitor:    transport.NewProviderMonitor(),
	}
}

// Name returns the provider name.
func (p *Provider) Name() string { return p.Descriptor.Name }

// RegistryConfig configures selection.
type RegistryConfig struct {
	SelectInterval time.Duration
	Logger         *slog.Logger
}

// Registry owns the provider pool. Providers are ordered by tier descending,
// config order breaking ties, and selected round-robin from a rotating pointer.
type Registry struct {
	mu        sync.Mutex
	providers []*Provider
	byName    map[string]*Provider
	next      int

	cooldowns      *Cooldowns
	selectInterval time.Duration
	logger         *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRegistry creates a registry over the given providers.
func NewRegistry(providers []*Provider, cooldowns *Cooldowns, cfg RegistryConfig) (*Registry, error) {
	if cooldowns == nil {
		cooldowns = NewCooldowns()
	}
	if cfg.SelectInterval <= 0 {
		cfg.SelectInterval = DefaultSelectInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ordered := make([]*Provider, len(providers))
	copy(ordered, providers)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Descriptor.Tier > ordered[j].Descriptor.Tier
	})

	byName := make(map[string]*Provider, len(ordered))
	for _, p := range ordered {
		if _, dup := byName[p.Name()]; dup {
			return nil, fmt.Errorf("duplicate provider %q", p.Name())
		}
		byName[p.Name()] = p
	}

	return &Registry{
		providers:      ordered,
		byName:         byName,
		cooldowns:      cooldowns,
		selectInterval: cfg.SelectInterval,
		logger:         cfg.Logger,
		now:            time.Now,
		sleep:          sleepCtx,
	}, nil
}

// Cooldowns returns the registry's cooldown table.
func (r *Registry) Cooldowns() *Cooldowns { return r.cooldowns }

// Len returns the number of providers.
func (r *Registry) Len() int { return len(r.providers) }

// All returns providers in selection order.
func (r *Registry) All() []*Provider {
	out := make([]*Provider, len(r.providers))
	copy(out, r.providers)
	return out
}

// Get returns a provider by name.
func (r *Registry) Get(name string) (*Provider, error) {
	p, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return p, nil
}

// Select returns the next provider that is not cooling down and whose gate
// admits the estimated token cost. The admission is recorded on the returned
// provider's gate. When no provider qualifies it sleeps SelectInterval and
// scans again until ctx is done.
func (r *Registry) Select(ctx context.Context, tokens int) (*Provider, error) {
	if len(r.providers) == 0 {
		return nil, ErrNoProviders
	}

	for {
		if p := r.scan(tokens); p != nil {
			return p, nil
		}

		metrics.SelectionWaits.Inc()
		r.logger.Debug("no provider available, waiting",
			"interval", r.selectInterval,
			"tokens", tokens,
		)
		if err := r.sleep(ctx, r.selectInterval); err != nil {
			return nil, err
		}
	}
}

// scan makes one pass over all providers starting at the rotating pointer.
func (r *Registry) scan(tokens int) *Provider {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	n := len(r.providers)
	for i := 0; i < n; i++ {
		idx := (r.next + i) % n
		p := r.providers[idx]

		if r.cooldowns.Active(p.Name(), now) {
			continue
		}
		if !p.Gate.TryAcquire(tokens) {
			continue
		}

		r.next = (idx + 1) % n
		return p
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
