package ratelimit

import (
	"context"
	"time"
)

// Gate guards one provider on two dimensions: requests and tokens per period.
// Admission is atomic across both: either both windows record, or neither does.
type Gate struct {
	requests *Limiter
	tokens   *Limiter

	sleep func(ctx context.Context, d time.Duration) error
}

// NewGate creates a gate for rpm requests and tpm tokens per period.
// A zero limit disables that dimension.
func NewGate(rpm, tpm int, period time.Duration) *Gate {
	return &Gate{
		requests: NewLimiter(rpm, period),
		tokens:   NewLimiter(tpm, period),
		sleep:    sleepCtx,
	}
}

// Requests returns the request-count limiter.
func (g *Gate) Requests() *Limiter { return g.requests }

// Tokens returns the token limiter.
func (g *Gate) Tokens() *Limiter { return g.tokens }

// HasCapacity peeks both windows without recording.
func (g *Gate) HasCapacity(tokens int) bool {
	g.lockBoth()
	defer g.unlockBoth()

	now := g.requests.now()
	return g.requests.fitsLocked(now, 1) && g.tokens.fitsLocked(now, tokens)
}

// TryAcquire records one request and the given tokens if both fit.
func (g *Gate) TryAcquire(tokens int) bool {
	g.lockBoth()
	defer g.unlockBoth()

	now := g.requests.now()
	if !g.requests.fitsLocked(now, 1) || !g.tokens.fitsLocked(now, tokens) {
		return false
	}
	g.requests.recordLocked(now, 1)
	g.tokens.recordLocked(now, tokens)
	return true
}

// Acquire blocks until both windows admit, then records on both.
func (g *Gate) Acquire(ctx context.Context, tokens int) error {
	for {
		if g.TryAcquire(tokens) {
			return nil
		}
		wait := max(g.requests.NextFree(1), g.tokens.NextFree(tokens), time.Millisecond)
		if err := g.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Lock order is always requests then tokens.
func (g *Gate) lockBoth() {
	g.requests.mu.Lock()
	g.tokens.mu.Lock()
}

func (g *Gate) unlockBoth() {
	g.tokens.mu.Unlock()
	g.requests.mu.Unlock()
}
