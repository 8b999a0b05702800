// Package ratelimit implements rolling-window admission control for providers.
//
// This package contains:
//   - Limiter: admits at most maxCalls weighted admissions per rolling period
//   - Gate: pairs a request limiter (RPM) with a token limiter (TPM) and
//     admits on both or neither
package ratelimit

import (
	"context"
	"sync"
	"time"
)

type admission struct {
	at     time.Time
	weight int
}

// Stats is a point-in-time view of a limiter window.
type Stats struct {
	InWindow int
	MaxCalls int
	Period   time.Duration
}

// Limiter admits at most maxCalls (summed weights) per rolling period.
// Capacity is never released explicitly; it frees as admissions age out.
type Limiter struct {
	mu       sync.Mutex
	maxCalls int
	period   time.Duration
	window   []admission
	used     int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewLimiter creates a limiter. maxCalls <= 0 disables limiting.
func NewLimiter(maxCalls int, period time.Duration) *Limiter {
	if period <= 0 {
		period = time.Minute
	}
	return &Limiter{
		maxCalls: maxCalls,
		period:   period,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Unlimited reports whether the limiter admits everything.
func (l *Limiter) Unlimited() bool {
	return l.maxCalls <= 0
}

// CanAdmit reports whether one more admission fits in the window.
func (l *Limiter) CanAdmit() bool {
	return l.CanAdmitN(1)
}

// CanAdmitN reports whether an admission of weight n fits in the window.
func (l *Limiter) CanAdmitN(n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fitsLocked(l.now(), n)
}

// TryAcquireN records an admission of weight n if it fits, without waiting.
func (l *Limiter) TryAcquireN(n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if !l.fitsLocked(now, n) {
		return false
	}
	l.recordLocked(now, n)
	return true
}

// Acquire blocks until one admission fits, then records it.
func (l *Limiter) Acquire(ctx context.Context) error {
	return l.AcquireN(ctx, 1)
}

// AcquireN blocks until an admission of weight n fits, then records it.
// The lock covers only the check and the append, never the sleep.
func (l *Limiter) AcquireN(ctx context.Context, n int) error {
	for {
		l.mu.Lock()
		now := l.now()
		if l.fitsLocked(now, n) {
			l.recordLocked(now, n)
			l.mu.Unlock()
			return nil
		}
		wait := l.waitLocked(now, n)
		l.mu.Unlock()

		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// NextFree returns how long until an admission of weight n would fit.
func (l *Limiter) NextFree(n int) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.fitsLocked(now, n) {
		return 0
	}
	return l.waitLocked(now, n)
}

// Stats returns the current window usage.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pruneLocked(l.now())
	return Stats{InWindow: l.used, MaxCalls: l.maxCalls, Period: l.period}
}

func (l *Limiter) clamp(n int) int {
	if n < 1 {
		n = 1
	}
	// An admission heavier than the whole window is let through on an empty window.
	if n > l.maxCalls {
		n = l.maxCalls
	}
	return n
}

func (l *Limiter) fitsLocked(now time.Time, n int) bool {
	if l.Unlimited() {
		return true
	}
	l.pruneLocked(now)
	return l.used+l.clamp(n) <= l.maxCalls
}

func (l *Limiter) recordLocked(now time.Time, n int) {
	if l.Unlimited() {
		return
	}
	n = l.clamp(n)
	l.window = append(l.window, admission{at: now, weight: n})
	l.used += n
}

// pruneLocked drops admissions older than one period.
func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.period)
	i := 0
	for i < len(l.window) && !l.window[i].at.After(cutoff) {
		l.used -= l.window[i].weight
		i++
	}
	if i > 0 {
		l.window = append(l.window[:0], l.window[i:]...)
	}
}

// waitLocked computes when enough old admissions expire for weight n to fit.
func (l *Limiter) waitLocked(now time.Time, n int) time.Duration {
	need := l.used + l.clamp(n) - l.maxCalls
	freed := 0
	for _, a := range l.window {
		freed += a.weight
		if freed >= need {
			wait := a.at.Add(l.period).Sub(now)
			if wait <= 0 {
				wait = time.Millisecond
			}
			return wait
		}
	}
	return l.period
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
