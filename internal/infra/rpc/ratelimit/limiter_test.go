package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClock advances only when the limiter sleeps.
type fakeClock struct {
	mu     sync.Mutex
	t      time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.t = c.t.Add(d)
	c.mu.Unlock()
	return ctx.Err()
}

func withClock(l *Limiter, c *fakeClock) *Limiter {
	l.now = c.Now
	l.sleep = c.Sleep
	return l
}

func TestLimiter_RPMScenario(t *testing.T) {
	clock := newFakeClock()
	l := withClock(NewLimiter(2, 60*time.Second), clock)
	ctx := context.Background()
	start := clock.Now()

	// First two calls return immediately
	for i := 0; i < 2; i++ {
		if err := l.Acquire(ctx); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if len(clock.sleeps) != 0 {
		t.Fatalf("expected no sleeps for first two calls, got %v", clock.sleeps)
	}

	// Third call suspends until the first admission ages out
	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("third acquire: %v", err)
	}
	if elapsed := clock.Now().Sub(start); elapsed != 60*time.Second {
		t.Errorf("expected third call admitted at +60s, got +%v", elapsed)
	}
}

func TestLimiter_CanAdmitIsNonBlocking(t *testing.T) {
	clock := newFakeClock()
	l := withClock(NewLimiter(1, time.Minute), clock)

	if !l.CanAdmit() {
		t.Fatal("empty limiter should admit")
	}
	if !l.TryAcquireN(1) {
		t.Fatal("TryAcquireN should succeed on empty window")
	}
	if l.CanAdmit() {
		t.Error("full limiter should not admit")
	}

	clock.Advance(time.Minute)
	if !l.CanAdmit() {
		t.Error("limiter should admit after the window passes")
	}
}

func TestLimiter_NoWindowExceedsMax(t *testing.T) {
	const maxCalls = 5
	const period = 10 * time.Second

	clock := newFakeClock()
	l := withClock(NewLimiter(maxCalls, period), clock)
	rng := rand.New(rand.NewSource(42))
	ctx := context.Background()

	var admitted []time.Time
	for i := 0; i < 200; i++ {
		clock.Advance(time.Duration(rng.Intn(3000)) * time.Millisecond)
		if err := l.Acquire(ctx); err != nil {
			t.Fatalf("acquire: %v", err)
		}
		admitted = append(admitted, clock.Now())
	}

	// Every half-open window (t-P, t] ending at an admission holds at most maxCalls.
	for i, end := range admitted {
		count := 0
		for j := 0; j <= i; j++ {
			if admitted[j].After(end.Add(-period)) {
				count++
			}
		}
		if count > maxCalls {
			t.Fatalf("window ending at admission %d holds %d admissions, max %d", i, count, maxCalls)
		}
	}
}

func TestLimiter_ConcurrentTryAcquire(t *testing.T) {
	l := NewLimiter(10, time.Hour)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.TryAcquireN(1) {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := admitted.Load(); got != 10 {
		t.Errorf("expected exactly 10 admissions, got %d", got)
	}
}

func TestLimiter_WeightClampedToMax(t *testing.T) {
	clock := newFakeClock()
	l := withClock(NewLimiter(100, time.Minute), clock)

	if !l.TryAcquireN(500) {
		t.Fatal("oversized admission should pass on an empty window")
	}
	if l.CanAdmitN(1) {
		t.Error("window should be full after a clamped admission")
	}
}

func TestLimiter_Unlimited(t *testing.T) {
	l := NewLimiter(0, time.Minute)
	for i := 0; i < 1000; i++ {
		if !l.TryAcquireN(1) {
			t.Fatalf("unlimited limiter refused admission %d", i)
		}
	}
	if s := l.Stats(); s.InWindow != 0 {
		t.Errorf("unlimited limiter should not track admissions, got %d", s.InWindow)
	}
}

func TestLimiter_AcquireHonorsContext(t *testing.T) {
	l := NewLimiter(1, time.Hour)
	l.TryAcquireN(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := l.Acquire(ctx); err == nil {
		t.Fatal("expected context error while window is full")
	}
}
