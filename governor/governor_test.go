package governor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced Clock for deterministic window and
// recovery timing.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() Config {
	return Config{
		RequestsPerWindow: 10,
		TokensPerWindow:   1000,
		WindowDuration:    time.Minute,
		MaxConcurrent:     10,
		FailureThreshold:  5,
		RecoveryTimeout:   2 * time.Minute,
		SuccessThreshold:  2,
	}
}

func newTestGovernor(t *testing.T, cfg Config, clock Clock) *Governor {
	t.Helper()
	g, err := New(cfg, WithClock(clock))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return g
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}

	bad := testConfig()
	bad.RequestsPerWindow = 0
	if err := bad.Validate(); err == nil {
		t.Error("expected error for zero requests_per_window")
	}

	bad = testConfig()
	bad.MaxConcurrent = 0
	if err := bad.Validate(); err == nil {
		t.Error("expected error for zero max_concurrent")
	}
}

func TestAcquireReleaseBasic(t *testing.T) {
	g := newTestGovernor(t, testConfig(), newFakeClock())
	ctx := context.Background()

	if err := g.Acquire(ctx, 100); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	g.Release(120, true)

	snap := g.Metrics()
	if snap.RequestsInWindow != 1 {
		t.Errorf("expected 1 request in window, got %d", snap.RequestsInWindow)
	}
	if snap.TokensInWindow != 100 {
		t.Errorf("expected 100 tokens in window, got %d", snap.TokensInWindow)
	}
	if snap.ConsecutiveSuccesses != 1 || snap.ConsecutiveFailures != 0 {
		t.Errorf("expected 1 success / 0 failures, got %d / %d",
			snap.ConsecutiveSuccesses, snap.ConsecutiveFailures)
	}
}

func TestRequestRateLimit(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	cfg.RequestsPerWindow = 2
	g := newTestGovernor(t, cfg, clock)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := g.Acquire(ctx, 1); err != nil {
			t.Fatalf("acquire %d: unexpected error: %v", i, err)
		}
		g.Release(1, true)
	}

	err := g.Acquire(ctx, 1)
	var rl *RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if rl.Reason != ReasonRequests {
		t.Errorf("expected reason %q, got %q", ReasonRequests, rl.Reason)
	}
	if rl.RetryAfter <= 0 || rl.RetryAfter > cfg.WindowDuration {
		t.Errorf("retry hint out of range: %v", rl.RetryAfter)
	}

	// A new window admits again.
	clock.Advance(cfg.WindowDuration + time.Second)
	if err := g.Acquire(ctx, 1); err != nil {
		t.Fatalf("expected admit after window rollover, got %v", err)
	}
	g.Release(1, true)
}

func TestTokenRateLimit(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	cfg.TokensPerWindow = 500
	g := newTestGovernor(t, cfg, clock)
	ctx := context.Background()

	if err := g.Acquire(ctx, 400); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	g.Release(400, true)

	err := g.Acquire(ctx, 200)
	var rl *RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if rl.Reason != ReasonTokens {
		t.Errorf("expected reason %q, got %q", ReasonTokens, rl.Reason)
	}

	// A request that still fits the remaining budget is admitted.
	if err := g.Acquire(ctx, 100); err != nil {
		t.Fatalf("expected admit within budget, got %v", err)
	}
	g.Release(100, true)
}

func TestWindowCountersReset(t *testing.T) {
	clock := newFakeClock()
	g := newTestGovernor(t, testConfig(), clock)
	ctx := context.Background()

	if err := g.Acquire(ctx, 50); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	g.Release(50, true)

	clock.Advance(2 * time.Minute)
	if err := g.Acquire(ctx, 50); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	g.Release(50, true)

	snap := g.Metrics()
	if snap.RequestsInWindow != 1 {
		t.Errorf("expected counters reset to 1 request, got %d", snap.RequestsInWindow)
	}
	if snap.TokensInWindow != 50 {
		t.Errorf("expected counters reset to 50 tokens, got %d", snap.TokensInWindow)
	}
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	clock := newFakeClock()
	g := newTestGovernor(t, testConfig(), clock)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := g.Acquire(ctx, 1); err != nil {
			t.Fatalf("acquire %d: unexpected error: %v", i, err)
		}
		g.Release(1, false)
	}

	if state := g.Metrics().CircuitState; state != CircuitOpen {
		t.Fatalf("expected open circuit, got %s", state)
	}

	err := g.Acquire(ctx, 1)
	var co *CircuitOpenError
	if !errors.As(err, &co) {
		t.Fatalf("expected CircuitOpenError, got %v", err)
	}
	if co.RetryAfter <= 0 || co.RetryAfter > 2*time.Minute {
		t.Errorf("retry hint out of range: %v", co.RetryAfter)
	}
}

func TestCircuitRecovery(t *testing.T) {
	clock := newFakeClock()
	g := newTestGovernor(t, testConfig(), clock)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := g.Acquire(ctx, 1); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		g.Release(1, false)
	}

	// Probe admitted after the recovery timeout; circuit goes half-open.
	clock.Advance(2*time.Minute + time.Second)
	if err := g.Acquire(ctx, 1); err != nil {
		t.Fatalf("expected probe admitted, got %v", err)
	}
	if state := g.Metrics().CircuitState; state != CircuitHalfOpen {
		t.Fatalf("expected half-open circuit, got %s", state)
	}

	// One success is not enough to close with SuccessThreshold=2.
	g.Release(1, true)
	if state := g.Metrics().CircuitState; state != CircuitHalfOpen {
		t.Fatalf("expected circuit still half-open, got %s", state)
	}

	if err := g.Acquire(ctx, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	g.Release(1, true)
	if state := g.Metrics().CircuitState; state != CircuitClosed {
		t.Errorf("expected closed circuit after 2 successes, got %s", state)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	g := newTestGovernor(t, testConfig(), clock)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := g.Acquire(ctx, 1); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		g.Release(1, false)
	}

	clock.Advance(2*time.Minute + time.Second)
	if err := g.Acquire(ctx, 1); err != nil {
		t.Fatalf("expected probe admitted, got %v", err)
	}
	g.Release(1, false)

	if state := g.Metrics().CircuitState; state != CircuitOpen {
		t.Fatalf("expected circuit reopened after failed probe, got %s", state)
	}

	// The reopened circuit rejects immediately again.
	if err := g.Acquire(ctx, 1); !IsCircuitOpen(err) {
		t.Errorf("expected CircuitOpenError, got %v", err)
	}
}

func TestConsecutiveCountersMutuallyExclusive(t *testing.T) {
	g := newTestGovernor(t, testConfig(), newFakeClock())
	ctx := context.Background()

	outcomes := []bool{true, true, false, false, true}
	for _, ok := range outcomes {
		if err := g.Acquire(ctx, 1); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		g.Release(1, ok)

		snap := g.Metrics()
		if snap.ConsecutiveFailures != 0 && snap.ConsecutiveSuccesses != 0 {
			t.Fatalf("both streak counters nonzero: failures=%d successes=%d",
				snap.ConsecutiveFailures, snap.ConsecutiveSuccesses)
		}
	}
}

func TestConcurrencyBound(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 2
	g := newTestGovernor(t, cfg, newFakeClock())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := g.Acquire(ctx, 1); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	// Third caller blocks until a slot frees up.
	acquired := make(chan error, 1)
	go func() {
		acquired <- g.Acquire(ctx, 1)
	}()

	select {
	case err := <-acquired:
		t.Fatalf("expected third acquire to block, returned %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	g.Release(1, true)

	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("unexpected error after slot freed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("third acquire never admitted after release")
	}

	g.Release(1, true)
	g.Release(1, true)
}

func TestCancelledAcquireDoesNotLeakSlot(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	g := newTestGovernor(t, cfg, newFakeClock())

	if err := g.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	blocked := make(chan error, 1)
	go func() {
		blocked <- g.Acquire(ctx, 1)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	if err := <-blocked; err == nil {
		t.Fatal("expected cancelled acquire to fail")
	}

	// The cancelled waiter must not have consumed the slot.
	g.Release(1, true)
	if err := g.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("slot leaked by cancelled acquire: %v", err)
	}
	g.Release(1, true)
}

func TestCancelledAcquireRollsBackWindowCounters(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	cfg.RequestsPerWindow = 2
	cfg.TokensPerWindow = 100
	g := newTestGovernor(t, cfg, newFakeClock())

	if err := g.Acquire(context.Background(), 30); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	blocked := make(chan error, 1)
	go func() {
		blocked <- g.Acquire(ctx, 30)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-blocked; err == nil {
		t.Fatal("expected cancelled acquire to fail")
	}

	// The cancelled waiter's reservation must be returned to the window.
	snap := g.Metrics()
	if snap.RequestsInWindow != 1 {
		t.Errorf("expected 1 request in window after rollback, got %d", snap.RequestsInWindow)
	}
	if snap.TokensInWindow != 30 {
		t.Errorf("expected 30 tokens in window after rollback, got %d", snap.TokensInWindow)
	}

	// The returned capacity is usable again within the same window.
	g.Release(30, true)
	if err := g.Acquire(context.Background(), 30); err != nil {
		t.Fatalf("expected rolled-back capacity to be reusable: %v", err)
	}
	g.Release(30, true)
}

func TestWindowCapStrictWhileBlocked(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	cfg.RequestsPerWindow = 2
	g := newTestGovernor(t, cfg, newFakeClock())
	ctx := context.Background()

	if err := g.Acquire(ctx, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Second caller reserves the last window slot while blocked on the
	// concurrency gate.
	blocked := make(chan error, 1)
	go func() {
		blocked <- g.Acquire(ctx, 1)
	}()
	time.Sleep(20 * time.Millisecond)

	// A third caller must be rejected on the window even though the
	// second has not been admitted through the semaphore yet.
	err := g.Acquire(ctx, 1)
	var rateLimited *RateLimitedError
	if !errors.As(err, &rateLimited) || rateLimited.Reason != ReasonRequests {
		t.Fatalf("expected request rate limit while a reservation is pending, got %v", err)
	}

	g.Release(1, true)
	if err := <-blocked; err != nil {
		t.Fatalf("unexpected error for blocked acquire: %v", err)
	}
	g.Release(1, true)
}

func TestExecuteReleasesOnAllPaths(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	g := newTestGovernor(t, cfg, newFakeClock())
	ctx := context.Background()

	callErr := errors.New("upstream exploded")
	if err := g.Execute(ctx, 10, func(context.Context) (uint64, error) {
		return 0, callErr
	}); !errors.Is(err, callErr) {
		t.Fatalf("expected upstream error, got %v", err)
	}

	snap := g.Metrics()
	if snap.ConsecutiveFailures != 1 {
		t.Errorf("expected failure recorded, got %d", snap.ConsecutiveFailures)
	}

	// The slot was released: the next Execute runs immediately.
	if err := g.Execute(ctx, 10, func(context.Context) (uint64, error) {
		return 25, nil
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snap = g.Metrics()
	if snap.ConsecutiveSuccesses != 1 || snap.ConsecutiveFailures != 0 {
		t.Errorf("expected 1 success / 0 failures, got %d / %d",
			snap.ConsecutiveSuccesses, snap.ConsecutiveFailures)
	}
}

func TestResetTime(t *testing.T) {
	clock := newFakeClock()
	g := newTestGovernor(t, testConfig(), clock)

	clock.Advance(40 * time.Second)
	remaining := g.ResetTime()
	if remaining != 20*time.Second {
		t.Errorf("expected 20s until rollover, got %v", remaining)
	}

	clock.Advance(30 * time.Second)
	if remaining := g.ResetTime(); remaining != 0 {
		t.Errorf("expected 0 for expired window, got %v", remaining)
	}
}

func TestForceCircuitState(t *testing.T) {
	clock := newFakeClock()
	g := newTestGovernor(t, testConfig(), clock)
	ctx := context.Background()

	g.ForceCircuitState(CircuitOpen)
	if err := g.Acquire(ctx, 1); !IsCircuitOpen(err) {
		t.Fatalf("expected CircuitOpenError after forced open, got %v", err)
	}

	g.ForceCircuitState(CircuitClosed)
	if err := g.Acquire(ctx, 1); err != nil {
		t.Fatalf("expected admit after forced close, got %v", err)
	}
	g.Release(1, true)
}

func TestRetryAfterHelper(t *testing.T) {
	if _, ok := RetryAfter(errors.New("plain")); ok {
		t.Error("expected no hint for plain error")
	}

	d, ok := RetryAfter(&RateLimitedError{Reason: ReasonRequests, RetryAfter: 5 * time.Second})
	if !ok || d != 5*time.Second {
		t.Errorf("expected 5s hint, got %v (%v)", d, ok)
	}

	d, ok = RetryAfter(&CircuitOpenError{RetryAfter: 7 * time.Second})
	if !ok || d != 7*time.Second {
		t.Errorf("expected 7s hint, got %v (%v)", d, ok)
	}
}
