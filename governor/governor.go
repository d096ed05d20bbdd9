// Package governor admits or rejects calls to an expensive external
// dependency based on fixed-window throughput limits, a bounded concurrency
// gate, and a circuit breaker driven by recent failure history.
//
// A caller wraps every governed call in Acquire/Release (or uses Execute,
// which pairs them with a deferred release). Acquire never sleeps on a rate
// or circuit rejection; it fails fast with a retry hint. The only blocking
// point is the concurrency slot when MaxConcurrent calls are in flight.
package governor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// CircuitState is the circuit breaker state.
type CircuitState int

// Circuit breaker states.
const (
	CircuitClosed   CircuitState = iota // normal operation
	CircuitOpen                         // failing fast, waiting for recovery timeout
	CircuitHalfOpen                     // probing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds the governor limits. Zero values are replaced by defaults
// where a default exists; RequestsPerWindow, TokensPerWindow and
// MaxConcurrent must be supplied.
type Config struct {
	// RequestsPerWindow is the maximum number of admitted calls per window.
	RequestsPerWindow uint64 `yaml:"requests_per_window"`

	// TokensPerWindow is the maximum estimated token budget per window.
	TokensPerWindow uint64 `yaml:"tokens_per_window"`

	// WindowDuration is the fixed accounting window (default 60s).
	WindowDuration time.Duration `yaml:"window_duration"`

	// MaxConcurrent is the number of calls allowed in flight at once.
	MaxConcurrent int64 `yaml:"max_concurrent"`

	// FailureThreshold is the consecutive-failure count that opens the
	// circuit (default 5).
	FailureThreshold int `yaml:"failure_threshold"`

	// RecoveryTimeout is how long the circuit stays open before admitting
	// a probe (default 2m).
	RecoveryTimeout time.Duration `yaml:"recovery_timeout"`

	// SuccessThreshold is the consecutive-success count that closes a
	// half-open circuit (default 2).
	SuccessThreshold int `yaml:"success_threshold"`
}

// DefaultConfig returns governor defaults sized for a single LLM endpoint.
func DefaultConfig() Config {
	return Config{
		RequestsPerWindow: 60,
		TokensPerWindow:   100_000,
		WindowDuration:    time.Minute,
		MaxConcurrent:     3,
		FailureThreshold:  5,
		RecoveryTimeout:   2 * time.Minute,
		SuccessThreshold:  2,
	}
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.RequestsPerWindow == 0 {
		return fmt.Errorf("requests_per_window must be positive")
	}
	if c.TokensPerWindow == 0 {
		return fmt.Errorf("tokens_per_window must be positive")
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("max_concurrent must be positive")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.WindowDuration <= 0 {
		c.WindowDuration = time.Minute
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 2 * time.Minute
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	return c
}

// Snapshot is a point-in-time copy of the governor's counters and circuit
// state, for monitoring and tests.
type Snapshot struct {
	RequestsInWindow     uint64       `json:"requests_in_window"`
	TokensInWindow       uint64       `json:"tokens_in_window"`
	WindowStart          time.Time    `json:"window_start"`
	CircuitState         CircuitState `json:"-"`
	Circuit              string       `json:"circuit_state"`
	ConsecutiveFailures  int          `json:"consecutive_failures"`
	ConsecutiveSuccesses int          `json:"consecutive_successes"`
}

// Governor is the single per-process admission gate for governed calls.
// All counter and circuit mutations happen under one mutex; the semaphore
// is the only point where callers can block.
type Governor struct {
	cfg    Config
	clock  Clock
	logger *slog.Logger
	sem    *semaphore.Weighted

	mu                   sync.Mutex
	requestsInWindow     uint64
	tokensInWindow       uint64
	windowStart          time.Time
	state                CircuitState
	circuitOpenedAt      time.Time
	consecutiveFailures  int
	consecutiveSuccesses int
}

// Option configures a Governor.
type Option func(*Governor)

// WithClock sets the time source. Intended for tests.
func WithClock(c Clock) Option {
	return func(g *Governor) {
		g.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Governor) {
		g.logger = logger
	}
}

// New creates a Governor with zeroed counters and a closed circuit.
func New(cfg Config, opts ...Option) (*Governor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid governor config: %w", err)
	}
	cfg = cfg.withDefaults()

	g := &Governor{
		cfg:    cfg,
		clock:  systemClock{},
		logger: slog.Default(),
		sem:    semaphore.NewWeighted(cfg.MaxConcurrent),
		state:  CircuitClosed,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.windowStart = g.clock.Now()
	return g, nil
}

// Acquire admits one governed call with the given estimated token cost.
//
// It fails fast with *CircuitOpenError while the breaker is open and with
// *RateLimitedError when the current window is exhausted; both carry a
// retry hint. When admitted on limits, it blocks until a concurrency slot
// frees up or ctx is done. Every nil return must be paired with exactly
// one Release on every exit path.
func (g *Governor) Acquire(ctx context.Context, estimatedCost uint64) error {
	// Reserve window capacity before suspending on the semaphore so the
	// per-window caps stay strict under concurrent load.
	windowStart, err := g.reserve(estimatedCost)
	if err != nil {
		return err
	}

	// The only suspension point. A context error here means nothing was
	// admitted: the reservation is rolled back and the caller must not
	// call Release.
	if err := g.sem.Acquire(ctx, 1); err != nil {
		g.unreserve(estimatedCost, windowStart)
		return fmt.Errorf("acquire concurrency slot: %w", err)
	}

	admittedTotal.Inc()
	return nil
}

// reserve runs the non-blocking window and circuit checks and, on success,
// claims the caller's share of the current window. It returns the window
// start the reservation was made against so a rollback can tell whether
// the window has since rolled over.
func (g *Governor) reserve(estimatedCost uint64) (time.Time, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()

	// Circuit evaluation first: an open breaker rejects before any window
	// bookkeeping happens.
	if g.state == CircuitOpen {
		elapsed := now.Sub(g.circuitOpenedAt)
		if elapsed < g.cfg.RecoveryTimeout {
			rejectedTotal.WithLabelValues("circuit_open").Inc()
			return time.Time{}, &CircuitOpenError{RetryAfter: g.cfg.RecoveryTimeout - elapsed}
		}
		g.transitionTo(CircuitHalfOpen)
	}

	// Fixed-window reset. Simpler than a true sliding window; the window
	// start is tracked separately from the circuit-opened timestamp so the
	// two clocks can never be conflated.
	if now.Sub(g.windowStart) > g.cfg.WindowDuration {
		g.requestsInWindow = 0
		g.tokensInWindow = 0
		g.windowStart = now
	}

	remaining := g.cfg.WindowDuration - now.Sub(g.windowStart)
	if g.requestsInWindow >= g.cfg.RequestsPerWindow {
		rejectedTotal.WithLabelValues(string(ReasonRequests)).Inc()
		return time.Time{}, &RateLimitedError{Reason: ReasonRequests, RetryAfter: remaining}
	}
	if g.tokensInWindow+estimatedCost > g.cfg.TokensPerWindow {
		rejectedTotal.WithLabelValues(string(ReasonTokens)).Inc()
		return time.Time{}, &RateLimitedError{Reason: ReasonTokens, RetryAfter: remaining}
	}

	g.requestsInWindow++
	g.tokensInWindow += estimatedCost
	return g.windowStart, nil
}

// unreserve undoes a reservation whose caller never got a concurrency
// slot. A reservation made against an already rolled-over window has
// nothing left to undo.
func (g *Governor) unreserve(estimatedCost uint64, windowStart time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.windowStart.Equal(windowStart) {
		return
	}
	if g.requestsInWindow > 0 {
		g.requestsInWindow--
	}
	if g.tokensInWindow >= estimatedCost {
		g.tokensInWindow -= estimatedCost
	} else {
		g.tokensInWindow = 0
	}
}

// Release returns the concurrency slot and records the call outcome.
// It never fails and must be called exactly once per successful Acquire.
func (g *Governor) Release(actualCost uint64, success bool) {
	g.sem.Release(1)
	tokensConsumedTotal.Add(float64(actualCost))

	g.mu.Lock()
	defer g.mu.Unlock()

	if success {
		g.consecutiveSuccesses++
		g.consecutiveFailures = 0
		if g.state == CircuitHalfOpen && g.consecutiveSuccesses >= g.cfg.SuccessThreshold {
			g.transitionTo(CircuitClosed)
		}
		return
	}

	g.consecutiveFailures++
	g.consecutiveSuccesses = 0
	if g.consecutiveFailures >= g.cfg.FailureThreshold && g.state != CircuitOpen {
		g.transitionTo(CircuitOpen)
	}
}

// transitionTo changes the circuit state. Must be called with the mutex held.
func (g *Governor) transitionTo(next CircuitState) {
	prev := g.state
	if prev == next {
		return
	}
	g.state = next
	if next == CircuitOpen {
		g.circuitOpenedAt = g.clock.Now()
	}
	circuitStateGauge.Set(float64(next))
	g.logger.Info("circuit state transition",
		"from", prev.String(),
		"to", next.String(),
		"consecutive_failures", g.consecutiveFailures)
}

// Execute runs fn under governance: it acquires with estimatedCost, invokes
// fn, and releases on every exit path including panic and cancellation
// inside fn. fn returns the actual token cost of the call; a zero actual
// cost falls back to the estimate for accounting.
func (g *Governor) Execute(ctx context.Context, estimatedCost uint64, fn func(context.Context) (uint64, error)) error {
	if err := g.Acquire(ctx, estimatedCost); err != nil {
		return err
	}

	actualCost := estimatedCost
	success := false
	defer func() {
		g.Release(actualCost, success)
	}()

	n, err := fn(ctx)
	if n > 0 {
		actualCost = n
	}
	if err != nil {
		return err
	}
	success = true
	return nil
}

// Metrics returns a snapshot of the governor state.
func (g *Governor) Metrics() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Snapshot{
		RequestsInWindow:     g.requestsInWindow,
		TokensInWindow:       g.tokensInWindow,
		WindowStart:          g.windowStart,
		CircuitState:         g.state,
		Circuit:              g.state.String(),
		ConsecutiveFailures:  g.consecutiveFailures,
		ConsecutiveSuccesses: g.consecutiveSuccesses,
	}
}

// ResetTime returns the time remaining until the current window rolls over.
// Returns zero if the window has already expired.
func (g *Governor) ResetTime() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	remaining := g.cfg.WindowDuration - g.clock.Now().Sub(g.windowStart)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ForceCircuitState overrides the circuit state. Administrative escape
// hatch for operational recovery and tests; it also clears the failure and
// success streaks so the forced state starts from a clean slate.
func (g *Governor) ForceCircuitState(state CircuitState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.transitionTo(state)
	g.consecutiveFailures = 0
	g.consecutiveSuccesses = 0
}
