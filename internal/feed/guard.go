package feed

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/stockwatch/feedgate/internal/monitoring"
)

// Guard admission errors. Callers treat both as "no data this cycle" and
// keep serving the last known values; neither is propagated to clients as
// a failure.
var (
	// ErrQuotaExceeded means the per-second upstream request budget is
	// spent. Retrying within the same window is pointless.
	ErrQuotaExceeded = errors.New("upstream quota exceeded")

	// ErrCircuitOpen means the upstream provider is considered down and
	// requests are being short-circuited until the cooldown elapses.
	ErrCircuitOpen = errors.New("upstream circuit open")
)

// CircuitState is the current position of the guard's circuit breaker.
type CircuitState int32

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
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

// GuardConfig holds the static limits for the upstream feed guard.
type GuardConfig struct {
	// QuotaRate is the sustained upstream requests/sec budget.
	QuotaRate float64
	// QuotaBurst is the bucket capacity for request bursts.
	QuotaBurst int
	// FailureThreshold is the number of consecutive failures that trips
	// the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before a single probe
	// request is allowed through.
	Cooldown time.Duration
}

// Guard protects the upstream market-data provider from overload and the
// server from hammering a dead provider.
//
// Two independent admission checks run in order:
//  1. Quota: token bucket over the provider's contractual request budget.
//     A request denied here consumes nothing and does NOT count as a
//     provider failure.
//  2. Circuit breaker: closed -> open after FailureThreshold consecutive
//     failures, open -> half-open after Cooldown, half-open -> closed on
//     the first successful probe (or back to open on a failed one).
//
// Quota accounting is deliberately independent of circuit state: a
// request rejected by the quota never touches the breaker, and breaker
// probes still consume quota tokens.
type Guard struct {
	cfg    GuardConfig
	quota  *rate.Limiter
	logger zerolog.Logger

	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
	probing  bool

	// now is swapped in tests to drive cooldown expiry deterministically.
	now func() time.Time
}

// NewGuard creates a guard with the given limits. Zero values fall back
// to conservative defaults (20 req/s, 5 failures, 60s cooldown).
func NewGuard(cfg GuardConfig, logger zerolog.Logger) *Guard {
	if cfg.QuotaRate == 0 {
		cfg.QuotaRate = 20
	}
	if cfg.QuotaBurst == 0 {
		cfg.QuotaBurst = int(cfg.QuotaRate)
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = 60 * time.Second
	}

	g := &Guard{
		cfg:    cfg,
		quota:  rate.NewLimiter(rate.Limit(cfg.QuotaRate), cfg.QuotaBurst),
		logger: logger.With().Str("component", "feed_guard").Logger(),
		state:  CircuitClosed,
		now:    time.Now,
	}

	monitoring.SetCircuitState(int(CircuitClosed))

	g.logger.Info().
		Float64("quota_rate", cfg.QuotaRate).
		Int("quota_burst", cfg.QuotaBurst).
		Int("failure_threshold", cfg.FailureThreshold).
		Dur("cooldown", cfg.Cooldown).
		Msg("Upstream feed guard initialized")

	return g
}

// Do runs fn against the upstream provider if admission succeeds.
//
// Returns ErrQuotaExceeded or ErrCircuitOpen without invoking fn, or the
// error of fn itself (which feeds the breaker's failure counting).
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	// Quota first. Independent of circuit state by contract with the
	// provider: the budget meters attempts, not successes.
	if !g.quota.Allow() {
		monitoring.IncrementQuotaDenied()
		return ErrQuotaExceeded
	}

	if err := g.admit(); err != nil {
		return err
	}

	err := fn(ctx)
	if err != nil {
		g.recordFailure(err)
		return err
	}
	g.recordSuccess()
	return nil
}

// admit checks the circuit breaker and claims the half-open probe slot.
func (g *Guard) admit() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		if g.now().Sub(g.openedAt) < g.cfg.Cooldown {
			monitoring.IncrementCircuitRejected()
			return ErrCircuitOpen
		}
		// Cooldown elapsed: move to half-open and let exactly one probe
		// through. Concurrent callers keep getting ErrCircuitOpen until
		// the probe settles.
		g.transition(CircuitHalfOpen)
		g.probing = true
		return nil
	case CircuitHalfOpen:
		if g.probing {
			monitoring.IncrementCircuitRejected()
			return ErrCircuitOpen
		}
		g.probing = true
		return nil
	}
	return nil
}

func (g *Guard) recordSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.failures = 0
	g.probing = false
	if g.state != CircuitClosed {
		g.transition(CircuitClosed)
	}
}

func (g *Guard) recordFailure(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	monitoring.IncrementProviderFailures()

	if g.state == CircuitHalfOpen {
		// Failed probe: straight back to open, restart the cooldown.
		g.probing = false
		g.openedAt = g.now()
		g.transition(CircuitOpen)
		g.logger.Warn().Err(err).Msg("Half-open probe failed, circuit reopened")
		return
	}

	g.failures++
	if g.state == CircuitClosed && g.failures >= g.cfg.FailureThreshold {
		g.openedAt = g.now()
		g.transition(CircuitOpen)
		g.logger.Error().
			Err(err).
			Int("consecutive_failures", g.failures).
			Dur("cooldown", g.cfg.Cooldown).
			Msg("Upstream circuit opened")
	}
}

// transition must be called with g.mu held.
func (g *Guard) transition(next CircuitState) {
	prev := g.state
	g.state = next
	monitoring.SetCircuitState(int(next))
	if prev != next {
		g.logger.Info().
			Str("from", prev.String()).
			Str("to", next.String()).
			Msg("Circuit state changed")
	}
}

// State returns the current circuit state.
func (g *Guard) State() CircuitState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Stats returns guard counters for the health endpoint.
func (g *Guard) Stats() map[string]any {
	g.mu.Lock()
	defer g.mu.Unlock()
	return map[string]any{
		"circuit_state":        g.state.String(),
		"consecutive_failures": g.failures,
		"quota_rate":           g.cfg.QuotaRate,
		"quota_burst":          g.cfg.QuotaBurst,
	}
}
