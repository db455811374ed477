package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed lets calls through and counts failures
	StateClosed State = iota
	// StateOpen rejects calls until the recovery timeout elapses
	StateOpen
	// StateHalfOpen lets a probe call through to test recovery
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrCircuitOpen is returned when the breaker rejects a call without
// invoking the wrapped function
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds circuit breaker tuning
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

// Breaker guards a downstream dependency. Consecutive failures trip it
// open; after the recovery timeout a single probe decides whether it
// closes again.
type Breaker struct {
	name   string
	cfg    Config
	logger *zap.Logger

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
}

// New creates a closed breaker with the given config
func New(name string, cfg Config, logger *zap.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	return &Breaker{
		name:   name,
		cfg:    cfg,
		logger: logger.Named("breaker"),
		state:  StateClosed,
	}
}

// State returns the current state, transitioning OPEN to HALF_OPEN if
// the recovery timeout has elapsed
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(time.Now())
}

// Do runs fn under circuit protection. When the breaker is open the
// call is rejected immediately with an error wrapping ErrCircuitOpen
// and the remaining cooldown.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	b.mu.Lock()
	now := time.Now()
	state := b.currentState(now)
	if state == StateOpen {
		remaining := b.cfg.RecoveryTimeout - now.Sub(b.lastFailure)
		b.mu.Unlock()
		return fmt.Errorf("%w: %s retries in %s", ErrCircuitOpen, b.name, remaining.Round(time.Second))
	}
	b.mu.Unlock()

	err := fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailure(state)
		return err
	}
	b.onSuccess(state)
	return nil
}

// currentState must be called with the mutex held
func (b *Breaker) currentState(now time.Time) State {
	if b.state == StateOpen && now.Sub(b.lastFailure) >= b.cfg.RecoveryTimeout {
		b.state = StateHalfOpen
		b.logger.Info("Circuit breaker half-open, probing",
			zap.String("name", b.name))
	}
	return b.state
}

func (b *Breaker) onSuccess(entered State) {
	if entered == StateHalfOpen {
		b.logger.Info("Circuit breaker closed after successful probe",
			zap.String("name", b.name))
	}
	b.state = StateClosed
	b.failures = 0
}

func (b *Breaker) onFailure(entered State) {
	b.failures++
	b.lastFailure = time.Now()

	if entered == StateHalfOpen {
		b.state = StateOpen
		b.logger.Warn("Circuit breaker re-opened, probe failed",
			zap.String("name", b.name))
		return
	}

	if b.failures >= b.cfg.FailureThreshold {
		b.state = StateOpen
		b.logger.Warn("Circuit breaker opened",
			zap.String("name", b.name),
			zap.Int("failures", b.failures),
			zap.Duration("recovery_timeout", b.cfg.RecoveryTimeout))
	}
}

// Failures returns the consecutive failure count
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
