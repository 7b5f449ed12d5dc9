// Package resilience holds the fabric that keeps ingestion alive under
// partial failure: circuit breaker, retry with backoff, deduplication, and
// the dead-letter queue.
package resilience

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// BreakerState represents the circuit breaker state.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // normal operation, calls pass through
	BreakerOpen                         // failure threshold exceeded, calls blocked
	BreakerHalfOpen                     // probing whether the resource recovered
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrCircuitOpen is returned on fast-fail. Remaining says how long until the
// breaker will allow a probe.
type ErrCircuitOpen struct {
	Remaining time.Duration
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit breaker is open, retry in %s", e.Remaining.Round(time.Millisecond))
}

// IsCircuitOpen reports whether err is a breaker fast-fail.
func IsCircuitOpen(err error) bool {
	var open *ErrCircuitOpen
	return errors.As(err, &open)
}

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	Name             string
	FailureThreshold int           // consecutive failures to trip
	RecoveryTimeout  time.Duration // open duration before half-open
	SuccessThreshold int           // consecutive half-open successes to close

	// OnStateChange is called whenever the state changes.
	OnStateChange func(name string, from, to BreakerState)
}

// DefaultBreakerConfig returns the gateway defaults.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 2,
	}
}

// CircuitBreaker guards a fragile resource, tripping open after a run of
// consecutive failures so that pipeline workers fast-fail into the DLQ
// instead of blocking on a degraded database.
type CircuitBreaker struct {
	cfg    BreakerConfig
	logger *log.Logger

	mu                sync.Mutex
	state             BreakerState
	consecutiveFails  int
	halfOpenSuccesses int
	trippedAt         time.Time
}

// NewCircuitBreaker creates a breaker in the CLOSED state.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	return &CircuitBreaker{
		cfg:    cfg,
		logger: log.New(log.Writer(), "[BREAKER] ", log.LstdFlags),
		state:  BreakerClosed,
	}
}

// State returns the current state, accounting for recovery-timeout expiry.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState(time.Now())
}

// Execute runs fn if the breaker allows it and records the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.allow(); err != nil {
		return err
	}
	err := fn()
	cb.record(err == nil)
	return err
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	switch cb.currentState(now) {
	case BreakerOpen:
		remaining := cb.cfg.RecoveryTimeout - now.Sub(cb.trippedAt)
		if remaining < 0 {
			remaining = 0
		}
		return &ErrCircuitOpen{Remaining: remaining}
	default:
		return nil
	}
}

func (cb *CircuitBreaker) record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state := cb.currentState(now)

	if success {
		switch state {
		case BreakerClosed:
			cb.consecutiveFails = 0
		case BreakerHalfOpen:
			cb.halfOpenSuccesses++
			if cb.halfOpenSuccesses >= cb.cfg.SuccessThreshold {
				cb.transition(BreakerClosed, now)
			}
		}
		return
	}

	switch state {
	case BreakerClosed:
		cb.consecutiveFails++
		if cb.consecutiveFails >= cb.cfg.FailureThreshold {
			cb.transition(BreakerOpen, now)
		}
	case BreakerHalfOpen:
		// A single probe failure reopens the circuit.
		cb.transition(BreakerOpen, now)
	}
}

// currentState must be called with the lock held. It performs the OPEN →
// HALF_OPEN promotion when the recovery timeout elapsed.
func (cb *CircuitBreaker) currentState(now time.Time) BreakerState {
	if cb.state == BreakerOpen && now.Sub(cb.trippedAt) >= cb.cfg.RecoveryTimeout {
		cb.transition(BreakerHalfOpen, now)
	}
	return cb.state
}

func (cb *CircuitBreaker) transition(to BreakerState, now time.Time) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	switch to {
	case BreakerOpen:
		cb.trippedAt = now
	case BreakerHalfOpen:
		cb.halfOpenSuccesses = 0
	case BreakerClosed:
		cb.consecutiveFails = 0
		cb.halfOpenSuccesses = 0
	}
	cb.logger.Printf("%s: %s -> %s", cb.cfg.Name, from, to)
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}
