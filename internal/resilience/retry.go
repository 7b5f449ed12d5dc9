package resilience

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lib/pq"
)

// RetryConfig bounds the retry-with-backoff policy for transient errors.
// delay = min(Base * 2^(attempt-1), Max), with up to 10% jitter.
type RetryConfig struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
}

// DefaultRetryConfig matches the gateway defaults: 3 attempts, 100ms base,
// 2s ceiling.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, Base: 100 * time.Millisecond, Max: 2 * time.Second}
}

// Retry runs op up to cfg.MaxAttempts times, backing off between transient
// failures. Non-transient errors propagate immediately; on exhaustion the
// last error propagates so the caller's DLQ path picks it up.
func Retry(ctx context.Context, cfg RetryConfig, op func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Base <= 0 {
		cfg.Base = 100 * time.Millisecond
	}
	if cfg.Max <= 0 {
		cfg.Max = 2 * time.Second
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.Base
	policy.Multiplier = 2
	policy.RandomizationFactor = 0.1
	policy.MaxInterval = cfg.Max
	policy.MaxElapsedTime = 0 // bounded by attempt count, not wall clock

	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(wrapped, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(cfg.MaxAttempts-1)), ctx))
}

// Postgres error classes that are worth retrying: serialization failures,
// deadlocks, connection exceptions, resource shortages.
var transientPQClasses = map[string]bool{
	"40": true, // transaction rollback (serialization, deadlock)
	"08": true, // connection exception
	"53": true, // insufficient resources
	"57": true, // operator intervention (admin shutdown etc.)
}

// IsTransient reports whether err looks like a transient database or network
// failure that a retry can plausibly fix.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return transientPQClasses[string(pqErr.Code.Class())]
	}
	msg := err.Error()
	for _, frag := range []string{"connection refused", "connection reset", "broken pipe", "i/o timeout"} {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}
