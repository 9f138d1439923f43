/**
 * @description
 * Bounded retry for transient database failures. Concurrent claim attempts
 * and webhook callbacks can race on the same transfer row, which surfaces as
 * serialization failures or deadlocks under Postgres; those, plus
 * connection-level failures, are retried with exponential backoff. Any other
 * error aborts immediately and is surfaced unchanged.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5/pgconn: Postgres error codes.
 */

package store

import (
	"context"
	"errors"
	"log"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// RetryPolicy bounds the store's transient-error retries.
type RetryPolicy struct {
	MaxRetries  int
	BaseBackoff time.Duration
}

// DefaultRetryPolicy matches the configuration defaults.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:  3,
	BaseBackoff: 100 * time.Millisecond,
}

// Transient Postgres error codes: serialization_failure, deadlock_detected,
// lock_not_available, admin_shutdown.
var transientPgCodes = map[string]bool{
	"40001": true,
	"40P01": true,
	"55P03": true,
	"57P01": true,
}

// isTransientStoreError classifies an error as retry-safe. Class 08 covers
// every connection exception the driver reports by SQLSTATE.
func isTransientStoreError(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if transientPgCodes[pgErr.Code] {
			return true
		}
		if strings.HasPrefix(pgErr.Code, "08") {
			return true
		}
		return false
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return pgconn.SafeToRetry(err)
}

// backoffDelay returns the sleep before retry number `attempt` (zero-based):
// base · 2^attempt.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	return base << uint(attempt)
}

// withRetry runs fn, retrying transient failures up to the policy bound.
func (p RetryPolicy) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	maxRetries := p.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultRetryPolicy.MaxRetries
	}
	base := p.BaseBackoff
	if base <= 0 {
		base = DefaultRetryPolicy.BaseBackoff
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !isTransientStoreError(err) || attempt >= maxRetries {
			return err
		}

		delay := backoffDelay(base, attempt)
		log.Printf("level=warn component=store op=%s msg=\"transient error; retrying\" attempt=%d delay=%s err=%v", op, attempt+1, delay, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
