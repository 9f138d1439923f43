package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsTransientStoreError(t *testing.T) {
	testCases := []struct {
		name      string
		err       error
		transient bool
	}{
		{name: "nil error", err: nil, transient: false},
		{name: "serialization failure", err: &pgconn.PgError{Code: "40001"}, transient: true},
		{name: "deadlock detected", err: &pgconn.PgError{Code: "40P01"}, transient: true},
		{name: "lock not available", err: &pgconn.PgError{Code: "55P03"}, transient: true},
		{name: "admin shutdown", err: &pgconn.PgError{Code: "57P01"}, transient: true},
		{name: "connection exception class", err: &pgconn.PgError{Code: "08006"}, transient: true},
		{name: "unique violation", err: &pgconn.PgError{Code: "23505"}, transient: false},
		{name: "not null violation", err: &pgconn.PgError{Code: "23502"}, transient: false},
		{name: "syntax error", err: &pgconn.PgError{Code: "42601"}, transient: false},
		{name: "wrapped transient pg error", err: fmt.Errorf("query failed: %w", &pgconn.PgError{Code: "40001"}), transient: true},
		{name: "plain error", err: errors.New("boom"), transient: false},
		{name: "context canceled", err: context.Canceled, transient: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isTransientStoreError(tc.err); got != tc.transient {
				t.Errorf("isTransientStoreError(%v) = %v, want %v", tc.err, got, tc.transient)
			}
		})
	}
}

func TestBackoffDelay(t *testing.T) {
	testCases := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: 100 * time.Millisecond},
		{attempt: 1, want: 200 * time.Millisecond},
		{attempt: 2, want: 400 * time.Millisecond},
		{attempt: 3, want: 800 * time.Millisecond},
	}
	for _, tc := range testCases {
		if got := backoffDelay(100*time.Millisecond, tc.attempt); got != tc.want {
			t.Errorf("backoffDelay(100ms, %d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestWithRetryStopsOnPermanentError(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3, BaseBackoff: time.Millisecond}
	permanent := &pgconn.PgError{Code: "23505"}

	calls := 0
	err := policy.withRetry(context.Background(), "test_op", func(ctx context.Context) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("expected the permanent error back, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected a single call for a permanent error, got %d", calls)
	}
}

func TestWithRetryRecoversFromTransientError(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3, BaseBackoff: time.Millisecond}

	calls := 0
	err := policy.withRetry(context.Background(), "test_op", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestWithRetryExhaustsBudget(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 2, BaseBackoff: time.Millisecond}
	transient := &pgconn.PgError{Code: "40P01"}

	calls := 0
	err := policy.withRetry(context.Background(), "test_op", func(ctx context.Context) error {
		calls++
		return transient
	})
	if !errors.Is(err, transient) {
		t.Fatalf("expected the transient error after exhaustion, got %v", err)
	}
	// Initial call plus MaxRetries retries.
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestWithRetryHonorsContextCancellation(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 5, BaseBackoff: 50 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := policy.withRetry(ctx, "test_op", func(ctx context.Context) error {
		calls++
		return &pgconn.PgError{Code: "40001"}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls == 0 {
		t.Error("expected at least one call before cancellation")
	}
}
