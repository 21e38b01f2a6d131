package database

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lib/pq"
)

// transient pq error classes worth retrying: connection failures (08),
// serialization failures and deadlocks (40).
func isTransient(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	class := pqErr.Code.Class()
	return class == "08" || class == "40"
}

// Retry runs fn, retrying with exponential backoff when the failure looks like
// a transient database error. Non-transient errors are returned immediately.
func Retry(ctx context.Context, fn func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.Retry(func() error {
		if err := fn(); err != nil {
			if isTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}, policy)
}

// RetryNotify behaves like Retry but reports each transient failure.
func RetryNotify(ctx context.Context, fn func() error, notify func(error, time.Duration)) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.RetryNotify(func() error {
		if err := fn(); err != nil {
			if isTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}, policy, notify)
}
