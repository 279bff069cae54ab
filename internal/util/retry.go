// Package util provides shared utility functions for blockfs.
package util

import (
	"context"
	"errors"
	"strings"
	"syscall"
	"time"

	"github.com/avast/retry-go/v4"
)

// FileRetryOptions returns retry options for filesystem mutations
// (rename, remove, mkdir). Only transient errno values are retried.
func FileRetryOptions(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(20 * time.Millisecond),
		retry.MaxDelay(200 * time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(IsTransientFSError),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	}
}

// DatabaseRetryOptions returns retry options for manifest writes.
// Only "database is locked" errors are retried.
func DatabaseRetryOptions(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(100 * time.Millisecond),
		retry.MaxDelay(300 * time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(IsDatabaseLocked),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	}
}

// DefaultRetryOptions returns sensible defaults for retry operations.
func DefaultRetryOptions(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(100 * time.Millisecond),
		retry.MaxDelay(1 * time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
	}
}

// Retry executes fn with retry logic.
// Returns the last error if all attempts fail.
func Retry(ctx context.Context, fn func() error, opts ...retry.Option) error {
	if len(opts) == 0 {
		opts = DefaultRetryOptions(ctx)
	}
	return retry.Do(fn, opts...)
}

// RetryWithResult executes fn with retry logic and returns the result.
func RetryWithResult[T any](ctx context.Context, fn func() (T, error), opts ...retry.Option) (T, error) {
	if len(opts) == 0 {
		opts = DefaultRetryOptions(ctx)
	}
	return retry.DoWithData(fn, opts...)
}

// Common retry predicates

// IsDatabaseLocked returns true if the error indicates a database lock.
func IsDatabaseLocked(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "database is locked")
}

// IsTransientFSError returns true for errno values that usually clear up
// on their own (a scanner or indexer holding the file, interrupted calls).
func IsTransientFSError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, syscall.EBUSY) ||
		errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.ETXTBSY) ||
		errors.Is(err, syscall.EINTR)
}
