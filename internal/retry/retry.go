// Package retry wraps fallible pipeline operations with bounded
// exponential backoff and classifies errors as transient or fatal.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/voxpipe-labs/voxpipe-core/internal/config"
)

// Policy bounds a retry loop. BaseDelay doubles on every attempt up to
// MaxDelay.
type Policy struct {
	MaxTries  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func FromConfig(cfg config.RetryConfig) Policy {
	return Policy{
		MaxTries:  cfg.MaxTries,
		BaseDelay: time.Duration(cfg.BaseDelayMS) * time.Millisecond,
		MaxDelay:  time.Duration(cfg.MaxDelayMS) * time.Millisecond,
	}
}

// Classifier reports whether an error is worth retrying.
type Classifier func(error) bool

type transientError struct {
	err error
}

func (t *transientError) Error() string   { return t.err.Error() }
func (t *transientError) Unwrap() error   { return t.err }
func (t *transientError) Transient() bool { return true }

// Transient marks an error as retryable regardless of its underlying type.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient classifies recreatable filesystem trouble, declared
// timeouts, and errors explicitly marked with Transient as retryable.
// Malformed input and invariant violations stay fatal.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var marked interface{ Transient() bool }
	if errors.As(err, &marked) {
		return marked.Transient()
	}
	if errors.Is(err, fs.ErrPermission) || errors.Is(err, fs.ErrNotExist) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}

// Do runs fn, retrying with exponential backoff while the classifier
// accepts the error and attempts remain. A nil classifier means
// IsTransient. Non-retryable errors propagate immediately.
func Do(ctx context.Context, log *slog.Logger, name string, policy Policy, retryable Classifier, fn func() error) error {
	if retryable == nil {
		retryable = IsTransient
	}

	op := func() (struct{}, error) {
		err := fn()
		if err == nil {
			return struct{}{}, nil
		}
		if !retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = policy.BaseDelay
	expo.Multiplier = 2
	expo.MaxInterval = policy.MaxDelay

	notify := func(err error, wait time.Duration) {
		log.Warn("operation failed, retrying",
			slog.String("operation", name),
			slog.Duration("backoff", wait),
			slog.String("error", err.Error()))
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(policy.MaxTries)),
		backoff.WithNotify(notify))
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}
