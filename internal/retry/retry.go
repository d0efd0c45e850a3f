// Package retry runs external calls under a capped exponential backoff.
package retry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	DefaultMaxAttempts = 3
	DefaultInitial     = 500 * time.Millisecond
	DefaultMax         = 5 * time.Second
)

// Policy bounds a retry loop. Zero fields fall back to the defaults.
type Policy struct {
	MaxAttempts uint
	Initial     time.Duration
	Max         time.Duration
	// Notify, when set, is called before each wait with the failed attempt's error.
	Notify func(err error, wait time.Duration)
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Initial <= 0 {
		p.Initial = DefaultInitial
	}
	if p.Max <= 0 {
		p.Max = DefaultMax
	}
	return p
}

// Do calls op until it succeeds, returns a Permanent error, the attempts are
// exhausted or ctx is done. The last error is returned on failure.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	p = p.withDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.MaxAttempts),
	}
	if p.Notify != nil {
		opts = append(opts, backoff.WithNotify(p.Notify))
	}
	return backoff.Retry(ctx, func() (T, error) {
		return op(ctx)
	}, opts...)
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// Transient reports whether err is worth another attempt. Upstream client
// errors other than 408 and 429 and context cancellation are not.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var sc httpStatusCoder
	if errors.As(err, &sc) {
		code := sc.HTTPStatusCode()
		if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
			return true
		}
		return code < 400 || code >= 500
	}
	return true
}
