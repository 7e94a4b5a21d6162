package poll

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrMaxAttempts is wrapped by every TimeoutError.
var ErrMaxAttempts = errors.New("exceeded maximum attempts")

// TimeoutError reports that Resource never reached the awaited state.
type TimeoutError struct {
	Resource string
	Attempts int
}

func (e *TimeoutError) Error() string {
	if e.Resource == "" {
		return fmt.Sprintf("%s (%d) while polling App Store Connect state", ErrMaxAttempts, e.Attempts)
	}
	return fmt.Sprintf("%s (%d) while waiting for %s", ErrMaxAttempts, e.Attempts, e.Resource)
}

func (e *TimeoutError) Unwrap() error { return ErrMaxAttempts }

type Options struct {
	Attempts int
	// Delay is constant between attempts.
	Delay time.Duration
	// Resource names what is awaited, for the timeout error.
	Resource string
	// OnRetry is called with the zero-based attempt index after a miss.
	OnRetry func(attempt int)
}

// Until calls action until predicate accepts its result. An absent result is
// the zero value of T and must be rejected by predicate. Errors from action
// are returned as is.
func Until[T any](ctx context.Context, action func(context.Context) (T, error), predicate func(T) bool, opts Options) (T, error) {
	var zero T
	for attempt := 0; attempt < opts.Attempts; attempt++ {
		result, err := action(ctx)
		if err != nil {
			return zero, err
		}
		if predicate(result) {
			return result, nil
		}

		if opts.OnRetry != nil {
			opts.OnRetry(attempt)
		}
		if attempt == opts.Attempts-1 {
			break
		}
		if err := sleep(ctx, opts.Delay); err != nil {
			return zero, err
		}
	}
	return zero, &TimeoutError{Resource: opts.Resource, Attempts: opts.Attempts}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
