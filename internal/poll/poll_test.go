package poll_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bencyrus/testflight-uploader/internal/poll"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUntil_ReturnsWhenPredicateSatisfied(t *testing.T) {
	calls := 0
	var retries []int

	result, err := poll.Until(context.Background(), func(context.Context) (string, error) {
		calls++
		if calls == 2 {
			return "done", nil
		}
		return "", nil
	}, func(v string) bool { return v == "done" }, poll.Options{
		Attempts: 3,
		Delay:    10 * time.Millisecond,
		OnRetry:  func(attempt int) { retries = append(retries, attempt) },
	})

	require.NoError(t, err)
	assert.Equal(t, "done", result)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []int{0}, retries)
}

func TestUntil_FailsAfterMaxAttempts(t *testing.T) {
	calls := 0
	delay := 5 * time.Millisecond
	start := time.Now()

	_, err := poll.Until(context.Background(), func(context.Context) (string, error) {
		calls++
		return "", nil
	}, func(v string) bool { return v != "" }, poll.Options{Attempts: 2, Delay: delay, Resource: "build 123"})

	require.Error(t, err)
	assert.ErrorIs(t, err, poll.ErrMaxAttempts)
	var timeout *poll.TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "build 123", timeout.Resource)
	assert.Contains(t, err.Error(), "build 123")
	assert.Equal(t, 2, calls)
	assert.GreaterOrEqual(t, time.Since(start), delay)
}

func TestUntil_ActionErrorIsNotATimeout(t *testing.T) {
	boom := errors.New("boom")
	calls := 0

	_, err := poll.Until(context.Background(), func(context.Context) (int, error) {
		calls++
		return 0, boom
	}, func(v int) bool { return v > 0 }, poll.Options{Attempts: 5, Delay: time.Millisecond})

	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, poll.ErrMaxAttempts)
	assert.Equal(t, 1, calls)
}

func TestUntil_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	_, err := poll.Until(ctx, func(context.Context) (string, error) {
		cancel()
		return "", nil
	}, func(v string) bool { return v != "" }, poll.Options{Attempts: 5, Delay: time.Hour})

	assert.ErrorIs(t, err, context.Canceled)
}
