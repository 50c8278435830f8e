package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type timeoutErr struct{ timeout bool }

func (e timeoutErr) Error() string   { return "net" }
func (e timeoutErr) Timeout() bool   { return e.timeout }
func (e timeoutErr) Temporary() bool { return false }

func TestShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewExponential(3, time.Millisecond, 10*time.Millisecond)
	boom := errors.New("boom")

	assert.False(t, p.ShouldRetry(nil, 1))
	assert.True(t, p.ShouldRetry(boom, 1))
	assert.True(t, p.ShouldRetry(boom, 2))
	assert.False(t, p.ShouldRetry(boom, 3))
	assert.False(t, p.ShouldRetry(context.Canceled, 1))
	assert.False(t, p.ShouldRetry(context.DeadlineExceeded, 1))
	assert.True(t, p.ShouldRetry(timeoutErr{timeout: true}, 1))
	assert.False(t, p.ShouldRetry(timeoutErr{timeout: false}, 1))
}

func TestBackoffIsBounded(t *testing.T) {
	t.Parallel()

	p := NewExponential(5, 100*time.Millisecond, 400*time.Millisecond)
	for attempt := 0; attempt < 10; attempt++ {
		d := p.Backoff(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 400*time.Millisecond)
	}
}

func TestNewExponentialDefaults(t *testing.T) {
	t.Parallel()

	p := NewExponential(0, 0, 0)
	assert.Equal(t, 3, p.MaxAttempts())
	assert.Equal(t, 250*time.Millisecond, p.baseDelay)
	assert.Equal(t, 5*time.Second, p.maxDelay)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	p := NewExponential(3, time.Millisecond, 2*time.Millisecond)
	calls := 0
	err := Do(context.Background(), p, func(_ context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoReturnsLastError(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("missing")
	p := NewExponential(2, time.Millisecond, time.Millisecond)
	calls := 0
	err := Do(context.Background(), p, func(context.Context, int) error {
		calls++
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, 2, calls)
}

func TestDoStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	p := NewExponential(5, time.Hour, time.Hour)
	err := Do(ctx, p, func(context.Context, int) error {
		cancel()
		return errors.New("fail")
	})
	require.ErrorIs(t, err, context.Canceled)
}
