package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu    sync.Mutex
	waits []string
}

func (r *recordingObserver) ObserveRateLimitDelay(rawURL string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waits = append(r.waits, rawURL)
}

func TestLimiterWaitDelaysSecondRequest(t *testing.T) {
	t.Parallel()

	obs := &recordingObserver{}
	l := New(Config{DefaultRPS: 10, DefaultBurst: 1}, obs)
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://test.com/a"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://test.com/b"))
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []string{"https://test.com/b"}, obs.waits)
}

func TestLimiterDifferentHosts(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 1, DefaultBurst: 1}, nil)
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.com/1"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://b.com/1"))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiterUnlimited(t *testing.T) {
	t.Parallel()

	l := New(Config{}, nil)
	start := time.Now()
	for i := 0; i < 20; i++ {
		require.NoError(t, l.Wait(context.Background(), "https://a.com/x"))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiterHonorsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.01, DefaultBurst: 1}, nil)
	require.NoError(t, l.Wait(context.Background(), "https://slow.com"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "https://slow.com"))
}

func TestHostOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "example.com", hostOf("https://example.com/x.jpg"))
	assert.Equal(t, "unknown", hostOf("data:image/png;base64,AAAA"))
	assert.Equal(t, "unknown", hostOf("http://%"))
}
