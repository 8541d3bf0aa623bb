package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetryPolicyExhausted(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(3, 250*time.Millisecond, 2, 30*time.Second)
	require.Equal(t, 3, p.MaxAttempts())
	require.False(t, p.Exhausted(1))
	require.False(t, p.Exhausted(2))
	require.True(t, p.Exhausted(3))
	require.True(t, p.Exhausted(4))
}

func TestRetryPolicyBackoffGrowsAndCaps(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(5, 100*time.Millisecond, 2, 500*time.Millisecond)

	first := p.Backoff(1)
	require.GreaterOrEqual(t, first, 50*time.Millisecond)
	require.LessOrEqual(t, first, 100*time.Millisecond)

	second := p.Backoff(2)
	require.GreaterOrEqual(t, second, 100*time.Millisecond)
	require.LessOrEqual(t, second, 200*time.Millisecond)

	// Deep attempts stay at the cap regardless of jitter.
	deep := p.Backoff(10)
	require.LessOrEqual(t, deep, 500*time.Millisecond)
	require.GreaterOrEqual(t, deep, 250*time.Millisecond)
}

func TestRetryPolicyDefaults(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(0, 0, 0, 0)
	require.Equal(t, 3, p.MaxAttempts())
	require.Greater(t, p.Backoff(1), time.Duration(0))
}
