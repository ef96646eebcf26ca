package ratelimit

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter() *Limiter {
	return New(map[Class]Limit{
		ClassTransform: {PerSecond: 1, Burst: 3},
	})
}

func TestAllow_BurstThenThrottle(t *testing.T) {
	l := newTestLimiter()

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Allow("alice", ClassTransform), "request %d within burst", i)
	}

	err := l.Allow("alice", ClassTransform)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrThrottled))

	var te *ThrottledError
	require.True(t, errors.As(err, &te))
	assert.Greater(t, te.RetryAfter.Nanoseconds(), int64(0))
}

func TestAllow_IdentitiesIsolated(t *testing.T) {
	l := newTestLimiter()

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Allow("alice", ClassTransform))
	}
	require.Error(t, l.Allow("alice", ClassTransform))

	// A different identity has its own bucket.
	assert.NoError(t, l.Allow("bob", ClassTransform))
}

func TestAllow_ClassesIsolated(t *testing.T) {
	l := New(map[Class]Limit{
		ClassTransform: {PerSecond: 1, Burst: 1},
		ClassRead:      {PerSecond: 1, Burst: 1},
	})

	require.NoError(t, l.Allow("alice", ClassTransform))
	require.Error(t, l.Allow("alice", ClassTransform))

	assert.NoError(t, l.Allow("alice", ClassRead))
}

func TestAllow_UnconfiguredClassAdmits(t *testing.T) {
	l := newTestLimiter()

	for i := 0; i < 100; i++ {
		require.NoError(t, l.Allow("alice", ClassUpload))
	}
}

// A rejected request must not consume a token: once the bucket refills, the
// hinted retry succeeds instead of being pushed further out.
func TestAllow_RejectionKeepsTokens(t *testing.T) {
	l := newTestLimiter()

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Allow("alice", ClassTransform))
	}

	var first, second *ThrottledError
	require.True(t, errors.As(l.Allow("alice", ClassTransform), &first))
	require.True(t, errors.As(l.Allow("alice", ClassTransform), &second))

	// Roughly equal hints; a consumed reservation would double the second.
	assert.InDelta(t, first.RetryAfter.Seconds(), second.RetryAfter.Seconds(), 0.5)
}
