package util

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheAddGetRemove(t *testing.T) {
	c := NewCache[string](2)
	c.Add("a", "apple")
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "apple", v)

	c.Remove("a")
	_, ok = c.Get("a")
	assert.False(t, ok)
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewCache[int](2)
	c.Add("a", 1)
	c.Add("b", 2)
	c.Add("c", 3) // evicts "a"

	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestRetryUntilPresentReturnsOnFirstSuccess(t *testing.T) {
	calls := 0
	fetch := func(context.Context) ([]byte, error) {
		calls++
		return []byte("value"), nil
	}
	val, err := RetryUntilPresent(context.Background(), 100*time.Millisecond, time.Second, fetch)
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), val)
	assert.Equal(t, 1, calls)
}

func TestRetryUntilPresentRetriesEmptyResult(t *testing.T) {
	calls := 0
	fetch := func(context.Context) ([]byte, error) {
		calls++
		if calls < 3 {
			return nil, nil
		}
		return []byte("finally"), nil
	}
	val, err := RetryUntilPresent(context.Background(), 50*time.Millisecond, 2*time.Second, fetch)
	require.NoError(t, err)
	assert.Equal(t, []byte("finally"), val)
	assert.GreaterOrEqual(t, calls, 3)
}

func TestRetryUntilPresentExhaustsCumulativeBudget(t *testing.T) {
	fetch := func(context.Context) ([]byte, error) {
		return nil, nil
	}
	_, err := RetryUntilPresent(context.Background(), 10*time.Millisecond, 50*time.Millisecond, fetch)
	assert.ErrorIs(t, err, ErrKvsUnavailable)
}

func TestRetryUntilPresentRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fetch := func(context.Context) ([]byte, error) {
		return nil, nil
	}
	_, err := RetryUntilPresent(ctx, 10*time.Millisecond, time.Second, fetch)
	assert.ErrorIs(t, err, context.Canceled)
}
