package redis

import (
	"context"
	"os"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient connects to the redis named by REDIS_TEST_HOST, or skips.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	host := os.Getenv("REDIS_TEST_HOST")
	if host == "" {
		t.Skip("REDIS_TEST_HOST not set")
	}
	port := 6379
	if p := os.Getenv("REDIS_TEST_PORT"); p != "" {
		var err error
		port, err = strconv.Atoi(p)
		require.NoError(t, err)
	}

	c, err := NewClient(host, port, "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestEmbeddingRoundTrip(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	key := uuid.NewString()

	_, ok, err := c.GetEmbedding(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.SetEmbedding(ctx, key, []float32{0.5, -0.25}, time.Minute))

	got, ok, err := c.GetEmbedding(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []float32{0.5, -0.25}, got)
}

func TestLockIsExclusive(t *testing.T) {
	c := newTestClient(t)
	key := "test-" + uuid.NewString()

	unlock, err := c.Lock(context.Background(), key)
	require.NoError(t, err)

	var acquired atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		second, err := c.Lock(context.Background(), key)
		if err == nil {
			acquired.Store(true)
			second()
		}
	}()

	time.Sleep(150 * time.Millisecond)
	assert.False(t, acquired.Load())

	unlock()
	<-done
	assert.True(t, acquired.Load())
}

func TestLockHonoursContext(t *testing.T) {
	c := newTestClient(t)
	key := "test-" + uuid.NewString()

	unlock, err := c.Lock(context.Background(), key)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = c.Lock(ctx, key)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
