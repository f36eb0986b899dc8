package distributed

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestLockExcludesOtherHolders(t *testing.T) {
	_, client := newClient(t)
	ctx := context.Background()

	a := NewLock(client, "confab:test:lock", time.Minute)
	b := NewLock(client, "confab:test:lock", time.Minute)

	ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, b.Release(ctx), ErrLockNotHeld)
	require.NoError(t, a.Release(ctx))

	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAcquireWaitsForRelease(t *testing.T) {
	_, client := newClient(t)
	ctx := context.Background()

	a := NewLock(client, "confab:test:lock", time.Minute)
	require.NoError(t, a.Acquire(ctx))

	go func() {
		time.Sleep(150 * time.Millisecond)
		a.Release(context.Background())
	}()

	b := NewLock(client, "confab:test:lock", time.Minute)
	require.NoError(t, b.Acquire(ctx))
	require.NoError(t, b.Release(ctx))
}

func TestAcquireHonoursContext(t *testing.T) {
	_, client := newClient(t)

	a := NewLock(client, "confab:test:lock", time.Minute)
	require.NoError(t, a.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	err := NewLock(client, "confab:test:lock", time.Minute).Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLockExpires(t *testing.T) {
	mr, client := newClient(t)
	ctx := context.Background()

	a := NewLock(client, "confab:test:lock", time.Second)
	require.NoError(t, a.Acquire(ctx))
	mr.FastForward(2 * time.Second)

	ok, err := NewLock(client, "confab:test:lock", time.Second).TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.ErrorIs(t, a.Release(ctx), ErrLockNotHeld)
}
