package services

import (
	"context"
	"sync"
	"testing"

	"confab/internal/core/domain"
	"confab/internal/testutils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRoomRegistry_ConcurrentCreateOpensOneRouter(t *testing.T) {
	engine := testutils.NewFakeEngine()
	pool := newTestPool(t, engine, 2)
	registry := NewRoomRegistry(pool, nil, zaptest.NewLogger(t).Sugar())

	const n = 32
	rooms := make([]*Room, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			room, err := registry.GetOrCreateRoom(context.Background(), "standup")
			assert.NoError(t, err)
			rooms[i] = room
		}(i)
	}
	wg.Wait()

	for _, room := range rooms {
		assert.Same(t, rooms[0], room)
	}
	assert.Equal(t, 1, engine.RoutersCreated())
	assert.Equal(t, 1, registry.Count())
}

func TestRoomRegistry_NoCapacity(t *testing.T) {
	pool := NewWorkerPool(testutils.NewFakeEngine(), WorkerPoolConfig{Size: 1}, nil, zaptest.NewLogger(t).Sugar())
	registry := NewRoomRegistry(pool, nil, zaptest.NewLogger(t).Sugar())

	_, err := registry.GetOrCreateRoom(context.Background(), "standup")
	assert.ErrorIs(t, err, domain.ErrNoCapacity)
	assert.Equal(t, 0, registry.Count())
}

func TestRoomRegistry_RouterFailureReleasesWorker(t *testing.T) {
	engine := testutils.NewFakeEngine()
	pool := newTestPool(t, engine, 1)
	registry := NewRoomRegistry(pool, nil, zaptest.NewLogger(t).Sugar())

	// a closed worker refuses new routers
	engine.Workers()[0].Close()

	_, err := registry.GetOrCreateRoom(context.Background(), "standup")
	assert.ErrorIs(t, err, domain.ErrEngineFailure)
	assert.Equal(t, 0, pool.Stats()[0].Rooms)
}

func TestRoomRegistry_CloseRoom(t *testing.T) {
	engine := testutils.NewFakeEngine()
	pool := newTestPool(t, engine, 1)
	registry := NewRoomRegistry(pool, nil, zaptest.NewLogger(t).Sugar())

	room, err := registry.GetOrCreateRoom(context.Background(), "standup")
	require.NoError(t, err)
	assert.Equal(t, 1, pool.Stats()[0].Rooms)

	closed := registry.CloseRoom("standup")
	require.NotNil(t, closed)
	assert.Equal(t, domain.RoomID("standup"), closed.RoomID)
	assert.True(t, room.Closed())
	assert.True(t, room.router.(*testutils.FakeRouter).Closed())
	assert.Equal(t, 0, pool.Stats()[0].Rooms)

	_, err = registry.GetRoom("standup")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)

	assert.Nil(t, registry.CloseRoom("standup"))

	// a fresh room replaces the closed one
	again, err := registry.GetOrCreateRoom(context.Background(), "standup")
	require.NoError(t, err)
	assert.NotSame(t, room, again)
	assert.Equal(t, 2, engine.RoutersCreated())
}

func TestRoomRegistry_CloseRoomsOnWorker(t *testing.T) {
	engine := testutils.NewFakeEngine()
	pool := newTestPool(t, engine, 2)
	registry := NewRoomRegistry(pool, nil, zaptest.NewLogger(t).Sugar())

	a, err := registry.GetOrCreateRoom(context.Background(), "a")
	require.NoError(t, err)
	b, err := registry.GetOrCreateRoom(context.Background(), "b")
	require.NoError(t, err)
	require.NotEqual(t, a.WorkerID, b.WorkerID)

	closed := registry.CloseRoomsOnWorker(a.WorkerID)
	require.Len(t, closed, 1)
	assert.Equal(t, domain.RoomID("a"), closed[0].RoomID)

	_, err = registry.GetRoom("a")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
	_, err = registry.GetRoom("b")
	assert.NoError(t, err)
}
