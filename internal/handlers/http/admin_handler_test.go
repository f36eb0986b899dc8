package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"confab/internal/core/domain"
	"confab/internal/infrastructure/middleware"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type mockDirectory struct {
	mock.Mock
}

func (m *mockDirectory) Room(roomID domain.RoomID) (domain.RoomInfo, error) {
	args := m.Called(roomID)
	return args.Get(0).(domain.RoomInfo), args.Error(1)
}

func (m *mockDirectory) Rooms() []domain.RoomInfo {
	return m.Called().Get(0).([]domain.RoomInfo)
}

func (m *mockDirectory) Workers() []domain.WorkerInfo {
	return m.Called().Get(0).([]domain.WorkerInfo)
}

func (m *mockDirectory) RoomPresence(ctx context.Context, roomID domain.RoomID) ([]domain.PresenceEntry, error) {
	args := m.Called(roomID)
	entries, _ := args.Get(0).([]domain.PresenceEntry)
	return entries, args.Error(1)
}

type mockCloser struct {
	mock.Mock
}

func (m *mockCloser) CloseRoom(ctx context.Context, roomID domain.RoomID) bool {
	return m.Called(roomID).Bool(0)
}

func newAdminRouter(t *testing.T, dir *mockDirectory, closer *mockCloser) *gin.Engine {
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t).Sugar()
	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(logger))
	NewAdminHandler(dir, closer, logger).SetupRoutes(router.Group("/api/v1"))
	return router
}

func do(router http.Handler, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestListRoomsAndWorkers(t *testing.T) {
	dir := &mockDirectory{}
	dir.On("Rooms").Return([]domain.RoomInfo{{ID: "standup", WorkerID: "w-1"}})
	dir.On("Workers").Return([]domain.WorkerInfo{
		{ID: "w-1", Alive: true, Rooms: 1},
		{ID: "w-2", Alive: false},
	})
	router := newAdminRouter(t, dir, &mockCloser{})

	w := do(router, http.MethodGet, "/api/v1/rooms")
	require.Equal(t, http.StatusOK, w.Code)
	var rooms struct {
		Rooms []domain.RoomInfo `json:"rooms"`
		Count int               `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rooms))
	assert.Equal(t, 1, rooms.Count)
	assert.Equal(t, domain.RoomID("standup"), rooms.Rooms[0].ID)

	w = do(router, http.MethodGet, "/api/v1/workers")
	require.Equal(t, http.StatusOK, w.Code)
	var workers struct {
		Workers []domain.WorkerInfo `json:"workers"`
		Live    int                 `json:"live"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &workers))
	assert.Len(t, workers.Workers, 2)
	assert.Equal(t, 1, workers.Live)
}

func TestGetRoom(t *testing.T) {
	joined := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	t.Run("local room with remote presence", func(t *testing.T) {
		dir := &mockDirectory{}
		dir.On("Room", domain.RoomID("standup")).Return(domain.RoomInfo{ID: "standup"}, nil)
		dir.On("RoomPresence", domain.RoomID("standup")).Return([]domain.PresenceEntry{
			{PeerID: "p1", InstanceID: "a", RegisteredAt: joined},
			{PeerID: "p2", InstanceID: "b", RegisteredAt: joined},
		}, nil)

		w := do(newAdminRouter(t, dir, &mockCloser{}), http.MethodGet, "/api/v1/rooms/standup")
		require.Equal(t, http.StatusOK, w.Code)

		var detail roomDetail
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &detail))
		require.NotNil(t, detail.Room)
		assert.Len(t, detail.Presence, 2)
		assert.True(t, detail.PresenceAvailable)
	})

	t.Run("remote only", func(t *testing.T) {
		dir := &mockDirectory{}
		dir.On("Room", domain.RoomID("retro")).Return(domain.RoomInfo{}, domain.ErrRoomNotFound)
		dir.On("RoomPresence", domain.RoomID("retro")).Return([]domain.PresenceEntry{
			{PeerID: "p9", InstanceID: "b", RegisteredAt: joined},
		}, nil)

		w := do(newAdminRouter(t, dir, &mockCloser{}), http.MethodGet, "/api/v1/rooms/retro")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"room":null`)
	})

	t.Run("presence down still shows local room", func(t *testing.T) {
		dir := &mockDirectory{}
		dir.On("Room", domain.RoomID("standup")).Return(domain.RoomInfo{ID: "standup"}, nil)
		dir.On("RoomPresence", domain.RoomID("standup")).Return(nil, errors.New("circuit breaker open"))

		w := do(newAdminRouter(t, dir, &mockCloser{}), http.MethodGet, "/api/v1/rooms/standup")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"presenceAvailable":false`)
		assert.Contains(t, w.Body.String(), `"presence":[]`)
	})

	t.Run("unknown room", func(t *testing.T) {
		dir := &mockDirectory{}
		dir.On("Room", domain.RoomID("ghost")).Return(domain.RoomInfo{}, domain.ErrRoomNotFound)
		dir.On("RoomPresence", domain.RoomID("ghost")).Return(nil, nil)

		w := do(newAdminRouter(t, dir, &mockCloser{}), http.MethodGet, "/api/v1/rooms/ghost")
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Contains(t, w.Body.String(), `"not-found"`)
	})

	t.Run("invalid id", func(t *testing.T) {
		w := do(newAdminRouter(t, &mockDirectory{}, &mockCloser{}), http.MethodGet, "/api/v1/rooms/bad%20id")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), `"invalid-request"`)
	})
}

func TestCloseRoom(t *testing.T) {
	closer := &mockCloser{}
	closer.On("CloseRoom", domain.RoomID("standup")).Return(true)
	closer.On("CloseRoom", domain.RoomID("ghost")).Return(false)
	router := newAdminRouter(t, &mockDirectory{}, closer)

	assert.Equal(t, http.StatusNoContent, do(router, http.MethodDelete, "/api/v1/rooms/standup").Code)
	assert.Equal(t, http.StatusNotFound, do(router, http.MethodDelete, "/api/v1/rooms/ghost").Code)
	closer.AssertExpectations(t)
}
