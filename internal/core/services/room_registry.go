package services

import (
	"context"
	"fmt"
	"sync"

	"confab/internal/core/domain"
	"confab/internal/core/ports"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ClosedRoom describes a room torn down as a whole, so callers can notify
// the peers that were in it.
type ClosedRoom struct {
	RoomID domain.RoomID
	Peers  []domain.PeerID
}

// RoomRegistry maps room ids to live rooms. Creation for one id is
// linearized through a singleflight group so only one router is ever opened
// per id; the engine call runs outside the registry lock.
type RoomRegistry struct {
	pool    *WorkerPool
	metrics ports.MetricsRecorder
	logger  *zap.SugaredLogger

	mu    sync.Mutex
	rooms map[domain.RoomID]*Room
	group singleflight.Group
}

func NewRoomRegistry(pool *WorkerPool, metrics ports.MetricsRecorder, logger *zap.SugaredLogger) *RoomRegistry {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &RoomRegistry{
		pool:    pool,
		metrics: metrics,
		logger:  logger,
		rooms:   make(map[domain.RoomID]*Room),
	}
}

func (r *RoomRegistry) lookup(id domain.RoomID) (*Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[id]
	return room, ok
}

// GetOrCreateRoom returns the room for id, opening a router on the next
// worker if it does not exist yet.
func (r *RoomRegistry) GetOrCreateRoom(ctx context.Context, id domain.RoomID) (*Room, error) {
	if room, ok := r.lookup(id); ok {
		return room, nil
	}

	v, err, _ := r.group.Do(string(id), func() (interface{}, error) {
		if room, ok := r.lookup(id); ok {
			return room, nil
		}

		worker, err := r.pool.Acquire()
		if err != nil {
			return nil, err
		}

		router, err := traced(ctx, "create_router", id, worker.CreateRouter)
		if err != nil {
			r.pool.Release(worker.ID())
			return nil, fmt.Errorf("%w: create router: %v", domain.ErrEngineFailure, err)
		}

		room := newRoom(id, worker.ID(), router)

		r.mu.Lock()
		r.rooms[id] = room
		n := len(r.rooms)
		r.mu.Unlock()

		r.metrics.SetRooms(n)
		r.logger.Infow("room created",
			"room_id", id,
			"worker_id", worker.ID(),
			"router_id", router.ID(),
		)
		return room, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Room), nil
}

func (r *RoomRegistry) GetRoom(id domain.RoomID) (*Room, error) {
	room, ok := r.lookup(id)
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	return room, nil
}

// forget drops room from the map if it is still the registered instance.
// Called with room.mu held; the registry never takes a room lock while
// holding its own.
func (r *RoomRegistry) forget(room *Room) {
	r.mu.Lock()
	if cur, ok := r.rooms[room.ID]; ok && cur == room {
		delete(r.rooms, room.ID)
	}
	n := len(r.rooms)
	r.mu.Unlock()
	r.metrics.SetRooms(n)
}

// CloseRoom tears down every peer in the room, closes the router and drops
// the entry. Closing an unknown room is a no-op returning nil.
func (r *RoomRegistry) CloseRoom(id domain.RoomID) *ClosedRoom {
	room, ok := r.lookup(id)
	if !ok {
		return nil
	}
	return r.closeRoom(room)
}

func (r *RoomRegistry) closeRoom(room *Room) *ClosedRoom {
	id := room.ID
	room.mu.Lock()
	if room.closed {
		room.mu.Unlock()
		return nil
	}
	room.closed = true
	peers := make([]*Peer, 0, len(room.peers))
	for _, p := range room.peers {
		peers = append(peers, p)
	}
	room.peers = make(map[domain.PeerID]*Peer)
	r.forget(room)
	room.mu.Unlock()

	closed := &ClosedRoom{RoomID: id}
	for _, p := range peers {
		closed.Peers = append(closed.Peers, p.ID)
		teardownPeer(room, p, r.logger, r.metrics)
	}
	r.metrics.AddPeers(-len(peers))

	if err := room.release(r.pool); err != nil {
		r.logger.Warnw("failed to close router", "room_id", id, "error", err)
	}
	r.logger.Infow("room closed", "room_id", id, "peers", len(peers))
	return closed
}

func (r *RoomRegistry) Rooms() []*Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		out = append(out, room)
	}
	return out
}

// CloseRoomsOnWorker force-closes every room routed by a dead worker.
func (r *RoomRegistry) CloseRoomsOnWorker(workerID domain.WorkerID) []ClosedRoom {
	var out []ClosedRoom
	for _, room := range r.Rooms() {
		if room.WorkerID != workerID {
			continue
		}
		if closed := r.closeRoom(room); closed != nil {
			out = append(out, *closed)
		}
	}
	return out
}

func (r *RoomRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}
