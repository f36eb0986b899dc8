package signal

import (
	"encoding/json"
	"sync"

	"confab/internal/core/domain"

	"go.uber.org/zap"
)

// Hub tracks the connections of this instance and the rooms they are in.
// Membership here mirrors the session state, not the media graph.
type Hub struct {
	mu          sync.RWMutex
	connections map[domain.PeerID]*Connection
	rooms       map[domain.RoomID]map[domain.PeerID]*Connection

	logger *zap.SugaredLogger
}

func NewHub(logger *zap.SugaredLogger) *Hub {
	return &Hub{
		connections: make(map[domain.PeerID]*Connection),
		rooms:       make(map[domain.RoomID]map[domain.PeerID]*Connection),
		logger:      logger,
	}
}

func (h *Hub) register(c *Connection) {
	h.mu.Lock()
	h.connections[c.id] = c
	h.mu.Unlock()
}

func (h *Hub) unregister(c *Connection) {
	h.mu.Lock()
	delete(h.connections, c.id)
	h.mu.Unlock()
}

func (h *Hub) join(roomID domain.RoomID, c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[domain.PeerID]*Connection)
		h.rooms[roomID] = members
	}
	members[c.id] = c
}

func (h *Hub) leave(roomID domain.RoomID, peerID domain.PeerID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[roomID]
	if !ok {
		return
	}
	delete(members, peerID)
	if len(members) == 0 {
		delete(h.rooms, roomID)
	}
}

// Connection returns the local connection with the given id.
func (h *Hub) Connection(id domain.PeerID) (*Connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.connections[id]
	return c, ok
}

// Members returns the local connections in a room.
func (h *Hub) Members(roomID domain.RoomID) []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Connection, 0, len(h.rooms[roomID]))
	for _, c := range h.rooms[roomID] {
		out = append(out, c)
	}
	return out
}

func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// BroadcastRoom sends an event to every local member of the room and returns
// how many connections accepted it.
func (h *Hub) BroadcastRoom(roomID domain.RoomID, event string, data any) int {
	return h.BroadcastExcept(roomID, "", event, data)
}

// BroadcastExcept is BroadcastRoom without the given peer.
func (h *Hub) BroadcastExcept(roomID domain.RoomID, except domain.PeerID, event string, data any) int {
	frame, err := json.Marshal(notification(event, data))
	if err != nil {
		h.logger.Errorw("failed to encode broadcast", "room_id", roomID, "event", event, "error", err)
		return 0
	}

	h.mu.RLock()
	targets := make([]*Connection, 0, len(h.rooms[roomID]))
	for id, c := range h.rooms[roomID] {
		if id != except {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if err := c.TrySend(frame); err != nil {
			h.logger.Debugw("broadcast delivery failed", "room_id", roomID, "peer_id", c.id, "event", event, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// Unicast sends an event to one local connection.
func (h *Hub) Unicast(peerID domain.PeerID, event string, data any) bool {
	c, ok := h.Connection(peerID)
	if !ok {
		return false
	}
	return c.notify(event, data) == nil
}
