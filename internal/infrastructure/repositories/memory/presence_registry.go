package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"confab/internal/core/domain"
)

// PresenceRegistry is the single-instance fallback used when Redis is
// disabled or unreachable. It only ever sees this process's peers.
type PresenceRegistry struct {
	instanceID string

	mu    sync.RWMutex
	rooms map[domain.RoomID]map[domain.PeerID]domain.PresenceEntry
}

func NewPresenceRegistry(instanceID string) *PresenceRegistry {
	return &PresenceRegistry{
		instanceID: instanceID,
		rooms:      make(map[domain.RoomID]map[domain.PeerID]domain.PresenceEntry),
	}
}

func (r *PresenceRegistry) Register(ctx context.Context, roomID domain.RoomID, peer domain.PeerInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	peers, ok := r.rooms[roomID]
	if !ok {
		peers = make(map[domain.PeerID]domain.PresenceEntry)
		r.rooms[roomID] = peers
	}
	peers[peer.ID] = domain.PresenceEntry{
		PeerID:       peer.ID,
		UserID:       peer.UserID,
		DisplayName:  peer.DisplayName,
		InstanceID:   r.instanceID,
		RegisteredAt: time.Now().UTC(),
	}
	return nil
}

func (r *PresenceRegistry) Unregister(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if peers, ok := r.rooms[roomID]; ok {
		delete(peers, peerID)
		if len(peers) == 0 {
			delete(r.rooms, roomID)
		}
	}
	return nil
}

func (r *PresenceRegistry) ListRoom(ctx context.Context, roomID domain.RoomID) ([]domain.PresenceEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := r.rooms[roomID]
	entries := make([]domain.PresenceEntry, 0, len(peers))
	for _, e := range peers {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].RegisteredAt.Before(entries[j].RegisteredAt)
	})
	return entries, nil
}

func (r *PresenceRegistry) Cleanup(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rooms = make(map[domain.RoomID]map[domain.PeerID]domain.PresenceEntry)
	return nil
}
