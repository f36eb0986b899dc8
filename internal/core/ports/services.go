package ports

import (
	"context"

	"confab/internal/core/domain"
)

// TokenVerifier checks the bearer credential presented at handshake.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*domain.Identity, error)
}

// RoomBroadcaster delivers a notification to every local connection in a room.
// Rooms without local members are silently skipped.
type RoomBroadcaster interface {
	BroadcastRoom(roomID domain.RoomID, event string, data any) int
}

// RoomDirectory is the read side the admin API needs.
type RoomDirectory interface {
	Room(roomID domain.RoomID) (domain.RoomInfo, error)
	Rooms() []domain.RoomInfo
	Workers() []domain.WorkerInfo
	RoomPresence(ctx context.Context, roomID domain.RoomID) ([]domain.PresenceEntry, error)
}

// RoomCloser force-closes a room and notifies its members. It reports
// whether the room existed.
type RoomCloser interface {
	CloseRoom(ctx context.Context, roomID domain.RoomID) bool
}
