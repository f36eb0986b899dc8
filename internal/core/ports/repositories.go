package ports

import (
	"context"

	"confab/internal/core/domain"
)

// PresenceRegistry records which service instance hosts which peers of a
// room, so operators can see one logical room spread across instances.
type PresenceRegistry interface {
	Register(ctx context.Context, roomID domain.RoomID, peer domain.PeerInfo) error
	Unregister(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID) error
	ListRoom(ctx context.Context, roomID domain.RoomID) ([]domain.PresenceEntry, error)
	Cleanup(ctx context.Context) error
}
