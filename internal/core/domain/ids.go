package domain

import "github.com/google/uuid"

type RoomID string

// PeerID is the signaling connection identifier; it is stable for the
// lifetime of one websocket connection.
type PeerID string

type UserID string
type WorkerID string
type RouterID string
type TransportID string
type ProducerID string
type ConsumerID string
type DataProducerID string
type DataConsumerID string

// NewID returns a random identifier suitable for any media object.
func NewID() string {
	return uuid.NewString()
}
