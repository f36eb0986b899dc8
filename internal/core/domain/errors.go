package domain

import "errors"

var (
	ErrRoomNotFound         = errors.New("room not found")
	ErrPeerNotFound         = errors.New("peer not found")
	ErrTransportNotFound    = errors.New("transport not found")
	ErrProducerNotFound     = errors.New("producer not found")
	ErrConsumerNotFound     = errors.New("consumer not found")
	ErrDataProducerNotFound = errors.New("data producer not found")

	ErrIncompatibleCapabilities = errors.New("rtp capabilities cannot consume producer")
	ErrNoCapacity               = errors.New("no live media worker available")
	ErrRoomFull                 = errors.New("room is full")
	ErrRoomClosed               = errors.New("room closed")

	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrAuthorizationFailed  = errors.New("not allowed for this role")

	ErrEngineFailure         = errors.New("media engine failure")
	ErrTransportConnected    = errors.New("transport already connected")
	ErrTransportNotConnected = errors.New("transport not connected")
	ErrWrongDirection        = errors.New("transport direction does not allow this operation")
	ErrPeerAlreadyExists     = errors.New("peer already exists")
	ErrNotInRoom             = errors.New("connection has not joined a room")
	ErrAlreadyInRoom         = errors.New("connection already joined a room")
	ErrInvalidParameters     = errors.New("invalid parameters")
)
