package domain

import "time"

type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

func (d Direction) Valid() bool {
	return d == DirectionSend || d == DirectionRecv
}

type ProducerInfo struct {
	ID      ProducerID     `json:"producerId"`
	PeerID  PeerID         `json:"peerId"`
	Kind    MediaKind      `json:"kind"`
	AppData map[string]any `json:"appData,omitempty"`
	Paused  bool           `json:"paused"`
}

type DataProducerInfo struct {
	ID       DataProducerID `json:"dataProducerId"`
	PeerID   PeerID         `json:"peerId"`
	Label    string         `json:"label,omitempty"`
	Protocol string         `json:"protocol,omitempty"`
	AppData  map[string]any `json:"appData,omitempty"`
}

type PeerInfo struct {
	ID            PeerID             `json:"peerId"`
	UserID        UserID             `json:"userId"`
	DisplayName   string             `json:"displayName"`
	Role          Role               `json:"role"`
	JoinedAt      time.Time          `json:"joinedAt"`
	Producers     []ProducerInfo     `json:"producers"`
	DataProducers []DataProducerInfo `json:"dataProducers,omitempty"`
}

type RoomInfo struct {
	ID        RoomID     `json:"roomId"`
	WorkerID  WorkerID   `json:"workerId"`
	RouterID  RouterID   `json:"routerId"`
	CreatedAt time.Time  `json:"createdAt"`
	Peers     []PeerInfo `json:"peers"`
}

type WorkerInfo struct {
	ID        WorkerID  `json:"workerId"`
	Alive     bool      `json:"alive"`
	Rooms     int       `json:"rooms"`
	StartedAt time.Time `json:"startedAt"`
}

type TransportDescriptor struct {
	ID             TransportID     `json:"id"`
	Direction      Direction       `json:"direction"`
	IceParameters  IceParameters   `json:"iceParameters"`
	IceCandidates  []IceCandidate  `json:"iceCandidates"`
	DtlsParameters DtlsParameters  `json:"dtlsParameters"`
	SctpParameters *SctpParameters `json:"sctpParameters,omitempty"`
}

type ConsumerDescriptor struct {
	ID             ConsumerID     `json:"id"`
	ProducerID     ProducerID     `json:"producerId"`
	ProducerPeerID PeerID         `json:"producerPeerId"`
	Kind           MediaKind      `json:"kind"`
	RtpParameters  RtpParameters  `json:"rtpParameters"`
	Paused         bool           `json:"paused"`
	ProducerPaused bool           `json:"producerPaused"`
	AppData        map[string]any `json:"appData,omitempty"`
}

type DataConsumerDescriptor struct {
	ID                   DataConsumerID       `json:"id"`
	DataProducerID       DataProducerID       `json:"dataProducerId"`
	DataProducerPeerID   PeerID               `json:"dataProducerPeerId"`
	SctpStreamParameters SctpStreamParameters `json:"sctpStreamParameters"`
	Label                string               `json:"label,omitempty"`
	Protocol             string               `json:"protocol,omitempty"`
	AppData              map[string]any       `json:"appData,omitempty"`
}

// PresenceEntry is one peer as seen by the cross-instance presence registry.
type PresenceEntry struct {
	PeerID       PeerID    `json:"peerId"`
	UserID       UserID    `json:"userId"`
	DisplayName  string    `json:"displayName"`
	InstanceID   string    `json:"instanceId"`
	RegisteredAt time.Time `json:"registeredAt"`
}
