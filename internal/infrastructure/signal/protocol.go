package signal

import (
	"bytes"
	"encoding/json"
	"fmt"

	"confab/internal/core/domain"
	apperrors "confab/pkg/errors"
	"confab/pkg/validation"
)

// Request methods. Every one of them is acknowledged.
const (
	MethodJoinRoom              = "join-room"
	MethodLeaveRoom             = "leave-room"
	MethodGetRouterCapabilities = "get-router-rtp-capabilities"
	MethodCreateTransport       = "create-transport"
	MethodConnectTransport      = "connect-transport"
	MethodProduce               = "produce"
	MethodCloseProducer         = "close-producer"
	MethodPauseProducer         = "pause-producer"
	MethodResumeProducer        = "resume-producer"
	MethodConsume               = "consume"
	MethodPauseConsumer         = "pause-consumer"
	MethodResumeConsumer        = "resume-consumer"
	MethodProduceData           = "produce-data"
	MethodConsumeData           = "consume-data"
	MethodCloseDataProducer     = "close-data-producer"
	MethodHostControl           = "host-control"
)

// Broadcast-only client messages. Never acknowledged.
const (
	MethodChatMessage          = "chat-message"
	MethodReaction             = "reaction"
	MethodHandRaise            = "hand-raise"
	MethodWhiteboard           = "whiteboard"
	MethodPoll                 = "poll"
	MethodTranscriptionSegment = "transcription-segment"
)

// Server notifications.
const (
	EventPeerJoined          = "peer-joined"
	EventPeerLeft            = "peer-left"
	EventNewProducer         = "new-producer"
	EventProducerClosed      = "producer-closed"
	EventProducerPaused      = "producer-paused"
	EventProducerResumed     = "producer-resumed"
	EventConsumerClosed      = "consumer-closed"
	EventTransportClosed     = "transport-closed"
	EventNewDataProducer     = "new-data-producer"
	EventDataProducerClosed  = "data-producer-closed"
	EventDataConsumerClosed  = "data-consumer-closed"
	EventRoomClosed          = "room-closed"
	EventRemoved             = "removed"
	EventAdmitted            = "admitted"
	EventParticipantAdmitted = "participant-admitted"
)

const (
	frameResponse     = "response"
	frameNotification = "notification"
)

// Room close reasons carried by room-closed.
const (
	ReasonWorkerDied    = "worker-died"
	ReasonClosedByAdmin = "closed-by-admin"
)

// Envelope is the outer shape of every client frame.
type Envelope struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Request is one decoded client message. Each method has its own variant.
type Request interface {
	Method() string
}

// Validator is implemented by requests with field rules beyond JSON shape.
type Validator interface {
	Validate() error
}

type JoinRoomRequest struct {
	RoomID      domain.RoomID `json:"roomId"`
	DisplayName string        `json:"displayName,omitempty"`
}

type LeaveRoomRequest struct{}

type GetRouterCapabilitiesRequest struct {
	RoomID domain.RoomID `json:"roomId,omitempty"`
}

type CreateTransportRequest struct {
	Direction  domain.Direction `json:"direction"`
	EnableSctp bool             `json:"enableSctp,omitempty"`
}

type ConnectTransportRequest struct {
	TransportID    domain.TransportID    `json:"transportId"`
	DtlsParameters domain.DtlsParameters `json:"dtlsParameters"`
	IceParameters  *domain.IceParameters `json:"iceParameters,omitempty"`
}

type ProduceRequest struct {
	TransportID   domain.TransportID   `json:"transportId"`
	Kind          domain.MediaKind     `json:"kind"`
	RtpParameters domain.RtpParameters `json:"rtpParameters"`
	AppData       map[string]any       `json:"appData,omitempty"`
}

type ProducerRequest struct {
	method     string
	ProducerID domain.ProducerID `json:"producerId"`
}

type ConsumeRequest struct {
	ProducerPeerID  domain.PeerID          `json:"producerPeerId,omitempty"`
	ProducerID      domain.ProducerID      `json:"producerId"`
	TransportID     domain.TransportID     `json:"transportId"`
	RtpCapabilities domain.RtpCapabilities `json:"rtpCapabilities"`
}

type ConsumerRequest struct {
	method     string
	ConsumerID domain.ConsumerID `json:"consumerId"`
}

type ProduceDataRequest struct {
	TransportID          domain.TransportID          `json:"transportId"`
	SctpStreamParameters domain.SctpStreamParameters `json:"sctpStreamParameters"`
	Label                string                      `json:"label,omitempty"`
	Protocol             string                      `json:"protocol,omitempty"`
	AppData              map[string]any              `json:"appData,omitempty"`
}

type ConsumeDataRequest struct {
	DataProducerID domain.DataProducerID `json:"dataProducerId"`
	TransportID    domain.TransportID    `json:"transportId"`
}

type CloseDataProducerRequest struct {
	DataProducerID domain.DataProducerID `json:"dataProducerId"`
}

type HostAction string

const (
	HostActionMute   HostAction = "mute"
	HostActionRemove HostAction = "remove"
	HostActionAdmit  HostAction = "admit"
)

type HostControlRequest struct {
	Action       HostAction    `json:"action"`
	TargetPeerID domain.PeerID `json:"targetPeerId"`
}

type ChatMessage struct {
	Text     string        `json:"text"`
	ToPeerID domain.PeerID `json:"toPeerId,omitempty"`
}

type Reaction struct {
	Emoji string `json:"emoji"`
}

type HandRaise struct {
	Raised bool `json:"raised"`
}

type Whiteboard struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Poll struct {
	PollID   string   `json:"pollId"`
	Action   string   `json:"action"`
	Question string   `json:"question,omitempty"`
	Options  []string `json:"options,omitempty"`
	Choice   *int     `json:"choice,omitempty"`
}

type TranscriptionSegment struct {
	Text    string `json:"text"`
	StartMs int64  `json:"startMs"`
	EndMs   int64  `json:"endMs"`
	Final   bool   `json:"final"`
}

func (JoinRoomRequest) Method() string              { return MethodJoinRoom }
func (LeaveRoomRequest) Method() string             { return MethodLeaveRoom }
func (GetRouterCapabilitiesRequest) Method() string { return MethodGetRouterCapabilities }
func (CreateTransportRequest) Method() string       { return MethodCreateTransport }
func (ConnectTransportRequest) Method() string      { return MethodConnectTransport }
func (ProduceRequest) Method() string               { return MethodProduce }
func (r ProducerRequest) Method() string            { return r.method }
func (ConsumeRequest) Method() string               { return MethodConsume }
func (r ConsumerRequest) Method() string            { return r.method }
func (ProduceDataRequest) Method() string           { return MethodProduceData }
func (ConsumeDataRequest) Method() string           { return MethodConsumeData }
func (CloseDataProducerRequest) Method() string     { return MethodCloseDataProducer }
func (HostControlRequest) Method() string           { return MethodHostControl }
func (ChatMessage) Method() string                  { return MethodChatMessage }
func (Reaction) Method() string                     { return MethodReaction }
func (HandRaise) Method() string                    { return MethodHandRaise }
func (Whiteboard) Method() string                   { return MethodWhiteboard }
func (Poll) Method() string                         { return MethodPoll }
func (TranscriptionSegment) Method() string         { return MethodTranscriptionSegment }

func (r JoinRoomRequest) Validate() error {
	if err := validation.ValidateRoomID(string(r.RoomID)); err != nil {
		return err
	}
	return validation.ValidateDisplayName(r.DisplayName)
}

func (r ChatMessage) Validate() error {
	return validation.ValidateMessageText(r.Text)
}

func (r TranscriptionSegment) Validate() error {
	if r.EndMs < r.StartMs {
		return fmt.Errorf("endMs before startMs")
	}
	return validation.ValidateMessageText(r.Text)
}

func (r ProduceRequest) Validate() error {
	if r.TransportID == "" {
		return fmt.Errorf("transportId is required")
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("kind must be audio or video")
	}
	if len(r.RtpParameters.MediaCodecs()) == 0 {
		return fmt.Errorf("rtpParameters must carry at least one media codec")
	}
	for _, c := range r.RtpParameters.MediaCodecs() {
		if domain.KindOfMime(c.MimeType) != r.Kind {
			return fmt.Errorf("codec %s does not match kind %s", c.MimeType, r.Kind)
		}
	}
	return nil
}

func (r ConsumeRequest) Validate() error {
	if r.ProducerID == "" || r.TransportID == "" {
		return fmt.Errorf("producerId and transportId are required")
	}
	return nil
}

func (r HostControlRequest) Validate() error {
	switch r.Action {
	case HostActionMute, HostActionRemove, HostActionAdmit:
	default:
		return fmt.Errorf("unknown host action %q", r.Action)
	}
	if err := validation.ValidatePeerID(string(r.TargetPeerID)); err != nil {
		return fmt.Errorf("targetPeerId: %w", err)
	}
	return nil
}

func (r Reaction) Validate() error {
	if r.Emoji == "" || len(r.Emoji) > 32 {
		return fmt.Errorf("emoji must be 1-32 bytes")
	}
	return nil
}

func (r Poll) Validate() error {
	if r.PollID == "" || r.Action == "" {
		return fmt.Errorf("pollId and action are required")
	}
	return nil
}

func (r Whiteboard) Validate() error {
	if r.Action == "" {
		return fmt.Errorf("action is required")
	}
	return nil
}

var requestFactories = map[string]func() Request{
	MethodJoinRoom:              func() Request { return &JoinRoomRequest{} },
	MethodLeaveRoom:             func() Request { return &LeaveRoomRequest{} },
	MethodGetRouterCapabilities: func() Request { return &GetRouterCapabilitiesRequest{} },
	MethodCreateTransport:       func() Request { return &CreateTransportRequest{} },
	MethodConnectTransport:      func() Request { return &ConnectTransportRequest{} },
	MethodProduce:               func() Request { return &ProduceRequest{} },
	MethodCloseProducer:         func() Request { return &ProducerRequest{method: MethodCloseProducer} },
	MethodPauseProducer:         func() Request { return &ProducerRequest{method: MethodPauseProducer} },
	MethodResumeProducer:        func() Request { return &ProducerRequest{method: MethodResumeProducer} },
	MethodConsume:               func() Request { return &ConsumeRequest{} },
	MethodPauseConsumer:         func() Request { return &ConsumerRequest{method: MethodPauseConsumer} },
	MethodResumeConsumer:        func() Request { return &ConsumerRequest{method: MethodResumeConsumer} },
	MethodProduceData:           func() Request { return &ProduceDataRequest{} },
	MethodConsumeData:           func() Request { return &ConsumeDataRequest{} },
	MethodCloseDataProducer:     func() Request { return &CloseDataProducerRequest{} },
	MethodHostControl:           func() Request { return &HostControlRequest{} },
	MethodChatMessage:           func() Request { return &ChatMessage{} },
	MethodReaction:              func() Request { return &Reaction{} },
	MethodHandRaise:             func() Request { return &HandRaise{} },
	MethodWhiteboard:            func() Request { return &Whiteboard{} },
	MethodPoll:                  func() Request { return &Poll{} },
	MethodTranscriptionSegment:  func() Request { return &TranscriptionSegment{} },
}

// IsBroadcastOnly reports whether method is fire-and-forget fan-out.
func IsBroadcastOnly(method string) bool {
	switch method {
	case MethodChatMessage, MethodReaction, MethodHandRaise, MethodWhiteboard, MethodPoll, MethodTranscriptionSegment:
		return true
	}
	return false
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("trailing data after json value")
	}
	return nil
}

// DecodeFrame parses one client frame. The envelope is returned even when the
// payload is invalid, so the caller can still acknowledge by id.
func DecodeFrame(raw []byte) (Envelope, Request, error) {
	var env Envelope
	if err := strictUnmarshal(raw, &env); err != nil {
		return env, nil, fmt.Errorf("%w: malformed frame: %v", domain.ErrInvalidParameters, err)
	}

	factory, ok := requestFactories[env.Type]
	if !ok {
		return env, nil, fmt.Errorf("%w: unknown message type %q", domain.ErrInvalidParameters, env.Type)
	}

	req := factory()
	data := env.Data
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		data = []byte("{}")
	}
	if err := strictUnmarshal(data, req); err != nil {
		return env, nil, fmt.Errorf("%w: %s: %v", domain.ErrInvalidParameters, env.Type, err)
	}
	if v, ok := req.(Validator); ok {
		if err := v.Validate(); err != nil {
			return env, nil, fmt.Errorf("%w: %s: %v", domain.ErrInvalidParameters, env.Type, err)
		}
	}
	return env, req, nil
}

type ErrorBody struct {
	Reason  apperrors.ErrorCode `json:"reason"`
	Message string              `json:"message"`
}

type Response struct {
	Type  string     `json:"type"`
	ID    string     `json:"id"`
	OK    bool       `json:"ok"`
	Data  any        `json:"data,omitempty"`
	Error *ErrorBody `json:"error,omitempty"`
}

type Notification struct {
	Type  string `json:"type"`
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

func okResponse(id string, data any) Response {
	return Response{Type: frameResponse, ID: id, OK: true, Data: data}
}

func errorResponse(id string, err error) Response {
	appErr := apperrors.FromError(err)
	return Response{
		Type:  frameResponse,
		ID:    id,
		OK:    false,
		Error: &ErrorBody{Reason: appErr.Code, Message: err.Error()},
	}
}

func notification(event string, data any) Notification {
	return Notification{Type: frameNotification, Event: event, Data: data}
}
