package ports

import (
	"context"

	"confab/internal/core/domain"
)

// MediaEngine is the external SFU. Each worker is an isolated engine instance
// that can host many routers.
type MediaEngine interface {
	NewWorker(ctx context.Context) (Worker, error)
}

type Worker interface {
	ID() domain.WorkerID
	CreateRouter(ctx context.Context) (Router, error)
	// Died is closed when the worker stops unexpectedly.
	Died() <-chan struct{}
	Close() error
}

type Router interface {
	ID() domain.RouterID
	RtpCapabilities() domain.RtpCapabilities
	// CanConsume returns domain.ErrProducerNotFound when the producer is gone.
	CanConsume(producerID domain.ProducerID, caps domain.RtpCapabilities) (bool, error)
	CreateWebRtcTransport(ctx context.Context, opts TransportOptions) (Transport, error)
	Close() error
}

type TransportOptions struct {
	EnableUDP  bool
	EnableTCP  bool
	EnableSctp bool
	AppData    map[string]any
}

type ConnectParams struct {
	DtlsParameters domain.DtlsParameters
	// IceParameters is required by engines that run full ICE rather than ICE-lite.
	IceParameters *domain.IceParameters
}

type ProduceParams struct {
	Kind          domain.MediaKind
	RtpParameters domain.RtpParameters
	AppData       map[string]any
}

type ConsumeParams struct {
	ProducerID      domain.ProducerID
	RtpCapabilities domain.RtpCapabilities
	Paused          bool
}

type ProduceDataParams struct {
	SctpStreamParameters domain.SctpStreamParameters
	Label                string
	Protocol             string
}

type Transport interface {
	ID() domain.TransportID
	IceParameters() domain.IceParameters
	IceCandidates() []domain.IceCandidate
	DtlsParameters() domain.DtlsParameters
	SctpParameters() *domain.SctpParameters
	Connect(ctx context.Context, params ConnectParams) error
	Produce(ctx context.Context, params ProduceParams) (Producer, error)
	Consume(ctx context.Context, params ConsumeParams) (Consumer, error)
	ProduceData(ctx context.Context, params ProduceDataParams) (DataProducer, error)
	ConsumeData(ctx context.Context, dataProducerID domain.DataProducerID) (DataConsumer, error)
	// Done is closed once the transport is closed, by Close or by the engine.
	Done() <-chan struct{}
	Close() error
}

type Producer interface {
	ID() domain.ProducerID
	Kind() domain.MediaKind
	RtpParameters() domain.RtpParameters
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Done() <-chan struct{}
	Close() error
}

type Consumer interface {
	ID() domain.ConsumerID
	ProducerID() domain.ProducerID
	Kind() domain.MediaKind
	RtpParameters() domain.RtpParameters
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	RequestKeyFrame(ctx context.Context) error
	Close() error
}

type DataProducer interface {
	ID() domain.DataProducerID
	SctpStreamParameters() domain.SctpStreamParameters
	Label() string
	Protocol() string
	Done() <-chan struct{}
	Close() error
}

type DataConsumer interface {
	ID() domain.DataConsumerID
	DataProducerID() domain.DataProducerID
	SctpStreamParameters() domain.SctpStreamParameters
	Label() string
	Protocol() string
	Close() error
}
