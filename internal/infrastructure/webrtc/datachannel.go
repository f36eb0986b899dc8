package webrtc

import (
	"errors"
	"sync"

	"confab/internal/core/domain"
	"confab/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// dataProducer receives messages on one negotiated SCTP stream and relays
// them to its data consumers.
type dataProducer struct {
	id        domain.DataProducerID
	transport *transport
	stream    domain.SctpStreamParameters
	label     string
	protocol  string
	logger    *zap.SugaredLogger

	closed    chan struct{}
	closeOnce sync.Once

	mu        sync.RWMutex
	channel   *webrtc.DataChannel
	consumers map[domain.DataConsumerID]*dataConsumer
}

func newDataProducer(t *transport, params ports.ProduceDataParams) *dataProducer {
	id := domain.DataProducerID(domain.NewID())
	return &dataProducer{
		id:        id,
		transport: t,
		stream:    params.SctpStreamParameters,
		label:     params.Label,
		protocol:  params.Protocol,
		logger:    t.logger.With("data_producer_id", id, "label", params.Label),
		closed:    make(chan struct{}),
		consumers: make(map[domain.DataConsumerID]*dataConsumer),
	}
}

func (dp *dataProducer) ID() domain.DataProducerID { return dp.id }
func (dp *dataProducer) Label() string             { return dp.label }
func (dp *dataProducer) Protocol() string          { return dp.protocol }

func (dp *dataProducer) SctpStreamParameters() domain.SctpStreamParameters {
	return dp.stream
}

func (dp *dataProducer) attach(dc *dataConsumer) {
	dp.mu.Lock()
	dp.consumers[dc.id] = dc
	dp.mu.Unlock()
}

func (dp *dataProducer) detach(id domain.DataConsumerID) {
	dp.mu.Lock()
	delete(dp.consumers, id)
	dp.mu.Unlock()
}

func (dp *dataProducer) run() {
	defer dp.transport.router.worker.guard("data producer")

	ch, err := openChannel(dp.transport, dp.closed, dp.stream, dp.label, dp.protocol)
	if err != nil {
		if !errors.Is(err, errObjectClosed) {
			dp.logger.Warnw("data producer never opened", "error", err)
		}
		return
	}

	ch.OnMessage(func(msg webrtc.DataChannelMessage) {
		dp.mu.RLock()
		defer dp.mu.RUnlock()
		for _, dc := range dp.consumers {
			dc.send(msg)
		}
	})

	dp.mu.Lock()
	select {
	case <-dp.closed:
		dp.mu.Unlock()
		ch.Close()
		return
	default:
	}
	dp.channel = ch
	dp.mu.Unlock()
}

func (dp *dataProducer) Done() <-chan struct{} { return dp.closed }

// Close closes the channel and every data consumer relaying from it.
func (dp *dataProducer) Close() error {
	dp.closeOnce.Do(func() {
		dp.mu.Lock()
		close(dp.closed)
		ch := dp.channel
		consumers := make([]*dataConsumer, 0, len(dp.consumers))
		for _, dc := range dp.consumers {
			consumers = append(consumers, dc)
		}
		dp.mu.Unlock()

		if ch != nil {
			ch.Close()
		}
		for _, dc := range consumers {
			dc.Close()
		}
		dp.transport.router.removeDataProducer(dp.id)
		dp.transport.forgetDataProducer(dp.id, dp.stream.StreamID)
	})
	return nil
}

// dataConsumer sends a data producer's messages on a stream of its own
// transport, keeping the producer's reliability settings.
type dataConsumer struct {
	id        domain.DataConsumerID
	transport *transport
	producer  *dataProducer
	stream    domain.SctpStreamParameters
	logger    *zap.SugaredLogger

	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.RWMutex
	channel *webrtc.DataChannel
}

func newDataConsumer(t *transport, dp *dataProducer, streamID uint16) *dataConsumer {
	stream := dp.stream
	stream.StreamID = streamID
	id := domain.DataConsumerID(domain.NewID())
	return &dataConsumer{
		id:        id,
		transport: t,
		producer:  dp,
		stream:    stream,
		logger:    t.logger.With("data_consumer_id", id, "data_producer_id", dp.id),
		closed:    make(chan struct{}),
	}
}

func (dc *dataConsumer) ID() domain.DataConsumerID             { return dc.id }
func (dc *dataConsumer) DataProducerID() domain.DataProducerID { return dc.producer.id }
func (dc *dataConsumer) Label() string                         { return dc.producer.label }
func (dc *dataConsumer) Protocol() string                      { return dc.producer.protocol }

func (dc *dataConsumer) SctpStreamParameters() domain.SctpStreamParameters {
	return dc.stream
}

func (dc *dataConsumer) run() {
	defer dc.transport.router.worker.guard("data consumer")

	ch, err := openChannel(dc.transport, dc.closed, dc.stream, dc.producer.label, dc.producer.protocol)
	if err != nil {
		if !errors.Is(err, errObjectClosed) {
			dc.logger.Warnw("data consumer never opened", "error", err)
		}
		return
	}

	dc.mu.Lock()
	select {
	case <-dc.closed:
		dc.mu.Unlock()
		ch.Close()
		return
	default:
	}
	dc.channel = ch
	dc.mu.Unlock()
}

// send drops messages that arrive before the channel is open.
func (dc *dataConsumer) send(msg webrtc.DataChannelMessage) {
	dc.mu.RLock()
	ch := dc.channel
	dc.mu.RUnlock()
	if ch == nil {
		return
	}

	var err error
	if msg.IsString {
		err = ch.SendText(string(msg.Data))
	} else {
		err = ch.Send(msg.Data)
	}
	if err != nil {
		dc.logger.Debugw("failed to relay data message", "error", err)
	}
}

func (dc *dataConsumer) Close() error {
	dc.closeOnce.Do(func() {
		dc.mu.Lock()
		close(dc.closed)
		ch := dc.channel
		dc.channel = nil
		dc.mu.Unlock()

		if ch != nil {
			ch.Close()
		}
		dc.producer.detach(dc.id)
		dc.transport.forgetDataConsumer(dc.id, dc.stream.StreamID)
	})
	return nil
}

// openChannel waits for the transport and opens a pre-negotiated channel on
// the given stream.
func openChannel(t *transport, done <-chan struct{}, stream domain.SctpStreamParameters, label, protocol string) (*webrtc.DataChannel, error) {
	if err := t.waitReady(done); err != nil {
		return nil, err
	}

	id := stream.StreamID
	ordered := stream.Ordered == nil || *stream.Ordered
	return t.api.NewDataChannel(t.sctp, &webrtc.DataChannelParameters{
		Label:             label,
		Protocol:          protocol,
		ID:                &id,
		Ordered:           ordered,
		MaxPacketLifeTime: stream.MaxPacketLifeTime,
		MaxRetransmits:    stream.MaxRetransmits,
		Negotiated:        true,
	})
}
