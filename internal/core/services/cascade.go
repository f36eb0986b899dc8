package services

import (
	"confab/internal/core/domain"
	"confab/internal/core/ports"

	"go.uber.org/zap"
)

// ConsumerRef names a consumer closed by a cascade, so its owner can be told.
type ConsumerRef struct {
	PeerID     domain.PeerID     `json:"peerId"`
	ConsumerID domain.ConsumerID `json:"consumerId"`
	ProducerID domain.ProducerID `json:"producerId"`
}

type DataConsumerRef struct {
	PeerID         domain.PeerID         `json:"peerId"`
	DataConsumerID domain.DataConsumerID `json:"dataConsumerId"`
	DataProducerID domain.DataProducerID `json:"dataProducerId"`
}

// PeerTeardown lists what disappeared with a peer. Remote refs are
// consumers owned by other peers that sourced from this peer.
type PeerTeardown struct {
	Producers           []domain.ProducerID
	DataProducers       []domain.DataProducerID
	RemoteConsumers     []ConsumerRef
	RemoteDataConsumers []DataConsumerRef
}

// EngineClosure reports objects the engine closed on its own, after the
// matching cascade has run. Producers and DataProducers concern the whole
// room; consumer refs and a non-empty TransportID concern single peers.
type EngineClosure struct {
	RoomID        domain.RoomID
	PeerID        domain.PeerID
	TransportID   domain.TransportID
	Producers     []domain.ProducerID
	DataProducers []domain.DataProducerID
	Consumers     []ConsumerRef
	DataConsumers []DataConsumerRef
}

const (
	objTransport    = "transport"
	objProducer     = "producer"
	objConsumer     = "consumer"
	objDataProducer = "data_producer"
	objDataConsumer = "data_consumer"
)

// closeProducer marks the producer closed, unlinks it from the room and its
// owner, then closes every downstream consumer one peer lock at a time.
// Engine close failures are logged and the cascade carries on. The bool is
// false when another caller already closed the producer.
func closeProducer(room *Room, e *producerEntry, logger *zap.SugaredLogger, metrics ports.MetricsRecorder) ([]ConsumerRef, bool) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, false
	}
	e.closed = true
	e.mu.Unlock()

	id := e.producer.ID()
	refs := e.consumerRefs()

	room.unindexProducer(id)
	if owner, err := room.Peer(e.peerID); err == nil {
		owner.mu.Lock()
		delete(owner.producers, id)
		owner.mu.Unlock()
	}

	if err := e.producer.Close(); err != nil {
		logger.Warnw("failed to close producer", "room_id", room.ID, "producer_id", id, "error", err)
	}
	metrics.AddMediaObjects(objProducer, -1)

	var closed []ConsumerRef
	for consumerID, peerID := range refs {
		peer, err := room.Peer(peerID)
		if err != nil {
			continue
		}
		ce := peer.takeConsumer(consumerID)
		if ce == nil {
			continue
		}
		if err := ce.consumer.Close(); err != nil {
			logger.Warnw("failed to close consumer",
				"room_id", room.ID,
				"peer_id", peerID,
				"consumer_id", consumerID,
				"error", err,
			)
		}
		metrics.AddMediaObjects(objConsumer, -1)
		closed = append(closed, ConsumerRef{PeerID: peerID, ConsumerID: consumerID, ProducerID: id})
	}
	return closed, true
}

func closeDataProducer(room *Room, e *dataProducerEntry, logger *zap.SugaredLogger, metrics ports.MetricsRecorder) ([]DataConsumerRef, bool) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, false
	}
	e.closed = true
	e.mu.Unlock()

	id := e.dataProducer.ID()
	refs := e.consumerRefs()

	room.unindexDataProducer(id)
	if owner, err := room.Peer(e.peerID); err == nil {
		owner.mu.Lock()
		delete(owner.dataProducers, id)
		owner.mu.Unlock()
	}

	if err := e.dataProducer.Close(); err != nil {
		logger.Warnw("failed to close data producer", "room_id", room.ID, "data_producer_id", id, "error", err)
	}
	metrics.AddMediaObjects(objDataProducer, -1)

	var closed []DataConsumerRef
	for consumerID, peerID := range refs {
		peer, err := room.Peer(peerID)
		if err != nil {
			continue
		}
		ce := peer.takeDataConsumer(consumerID)
		if ce == nil {
			continue
		}
		if err := ce.dataConsumer.Close(); err != nil {
			logger.Warnw("failed to close data consumer",
				"room_id", room.ID,
				"peer_id", peerID,
				"data_consumer_id", consumerID,
				"error", err,
			)
		}
		metrics.AddMediaObjects(objDataConsumer, -1)
		closed = append(closed, DataConsumerRef{PeerID: peerID, DataConsumerID: consumerID, DataProducerID: id})
	}
	return closed, true
}

// closeTransport drops one transport of a peer together with the producers
// and consumers riding on it. The bool is false when the transport was
// already gone from the peer.
func closeTransport(room *Room, p *Peer, id domain.TransportID, logger *zap.SugaredLogger, metrics ports.MetricsRecorder) (EngineClosure, bool) {
	out := EngineClosure{RoomID: room.ID, PeerID: p.ID, TransportID: id}

	p.mu.Lock()
	te, ok := p.transports[id]
	if !ok {
		p.mu.Unlock()
		return out, false
	}
	delete(p.transports, id)
	var producers []*producerEntry
	for _, e := range p.producers {
		if e.transportID == id {
			producers = append(producers, e)
		}
	}
	var dataProducers []*dataProducerEntry
	for _, e := range p.dataProducers {
		if e.transportID == id {
			dataProducers = append(dataProducers, e)
		}
	}
	consumers := make(map[domain.ConsumerID]*consumerEntry)
	for cid, ce := range p.consumers {
		if ce.transportID == id {
			consumers[cid] = ce
			delete(p.consumers, cid)
		}
	}
	dataConsumers := make(map[domain.DataConsumerID]*dataConsumerEntry)
	for cid, ce := range p.dataConsumers {
		if ce.transportID == id {
			dataConsumers[cid] = ce
			delete(p.dataConsumers, cid)
		}
	}
	p.mu.Unlock()

	for _, e := range producers {
		if refs, ok := closeProducer(room, e, logger, metrics); ok {
			out.Producers = append(out.Producers, e.producer.ID())
			out.Consumers = append(out.Consumers, refs...)
		}
	}
	for _, e := range dataProducers {
		if refs, ok := closeDataProducer(room, e, logger, metrics); ok {
			out.DataProducers = append(out.DataProducers, e.dataProducer.ID())
			out.DataConsumers = append(out.DataConsumers, refs...)
		}
	}
	for cid, ce := range consumers {
		ce.source.removeConsumer(cid)
		if err := ce.consumer.Close(); err != nil {
			logger.Warnw("failed to close consumer", "room_id", room.ID, "peer_id", p.ID, "consumer_id", cid, "error", err)
		}
		metrics.AddMediaObjects(objConsumer, -1)
		out.Consumers = append(out.Consumers, ConsumerRef{PeerID: p.ID, ConsumerID: cid, ProducerID: ce.source.producer.ID()})
	}
	for cid, ce := range dataConsumers {
		ce.source.removeConsumer(cid)
		if err := ce.dataConsumer.Close(); err != nil {
			logger.Warnw("failed to close data consumer", "room_id", room.ID, "peer_id", p.ID, "data_consumer_id", cid, "error", err)
		}
		metrics.AddMediaObjects(objDataConsumer, -1)
		out.DataConsumers = append(out.DataConsumers, DataConsumerRef{PeerID: p.ID, DataConsumerID: cid, DataProducerID: ce.source.dataProducer.ID()})
	}

	if err := te.transport.Close(); err != nil {
		logger.Warnw("failed to close transport", "room_id", room.ID, "peer_id", p.ID, "transport_id", id, "error", err)
	}
	metrics.AddMediaObjects(objTransport, -1)
	return out, true
}

// teardownPeer closes everything a peer owns. The peer must already be out
// of the room's peer map.
func teardownPeer(room *Room, p *Peer, logger *zap.SugaredLogger, metrics ports.MetricsRecorder) PeerTeardown {
	var out PeerTeardown
	contents := p.close()
	if contents == nil {
		return out
	}

	for id, e := range contents.producers {
		if refs, ok := closeProducer(room, e, logger, metrics); ok {
			out.Producers = append(out.Producers, id)
			out.RemoteConsumers = append(out.RemoteConsumers, refs...)
		}
	}
	for id, e := range contents.dataProducers {
		if refs, ok := closeDataProducer(room, e, logger, metrics); ok {
			out.DataProducers = append(out.DataProducers, id)
			out.RemoteDataConsumers = append(out.RemoteDataConsumers, refs...)
		}
	}

	for id, ce := range contents.consumers {
		ce.source.removeConsumer(id)
		if err := ce.consumer.Close(); err != nil {
			logger.Warnw("failed to close consumer", "room_id", room.ID, "peer_id", p.ID, "consumer_id", id, "error", err)
		}
		metrics.AddMediaObjects(objConsumer, -1)
	}
	for id, ce := range contents.dataConsumers {
		ce.source.removeConsumer(id)
		if err := ce.dataConsumer.Close(); err != nil {
			logger.Warnw("failed to close data consumer", "room_id", room.ID, "peer_id", p.ID, "data_consumer_id", id, "error", err)
		}
		metrics.AddMediaObjects(objDataConsumer, -1)
	}

	for id, te := range contents.transports {
		if err := te.transport.Close(); err != nil {
			logger.Warnw("failed to close transport", "room_id", room.ID, "peer_id", p.ID, "transport_id", id, "error", err)
		}
		metrics.AddMediaObjects(objTransport, -1)
	}
	return out
}
