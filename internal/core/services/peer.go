package services

import (
	"sync"
	"time"

	"confab/internal/core/domain"
	"confab/internal/core/ports"
)

type transportEntry struct {
	transport ports.Transport
	direction domain.Direction
	connected bool
}

// producerEntry guards one producer's lifecycle. Consume holds mu.RLock
// across the engine call so a concurrent close either happens before (the
// consume sees closed) or waits until the consumer is registered.
type producerEntry struct {
	mu          sync.RWMutex
	producer    ports.Producer
	peerID      domain.PeerID
	transportID domain.TransportID
	appData     map[string]any
	paused      bool
	closed      bool

	consumersMu sync.Mutex
	consumers   map[domain.ConsumerID]domain.PeerID
}

func (e *producerEntry) addConsumer(id domain.ConsumerID, peerID domain.PeerID) {
	e.consumersMu.Lock()
	e.consumers[id] = peerID
	e.consumersMu.Unlock()
}

func (e *producerEntry) removeConsumer(id domain.ConsumerID) {
	e.consumersMu.Lock()
	delete(e.consumers, id)
	e.consumersMu.Unlock()
}

func (e *producerEntry) consumerRefs() map[domain.ConsumerID]domain.PeerID {
	e.consumersMu.Lock()
	defer e.consumersMu.Unlock()
	out := make(map[domain.ConsumerID]domain.PeerID, len(e.consumers))
	for id, peerID := range e.consumers {
		out[id] = peerID
	}
	return out
}

func (e *producerEntry) info() domain.ProducerInfo {
	return domain.ProducerInfo{
		ID:      e.producer.ID(),
		PeerID:  e.peerID,
		Kind:    e.producer.Kind(),
		AppData: e.appData,
		Paused:  e.paused,
	}
}

type consumerEntry struct {
	consumer    ports.Consumer
	source      *producerEntry
	transportID domain.TransportID
	paused      bool
}

type dataProducerEntry struct {
	mu           sync.RWMutex
	dataProducer ports.DataProducer
	peerID       domain.PeerID
	transportID  domain.TransportID
	appData      map[string]any
	closed       bool

	consumersMu sync.Mutex
	consumers   map[domain.DataConsumerID]domain.PeerID
}

func (e *dataProducerEntry) addConsumer(id domain.DataConsumerID, peerID domain.PeerID) {
	e.consumersMu.Lock()
	e.consumers[id] = peerID
	e.consumersMu.Unlock()
}

func (e *dataProducerEntry) removeConsumer(id domain.DataConsumerID) {
	e.consumersMu.Lock()
	delete(e.consumers, id)
	e.consumersMu.Unlock()
}

func (e *dataProducerEntry) consumerRefs() map[domain.DataConsumerID]domain.PeerID {
	e.consumersMu.Lock()
	defer e.consumersMu.Unlock()
	out := make(map[domain.DataConsumerID]domain.PeerID, len(e.consumers))
	for id, peerID := range e.consumers {
		out[id] = peerID
	}
	return out
}

func (e *dataProducerEntry) info() domain.DataProducerInfo {
	return domain.DataProducerInfo{
		ID:       e.dataProducer.ID(),
		PeerID:   e.peerID,
		Label:    e.dataProducer.Label(),
		Protocol: e.dataProducer.Protocol(),
		AppData:  e.appData,
	}
}

type dataConsumerEntry struct {
	dataConsumer ports.DataConsumer
	source       *dataProducerEntry
	transportID  domain.TransportID
}

// Peer is one participant connection inside a room. Its maps are guarded by
// mu; engine calls are never made while mu is held.
type Peer struct {
	ID          domain.PeerID
	UserID      domain.UserID
	DisplayName string
	Role        domain.Role
	JoinedAt    time.Time

	mu            sync.Mutex
	closed        bool
	transports    map[domain.TransportID]*transportEntry
	producers     map[domain.ProducerID]*producerEntry
	consumers     map[domain.ConsumerID]*consumerEntry
	dataProducers map[domain.DataProducerID]*dataProducerEntry
	dataConsumers map[domain.DataConsumerID]*dataConsumerEntry
}

func newPeer(id domain.PeerID, identity domain.Identity, displayName string) *Peer {
	if displayName == "" {
		displayName = identity.DisplayName
	}
	return &Peer{
		ID:            id,
		UserID:        identity.UserID,
		DisplayName:   displayName,
		Role:          identity.Role,
		JoinedAt:      time.Now(),
		transports:    make(map[domain.TransportID]*transportEntry),
		producers:     make(map[domain.ProducerID]*producerEntry),
		consumers:     make(map[domain.ConsumerID]*consumerEntry),
		dataProducers: make(map[domain.DataProducerID]*dataProducerEntry),
		dataConsumers: make(map[domain.DataConsumerID]*dataConsumerEntry),
	}
}

func (p *Peer) Info() domain.PeerInfo {
	p.mu.Lock()
	producers := make([]*producerEntry, 0, len(p.producers))
	for _, e := range p.producers {
		producers = append(producers, e)
	}
	dataProducers := make([]domain.DataProducerInfo, 0, len(p.dataProducers))
	for _, e := range p.dataProducers {
		dataProducers = append(dataProducers, e.info())
	}
	p.mu.Unlock()

	info := domain.PeerInfo{
		ID:            p.ID,
		UserID:        p.UserID,
		DisplayName:   p.DisplayName,
		Role:          p.Role,
		JoinedAt:      p.JoinedAt,
		Producers:     make([]domain.ProducerInfo, 0, len(producers)),
		DataProducers: dataProducers,
	}
	for _, e := range producers {
		e.mu.RLock()
		if !e.closed {
			info.Producers = append(info.Producers, e.info())
		}
		e.mu.RUnlock()
	}
	return info
}

// usableTransport returns the transport only if it points the requested way
// and ConnectTransport has been called on it.
func (p *Peer) usableTransport(id domain.TransportID, dir domain.Direction) (*transportEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, domain.ErrPeerNotFound
	}
	t, ok := p.transports[id]
	if !ok {
		return nil, domain.ErrTransportNotFound
	}
	if t.direction != dir {
		return nil, domain.ErrWrongDirection
	}
	if !t.connected {
		return nil, domain.ErrTransportNotConnected
	}
	return t, nil
}

func (p *Peer) producer(id domain.ProducerID) (*producerEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.producers[id]
	if !ok {
		return nil, domain.ErrProducerNotFound
	}
	return e, nil
}

func (p *Peer) consumer(id domain.ConsumerID) (*consumerEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.consumers[id]
	if !ok {
		return nil, domain.ErrConsumerNotFound
	}
	return e, nil
}

func (p *Peer) takeConsumer(id domain.ConsumerID) *consumerEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.consumers[id]
	if !ok {
		return nil
	}
	delete(p.consumers, id)
	return e
}

func (p *Peer) takeDataConsumer(id domain.DataConsumerID) *dataConsumerEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.dataConsumers[id]
	if !ok {
		return nil
	}
	delete(p.dataConsumers, id)
	return e
}

// peerContents is everything a peer owned at the moment it was closed.
type peerContents struct {
	transports    map[domain.TransportID]*transportEntry
	producers     map[domain.ProducerID]*producerEntry
	consumers     map[domain.ConsumerID]*consumerEntry
	dataProducers map[domain.DataProducerID]*dataProducerEntry
	dataConsumers map[domain.DataConsumerID]*dataConsumerEntry
}

// close marks the peer closed and hands back its contents. Later inserts fail
// with ErrPeerNotFound. The second call returns nil.
func (p *Peer) close() *peerContents {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	c := &peerContents{
		transports:    p.transports,
		producers:     p.producers,
		consumers:     p.consumers,
		dataProducers: p.dataProducers,
		dataConsumers: p.dataConsumers,
	}
	p.transports = map[domain.TransportID]*transportEntry{}
	p.producers = map[domain.ProducerID]*producerEntry{}
	p.consumers = map[domain.ConsumerID]*consumerEntry{}
	p.dataProducers = map[domain.DataProducerID]*dataProducerEntry{}
	p.dataConsumers = map[domain.DataConsumerID]*dataConsumerEntry{}
	return c
}

// counts reports live object counts, used by tests and the admin API.
func (p *Peer) counts() (transports, producers, consumers int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.transports), len(p.producers), len(p.consumers)
}
