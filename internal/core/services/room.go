package services

import (
	"sync"
	"time"

	"confab/internal/core/domain"
	"confab/internal/core/ports"
)

// Room owns one router on one worker and the peers sharing it. A room lives
// exactly as long as it has peers: the removal that empties it also closes it.
type Room struct {
	ID        domain.RoomID
	WorkerID  domain.WorkerID
	CreatedAt time.Time

	router ports.Router

	mu            sync.Mutex
	closed        bool
	peers         map[domain.PeerID]*Peer
	producers     map[domain.ProducerID]*producerEntry
	dataProducers map[domain.DataProducerID]*dataProducerEntry

	releaseOnce sync.Once
}

func newRoom(id domain.RoomID, workerID domain.WorkerID, router ports.Router) *Room {
	return &Room{
		ID:            id,
		WorkerID:      workerID,
		CreatedAt:     time.Now(),
		router:        router,
		peers:         make(map[domain.PeerID]*Peer),
		producers:     make(map[domain.ProducerID]*producerEntry),
		dataProducers: make(map[domain.DataProducerID]*dataProducerEntry),
	}
}

func (r *Room) RouterID() domain.RouterID {
	return r.router.ID()
}

func (r *Room) RtpCapabilities() domain.RtpCapabilities {
	return r.router.RtpCapabilities()
}

func (r *Room) Peer(id domain.PeerID) (*Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	if !ok {
		return nil, domain.ErrPeerNotFound
	}
	return p, nil
}

func (r *Room) PeerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

func (r *Room) PeerIDs() []domain.PeerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]domain.PeerID, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	return ids
}

func (r *Room) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Room) peerList() []*Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

// Info snapshots the room for the admin API and join responses.
func (r *Room) Info() domain.RoomInfo {
	info := domain.RoomInfo{
		ID:        r.ID,
		WorkerID:  r.WorkerID,
		RouterID:  r.router.ID(),
		CreatedAt: r.CreatedAt,
	}
	for _, p := range r.peerList() {
		info.Peers = append(info.Peers, p.Info())
	}
	return info
}

func (r *Room) producer(id domain.ProducerID) (*producerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.producers[id]
	if !ok {
		return nil, domain.ErrProducerNotFound
	}
	return e, nil
}

func (r *Room) dataProducer(id domain.DataProducerID) (*dataProducerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.dataProducers[id]
	if !ok {
		return nil, domain.ErrDataProducerNotFound
	}
	return e, nil
}

func (r *Room) indexProducer(e *producerEntry) {
	r.mu.Lock()
	r.producers[e.producer.ID()] = e
	r.mu.Unlock()
}

func (r *Room) unindexProducer(id domain.ProducerID) {
	r.mu.Lock()
	delete(r.producers, id)
	r.mu.Unlock()
}

func (r *Room) indexDataProducer(e *dataProducerEntry) {
	r.mu.Lock()
	r.dataProducers[e.dataProducer.ID()] = e
	r.mu.Unlock()
}

func (r *Room) unindexDataProducer(id domain.DataProducerID) {
	r.mu.Lock()
	delete(r.dataProducers, id)
	r.mu.Unlock()
}

// release closes the router and returns the room's slot to the worker pool.
// Safe to call more than once.
func (r *Room) release(pool *WorkerPool) error {
	var err error
	r.releaseOnce.Do(func() {
		err = r.router.Close()
		pool.Release(r.WorkerID)
	})
	return err
}
