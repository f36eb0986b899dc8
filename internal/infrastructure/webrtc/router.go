package webrtc

import (
	"context"
	"fmt"
	"sync"

	"confab/internal/core/domain"
	"confab/internal/core/ports"

	"go.uber.org/zap"
)

// router groups the transports of one room on one worker. Producers are
// indexed here so any transport of the room can consume them.
type router struct {
	id     domain.RouterID
	worker *worker
	caps   domain.RtpCapabilities
	logger *zap.SugaredLogger

	mu            sync.RWMutex
	closed        bool
	transports    map[domain.TransportID]*transport
	producers     map[domain.ProducerID]*producer
	dataProducers map[domain.DataProducerID]*dataProducer
}

func newRouter(w *worker) *router {
	id := domain.RouterID(domain.NewID())
	return &router{
		id:            id,
		worker:        w,
		caps:          routerCapabilities(w.cfg.Codecs),
		logger:        w.logger.With("router_id", id),
		transports:    make(map[domain.TransportID]*transport),
		producers:     make(map[domain.ProducerID]*producer),
		dataProducers: make(map[domain.DataProducerID]*dataProducer),
	}
}

// routerCapabilities copies the configured codecs so callers cannot mutate
// the worker's configuration.
func routerCapabilities(codecs []domain.RtpCodecCapability) domain.RtpCapabilities {
	caps := domain.RtpCapabilities{Codecs: make([]domain.RtpCodecCapability, 0, len(codecs))}
	for _, c := range codecs {
		params := make(map[string]any, len(c.Parameters))
		for k, v := range c.Parameters {
			params[k] = v
		}
		c.Parameters = params
		c.RtcpFeedback = append([]domain.RtcpFeedback(nil), c.RtcpFeedback...)
		caps.Codecs = append(caps.Codecs, c)
	}
	return caps
}

func (r *router) ID() domain.RouterID { return r.id }

func (r *router) RtpCapabilities() domain.RtpCapabilities {
	return routerCapabilities(r.caps.Codecs)
}

// CanConsume fails with ErrProducerNotFound once the producer is gone, so
// callers can tell a closed producer from incompatible capabilities.
func (r *router) CanConsume(producerID domain.ProducerID, caps domain.RtpCapabilities) (bool, error) {
	p := r.producer(producerID)
	if p == nil {
		return false, domain.ErrProducerNotFound
	}
	return domain.CanConsume(p.params, caps), nil
}

func (r *router) CreateWebRtcTransport(ctx context.Context, opts ports.TransportOptions) (ports.Transport, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("%w: router %s closed", domain.ErrEngineFailure, r.id)
	}

	t, err := newTransport(ctx, r, opts)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		t.Close()
		return nil, fmt.Errorf("%w: router %s closed", domain.ErrEngineFailure, r.id)
	}
	r.transports[t.id] = t
	r.mu.Unlock()
	return t, nil
}

func (r *router) producer(id domain.ProducerID) *producer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.producers[id]
}

func (r *router) dataProducer(id domain.DataProducerID) *dataProducer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dataProducers[id]
}

func (r *router) addProducer(p *producer) {
	r.mu.Lock()
	r.producers[p.id] = p
	r.mu.Unlock()
}

func (r *router) addDataProducer(dp *dataProducer) {
	r.mu.Lock()
	r.dataProducers[dp.id] = dp
	r.mu.Unlock()
}

func (r *router) removeProducer(id domain.ProducerID) {
	r.mu.Lock()
	delete(r.producers, id)
	r.mu.Unlock()
}

func (r *router) removeDataProducer(id domain.DataProducerID) {
	r.mu.Lock()
	delete(r.dataProducers, id)
	r.mu.Unlock()
}

func (r *router) removeTransport(id domain.TransportID) {
	r.mu.Lock()
	delete(r.transports, id)
	r.mu.Unlock()
}

func (r *router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	transports := make([]*transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.mu.Unlock()

	for _, t := range transports {
		t.Close()
	}
	r.worker.forgetRouter(r.id)
	r.logger.Debugw("router closed", "transports", len(transports))
	return nil
}
