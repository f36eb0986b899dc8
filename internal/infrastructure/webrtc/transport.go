package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"confab/internal/core/domain"
	"confab/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	sctpPort           = 5000
	sctpStreams        = 1024
	sctpMaxMessageSize = 262144
)

var errSctpDisabled = errors.New("sctp not enabled on transport")

// transport is one ICE+DTLS(+SCTP) stack built with pion's ORTC objects.
// Local ICE candidates are gathered eagerly; the handshake runs in the
// background after Connect and ready is closed once it has finished.
type transport struct {
	id     domain.TransportID
	router *router
	api    *webrtc.API
	logger *zap.SugaredLogger

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	sctp     *webrtc.SCTPTransport

	iceParams  domain.IceParameters
	candidates []domain.IceCandidate
	dtlsParams domain.DtlsParameters
	sctpParams *domain.SctpParameters

	ready    chan struct{}
	readyErr error
	done     chan struct{}

	mu            sync.Mutex
	connected     bool
	closed        bool
	producers     map[domain.ProducerID]*producer
	consumers     map[domain.ConsumerID]*consumer
	dataProducers map[domain.DataProducerID]*dataProducer
	dataConsumers map[domain.DataConsumerID]*dataConsumer
	usedStreams   map[uint16]struct{}
}

func newTransport(ctx context.Context, r *router, opts ports.TransportOptions) (*transport, error) {
	api := r.worker.api
	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: r.worker.cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("%w: ice gatherer: %v", domain.ErrEngineFailure, err)
	}

	id := domain.TransportID(domain.NewID())
	t := &transport{
		id:            id,
		router:        r,
		api:           api,
		logger:        r.logger.With("transport_id", id),
		gatherer:      gatherer,
		ready:         make(chan struct{}),
		done:          make(chan struct{}),
		producers:     make(map[domain.ProducerID]*producer),
		consumers:     make(map[domain.ConsumerID]*consumer),
		dataProducers: make(map[domain.DataProducerID]*dataProducer),
		dataConsumers: make(map[domain.DataConsumerID]*dataConsumer),
		usedStreams:   make(map[uint16]struct{}),
	}

	if err := t.gather(ctx, opts, r.worker.cfg.GatherTimeout); err != nil {
		gatherer.Close()
		return nil, err
	}

	t.ice = api.NewICETransport(gatherer)
	t.dtls, err = api.NewDTLSTransport(t.ice, nil)
	if err != nil {
		gatherer.Close()
		return nil, fmt.Errorf("%w: dtls transport: %v", domain.ErrEngineFailure, err)
	}
	local, err := t.dtls.GetLocalParameters()
	if err != nil {
		gatherer.Close()
		return nil, fmt.Errorf("%w: dtls parameters: %v", domain.ErrEngineFailure, err)
	}
	t.dtlsParams = domain.DtlsParameters{Role: domain.DtlsRoleAuto}
	for _, fp := range local.Fingerprints {
		t.dtlsParams.Fingerprints = append(t.dtlsParams.Fingerprints, domain.DtlsFingerprint{
			Algorithm: fp.Algorithm,
			Value:     fp.Value,
		})
	}

	if opts.EnableSctp {
		t.sctp = api.NewSCTPTransport(t.dtls)
		t.sctpParams = &domain.SctpParameters{
			Port:           sctpPort,
			OS:             sctpStreams,
			MIS:            sctpStreams,
			MaxMessageSize: sctpMaxMessageSize,
		}
	}

	t.logger.Debugw("transport created",
		"candidates", len(t.candidates),
		"sctp", opts.EnableSctp,
	)
	return t, nil
}

// gather collects local candidates, honouring the UDP/TCP switches.
func (t *transport) gather(ctx context.Context, opts ports.TransportOptions, timeout time.Duration) error {
	done := make(chan struct{})
	var once sync.Once
	t.gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(done) })
		}
	})
	if err := t.gatherer.Gather(); err != nil {
		return fmt.Errorf("%w: gather: %v", domain.ErrEngineFailure, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		t.logger.Warnw("ice gathering timed out, using partial candidates", "timeout", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	params, err := t.gatherer.GetLocalParameters()
	if err != nil {
		return fmt.Errorf("%w: ice parameters: %v", domain.ErrEngineFailure, err)
	}
	t.iceParams = domain.IceParameters{
		UsernameFragment: params.UsernameFragment,
		Password:         params.Password,
		IceLite:          params.ICELite,
	}

	local, err := t.gatherer.GetLocalCandidates()
	if err != nil {
		return fmt.Errorf("%w: ice candidates: %v", domain.ErrEngineFailure, err)
	}
	for _, c := range local {
		proto := c.Protocol.String()
		if (proto == "udp" && !opts.EnableUDP) || (proto == "tcp" && !opts.EnableTCP) {
			continue
		}
		t.candidates = append(t.candidates, domain.IceCandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			IP:         c.Address,
			Protocol:   proto,
			Port:       c.Port,
			Type:       c.Typ.String(),
			TCPType:    c.TCPType,
		})
	}
	if len(t.candidates) == 0 {
		return fmt.Errorf("%w: no usable ice candidates", domain.ErrEngineFailure)
	}
	return nil
}

func (t *transport) ID() domain.TransportID                { return t.id }
func (t *transport) IceParameters() domain.IceParameters   { return t.iceParams }
func (t *transport) DtlsParameters() domain.DtlsParameters { return t.dtlsParams }

func (t *transport) IceCandidates() []domain.IceCandidate {
	return append([]domain.IceCandidate(nil), t.candidates...)
}

func (t *transport) SctpParameters() *domain.SctpParameters {
	if t.sctpParams == nil {
		return nil
	}
	p := *t.sctpParams
	return &p
}

// Connect validates the remote parameters and starts the handshake. It does
// not wait for the handshake; media objects created meanwhile attach once
// the transport is ready.
func (t *transport) Connect(ctx context.Context, params ports.ConnectParams) error {
	if err := params.DtlsParameters.Validate(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidParameters, err)
	}
	if params.IceParameters == nil || params.IceParameters.Empty() {
		return fmt.Errorf("%w: ice parameters are required", domain.ErrInvalidParameters)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("%w: transport closed", domain.ErrEngineFailure)
	}
	if t.connected {
		t.mu.Unlock()
		return domain.ErrTransportConnected
	}
	t.connected = true
	t.mu.Unlock()

	remoteICE := webrtc.ICEParameters{
		UsernameFragment: params.IceParameters.UsernameFragment,
		Password:         params.IceParameters.Password,
		ICELite:          params.IceParameters.IceLite,
	}
	remoteDTLS := webrtc.DTLSParameters{Role: pionDtlsRole(params.DtlsParameters.Role)}
	for _, fp := range params.DtlsParameters.Fingerprints {
		remoteDTLS.Fingerprints = append(remoteDTLS.Fingerprints, webrtc.DTLSFingerprint{
			Algorithm: fp.Algorithm,
			Value:     fp.Value,
		})
	}

	go t.handshake(remoteICE, remoteDTLS)
	return nil
}

func (t *transport) handshake(remoteICE webrtc.ICEParameters, remoteDTLS webrtc.DTLSParameters) {
	defer t.router.worker.guard("transport handshake")

	err := t.startStack(remoteICE, remoteDTLS)
	t.readyErr = err
	close(t.ready)

	if err != nil {
		t.logger.Warnw("transport handshake failed", "error", err)
		t.Close()
		return
	}
	t.logger.Infow("transport connected")
}

func (t *transport) startStack(remoteICE webrtc.ICEParameters, remoteDTLS webrtc.DTLSParameters) error {
	role := webrtc.ICERoleControlled
	if err := t.ice.Start(t.gatherer, remoteICE, &role); err != nil {
		return fmt.Errorf("ice: %w", err)
	}
	if err := t.dtls.Start(remoteDTLS); err != nil {
		return fmt.Errorf("dtls: %w", err)
	}
	if t.sctp != nil {
		if err := t.sctp.Start(webrtc.SCTPCapabilities{MaxMessageSize: sctpMaxMessageSize}); err != nil {
			return fmt.Errorf("sctp: %w", err)
		}
	}
	return nil
}

// waitReady blocks until the handshake finished. done is the waiting
// object's own close signal.
func (t *transport) waitReady(done <-chan struct{}) error {
	select {
	case <-t.ready:
		if t.readyErr != nil {
			return fmt.Errorf("%w: %v", domain.ErrTransportNotConnected, t.readyErr)
		}
		return nil
	case <-done:
		return errObjectClosed
	}
}

func pionDtlsRole(role domain.DtlsRole) webrtc.DTLSRole {
	switch role {
	case domain.DtlsRoleClient:
		return webrtc.DTLSRoleClient
	case domain.DtlsRoleServer:
		return webrtc.DTLSRoleServer
	default:
		return webrtc.DTLSRoleAuto
	}
}

func (t *transport) Produce(ctx context.Context, params ports.ProduceParams) (ports.Producer, error) {
	p, err := newProducer(t, params)
	if err != nil {
		return nil, err
	}
	if !t.track(func() { t.producers[p.id] = p }) {
		p.Close()
		return nil, fmt.Errorf("%w: transport closed", domain.ErrEngineFailure)
	}
	t.router.addProducer(p)
	go p.run()
	return p, nil
}

func (t *transport) Consume(ctx context.Context, params ports.ConsumeParams) (ports.Consumer, error) {
	p := t.router.producer(params.ProducerID)
	if p == nil {
		return nil, domain.ErrProducerNotFound
	}
	c, err := newConsumer(t, p, params)
	if err != nil {
		return nil, err
	}
	if !t.track(func() { t.consumers[c.id] = c }) {
		c.Close()
		return nil, fmt.Errorf("%w: transport closed", domain.ErrEngineFailure)
	}
	p.attach(c)
	go c.run()
	return c, nil
}

func (t *transport) ProduceData(ctx context.Context, params ports.ProduceDataParams) (ports.DataProducer, error) {
	if t.sctp == nil {
		return nil, errSctpDisabled
	}
	stream := params.SctpStreamParameters.StreamID
	if stream >= sctpStreams {
		return nil, fmt.Errorf("%w: stream id %d out of range", domain.ErrInvalidParameters, stream)
	}

	var inUse bool
	dp := newDataProducer(t, params)
	ok := t.track(func() {
		if _, inUse = t.usedStreams[stream]; !inUse {
			t.usedStreams[stream] = struct{}{}
			t.dataProducers[dp.id] = dp
		}
	})
	if !ok {
		return nil, fmt.Errorf("%w: transport closed", domain.ErrEngineFailure)
	}
	if inUse {
		return nil, fmt.Errorf("%w: stream id %d in use", domain.ErrInvalidParameters, stream)
	}
	t.router.addDataProducer(dp)
	go dp.run()
	return dp, nil
}

func (t *transport) ConsumeData(ctx context.Context, dataProducerID domain.DataProducerID) (ports.DataConsumer, error) {
	if t.sctp == nil {
		return nil, errSctpDisabled
	}
	dp := t.router.dataProducer(dataProducerID)
	if dp == nil {
		return nil, domain.ErrDataProducerNotFound
	}

	var (
		dc  *dataConsumer
		err error
	)
	ok := t.track(func() {
		stream, found := t.freeStream()
		if !found {
			err = fmt.Errorf("%w: no free sctp stream", domain.ErrEngineFailure)
			return
		}
		t.usedStreams[stream] = struct{}{}
		dc = newDataConsumer(t, dp, stream)
		t.dataConsumers[dc.id] = dc
	})
	if !ok {
		return nil, fmt.Errorf("%w: transport closed", domain.ErrEngineFailure)
	}
	if err != nil {
		return nil, err
	}
	dp.attach(dc)
	go dc.run()
	return dc, nil
}

// freeStream must be called with t.mu held.
func (t *transport) freeStream() (uint16, bool) {
	for id := uint16(0); id < sctpStreams; id++ {
		if _, used := t.usedStreams[id]; !used {
			return id, true
		}
	}
	return 0, false
}

// track runs fn under t.mu unless the transport is closed.
func (t *transport) track(fn func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	fn()
	return true
}

func (t *transport) forgetProducer(id domain.ProducerID) {
	t.mu.Lock()
	delete(t.producers, id)
	t.mu.Unlock()
}

func (t *transport) forgetConsumer(id domain.ConsumerID) {
	t.mu.Lock()
	delete(t.consumers, id)
	t.mu.Unlock()
}

func (t *transport) forgetDataProducer(id domain.DataProducerID, stream uint16) {
	t.mu.Lock()
	delete(t.dataProducers, id)
	delete(t.usedStreams, stream)
	t.mu.Unlock()
}

func (t *transport) forgetDataConsumer(id domain.DataConsumerID, stream uint16) {
	t.mu.Lock()
	delete(t.dataConsumers, id)
	delete(t.usedStreams, stream)
	t.mu.Unlock()
}

// Close tears down every media object on the transport and then the stack.
func (t *transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	var closers []interface{ Close() error }
	for _, p := range t.producers {
		closers = append(closers, p)
	}
	for _, c := range t.consumers {
		closers = append(closers, c)
	}
	for _, dp := range t.dataProducers {
		closers = append(closers, dp)
	}
	for _, dc := range t.dataConsumers {
		closers = append(closers, dc)
	}
	t.mu.Unlock()

	for _, c := range closers {
		c.Close()
	}

	var errs []error
	if t.sctp != nil {
		errs = append(errs, t.sctp.Stop())
	}
	if t.dtls != nil {
		errs = append(errs, t.dtls.Stop())
	}
	if t.ice != nil {
		errs = append(errs, t.ice.Stop())
	}
	errs = append(errs, t.gatherer.Close())

	t.router.removeTransport(t.id)
	if err := errors.Join(errs...); err != nil {
		t.logger.Debugw("transport closed with errors", "error", err)
	}
	close(t.done)
	return nil
}

// Done is closed once the transport and everything on it are closed,
// including when a failed handshake closed it.
func (t *transport) Done() <-chan struct{} { return t.done }
