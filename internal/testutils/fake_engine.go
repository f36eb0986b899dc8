package testutils

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"confab/internal/core/domain"
	"confab/internal/core/ports"
)

var ErrFakeClosed = errors.New("fake engine object closed")

// DefaultCapabilities is what fake routers advertise: opus plus VP8.
func DefaultCapabilities() domain.RtpCapabilities {
	return domain.RtpCapabilities{
		Codecs: []domain.RtpCodecCapability{
			{Kind: domain.MediaKindAudio, MimeType: "audio/opus", PreferredPayloadType: 111, ClockRate: 48000, Channels: 2},
			{Kind: domain.MediaKindVideo, MimeType: "video/VP8", PreferredPayloadType: 96, ClockRate: 90000},
		},
	}
}

// OpusParameters is a minimal sendable opus track.
func OpusParameters() domain.RtpParameters {
	return domain.RtpParameters{
		Codecs:    []domain.RtpCodecParameters{{MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000, Channels: 2}},
		Encodings: []domain.RtpEncodingParameters{{SSRC: 1111}},
		Rtcp:      domain.RtcpParameters{CNAME: "fake", ReducedSize: true},
	}
}

// VP8Parameters is a minimal sendable VP8 track.
func VP8Parameters() domain.RtpParameters {
	return domain.RtpParameters{
		Codecs:    []domain.RtpCodecParameters{{MimeType: "video/VP8", PayloadType: 96, ClockRate: 90000}},
		Encodings: []domain.RtpEncodingParameters{{SSRC: 2222}},
		Rtcp:      domain.RtcpParameters{CNAME: "fake", ReducedSize: true},
	}
}

// FakeDtls is a syntactically valid remote DTLS description.
func FakeDtls() domain.DtlsParameters {
	return domain.DtlsParameters{
		Role: domain.DtlsRoleClient,
		Fingerprints: []domain.DtlsFingerprint{
			{Algorithm: "sha-256", Value: "AB:CD:EF:01:23:45:67:89:AB:CD:EF:01:23:45:67:89:AB:CD:EF:01:23:45:67:89:AB:CD:EF:01:23:45:67:89"},
		},
	}
}

// FakeEngine is an in-memory MediaEngine. Ids are sequential so tests stay
// deterministic.
type FakeEngine struct {
	Capabilities domain.RtpCapabilities

	seq            atomic.Int64
	routersCreated atomic.Int64

	mu           sync.Mutex
	workers      []*FakeWorker
	transports   map[domain.TransportID]*FakeTransport
	producers    map[domain.ProducerID]*FakeProducer
	newWorkerErr error
	failConnect  bool
}

func NewFakeEngine() *FakeEngine {
	return &FakeEngine{Capabilities: DefaultCapabilities()}
}

func (e *FakeEngine) nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, e.seq.Add(1))
}

// SetNewWorkerError makes subsequent NewWorker calls fail with err (nil clears it).
func (e *FakeEngine) SetNewWorkerError(err error) {
	e.mu.Lock()
	e.newWorkerErr = err
	e.mu.Unlock()
}

// SetFailConnect makes transport Connect fail.
func (e *FakeEngine) SetFailConnect(fail bool) {
	e.mu.Lock()
	e.failConnect = fail
	e.mu.Unlock()
}

func (e *FakeEngine) NewWorker(ctx context.Context) (ports.Worker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.newWorkerErr != nil {
		return nil, e.newWorkerErr
	}
	w := &FakeWorker{
		engine: e,
		id:     domain.WorkerID(e.nextID("worker")),
		died:   make(chan struct{}),
	}
	e.workers = append(e.workers, w)
	return w, nil
}

// Workers returns every worker ever created, dead or alive.
func (e *FakeEngine) Workers() []*FakeWorker {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*FakeWorker(nil), e.workers...)
}

func (e *FakeEngine) RoutersCreated() int {
	return int(e.routersCreated.Load())
}

// Transport looks up a transport this engine created, closed or not.
func (e *FakeEngine) Transport(id domain.TransportID) *FakeTransport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transports[id]
}

// Producer looks up a producer this engine created, closed or not.
func (e *FakeEngine) Producer(id domain.ProducerID) *FakeProducer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.producers[id]
}

func (e *FakeEngine) track(t *FakeTransport, p *FakeProducer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.transports == nil {
		e.transports = make(map[domain.TransportID]*FakeTransport)
		e.producers = make(map[domain.ProducerID]*FakeProducer)
	}
	if t != nil {
		e.transports[t.id] = t
	}
	if p != nil {
		e.producers[p.id] = p
	}
}

type FakeWorker struct {
	engine *FakeEngine
	id     domain.WorkerID

	died     chan struct{}
	dieOnce  sync.Once
	closed   atomic.Bool
	routers  atomic.Int64
	closeCnt atomic.Int64
}

func (w *FakeWorker) ID() domain.WorkerID { return w.id }

func (w *FakeWorker) Died() <-chan struct{} { return w.died }

// Kill simulates an unexpected worker exit.
func (w *FakeWorker) Kill() {
	w.dieOnce.Do(func() { close(w.died) })
}

func (w *FakeWorker) Closed() bool { return w.closed.Load() }

func (w *FakeWorker) RouterCount() int { return int(w.routers.Load()) }

func (w *FakeWorker) Close() error {
	w.closed.Store(true)
	w.closeCnt.Add(1)
	return nil
}

func (w *FakeWorker) CreateRouter(ctx context.Context) (ports.Router, error) {
	if w.closed.Load() {
		return nil, ErrFakeClosed
	}
	w.routers.Add(1)
	w.engine.routersCreated.Add(1)
	return &FakeRouter{
		worker:        w,
		id:            domain.RouterID(w.engine.nextID("router")),
		caps:          w.engine.Capabilities,
		producers:     make(map[domain.ProducerID]*FakeProducer),
		dataProducers: make(map[domain.DataProducerID]*FakeDataProducer),
	}, nil
}

type FakeRouter struct {
	worker *FakeWorker
	id     domain.RouterID
	caps   domain.RtpCapabilities

	mu            sync.Mutex
	closed        bool
	producers     map[domain.ProducerID]*FakeProducer
	dataProducers map[domain.DataProducerID]*FakeDataProducer
}

func (r *FakeRouter) ID() domain.RouterID { return r.id }

func (r *FakeRouter) RtpCapabilities() domain.RtpCapabilities { return r.caps }

func (r *FakeRouter) CanConsume(producerID domain.ProducerID, caps domain.RtpCapabilities) (bool, error) {
	r.mu.Lock()
	p, ok := r.producers[producerID]
	r.mu.Unlock()
	if !ok {
		return false, domain.ErrProducerNotFound
	}
	return domain.CanConsume(p.params, caps), nil
}

func (r *FakeRouter) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *FakeRouter) CreateWebRtcTransport(ctx context.Context, opts ports.TransportOptions) (ports.Transport, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, ErrFakeClosed
	}

	id := r.worker.engine.nextID("transport")
	t := &FakeTransport{
		router: r,
		id:     domain.TransportID(id),
		ice:    domain.IceParameters{UsernameFragment: "ufrag-" + id, Password: "pwd-" + id, IceLite: true},
		candidates: []domain.IceCandidate{
			{Foundation: "udpcandidate", Priority: 1076302079, IP: "127.0.0.1", Protocol: "udp", Port: 40000, Type: "host"},
		},
		dtls: domain.DtlsParameters{
			Role:         domain.DtlsRoleAuto,
			Fingerprints: []domain.DtlsFingerprint{{Algorithm: "sha-256", Value: "00:11:22:33"}},
		},
		done: make(chan struct{}),
	}
	if opts.EnableSctp {
		t.sctp = &domain.SctpParameters{Port: 5000, OS: 1024, MIS: 1024, MaxMessageSize: 262144}
	}
	r.worker.engine.track(t, nil)
	return t, nil
}

func (r *FakeRouter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

type FakeTransport struct {
	router     *FakeRouter
	id         domain.TransportID
	ice        domain.IceParameters
	candidates []domain.IceCandidate
	dtls       domain.DtlsParameters
	sctp       *domain.SctpParameters

	mu            sync.Mutex
	connected     bool
	closed        bool
	ssrc          uint32
	producers     []*FakeProducer
	consumers     []*FakeConsumer
	dataProducers []*FakeDataProducer
	dataConsumers []*FakeDataConsumer

	done     chan struct{}
	doneOnce sync.Once
}

func (t *FakeTransport) ID() domain.TransportID                { return t.id }
func (t *FakeTransport) IceParameters() domain.IceParameters   { return t.ice }
func (t *FakeTransport) IceCandidates() []domain.IceCandidate  { return t.candidates }
func (t *FakeTransport) DtlsParameters() domain.DtlsParameters { return t.dtls }
func (t *FakeTransport) SctpParameters() *domain.SctpParameters {
	return t.sctp
}

func (t *FakeTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *FakeTransport) Connect(ctx context.Context, params ports.ConnectParams) error {
	t.router.worker.engine.mu.Lock()
	fail := t.router.worker.engine.failConnect
	t.router.worker.engine.mu.Unlock()
	if fail {
		return errors.New("dtls handshake failed")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrFakeClosed
	}
	t.connected = true
	return nil
}

func (t *FakeTransport) Produce(ctx context.Context, params ports.ProduceParams) (ports.Producer, error) {
	if len(params.RtpParameters.MediaCodecs()) == 0 {
		return nil, errors.New("rtp parameters carry no media codec")
	}
	p := &FakeProducer{
		router: t.router,
		id:     domain.ProducerID(t.router.worker.engine.nextID("producer")),
		kind:   params.Kind,
		params: params.RtpParameters,
		done:   make(chan struct{}),
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrFakeClosed
	}
	t.producers = append(t.producers, p)
	t.mu.Unlock()
	t.router.mu.Lock()
	t.router.producers[p.id] = p
	t.router.mu.Unlock()
	t.router.worker.engine.track(nil, p)
	return p, nil
}

func (t *FakeTransport) Consume(ctx context.Context, params ports.ConsumeParams) (ports.Consumer, error) {
	t.router.mu.Lock()
	p, ok := t.router.producers[params.ProducerID]
	t.router.mu.Unlock()
	if !ok {
		return nil, domain.ErrProducerNotFound
	}

	t.mu.Lock()
	t.ssrc++
	ssrc := 100000 + t.ssrc
	t.mu.Unlock()

	rtpParams, err := domain.ConsumerRtpParameters(p.params, t.router.caps, params.RtpCapabilities, ssrc, "confab")
	if err != nil {
		return nil, err
	}
	c := &FakeConsumer{
		id:         domain.ConsumerID(t.router.worker.engine.nextID("consumer")),
		producerID: p.id,
		kind:       p.kind,
		params:     rtpParams,
		paused:     params.Paused,
	}
	t.mu.Lock()
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()
	p.mu.Lock()
	p.consumers = append(p.consumers, c)
	p.mu.Unlock()
	return c, nil
}

func (t *FakeTransport) ProduceData(ctx context.Context, params ports.ProduceDataParams) (ports.DataProducer, error) {
	if t.sctp == nil {
		return nil, errors.New("sctp not enabled on transport")
	}
	dp := &FakeDataProducer{
		router:   t.router,
		id:       domain.DataProducerID(t.router.worker.engine.nextID("dataproducer")),
		stream:   params.SctpStreamParameters,
		label:    params.Label,
		protocol: params.Protocol,
		done:     make(chan struct{}),
	}
	t.mu.Lock()
	t.dataProducers = append(t.dataProducers, dp)
	t.mu.Unlock()
	t.router.mu.Lock()
	t.router.dataProducers[dp.id] = dp
	t.router.mu.Unlock()
	return dp, nil
}

func (t *FakeTransport) ConsumeData(ctx context.Context, dataProducerID domain.DataProducerID) (ports.DataConsumer, error) {
	if t.sctp == nil {
		return nil, errors.New("sctp not enabled on transport")
	}
	t.router.mu.Lock()
	dp, ok := t.router.dataProducers[dataProducerID]
	t.router.mu.Unlock()
	if !ok {
		return nil, domain.ErrDataProducerNotFound
	}
	dc := &FakeDataConsumer{
		id:             domain.DataConsumerID(t.router.worker.engine.nextID("dataconsumer")),
		dataProducerID: dp.id,
		stream:         dp.stream,
		label:          dp.label,
		protocol:       dp.protocol,
	}
	t.mu.Lock()
	t.dataConsumers = append(t.dataConsumers, dc)
	t.mu.Unlock()
	return dc, nil
}

func (t *FakeTransport) Done() <-chan struct{} { return t.done }

func (t *FakeTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Fail simulates the engine tearing the transport down on its own, as after
// an ICE or DTLS failure.
func (t *FakeTransport) Fail() { _ = t.Close() }

// Close closes the transport and everything created on it.
func (t *FakeTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	producers, consumers := t.producers, t.consumers
	dataProducers, dataConsumers := t.dataProducers, t.dataConsumers
	t.producers, t.consumers, t.dataProducers, t.dataConsumers = nil, nil, nil, nil
	t.mu.Unlock()

	for _, c := range consumers {
		_ = c.Close()
	}
	for _, p := range producers {
		_ = p.Close()
	}
	for _, dc := range dataConsumers {
		_ = dc.Close()
	}
	for _, dp := range dataProducers {
		_ = dp.Close()
	}
	t.doneOnce.Do(func() { close(t.done) })
	return nil
}

type FakeProducer struct {
	router *FakeRouter
	id     domain.ProducerID
	kind   domain.MediaKind
	params domain.RtpParameters

	mu        sync.Mutex
	paused    bool
	closed    bool
	consumers []*FakeConsumer

	done     chan struct{}
	doneOnce sync.Once
}

func (p *FakeProducer) ID() domain.ProducerID               { return p.id }
func (p *FakeProducer) Kind() domain.MediaKind              { return p.kind }
func (p *FakeProducer) RtpParameters() domain.RtpParameters { return p.params }

func (p *FakeProducer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *FakeProducer) Pause(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
	return nil
}

func (p *FakeProducer) Resume(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
	return nil
}

func (p *FakeProducer) Done() <-chan struct{} { return p.done }

// Close removes the producer from its router and closes its consumers. It is
// also how tests simulate the engine dropping a producer on its own.
func (p *FakeProducer) Close() error {
	p.mu.Lock()
	p.closed = true
	consumers := p.consumers
	p.consumers = nil
	p.mu.Unlock()
	p.router.mu.Lock()
	delete(p.router.producers, p.id)
	p.router.mu.Unlock()
	for _, c := range consumers {
		_ = c.Close()
	}
	p.doneOnce.Do(func() { close(p.done) })
	return nil
}

type FakeConsumer struct {
	id         domain.ConsumerID
	producerID domain.ProducerID
	kind       domain.MediaKind
	params     domain.RtpParameters

	mu        sync.Mutex
	paused    bool
	closed    bool
	keyFrames int
}

func (c *FakeConsumer) ID() domain.ConsumerID               { return c.id }
func (c *FakeConsumer) ProducerID() domain.ProducerID       { return c.producerID }
func (c *FakeConsumer) Kind() domain.MediaKind              { return c.kind }
func (c *FakeConsumer) RtpParameters() domain.RtpParameters { return c.params }

func (c *FakeConsumer) Pause(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
	return nil
}

func (c *FakeConsumer) Resume(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
	return nil
}

func (c *FakeConsumer) RequestKeyFrame(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keyFrames++
	return nil
}

func (c *FakeConsumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *FakeConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type FakeDataProducer struct {
	router   *FakeRouter
	id       domain.DataProducerID
	stream   domain.SctpStreamParameters
	label    string
	protocol string

	done     chan struct{}
	doneOnce sync.Once
}

func (d *FakeDataProducer) ID() domain.DataProducerID { return d.id }
func (d *FakeDataProducer) SctpStreamParameters() domain.SctpStreamParameters {
	return d.stream
}
func (d *FakeDataProducer) Label() string         { return d.label }
func (d *FakeDataProducer) Protocol() string      { return d.protocol }
func (d *FakeDataProducer) Done() <-chan struct{} { return d.done }

func (d *FakeDataProducer) Close() error {
	d.router.mu.Lock()
	delete(d.router.dataProducers, d.id)
	d.router.mu.Unlock()
	d.doneOnce.Do(func() { close(d.done) })
	return nil
}

type FakeDataConsumer struct {
	id             domain.DataConsumerID
	dataProducerID domain.DataProducerID
	stream         domain.SctpStreamParameters
	label          string
	protocol       string
}

func (d *FakeDataConsumer) ID() domain.DataConsumerID             { return d.id }
func (d *FakeDataConsumer) DataProducerID() domain.DataProducerID { return d.dataProducerID }
func (d *FakeDataConsumer) SctpStreamParameters() domain.SctpStreamParameters {
	return d.stream
}
func (d *FakeDataConsumer) Label() string    { return d.label }
func (d *FakeDataConsumer) Protocol() string { return d.protocol }
func (d *FakeDataConsumer) Close() error     { return nil }
