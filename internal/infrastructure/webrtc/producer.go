package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"confab/internal/core/domain"
	"confab/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	maxRTPPacketSize = 1500
	// keyframeRequestInterval bounds how often PLIs reach the sender.
	keyframeRequestInterval = 500 * time.Millisecond
)

var errObjectClosed = errors.New("closed")

// producer receives one RTP stream and fans every packet out to the
// consumers attached to it.
type producer struct {
	id        domain.ProducerID
	transport *transport
	kind      domain.MediaKind
	params    domain.RtpParameters
	codec     domain.RtpCodecParameters
	ssrc      uint32
	detect    keyframeDetector
	plis      *rate.Limiter
	logger    *zap.SugaredLogger

	paused    atomic.Bool
	closed    chan struct{}
	closeOnce sync.Once

	mu        sync.RWMutex
	receiver  *webrtc.RTPReceiver
	consumers map[domain.ConsumerID]*consumer
}

func newProducer(t *transport, params ports.ProduceParams) (*producer, error) {
	codecs := params.RtpParameters.MediaCodecs()
	if len(codecs) == 0 {
		return nil, fmt.Errorf("%w: rtp parameters carry no media codec", domain.ErrInvalidParameters)
	}
	if len(params.RtpParameters.Encodings) == 0 || params.RtpParameters.Encodings[0].SSRC == 0 {
		return nil, fmt.Errorf("%w: an encoding with an ssrc is required", domain.ErrInvalidParameters)
	}
	if !domain.CanConsume(params.RtpParameters, t.router.caps) {
		return nil, fmt.Errorf("%w: codec %s not supported by router", domain.ErrInvalidParameters, codecs[0].MimeType)
	}

	id := domain.ProducerID(domain.NewID())
	p := &producer{
		id:        id,
		transport: t,
		kind:      params.Kind,
		params:    params.RtpParameters,
		codec:     codecs[0],
		ssrc:      params.RtpParameters.Encodings[0].SSRC,
		plis:      rate.NewLimiter(rate.Every(keyframeRequestInterval), 1),
		logger:    t.logger.With("producer_id", id, "kind", params.Kind),
		closed:    make(chan struct{}),
		consumers: make(map[domain.ConsumerID]*consumer),
	}
	if params.Kind == domain.MediaKindVideo {
		p.detect = detectorFor(p.codec.MimeType)
	}
	return p, nil
}

func (p *producer) ID() domain.ProducerID               { return p.id }
func (p *producer) Kind() domain.MediaKind              { return p.kind }
func (p *producer) RtpParameters() domain.RtpParameters { return p.params }

func (p *producer) Pause(ctx context.Context) error {
	p.paused.Store(true)
	return nil
}

func (p *producer) Resume(ctx context.Context) error {
	if p.paused.Swap(false) && p.kind == domain.MediaKindVideo {
		p.requestKeyFrame()
	}
	return nil
}

func (p *producer) attach(c *consumer) {
	p.mu.Lock()
	p.consumers[c.id] = c
	p.mu.Unlock()
}

func (p *producer) detach(id domain.ConsumerID) {
	p.mu.Lock()
	delete(p.consumers, id)
	p.mu.Unlock()
}

func (p *producer) run() {
	defer p.transport.router.worker.guard("producer")

	if err := p.transport.waitReady(p.closed); err != nil {
		if !errors.Is(err, errObjectClosed) {
			p.logger.Warnw("producer never started", "error", err)
		}
		return
	}

	receiver, err := p.transport.api.NewRTPReceiver(codecType(p.kind), p.transport.dtls)
	if err != nil {
		p.logger.Errorw("failed to create rtp receiver", "error", err)
		return
	}
	err = receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(p.ssrc),
				PayloadType: webrtc.PayloadType(p.codec.PayloadType),
			},
		}},
	})
	if err != nil {
		p.logger.Errorw("failed to start rtp receiver", "error", err)
		receiver.Stop()
		return
	}

	p.mu.Lock()
	select {
	case <-p.closed:
		p.mu.Unlock()
		receiver.Stop()
		return
	default:
	}
	p.receiver = receiver
	p.mu.Unlock()

	go p.readRTCP(receiver)
	p.forward(receiver.Track())
}

// forward reads packets until the receiver stops.
func (p *producer) forward(track *webrtc.TrackRemote) {
	buf := make([]byte, maxRTPPacketSize)
	pkt := &rtp.Packet{}
	var forwarded uint64

	for {
		n, _, err := track.Read(buf)
		if err != nil {
			p.logger.Debugw("producer track ended", "error", err, "packets_forwarded", forwarded)
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			p.logger.Warnw("error unmarshaling RTP packet", "error", err)
			continue
		}
		if p.paused.Load() {
			continue
		}

		keyframe := p.detect != nil && p.detect(pkt)

		p.mu.RLock()
		for _, c := range p.consumers {
			c.write(pkt, keyframe)
		}
		p.mu.RUnlock()

		forwarded++
	}
}

func (p *producer) readRTCP(receiver *webrtc.RTPReceiver) {
	defer p.transport.router.worker.guard("producer rtcp")
	for {
		packets, _, err := receiver.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range packets {
			if sr, ok := pkt.(*rtcp.SenderReport); ok {
				p.logger.Debugw("received sender report",
					"packet_count", sr.PacketCount,
					"octet_count", sr.OctetCount,
				)
			}
		}
	}
}

// requestKeyFrame sends a PLI to the sender, at most once per interval.
func (p *producer) requestKeyFrame() {
	if p.kind != domain.MediaKindVideo || !p.plis.Allow() {
		return
	}
	select {
	case <-p.transport.ready:
		if p.transport.readyErr != nil {
			return
		}
	default:
		return
	}
	pli := &rtcp.PictureLossIndication{MediaSSRC: p.ssrc}
	if _, err := p.transport.dtls.WriteRTCP([]rtcp.Packet{pli}); err != nil {
		p.logger.Debugw("failed to send PLI", "error", err)
	}
}

func (p *producer) Done() <-chan struct{} { return p.closed }

// Close stops the receiver and closes every consumer of this producer.
func (p *producer) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		close(p.closed)
		receiver := p.receiver
		consumers := make([]*consumer, 0, len(p.consumers))
		for _, c := range p.consumers {
			consumers = append(consumers, c)
		}
		p.mu.Unlock()

		if receiver != nil {
			receiver.Stop()
		}
		for _, c := range consumers {
			c.Close()
		}
		p.transport.router.removeProducer(p.id)
		p.transport.forgetProducer(p.id)
		p.logger.Debugw("producer closed", "consumers", len(consumers))
	})
	return nil
}
