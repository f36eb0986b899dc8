package webrtc

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"confab/internal/core/domain"
	"confab/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const rtcpCNAME = "confab"

// consumer sends one producer's stream to the remote endpoint. Video
// consumers hold packets back until a keyframe after they start or resume.
type consumer struct {
	id        domain.ConsumerID
	transport *transport
	producer  *producer
	params    domain.RtpParameters
	ssrc      uint32
	track     *webrtc.TrackLocalStaticRTP
	logger    *zap.SugaredLogger

	paused       atomic.Bool
	sending      atomic.Bool
	needKeyframe atomic.Bool
	closed       chan struct{}
	closeOnce    sync.Once

	mu     sync.Mutex
	sender *webrtc.RTPSender
}

func newConsumer(t *transport, p *producer, params ports.ConsumeParams) (*consumer, error) {
	ssrc := rand.Uint32()
	for ssrc == 0 || ssrc == p.ssrc {
		ssrc = rand.Uint32()
	}
	rtpParams, err := domain.ConsumerRtpParameters(p.params, t.router.caps, params.RtpCapabilities, ssrc, rtcpCNAME)
	if err != nil {
		return nil, err
	}

	codec := rtpParams.Codecs[0]
	id := domain.ConsumerID(domain.NewID())
	track, err := webrtc.NewTrackLocalStaticRTP(
		pionCapability(codec.MimeType, codec.ClockRate, codec.Channels, codec.Parameters, codec.RtcpFeedback),
		string(id),
		string(p.id),
	)
	if err != nil {
		return nil, errors.Join(domain.ErrEngineFailure, err)
	}

	c := &consumer{
		id:        id,
		transport: t,
		producer:  p,
		params:    rtpParams,
		ssrc:      ssrc,
		track:     track,
		logger:    t.logger.With("consumer_id", id, "producer_id", p.id),
		closed:    make(chan struct{}),
	}
	c.paused.Store(params.Paused)
	c.needKeyframe.Store(p.detect != nil)
	return c, nil
}

func (c *consumer) ID() domain.ConsumerID               { return c.id }
func (c *consumer) ProducerID() domain.ProducerID       { return c.producer.id }
func (c *consumer) Kind() domain.MediaKind              { return c.producer.kind }
func (c *consumer) RtpParameters() domain.RtpParameters { return c.params }

func (c *consumer) Pause(ctx context.Context) error {
	c.paused.Store(true)
	return nil
}

func (c *consumer) Resume(ctx context.Context) error {
	if !c.paused.Swap(false) {
		return nil
	}
	if c.producer.detect != nil {
		c.needKeyframe.Store(true)
	}
	c.producer.requestKeyFrame()
	return nil
}

func (c *consumer) RequestKeyFrame(ctx context.Context) error {
	c.producer.requestKeyFrame()
	return nil
}

// write is called from the producer's read loop for every packet.
func (c *consumer) write(pkt *rtp.Packet, keyframe bool) {
	if !c.sending.Load() || c.paused.Load() {
		return
	}
	if c.needKeyframe.Load() {
		if !keyframe {
			return
		}
		c.needKeyframe.Store(false)
	}
	if err := c.track.WriteRTP(pkt); err != nil {
		c.logger.Debugw("error writing RTP packet to local track", "error", err)
	}
}

func (c *consumer) run() {
	defer c.transport.router.worker.guard("consumer")

	if err := c.transport.waitReady(c.closed); err != nil {
		if !errors.Is(err, errObjectClosed) {
			c.logger.Warnw("consumer never started", "error", err)
		}
		return
	}

	sender, err := c.transport.api.NewRTPSender(c.track, c.transport.dtls)
	if err != nil {
		c.logger.Errorw("failed to create rtp sender", "error", err)
		return
	}
	err = sender.Send(webrtc.RTPSendParameters{
		Encodings: []webrtc.RTPEncodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(c.ssrc),
				PayloadType: webrtc.PayloadType(c.params.Codecs[0].PayloadType),
			},
		}},
	})
	if err != nil {
		c.logger.Errorw("failed to start rtp sender", "error", err)
		sender.Stop()
		return
	}

	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		sender.Stop()
		return
	default:
	}
	c.sender = sender
	c.mu.Unlock()

	c.sending.Store(true)
	c.producer.requestKeyFrame()
	c.readRTCP(sender)
}

// readRTCP relays keyframe requests from the receiving endpoint upstream.
func (c *consumer) readRTCP(sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range packets {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				c.producer.requestKeyFrame()
			}
		}
	}
}

func (c *consumer) Close() error {
	c.closeOnce.Do(func() {
		c.sending.Store(false)
		c.mu.Lock()
		close(c.closed)
		sender := c.sender
		c.mu.Unlock()

		if sender != nil {
			sender.Stop()
		}
		c.producer.detach(c.id)
		c.transport.forgetConsumer(c.id)
		c.logger.Debugw("consumer closed")
	})
	return nil
}
