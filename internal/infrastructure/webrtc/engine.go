package webrtc

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"confab/internal/core/domain"
	"confab/internal/core/ports"
	"confab/pkg/config"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const defaultGatherTimeout = 5 * time.Second

// EngineConfig describes how every worker's webrtc.API is built.
type EngineConfig struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	AnnouncedIPs  []string
	Codecs        []domain.RtpCodecCapability
	GatherTimeout time.Duration
}

// ConfigFromSettings maps the webrtc section of the service config.
func ConfigFromSettings(cfg *config.Config) EngineConfig {
	var ec EngineConfig
	for _, s := range cfg.WebRTC.ICEServers {
		ec.ICEServers = append(ec.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	ec.PortRange.Min = cfg.WebRTC.PortRange.Min
	ec.PortRange.Max = cfg.WebRTC.PortRange.Max
	ec.AnnouncedIPs = cfg.WebRTC.AnnouncedIPs
	for _, c := range cfg.WebRTC.Codecs {
		params := make(map[string]any, len(c.Parameters))
		for k, v := range c.Parameters {
			params[k] = v
		}
		ec.Codecs = append(ec.Codecs, domain.RtpCodecCapability{
			Kind:                 domain.KindOfMime(c.MimeType),
			MimeType:             c.MimeType,
			PreferredPayloadType: c.PayloadType,
			ClockRate:            c.ClockRate,
			Channels:             c.Channels,
			Parameters:           params,
			RtcpFeedback:         defaultFeedback(domain.KindOfMime(c.MimeType)),
		})
	}
	return ec
}

func defaultFeedback(kind domain.MediaKind) []domain.RtcpFeedback {
	if kind != domain.MediaKindVideo {
		return nil
	}
	return []domain.RtcpFeedback{
		{Type: "nack"},
		{Type: "nack", Parameter: "pli"},
		{Type: "ccm", Parameter: "fir"},
	}
}

// Engine implements ports.MediaEngine on pion's ORTC API. Each worker owns
// its own webrtc.API, so workers share no mutable pion state.
type Engine struct {
	cfg    EngineConfig
	logger *zap.SugaredLogger
	seq    atomic.Int64
}

var _ ports.MediaEngine = (*Engine)(nil)

func NewEngine(cfg EngineConfig, logger *zap.SugaredLogger) (*Engine, error) {
	if len(cfg.Codecs) == 0 {
		return nil, fmt.Errorf("%w: at least one codec is required", domain.ErrInvalidParameters)
	}
	for _, c := range cfg.Codecs {
		if !c.Kind.Valid() {
			return nil, fmt.Errorf("%w: codec %s has no media kind", domain.ErrInvalidParameters, c.MimeType)
		}
	}
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = defaultGatherTimeout
	}
	return &Engine{cfg: cfg, logger: logger}, nil
}

func (e *Engine) NewWorker(ctx context.Context) (ports.Worker, error) {
	media := &webrtc.MediaEngine{}
	for _, c := range e.cfg.Codecs {
		if err := media.RegisterCodec(pionCodec(c), codecType(c.Kind)); err != nil {
			return nil, fmt.Errorf("%w: register codec %s: %v", domain.ErrEngineFailure, c.MimeType, err)
		}
	}

	settings := webrtc.SettingEngine{}
	if e.cfg.PortRange.Min > 0 && e.cfg.PortRange.Max > 0 {
		if err := settings.SetEphemeralUDPPortRange(e.cfg.PortRange.Min, e.cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("%w: port range: %v", domain.ErrInvalidParameters, err)
		}
	}
	if len(e.cfg.AnnouncedIPs) > 0 {
		settings.SetNAT1To1IPs(e.cfg.AnnouncedIPs, webrtc.ICECandidateTypeHost)
	}

	id := domain.WorkerID(fmt.Sprintf("worker-%d-%s", e.seq.Add(1), domain.NewID()[:8]))
	w := &worker{
		id:      id,
		api:     webrtc.NewAPI(webrtc.WithMediaEngine(media), webrtc.WithSettingEngine(settings)),
		cfg:     e.cfg,
		died:    make(chan struct{}),
		routers: make(map[domain.RouterID]*router),
		logger:  e.logger.With("worker_id", id),
	}
	w.logger.Infow("media worker started", "codecs", len(e.cfg.Codecs))
	return w, nil
}

type worker struct {
	id     domain.WorkerID
	api    *webrtc.API
	cfg    EngineConfig
	logger *zap.SugaredLogger

	died    chan struct{}
	dieOnce sync.Once

	mu      sync.Mutex
	closed  bool
	routers map[domain.RouterID]*router
}

func (w *worker) ID() domain.WorkerID { return w.id }

func (w *worker) Died() <-chan struct{} { return w.died }

// fail marks the worker dead. Everything it hosts is torn down by the
// orchestrator once it observes Died.
func (w *worker) fail(reason any) {
	w.dieOnce.Do(func() {
		w.logger.Errorw("media worker died", "reason", reason)
		close(w.died)
	})
}

// guard recovers a panicking worker goroutine and reports the worker dead.
func (w *worker) guard(where string) {
	if r := recover(); r != nil {
		w.fail(fmt.Sprintf("%s: %v", where, r))
	}
}

func (w *worker) CreateRouter(ctx context.Context) (ports.Router, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, fmt.Errorf("%w: worker %s closed", domain.ErrEngineFailure, w.id)
	}
	select {
	case <-w.died:
		return nil, fmt.Errorf("%w: worker %s died", domain.ErrEngineFailure, w.id)
	default:
	}

	r := newRouter(w)
	w.routers[r.id] = r
	return r, nil
}

func (w *worker) forgetRouter(id domain.RouterID) {
	w.mu.Lock()
	delete(w.routers, id)
	w.mu.Unlock()
}

func (w *worker) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	routers := make([]*router, 0, len(w.routers))
	for _, r := range w.routers {
		routers = append(routers, r)
	}
	w.mu.Unlock()

	for _, r := range routers {
		r.Close()
	}
	w.logger.Infow("media worker closed", "routers", len(routers))
	return nil
}

func codecType(kind domain.MediaKind) webrtc.RTPCodecType {
	if kind == domain.MediaKindAudio {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}

func pionCodec(c domain.RtpCodecCapability) webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: pionCapability(c.MimeType, c.ClockRate, c.Channels, c.Parameters, c.RtcpFeedback),
		PayloadType:        webrtc.PayloadType(c.PreferredPayloadType),
	}
}

func pionCapability(mime string, clockRate uint32, channels uint16, params map[string]any, fb []domain.RtcpFeedback) webrtc.RTPCodecCapability {
	feedback := make([]webrtc.RTCPFeedback, 0, len(fb))
	for _, f := range fb {
		feedback = append(feedback, webrtc.RTCPFeedback{Type: f.Type, Parameter: f.Parameter})
	}
	return webrtc.RTPCodecCapability{
		MimeType:     mime,
		ClockRate:    clockRate,
		Channels:     channels,
		SDPFmtpLine:  fmtpLine(params),
		RTCPFeedback: feedback,
	}
}

// fmtpLine renders codec parameters as "k=v;k=v" with sorted keys.
func fmtpLine(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return strings.Join(parts, ";")
}
