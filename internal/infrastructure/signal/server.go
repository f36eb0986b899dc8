package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"confab/internal/core/domain"
	"confab/internal/core/ports"
	"confab/internal/core/services"
	apperrors "confab/pkg/errors"
	"confab/pkg/logger"
	"confab/pkg/tracing"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Config struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
	// MaxMessageSize limits inbound frames; zero leaves gorilla's default.
	MaxMessageSize int64
	// MessagesPerSecond of zero disables per-connection rate limiting.
	MessagesPerSecond float64
	Burst             int
	AllowedOrigins    []string
}

func DefaultConfig() Config {
	return Config{
		PingInterval:   25 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		SendBuffer:     256,
		MaxMessageSize: 64 * 1024,
		AllowedOrigins: []string{"*"},
	}
}

// Server runs the signaling protocol over WebSocket connections.
type Server struct {
	cfg      Config
	media    *services.MediaService
	verifier ports.TokenVerifier
	hub      *Hub
	upgrader websocket.Upgrader
	metrics  ports.MetricsRecorder
	logger   *zap.SugaredLogger

	wg sync.WaitGroup
}

var _ ports.SignalHandler = (*Server)(nil)

func NewServer(cfg Config, media *services.MediaService, verifier ports.TokenVerifier, hub *Hub, metrics ports.MetricsRecorder, logger *zap.SugaredLogger) *Server {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	s := &Server{
		cfg:      cfg,
		media:    media,
		verifier: verifier,
		hub:      hub,
		metrics:  metrics,
		logger:   logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	media.OnEngineClosed(s.handleEngineClosed)
	return s
}

func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

// HandleWebSocket authenticates the handshake, upgrades and serves the
// connection until it goes away.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	identity, err := s.verifier.Verify(r.Context(), token)
	if err != nil {
		s.logger.Warnw("signaling handshake rejected", "remote_addr", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()

	var limiter *rate.Limiter
	if s.cfg.MessagesPerSecond > 0 {
		burst := s.cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), burst)
	}

	c := newConnection(ws, *identity, s.cfg.SendBuffer, limiter, s.logger)
	s.hub.register(c)
	c.logger.Infow("signaling connection opened", "remote_addr", r.RemoteAddr, "connections", s.hub.ConnectionCount())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.writePump(s.cfg.PingInterval, s.cfg.WriteTimeout)
	}()
	s.readPump(c)
	s.disconnect(c)
}

func (s *Server) readPump(c *Connection) {
	if s.cfg.MaxMessageSize > 0 {
		c.ws.SetReadLimit(s.cfg.MaxMessageSize)
	}
	c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Infow("signaling connection lost", "error", err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		s.handleFrame(c, raw)
	}
}

func (s *Server) handleFrame(c *Connection, raw []byte) {
	if c.limiter != nil && !c.limiter.Allow() {
		env, _, _ := DecodeFrame(raw)
		s.metrics.ObserveSignalRequest(methodLabel(env.Type), string(apperrors.ErrCodeRateLimit), 0)
		if env.ID != "" {
			c.sendJSON(errorResponse(env.ID, apperrors.NewRateLimitError()))
		}
		return
	}

	env, req, err := DecodeFrame(raw)
	if err != nil {
		s.metrics.ObserveSignalRequest(methodLabel(env.Type), string(apperrors.ErrCodeInvalidRequest), 0)
		c.logger.Debugw("rejected signaling frame", "type", env.Type, "error", err)
		if env.ID != "" {
			c.sendJSON(errorResponse(env.ID, err))
		}
		return
	}

	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	if IsBroadcastOnly(req.Method()) {
		s.relay(c, req)
		return
	}

	roomID, _ := c.currentRoom()
	ctx, span := tracing.TraceSignalRequest(context.Background(), req.Method(), string(c.id), string(roomID))
	start := time.Now()

	data, err := s.dispatch(ctx, c, req)

	result := "ok"
	if err != nil {
		result = string(apperrors.FromError(err).Code)
		tracing.RecordError(ctx, err)
		logger.FromContext(ctx, c.logger).Infow("signaling request failed", "method", req.Method(), "room_id", roomID, "error", err)
	}
	tracing.MeasureDuration(ctx, start, req.Method())
	span.End()
	s.metrics.ObserveSignalRequest(req.Method(), result, time.Since(start))

	if env.ID == "" {
		return
	}
	if err != nil {
		c.sendJSON(errorResponse(env.ID, err))
		return
	}
	c.sendJSON(okResponse(env.ID, data))
}

// methodLabel keeps metric cardinality bounded for garbage input.
func methodLabel(t string) string {
	if _, ok := requestFactories[t]; ok {
		return t
	}
	return "unknown"
}

func (s *Server) requireRoom(c *Connection) (domain.RoomID, error) {
	roomID, in := c.currentRoom()
	if !in {
		return "", domain.ErrNotInRoom
	}
	return roomID, nil
}

func (s *Server) dispatch(ctx context.Context, c *Connection, req Request) (any, error) {
	switch r := req.(type) {
	case *JoinRoomRequest:
		return s.handleJoin(ctx, c, r)
	case *LeaveRoomRequest:
		return nil, s.handleLeave(ctx, c)
	case *GetRouterCapabilitiesRequest:
		roomID := r.RoomID
		if roomID == "" {
			var err error
			if roomID, err = s.requireRoom(c); err != nil {
				return nil, err
			}
		}
		return s.media.RouterRtpCapabilities(roomID)
	case *HostControlRequest:
		return s.handleHostControl(ctx, c, r)
	}

	roomID, err := s.requireRoom(c)
	if err != nil {
		return nil, err
	}

	switch r := req.(type) {
	case *CreateTransportRequest:
		return s.media.CreateTransport(ctx, roomID, c.id, r.Direction, r.EnableSctp)

	case *ConnectTransportRequest:
		return nil, s.media.ConnectTransport(ctx, roomID, c.id, r.TransportID, r.DtlsParameters, r.IceParameters)

	case *ProduceRequest:
		info, err := s.media.Produce(ctx, services.ProduceRequest{
			RoomID:        roomID,
			PeerID:        c.id,
			TransportID:   r.TransportID,
			Kind:          r.Kind,
			RtpParameters: r.RtpParameters,
			AppData:       r.AppData,
		})
		if err != nil {
			return nil, err
		}
		s.hub.BroadcastExcept(roomID, c.id, EventNewProducer, info)
		return idResponse{ID: string(info.ID)}, nil

	case *ProducerRequest:
		return s.handleProducerRequest(ctx, c, roomID, r)

	case *ConsumeRequest:
		return s.media.Consume(ctx, services.ConsumeRequest{
			RoomID:          roomID,
			PeerID:          c.id,
			ProducerPeerID:  r.ProducerPeerID,
			ProducerID:      r.ProducerID,
			TransportID:     r.TransportID,
			RtpCapabilities: r.RtpCapabilities,
		})

	case *ConsumerRequest:
		if r.Method() == MethodPauseConsumer {
			err = s.media.PauseConsumer(ctx, roomID, c.id, r.ConsumerID)
		} else {
			err = s.media.ResumeConsumer(ctx, roomID, c.id, r.ConsumerID)
		}
		return nil, err

	case *ProduceDataRequest:
		info, err := s.media.ProduceData(ctx, services.ProduceDataRequest{
			RoomID:               roomID,
			PeerID:               c.id,
			TransportID:          r.TransportID,
			SctpStreamParameters: r.SctpStreamParameters,
			Label:                r.Label,
			Protocol:             r.Protocol,
			AppData:              r.AppData,
		})
		if err != nil {
			return nil, err
		}
		s.hub.BroadcastExcept(roomID, c.id, EventNewDataProducer, info)
		return idResponse{ID: string(info.ID)}, nil

	case *ConsumeDataRequest:
		return s.media.ConsumeData(ctx, services.ConsumeDataRequest{
			RoomID:         roomID,
			PeerID:         c.id,
			DataProducerID: r.DataProducerID,
			TransportID:    r.TransportID,
		})

	case *CloseDataProducerRequest:
		refs, err := s.media.CloseDataProducer(ctx, roomID, c.id, r.DataProducerID)
		if err != nil {
			return nil, err
		}
		s.notifyDataConsumersClosed(refs)
		s.hub.BroadcastExcept(roomID, c.id, EventDataProducerClosed, dataProducerEvent{PeerID: c.id, DataProducerID: r.DataProducerID})
		return nil, nil
	}

	return nil, fmt.Errorf("%w: unhandled message type %q", domain.ErrInvalidParameters, req.Method())
}

type idResponse struct {
	ID string `json:"id"`
}

type joinResponse struct {
	RoomID          domain.RoomID          `json:"roomId"`
	PeerID          domain.PeerID          `json:"peerId"`
	RtpCapabilities domain.RtpCapabilities `json:"rtpCapabilities"`
	Peers           []domain.PeerInfo      `json:"peers"`
}

type peerEvent struct {
	PeerID      domain.PeerID `json:"peerId"`
	UserID      domain.UserID `json:"userId"`
	DisplayName string        `json:"displayName"`
}

type producerEvent struct {
	PeerID     domain.PeerID     `json:"peerId"`
	ProducerID domain.ProducerID `json:"producerId"`
	Kind       domain.MediaKind  `json:"kind,omitempty"`
}

type dataProducerEvent struct {
	PeerID         domain.PeerID         `json:"peerId"`
	DataProducerID domain.DataProducerID `json:"dataProducerId"`
}

type transportEvent struct {
	TransportID domain.TransportID `json:"transportId"`
}

type roomClosedEvent struct {
	RoomID domain.RoomID `json:"roomId"`
	Reason string        `json:"reason"`
}

type hostEvent struct {
	PeerID domain.PeerID `json:"peerId"`
	By     domain.PeerID `json:"by"`
}

func (s *Server) handleJoin(ctx context.Context, c *Connection, r *JoinRoomRequest) (any, error) {
	if _, in := c.currentRoom(); in {
		return nil, domain.ErrAlreadyInRoom
	}

	// hub membership comes first so no producer created during the join is missed
	s.hub.join(r.RoomID, c)
	res, err := s.media.AddPeer(ctx, r.RoomID, c.id, c.identity, r.DisplayName)
	if err != nil {
		s.hub.leave(r.RoomID, c.id)
		return nil, err
	}
	if err := s.settleJoin(ctx, c, r.RoomID); err != nil {
		return nil, err
	}

	s.hub.BroadcastExcept(r.RoomID, c.id, EventPeerJoined, peerEvent{
		PeerID:      c.id,
		UserID:      res.Peer.UserID,
		DisplayName: res.Peer.DisplayName,
	})

	return joinResponse{
		RoomID:          r.RoomID,
		PeerID:          c.id,
		RtpCapabilities: res.RtpCapabilities,
		Peers:           res.Peers,
	}, nil
}

// settleJoin moves the connection into the room after AddPeer. A disconnect
// or a force-close that landed in between undoes the join.
func (s *Server) settleJoin(ctx context.Context, c *Connection, roomID domain.RoomID) error {
	if !c.enterRoom(roomID) {
		s.hub.leave(roomID, c.id)
		if _, err := s.media.RemovePeer(ctx, roomID, c.id); err != nil &&
			!errors.Is(err, domain.ErrRoomNotFound) && !errors.Is(err, domain.ErrPeerNotFound) {
			c.logger.Warnw("failed to undo join of closed connection", "room_id", roomID, "error", err)
		}
		return ErrConnectionClosed
	}
	if _, err := s.media.PeerRole(roomID, c.id); err != nil {
		c.leaveRoom(roomID)
		s.hub.leave(roomID, c.id)
		return domain.ErrRoomClosed
	}
	return nil
}

func (s *Server) handleLeave(ctx context.Context, c *Connection) error {
	roomID, err := s.requireRoom(c)
	if err != nil {
		return err
	}
	c.leaveRoom(roomID)
	err = s.removePeer(ctx, roomID, c)
	if errors.Is(err, domain.ErrRoomNotFound) || errors.Is(err, domain.ErrPeerNotFound) {
		// the room was force-closed underneath us; the session is already reset
		return nil
	}
	return err
}

// removePeer tears the peer out of the media graph and tells the rest of
// the room. The connection's session must already be reset by the caller.
func (s *Server) removePeer(ctx context.Context, roomID domain.RoomID, c *Connection) error {
	s.hub.leave(roomID, c.id)
	res, err := s.media.RemovePeer(ctx, roomID, c.id)
	if err != nil {
		return err
	}

	for _, ref := range res.RemoteConsumers {
		s.hub.Unicast(ref.PeerID, EventConsumerClosed, ref)
	}
	s.notifyDataConsumersClosed(res.RemoteDataConsumers)
	for _, id := range res.Producers {
		s.hub.BroadcastRoom(roomID, EventProducerClosed, producerEvent{PeerID: c.id, ProducerID: id})
	}
	for _, id := range res.DataProducers {
		s.hub.BroadcastRoom(roomID, EventDataProducerClosed, dataProducerEvent{PeerID: c.id, DataProducerID: id})
	}
	s.hub.BroadcastRoom(roomID, EventPeerLeft, peerEvent{
		PeerID:      c.id,
		UserID:      c.identity.UserID,
		DisplayName: c.identity.DisplayName,
	})
	return nil
}

// handleEngineClosed tells clients about objects the engine dropped without
// being asked to.
func (s *Server) handleEngineClosed(c services.EngineClosure) {
	for _, ref := range c.Consumers {
		s.hub.Unicast(ref.PeerID, EventConsumerClosed, ref)
	}
	s.notifyDataConsumersClosed(c.DataConsumers)
	for _, id := range c.Producers {
		s.hub.BroadcastRoom(c.RoomID, EventProducerClosed, producerEvent{PeerID: c.PeerID, ProducerID: id})
	}
	for _, id := range c.DataProducers {
		s.hub.BroadcastRoom(c.RoomID, EventDataProducerClosed, dataProducerEvent{PeerID: c.PeerID, DataProducerID: id})
	}
	if c.TransportID != "" {
		s.hub.Unicast(c.PeerID, EventTransportClosed, transportEvent{TransportID: c.TransportID})
	}
}

func (s *Server) notifyDataConsumersClosed(refs []services.DataConsumerRef) {
	for _, ref := range refs {
		s.hub.Unicast(ref.PeerID, EventDataConsumerClosed, ref)
	}
}

func (s *Server) handleProducerRequest(ctx context.Context, c *Connection, roomID domain.RoomID, r *ProducerRequest) (any, error) {
	switch r.Method() {
	case MethodCloseProducer:
		refs, err := s.media.CloseProducer(ctx, roomID, c.id, r.ProducerID)
		if err != nil {
			return nil, err
		}
		for _, ref := range refs {
			s.hub.Unicast(ref.PeerID, EventConsumerClosed, ref)
		}
		s.hub.BroadcastExcept(roomID, c.id, EventProducerClosed, producerEvent{PeerID: c.id, ProducerID: r.ProducerID})
		return nil, nil

	case MethodPauseProducer, MethodResumeProducer:
		var (
			info  domain.ProducerInfo
			err   error
			event string
		)
		if r.Method() == MethodPauseProducer {
			info, err = s.media.PauseProducer(ctx, roomID, c.id, r.ProducerID)
			event = EventProducerPaused
		} else {
			info, err = s.media.ResumeProducer(ctx, roomID, c.id, r.ProducerID)
			event = EventProducerResumed
		}
		if err != nil {
			return nil, err
		}
		s.hub.BroadcastExcept(roomID, c.id, event, producerEvent{PeerID: c.id, ProducerID: info.ID, Kind: info.Kind})
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrInvalidParameters, r.Method())
}

func (s *Server) handleHostControl(ctx context.Context, c *Connection, r *HostControlRequest) (any, error) {
	roomID, err := s.requireRoom(c)
	if err != nil {
		return nil, err
	}
	if !c.identity.Role.CanModerate() {
		return nil, domain.ErrAuthorizationFailed
	}
	if r.TargetPeerID == c.id {
		return nil, fmt.Errorf("%w: cannot target yourself", domain.ErrInvalidParameters)
	}

	c.logger.Infow("host control", "room_id", roomID, "action", r.Action, "target_peer_id", r.TargetPeerID)

	switch r.Action {
	case HostActionMute:
		changed, err := s.media.MuteAudio(ctx, roomID, r.TargetPeerID)
		if err != nil {
			return nil, err
		}
		for _, info := range changed {
			s.hub.BroadcastRoom(roomID, EventProducerPaused, producerEvent{PeerID: r.TargetPeerID, ProducerID: info.ID, Kind: info.Kind})
		}
		return map[string]int{"muted": len(changed)}, nil

	case HostActionRemove:
		target, ok := s.hub.Connection(r.TargetPeerID)
		if !ok {
			return nil, domain.ErrPeerNotFound
		}
		if targetRoom, in := target.currentRoom(); !in || targetRoom != roomID {
			return nil, domain.ErrPeerNotFound
		}
		target.leaveRoom(roomID)
		target.notify(EventRemoved, hostEvent{PeerID: target.id, By: c.id})
		if err := s.removePeer(ctx, roomID, target); err != nil {
			return nil, err
		}
		return nil, nil

	case HostActionAdmit:
		delivered := s.hub.Unicast(r.TargetPeerID, EventAdmitted, hostEvent{PeerID: r.TargetPeerID, By: c.id})
		s.hub.BroadcastRoom(roomID, EventParticipantAdmitted, hostEvent{PeerID: r.TargetPeerID, By: c.id})
		return map[string]bool{"delivered": delivered}, nil
	}
	return nil, fmt.Errorf("%w: host action %q", domain.ErrInvalidParameters, r.Action)
}

type chatEvent struct {
	PeerID domain.PeerID `json:"peerId"`
	*ChatMessage
}

type reactionEvent struct {
	PeerID domain.PeerID `json:"peerId"`
	*Reaction
}

type handRaiseEvent struct {
	PeerID domain.PeerID `json:"peerId"`
	*HandRaise
}

type whiteboardEvent struct {
	PeerID domain.PeerID `json:"peerId"`
	*Whiteboard
}

type pollEvent struct {
	PeerID domain.PeerID `json:"peerId"`
	*Poll
}

type transcriptionEvent struct {
	PeerID domain.PeerID `json:"peerId"`
	*TranscriptionSegment
}

// relay fans a broadcast-only message out to the sender's room. There is no
// acknowledgement, so failures are only logged.
func (s *Server) relay(c *Connection, req Request) {
	start := time.Now()
	roomID, in := c.currentRoom()
	if !in {
		c.logger.Debugw("dropping broadcast outside a room", "type", req.Method())
		s.metrics.ObserveSignalRequest(req.Method(), string(apperrors.ErrCodeInvalidRequest), time.Since(start))
		return
	}

	switch m := req.(type) {
	case *ChatMessage:
		ev := chatEvent{PeerID: c.id, ChatMessage: m}
		if m.ToPeerID == "" {
			s.hub.BroadcastRoom(roomID, MethodChatMessage, ev)
			break
		}
		target, ok := s.hub.Connection(m.ToPeerID)
		if targetRoom, in := s.sessionOf(target, ok); !in || targetRoom != roomID {
			c.logger.Debugw("dropping direct chat to peer outside the room", "room_id", roomID, "to_peer_id", m.ToPeerID)
			break
		}
		target.notify(MethodChatMessage, ev)
		c.notify(MethodChatMessage, ev)
	case *Reaction:
		s.hub.BroadcastRoom(roomID, MethodReaction, reactionEvent{PeerID: c.id, Reaction: m})
	case *HandRaise:
		s.hub.BroadcastRoom(roomID, MethodHandRaise, handRaiseEvent{PeerID: c.id, HandRaise: m})
	case *Poll:
		s.hub.BroadcastRoom(roomID, MethodPoll, pollEvent{PeerID: c.id, Poll: m})
	case *Whiteboard:
		s.hub.BroadcastExcept(roomID, c.id, MethodWhiteboard, whiteboardEvent{PeerID: c.id, Whiteboard: m})
	case *TranscriptionSegment:
		s.hub.BroadcastExcept(roomID, c.id, MethodTranscriptionSegment, transcriptionEvent{PeerID: c.id, TranscriptionSegment: m})
	}
	s.metrics.ObserveSignalRequest(req.Method(), "ok", time.Since(start))
}

func (s *Server) sessionOf(c *Connection, ok bool) (domain.RoomID, bool) {
	if !ok {
		return "", false
	}
	return c.currentRoom()
}

func (s *Server) disconnect(c *Connection) {
	c.Close()
	s.hub.unregister(c)

	roomID, inRoom := c.markClosed()
	if inRoom {
		if err := s.removePeer(context.Background(), roomID, c); err != nil &&
			!errors.Is(err, domain.ErrRoomNotFound) && !errors.Is(err, domain.ErrPeerNotFound) {
			c.logger.Warnw("failed to clean up peer on disconnect", "room_id", roomID, "error", err)
		}
	}
	c.logger.Infow("signaling connection closed", "room_id", roomID)
}

// evict tells every local member a room is gone and resets their sessions.
func (s *Server) evict(roomID domain.RoomID, reason string) {
	ev := roomClosedEvent{RoomID: roomID, Reason: reason}
	for _, c := range s.hub.Members(roomID) {
		c.leaveRoom(roomID)
		s.hub.leave(roomID, c.id)
		c.notify(EventRoomClosed, ev)
	}
}

// HandleWorkerDeath force-closes the rooms of a dead worker. Members must rejoin.
func (s *Server) HandleWorkerDeath(ctx context.Context, workerID domain.WorkerID) {
	for _, closed := range s.media.CloseRoomsOnWorker(ctx, workerID) {
		s.evict(closed.RoomID, ReasonWorkerDied)
		s.logger.Warnw("room closed by worker death", "room_id", closed.RoomID, "worker_id", workerID, "peers", len(closed.Peers))
	}
}

// CloseRoom force-closes a room on behalf of an operator. It reports whether
// the room existed.
func (s *Server) CloseRoom(ctx context.Context, roomID domain.RoomID) bool {
	closed := s.media.CloseRoom(ctx, roomID)
	if closed == nil {
		return false
	}
	s.evict(roomID, ReasonClosedByAdmin)
	s.logger.Infow("room closed by admin", "room_id", roomID, "peers", len(closed.Peers))
	return true
}

// Shutdown closes every connection and waits for their handlers to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.mu.RLock()
	conns := make([]*Connection, 0, len(s.hub.connections))
	for _, c := range s.hub.connections {
		conns = append(conns, c)
	}
	s.hub.mu.RUnlock()

	for _, c := range conns {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
