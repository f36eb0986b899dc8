package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"confab/internal/core/domain"
	"confab/internal/core/ports"
	"confab/pkg/tracing"

	"go.uber.org/zap"
)

type MediaServiceConfig struct {
	// MaxPeersPerRoom caps room size; zero means unlimited.
	MaxPeersPerRoom int
	EnableTCP       bool
}

// MediaService is the peer and media-object graph. Every method takes the
// room and the calling peer so ownership is checked before the engine is touched.
type MediaService struct {
	cfg      MediaServiceConfig
	registry *RoomRegistry
	pool     *WorkerPool
	presence ports.PresenceRegistry
	metrics  ports.MetricsRecorder
	logger   *zap.SugaredLogger

	listenersMu    sync.Mutex
	onEngineClosed []func(EngineClosure)
}

func NewMediaService(
	cfg MediaServiceConfig,
	registry *RoomRegistry,
	pool *WorkerPool,
	presence ports.PresenceRegistry,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) *MediaService {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &MediaService{
		cfg:      cfg,
		registry: registry,
		pool:     pool,
		presence: presence,
		metrics:  metrics,
		logger:   logger,
	}
}

type JoinResult struct {
	Room            *Room
	Peer            domain.PeerInfo
	RtpCapabilities domain.RtpCapabilities
	// Peers are the other members at the moment of joining, with their producers.
	Peers []domain.PeerInfo
}

type LeaveResult struct {
	PeerTeardown
	RoomClosed bool
}

type ProduceRequest struct {
	RoomID        domain.RoomID
	PeerID        domain.PeerID
	TransportID   domain.TransportID
	Kind          domain.MediaKind
	RtpParameters domain.RtpParameters
	AppData       map[string]any
}

type ConsumeRequest struct {
	RoomID          domain.RoomID
	PeerID          domain.PeerID
	ProducerPeerID  domain.PeerID
	ProducerID      domain.ProducerID
	TransportID     domain.TransportID
	RtpCapabilities domain.RtpCapabilities
}

type ProduceDataRequest struct {
	RoomID               domain.RoomID
	PeerID               domain.PeerID
	TransportID          domain.TransportID
	SctpStreamParameters domain.SctpStreamParameters
	Label                string
	Protocol             string
	AppData              map[string]any
}

type ConsumeDataRequest struct {
	RoomID         domain.RoomID
	PeerID         domain.PeerID
	DataProducerID domain.DataProducerID
	TransportID    domain.TransportID
}

func engineError(op string, err error) error {
	for _, known := range []error{
		domain.ErrEngineFailure,
		domain.ErrIncompatibleCapabilities,
		domain.ErrTransportConnected,
		domain.ErrTransportNotConnected,
		domain.ErrProducerNotFound,
		domain.ErrDataProducerNotFound,
		domain.ErrInvalidParameters,
		domain.ErrNoCapacity,
	} {
		if errors.Is(err, known) {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrEngineFailure, op, err)
}

// traced runs one engine call inside its own span.
func traced[T any](ctx context.Context, op string, roomID domain.RoomID, call func(context.Context) (T, error)) (T, error) {
	ctx, span := tracing.TraceEngineCall(ctx, op, string(roomID))
	defer span.End()

	v, err := call(ctx)
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return v, err
}

// OnEngineClosed registers fn to run after the engine closed a transport,
// producer or data producer on its own and the cascade has completed.
func (s *MediaService) OnEngineClosed(fn func(EngineClosure)) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.onEngineClosed = append(s.onEngineClosed, fn)
}

func (s *MediaService) notifyEngineClosed(c EngineClosure) {
	s.listenersMu.Lock()
	listeners := make([]func(EngineClosure), len(s.onEngineClosed))
	copy(listeners, s.onEngineClosed)
	s.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(c)
	}
}

// The watchers below only act when nobody on our side closed the object
// first; closes we start ourselves have already unlinked it.

func (s *MediaService) watchTransport(room *Room, peer *Peer, t ports.Transport) {
	go func() {
		<-t.Done()
		if room.Closed() {
			return
		}
		closure, ok := closeTransport(room, peer, t.ID(), s.logger, s.metrics)
		if !ok {
			return
		}
		s.logger.Warnw("transport closed by engine",
			"room_id", room.ID,
			"peer_id", peer.ID,
			"transport_id", t.ID(),
			"closed_producers", len(closure.Producers),
			"closed_consumers", len(closure.Consumers),
		)
		s.notifyEngineClosed(closure)
	}()
}

func (s *MediaService) watchProducer(room *Room, e *producerEntry) {
	go func() {
		<-e.producer.Done()
		if room.Closed() {
			return
		}
		refs, ok := closeProducer(room, e, s.logger, s.metrics)
		if !ok {
			return
		}
		s.logger.Warnw("producer closed by engine",
			"room_id", room.ID,
			"peer_id", e.peerID,
			"producer_id", e.producer.ID(),
			"closed_consumers", len(refs),
		)
		s.notifyEngineClosed(EngineClosure{
			RoomID:    room.ID,
			PeerID:    e.peerID,
			Producers: []domain.ProducerID{e.producer.ID()},
			Consumers: refs,
		})
	}()
}

func (s *MediaService) watchDataProducer(room *Room, e *dataProducerEntry) {
	go func() {
		<-e.dataProducer.Done()
		if room.Closed() {
			return
		}
		refs, ok := closeDataProducer(room, e, s.logger, s.metrics)
		if !ok {
			return
		}
		s.logger.Warnw("data producer closed by engine",
			"room_id", room.ID,
			"peer_id", e.peerID,
			"data_producer_id", e.dataProducer.ID(),
		)
		s.notifyEngineClosed(EngineClosure{
			RoomID:        room.ID,
			PeerID:        e.peerID,
			DataProducers: []domain.DataProducerID{e.dataProducer.ID()},
			DataConsumers: refs,
		})
	}()
}

func (s *MediaService) roomAndPeer(roomID domain.RoomID, peerID domain.PeerID) (*Room, *Peer, error) {
	room, err := s.registry.GetRoom(roomID)
	if err != nil {
		return nil, nil, err
	}
	peer, err := room.Peer(peerID)
	if err != nil {
		return nil, nil, err
	}
	return room, peer, nil
}

// AddPeer joins a connection to a room, creating the room on first join.
func (s *MediaService) AddPeer(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID, identity domain.Identity, displayName string) (*JoinResult, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		room, err := s.registry.GetOrCreateRoom(ctx, roomID)
		if err != nil {
			return nil, err
		}

		room.mu.Lock()
		if room.closed {
			// lost a race with the last peer leaving; the registry already forgot it
			room.mu.Unlock()
			continue
		}
		if _, exists := room.peers[peerID]; exists {
			room.mu.Unlock()
			return nil, domain.ErrPeerAlreadyExists
		}
		if s.cfg.MaxPeersPerRoom > 0 && len(room.peers) >= s.cfg.MaxPeersPerRoom {
			room.mu.Unlock()
			return nil, domain.ErrRoomFull
		}
		peer := newPeer(peerID, identity, displayName)
		others := make([]*Peer, 0, len(room.peers))
		for _, p := range room.peers {
			others = append(others, p)
		}
		room.peers[peerID] = peer
		room.mu.Unlock()

		s.metrics.AddPeers(1)
		result := &JoinResult{
			Room:            room,
			Peer:            peer.Info(),
			RtpCapabilities: room.RtpCapabilities(),
			Peers:           make([]domain.PeerInfo, 0, len(others)),
		}
		for _, p := range others {
			result.Peers = append(result.Peers, p.Info())
		}

		if s.presence != nil {
			if err := s.presence.Register(ctx, roomID, result.Peer); err != nil {
				s.logger.Warnw("failed to register presence", "room_id", roomID, "peer_id", peerID, "error", err)
			}
		}

		s.logger.Infow("peer joined",
			"room_id", roomID,
			"peer_id", peerID,
			"user_id", identity.UserID,
			"peers", len(others)+1,
		)
		return result, nil
	}
}

// RemovePeer tears the peer down and closes the room if it was the last one.
func (s *MediaService) RemovePeer(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID) (*LeaveResult, error) {
	room, err := s.registry.GetRoom(roomID)
	if err != nil {
		return nil, err
	}

	room.mu.Lock()
	peer, ok := room.peers[peerID]
	if !ok {
		room.mu.Unlock()
		return nil, domain.ErrPeerNotFound
	}
	delete(room.peers, peerID)
	empty := len(room.peers) == 0
	if empty {
		room.closed = true
		s.registry.forget(room)
	}
	room.mu.Unlock()

	result := &LeaveResult{
		PeerTeardown: teardownPeer(room, peer, s.logger, s.metrics),
		RoomClosed:   empty,
	}
	s.metrics.AddPeers(-1)

	if empty {
		if err := room.release(s.pool); err != nil {
			s.logger.Warnw("failed to close router", "room_id", roomID, "error", err)
		}
		s.logger.Infow("room closed", "room_id", roomID, "reason", "empty")
	}

	if s.presence != nil {
		if err := s.presence.Unregister(ctx, roomID, peerID); err != nil {
			s.logger.Warnw("failed to unregister presence", "room_id", roomID, "peer_id", peerID, "error", err)
		}
	}

	s.logger.Infow("peer left",
		"room_id", roomID,
		"peer_id", peerID,
		"closed_producers", len(result.Producers),
		"closed_remote_consumers", len(result.RemoteConsumers),
	)
	return result, nil
}

// RouterRtpCapabilities returns what the room's router can receive and send.
func (s *MediaService) RouterRtpCapabilities(roomID domain.RoomID) (domain.RtpCapabilities, error) {
	room, err := s.registry.GetRoom(roomID)
	if err != nil {
		return domain.RtpCapabilities{}, err
	}
	return room.RtpCapabilities(), nil
}

func (s *MediaService) CreateTransport(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID, direction domain.Direction, enableSctp bool) (*domain.TransportDescriptor, error) {
	if !direction.Valid() {
		return nil, fmt.Errorf("%w: direction %q", domain.ErrInvalidParameters, direction)
	}
	room, peer, err := s.roomAndPeer(roomID, peerID)
	if err != nil {
		return nil, err
	}

	t, err := traced(ctx, "create_transport", roomID, func(ctx context.Context) (ports.Transport, error) {
		return room.router.CreateWebRtcTransport(ctx, ports.TransportOptions{
			EnableUDP:  true,
			EnableTCP:  s.cfg.EnableTCP,
			EnableSctp: enableSctp,
			AppData:    map[string]any{"direction": string(direction)},
		})
	})
	if err != nil {
		return nil, engineError("create transport", err)
	}

	peer.mu.Lock()
	if peer.closed {
		peer.mu.Unlock()
		t.Close()
		return nil, domain.ErrPeerNotFound
	}
	peer.transports[t.ID()] = &transportEntry{transport: t, direction: direction}
	peer.mu.Unlock()
	s.metrics.AddMediaObjects(objTransport, 1)
	s.watchTransport(room, peer, t)

	s.logger.Debugw("transport created",
		"room_id", roomID,
		"peer_id", peerID,
		"transport_id", t.ID(),
		"direction", direction,
	)

	return &domain.TransportDescriptor{
		ID:             t.ID(),
		Direction:      direction,
		IceParameters:  t.IceParameters(),
		IceCandidates:  t.IceCandidates(),
		DtlsParameters: t.DtlsParameters(),
		SctpParameters: t.SctpParameters(),
	}, nil
}

// ConnectTransport hands the remote DTLS parameters to the engine. It is
// one-shot: a second call fails with ErrTransportConnected.
func (s *MediaService) ConnectTransport(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID, transportID domain.TransportID, dtls domain.DtlsParameters, ice *domain.IceParameters) error {
	if err := dtls.Validate(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidParameters, err)
	}
	_, peer, err := s.roomAndPeer(roomID, peerID)
	if err != nil {
		return err
	}

	peer.mu.Lock()
	te, ok := peer.transports[transportID]
	if !ok {
		peer.mu.Unlock()
		return domain.ErrTransportNotFound
	}
	if te.connected {
		peer.mu.Unlock()
		return domain.ErrTransportConnected
	}
	te.connected = true
	peer.mu.Unlock()

	_, err = traced(ctx, "connect_transport", roomID, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, te.transport.Connect(ctx, ports.ConnectParams{DtlsParameters: dtls, IceParameters: ice})
	})
	if err != nil {
		peer.mu.Lock()
		te.connected = false
		peer.mu.Unlock()
		return engineError("connect transport", err)
	}
	return nil
}

func (s *MediaService) Produce(ctx context.Context, req ProduceRequest) (domain.ProducerInfo, error) {
	if !req.Kind.Valid() {
		return domain.ProducerInfo{}, fmt.Errorf("%w: kind %q", domain.ErrInvalidParameters, req.Kind)
	}
	room, peer, err := s.roomAndPeer(req.RoomID, req.PeerID)
	if err != nil {
		return domain.ProducerInfo{}, err
	}
	te, err := peer.usableTransport(req.TransportID, domain.DirectionSend)
	if err != nil {
		return domain.ProducerInfo{}, err
	}

	producer, err := traced(ctx, "produce", req.RoomID, func(ctx context.Context) (ports.Producer, error) {
		return te.transport.Produce(ctx, ports.ProduceParams{
			Kind:          req.Kind,
			RtpParameters: req.RtpParameters,
			AppData:       req.AppData,
		})
	})
	if err != nil {
		return domain.ProducerInfo{}, engineError("produce", err)
	}

	e := &producerEntry{
		producer:    producer,
		peerID:      req.PeerID,
		transportID: req.TransportID,
		appData:     req.AppData,
		consumers:   make(map[domain.ConsumerID]domain.PeerID),
	}

	peer.mu.Lock()
	if peer.closed {
		peer.mu.Unlock()
		producer.Close()
		return domain.ProducerInfo{}, domain.ErrPeerNotFound
	}
	peer.producers[producer.ID()] = e
	peer.mu.Unlock()

	room.indexProducer(e)
	// a teardown may have closed e between the two inserts
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		room.unindexProducer(producer.ID())
		return domain.ProducerInfo{}, domain.ErrPeerNotFound
	}
	s.metrics.AddMediaObjects(objProducer, 1)
	s.watchProducer(room, e)

	s.logger.Infow("producer created",
		"room_id", req.RoomID,
		"peer_id", req.PeerID,
		"producer_id", producer.ID(),
		"kind", req.Kind,
	)
	return e.info(), nil
}

// CloseProducer closes the caller's producer and every consumer of it in the room.
func (s *MediaService) CloseProducer(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID, producerID domain.ProducerID) ([]ConsumerRef, error) {
	room, peer, err := s.roomAndPeer(roomID, peerID)
	if err != nil {
		return nil, err
	}
	e, err := peer.producer(producerID)
	if err != nil {
		return nil, err
	}
	closed, ok := closeProducer(room, e, s.logger, s.metrics)
	if !ok {
		return nil, domain.ErrProducerNotFound
	}
	s.logger.Infow("producer closed",
		"room_id", roomID,
		"peer_id", peerID,
		"producer_id", producerID,
		"closed_consumers", len(closed),
	)
	return closed, nil
}

func (s *MediaService) PauseProducer(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID, producerID domain.ProducerID) (domain.ProducerInfo, error) {
	return s.setProducerPaused(ctx, roomID, peerID, producerID, true)
}

func (s *MediaService) ResumeProducer(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID, producerID domain.ProducerID) (domain.ProducerInfo, error) {
	return s.setProducerPaused(ctx, roomID, peerID, producerID, false)
}

func (s *MediaService) setProducerPaused(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID, producerID domain.ProducerID, paused bool) (domain.ProducerInfo, error) {
	_, peer, err := s.roomAndPeer(roomID, peerID)
	if err != nil {
		return domain.ProducerInfo{}, err
	}
	e, err := peer.producer(producerID)
	if err != nil {
		return domain.ProducerInfo{}, err
	}
	return setPaused(ctx, e, paused)
}

func setPaused(ctx context.Context, e *producerEntry, paused bool) (domain.ProducerInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return domain.ProducerInfo{}, domain.ErrProducerNotFound
	}
	if e.paused == paused {
		return e.info(), nil
	}
	var err error
	if paused {
		err = e.producer.Pause(ctx)
	} else {
		err = e.producer.Resume(ctx)
	}
	if err != nil {
		return domain.ProducerInfo{}, engineError("set producer paused", err)
	}
	e.paused = paused
	return e.info(), nil
}

// MuteAudio pauses every audio producer of the target peer and returns the
// ones that changed state.
func (s *MediaService) MuteAudio(ctx context.Context, roomID domain.RoomID, targetPeerID domain.PeerID) ([]domain.ProducerInfo, error) {
	_, peer, err := s.roomAndPeer(roomID, targetPeerID)
	if err != nil {
		return nil, err
	}

	peer.mu.Lock()
	entries := make([]*producerEntry, 0, len(peer.producers))
	for _, e := range peer.producers {
		if e.producer.Kind() == domain.MediaKindAudio {
			entries = append(entries, e)
		}
	}
	peer.mu.Unlock()

	var changed []domain.ProducerInfo
	for _, e := range entries {
		e.mu.RLock()
		already := e.paused
		e.mu.RUnlock()
		if already {
			continue
		}
		info, err := setPaused(ctx, e, true)
		if err != nil {
			s.logger.Warnw("failed to mute producer", "room_id", roomID, "producer_id", e.producer.ID(), "error", err)
			continue
		}
		changed = append(changed, info)
	}
	return changed, nil
}

// Consume creates a paused consumer of another peer's producer on the
// caller's receive transport.
func (s *MediaService) Consume(ctx context.Context, req ConsumeRequest) (*domain.ConsumerDescriptor, error) {
	room, peer, err := s.roomAndPeer(req.RoomID, req.PeerID)
	if err != nil {
		return nil, err
	}
	te, err := peer.usableTransport(req.TransportID, domain.DirectionRecv)
	if err != nil {
		return nil, err
	}

	e, err := room.producer(req.ProducerID)
	if err != nil {
		return nil, err
	}
	if req.ProducerPeerID != "" && e.peerID != req.ProducerPeerID {
		return nil, domain.ErrProducerNotFound
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, domain.ErrProducerNotFound
	}
	select {
	case <-e.producer.Done():
		// the engine dropped it and the watcher has not caught up yet
		return nil, domain.ErrProducerNotFound
	default:
	}

	ok, err := room.router.CanConsume(req.ProducerID, req.RtpCapabilities)
	if err != nil {
		return nil, engineError("can consume", err)
	}
	if !ok {
		return nil, domain.ErrIncompatibleCapabilities
	}

	consumer, err := traced(ctx, "consume", req.RoomID, func(ctx context.Context) (ports.Consumer, error) {
		return te.transport.Consume(ctx, ports.ConsumeParams{
			ProducerID:      req.ProducerID,
			RtpCapabilities: req.RtpCapabilities,
			Paused:          true,
		})
	})
	if err != nil {
		return nil, engineError("consume", err)
	}

	e.addConsumer(consumer.ID(), req.PeerID)

	peer.mu.Lock()
	if peer.closed {
		peer.mu.Unlock()
		e.removeConsumer(consumer.ID())
		consumer.Close()
		return nil, domain.ErrPeerNotFound
	}
	peer.consumers[consumer.ID()] = &consumerEntry{
		consumer:    consumer,
		source:      e,
		transportID: req.TransportID,
		paused:      true,
	}
	peer.mu.Unlock()
	s.metrics.AddMediaObjects(objConsumer, 1)

	s.logger.Debugw("consumer created",
		"room_id", req.RoomID,
		"peer_id", req.PeerID,
		"consumer_id", consumer.ID(),
		"producer_id", req.ProducerID,
	)

	return &domain.ConsumerDescriptor{
		ID:             consumer.ID(),
		ProducerID:     req.ProducerID,
		ProducerPeerID: e.peerID,
		Kind:           consumer.Kind(),
		RtpParameters:  consumer.RtpParameters(),
		Paused:         true,
		ProducerPaused: e.paused,
		AppData:        e.appData,
	}, nil
}

func (s *MediaService) PauseConsumer(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID, consumerID domain.ConsumerID) error {
	return s.setConsumerPaused(ctx, roomID, peerID, consumerID, true)
}

// ResumeConsumer starts media flow. Resuming a flowing consumer is a no-op.
func (s *MediaService) ResumeConsumer(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID, consumerID domain.ConsumerID) error {
	return s.setConsumerPaused(ctx, roomID, peerID, consumerID, false)
}

func (s *MediaService) setConsumerPaused(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID, consumerID domain.ConsumerID, paused bool) error {
	_, peer, err := s.roomAndPeer(roomID, peerID)
	if err != nil {
		return err
	}
	ce, err := peer.consumer(consumerID)
	if err != nil {
		return err
	}

	peer.mu.Lock()
	current := ce.paused
	peer.mu.Unlock()
	if current == paused {
		return nil
	}

	if paused {
		err = ce.consumer.Pause(ctx)
	} else {
		err = ce.consumer.Resume(ctx)
	}
	if err != nil {
		return engineError("set consumer paused", err)
	}

	peer.mu.Lock()
	ce.paused = paused
	peer.mu.Unlock()
	return nil
}

// ConsumerPaused reports the consumer's paused flag.
func (s *MediaService) ConsumerPaused(roomID domain.RoomID, peerID domain.PeerID, consumerID domain.ConsumerID) (bool, error) {
	_, peer, err := s.roomAndPeer(roomID, peerID)
	if err != nil {
		return false, err
	}
	peer.mu.Lock()
	defer peer.mu.Unlock()
	ce, ok := peer.consumers[consumerID]
	if !ok {
		return false, domain.ErrConsumerNotFound
	}
	return ce.paused, nil
}

func (s *MediaService) ProduceData(ctx context.Context, req ProduceDataRequest) (domain.DataProducerInfo, error) {
	room, peer, err := s.roomAndPeer(req.RoomID, req.PeerID)
	if err != nil {
		return domain.DataProducerInfo{}, err
	}
	te, err := peer.usableTransport(req.TransportID, domain.DirectionSend)
	if err != nil {
		return domain.DataProducerInfo{}, err
	}

	dp, err := traced(ctx, "produce_data", req.RoomID, func(ctx context.Context) (ports.DataProducer, error) {
		return te.transport.ProduceData(ctx, ports.ProduceDataParams{
			SctpStreamParameters: req.SctpStreamParameters,
			Label:                req.Label,
			Protocol:             req.Protocol,
		})
	})
	if err != nil {
		return domain.DataProducerInfo{}, engineError("produce data", err)
	}

	e := &dataProducerEntry{
		dataProducer: dp,
		peerID:       req.PeerID,
		transportID:  req.TransportID,
		appData:      req.AppData,
		consumers:    make(map[domain.DataConsumerID]domain.PeerID),
	}

	peer.mu.Lock()
	if peer.closed {
		peer.mu.Unlock()
		dp.Close()
		return domain.DataProducerInfo{}, domain.ErrPeerNotFound
	}
	peer.dataProducers[dp.ID()] = e
	peer.mu.Unlock()

	room.indexDataProducer(e)
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		room.unindexDataProducer(dp.ID())
		return domain.DataProducerInfo{}, domain.ErrPeerNotFound
	}
	s.metrics.AddMediaObjects(objDataProducer, 1)
	s.watchDataProducer(room, e)

	s.logger.Infow("data producer created",
		"room_id", req.RoomID,
		"peer_id", req.PeerID,
		"data_producer_id", dp.ID(),
		"label", req.Label,
	)
	return e.info(), nil
}

func (s *MediaService) ConsumeData(ctx context.Context, req ConsumeDataRequest) (*domain.DataConsumerDescriptor, error) {
	room, peer, err := s.roomAndPeer(req.RoomID, req.PeerID)
	if err != nil {
		return nil, err
	}
	te, err := peer.usableTransport(req.TransportID, domain.DirectionRecv)
	if err != nil {
		return nil, err
	}

	e, err := room.dataProducer(req.DataProducerID)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, domain.ErrDataProducerNotFound
	}
	select {
	case <-e.dataProducer.Done():
		return nil, domain.ErrDataProducerNotFound
	default:
	}

	dc, err := traced(ctx, "consume_data", req.RoomID, func(ctx context.Context) (ports.DataConsumer, error) {
		return te.transport.ConsumeData(ctx, req.DataProducerID)
	})
	if err != nil {
		return nil, engineError("consume data", err)
	}

	e.addConsumer(dc.ID(), req.PeerID)

	peer.mu.Lock()
	if peer.closed {
		peer.mu.Unlock()
		e.removeConsumer(dc.ID())
		dc.Close()
		return nil, domain.ErrPeerNotFound
	}
	peer.dataConsumers[dc.ID()] = &dataConsumerEntry{
		dataConsumer: dc,
		source:       e,
		transportID:  req.TransportID,
	}
	peer.mu.Unlock()
	s.metrics.AddMediaObjects(objDataConsumer, 1)

	return &domain.DataConsumerDescriptor{
		ID:                   dc.ID(),
		DataProducerID:       req.DataProducerID,
		DataProducerPeerID:   e.peerID,
		SctpStreamParameters: dc.SctpStreamParameters(),
		Label:                dc.Label(),
		Protocol:             dc.Protocol(),
		AppData:              e.appData,
	}, nil
}

func (s *MediaService) CloseDataProducer(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID, dataProducerID domain.DataProducerID) ([]DataConsumerRef, error) {
	room, peer, err := s.roomAndPeer(roomID, peerID)
	if err != nil {
		return nil, err
	}
	peer.mu.Lock()
	e, ok := peer.dataProducers[dataProducerID]
	peer.mu.Unlock()
	if !ok {
		return nil, domain.ErrDataProducerNotFound
	}
	closed, ok := closeDataProducer(room, e, s.logger, s.metrics)
	if !ok {
		return nil, domain.ErrDataProducerNotFound
	}
	return closed, nil
}

// CloseRoom force-closes a room. Unknown rooms yield nil.
func (s *MediaService) CloseRoom(ctx context.Context, roomID domain.RoomID) *ClosedRoom {
	closed := s.registry.CloseRoom(roomID)
	if closed != nil {
		s.unregisterAll(ctx, *closed)
	}
	return closed
}

// CloseRoomsOnWorker force-closes every room of a dead worker. Members must rejoin.
func (s *MediaService) CloseRoomsOnWorker(ctx context.Context, workerID domain.WorkerID) []ClosedRoom {
	closed := s.registry.CloseRoomsOnWorker(workerID)
	for _, c := range closed {
		s.unregisterAll(ctx, c)
	}
	if len(closed) > 0 {
		s.logger.Warnw("closed rooms of dead worker", "worker_id", workerID, "rooms", len(closed))
	}
	return closed
}

func (s *MediaService) unregisterAll(ctx context.Context, c ClosedRoom) {
	if s.presence == nil {
		return
	}
	for _, peerID := range c.Peers {
		if err := s.presence.Unregister(ctx, c.RoomID, peerID); err != nil {
			s.logger.Warnw("failed to unregister presence", "room_id", c.RoomID, "peer_id", peerID, "error", err)
		}
	}
}

func (s *MediaService) Room(roomID domain.RoomID) (domain.RoomInfo, error) {
	room, err := s.registry.GetRoom(roomID)
	if err != nil {
		return domain.RoomInfo{}, err
	}
	return room.Info(), nil
}

func (s *MediaService) Rooms() []domain.RoomInfo {
	rooms := s.registry.Rooms()
	out := make([]domain.RoomInfo, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, room.Info())
	}
	return out
}

func (s *MediaService) Workers() []domain.WorkerInfo {
	return s.pool.Stats()
}

// PeerRole returns the role the peer joined with.
func (s *MediaService) PeerRole(roomID domain.RoomID, peerID domain.PeerID) (domain.Role, error) {
	_, peer, err := s.roomAndPeer(roomID, peerID)
	if err != nil {
		return "", err
	}
	return peer.Role, nil
}

// RoomPresence lists the room's peers as recorded across all instances.
func (s *MediaService) RoomPresence(ctx context.Context, roomID domain.RoomID) ([]domain.PresenceEntry, error) {
	if s.presence == nil {
		return nil, nil
	}
	return s.presence.ListRoom(ctx, roomID)
}
