package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"confab/internal/core/domain"
	"confab/internal/testutils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type harness struct {
	engine   *testutils.FakeEngine
	pool     *WorkerPool
	registry *RoomRegistry
	svc      *MediaService
}

func newHarness(t *testing.T, workers, maxPeers int) *harness {
	t.Helper()
	engine := testutils.NewFakeEngine()
	pool := newTestPool(t, engine, workers)
	logger := zaptest.NewLogger(t).Sugar()
	registry := NewRoomRegistry(pool, nil, logger)
	svc := NewMediaService(MediaServiceConfig{MaxPeersPerRoom: maxPeers}, registry, pool, nil, nil, logger)
	return &harness{engine: engine, pool: pool, registry: registry, svc: svc}
}

var ctx = context.Background()

func (h *harness) join(t *testing.T, roomID domain.RoomID, peerID domain.PeerID) *JoinResult {
	t.Helper()
	res, err := h.svc.AddPeer(ctx, roomID, peerID, domain.Identity{
		UserID:      domain.UserID("user-" + string(peerID)),
		DisplayName: string(peerID),
		Role:        domain.RoleParticipant,
	}, "")
	require.NoError(t, err)
	return res
}

func (h *harness) transport(t *testing.T, roomID domain.RoomID, peerID domain.PeerID, dir domain.Direction, sctp bool) domain.TransportID {
	t.Helper()
	desc, err := h.svc.CreateTransport(ctx, roomID, peerID, dir, sctp)
	require.NoError(t, err)
	require.NoError(t, h.svc.ConnectTransport(ctx, roomID, peerID, desc.ID, testutils.FakeDtls(), nil))
	return desc.ID
}

func (h *harness) produce(t *testing.T, roomID domain.RoomID, peerID domain.PeerID, tid domain.TransportID, kind domain.MediaKind) domain.ProducerInfo {
	t.Helper()
	params := testutils.OpusParameters()
	if kind == domain.MediaKindVideo {
		params = testutils.VP8Parameters()
	}
	info, err := h.svc.Produce(ctx, ProduceRequest{
		RoomID:        roomID,
		PeerID:        peerID,
		TransportID:   tid,
		Kind:          kind,
		RtpParameters: params,
		AppData:       map[string]any{"source": string(kind)},
	})
	require.NoError(t, err)
	return info
}

func (h *harness) consume(t *testing.T, roomID domain.RoomID, peerID domain.PeerID, tid domain.TransportID, producerID domain.ProducerID) *domain.ConsumerDescriptor {
	t.Helper()
	desc, err := h.svc.Consume(ctx, ConsumeRequest{
		RoomID:          roomID,
		PeerID:          peerID,
		ProducerID:      producerID,
		TransportID:     tid,
		RtpCapabilities: testutils.DefaultCapabilities(),
	})
	require.NoError(t, err)
	return desc
}

func (h *harness) peer(t *testing.T, roomID domain.RoomID, peerID domain.PeerID) *Peer {
	t.Helper()
	room, err := h.registry.GetRoom(roomID)
	require.NoError(t, err)
	p, err := room.Peer(peerID)
	require.NoError(t, err)
	return p
}

func TestMediaService_RoomLivesWhilePeersRemain(t *testing.T) {
	h := newHarness(t, 1, 0)

	first := h.join(t, "standup", "alice")
	assert.Empty(t, first.Peers)
	assert.NotEmpty(t, first.RtpCapabilities.Codecs)

	second := h.join(t, "standup", "bob")
	require.Len(t, second.Peers, 1)
	assert.Equal(t, domain.PeerID("alice"), second.Peers[0].ID)
	assert.Same(t, first.Room, second.Room)

	leave, err := h.svc.RemovePeer(ctx, "standup", "alice")
	require.NoError(t, err)
	assert.False(t, leave.RoomClosed)
	_, err = h.registry.GetRoom("standup")
	require.NoError(t, err)

	leave, err = h.svc.RemovePeer(ctx, "standup", "bob")
	require.NoError(t, err)
	assert.True(t, leave.RoomClosed)

	_, err = h.registry.GetRoom("standup")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
	assert.True(t, first.Room.router.(*testutils.FakeRouter).Closed())
	assert.Equal(t, 0, h.pool.Stats()[0].Rooms)

	_, err = h.svc.RemovePeer(ctx, "standup", "bob")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestMediaService_JoinRejections(t *testing.T) {
	h := newHarness(t, 1, 2)

	h.join(t, "standup", "alice")
	_, err := h.svc.AddPeer(ctx, "standup", "alice", domain.Identity{UserID: "u"}, "")
	assert.ErrorIs(t, err, domain.ErrPeerAlreadyExists)

	h.join(t, "standup", "bob")
	_, err = h.svc.AddPeer(ctx, "standup", "carol", domain.Identity{UserID: "u"}, "")
	assert.ErrorIs(t, err, domain.ErrRoomFull)
}

func TestMediaService_JoinListsExistingProducers(t *testing.T) {
	h := newHarness(t, 1, 0)

	h.join(t, "standup", "alice")
	send := h.transport(t, "standup", "alice", domain.DirectionSend, false)
	audio := h.produce(t, "standup", "alice", send, domain.MediaKindAudio)

	res := h.join(t, "standup", "bob")
	require.Len(t, res.Peers, 1)
	require.Len(t, res.Peers[0].Producers, 1)
	assert.Equal(t, audio.ID, res.Peers[0].Producers[0].ID)
	assert.Equal(t, domain.MediaKindAudio, res.Peers[0].Producers[0].Kind)
}

func TestMediaService_TransportRules(t *testing.T) {
	h := newHarness(t, 1, 0)
	h.join(t, "standup", "alice")

	_, err := h.svc.CreateTransport(ctx, "standup", "alice", "sideways", false)
	assert.ErrorIs(t, err, domain.ErrInvalidParameters)

	desc, err := h.svc.CreateTransport(ctx, "standup", "alice", domain.DirectionSend, false)
	require.NoError(t, err)
	assert.NotEmpty(t, desc.IceParameters.UsernameFragment)
	assert.NotEmpty(t, desc.IceCandidates)
	assert.NotEmpty(t, desc.DtlsParameters.Fingerprints)
	assert.Nil(t, desc.SctpParameters)

	err = h.svc.ConnectTransport(ctx, "standup", "alice", desc.ID, domain.DtlsParameters{}, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidParameters)

	h.engine.SetFailConnect(true)
	err = h.svc.ConnectTransport(ctx, "standup", "alice", desc.ID, testutils.FakeDtls(), nil)
	assert.ErrorIs(t, err, domain.ErrEngineFailure)

	_, err = h.svc.Produce(ctx, ProduceRequest{
		RoomID: "standup", PeerID: "alice", TransportID: desc.ID,
		Kind: domain.MediaKindAudio, RtpParameters: testutils.OpusParameters(),
	})
	assert.ErrorIs(t, err, domain.ErrTransportNotConnected)

	recv, err := h.svc.CreateTransport(ctx, "standup", "alice", domain.DirectionRecv, true)
	require.NoError(t, err)
	_, err = h.svc.Consume(ctx, ConsumeRequest{
		RoomID: "standup", PeerID: "alice", TransportID: recv.ID,
		ProducerID: "any", RtpCapabilities: testutils.DefaultCapabilities(),
	})
	assert.ErrorIs(t, err, domain.ErrTransportNotConnected)
	_, err = h.svc.ConsumeData(ctx, ConsumeDataRequest{
		RoomID: "standup", PeerID: "alice", TransportID: recv.ID, DataProducerID: "any",
	})
	assert.ErrorIs(t, err, domain.ErrTransportNotConnected)

	// a failed connect can be retried
	h.engine.SetFailConnect(false)
	require.NoError(t, h.svc.ConnectTransport(ctx, "standup", "alice", desc.ID, testutils.FakeDtls(), nil))

	err = h.svc.ConnectTransport(ctx, "standup", "alice", desc.ID, testutils.FakeDtls(), nil)
	assert.ErrorIs(t, err, domain.ErrTransportConnected)

	err = h.svc.ConnectTransport(ctx, "standup", "alice", "missing", testutils.FakeDtls(), nil)
	assert.ErrorIs(t, err, domain.ErrTransportNotFound)
}

func TestMediaService_DirectionEnforced(t *testing.T) {
	h := newHarness(t, 1, 0)
	h.join(t, "standup", "alice")
	h.join(t, "standup", "bob")

	send := h.transport(t, "standup", "alice", domain.DirectionSend, false)
	recv := h.transport(t, "standup", "alice", domain.DirectionRecv, false)

	_, err := h.svc.Produce(ctx, ProduceRequest{
		RoomID: "standup", PeerID: "alice", TransportID: recv,
		Kind: domain.MediaKindAudio, RtpParameters: testutils.OpusParameters(),
	})
	assert.ErrorIs(t, err, domain.ErrWrongDirection)

	bobSend := h.transport(t, "standup", "bob", domain.DirectionSend, false)
	producer := h.produce(t, "standup", "bob", bobSend, domain.MediaKindAudio)

	_, err = h.svc.Consume(ctx, ConsumeRequest{
		RoomID: "standup", PeerID: "alice", TransportID: send,
		ProducerID: producer.ID, RtpCapabilities: testutils.DefaultCapabilities(),
	})
	assert.ErrorIs(t, err, domain.ErrWrongDirection)
}

func TestMediaService_ProduceConsumeRoundTrip(t *testing.T) {
	h := newHarness(t, 1, 0)
	h.join(t, "standup", "alice")
	h.join(t, "standup", "bob")

	send := h.transport(t, "standup", "alice", domain.DirectionSend, false)
	video := h.produce(t, "standup", "alice", send, domain.MediaKindVideo)
	assert.Equal(t, domain.PeerID("alice"), video.PeerID)
	assert.False(t, video.Paused)

	recv := h.transport(t, "standup", "bob", domain.DirectionRecv, false)
	desc := h.consume(t, "standup", "bob", recv, video.ID)

	assert.True(t, desc.Paused)
	assert.False(t, desc.ProducerPaused)
	assert.Equal(t, video.ID, desc.ProducerID)
	assert.Equal(t, domain.PeerID("alice"), desc.ProducerPeerID)
	assert.Equal(t, domain.MediaKindVideo, desc.Kind)
	assert.Equal(t, "video", desc.AppData["source"])
	require.Len(t, desc.RtpParameters.Codecs, 1)
	assert.Equal(t, "video/VP8", desc.RtpParameters.Codecs[0].MimeType)

	paused, err := h.svc.ConsumerPaused("standup", "bob", desc.ID)
	require.NoError(t, err)
	assert.True(t, paused)

	require.NoError(t, h.svc.ResumeConsumer(ctx, "standup", "bob", desc.ID))
	paused, err = h.svc.ConsumerPaused("standup", "bob", desc.ID)
	require.NoError(t, err)
	assert.False(t, paused)

	// resuming again is a no-op
	require.NoError(t, h.svc.ResumeConsumer(ctx, "standup", "bob", desc.ID))

	require.NoError(t, h.svc.PauseConsumer(ctx, "standup", "bob", desc.ID))
	paused, err = h.svc.ConsumerPaused("standup", "bob", desc.ID)
	require.NoError(t, err)
	assert.True(t, paused)

	// only the owner may touch a consumer
	err = h.svc.ResumeConsumer(ctx, "standup", "alice", desc.ID)
	assert.ErrorIs(t, err, domain.ErrConsumerNotFound)
}

func TestMediaService_ConsumeRejections(t *testing.T) {
	h := newHarness(t, 1, 0)
	h.join(t, "standup", "alice")
	h.join(t, "standup", "bob")

	send := h.transport(t, "standup", "alice", domain.DirectionSend, false)
	audio := h.produce(t, "standup", "alice", send, domain.MediaKindAudio)
	recv := h.transport(t, "standup", "bob", domain.DirectionRecv, false)

	videoOnly := domain.RtpCapabilities{Codecs: []domain.RtpCodecCapability{
		{Kind: domain.MediaKindVideo, MimeType: "video/VP8", PreferredPayloadType: 96, ClockRate: 90000},
	}}
	_, err := h.svc.Consume(ctx, ConsumeRequest{
		RoomID: "standup", PeerID: "bob", TransportID: recv,
		ProducerID: audio.ID, RtpCapabilities: videoOnly,
	})
	assert.ErrorIs(t, err, domain.ErrIncompatibleCapabilities)

	_, err = h.svc.Consume(ctx, ConsumeRequest{
		RoomID: "standup", PeerID: "bob", TransportID: recv,
		ProducerPeerID: "carol", ProducerID: audio.ID,
		RtpCapabilities: testutils.DefaultCapabilities(),
	})
	assert.ErrorIs(t, err, domain.ErrProducerNotFound)

	_, err = h.svc.Consume(ctx, ConsumeRequest{
		RoomID: "standup", PeerID: "bob", TransportID: recv,
		ProducerID: "nope", RtpCapabilities: testutils.DefaultCapabilities(),
	})
	assert.ErrorIs(t, err, domain.ErrProducerNotFound)

	_, _, consumers := h.peer(t, "standup", "bob").counts()
	assert.Equal(t, 0, consumers)
}

func TestMediaService_ProducerPauseIsVisibleToConsumers(t *testing.T) {
	h := newHarness(t, 1, 0)
	h.join(t, "standup", "alice")
	h.join(t, "standup", "bob")

	send := h.transport(t, "standup", "alice", domain.DirectionSend, false)
	audio := h.produce(t, "standup", "alice", send, domain.MediaKindAudio)

	info, err := h.svc.PauseProducer(ctx, "standup", "alice", audio.ID)
	require.NoError(t, err)
	assert.True(t, info.Paused)

	_, err = h.svc.PauseProducer(ctx, "standup", "bob", audio.ID)
	assert.ErrorIs(t, err, domain.ErrProducerNotFound)

	recv := h.transport(t, "standup", "bob", domain.DirectionRecv, false)
	desc := h.consume(t, "standup", "bob", recv, audio.ID)
	assert.True(t, desc.ProducerPaused)

	info, err = h.svc.ResumeProducer(ctx, "standup", "alice", audio.ID)
	require.NoError(t, err)
	assert.False(t, info.Paused)
}

func TestMediaService_CloseProducerCascades(t *testing.T) {
	h := newHarness(t, 1, 0)
	for _, id := range []domain.PeerID{"alice", "bob", "carol"} {
		h.join(t, "standup", id)
	}

	send := h.transport(t, "standup", "alice", domain.DirectionSend, false)
	audio := h.produce(t, "standup", "alice", send, domain.MediaKindAudio)

	bobRecv := h.transport(t, "standup", "bob", domain.DirectionRecv, false)
	carolRecv := h.transport(t, "standup", "carol", domain.DirectionRecv, false)
	bobConsumer := h.consume(t, "standup", "bob", bobRecv, audio.ID)
	carolConsumer := h.consume(t, "standup", "carol", carolRecv, audio.ID)

	_, err := h.svc.CloseProducer(ctx, "standup", "bob", audio.ID)
	assert.ErrorIs(t, err, domain.ErrProducerNotFound)

	closed, err := h.svc.CloseProducer(ctx, "standup", "alice", audio.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []ConsumerRef{
		{PeerID: "bob", ConsumerID: bobConsumer.ID, ProducerID: audio.ID},
		{PeerID: "carol", ConsumerID: carolConsumer.ID, ProducerID: audio.ID},
	}, closed)

	_, err = h.svc.ConsumerPaused("standup", "bob", bobConsumer.ID)
	assert.ErrorIs(t, err, domain.ErrConsumerNotFound)
	_, _, producers := h.peer(t, "standup", "alice").counts()
	assert.Equal(t, 0, producers)

	_, err = h.svc.Consume(ctx, ConsumeRequest{
		RoomID: "standup", PeerID: "bob", TransportID: bobRecv,
		ProducerID: audio.ID, RtpCapabilities: testutils.DefaultCapabilities(),
	})
	assert.ErrorIs(t, err, domain.ErrProducerNotFound)
}

func TestMediaService_LeaveClosesEverythingSourcedFromPeer(t *testing.T) {
	h := newHarness(t, 1, 0)
	h.join(t, "standup", "alice")
	h.join(t, "standup", "bob")

	aliceSend := h.transport(t, "standup", "alice", domain.DirectionSend, false)
	aliceRecv := h.transport(t, "standup", "alice", domain.DirectionRecv, false)
	bobSend := h.transport(t, "standup", "bob", domain.DirectionSend, false)
	bobRecv := h.transport(t, "standup", "bob", domain.DirectionRecv, false)

	aliceAudio := h.produce(t, "standup", "alice", aliceSend, domain.MediaKindAudio)
	aliceVideo := h.produce(t, "standup", "alice", aliceSend, domain.MediaKindVideo)
	bobAudio := h.produce(t, "standup", "bob", bobSend, domain.MediaKindAudio)

	h.consume(t, "standup", "bob", bobRecv, aliceAudio.ID)
	h.consume(t, "standup", "bob", bobRecv, aliceVideo.ID)
	aliceConsumer := h.consume(t, "standup", "alice", aliceRecv, bobAudio.ID)

	leave, err := h.svc.RemovePeer(ctx, "standup", "alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.ProducerID{aliceAudio.ID, aliceVideo.ID}, leave.Producers)
	assert.Len(t, leave.RemoteConsumers, 2)
	for _, ref := range leave.RemoteConsumers {
		assert.Equal(t, domain.PeerID("bob"), ref.PeerID)
	}

	bob := h.peer(t, "standup", "bob")
	transports, producers, consumers := bob.counts()
	assert.Equal(t, 2, transports)
	assert.Equal(t, 1, producers)
	assert.Equal(t, 0, consumers)

	// bob's producer forgot alice's consumer
	room, err := h.registry.GetRoom("standup")
	require.NoError(t, err)
	e, err := room.producer(bobAudio.ID)
	require.NoError(t, err)
	assert.NotContains(t, e.consumerRefs(), aliceConsumer.ID)
}

func TestMediaService_MuteAudio(t *testing.T) {
	h := newHarness(t, 1, 0)
	h.join(t, "standup", "alice")

	send := h.transport(t, "standup", "alice", domain.DirectionSend, false)
	audio := h.produce(t, "standup", "alice", send, domain.MediaKindAudio)
	h.produce(t, "standup", "alice", send, domain.MediaKindVideo)

	changed, err := h.svc.MuteAudio(ctx, "standup", "alice")
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, audio.ID, changed[0].ID)
	assert.True(t, changed[0].Paused)

	changed, err = h.svc.MuteAudio(ctx, "standup", "alice")
	require.NoError(t, err)
	assert.Empty(t, changed)
}

func TestMediaService_DataChannels(t *testing.T) {
	h := newHarness(t, 1, 0)
	h.join(t, "standup", "alice")
	h.join(t, "standup", "bob")

	send := h.transport(t, "standup", "alice", domain.DirectionSend, true)
	recv := h.transport(t, "standup", "bob", domain.DirectionRecv, true)

	dp, err := h.svc.ProduceData(ctx, ProduceDataRequest{
		RoomID: "standup", PeerID: "alice", TransportID: send,
		SctpStreamParameters: domain.SctpStreamParameters{StreamID: 1},
		Label:                "chat",
	})
	require.NoError(t, err)
	assert.Equal(t, "chat", dp.Label)

	dc, err := h.svc.ConsumeData(ctx, ConsumeDataRequest{
		RoomID: "standup", PeerID: "bob", TransportID: recv, DataProducerID: dp.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, dp.ID, dc.DataProducerID)
	assert.Equal(t, domain.PeerID("alice"), dc.DataProducerPeerID)
	assert.Equal(t, "chat", dc.Label)

	closed, err := h.svc.CloseDataProducer(ctx, "standup", "alice", dp.ID)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, dc.ID, closed[0].DataConsumerID)
	assert.Equal(t, domain.PeerID("bob"), closed[0].PeerID)

	_, err = h.svc.ConsumeData(ctx, ConsumeDataRequest{
		RoomID: "standup", PeerID: "bob", TransportID: recv, DataProducerID: dp.ID,
	})
	assert.ErrorIs(t, err, domain.ErrDataProducerNotFound)
}

func TestMediaService_CloseRoomsOnWorker(t *testing.T) {
	h := newHarness(t, 1, 0)
	res := h.join(t, "standup", "alice")
	h.join(t, "standup", "bob")
	send := h.transport(t, "standup", "alice", domain.DirectionSend, false)
	h.produce(t, "standup", "alice", send, domain.MediaKindAudio)

	closed := h.svc.CloseRoomsOnWorker(ctx, res.Room.WorkerID)
	require.Len(t, closed, 1)
	assert.ElementsMatch(t, []domain.PeerID{"alice", "bob"}, closed[0].Peers)
	assert.Empty(t, h.svc.Rooms())

	// members can rejoin into a fresh room
	again := h.join(t, "standup", "alice")
	assert.NotSame(t, res.Room, again.Room)
}

func TestMediaService_AdminViews(t *testing.T) {
	h := newHarness(t, 2, 0)
	h.join(t, "a", "alice")
	h.join(t, "b", "bob")

	rooms := h.svc.Rooms()
	assert.Len(t, rooms, 2)

	info, err := h.svc.Room("a")
	require.NoError(t, err)
	require.Len(t, info.Peers, 1)
	assert.Equal(t, domain.PeerID("alice"), info.Peers[0].ID)

	_, err = h.svc.Room("zzz")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)

	total := 0
	for _, w := range h.svc.Workers() {
		total += w.Rooms
	}
	assert.Equal(t, 2, total)

	assert.Nil(t, h.svc.CloseRoom(ctx, "zzz"))
	closed := h.svc.CloseRoom(ctx, "a")
	require.NotNil(t, closed)
	assert.Equal(t, []domain.PeerID{"alice"}, closed.Peers)
}

func TestMediaService_ConcurrentJoinLeave(t *testing.T) {
	h := newHarness(t, 2, 0)

	const n = 24
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			peerID := domain.PeerID(fmt.Sprintf("peer-%d", i))
			for round := 0; round < 5; round++ {
				_, err := h.svc.AddPeer(ctx, "busy", peerID, domain.Identity{UserID: "u"}, "")
				if !assert.NoError(t, err) {
					return
				}
				_, err = h.svc.RemovePeer(ctx, "busy", peerID)
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, h.registry.Count())
	for _, w := range h.pool.Stats() {
		assert.Equal(t, 0, w.Rooms, "worker %s", w.ID)
	}
}

func TestMediaService_ConsumeRacesProducerClose(t *testing.T) {
	h := newHarness(t, 1, 0)
	h.join(t, "standup", "alice")
	send := h.transport(t, "standup", "alice", domain.DirectionSend, false)
	audio := h.produce(t, "standup", "alice", send, domain.MediaKindAudio)

	const n = 8
	recv := make([]domain.TransportID, n)
	for i := 0; i < n; i++ {
		peerID := domain.PeerID(fmt.Sprintf("viewer-%d", i))
		h.join(t, "standup", peerID)
		recv[i] = h.transport(t, "standup", peerID, domain.DirectionRecv, false)
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.svc.Consume(ctx, ConsumeRequest{
				RoomID:          "standup",
				PeerID:          domain.PeerID(fmt.Sprintf("viewer-%d", i)),
				ProducerID:      audio.ID,
				TransportID:     recv[i],
				RtpCapabilities: testutils.DefaultCapabilities(),
			})
			if err != nil {
				assert.ErrorIs(t, err, domain.ErrProducerNotFound)
			}
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := h.svc.CloseProducer(ctx, "standup", "alice", audio.ID)
		assert.NoError(t, err)
	}()
	wg.Wait()

	// whichever consumes won the race were closed by the cascade
	for i := 0; i < n; i++ {
		_, _, consumers := h.peer(t, "standup", domain.PeerID(fmt.Sprintf("viewer-%d", i))).counts()
		assert.Equal(t, 0, consumers)
	}
}

type closureLog struct {
	mu  sync.Mutex
	got []EngineClosure
}

func (l *closureLog) record(c EngineClosure) {
	l.mu.Lock()
	l.got = append(l.got, c)
	l.mu.Unlock()
}

func (l *closureLog) snapshot() (transports []domain.TransportID, producers []domain.ProducerID, consumers []ConsumerRef) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.got {
		if c.TransportID != "" {
			transports = append(transports, c.TransportID)
		}
		producers = append(producers, c.Producers...)
		consumers = append(consumers, c.Consumers...)
	}
	return transports, producers, consumers
}

func TestMediaService_ProducerClosedByEngine(t *testing.T) {
	h := newHarness(t, 1, 0)
	log := &closureLog{}
	h.svc.OnEngineClosed(log.record)
	h.join(t, "standup", "alice")
	h.join(t, "standup", "bob")

	send := h.transport(t, "standup", "alice", domain.DirectionSend, false)
	audio := h.produce(t, "standup", "alice", send, domain.MediaKindAudio)
	recv := h.transport(t, "standup", "bob", domain.DirectionRecv, false)
	consumer := h.consume(t, "standup", "bob", recv, audio.ID)

	require.NoError(t, h.engine.Producer(audio.ID).Close())

	_, err := h.svc.Consume(ctx, ConsumeRequest{
		RoomID: "standup", PeerID: "bob", TransportID: recv,
		ProducerID: audio.ID, RtpCapabilities: testutils.DefaultCapabilities(),
	})
	assert.ErrorIs(t, err, domain.ErrProducerNotFound)

	assert.Eventually(t, func() bool {
		_, producers, _ := log.snapshot()
		return len(producers) == 1
	}, time.Second, 5*time.Millisecond)

	_, producers, consumers := log.snapshot()
	assert.Equal(t, []domain.ProducerID{audio.ID}, producers)
	assert.Equal(t, []ConsumerRef{{PeerID: "bob", ConsumerID: consumer.ID, ProducerID: audio.ID}}, consumers)

	info, err := h.svc.Room("standup")
	require.NoError(t, err)
	for _, p := range info.Peers {
		assert.Empty(t, p.Producers, "peer %s", p.ID)
	}
	_, err = h.svc.ConsumerPaused("standup", "bob", consumer.ID)
	assert.ErrorIs(t, err, domain.ErrConsumerNotFound)

	_, err = h.svc.CloseProducer(ctx, "standup", "alice", audio.ID)
	assert.ErrorIs(t, err, domain.ErrProducerNotFound)
}

func TestMediaService_TransportFailedInEngine(t *testing.T) {
	h := newHarness(t, 1, 0)
	log := &closureLog{}
	h.svc.OnEngineClosed(log.record)
	h.join(t, "standup", "alice")
	h.join(t, "standup", "bob")

	send := h.transport(t, "standup", "alice", domain.DirectionSend, false)
	audio := h.produce(t, "standup", "alice", send, domain.MediaKindAudio)
	aliceRecv := h.transport(t, "standup", "alice", domain.DirectionRecv, false)
	bobSend := h.transport(t, "standup", "bob", domain.DirectionSend, false)
	video := h.produce(t, "standup", "bob", bobSend, domain.MediaKindVideo)
	fromBob := h.consume(t, "standup", "alice", aliceRecv, video.ID)
	bobRecv := h.transport(t, "standup", "bob", domain.DirectionRecv, false)
	toBob := h.consume(t, "standup", "bob", bobRecv, audio.ID)

	h.engine.Transport(send).Fail()

	assert.Eventually(t, func() bool {
		transports, producers, _ := log.snapshot()
		return len(transports) == 1 && len(producers) == 1
	}, time.Second, 5*time.Millisecond)

	transports, producers, consumers := log.snapshot()
	assert.Equal(t, []domain.TransportID{send}, transports)
	assert.Equal(t, []domain.ProducerID{audio.ID}, producers)
	assert.Equal(t, []ConsumerRef{{PeerID: "bob", ConsumerID: toBob.ID, ProducerID: audio.ID}}, consumers)

	// the receive side of alice is untouched
	transportCount, producerCount, consumerCount := h.peer(t, "standup", "alice").counts()
	assert.Equal(t, 1, transportCount)
	assert.Equal(t, 0, producerCount)
	assert.Equal(t, 1, consumerCount)
	paused, err := h.svc.ConsumerPaused("standup", "alice", fromBob.ID)
	require.NoError(t, err)
	assert.True(t, paused)

	_, err = h.svc.Produce(ctx, ProduceRequest{
		RoomID: "standup", PeerID: "alice", TransportID: send,
		Kind: domain.MediaKindAudio, RtpParameters: testutils.OpusParameters(),
	})
	assert.ErrorIs(t, err, domain.ErrTransportNotFound)
}

func TestMediaService_OwnClosesAreNotReportedAsEngineClosures(t *testing.T) {
	h := newHarness(t, 1, 0)
	log := &closureLog{}
	h.svc.OnEngineClosed(log.record)
	h.join(t, "standup", "alice")
	h.join(t, "standup", "bob")

	send := h.transport(t, "standup", "alice", domain.DirectionSend, true)
	audio := h.produce(t, "standup", "alice", send, domain.MediaKindAudio)
	h.produce(t, "standup", "alice", send, domain.MediaKindVideo)
	_, err := h.svc.ProduceData(ctx, ProduceDataRequest{
		RoomID: "standup", PeerID: "alice", TransportID: send,
		SctpStreamParameters: domain.SctpStreamParameters{StreamID: 1},
		Label:                "chat",
	})
	require.NoError(t, err)

	_, err = h.svc.CloseProducer(ctx, "standup", "alice", audio.ID)
	require.NoError(t, err)
	_, err = h.svc.RemovePeer(ctx, "standup", "alice")
	require.NoError(t, err)

	// give any stray watcher a chance to fire
	time.Sleep(20 * time.Millisecond)
	log.mu.Lock()
	defer log.mu.Unlock()
	assert.Empty(t, log.got)
}
