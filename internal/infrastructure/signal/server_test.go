package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"confab/internal/core/domain"
	"confab/internal/core/services"
	"confab/internal/testutils"
	apperrors "confab/pkg/errors"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testSecret = "signal-test-secret"

type testEnv struct {
	engine *testutils.FakeEngine
	pool   *services.WorkerPool
	media  *services.MediaService
	auth   *services.AuthService
	server *Server
	http   *httptest.Server
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()

	engine := testutils.NewFakeEngine()
	pool := services.NewWorkerPool(engine, services.WorkerPoolConfig{
		Size:               2,
		ReplacementDelay:   5 * time.Millisecond,
		ReplacementRetries: 3,
	}, nil, logger)
	require.NoError(t, pool.Start(context.Background()))

	registry := services.NewRoomRegistry(pool, nil, logger)
	media := services.NewMediaService(services.MediaServiceConfig{}, registry, pool, nil, nil, logger)
	auth := services.NewAuthService(testSecret, "", time.Hour)
	srv := NewServer(cfg, media, auth, NewHub(logger), nil, logger)
	pool.OnWorkerDied(func(id domain.WorkerID) {
		srv.HandleWorkerDeath(context.Background(), id)
	})

	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWebSocket))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		ts.Close()
		pool.Close()
	})

	return &testEnv{engine: engine, pool: pool, media: media, auth: auth, server: srv, http: ts}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PingInterval = time.Second
	cfg.PongTimeout = 3 * time.Second
	return cfg
}

func (e *testEnv) wsURL() string {
	return "ws" + strings.TrimPrefix(e.http.URL, "http")
}

func (e *testEnv) token(t *testing.T, user string, role domain.Role) string {
	t.Helper()
	tok, err := e.auth.GenerateToken(domain.UserID(user), user, role)
	require.NoError(t, err)
	return tok
}

type frame struct {
	Type  string          `json:"type"`
	ID    string          `json:"id"`
	OK    bool            `json:"ok"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Error *ErrorBody      `json:"error"`
}

type testClient struct {
	t       *testing.T
	ws      *websocket.Conn
	frames  chan frame
	pending []frame
	seq     atomic.Int64
}

func (e *testEnv) dial(t *testing.T, user string, role domain.Role) *testClient {
	t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+e.token(t, user, role))
	ws, resp, err := websocket.DefaultDialer.Dial(e.wsURL(), header)
	require.NoError(t, err)
	resp.Body.Close()
	return startClient(t, ws)
}

func startClient(t *testing.T, ws *websocket.Conn) *testClient {
	c := &testClient{t: t, ws: ws, frames: make(chan frame, 256)}
	go func() {
		defer close(c.frames)
		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var f frame
			if json.Unmarshal(raw, &f) == nil {
				c.frames <- f
			}
		}
	}()
	t.Cleanup(func() { ws.Close() })
	return c
}

func (c *testClient) next(timeout time.Duration) (frame, bool) {
	select {
	case f, ok := <-c.frames:
		return f, ok
	case <-time.After(timeout):
		return frame{}, false
	}
}

func (c *testClient) request(method string, data any) frame {
	c.t.Helper()
	id := fmt.Sprintf("req-%d", c.seq.Add(1))
	payload, err := json.Marshal(data)
	require.NoError(c.t, err)
	raw, err := json.Marshal(Envelope{Type: method, ID: id, Data: payload})
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, raw))

	for {
		f, ok := c.next(2 * time.Second)
		require.True(c.t, ok, "no response to %s", method)
		if f.Type == frameResponse && f.ID == id {
			return f
		}
		c.pending = append(c.pending, f)
	}
}

func (c *testClient) mustRequest(method string, data any, out any) {
	c.t.Helper()
	f := c.request(method, data)
	require.True(c.t, f.OK, "%s failed: %+v", method, f.Error)
	if out != nil {
		require.NoError(c.t, json.Unmarshal(f.Data, out))
	}
}

func (c *testClient) sendRaw(raw string) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func (c *testClient) broadcast(method string, data any) {
	c.t.Helper()
	payload, err := json.Marshal(data)
	require.NoError(c.t, err)
	raw, err := json.Marshal(Envelope{Type: method, Data: payload})
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, raw))
}

// expectEvent waits for a notification, skipping unrelated ones.
func (c *testClient) expectEvent(event string) frame {
	c.t.Helper()
	for i, f := range c.pending {
		if f.Type == frameNotification && f.Event == event {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return f
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		f, ok := c.next(time.Until(deadline))
		require.True(c.t, ok, "did not receive %s", event)
		if f.Type == frameNotification && f.Event == event {
			return f
		}
		c.pending = append(c.pending, f)
	}
}

func (c *testClient) expectNoEvent(event string, wait time.Duration) {
	c.t.Helper()
	for _, f := range c.pending {
		assert.NotEqual(c.t, event, f.Event)
	}
	deadline := time.Now().Add(wait)
	for {
		f, ok := c.next(time.Until(deadline))
		if !ok {
			return
		}
		assert.NotEqual(c.t, event, f.Event, "unexpected %s", event)
		c.pending = append(c.pending, f)
	}
}

func (c *testClient) join(roomID string) joinResponse {
	c.t.Helper()
	var res joinResponse
	c.mustRequest(MethodJoinRoom, JoinRoomRequest{RoomID: domain.RoomID(roomID)}, &res)
	return res
}

func (c *testClient) transport(dir domain.Direction) domain.TransportID {
	c.t.Helper()
	var desc domain.TransportDescriptor
	c.mustRequest(MethodCreateTransport, CreateTransportRequest{Direction: dir, EnableSctp: true}, &desc)
	c.mustRequest(MethodConnectTransport, ConnectTransportRequest{TransportID: desc.ID, DtlsParameters: testutils.FakeDtls()}, nil)
	return desc.ID
}

func (c *testClient) produce(tid domain.TransportID, kind domain.MediaKind) domain.ProducerID {
	c.t.Helper()
	params := testutils.OpusParameters()
	if kind == domain.MediaKindVideo {
		params = testutils.VP8Parameters()
	}
	var res idResponse
	c.mustRequest(MethodProduce, ProduceRequest{TransportID: tid, Kind: kind, RtpParameters: params}, &res)
	return domain.ProducerID(res.ID)
}

func decode[T any](t *testing.T, f frame) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(f.Data, &v))
	return v
}

func TestHandshakeRequiresValidToken(t *testing.T) {
	env := newTestEnv(t, testConfig())

	t.Run("missing token", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(env.wsURL(), nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("bad signature", func(t *testing.T) {
		other := services.NewAuthService("another-secret", "", time.Hour)
		tok, err := other.GenerateToken("u1", "u1", domain.RoleParticipant)
		require.NoError(t, err)
		header := http.Header{}
		header.Set("Authorization", "Bearer "+tok)
		_, resp, err := websocket.DefaultDialer.Dial(env.wsURL(), header)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("query parameter", func(t *testing.T) {
		ws, resp, err := websocket.DefaultDialer.Dial(env.wsURL()+"?access_token="+env.token(t, "u2", domain.RoleParticipant), nil)
		require.NoError(t, err)
		resp.Body.Close()
		c := startClient(t, ws)
		res := c.join("lobby")
		assert.NotEmpty(t, res.PeerID)
	})
}

func TestTwoPeerCall(t *testing.T) {
	env := newTestEnv(t, testConfig())
	a := env.dial(t, "alice", domain.RoleParticipant)
	b := env.dial(t, "bob", domain.RoleParticipant)

	joinA := a.join("r1")
	assert.Empty(t, joinA.Peers)
	assert.NotEmpty(t, joinA.RtpCapabilities.Codecs)

	joinB := b.join("r1")
	require.Len(t, joinB.Peers, 1)
	assert.Equal(t, joinA.PeerID, joinB.Peers[0].ID)

	joined := decode[peerEvent](t, a.expectEvent(EventPeerJoined))
	assert.Equal(t, joinB.PeerID, joined.PeerID)
	assert.Equal(t, domain.UserID("bob"), joined.UserID)

	rooms := env.media.Rooms()
	require.Len(t, rooms, 1)
	assert.Len(t, rooms[0].Peers, 2)

	send := a.transport(domain.DirectionSend)
	producerID := a.produce(send, domain.MediaKindVideo)

	np := decode[domain.ProducerInfo](t, b.expectEvent(EventNewProducer))
	assert.Equal(t, producerID, np.ID)
	assert.Equal(t, joinA.PeerID, np.PeerID)
	assert.Equal(t, domain.MediaKindVideo, np.Kind)

	recv := b.transport(domain.DirectionRecv)
	var consumer domain.ConsumerDescriptor
	b.mustRequest(MethodConsume, ConsumeRequest{
		ProducerPeerID:  joinA.PeerID,
		ProducerID:      producerID,
		TransportID:     recv,
		RtpCapabilities: testutils.DefaultCapabilities(),
	}, &consumer)
	assert.True(t, consumer.Paused)
	assert.False(t, consumer.ProducerPaused)
	assert.Equal(t, domain.MediaKindVideo, consumer.Kind)

	b.mustRequest(MethodResumeConsumer, ConsumerRequest{ConsumerID: consumer.ID}, nil)
	b.mustRequest(MethodResumeConsumer, ConsumerRequest{ConsumerID: consumer.ID}, nil)
	paused, err := env.media.ConsumerPaused("r1", joinB.PeerID, consumer.ID)
	require.NoError(t, err)
	assert.False(t, paused)
}

func TestProducerCloseCascade(t *testing.T) {
	env := newTestEnv(t, testConfig())
	a := env.dial(t, "alice", domain.RoleParticipant)
	b := env.dial(t, "bob", domain.RoleParticipant)
	a.join("r1")
	b.join("r1")

	producerID := a.produce(a.transport(domain.DirectionSend), domain.MediaKindAudio)
	recv := b.transport(domain.DirectionRecv)
	var consumer domain.ConsumerDescriptor
	b.mustRequest(MethodConsume, ConsumeRequest{
		ProducerID:      producerID,
		TransportID:     recv,
		RtpCapabilities: testutils.DefaultCapabilities(),
	}, &consumer)

	a.mustRequest(MethodPauseProducer, ProducerRequest{ProducerID: producerID}, nil)
	paused := decode[producerEvent](t, b.expectEvent(EventProducerPaused))
	assert.Equal(t, producerID, paused.ProducerID)

	a.mustRequest(MethodCloseProducer, ProducerRequest{ProducerID: producerID}, nil)

	closed := decode[services.ConsumerRef](t, b.expectEvent(EventConsumerClosed))
	assert.Equal(t, consumer.ID, closed.ConsumerID)
	pc := decode[producerEvent](t, b.expectEvent(EventProducerClosed))
	assert.Equal(t, producerID, pc.ProducerID)

	f := b.request(MethodResumeConsumer, ConsumerRequest{ConsumerID: consumer.ID})
	require.False(t, f.OK)
	assert.Equal(t, apperrors.ErrCodeNotFound, f.Error.Reason)
}

func TestDisconnectCleanup(t *testing.T) {
	env := newTestEnv(t, testConfig())
	a := env.dial(t, "alice", domain.RoleParticipant)
	b := env.dial(t, "bob", domain.RoleParticipant)
	joinA := a.join("r1")
	b.join("r1")

	producerID := a.produce(a.transport(domain.DirectionSend), domain.MediaKindVideo)
	recv := b.transport(domain.DirectionRecv)
	b.mustRequest(MethodConsume, ConsumeRequest{
		ProducerID:      producerID,
		TransportID:     recv,
		RtpCapabilities: testutils.DefaultCapabilities(),
	}, nil)

	a.ws.Close()

	b.expectEvent(EventConsumerClosed)
	left := decode[peerEvent](t, b.expectEvent(EventPeerLeft))
	assert.Equal(t, joinA.PeerID, left.PeerID)

	info, err := env.media.Room("r1")
	require.NoError(t, err)
	require.Len(t, info.Peers, 1)
	workerID := info.WorkerID

	b.mustRequest(MethodLeaveRoom, nil, nil)
	_, err = env.media.Room("r1")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
	for _, w := range env.media.Workers() {
		if w.ID == workerID {
			assert.Equal(t, 0, w.Rooms)
		}
	}
}

func TestIncompatibleConsume(t *testing.T) {
	env := newTestEnv(t, testConfig())
	a := env.dial(t, "alice", domain.RoleParticipant)
	b := env.dial(t, "bob", domain.RoleParticipant)
	a.join("r1")
	b.join("r1")

	producerID := a.produce(a.transport(domain.DirectionSend), domain.MediaKindVideo)
	recv := b.transport(domain.DirectionRecv)

	audioOnly := domain.RtpCapabilities{Codecs: testutils.DefaultCapabilities().Codecs[:1]}
	f := b.request(MethodConsume, ConsumeRequest{
		ProducerID:      producerID,
		TransportID:     recv,
		RtpCapabilities: audioOnly,
	})
	require.False(t, f.OK)
	assert.Equal(t, apperrors.ErrCodeIncompatibleCapabilities, f.Error.Reason)
}

func TestRequestErrors(t *testing.T) {
	env := newTestEnv(t, testConfig())
	c := env.dial(t, "alice", domain.RoleParticipant)

	t.Run("not in room", func(t *testing.T) {
		f := c.request(MethodCreateTransport, CreateTransportRequest{Direction: domain.DirectionSend})
		require.False(t, f.OK)
		assert.Equal(t, apperrors.ErrCodeInvalidRequest, f.Error.Reason)
	})

	t.Run("unknown type", func(t *testing.T) {
		c.sendRaw(`{"type":"teleport","id":"x1","data":{}}`)
		f := c.request(MethodLeaveRoom, nil)
		require.False(t, f.OK)
		var rejected *frame
		for i := range c.pending {
			if c.pending[i].ID == "x1" {
				rejected = &c.pending[i]
			}
		}
		require.NotNil(t, rejected)
		assert.False(t, rejected.OK)
		assert.Equal(t, apperrors.ErrCodeInvalidRequest, rejected.Error.Reason)
	})

	t.Run("unknown field", func(t *testing.T) {
		c.sendRaw(`{"type":"join-room","id":"x2","data":{"roomId":"r1","colour":"blue"}}`)
		f, ok := c.next(2 * time.Second)
		require.True(t, ok)
		assert.Equal(t, "x2", f.ID)
		assert.False(t, f.OK)
		assert.Equal(t, apperrors.ErrCodeInvalidRequest, f.Error.Reason)
	})

	t.Run("invalid room id", func(t *testing.T) {
		f := c.request(MethodJoinRoom, JoinRoomRequest{RoomID: "has space"})
		require.False(t, f.OK)
		assert.Equal(t, apperrors.ErrCodeInvalidRequest, f.Error.Reason)
	})

	t.Run("join twice", func(t *testing.T) {
		c.join("r1")
		f := c.request(MethodJoinRoom, JoinRoomRequest{RoomID: "r2"})
		require.False(t, f.OK)
		assert.Equal(t, apperrors.ErrCodeInvalidRequest, f.Error.Reason)
	})

	t.Run("connect twice", func(t *testing.T) {
		tid := c.transport(domain.DirectionSend)
		f := c.request(MethodConnectTransport, ConnectTransportRequest{TransportID: tid, DtlsParameters: testutils.FakeDtls()})
		require.False(t, f.OK)
		assert.Equal(t, apperrors.ErrCodeTransportConnected, f.Error.Reason)
	})

	t.Run("produce on recv transport", func(t *testing.T) {
		tid := c.transport(domain.DirectionRecv)
		f := c.request(MethodProduce, ProduceRequest{TransportID: tid, Kind: domain.MediaKindAudio, RtpParameters: testutils.OpusParameters()})
		require.False(t, f.OK)
		assert.Equal(t, apperrors.ErrCodeInvalidRequest, f.Error.Reason)
	})

	t.Run("kind mismatch", func(t *testing.T) {
		f := c.request(MethodProduce, ProduceRequest{TransportID: "t", Kind: domain.MediaKindVideo, RtpParameters: testutils.OpusParameters()})
		require.False(t, f.OK)
		assert.Equal(t, apperrors.ErrCodeInvalidRequest, f.Error.Reason)
	})
}

func TestBroadcastMessages(t *testing.T) {
	env := newTestEnv(t, testConfig())
	a := env.dial(t, "alice", domain.RoleParticipant)
	b := env.dial(t, "bob", domain.RoleParticipant)
	c := env.dial(t, "carol", domain.RoleParticipant)
	joinA := a.join("r1")
	joinB := b.join("r1")
	c.join("r1")

	a.broadcast(MethodChatMessage, ChatMessage{Text: "hello"})
	for _, cl := range []*testClient{a, b, c} {
		msg := decode[map[string]any](t, cl.expectEvent(MethodChatMessage))
		assert.Equal(t, "hello", msg["text"])
		assert.Equal(t, string(joinA.PeerID), msg["peerId"])
	}

	a.broadcast(MethodWhiteboard, Whiteboard{Action: "stroke", Payload: json.RawMessage(`{"x":1}`)})
	b.expectEvent(MethodWhiteboard)
	c.expectEvent(MethodWhiteboard)
	a.expectNoEvent(MethodWhiteboard, 100*time.Millisecond)

	a.broadcast(MethodChatMessage, ChatMessage{Text: "psst", ToPeerID: joinB.PeerID})
	direct := decode[map[string]any](t, b.expectEvent(MethodChatMessage))
	assert.Equal(t, "psst", direct["text"])
	a.expectEvent(MethodChatMessage)
	c.expectNoEvent(MethodChatMessage, 100*time.Millisecond)

	a.broadcast(MethodHandRaise, HandRaise{Raised: true})
	raised := decode[map[string]any](t, c.expectEvent(MethodHandRaise))
	assert.Equal(t, true, raised["raised"])
}

func TestHostControl(t *testing.T) {
	env := newTestEnv(t, testConfig())
	host := env.dial(t, "hannah", domain.RoleHost)
	guest := env.dial(t, "gus", domain.RoleParticipant)
	other := env.dial(t, "olga", domain.RoleParticipant)
	host.join("r1")
	joinGuest := guest.join("r1")
	joinOther := other.join("r1")

	audio := guest.produce(guest.transport(domain.DirectionSend), domain.MediaKindAudio)

	t.Run("participant is forbidden", func(t *testing.T) {
		f := other.request(MethodHostControl, HostControlRequest{Action: HostActionMute, TargetPeerID: joinGuest.PeerID})
		require.False(t, f.OK)
		assert.Equal(t, apperrors.ErrCodeForbidden, f.Error.Reason)
	})

	t.Run("mute", func(t *testing.T) {
		host.mustRequest(MethodHostControl, HostControlRequest{Action: HostActionMute, TargetPeerID: joinGuest.PeerID}, nil)
		ev := decode[producerEvent](t, guest.expectEvent(EventProducerPaused))
		assert.Equal(t, audio, ev.ProducerID)
		other.expectEvent(EventProducerPaused)
	})

	t.Run("admit", func(t *testing.T) {
		host.mustRequest(MethodHostControl, HostControlRequest{Action: HostActionAdmit, TargetPeerID: joinOther.PeerID}, nil)
		other.expectEvent(EventAdmitted)
		guest.expectEvent(EventParticipantAdmitted)
	})

	t.Run("remove", func(t *testing.T) {
		host.mustRequest(MethodHostControl, HostControlRequest{Action: HostActionRemove, TargetPeerID: joinGuest.PeerID}, nil)
		guest.expectEvent(EventRemoved)
		left := decode[peerEvent](t, other.expectEvent(EventPeerLeft))
		assert.Equal(t, joinGuest.PeerID, left.PeerID)

		f := guest.request(MethodCreateTransport, CreateTransportRequest{Direction: domain.DirectionSend})
		require.False(t, f.OK)
		assert.Equal(t, apperrors.ErrCodeInvalidRequest, f.Error.Reason)

		info, err := env.media.Room("r1")
		require.NoError(t, err)
		assert.Len(t, info.Peers, 2)
	})
}

func TestWorkerDeathClosesRooms(t *testing.T) {
	env := newTestEnv(t, testConfig())
	a := env.dial(t, "alice", domain.RoleParticipant)
	b := env.dial(t, "bob", domain.RoleParticipant)
	a.join("r1")
	b.join("r1")

	info, err := env.media.Room("r1")
	require.NoError(t, err)
	for _, w := range env.engine.Workers() {
		if w.ID() == info.WorkerID {
			w.Kill()
		}
	}

	for _, c := range []*testClient{a, b} {
		ev := decode[roomClosedEvent](t, c.expectEvent(EventRoomClosed))
		assert.Equal(t, ReasonWorkerDied, ev.Reason)
		assert.Equal(t, domain.RoomID("r1"), ev.RoomID)
	}

	f := a.request(MethodCreateTransport, CreateTransportRequest{Direction: domain.DirectionSend})
	require.False(t, f.OK)

	rejoined := a.join("r1")
	assert.Empty(t, rejoined.Peers)
}

func TestAdminCloseRoom(t *testing.T) {
	env := newTestEnv(t, testConfig())
	a := env.dial(t, "alice", domain.RoleParticipant)
	a.join("r1")

	assert.True(t, env.server.CloseRoom(context.Background(), "r1"))
	ev := decode[roomClosedEvent](t, a.expectEvent(EventRoomClosed))
	assert.Equal(t, ReasonClosedByAdmin, ev.Reason)
	assert.False(t, env.server.CloseRoom(context.Background(), "r1"))

	// the session is back to authenticated, so leave-room has nothing to do
	f := a.request(MethodLeaveRoom, nil)
	require.False(t, f.OK)
	assert.Equal(t, apperrors.ErrCodeInvalidRequest, f.Error.Reason)
}

func TestPerConnectionRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MessagesPerSecond = 0.01
	cfg.Burst = 1
	env := newTestEnv(t, cfg)
	c := env.dial(t, "alice", domain.RoleParticipant)

	c.join("r1")
	f := c.request(MethodLeaveRoom, nil)
	require.False(t, f.OK)
	assert.Equal(t, apperrors.ErrCodeRateLimit, f.Error.Reason)
}

func TestEngineClosedProducerReachesRoom(t *testing.T) {
	env := newTestEnv(t, testConfig())
	a := env.dial(t, "alice", domain.RoleParticipant)
	b := env.dial(t, "bob", domain.RoleParticipant)
	joinA := a.join("r1")
	b.join("r1")

	producerID := a.produce(a.transport(domain.DirectionSend), domain.MediaKindAudio)
	recv := b.transport(domain.DirectionRecv)
	var consumer domain.ConsumerDescriptor
	b.mustRequest(MethodConsume, ConsumeRequest{
		ProducerID:      producerID,
		TransportID:     recv,
		RtpCapabilities: testutils.DefaultCapabilities(),
	}, &consumer)

	require.NoError(t, env.engine.Producer(producerID).Close())

	closed := decode[services.ConsumerRef](t, b.expectEvent(EventConsumerClosed))
	assert.Equal(t, consumer.ID, closed.ConsumerID)
	pc := decode[producerEvent](t, b.expectEvent(EventProducerClosed))
	assert.Equal(t, producerID, pc.ProducerID)
	assert.Equal(t, joinA.PeerID, pc.PeerID)
	pc = decode[producerEvent](t, a.expectEvent(EventProducerClosed))
	assert.Equal(t, producerID, pc.ProducerID)

	f := b.request(MethodConsume, ConsumeRequest{
		ProducerID:      producerID,
		TransportID:     recv,
		RtpCapabilities: testutils.DefaultCapabilities(),
	})
	require.False(t, f.OK)
	assert.Equal(t, apperrors.ErrCodeNotFound, f.Error.Reason)
}

func TestEngineFailedTransportNotifiesOwner(t *testing.T) {
	env := newTestEnv(t, testConfig())
	a := env.dial(t, "alice", domain.RoleParticipant)
	b := env.dial(t, "bob", domain.RoleParticipant)
	a.join("r1")
	b.join("r1")

	send := a.transport(domain.DirectionSend)
	producerID := a.produce(send, domain.MediaKindVideo)

	env.engine.Transport(send).Fail()

	tc := decode[transportEvent](t, a.expectEvent(EventTransportClosed))
	assert.Equal(t, send, tc.TransportID)
	pc := decode[producerEvent](t, b.expectEvent(EventProducerClosed))
	assert.Equal(t, producerID, pc.ProducerID)
	b.expectNoEvent(EventTransportClosed, 50*time.Millisecond)

	f := a.request(MethodProduce, ProduceRequest{TransportID: send, Kind: domain.MediaKindAudio, RtpParameters: testutils.OpusParameters()})
	require.False(t, f.OK)
	assert.Equal(t, apperrors.ErrCodeNotFound, f.Error.Reason)
}

func TestProduceOnUnconnectedTransport(t *testing.T) {
	env := newTestEnv(t, testConfig())
	a := env.dial(t, "alice", domain.RoleParticipant)
	a.join("r1")

	var desc domain.TransportDescriptor
	a.mustRequest(MethodCreateTransport, CreateTransportRequest{Direction: domain.DirectionSend}, &desc)
	f := a.request(MethodProduce, ProduceRequest{TransportID: desc.ID, Kind: domain.MediaKindAudio, RtpParameters: testutils.OpusParameters()})
	require.False(t, f.OK)
	assert.Equal(t, apperrors.ErrCodeInvalidRequest, f.Error.Reason)
}

func TestSettleJoinUndoesRacedJoin(t *testing.T) {
	env := newTestEnv(t, testConfig())
	logger := zaptest.NewLogger(t).Sugar()
	ctx := context.Background()

	t.Run("room force-closed before the session moved in", func(t *testing.T) {
		c := newConnection(nil, domain.Identity{UserID: "alice"}, 8, nil, logger)
		env.server.hub.join("r1", c)
		_, err := env.media.AddPeer(ctx, "r1", c.id, c.identity, "")
		require.NoError(t, err)
		require.NotNil(t, env.media.CloseRoom(ctx, "r1"))

		err = env.server.settleJoin(ctx, c, "r1")
		assert.ErrorIs(t, err, domain.ErrRoomClosed)
		_, in := c.currentRoom()
		assert.False(t, in)
		assert.Empty(t, env.server.hub.Members("r1"))
	})

	t.Run("connection closed during the join", func(t *testing.T) {
		c := newConnection(nil, domain.Identity{UserID: "bob"}, 8, nil, logger)
		env.server.hub.join("r2", c)
		_, err := env.media.AddPeer(ctx, "r2", c.id, c.identity, "")
		require.NoError(t, err)
		c.markClosed()

		err = env.server.settleJoin(ctx, c, "r2")
		assert.ErrorIs(t, err, ErrConnectionClosed)
		_, err = env.media.Room("r2")
		assert.ErrorIs(t, err, domain.ErrRoomNotFound)
		assert.Empty(t, env.server.hub.Members("r2"))
	})
}

func TestHubCountsConnections(t *testing.T) {
	env := newTestEnv(t, testConfig())
	a := env.dial(t, "alice", domain.RoleParticipant)
	env.dial(t, "bob", domain.RoleParticipant)

	assert.Eventually(t, func() bool { return env.server.Hub().ConnectionCount() == 2 }, time.Second, 5*time.Millisecond)
	a.ws.Close()
	assert.Eventually(t, func() bool { return env.server.Hub().ConnectionCount() == 1 }, time.Second, 5*time.Millisecond)
}
