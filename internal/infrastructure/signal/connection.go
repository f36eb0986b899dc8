package signal

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"confab/internal/core/domain"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	ErrBackpressure     = errors.New("send buffer full")
	ErrConnectionClosed = errors.New("connection closed")
)

type sessionState int

const (
	stateAuthenticated sessionState = iota
	stateInRoom
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateAuthenticated:
		return "authenticated"
	case stateInRoom:
		return "in-room"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// Connection is one authenticated signaling socket. Its id doubles as the
// peer id inside whatever room it joins.
type Connection struct {
	id       domain.PeerID
	identity domain.Identity

	ws      *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	// reqMu serializes request handling so events caused by one request are
	// queued before the next request starts.
	reqMu sync.Mutex

	mu     sync.Mutex
	state  sessionState
	roomID domain.RoomID

	closeOnce sync.Once
	done      chan struct{}

	logger *zap.SugaredLogger
}

func newConnection(ws *websocket.Conn, identity domain.Identity, sendBuffer int, limiter *rate.Limiter, logger *zap.SugaredLogger) *Connection {
	id := domain.PeerID(domain.NewID())
	return &Connection{
		id:       id,
		identity: identity,
		ws:       ws,
		send:     make(chan []byte, sendBuffer),
		limiter:  limiter,
		state:    stateAuthenticated,
		done:     make(chan struct{}),
		logger:   logger.With("peer_id", id, "user_id", identity.UserID),
	}
}

func (c *Connection) ID() domain.PeerID {
	return c.id
}

func (c *Connection) currentRoom() (domain.RoomID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID, c.state == stateInRoom
}

func (c *Connection) enterRoom(roomID domain.RoomID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateAuthenticated {
		return false
	}
	c.state = stateInRoom
	c.roomID = roomID
	return true
}

// leaveRoom drops the membership if it still points at roomID.
func (c *Connection) leaveRoom(roomID domain.RoomID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateInRoom || c.roomID != roomID {
		return false
	}
	c.state = stateAuthenticated
	c.roomID = ""
	return true
}

// markClosed moves to Closed and returns the room the connection was in.
func (c *Connection) markClosed() (domain.RoomID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	roomID, inRoom := c.roomID, c.state == stateInRoom
	c.state = stateClosed
	c.roomID = ""
	return roomID, inRoom
}

// TrySend queues an already encoded frame without blocking. A full buffer
// means the client stopped reading; the connection is closed.
func (c *Connection) TrySend(frame []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		c.logger.Warnw("dropping slow signaling client", "buffered", len(c.send))
		c.Close()
		return ErrBackpressure
	}
}

func (c *Connection) sendJSON(v any) error {
	frame, err := json.Marshal(v)
	if err != nil {
		c.logger.Errorw("failed to encode frame", "error", err)
		return err
	}
	return c.TrySend(frame)
}

func (c *Connection) notify(event string, data any) error {
	return c.sendJSON(notification(event, data))
}

// Close stops the write pump and closes the socket. Safe to call repeatedly.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// writePump is the only writer on the socket.
func (c *Connection) writePump(pingInterval, writeTimeout time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debugw("write failed", "error", err)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debugw("ping failed", "error", err)
				return
			}
		}
	}
}
