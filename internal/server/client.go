package server

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jfely/parley/internal/protocol"
	"github.com/jfely/parley/internal/stats"
	"github.com/jfely/parley/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendQueueSize  = 256
)

// Client is one live connection. It starts unauthenticated; a successful
// LOGIN binds it to a user and registers it as that user's session.
type Client struct {
	id    string
	conn  *websocket.Conn
	cs    *ChatServer
	log   *log.Logger
	stats stats.StatsProvider

	userLock sync.RWMutex
	user     *types.User

	send     chan *protocol.ServerMessage
	stop     chan struct{}
	stopOnce sync.Once
}

func NewClient(conn *websocket.Conn, cs *ChatServer, l *log.Logger, su stats.StatsProvider) *Client {
	return &Client{
		id:    uuid.NewString(),
		conn:  conn,
		cs:    cs,
		log:   l,
		stats: su,
		send:  make(chan *protocol.ServerMessage, sendQueueSize),
		stop:  make(chan struct{}),
	}
}

func (c *Client) SessionID() string {
	return c.id
}

// User returns the authenticated user, if any.
func (c *Client) User() (types.User, bool) {
	c.userLock.RLock()
	defer c.userLock.RUnlock()

	if c.user == nil {
		return types.User{}, false
	}
	return *c.user, true
}

func (c *Client) UserID() int64 {
	c.userLock.RLock()
	defer c.userLock.RUnlock()

	if c.user == nil {
		return 0
	}
	return c.user.Id
}

func (c *Client) setUser(u types.User) {
	c.userLock.Lock()
	defer c.userLock.Unlock()
	c.user = &u
}

func (c *Client) setStatus(status string) {
	c.userLock.Lock()
	defer c.userLock.Unlock()
	if c.user != nil {
		c.user.Status = status
	}
}

// QueueEvent enqueues an outbound event without blocking the caller.
func (c *Client) QueueEvent(msg *protocol.ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Printf("session %s: send queue full, dropping %s", c.id, msg.Type)
		c.stats.Incr(stats.MetricEventsDropped)
		return false
	}

	return true
}

// Write is the single writer for the connection: direct replies and
// broadcast pushes are serialized here so frames never interleave.
func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := json.Marshal(msg)
			if err != nil {
				c.log.Println("failed to serialize message:", err)
				continue
			}

			if !c.writeFrame(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.writeFrame(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

// Read processes inbound commands one at a time until the connection
// fails or the session is stopped.
func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		var msg protocol.ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Println("error parsing message:", err)
			c.QueueEvent(protocol.ErrInvalidPayload(0))
			continue
		}

		c.cs.dispatch(c, &msg)
	}
}

func (c *Client) writeFrame(msgType int, payload []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, payload); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

func (c *Client) cleanup() {
	c.cs.detachClient(c)
	c.stopClient()
}
