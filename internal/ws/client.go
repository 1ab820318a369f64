package ws

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type role int

const (
	rolePending role = iota
	roleObserver
	roleDriver
)

func (r role) String() string {
	switch r {
	case roleObserver:
		return "observer"
	case roleDriver:
		return "driver"
	default:
		return "pending"
	}
}

// client is one WebSocket connection. Its role and binding are decided by
// the first frame it sends and are guarded by the broadcaster's lock.
type client struct {
	id          string
	conn        *websocket.Conn
	b           *Broadcaster
	send        chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	remoteAddr  string
	connectedAt time.Time

	role      role
	sessionID string
	tabHint   string
}

func newClient(conn *websocket.Conn, b *Broadcaster, remoteAddr string) *client {
	return &client{
		id:          uuid.NewString(),
		conn:        conn,
		b:           b,
		send:        make(chan []byte, b.sendBuffer),
		done:        make(chan struct{}),
		remoteAddr:  remoteAddr,
		connectedAt: time.Now(),
	}
}

// enqueue hands data to the write pump without blocking. It reports false
// when the client is gone or its queue is full.
func (c *client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.b.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.b.RemoveClient(c)
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.b.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.b.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(c.b.writeTimeout))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
