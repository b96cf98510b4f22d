package realtime

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	realtimeTypes "github.com/ricochet1k/termtabs/pkg/realtime"
)

const (
	outboundBufferSize = 64

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	// MaxPayloadBytes bounds one relay frame; a full store snapshot fits
	// comfortably.
	MaxPayloadBytes = 1 << 20
)

// Client is one relay connection, typically one browser window.
type Client struct {
	id     string
	conn   *websocket.Conn
	send   chan realtimeTypes.ServerEnvelope
	mu     sync.RWMutex
	topics map[string]struct{}
	close  sync.Once
	done   chan struct{}
}

func NewClient(id string, conn *websocket.Conn) *Client {
	return &Client{
		id:     id,
		conn:   conn,
		send:   make(chan realtimeTypes.ServerEnvelope, outboundBufferSize),
		topics: make(map[string]struct{}),
		done:   make(chan struct{}),
	}
}

func (c *Client) ID() string {
	return c.id
}

// Queue enqueues msg without blocking. It reports false when the client is
// closed or too slow to keep up.
func (c *Client) Queue(msg realtimeTypes.ServerEnvelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// WriteLoop drains the outbound queue and keeps the connection alive with
// pings until the client is closed.
func (c *Client) WriteLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// PrepareRead installs the read limit and pong-driven read deadline.
func (c *Client) PrepareRead() {
	c.conn.SetReadLimit(MaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

func (c *Client) Close() {
	c.close.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *Client) Subscribe(topics []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, topic := range topics {
		c.topics[topic] = struct{}{}
	}
}

func (c *Client) Unsubscribe(topics []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, topic := range topics {
		delete(c.topics, topic)
	}
}

func (c *Client) IsSubscribed(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.topics[topic]
	return ok
}
