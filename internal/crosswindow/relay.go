package crosswindow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	realtimeTypes "github.com/ricochet1k/termtabs/pkg/realtime"
)

var ErrRelayDisconnected = errors.New("relay not connected")

// RelayBus is a Bus backed by the server's /api/realtime relay. Run keeps
// the connection up and re-subscribes after every reconnect.
type RelayBus struct {
	url     string
	header  http.Header
	backoff []time.Duration
	logger  *slog.Logger
	dialer  *websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   map[string]map[int]func(Message)
	nextID int
	hooks  []func()

	writeMu sync.Mutex
	ready   chan struct{}
	once    sync.Once
}

type RelayOption func(*RelayBus)

// WithBackoff sets the reconnect delays. The last delay repeats.
func WithBackoff(delays ...time.Duration) RelayOption {
	return func(b *RelayBus) { b.backoff = delays }
}

func WithHeader(h http.Header) RelayOption {
	return func(b *RelayBus) { b.header = h }
}

func NewRelayBus(url string, logger *slog.Logger, opts ...RelayOption) *RelayBus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &RelayBus{
		url:     url,
		backoff: []time.Duration{250 * time.Millisecond, time.Second, 4 * time.Second},
		logger:  logger,
		dialer:  websocket.DefaultDialer,
		subs:    make(map[string]map[int]func(Message)),
		ready:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Ready is closed after the first successful connection.
func (b *RelayBus) Ready() <-chan struct{} {
	return b.ready
}

// OnConnect registers fn to run after each connection is established and
// before subscriptions are renewed, so anything fn publishes to a topic
// reaches the relay ahead of the topic's retained snapshot.
func (b *RelayBus) OnConnect(fn func()) {
	b.mu.Lock()
	b.hooks = append(b.hooks, fn)
	b.mu.Unlock()
}

func (b *RelayBus) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

// Run connects and serves the relay until ctx is cancelled.
func (b *RelayBus) Run(ctx context.Context) error {
	attempt := 0
	for {
		connected, err := b.serve(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			attempt = 0
		}
		delay := b.backoff[min(attempt, len(b.backoff)-1)]
		attempt++
		b.logger.Debug("relay disconnected", "url", b.url, "error", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (b *RelayBus) serve(ctx context.Context) (bool, error) {
	conn, _, err := b.dialer.DialContext(ctx, b.url, b.header)
	if err != nil {
		return false, fmt.Errorf("dial relay: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	b.mu.Lock()
	b.conn = conn
	topics := make([]string, 0, len(b.subs))
	for topic, handlers := range b.subs {
		if len(handlers) > 0 {
			topics = append(topics, topic)
		}
	}
	hooks := append([]func(){}, b.hooks...)
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		if b.conn == conn {
			b.conn = nil
		}
		b.mu.Unlock()
		_ = conn.Close()
	}()

	for _, fn := range hooks {
		fn()
	}
	if len(topics) > 0 {
		if err := b.write(conn, realtimeTypes.ClientEnvelope{Type: realtimeTypes.ClientMessageTypeSubscribe, Topics: topics}); err != nil {
			return true, err
		}
	}
	b.once.Do(func() { close(b.ready) })

	for {
		var msg realtimeTypes.ServerEnvelope
		if err := conn.ReadJSON(&msg); err != nil {
			return true, err
		}
		switch msg.Type {
		case realtimeTypes.ServerMessageTypeEvent, realtimeTypes.ServerMessageTypeSnapshot:
			b.dispatch(Message{Topic: msg.Topic, Origin: msg.Origin, Payload: msg.Payload})
		case realtimeTypes.ServerMessageTypeError:
			b.logger.Warn("relay error", "message", msg.Message)
		}
	}
}

func (b *RelayBus) dispatch(msg Message) {
	b.mu.Lock()
	handlers := make([]func(Message), 0, len(b.subs[msg.Topic]))
	for _, fn := range b.subs[msg.Topic] {
		handlers = append(handlers, fn)
	}
	b.mu.Unlock()
	for _, fn := range handlers {
		fn(msg)
	}
}

func (b *RelayBus) write(conn *websocket.Conn, env realtimeTypes.ClientEnvelope) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(env)
}

func (b *RelayBus) Publish(_ context.Context, msg Message) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return ErrRelayDisconnected
	}
	return b.write(conn, realtimeTypes.ClientEnvelope{
		Type:    realtimeTypes.ClientMessageTypePublish,
		Topic:   msg.Topic,
		Origin:  msg.Origin,
		Payload: msg.Payload,
	})
}

func (b *RelayBus) Subscribe(topic string, fn func(Message)) func() {
	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]func(Message))
	}
	id := b.nextID
	b.nextID++
	first := len(b.subs[topic]) == 0
	b.subs[topic][id] = fn
	conn := b.conn
	b.mu.Unlock()

	if first && conn != nil {
		if err := b.write(conn, realtimeTypes.ClientEnvelope{Type: realtimeTypes.ClientMessageTypeSubscribe, Topics: []string{topic}}); err != nil {
			b.logger.Warn("relay subscribe failed", "topic", topic, "error", err)
		}
	}

	return func() {
		b.mu.Lock()
		delete(b.subs[topic], id)
		last := len(b.subs[topic]) == 0
		conn := b.conn
		b.mu.Unlock()
		if last && conn != nil {
			_ = b.write(conn, realtimeTypes.ClientEnvelope{Type: realtimeTypes.ClientMessageTypeUnsubscribe, Topics: []string{topic}})
		}
	}
}
