// Package wshook provides a monitored WebSocket client connection whose
// lifecycle events can be captured by an error pipeline.
//
// Conn wraps a gorilla/websocket client with automatic reconnection and
// emits named events ("error", "timeout", "reconnect", "failed") that
// errpipe.HookSocket subscribes to.
package wshook

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Default reconnection behavior.
const (
	DefaultReconnectDelay = 2 * time.Second
	DefaultMaxReconnects  = 5
)

type eventFunc func(err error, details map[string]any)

// Conn is a self-reconnecting WebSocket client connection.
type Conn struct {
	id             string
	url            string
	dialer         *websocket.Dialer
	reconnectDelay time.Duration
	maxReconnects  int

	mu        sync.Mutex
	conn      *websocket.Conn
	listeners map[string][]eventFunc
	messages  chan []byte
	closed    bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Option configures a Conn.
type Option func(*Conn)

// WithDialer overrides the default websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Conn) { c.dialer = d }
}

// WithReconnectDelay sets the delay between reconnection attempts.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Conn) { c.reconnectDelay = d }
}

// WithMaxReconnects sets how many consecutive reconnection attempts are
// made before the connection is declared failed.
func WithMaxReconnects(n int) Option {
	return func(c *Conn) { c.maxReconnects = n }
}

// Dial connects to the given WebSocket URL and starts the read loop.
func Dial(ctx context.Context, url string, opts ...Option) (*Conn, error) {
	c := &Conn{
		id:             uuid.NewString(),
		url:            url,
		dialer:         websocket.DefaultDialer,
		reconnectDelay: DefaultReconnectDelay,
		maxReconnects:  DefaultMaxReconnects,
		listeners:      make(map[string][]eventFunc),
		messages:       make(chan []byte, 64),
	}
	for _, opt := range opts {
		opt(c)
	}

	conn, _, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c.conn = conn

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go c.readLoop(loopCtx)
	return c, nil
}

// ID returns a stable identifier for this connection.
func (c *Conn) ID() string { return c.id }

// OnEvent registers fn for the named lifecycle event. Supported names are
// "error", "timeout", "reconnect" and "failed".
func (c *Conn) OnEvent(name string, fn func(err error, details map[string]any)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners[name] = append(c.listeners[name], fn)
}

// Messages returns the channel of received text and binary frames. The
// channel is closed when the connection is closed or declared failed.
func (c *Conn) Messages() <-chan []byte {
	return c.messages
}

// WriteJSON sends v as a JSON text frame.
func (c *Conn) WriteJSON(v any) error {
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()
	if closed || conn == nil {
		return errors.New("connection closed")
	}
	return conn.WriteJSON(v)
}

// Close tears down the connection. It is safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	var err error
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = conn.Close()
	}
	c.wg.Wait()
	return err
}

func (c *Conn) emit(name string, err error, details map[string]any) {
	c.mu.Lock()
	fns := append([]eventFunc(nil), c.listeners[name]...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(err, details)
	}
}

// readLoop pumps frames into the messages channel and drives the
// reconnection state machine when reads fail.
func (c *Conn) readLoop(ctx context.Context) {
	defer c.wg.Done()
	defer close(c.messages)

	for {
		c.mu.Lock()
		conn := c.conn
		closed := c.closed
		c.mu.Unlock()
		if closed || ctx.Err() != nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err == nil {
			select {
			case c.messages <- data:
			case <-ctx.Done():
				return
			}
			continue
		}

		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return
		}

		// A read failing because Close tore the connection down is not a
		// connection error.
		c.mu.Lock()
		closed = c.closed
		c.mu.Unlock()
		if closed || ctx.Err() != nil {
			return
		}

		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			c.emit("timeout", err, map[string]any{"url": c.url})
		} else {
			c.emit("error", err, map[string]any{"url": c.url})
		}

		if !c.reconnect(ctx, err) {
			return
		}
	}
}

// reconnect attempts to re-establish the connection, emitting a
// "reconnect" event per attempt and "failed" once attempts run out.
// It reports whether the read loop should continue.
func (c *Conn) reconnect(ctx context.Context, cause error) bool {
	for attempt := 1; attempt <= c.maxReconnects; attempt++ {
		c.emit("reconnect", cause, map[string]any{
			"url":     c.url,
			"attempt": attempt,
		})

		select {
		case <-ctx.Done():
			return false
		case <-time.After(c.reconnectDelay):
		}

		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err == nil {
			c.mu.Lock()
			closed := c.closed
			if !closed {
				c.conn = conn
			}
			c.mu.Unlock()
			if closed {
				conn.Close()
				return false
			}
			return true
		}
		cause = err
	}

	c.emit("failed", cause, map[string]any{
		"url":      c.url,
		"attempts": c.maxReconnects,
	})
	return false
}
