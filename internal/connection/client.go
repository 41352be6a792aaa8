package connection

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is a single open socket owned by a supervisor.
type Conn interface {
	// Send writes one text frame.
	Send(data []byte) error

	// Close closes the socket. OnClose still fires once.
	Close() error
}

// Handlers receives socket callbacks. OnMessage is called from a single
// goroutine in arrival order. OnClose is called exactly once.
type Handlers struct {
	OnMessage func(data []byte, receivedAt time.Time)
	OnClose   func(err error)
}

// Connector opens sockets.
type Connector interface {
	// Connect dials url and starts delivering frames to h. A returned error
	// means no socket was opened and h will not be called.
	Connect(ctx context.Context, url string, h Handlers) (Conn, error)
}

// WSConnector dials websockets with gorilla/websocket.
type WSConnector struct {
	cfg    Config
	header http.Header
	logger *slog.Logger
}

// NewWSConnector creates a websocket connector.
func NewWSConnector(cfg Config, header http.Header, logger *slog.Logger) *WSConnector {
	if logger == nil {
		logger = slog.Default()
	}
	if header == nil {
		header = http.Header{}
	}
	return &WSConnector{cfg: cfg, header: header, logger: logger}
}

// Connect establishes the websocket connection.
func (c *WSConnector) Connect(ctx context.Context, url string, h Handlers) (Conn, error) {
	if url == "" {
		return nil, ErrEmptyEndpoint
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, url, c.header.Clone())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	cl := &client{
		cfg:      c.cfg,
		logger:   c.logger,
		conn:     conn,
		handlers: h,
		done:     make(chan struct{}),
		lastPong: time.Now(),
	}

	conn.SetPongHandler(func(string) error {
		cl.mu.Lock()
		cl.lastPong = time.Now()
		cl.mu.Unlock()
		return nil
	})

	go cl.readLoop()
	if c.cfg.PingInterval > 0 {
		go cl.heartbeatLoop()
	}

	c.logger.Debug("websocket connected", "url", url)

	return cl, nil
}

// client is one open gorilla connection.
type client struct {
	cfg      Config
	logger   *slog.Logger
	conn     *websocket.Conn
	handlers Handlers

	done      chan struct{}
	closeOnce sync.Once
	endOnce   sync.Once

	// Write serialization
	writeMu sync.Mutex

	mu       sync.Mutex
	closed   bool
	lastPong time.Time
}

// Send writes raw bytes to the connection.
func (c *client) Send(data []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.cfg.WriteTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close gracefully closes the connection.
func (c *client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		close(c.done)

		c.writeMu.Lock()
		c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()

		err = c.conn.Close()
	})
	return err
}

// readLoop hands every frame to OnMessage until the socket fails.
func (c *client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		receivedAt := time.Now()

		if err != nil {
			select {
			case <-c.done:
				c.end(ErrAlreadyClosed)
			default:
				c.Close()
				c.end(err)
			}
			return
		}

		if c.handlers.OnMessage != nil {
			c.handlers.OnMessage(data, receivedAt)
		}
	}
}

func (c *client) end(err error) {
	c.endOnce.Do(func() {
		if c.handlers.OnClose != nil {
			c.handlers.OnClose(err)
		}
	})
}

// heartbeatLoop pings the server and closes the socket if pongs stop.
func (c *client) heartbeatLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	staleAfter := 2 * c.cfg.PingInterval

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			lastPong := c.lastPong
			c.mu.Unlock()

			if time.Since(lastPong) > staleAfter {
				c.logger.Warn("no pong received, connection stale",
					"last_pong", lastPong,
					"timeout", staleAfter,
				)
				c.conn.Close()
				return
			}

			timeout := c.cfg.WriteTimeout
			if timeout <= 0 {
				timeout = time.Second
			}
			deadline := time.Now().Add(timeout)
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline)
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("failed to send ping", "error", err)
			}
		}
	}
}
