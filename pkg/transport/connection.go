package transport

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// callback executed when a message is received.
type MessageHandler func(ctx context.Context, connID uuid.UUID, msg []byte)

type OnCloseHandler func(connID uuid.UUID, err error)

type ConnectionConfig struct {
	ReadTimeout     time.Duration
	SendBuffer      int
	MaxMessageBytes int64
	PingInterval    time.Duration
}

const writeTimeout = 5 * time.Second

// Connection represents a single, thread-safe WebSocket connection.
type Connection struct {
	id        uuid.UUID
	ip        string
	createdAt time.Time
	conn      *websocket.Conn
	config    ConnectionConfig
	send      chan []byte

	onMessage MessageHandler
	onClose   OnCloseHandler

	closing    chan struct{} // closed by Close, asks the write pump to flush and stop
	done       chan struct{}
	wg         *sync.WaitGroup
	ctx        context.Context
	closeOnce  sync.Once
	finishOnce sync.Once
	cancel     context.CancelFunc

	errMu    sync.Mutex
	closeErr error

	logger *slog.Logger
}

func NewConnection(parentCtx context.Context, wg *sync.WaitGroup, conn *websocket.Conn, ip string, config ConnectionConfig, onMessage MessageHandler, onClose OnCloseHandler, logger *slog.Logger) *Connection {
	id := uuid.New()
	connCtx, cancel := context.WithCancel(parentCtx)
	connLogger := logger.With(slog.String("connID", id.String()))
	if config.SendBuffer <= 0 {
		config.SendBuffer = 256
	}

	return &Connection{
		id:        id,
		ip:        ip,
		createdAt: time.Now(),
		conn:      conn,
		logger:    connLogger,
		config:    config,
		onMessage: onMessage,
		send:      make(chan []byte, config.SendBuffer),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
		ctx:       connCtx,
		cancel:    cancel,
		onClose:   onClose,
		wg:        wg,
	}
}

func (c *Connection) Run() {
	c.wg.Add(1)
	if c.config.MaxMessageBytes > 0 {
		c.conn.SetReadLimit(c.config.MaxMessageBytes)
	}
	go c.readPump()
	go c.writePump()

	c.logger.Info("connection established", slog.String("ip", c.ip))
}

// readPump pumps messages from the WebSocket connection to the message handler.
func (c *Connection) readPump() {
	for {
		message, err := c.read()
		if err != nil {
			c.Close(err)
			return
		}
		if message == nil {
			continue
		}
		// Pass a connection-scoped context to the handler.
		c.onMessage(c.ctx, c.id, message)
	}
}

func (c *Connection) read() ([]byte, error) {
	readCtx, cancelRead := c.ctx, context.CancelFunc(func() {})
	if c.config.ReadTimeout > 0 {
		readCtx, cancelRead = context.WithTimeout(c.ctx, c.config.ReadTimeout)
	}
	defer cancelRead()

	typ, r, err := c.conn.Reader(readCtx)
	if err != nil {
		return nil, err
	}
	// Ensure we are only handling text or binary messages.
	if typ != websocket.MessageText && typ != websocket.MessageBinary {
		return nil, nil
	}
	// Read the full message. Use io.ReadAll for safety.
	return io.ReadAll(r)
}

// writePump pumps messages from the send channel to the WebSocket connection.
// It owns the final teardown of the connection.
func (c *Connection) writePump() {
	defer c.finish()

	var ping <-chan time.Time
	if c.config.PingInterval > 0 {
		t := time.NewTicker(c.config.PingInterval)
		defer t.Stop()
		ping = t.C
	}

	for {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				c.setErr(err)
				return
			}
		case <-ping:
			if err := c.ping(); err != nil {
				c.setErr(err)
				return
			}
		case <-c.closing:
			c.flush()
			return
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) write(message []byte) error {
	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, message)
}

// ping waits for the pong, which the read pump consumes.
func (c *Connection) ping() error {
	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	return c.conn.Ping(ctx)
}

// flush writes whatever is still buffered so a final error frame reaches the
// client before the close frame.
func (c *Connection) flush() {
	for {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				return
			}
		default:
			return
		}
	}
}

// Send queues a message for the client without blocking. It returns false if
// the connection is closing or its buffer is full; the message is then dropped.
// It is safe for concurrent use.
func (c *Connection) Send(message []byte) bool {
	select {
	case <-c.closing:
		return false
	case <-c.ctx.Done():
		return false
	default:
	}
	select {
	case c.send <- message:
		return true
	default:
		c.logger.Warn("Dropping message for slow connection", slog.Int("bytes", len(message)))
		return false
	}
}

// Close asks the connection to flush pending messages and shut down. It
// returns immediately; Done is closed once teardown has finished.
func (c *Connection) Close(err error) {
	c.closeOnce.Do(func() {
		c.setErr(err)
		close(c.closing)
	})
}

func (c *Connection) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.closeErr == nil {
		c.closeErr = err
	}
}

// finish tears the connection down exactly once.
func (c *Connection) finish() {
	c.finishOnce.Do(func() {
		c.errMu.Lock()
		err := c.closeErr
		c.errMu.Unlock()

		status := websocket.CloseStatus(err)
		c.logger.Info("Transport connection closing", slog.Any("reason", err), slog.String("status", status.String()))

		reason := ""
		if err != nil && status == -1 {
			reason = truncateReason(err.Error())
		}
		c.conn.Close(websocket.StatusNormalClosure, reason)
		c.cancel() // Signal goroutines to stop.
		if c.onClose != nil {
			c.onClose(c.id, err)
		}
		c.wg.Done()
		close(c.done)
		c.logger.Info("Connection closed")
	})
}

// returns a channel that is closed when the connection is fully terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// ID returns the unique identifier of the connection.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

// IP is the client address the connection was accepted from.
func (c *Connection) IP() string {
	return c.ip
}

func (c *Connection) CreatedAt() time.Time {
	return c.createdAt
}

// close frame reasons are capped at 123 bytes by the protocol
func truncateReason(s string) string {
	if len(s) > 123 {
		return s[:123]
	}
	return s
}
