package transcription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/oMMh6666/CapsWriter/internal/metrics"
	"github.com/oMMh6666/CapsWriter/internal/protocol"
)

// Transport state errors
var (
	ErrNotConnected = errors.New("not connected to server")
	ErrClosed       = errors.New("client closed")
)

// TransportError reports a failed dial, write or read on the server connection.
// It is recoverable: the queue keeps draining and the client reconnects.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// LinkDown reports that the connection is unusable until the client reconnects
func (e *TransportError) LinkDown() bool { return true }

// Config contains transport configuration
type Config struct {
	URL          string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	MaxRetries   int // consecutive failed dials before giving up, 0 means unlimited
	RetryDelay   time.Duration
	MaxBackoff   time.Duration
	Reconnect    bool
	ReadLimit    int64
}

// Handlers receive connection events. Every callback runs on the client's goroutines.
type Handlers struct {
	OnConnected     func()
	OnDisconnected  func(err error)
	OnResult        func(result *protocol.Result)
	OnProtocolError func(err error)
}

// ClientStats represents client statistics
type ClientStats struct {
	URL             string    `json:"url"`
	Connected       bool      `json:"connected"`
	ConnectedSince  time.Time `json:"connected_since,omitempty"`
	Connects        uint64    `json:"connects"`
	Reconnects      uint64    `json:"reconnects"`
	ConnectFailures uint64    `json:"connect_failures"`
	MessagesSent    uint64    `json:"messages_sent"`
	BytesSent       uint64    `json:"bytes_sent"`
	SendFailures    uint64    `json:"send_failures"`
	ResultsReceived uint64    `json:"results_received"`
	ProtocolErrors  uint64    `json:"protocol_errors"`
	LastError       string    `json:"last_error,omitempty"`
}

// Client is the WebSocket transport to the recognition server
type Client struct {
	config   Config
	handlers Handlers
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu             sync.RWMutex
	conn           *websocket.Conn
	closed         bool
	connectedSince time.Time

	// Statistics
	connects        uint64
	reconnects      uint64
	connectFailures uint64
	messagesSent    uint64
	bytesSent       uint64
	sendFailures    uint64
	resultsReceived uint64
	protocolErrors  uint64
	lastErr         error
}

// NewClient creates a new transport client
func NewClient(config Config, handlers Handlers, m *metrics.Metrics, logger *slog.Logger) (*Client, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("server URL cannot be empty")
	}

	if config.DialTimeout <= 0 {
		config.DialTimeout = 10 * time.Second
	}

	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}

	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}

	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}

	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}

	if config.ReadLimit <= 0 {
		config.ReadLimit = 1 << 20
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		config:   config,
		handlers: handlers,
		metrics:  m,
		logger:   logger,
	}, nil
}

// Connect dials the server once
func (c *Client) Connect(ctx context.Context) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.config.DialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.config.URL, nil)
	if err != nil {
		c.recordConnectFailure(err)
		return &TransportError{Op: "dial", URL: c.config.URL, Err: err}
	}
	conn.SetReadLimit(c.config.ReadLimit)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client closed")
		return ErrClosed
	}
	c.conn = conn
	c.connects++
	c.connectedSince = time.Now()
	c.mu.Unlock()

	c.logger.Info("Connected to recognition server", slog.String("url", c.config.URL))
	return nil
}

// connectWithRetry dials with exponential backoff until success, ctx cancellation
// or MaxRetries consecutive failures
func (c *Client) connectWithRetry(ctx context.Context) error {
	var lastErr error

	for attempt := 0; c.config.MaxRetries == 0 || attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoffTime := c.backoff(attempt)
			c.logger.Debug("Retrying connection",
				slog.Int("attempt", attempt),
				slog.Duration("backoff", backoffTime),
			)

			select {
			case <-time.After(backoffTime):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := c.Connect(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrClosed) || ctx.Err() != nil {
			return err
		}

		lastErr = err
		if attempt == 0 {
			c.logger.Warn("Failed to connect to recognition server",
				slog.String("url", c.config.URL),
				slog.String("error", err.Error()),
			)
		}
	}

	return fmt.Errorf("connection failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

// backoff returns RetryDelay * 2^(attempt-1), capped at MaxBackoff
func (c *Client) backoff(attempt int) time.Duration {
	d := float64(c.config.RetryDelay) * math.Pow(2, float64(attempt-1))
	if d > float64(c.config.MaxBackoff) {
		return c.config.MaxBackoff
	}
	return time.Duration(d)
}

// Run keeps a connection open until ctx is cancelled or Close is called,
// reading results and reconnecting after drops when Reconnect is enabled.
func (c *Client) Run(ctx context.Context) error {
	first := true
	for {
		if err := c.connectWithRetry(ctx); err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return nil
			}
			return err
		}

		if !first {
			c.mu.Lock()
			c.reconnects++
			c.mu.Unlock()
			c.metrics.RecordReconnect()
		}
		first = false

		if c.handlers.OnConnected != nil {
			c.handlers.OnConnected()
		}

		err := c.readLoop(ctx)

		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.connectedSince = time.Time{}
		closed := c.closed
		if err != nil && !closed {
			c.lastErr = err
		}
		c.mu.Unlock()
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "")
		}

		if c.handlers.OnDisconnected != nil {
			c.handlers.OnDisconnected(err)
		}

		if ctx.Err() != nil || closed {
			return nil
		}
		if !c.config.Reconnect {
			return err
		}
	}
}

// readLoop reads result frames until the connection fails
func (c *Client) readLoop(ctx context.Context) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return &TransportError{Op: "read", URL: c.config.URL, Err: ErrNotConnected}
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				return &TransportError{Op: "read", URL: c.config.URL, Err: fmt.Errorf("server closed connection: %w", err)}
			}
			return &TransportError{Op: "read", URL: c.config.URL, Err: err}
		}

		result, err := protocol.ParseResult(data)
		if err != nil {
			c.mu.Lock()
			c.protocolErrors++
			c.mu.Unlock()
			if c.handlers.OnProtocolError != nil {
				c.handlers.OnProtocolError(err)
			}
			continue
		}

		c.mu.Lock()
		c.resultsReceived++
		c.mu.Unlock()
		if c.handlers.OnResult != nil {
			c.handlers.OnResult(result)
		}
	}
}

// SendText writes one text frame
func (c *Client) SendText(ctx context.Context, data []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		c.recordSendFailure(ErrNotConnected)
		return &TransportError{Op: "write", URL: c.config.URL, Err: ErrNotConnected}
	}

	writeCtx, cancel := context.WithTimeout(ctx, c.config.WriteTimeout)
	defer cancel()

	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		c.recordSendFailure(err)
		return &TransportError{Op: "write", URL: c.config.URL, Err: err}
	}

	c.mu.Lock()
	c.messagesSent++
	c.bytesSent += uint64(len(data))
	c.mu.Unlock()
	return nil
}

// Send encodes msg as JSON and writes it. It satisfies stream.Sender.
func (c *Client) Send(ctx context.Context, msg protocol.Message) error {
	data, err := msg.Marshal()
	if err != nil {
		return err
	}
	return c.SendText(ctx, data)
}

// Connected reports whether a connection is currently open
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Close closes the connection and stops Run from reconnecting
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := conn.Close(websocket.StatusNormalClosure, "client shutting down"); err != nil {
		return fmt.Errorf("failed to close connection: %w", err)
	}
	return nil
}

func (c *Client) recordConnectFailure(err error) {
	c.mu.Lock()
	c.connectFailures++
	c.lastErr = err
	c.mu.Unlock()
	c.metrics.RecordConnectFailure()
}

func (c *Client) recordSendFailure(err error) {
	c.mu.Lock()
	c.sendFailures++
	c.lastErr = err
	c.mu.Unlock()
}

// GetStats returns client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := ClientStats{
		URL:             c.config.URL,
		Connected:       c.conn != nil,
		ConnectedSince:  c.connectedSince,
		Connects:        c.connects,
		Reconnects:      c.reconnects,
		ConnectFailures: c.connectFailures,
		MessagesSent:    c.messagesSent,
		BytesSent:       c.bytesSent,
		SendFailures:    c.sendFailures,
		ResultsReceived: c.resultsReceived,
		ProtocolErrors:  c.protocolErrors,
	}
	if c.lastErr != nil {
		stats.LastError = c.lastErr.Error()
	}
	return stats
}
