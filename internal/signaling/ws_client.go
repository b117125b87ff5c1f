package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/metrics"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultPingInterval = 20 * time.Second
	defaultReconnectMax = 30 * time.Second
	reconnectInitial    = 500 * time.Millisecond
)

type WSConfig struct {
	URL string
	// Authorization is sent verbatim as the Authorization header when set.
	Authorization   string
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	ReconnectMax    time.Duration
	MaxMessageBytes int64
	Dialer          *websocket.Dialer
	Metrics         *metrics.Metrics
	Logger          *slog.Logger
	// OnConnect fires after every successful dial, including reconnects.
	OnConnect func()
}

// WSClient is a reconnecting WebSocket Transport. Inbound text messages are
// handed to onMessage from the read goroutine, in arrival order.
type WSClient struct {
	cfg       WSConfig
	onMessage func([]byte)
	log       *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	writeMu sync.Mutex

	connected atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

func NewWSClient(cfg WSConfig, onMessage func([]byte)) *WSClient {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = defaultReconnectMax
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WSClient{
		cfg:       cfg,
		onMessage: onMessage,
		log:       logger.With("component", "signaling_ws"),
		done:      make(chan struct{}),
	}
}

func (c *WSClient) Connected() bool { return c.connected.Load() }

// Run dials and serves the connection, reconnecting with exponential backoff
// until ctx is cancelled or Close is called.
func (c *WSClient) Run(ctx context.Context) error {
	backoff := reconnectInitial
	first := true
	for {
		if !first {
			c.cfg.Metrics.SignalingReconnect()
		}
		first = false

		conn, err := c.dial(ctx)
		if err == nil {
			backoff = reconnectInitial
			c.serve(conn)
		} else {
			c.log.Warn("signaling dial failed", "err", err, "retry_in", backoff)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		default:
		}

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-c.done:
			t.Stop()
			return nil
		case <-t.C:
		}
		if err != nil {
			backoff = min(backoff*2, c.cfg.ReconnectMax)
		}
	}
}

func (c *WSClient) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.cfg.Authorization != "" {
		header.Set("Authorization", c.cfg.Authorization)
	}
	conn, resp, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", c.cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	if c.cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(c.cfg.MaxMessageBytes)
	}
	return conn, nil
}

// serve owns conn until it fails or the client is closed.
func (c *WSClient) serve(conn *websocket.Conn) {
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		_ = conn.Close()
		return
	default:
	}
	c.conn = conn
	c.mu.Unlock()

	idle := 2 * c.cfg.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idle))
	})

	c.connected.Store(true)
	c.cfg.Metrics.SignalingConnected(true)
	c.log.Info("signaling connected", "url", c.cfg.URL)
	if c.cfg.OnConnect != nil {
		c.cfg.OnConnect()
	}

	stopPing := make(chan struct{})
	go c.pingLoop(conn, stopPing)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.log.Warn("signaling connection lost", "err", err)
			}
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		if msgType != websocket.TextMessage {
			c.cfg.Metrics.SignalingDropped(metrics.DropReasonMalformed)
			continue
		}
		if c.onMessage != nil {
			c.onMessage(data)
		}
	}

	close(stopPing)
	c.connected.Store(false)
	c.cfg.Metrics.SignalingConnected(false)
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}

func (c *WSClient) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	t := time.NewTicker(c.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

// Send writes one text message. It fails fast with ErrNotConnected while the
// client is between connections.
func (c *WSClient) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// Close sends a normal close frame and stops reconnecting. It is idempotent.
func (c *WSClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(c.cfg.WriteTimeout))
		c.writeMu.Unlock()
		if cerr := conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	})
	return err
}
