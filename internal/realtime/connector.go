package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultRetryDelay   = 5 * time.Second
	defaultPingInterval = 30 * time.Second
	defaultReadTimeout  = 60 * time.Second
	pingWriteTimeout    = 10 * time.Second
)

// ConnectorOptions configures a Connector. Zero values take the defaults.
type ConnectorOptions struct {
	Header       http.Header // sent with every dial, e.g. Authorization
	Dialer       *websocket.Dialer
	Logger       *slog.Logger
	RetryDelay   time.Duration
	PingInterval time.Duration
	ReadTimeout  time.Duration
}

// Connector holds the WebSocket connection to the server's event stream
type Connector struct {
	consumer     *Consumer
	dialer       *websocket.Dialer
	header       http.Header
	logger       *slog.Logger
	wsURL        string
	retryDelay   time.Duration
	pingInterval time.Duration
	readTimeout  time.Duration
}

// NewConnector creates a connector feeding consumer from wsURL
func NewConnector(consumer *Consumer, wsURL string, opts ConnectorOptions) *Connector {
	c := &Connector{
		consumer:     consumer,
		dialer:       opts.Dialer,
		header:       opts.Header,
		logger:       opts.Logger,
		wsURL:        wsURL,
		retryDelay:   opts.RetryDelay,
		pingInterval: opts.PingInterval,
		readTimeout:  opts.ReadTimeout,
	}
	if c.dialer == nil {
		c.dialer = websocket.DefaultDialer
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.retryDelay <= 0 {
		c.retryDelay = defaultRetryDelay
	}
	if c.pingInterval <= 0 {
		c.pingInterval = defaultPingInterval
	}
	if c.readTimeout <= 0 {
		c.readTimeout = defaultReadTimeout
	}
	return c
}

// Start consumes the stream until ctx is done, reconnecting on errors
func (c *Connector) Start(ctx context.Context) error {
	c.logger.Info("starting event stream consumer", "url", c.wsURL)

	for {
		err := c.connect(ctx)
		if ctx.Err() != nil {
			c.logger.Info("event stream consumer shutting down")
			return ctx.Err()
		}
		c.logger.Warn("event stream connection error, retrying",
			"error", err,
			"retry_in", c.retryDelay)

		select {
		case <-ctx.Done():
			c.logger.Info("event stream consumer shutting down")
			return ctx.Err()
		case <-time.After(c.retryDelay):
		}
	}
}

// connect establishes one connection and processes frames until it fails
func (c *Connector) connect(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.wsURL, c.header)
	if err != nil {
		return fmt.Errorf("failed to connect to event stream: %w", err)
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
			c.logger.Debug("failed to close WebSocket connection", "error", closeErr)
		}
	}()

	c.logger.Info("connected to event stream")

	if err := conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
		c.logger.Warn("failed to set read deadline", "error", err)
	}
	conn.SetPongHandler(func(string) error {
		if err := conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			c.logger.Warn("failed to set read deadline in pong handler", "error", err)
		}
		return nil
	})

	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	done := make(chan struct{})
	var closeOnce sync.Once
	stop := func() { closeOnce.Do(func() { close(done) }) }
	defer stop()

	// Ping, and unblock the read loop on shutdown.
	go func() {
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(pingWriteTimeout)); err != nil {
					c.logger.Warn("failed to send ping", "error", err)
					stop()
					_ = conn.Close()
					return
				}
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read error: %w", err)
		}
		if err := conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			c.logger.Warn("failed to set read deadline", "error", err)
		}

		if err := c.consumer.HandleFrame(ctx, message); err != nil {
			// Continue processing other frames even if one fails
			c.logger.Warn("failed to handle stream frame", "error", err)
		}
	}
}
