package signal

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"sanctuary/rtc/internal/domain"
	"sanctuary/rtc/internal/metrics"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

// Client is a domain.Transport over the hub's websocket endpoint. One Client
// carries one session topic.
type Client struct {
	baseURL      string
	sessionID    string
	pingInterval time.Duration
	handler      domain.Handler
	dialer       *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	closing bool
}

// NewClient creates a client for sessionID. baseURL is the hub's ws(s) URL
// without the session suffix, e.g. ws://host:8080/api/ws.
func NewClient(baseURL, sessionID string, pingInterval time.Duration, handler domain.Handler) *Client {
	if pingInterval <= 0 {
		pingInterval = 15 * time.Second
	}
	return &Client{
		baseURL:      baseURL,
		sessionID:    sessionID,
		pingInterval: pingInterval,
		handler:      handler,
		dialer:       websocket.DefaultDialer,
	}
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse signal url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + url.PathEscape(c.sessionID)
	return u.String(), nil
}

// Connect dials the hub and starts the read and ping loops. Calling it again
// replaces the current connection, which is how a caller resubscribes after
// OnDisconnect.
func (c *Client) Connect(ctx context.Context) error {
	addr, err := c.endpoint()
	if err != nil {
		return err
	}

	log.Info().Str("module", "signal").Str("session", c.sessionID).Str("url", addr).Msg("connecting")

	conn, _, err := c.dialer.DialContext(ctx, addr, nil)
	if err != nil {
		return fmt.Errorf("%w: websocket dial: %v", domain.ErrTransportDown, err)
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(3 * c.pingInterval))
	})
	_ = conn.SetReadDeadline(time.Now().Add(3 * c.pingInterval))

	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.closing = false
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}

	done := make(chan struct{})
	go c.readLoop(conn, done)
	go c.pingLoop(conn, done)

	return nil
}

// Close shuts down the current connection. OnDisconnect is not called.
func (c *Client) Close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.closing = true
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}
}

// Send publishes msg on the session topic.
func (c *Client) Send(msg domain.Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return domain.ErrTransportDown
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: write: %v", domain.ErrTransportDown, err)
	}
	metrics.SignalMessagesTotal.WithLabelValues(string(msg.Kind()), "out").Inc()
	log.Debug().Str("module", "signal").Str("kind", string(msg.Kind())).Str("to", msg.To).Msg(">>>")
	return nil
}

func (c *Client) current(conn *websocket.Conn) (current, closing bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn == conn, c.closing
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			current, closing := c.current(conn)
			if !current || closing {
				return
			}
			c.mu.Lock()
			c.conn = nil
			c.mu.Unlock()
			conn.Close()

			log.Warn().Str("module", "signal").Str("session", c.sessionID).Err(err).Msg("read error")
			metrics.SignalDisconnectsTotal.Inc()
			c.handler.OnDisconnect(fmt.Errorf("%w: %v", domain.ErrTransportDown, err))
			return
		}

		msg, err := Decode(data)
		if err != nil {
			log.Warn().Str("module", "signal").Err(err).Msg("dropping malformed message")
			continue
		}
		if msg.SessionID != "" && msg.SessionID != c.sessionID {
			continue
		}
		metrics.SignalMessagesTotal.WithLabelValues(string(msg.Kind()), "in").Inc()
		c.handler.OnMessage(msg)
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.conn != conn {
				c.mu.Unlock()
				return
			}
			err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait))
			c.mu.Unlock()
			if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				log.Warn().Str("module", "signal").Err(err).Msg("ping error")
				return
			}
		}
	}
}
