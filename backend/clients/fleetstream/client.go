// Package fleetstream is a Go client for the fleet dashboard stream. It
// dials the broadcast endpoint with a session id, sends viewport updates and
// delivers decoded vehicle snapshots on a channel, reconnecting on transport
// drops with capped backoff.
package fleetstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"veloway/backend/libs/wire"
)

// State describes the transport lifecycle of the stream.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Viewport is the bounding box sent to the server. Vehicles inside it are
// included in pushed snapshots.
type Viewport struct {
	MaxLongitude float64 `json:"maxLong"`
	MinLongitude float64 `json:"minLong"`
	MaxLatitude  float64 `json:"maxLat"`
	MinLatitude  float64 `json:"minLat"`
}

// Config holds dial parameters.
type Config struct {
	// URL is the websocket endpoint, e.g. ws://host:8084/fleet/ws.
	URL string
	// SessionID authenticates the stream; the session must carry admin role.
	SessionID string
	// BaseDelay is multiplied by the attempt number between reconnects.
	BaseDelay time.Duration
	// MaxAttempts is how many consecutive dial failures are tolerated
	// before the client gives up.
	MaxAttempts int
	// HandshakeTimeout bounds a single dial.
	HandshakeTimeout time.Duration
}

const (
	defaultBaseDelay        = time.Second
	defaultMaxAttempts      = 5
	defaultHandshakeTimeout = 10 * time.Second
)

// Client streams vehicle snapshots from the broadcast endpoint.
type Client struct {
	cfg    Config
	logger *zap.Logger

	updates chan []wire.VehicleState
	states  chan State

	mu       sync.Mutex
	conn     *websocket.Conn
	viewport *Viewport
	state    State
}

// NewClient builds a client; Run must be called to start streaming.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	return &Client{
		cfg:     cfg,
		logger:  logger,
		updates: make(chan []wire.VehicleState, 16),
		states:  make(chan State, 8),
		state:   StateConnecting,
	}
}

// Updates delivers the full visible snapshot each time the server pushes one.
func (c *Client) Updates() <-chan []wire.VehicleState {
	return c.updates
}

// StateChanges announces transitions. The channel is buffered and drops when
// nobody is draining; State is the authoritative view.
func (c *Client) StateChanges() <-chan State {
	return c.states
}

// State returns the current transport state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetViewport stages the bounding box and, when connected, sends it
// immediately. The staged viewport is re-sent after every reconnect.
func (c *Client) SetViewport(v Viewport) error {
	c.mu.Lock()
	c.viewport = &v
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return c.writeViewport(conn, v)
}

// Run dials and streams until the context ends or the reconnect budget is
// exhausted. It closes the updates channel on return.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.updates)

	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := c.dial(ctx)
		if err != nil {
			attempt++
			if attempt >= c.cfg.MaxAttempts {
				c.setState(StateFailed)
				return fmt.Errorf("fleetstream: giving up after %d attempts: %w", attempt, err)
			}
			c.setState(StateReconnecting)
			delay := backoffDelay(c.cfg.BaseDelay, attempt)
			c.logger.Warn("dial failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}

		attempt = 0
		c.attach(conn)
		c.setState(StateConnected)

		if vp := c.stagedViewport(); vp != nil {
			if err := c.writeViewport(conn, *vp); err != nil {
				c.logger.Warn("failed to replay viewport", zap.Error(err))
				c.detach(conn)
				continue
			}
		}

		err = c.readLoop(ctx, conn)
		c.detach(conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("stream dropped", zap.Error(err))
		c.setState(StateReconnecting)
	}
}

func backoffDelay(base time.Duration, attempt int) time.Duration {
	return base * time.Duration(attempt)
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	endpoint := fmt.Sprintf("%s?session_id=%s", c.cfg.URL, url.QueryEscape(c.cfg.SessionID))
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", c.cfg.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	return conn, nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.BinaryMessage {
			continue
		}

		snapshot, err := wire.DecodeFleetUpdate(payload)
		if err != nil {
			c.logger.Warn("dropping malformed snapshot", zap.Error(err))
			continue
		}

		select {
		case c.updates <- snapshot:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) writeViewport(conn *websocket.Conn, v Viewport) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Client) attach(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) detach(conn *websocket.Conn) {
	conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
}

func (c *Client) stagedViewport() *Viewport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewport
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	select {
	case c.states <- s:
	default:
	}
}
