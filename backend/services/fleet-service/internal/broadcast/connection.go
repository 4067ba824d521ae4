package broadcast

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"veloway/backend/libs/wire"
)

// wsConn is the subset of *websocket.Conn the connection needs; tests swap in
// a fake.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// snapshotFunc supplies the full latest-state cache for visible-set
// recomputation.
type snapshotFunc func() []wire.VehicleState

// Connection is one authenticated dashboard stream. It owns its viewport and
// visible set; both are mutated only from the connection's own messages and
// the hub's update dispatch.
type Connection struct {
	id           string
	ws           wsConn
	send         chan []byte
	snapshot     snapshotFunc
	debounce     time.Duration
	writeTimeout time.Duration
	logger       *zap.Logger
	onClose      func(id string)

	mu       sync.Mutex
	viewport Viewport
	hasView  bool
	visible  map[string]wire.VehicleState
	pending  Viewport
	timer    *time.Timer

	closeOnce sync.Once
}

// NewConnection wraps an upgraded websocket.
func NewConnection(id string, ws wsConn, snapshot snapshotFunc, debounce, writeTimeout time.Duration, logger *zap.Logger, onClose func(string)) *Connection {
	return &Connection{
		id:           id,
		ws:           ws,
		send:         make(chan []byte, 16),
		snapshot:     snapshot,
		debounce:     debounce,
		writeTimeout: writeTimeout,
		logger:       logger,
		onClose:      onClose,
		visible:      make(map[string]wire.VehicleState),
	}
}

// ID returns the connection identifier.
func (c *Connection) ID() string {
	return c.id
}

// Start launches the read/write pumps and blocks until the reader exits.
func (c *Connection) Start(ctx context.Context) {
	go c.writePump(ctx)
	c.readPump(ctx)
}

func (c *Connection) readPump(ctx context.Context) {
	defer c.cleanup()
	c.ws.SetReadLimit(64 * 1024)
	c.ws.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, message, err := c.ws.ReadMessage()
		if err != nil {
			c.logger.Info("dashboard connection closed", zap.String("conn_id", c.id), zap.Error(err))
			return
		}

		var vp Viewport
		if err := json.Unmarshal(message, &vp); err != nil {
			c.logger.Warn("ignoring malformed viewport message", zap.String("conn_id", c.id), zap.Error(err))
			continue
		}
		if !vp.Valid() {
			c.logger.Warn("ignoring inverted viewport bounds", zap.String("conn_id", c.id))
			continue
		}
		c.UpdateViewport(vp)
	}
}

func (c *Connection) writePump(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				_ = c.write(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.write(websocket.BinaryMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// UpdateViewport stages new bounds. Rapid successive updates (continuous map
// panning) are coalesced: recomputation runs once per quiescence window, with
// the last-received bounds.
func (c *Connection) UpdateViewport(vp Viewport) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending = vp
	if c.timer == nil {
		c.timer = time.AfterFunc(c.debounce, c.applyPendingViewport)
		return
	}
	c.timer.Reset(c.debounce)
}

func (c *Connection) applyPendingViewport() {
	c.mu.Lock()
	c.viewport = c.pending
	c.hasView = true
	c.mu.Unlock()

	// A viewport change always answers with the current visible snapshot,
	// even when the set of vehicles did not change.
	c.recompute(true)
}

// VehicleChanged is called by the hub for every cache update. Recomputation
// only runs when the update can affect this connection: the vehicle is inside
// the viewport now, or was visible before.
func (c *Connection) VehicleChanged(v wire.VehicleState) {
	c.mu.Lock()
	if !c.hasView {
		c.mu.Unlock()
		return
	}
	_, wasVisible := c.visible[v.VehicleID]
	relevant := wasVisible || c.viewport.Contains(v)
	c.mu.Unlock()

	if relevant {
		c.recompute(false)
	}
}

// recompute rebuilds the visible set from the cache, diffs it against the
// previous one and, when anything was added, removed or updated (or force is
// set), pushes the full current visible set.
func (c *Connection) recompute(force bool) {
	all := c.snapshot()

	c.mu.Lock()
	next := make(map[string]wire.VehicleState, len(c.visible))
	changed := false
	for _, v := range all {
		if !c.viewport.Contains(v) {
			continue
		}
		next[v.VehicleID] = v
		if prev, ok := c.visible[v.VehicleID]; !ok || prev != v {
			changed = true
		}
	}
	if len(next) != len(c.visible) {
		changed = true
	}
	c.visible = next

	if !changed && !force {
		c.mu.Unlock()
		return
	}

	out := make([]wire.VehicleState, 0, len(next))
	for _, v := range next {
		out = append(out, v)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].VehicleID < out[j].VehicleID })

	payload, err := wire.EncodeFleetUpdate(out)
	if err != nil {
		c.logger.Error("encode fleet update failed", zap.String("conn_id", c.id), zap.Error(err))
		return
	}
	c.Send(payload)
}

// Send enqueues an encoded push, dropping it when the buffer is full so one
// slow dashboard cannot stall the hub.
func (c *Connection) Send(msg []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("send on closed connection", zap.String("conn_id", c.id))
		}
	}()
	select {
	case c.send <- msg:
	default:
		c.logger.Warn("dropping push, send buffer full", zap.String("conn_id", c.id))
	}
}

func (c *Connection) cleanup() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.timer != nil {
			c.timer.Stop()
		}
		c.mu.Unlock()

		close(c.send)
		_ = c.ws.Close()
		if c.onClose != nil {
			c.onClose(c.id)
		}
	})
}

func (c *Connection) write(messageType int, data []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(messageType, data)
}
