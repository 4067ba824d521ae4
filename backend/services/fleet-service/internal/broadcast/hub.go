package broadcast

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"veloway/backend/services/fleet-service/internal/state"
)

// Hub tracks live dashboard connections and fans cache updates out to them.
type Hub struct {
	mu          sync.RWMutex
	connections map[string]*Connection

	cache  *state.Cache
	logger *zap.Logger
}

// NewHub builds the hub over the latest-state cache.
func NewHub(cache *state.Cache, logger *zap.Logger) *Hub {
	return &Hub{
		connections: make(map[string]*Connection),
		cache:       cache,
		logger:      logger,
	}
}

// Add registers a new connection.
func (h *Hub) Add(conn *Connection) {
	h.mu.Lock()
	h.connections[conn.ID()] = conn
	h.mu.Unlock()
}

// Remove drops a connection; its viewport subscription dies with it.
func (h *Hub) Remove(id string) {
	h.mu.Lock()
	delete(h.connections, id)
	h.mu.Unlock()
}

// Len returns the number of live connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// Run drains the cache update feed until the context is cancelled or the feed
// is closed, dispatching each change to every connection. Connections decide
// for themselves whether the change intersects their viewport.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case v, ok := <-h.cache.Updates():
			if !ok {
				return nil
			}
			h.mu.RLock()
			for _, conn := range h.connections {
				conn.VehicleChanged(v)
			}
			h.mu.RUnlock()
		}
	}
}
