package state

import (
	"sync"

	"go.uber.org/zap"

	"veloway/backend/libs/wire"
)

const defaultUpdateBuffer = 256

// Cache holds the latest state per vehicle. It is written exclusively by the
// telemetry ingestor and read by the broadcast hub; each write is announced on
// the updates channel so the hub can recompute affected viewports.
type Cache struct {
	mu       sync.RWMutex
	vehicles map[string]wire.VehicleState

	updates chan wire.VehicleState
	logger  *zap.Logger
}

// NewCache returns an empty cache. buffer sizes the update channel; zero means
// the default.
func NewCache(buffer int, logger *zap.Logger) *Cache {
	if buffer <= 0 {
		buffer = defaultUpdateBuffer
	}
	return &Cache{
		vehicles: make(map[string]wire.VehicleState),
		updates:  make(chan wire.VehicleState, buffer),
		logger:   logger,
	}
}

// Upsert overwrites the vehicle's entry and announces the change. The cache
// always reflects the last message processed, not the latest timestamp; per
// vehicle the transport's delivery order is trusted.
func (c *Cache) Upsert(v wire.VehicleState) {
	c.mu.Lock()
	c.vehicles[v.VehicleID] = v
	c.mu.Unlock()

	select {
	case c.updates <- v:
	default:
		c.logger.Warn("dropping cache update notification, buffer full",
			zap.String("vehicle_id", v.VehicleID))
	}
}

// Get returns the latest state for one vehicle.
func (c *Cache) Get(vehicleID string) (wire.VehicleState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.vehicles[vehicleID]
	return v, ok
}

// Snapshot copies the current state of every vehicle.
func (c *Cache) Snapshot() []wire.VehicleState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]wire.VehicleState, 0, len(c.vehicles))
	for _, v := range c.vehicles {
		out = append(out, v)
	}
	return out
}

// Len returns the number of tracked vehicles.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.vehicles)
}

// Updates exposes the change feed consumed by the broadcast hub.
func (c *Cache) Updates() <-chan wire.VehicleState {
	return c.updates
}

// Close shuts the change feed down. Callers must stop all writers first;
// the draining hub exits once the channel is closed.
func (c *Cache) Close() {
	close(c.updates)
}
