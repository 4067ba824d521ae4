package repository

import (
	"context"
	"database/sql"

	"veloway/backend/libs/wire"
)

// HistoryRepository appends telemetry samples to the write-only history table.
// Reads are served elsewhere (analytics); this subsystem only sinks.
type HistoryRepository struct {
	db *sql.DB
}

// NewHistoryRepository returns the repository.
func NewHistoryRepository(db *sql.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// Append stores one immutable telemetry record.
func (r *HistoryRepository) Append(ctx context.Context, record *wire.TelemetryRecord) error {
	const query = `
		INSERT INTO telemetry_history (id, vehicle_id, battery_percent, longitude, latitude, recorded_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`
	_, err := r.db.ExecContext(ctx, query,
		record.ID,
		record.VehicleID,
		record.BatteryPercent,
		record.Longitude,
		record.Latitude,
		record.Timestamp,
	)
	return err
}
