package wire

import "time"

// VehicleState is the latest known position and battery level of one vehicle.
// A single entry per vehicle, overwritten in place by each telemetry message;
// never historical.
type VehicleState struct {
	VehicleID      string    `json:"vehicle_id"`
	BatteryPercent int32     `json:"battery_percent"`
	Longitude      float64   `json:"longitude"`
	Latitude       float64   `json:"latitude"`
	LastUpdated    time.Time `json:"last_updated"`
}

// TelemetryRecord is one immutable position/battery sample, appended to the
// history sink.
type TelemetryRecord struct {
	ID             string    `json:"id"`
	VehicleID      string    `json:"vehicle_id"`
	BatteryPercent int32     `json:"battery_percent"`
	Longitude      float64   `json:"longitude"`
	Latitude       float64   `json:"latitude"`
	Timestamp      time.Time `json:"timestamp"`
}

// State returns the cache entry this sample produces.
func (r *TelemetryRecord) State() VehicleState {
	return VehicleState{
		VehicleID:      r.VehicleID,
		BatteryPercent: r.BatteryPercent,
		Longitude:      r.Longitude,
		Latitude:       r.Latitude,
		LastUpdated:    r.Timestamp,
	}
}
