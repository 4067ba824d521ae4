// Package wire implements the binary layouts spoken on the telemetry publish
// topics and on the dashboard broadcast connection.
//
// Two layouts are in production: fleet updates pushed to dashboards are
// big-endian, single telemetry samples published by vehicles are
// little-endian with a different field set. Deployed vehicles and dashboards
// speak these byte-for-byte, so both are kept; unifying them is a wire
// version bump handled separately.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrMalformedPayload marks a payload whose declared lengths run past the
// buffer end or whose framing is otherwise broken. Callers drop the single
// message and keep the stream alive.
var ErrMalformedPayload = errors.New("wire: malformed payload")

const (
	maxIDLen       = math.MaxUint8
	maxFleetCount  = math.MaxUint16
	fleetFixedSize = 4 + 8 + 8     // battery + longitude + latitude
	telemetryTail  = 4 + 8 + 8 + 8 // battery + longitude + latitude + time
)

// EncodeFleetUpdate encodes the full visible set for one dashboard push.
//
// Layout (big-endian): count:uint16, then per record
// idLen:uint8, id, battery:int32, longitude:float64, latitude:float64.
func EncodeFleetUpdate(vehicles []VehicleState) ([]byte, error) {
	if len(vehicles) > maxFleetCount {
		return nil, fmt.Errorf("wire: fleet update holds %d vehicles, max %d", len(vehicles), maxFleetCount)
	}

	size := 2
	for i := range vehicles {
		if len(vehicles[i].VehicleID) > maxIDLen {
			return nil, fmt.Errorf("wire: vehicle id %q exceeds %d bytes", vehicles[i].VehicleID, maxIDLen)
		}
		size += 1 + len(vehicles[i].VehicleID) + fleetFixedSize
	}

	buf := make([]byte, 0, size)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(vehicles)))
	for i := range vehicles {
		v := &vehicles[i]
		buf = append(buf, byte(len(v.VehicleID)))
		buf = append(buf, v.VehicleID...)
		buf = binary.BigEndian.AppendUint32(buf, uint32(v.BatteryPercent))
		buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(v.Longitude))
		buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(v.Latitude))
	}
	return buf, nil
}

// DecodeFleetUpdate decodes a dashboard push back into vehicle states.
// Fails closed with ErrMalformedPayload on any truncation.
func DecodeFleetUpdate(data []byte) ([]VehicleState, error) {
	if len(data) < 2 {
		return nil, ErrMalformedPayload
	}
	count := int(binary.BigEndian.Uint16(data))
	offset := 2

	vehicles := make([]VehicleState, 0, count)
	for i := 0; i < count; i++ {
		if offset >= len(data) {
			return nil, ErrMalformedPayload
		}
		idLen := int(data[offset])
		offset++
		if offset+idLen+fleetFixedSize > len(data) {
			return nil, ErrMalformedPayload
		}

		v := VehicleState{
			VehicleID: string(data[offset : offset+idLen]),
		}
		offset += idLen
		v.BatteryPercent = int32(binary.BigEndian.Uint32(data[offset:]))
		offset += 4
		v.Longitude = math.Float64frombits(binary.BigEndian.Uint64(data[offset:]))
		offset += 8
		v.Latitude = math.Float64frombits(binary.BigEndian.Uint64(data[offset:]))
		offset += 8
		vehicles = append(vehicles, v)
	}
	return vehicles, nil
}

// EncodeTelemetry encodes one sample for a vehicle publish topic.
//
// Layout (little-endian): idLen:uint8, id, vehicleIdLen:uint8, vehicleId,
// battery:int32, longitude:float64, latitude:float64, time:int64 (unix ms).
func EncodeTelemetry(r TelemetryRecord) ([]byte, error) {
	if len(r.ID) > maxIDLen {
		return nil, fmt.Errorf("wire: record id %q exceeds %d bytes", r.ID, maxIDLen)
	}
	if len(r.VehicleID) > maxIDLen {
		return nil, fmt.Errorf("wire: vehicle id %q exceeds %d bytes", r.VehicleID, maxIDLen)
	}

	buf := make([]byte, 0, 2+len(r.ID)+len(r.VehicleID)+telemetryTail)
	buf = append(buf, byte(len(r.ID)))
	buf = append(buf, r.ID...)
	buf = append(buf, byte(len(r.VehicleID)))
	buf = append(buf, r.VehicleID...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(r.BatteryPercent))
	buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(r.Longitude))
	buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(r.Latitude))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(r.Timestamp.UnixMilli()))
	return buf, nil
}

// DecodeTelemetry decodes one published sample. Fails closed with
// ErrMalformedPayload on any truncation.
func DecodeTelemetry(data []byte) (TelemetryRecord, error) {
	var r TelemetryRecord

	offset := 0
	id, offset, ok := readString(data, offset)
	if !ok {
		return r, ErrMalformedPayload
	}
	vehicleID, offset, ok := readString(data, offset)
	if !ok {
		return r, ErrMalformedPayload
	}
	if offset+telemetryTail > len(data) {
		return r, ErrMalformedPayload
	}

	r.ID = id
	r.VehicleID = vehicleID
	r.BatteryPercent = int32(binary.LittleEndian.Uint32(data[offset:]))
	offset += 4
	r.Longitude = math.Float64frombits(binary.LittleEndian.Uint64(data[offset:]))
	offset += 8
	r.Latitude = math.Float64frombits(binary.LittleEndian.Uint64(data[offset:]))
	offset += 8
	ms := int64(binary.LittleEndian.Uint64(data[offset:]))
	r.Timestamp = time.UnixMilli(ms).UTC()
	return r, nil
}

// readString reads a uint8 length-prefixed string, reporting failure instead
// of reading past the buffer end.
func readString(data []byte, offset int) (string, int, bool) {
	if offset >= len(data) {
		return "", 0, false
	}
	n := int(data[offset])
	offset++
	if offset+n > len(data) {
		return "", 0, false
	}
	return string(data[offset : offset+n]), offset + n, true
}
