package broadcast

import (
	"veloway/backend/libs/wire"
)

// Viewport is the geographic bounding box a dashboard connection declares as
// its area of interest. Field names follow the dashboard control message.
type Viewport struct {
	MaxLongitude float64 `json:"maxLong"`
	MinLongitude float64 `json:"minLong"`
	MaxLatitude  float64 `json:"maxLat"`
	MinLatitude  float64 `json:"minLat"`
}

// Contains reports whether the vehicle's position falls inside the box,
// bounds inclusive.
func (v Viewport) Contains(s wire.VehicleState) bool {
	return s.Longitude >= v.MinLongitude && s.Longitude <= v.MaxLongitude &&
		s.Latitude >= v.MinLatitude && s.Latitude <= v.MaxLatitude
}

// Valid rejects boxes with inverted bounds.
func (v Viewport) Valid() bool {
	return v.MinLongitude <= v.MaxLongitude && v.MinLatitude <= v.MaxLatitude
}
