// Package sensor abstracts the device location sensor the acquisition
// cascade reads from.
package sensor

import (
	"context"
	"time"
)

// Request mirrors the options a position request is issued with.
type Request struct {
	HighAccuracy bool
	Timeout      time.Duration
	// MaximumAge allows a cached reading no older than this to satisfy the
	// request. Zero demands a fresh reading.
	MaximumAge time.Duration
}

// Reading is a raw sensor position. Coordinates are not validated.
type Reading struct {
	Latitude       float64
	Longitude      float64
	AccuracyMeters float64
	Timestamp      time.Time
}

// Sensor yields a Reading or one of data.ErrPermissionDenied,
// data.ErrSensorUnavailable, data.ErrSensorTimeout, data.ErrInsecureContext.
// Any other error is treated as an unknown failure.
type Sensor interface {
	Read(ctx context.Context, req Request) (Reading, error)
}
