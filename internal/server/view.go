package server

import (
	"time"

	"github.com/idanyas/geofix/internal/data"
	"github.com/idanyas/geofix/internal/geo"
	"github.com/idanyas/geofix/internal/location"
)

const geohashPrecision = 9

// FixView is a fix as shown to map clients.
type FixView struct {
	Latitude       float64     `json:"latitude"`
	Longitude      float64     `json:"longitude"`
	Source         data.Source `json:"source"`
	AccuracyMeters *float64    `json:"accuracy_meters,omitempty"`
	Estimated      bool        `json:"estimated"`
	AccuracyLabel  string      `json:"accuracy_label,omitempty"`
	Geohash        string      `json:"geohash"`
	AcquiredAt     time.Time   `json:"acquired_at"`
}

type FailureView struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Detail   string `json:"detail,omitempty"`
	Insecure bool   `json:"insecure,omitempty"`
}

// LocationView is the body of GET /api/location and of websocket updates.
type LocationView struct {
	Status     location.Status `json:"status"`
	Cascade    location.State  `json:"cascade"`
	Generation uint64          `json:"generation"`
	Fix        *FixView        `json:"fix,omitempty"`
	Failure    *FailureView    `json:"failure,omitempty"`
}

func newFixView(f data.Fix) *FixView {
	return &FixView{
		Latitude:       f.Latitude,
		Longitude:      f.Longitude,
		Source:         f.Source,
		AccuracyMeters: f.AccuracyMeters,
		Estimated:      f.Estimated,
		AccuracyLabel:  f.AccuracyLabel(),
		Geohash:        geo.Geohash(f.Latitude, f.Longitude, geohashPrecision),
		AcquiredAt:     f.AcquiredAt,
	}
}

func newFailureView(f *data.Failure) *FailureView {
	return &FailureView{
		Code:     f.Code(),
		Message:  f.UserMessage(),
		Detail:   f.Error(),
		Insecure: f.Insecure,
	}
}

// NewLocationView renders snap for clients.
func NewLocationView(snap location.Snapshot) LocationView {
	v := LocationView{Status: snap.Status, Cascade: snap.Cascade, Generation: snap.Generation}
	if snap.Fix != nil {
		v.Fix = newFixView(*snap.Fix)
	}
	if snap.Failure != nil {
		v.Failure = newFailureView(snap.Failure)
	}
	return v
}

// NearestView answers GET /api/location/nearest.
type NearestView struct {
	Center         data.Center `json:"center"`
	DistanceMeters float64     `json:"distance_meters"`
	From           *FixView    `json:"from"`
}
