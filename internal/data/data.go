package data

import (
	"fmt"
	"time"
)

// Source records which acquisition path produced a Fix.
type Source string

const (
	SourceGPS    Source = "gps"
	SourceMobile Source = "mobile"
	SourceIP     Source = "ip"
	SourceManual Source = "manual"
)

// Fix is a single resolved geographic point with provenance.
type Fix struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Source    Source  `json:"source"`
	// AccuracyMeters is only comparable between fixes of the same source.
	// Nil for manual and mobile fixes.
	AccuracyMeters *float64  `json:"accuracy_meters,omitempty"`
	Estimated      bool      `json:"estimated,omitempty"` // accuracy inferred, not reported
	AcquiredAt     time.Time `json:"acquired_at"`
}

// Accuracy returns the accuracy in meters and whether one is present.
func (f Fix) Accuracy() (float64, bool) {
	if f.AccuracyMeters == nil {
		return 0, false
	}
	return *f.AccuracyMeters, true
}

// AccuracyLabel renders the accuracy for display, e.g. "±12 m" or
// "±5.0 km (estimated)". Empty when the fix has no accuracy.
func (f Fix) AccuracyLabel() string {
	acc, ok := f.Accuracy()
	if !ok {
		return ""
	}
	var s string
	if acc >= 1000 {
		s = fmt.Sprintf("±%.1f km", acc/1000)
	} else {
		s = fmt.Sprintf("±%.0f m", acc)
	}
	if f.Estimated {
		s += " (estimated)"
	}
	return s
}

// Meters is a small helper for building Fix.AccuracyMeters.
func Meters(m float64) *float64 {
	return &m
}

type AccuracyMode string

const (
	AccuracyHigh AccuracyMode = "high"
	AccuracyLow  AccuracyMode = "low"
)

type Outcome string

const (
	OutcomeSuccess             Outcome = "success"
	OutcomeTimeout             Outcome = "timeout"
	OutcomePermissionDenied    Outcome = "permissionDenied"
	OutcomePositionUnavailable Outcome = "positionUnavailable"
	OutcomeError               Outcome = "error"
)

// Attempt records one sensor read of the acquisition cascade. It only lives
// until the cascade leaves the state that issued it.
type Attempt struct {
	Mode      AccuracyMode `json:"mode"`
	StartedAt time.Time    `json:"started_at"`
	Outcome   Outcome      `json:"outcome"`
}

// Center is a safety center consumers can route a visitor to.
type Center struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}
