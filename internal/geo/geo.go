// Package geo holds coordinate checks and the distance helpers used by
// consumers of a resolved fix.
package geo

import (
	"math"

	geohash "github.com/TomiHiltunen/geohash-golang"
	"github.com/golang/geo/s2"

	"github.com/idanyas/geofix/internal/data"
)

const earthRadiusMeters = 6371008.8

// Validate reports whether lat/lng is a plausible WGS-84 position. The exact
// pair (0,0) is rejected: misbehaving providers use it for "no data".
func Validate(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) {
		return false
	}
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return false
	}
	return lat != 0 || lng != 0
}

// DistanceMeters returns the great-circle distance between two points.
func DistanceMeters(lat1, lng1, lat2, lng2 float64) float64 {
	a := s2.LatLngFromDegrees(lat1, lng1)
	b := s2.LatLngFromDegrees(lat2, lng2)
	return a.Distance(b).Radians() * earthRadiusMeters
}

// Nearest returns the center closest to lat/lng and its distance in meters.
// ok is false when centers is empty.
func Nearest(lat, lng float64, centers []data.Center) (c data.Center, meters float64, ok bool) {
	best := math.Inf(1)
	for _, candidate := range centers {
		d := DistanceMeters(lat, lng, candidate.Latitude, candidate.Longitude)
		if d < best {
			best = d
			c = candidate
			ok = true
		}
	}
	return c, best, ok
}

// Geohash encodes lat/lng to a geohash of at most precision characters.
func Geohash(lat, lng float64, precision int) string {
	h := geohash.Encode(lat, lng)
	if precision > 0 && len(h) > precision {
		h = h[:precision]
	}
	return h
}
