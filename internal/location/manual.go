package location

import (
	"fmt"
	"time"

	"github.com/idanyas/geofix/internal/data"
	"github.com/idanyas/geofix/internal/geo"
)

// Manual builds a fix from a point the user picked. It works regardless of
// sensor or network state and only fails on invalid coordinates.
func Manual(lat, lng float64, now time.Time) (data.Fix, error) {
	if !geo.Validate(lat, lng) {
		return data.Fix{}, &data.Failure{
			Reason: data.ErrInvalidCoordinates,
			Cause:  fmt.Errorf("%v,%v is not a valid position", lat, lng),
		}
	}
	return data.Fix{Latitude: lat, Longitude: lng, Source: data.SourceManual, AcquiredAt: now}, nil
}
