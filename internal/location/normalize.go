package location

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/idanyas/geofix/internal/geo"
)

// Bands are the coarse accuracy estimates used when a provider reports no
// accuracy of its own. They are guesses about the connection type, not
// measurements, and every place they are shown labels them as estimates.
type Bands struct {
	ISP     float64
	Mobile  float64
	Unknown float64

	// Matched case-insensitively against the organisation names a
	// provider reports. Mobile keywords are checked first.
	ISPKeywords    []string
	MobileKeywords []string
}

func DefaultBands() Bands {
	return Bands{
		ISP:            5000,
		Mobile:         1000,
		Unknown:        2000,
		ISPKeywords:    []string{"isp", "broadband", "telecom", "cable", "fiber", "fibre", "internet"},
		MobileKeywords: []string{"mobile", "wireless", "cellular", "lte", "5g"},
	}
}

// Estimate is a provider response reduced to a position and an accuracy.
type Estimate struct {
	Latitude       float64
	Longitude      float64
	AccuracyMeters float64
	// Estimated is set when AccuracyMeters comes from Bands.
	Estimated bool
	Shape     string
}

type payload map[string]any

// shape is one known response layout. Shapes are tried in the order of the
// shapes slice and the first one yielding valid coordinates wins.
type shape struct {
	name   string
	coords func(p payload) (lat, lng float64, ok bool)
}

var shapes = []shape{
	{name: "location.latitude/longitude", coords: pair("location.latitude", "location.longitude")},
	{name: "latitude/longitude", coords: pair("latitude", "longitude")},
	{name: "lat/lon", coords: pair("lat", "lon")},
	{name: "lat/lng", coords: pair("lat", "lng")},
	{name: "loc", coords: combined("loc")},
}

func pair(latKey, lngKey string) func(payload) (float64, float64, bool) {
	return func(p payload) (float64, float64, bool) {
		lat, ok1 := number(p.lookup(latKey))
		lng, ok2 := number(p.lookup(lngKey))
		return lat, lng, ok1 && ok2
	}
}

func combined(key string) func(payload) (float64, float64, bool) {
	return func(p payload) (float64, float64, bool) {
		s, ok := p.lookup(key).(string)
		if !ok {
			return 0, 0, false
		}
		latStr, lngStr, ok := strings.Cut(s, ",")
		if !ok {
			return 0, 0, false
		}
		lat, ok1 := number(latStr)
		lng, ok2 := number(lngStr)
		return lat, lng, ok1 && ok2
	}
}

// lookup resolves a dotted path through nested objects.
func (p payload) lookup(path string) any {
	var cur any = map[string]any(p)
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		if cur, ok = m[key]; !ok {
			return nil
		}
	}
	return cur
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// Normalizer maps heterogeneous provider responses onto an Estimate.
type Normalizer struct {
	Client *http.Client
	// Fallback resolves responses that only carry an IP address. Nil
	// disables the secondary lookup.
	Fallback *ProviderConfig
	Bands    Bands
}

// Normalize returns the estimate carried by raw, or false when the provider
// did not help. A response that only carries an IP address costs exactly
// one extra request to the fallback provider.
func (n *Normalizer) Normalize(ctx context.Context, raw []byte) (Estimate, bool) {
	return n.normalize(ctx, raw, true)
}

func (n *Normalizer) normalize(ctx context.Context, raw []byte, hop bool) (Estimate, bool) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Estimate{}, false
	}

	for _, s := range shapes {
		lat, lng, ok := s.coords(p)
		if !ok || !geo.Validate(lat, lng) {
			continue
		}
		est := Estimate{Latitude: lat, Longitude: lng, Shape: s.name}
		est.AccuracyMeters, est.Estimated = n.accuracy(p)
		return est, true
	}

	if !hop || n.Fallback == nil || n.Client == nil {
		return Estimate{}, false
	}
	ip, ok := p.lookup("ip").(string)
	if !ok || net.ParseIP(ip) == nil {
		return Estimate{}, false
	}

	ctx, cancel := context.WithTimeout(ctx, n.Fallback.timeout())
	defer cancel()
	body, err := fetch(ctx, n.Client, strings.ReplaceAll(n.Fallback.URL, "{ip}", url.PathEscape(ip)))
	if err != nil {
		return Estimate{}, false
	}
	est, ok := n.normalize(ctx, body, false)
	if ok {
		est.Shape = "ip -> " + est.Shape
	}
	return est, ok
}

var (
	meterKeys     = []string{"accuracy", "accuracy_meters", "location.accuracy"}
	kilometerKeys = []string{"accuracy_radius", "location.accuracy_radius"}
	mobileFlags   = []string{"mobile", "is_mobile", "connection.mobile"}
	typeKeys      = []string{"connection.type", "connection_type", "company.type", "asn.type"}
	orgKeys       = []string{"org", "isp", "connection.isp", "connection.org", "company.name", "asn.org"}
)

func (n *Normalizer) accuracy(p payload) (float64, bool) {
	for _, k := range meterKeys {
		if v, ok := number(p.lookup(k)); ok && v > 0 {
			return v, false
		}
	}
	for _, k := range kilometerKeys {
		if v, ok := number(p.lookup(k)); ok && v > 0 {
			return v * 1000, false
		}
	}

	bands := n.Bands
	if bands.ISP == 0 && bands.Mobile == 0 && bands.Unknown == 0 {
		bands = DefaultBands()
	}

	for _, k := range mobileFlags {
		if b, ok := p.lookup(k).(bool); ok && b {
			return bands.Mobile, true
		}
	}
	for _, k := range typeKeys {
		switch t, _ := p.lookup(k).(string); strings.ToLower(t) {
		case "mobile", "cellular":
			return bands.Mobile, true
		case "isp":
			return bands.ISP, true
		}
	}

	var orgs []string
	for _, k := range orgKeys {
		if s, ok := p.lookup(k).(string); ok && s != "" {
			orgs = append(orgs, strings.ToLower(s))
		}
	}
	if containsAny(orgs, bands.MobileKeywords) {
		return bands.Mobile, true
	}
	if containsAny(orgs, bands.ISPKeywords) {
		return bands.ISP, true
	}
	return bands.Unknown, true
}

func containsAny(haystacks, needles []string) bool {
	for _, h := range haystacks {
		for _, n := range needles {
			if n != "" && strings.Contains(h, strings.ToLower(n)) {
				return true
			}
		}
	}
	return false
}
