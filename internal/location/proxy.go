package location

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/idanyas/geofix/internal/data"
	"github.com/idanyas/geofix/internal/geo"
)

const defaultProxyTimeout = 10 * time.Second

// ProxyResponse is the body served by the mobile GPS proxy endpoint.
type ProxyResponse struct {
	Success bool          `json:"success"`
	Data    *ProxyPayload `json:"data,omitempty"`
	Message string        `json:"message,omitempty"`
}

type ProxyPayload struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

// MobileProxy asks a backend endpoint for the GPS fix of a paired mobile
// device. One request per call; callers retry by calling again.
type MobileProxy struct {
	Client  *http.Client
	URL     string
	Timeout time.Duration
	Now     func() time.Time
}

// Acquire returns a mobile fix. Every failure is a *data.Failure carrying
// the upstream message as-is, since the proxy is opaque to us.
func (p *MobileProxy) Acquire(ctx context.Context) (data.Fix, error) {
	if p == nil || p.URL == "" {
		return data.Fix{}, &data.Failure{Reason: data.ErrProxyUnavailable, Message: "no mobile location proxy configured"}
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultProxyTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return data.Fix{}, &data.Failure{Reason: data.ErrProxyUnavailable, Cause: err}
	}
	req.Header.Set("Accept", "application/json")

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return data.Fix{}, &data.Failure{Reason: data.ErrProxyUnavailable, Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderBody))
	if err != nil {
		return data.Fix{}, &data.Failure{Reason: data.ErrProxyUnavailable, Cause: err}
	}

	var pr ProxyResponse
	decodeErr := json.Unmarshal(body, &pr)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := pr.Message
		if decodeErr != nil || msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		if msg == "" {
			msg = resp.Status
		}
		return data.Fix{}, &data.Failure{Reason: data.ErrProxyUnavailable, Message: msg}
	}
	if decodeErr != nil {
		return data.Fix{}, &data.Failure{Reason: data.ErrProxyUnavailable, Cause: fmt.Errorf("malformed proxy response: %w", decodeErr)}
	}
	if !pr.Success {
		return data.Fix{}, &data.Failure{Reason: data.ErrProxyUnavailable, Message: pr.Message}
	}
	if pr.Data == nil || pr.Data.Latitude == nil || pr.Data.Longitude == nil {
		return data.Fix{}, &data.Failure{Reason: data.ErrProxyUnavailable, Message: pr.Message, Cause: fmt.Errorf("proxy response has no coordinates")}
	}

	lat, lng := *pr.Data.Latitude, *pr.Data.Longitude
	if !geo.Validate(lat, lng) {
		return data.Fix{}, &data.Failure{Reason: data.ErrInvalidCoordinates, Message: pr.Message, Cause: fmt.Errorf("proxy reported %v,%v", lat, lng)}
	}

	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	return data.Fix{Latitude: lat, Longitude: lng, Source: data.SourceMobile, AcquiredAt: now()}, nil
}
