package location

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idanyas/geofix/internal/data"
)

func proxyServer(t *testing.T, status int, body string) *MobileProxy {
	t.Helper()
	srv := providerServer(t, status, body, 0)
	return &MobileProxy{Client: srv.Client(), URL: srv.URL}
}

func TestMobileProxy_Success(t *testing.T) {
	p := proxyServer(t, http.StatusOK, `{"success":true,"data":{"latitude":40.4168,"longitude":-3.7038}}`)
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	p.Now = func() time.Time { return now }

	fix, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, data.SourceMobile, fix.Source)
	assert.Equal(t, 40.4168, fix.Latitude)
	assert.Equal(t, -3.7038, fix.Longitude)
	assert.Nil(t, fix.AccuracyMeters)
	assert.Equal(t, now, fix.AcquiredAt)
}

func TestMobileProxy_Failures(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		reason  error
		message string
	}{
		{"reported failure", http.StatusOK, `{"success":false,"message":"Device offline"}`, data.ErrProxyUnavailable, "Device offline"},
		{"missing coordinates", http.StatusOK, `{"success":true,"data":{"latitude":1}}`, data.ErrProxyUnavailable, ""},
		{"malformed", http.StatusOK, `{"success":`, data.ErrProxyUnavailable, ""},
		{"invalid coordinates", http.StatusOK, `{"success":true,"data":{"latitude":0,"longitude":0}}`, data.ErrInvalidCoordinates, ""},
		{"error status with message", http.StatusServiceUnavailable, `{"success":false,"message":"No fix yet"}`, data.ErrProxyUnavailable, "No fix yet"},
		{"error status with text", http.StatusBadGateway, "upstream down\n", data.ErrProxyUnavailable, "upstream down"},
		{"error status without body", http.StatusNotFound, "", data.ErrProxyUnavailable, "404 Not Found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := proxyServer(t, tc.status, tc.body)

			_, err := p.Acquire(context.Background())
			require.Error(t, err)
			var f *data.Failure
			require.True(t, errors.As(err, &f))
			assert.ErrorIs(t, err, tc.reason)
			assert.Equal(t, tc.message, f.Message)
		})
	}
}

func TestMobileProxy_Timeout(t *testing.T) {
	srv := providerServer(t, http.StatusOK, `{"success":true,"data":{"latitude":1,"longitude":1}}`, time.Second)
	p := &MobileProxy{Client: srv.Client(), URL: srv.URL, Timeout: 50 * time.Millisecond}

	_, err := p.Acquire(context.Background())
	assert.ErrorIs(t, err, data.ErrProxyUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMobileProxy_NotConfigured(t *testing.T) {
	var p *MobileProxy
	_, err := p.Acquire(context.Background())
	assert.ErrorIs(t, err, data.ErrProxyUnavailable)
}

func TestManual(t *testing.T) {
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	fix, err := Manual(48.8566, 2.3522, now)
	require.NoError(t, err)
	assert.Equal(t, data.SourceManual, fix.Source)
	assert.Nil(t, fix.AccuracyMeters)
	assert.Equal(t, now, fix.AcquiredAt)

	for _, c := range [][2]float64{{91, 0}, {0, 181}, {0, 0}, {-90.5, 10}} {
		_, err := Manual(c[0], c[1], now)
		assert.ErrorIs(t, err, data.ErrInvalidCoordinates, "%v", c)
	}
}
