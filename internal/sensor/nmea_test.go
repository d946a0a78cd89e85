package sensor

import (
	"context"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idanyas/geofix/internal/data"
)

// sentence adds the leading '$' and checksum to an NMEA body.
func sentence(body string) string {
	var cs byte
	for i := 0; i < len(body); i++ {
		cs ^= body[i]
	}
	return fmt.Sprintf("$%s*%02X\r\n", body, cs)
}

const (
	ggaBody        = "GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,"
	ggaInvalidBody = "GPGGA,123519,,,,,0,00,,,M,,M,,"
	rmcBody        = "GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W"
)

func pipeSensor(t *testing.T) (*NMEA, *io.PipeWriter) {
	t.Helper()
	n, err := NewNMEA("tcp://127.0.0.1:10110")
	require.NoError(t, err)

	pr, pw := io.Pipe()
	n.open = func(context.Context) (io.ReadCloser, error) { return pr, nil }
	t.Cleanup(func() {
		pw.Close()
		n.Close()
	})
	return n, pw
}

func TestNewNMEA_Sources(t *testing.T) {
	n, err := NewNMEA("/dev/ttyUSB0")
	require.NoError(t, err)
	assert.True(t, n.Secure())

	n, err = NewNMEA("serial:///dev/ttyAMA0?baud=4800")
	require.NoError(t, err)
	assert.True(t, n.Secure())

	n, err = NewNMEA("tcp://localhost:10110")
	require.NoError(t, err)
	assert.True(t, n.Secure())

	n, err = NewNMEA("tcp://192.168.1.20:10110")
	require.NoError(t, err)
	assert.False(t, n.Secure())

	n, err = NewNMEA("tls://gps.example.org:10110")
	require.NoError(t, err)
	assert.True(t, n.Secure())

	_, err = NewNMEA("serial:///dev/ttyAMA0?baud=fast")
	assert.Error(t, err)
	_, err = NewNMEA("udp://127.0.0.1:10110")
	assert.Error(t, err)
	_, err = NewNMEA("tcp://127.0.0.1")
	assert.Error(t, err)
}

func TestNMEA_InsecureContext(t *testing.T) {
	n, err := NewNMEA("tcp://203.0.113.7:10110")
	require.NoError(t, err)

	_, err = n.Read(context.Background(), Request{HighAccuracy: true, Timeout: time.Second})
	assert.ErrorIs(t, err, data.ErrInsecureContext)
}

func TestNMEA_PermissionDenied(t *testing.T) {
	n, err := NewNMEA("/dev/ttyS9")
	require.NoError(t, err)
	n.open = func(context.Context) (io.ReadCloser, error) {
		return nil, &os.PathError{Op: "open", Path: "/dev/ttyS9", Err: os.ErrPermission}
	}

	_, err = n.Read(context.Background(), Request{Timeout: time.Second})
	assert.ErrorIs(t, err, data.ErrPermissionDenied)
}

func TestNMEA_OpenFailureIsUnavailable(t *testing.T) {
	n, err := NewNMEA("/dev/ttyS9")
	require.NoError(t, err)
	n.open = func(context.Context) (io.ReadCloser, error) {
		return nil, &os.PathError{Op: "open", Path: "/dev/ttyS9", Err: os.ErrNotExist}
	}

	_, err = n.Read(context.Background(), Request{Timeout: time.Second})
	assert.ErrorIs(t, err, data.ErrSensorUnavailable)
}

func TestNMEA_HangingOpenTimesOut(t *testing.T) {
	n, err := NewNMEA("/dev/ttyS9")
	require.NoError(t, err)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	n.open = func(context.Context) (io.ReadCloser, error) {
		<-release
		return nil, os.ErrDeadlineExceeded
	}

	start := time.Now()
	_, err = n.Read(context.Background(), Request{Timeout: 50 * time.Millisecond})
	assert.ErrorIs(t, err, data.ErrSensorTimeout)
	assert.Less(t, time.Since(start), time.Second)

	// A second reader joins the pending attempt instead of blocking on the lock.
	_, err = n.Read(context.Background(), Request{Timeout: 50 * time.Millisecond})
	assert.ErrorIs(t, err, data.ErrSensorTimeout)
}

func TestNMEA_HighAccuracyWaitsForGGA(t *testing.T) {
	n, pw := pipeSensor(t)

	go func() {
		io.WriteString(pw, sentence(ggaInvalidBody))
		io.WriteString(pw, sentence(rmcBody))
		io.WriteString(pw, sentence(ggaBody))
	}()

	r, err := n.Read(context.Background(), Request{HighAccuracy: true, Timeout: 2 * time.Second})
	require.NoError(t, err)
	assert.InDelta(t, 48.1173, r.Latitude, 1e-4)
	assert.InDelta(t, 11.5166, r.Longitude, 1e-3)
	assert.InDelta(t, 0.9*defaultUERE, r.AccuracyMeters, 1e-9)
}

func TestNMEA_LowAccuracyAcceptsRMC(t *testing.T) {
	n, pw := pipeSensor(t)

	go io.WriteString(pw, sentence(rmcBody))

	r, err := n.Read(context.Background(), Request{Timeout: 2 * time.Second})
	require.NoError(t, err)
	assert.InDelta(t, 48.1173, r.Latitude, 1e-4)
	assert.InDelta(t, rmcFallbackHDOP*defaultUERE, r.AccuracyMeters, 1e-9)
}

func TestNMEA_Timeout(t *testing.T) {
	n, _ := pipeSensor(t)

	_, err := n.Read(context.Background(), Request{HighAccuracy: true, Timeout: 50 * time.Millisecond})
	assert.ErrorIs(t, err, data.ErrSensorTimeout)
}

func TestNMEA_MaximumAgeServesCachedFix(t *testing.T) {
	n, pw := pipeSensor(t)

	go io.WriteString(pw, sentence(ggaBody))
	first, err := n.Read(context.Background(), Request{HighAccuracy: true, Timeout: 2 * time.Second})
	require.NoError(t, err)

	// Nothing new arrives: a fresh-only request times out, a cached one is served.
	_, err = n.Read(context.Background(), Request{HighAccuracy: true, Timeout: 50 * time.Millisecond})
	assert.ErrorIs(t, err, data.ErrSensorTimeout)

	cached, err := n.Read(context.Background(), Request{Timeout: 50 * time.Millisecond, MaximumAge: 5 * time.Minute})
	require.NoError(t, err)
	assert.Equal(t, first, cached)
}

func TestNMEA_StreamClosedIsUnavailable(t *testing.T) {
	n, pw := pipeSensor(t)

	go pw.Close()

	_, err := n.Read(context.Background(), Request{Timeout: 2 * time.Second})
	assert.ErrorIs(t, err, data.ErrSensorUnavailable)
}
