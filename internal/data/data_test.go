package data

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccuracyLabel(t *testing.T) {
	tests := []struct {
		fix  Fix
		want string
	}{
		{Fix{}, ""},
		{Fix{AccuracyMeters: Meters(12.4)}, "±12 m"},
		{Fix{AccuracyMeters: Meters(1000)}, "±1.0 km"},
		{Fix{AccuracyMeters: Meters(50000), Estimated: true}, "±50.0 km (estimated)"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.fix.AccuracyLabel())
	}
}

func TestFailure(t *testing.T) {
	cause := errors.New("read tcp: connection reset")
	f := &Failure{Reason: ErrSensorTimeout, Cause: cause}

	assert.Equal(t, "sensor-timeout", f.Code())
	assert.Equal(t, "location sensor timed out: read tcp: connection reset", f.Error())
	assert.ErrorIs(t, f, ErrSensorTimeout)
	assert.ErrorIs(t, f, cause)
	assert.Contains(t, f.UserMessage(), "took too long")
	assert.Contains(t, f.UserMessage(), "pick your position on the map")
}

func TestFailure_UpstreamMessage(t *testing.T) {
	f := &Failure{Reason: ErrProxyUnavailable, Message: "Device offline"}

	assert.Equal(t, "mobile location proxy unavailable: Device offline", f.Error())
	assert.Contains(t, f.UserMessage(), "(Device offline)")
}

func TestFailure_InsecureHint(t *testing.T) {
	f := &Failure{Reason: ErrSensorUnavailable, Insecure: true}
	assert.Contains(t, f.UserMessage(), "insecure connection")

	f = &Failure{Reason: ErrInsecureContext, Insecure: true}
	assert.Equal(t, "insecure-context", f.Code())
	assert.NotContains(t, f.UserMessage(), "insecure connection")
}

func TestFailure_ZeroValue(t *testing.T) {
	f := &Failure{}
	assert.NotPanics(t, func() { _ = f.Error() })
	assert.Equal(t, "position unavailable", f.Error())
	assert.Equal(t, "sensor-unavailable", f.Code())
	assert.ErrorIs(t, f, ErrSensorUnavailable)
}

func TestAsFailure(t *testing.T) {
	orig := &Failure{Reason: ErrPermissionDenied}
	assert.Same(t, orig, AsFailure(orig, ErrSensorUnavailable))

	f := AsFailure(errors.New("boom"), ErrInvalidCoordinates)
	require.NotNil(t, f)
	assert.Equal(t, "invalid-coordinates", f.Code())
	assert.Equal(t, "unknown", (&Failure{Reason: errors.New("other")}).Code())
}
