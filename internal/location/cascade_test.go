package location

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idanyas/geofix/internal/data"
	"github.com/idanyas/geofix/internal/sensor"
)

// step is one scripted sensor answer. A non-nil release channel blocks the
// read until it is closed.
type step struct {
	reading sensor.Reading
	err     error
	release chan struct{}
}

type scriptedSensor struct {
	mu       sync.Mutex
	steps    []step
	requests []sensor.Request
	insecure bool
}

func (s *scriptedSensor) Read(ctx context.Context, req sensor.Request) (sensor.Reading, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	if len(s.steps) == 0 {
		s.mu.Unlock()
		return sensor.Reading{}, errors.New("unexpected sensor read")
	}
	st := s.steps[0]
	s.steps = s.steps[1:]
	s.mu.Unlock()

	if st.release != nil {
		select {
		case <-st.release:
		case <-ctx.Done():
			return sensor.Reading{}, data.ErrSensorTimeout
		}
	}
	return st.reading, st.err
}

func (s *scriptedSensor) Secure() bool { return !s.insecure }

func (s *scriptedSensor) calls() []sensor.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sensor.Request(nil), s.requests...)
}

type countingLocator struct {
	mu  sync.Mutex
	n   int
	fix data.Fix
	err error
}

func (c *countingLocator) Locate(ctx context.Context) (data.Fix, error) {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
	return c.fix, c.err
}

func (c *countingLocator) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func reading(lat, lng, acc float64) sensor.Reading {
	return sensor.Reading{Latitude: lat, Longitude: lng, AccuracyMeters: acc, Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func recordStates(c *Cascade) *[]State {
	var states []State
	c.OnTransition = func(t Transition) { states = append(states, t.To) }
	return &states
}

func TestCascade_HighAccuracySuccess(t *testing.T) {
	s := &scriptedSensor{steps: []step{{reading: reading(41.39, 2.17, 12)}}}
	ip := &countingLocator{}
	c := &Cascade{Sensor: s, IP: ip}
	states := recordStates(c)

	fix, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, data.SourceGPS, fix.Source)
	assert.Equal(t, 41.39, fix.Latitude)
	acc, ok := fix.Accuracy()
	require.True(t, ok)
	assert.Equal(t, 12.0, acc)

	assert.Equal(t, []State{StateRequestingHighAccuracy, StateResolved}, *states)
	require.Len(t, s.calls(), 1)
	assert.Equal(t, DefaultHighAccuracy(), s.calls()[0])
	assert.Zero(t, ip.count())
}

func TestCascade_TimeoutFallsBackToLowAccuracy(t *testing.T) {
	s := &scriptedSensor{steps: []step{
		{err: data.ErrSensorTimeout},
		{reading: reading(41.39, 2.17, 800)},
	}}
	c := &Cascade{Sensor: s, IP: &countingLocator{}}
	states := recordStates(c)

	fix, err := c.Run(context.Background())
	require.NoError(t, err)
	acc, _ := fix.Accuracy()
	assert.Equal(t, 800.0, acc)
	assert.Equal(t, data.SourceGPS, fix.Source)

	assert.Equal(t, []State{StateRequestingHighAccuracy, StateRequestingLowAccuracy, StateResolved}, *states)
	calls := s.calls()
	require.Len(t, calls, 2)
	assert.False(t, calls[1].HighAccuracy)
	assert.Equal(t, 5*time.Minute, calls[1].MaximumAge)
}

func TestCascade_EscalatesToIP(t *testing.T) {
	s := &scriptedSensor{steps: []step{
		{err: data.ErrSensorUnavailable},
		{err: data.ErrSensorTimeout},
	}}
	ip := &countingLocator{fix: data.Fix{Latitude: 52.1, Longitude: 4.3, Source: data.SourceIP, AccuracyMeters: data.Meters(5000)}}
	c := &Cascade{Sensor: s, IP: ip}
	states := recordStates(c)

	fix, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, data.SourceIP, fix.Source)
	assert.Equal(t, 1, ip.count())
	assert.Len(t, s.calls(), 2)
	assert.Equal(t, []State{StateRequestingHighAccuracy, StateRequestingLowAccuracy, StateEscalatedIP, StateResolved}, *states)
}

func TestCascade_PermissionDeniedIsTerminal(t *testing.T) {
	s := &scriptedSensor{steps: []step{{err: data.ErrPermissionDenied}}}
	ip := &countingLocator{}
	c := &Cascade{Sensor: s, IP: ip}
	states := recordStates(c)

	_, err := c.Run(context.Background())
	require.Error(t, err)

	var f *data.Failure
	require.True(t, errors.As(err, &f))
	assert.Equal(t, "permission-denied", f.Code())
	assert.Len(t, s.calls(), 1)
	assert.Zero(t, ip.count())
	assert.Equal(t, []State{StateRequestingHighAccuracy, StateFailed}, *states)
}

func TestCascade_PermissionDeniedOnLowAccuracy(t *testing.T) {
	s := &scriptedSensor{steps: []step{
		{err: data.ErrSensorTimeout},
		{err: data.ErrPermissionDenied},
	}}
	ip := &countingLocator{}
	c := &Cascade{Sensor: s, IP: ip}

	_, err := c.Run(context.Background())
	assert.ErrorIs(t, err, data.ErrPermissionDenied)
	assert.Zero(t, ip.count())
}

func TestCascade_InsecureContext(t *testing.T) {
	s := &scriptedSensor{steps: []step{{err: data.ErrInsecureContext}}, insecure: true}
	ip := &countingLocator{}
	c := &Cascade{Sensor: s, IP: ip}

	_, err := c.Run(context.Background())
	var f *data.Failure
	require.True(t, errors.As(err, &f))
	assert.Equal(t, "insecure-context", f.Code())
	assert.True(t, f.Insecure)
	assert.Zero(t, ip.count())
	assert.Len(t, s.calls(), 1)
}

func TestCascade_InvalidCoordinatesAreUnavailable(t *testing.T) {
	s := &scriptedSensor{steps: []step{
		{reading: reading(0, 0, 5)},
		{reading: reading(120, 2, 5)},
	}}
	ip := &countingLocator{fix: data.Fix{Latitude: 1, Longitude: 1, Source: data.SourceIP}}
	var attempts []data.Attempt
	c := &Cascade{Sensor: s, IP: ip, OnTransition: func(t Transition) {
		if t.Attempt != nil {
			attempts = append(attempts, *t.Attempt)
		}
	}}

	fix, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, data.SourceIP, fix.Source)
	require.Len(t, attempts, 2)
	assert.Equal(t, data.OutcomePositionUnavailable, attempts[0].Outcome)
	assert.Equal(t, data.AccuracyHigh, attempts[0].Mode)
	assert.Equal(t, data.AccuracyLow, attempts[1].Mode)
}

func TestCascade_UnknownErrorMovesOn(t *testing.T) {
	s := &scriptedSensor{steps: []step{
		{err: errors.New("device on fire")},
		{reading: reading(10, 10, 30)},
	}}
	c := &Cascade{Sensor: s, IP: &countingLocator{}}

	fix, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10.0, fix.Latitude)
}

func TestCascade_AllPathsFail(t *testing.T) {
	s := &scriptedSensor{steps: []step{
		{err: data.ErrSensorTimeout},
		{err: data.ErrSensorTimeout},
	}}
	ip := &countingLocator{err: &data.Failure{Reason: data.ErrNoProviderSucceeded}}
	c := &Cascade{Sensor: s, IP: ip}
	states := recordStates(c)

	_, err := c.Run(context.Background())
	var f *data.Failure
	require.True(t, errors.As(err, &f))
	assert.Equal(t, "no-ip-location", f.Code())
	assert.ErrorIs(t, err, data.ErrSensorTimeout)
	assert.Contains(t, f.UserMessage(), "pick your position on the map")
	assert.Equal(t, []State{StateRequestingHighAccuracy, StateRequestingLowAccuracy, StateEscalatedIP, StateFailed}, *states)
}

func TestCascade_NoSensorGoesStraightToIP(t *testing.T) {
	ip := &countingLocator{fix: data.Fix{Latitude: 5, Longitude: 5, Source: data.SourceIP}}
	c := &Cascade{IP: ip}

	fix, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, data.SourceIP, fix.Source)
}

func TestCascade_NoIPLocator(t *testing.T) {
	c := &Cascade{}

	_, err := c.Run(context.Background())
	assert.ErrorIs(t, err, data.ErrNoProviderSucceeded)
}

func TestCascade_HardTimeoutOnStuckSensor(t *testing.T) {
	s := &scriptedSensor{steps: []step{
		{release: make(chan struct{})},
		{reading: reading(10, 10, 30)},
	}}
	c := &Cascade{
		Sensor: s,
		IP:     &countingLocator{},
		High:   sensor.Request{HighAccuracy: true, Timeout: 10 * time.Millisecond},
	}

	start := time.Now()
	fix, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10.0, fix.Latitude)
	assert.Less(t, time.Since(start), 3*time.Second)
}

// deafSensor never returns until released and ignores its context.
type deafSensor struct {
	block chan struct{}
	mu    sync.Mutex
	reads int
}

func (d *deafSensor) Read(ctx context.Context, req sensor.Request) (sensor.Reading, error) {
	d.mu.Lock()
	d.reads++
	d.mu.Unlock()
	<-d.block
	return sensor.Reading{}, data.ErrSensorUnavailable
}

func TestCascade_SensorIgnoringContextIsAbandoned(t *testing.T) {
	d := &deafSensor{block: make(chan struct{})}
	t.Cleanup(func() { close(d.block) })
	ip := &countingLocator{fix: data.Fix{Latitude: 1, Longitude: 2, Source: data.SourceIP}}
	c := &Cascade{
		Sensor: d,
		IP:     ip,
		High:   sensor.Request{HighAccuracy: true, Timeout: 50 * time.Millisecond},
		Low:    sensor.Request{Timeout: 50 * time.Millisecond},
	}

	var states []State
	c.OnTransition = func(tr Transition) { states = append(states, tr.To) }

	start := time.Now()
	fix, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, data.SourceIP, fix.Source)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, []State{StateRequestingHighAccuracy, StateRequestingLowAccuracy, StateEscalatedIP, StateResolved}, states)
	assert.Equal(t, 1, ip.count())

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Equal(t, 2, d.reads)
}

func TestCascade_Cancelled(t *testing.T) {
	release := make(chan struct{})
	s := &scriptedSensor{steps: []step{{release: release}}}
	c := &Cascade{Sensor: s, IP: &countingLocator{}}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := c.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "requesting-high-accuracy", StateRequestingHighAccuracy.String())
	assert.Equal(t, "escalated-ip", StateEscalatedIP.String())
	text, err := StateFailed.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "failed", string(text))
}
