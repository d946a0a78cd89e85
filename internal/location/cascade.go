package location

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/idanyas/geofix/internal/data"
	"github.com/idanyas/geofix/internal/geo"
	"github.com/idanyas/geofix/internal/sensor"
	"github.com/idanyas/geofix/internal/telemetry"
)

// State of the automatic acquisition cascade.
type State int

const (
	StateIdle State = iota
	StateRequestingHighAccuracy
	StateRequestingLowAccuracy
	StateEscalatedIP
	StateResolved
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequestingHighAccuracy:
		return "requesting-high-accuracy"
	case StateRequestingLowAccuracy:
		return "requesting-low-accuracy"
	case StateEscalatedIP:
		return "escalated-ip"
	case StateResolved:
		return "resolved"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Transition is reported to observers each time the cascade changes state.
// Attempt is set when the state being left issued a sensor read.
type Transition struct {
	From    State
	To      State
	Attempt *data.Attempt
	Err     error
}

// Locator produces a fix from network information.
type Locator interface {
	Locate(ctx context.Context) (data.Fix, error)
}

// sensorGrace bounds a sensor read that ignores its own timeout.
const sensorGrace = time.Second

func DefaultHighAccuracy() sensor.Request {
	return sensor.Request{HighAccuracy: true, Timeout: 10 * time.Second}
}

func DefaultLowAccuracy() sensor.Request {
	return sensor.Request{HighAccuracy: false, Timeout: 15 * time.Second, MaximumAge: 5 * time.Minute}
}

// Cascade drives the sensor through a high then a low accuracy read before
// escalating to IP geolocation. A run makes at most two sensor reads and one
// IP race. Permission denial and insecure transports end the run at once:
// repeating a request that was refused cannot succeed.
type Cascade struct {
	Sensor       sensor.Sensor // nil behaves as a sensor without a position
	IP           Locator
	High         sensor.Request
	Low          sensor.Request
	Now          func() time.Time
	OnTransition func(Transition)
}

// Run executes the cascade from Idle. A failed run returns a *data.Failure.
// Cancelling ctx abandons the run and returns ctx.Err().
func (c *Cascade) Run(ctx context.Context) (data.Fix, error) {
	return c.run(ctx, nil)
}

func (c *Cascade) run(ctx context.Context, observe func(Transition)) (data.Fix, error) {
	state := StateIdle
	move := func(to State, attempt *data.Attempt, err error) {
		t := Transition{From: state, To: to, Attempt: attempt, Err: err}
		slog.Debug("cascade transition", "from", t.From, "to", t.To, "error", err)
		if observe != nil {
			observe(t)
		}
		if c.OnTransition != nil {
			c.OnTransition(t)
		}
		state = to
	}

	var sensorErr error
	move(StateRequestingHighAccuracy, nil, nil)
	for {
		switch state {
		case StateRequestingHighAccuracy, StateRequestingLowAccuracy:
			mode, req, next := data.AccuracyHigh, c.high(), StateRequestingLowAccuracy
			if state == StateRequestingLowAccuracy {
				mode, req, next = data.AccuracyLow, c.low(), StateEscalatedIP
			}

			fix, attempt, err := c.read(ctx, mode, req)
			if ctx.Err() != nil {
				return data.Fix{}, ctx.Err()
			}
			switch attempt.Outcome {
			case data.OutcomeSuccess:
				move(StateResolved, &attempt, nil)
				return fix, nil
			case data.OutcomePermissionDenied:
				sensorErr = err
				move(StateFailed, &attempt, err)
			default:
				sensorErr = err
				move(next, &attempt, err)
			}

		case StateEscalatedIP:
			if c.IP == nil {
				move(StateFailed, nil, data.ErrNoProviderSucceeded)
				return data.Fix{}, c.failure(data.ErrNoProviderSucceeded, sensorErr, nil)
			}
			fix, err := c.IP.Locate(ctx)
			if ctx.Err() != nil {
				return data.Fix{}, ctx.Err()
			}
			if err != nil {
				move(StateFailed, nil, err)
				return data.Fix{}, c.failure(data.ErrNoProviderSucceeded, sensorErr, err)
			}
			move(StateResolved, nil, nil)
			return fix, nil

		case StateFailed:
			return data.Fix{}, c.failure(nil, sensorErr, nil)

		default:
			return data.Fix{}, fmt.Errorf("cascade reached unexpected state %s", state)
		}
	}
}

func (c *Cascade) read(ctx context.Context, mode data.AccuracyMode, req sensor.Request) (data.Fix, data.Attempt, error) {
	attempt := data.Attempt{Mode: mode, StartedAt: c.now()}
	defer func() { telemetry.SensorAttempts.WithLabelValues(string(mode), string(attempt.Outcome)).Inc() }()

	if c.Sensor == nil {
		attempt.Outcome = data.OutcomePositionUnavailable
		return data.Fix{}, attempt, fmt.Errorf("%w: no sensor configured", data.ErrSensorUnavailable)
	}

	rctx, cancel := context.WithTimeout(ctx, req.Timeout+sensorGrace)
	defer cancel()

	// The read runs aside so a sensor that ignores rctx is abandoned at the
	// deadline instead of stalling the run.
	type result struct {
		r   sensor.Reading
		err error
	}
	done := make(chan result, 1)
	go func() {
		r, err := c.Sensor.Read(rctx, req)
		done <- result{r, err}
	}()

	var r sensor.Reading
	var err error
	select {
	case res := <-done:
		r, err = res.r, res.err
	case <-rctx.Done():
		err = ctx.Err()
		if err == nil {
			err = data.ErrSensorTimeout
		}
	}
	if err == nil && !geo.Validate(r.Latitude, r.Longitude) {
		err = fmt.Errorf("%w: sensor reported %v,%v", data.ErrInvalidCoordinates, r.Latitude, r.Longitude)
	}
	attempt.Outcome = classify(err)
	if err != nil {
		return data.Fix{}, attempt, err
	}

	acquired := r.Timestamp
	if acquired.IsZero() {
		acquired = c.now()
	}
	return data.Fix{
		Latitude:       r.Latitude,
		Longitude:      r.Longitude,
		Source:         data.SourceGPS,
		AccuracyMeters: data.Meters(r.AccuracyMeters),
		AcquiredAt:     acquired,
	}, attempt, nil
}

func classify(err error) data.Outcome {
	switch {
	case err == nil:
		return data.OutcomeSuccess
	case errors.Is(err, data.ErrPermissionDenied), errors.Is(err, data.ErrInsecureContext):
		return data.OutcomePermissionDenied
	case errors.Is(err, data.ErrSensorTimeout), errors.Is(err, context.DeadlineExceeded):
		return data.OutcomeTimeout
	case errors.Is(err, data.ErrSensorUnavailable), errors.Is(err, data.ErrInvalidCoordinates):
		return data.OutcomePositionUnavailable
	}
	return data.OutcomeError
}

// failure builds the terminal failure. With a nil reason the reason is
// derived from the last sensor error.
func (c *Cascade) failure(reason, sensorErr, ipErr error) *data.Failure {
	f := &data.Failure{Reason: reason, Cause: sensorErr}
	if reason == nil {
		switch {
		case errors.Is(sensorErr, data.ErrInsecureContext):
			f.Reason = data.ErrInsecureContext
		case errors.Is(sensorErr, data.ErrPermissionDenied):
			f.Reason = data.ErrPermissionDenied
		case errors.Is(sensorErr, data.ErrSensorTimeout):
			f.Reason = data.ErrSensorTimeout
		default:
			f.Reason = data.ErrSensorUnavailable
		}
	}
	var ipFailure *data.Failure
	if errors.As(ipErr, &ipFailure) && ipFailure.Message != "" {
		f.Message = ipFailure.Message
	}
	f.Insecure = errors.Is(sensorErr, data.ErrInsecureContext)
	if s, ok := c.Sensor.(interface{ Secure() bool }); ok && !s.Secure() {
		f.Insecure = true
	}
	return f
}

func (c *Cascade) high() sensor.Request {
	return withDefaults(c.High, DefaultHighAccuracy())
}

func (c *Cascade) low() sensor.Request {
	return withDefaults(c.Low, DefaultLowAccuracy())
}

// withDefaults fills an unset request from def. A read is never issued
// without a timeout.
func withDefaults(req, def sensor.Request) sensor.Request {
	if req == (sensor.Request{}) {
		return def
	}
	if req.Timeout <= 0 {
		req.Timeout = def.Timeout
	}
	return req
}

func (c *Cascade) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}
