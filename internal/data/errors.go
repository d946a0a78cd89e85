package data

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrPermissionDenied    = errors.New("location permission denied")
	ErrSensorUnavailable   = errors.New("position unavailable")
	ErrSensorTimeout       = errors.New("location sensor timed out")
	ErrInsecureContext     = errors.New("location sensor requires a secure transport")
	ErrNoProviderSucceeded = errors.New("no-ip-location")
	ErrInvalidCoordinates  = errors.New("invalid coordinates")
	ErrProxyUnavailable    = errors.New("mobile location proxy unavailable")
)

// Failure is a resolution failure surfaced to the user. Reason is one of the
// sentinel errors above; Cause is the error that triggered it, if any.
type Failure struct {
	Reason   error
	Cause    error
	Insecure bool   // the sensor was reached over an insecure transport
	Message  string // upstream message, shown verbatim
}

func (f *Failure) Error() string {
	var b strings.Builder
	b.WriteString(f.reason().Error())
	if f.Message != "" {
		fmt.Fprintf(&b, ": %s", f.Message)
	} else if f.Cause != nil && f.Cause != f.Reason {
		fmt.Fprintf(&b, ": %v", f.Cause)
	}
	return b.String()
}

func (f *Failure) Unwrap() []error {
	if f.Cause == nil {
		return []error{f.reason()}
	}
	return []error{f.reason(), f.Cause}
}

// reason defaults an unset Reason to ErrSensorUnavailable.
func (f *Failure) reason() error {
	if f.Reason == nil {
		return ErrSensorUnavailable
	}
	return f.Reason
}

// Code is a stable identifier for API consumers.
func (f *Failure) Code() string {
	reason := f.reason()
	switch {
	case errors.Is(reason, ErrPermissionDenied):
		return "permission-denied"
	case errors.Is(reason, ErrSensorUnavailable):
		return "sensor-unavailable"
	case errors.Is(reason, ErrSensorTimeout):
		return "sensor-timeout"
	case errors.Is(reason, ErrInsecureContext):
		return "insecure-context"
	case errors.Is(reason, ErrNoProviderSucceeded):
		return "no-ip-location"
	case errors.Is(reason, ErrInvalidCoordinates):
		return "invalid-coordinates"
	case errors.Is(reason, ErrProxyUnavailable):
		return "proxy-unavailable"
	}
	return "unknown"
}

// UserMessage explains the failure in plain language and always points at
// the manual and mobile fallbacks.
func (f *Failure) UserMessage() string {
	var msg string
	switch f.Code() {
	case "permission-denied":
		msg = "Access to your location was denied."
	case "sensor-unavailable":
		msg = "Your device could not determine its position."
	case "sensor-timeout":
		msg = "Your device took too long to determine its position."
	case "insecure-context":
		msg = "Location access is blocked because the connection is not secure."
	case "no-ip-location":
		msg = "We could not estimate your location from your network."
	case "invalid-coordinates":
		msg = "The location we received is not a valid position."
	case "proxy-unavailable":
		msg = "The mobile location service did not return a position."
	default:
		msg = "We could not determine your location."
	}
	if f.Message != "" {
		msg += " (" + f.Message + ")"
	}
	if f.Insecure && f.Code() != "insecure-context" {
		msg += " The location sensor is reached over an insecure connection."
	}
	return msg + " You can pick your position on the map or use the mobile location service."
}

// AsFailure converts any error into a Failure, defaulting the reason.
func AsFailure(err error, reason error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return &Failure{Reason: reason, Cause: err}
}
