// Package errors carries the shared error vocabulary of the bus: sentinel
// errors for the common failure classes plus the structured error types the
// configurator and transport layers return.
package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrBrokerUnreachable  = sterrors.New("lanebus: broker unreachable")
	ErrCanceled           = sterrors.New("lanebus: operation canceled")
	ErrNotFound           = sterrors.New("lanebus: not found")
	ErrUnknownName        = sterrors.New("lanebus: unknown component name")
	ErrCapabilityMismatch = sterrors.New("lanebus: component registered with a different capability")
	ErrListenerStopped    = sterrors.New("lanebus: listener is stopped")
	ErrPoolClosed         = sterrors.New("lanebus: connection pool is closed")
)

// ConfigurationError reports an invalid or contradictory endpoint
// declaration. Endpoint is always set; Route pinpoints the offending route
// key when one is known.
type ConfigurationError struct {
	Endpoint string
	Route    string
	Reason   string
	Err      error
}

func (e *ConfigurationError) Error() string {
	msg := fmt.Sprintf("lanebus: endpoint %q", e.Endpoint)
	if e.Route != "" {
		msg += fmt.Sprintf(": route %q", e.Route)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ResolutionError reports a failed dependency-registry lookup.
type ResolutionError struct {
	Name       string
	Capability string
	Err        error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("lanebus: cannot resolve %q as %s: %v", e.Name, e.Capability, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// TransportError reports a broker-side failure: an unreachable broker, a
// channel closed underneath a listener, a failed publish.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("lanebus: %s %s: %v", e.Op, e.URL, e.Err)
	}
	return fmt.Sprintf("lanebus: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ValidationError reports a message rejected by a validator. The
// failed-delivery strategy decides what happens to the message.
type ValidationError struct {
	Label string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("lanebus: message %q rejected by validator: %v", e.Label, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NotFoundError reports a missing endpoint or route key in a facade lookup.
type NotFoundError struct {
	Endpoint string
	Key      string
}

func (e *NotFoundError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("lanebus: endpoint %q has no route with key %q", e.Endpoint, e.Key)
	}
	return fmt.Sprintf("lanebus: endpoint %q is not declared", e.Endpoint)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }
