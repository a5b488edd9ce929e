package errors

import (
	"errors"
	"strings"
	"testing"
)

func TestConfigurationErrorMessagePinpointsRoute(t *testing.T) {
	err := &ConfigurationError{Endpoint: "orders", Route: "placed", Reason: "unknown consumer"}

	msg := err.Error()
	for _, want := range []string{`"orders"`, `"placed"`, "unknown consumer"} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected %q in %q", want, msg)
		}
	}
}

func TestConfigurationErrorUnwraps(t *testing.T) {
	err := &ConfigurationError{Endpoint: "orders", Err: ErrUnknownName}

	if !errors.Is(err, ErrUnknownName) {
		t.Fatal("expected wrapped sentinel to surface")
	}
}

func TestResolutionErrorUnwraps(t *testing.T) {
	err := &ResolutionError{Name: "audit", Capability: "validator", Err: ErrCapabilityMismatch}

	if !errors.Is(err, ErrCapabilityMismatch) {
		t.Fatal("expected wrapped sentinel to surface")
	}
	if !strings.Contains(err.Error(), `"audit"`) {
		t.Fatalf("expected component name in %q", err.Error())
	}
}

func TestNotFoundErrorIsNotFound(t *testing.T) {
	withKey := &NotFoundError{Endpoint: "orders", Key: "missing"}
	withoutKey := &NotFoundError{Endpoint: "orders"}

	if !errors.Is(withKey, ErrNotFound) || !errors.Is(withoutKey, ErrNotFound) {
		t.Fatal("NotFoundError must match ErrNotFound")
	}
	if withKey.Error() == withoutKey.Error() {
		t.Fatal("messages must distinguish missing endpoint from missing key")
	}
}

func TestTransportErrorMessage(t *testing.T) {
	cause := errors.New("connection refused")
	err := &TransportError{Op: "dial", URL: "amqp://h1", Err: cause}

	if !errors.Is(err, cause) {
		t.Fatal("expected cause to surface")
	}
	if !strings.Contains(err.Error(), "amqp://h1") {
		t.Fatalf("expected URL in %q", err.Error())
	}
}
