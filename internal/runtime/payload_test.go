package runtime

import (
	"errors"
	"testing"

	errspkg "github.com/lanebus/lanebus/internal/runtime/errors"
)

type orderPlaced struct {
	ID string `json:"id"`
}

func TestPayloadTypeRegistryResolvesFullyQualified(t *testing.T) {
	reg := NewPayloadTypeRegistry()
	reg.Register(PayloadType{ID: "orders.OrderPlaced", New: func() any { return &orderPlaced{} }})

	resolved, err := reg.Resolve("orders.OrderPlaced")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if resolved.ID != "orders.OrderPlaced" {
		t.Fatalf("unexpected id %q", resolved.ID)
	}
}

func TestPayloadTypeRegistryResolvesSimpleName(t *testing.T) {
	reg := NewPayloadTypeRegistry()
	reg.Register(PayloadType{ID: "orders.OrderPlaced", New: func() any { return &orderPlaced{} }})

	resolved, err := reg.Resolve("OrderPlaced")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if resolved.ID != "orders.OrderPlaced" {
		t.Fatalf("unexpected id %q", resolved.ID)
	}
}

func TestPayloadTypeRegistryRejectsUnknownAndAmbiguous(t *testing.T) {
	reg := NewPayloadTypeRegistry()
	reg.Register(PayloadType{ID: "orders.OrderPlaced", New: func() any { return &orderPlaced{} }})
	reg.Register(PayloadType{ID: "billing.OrderPlaced", New: func() any { return &orderPlaced{} }})

	if _, err := reg.Resolve("shipping.Missing"); !errors.Is(err, errspkg.ErrUnknownName) {
		t.Fatalf("expected unknown name, got %v", err)
	}
	if _, err := reg.Resolve("OrderPlaced"); err == nil {
		t.Fatal("expected ambiguous simple name to fail")
	}
}

func TestTypedPayloadDecode(t *testing.T) {
	payload := TypedPayload{Schema: "orders.OrderPlaced", Body: []byte(`{"id":"o-42"}`)}

	var order orderPlaced
	if err := payload.Decode(&order); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if order.ID != "o-42" {
		t.Fatalf("unexpected order id %q", order.ID)
	}
}
