package runtime

import (
	"fmt"
	"strings"
	"sync"

	errs "github.com/lanebus/lanebus/internal/runtime/errors"
	"github.com/lanebus/lanebus/internal/runtime/jsoncodec"
)

// Payload is the decoded body of a delivery: either typed against a
// registered schema or an untyped field map.
type Payload interface {
	isPayload()
}

// TypedPayload carries the raw body of a message whose schema is known.
type TypedPayload struct {
	Schema string
	Body   []byte
}

func (TypedPayload) isPayload() {}

// Decode unmarshals the body into v.
func (p TypedPayload) Decode(v any) error {
	return jsoncodec.Unmarshal(p.Body, v)
}

// UntypedPayload carries a dynamic message as a generic field map.
type UntypedPayload struct {
	Fields map[string]any
}

func (UntypedPayload) isPayload() {}

// PayloadType describes a registered payload schema. ID is the fully
// qualified schema id, e.g. "orders.OrderPlaced"; New returns a pointer to a
// zero value of the schema.
type PayloadType struct {
	ID  string
	New func() any
}

func (t PayloadType) simpleName() string {
	if i := strings.LastIndexByte(t.ID, '.'); i >= 0 {
		return t.ID[i+1:]
	}
	return t.ID
}

// PayloadTypeRegistry resolves declared type names against the registered
// schemas: by fully qualified id first, then by a unique simple-name match.
type PayloadTypeRegistry struct {
	mu    sync.RWMutex
	types map[string]PayloadType
}

// NewPayloadTypeRegistry creates an empty type registry.
func NewPayloadTypeRegistry() *PayloadTypeRegistry {
	return &PayloadTypeRegistry{types: make(map[string]PayloadType)}
}

// Register adds a payload type, replacing any previous registration of the
// same id.
func (r *PayloadTypeRegistry) Register(t PayloadType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[t.ID] = t
}

// Resolve finds the payload type declared as name.
func (r *PayloadTypeRegistry) Resolve(name string) (PayloadType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if t, ok := r.types[name]; ok {
		return t, nil
	}

	var matches []PayloadType
	for _, t := range r.types {
		if t.simpleName() == name {
			matches = append(matches, t)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return PayloadType{}, fmt.Errorf("payload type %q: %w", name, errs.ErrUnknownName)
	default:
		return PayloadType{}, fmt.Errorf("payload type %q matches %d registered schemas", name, len(matches))
	}
}
