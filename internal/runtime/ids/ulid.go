// Package ids generates the identifiers the bus hands out: connection ids
// and per-listener consumer tags.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// ConsumerTag returns a consumer tag for the given queue, unique per call.
func ConsumerTag(queue string) string {
	return queue + "." + CreateULID()
}
