// Package expires implements the message expiration value type and its wire
// grammar. The textual form is either "at <ISO-8601 local datetime>" for an
// absolute instant (serialized in UTC at seconds precision) or
// "in <seconds>" for a relative period.
package expires

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const dateLayout = "2006-01-02T15:04:05"

var (
	// ErrArgument reports an expression that is not two tokens or whose
	// prefix is not a known variant.
	ErrArgument = errors.New("lanebus: malformed expires expression")

	// ErrFormat reports a value token that cannot be parsed for its variant.
	ErrFormat = errors.New("lanebus: invalid expires value")
)

// Expires bounds the useful lifetime of a message. Exactly one of Date and
// Period is set.
type Expires struct {
	Date   *time.Time
	Period *time.Duration
}

// At returns an absolute expiration. The instant is normalised to UTC and
// truncated to seconds precision.
func At(t time.Time) *Expires {
	d := t.UTC().Truncate(time.Second)
	return &Expires{Date: &d}
}

// In returns a relative expiration of the given number of seconds.
func In(seconds int64) *Expires {
	p := time.Duration(seconds) * time.Second
	return &Expires{Period: &p}
}

// Parse reads the textual form produced by String.
func Parse(s string) (*Expires, error) {
	tokens := strings.Fields(s)
	if len(tokens) != 2 {
		return nil, fmt.Errorf("%w: %q must be a prefix and a value", ErrArgument, s)
	}

	switch tokens[0] {
	case "at":
		t, err := time.Parse(dateLayout, tokens[1])
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a datetime: %v", ErrFormat, tokens[1], err)
		}
		return At(t), nil
	case "in":
		seconds, err := strconv.ParseInt(tokens[1], 10, 64)
		if err != nil || seconds < 0 {
			return nil, fmt.Errorf("%w: %q is not a non-negative number of seconds", ErrFormat, tokens[1])
		}
		return In(seconds), nil
	default:
		return nil, fmt.Errorf("%w: unknown prefix %q", ErrArgument, tokens[0])
	}
}

func (e *Expires) String() string {
	if e.Date != nil {
		return "at " + e.Date.UTC().Format(dateLayout)
	}
	return "in " + strconv.FormatInt(int64(*e.Period/time.Second), 10)
}
