// Package labels defines the message label value type used to route
// messages through the bus.
package labels

import (
	"strings"
	"sync"
)

const anyName = "*"

// MessageLabel names a message kind. Labels are interned and compared with
// ==; the distinguished Any label matches every other label and backs
// dynamic outgoing routes.
type MessageLabel struct {
	name string
}

var (
	// Any matches all labels.
	Any = MessageLabel{name: anyName}

	// Empty is the zero label.
	Empty = MessageLabel{}
)

var (
	internMu sync.Mutex
	interned = map[string]string{}
)

// New returns the interned label for name. Names are case-insensitive and
// canonicalised to lower case; "*" yields Any and "" yields Empty.
func New(name string) MessageLabel {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "":
		return Empty
	case anyName:
		return Any
	}

	internMu.Lock()
	defer internMu.Unlock()

	canonical, ok := interned[name]
	if !ok {
		canonical = name
		interned[name] = canonical
	}
	return MessageLabel{name: canonical}
}

func (l MessageLabel) String() string { return l.name }

// IsAny reports whether the label is the catch-all label.
func (l MessageLabel) IsAny() bool { return l.name == anyName }

// IsEmpty reports whether the label is the zero label.
func (l MessageLabel) IsEmpty() bool { return l.name == "" }

// Matches reports whether a message carrying other is routed to l. Any
// matches everything except the empty label.
func (l MessageLabel) Matches(other MessageLabel) bool {
	if l.IsAny() {
		return !other.IsEmpty()
	}
	return l == other
}
