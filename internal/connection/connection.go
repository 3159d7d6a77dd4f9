package connection

import (
	"errors"

	"github.com/watchrelay/watchrelay/internal/protocol"
)

// ErrMalformed marks a single undecodable message. The transport is still
// usable; callers log and continue reading.
var ErrMalformed = errors.New("malformed message")

// EventReader reads hub envelopes from a transport.
type EventReader interface {
	// ReadEvent returns (nil, nil) on clean close.
	ReadEvent() (*protocol.Envelope, error)
	Close() error
}

// EventWriter writes hub envelopes to a transport.
type EventWriter interface {
	WriteEvent(env *protocol.Envelope) error
	Emit(event string, v any) error
	Close() error
}
