package protocol

import (
	"errors"
	"fmt"
)

// ErrMessageTooLarge is returned when buffered frame data exceeds the
// configured maximum message size
var ErrMessageTooLarge = errors.New("message exceeds maximum size")

// DecodeError marks a frame that could not be decoded. On a compressed
// link the shared inflater is desynchronized afterwards, so the
// connection must be abandoned and the next attempt identifies fresh
// instead of resuming.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode failed: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// TransportError marks a socket-level failure. Session state is presumed
// intact, so the next attempt tries to resume first.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
