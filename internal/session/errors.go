package session

import (
	"errors"

	"github.com/gorilla/websocket"

	"github.com/skyhall/discord-gateway/internal/protocol"
)

var (
	// ErrBackpressure means the outbound command queue is full. The
	// command was not enqueued; the producer decides whether to retry.
	ErrBackpressure = errors.New("outbound command queue full")

	// ErrSessionInvalidated means the server declared the session
	// invalid but resumable (opcode 9 with d=true).
	ErrSessionInvalidated = errors.New("session invalidated by server")

	// ErrHeartbeatTimeout means two consecutive heartbeats went
	// unacknowledged and the connection was declared dead.
	ErrHeartbeatTimeout = errors.New("missed two heartbeat acks")

	// ErrReconnectRequested means the server asked for a reconnect
	// (opcode 7). The session is resumable.
	ErrReconnectRequested = errors.New("server requested reconnect")

	// ErrClosed means the session has stopped and accepts no commands.
	ErrClosed = errors.New("session closed")

	// errSequenceGap forces a resume when a dispatch sequence jumps,
	// instead of silently skipping the lost events.
	errSequenceGap = errors.New("dispatch sequence gap")
)

// Resumable reports whether a Run exit allows resuming with the same
// session id and sequence. Decode failures and invalidating close
// codes demand a fresh identify.
func Resumable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrHeartbeatTimeout) || errors.Is(err, ErrReconnectRequested) ||
		errors.Is(err, ErrSessionInvalidated) || errors.Is(err, errSequenceGap) {
		return true
	}

	var decodeErr *protocol.DecodeError
	if errors.As(err, &decodeErr) {
		return false
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return protocol.CanResume(closeErr.Code)
	}
	var transportErr *protocol.TransportError
	if errors.As(err, &transportErr) {
		return true
	}
	return false
}

// Fatal reports exits no reconnect can fix (bad token, bad shard
// settings, disallowed intents). The container stops retrying.
func Fatal(err error) bool {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return protocol.IsFatalClose(closeErr.Code)
	}
	return false
}
