package protocol

import (
	"encoding/json"
	"fmt"
)

// Opcode identifies a gateway payload type
type Opcode int

// Gateway opcodes. Direction is noted from the client's point of view.
const (
	OpcodeDispatch            Opcode = 0  // receive
	OpcodeHeartbeat           Opcode = 1  // send, receive
	OpcodeIdentify            Opcode = 2  // send
	OpcodePresenceUpdate      Opcode = 3  // send
	OpcodeVoiceStateUpdate    Opcode = 4  // send
	OpcodeResume              Opcode = 6  // send
	OpcodeReconnect           Opcode = 7  // receive
	OpcodeRequestGuildMembers Opcode = 8  // send
	OpcodeInvalidSession      Opcode = 9  // receive
	OpcodeHello               Opcode = 10 // receive
	OpcodeHeartbeatACK        Opcode = 11 // receive
)

// String returns the opcode name for logs and metrics labels
func (op Opcode) String() string {
	switch op {
	case OpcodeDispatch:
		return "dispatch"
	case OpcodeHeartbeat:
		return "heartbeat"
	case OpcodeIdentify:
		return "identify"
	case OpcodePresenceUpdate:
		return "presence_update"
	case OpcodeVoiceStateUpdate:
		return "voice_state_update"
	case OpcodeResume:
		return "resume"
	case OpcodeReconnect:
		return "reconnect"
	case OpcodeRequestGuildMembers:
		return "request_guild_members"
	case OpcodeInvalidSession:
		return "invalid_session"
	case OpcodeHello:
		return "hello"
	case OpcodeHeartbeatACK:
		return "heartbeat_ack"
	default:
		return fmt.Sprintf("opcode_%d", int(op))
	}
}

// Gateway payload structure (JSON, both transport modes):
//
//	Field  Type    Description
//	op     int     Opcode
//	d      any     Event data; shape depends on op (and t for op 0)
//	s      int     Sequence number, only set for op 0 (Dispatch)
//	t      string  Event type name, only set for op 0 (Dispatch)
//
// In zlib-stream mode the same JSON documents arrive as binary frames
// forming one continuous zlib stream for the connection's lifetime.

// Payload is one decoded gateway message. Sequence and Type are zero
// except on Dispatch payloads.
type Payload struct {
	Op       Opcode          `json:"op"`
	Data     json.RawMessage `json:"d,omitempty"`
	Sequence int64           `json:"s,omitempty"`
	Type     string          `json:"t,omitempty"`
}

// Dispatch event types the session itself reacts to. All dispatches,
// these included, flow to the sink in receipt order.
const (
	EventTypeReady   = "READY"
	EventTypeResumed = "RESUMED"
)

// Hello is the opcode 10 payload
type Hello struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"` // milliseconds
}

// Ready is the subset of the READY dispatch the session tracks
type Ready struct {
	Version          int    `json:"v"`
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
}

// Identify is the opcode 2 payload
type Identify struct {
	Token      string             `json:"token"`
	Properties IdentifyProperties `json:"properties"`
	Intents    uint64             `json:"intents"`
	Shard      *[2]int            `json:"shard,omitempty"`
	Presence   *PresenceUpdate    `json:"presence,omitempty"`
}

// IdentifyProperties describes the connecting client
type IdentifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

// Resume is the opcode 6 payload
type Resume struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Sequence  int64  `json:"seq"`
}

// PresenceUpdate is the opcode 3 payload
type PresenceUpdate struct {
	Since      *int64     `json:"since"`
	Activities []Activity `json:"activities"`
	Status     string     `json:"status"`
	AFK        bool       `json:"afk"`
}

// Activity is one presence activity entry
type Activity struct {
	Name string `json:"name"`
	Type int    `json:"type"`
	URL  string `json:"url,omitempty"`
}

// VoiceStateUpdate is the opcode 4 payload
type VoiceStateUpdate struct {
	GuildID   string  `json:"guild_id"`
	ChannelID *string `json:"channel_id"`
	SelfMute  bool    `json:"self_mute"`
	SelfDeaf  bool    `json:"self_deaf"`
}

// RequestGuildMembers is the opcode 8 payload
type RequestGuildMembers struct {
	GuildID   string   `json:"guild_id"`
	Query     string   `json:"query"`
	Limit     int      `json:"limit"`
	Presences bool     `json:"presences,omitempty"`
	UserIDs   []string `json:"user_ids,omitempty"`
	Nonce     string   `json:"nonce,omitempty"`
}

// Marshal wraps event data into a payload for the given opcode
func Marshal(op Opcode, d any) (*Payload, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal op %v data: %w", op, err)
	}
	return &Payload{Op: op, Data: raw}, nil
}

// Gateway close codes
const (
	CloseUnknownError         = 4000
	CloseUnknownOpcode        = 4001
	CloseDecodeErrorCode      = 4002
	CloseNotAuthenticated     = 4003
	CloseAuthenticationFailed = 4004
	CloseAlreadyAuthenticated = 4005
	CloseInvalidSeq           = 4007
	CloseRateLimited          = 4008
	CloseSessionTimedOut      = 4009
	CloseInvalidShard         = 4010
	CloseShardingRequired     = 4011
	CloseInvalidAPIVersion    = 4012
	CloseInvalidIntents       = 4013
	CloseDisallowedIntents    = 4014
)

// IsFatalClose reports whether a close code means reconnecting cannot
// help (bad token, bad intents, bad shard settings)
func IsFatalClose(code int) bool {
	switch code {
	case CloseAuthenticationFailed, CloseInvalidShard, CloseShardingRequired,
		CloseInvalidAPIVersion, CloseInvalidIntents, CloseDisallowedIntents:
		return true
	}
	return false
}

// CanResume reports whether the session may be resumed after a close
// with the given code. Normal closure, sequence desync and session
// timeout all invalidate the session and require a fresh identify.
func CanResume(code int) bool {
	if IsFatalClose(code) {
		return false
	}
	switch code {
	case 1000, 1001, CloseInvalidSeq, CloseSessionTimedOut:
		return false
	}
	return true
}
