package session

import (
	"github.com/google/uuid"

	"github.com/skyhall/discord-gateway/internal/protocol"
)

// Command is one outbound gateway payload queued through Send. ID ties
// log lines back to the producer that issued it.
type Command struct {
	ID   string
	Op   protocol.Opcode
	Data any
}

// NewCommand wraps event data for an opcode.
func NewCommand(op protocol.Opcode, data any) Command {
	return Command{ID: uuid.NewString(), Op: op, Data: data}
}

// UpdatePresence builds an opcode 3 status update command.
func UpdatePresence(p protocol.PresenceUpdate) Command {
	return NewCommand(protocol.OpcodePresenceUpdate, p)
}

// UpdateVoiceState builds an opcode 4 voice state command.
func UpdateVoiceState(v protocol.VoiceStateUpdate) Command {
	return NewCommand(protocol.OpcodeVoiceStateUpdate, v)
}

// RequestGuildMembers builds an opcode 8 member chunk request.
func RequestGuildMembers(r protocol.RequestGuildMembers) Command {
	return NewCommand(protocol.OpcodeRequestGuildMembers, r)
}
