package types

import (
	"encoding/json"
)

// Opcode is the gateway operation value carried in the "op" field.
type Opcode int

// Sent and received.
const (
	OpHeartbeat Opcode = 1
)

// Sent only.
const (
	OpIdentify            Opcode = 2
	OpPresenceUpdate      Opcode = 3
	OpVoiceStateUpdate    Opcode = 4
	OpResume              Opcode = 6
	OpRequestGuildMembers Opcode = 8
)

// Received only.
const (
	OpDispatch       Opcode = 0
	OpReconnect      Opcode = 7
	OpInvalidSession Opcode = 9
	OpHello          Opcode = 10
	OpHeartbeatAck   Opcode = 11
)

// Dispatch event names the transport layer itself reacts to. Every other
// event name is forwarded to the consumer untouched.
const (
	EventReady       = "READY"
	EventResumed     = "RESUMED"
	EventGuildCreate = "GUILD_CREATE"
)

// Payload is one gateway frame after decoding. Data stays raw; only the
// transport cares about op/t/s, consumers unmarshal d themselves.
type Payload struct {
	Op       Opcode          `json:"op"`
	Type     string          `json:"t,omitempty"`
	Sequence *int64          `json:"s,omitempty"`
	Data     json.RawMessage `json:"d,omitempty"`
}

// Hello is the d body of op 10.
type Hello struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

// IdentifyProperties is the connection properties object sent at identify.
type IdentifyProperties struct {
	OS      string `json:"$os"`
	Browser string `json:"$browser"`
	Device  string `json:"$device"`
}

// Identify is the d body of op 2.
type Identify struct {
	Token      string             `json:"token"`
	Properties IdentifyProperties `json:"properties"`
	Shard      [2]int             `json:"shard"`
	Intents    Intents            `json:"intents"`
	Compress   bool               `json:"compress,omitempty"`
}

// Resume is the d body of op 6.
type Resume struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Sequence  int64  `json:"seq"`
}

// Ready is the d body of the READY dispatch. Guilds arrive unavailable; a
// GUILD_CREATE per entry follows.
type Ready struct {
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url,omitempty"`
	Guilds           []struct {
		ID string `json:"id"`
	} `json:"guilds"`
}

// GuildCreate is the slice of the GUILD_CREATE dispatch body the shard needs
// while it waits for its guild set to stream in.
type GuildCreate struct {
	ID string `json:"id"`
}

// RequestGuildMembers is the d body of op 8, forwarded verbatim.
type RequestGuildMembers struct {
	GuildID   string   `json:"guild_id"`
	Query     *string  `json:"query,omitempty"`
	Limit     int      `json:"limit"`
	Presences bool     `json:"presences,omitempty"`
	UserIDs   []string `json:"user_ids,omitempty"`
	Nonce     string   `json:"nonce,omitempty"`
}

// UpdateVoiceState is the d body of op 4.
type UpdateVoiceState struct {
	GuildID   string  `json:"guild_id"`
	ChannelID *string `json:"channel_id"`
	SelfMute  bool    `json:"self_mute"`
	SelfDeaf  bool    `json:"self_deaf"`
}

// UpdatePresence is the d body of op 3.
type UpdatePresence struct {
	Since      *int64        `json:"since"`
	Activities []interface{} `json:"activities"`
	Status     string        `json:"status"`
	AFK        bool          `json:"afk"`
}

// SessionStartLimit is the identify quota descriptor from /gateway/bot.
type SessionStartLimit struct {
	Total      int   `json:"total"`
	Remaining  int   `json:"remaining"`
	ResetAfter int64 `json:"reset_after"`
}

// GatewayBot is the bootstrap response of GET /gateway/bot.
type GatewayBot struct {
	URL               string            `json:"url"`
	Shards            int               `json:"shards"`
	SessionStartLimit SessionStartLimit `json:"session_start_limit"`
}
