package gateway

import (
	"amaterasu/types"
)

// ShardEventKind tags a shard lifecycle signal.
type ShardEventKind int

const (
	ShardEventError ShardEventKind = iota
	ShardEventClose
	ShardEventReady
	ShardEventResumed
	ShardEventInvalidSession
	ShardEventDestroyed
	ShardEventFullReady
	ShardEventRaw
)

// ShardEvent is one lifecycle signal or raw dispatch from a shard. Which
// fields are set depends on Kind:
//
//	Error          Err
//	Close          Code, Err (close reason, may be nil)
//	FullReady      MissingGuilds (guild ids never seen before stabilization)
//	Raw            Payload
type ShardEvent struct {
	Kind          ShardEventKind
	Shard         int
	Code          types.CloseCode
	Err           error
	Payload       *types.Payload
	MissingGuilds map[string]struct{}
}

// EventKind tags a manager-level event.
type EventKind int

const (
	// EventReady fires once, when every configured shard has been fully
	// ready at least once.
	EventReady EventKind = iota
	EventShardReady
	EventShardError
	EventShardReconnecting
	EventShardDisconnected
	EventRaw
	// EventInvalidated means the token was rejected; the manager has
	// destroyed itself.
	EventInvalidated
)

// Event is what consumers receive from Manager.Events().
type Event struct {
	Kind    EventKind
	Shard   int
	Err     error
	Payload *types.Payload
	// Guilds is the still-missing guild id set on EventShardReady.
	Guilds map[string]struct{}
}

// EventPolicy decides what happens when the consumer falls behind the event
// channel. Delivery must never block the shard read loops.
type EventPolicy int

const (
	// EventPolicyDrop discards events when the channel is full.
	EventPolicyDrop EventPolicy = iota
	// EventPolicyBlock applies back-pressure to the emitting shard. Only
	// safe when the consumer always drains.
	EventPolicyBlock
)
