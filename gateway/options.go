package gateway

import (
	"runtime"
	"time"

	"go.uber.org/zap"

	"amaterasu/types"
)

// DefaultVersion is the gateway protocol version dialed when the caller does
// not override it.
const DefaultVersion = 6

// MetricsSink receives operational measurements from the manager and its
// shards. A nil sink disables metrics entirely.
type MetricsSink interface {
	EventReceived(shard int, eventType string)
	HeartbeatLatency(shard int, latency time.Duration)
	ShardReconnect(shard int)
}

// Options configures a Manager.
type Options struct {
	// Shards pins explicit shard ids. When set, ShardCount is required.
	// When nil, ShardCount picks [0..ShardCount); when that is also zero
	// the gateway-recommended count is used.
	Shards []int
	// ShardCount is the total shard count the bot runs with.
	ShardCount int

	// Compression selects transport compression: CompressionZlib,
	// CompressionZlibSync, CompressionPako or CompressionNone.
	Compression CompressionMode
	// UseEtf switches the wire encoding from JSON to ETF. ETF needs a
	// pack/unpack capability this build does not carry, so enabling it
	// fails at connect time with a configuration error.
	UseEtf bool

	// Intents is the intents bitmask sent at identify. Zero selects the
	// library default set.
	Intents types.Intents

	// GatewayURL overrides the gateway host. Empty means use the URL from
	// the bootstrap fetch.
	GatewayURL string
	// Version is the gateway protocol version. Zero selects
	// DefaultVersion; a non-default version is added to the gateway URL.
	Version int

	// Properties is the connection properties object sent at identify.
	Properties types.IdentifyProperties

	// EventPolicy and EventBuffer shape consumer delivery. The shard read
	// loop is never blocked under EventPolicyDrop.
	EventPolicy EventPolicy
	EventBuffer int

	Logger  *zap.Logger
	Metrics MetricsSink
}

func (o *Options) applyDefaults() {
	if o.Version == 0 {
		o.Version = DefaultVersion
	}
	if o.Intents == 0 {
		o.Intents = types.IntentsDefault
	}
	if o.Properties == (types.IdentifyProperties{}) {
		o.Properties = types.IdentifyProperties{
			OS:      runtime.GOOS,
			Browser: "amaterasu",
			Device:  "amaterasu",
		}
	}
	if o.EventBuffer == 0 {
		o.EventBuffer = 256
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

func (o *Options) validate() error {
	if len(o.Shards) > 0 && o.ShardCount == 0 {
		return &ConfigurationError{
			Field:  "shardCount",
			Reason: "required when explicit shard ids are given",
		}
	}
	for _, id := range o.Shards {
		if id < 0 || (o.ShardCount > 0 && id >= o.ShardCount) {
			return &ConfigurationError{
				Field:  "shards",
				Reason: "shard ids must be 0-based and below shardCount",
			}
		}
	}
	switch o.Compression {
	case CompressionNone, CompressionZlib, CompressionZlibSync, CompressionPako:
	default:
		return &ConfigurationError{
			Field:  "compression",
			Reason: "unknown compression mode",
		}
	}
	return nil
}
