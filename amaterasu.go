// Package amaterasu is a sharding Discord gateway client. It keeps N
// long-lived websocket connections to the gateway, one per shard, and hides
// the connection lifecycle: hello, identify and resume handshakes,
// heartbeating with zombie detection, transport compression, identify rate
// limits and reconnection policy. Consumers hand it a bot token and read
// decoded events off a channel.
package amaterasu

import (
	"amaterasu/gateway"
)

// New builds a gateway manager for the given bot token.
func New(token string, opts gateway.Options) (*gateway.Manager, error) {
	return gateway.NewManager(token, opts)
}
