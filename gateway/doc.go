// Package gateway implements the shard state machine and its sharding
// supervisor: per-connection hello/identify/resume handling, heartbeating
// with zombie detection, transport decompression, outbound rate limiting and
// close-code driven reconnection policy.
package gateway
