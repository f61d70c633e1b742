package gateway

import (
	"errors"
	"fmt"
)

// ErrManagerDestroyed is returned by operations on a manager after Destroy.
var ErrManagerDestroyed = errors.New("manager is destroyed")

// ErrTokenInvalid is surfaced when the bootstrap fetch is rejected with 401.
var ErrTokenInvalid = errors.New("token was rejected by the gateway")

// ConfigurationError reports a bad option combination or a configured
// capability the host cannot provide. It is surfaced at construction or
// connect time; nothing recovers from it automatically.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

// SerializationError reports a frame that could not be decoded. The frame is
// dropped and the connection continues.
type SerializationError struct {
	Encoding string
	Err      error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization (%s): %v", e.Encoding, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// DecompressionError reports a broken transport compression stream. Unlike a
// serialization error the inflater state is unusable afterwards, so the shard
// treats it as fatal and reconnects.
type DecompressionError struct {
	Err error
}

func (e *DecompressionError) Error() string {
	return fmt.Sprintf("decompression: %v", e.Err)
}

func (e *DecompressionError) Unwrap() error { return e.Err }
