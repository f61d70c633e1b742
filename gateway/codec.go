package gateway

import (
	"bytes"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"amaterasu/types"
)

// Codec encodes outbound payloads and decodes inbound frames for one wire
// encoding.
type Codec interface {
	// Encoding is the value of the ?encoding= query parameter.
	Encoding() string
	// MessageType is the websocket message type outbound frames are sent as.
	MessageType() int
	Encode(p *types.Payload) ([]byte, error)
	Decode(frame []byte) (*types.Payload, error)
}

func newCodec(useEtf bool) (Codec, error) {
	if useEtf {
		return newEtfCodec()
	}
	return jsonCodec{}, nil
}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type jsonCodec struct{}

func (jsonCodec) Encoding() string { return "json" }

func (jsonCodec) MessageType() int { return websocket.TextMessage }

func (jsonCodec) Encode(p *types.Payload) ([]byte, error) {
	return json.Marshal(p)
}

func (jsonCodec) Decode(frame []byte) (*types.Payload, error) {
	var p types.Payload
	if err := json.Unmarshal(frame, &p); err != nil {
		return nil, &SerializationError{Encoding: "json", Err: err}
	}
	return &p, nil
}

// DecodeFragments reassembles a frame that arrived in pieces and decodes it.
func DecodeFragments(c Codec, frags [][]byte) (*types.Payload, error) {
	switch len(frags) {
	case 0:
		return c.Decode(nil)
	case 1:
		return c.Decode(frags[0])
	}
	return c.Decode(bytes.Join(frags, nil))
}

// newEtfCodec would wrap an external term format pack/unpack primitive. None
// is linked into this build, so asking for ETF is a configuration error.
func newEtfCodec() (Codec, error) {
	return nil, &ConfigurationError{
		Field:  "useEtf",
		Reason: "ETF encoding requires an erlpack pack/unpack capability, which is not available",
	}
}
