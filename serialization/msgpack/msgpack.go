// Package msgpack provides the MessagePack wire format for Busflow.
package msgpack

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/drblury/busflow/serialization"
)

// FormatName is the name used to register this codec.
const FormatName = "msgpack"

func init() {
	serialization.Register(FormatName, Codec{})
}

// Codec implements serialization.Codec using MessagePack.
type Codec struct{}

func (Codec) Marshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (Codec) Unmarshal(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}
