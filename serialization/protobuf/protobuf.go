// Package protobuf provides the Protocol Buffers wire format for Busflow.
// Payloads must implement proto.Message.
package protobuf

import (
	"fmt"

	"google.golang.org/protobuf/proto"

	"github.com/drblury/busflow/serialization"
)

// FormatName is the name used to register this codec.
const FormatName = "protobuf"

func init() {
	serialization.Register(FormatName, Codec{})
}

// Codec implements serialization.Codec using proto wire encoding.
type Codec struct{}

func (Codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("protobuf: %T does not implement proto.Message", v)
	}
	return proto.Marshal(m)
}

func (Codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("protobuf: %T does not implement proto.Message", v)
	}
	return proto.Unmarshal(data, m)
}
