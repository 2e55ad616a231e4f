// Package json provides the JSON wire format for Busflow, backed by sonic for
// performance parity with the rest of the module.
package json

import (
	"github.com/drblury/busflow/internal/engine/jsoncodec"
	"github.com/drblury/busflow/serialization"
)

// FormatName is the name used to register this codec.
const FormatName = "json"

func init() {
	serialization.Register(FormatName, Codec{})
}

// Codec implements serialization.Codec using JSON.
type Codec struct{}

func (Codec) Marshal(v any) ([]byte, error) {
	return jsoncodec.Marshal(v)
}

func (Codec) Unmarshal(data []byte, v any) error {
	return jsoncodec.Unmarshal(data, v)
}
