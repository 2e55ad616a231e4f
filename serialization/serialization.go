// Package serialization defines the format-keyed serializer used by the
// Busflow engine. Each wire format (JSON, Protobuf, MessagePack) lives in its
// own sub-package and registers itself with the default registry, mirroring
// how transports register with the transport registry.
package serialization

import (
	"fmt"
	"sync"
)

// Codec marshals and unmarshals payloads for a single wire format.
type Codec interface {
	// Marshal serializes v into bytes.
	Marshal(v any) ([]byte, error)

	// Unmarshal deserializes data into v, which must be a pointer.
	Unmarshal(data []byte, v any) error
}

// Serializer resolves a wire format by name and applies its codec. The engine
// depends on this interface only; applications can supply their own.
type Serializer interface {
	// Serialize serializes v using the named format.
	Serialize(format string, v any) ([]byte, error)

	// Deserialize deserializes data into v using the named format.
	Deserialize(format string, data []byte, v any) error
}

// Registry maps format names to codecs. It implements Serializer.
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
}

// DefaultRegistry is the global format registry. Format sub-packages register
// themselves here from init.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty format registry.
func NewRegistry() *Registry {
	return &Registry{codecs: make(map[string]Codec)}
}

// Register adds a codec under the given format name, replacing any previous
// registration.
func (r *Registry) Register(format string, codec Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[format] = codec
}

// Codec returns the codec registered under format, or an error naming the
// known formats.
func (r *Registry) Codec(format string) (Codec, error) {
	r.mu.RLock()
	codec, ok := r.codecs[format]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown serialization format: %q (registered: %v)", format, r.Names())
	}
	return codec, nil
}

// Names returns the list of registered format names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.codecs))
	for name := range r.codecs {
		names = append(names, name)
	}
	return names
}

// Serialize implements Serializer.
func (r *Registry) Serialize(format string, v any) ([]byte, error) {
	codec, err := r.Codec(format)
	if err != nil {
		return nil, err
	}
	return codec.Marshal(v)
}

// Deserialize implements Serializer.
func (r *Registry) Deserialize(format string, data []byte, v any) error {
	codec, err := r.Codec(format)
	if err != nil {
		return err
	}
	return codec.Unmarshal(data, v)
}

// Register adds a codec to the default registry.
func Register(format string, codec Codec) {
	DefaultRegistry.Register(format, codec)
}
