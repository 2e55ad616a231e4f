// Package busflow is a transport-agnostic broker-client façade: typed send,
// subscribe, request/reply, and server-side handler registration over
// pluggable transports. Clients address destinations through an Endpoint
// (transport id, destination name, serialization format) and exchange
// strongly-typed messages without touching wire encoding, connection
// pooling, or acknowledgement plumbing.
//
// The engine owns the machinery between the typed API and the broker:
// wire-type resolution, deferred acknowledgement scheduling, per-request
// timeout tracking, automatic handler re-registration after transport
// failures, and a graceful shutdown that drains in-flight work. A minimal
// setup fills Config, builds a broker manager, creates an Engine, and
// subscribes or sends.
//
// # Transports
//
// Busflow ships three transport drivers, each registered by importing its
// package for side effects:
//   - channel: in-memory loopback for testing and local development
//   - rabbitmq: AMQP durable queues with direct reply-to request/reply
//   - nats: NATS Core subjects with queue-group handlers
//
// Custom drivers implement transport.Driver and register through
// RegisterTransport.
//
// # Serialization
//
// Wire formats are resolved by name from a registry: "json" (sonic),
// "protobuf", and "msgpack" are bundled, and applications can register
// their own Codec. A message type controls its wire name by implementing
// WireNamer; otherwise its short type name is used.
//
// # Acknowledgements
//
// Subscribers receive an AckFunc taking a delay and an accepted flag.
// A zero delay acts immediately; a positive delay schedules the
// acknowledgement for later, which is how visibility-timeout style
// redelivery is expressed. Failed deliveries are rejected automatically
// after the configured unack delay.
package busflow
