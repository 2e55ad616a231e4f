// Package transport defines the core interfaces and types for busflow
// transports. Each transport implementation (rabbitmq, nats, channel) lives in
// its own sub-package and registers itself with the transport registry.
package transport

import (
	"context"
	"io"
	"time"

	"github.com/drblury/busflow/internal/engine/logging"
)

// Message is the wire-level frame exchanged with brokers: an opaque payload
// plus the wire-type name identifying its schema.
type Message struct {
	Bytes []byte
	Type  string
}

// RawAck commits or rejects a single delivery. accepted=true acknowledges the
// message; accepted=false asks the broker to redeliver it.
type RawAck func(accepted bool)

// HandlerFunc consumes a request frame and produces the reply frame.
type HandlerFunc func(Message) (Message, error)

// RequestHandle is the correlator token for an outstanding request/reply
// exchange. The engine owns exactly one handle per outstanding request.
// Closing a handle cancels the pending correlator entry on the transport side.
type RequestHandle interface {
	// Deadline returns the absolute time at which the request expires.
	Deadline() time.Time

	// SetDeadline stores the absolute expiry time for the request.
	SetDeadline(t time.Time)

	// Completed reports whether a response has been delivered.
	Completed() bool

	io.Closer
}

// ProcessingGroup is a per-(transport, destination) channel provided by the
// transport layer. It owns the underlying connection and channel resources
// for that destination.
type ProcessingGroup interface {
	// Send publishes msg to the group's destination. ttl of zero means the
	// message never expires at the broker.
	Send(msg Message, ttl time.Duration) error

	// Subscribe delivers inbound frames to fn together with their raw ack.
	// When typeFilter is non-empty only frames whose Type matches are
	// delivered; the transport decides what happens to the rest.
	Subscribe(fn func(Message, RawAck), typeFilter string) (io.Closer, error)

	// RegisterHandler installs a request handler: each inbound request frame
	// is passed to fn and the returned frame is sent back to the requester.
	RegisterHandler(fn HandlerFunc, typeFilter string) (io.Closer, error)

	// SendRequest publishes a request frame and arranges for onResponse to be
	// invoked with the correlated reply. The returned handle closes the
	// correlator when disposed.
	SendRequest(msg Message, onResponse func(Message)) (RequestHandle, error)
}

// EventKind classifies transport lifecycle events.
type EventKind int

const (
	// Failure signals that the transport lost its connection or channel.
	Failure EventKind = iota

	// Recovered signals that the transport re-established its connection.
	Recovered
)

func (k EventKind) String() string {
	switch k {
	case Failure:
		return "failure"
	case Recovered:
		return "recovered"
	default:
		return "unknown"
	}
}

// Event is emitted by drivers when their connection state changes.
type Event struct {
	TransportID string
	Kind        EventKind
}

// Manager hands out processing groups and fans out transport events. The
// engine depends on this interface only.
type Manager interface {
	// ProcessingGroup returns the group for the given transport id and
	// destination, creating it on first use.
	ProcessingGroup(transportID, destination string) (ProcessingGroup, error)

	// OnEvent registers fn to observe transport events. The returned closer
	// removes the registration.
	OnEvent(fn func(Event)) io.Closer

	io.Closer
}

// Driver is a single transport backend. It produces processing groups bound
// to destinations and closes its shared resources on Close.
type Driver interface {
	Open(destination string) (ProcessingGroup, error)
	io.Closer
}

// EmitFunc lets a driver publish connection-state events into the manager.
type EmitFunc func(Event)

// Builder is the function signature for creating a driver from config. Each
// transport package provides a Builder and registers it under its name.
type Builder func(ctx context.Context, cfg Config, logger logging.ServiceLogger, emit EmitFunc) (Driver, error)

// Config provides the configuration values needed by transports. The
// interface keeps transport packages decoupled from the full config package.
type Config interface {
	// GetTransport returns the transport type name.
	GetTransport() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string
}
