// Package engine implements the busflow messaging engine: typed send,
// subscribe, request/reply, and handler registration over pluggable
// transports, together with the acknowledgement and lifecycle machinery
// that coordinates them.
package engine

import (
	"io"
	"time"
)

// Endpoint addresses a destination on a transport. It is a value; two
// endpoints are equal when all fields match.
type Endpoint struct {
	// TransportID names the transport driver registered with the manager.
	TransportID string
	// Destination is the queue or subject name. Must be non-empty.
	Destination string
	// Format selects the serialization format, e.g. "json".
	Format string
	// SharedDestination marks a destination multiplexed across several
	// message schemas. Subscriptions on shared destinations filter by
	// wire-type name.
	SharedDestination bool
}

// AckFunc acknowledges a received message. A zero delay acts immediately;
// a positive delay schedules the acknowledgement for later. accepted=true
// commits the message, accepted=false rejects it for redelivery.
type AckFunc func(delay time.Duration, accepted bool)

// Teardown releases a subscription, registration, or outstanding request.
// Closing is idempotent.
type Teardown = io.Closer

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// nopTeardown is returned where an operation has nothing to release.
type nopTeardown struct{}

func (nopTeardown) Close() error { return nil }
