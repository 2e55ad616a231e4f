package engine

import (
	"time"

	"github.com/drblury/busflow/internal/engine/errors"
	"github.com/drblury/busflow/transport"
)

// Send serializes msg and hands it to the endpoint's processing group with
// the configured default message lifespan.
func (e *Engine) Send(msg any, ep Endpoint) error {
	return e.SendWithTTL(msg, ep, e.cfg.MessageLifespan)
}

// SendWithTTL is Send with an explicit broker-side lifetime. A zero ttl
// means the message never expires.
func (e *Engine) SendWithTTL(msg any, ep Endpoint, ttl time.Duration) error {
	if ep.Destination == "" {
		return errors.ErrDestinationRequired
	}
	if err := e.guard(); err != nil {
		return err
	}

	release, ok := e.counter.Track()
	if !ok {
		return errors.ErrEngineDisposed
	}
	defer release()

	bin, err := e.encode(msg, ep)
	if err != nil {
		return err
	}

	group, err := e.group(ep)
	if err != nil {
		return e.transportError("send", ep, err)
	}
	if err := group.Send(bin, ttl); err != nil {
		return e.transportError("send", ep, err)
	}

	e.metrics.sent.WithLabelValues(ep.TransportID, ep.Destination).Inc()
	return nil
}

// encode resolves the wire-type name for msg and serializes it in the
// endpoint's format.
func (e *Engine) encode(msg any, ep Endpoint) (transport.Message, error) {
	wireType := e.resolver.resolveValue(msg)
	bytes, err := e.serializer.Serialize(ep.Format, msg)
	if err != nil {
		return transport.Message{}, err
	}
	return transport.Message{Bytes: bytes, Type: wireType}, nil
}
