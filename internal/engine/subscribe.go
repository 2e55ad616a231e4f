package engine

import (
	"fmt"
	"reflect"
	"time"

	"github.com/drblury/busflow/internal/engine/errors"
	"github.com/drblury/busflow/internal/engine/logging"
	"github.com/drblury/busflow/transport"
)

// Subscribe delivers each inbound message of type T to callback and
// acknowledges it as accepted once the callback returns. A callback panic
// rejects the message for redelivery after the configured unack delay.
func Subscribe[T any](e *Engine, ep Endpoint, callback func(T)) (Teardown, error) {
	if callback == nil {
		return nil, errors.ErrCallbackRequired
	}
	return SubscribeWithAck(e, ep, func(msg T, ack AckFunc) {
		callback(msg)
		ack(0, true)
	})
}

// SubscribeWithAck delivers each inbound message of type T together with
// its acknowledgement delegate. The callback owns the ack: nothing is
// committed or rejected until it calls ack, except on panic. A payload that
// cannot be deserialized is rejected without reaching the callback.
func SubscribeWithAck[T any](e *Engine, ep Endpoint, callback func(T, AckFunc)) (Teardown, error) {
	if callback == nil {
		return nil, errors.ErrCallbackRequired
	}

	var filter string
	if ep.SharedDestination {
		filter = e.resolver.resolve(reflect.TypeOf((*T)(nil)).Elem())
	}

	deliver := func(msg transport.Message, ack AckFunc) {
		var value T
		if err := e.serializer.Deserialize(ep.Format, msg.Bytes, &value); err != nil {
			e.rejectDelivery(ep, ack, "deserialization failed", err)
			return
		}
		e.dispatchCallback(ep, ack, func() {
			callback(value, ack)
		})
	}
	return e.subscribeRaw(ep, filter, deliver)
}

// SubscribeMulti subscribes to a destination carrying several message
// schemas. Known types are matched by wire-type name and delivered to
// callback; messages of any other type go to unknownType, which then owns
// the acknowledgement.
func (e *Engine) SubscribeMulti(ep Endpoint, callback func(msg any, ack AckFunc), unknownType func(wireType string, ack AckFunc), knownTypes ...reflect.Type) (Teardown, error) {
	if callback == nil {
		return nil, errors.ErrCallbackRequired
	}

	byName := make(map[string]reflect.Type, len(knownTypes))
	for _, t := range knownTypes {
		byName[e.resolver.resolve(t)] = t
	}

	deliver := func(msg transport.Message, ack AckFunc) {
		target, ok := byName[msg.Type]
		if !ok {
			if unknownType != nil {
				e.swallowPanic(ep, "unknown-type callback", func() {
					unknownType(msg.Type, ack)
				})
			}
			return
		}

		value := reflect.New(target)
		if err := e.serializer.Deserialize(ep.Format, msg.Bytes, value.Interface()); err != nil {
			e.rejectDelivery(ep, ack, "deserialization failed", err)
			return
		}
		e.dispatchCallback(ep, ack, func() {
			callback(value.Elem().Interface(), ack)
		})
	}
	return e.subscribeRaw(ep, "", deliver)
}

// subscribeRaw installs deliver on the endpoint's processing group and
// registers the subscription with the handle registry so shutdown tears it
// down. Each delivery runs inside a tracked region; deliveries arriving
// after the drain has begun are left unacknowledged for redelivery.
func (e *Engine) subscribeRaw(ep Endpoint, typeFilter string, deliver func(transport.Message, AckFunc)) (Teardown, error) {
	if ep.Destination == "" {
		return nil, errors.ErrDestinationRequired
	}
	if err := e.guard(); err != nil {
		return nil, err
	}

	group, err := e.group(ep)
	if err != nil {
		return nil, e.transportError("subscribe", ep, err)
	}

	if caps := transport.CapabilitiesFor(ep.TransportID); caps.Name != "" && !caps.SupportsNack {
		e.logger.Debug("transport has no redelivery, rejected messages are dropped", logging.LogFields{
			"transport_id": ep.TransportID,
			"destination":  ep.Destination,
		})
	}

	sub, err := group.Subscribe(func(msg transport.Message, raw transport.RawAck) {
		release, ok := e.counter.Track()
		if !ok {
			return
		}
		defer release()

		e.metrics.received.WithLabelValues(ep.TransportID, ep.Destination).Inc()
		deliver(msg, e.buildAck(raw))
	}, typeFilter)
	if err != nil {
		return nil, e.transportError("subscribe", ep, err)
	}

	return e.handles.CreateHandle(sub.Close), nil
}

// buildAck translates the public (delay, accepted) delegate onto the raw
// transport acknowledgement. A zero delay acts immediately; a positive
// delay routes through the deferred-ack scheduler.
func (e *Engine) buildAck(raw transport.RawAck) AckFunc {
	return func(delay time.Duration, accepted bool) {
		if delay <= 0 {
			raw(accepted)
			return
		}
		e.acks.ScheduleAfter(delay, func() {
			raw(accepted)
		})
	}
}

// rejectDelivery logs an inbound failure and rejects the message for
// redelivery after the configured unack delay. Delivery errors never reach
// the subscriber.
func (e *Engine) rejectDelivery(ep Endpoint, ack AckFunc, msg string, err error) {
	e.logger.Error(msg, err, logging.LogFields{
		"transport_id": ep.TransportID,
		"destination":  ep.Destination,
	})
	e.metrics.deliveryFailures.WithLabelValues(ep.TransportID, ep.Destination).Inc()
	ack(e.cfg.UnackDelay, false)
}

// dispatchCallback invokes a subscriber callback, converting a panic into a
// logged rejection.
func (e *Engine) dispatchCallback(ep Endpoint, ack AckFunc, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.rejectDelivery(ep, ack, "subscriber callback panicked", fmt.Errorf("%v", r))
		}
	}()
	fn()
}

// swallowPanic runs fn and logs a panic without acknowledging anything.
func (e *Engine) swallowPanic(ep Endpoint, what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error(what+" panicked", fmt.Errorf("%v", r), logging.LogFields{
				"transport_id": ep.TransportID,
				"destination":  ep.Destination,
			})
		}
	}()
	fn()
}
