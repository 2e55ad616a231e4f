package engine

import (
	"reflect"
	"sync"

	"github.com/drblury/busflow/internal/engine/errors"
	"github.com/drblury/busflow/internal/engine/logging"
	"github.com/drblury/busflow/transport"
)

// RegisterHandler installs handler as the reply handler for requests of
// type Req on the endpoint. The registration heals itself: a transport
// failure event for the endpoint's transport triggers re-registration, and
// a failed attempt is retried after the configured interval.
//
// The returned teardown removes the handler and stops the self-healing.
func RegisterHandler[Req, Resp any](e *Engine, handler func(Req) (Resp, error), ep Endpoint) (Teardown, error) {
	if handler == nil {
		return nil, errors.ErrHandlerRequired
	}
	if ep.Destination == "" {
		return nil, errors.ErrDestinationRequired
	}
	if err := e.guard(); err != nil {
		return nil, err
	}

	var filter string
	if ep.SharedDestination {
		filter = e.resolver.resolve(reflect.TypeFor[Req]())
	}

	wireHandler := func(msg transport.Message) (transport.Message, error) {
		var req Req
		if err := e.serializer.Deserialize(ep.Format, msg.Bytes, &req); err != nil {
			return transport.Message{}, &errors.ProcessingError{Inner: err}
		}
		resp, err := handler(req)
		if err != nil {
			return transport.Message{}, err
		}
		return e.encode(resp, ep)
	}

	reg := &registration{
		engine:      e,
		endpoint:    ep,
		wireHandler: wireHandler,
		filter:      filter,
	}
	if err := reg.tryRegister(); err != nil {
		return nil, err
	}

	events := e.transports.OnEvent(reg.onTransportEvent)
	return closerFunc(func() error {
		events.Close()
		return reg.close()
	}), nil
}

// registration owns one installed handler and re-installs it after
// transport failures. The one-slot holder is guarded so concurrent failure
// events and retries cannot reinitialize it at the same time.
type registration struct {
	engine      *Engine
	endpoint    Endpoint
	wireHandler transport.HandlerFunc
	filter      string

	mu      sync.Mutex
	current Teardown
	retry   Teardown
	closed  bool
}

// tryRegister installs the wire handler and swaps it into the holder,
// releasing whatever was there before.
func (r *registration) tryRegister() error {
	group, err := r.engine.group(r.endpoint)
	if err != nil {
		return r.engine.transportError("register handler", r.endpoint, err)
	}
	sub, err := group.RegisterHandler(r.wireHandler, r.filter)
	if err != nil {
		return r.engine.transportError("register handler", r.endpoint, err)
	}
	token := r.engine.handles.CreateHandle(sub.Close)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return token.Close()
	}
	previous := r.current
	r.current = token
	r.mu.Unlock()

	if previous != nil {
		r.disposeQuietly(previous)
	}
	return nil
}

// onTransportEvent re-registers the handler after a failure of its own
// transport. A failed attempt re-arms itself on the configured interval.
func (r *registration) onTransportEvent(ev transport.Event) {
	if ev.TransportID != r.endpoint.TransportID || ev.Kind != transport.Failure {
		return
	}
	r.reinstall()
}

func (r *registration) reinstall() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	if err := r.tryRegister(); err != nil {
		r.engine.logger.Warn("handler re-registration failed, retrying", logging.LogFields{
			"transport_id": r.endpoint.TransportID,
			"destination":  r.endpoint.Destination,
			"retry_in":     r.engine.cfg.HandlerReregisterInterval.String(),
		})
		r.armRetry()
	}
}

func (r *registration) armRetry() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if r.retry != nil {
		r.retry.Close()
	}
	r.retry = r.engine.retryAfter(r.engine.cfg.HandlerReregisterInterval, r.reinstall)
}

func (r *registration) close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	current := r.current
	retry := r.retry
	r.current = nil
	r.retry = nil
	r.mu.Unlock()

	if retry != nil {
		retry.Close()
	}
	if current != nil {
		return current.Close()
	}
	return nil
}

// disposeQuietly closes a stale subscription, logging but swallowing the
// error so a broken old registration cannot fail a fresh one.
func (r *registration) disposeQuietly(t Teardown) {
	if err := t.Close(); err != nil {
		r.engine.logger.Warn("stale handler teardown failed", logging.LogFields{
			"transport_id": r.endpoint.TransportID,
			"destination":  r.endpoint.Destination,
			"error":        err.Error(),
		})
	}
}
