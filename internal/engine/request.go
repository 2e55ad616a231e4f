package engine

import (
	"time"

	"github.com/drblury/busflow/internal/engine/errors"
	"github.com/drblury/busflow/transport"
)

// SendRequestAsync sends req and correlates the response without blocking.
// Exactly one of onResponse and onFailure is invoked: onResponse with the
// deserialized reply, onFailure with a timeout, processing, or shutdown
// error. The returned teardown cancels the outstanding request; on a topic
// destination only the first response is delivered.
func SendRequestAsync[Req, Resp any](e *Engine, req Req, ep Endpoint, onResponse func(Resp), onFailure func(error), timeout time.Duration) (Teardown, error) {
	if ep.Destination == "" {
		return nil, errors.ErrDestinationRequired
	}
	if onResponse == nil || onFailure == nil {
		return nil, errors.ErrCallbackRequired
	}
	if err := e.guard(); err != nil {
		return nil, err
	}

	release, ok := e.counter.Track()
	if !ok {
		return nil, errors.ErrEngineDisposed
	}
	defer release()

	bin, err := e.encode(req, ep)
	if err != nil {
		return nil, err
	}

	group, err := e.group(ep)
	if err != nil {
		return nil, e.transportError("send request", ep, err)
	}

	handle, err := group.SendRequest(bin, func(raw transport.Message) {
		// Completed handles are swept on the next tick so the correlator
		// entry is released promptly.
		defer e.tracker.Tick()

		var resp Resp
		if err := e.serializer.Deserialize(ep.Format, raw.Bytes, &resp); err != nil {
			onFailure(&errors.ProcessingError{Inner: err})
			return
		}
		onResponse(resp)
	})
	if err != nil {
		return nil, e.transportError("send request", ep, err)
	}

	e.metrics.requests.WithLabelValues(ep.TransportID, ep.Destination).Inc()
	e.tracker.Register(handle, ep.Destination, timeout, func(err error) {
		if errors.IsTimeout(err) {
			e.metrics.requestTimeouts.WithLabelValues(ep.TransportID, ep.Destination).Inc()
		}
		onFailure(err)
	})
	return handle, nil
}

// SendRequest sends req and blocks until the reply arrives, the timeout
// passes, or the engine begins disposing.
func SendRequest[Req, Resp any](e *Engine, req Req, ep Endpoint, timeout time.Duration) (Resp, error) {
	var zero Resp

	type outcome struct {
		resp Resp
		err  error
	}
	done := make(chan outcome, 1)
	settle := func(o outcome) {
		select {
		case done <- o:
		default:
		}
	}

	teardown, err := SendRequestAsync(e, req, ep,
		func(resp Resp) { settle(outcome{resp: resp}) },
		func(err error) { settle(outcome{err: err}) },
		timeout,
	)
	if err != nil {
		return zero, err
	}
	defer teardown.Close()

	// Disposal wins over a response that races in behind it.
	select {
	case <-e.disposing:
		return zero, errors.ErrShutdown
	default:
	}

	select {
	case <-e.disposing:
		return zero, errors.ErrShutdown
	case o := <-done:
		select {
		case <-e.disposing:
			return zero, errors.ErrShutdown
		default:
		}
		return o.resp, o.err
	}
}
