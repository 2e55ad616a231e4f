package engine

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/busflow/internal/engine/config"
	"github.com/drblury/busflow/internal/engine/errors"
	"github.com/drblury/busflow/internal/engine/logging"
	"github.com/drblury/busflow/serialization"
	"github.com/drblury/busflow/transport"
)

// Engine is the transport-agnostic messaging engine. It coordinates typed
// send, subscribe, request/reply, and handler registration over the
// transport manager, and owns the acknowledgement and shutdown machinery.
//
// An engine moves through three states: active, disposing, disposed. Every
// public operation checks the disposing flag on entry; Dispose drains
// in-flight work before releasing the transports.
type Engine struct {
	cfg        *config.Config
	logger     logging.ServiceLogger
	serializer serialization.Serializer
	transports transport.Manager

	resolver *typeResolver
	acks     *ackScheduler
	tracker  *requestTracker
	counter  *requestCounter
	handles  *handleRegistry
	metrics  *engineMetrics

	disposing   chan struct{}
	disposeOnce sync.Once

	// retryAfter schedules a handler re-registration attempt. Tests inject
	// a compressed clock here.
	retryAfter func(delay time.Duration, fn func()) Teardown
}

// Options carries the optional collaborators of New.
type Options struct {
	// Serializer resolves wire formats. Defaults to the shared format
	// registry.
	Serializer serialization.Serializer
	// Logger receives engine diagnostics. Defaults to a no-op logger.
	Logger logging.ServiceLogger
	// MetricsRegisterer receives the engine's Prometheus collectors. Nil
	// leaves the collectors unregistered.
	MetricsRegisterer prometheus.Registerer
}

// New creates an engine over the given transport manager. cfg and
// transports are required.
func New(cfg *config.Config, transports transport.Manager, opts Options) (*Engine, error) {
	if cfg == nil {
		return nil, errors.ErrConfigRequired
	}
	if transports == nil {
		return nil, errors.ErrTransportsRequired
	}
	cfg.ApplyDefaults()

	serializer := opts.Serializer
	if serializer == nil {
		serializer = serialization.DefaultRegistry
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	e := &Engine{
		cfg:        cfg,
		logger:     logger,
		serializer: serializer,
		transports: transports,
		resolver:   newTypeResolver(),
		acks:       newAckScheduler(logger),
		tracker:    newRequestTracker(),
		counter:    newRequestCounter(),
		handles:    newHandleRegistry(logger),
		metrics:    newEngineMetrics(opts.MetricsRegisterer),
		disposing:  make(chan struct{}),
	}
	e.retryAfter = func(delay time.Duration, fn func()) Teardown {
		timer := time.AfterFunc(delay, fn)
		return closerFunc(func() error {
			timer.Stop()
			return nil
		})
	}
	return e, nil
}

// Disposing reports whether Dispose has begun.
func (e *Engine) Disposing() bool {
	select {
	case <-e.disposing:
		return true
	default:
		return false
	}
}

// guard rejects new work once disposal has begun.
func (e *Engine) guard() error {
	if e.Disposing() {
		return errors.ErrEngineDisposed
	}
	return nil
}

// OutstandingRequests reports the number of requests awaiting a response.
func (e *Engine) OutstandingRequests() int {
	return e.tracker.Outstanding()
}

// Dispose shuts the engine down. Outstanding requests fail first so
// synchronous waiters unblock, pending deferred acks run so none is lost,
// then Dispose waits for in-flight sends and deliveries to exit before
// tearing down subscriptions and the transports. Dispose is idempotent and
// blocks until the drain completes.
func (e *Engine) Dispose() error {
	var err error
	e.disposeOnce.Do(func() {
		close(e.disposing)

		e.tracker.StopAll()
		e.acks.ForceDrain()
		e.acks.Close()
		e.counter.WaitAll()
		e.handles.DisposeAll()
		err = e.transports.Close()

		e.logger.Info("engine disposed", nil)
	})
	return err
}

// group resolves the processing group for ep.
func (e *Engine) group(ep Endpoint) (transport.ProcessingGroup, error) {
	return e.transports.ProcessingGroup(ep.TransportID, ep.Destination)
}

// transportError wraps err with endpoint context and logs it.
func (e *Engine) transportError(op string, ep Endpoint, err error) error {
	e.logger.Error(op+" failed", err, logging.LogFields{
		"transport_id": ep.TransportID,
		"destination":  ep.Destination,
	})
	return &errors.TransportError{
		TransportID: ep.TransportID,
		Destination: ep.Destination,
		Inner:       err,
	}
}
