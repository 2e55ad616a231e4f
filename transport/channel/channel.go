// Package channel provides an in-memory loopback transport for busflow.
// This transport is useful for testing and local development: messages are
// dispatched to subscribers on goroutines the way a broker driver would use
// its own worker threads, and acknowledgements can be observed via
// SetAckObserver.
package channel

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/drblury/busflow/internal/engine/logging"
	"github.com/drblury/busflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

func init() {
	transport.Register(TransportName, Build)
	transport.RegisterCapabilities(transport.Capabilities{
		Name:             TransportName,
		SupportsAck:      true,
		SupportsNack:     false,
		SupportsTTL:      false,
		SupportsOrdering: false,
	})
}

// Build creates a new in-memory transport driver.
func Build(ctx context.Context, cfg transport.Config, logger logging.ServiceLogger, emit transport.EmitFunc) (transport.Driver, error) {
	return New(logger), nil
}

// Driver is an in-memory transport. All destinations live in process; a
// message sent to a destination is delivered to every matching subscriber.
type Driver struct {
	mu     sync.Mutex
	groups map[string]*group
	closed bool

	ackMu       sync.Mutex
	ackObserver func(destination string, accepted bool)

	logger logging.ServiceLogger
}

// New creates an in-memory driver.
func New(logger logging.ServiceLogger) *Driver {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Driver{
		groups: make(map[string]*group),
		logger: logger,
	}
}

// SetAckObserver installs a callback invoked for every raw acknowledgement.
// Tests use it to assert on ack traffic.
func (d *Driver) SetAckObserver(fn func(destination string, accepted bool)) {
	d.ackMu.Lock()
	d.ackObserver = fn
	d.ackMu.Unlock()
}

func (d *Driver) observeAck(destination string, accepted bool) {
	d.ackMu.Lock()
	fn := d.ackObserver
	d.ackMu.Unlock()
	if fn != nil {
		fn(destination, accepted)
	}
}

// Open implements transport.Driver.
func (d *Driver) Open(destination string) (transport.ProcessingGroup, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if g, ok := d.groups[destination]; ok {
		return g, nil
	}
	g := &group{
		driver:      d,
		destination: destination,
		subs:        make(map[int]*subscription),
		handlers:    make(map[int]*handlerEntry),
	}
	d.groups[destination] = g
	return g, nil
}

// Close implements transport.Driver.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.groups = make(map[string]*group)
	return nil
}

type group struct {
	driver      *Driver
	destination string

	mu       sync.Mutex
	nextID   int
	subs     map[int]*subscription
	handlers map[int]*handlerEntry
}

type subscription struct {
	fn     func(transport.Message, transport.RawAck)
	filter string
}

type handlerEntry struct {
	fn     transport.HandlerFunc
	filter string
}

func matches(filter, wireType string) bool {
	return filter == "" || filter == wireType
}

// Send implements transport.ProcessingGroup. TTL has no effect in memory:
// deliveries happen immediately, so messages never sit long enough to expire.
func (g *group) Send(msg transport.Message, ttl time.Duration) error {
	g.mu.Lock()
	targets := make([]*subscription, 0, len(g.subs))
	for _, sub := range g.subs {
		if matches(sub.filter, msg.Type) {
			targets = append(targets, sub)
		}
	}
	g.mu.Unlock()

	for _, sub := range targets {
		go g.deliver(sub, msg)
	}
	return nil
}

func (g *group) deliver(sub *subscription, msg transport.Message) {
	var ackOnce sync.Once
	ack := func(accepted bool) {
		ackOnce.Do(func() {
			g.driver.observeAck(g.destination, accepted)
		})
	}
	sub.fn(msg, ack)
}

// Subscribe implements transport.ProcessingGroup.
func (g *group) Subscribe(fn func(transport.Message, transport.RawAck), typeFilter string) (io.Closer, error) {
	g.mu.Lock()
	id := g.nextID
	g.nextID++
	g.subs[id] = &subscription{fn: fn, filter: typeFilter}
	g.mu.Unlock()

	return closerFunc(func() error {
		g.mu.Lock()
		delete(g.subs, id)
		g.mu.Unlock()
		return nil
	}), nil
}

// RegisterHandler implements transport.ProcessingGroup.
func (g *group) RegisterHandler(fn transport.HandlerFunc, typeFilter string) (io.Closer, error) {
	g.mu.Lock()
	id := g.nextID
	g.nextID++
	g.handlers[id] = &handlerEntry{fn: fn, filter: typeFilter}
	g.mu.Unlock()

	return closerFunc(func() error {
		g.mu.Lock()
		delete(g.handlers, id)
		g.mu.Unlock()
		return nil
	}), nil
}

// SendRequest implements transport.ProcessingGroup. When no handler is
// installed the request stays outstanding until the caller's deadline, the
// same way an unconsumed queue behaves at a broker.
func (g *group) SendRequest(msg transport.Message, onResponse func(transport.Message)) (transport.RequestHandle, error) {
	handle := transport.NewHandle(nil)

	g.mu.Lock()
	var target *handlerEntry
	for _, h := range g.handlers {
		if matches(h.filter, msg.Type) {
			target = h
			break
		}
	}
	g.mu.Unlock()

	if target != nil {
		go g.serveRequest(target, msg, handle, onResponse)
	}
	return handle, nil
}

func (g *group) serveRequest(h *handlerEntry, msg transport.Message, handle *transport.Handle, onResponse func(transport.Message)) {
	resp, err := h.fn(msg)
	if err != nil {
		g.driver.logger.Error("request handler failed", err, logging.LogFields{
			"destination": g.destination,
		})
		return
	}
	if handle.TryComplete() {
		onResponse(resp)
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
