// Package nats provides a NATS Core transport for busflow.
//
// Destinations map to subjects. Request/reply uses a dedicated inbox per
// group with correlation headers; handlers join a queue group so a request
// is served by exactly one instance. Core NATS is at-most-once, so raw
// acknowledgements are accepted locally and never reach the server, and
// message TTLs are ignored because the server does not retain messages.
package nats

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/drblury/busflow/internal/engine/ids"
	"github.com/drblury/busflow/internal/engine/logging"
	"github.com/drblury/busflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

// Header names carried on every busflow message.
const (
	typeHeader        = "Busflow-Type"
	correlationHeader = "Busflow-Correlation-Id"
)

// queueGroup is the queue group handlers join so each request is served once.
const queueGroup = "busflow"

var errDriverClosed = errors.New("nats: driver is closed")

func init() {
	transport.Register(TransportName, Build)
	transport.RegisterCapabilities(transport.Capabilities{
		Name:             TransportName,
		SupportsAck:      false,
		SupportsNack:     false,
		SupportsTTL:      false,
		SupportsOrdering: true,
	})
}

// Build connects to the server named in cfg and returns the driver.
func Build(ctx context.Context, cfg transport.Config, logger logging.ServiceLogger, emit transport.EmitFunc) (transport.Driver, error) {
	url := cfg.GetNATSURL()
	if url == "" {
		return nil, errors.New("nats: URL is required")
	}
	return New(url, logger, emit)
}

// Driver owns the NATS connection. Processing groups share it; subjects are
// cheap so there is no per-group state beyond subscriptions.
type Driver struct {
	logger logging.ServiceLogger
	emit   transport.EmitFunc

	mu     sync.Mutex
	conn   *nats.Conn
	closed bool
}

// New dials the server. The client library reconnects indefinitely on its
// own; disconnects and reconnects surface as transport events.
func New(url string, logger logging.ServiceLogger, emit transport.EmitFunc) (*Driver, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if emit == nil {
		emit = func(transport.Event) {}
	}
	d := &Driver{logger: logger, emit: emit}

	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err == nil {
				// graceful shutdown
				return
			}
			d.logger.Error("nats connection lost", err, logging.LogFields{"transport_id": TransportName})
			d.emit(transport.Event{TransportID: TransportName, Kind: transport.Failure})
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			d.emit(transport.Event{TransportID: TransportName, Kind: transport.Recovered})
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats: connect: %w", err)
	}
	d.conn = conn
	return d, nil
}

func (d *Driver) connection() (*nats.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errDriverClosed
	}
	return d.conn, nil
}

// Open implements transport.Driver.
func (d *Driver) Open(destination string) (transport.ProcessingGroup, error) {
	return &group{driver: d, subject: destination}, nil
}

// Close implements transport.Driver.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	conn := d.conn
	d.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	return nil
}

type group struct {
	driver  *Driver
	subject string

	reqMu    sync.Mutex
	inbox    string
	inboxSub *nats.Subscription
	pending  map[string]*pendingRequest
}

type pendingRequest struct {
	handle     *transport.Handle
	onResponse func(transport.Message)
}

func newMsg(subject string, m transport.Message) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Data = m.Bytes
	msg.Header.Set(typeHeader, m.Type)
	return msg
}

// Send implements transport.ProcessingGroup. TTL is ignored: core NATS does
// not retain messages, so nothing outlives delivery anyway.
func (g *group) Send(msg transport.Message, ttl time.Duration) error {
	conn, err := g.driver.connection()
	if err != nil {
		return err
	}
	return conn.PublishMsg(newMsg(g.subject, msg))
}

// Subscribe implements transport.ProcessingGroup. Delivery is at-most-once;
// the acknowledgement is accepted locally and redelivery never happens.
func (g *group) Subscribe(fn func(transport.Message, transport.RawAck), typeFilter string) (io.Closer, error) {
	conn, err := g.driver.connection()
	if err != nil {
		return nil, err
	}

	sub, err := conn.Subscribe(g.subject, func(m *nats.Msg) {
		wireType := m.Header.Get(typeHeader)
		if typeFilter != "" && wireType != typeFilter {
			return
		}
		fn(transport.Message{Bytes: m.Data, Type: wireType}, func(bool) {})
	})
	if err != nil {
		return nil, fmt.Errorf("nats: subscribe %q: %w", g.subject, err)
	}

	return closerFunc(func() error {
		return sub.Unsubscribe()
	}), nil
}

// RegisterHandler implements transport.ProcessingGroup. Handlers join a
// queue group so each request is served by exactly one registrant. Handler
// errors drop the request; the caller's timeout tracker reports the failure.
func (g *group) RegisterHandler(fn transport.HandlerFunc, typeFilter string) (io.Closer, error) {
	conn, err := g.driver.connection()
	if err != nil {
		return nil, err
	}

	sub, err := conn.QueueSubscribe(g.subject, queueGroup, func(m *nats.Msg) {
		wireType := m.Header.Get(typeHeader)
		if typeFilter != "" && wireType != typeFilter {
			return
		}

		resp, err := fn(transport.Message{Bytes: m.Data, Type: wireType})
		if err != nil {
			g.driver.logger.Error("request handler failed", err, logging.LogFields{
				"transport_id": TransportName,
				"destination":  g.subject,
			})
			return
		}

		if m.Reply == "" {
			return
		}
		reply := newMsg(m.Reply, resp)
		reply.Header.Set(correlationHeader, m.Header.Get(correlationHeader))
		if err := conn.PublishMsg(reply); err != nil {
			g.driver.logger.Error("reply publish failed", err, logging.LogFields{
				"transport_id": TransportName,
				"destination":  g.subject,
			})
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats: queue subscribe %q: %w", g.subject, err)
	}

	return closerFunc(func() error {
		return sub.Unsubscribe()
	}), nil
}

// SendRequest implements transport.ProcessingGroup. Replies arrive on the
// group's shared inbox and are matched back by correlation header.
func (g *group) SendRequest(msg transport.Message, onResponse func(transport.Message)) (transport.RequestHandle, error) {
	conn, err := g.driver.connection()
	if err != nil {
		return nil, err
	}
	inbox, err := g.replyInbox(conn)
	if err != nil {
		return nil, err
	}

	corrID := ids.NewCorrelationID()
	handle := transport.NewHandle(func() {
		g.reqMu.Lock()
		delete(g.pending, corrID)
		g.reqMu.Unlock()
	})

	g.reqMu.Lock()
	g.pending[corrID] = &pendingRequest{handle: handle, onResponse: onResponse}
	g.reqMu.Unlock()

	out := newMsg(g.subject, msg)
	out.Reply = inbox
	out.Header.Set(correlationHeader, corrID)
	if err := conn.PublishMsg(out); err != nil {
		handle.Close()
		return nil, err
	}
	return handle, nil
}

// replyInbox lazily starts the group's reply subscription. One inbox serves
// every outstanding request of the group.
func (g *group) replyInbox(conn *nats.Conn) (string, error) {
	g.reqMu.Lock()
	defer g.reqMu.Unlock()

	if g.inboxSub != nil && g.inboxSub.IsValid() {
		return g.inbox, nil
	}

	inbox := nats.InboxPrefix + uuid.NewString()
	sub, err := conn.Subscribe(inbox, func(m *nats.Msg) {
		g.resolve(m.Header.Get(correlationHeader), transport.Message{
			Bytes: m.Data,
			Type:  m.Header.Get(typeHeader),
		})
	})
	if err != nil {
		return "", fmt.Errorf("nats: subscribe reply inbox: %w", err)
	}

	if g.pending == nil {
		g.pending = make(map[string]*pendingRequest)
	}
	g.inbox = inbox
	g.inboxSub = sub
	return inbox, nil
}

func (g *group) resolve(corrID string, msg transport.Message) {
	g.reqMu.Lock()
	req, ok := g.pending[corrID]
	if ok {
		delete(g.pending, corrID)
	}
	g.reqMu.Unlock()

	if ok && req.handle.TryComplete() {
		req.onResponse(msg)
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
