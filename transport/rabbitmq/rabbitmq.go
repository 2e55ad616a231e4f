// Package rabbitmq provides a RabbitMQ/AMQP transport for busflow.
//
// Destinations map to durable queues on the default exchange. Request/reply
// uses RabbitMQ direct reply-to, so no per-request queues are declared. The
// wire-type name travels in the AMQP Type property.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/busflow/internal/engine/ids"
	"github.com/drblury/busflow/internal/engine/logging"
	"github.com/drblury/busflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "rabbitmq"

// replyToQueue is RabbitMQ's pseudo-queue for direct reply-to RPC.
const replyToQueue = "amq.rabbitmq.reply-to"

var errDriverClosed = errors.New("rabbitmq: driver is closed")

func init() {
	transport.Register(TransportName, Build)
	transport.RegisterCapabilities(transport.Capabilities{
		Name:             TransportName,
		SupportsAck:      true,
		SupportsNack:     true,
		SupportsTTL:      true,
		SupportsOrdering: true,
	})
}

// Build dials the broker named in cfg and returns the driver.
func Build(ctx context.Context, cfg transport.Config, logger logging.ServiceLogger, emit transport.EmitFunc) (transport.Driver, error) {
	url := cfg.GetRabbitMQURL()
	if url == "" {
		return nil, errors.New("rabbitmq: URL is required")
	}
	d := New(url, logger, emit)
	if _, err := d.connection(); err != nil {
		return nil, err
	}
	return d, nil
}

// Driver owns the AMQP connection. Processing groups share it and open their
// own channels.
type Driver struct {
	url    string
	logger logging.ServiceLogger
	emit   transport.EmitFunc

	mu      sync.Mutex
	conn    *amqp.Connection
	wasDown bool
	closed  bool
}

// New creates a driver without dialing. The first processing-group operation
// establishes the connection.
func New(url string, logger logging.ServiceLogger, emit transport.EmitFunc) *Driver {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if emit == nil {
		emit = func(transport.Event) {}
	}
	return &Driver{url: url, logger: logger, emit: emit}
}

// connection returns the live connection, redialing if the previous one was
// lost. A successful redial after a failure emits a Recovered event.
func (d *Driver) connection() (*amqp.Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, errDriverClosed
	}
	if d.conn != nil && !d.conn.IsClosed() {
		return d.conn, nil
	}

	conn, err := amqp.Dial(d.url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: dial: %w", err)
	}
	d.conn = conn
	go d.watch(conn)

	if d.wasDown {
		d.wasDown = false
		d.emit(transport.Event{TransportID: TransportName, Kind: transport.Recovered})
	}
	return conn, nil
}

// watch emits a Failure event when the connection drops unexpectedly.
func (d *Driver) watch(conn *amqp.Connection) {
	err := <-conn.NotifyClose(make(chan *amqp.Error, 1))
	if err == nil {
		// graceful shutdown
		return
	}

	d.mu.Lock()
	closed := d.closed
	if !closed {
		d.wasDown = true
	}
	d.mu.Unlock()
	if closed {
		return
	}

	d.logger.Error("rabbitmq connection lost", err, logging.LogFields{"transport_id": TransportName})
	d.emit(transport.Event{TransportID: TransportName, Kind: transport.Failure})
}

// Open implements transport.Driver.
func (d *Driver) Open(destination string) (transport.ProcessingGroup, error) {
	return &group{driver: d, destination: destination}, nil
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

	if conn != nil && !conn.IsClosed() {
		return conn.Close()
	}
	return nil
}

type group struct {
	driver      *Driver
	destination string

	pubMu sync.Mutex
	pubCh *amqp.Channel

	reqMu   sync.Mutex
	reqCh   *amqp.Channel
	pending map[string]*pendingRequest
}

type pendingRequest struct {
	handle     *transport.Handle
	onResponse func(transport.Message)
}

// channel opens a fresh channel and declares the group's queue on it.
func (g *group) channel() (*amqp.Channel, error) {
	conn, err := g.driver.connection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(g.destination, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("rabbitmq: declare queue %q: %w", g.destination, err)
	}
	return ch, nil
}

func (g *group) publishChannel() (*amqp.Channel, error) {
	g.pubMu.Lock()
	defer g.pubMu.Unlock()
	if g.pubCh != nil && !g.pubCh.IsClosed() {
		return g.pubCh, nil
	}
	ch, err := g.channel()
	if err != nil {
		return nil, err
	}
	g.pubCh = ch
	return ch, nil
}

// Send implements transport.ProcessingGroup. A positive ttl becomes the
// per-message expiration; zero leaves the message alive until consumed.
func (g *group) Send(msg transport.Message, ttl time.Duration) error {
	ch, err := g.publishChannel()
	if err != nil {
		return err
	}

	pub := amqp.Publishing{
		ContentType: "application/octet-stream",
		Body:        msg.Bytes,
		Type:        msg.Type,
		MessageId:   ids.NewULID(),
	}
	if ttl > 0 {
		pub.Expiration = strconv.FormatInt(ttl.Milliseconds(), 10)
	}
	return ch.PublishWithContext(context.Background(), "", g.destination, false, false, pub)
}

// Subscribe implements transport.ProcessingGroup. Deliveries whose type does
// not match the filter are requeued for the subscriber that wants them.
func (g *group) Subscribe(fn func(transport.Message, transport.RawAck), typeFilter string) (io.Closer, error) {
	ch, err := g.channel()
	if err != nil {
		return nil, err
	}

	tag := "busflow-" + ids.NewULID()
	deliveries, err := ch.Consume(g.destination, tag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("rabbitmq: consume %q: %w", g.destination, err)
	}

	go func() {
		for delivery := range deliveries {
			if typeFilter != "" && delivery.Type != typeFilter {
				delivery.Nack(false, true)
				continue
			}
			d := delivery
			fn(transport.Message{Bytes: d.Body, Type: d.Type}, func(accepted bool) {
				if accepted {
					d.Ack(false)
				} else {
					d.Nack(false, true)
				}
			})
		}
	}()

	return closerFunc(func() error {
		return ch.Close()
	}), nil
}

// RegisterHandler implements transport.ProcessingGroup. Replies go to the
// request's reply-to queue with its correlation id. Handler errors drop the
// request without requeue so a failing handler does not spin on the same
// message.
func (g *group) RegisterHandler(fn transport.HandlerFunc, typeFilter string) (io.Closer, error) {
	ch, err := g.channel()
	if err != nil {
		return nil, err
	}

	tag := "busflow-handler-" + ids.NewULID()
	deliveries, err := ch.Consume(g.destination, tag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("rabbitmq: consume %q: %w", g.destination, err)
	}

	go func() {
		for delivery := range deliveries {
			if typeFilter != "" && delivery.Type != typeFilter {
				delivery.Nack(false, true)
				continue
			}

			resp, err := fn(transport.Message{Bytes: delivery.Body, Type: delivery.Type})
			if err != nil {
				g.driver.logger.Error("request handler failed", err, logging.LogFields{
					"transport_id": TransportName,
					"destination":  g.destination,
				})
				delivery.Nack(false, false)
				continue
			}

			if delivery.ReplyTo != "" {
				pub := amqp.Publishing{
					ContentType:   "application/octet-stream",
					Body:          resp.Bytes,
					Type:          resp.Type,
					CorrelationId: delivery.CorrelationId,
				}
				if err := ch.PublishWithContext(context.Background(), "", delivery.ReplyTo, false, false, pub); err != nil {
					g.driver.logger.Error("reply publish failed", err, logging.LogFields{
						"transport_id": TransportName,
						"destination":  g.destination,
					})
					delivery.Nack(false, true)
					continue
				}
			}
			delivery.Ack(false)
		}
	}()

	return closerFunc(func() error {
		return ch.Close()
	}), nil
}

// SendRequest implements transport.ProcessingGroup using direct reply-to.
func (g *group) SendRequest(msg transport.Message, onResponse func(transport.Message)) (transport.RequestHandle, error) {
	ch, err := g.requestChannel()
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

	pub := amqp.Publishing{
		ContentType:   "application/octet-stream",
		Body:          msg.Bytes,
		Type:          msg.Type,
		CorrelationId: corrID,
		ReplyTo:       replyToQueue,
	}
	if err := ch.PublishWithContext(context.Background(), "", g.destination, false, false, pub); err != nil {
		handle.Close()
		return nil, err
	}
	return handle, nil
}

// requestChannel lazily starts the direct reply-to consumer. The consumer
// must exist before the first request is published.
func (g *group) requestChannel() (*amqp.Channel, error) {
	g.reqMu.Lock()
	defer g.reqMu.Unlock()

	if g.reqCh != nil && !g.reqCh.IsClosed() {
		return g.reqCh, nil
	}

	conn, err := g.driver.connection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: open channel: %w", err)
	}

	replies, err := ch.Consume(replyToQueue, "", true, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("rabbitmq: consume direct reply-to: %w", err)
	}

	if g.pending == nil {
		g.pending = make(map[string]*pendingRequest)
	}
	g.reqCh = ch

	go func() {
		for delivery := range replies {
			g.resolve(delivery.CorrelationId, transport.Message{Bytes: delivery.Body, Type: delivery.Type})
		}
	}()
	return ch, nil
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
