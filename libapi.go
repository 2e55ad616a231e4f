package busflow

import (
	"time"

	enginepkg "github.com/drblury/busflow/internal/engine"
	configpkg "github.com/drblury/busflow/internal/engine/config"
	errspkg "github.com/drblury/busflow/internal/engine/errors"
	idspkg "github.com/drblury/busflow/internal/engine/ids"
	jsoncodec "github.com/drblury/busflow/internal/engine/jsoncodec"
	loggingpkg "github.com/drblury/busflow/internal/engine/logging"
	serializationpkg "github.com/drblury/busflow/serialization"
	transportpkg "github.com/drblury/busflow/transport"
)

type (
	Config  = configpkg.Config
	Engine  = enginepkg.Engine
	Options = enginepkg.Options

	Endpoint = enginepkg.Endpoint
	AckFunc  = enginepkg.AckFunc
	Teardown = enginepkg.Teardown

	Dispatcher   = enginepkg.Dispatcher
	DispatchFunc = enginepkg.DispatchFunc

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	Serializer            = serializationpkg.Serializer
	Codec                 = serializationpkg.Codec
	SerializationRegistry = serializationpkg.Registry

	// Transport SPI for custom drivers.
	TransportManager   = transportpkg.Manager
	TransportDriver    = transportpkg.Driver
	TransportBuilder   = transportpkg.Builder
	TransportRegistry  = transportpkg.Registry
	ProcessingGroup    = transportpkg.ProcessingGroup
	RequestHandle      = transportpkg.RequestHandle
	BinaryMessage         = transportpkg.Message
	TransportEvent        = transportpkg.Event
	TransportEventKind    = transportpkg.EventKind
	TransportCapabilities = transportpkg.Capabilities

	TimeoutError    = errspkg.TimeoutError
	ProcessingError = errspkg.ProcessingError
	TransportError  = errspkg.TransportError

	// WireNamer lets a message type override its wire-type name.
	WireNamer = enginepkg.WireNamer
)

var (
	NewEngine      = enginepkg.New
	NewDispatcher  = enginepkg.NewDispatcher
	ValidateConfig = configpkg.ValidateConfig

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewNopLogger         = loggingpkg.NewNopLogger

	// Transport wiring. Import individual drivers via:
	//   _ "github.com/drblury/busflow/transport/rabbitmq"
	NewBrokerManager         = transportpkg.NewBrokerManager
	BuildBrokerManager       = transportpkg.BuildBrokerManager
	DefaultTransportRegistry = transportpkg.DefaultRegistry
	RegisterTransport        = transportpkg.Register
	CapabilitiesFor          = transportpkg.CapabilitiesFor

	// Serialization wiring. Import individual formats via:
	//   _ "github.com/drblury/busflow/serialization/json"
	DefaultSerializationRegistry = serializationpkg.DefaultRegistry
	RegisterCodec                = serializationpkg.Register

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal
	Encode    = jsoncodec.Encode
	Decode    = jsoncodec.Decode

	ErrDestinationRequired = errspkg.ErrDestinationRequired
	ErrHandlerRequired     = errspkg.ErrHandlerRequired
	ErrCallbackRequired    = errspkg.ErrCallbackRequired
	ErrSerializerRequired  = errspkg.ErrSerializerRequired
	ErrTransportsRequired  = errspkg.ErrTransportsRequired
	ErrConfigRequired      = errspkg.ErrConfigRequired
	ErrLoggerRequired      = errspkg.ErrLoggerRequired
	ErrEngineDisposed      = errspkg.ErrEngineDisposed
	ErrShutdown            = errspkg.ErrShutdown

	IsTimeout    = errspkg.IsTimeout
	IsProcessing = errspkg.IsProcessing
	IsTransport  = errspkg.IsTransport
	IsShutdown   = errspkg.IsShutdown

	NewULID          = idspkg.NewULID
	NewCorrelationID = idspkg.NewCorrelationID
)

// Default tuning values applied by Config.ApplyDefaults.
const (
	DefaultUnackDelay                = configpkg.DefaultUnackDelay
	DefaultMessageLifespan           = configpkg.DefaultMessageLifespan
	DefaultHandlerReregisterInterval = configpkg.DefaultHandlerReregisterInterval
)

// Transport event kinds delivered to Manager observers.
const (
	TransportFailure   = transportpkg.Failure
	TransportRecovered = transportpkg.Recovered
)

// Subscribe delivers each message of type T on the endpoint to callback and
// acknowledges it on return.
func Subscribe[T any](e *Engine, ep Endpoint, callback func(T)) (Teardown, error) {
	return enginepkg.Subscribe(e, ep, callback)
}

// SubscribeWithAck delivers each message of type T together with its
// acknowledgement delegate; the callback owns the ack.
func SubscribeWithAck[T any](e *Engine, ep Endpoint, callback func(T, AckFunc)) (Teardown, error) {
	return enginepkg.SubscribeWithAck(e, ep, callback)
}

// SendRequest sends req on the endpoint and blocks for the typed reply.
func SendRequest[Req, Resp any](e *Engine, req Req, ep Endpoint, timeout time.Duration) (Resp, error) {
	return enginepkg.SendRequest[Req, Resp](e, req, ep, timeout)
}

// SendRequestAsync sends req and delivers the outcome to exactly one of
// onResponse and onFailure. The returned teardown cancels the request.
func SendRequestAsync[Req, Resp any](e *Engine, req Req, ep Endpoint, onResponse func(Resp), onFailure func(error), timeout time.Duration) (Teardown, error) {
	return enginepkg.SendRequestAsync(e, req, ep, onResponse, onFailure, timeout)
}

// RegisterHandler installs a self-healing reply handler on the endpoint.
func RegisterHandler[Req, Resp any](e *Engine, handler func(Req) (Resp, error), ep Endpoint) (Teardown, error) {
	return enginepkg.RegisterHandler(e, handler, ep)
}

// RegisterDispatch registers a typed handler with a dispatcher.
func RegisterDispatch[T any](d *Dispatcher, fn func(msg T, boundedContext string)) {
	enginepkg.RegisterDispatch(d, fn)
}
