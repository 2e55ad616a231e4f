package busflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/drblury/busflow/serialization/json"
	"github.com/drblury/busflow/transport/channel"
)

type invoiceCreated struct {
	ID    string  `json:"id"`
	Total float64 `json:"total"`
}

type sumRequest struct {
	A int `json:"a"`
	B int `json:"b"`
}

type sumResponse struct {
	Sum int `json:"sum"`
}

func newFacadeEngine(t *testing.T) *Engine {
	t.Helper()

	manager := NewBrokerManager(nil)
	driver, err := channel.Build(t.Context(), nil, nil, manager.Emit)
	require.NoError(t, err)
	manager.AddDriver(channel.TransportName, driver)

	cfg := &Config{Transport: channel.TransportName, UnackDelay: 50 * time.Millisecond}
	require.NoError(t, ValidateConfig(cfg))

	engine, err := NewEngine(cfg, manager, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { engine.Dispose() })
	return engine
}

func endpoint(destination string) Endpoint {
	return Endpoint{TransportID: channel.TransportName, Destination: destination, Format: "json"}
}

func TestFacadeSendAndSubscribe(t *testing.T) {
	engine := newFacadeEngine(t)

	received := make(chan invoiceCreated, 1)
	teardown, err := Subscribe(engine, endpoint("invoices"), func(msg invoiceCreated) {
		received <- msg
	})
	require.NoError(t, err)
	defer teardown.Close()

	require.NoError(t, engine.Send(invoiceCreated{ID: "inv-1", Total: 99.5}, endpoint("invoices")))

	select {
	case msg := <-received:
		assert.Equal(t, invoiceCreated{ID: "inv-1", Total: 99.5}, msg)
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the invoice")
	}
}

func TestFacadeRequestReply(t *testing.T) {
	engine := newFacadeEngine(t)

	teardown, err := RegisterHandler(engine, func(req sumRequest) (sumResponse, error) {
		return sumResponse{Sum: req.A + req.B}, nil
	}, endpoint("math"))
	require.NoError(t, err)
	defer teardown.Close()

	resp, err := SendRequest[sumRequest, sumResponse](engine, sumRequest{A: 19, B: 23}, endpoint("math"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 42, resp.Sum)
}

func TestFacadeRequestTimeout(t *testing.T) {
	engine := newFacadeEngine(t)

	_, err := SendRequest[sumRequest, sumResponse](engine, sumRequest{A: 1, B: 2}, endpoint("void"), 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, IsTimeout(err))

	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "void", timeout.Destination)
}

func TestFacadeDisposedEngineRefusesWork(t *testing.T) {
	engine := newFacadeEngine(t)
	require.NoError(t, engine.Dispose())

	err := engine.Send(invoiceCreated{ID: "inv-2"}, endpoint("invoices"))
	assert.ErrorIs(t, err, ErrEngineDisposed)
	assert.True(t, IsShutdown(err))
}

func TestFacadeDispatcherRoutesByType(t *testing.T) {
	dispatcher := NewDispatcher()

	var got invoiceCreated
	RegisterDispatch(dispatcher, func(msg invoiceCreated, boundedContext string) {
		assert.Equal(t, "billing", boundedContext)
		got = msg
	})

	handled := dispatcher.Dispatch(invoiceCreated{ID: "inv-3"}, "billing")
	assert.Equal(t, 1, handled)
	assert.Equal(t, "inv-3", got.ID)

	assert.Zero(t, dispatcher.Dispatch(sumRequest{}, "billing"))
}

func TestFacadeIDsAreWellFormed(t *testing.T) {
	assert.Len(t, NewULID(), 26)
	assert.NotEqual(t, NewCorrelationID(), NewCorrelationID())
}
