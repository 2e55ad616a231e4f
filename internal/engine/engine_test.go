package engine

import (
	"io"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/drblury/busflow/internal/engine/config"
	"github.com/drblury/busflow/internal/engine/errors"
	"github.com/drblury/busflow/internal/engine/logging"
	_ "github.com/drblury/busflow/serialization/json"
	"github.com/drblury/busflow/transport"
	"github.com/drblury/busflow/transport/channel"
)

type greeting struct {
	Text string `json:"text"`
}

type question struct {
	N int `json:"n"`
}

type answer struct {
	N int `json:"n"`
}

func testEndpoint(destination string) Endpoint {
	return Endpoint{TransportID: "channel", Destination: destination, Format: "json"}
}

func newTestEngine(t *testing.T, cfg *config.Config) (*Engine, *channel.Driver) {
	t.Helper()

	if cfg == nil {
		cfg = &config.Config{Transport: "channel"}
	}
	logger := logging.NewNopLogger()
	driver := channel.New(logger)
	manager := transport.NewBrokerManager(logger)
	manager.AddDriver("channel", driver)

	e, err := New(cfg, manager, Options{Logger: logger})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Dispose() })
	return e, driver
}

type ackRecord struct {
	accepted bool
	at       time.Time
}

func recordAcks(driver *channel.Driver) (<-chan ackRecord, func()) {
	acks := make(chan ackRecord, 16)
	driver.SetAckObserver(func(_ string, accepted bool) {
		acks <- ackRecord{accepted: accepted, at: time.Now()}
	})
	return acks, func() { driver.SetAckObserver(nil) }
}

func TestSimpleSendReceive(t *testing.T) {
	e, driver := newTestEngine(t, nil)
	acks, stop := recordAcks(driver)
	defer stop()

	ep := testEndpoint("greetings")
	received := make(chan greeting, 2)
	teardown, err := Subscribe(e, ep, func(msg greeting) {
		received <- msg
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer teardown.Close()

	if err := e.Send(greeting{Text: "hello"}, ep); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Text != "hello" {
			t.Fatalf("received %+v, want Text=hello", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback never invoked")
	}

	select {
	case ack := <-acks:
		if !ack.accepted {
			t.Fatal("auto-ack rejected the message")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no acknowledgement observed")
	}

	select {
	case <-received:
		t.Fatal("callback invoked more than once")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRequestReplySync(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ep := testEndpoint("math.increment")

	teardown, err := RegisterHandler(e, func(q question) (answer, error) {
		return answer{N: q.N + 1}, nil
	}, ep)
	if err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}
	defer teardown.Close()

	resp, err := SendRequest[question, answer](e, question{N: 41}, ep, time.Second)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if resp.N != 42 {
		t.Fatalf("response = %d, want 42", resp.N)
	}

	deadline := time.Now().Add(time.Second)
	for e.OutstandingRequests() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("outstanding = %d, want 0 shortly after response", e.OutstandingRequests())
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestRequestTimeout(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ep := testEndpoint("nobody.home")

	start := time.Now()
	_, err := SendRequest[question, answer](e, question{N: 0}, ep, 50*time.Millisecond)
	elapsed := time.Since(start)

	if !errors.IsTimeout(err) {
		t.Fatalf("error = %v, want timeout kind", err)
	}
	if elapsed < 45*time.Millisecond {
		t.Fatalf("timed out after %v, before the deadline", elapsed)
	}
	if elapsed > 500*time.Millisecond {
		t.Fatalf("timed out after %v, far past the deadline", elapsed)
	}
}

func TestDeferredAck(t *testing.T) {
	e, driver := newTestEngine(t, nil)
	acks, stop := recordAcks(driver)
	defer stop()

	ep := testEndpoint("slow.acks")
	var sentAt time.Time
	teardown, err := SubscribeWithAck(e, ep, func(_ greeting, ack AckFunc) {
		ack(200*time.Millisecond, true)
	})
	if err != nil {
		t.Fatalf("SubscribeWithAck: %v", err)
	}
	defer teardown.Close()

	sentAt = time.Now()
	if err := e.Send(greeting{Text: "later"}, ep); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case ack := <-acks:
		delay := ack.at.Sub(sentAt)
		if delay < 190*time.Millisecond {
			t.Fatalf("ack committed after %v, want >= 200ms", delay)
		}
		if !ack.accepted {
			t.Fatal("deferred ack rejected the message")
		}
	case <-time.After(800 * time.Millisecond):
		t.Fatal("deferred ack never committed")
	}
}

func TestDisposeDrainsOutstandingRequests(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ep := testEndpoint("nobody.home")

	failed := make(chan error, 1)
	_, err := SendRequestAsync(e, question{N: 1}, ep,
		func(answer) { t.Error("unexpected response") },
		func(err error) { failed <- err },
		10*time.Second,
	)
	if err != nil {
		t.Fatalf("SendRequestAsync: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		e.Dispose()
		close(done)
	}()

	select {
	case err := <-failed:
		if !errors.IsTimeout(err) {
			t.Fatalf("onFailure error = %v, want timeout kind", err)
		}
	case <-time.After(time.Second):
		t.Fatal("onFailure did not fire during dispose")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Dispose did not complete within 1s")
	}
}

func TestDisposeLeavesNothingBehind(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ep := testEndpoint("greetings")

	if _, err := Subscribe(e, ep, func(greeting) {}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := e.Dispose(); err != nil {
		t.Fatalf("Dispose: %v", err)
	}

	if e.counter.Count() != 0 {
		t.Fatalf("counter = %d after dispose, want 0", e.counter.Count())
	}
	if e.handles.Len() != 0 {
		t.Fatalf("handle registry holds %d tokens after dispose, want 0", e.handles.Len())
	}

	if err := e.Send(greeting{}, ep); err != errors.ErrEngineDisposed {
		t.Fatalf("Send after dispose = %v, want ErrEngineDisposed", err)
	}
	if _, err := Subscribe(e, ep, func(greeting) {}); err != errors.ErrEngineDisposed {
		t.Fatalf("Subscribe after dispose = %v, want ErrEngineDisposed", err)
	}
	if _, err := SendRequest[question, answer](e, question{}, ep, time.Second); err != errors.ErrEngineDisposed {
		t.Fatalf("SendRequest after dispose = %v, want ErrEngineDisposed", err)
	}
}

func TestSubscribeMultiRoutesKnownAndUnknownTypes(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ep := Endpoint{TransportID: "channel", Destination: "mixed", Format: "json", SharedDestination: true}

	known := make(chan any, 1)
	unknown := make(chan string, 1)
	teardown, err := e.SubscribeMulti(ep,
		func(msg any, ack AckFunc) {
			known <- msg
			ack(0, true)
		},
		func(wireType string, ack AckFunc) {
			unknown <- wireType
			ack(0, true)
		},
		reflect.TypeFor[greeting](),
	)
	if err != nil {
		t.Fatalf("SubscribeMulti: %v", err)
	}
	defer teardown.Close()

	if err := e.Send(greeting{Text: "hi"}, ep); err != nil {
		t.Fatalf("Send greeting: %v", err)
	}
	select {
	case msg := <-known:
		if g, ok := msg.(greeting); !ok || g.Text != "hi" {
			t.Fatalf("known callback received %#v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("known type never delivered")
	}

	if err := e.Send(question{N: 7}, ep); err != nil {
		t.Fatalf("Send question: %v", err)
	}
	select {
	case wireType := <-unknown:
		if wireType != "question" {
			t.Fatalf("unknown wire type = %q, want %q", wireType, "question")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("unknown type never reported")
	}
}

func TestDeserializationFailureRejectsAfterUnackDelay(t *testing.T) {
	cfg := &config.Config{Transport: "channel", UnackDelay: 50 * time.Millisecond}
	e, driver := newTestEngine(t, cfg)
	acks, stop := recordAcks(driver)
	defer stop()

	ep := testEndpoint("broken.payloads")
	invoked := make(chan struct{}, 1)
	teardown, err := Subscribe(e, ep, func(greeting) {
		invoked <- struct{}{}
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer teardown.Close()

	group, err := driver.Open("broken.payloads")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := group.Send(transport.Message{Bytes: []byte("{not json"), Type: "greeting"}, 0); err != nil {
		t.Fatalf("raw send: %v", err)
	}

	select {
	case ack := <-acks:
		if ack.accepted {
			t.Fatal("broken payload was accepted")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("broken payload was never rejected")
	}

	select {
	case <-invoked:
		t.Fatal("callback invoked for an undeserializable payload")
	default:
	}
}

func TestCallbackPanicRejectsMessage(t *testing.T) {
	cfg := &config.Config{Transport: "channel", UnackDelay: 50 * time.Millisecond}
	e, driver := newTestEngine(t, cfg)
	acks, stop := recordAcks(driver)
	defer stop()

	ep := testEndpoint("panicky")
	teardown, err := Subscribe(e, ep, func(greeting) {
		panic("subscriber bug")
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer teardown.Close()

	if err := e.Send(greeting{Text: "boom"}, ep); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case ack := <-acks:
		if ack.accepted {
			t.Fatal("panicking callback committed the message")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("panicking callback never produced a rejection")
	}
}

// flakyManager wraps a broker manager and makes handler registration fail on
// demand.
type flakyManager struct {
	*transport.BrokerManager
	failRegister atomic.Bool
	registers    atomic.Int32
}

func (m *flakyManager) ProcessingGroup(transportID, destination string) (transport.ProcessingGroup, error) {
	group, err := m.BrokerManager.ProcessingGroup(transportID, destination)
	if err != nil {
		return nil, err
	}
	return &flakyGroup{ProcessingGroup: group, manager: m}, nil
}

type flakyGroup struct {
	transport.ProcessingGroup
	manager *flakyManager
}

func (g *flakyGroup) RegisterHandler(fn transport.HandlerFunc, typeFilter string) (io.Closer, error) {
	g.manager.registers.Add(1)
	if g.manager.failRegister.Load() {
		return nil, errRegisterBroken
	}
	return g.ProcessingGroup.RegisterHandler(fn, typeFilter)
}

var errRegisterBroken = &registerError{}

type registerError struct{}

func (*registerError) Error() string { return "register handler failed" }

func TestHandlerReregistersAfterTransportFailure(t *testing.T) {
	logger := logging.NewNopLogger()
	driver := channel.New(logger)
	broker := transport.NewBrokerManager(logger)
	broker.AddDriver("channel", driver)
	manager := &flakyManager{BrokerManager: broker}

	cfg := &config.Config{Transport: "channel"}
	e, err := New(cfg, manager, Options{Logger: logger})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Dispose()

	// Compress the retry interval: record requested delays, fire after 10ms.
	var retryDelays []time.Duration
	var retryMu sync.Mutex
	e.retryAfter = func(delay time.Duration, fn func()) Teardown {
		retryMu.Lock()
		retryDelays = append(retryDelays, delay)
		retryMu.Unlock()
		timer := time.AfterFunc(10*time.Millisecond, fn)
		return closerFunc(func() error {
			timer.Stop()
			return nil
		})
	}

	ep := testEndpoint("math.increment")
	teardown, err := RegisterHandler(e, func(q question) (answer, error) {
		return answer{N: q.N + 1}, nil
	}, ep)
	if err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}
	defer teardown.Close()

	// First re-install attempt fails, so a retry must be armed with the
	// configured interval.
	manager.failRegister.Store(true)
	before := manager.registers.Load()
	manager.Emit(transport.Event{TransportID: "channel", Kind: transport.Failure})

	deadline := time.Now().Add(2 * time.Second)
	for manager.registers.Load() == before {
		if time.Now().After(deadline) {
			t.Fatal("failure event did not trigger a re-install attempt")
		}
		time.Sleep(5 * time.Millisecond)
	}

	manager.failRegister.Store(false)
	deadline = time.Now().Add(2 * time.Second)
	for {
		retryMu.Lock()
		retried := len(retryDelays) > 0
		retryMu.Unlock()
		if retried {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("failed re-install never armed a retry")
		}
		time.Sleep(5 * time.Millisecond)
	}

	retryMu.Lock()
	if retryDelays[0] != cfg.HandlerReregisterInterval {
		t.Fatalf("retry delay = %v, want %v", retryDelays[0], cfg.HandlerReregisterInterval)
	}
	retryMu.Unlock()

	// After the compressed retry succeeds, requests are served again.
	deadline = time.Now().Add(2 * time.Second)
	for {
		resp, err := SendRequest[question, answer](e, question{N: 1}, ep, 200*time.Millisecond)
		if err == nil {
			if resp.N != 2 {
				t.Fatalf("response = %d, want 2", resp.N)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("requests still failing after re-register: %v", err)
		}
	}
}
