package engine

import (
	"reflect"
	"sync"
)

// DispatchFunc handles one dispatched message within a bounded context.
type DispatchFunc func(msg any, boundedContext string)

// Dispatcher routes messages to handlers registered per message type.
// Handlers are registered explicitly; a typed convenience wrapper lives in
// RegisterDispatch.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[reflect.Type][]DispatchFunc
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[reflect.Type][]DispatchFunc)}
}

// Register adds fn as a handler for messages of the given type.
func (d *Dispatcher) Register(t reflect.Type, fn DispatchFunc) {
	d.mu.Lock()
	d.handlers[t] = append(d.handlers[t], fn)
	d.mu.Unlock()
}

// RegisterDispatch registers a typed handler with the dispatcher.
func RegisterDispatch[T any](d *Dispatcher, fn func(msg T, boundedContext string)) {
	d.Register(reflect.TypeFor[T](), func(msg any, boundedContext string) {
		fn(msg.(T), boundedContext)
	})
}

// Dispatch invokes every handler registered for the dynamic type of msg and
// reports how many ran.
func (d *Dispatcher) Dispatch(msg any, boundedContext string) int {
	d.mu.RLock()
	handlers := d.handlers[reflect.TypeOf(msg)]
	d.mu.RUnlock()

	for _, fn := range handlers {
		fn(msg, boundedContext)
	}
	return len(handlers)
}
