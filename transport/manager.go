package transport

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/drblury/busflow/internal/engine/logging"
)

// BrokerManager is the default Manager implementation. It owns one driver per
// transport id, caches processing groups per (transport, destination), and
// fans transport events out to every registered observer.
type BrokerManager struct {
	mu      sync.Mutex
	drivers map[string]Driver
	groups  map[groupKey]ProcessingGroup
	closed  bool

	obsMu     sync.Mutex
	observers map[int]func(Event)
	nextObsID int

	logger logging.ServiceLogger
}

type groupKey struct {
	transportID string
	destination string
}

// NewBrokerManager creates an empty manager. Drivers are attached with
// AddDriver or built from the registry with BuildBrokerManager.
func NewBrokerManager(logger logging.ServiceLogger) *BrokerManager {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &BrokerManager{
		drivers:   make(map[string]Driver),
		groups:    make(map[groupKey]ProcessingGroup),
		observers: make(map[int]func(Event)),
		logger:    logger,
	}
}

// BuildBrokerManager constructs a manager with a single driver built from the
// default registry for the transport named in cfg. The driver is registered
// under that same name as its transport id.
func BuildBrokerManager(ctx context.Context, cfg Config, logger logging.ServiceLogger) (*BrokerManager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	m := NewBrokerManager(logger)

	name := cfg.GetTransport()
	driver, err := DefaultRegistry.Build(ctx, name, cfg, logger, m.Emit)
	if err != nil {
		return nil, err
	}
	m.AddDriver(name, driver)
	return m, nil
}

// AddDriver registers a driver under the given transport id.
func (m *BrokerManager) AddDriver(transportID string, driver Driver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[transportID] = driver
}

// ProcessingGroup implements Manager. Groups are created on first use and
// cached for the life of the manager.
func (m *BrokerManager) ProcessingGroup(transportID, destination string) (ProcessingGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("transport manager is closed")
	}

	key := groupKey{transportID, destination}
	if group, ok := m.groups[key]; ok {
		return group, nil
	}

	driver, ok := m.drivers[transportID]
	if !ok {
		return nil, fmt.Errorf("unknown transport id: %q", transportID)
	}

	group, err := driver.Open(destination)
	if err != nil {
		return nil, err
	}
	m.groups[key] = group
	return group, nil
}

// OnEvent implements Manager. The callback runs on its own goroutine per
// event; panics are logged and swallowed so one misbehaving observer cannot
// starve the rest.
func (m *BrokerManager) OnEvent(fn func(Event)) io.Closer {
	m.obsMu.Lock()
	id := m.nextObsID
	m.nextObsID++
	m.observers[id] = fn
	m.obsMu.Unlock()

	return closerFunc(func() error {
		m.obsMu.Lock()
		delete(m.observers, id)
		m.obsMu.Unlock()
		return nil
	})
}

// Emit delivers an event to every registered observer. Drivers call this on
// connection-state changes; tests use it to simulate failures.
func (m *BrokerManager) Emit(ev Event) {
	m.obsMu.Lock()
	observers := make([]func(Event), 0, len(m.observers))
	for _, fn := range m.observers {
		observers = append(observers, fn)
	}
	m.obsMu.Unlock()

	for _, fn := range observers {
		go m.dispatchEvent(fn, ev)
	}
}

func (m *BrokerManager) dispatchEvent(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("transport event observer panicked", fmt.Errorf("%v", r), logging.LogFields{
				"transport_id": ev.TransportID,
				"event":        ev.Kind.String(),
			})
		}
	}()
	fn(ev)
}

// Close implements Manager. It closes every driver; processing groups are
// owned by their drivers.
func (m *BrokerManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	drivers := make([]Driver, 0, len(m.drivers))
	for _, d := range m.drivers {
		drivers = append(drivers, d)
	}
	m.mu.Unlock()

	var firstErr error
	for _, d := range drivers {
		if err := d.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
