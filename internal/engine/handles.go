package engine

import (
	"sync"

	"github.com/drblury/busflow/internal/engine/logging"
)

// handleRegistry owns teardown tokens for subscriptions and handler
// registrations. Outstanding requests are not registered here; the request
// tracker owns their handles. Tokens carry
// an integer id into the registry instead of capturing themselves, and
// disposing is idempotent. Shutdown disposes tokens in insertion order,
// refetching the head each step because each dispose mutates the set.
type handleRegistry struct {
	logger logging.ServiceLogger

	mu          sync.Mutex
	nextID      int
	destructors map[int]func() error
	order       []int
}

func newHandleRegistry(logger logging.ServiceLogger) *handleRegistry {
	return &handleRegistry{
		logger:      logger,
		destructors: make(map[int]func() error),
	}
}

// CreateHandle registers destructor and returns its teardown token. Closing
// the token runs the destructor once and removes it from the registry.
func (r *handleRegistry) CreateHandle(destructor func() error) Teardown {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.destructors[id] = destructor
	r.order = append(r.order, id)
	r.mu.Unlock()

	return &registryToken{registry: r, id: id}
}

// Len reports the number of live tokens.
func (r *handleRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.destructors)
}

// dispose removes id and runs its destructor outside the lock. Returns nil
// when the token was already disposed.
func (r *handleRegistry) dispose(id int) error {
	r.mu.Lock()
	destructor, ok := r.destructors[id]
	if ok {
		delete(r.destructors, id)
	}
	r.mu.Unlock()

	if !ok || destructor == nil {
		return nil
	}
	return destructor()
}

// head returns the oldest live token id, or false when the registry is empty.
func (r *handleRegistry) head() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.order) > 0 {
		id := r.order[0]
		if _, ok := r.destructors[id]; ok {
			return id, true
		}
		r.order = r.order[1:]
	}
	return 0, false
}

// DisposeAll disposes every live token, oldest first. Destructor errors are
// logged and do not stop the sweep.
func (r *handleRegistry) DisposeAll() {
	for {
		id, ok := r.head()
		if !ok {
			return
		}
		if err := r.dispose(id); err != nil {
			r.logger.Error("handle teardown failed", err, nil)
		}
	}
}

type registryToken struct {
	registry *handleRegistry
	id       int
}

func (t *registryToken) Close() error {
	return t.registry.dispose(t.id)
}
