package transport

import "sync"

// Capabilities describes the delivery guarantees of a transport backend.
// Drivers register their capability set alongside their builder so callers
// can introspect what a configured transport actually provides.
type Capabilities struct {
	// Name is the transport name the set is registered under.
	Name string

	// SupportsAck indicates deliveries require explicit acknowledgement.
	SupportsAck bool

	// SupportsNack indicates a rejected delivery is redelivered later.
	SupportsNack bool

	// SupportsTTL indicates Send honors the message lifespan. Transports
	// without retention ignore the TTL.
	SupportsTTL bool

	// SupportsOrdering indicates messages on one destination arrive in
	// publish order.
	SupportsOrdering bool
}

// ReliableDelivery reports whether the transport delivers at least once:
// unacknowledged or rejected messages come back.
func (c Capabilities) ReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

var (
	capsMu sync.RWMutex
	caps   = map[string]Capabilities{}
)

// RegisterCapabilities records the capability set for c.Name, replacing any
// previous registration. Driver packages call this from init.
func RegisterCapabilities(c Capabilities) {
	capsMu.Lock()
	defer capsMu.Unlock()
	caps[c.Name] = c
}

// CapabilitiesFor returns the capability set registered under name. Unknown
// transports yield the zero value, which claims nothing.
func CapabilitiesFor(name string) Capabilities {
	capsMu.RLock()
	defer capsMu.RUnlock()
	return caps[name]
}
