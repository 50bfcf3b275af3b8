package broker

import "sync"

// -------------------------------------------------------------------------
// Registry — channel name -> broadcast sender
// -------------------------------------------------------------------------

// Registry maps channel names to their broadcast Senders. Entries are
// created lazily on first subscribe and are never removed: hot fan-in
// patterns repeatedly subscribe and unsubscribe from the same channels,
// and churning senders would force every publisher through the slow
// create path. Senders are shared across all connections.
type Registry struct {
	mu       sync.RWMutex
	senders  map[string]*Sender
	capacity int
}

// NewRegistry creates a Registry whose senders are allocated with the
// given per-subscriber queue depth. Capacities below 1 fall back to
// DefaultChannelCapacity.
func NewRegistry(capacity int) *Registry {
	if capacity < 1 {
		capacity = DefaultChannelCapacity
	}
	return &Registry{
		senders:  make(map[string]*Sender),
		capacity: capacity,
	}
}

// Lookup returns the sender for channel if one exists. Used on the
// publish path: a channel nobody has ever subscribed to has no sender,
// and the publish is dropped.
func (g *Registry) Lookup(channel string) (*Sender, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	s, ok := g.senders[channel]
	return s, ok
}

// Sender returns the sender for channel, creating it if necessary.
// Concurrent first subscribes to the same channel resolve to a single
// sender: the write lock re-checks before inserting.
func (g *Registry) Sender(channel string) *Sender {
	g.mu.RLock()
	s, ok := g.senders[channel]
	g.mu.RUnlock()
	if ok {
		return s
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if s, ok := g.senders[channel]; ok {
		return s
	}
	s = NewSender(g.capacity)
	g.senders[channel] = s
	return s
}

// Channels returns the number of registered channels. Test hook.
func (g *Registry) Channels() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.senders)
}

// Subscribers returns the number of live receivers on channel, or zero
// if the channel has no sender. Introspection for tests and monitoring.
func (g *Registry) Subscribers(channel string) int {
	s, ok := g.Lookup(channel)
	if !ok {
		return 0
	}
	return s.subscriberCount()
}
