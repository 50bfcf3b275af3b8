// Package broker implements the hpfeeds broker core: the per-channel
// broadcast fan-out, the subscriber registry, the per-connection state
// machine, and the TCP (optionally TLS) listener.
package broker

import "sync"

// DefaultChannelCapacity is the per-subscriber in-flight queue depth for
// a channel's broadcast sender.
const DefaultChannelCapacity = 65536

// -------------------------------------------------------------------------
// Sender — multi-consumer broadcast with drop-oldest overflow
// -------------------------------------------------------------------------

// Sender fans encoded frames out to every subscribed Receiver.
//
// Messages are kept in a shared ring of fixed capacity; each Receiver
// tracks its own read position. Send never blocks: when a receiver has
// fallen more than the ring capacity behind, its oldest pending messages
// are overwritten and the gap is surfaced once as a lag count on its
// next receive. This is a deliberate prefer-latest, tolerate-drop policy
// for high-volume feeds -- a slow subscriber can never stall a publisher.
//
// Senders are created by the Registry on first subscribe and live for
// the process lifetime. All methods are safe for concurrent use.
type Sender struct {
	mu       sync.Mutex
	ring     [][]byte
	head     uint64 // sequence number of the next message to be written
	capacity uint64
	subs     map[*Receiver]struct{}
}

// NewSender creates a Sender with the given per-subscriber queue depth.
// Capacities below 1 fall back to DefaultChannelCapacity.
func NewSender(capacity int) *Sender {
	if capacity < 1 {
		capacity = DefaultChannelCapacity
	}
	return &Sender{
		ring:     make([][]byte, capacity),
		capacity: uint64(capacity),
		subs:     make(map[*Receiver]struct{}),
	}
}

// Send delivers msg to every current subscriber. The slice is shared by
// reference among all receivers; callers must not mutate it afterwards.
// Send never blocks and never fails: with no subscribers it is a no-op.
func (s *Sender) Send(msg []byte) {
	s.mu.Lock()
	s.ring[s.head%s.capacity] = msg
	s.head++
	for r := range s.subs {
		// Non-blocking: a pending wakeup already covers this message.
		select {
		case r.wake <- struct{}{}:
		default:
		}
	}
	s.mu.Unlock()
}

// Subscribe registers a new Receiver starting at the current head (it
// sees only messages sent after this call). The wake channel receives a
// non-blocking signal on every Send; several receivers owned by one
// connection typically share a single wake channel.
func (s *Sender) Subscribe(wake chan<- struct{}) *Receiver {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := &Receiver{
		sender: s,
		next:   s.head,
		wake:   wake,
	}
	s.subs[r] = struct{}{}
	return r
}

// subscriberCount returns the number of live receivers. Test hook.
func (s *Sender) subscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// -------------------------------------------------------------------------
// Receiver — per-subscriber cursor into the ring
// -------------------------------------------------------------------------

// Receiver is one subscriber's handle on a Sender. It borrows the
// Sender; dropping the Receiver (via Close) leaves the Sender in place
// with one fewer reader. Receivers are owned by a single connection
// task and must not be shared.
type Receiver struct {
	sender *Sender
	next   uint64
	wake   chan<- struct{}
}

// TryRecv returns the next pending message without blocking.
//
// Returns (msg, 0, true) for an in-order message, (nil, n, true) when
// the receiver lagged and n messages were dropped (the cursor has been
// advanced past the gap; the following call returns the oldest retained
// message), and (nil, 0, false) when nothing is pending.
func (r *Receiver) TryRecv() ([]byte, uint64, bool) {
	s := r.sender
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.next == s.head {
		return nil, 0, false
	}

	var oldest uint64
	if s.head > s.capacity {
		oldest = s.head - s.capacity
	}
	if r.next < oldest {
		// Overwritten entries: report the gap once, then resume from the
		// oldest message still in the ring.
		n := oldest - r.next
		r.next = oldest
		return nil, n, true
	}

	msg := s.ring[r.next%s.capacity]
	r.next++
	return msg, 0, true
}

// Close detaches the receiver from its sender. Safe to call more than
// once.
func (r *Receiver) Close() {
	s := r.sender
	s.mu.Lock()
	delete(s.subs, r)
	s.mu.Unlock()
}
