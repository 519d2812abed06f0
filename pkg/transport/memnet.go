package transport

import (
	"sync"

	"github.com/ryandielhenn/zephyrgroup/pkg/membership"
	"github.com/ryandielhenn/zephyrgroup/pkg/wire"
)

// MemNetwork is an in-process network. Delivery is synchronous: Send calls the
// destination handler directly, which preserves per-link FIFO order.
// Killed nodes and cut links drop traffic silently.
type MemNetwork struct {
	mu        sync.Mutex
	endpoints map[membership.NodeID]*MemEndpoint
	killed    map[membership.NodeID]bool
	cut       map[link]bool
	registry  *wire.Registry
	pullBatch int
	sent      int
	dropped   int
}

type link struct {
	from, to membership.NodeID
}

type MemOption func(n *MemNetwork)

// WithCodec round-trips every message through the registry.
func WithCodec(r *wire.Registry) MemOption {
	return func(n *MemNetwork) { n.registry = r }
}

// WithPullBatch sets how many messages a pull sink accepts per Pump.
func WithPullBatch(batch int) MemOption {
	return func(n *MemNetwork) { n.pullBatch = batch }
}

func NewMemNetwork(opts ...MemOption) *MemNetwork {
	n := &MemNetwork{
		endpoints: make(map[membership.NodeID]*MemEndpoint),
		killed:    make(map[membership.NodeID]bool),
		cut:       make(map[link]bool),
		pullBatch: 16,
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Attach connects a node. exec schedules feed callbacks on the node's
// compartment; pull selects the pull model for outbound traffic.
func (n *MemNetwork) Attach(id membership.NodeID, h Handler, exec func(func()), pull bool) *MemEndpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	e := &MemEndpoint{net: n, id: id, handler: h, exec: exec, pull: pull, sinks: make(map[membership.NodeID]*memSink)}
	n.endpoints[id] = e
	delete(n.killed, id)
	return e
}

func (n *MemNetwork) Kill(id membership.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.killed[id] = true
}

func (n *MemNetwork) Disconnect(a, b membership.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cut[link{a, b}] = true
	n.cut[link{b, a}] = true
}

func (n *MemNetwork) Reconnect(a, b membership.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.cut, link{a, b})
	delete(n.cut, link{b, a})
}

func (n *MemNetwork) Stats() (sent, dropped int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent, n.dropped
}

func (n *MemNetwork) deliver(msg wire.Message) error {
	n.mu.Lock()
	dst, ok := n.endpoints[msg.To]
	if !ok || n.killed[msg.From] || n.killed[msg.To] || n.cut[link{msg.From, msg.To}] {
		n.dropped++
		n.mu.Unlock()
		return nil
	}
	n.sent++
	reg := n.registry
	n.mu.Unlock()

	if reg != nil {
		data, err := reg.Encode(msg)
		if err != nil {
			return err
		}
		if msg, err = reg.Decode(data); err != nil {
			return err
		}
	}
	dst.handler.Receive(msg)
	return nil
}

// Pump offers every ready pull sink a batch of credit. It returns the number
// of feeds scheduled.
func (n *MemNetwork) Pump() int {
	n.mu.Lock()
	var ready []*memSink
	for _, e := range n.endpoints {
		if n.killed[e.id] {
			continue
		}
		for _, s := range e.sinks {
			if s.ready {
				s.ready = false
				s.credit = n.pullBatch
				ready = append(ready, s)
			}
		}
	}
	n.mu.Unlock()
	for _, s := range ready {
		s.owner.exec(func() { s.feed.Feed(s) })
	}
	return len(ready)
}

// MemEndpoint is one node's attachment to a MemNetwork.
type MemEndpoint struct {
	net     *MemNetwork
	id      membership.NodeID
	handler Handler
	exec    func(func())
	pull    bool
	sinks   map[membership.NodeID]*memSink
}

func (e *MemEndpoint) Send(msg wire.Message) error {
	msg.From = e.id
	return e.net.deliver(msg)
}

func (e *MemEndpoint) Reconnect(membership.NodeID) {}

// Pull reports whether the endpoint was attached in pull mode.
func (e *MemEndpoint) Pull() bool {
	return e.pull
}

func (e *MemEndpoint) Register(dest membership.NodeID, feed Feed) Sink {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	s := &memSink{owner: e, dest: dest, feed: feed}
	e.sinks[dest] = s
	return s
}

func (e *MemEndpoint) Unregister(dest membership.NodeID) {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	delete(e.sinks, dest)
}

type memSink struct {
	owner  *MemEndpoint
	dest   membership.NodeID
	feed   Feed
	ready  bool
	credit int
}

func (s *memSink) Offer(msg wire.Message) bool {
	s.owner.net.mu.Lock()
	if s.credit <= 0 {
		s.owner.net.mu.Unlock()
		return false
	}
	s.credit--
	s.owner.net.mu.Unlock()
	msg.To = s.dest
	_ = s.owner.Send(msg)
	return true
}

func (s *memSink) SetReady(ready bool) {
	s.owner.net.mu.Lock()
	defer s.owner.net.mu.Unlock()
	s.ready = ready
}
