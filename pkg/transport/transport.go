// Package transport holds the contracts the group core expects from the point to
// point transport, together with an in-memory network used by tests and the
// simulation harness and an HTTP transport used by cmd/server.
package transport

import (
	"sync"

	"github.com/ryandielhenn/zephyrgroup/pkg/membership"
	"github.com/ryandielhenn/zephyrgroup/pkg/wire"
)

// Handler accepts inbound messages. Implementations hand the message over to
// their compartment and return immediately.
type Handler interface {
	Receive(msg wire.Message)
}

// Transport is the push model: Send hands a message to the network.
type Transport interface {
	Send(msg wire.Message) error
}

// Sink accepts messages for one destination in the pull model. Offer returns
// false when the transport cannot take more right now. SetReady tells the
// transport whether the feed has something to send.
type Sink interface {
	Offer(msg wire.Message) bool
	SetReady(ready bool)
}

// Feed is called by a pull transport when the destination can accept traffic.
type Feed interface {
	Feed(sink Sink)
}

// PullTransport is implemented by transports that apply back-pressure.
type PullTransport interface {
	Transport
	Register(dest membership.NodeID, feed Feed) Sink
	Unregister(dest membership.NodeID)
}

// Reconnector is notified when a peer failed, as opposed to having left.
type Reconnector interface {
	Reconnect(id membership.NodeID)
}

// LiveNodeProvider resolves node identities.
type LiveNodeProvider interface {
	LocalNode() membership.Node
	LiveNodes() []membership.Node
	FindByID(id membership.NodeID) (membership.Node, bool)
	FindByName(name string) (membership.Node, bool)
}

// Directory is a LiveNodeProvider fed from discovery and installed memberships.
type Directory struct {
	local membership.Node

	mu    sync.RWMutex
	nodes map[membership.NodeID]membership.Node
}

func NewDirectory(local membership.Node) *Directory {
	d := &Directory{local: local, nodes: make(map[membership.NodeID]membership.Node)}
	d.nodes[local.ID] = local
	return d
}

func (d *Directory) LocalNode() membership.Node {
	return d.local
}

func (d *Directory) Update(nodes ...membership.Node) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, n := range nodes {
		d.nodes[n.ID] = n
	}
}

func (d *Directory) Remove(id membership.NodeID) {
	if id == d.local.ID {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.nodes, id)
}

func (d *Directory) LiveNodes() []membership.Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]membership.Node, 0, len(d.nodes))
	for _, n := range d.nodes {
		out = append(out, n)
	}
	return membership.NewGroup(membership.NodeID{}, "", false, false, out).Members
}

func (d *Directory) FindByID(id membership.NodeID) (membership.Node, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n, ok := d.nodes[id]
	return n, ok
}

func (d *Directory) FindByName(name string) (membership.Node, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, n := range d.nodes {
		if n.Name == name {
			return n, true
		}
	}
	return membership.Node{}, false
}
