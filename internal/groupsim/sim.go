// Package groupsim runs several channels in one goroutine over the in-memory
// network. Time only moves on Step, and every compartment is drained after
// each step, so a scenario replays the same way every time.
package groupsim

import (
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgroup/pkg/discovery"
	"github.com/ryandielhenn/zephyrgroup/pkg/group"
	"github.com/ryandielhenn/zephyrgroup/pkg/kv"
	"github.com/ryandielhenn/zephyrgroup/pkg/membership"
	"github.com/ryandielhenn/zephyrgroup/pkg/multicast"
	"github.com/ryandielhenn/zephyrgroup/pkg/transport"
	"github.com/ryandielhenn/zephyrgroup/pkg/wire"
)

// maxSettleRounds bounds Settle so a livelocked protocol fails a scenario
// instead of hanging it.
const maxSettleRounds = 100000

type Options struct {
	Config group.Config
	// MinGroupSize is the number of discovered nodes needed to form a group.
	MinGroupSize int
	// Capacity is the byte capacity of every node's store.
	Capacity int
	Logger   *zap.Logger
}

func DefaultOptions() Options {
	cfg := group.DefaultConfig()
	cfg.Name = "sim"
	return Options{Config: cfg, MinGroupSize: 1, Capacity: 64 << 20, Logger: zap.NewNop()}
}

type Sim struct {
	Clock *clockwork.FakeClock
	Net   *transport.MemNetwork

	opts  Options
	nodes []*Node
}

func New(opts Options) *Sim {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	r := wire.NewRegistry()
	group.RegisterParts(r)
	return &Sim{
		Clock: clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		Net:   transport.NewMemNetwork(transport.WithCodec(r)),
		opts:  opts,
	}
}

// NodeID is the id of the i-th node, counting from one.
func NodeID(i int) membership.NodeID {
	return uuid.Must(uuid.FromString(fmt.Sprintf("00000000-0000-0000-0000-%012d", i)))
}

// AddNodes creates and starts n nodes. Each discovers every node created so
// far, its own batch included.
func (s *Sim) AddNodes(n int) ([]*Node, error) {
	first := len(s.nodes) + 1
	all := make([]membership.Node, 0, len(s.nodes)+n)
	for _, existing := range s.nodes {
		all = append(all, existing.Node)
	}
	for i := first; i < first+n; i++ {
		all = append(all, membership.NewNode(NodeID(i), fmt.Sprintf("n%d", i), "", "", nil))
	}

	added := make([]*Node, 0, n)
	for _, local := range all[first-1:] {
		node, err := s.newNode(local, discovery.NewStatic(s.opts.MinGroupSize, all...))
		if err != nil {
			return nil, err
		}
		added = append(added, node)
	}
	for _, node := range added {
		node.Channel.Start()
	}
	return added, nil
}

func (s *Sim) newNode(local membership.Node, disc discovery.Discovery) (*Node, error) {
	logger := s.opts.Logger.With(zap.String("sim.node", local.Name))
	n := &Node{
		sim:   s,
		Node:  local,
		Store: kv.NewStore(s.opts.Capacity, s.Clock, logger),
		alive: true,
	}
	n.Events.store = n.Store
	pull := s.opts.Config.Multicast.Pull
	dial := func(h transport.Handler, exec func(func())) transport.Transport {
		return s.Net.Attach(local.ID, h, exec, pull)
	}
	ch, err := group.NewChannel(local, s.opts.Config, dial, disc, (*app)(n),
		group.WithClock(s.Clock), group.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("groupsim: node %s: %w", local.Name, err)
	}
	n.Channel = ch
	ch.AddListener(&n.Events)
	s.nodes = append(s.nodes, n)
	return n, nil
}

// Nodes returns every node ever added, dead ones included.
func (s *Sim) Nodes() []*Node {
	return s.nodes
}

// Live returns the nodes that were neither killed nor left.
func (s *Sim) Live() []*Node {
	var out []*Node
	for _, n := range s.nodes {
		if n.Alive() {
			out = append(out, n)
		}
	}
	return out
}

// Step advances the clock by one tick period, runs every live node's timers
// and settles the network.
func (s *Sim) Step() {
	s.Clock.Advance(s.opts.Config.TickPeriod)
	for _, n := range s.Live() {
		n.Channel.Tick()
	}
	s.Settle()
}

// Settle runs queued work and pull credit until no node has anything left to do.
func (s *Sim) Settle() {
	for range maxSettleRounds {
		work := s.Net.Pump()
		for _, n := range s.Live() {
			work += n.Channel.Process()
		}
		if work == 0 {
			return
		}
	}
	s.opts.Logger.Warn("simulation did not settle")
}

// Run steps for d of simulated time.
func (s *Sim) Run(d time.Duration) {
	for end := s.Clock.Now().Add(d); s.Clock.Now().Before(end); {
		s.Step()
	}
}

// RunUntil steps until cond holds, for at most d of simulated time.
func (s *Sim) RunUntil(d time.Duration, cond func() bool) bool {
	for end := s.Clock.Now().Add(d); ; {
		if cond() {
			return true
		}
		if !s.Clock.Now().Before(end) {
			return false
		}
		s.Step()
	}
}

// Kill crashes n. Its traffic is dropped and its timers stop.
func (s *Sim) Kill(n *Node) {
	n.alive = false
	s.Net.Kill(n.Node.ID)
}

// Leave makes n leave gracefully and settles the network.
func (s *Sim) Leave(n *Node) {
	n.Channel.Leave()
	s.Settle()
	n.alive = false
}

// Exec runs fn on n's compartment and settles the network.
func (s *Sim) Exec(n *Node, fn func()) {
	n.Channel.Offer(fn)
	s.Settle()
}

// Converged reports whether every live node installed the same membership
// holding exactly the live nodes.
func (s *Sim) Converged() bool {
	live := s.Live()
	if len(live) == 0 {
		return false
	}
	first := live[0].Channel.Membership()
	if first == nil || len(first.Group.Members) != len(live) {
		return false
	}
	for _, n := range live {
		m := n.Channel.Membership()
		if m == nil || m.ID != first.ID || !first.Contains(n.Node.ID) {
			return false
		}
	}
	return true
}

// Node is one simulated group member with a kv store as its application.
type Node struct {
	sim     *Sim
	Node    membership.Node
	Channel *group.Channel
	Store   *kv.Store
	Events  Recorder
	alive   bool
}

func (n *Node) Alive() bool {
	return n.alive && !n.Channel.Left()
}

// Put multicasts a kv put. The result of the send is recorded in Events.
func (n *Node) Put(key, value string) {
	cmd := kv.PutCommand(key, []byte(value), 0, n.sim.Clock.Now())
	b, err := cmd.Encode()
	if err != nil {
		n.Events.SendErrors = append(n.Events.SendErrors, err)
		return
	}
	n.Channel.Offer(func() {
		if _, err := n.Channel.TrySend(b, multicast.NoDelay()); err != nil {
			n.Events.SendErrors = append(n.Events.SendErrors, err)
		}
	})
}

// app records every delivery before handing it to the store.
type app Node

func (a *app) Deliver(d multicast.Delivery) {
	a.Events.Delivered = append(a.Events.Delivered, d)
	a.Store.Deliver(d)
}

func (a *app) SaveSnapshot() ([]byte, error)   { return a.Store.SaveSnapshot() }
func (a *app) LoadSnapshot(data []byte) error  { return a.Store.LoadSnapshot(data) }
func (a *app) IsModifying(payload []byte) bool { return a.Store.IsModifying(payload) }

// Recorder keeps everything a node's listener and application observed.
type Recorder struct {
	store *kv.Store

	Joined     []*membership.Membership
	Changes    []group.Event
	Left       []group.LeaveReason
	LeftErr    error
	Delivered  []multicast.Delivery
	SendErrors []error
	// Installs holds the id of every membership the node was notified about.
	Installs []int64
	// AppliedAtJoin is the number of commands the store held when the node
	// was told it joined.
	AppliedAtJoin uint64
}

func (r *Recorder) OnJoined(m *membership.Membership) {
	r.Joined = append(r.Joined, m)
	r.AppliedAtJoin = r.store.Applied()
	r.Installs = append(r.Installs, m.ID)
}

func (r *Recorder) OnMembershipChanged(e group.Event) {
	r.Changes = append(r.Changes, e)
	r.Installs = append(r.Installs, e.New.ID)
}

func (r *Recorder) OnLeft(reason group.LeaveReason, err error) {
	r.Left = append(r.Left, reason)
	r.LeftErr = err
}

// Payloads returns the delivered payloads in delivery order.
func (r *Recorder) Payloads() []string {
	out := make([]string, len(r.Delivered))
	for i, d := range r.Delivered {
		out[i] = string(d.Payload)
	}
	return out
}

// Values returns the values of the kv puts delivered, in delivery order.
func (r *Recorder) Values() []string {
	var out []string
	for _, d := range r.Delivered {
		if c, err := kv.DecodeCommand(d.Payload); err == nil && c.Op == kv.OpPut {
			out = append(out, string(c.Value))
		}
	}
	return out
}
