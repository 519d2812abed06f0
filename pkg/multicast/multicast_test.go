package multicast

import (
	"fmt"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/zephyrgroup/pkg/flush"
	"github.com/ryandielhenn/zephyrgroup/pkg/membership"
	"github.com/ryandielhenn/zephyrgroup/pkg/transport"
	"github.com/ryandielhenn/zephyrgroup/pkg/wire"
)

var groupID = uuid.Must(uuid.FromString("10000000-0000-0000-0000-000000000000"))

func testNode(i int) membership.Node {
	id := uuid.Must(uuid.FromString(fmt.Sprintf("00000000-0000-0000-0000-%012d", i)))
	return membership.NewNode(id, fmt.Sprintf("n%d", i), "", "", nil)
}

type cluster struct {
	t     *testing.T
	clock *clockwork.FakeClock
	nodes map[membership.NodeID]*member
	order []*member
	queue []wire.Message
	dead  map[membership.NodeID]bool
	cut   map[[2]membership.NodeID]bool
}

type member struct {
	c        *cluster
	node     membership.Node
	p        *Protocol
	got      []Delivery
	reported []membership.NodeID
	locks    []RemoteFlow
	unlocks  []RemoteFlow
}

func (m *member) Send(msg wire.Message) error {
	msg.From = m.node.ID
	m.c.queue = append(m.c.queue, msg)
	return nil
}

func (m *member) Deliver(d Delivery)                       { m.got = append(m.got, d) }
func (m *member) AddFailedMembers(ids ...membership.NodeID) { m.reported = append(m.reported, ids...) }
func (m *member) Lock(f RemoteFlow)                         { m.locks = append(m.locks, f) }
func (m *member) Unlock(f RemoteFlow)                       { m.unlocks = append(m.unlocks, f) }

func newCluster(t *testing.T, n int, cfg Config) *cluster {
	c := &cluster{
		t:     t,
		clock: clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		nodes: make(map[membership.NodeID]*member),
		dead:  make(map[membership.NodeID]bool),
		cut:   make(map[[2]membership.NodeID]bool),
	}
	for i := 1; i <= n; i++ {
		m := &member{c: c, node: testNode(i)}
		m.p = New(m.node.ID, cfg, c.clock, m, m, m, m, zaptest.NewLogger(t))
		c.nodes[m.node.ID] = m
		c.order = append(c.order, m)
	}
	return c
}

func (c *cluster) member(i int) *member {
	return c.order[i-1]
}

func (c *cluster) view(id int64, durable bool, idx ...int) *membership.Membership {
	var nodes []membership.Node
	for _, i := range idx {
		nodes = append(nodes, testNode(i))
	}
	return membership.NewMembership(id, membership.NewGroup(groupID, "g", true, durable, nodes))
}

func (c *cluster) install(m *membership.Membership) {
	for _, n := range m.Group.Members {
		c.nodes[n.ID].p.install(m)
	}
}

func (c *cluster) drain() {
	for steps := 0; len(c.queue) > 0; steps++ {
		require.Less(c.t, steps, 100000, "traffic did not settle")
		msg := c.queue[0]
		c.queue = c.queue[1:]
		if c.dead[msg.From] || c.dead[msg.To] || c.cut[[2]membership.NodeID{msg.From, msg.To}] {
			continue
		}
		c.nodes[msg.To].p.Receive(msg)
	}
}

func (c *cluster) tick(n int, d time.Duration) {
	for range n {
		c.clock.Advance(d)
		for _, m := range c.order {
			if !c.dead[m.node.ID] {
				m.p.OnTimer(c.clock.Now())
			}
		}
		c.drain()
	}
}

func payloads(ds []Delivery) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = string(d.Payload)
	}
	return out
}

func TestFIFODeliveryAndDeliveredCallbacks(t *testing.T) {
	t.Parallel()
	c := newCluster(t, 3, DefaultConfig())
	c.install(c.view(1, false, 1, 2, 3))
	sender := c.member(2)

	var confirmed []uint64
	var want []string
	for i := range 10 {
		body := fmt.Sprintf("m%d", i)
		want = append(want, body)
		_, err := sender.p.Send([]byte(body), OnDelivered(func(id MessageID) { confirmed = append(confirmed, id.Seq) }))
		require.NoError(t, err)
	}
	c.tick(10, 10*time.Millisecond)

	for i := 1; i <= 3; i++ {
		assert.Equal(t, want, payloads(c.member(i).got), "node %d", i)
	}
	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, confirmed)
	assert.EqualValues(t, 10, sender.p.own.stable)
	assert.Empty(t, c.member(1).p.peers[1].msgs, "stable messages are collected")
}

func TestTotalOrderAcrossSenders(t *testing.T) {
	t.Parallel()
	c := newCluster(t, 3, DefaultConfig())
	c.install(c.view(1, true, 1, 2, 3))

	for round := range 5 {
		for i := 1; i <= 3; i++ {
			_, err := c.member(i).p.Send([]byte(fmt.Sprintf("n%d-%d", i, round)))
			require.NoError(t, err)
		}
		c.tick(1, 5*time.Millisecond)
	}
	c.tick(10, 10*time.Millisecond)

	ref := c.member(1).got
	require.Len(t, ref, 15)
	for i := 2; i <= 3; i++ {
		assert.Equal(t, ref, c.member(i).got, "node %d", i)
	}
	last := make(map[membership.NodeID]uint64)
	for i, d := range ref {
		assert.Equal(t, Position{Epoch: 1, Index: uint64(i + 1)}, d.Position)
		assert.Greater(t, d.Seq, last[d.Sender])
		last[d.Sender] = d.Seq
	}
}

func TestSendRejectedWhenUnacknowledged(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.MaxUnacknowledgedMessageCount = 3
	c := newCluster(t, 2, cfg)
	sender := c.member(1)

	_, err := sender.p.Send([]byte("x"))
	assert.ErrorIs(t, err, ErrNotMember)

	c.install(c.view(1, false, 1, 2))
	for range 3 {
		_, err := sender.p.Send([]byte("x"))
		require.NoError(t, err)
	}
	_, err = sender.p.Send([]byte("x"))
	assert.ErrorIs(t, err, ErrNotReady)

	c.tick(5, 10*time.Millisecond)
	_, err = sender.p.Send([]byte("x"))
	assert.NoError(t, err)
}

func TestUnacknowledgedMemberReported(t *testing.T) {
	t.Parallel()
	c := newCluster(t, 3, DefaultConfig())
	c.install(c.view(1, false, 1, 2, 3))
	c.dead[testNode(3).ID] = true
	sender := c.member(1)

	_, err := sender.p.Send([]byte("x"), NoDelay())
	require.NoError(t, err)
	c.tick(5, 10*time.Millisecond)
	assert.Empty(t, sender.reported)

	c.clock.Advance(DefaultConfig().MaxUnacknowledgedPeriod)
	c.tick(1, time.Second)
	assert.Equal(t, []membership.NodeID{testNode(3).ID}, sender.reported)
}

func TestFlowLockedReceiverIsNotReported(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.LockQueueCapacity = 3
	cfg.UnlockQueueCapacity = 1
	c := newCluster(t, 2, cfg)
	c.install(c.view(1, false, 1, 2))
	sender, slow := c.member(1), c.member(2)

	slow.p.Hold()
	for i := range 5 {
		_, err := sender.p.Send([]byte(fmt.Sprintf("m%d", i)), NoDelay())
		require.NoError(t, err)
	}
	c.drain()
	require.Len(t, sender.locks, 1)

	c.clock.Advance(cfg.MaxUnacknowledgedPeriod)
	c.tick(1, time.Second)
	assert.Empty(t, sender.reported, "a locked receiver is not late")

	slow.p.Release()
	c.tick(5, 10*time.Millisecond)
	assert.Len(t, slow.got, 5)
	assert.Empty(t, sender.reported)
}

func TestFlowControlLocksSlowReceiver(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.LockQueueCapacity = 3
	cfg.UnlockQueueCapacity = 1
	c := newCluster(t, 2, cfg)
	c.install(c.view(1, false, 1, 2))
	sender, slow := c.member(1), c.member(2)
	flow := RemoteFlow{Sender: sender.node.ID, Receiver: slow.node.ID, Flow: FlowData}

	slow.p.Hold()
	for i := range 5 {
		_, err := sender.p.Send([]byte(fmt.Sprintf("m%d", i)), NoDelay())
		require.NoError(t, err)
	}
	c.drain()
	require.Equal(t, []RemoteFlow{flow}, sender.locks)
	assert.Empty(t, slow.got)

	_, err := sender.p.Send([]byte("m5"), NoDelay())
	require.NoError(t, err)
	c.drain()
	assert.EqualValues(t, 5, slow.p.peers[0].through, "locked outbox holds new messages")

	slow.p.Release()
	c.drain()
	assert.Equal(t, []RemoteFlow{flow}, sender.unlocks)
	assert.Len(t, slow.got, 5)

	c.tick(2, 10*time.Millisecond)
	assert.Equal(t, []string{"m0", "m1", "m2", "m3", "m4", "m5"}, payloads(slow.got))
}

func flushOn(old, next *membership.Membership) *flush.Flush {
	return &flush.Flush{Old: old, New: next}
}

// runFlush walks the survivors through the multicast side of a flush round.
func (c *cluster) runFlush(old, next *membership.Membership, started func()) map[membership.NodeID]*flush.Flush {
	flushes := make(map[membership.NodeID]*flush.Flush)
	for _, n := range next.Group.Members {
		f := flushOn(old, next)
		flushes[n.ID] = f
		c.nodes[n.ID].p.StartFlush(f)
	}
	if started != nil {
		started()
	}
	data := make(map[membership.NodeID][]byte)
	for _, n := range next.Group.Members {
		data[n.ID] = c.nodes[n.ID].p.ExchangeData(flushes[n.ID])
	}
	for _, n := range next.Group.Members {
		p := c.nodes[n.ID].p
		p.SetExchangedData(flushes[n.ID], data)
		p.BeforeProcessFlush(flushes[n.ID])
	}
	c.drain()
	for _, n := range next.Group.Members {
		c.nodes[n.ID].p.ProcessFlush(flushes[n.ID])
	}
	c.drain()
	return flushes
}

func TestFlushRetransmitsToTheCut(t *testing.T) {
	t.Parallel()
	c := newCluster(t, 3, DefaultConfig())
	v1 := c.view(1, true, 1, 2, 3)
	c.install(v1)
	a, b, failing := c.member(1), c.member(2), c.member(3)

	c.cut[[2]membership.NodeID{failing.node.ID, b.node.ID}] = true
	for i := range 3 {
		_, err := failing.p.Send([]byte(fmt.Sprintf("c%d", i)), NoDelay())
		require.NoError(t, err)
	}
	c.drain()
	c.dead[failing.node.ID] = true
	require.Len(t, a.got, 3)
	require.Empty(t, b.got)

	_, err := a.p.Send([]byte("late"))
	require.NoError(t, err)

	v2 := c.view(2, true, 1, 2)
	drained := false
	flushes := c.runFlush(v1, v2, func() {
		b.p.OnDrained(func() { drained = true })
		assert.False(t, drained)
	})

	for _, m := range []*member{a, b} {
		assert.True(t, flushes[m.node.ID].Granted(Name))
	}
	assert.Equal(t, payloads(a.got), payloads(b.got))
	assert.Equal(t, a.got, b.got)
	assert.Equal(t, []string{"c0", "c1", "c2", "late"}, payloads(b.got))
	assert.True(t, drained)

	_, err = a.p.Send([]byte("blocked"))
	assert.ErrorIs(t, err, ErrFlushInProgress)

	for _, m := range []*member{a, b} {
		m.p.EndFlush(flushes[m.node.ID])
		assert.EqualValues(t, 2, m.p.epoch)
	}
	_, err = b.p.Send([]byte("next"), NoDelay())
	require.NoError(t, err)
	c.tick(3, 10*time.Millisecond)
	assert.Equal(t, "next", string(a.got[len(a.got)-1].Payload))
	assert.Equal(t, Position{Epoch: 2, Index: 1}, a.got[len(a.got)-1].Position)
}

func TestFlushDeliversUntokenedTailInSenderOrder(t *testing.T) {
	t.Parallel()
	c := newCluster(t, 3, DefaultConfig())
	v1 := c.view(1, true, 1, 2, 3)
	c.install(v1)
	sequencer, b, d := c.member(1), c.member(2), c.member(3)
	c.dead[sequencer.node.ID] = true

	_, err := d.p.Send([]byte("d0"), NoDelay())
	require.NoError(t, err)
	_, err = b.p.Send([]byte("b0"), NoDelay())
	require.NoError(t, err)
	_, err = d.p.Send([]byte("d1"), NoDelay())
	require.NoError(t, err)
	c.drain()
	require.Empty(t, b.got)

	flushes := c.runFlush(v1, c.view(2, true, 2, 3), nil)
	assert.True(t, flushes[b.node.ID].Granted(Name))
	assert.True(t, flushes[d.node.ID].Granted(Name))
	assert.Equal(t, []string{"b0", "d0", "d1"}, payloads(b.got))
	assert.Equal(t, b.got, d.got)
}

func TestFutureEpochTrafficIsReplayedOrPurged(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	c := newCluster(t, 2, cfg)
	c.install(c.view(1, false, 1, 2))
	a, b := c.member(1), c.member(2)

	v2 := c.view(2, false, 1, 2)
	b.p.install(v2)
	_, err := b.p.Send([]byte("early"), NoDelay())
	require.NoError(t, err)
	c.drain()
	assert.Empty(t, a.got)
	require.Contains(t, a.p.future, int64(2))

	a.p.install(v2)
	assert.Equal(t, []string{"early"}, payloads(a.got))
	assert.Empty(t, a.p.future)

	a.p.Receive(wire.Message{From: b.node.ID, To: a.node.ID, Part: &DataBundle{Epoch: 9}})
	require.Contains(t, a.p.future, int64(9))
	c.clock.Advance(cfg.MaxIdleReceiveQueuePeriod + time.Second)
	a.p.OnTimer(c.clock.Now())
	assert.NotContains(t, a.p.future, int64(9))
}

func TestCurrentEpochGapIsKeptPastIdlePeriod(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	c := newCluster(t, 2, cfg)
	c.install(c.view(1, false, 1, 2))
	a, b := c.member(1), c.member(2)
	bundle := func(seq uint64) wire.Message {
		return wire.Message{From: b.node.ID, To: a.node.ID, Part: &DataBundle{
			Epoch:    1,
			Messages: []Message{{Epoch: 1, Sender: b.node.ID, Seq: seq, Payload: []byte(fmt.Sprintf("m%d", seq))}},
		}}
	}

	a.p.Receive(bundle(2))
	assert.Empty(t, a.got)
	c.clock.Advance(cfg.MaxIdleReceiveQueuePeriod + time.Second)
	a.p.OnTimer(c.clock.Now())

	a.p.Receive(bundle(1))
	assert.Equal(t, []string{"m1", "m2"}, payloads(a.got))
}

type handlerFunc func(msg wire.Message)

func (f handlerFunc) Receive(msg wire.Message) { f(msg) }

func TestPullModelThroughMemNetwork(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Pull = true
	clock := clockwork.NewFakeClock()
	net := transport.NewMemNetwork(transport.WithPullBatch(1))
	view := membership.NewMembership(1, membership.NewGroup(groupID, "g", true, false, []membership.Node{testNode(1), testNode(2)}))
	exec := func(fn func()) { fn() }

	protocols := make([]*Protocol, 2)
	var got []string
	for i := range 2 {
		id := testNode(i + 1).ID
		idx := i
		ep := net.Attach(id, handlerFunc(func(msg wire.Message) { protocols[idx].Receive(msg) }), exec, true)
		recv := ReceiverFunc(func(d Delivery) {
			if idx == 1 {
				got = append(got, string(d.Payload))
			}
		})
		protocols[i] = New(id, cfg, clock, ep, recv, nil, nil, zaptest.NewLogger(t))
		protocols[i].install(view)
	}

	for i := range 3 {
		_, err := protocols[0].Send([]byte(fmt.Sprintf("m%d", i)), NoDelay())
		require.NoError(t, err)
	}
	assert.Empty(t, got, "pull transport sends nothing before it is pumped")

	for range 3 {
		net.Pump()
	}
	assert.Equal(t, []string{"m0", "m1", "m2"}, got)
}
