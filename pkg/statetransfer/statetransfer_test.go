package statetransfer

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gofrs/uuid/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/zephyrgroup/pkg/flush"
	"github.com/ryandielhenn/zephyrgroup/pkg/membership"
	"github.com/ryandielhenn/zephyrgroup/pkg/multicast"
	"github.com/ryandielhenn/zephyrgroup/pkg/wire"
)

var groupID = uuid.Must(uuid.FromString("10000000-0000-0000-0000-000000000000"))

func testNode(i int) membership.Node {
	id := uuid.Must(uuid.FromString(fmt.Sprintf("00000000-0000-0000-0000-%012d", i)))
	return membership.NewNode(id, fmt.Sprintf("n%d", i), "", "", nil)
}

func view(id int64, durable bool, idx ...int) *membership.Membership {
	var nodes []membership.Node
	for _, i := range idx {
		nodes = append(nodes, testNode(i))
	}
	return membership.NewMembership(id, membership.NewGroup(groupID, "g", true, durable, nodes))
}

// kvStore applies "set <key> <value>" deliveries.
type kvStore struct {
	data    map[string]string
	applied []string
}

func (s *kvStore) SaveSnapshot() ([]byte, error) {
	return json.Marshal(s.data)
}

func (s *kvStore) LoadSnapshot(b []byte) error {
	data := make(map[string]string)
	if err := json.Unmarshal(b, &data); err != nil {
		return err
	}
	s.data = data
	return nil
}

func (s *kvStore) IsModifying(payload []byte) bool {
	return strings.HasPrefix(string(payload), "set ")
}

func (s *kvStore) Deliver(d multicast.Delivery) {
	s.applied = append(s.applied, string(d.Payload))
	if f := strings.Fields(string(d.Payload)); len(f) == 3 && f[0] == "set" {
		s.data[f[1]] = f[2]
	}
}

type fakeMulticast struct {
	deliver   func(multicast.Delivery)
	held      bool
	queue     []multicast.Delivery
	undrained bool
	waiting   []func()
}

func (m *fakeMulticast) Hold() { m.held = true }

func (m *fakeMulticast) Release() {
	m.held = false
	queue := m.queue
	m.queue = nil
	for _, d := range queue {
		m.deliver(d)
	}
}

func (m *fakeMulticast) OnDrained(fn func()) {
	if m.undrained {
		m.waiting = append(m.waiting, fn)
		return
	}
	fn()
}

func (m *fakeMulticast) finishDrain() {
	m.undrained = false
	waiting := m.waiting
	m.waiting = nil
	for _, fn := range waiting {
		fn()
	}
}

func (m *fakeMulticast) push(epoch int64, index uint64, payload string) {
	d := multicast.Delivery{Position: multicast.Position{Epoch: epoch, Index: index}, Payload: []byte(payload)}
	if m.held {
		m.queue = append(m.queue, d)
		return
	}
	m.deliver(d)
}

type cluster struct {
	t     *testing.T
	clock *clockwork.FakeClock
	nodes map[membership.NodeID]*member
	queue []wire.Message
	dead  map[membership.NodeID]bool
}

type member struct {
	c     *cluster
	id    membership.NodeID
	p     *Protocol
	store *kvStore
	mc    *fakeMulticast
	err   error
}

func (m *member) Send(msg wire.Message) error {
	msg.From = m.id
	m.c.queue = append(m.c.queue, msg)
	return nil
}

func newCluster(t *testing.T, n int, cfg Config) *cluster {
	c := &cluster{
		t:     t,
		clock: clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		nodes: make(map[membership.NodeID]*member),
		dead:  make(map[membership.NodeID]bool),
	}
	for i := 1; i <= n; i++ {
		m := &member{c: c, id: testNode(i).ID, store: &kvStore{data: make(map[string]string)}, mc: &fakeMulticast{}}
		m.p = New(m.id, cfg, c.clock, m, m.store, m.mc, m.store, zaptest.NewLogger(t))
		m.mc.deliver = m.p.Deliver
		m.p.OnFailed(func(err error) { m.err = err })
		c.nodes[m.id] = m
	}
	return c
}

func (c *cluster) member(i int) *member {
	return c.nodes[testNode(i).ID]
}

func (c *cluster) establish(v *membership.Membership) {
	for _, n := range v.Group.Members {
		c.nodes[n.ID].p.EndFlush(&flush.Flush{New: v})
	}
}

func (c *cluster) flush(old, next *membership.Membership) map[membership.NodeID]*flush.Flush {
	flushes := make(map[membership.NodeID]*flush.Flush)
	for _, n := range next.Group.Members {
		f := &flush.Flush{Old: old, New: next}
		flushes[n.ID] = f
		c.nodes[n.ID].p.StartFlush(f)
	}
	for _, n := range next.Group.Members {
		c.nodes[n.ID].p.ProcessFlush(flushes[n.ID])
	}
	return flushes
}

func (c *cluster) end(flushes map[membership.NodeID]*flush.Flush) {
	for id, f := range flushes {
		c.nodes[id].p.EndFlush(f)
	}
}

func (c *cluster) drain() {
	for steps := 0; len(c.queue) > 0; steps++ {
		require.Less(c.t, steps, 10000, "traffic did not settle")
		msg := c.queue[0]
		c.queue = c.queue[1:]
		if c.dead[msg.From] || c.dead[msg.To] {
			continue
		}
		c.nodes[msg.To].p.Receive(msg)
	}
}

func (c *cluster) advance(m *member, d time.Duration) {
	c.clock.Advance(d)
	m.p.OnTimer(c.clock.Now())
	c.drain()
}

func smallChunks() Config {
	cfg := DefaultConfig()
	cfg.ChunkSize = 8
	cfg.MaxInFlightChunks = 2
	return cfg
}

func TestSimpleTransferCompletesBeforeGrant(t *testing.T) {
	t.Parallel()
	c := newCluster(t, 3, smallChunks())
	v1 := view(1, true, 1, 2)
	c.establish(v1)
	for i := 1; i <= 2; i++ {
		p := c.member(i)
		p.store.data = map[string]string{"a": "1", "b": "2", "c": "3"}
		p.mc.undrained = true
	}
	joiner := c.member(3)

	flushes := c.flush(v1, view(2, true, 1, 2, 3))
	assert.True(t, flushes[c.member(1).id].Granted(Name))
	assert.True(t, flushes[c.member(2).id].Granted(Name))
	require.NotNil(t, joiner.p.fetch)
	assert.False(t, joiner.p.Ready())

	c.drain()
	assert.False(t, flushes[joiner.id].Granted(Name), "provider serves only once drained")

	c.member(1).mc.finishDrain()
	c.member(2).mc.finishDrain()
	c.drain()

	assert.True(t, flushes[joiner.id].Granted(Name))
	assert.True(t, joiner.p.Ready())
	assert.Equal(t, map[string]string{"a": "1", "b": "2", "c": "3"}, joiner.store.data)
	assert.Empty(t, c.member(1).p.serves)
	assert.Empty(t, c.member(2).p.serves)
}

func TestTransferRetriesAnotherProvider(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	c := newCluster(t, 3, cfg)
	v1 := view(1, true, 1, 2)
	c.establish(v1)
	c.member(1).store.data["k"] = "v"
	c.member(2).store.data["k"] = "v"
	joiner := c.member(3)

	flushes := c.flush(v1, view(2, true, 1, 2, 3))
	require.NotNil(t, joiner.p.fetch)
	first := joiner.p.fetch.provider.ID
	c.dead[first] = true
	c.drain()

	joiner.p.OnMemberFailed(first)
	assert.Nil(t, joiner.p.fetch)
	c.advance(joiner, cfg.RetryMaxInterval)

	assert.True(t, flushes[joiner.id].Granted(Name))
	assert.Equal(t, map[string]string{"k": "v"}, joiner.store.data)
	assert.NoError(t, joiner.err)
}

func TestTransferFallsBackAlongProviderRanking(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	c := newCluster(t, 4, cfg)
	v1 := view(1, true, 1, 2, 3)
	c.establish(v1)
	for i := 1; i <= 3; i++ {
		c.member(i).store.data["k"] = "v"
	}
	joiner := c.member(4)

	flushes := c.flush(v1, view(2, true, 1, 2, 3, 4))
	ranking := joiner.p.join.ranking
	require.Len(t, ranking, 3)
	require.NotNil(t, joiner.p.fetch)
	assert.Equal(t, ranking[0].ID, joiner.p.fetch.provider.ID)

	c.dead[ranking[0].ID] = true
	joiner.p.OnMemberFailed(ranking[0].ID)
	c.clock.Advance(cfg.RetryMaxInterval)
	joiner.p.OnTimer(c.clock.Now())
	require.NotNil(t, joiner.p.fetch)
	assert.Equal(t, ranking[1].ID, joiner.p.fetch.provider.ID, "next ranked member serves")

	c.drain()
	assert.True(t, flushes[joiner.id].Granted(Name))
	assert.Equal(t, map[string]string{"k": "v"}, joiner.store.data)
}

func TestTransferFailsAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.MaxAttempts = 2
	c := newCluster(t, 3, cfg)
	v1 := view(1, true, 1, 2)
	c.establish(v1)
	c.dead[c.member(1).id] = true
	c.dead[c.member(2).id] = true
	joiner := c.member(3)

	flushes := c.flush(v1, view(2, true, 1, 2, 3))
	c.drain()
	c.advance(joiner, cfg.RequestTimeout+time.Second)
	require.NoError(t, joiner.err)
	c.advance(joiner, cfg.RetryMaxInterval)
	require.NotNil(t, joiner.p.fetch, "second provider requested")
	c.advance(joiner, cfg.RequestTimeout+time.Second)

	require.Error(t, joiner.err)
	assert.True(t, errors.Is(joiner.err, ErrJoinFailed))
	assert.False(t, flushes[joiner.id].Granted(Name))
	assert.False(t, joiner.p.Ready())
}

func TestFullTransferReplaysLogAndSkipsCoveredDeliveries(t *testing.T) {
	t.Parallel()
	cfg := smallChunks()
	cfg.Strategy = Full
	c := newCluster(t, 3, cfg)
	v1 := view(1, true, 1, 2)
	c.establish(v1)
	for i := 1; i <= 2; i++ {
		p := c.member(i)
		p.mc.push(1, 1, "set a 1")
		p.p.OnTimer(c.clock.Now())
		p.mc.push(1, 2, "set b 2")
		p.mc.push(1, 3, "get x")
		p.mc.push(1, 4, "set c 3")
		require.Len(t, p.p.log, 2)
	}
	joiner := c.member(3)

	flushes := c.flush(v1, view(2, true, 1, 2, 3))
	assert.True(t, flushes[joiner.id].Granted(Name), "full joiners grant at once")
	assert.False(t, joiner.p.Ready())
	var joinedWith map[string]string
	joiner.p.OnReady(func() { joinedWith = maps.Clone(joiner.store.data) })

	c.end(flushes)
	assert.True(t, joiner.mc.held)
	for i := 1; i <= 2; i++ {
		c.member(i).mc.push(2, 1, "set d 4")
	}
	joiner.mc.push(2, 1, "set d 4")
	joiner.mc.push(2, 2, "set e 5")
	assert.Empty(t, joiner.store.applied)

	c.drain()

	assert.True(t, joiner.p.Ready())
	assert.False(t, joiner.mc.held)
	want := map[string]string{"a": "1", "b": "2", "c": "3", "d": "4", "e": "5"}
	assert.Equal(t, want, joiner.store.data)
	assert.Equal(t, []string{"set b 2", "set c 3", "set d 4", "set e 5"}, joiner.store.applied)
	assert.Equal(t, want, joinedWith)
	assert.Equal(t, multicast.Position{Epoch: 2, Index: 2}, joiner.p.lastPos)
}

func TestFullStrategyCompactsLog(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Strategy = Full
	cfg.MaxLogEntries = 2
	c := newCluster(t, 1, cfg)
	c.establish(view(1, true, 1))
	p := c.member(1)

	p.p.OnTimer(c.clock.Now())
	require.NotNil(t, p.p.snap)
	for i := range 3 {
		p.mc.push(1, uint64(i+1), fmt.Sprintf("set k%d v", i))
	}
	require.Len(t, p.p.log, 3)

	c.clock.Advance(time.Second)
	p.p.OnTimer(c.clock.Now())
	assert.Empty(t, p.p.log)
	assert.Equal(t, multicast.Position{Epoch: 1, Index: 3}, p.p.snap.position)
}

func TestNonDurableGroupSkipsTransfer(t *testing.T) {
	t.Parallel()
	c := newCluster(t, 2, DefaultConfig())
	v1 := view(1, false, 1)
	c.establish(v1)

	flushes := c.flush(v1, view(2, false, 1, 2))
	assert.True(t, flushes[c.member(2).id].Granted(Name))
	assert.True(t, c.member(2).p.Ready())
	assert.Empty(t, c.queue)
}

func TestPendingMemberRefusesToServe(t *testing.T) {
	t.Parallel()
	c := newCluster(t, 2, DefaultConfig())
	c.establish(view(1, true, 1, 2))
	provider := c.member(1)
	provider.p.pending = true

	provider.p.Receive(wire.Message{From: c.member(2).id, To: provider.id, Part: &Request{ID: 7}})
	require.Len(t, c.queue, 1)
	abort, ok := c.queue[0].Part.(*Abort)
	require.True(t, ok)
	assert.EqualValues(t, 7, abort.ID)
}
