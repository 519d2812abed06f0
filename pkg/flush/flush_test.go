package flush

import (
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/zephyrgroup/pkg/membership"
	"github.com/ryandielhenn/zephyrgroup/pkg/wire"
)

var groupID = uuid.Must(uuid.FromString("10000000-0000-0000-0000-000000000000"))

func testNode(i int) membership.Node {
	id := uuid.Must(uuid.FromString(fmt.Sprintf("00000000-0000-0000-0000-%012d", i)))
	return membership.NewNode(id, fmt.Sprintf("n%d", i), "", "", nil)
}

type harness struct {
	t     *testing.T
	clock *clockwork.FakeClock
	nodes map[membership.NodeID]*member
	all   []membership.Node
	queue []wire.Message
	dead  map[membership.NodeID]bool
}

type member struct {
	h         *harness
	node      membership.Node
	mgr       *Manager
	installed *membership.Membership
	published []*membership.Membership
	reported  []membership.NodeID
	part      *recorder
	refuse    bool
}

func newHarness(t *testing.T, n int) *harness {
	h := &harness{
		t:     t,
		clock: clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		nodes: make(map[membership.NodeID]*member),
		dead:  make(map[membership.NodeID]bool),
	}
	for i := 1; i <= n; i++ {
		node := testNode(i)
		m := &member{h: h, node: node, part: &recorder{name: "recorder", local: node.Name}}
		send := func(msg wire.Message) {
			msg.From = node.ID
			h.queue = append(h.queue, msg)
		}
		m.mgr = NewManager(node.ID, DefaultConfig(), h.clock, send, m, m, m, zaptest.NewLogger(t))
		m.mgr.Register(m.part)
		h.nodes[node.ID] = m
		h.all = append(h.all, node)
	}
	return h
}

func (h *harness) member(i int) *member {
	return h.nodes[testNode(i).ID]
}

func (h *harness) drain() {
	for steps := 0; len(h.queue) > 0; steps++ {
		require.Less(h.t, steps, 10000, "flush traffic did not settle")
		msg := h.queue[0]
		h.queue = h.queue[1:]
		if h.dead[msg.From] || h.dead[msg.To] {
			continue
		}
		h.nodes[msg.To].mgr.Receive(msg)
	}
}

func (m *member) Current() *membership.Membership { return m.installed }
func (m *member) Commit(f *Flush)                  { m.installed = f.New }
func (m *member) Publish(f *Flush)                 { m.published = append(m.published, f.New) }

func (m *member) AddFailedMembers(ids ...membership.NodeID) {
	m.reported = append(m.reported, ids...)
}

// Plan keeps every live node of base, or of the whole harness while forming.
func (m *member) Plan(base *membership.Membership, _ bool) (Plan, bool) {
	if m.refuse {
		return Plan{}, false
	}
	old, forming := base, false
	if old == nil {
		old, forming = membership.Seed(groupID, "g", true), true
	}
	src := old.Group.Members
	if forming {
		src = m.h.all
	}
	var members []membership.Node
	for _, n := range src {
		if !m.h.dead[n.ID] {
			members = append(members, n)
		}
	}
	if !slices.ContainsFunc(members, func(n membership.Node) bool { return n.ID == m.node.ID }) {
		return Plan{}, false
	}
	next := membership.NewMembership(old.ID+1, membership.NewGroup(groupID, "g", true, true, members))
	return Plan{Old: old, New: next, Forming: forming}, true
}

type recorder struct {
	name        string
	local       string
	hold        bool
	events      []string
	flush       *Flush
	exchanged   map[membership.NodeID][]byte
	coordinator bool
}

func (r *recorder) Name() string                    { return r.name }
func (r *recorder) IsFlushProcessingRequired() bool { return true }
func (r *recorder) SetCoordinator(c bool)           { r.coordinator = c }

func (r *recorder) StartFlush(f *Flush) {
	r.flush = f
	r.events = append(r.events, "start")
}

func (r *recorder) ExchangeData(*Flush) []byte { return []byte(r.local) }

func (r *recorder) SetExchangedData(_ *Flush, data map[membership.NodeID][]byte) {
	r.exchanged = data
}

func (r *recorder) BeforeProcessFlush(*Flush) { r.events = append(r.events, "before") }

func (r *recorder) ProcessFlush(f *Flush) {
	r.events = append(r.events, "process")
	if !r.hold {
		f.Grant(r)
	}
}

func (r *recorder) EndFlush(*Flush) { r.events = append(r.events, "end") }

func formingPlan(t *testing.T, m *member) Plan {
	plan, ok := m.Plan(nil, false)
	require.True(t, ok)
	return plan
}

func TestRoundPrecedence(t *testing.T) {
	t.Parallel()
	a, b := testNode(1).ID, testNode(2).ID

	assert.True(t, Round{Seq: 1, Coordinator: a}.Before(Round{Seq: 2, Coordinator: b}))
	assert.True(t, Round{Seq: 1, Coordinator: b}.Before(Round{Seq: 1, Coordinator: a}))
	assert.False(t, Round{Seq: 1, Coordinator: a}.Before(Round{Seq: 1, Coordinator: b}))
	assert.False(t, Round{Seq: 1, Coordinator: a}.Before(Round{Seq: 1, Coordinator: a}))
}

func TestFlushFormsGroup(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 3)
	coord := h.member(1)

	coord.mgr.Start(formingPlan(t, coord), "form")
	h.drain()

	for i := 1; i <= 3; i++ {
		m := h.member(i)
		require.NotNil(t, m.installed, "node %d", i)
		assert.EqualValues(t, 1, m.installed.ID)
		assert.Len(t, m.installed.Group.Members, 3)
		assert.Equal(t, []string{"start", "before", "process", "end"}, m.part.events)
		assert.Len(t, m.published, 1)
		assert.Equal(t, i == 1, m.part.coordinator)
		assert.Equal(t, []byte("n2"), m.part.exchanged[testNode(2).ID])
		assert.True(t, m.part.flush.GroupForming)
		assert.Len(t, m.part.flush.Change.Joined, 3)
		assert.False(t, m.mgr.InProgress())
	}
	assert.Equal(t, CoordinatorIdle, coord.mgr.Coordinator().State())
}

func TestFlushWaitsForPendingGrant(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 2)
	coord := h.member(1)
	slow := h.member(2)
	slow.part.hold = true

	coord.mgr.Start(formingPlan(t, coord), "form")
	h.drain()

	assert.Nil(t, coord.installed)
	assert.Equal(t, AgentProcessing, slow.mgr.Agent().State())
	assert.Equal(t, []string{"recorder"}, slow.part.flush.Pending())

	slow.part.flush.Grant(slow.part)
	h.drain()

	assert.EqualValues(t, 1, coord.installed.ID)
	assert.EqualValues(t, 1, slow.installed.ID)
	assert.True(t, slow.part.flush.Closed())
}

func TestFlushRestartsWithoutSilentMember(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 3)
	coord := h.member(1)

	coord.mgr.Start(formingPlan(t, coord), "form")
	h.dead[testNode(3).ID] = true
	h.drain()
	require.Equal(t, CoordinatorExchanging, coord.mgr.Coordinator().State())

	h.clock.Advance(DefaultConfig().Timeout + time.Second)
	coord.mgr.OnTimer(h.clock.Now())
	assert.Equal(t, []membership.NodeID{testNode(3).ID}, coord.reported)

	coord.mgr.OnMemberFailed(testNode(3).ID)
	h.drain()

	for i := 1; i <= 2; i++ {
		m := h.member(i)
		require.NotNil(t, m.installed)
		assert.Equal(t, []membership.NodeID{testNode(1).ID, testNode(2).ID}, m.installed.Group.IDs())
	}
	assert.Nil(t, h.member(3).installed)
}

func TestFlushAdoptsNewerMembership(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 2)
	coord, other := h.member(1), h.member(2)

	v1 := membership.NewMembership(1, membership.NewGroup(groupID, "g", true, true, h.all))
	v2 := membership.NewMembership(2, membership.NewGroup(groupID, "g", true, true, h.all))
	coord.installed = v1
	other.installed = v2

	plan, ok := coord.Plan(v1, true)
	require.True(t, ok)
	coord.mgr.Start(plan, "test")
	h.drain()

	assert.EqualValues(t, 3, coord.installed.ID)
	assert.EqualValues(t, 3, other.installed.ID)
	assert.Len(t, coord.published, 1)
}

func TestConcurrentCoordinatorsLowerIDWins(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 3)
	a, b := h.member(1), h.member(2)

	b.mgr.Start(formingPlan(t, b), "form")
	a.mgr.Start(formingPlan(t, a), "form")
	h.drain()

	for i := 1; i <= 3; i++ {
		m := h.member(i)
		require.NotNil(t, m.installed, "node %d", i)
		assert.EqualValues(t, 1, m.installed.ID)
		assert.Len(t, m.published, 1)
		assert.Equal(t, testNode(1).ID, m.mgr.Agent().Round().Coordinator)
	}
	assert.False(t, b.mgr.Coordinator().Active())
}

func TestAgentAbandonsWhenCoordinatorFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 2)
	coord, other := h.member(1), h.member(2)

	coord.mgr.Start(formingPlan(t, coord), "form")
	// deliver only the start to the second node
	for len(h.queue) > 0 {
		msg := h.queue[0]
		h.queue = h.queue[1:]
		if msg.To == other.node.ID {
			other.mgr.Receive(msg)
		}
	}
	require.Equal(t, AgentDataExchanged, other.mgr.Agent().State())

	h.clock.Advance(DefaultConfig().Timeout + time.Second)
	other.mgr.OnTimer(h.clock.Now())

	assert.Equal(t, []membership.NodeID{coord.node.ID}, other.reported)
	assert.Equal(t, AgentIdle, other.mgr.Agent().State())
	assert.True(t, other.part.flush.Closed())
}

func TestCoordinatorWithoutPlanReleasesAgents(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 3)
	coord, other := h.member(1), h.member(2)

	coord.mgr.Start(formingPlan(t, coord), "form")
	h.dead[testNode(3).ID] = true
	h.drain()
	require.Equal(t, CoordinatorExchanging, coord.mgr.Coordinator().State())
	require.Equal(t, AgentDataExchanged, other.mgr.Agent().State())

	coord.refuse = true
	coord.mgr.OnMemberFailed(testNode(3).ID)
	h.drain()

	assert.False(t, coord.mgr.Coordinator().Active())
	for _, m := range []*member{coord, other} {
		assert.Equal(t, AgentIdle, m.mgr.Agent().State())
		assert.True(t, m.part.flush.Closed())
		assert.Nil(t, m.installed)
	}

	h.clock.Advance(DefaultConfig().Timeout + time.Second)
	other.mgr.OnTimer(h.clock.Now())
	assert.Empty(t, other.reported)
}
