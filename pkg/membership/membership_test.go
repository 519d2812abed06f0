package membership

import (
	"fmt"
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNode(i int) Node {
	id := uuid.Must(uuid.FromString(fmt.Sprintf("00000000-0000-0000-0000-%012d", i)))
	return NewNode(id, fmt.Sprintf("n%d", i), fmt.Sprintf("127.0.0.1:%d", 9000+i), "", nil)
}

var groupID = uuid.Must(uuid.FromString("10000000-0000-0000-0000-000000000000"))

func TestNewGroupCanonicalOrder(t *testing.T) {
	t.Parallel()
	a, b, c := testNode(1), testNode(2), testNode(3)
	g := NewGroup(groupID, "g", true, true, []Node{c, a, b, a})

	require.Len(t, g.Members, 3)
	assert.Equal(t, a.ID, g.Coordinator().ID)
	assert.Equal(t, []NodeID{a.ID, b.ID, c.ID}, g.IDs())
	assert.True(t, g.SameMembers(NewGroup(groupID, "g", true, true, []Node{b, c, a})))
}

func TestDiffApplyRoundTrip(t *testing.T) {
	t.Parallel()
	a, b, c, d := testNode(1), testNode(2), testNode(3), testNode(4)
	old := NewMembership(1, NewGroup(groupID, "g", true, true, []Node{a, b, c}))
	next := NewMembership(2, NewGroup(groupID, "g", true, true, []Node{a, b, d}))

	delta := Diff(old, next, nil)
	assert.Equal(t, []Node{d}, delta.Joined)
	assert.Equal(t, []NodeID{c.ID}, delta.Failed)
	assert.Empty(t, delta.Left)

	got, err := Apply(old, delta)
	require.NoError(t, err)
	assert.Equal(t, next.ID, got.ID)
	assert.True(t, got.Group.SameMembers(next.Group))

	change := Materialize(old, delta)
	assert.Equal(t, []Node{c}, change.Failed)
}

func TestDiffClassifiesLeft(t *testing.T) {
	t.Parallel()
	a, b := testNode(1), testNode(2)
	old := NewMembership(3, NewGroup(groupID, "g", true, true, []Node{a, b}))
	next := NewMembership(4, NewGroup(groupID, "g", true, true, []Node{a}))

	delta := Diff(old, next, map[NodeID]bool{b.ID: true})
	assert.Equal(t, []NodeID{b.ID}, delta.Left)
	assert.Empty(t, delta.Failed)
}

func TestApplyIsIdempotent(t *testing.T) {
	t.Parallel()
	a, b := testNode(1), testNode(2)
	old := NewMembership(1, NewGroup(groupID, "g", true, true, []Node{a}))
	delta := Delta{PrevID: 1, ID: 2, Primary: true, Joined: []Node{b}}

	next, err := Apply(old, delta)
	require.NoError(t, err)

	again, err := Apply(next, delta)
	require.ErrorIs(t, err, ErrStaleDelta)
	assert.Same(t, next, again)

	_, err = Apply(old, Delta{PrevID: 7, ID: 8})
	require.ErrorIs(t, err, ErrDeltaMismatch)
}

func TestApplyFromSeed(t *testing.T) {
	t.Parallel()
	a, b := testNode(1), testNode(2)
	seed := Seed(groupID, "g", true)
	require.True(t, seed.IsSeed())

	m, err := Apply(seed, Delta{PrevID: 0, ID: 1, Primary: true, Joined: []Node{b, a}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.ID)
	assert.Equal(t, a.ID, m.Coordinator().ID)
	assert.True(t, m.Group.Durable)
}

func TestNextPrimary(t *testing.T) {
	t.Parallel()
	a, b, c := testNode(1), testNode(2), testNode(3)
	three := NewMembership(1, NewGroup(groupID, "g", true, true, []Node{a, b, c}))

	assert.True(t, NextPrimary(nil, []Node{a}, 0.5))
	assert.True(t, NextPrimary(three, []Node{a, b}, 0.5))
	assert.False(t, NextPrimary(three, []Node{a}, 0.5))

	lost := NewMembership(2, NewGroup(groupID, "g", false, true, []Node{a, b, c}))
	assert.False(t, NextPrimary(lost, []Node{a, b, c}, 0.5), "non-primary must stay non-primary")
}

func TestSlots(t *testing.T) {
	t.Parallel()
	a, b := testNode(1), testNode(2)
	s := NewSlots(NewMembership(1, NewGroup(groupID, "g", true, true, []Node{b, a})))

	require.Equal(t, 2, s.Len())
	slot, ok := s.Of(b.ID)
	require.True(t, ok)
	assert.Equal(t, 1, slot)
	assert.Equal(t, a.ID, s.ID(0))

	_, ok = s.Of(testNode(9).ID)
	assert.False(t, ok)
}
