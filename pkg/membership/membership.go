package membership

import (
	"errors"
	"fmt"
	"slices"
)

var (
	// ErrStaleDelta is returned when a delta was already applied. Callers treat it as a no-op.
	ErrStaleDelta = errors.New("membership: delta already applied")
	// ErrDeltaMismatch is returned when a delta was computed against another membership.
	ErrDeltaMismatch = errors.New("membership: delta does not follow membership")
)

// Membership is one installed view: a strictly increasing id plus a group snapshot.
// A new Membership is built for every install, existing ones are never modified.
type Membership struct {
	ID    int64 `json:"id"`
	Group Group `json:"group"`
}

func NewMembership(id int64, g Group) *Membership {
	return &Membership{ID: id, Group: g}
}

// Seed returns the empty membership a forming group starts from.
func Seed(groupID NodeID, name string, durable bool) *Membership {
	return &Membership{Group: Group{ID: groupID, Name: name, Durable: durable}}
}

func (m *Membership) IsSeed() bool {
	return m.ID == 0 && len(m.Group.Members) == 0
}

func (m *Membership) Coordinator() Node {
	return m.Group.Coordinator()
}

func (m *Membership) Contains(id NodeID) bool {
	return m != nil && m.Group.Contains(id)
}

func (m *Membership) String() string {
	if m == nil {
		return "<none>"
	}
	return fmt.Sprintf("v%d%v(primary=%t)", m.ID, m.Group.IDs(), m.Group.Primary)
}

// Delta is the compact wire form of a membership transition.
type Delta struct {
	PrevID  int64    `json:"prevId"`
	ID      int64    `json:"id"`
	Primary bool     `json:"primary"`
	Joined  []Node   `json:"joined,omitempty"`
	Failed  []NodeID `json:"failed,omitempty"`
	Left    []NodeID `json:"left,omitempty"`
}

func (d Delta) Empty() bool {
	return len(d.Joined) == 0 && len(d.Failed) == 0 && len(d.Left) == 0
}

// Change is the locally materialized Delta handed to listeners.
type Change struct {
	PrevID int64
	ID     int64
	Joined []Node
	Failed []Node
	Left   []Node
}

// Diff computes the delta from old to next. Removed nodes listed in left are
// reported as having left, all other removed nodes as failed.
func Diff(old, next *Membership, left map[NodeID]bool) Delta {
	d := Delta{PrevID: old.ID, ID: next.ID, Primary: next.Group.Primary}
	for _, n := range next.Group.Members {
		if !old.Group.Contains(n.ID) {
			d.Joined = append(d.Joined, n)
		}
	}
	for _, n := range old.Group.Members {
		if next.Group.Contains(n.ID) {
			continue
		}
		if left[n.ID] {
			d.Left = append(d.Left, n.ID)
		} else {
			d.Failed = append(d.Failed, n.ID)
		}
	}
	return d
}

// Apply builds the membership that follows old according to d. Applying a
// delta that is already reflected in old returns ErrStaleDelta.
func Apply(old *Membership, d Delta) (*Membership, error) {
	if d.ID <= old.ID {
		return old, ErrStaleDelta
	}
	if d.PrevID != old.ID {
		return nil, fmt.Errorf("%w: delta %d->%d, membership %d", ErrDeltaMismatch, d.PrevID, d.ID, old.ID)
	}
	removed := make(map[NodeID]bool, len(d.Failed)+len(d.Left))
	for _, id := range d.Failed {
		removed[id] = true
	}
	for _, id := range d.Left {
		removed[id] = true
	}
	members := make([]Node, 0, len(old.Group.Members)+len(d.Joined))
	for _, n := range old.Group.Members {
		if !removed[n.ID] {
			members = append(members, n)
		}
	}
	members = append(members, d.Joined...)
	g := NewGroup(old.Group.ID, old.Group.Name, d.Primary, old.Group.Durable, members)
	return NewMembership(d.ID, g), nil
}

// Materialize resolves the ids of d against old.
func Materialize(old *Membership, d Delta) Change {
	c := Change{PrevID: d.PrevID, ID: d.ID, Joined: slices.Clone(d.Joined)}
	for _, id := range d.Failed {
		if n, ok := old.Group.Find(id); ok {
			c.Failed = append(c.Failed, n)
		}
	}
	for _, id := range d.Left {
		if n, ok := old.Group.Find(id); ok {
			c.Left = append(c.Left, n)
		}
	}
	return c
}

// NextPrimary decides the primary flag of the membership following old.
// A group that lost primary status never regains it here; see Reform.
func NextPrimary(old *Membership, members []Node, threshold float64) bool {
	if old == nil || old.IsSeed() {
		return true
	}
	if !old.Group.Primary {
		return false
	}
	survivors := 0
	for _, n := range members {
		if old.Group.Contains(n.ID) {
			survivors++
		}
	}
	return float64(survivors) > threshold*float64(len(old.Group.Members))
}
