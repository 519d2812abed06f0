package membership

import (
	"slices"
)

// Group is an immutable snapshot of a process group. Members are kept in
// canonical order so every node computes the same coordinator on its own.
type Group struct {
	ID      NodeID `json:"id"`
	Name    string `json:"name"`
	Primary bool   `json:"primary"`
	// Durable groups keep total order and require state transfer for joiners.
	Durable bool   `json:"durable"`
	Members []Node `json:"members"`
}

func NewGroup(id NodeID, name string, primary, durable bool, members []Node) Group {
	sorted := slices.Clone(members)
	slices.SortFunc(sorted, func(a, b Node) int { return CompareID(a.ID, b.ID) })
	sorted = slices.CompactFunc(sorted, func(a, b Node) bool { return a.ID == b.ID })
	return Group{
		ID:      id,
		Name:    name,
		Primary: primary,
		Durable: durable,
		Members: sorted,
	}
}

// Coordinator returns the first member. The group must not be empty.
func (g Group) Coordinator() Node {
	return g.Members[0]
}

func (g Group) Find(id NodeID) (Node, bool) {
	for _, m := range g.Members {
		if m.ID == id {
			return m, true
		}
	}
	return Node{}, false
}

func (g Group) Contains(id NodeID) bool {
	_, ok := g.Find(id)
	return ok
}

func (g Group) IDs() []NodeID {
	out := make([]NodeID, len(g.Members))
	for i, m := range g.Members {
		out[i] = m.ID
	}
	return out
}

// SameMembers reports whether both groups hold the same member ids.
func (g Group) SameMembers(o Group) bool {
	if len(g.Members) != len(o.Members) {
		return false
	}
	for i := range g.Members {
		if g.Members[i].ID != o.Members[i].ID {
			return false
		}
	}
	return true
}
