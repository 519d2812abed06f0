package membership

// Slots assigns each member of an installed membership a small stable index.
// Per-node protocol state lives in slices indexed by slot rather than in maps
// keyed by node id; a new Slots is built at every install.
type Slots struct {
	ids   []NodeID
	index map[NodeID]int
}

func NewSlots(m *Membership) *Slots {
	s := &Slots{index: make(map[NodeID]int)}
	if m == nil {
		return s
	}
	s.ids = make([]NodeID, len(m.Group.Members))
	for i, n := range m.Group.Members {
		s.ids[i] = n.ID
		s.index[n.ID] = i
	}
	return s
}

func (s *Slots) Len() int {
	return len(s.ids)
}

func (s *Slots) Of(id NodeID) (int, bool) {
	i, ok := s.index[id]
	return i, ok
}

func (s *Slots) ID(slot int) NodeID {
	return s.ids[slot]
}

func (s *Slots) IDs() []NodeID {
	return s.ids
}
