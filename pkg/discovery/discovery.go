// Package discovery finds the nodes that may form or join a group.
package discovery

import (
	"slices"

	"github.com/ryandielhenn/zephyrgroup/pkg/membership"
)

type Discovery interface {
	// CanFormGroup reports whether enough nodes are known to form a new group.
	CanFormGroup() bool
	// DiscoveredNodes lists the known nodes, the local node included, in id order.
	DiscoveredNodes() []membership.Node
}

// Static is a fixed node list.
type Static struct {
	nodes        []membership.Node
	minGroupSize int
}

func NewStatic(minGroupSize int, nodes ...membership.Node) *Static {
	sorted := slices.Clone(nodes)
	slices.SortFunc(sorted, func(a, b membership.Node) int { return membership.CompareID(a.ID, b.ID) })
	return &Static{nodes: sorted, minGroupSize: minGroupSize}
}

func (s *Static) CanFormGroup() bool {
	return len(s.nodes) >= s.minGroupSize
}

func (s *Static) DiscoveredNodes() []membership.Node {
	return slices.Clone(s.nodes)
}
