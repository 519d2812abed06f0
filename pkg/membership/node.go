package membership

import (
	"bytes"
	"fmt"
	"maps"
	"slices"

	"github.com/gofrs/uuid/v5"
)

// NodeID uniquely identifies a node for the lifetime of its process.
// A restarted node comes back with a new id.
type NodeID = uuid.UUID

// Node describes one group member. Nodes are immutable once published.
type Node struct {
	ID         NodeID            `json:"id"`
	Name       string            `json:"name"`
	Address    string            `json:"address"`
	Domain     string            `json:"domain,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

func NewNode(id NodeID, name, addr, domain string, props map[string]string) Node {
	return Node{
		ID:         id,
		Name:       name,
		Address:    addr,
		Domain:     domain,
		Properties: maps.Clone(props),
	}
}

// Less orders nodes by id; the lowest node of a group is its coordinator.
func (n Node) Less(o Node) bool {
	return LessID(n.ID, o.ID)
}

func (n Node) Equal(o Node) bool {
	return n.ID == o.ID
}

func (n Node) String() string {
	if n.Name == "" {
		return n.ID.String()
	}
	return fmt.Sprintf("%s[%s]", n.Name, shortID(n.ID))
}

func LessID(a, b NodeID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

func CompareID(a, b NodeID) int {
	return bytes.Compare(a[:], b[:])
}

// SortIDs sorts ids in coordinator order.
func SortIDs(ids []NodeID) {
	slices.SortFunc(ids, CompareID)
}

func shortID(id NodeID) string {
	s := id.String()
	return s[len(s)-8:]
}
