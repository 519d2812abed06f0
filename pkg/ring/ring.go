package ring

import (
	"encoding/binary"
	"hash/fnv"
	"slices"
	"sort"

	"github.com/ryandielhenn/zephyrgroup/pkg/membership"
)

type Hasher func([]byte) uint32

// HashRing spreads keys over group members. State transfer uses it to rank
// providers per joining node, so concurrent joiners land on different members.
// A ring is built once from a member list and only read afterwards.
type HashRing struct {
	replicas int
	hash     Hasher
	points   []uint32                     // sorted
	owners   map[uint32]membership.NodeID // point -> member
	nodes    map[membership.NodeID]membership.Node
}

func New(replicas int, h Hasher) *HashRing {
	if replicas <= 0 {
		replicas = 128
	}
	if h == nil {
		h = fnv32a
	}
	return &HashRing{
		replicas: replicas,
		hash:     h,
		owners:   make(map[uint32]membership.NodeID),
		nodes:    make(map[membership.NodeID]membership.Node),
	}
}

// Of builds a ring over nodes.
func Of(replicas int, nodes ...membership.Node) *HashRing {
	r := New(replicas, nil)
	for _, n := range nodes {
		r.Add(n)
	}
	return r
}

func (r *HashRing) Add(n membership.Node) {
	if _, ok := r.nodes[n.ID]; ok {
		return
	}
	r.nodes[n.ID] = n
	// add virtual nodes
	for i := 0; i < r.replicas; i++ {
		pt := r.hash(pointKey(n.ID, i))
		r.owners[pt] = n.ID
		r.points = append(r.points, pt)
	}
	slices.Sort(r.points)
}

func (r *HashRing) Lookup(key []byte) (membership.Node, bool) {
	if len(r.points) == 0 {
		return membership.Node{}, false
	}
	h := r.hash(key)
	// first point >= h, wrap if needed
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i] >= h })
	if idx == len(r.points) {
		idx = 0
	}
	return r.nodes[r.owners[r.points[idx]]], true
}

// LookupN returns up to n distinct members in ring order starting at key.
func (r *HashRing) LookupN(key []byte, n int) []membership.Node {
	if len(r.points) == 0 || n <= 0 {
		return nil
	}
	h := r.hash(key)
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i] >= h })
	if idx == len(r.points) {
		idx = 0
	}

	seen := make(map[membership.NodeID]struct{}, n)
	out := make([]membership.Node, 0, n)
	for i := 0; i < len(r.points) && len(out) < n; i++ {
		p := r.points[(idx+i)%len(r.points)]
		id := r.owners[p]
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, r.nodes[id])
		}
	}
	return out
}

func fnv32a(b []byte) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(b)
	return h.Sum32()
}

func pointKey(id membership.NodeID, i int) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(i))
	return append(id.Bytes(), buf[:]...)
}
