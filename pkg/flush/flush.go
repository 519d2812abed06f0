// Package flush implements the virtual synchrony barrier run before every
// membership install.
//
// A round is driven by a Coordinator and executed on every member of the
// candidate membership by an Agent. The agent walks every registered
// Participant through start, data exchange, before-process, process and end;
// the new membership is committed only when every participant on every member
// granted the round.
package flush

import (
	"fmt"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ryandielhenn/zephyrgroup/pkg/membership"
)

type Config struct {
	// Timeout bounds every phase of a round. Exceeding it counts as a failure
	// of whoever did not answer.
	Timeout time.Duration `validate:"gt=0"`
}

func DefaultConfig() Config {
	return Config{Timeout: 10 * time.Second}
}

func (c Config) Validate() error {
	return validator.New().Struct(c)
}

// Participant is a component that must be barrier-synchronized with membership changes.
type Participant interface {
	Name() string
	// IsFlushProcessingRequired is asked after StartFlush. Participants answering
	// false are not called with ProcessFlush and count as granted.
	IsFlushProcessingRequired() bool
	// SetCoordinator is called after every install with whether the local node
	// coordinates the new membership.
	SetCoordinator(coordinator bool)
	StartFlush(f *Flush)
	BeforeProcessFlush(f *Flush)
	ProcessFlush(f *Flush)
	EndFlush(f *Flush)
}

// Exchanger is implemented by participants that agree on cross-node state
// during the data-exchange phase.
type Exchanger interface {
	ExchangeData(f *Flush) []byte
	SetExchangedData(f *Flush, data map[membership.NodeID][]byte)
}

// Round identifies one flush attempt. Higher Seq wins; on equal Seq the round
// of the lower coordinator wins.
type Round struct {
	Seq         uint64            `json:"seq"`
	Coordinator membership.NodeID `json:"coordinator"`
}

// Before reports whether r is superseded by o.
func (r Round) Before(o Round) bool {
	if r.Seq != o.Seq {
		return r.Seq < o.Seq
	}
	return membership.CompareID(r.Coordinator, o.Coordinator) > 0
}

func (r Round) IsZero() bool {
	return r.Seq == 0
}

func (r Round) String() string {
	return fmt.Sprintf("%d@%s", r.Seq, r.Coordinator)
}

// Flush describes one in-progress membership transition as seen by the local node.
type Flush struct {
	Round Round
	// Old is nil while the group is forming.
	Old   *membership.Membership
	New   *membership.Membership
	Delta membership.Delta
	// Change is Delta materialized against Old.
	Change       membership.Change
	Coordinator  bool
	GroupForming bool

	local    membership.NodeID
	required []string
	granted  map[string]bool
	onGrant  func()
	closed   bool
}

func newFlush(local membership.NodeID, round Round, old, next *membership.Membership, delta membership.Delta, forming bool) *Flush {
	f := &Flush{
		Round:        round,
		New:          next,
		Delta:        delta,
		Coordinator:  round.Coordinator == local,
		GroupForming: forming,
		local:        local,
		granted:      make(map[string]bool),
	}
	if !forming {
		f.Old = old
		f.Change = membership.Materialize(old, delta)
	} else {
		f.Change = membership.Change{ID: next.ID, Joined: slices.Clone(next.Group.Members)}
	}
	return f
}

// Grant marks p as done with the round. Grants for a closed round are ignored.
func (f *Flush) Grant(p Participant) {
	if f.closed || f.granted[p.Name()] {
		return
	}
	if f.granted == nil {
		f.granted = make(map[string]bool)
	}
	f.granted[p.Name()] = true
	if f.onGrant != nil {
		f.onGrant()
	}
}

func (f *Flush) Granted(name string) bool {
	return f.granted[name]
}

// Pending lists the participants that still have to grant.
func (f *Flush) Pending() []string {
	var out []string
	for _, name := range f.required {
		if !f.granted[name] {
			out = append(out, name)
		}
	}
	return out
}

func (f *Flush) Closed() bool {
	return f.closed
}

// Local is the id of the node this flush object belongs to.
func (f *Flush) Local() membership.NodeID {
	return f.local
}

// IsJoining reports whether id enters the group in this round.
func (f *Flush) IsJoining(id membership.NodeID) bool {
	return f.New.Contains(id) && !f.Old.Contains(id)
}

// Survivors are the members of both the old and the new membership.
func (f *Flush) Survivors() []membership.Node {
	if f.Old == nil {
		return nil
	}
	var out []membership.Node
	for _, n := range f.New.Group.Members {
		if f.Old.Contains(n.ID) {
			out = append(out, n)
		}
	}
	return out
}

func (f *Flush) String() string {
	return fmt.Sprintf("flush %s %s -> %s", f.Round, f.Old, f.New)
}
