package multicast

import (
	"fmt"

	"github.com/gofrs/uuid/v5"

	"github.com/ryandielhenn/zephyrgroup/pkg/membership"
	"github.com/ryandielhenn/zephyrgroup/pkg/wire"
)

var (
	bundlePart   = wire.PartID("multicast.bundle")
	ackPart      = wire.PartID("multicast.ack")
	flowLockPart = wire.PartID("multicast.flow-lock")
)

// Message is one application multicast. Seq counts from 1 per sender and epoch.
type Message struct {
	Epoch   int64             `json:"epoch"`
	Sender  membership.NodeID `json:"sender"`
	Seq     uint64            `json:"seq"`
	NoDelay bool              `json:"noDelay,omitempty"`
	Payload []byte            `json:"payload"`
}

func (m Message) size() int {
	return len(m.Payload) + 48
}

// Token assigns the total order position Order to message Seq of Sender.
type Token struct {
	Order  uint64            `json:"order"`
	Sender membership.NodeID `json:"sender"`
	Seq    uint64            `json:"seq"`
}

// Position locates a delivery. In ordered groups it is identical on every member.
type Position struct {
	Epoch int64  `json:"epoch"`
	Index uint64 `json:"index"`
}

func (p Position) Less(o Position) bool {
	if p.Epoch != o.Epoch {
		return p.Epoch < o.Epoch
	}
	return p.Index < o.Index
}

func (p Position) IsZero() bool {
	return p.Epoch == 0 && p.Index == 0
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Epoch, p.Index)
}

// DataBundle is the wire unit of the multicast outboxes. Stable and
// StableOrder announce what the sending node knows every member received.
// Retransmit bundles are sent during a flush and may carry messages of any
// sender.
type DataBundle struct {
	Epoch       int64     `json:"epoch"`
	Stable      uint64    `json:"stable,omitempty"`
	StableOrder uint64    `json:"stableOrder,omitempty"`
	Messages    []Message `json:"messages,omitempty"`
	Tokens      []Token   `json:"tokens,omitempty"`
	Retransmit  bool      `json:"retransmit,omitempty"`
}

// AckMsg acknowledges everything the receiver got from the addressed sender
// through Through, and order tokens through OrderThrough when the addressee is
// the sequencer.
type AckMsg struct {
	Epoch        int64  `json:"epoch"`
	Through      uint64 `json:"through"`
	OrderThrough uint64 `json:"orderThrough,omitempty"`
}

type FlowLockMsg struct {
	Epoch  int64      `json:"epoch"`
	Flow   RemoteFlow `json:"flow"`
	Locked bool       `json:"locked"`
}

func (*DataBundle) PartType() uuid.UUID  { return bundlePart }
func (*AckMsg) PartType() uuid.UUID      { return ackPart }
func (*FlowLockMsg) PartType() uuid.UUID { return flowLockPart }

func RegisterParts(r *wire.Registry) {
	r.MustRegister(bundlePart, "multicast.bundle", func() wire.Part { return &DataBundle{} })
	r.MustRegister(ackPart, "multicast.ack", func() wire.Part { return &AckMsg{} })
	r.MustRegister(flowLockPart, "multicast.flow-lock", func() wire.Part { return &FlowLockMsg{} })
}

// exchange is the multicast contribution to the flush data exchange.
type exchange struct {
	Epoch        int64        `json:"epoch"`
	Received     []senderMark `json:"received"`
	OrderThrough uint64       `json:"orderThrough"`
}

type senderMark struct {
	Sender  membership.NodeID `json:"sender"`
	Through uint64            `json:"through"`
}
