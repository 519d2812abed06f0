package flush

import (
	"github.com/gofrs/uuid/v5"

	"github.com/ryandielhenn/zephyrgroup/pkg/membership"
	"github.com/ryandielhenn/zephyrgroup/pkg/wire"
)

var (
	startPart             = wire.PartID("flush.start")
	exchangePart          = wire.PartID("flush.exchange")
	beforeProcessPart     = wire.PartID("flush.before-process")
	beforeProcessDonePart = wire.PartID("flush.before-process-done")
	processPart           = wire.PartID("flush.process")
	grantPart             = wire.PartID("flush.grant")
	endPart               = wire.PartID("flush.end")
)

// ExchangeData is one participant's opaque payload for the data-exchange phase.
type ExchangeData struct {
	Participant string `json:"participant"`
	Data        []byte `json:"data,omitempty"`
}

// NodeExchange is everything one node contributed to the exchange.
type NodeExchange struct {
	Node membership.NodeID `json:"node"`
	Data []ExchangeData    `json:"data,omitempty"`
}

// StartMsg opens a round. Old is the seed membership while forming.
type StartMsg struct {
	Round   Round                  `json:"round"`
	Old     *membership.Membership `json:"old"`
	Delta   membership.Delta       `json:"delta"`
	Forming bool                   `json:"forming"`
}

// ExchangeMsg answers StartMsg with the local exchange data and the sender's
// installed membership. Stale is set when the sender already installed a
// membership at least as new as the proposed one.
type ExchangeMsg struct {
	Round   Round                  `json:"round"`
	Current *membership.Membership `json:"current,omitempty"`
	Stale   bool                   `json:"stale,omitempty"`
	Data    []ExchangeData         `json:"data,omitempty"`
}

type BeforeProcessMsg struct {
	Round Round          `json:"round"`
	Data  []NodeExchange `json:"data,omitempty"`
}

type BeforeProcessDoneMsg struct {
	Round Round `json:"round"`
}

type ProcessMsg struct {
	Round Round `json:"round"`
}

type GrantMsg struct {
	Round Round `json:"round"`
}

// EndMsg closes a round. An abandoned round installs nothing.
type EndMsg struct {
	Round     Round `json:"round"`
	Abandoned bool  `json:"abandoned,omitempty"`
}

func (*StartMsg) PartType() uuid.UUID             { return startPart }
func (*ExchangeMsg) PartType() uuid.UUID          { return exchangePart }
func (*BeforeProcessMsg) PartType() uuid.UUID     { return beforeProcessPart }
func (*BeforeProcessDoneMsg) PartType() uuid.UUID { return beforeProcessDonePart }
func (*ProcessMsg) PartType() uuid.UUID           { return processPart }
func (*GrantMsg) PartType() uuid.UUID             { return grantPart }
func (*EndMsg) PartType() uuid.UUID               { return endPart }

func RegisterParts(r *wire.Registry) {
	r.MustRegister(startPart, "flush.start", func() wire.Part { return &StartMsg{} })
	r.MustRegister(exchangePart, "flush.exchange", func() wire.Part { return &ExchangeMsg{} })
	r.MustRegister(beforeProcessPart, "flush.before-process", func() wire.Part { return &BeforeProcessMsg{} })
	r.MustRegister(beforeProcessDonePart, "flush.before-process-done", func() wire.Part { return &BeforeProcessDoneMsg{} })
	r.MustRegister(processPart, "flush.process", func() wire.Part { return &ProcessMsg{} })
	r.MustRegister(grantPart, "flush.grant", func() wire.Part { return &GrantMsg{} })
	r.MustRegister(endPart, "flush.end", func() wire.Part { return &EndMsg{} })
}
