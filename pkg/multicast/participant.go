package multicast

import (
	"slices"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgroup/pkg/flush"
	"github.com/ryandielhenn/zephyrgroup/pkg/membership"
)

// flushState is the multicast view of the active flush round.
type flushState struct {
	f *flush.Flush
	// survivor is set when the local node delivers in the closing epoch and
	// stays in the next one.
	survivor    bool
	exchanged   map[membership.NodeID]exchange
	cut         []uint64
	holder      []membership.NodeID
	orderCut    uint64
	orderHolder membership.NodeID
	processing  bool
	drained     bool
}

func (p *Protocol) Name() string {
	return Name
}

func (p *Protocol) IsFlushProcessingRequired() bool {
	return true
}

// SetCoordinator is a no-op: the sequencer follows the installed membership.
func (p *Protocol) SetCoordinator(bool) {}

// StartFlush stops admitting sends and pushes out everything still bundled.
func (p *Protocol) StartFlush(f *flush.Flush) {
	if f.Old != nil && f.Old.Contains(p.local) && f.Old.ID > p.epoch {
		// a previous round committed Old elsewhere but never reached us
		p.logger.Info("catching up with membership committed by other members",
			zap.Int64("epoch", p.epoch), zap.Stringer("membership", f.Old))
		p.flushing = false
		p.install(f.Old)
	}
	p.flushing = true
	p.onDrained = nil
	p.fl = flushState{
		f:        f,
		survivor: f.Old != nil && f.Old.ID == p.epoch && p.self >= 0 && f.New.Contains(p.local),
	}
	if p.membership == nil {
		return
	}
	now := p.clock.Now()
	for _, pr := range p.peers {
		if pr.out != nil {
			pr.out.paused = false
			p.pump(pr.out, now, true)
		}
	}
}

// ExchangeData reports what the local node holds of the closing epoch.
func (p *Protocol) ExchangeData(*flush.Flush) []byte {
	if !p.fl.survivor {
		return nil
	}
	ex := exchange{Epoch: p.epoch, OrderThrough: p.order.through}
	for _, pr := range p.peers {
		ex.Received = append(ex.Received, senderMark{Sender: pr.id, Through: pr.through})
	}
	data, err := json.Marshal(ex)
	if err != nil {
		p.logger.Error("encoding exchange data", zap.Error(err))
		return nil
	}
	return data
}

// SetExchangedData computes the cut: per sender the highest sequence number
// any survivor holds, and the member holding it.
func (p *Protocol) SetExchangedData(f *flush.Flush, data map[membership.NodeID][]byte) {
	if !p.fl.survivor {
		return
	}
	p.fl.exchanged = make(map[membership.NodeID]exchange, len(data))
	for id, raw := range data {
		if len(raw) == 0 || !f.Old.Contains(id) || !f.New.Contains(id) {
			continue
		}
		var ex exchange
		if err := json.Unmarshal(raw, &ex); err != nil {
			p.logger.Warn("dropping malformed exchange data", zap.Stringer("member", id), zap.Error(err))
			continue
		}
		if ex.Epoch == p.epoch {
			p.fl.exchanged[id] = ex
		}
	}

	p.fl.cut = make([]uint64, len(p.peers))
	p.fl.holder = make([]membership.NodeID, len(p.peers))
	p.fl.orderCut, p.fl.orderHolder = 0, membership.NodeID{}
	for _, id := range p.exchangedIDs() {
		ex := p.fl.exchanged[id]
		for _, mark := range ex.Received {
			slot, ok := p.slots.Of(mark.Sender)
			if ok && mark.Through > p.fl.cut[slot] {
				p.fl.cut[slot] = mark.Through
				p.fl.holder[slot] = id
			}
		}
		if ex.OrderThrough > p.fl.orderCut {
			p.fl.orderCut = ex.OrderThrough
			p.fl.orderHolder = id
		}
	}
}

func (p *Protocol) exchangedIDs() []membership.NodeID {
	ids := make([]membership.NodeID, 0, len(p.fl.exchanged))
	for id := range p.fl.exchanged {
		ids = append(ids, id)
	}
	membership.SortIDs(ids)
	return ids
}

// BeforeProcessFlush retransmits whatever this node holds for the cut and
// other survivors lack.
func (p *Protocol) BeforeProcessFlush(*flush.Flush) {
	if !p.fl.survivor {
		return
	}
	for _, id := range p.exchangedIDs() {
		if id == p.local {
			continue
		}
		ex := p.fl.exchanged[id]
		theirs := make([]uint64, len(p.peers))
		for _, mark := range ex.Received {
			if slot, ok := p.slots.Of(mark.Sender); ok {
				theirs[slot] = mark.Through
			}
		}
		var msgs []Message
		for slot, pr := range p.peers {
			if p.fl.holder[slot] != p.local {
				continue
			}
			for seq := theirs[slot] + 1; seq <= p.fl.cut[slot]; seq++ {
				msg, ok := pr.msgs[seq]
				if !ok {
					p.logger.Error("retained message missing for retransmission",
						zap.Stringer("sender", pr.id), zap.Uint64("seq", seq))
					break
				}
				msgs = append(msgs, msg)
			}
		}
		var tokens []Token
		if p.fl.orderHolder == p.local {
			for order := ex.OrderThrough + 1; order <= p.fl.orderCut; order++ {
				t, ok := p.order.tokens[order]
				if !ok {
					p.logger.Error("retained token missing for retransmission", zap.Uint64("order", order))
					break
				}
				tokens = append(tokens, t)
			}
		}
		p.retransmit(id, msgs, tokens)
	}
}

func (p *Protocol) retransmit(to membership.NodeID, msgs []Message, tokens []Token) {
	if len(msgs) == 0 && len(tokens) == 0 {
		return
	}
	p.logger.Debug("retransmitting for flush",
		zap.Stringer("to", to), zap.Int("messages", len(msgs)), zap.Int("tokens", len(tokens)))
	b := &DataBundle{Epoch: p.epoch, Retransmit: true, Tokens: tokens}
	for chunk := range slices.Chunk(msgs, p.cfg.MaxBundlingMessageCount) {
		b.Messages = chunk
		p.send(to, b)
		b = &DataBundle{Epoch: p.epoch, Retransmit: true}
	}
	if len(msgs) == 0 {
		p.send(to, b)
	}
}

// ProcessFlush grants once everything up to the cut was delivered.
func (p *Protocol) ProcessFlush(*flush.Flush) {
	p.fl.processing = true
	p.checkDrained()
}

func (p *Protocol) checkDrained() {
	if !p.fl.processing || p.fl.drained {
		return
	}
	if p.fl.survivor {
		for slot, c := range p.fl.cut {
			if p.peers[slot].through < c {
				return
			}
		}
		if p.ordered && p.order.through < p.fl.orderCut {
			return
		}
		p.finishEpoch()
	}
	p.fl.drained = true
	callbacks := p.onDrained
	p.onDrained = nil
	for _, fn := range callbacks {
		fn()
	}
	p.fl.f.Grant(p)
}

// finishEpoch delivers the rest of the closing epoch: messages with an order
// token first, then the untokened tail ordered by sender and sequence number.
// Every survivor computes the same sequence from the same cut.
func (p *Protocol) finishEpoch() {
	if p.ordered {
		for p.order.delivered < p.fl.orderCut {
			t := p.order.tokens[p.order.delivered+1]
			p.order.delivered++
			slot, ok := p.slots.Of(t.Sender)
			if !ok {
				continue
			}
			pr := p.peers[slot]
			if t.Seq > p.fl.cut[slot] || t.Seq != pr.delivered+1 {
				continue
			}
			p.deliver(pr, pr.msgs[t.Seq])
		}
	}
	for slot, pr := range p.peers {
		for pr.delivered < p.fl.cut[slot] {
			p.deliver(pr, pr.msgs[pr.delivered+1])
		}
	}
}

// EndFlush installs the new epoch.
func (p *Protocol) EndFlush(f *flush.Flush) {
	p.flushing = false
	p.fl = flushState{}
	p.onDrained = nil
	p.install(f.New)
}

// OnMemberFailed aborts everything still queued for id. Messages it never
// acknowledged stay retained until the flush that excludes it.
func (p *Protocol) OnMemberFailed(id membership.NodeID) {
	slot, ok := p.slots.Of(id)
	if !ok || p.peers[slot].out == nil {
		return
	}
	o := p.peers[slot].out
	o.messages, o.tokens, o.ready, o.size = nil, nil, nil, 0
	o.closed = true
	if o.sink != nil {
		o.sink.SetReady(false)
	}
	p.logger.Debug("outbox aborted", zap.Stringer("member", id))
}

func (p *Protocol) OnMemberLeft(id membership.NodeID) {
	p.OnMemberFailed(id)
}

// OnDrained runs fn once the local node delivered everything of the closing
// epoch, or right away when no flush is draining.
func (p *Protocol) OnDrained(fn func()) {
	if !p.flushing || p.fl.drained {
		fn()
		return
	}
	p.onDrained = append(p.onDrained, fn)
}
