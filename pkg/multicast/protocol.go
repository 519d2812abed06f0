// Package multicast implements failure-atomic multicast within the installed
// membership.
//
// Every member numbers its messages per epoch, where an epoch is the id of the
// installed membership. Receivers deliver FIFO per sender; in ordered durable
// groups the coordinator of the membership acts as sequencer and broadcasts
// order tokens so every member delivers the same sequence at the same
// Position. The protocol is a flush participant: a flush closes the epoch at
// the cut agreed during data exchange, so a message is either delivered by
// every surviving member or by none.
package multicast

import (
	"bytes"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgroup/internal/telemetry"
	"github.com/ryandielhenn/zephyrgroup/pkg/membership"
	"github.com/ryandielhenn/zephyrgroup/pkg/transport"
	"github.com/ryandielhenn/zephyrgroup/pkg/wire"
)

// Name is the flush participant name of the protocol.
const Name = "multicast"

var (
	ErrNotReady        = errors.New("multicast: too many unacknowledged messages")
	ErrFlushInProgress = errors.New("multicast: flush in progress")
	ErrNotMember       = errors.New("multicast: local node is not a group member")
)

// Delivery is one message handed to the application.
type Delivery struct {
	Sender   membership.NodeID
	Seq      uint64
	Position Position
	Payload  []byte
}

type Receiver interface {
	Deliver(d Delivery)
}

type ReceiverFunc func(d Delivery)

func (f ReceiverFunc) Deliver(d Delivery) { f(d) }

// Reporter receives members that left messages unacknowledged for too long.
type Reporter interface {
	AddFailedMembers(ids ...membership.NodeID)
}

type MessageID struct {
	Epoch int64
	Seq   uint64
}

type SendOption func(o *sendOptions)

type sendOptions struct {
	noDelay     bool
	onDelivered func(MessageID)
}

// NoDelay sends the message without waiting for a bundle to fill up.
func NoDelay() SendOption {
	return func(o *sendOptions) { o.noDelay = true }
}

// OnDelivered registers fn to run once every member received the message, or
// when the flush that closes its epoch completes.
func OnDelivered(fn func(MessageID)) SendOption {
	return func(o *sendOptions) { o.onDelivered = fn }
}

// peer is the per-member state of the current epoch, indexed by slot.
type peer struct {
	id membership.NodeID

	// receive side
	msgs       map[uint64]Message
	through    uint64
	delivered  uint64
	stable     uint64
	collected  uint64
	ackPending int
	ackSince   time.Time
	lockSent   bool

	// send side
	acked      uint64
	orderAcked uint64
	locked     bool
	unlockedAt time.Time
	out        *outbox
}

type ownState struct {
	seq       uint64
	stable    uint64
	sentAt    map[uint64]time.Time
	callbacks map[uint64]func(MessageID)
}

type orderState struct {
	tokens    map[uint64]Token
	through   uint64
	delivered uint64
	stable    uint64
	collected uint64
	// assigned is the highest sequenced seq per slot, sequencer only.
	assigned []uint64
}

type futureQueue struct {
	msgs []wire.Message
	last time.Time
}

type Protocol struct {
	local    membership.NodeID
	node     string
	cfg      Config
	clock    clockwork.Clock
	logger   *zap.Logger
	net      transport.Transport
	pull     transport.PullTransport
	receiver Receiver
	reporter Reporter
	flow     FlowController

	membership *membership.Membership
	epoch      int64
	slots      *membership.Slots
	peers      []*peer
	self       int
	ordered    bool
	sequencer  bool

	own      ownState
	order    orderState
	position uint64

	flushing  bool
	fl        flushState
	onDrained []func()

	holding bool
	held    []Delivery

	future map[int64]*futureQueue
}

// New creates the protocol. flow may be nil. With cfg.Pull the transport must
// implement transport.PullTransport, otherwise bundles are pushed.
func New(local membership.NodeID, cfg Config, clock clockwork.Clock, t transport.Transport, receiver Receiver, reporter Reporter, flow FlowController, logger *zap.Logger) *Protocol {
	if flow == nil {
		flow = nopFlowController{}
	}
	p := &Protocol{
		local:    local,
		node:     local.String(),
		cfg:      cfg,
		clock:    clock,
		logger:   logger.Named("multicast"),
		net:      t,
		receiver: receiver,
		reporter: reporter,
		flow:     flow,
		self:     -1,
		slots:    membership.NewSlots(nil),
		future:   make(map[int64]*futureQueue),
	}
	if cfg.Pull {
		if pt, ok := t.(transport.PullTransport); ok {
			p.pull = pt
		} else {
			p.logger.Warn("transport does not support the pull model, pushing bundles")
		}
	}
	return p
}

func (p *Protocol) Membership() *membership.Membership {
	return p.membership
}

// Ordered reports whether deliveries of the current epoch are totally ordered.
func (p *Protocol) Ordered() bool {
	return p.ordered
}

func (p *Protocol) Send(payload []byte, opts ...SendOption) (MessageID, error) {
	if p.membership == nil || p.self < 0 {
		return MessageID{}, ErrNotMember
	}
	if p.flushing {
		return MessageID{}, ErrFlushInProgress
	}
	if p.own.seq-p.own.stable >= uint64(p.cfg.MaxUnacknowledgedMessageCount) {
		return MessageID{}, ErrNotReady
	}
	var o sendOptions
	for _, opt := range opts {
		opt(&o)
	}

	now := p.clock.Now()
	p.own.seq++
	msg := Message{
		Epoch:   p.epoch,
		Sender:  p.local,
		Seq:     p.own.seq,
		NoDelay: o.noDelay,
		Payload: bytes.Clone(payload),
	}
	id := MessageID{Epoch: p.epoch, Seq: msg.Seq}
	p.own.sentAt[msg.Seq] = now
	if o.onDelivered != nil {
		p.own.callbacks[msg.Seq] = o.onDelivered
	}
	self := p.peers[p.self]
	self.msgs[msg.Seq] = msg
	self.through = msg.Seq
	telemetry.MulticastSent.WithLabelValues(p.node).Inc()

	for _, pr := range p.peers {
		if pr.out != nil {
			pr.out.addMessage(msg, now)
			p.pump(pr.out, now, msg.NoDelay)
		}
	}
	if p.sequencer && p.ordered {
		p.assignTokens(p.self, now)
	}
	p.deliverReady()
	p.advanceStable()
	p.settle(now)
	return id, nil
}

// Receive handles multicast parts and reports whether msg was one.
func (p *Protocol) Receive(msg wire.Message) bool {
	switch part := msg.Part.(type) {
	case *DataBundle:
		p.handleBundle(msg.From, part)
	case *AckMsg:
		p.handleAck(msg.From, part)
	case *FlowLockMsg:
		p.handleFlowLock(msg.From, part)
	default:
		return false
	}
	return true
}

func (p *Protocol) handleBundle(from membership.NodeID, b *DataBundle) {
	now := p.clock.Now()
	switch {
	case b.Epoch > p.epoch:
		p.buffer(from, b, now)
		return
	case b.Epoch < p.epoch || p.membership == nil:
		return
	case p.flushing && !b.Retransmit:
		// everything the sender had is part of its exchange data and comes
		// back as a retransmission if anyone needs it
		return
	}
	fromSlot, ok := p.slots.Of(from)
	if !ok {
		return
	}

	for _, m := range b.Messages {
		slot, ok := p.slots.Of(m.Sender)
		if !ok || slot == p.self {
			continue
		}
		pr := p.peers[slot]
		if m.Seq <= pr.through {
			continue
		}
		if _, dup := pr.msgs[m.Seq]; dup {
			continue
		}
		pr.msgs[m.Seq] = m
		for {
			if _, ok := pr.msgs[pr.through+1]; !ok {
				break
			}
			pr.through++
		}
		if !b.Retransmit {
			p.expectAck(pr, now)
		}
	}

	if !p.sequencer {
		accepted := false
		for _, t := range b.Tokens {
			if t.Order <= p.order.through {
				continue
			}
			if _, dup := p.order.tokens[t.Order]; dup {
				continue
			}
			p.order.tokens[t.Order] = t
			accepted = true
			for {
				if _, ok := p.order.tokens[p.order.through+1]; !ok {
					break
				}
				p.order.through++
			}
		}
		if accepted && !b.Retransmit && len(p.peers) > 0 {
			p.expectAck(p.peers[0], now)
		}
	}

	if !b.Retransmit {
		pr := p.peers[fromSlot]
		if b.Stable > pr.stable {
			pr.stable = min(b.Stable, pr.through)
		}
		if fromSlot == 0 && b.StableOrder > p.order.stable {
			p.order.stable = b.StableOrder
		}
		if p.sequencer && p.ordered && !p.flushing {
			p.assignTokens(fromSlot, now)
		}
	}

	p.deliverReady()
	p.settle(now)
	if p.fl.processing {
		p.checkDrained()
	}
}

func (p *Protocol) expectAck(pr *peer, now time.Time) {
	if pr.ackPending == 0 {
		pr.ackSince = now
	}
	pr.ackPending++
}

func (p *Protocol) buffer(from membership.NodeID, b *DataBundle, now time.Time) {
	q, ok := p.future[b.Epoch]
	if !ok {
		q = &futureQueue{}
		p.future[b.Epoch] = q
	}
	q.msgs = append(q.msgs, wire.Message{From: from, To: p.local, Part: b})
	q.last = now
}

func (p *Protocol) handleAck(from membership.NodeID, a *AckMsg) {
	if p.membership == nil || a.Epoch != p.epoch || p.flushing {
		return
	}
	slot, ok := p.slots.Of(from)
	if !ok || slot == p.self {
		return
	}
	pr := p.peers[slot]
	if a.Through > pr.acked {
		pr.acked = min(a.Through, p.own.seq)
	}
	if a.OrderThrough > pr.orderAcked {
		pr.orderAcked = min(a.OrderThrough, p.order.through)
	}
	p.advanceStable()
	p.advanceOrderStable()
}

func (p *Protocol) handleFlowLock(from membership.NodeID, m *FlowLockMsg) {
	if p.membership == nil || m.Epoch != p.epoch || p.flushing {
		return
	}
	slot, ok := p.slots.Of(from)
	if !ok || slot == p.self {
		return
	}
	pr := p.peers[slot]
	if pr.locked == m.Locked {
		return
	}
	pr.locked = m.Locked
	pr.out.paused = m.Locked
	if m.Locked {
		p.logger.Debug("flow locked by receiver", zap.Stringer("flow", m.Flow))
		telemetry.FlowLocks.WithLabelValues(p.node, "locked").Inc()
		p.flow.Lock(m.Flow)
		return
	}
	p.logger.Debug("flow unlocked by receiver", zap.Stringer("flow", m.Flow))
	now := p.clock.Now()
	pr.unlockedAt = now
	p.flow.Unlock(m.Flow)
	p.pump(pr.out, now, false)
}

// assignTokens sequences every newly contiguous message of slot.
func (p *Protocol) assignTokens(slot int, now time.Time) {
	pr := p.peers[slot]
	for p.order.assigned[slot] < pr.through {
		p.order.assigned[slot]++
		seq := p.order.assigned[slot]
		t := Token{Order: p.order.through + 1, Sender: pr.id, Seq: seq}
		p.order.tokens[t.Order] = t
		p.order.through = t.Order
		noDelay := pr.msgs[seq].NoDelay
		for _, other := range p.peers {
			if other.out != nil {
				other.out.addToken(t, now)
				p.pump(other.out, now, noDelay)
			}
		}
	}
	p.advanceOrderStable()
}

func (p *Protocol) deliverReady() {
	if p.ordered {
		for {
			t, ok := p.order.tokens[p.order.delivered+1]
			if !ok {
				return
			}
			slot, ok := p.slots.Of(t.Sender)
			if !ok {
				p.order.delivered++
				continue
			}
			pr := p.peers[slot]
			msg, ok := pr.msgs[t.Seq]
			if !ok || t.Seq != pr.delivered+1 {
				return
			}
			p.order.delivered++
			p.deliver(pr, msg)
		}
	}
	for _, pr := range p.peers {
		for pr.delivered < pr.through {
			p.deliver(pr, pr.msgs[pr.delivered+1])
		}
	}
}

func (p *Protocol) deliver(pr *peer, msg Message) {
	pr.delivered = msg.Seq
	p.position++
	d := Delivery{
		Sender:   msg.Sender,
		Seq:      msg.Seq,
		Position: Position{Epoch: p.epoch, Index: p.position},
		Payload:  msg.Payload,
	}
	telemetry.MulticastDelivered.WithLabelValues(p.node).Inc()
	if p.holding {
		p.held = append(p.held, d)
		return
	}
	p.receiver.Deliver(d)
}

// advanceStable recomputes what every member acknowledged of the local
// messages and runs the delivery callbacks of newly stable ones.
func (p *Protocol) advanceStable() {
	if p.self < 0 {
		return
	}
	stable := p.own.seq
	for i, pr := range p.peers {
		if i != p.self && pr.acked < stable {
			stable = pr.acked
		}
	}
	if stable <= p.own.stable {
		return
	}
	from := p.own.stable
	p.own.stable = stable
	p.peers[p.self].stable = stable
	p.completeOwn(from, stable)
}

func (p *Protocol) completeOwn(from, through uint64) {
	epoch := p.epoch
	for seq := from + 1; seq <= through; seq++ {
		delete(p.own.sentAt, seq)
		if cb, ok := p.own.callbacks[seq]; ok {
			delete(p.own.callbacks, seq)
			cb(MessageID{Epoch: epoch, Seq: seq})
		}
	}
}

func (p *Protocol) advanceOrderStable() {
	if !p.sequencer || !p.ordered {
		return
	}
	stable := p.order.through
	for i, pr := range p.peers {
		if i != p.self && pr.orderAcked < stable {
			stable = pr.orderAcked
		}
	}
	if stable > p.order.stable {
		p.order.stable = stable
	}
}

// settle drops retained state nobody can ask for any more, sends due acks and
// updates flow locks towards senders.
func (p *Protocol) settle(now time.Time) {
	for slot, pr := range p.peers {
		limit := min(pr.stable, pr.delivered)
		for pr.collected < limit {
			pr.collected++
			delete(pr.msgs, pr.collected)
		}
		if slot == p.self || p.flushing {
			continue
		}
		if pr.ackPending >= p.cfg.AckBatchSize {
			p.sendAck(slot)
		}
		p.checkFlow(pr)
	}
	limit := min(p.order.stable, p.order.delivered)
	for p.order.collected < limit {
		p.order.collected++
		delete(p.order.tokens, p.order.collected)
	}
}

func (p *Protocol) sendAck(slot int) {
	pr := p.peers[slot]
	ack := &AckMsg{Epoch: p.epoch, Through: pr.through}
	if slot == 0 && p.ordered {
		ack.OrderThrough = p.order.through
	}
	pr.ackPending = 0
	pr.ackSince = time.Time{}
	p.send(pr.id, ack)
}

func (p *Protocol) queueLength(pr *peer) int {
	return int(pr.through-pr.delivered) + len(p.held)
}

func (p *Protocol) checkFlow(pr *peer) {
	q := p.queueLength(pr)
	var locked bool
	switch {
	case !pr.lockSent && q >= p.cfg.LockQueueCapacity:
		locked = true
	case pr.lockSent && q <= p.cfg.UnlockQueueCapacity:
		locked = false
	default:
		return
	}
	pr.lockSent = locked
	flow := RemoteFlow{Sender: pr.id, Receiver: p.local, Flow: FlowData}
	p.logger.Debug("flow control", zap.Stringer("flow", flow), zap.Bool("locked", locked), zap.Int("queue", q))
	if locked {
		telemetry.FlowLocks.WithLabelValues(p.node, "sent").Inc()
	}
	p.send(pr.id, &FlowLockMsg{Epoch: p.epoch, Flow: flow, Locked: locked})
}

func (p *Protocol) newBundle() *DataBundle {
	b := &DataBundle{Epoch: p.epoch, Stable: p.own.stable}
	if p.sequencer {
		b.StableOrder = p.order.stable
	}
	return b
}

// pump sends the sealed bundles of o. Without force only full or overdue
// bundles are sealed.
func (p *Protocol) pump(o *outbox, now time.Time, force bool) {
	for o.sendable() && (force || o.full(&p.cfg) || o.due(now, &p.cfg)) {
		p.dispatch(o, o.seal(&p.cfg, p.newBundle(), now))
	}
}

func (p *Protocol) dispatch(o *outbox, b *DataBundle) {
	telemetry.MulticastBundles.WithLabelValues(p.node).Inc()
	if o.sink != nil {
		o.ready = append(o.ready, b)
		o.sink.SetReady(true)
		return
	}
	p.send(o.dest, b)
}

func (p *Protocol) send(to membership.NodeID, part wire.Part) {
	if err := p.net.Send(wire.Message{To: to, Part: part}); err != nil {
		p.logger.Debug("send failed", zap.Stringer("to", to), zap.Error(err))
	}
}

// Hold queues deliveries until Release. Queued deliveries count against the
// receive queues, so senders get flow locked while deliveries are held.
func (p *Protocol) Hold() {
	p.holding = true
}

// Release hands held deliveries to the receiver in order.
func (p *Protocol) Release() {
	p.holding = false
	held := p.held
	p.held = nil
	for _, d := range held {
		p.receiver.Deliver(d)
	}
	if p.membership != nil {
		p.settle(p.clock.Now())
	}
}

// OnTimer seals overdue bundles, announces stability, sends delayed acks and
// reports members that leave messages unacknowledged.
func (p *Protocol) OnTimer(now time.Time) {
	p.purgeFuture(now)
	if p.membership == nil {
		return
	}
	for slot, pr := range p.peers {
		if pr.out != nil {
			p.pump(pr.out, now, false)
			stableOrder := uint64(0)
			if p.sequencer {
				stableOrder = p.order.stable
			}
			if !p.flushing && !pr.out.pending() && pr.out.stale(p.own.stable, stableOrder) &&
				now.Sub(pr.out.lastSent) >= p.cfg.MaxBundlingPeriod {
				p.dispatch(pr.out, pr.out.seal(&p.cfg, p.newBundle(), now))
			}
		}
		if !p.flushing && pr.ackPending > 0 && now.Sub(pr.ackSince) >= p.cfg.AckDelay {
			p.sendAck(slot)
		}
	}
	p.checkUnacknowledged(now)
}

func (p *Protocol) checkUnacknowledged(now time.Time) {
	if p.flushing || p.self < 0 || p.own.seq == p.own.stable {
		return
	}
	sent, ok := p.own.sentAt[p.own.stable+1]
	if !ok || now.Sub(sent) <= p.cfg.MaxUnacknowledgedPeriod {
		return
	}
	var late []membership.NodeID
	for i, pr := range p.peers {
		if i == p.self || pr.acked > p.own.stable {
			continue
		}
		// a receiver that locked the flow is busy, not gone; its clock
		// restarts when it unlocks
		if pr.locked || now.Sub(pr.unlockedAt) <= p.cfg.MaxUnacknowledgedPeriod {
			continue
		}
		late = append(late, pr.id)
	}
	if len(late) == 0 {
		return
	}
	p.logger.Warn("members left messages unacknowledged",
		zap.Int("members", len(late)),
		zap.Uint64("seq", p.own.stable+1),
		zap.Duration("age", now.Sub(sent)))
	p.reporter.AddFailedMembers(late...)
}

// purgeFuture drops traffic buffered for memberships that never got installed.
// Gaps in the current epoch are never purged: a missing message there is
// recovered by the flush that closes the epoch, and dropping what follows it
// would break failure atomicity.
func (p *Protocol) purgeFuture(now time.Time) {
	for epoch, q := range p.future {
		if now.Sub(q.last) > p.cfg.MaxIdleReceiveQueuePeriod {
			p.logger.Debug("purging idle receive queue", zap.Int64("epoch", epoch), zap.Int("bundles", len(q.msgs)))
			delete(p.future, epoch)
		}
	}
}

// install resets all epoch state for m and replays traffic received for it
// ahead of time.
func (p *Protocol) install(m *membership.Membership) {
	if p.self >= 0 {
		p.completeOwn(p.own.stable, p.own.seq)
	}
	for _, pr := range p.peers {
		if pr.out == nil {
			continue
		}
		if p.pull != nil {
			p.pull.Unregister(pr.id)
		}
		if pr.locked {
			p.flow.Unlock(RemoteFlow{Sender: p.local, Receiver: pr.id, Flow: FlowData})
		}
	}

	p.membership = m
	p.epoch = m.ID
	p.slots = membership.NewSlots(m)
	p.self = -1
	if slot, ok := p.slots.Of(p.local); ok {
		p.self = slot
	}
	p.ordered = p.cfg.Ordered && m.Group.Durable
	p.sequencer = p.slots.Len() > 0 && p.slots.ID(0) == p.local
	p.peers = make([]*peer, p.slots.Len())
	for i, id := range p.slots.IDs() {
		pr := &peer{id: id, msgs: make(map[uint64]Message)}
		if id != p.local {
			pr.out = newOutbox(id)
			if p.pull != nil {
				pr.out.sink = p.pull.Register(id, pr.out)
			}
		}
		p.peers[i] = pr
	}
	p.own = ownState{sentAt: make(map[uint64]time.Time), callbacks: make(map[uint64]func(MessageID))}
	p.order = orderState{tokens: make(map[uint64]Token), assigned: make([]uint64, p.slots.Len())}
	p.position = 0

	p.logger.Debug("epoch installed", zap.Int64("epoch", p.epoch), zap.Bool("ordered", p.ordered), zap.Bool("sequencer", p.sequencer))

	for epoch := range p.future {
		if epoch < m.ID {
			delete(p.future, epoch)
		}
	}
	if q, ok := p.future[m.ID]; ok {
		delete(p.future, m.ID)
		for _, msg := range q.msgs {
			p.handleBundle(msg.From, msg.Part.(*DataBundle))
		}
	}
}
