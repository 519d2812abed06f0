// Package statetransfer brings joining members of durable groups up to date.
//
// The protocol is a flush participant. With the Simple strategy the joining
// node fetches a snapshot from a surviving member while the join flush is in
// process and grants only once the snapshot is installed, so the application
// never sees the membership before its state caught up. With the Full strategy
// providers keep a periodic snapshot plus a log of the state-modifying
// deliveries since; the joiner grants right away, holds its multicast
// deliveries, loads snapshot and log after the install and drops the held
// deliveries the provider had already covered.
package statetransfer

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgroup/pkg/flush"
	"github.com/ryandielhenn/zephyrgroup/pkg/membership"
	"github.com/ryandielhenn/zephyrgroup/pkg/multicast"
	"github.com/ryandielhenn/zephyrgroup/pkg/transport"
	"github.com/ryandielhenn/zephyrgroup/pkg/wire"
)

const Name = "statetransfer"

var ErrJoinFailed = errors.New("statetransfer: join failed")

// Store is the application state handed between members.
type Store interface {
	SaveSnapshot() ([]byte, error)
	LoadSnapshot(data []byte) error
	// IsModifying reports whether applying payload changes the state. Only
	// modifying deliveries enter the transfer log.
	IsModifying(payload []byte) bool
}

// Multicast is the delivery side of the multicast protocol.
type Multicast interface {
	Hold()
	Release()
	OnDrained(fn func())
}

// FailureHandler is told when the local node gave up joining.
type FailureHandler func(err error)

type Protocol struct {
	local  membership.NodeID
	node   string
	cfg    Config
	clock  clockwork.Clock
	logger *zap.Logger
	net    transport.Transport
	store  Store
	mc     Multicast
	app    multicast.Receiver

	membership *membership.Membership
	lastPos    multicast.Position
	skip       multicast.Position

	// provider
	snap       *snapshot
	log        []LogEntry
	snapshotAt time.Time
	serves     map[membership.NodeID]*serve

	// client
	pending  bool
	join     *joinState
	fetch    *fetch
	nextID   uint64
	onReady  []func()
	onFailed FailureHandler
}

type snapshot struct {
	data     []byte
	position multicast.Position
}

// joinState tracks one join from the flush that admits the node until the
// state is installed or the join fails.
type joinState struct {
	flush *flush.Flush
	full  bool
	// ranking is the provider order for this joiner, best first.
	ranking  []membership.Node
	failed   map[membership.NodeID]bool
	attempts int
	backoff  *backoff.ExponentialBackOff
	retryAt  time.Time
	// granting is the flush waiting for a Simple transfer.
	granting *flush.Flush
}

// New creates the protocol. app receives deliveries through Deliver, which
// must be installed as the multicast receiver.
func New(local membership.NodeID, cfg Config, clock clockwork.Clock, t transport.Transport, store Store, mc Multicast, app multicast.Receiver, logger *zap.Logger) *Protocol {
	return &Protocol{
		local:  local,
		node:   local.String(),
		cfg:    cfg,
		clock:  clock,
		logger: logger.Named("statetransfer"),
		net:    t,
		store:  store,
		mc:     mc,
		app:    app,
		serves: make(map[membership.NodeID]*serve),
	}
}

// OnFailed registers the handler for permanent join failures.
func (p *Protocol) OnFailed(fn FailureHandler) {
	p.onFailed = fn
}

// Ready reports whether the local state is caught up with the group.
func (p *Protocol) Ready() bool {
	return !p.pending
}

// OnReady runs fn once the local state caught up, or right away.
func (p *Protocol) OnReady(fn func()) {
	if !p.pending {
		fn()
		return
	}
	p.onReady = append(p.onReady, fn)
}

// Deliver records deliveries for the transfer log and hands them to the
// application. Deliveries covered by an installed image are dropped.
func (p *Protocol) Deliver(d multicast.Delivery) {
	if !p.skip.IsZero() {
		if !p.skip.Less(d.Position) {
			return
		}
		p.skip = multicast.Position{}
	}
	p.lastPos = d.Position
	if p.cfg.Strategy == Full && p.store.IsModifying(d.Payload) {
		p.log = append(p.log, LogEntry{Position: d.Position, Sender: d.Sender, Seq: d.Seq, Payload: d.Payload})
	}
	p.app.Deliver(d)
}

func (p *Protocol) Receive(msg wire.Message) bool {
	switch part := msg.Part.(type) {
	case *Request:
		p.handleRequest(msg.From, part)
	case *ChunkAck:
		p.handleAck(msg.From, part)
	case *Chunk:
		p.handleChunk(msg.From, part)
	case *Abort:
		p.handleAbort(msg.From, part)
	default:
		return false
	}
	return true
}

func (p *Protocol) Name() string {
	return Name
}

func (p *Protocol) IsFlushProcessingRequired() bool {
	return true
}

func (p *Protocol) SetCoordinator(bool) {}

// StartFlush detects whether the round admits the local node into a group
// with state.
func (p *Protocol) StartFlush(f *flush.Flush) {
	for id, s := range p.serves {
		if !s.streaming() {
			delete(p.serves, id)
		}
	}
	if p.join != nil && p.join.granting != nil {
		// the Simple fetch of a superseded round
		p.cancelFetch()
		p.join.granting = nil
	}
	if !p.admits(f) {
		return
	}
	if p.join == nil || !p.pending {
		p.join = &joinState{
			full:    p.cfg.Strategy == Full,
			failed:  make(map[membership.NodeID]bool),
			backoff: p.cfg.retryBackoff(),
		}
		p.logger.Info("joining a durable group, state transfer required",
			zap.String("strategy", string(p.cfg.Strategy)), zap.Stringer("membership", f.New))
	}
	p.pending = true
	p.join.flush = f
	p.join.ranking = p.rankProviders(f.Survivors())
}

func (p *Protocol) admits(f *flush.Flush) bool {
	return !f.GroupForming && f.Old != nil && !f.Old.IsSeed() &&
		f.New.Group.Durable && f.IsJoining(p.local) && len(f.Survivors()) > 0
}

func (p *Protocol) BeforeProcessFlush(*flush.Flush) {}

func (p *Protocol) ProcessFlush(f *flush.Flush) {
	if p.pending && p.join != nil && p.join.flush == f && !p.join.full {
		p.join.granting = f
		p.startFetch(p.clock.Now())
		return
	}
	f.Grant(p)
}

func (p *Protocol) EndFlush(f *flush.Flush) {
	p.membership = f.New
	for id := range p.serves {
		if !f.New.Contains(id) {
			delete(p.serves, id)
		}
	}
	if !p.pending || p.join == nil {
		return
	}
	if p.join.full && p.join.flush == f {
		p.mc.Hold()
		p.startFetch(p.clock.Now())
	}
}

// OnMemberFailed retries elsewhere when the provider of the running fetch failed.
func (p *Protocol) OnMemberFailed(id membership.NodeID) {
	delete(p.serves, id)
	if p.fetch != nil && p.fetch.provider.ID == id {
		p.providerFailed("provider failed")
	}
}

func (p *Protocol) OnTimer(now time.Time) {
	if p.fetch != nil && now.Sub(p.fetch.heard) > p.cfg.RequestTimeout {
		p.providerFailed("provider timed out")
	}
	if p.fetch == nil && p.pending && p.join != nil && !p.join.retryAt.IsZero() && !now.Before(p.join.retryAt) {
		p.join.retryAt = time.Time{}
		p.startFetch(now)
	}
	if p.cfg.Strategy == Full && !p.pending && p.membership != nil &&
		(now.Sub(p.snapshotAt) >= p.cfg.SaveSnapshotPeriod || len(p.log) > p.cfg.MaxLogEntries) {
		p.takeSnapshot(now)
	}
}

func (p *Protocol) send(to membership.NodeID, part wire.Part) {
	if err := p.net.Send(wire.Message{To: to, Part: part}); err != nil {
		p.logger.Debug("send failed", zap.Stringer("to", to), zap.Error(err))
	}
}
