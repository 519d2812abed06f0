// Package group assembles the group communication core of one node.
//
// A Channel runs the failure detector, the flush protocol, the membership
// tracker, failure-atomic multicast and state transfer on one single-threaded
// compartment. Inbound traffic and timers are queued onto the compartment, so
// none of the protocol state machines needs a lock.
package group

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgroup/pkg/compartment"
	"github.com/ryandielhenn/zephyrgroup/pkg/detector"
	"github.com/ryandielhenn/zephyrgroup/pkg/discovery"
	"github.com/ryandielhenn/zephyrgroup/pkg/flush"
	"github.com/ryandielhenn/zephyrgroup/pkg/membership"
	"github.com/ryandielhenn/zephyrgroup/pkg/multicast"
	"github.com/ryandielhenn/zephyrgroup/pkg/statetransfer"
	"github.com/ryandielhenn/zephyrgroup/pkg/transport"
	"github.com/ryandielhenn/zephyrgroup/pkg/wire"
)

var (
	ErrNotStarted     = errors.New("group: channel not started")
	ErrLeft           = errors.New("group: channel left the group")
	ErrNotCoordinator = errors.New("group: local node is not the coordinator")
)

// Application is the replicated state a channel delivers to and transfers
// to joining members.
type Application interface {
	multicast.Receiver
	statetransfer.Store
}

// Dialer attaches a channel to the network. h takes inbound messages; exec
// schedules transport callbacks on the channel's compartment.
type Dialer func(h transport.Handler, exec func(func())) transport.Transport

type Option func(o *options)

type options struct {
	clock     clockwork.Clock
	logger    *zap.Logger
	flow      multicast.FlowController
	directory *transport.Directory
}

func WithClock(clock clockwork.Clock) Option {
	return func(o *options) { o.clock = clock }
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithFlowController receives flow lock and unlock signals for local senders.
func WithFlowController(fc multicast.FlowController) Option {
	return func(o *options) { o.flow = fc }
}

// WithDirectory makes the channel record installed members in d, so a
// transport resolving addresses through d also learns about them.
func WithDirectory(d *transport.Directory) Option {
	return func(o *options) { o.directory = d }
}

// stage is one protocol layer of the receive pipeline.
type stage interface {
	Receive(msg wire.Message) bool
}

type Channel struct {
	local  membership.Node
	cfg    Config
	logger *zap.Logger
	clock  clockwork.Clock

	c         *compartment.Compartment
	net       transport.Transport
	directory *transport.Directory
	detector  *detector.Detector
	heartbeat *detector.Heartbeat
	manager   *Manager
	tracker   *Tracker
	flush     *flush.Manager
	multicast *multicast.Protocol
	transfer  *statetransfer.Protocol
	stages    []stage

	started atomic.Bool
	left    atomic.Bool
}

func NewChannel(local membership.Node, cfg Config, dial Dialer, disc discovery.Discovery, app Application, opts ...Option) (*Channel, error) {
	o := options{clock: clockwork.NewRealClock(), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if o.directory == nil {
		o.directory = transport.NewDirectory(local)
	}
	logger := o.logger.With(zap.Stringer("node", local))
	if cfg.StateTransfer.Strategy == statetransfer.Full && !cfg.Multicast.Ordered {
		logger.Warn("full state transfer needs ordered multicast, falling back to simple")
		cfg.StateTransfer.Strategy = statetransfer.Simple
	}

	ch := &Channel{
		local:     local,
		cfg:       cfg,
		logger:    logger.Named("channel"),
		clock:     o.clock,
		c:         compartment.New(o.clock, cfg.TickPeriod, logger.Named("compartment")),
		directory: o.directory,
	}
	ch.net = dial(ch, func(fn func()) { ch.c.Offer(fn) })

	reconnector, _ := ch.net.(transport.Reconnector)
	ch.detector = detector.New(local.ID, cfg.Detector, o.clock, reconnector, logger)
	deliver := multicast.ReceiverFunc(func(d multicast.Delivery) { ch.transfer.Deliver(d) })
	ch.multicast = multicast.New(local.ID, cfg.Multicast, o.clock, ch.net, deliver, ch.detector, o.flow, logger)
	ch.transfer = statetransfer.New(local.ID, cfg.StateTransfer, o.clock, ch.net, app, ch.multicast, app, logger)

	ch.manager = NewManager(local.ID, ch.transfer, logger)
	ch.tracker = NewTracker(local, cfg, o.clock, ch.detector, ch.manager, disc, ch.send, logger)
	ch.flush = flush.NewManager(local.ID, cfg.Flush, o.clock, ch.send, ch.manager, ch.tracker, ch.detector, logger)
	ch.tracker.SetFlush(ch.flush)
	ch.heartbeat = detector.NewHeartbeat(local.ID, cfg.Detector, ch.detector, ch.send, ch.heartbeatTargets)

	// Participants run in registration order: the state transfer client must
	// hold deliveries before multicast installs the new epoch.
	ch.flush.Register(ch.transfer)
	ch.flush.Register(ch.multicast)

	ch.detector.AddListener(ch.multicast)
	ch.detector.AddListener(memberFailed(ch.transfer.OnMemberFailed))
	ch.detector.AddListener(ch.flush)

	ch.manager.OnInstalled(ch.detector.OnMembershipInstalled)
	ch.manager.OnInstalled(func(m *membership.Membership) { ch.directory.Update(m.Group.Members...) })
	ch.transfer.OnFailed(func(err error) { ch.leave(JoinFailed, err) })

	ch.stages = []stage{ch.heartbeat, ch.flush, ch.multicast, ch.transfer, ch.tracker}
	ch.c.AddTimer(ch.heartbeat.OnTimer)
	ch.c.AddTimer(ch.detector.OnTimer)
	ch.c.AddTimer(ch.flush.OnTimer)
	ch.c.AddTimer(ch.multicast.OnTimer)
	ch.c.AddTimer(ch.transfer.OnTimer)
	ch.c.AddTimer(ch.tracker.OnTimer)
	return ch, nil
}

// memberFailed treats failed and departed members alike.
type memberFailed func(id membership.NodeID)

func (f memberFailed) OnMemberFailed(id membership.NodeID) { f(id) }
func (f memberFailed) OnMemberLeft(id membership.NodeID)   { f(id) }

func (ch *Channel) Local() membership.Node {
	return ch.local
}

// Directory resolves the nodes the channel knows about.
func (ch *Channel) Directory() *transport.Directory {
	return ch.directory
}

// AddListener registers l for membership notifications. Call before Start.
func (ch *Channel) AddListener(l Listener) {
	ch.manager.AddListener(l)
}

// Membership returns the installed membership, nil while not in a group.
func (ch *Channel) Membership() *membership.Membership {
	return ch.manager.Current()
}

// Left reports whether the channel left its group.
func (ch *Channel) Left() bool {
	return ch.left.Load()
}

// Flushing reports whether a flush round is running on the local node. Like
// TrySend it must be called from inside the compartment, or by a driver that
// owns it.
func (ch *Channel) Flushing() bool {
	return ch.flush.InProgress()
}

// Start enables the channel. Timers run on Tick, or on Run.
func (ch *Channel) Start() {
	if ch.started.CompareAndSwap(false, true) {
		ch.logger.Info("channel started", zap.String("group", ch.cfg.Name), zap.Bool("durable", ch.cfg.Durable))
	}
}

// Run starts the channel and drives its compartment until ctx is done or
// the channel left its group.
func (ch *Channel) Run(ctx context.Context) {
	ch.Start()
	ch.c.Run(ctx)
}

// Tick runs every timer once. Used by drivers that own the clock.
func (ch *Channel) Tick() {
	if ch.started.Load() && !ch.left.Load() {
		ch.c.Tick()
	}
}

// Process runs queued work and returns the number of tasks executed.
func (ch *Channel) Process() int {
	return ch.c.Process()
}

// Pending is the number of queued tasks.
func (ch *Channel) Pending() int {
	return ch.c.Pending()
}

// Receive implements transport.Handler.
func (ch *Channel) Receive(msg wire.Message) {
	ch.c.Offer(func() { ch.dispatch(msg) })
}

func (ch *Channel) dispatch(msg wire.Message) {
	if !ch.started.Load() || ch.left.Load() {
		return
	}
	ch.heartbeat.Observe(msg.From, ch.clock.Now())
	for _, s := range ch.stages {
		if s.Receive(msg) {
			return
		}
	}
	ch.logger.Debug("dropping unhandled message", zap.Stringer("message", msg))
}

// send loops messages for the local node back through the compartment.
func (ch *Channel) send(msg wire.Message) {
	if msg.To == ch.local.ID {
		msg.From = ch.local.ID
		ch.c.Offer(func() { ch.dispatch(msg) })
		return
	}
	if err := ch.net.Send(msg); err != nil {
		ch.logger.Debug("send failed", zap.Stringer("to", msg.To), zap.Error(err))
	}
}

func (ch *Channel) heartbeatTargets() []membership.NodeID {
	var ids []membership.NodeID
	if cur := ch.manager.Current(); cur != nil {
		ids = cur.Group.IDs()
	}
	if f := ch.flush.Active(); f != nil {
		for _, id := range f.New.Group.IDs() {
			if !ch.manager.Current().Contains(id) {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// Offer schedules fn on the compartment without waiting.
func (ch *Channel) Offer(fn func()) bool {
	return ch.c.Offer(fn)
}

// Do runs fn on the compartment and waits for it. It must not be called from
// inside the compartment, for instance from a listener.
func (ch *Channel) Do(ctx context.Context, fn func()) error {
	if !ch.started.Load() {
		return ErrNotStarted
	}
	if ch.left.Load() {
		return ErrLeft
	}
	return ch.c.Call(ctx, fn)
}

// Send multicasts payload to the group and waits until it was accepted.
func (ch *Channel) Send(ctx context.Context, payload []byte, opts ...multicast.SendOption) (multicast.MessageID, error) {
	var (
		id  multicast.MessageID
		err error
	)
	if cerr := ch.Do(ctx, func() { id, err = ch.TrySend(payload, opts...) }); cerr != nil {
		return multicast.MessageID{}, cerr
	}
	return id, err
}

// TrySend multicasts payload. It must be called from inside the compartment.
func (ch *Channel) TrySend(payload []byte, opts ...multicast.SendOption) (multicast.MessageID, error) {
	if !ch.started.Load() {
		return multicast.MessageID{}, ErrNotStarted
	}
	if ch.left.Load() {
		return multicast.MessageID{}, ErrLeft
	}
	return ch.multicast.Send(payload, opts...)
}

// Ready reports whether the local state caught up with the group.
func (ch *Channel) Ready(ctx context.Context) (bool, error) {
	var ready bool
	err := ch.Do(ctx, func() { ready = ch.manager.Joined() && ch.transfer.Ready() })
	return ready, err
}

// Reform makes the next membership installed by the local coordinator
// primary again. It must be called from inside the compartment.
func (ch *Channel) Reform() error {
	coordinator, ok := ch.detector.CurrentCoordinator()
	if !ok || coordinator.ID != ch.local.ID {
		return ErrNotCoordinator
	}
	ch.logger.Info("reformation requested")
	ch.tracker.Reform()
	return nil
}

// Leave announces a graceful leave to the group and stops the channel.
func (ch *Channel) Leave() {
	ch.c.Offer(func() { ch.leave(LeftGracefully, nil) })
}

func (ch *Channel) leave(reason LeaveReason, err error) {
	if ch.left.Load() {
		return
	}
	targets := make(map[membership.NodeID]bool)
	if cur := ch.manager.Current(); cur != nil {
		for _, id := range cur.Group.IDs() {
			targets[id] = true
		}
	}
	if f := ch.flush.Active(); f != nil {
		for _, id := range f.New.Group.IDs() {
			targets[id] = true
		}
	}
	delete(targets, ch.local.ID)
	for id := range targets {
		ch.send(wire.Message{To: id, Part: &Leave{}})
	}
	ch.tracker.Stop()
	ch.left.Store(true)
	ch.manager.leave(reason, err)
	ch.c.Close()
}
