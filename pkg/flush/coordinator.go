package flush

import (
	"slices"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgroup/internal/telemetry"
	"github.com/ryandielhenn/zephyrgroup/pkg/membership"
	"github.com/ryandielhenn/zephyrgroup/pkg/wire"
)

type CoordinatorState uint8

const (
	CoordinatorIdle CoordinatorState = iota
	CoordinatorExchanging
	CoordinatorBeforeProcessing
	CoordinatorProcessing
)

func (s CoordinatorState) String() string {
	switch s {
	case CoordinatorIdle:
		return "idle"
	case CoordinatorExchanging:
		return "exchanging"
	case CoordinatorBeforeProcessing:
		return "before-processing"
	case CoordinatorProcessing:
		return "processing"
	default:
		return "unknown"
	}
}

// Plan is a membership transition the coordinator should drive.
type Plan struct {
	// Old is the membership being replaced, the seed membership when forming.
	Old     *membership.Membership
	New     *membership.Membership
	Left    map[membership.NodeID]bool
	Forming bool
}

// Planner recomputes the candidate membership after a restart. base is the
// membership to start from. force asks for a plan even when the member set is
// unchanged, so participants stuck in a round get released.
type Planner interface {
	Plan(base *membership.Membership, force bool) (Plan, bool)
}

// Coordinator drives rounds on the node that coordinates the group.
type Coordinator struct {
	local    membership.NodeID
	cfg      Config
	clock    clockwork.Clock
	logger   *zap.Logger
	send     func(wire.Message)
	planner  Planner
	reporter Reporter

	state     CoordinatorState
	round     Round
	seen      uint64
	plan      Plan
	delta     membership.Delta
	members   []membership.NodeID
	awaiting  map[membership.NodeID]bool
	exchanges map[membership.NodeID][]ExchangeData
	startedAt time.Time
	phaseAt   time.Time
}

func NewCoordinator(local membership.NodeID, cfg Config, clock clockwork.Clock, send func(wire.Message), planner Planner, reporter Reporter, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		local:    local,
		cfg:      cfg,
		clock:    clock,
		logger:   logger.Named("flush.coordinator"),
		send:     send,
		planner:  planner,
		reporter: reporter,
	}
}

func (c *Coordinator) State() CoordinatorState {
	return c.state
}

func (c *Coordinator) Active() bool {
	return c.state != CoordinatorIdle
}

// Observe records a round seen elsewhere so the next local round supersedes it.
func (c *Coordinator) Observe(r Round) {
	if r.Seq > c.seen {
		c.seen = r.Seq
	}
}

// Start begins a new round for plan. A round in progress is replaced.
func (c *Coordinator) Start(plan Plan, cause string) {
	c.Observe(c.round)
	c.round = Round{Seq: c.seen + 1, Coordinator: c.local}
	c.seen = c.round.Seq
	c.plan = plan
	c.delta = membership.Diff(plan.Old, plan.New, plan.Left)
	c.members = plan.New.Group.IDs()
	c.exchanges = make(map[membership.NodeID][]ExchangeData, len(c.members))
	c.enter(CoordinatorExchanging)
	if c.startedAt.IsZero() {
		c.startedAt = c.phaseAt
	}

	c.logger.Info("flush round started",
		zap.Stringer("round", c.round),
		zap.String("cause", cause),
		zap.Stringer("old", plan.Old),
		zap.Stringer("new", plan.New))
	telemetry.FlushRounds.WithLabelValues(c.local.String(), cause).Inc()

	start := &StartMsg{Round: c.round, Old: plan.Old, Delta: c.delta, Forming: plan.Forming}
	c.broadcast(start)
}

func (c *Coordinator) enter(s CoordinatorState) {
	c.state = s
	c.phaseAt = c.clock.Now()
	c.awaiting = make(map[membership.NodeID]bool, len(c.members))
	for _, id := range c.members {
		c.awaiting[id] = true
	}
}

func (c *Coordinator) broadcast(part wire.Part) {
	for _, id := range c.members {
		c.send(wire.Message{To: id, Part: part})
	}
}

func (c *Coordinator) expect(from membership.NodeID, round Round, state CoordinatorState) bool {
	return c.state == state && c.round == round && c.awaiting[from]
}

func (c *Coordinator) handleExchange(from membership.NodeID, msg *ExchangeMsg) {
	if !c.expect(from, msg.Round, CoordinatorExchanging) {
		return
	}
	if msg.Current != nil && msg.Current.ID > c.plan.Old.ID {
		c.logger.Info("member installed a newer membership, adopting it",
			zap.Stringer("member", from), zap.Stringer("membership", msg.Current))
		c.restart(msg.Current, "adopt")
		return
	}
	delete(c.awaiting, from)
	c.exchanges[from] = msg.Data
	if len(c.awaiting) > 0 {
		return
	}

	data := make([]NodeExchange, 0, len(c.members))
	for _, id := range c.members {
		data = append(data, NodeExchange{Node: id, Data: c.exchanges[id]})
	}
	c.enter(CoordinatorBeforeProcessing)
	c.broadcast(&BeforeProcessMsg{Round: c.round, Data: data})
}

func (c *Coordinator) handleBeforeProcessDone(from membership.NodeID, msg *BeforeProcessDoneMsg) {
	if !c.expect(from, msg.Round, CoordinatorBeforeProcessing) {
		return
	}
	delete(c.awaiting, from)
	if len(c.awaiting) > 0 {
		return
	}
	c.enter(CoordinatorProcessing)
	c.broadcast(&ProcessMsg{Round: c.round})
}

func (c *Coordinator) handleGrant(from membership.NodeID, msg *GrantMsg) {
	if !c.expect(from, msg.Round, CoordinatorProcessing) {
		return
	}
	delete(c.awaiting, from)
	if len(c.awaiting) > 0 {
		return
	}
	c.broadcast(&EndMsg{Round: c.round})
	telemetry.FlushDuration.WithLabelValues(c.local.String()).Observe(c.clock.Since(c.startedAt).Seconds())
	c.logger.Info("flush round completed", zap.Stringer("round", c.round), zap.Stringer("membership", c.plan.New))
	c.reset()
}

func (c *Coordinator) reset() {
	c.state = CoordinatorIdle
	c.awaiting = nil
	c.exchanges = nil
	c.startedAt = time.Time{}
}

// Abort gives up the active round, for instance because another coordinator's
// round superseded it.
func (c *Coordinator) Abort(reason string) {
	if !c.Active() {
		return
	}
	c.logger.Info("flush round aborted", zap.Stringer("round", c.round), zap.String("reason", reason))
	c.reset()
}

// Supersede aborts the active round if r, started by another coordinator,
// takes precedence over it.
func (c *Coordinator) Supersede(r Round) {
	if c.Active() && r.Coordinator != c.local && c.round.Before(r) {
		c.Abort("superseded by " + r.String())
	}
}

func (c *Coordinator) restart(base *membership.Membership, cause string) {
	if c.plan.Forming && base.IsSeed() {
		base = nil
	}
	plan, ok := c.planner.Plan(base, true)
	if !ok {
		c.logger.Warn("no viable membership to restart the flush with", zap.String("cause", cause))
		c.broadcast(&EndMsg{Round: c.round, Abandoned: true})
		c.reset()
		return
	}
	c.Start(plan, cause)
}

func (c *Coordinator) involved(id membership.NodeID) bool {
	return slices.Contains(c.members, id)
}

// OnMemberFailed restarts the round without the failed member.
func (c *Coordinator) OnMemberFailed(id membership.NodeID) {
	if c.Active() && c.involved(id) {
		c.restart(c.plan.Old, "member-failed")
	}
}

func (c *Coordinator) OnMemberLeft(id membership.NodeID) {
	if c.Active() && c.involved(id) {
		c.restart(c.plan.Old, "member-left")
	}
}

// OnTimer treats members that did not answer the current phase in time as failed.
func (c *Coordinator) OnTimer(now time.Time) {
	if !c.Active() || now.Sub(c.phaseAt) <= c.cfg.Timeout {
		return
	}
	var late []membership.NodeID
	for id := range c.awaiting {
		if id != c.local {
			late = append(late, id)
		}
	}
	membership.SortIDs(late)
	c.logger.Warn("flush phase timed out",
		zap.Stringer("round", c.round),
		zap.Stringer("state", c.state),
		zap.Int("late", len(late)))
	if len(late) == 0 {
		c.restart(c.plan.Old, "timeout")
		return
	}
	c.reporter.AddFailedMembers(late...)
}
