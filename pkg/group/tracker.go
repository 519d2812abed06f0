package group

import (
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgroup/pkg/detector"
	"github.com/ryandielhenn/zephyrgroup/pkg/discovery"
	"github.com/ryandielhenn/zephyrgroup/pkg/flush"
	"github.com/ryandielhenn/zephyrgroup/pkg/membership"
	"github.com/ryandielhenn/zephyrgroup/pkg/wire"
)

// sighting is a node heard from through a join request.
type sighting struct {
	node membership.Node
	at   time.Time
}

// Tracker drives membership changes. On every tick the coordinator compares
// the installed membership with the failure detector and the pending joiners
// and starts a flush when they differ. Nodes outside a group ask discovered
// nodes to let them in and form a new group when nobody answers.
type Tracker struct {
	local     membership.Node
	cfg       Config
	clock     clockwork.Clock
	logger    *zap.Logger
	detector  *detector.Detector
	manager   *Manager
	flush     *flush.Manager
	discovery discovery.Discovery
	send      func(wire.Message)

	ungroupedSince time.Time
	lastRequest    time.Time
	heard          map[membership.NodeID]sighting
	joiners        map[membership.NodeID]sighting
	redirect       *membership.Node
	redirectAt     time.Time
	reform         bool
	stopped        bool
}

func NewTracker(local membership.Node, cfg Config, clock clockwork.Clock, d *detector.Detector, mgr *Manager, disc discovery.Discovery, send func(wire.Message), logger *zap.Logger) *Tracker {
	t := &Tracker{
		local:     local,
		cfg:       cfg,
		clock:     clock,
		logger:    logger.Named("tracker"),
		detector:  d,
		manager:   mgr,
		discovery: disc,
		send:      send,
		heard:     make(map[membership.NodeID]sighting),
		joiners:   make(map[membership.NodeID]sighting),
	}
	mgr.OnInstalled(t.installed)
	return t
}

// SetFlush attaches the flush manager the tracker starts rounds on.
func (t *Tracker) SetFlush(f *flush.Manager) {
	t.flush = f
}

// Reform makes the next membership primary again.
func (t *Tracker) Reform() {
	t.reform = true
}

func (t *Tracker) Stop() {
	t.stopped = true
}

// Joiners lists the nodes waiting to be admitted by the local coordinator.
func (t *Tracker) Joiners() []membership.NodeID {
	ids := make([]membership.NodeID, 0, len(t.joiners))
	for id := range t.joiners {
		ids = append(ids, id)
	}
	membership.SortIDs(ids)
	return ids
}

func (t *Tracker) installed(m *membership.Membership) {
	t.ungroupedSince = time.Time{}
	t.redirect = nil
	clear(t.heard)
	for id := range t.joiners {
		if m.Contains(id) {
			delete(t.joiners, id)
		}
	}
	if m.Group.Primary {
		t.reform = false
	}
}

func (t *Tracker) Receive(msg wire.Message) bool {
	switch part := msg.Part.(type) {
	case *JoinRequest:
		t.handleJoinRequest(msg.From, part)
	case *Redirect:
		t.handleRedirect(msg.From, part)
	case *Leave:
		t.handleLeave(msg.From)
	default:
		return false
	}
	return true
}

func (t *Tracker) handleJoinRequest(from membership.NodeID, req *JoinRequest) {
	if req.Node.ID != from || t.stopped {
		return
	}
	now := t.clock.Now()
	cur := t.manager.Current()
	if cur == nil {
		t.heard[from] = sighting{node: req.Node, at: now}
		return
	}
	if cur.Contains(from) {
		return
	}
	coordinator, ok := t.detector.CurrentCoordinator()
	if !ok {
		return
	}
	if coordinator.ID != t.local.ID {
		t.send(wire.Message{To: from, Part: &Redirect{Coordinator: coordinator, MembershipID: cur.ID}})
		return
	}
	if _, known := t.joiners[from]; !known {
		t.logger.Info("join requested", zap.Stringer("node", req.Node))
	}
	t.joiners[from] = sighting{node: req.Node, at: now}
}

func (t *Tracker) handleRedirect(from membership.NodeID, r *Redirect) {
	if t.manager.Current() != nil || t.stopped {
		return
	}
	coordinator := r.Coordinator
	if t.redirect == nil || t.redirect.ID != coordinator.ID {
		t.logger.Info("redirected to group coordinator",
			zap.Stringer("coordinator", coordinator), zap.Int64("membership", r.MembershipID), zap.Stringer("by", from))
	}
	t.redirect = &coordinator
	t.redirectAt = t.clock.Now()
	if coordinator.ID != t.local.ID {
		t.send(wire.Message{To: coordinator.ID, Part: &JoinRequest{Node: t.local}})
	}
}

func (t *Tracker) handleLeave(from membership.NodeID) {
	delete(t.heard, from)
	delete(t.joiners, from)
	t.detector.AddLeftMembers(from)
}

func (t *Tracker) OnTimer(now time.Time) {
	if t.stopped {
		return
	}
	expiry := 3 * t.cfg.JoinRequestPeriod
	for id, s := range t.heard {
		if now.Sub(s.at) > expiry {
			delete(t.heard, id)
		}
	}
	for id, s := range t.joiners {
		if now.Sub(s.at) > expiry {
			delete(t.joiners, id)
		}
	}

	cur := t.manager.Current()
	if cur == nil {
		t.tickUngrouped(now)
		return
	}
	if t.flush.InProgress() {
		return
	}
	coordinator, ok := t.detector.CurrentCoordinator()
	if !ok || coordinator.ID != t.local.ID {
		return
	}
	plan, ok := t.Plan(cur, t.reform)
	if !ok {
		return
	}
	t.flush.Start(plan, t.cause(plan))
}

func (t *Tracker) tickUngrouped(now time.Time) {
	if t.ungroupedSince.IsZero() {
		t.ungroupedSince = now
	}
	if t.flush.InProgress() {
		return
	}
	if t.lastRequest.IsZero() || now.Sub(t.lastRequest) >= t.cfg.JoinRequestPeriod {
		t.lastRequest = now
		t.requestJoin()
	}
	if t.redirect != nil && now.Sub(t.redirectAt) <= 3*t.cfg.JoinRequestPeriod {
		return
	}
	t.redirect = nil
	if now.Sub(t.ungroupedSince) < t.cfg.GroupFormationPeriod || !t.discovery.CanFormGroup() {
		return
	}
	for id := range t.heard {
		if membership.LessID(id, t.local.ID) && t.detector.IsHealthy(id) {
			return
		}
	}
	plan, ok := t.Plan(nil, false)
	if !ok {
		return
	}
	t.flush.Start(plan, "form")
}

func (t *Tracker) requestJoin() {
	req := &JoinRequest{Node: t.local}
	if t.redirect != nil {
		t.send(wire.Message{To: t.redirect.ID, Part: req})
		return
	}
	for _, n := range t.discovery.DiscoveredNodes() {
		if n.ID != t.local.ID {
			t.send(wire.Message{To: n.ID, Part: req})
		}
	}
}

// Plan computes the membership following base. A nil or seed base forms a
// new group from the local node and the ungrouped nodes it heard from.
// Members reported failed or left are dropped, pending joiners are added.
// No plan is returned when the local node would not be part of the result.
func (t *Tracker) Plan(base *membership.Membership, force bool) (flush.Plan, bool) {
	if t.stopped {
		return flush.Plan{}, false
	}
	forming := base == nil || base.IsSeed()
	var members []membership.Node
	if forming {
		base = membership.Seed(t.cfg.GroupID(), t.cfg.Name, t.cfg.Durable)
		members = append(members, t.local)
		for _, s := range t.heard {
			if t.detector.IsHealthy(s.node.ID) {
				members = append(members, s.node)
			}
		}
	} else {
		if !base.Contains(t.local.ID) {
			return flush.Plan{}, false
		}
		for _, n := range base.Group.Members {
			if t.detector.IsHealthy(n.ID) {
				members = append(members, n)
			}
		}
		for _, s := range t.joiners {
			if !base.Contains(s.node.ID) && t.detector.IsHealthy(s.node.ID) {
				members = append(members, s.node)
			}
		}
	}

	primary := forming || t.reform || membership.NextPrimary(base, members, t.cfg.ContinuityThreshold)
	durable := t.cfg.Durable
	if !forming {
		durable = base.Group.Durable
	}
	next := membership.NewMembership(base.ID+1, membership.NewGroup(base.Group.ID, base.Group.Name, primary, durable, members))
	if !forming && !force && next.Group.SameMembers(base.Group) && primary == base.Group.Primary {
		return flush.Plan{}, false
	}

	left := make(map[membership.NodeID]bool)
	for _, id := range t.detector.LeftMembers() {
		left[id] = true
	}
	return flush.Plan{Old: base, New: next, Left: left, Forming: forming}, true
}

func (t *Tracker) cause(plan flush.Plan) string {
	d := membership.Diff(plan.Old, plan.New, plan.Left)
	switch {
	case t.reform:
		return "reform"
	case len(d.Failed) > 0:
		return "member-failed"
	case len(d.Left) > 0:
		return "member-left"
	case len(d.Joined) > 0:
		return "join"
	default:
		return "refresh"
	}
}
