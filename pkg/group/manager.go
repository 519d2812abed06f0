package group

import (
	"strconv"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgroup/internal/telemetry"
	"github.com/ryandielhenn/zephyrgroup/pkg/flush"
	"github.com/ryandielhenn/zephyrgroup/pkg/membership"
)

type LeaveReason uint8

const (
	// LeftGracefully follows a call to Leave.
	LeftGracefully LeaveReason = iota + 1
	// JoinFailed means the local state could not be brought up to date.
	JoinFailed
)

func (r LeaveReason) String() string {
	switch r {
	case LeftGracefully:
		return "left"
	case JoinFailed:
		return "join-failed"
	default:
		return "unknown"
	}
}

// Event describes one membership change after the local node joined.
type Event struct {
	Old    *membership.Membership
	New    *membership.Membership
	Change membership.Change
	// PrimaryLost is set when a primary group became non-primary.
	PrimaryLost bool
}

// Listener is notified from inside the channel's compartment. Implementations
// must not block.
type Listener interface {
	OnJoined(m *membership.Membership)
	OnMembershipChanged(e Event)
	OnLeft(reason LeaveReason, err error)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Joined  func(m *membership.Membership)
	Changed func(e Event)
	Left    func(reason LeaveReason, err error)
}

func (l ListenerFuncs) OnJoined(m *membership.Membership) {
	if l.Joined != nil {
		l.Joined(m)
	}
}

func (l ListenerFuncs) OnMembershipChanged(e Event) {
	if l.Changed != nil {
		l.Changed(e)
	}
}

func (l ListenerFuncs) OnLeft(reason LeaveReason, err error) {
	if l.Left != nil {
		l.Left(reason, err)
	}
}

// JoinGate holds back listener notifications until the local state caught up.
type JoinGate interface {
	OnReady(fn func())
}

type openGate struct{}

func (openGate) OnReady(fn func()) { fn() }

// Manager owns the installed membership of one node. It commits the
// membership of completed flush rounds and tells listeners about it.
type Manager struct {
	local  membership.NodeID
	node   string
	logger *zap.Logger
	gate   JoinGate

	current   atomic.Pointer[membership.Membership]
	published int64
	joined    bool
	left      bool
	listeners []Listener
	installed []func(m *membership.Membership)
}

// NewManager creates a manager. A nil gate notifies right away.
func NewManager(local membership.NodeID, gate JoinGate, logger *zap.Logger) *Manager {
	if gate == nil {
		gate = openGate{}
	}
	return &Manager{
		local:  local,
		node:   local.String(),
		logger: logger.Named("membership"),
		gate:   gate,
	}
}

func (m *Manager) AddListener(l Listener) {
	m.listeners = append(m.listeners, l)
}

// OnInstalled registers fn to run on every commit, before flush participants
// see the end of the round.
func (m *Manager) OnInstalled(fn func(m *membership.Membership)) {
	m.installed = append(m.installed, fn)
}

// Current returns the installed membership, nil before the first install.
// Safe from any goroutine.
func (m *Manager) Current() *membership.Membership {
	return m.current.Load()
}

func (m *Manager) Joined() bool {
	return m.joined
}

func (m *Manager) Left() bool {
	return m.left
}

// Commit installs the membership of f. Memberships that are not newer than
// the installed one are ignored.
func (m *Manager) Commit(f *flush.Flush) {
	if cur := m.Current(); cur != nil && f.New.ID <= cur.ID {
		m.logger.Debug("ignoring stale commit", zap.Stringer("membership", f.New), zap.Stringer("current", cur))
		return
	}
	m.current.Store(f.New)
	m.logger.Info("membership installed", zap.Stringer("membership", f.New), zap.Uint64("round", f.Round.Seq))
	telemetry.MembershipVersion.WithLabelValues(m.node).Set(float64(f.New.ID))
	telemetry.MembershipSize.WithLabelValues(m.node).Set(float64(len(f.New.Group.Members)))
	telemetry.MembershipInstalls.WithLabelValues(m.node, strconv.FormatBool(f.New.Group.Primary)).Inc()
	for _, fn := range m.installed {
		fn(f.New)
	}
}

// Publish notifies listeners about the membership committed for f.
func (m *Manager) Publish(f *flush.Flush) {
	if f.New.ID <= m.published || m.left {
		return
	}
	m.published = f.New.ID
	if !m.joined {
		m.joined = true
		joined := f.New
		m.gate.OnReady(func() {
			m.logger.Info("joined group", zap.Stringer("membership", joined))
			for _, l := range m.listeners {
				l.OnJoined(joined)
			}
		})
		return
	}
	ev := Event{
		Old:    f.Old,
		New:    f.New,
		Change: f.Change,
	}
	ev.PrimaryLost = f.Old != nil && f.Old.Group.Primary && !f.New.Group.Primary
	if ev.PrimaryLost {
		m.logger.Warn("group lost primary status", zap.Stringer("membership", f.New))
	}
	m.gate.OnReady(func() {
		for _, l := range m.listeners {
			l.OnMembershipChanged(ev)
		}
	})
}

// leave notifies listeners once. Later installs are not published.
func (m *Manager) leave(reason LeaveReason, err error) {
	if m.left {
		return
	}
	m.left = true
	m.logger.Info("left group", zap.Stringer("reason", reason), zap.Error(err))
	for _, l := range m.listeners {
		l.OnLeft(reason, err)
	}
}
