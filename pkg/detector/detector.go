// Package detector tracks member liveness for one node: which members of the
// installed membership are healthy, which failed and which left, and who the
// current coordinator is.
package detector

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgroup/internal/telemetry"
	"github.com/ryandielhenn/zephyrgroup/pkg/membership"
	"github.com/ryandielhenn/zephyrgroup/pkg/transport"
)

type Config struct {
	// HistoryPeriod is how long failure records of nodes outside the view are kept.
	HistoryPeriod time.Duration `validate:"gt=0"`
	// HeartbeatPeriod is the interval between heartbeats to every tracked node.
	HeartbeatPeriod time.Duration `validate:"gt=0"`
	// FailureTimeout is the silence after which a node is reported failed.
	FailureTimeout time.Duration `validate:"gtfield=HeartbeatPeriod"`
}

func DefaultConfig() Config {
	return Config{
		HistoryPeriod:   5 * time.Minute,
		HeartbeatPeriod: 500 * time.Millisecond,
		FailureTimeout:  3 * time.Second,
	}
}

func (c Config) Validate() error {
	return validator.New().Struct(c)
}

type Reason uint8

const (
	ReasonFailed Reason = iota + 1
	ReasonLeft
)

func (r Reason) String() string {
	switch r {
	case ReasonFailed:
		return "failed"
	case ReasonLeft:
		return "left"
	default:
		return "unknown"
	}
}

// Listener is told once about every member that failed or left.
type Listener interface {
	OnMemberFailed(id membership.NodeID)
	OnMemberLeft(id membership.NodeID)
}

type record struct {
	reason Reason
	at     time.Time
}

// Detector must only be used from the owning compartment.
type Detector struct {
	local       membership.NodeID
	cfg         Config
	clock       clockwork.Clock
	logger      *zap.Logger
	reconnector transport.Reconnector

	current   *membership.Membership
	records   map[membership.NodeID]record
	listeners []Listener
}

func New(local membership.NodeID, cfg Config, clock clockwork.Clock, reconnector transport.Reconnector, logger *zap.Logger) *Detector {
	return &Detector{
		local:       local,
		cfg:         cfg,
		clock:       clock,
		logger:      logger.Named("detector"),
		reconnector: reconnector,
		records:     make(map[membership.NodeID]record),
	}
}

func (d *Detector) AddListener(l Listener) {
	d.listeners = append(d.listeners, l)
}

// AddFailedMembers reports members that stopped responding. Duplicate reports
// are coalesced. The local node is never reported.
func (d *Detector) AddFailedMembers(ids ...membership.NodeID) {
	for _, id := range ids {
		d.add(id, ReasonFailed)
	}
}

// AddLeftMembers reports members that announced a graceful leave.
func (d *Detector) AddLeftMembers(ids ...membership.NodeID) {
	for _, id := range ids {
		d.add(id, ReasonLeft)
	}
}

func (d *Detector) add(id membership.NodeID, reason Reason) {
	if id == d.local {
		return
	}
	if _, ok := d.records[id]; ok {
		return
	}
	d.records[id] = record{reason: reason, at: d.clock.Now()}
	d.logger.Info("member reported", zap.Stringer("member", id), zap.Stringer("reason", reason))
	telemetry.MemberReports.WithLabelValues(d.local.String(), reason.String()).Inc()

	if reason == ReasonFailed && d.reconnector != nil {
		d.reconnector.Reconnect(id)
	}
	for _, l := range d.listeners {
		if reason == ReasonFailed {
			l.OnMemberFailed(id)
		} else {
			l.OnMemberLeft(id)
		}
	}
}

func (d *Detector) IsHealthy(id membership.NodeID) bool {
	_, ok := d.records[id]
	return !ok
}

// Reason returns why id is no longer healthy.
func (d *Detector) Reason(id membership.NodeID) (Reason, bool) {
	r, ok := d.records[id]
	return r.reason, ok
}

// HealthyMembers returns the members of the installed view not reported failed or left.
func (d *Detector) HealthyMembers() []membership.Node {
	if d.current == nil {
		return nil
	}
	out := make([]membership.Node, 0, len(d.current.Group.Members))
	for _, n := range d.current.Group.Members {
		if d.IsHealthy(n.ID) {
			out = append(out, n)
		}
	}
	return out
}

func (d *Detector) FailedMembers() []membership.NodeID {
	return d.withReason(ReasonFailed)
}

func (d *Detector) LeftMembers() []membership.NodeID {
	return d.withReason(ReasonLeft)
}

func (d *Detector) withReason(reason Reason) []membership.NodeID {
	var out []membership.NodeID
	for id, r := range d.records {
		if r.reason == reason {
			out = append(out, id)
		}
	}
	membership.SortIDs(out)
	return out
}

// CurrentCoordinator is the lowest healthy member of the installed view.
func (d *Detector) CurrentCoordinator() (membership.Node, bool) {
	healthy := d.HealthyMembers()
	if len(healthy) == 0 {
		return membership.Node{}, false
	}
	return healthy[0], true
}

// OnMembershipInstalled resets tracked state to m and drops stale records.
func (d *Detector) OnMembershipInstalled(m *membership.Membership) {
	d.current = m
	d.expire(d.clock.Now())
}

// OnTimer ages out failure records.
func (d *Detector) OnTimer(now time.Time) {
	d.expire(now)
}

func (d *Detector) expire(now time.Time) {
	for id, r := range d.records {
		if d.current.Contains(id) {
			continue
		}
		if now.Sub(r.at) >= d.cfg.HistoryPeriod {
			delete(d.records, id)
		}
	}
}

// Membership returns the view the detector currently tracks.
func (d *Detector) Membership() *membership.Membership {
	return d.current
}
