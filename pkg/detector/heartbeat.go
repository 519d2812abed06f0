package detector

import (
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/ryandielhenn/zephyrgroup/pkg/membership"
	"github.com/ryandielhenn/zephyrgroup/pkg/wire"
)

var heartbeatPart = wire.PartID("detector.heartbeat")

// HeartbeatMsg carries the sender's installed membership id.
type HeartbeatMsg struct {
	MembershipID int64 `json:"membershipId"`
}

func (*HeartbeatMsg) PartType() uuid.UUID { return heartbeatPart }

func RegisterParts(r *wire.Registry) {
	r.MustRegister(heartbeatPart, "detector.heartbeat", func() wire.Part { return &HeartbeatMsg{} })
}

// Heartbeat sends periodic heartbeats to every tracked node and reports nodes
// that stayed silent for longer than FailureTimeout. Any inbound message counts
// as a sign of life. It runs on its own timer, independent of flush timing.
type Heartbeat struct {
	local    membership.NodeID
	cfg      Config
	detector *Detector
	send     func(wire.Message)
	targets  func() []membership.NodeID

	lastSeen map[membership.NodeID]time.Time
	lastSent time.Time
}

func NewHeartbeat(local membership.NodeID, cfg Config, d *Detector, send func(wire.Message), targets func() []membership.NodeID) *Heartbeat {
	return &Heartbeat{
		local:    local,
		cfg:      cfg,
		detector: d,
		send:     send,
		targets:  targets,
		lastSeen: make(map[membership.NodeID]time.Time),
	}
}

// Observe records traffic from id.
func (h *Heartbeat) Observe(id membership.NodeID, now time.Time) {
	if _, ok := h.lastSeen[id]; ok {
		h.lastSeen[id] = now
	}
}

func (h *Heartbeat) Receive(msg wire.Message) bool {
	_, ok := msg.Part.(*HeartbeatMsg)
	return ok
}

func (h *Heartbeat) OnTimer(now time.Time) {
	targets := h.targets()
	tracked := make(map[membership.NodeID]bool, len(targets))
	for _, id := range targets {
		if id == h.local {
			continue
		}
		tracked[id] = true
		if _, ok := h.lastSeen[id]; !ok {
			h.lastSeen[id] = now
		}
	}
	for id := range h.lastSeen {
		if !tracked[id] {
			delete(h.lastSeen, id)
		}
	}

	if now.Sub(h.lastSent) >= h.cfg.HeartbeatPeriod {
		h.lastSent = now
		var mid int64
		if m := h.detector.Membership(); m != nil {
			mid = m.ID
		}
		for id := range tracked {
			h.send(wire.Message{To: id, Part: &HeartbeatMsg{MembershipID: mid}})
		}
	}

	var silent []membership.NodeID
	for id, seen := range h.lastSeen {
		if now.Sub(seen) > h.cfg.FailureTimeout && h.detector.IsHealthy(id) {
			silent = append(silent, id)
		}
	}
	membership.SortIDs(silent)
	h.detector.AddFailedMembers(silent...)
}
