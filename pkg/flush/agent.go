package flush

import (
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgroup/pkg/membership"
	"github.com/ryandielhenn/zephyrgroup/pkg/wire"
)

type AgentState uint8

const (
	AgentIdle AgentState = iota
	AgentStarted
	AgentDataExchanged
	AgentBeforeProcess
	AgentProcessing
	AgentGranted
)

func (s AgentState) String() string {
	switch s {
	case AgentIdle:
		return "idle"
	case AgentStarted:
		return "started"
	case AgentDataExchanged:
		return "data-exchanged"
	case AgentBeforeProcess:
		return "before-process"
	case AgentProcessing:
		return "processing"
	case AgentGranted:
		return "granted"
	default:
		return "unknown"
	}
}

// Installer commits and publishes the membership of a completed round.
// Commit runs before participants see EndFlush, Publish after.
type Installer interface {
	Current() *membership.Membership
	Commit(f *Flush)
	Publish(f *Flush)
}

// Reporter receives failures detected by flush timeouts.
type Reporter interface {
	AddFailedMembers(ids ...membership.NodeID)
}

// Agent runs the participant side of flush rounds on one node.
type Agent struct {
	local     membership.NodeID
	cfg       Config
	clock     clockwork.Clock
	logger    *zap.Logger
	send      func(wire.Message)
	installer Installer
	reporter  Reporter

	participants []Participant
	state        AgentState
	flush        *Flush
	round        Round
	lastProgress time.Time
}

func NewAgent(local membership.NodeID, cfg Config, clock clockwork.Clock, send func(wire.Message), installer Installer, reporter Reporter, logger *zap.Logger) *Agent {
	return &Agent{
		local:     local,
		cfg:       cfg,
		clock:     clock,
		logger:    logger.Named("flush.agent"),
		send:      send,
		installer: installer,
		reporter:  reporter,
	}
}

// Register adds a participant. Participants are called in registration order.
func (a *Agent) Register(p Participant) {
	a.participants = append(a.participants, p)
}

func (a *Agent) State() AgentState {
	return a.state
}

// Flush returns the active flush or nil.
func (a *Agent) Flush() *Flush {
	return a.flush
}

// Round is the most recent round the agent accepted.
func (a *Agent) Round() Round {
	return a.round
}

func (a *Agent) handleStart(from membership.NodeID, msg *StartMsg) {
	if msg.Round.Coordinator != from || !a.round.Before(msg.Round) {
		a.logger.Debug("stale start ignored", zap.Stringer("round", msg.Round), zap.Stringer("current", a.round))
		return
	}
	next, err := membership.Apply(msg.Old, msg.Delta)
	if err != nil {
		a.logger.Warn("start carries an inapplicable delta", zap.Stringer("round", msg.Round), zap.Error(err))
		return
	}
	a.round = msg.Round
	a.lastProgress = a.clock.Now()

	if cur := a.installer.Current(); cur != nil && cur.ID >= next.ID {
		// The coordinator missed an install; it adopts ours and restarts.
		a.abandon("coordinator is behind")
		a.send(wire.Message{To: from, Part: &ExchangeMsg{Round: msg.Round, Current: cur, Stale: true}})
		return
	}

	if a.flush != nil {
		a.logger.Info("flush superseded", zap.Stringer("old", a.flush.Round), zap.Stringer("new", msg.Round))
		a.flush.closed = true
	}
	f := newFlush(a.local, msg.Round, msg.Old, next, msg.Delta, msg.Forming)
	f.onGrant = a.checkGranted
	a.flush = f
	a.state = AgentStarted
	a.logger.Info("flush started", zap.Stringer("round", f.Round), zap.Stringer("membership", next))

	for _, p := range a.participants {
		p.StartFlush(f)
	}
	if f.closed {
		return
	}

	var data []ExchangeData
	for _, p := range a.participants {
		if ex, ok := p.(Exchanger); ok {
			data = append(data, ExchangeData{Participant: p.Name(), Data: ex.ExchangeData(f)})
		}
	}
	a.state = AgentDataExchanged
	a.send(wire.Message{To: from, Part: &ExchangeMsg{Round: f.Round, Current: a.installer.Current(), Data: data}})
}

func (a *Agent) active(round Round, want AgentState) bool {
	return a.flush != nil && a.flush.Round == round && a.state == want
}

func (a *Agent) handleBeforeProcess(msg *BeforeProcessMsg) {
	if !a.active(msg.Round, AgentDataExchanged) {
		return
	}
	f := a.flush
	a.lastProgress = a.clock.Now()

	byParticipant := make(map[string]map[membership.NodeID][]byte)
	for _, ne := range msg.Data {
		for _, d := range ne.Data {
			m, ok := byParticipant[d.Participant]
			if !ok {
				m = make(map[membership.NodeID][]byte)
				byParticipant[d.Participant] = m
			}
			m[ne.Node] = d.Data
		}
	}
	for _, p := range a.participants {
		if ex, ok := p.(Exchanger); ok {
			ex.SetExchangedData(f, byParticipant[p.Name()])
		}
	}

	a.state = AgentBeforeProcess
	for _, p := range a.participants {
		p.BeforeProcessFlush(f)
	}
	if f.closed {
		return
	}
	a.send(wire.Message{To: f.Round.Coordinator, Part: &BeforeProcessDoneMsg{Round: f.Round}})
}

func (a *Agent) handleProcess(msg *ProcessMsg) {
	if !a.active(msg.Round, AgentBeforeProcess) {
		return
	}
	f := a.flush
	a.lastProgress = a.clock.Now()
	a.state = AgentProcessing

	f.required = f.required[:0]
	var processing []Participant
	for _, p := range a.participants {
		if p.IsFlushProcessingRequired() {
			f.required = append(f.required, p.Name())
			processing = append(processing, p)
		}
	}
	for _, p := range processing {
		p.ProcessFlush(f)
		if f.closed {
			return
		}
	}
	a.checkGranted()
}

func (a *Agent) checkGranted() {
	f := a.flush
	if f == nil || a.state != AgentProcessing || len(f.Pending()) > 0 {
		return
	}
	a.state = AgentGranted
	a.lastProgress = a.clock.Now()
	a.logger.Debug("flush granted", zap.Stringer("round", f.Round))
	a.send(wire.Message{To: f.Round.Coordinator, Part: &GrantMsg{Round: f.Round}})
}

func (a *Agent) handleEnd(msg *EndMsg) {
	if msg.Abandoned {
		if a.flush != nil && a.flush.Round == msg.Round {
			a.abandon("coordinator gave up")
		}
		return
	}
	if !a.active(msg.Round, AgentGranted) {
		return
	}
	f := a.flush
	a.installer.Commit(f)
	for _, p := range a.participants {
		p.EndFlush(f)
	}
	coordinator := f.New.Coordinator().ID == a.local
	for _, p := range a.participants {
		p.SetCoordinator(coordinator)
	}
	f.closed = true
	a.flush = nil
	a.state = AgentIdle
	a.logger.Info("flush ended", zap.Stringer("round", f.Round), zap.Stringer("membership", f.New))
	a.installer.Publish(f)
}

// abandon drops the active round. Participants stay in their flush state
// until the next round starts.
func (a *Agent) abandon(reason string) {
	if a.flush == nil {
		return
	}
	a.logger.Info("flush abandoned", zap.Stringer("round", a.flush.Round), zap.String("reason", reason))
	a.flush.closed = true
	a.flush = nil
	a.state = AgentIdle
}

// OnMemberFailed abandons the round when its coordinator is gone.
func (a *Agent) OnMemberFailed(id membership.NodeID) {
	if a.flush != nil && a.flush.Round.Coordinator == id && id != a.local {
		a.abandon("coordinator failed")
	}
}

func (a *Agent) OnTimer(now time.Time) {
	if a.flush == nil || now.Sub(a.lastProgress) <= a.cfg.Timeout {
		return
	}
	coordinator := a.flush.Round.Coordinator
	if coordinator == a.local {
		return
	}
	a.logger.Warn("flush timed out waiting for coordinator", zap.Stringer("round", a.flush.Round), zap.Stringer("state", a.state))
	a.reporter.AddFailedMembers(coordinator)
	a.abandon("timeout")
}
