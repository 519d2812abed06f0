package flush

import (
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgroup/pkg/membership"
	"github.com/ryandielhenn/zephyrgroup/pkg/wire"
)

// Manager routes flush traffic to the local agent and coordinator and keeps
// rounds strictly serialized.
type Manager struct {
	local       membership.NodeID
	agent       *Agent
	coordinator *Coordinator
}

func NewManager(local membership.NodeID, cfg Config, clock clockwork.Clock, send func(wire.Message), installer Installer, planner Planner, reporter Reporter, logger *zap.Logger) *Manager {
	return &Manager{
		local:       local,
		agent:       NewAgent(local, cfg, clock, send, installer, reporter, logger),
		coordinator: NewCoordinator(local, cfg, clock, send, planner, reporter, logger),
	}
}

func (m *Manager) Register(p Participant) {
	m.agent.Register(p)
}

func (m *Manager) Agent() *Agent {
	return m.agent
}

func (m *Manager) Coordinator() *Coordinator {
	return m.coordinator
}

// InProgress reports whether any round involves the local node.
func (m *Manager) InProgress() bool {
	return m.agent.State() != AgentIdle || m.coordinator.Active()
}

// Active returns the flush the local agent is executing, or nil.
func (m *Manager) Active() *Flush {
	return m.agent.Flush()
}

// Start runs a new round as coordinator. Callers check InProgress first.
func (m *Manager) Start(plan Plan, cause string) {
	m.coordinator.Observe(m.agent.Round())
	m.coordinator.Start(plan, cause)
}

func (m *Manager) Receive(msg wire.Message) bool {
	switch part := msg.Part.(type) {
	case *StartMsg:
		if part.Round.Coordinator == msg.From {
			m.coordinator.Observe(part.Round)
			m.coordinator.Supersede(part.Round)
		}
		m.agent.handleStart(msg.From, part)
	case *ExchangeMsg:
		m.coordinator.handleExchange(msg.From, part)
	case *BeforeProcessMsg:
		m.agent.handleBeforeProcess(part)
	case *BeforeProcessDoneMsg:
		m.coordinator.handleBeforeProcessDone(msg.From, part)
	case *ProcessMsg:
		m.agent.handleProcess(part)
	case *GrantMsg:
		m.coordinator.handleGrant(msg.From, part)
	case *EndMsg:
		m.agent.handleEnd(part)
	default:
		return false
	}
	return true
}

func (m *Manager) OnTimer(now time.Time) {
	m.coordinator.OnTimer(now)
	m.agent.OnTimer(now)
}

func (m *Manager) OnMemberFailed(id membership.NodeID) {
	m.agent.OnMemberFailed(id)
	m.coordinator.OnMemberFailed(id)
}

func (m *Manager) OnMemberLeft(id membership.NodeID) {
	m.agent.OnMemberFailed(id)
	m.coordinator.OnMemberLeft(id)
}
