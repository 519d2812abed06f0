package detector

import (
	"fmt"
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/zephyrgroup/pkg/membership"
	"github.com/ryandielhenn/zephyrgroup/pkg/wire"
)

func testNode(i int) membership.Node {
	id := uuid.Must(uuid.FromString(fmt.Sprintf("00000000-0000-0000-0000-%012d", i)))
	return membership.NewNode(id, fmt.Sprintf("n%d", i), "", "", nil)
}

func threeMembers() *membership.Membership {
	g := membership.NewGroup(uuid.Nil, "g", true, true, []membership.Node{testNode(1), testNode(2), testNode(3)})
	return membership.NewMembership(1, g)
}

type recordingListener struct {
	failed, left []membership.NodeID
}

func (l *recordingListener) OnMemberFailed(id membership.NodeID) { l.failed = append(l.failed, id) }
func (l *recordingListener) OnMemberLeft(id membership.NodeID)   { l.left = append(l.left, id) }

type recordingReconnector struct {
	ids []membership.NodeID
}

func (r *recordingReconnector) Reconnect(id membership.NodeID) { r.ids = append(r.ids, id) }

func TestDetectorCoalescesReports(t *testing.T) {
	t.Parallel()
	clk := clockwork.NewFakeClock()
	rc := &recordingReconnector{}
	d := New(testNode(1).ID, DefaultConfig(), clk, rc, zaptest.NewLogger(t))
	l := &recordingListener{}
	d.AddListener(l)
	d.OnMembershipInstalled(threeMembers())

	d.AddFailedMembers(testNode(3).ID, testNode(3).ID)
	d.AddLeftMembers(testNode(3).ID, testNode(2).ID)
	d.AddFailedMembers(testNode(1).ID) // local node is never reported

	assert.Equal(t, []membership.NodeID{testNode(3).ID}, l.failed)
	assert.Equal(t, []membership.NodeID{testNode(2).ID}, l.left)
	assert.Equal(t, []membership.NodeID{testNode(3).ID}, rc.ids, "only failures request a reconnect")
	assert.Equal(t, []membership.NodeID{testNode(3).ID}, d.FailedMembers())
	assert.Equal(t, []membership.NodeID{testNode(2).ID}, d.LeftMembers())

	healthy := d.HealthyMembers()
	require.Len(t, healthy, 1)
	assert.Equal(t, testNode(1).ID, healthy[0].ID)
}

func TestDetectorCoordinatorIsLowestHealthy(t *testing.T) {
	t.Parallel()
	d := New(testNode(3).ID, DefaultConfig(), clockwork.NewFakeClock(), nil, zaptest.NewLogger(t))
	d.OnMembershipInstalled(threeMembers())

	c, ok := d.CurrentCoordinator()
	require.True(t, ok)
	assert.Equal(t, testNode(1).ID, c.ID)

	d.AddFailedMembers(testNode(1).ID)
	c, ok = d.CurrentCoordinator()
	require.True(t, ok)
	assert.Equal(t, testNode(2).ID, c.ID)
}

func TestDetectorExpiresHistoryOutsideView(t *testing.T) {
	t.Parallel()
	clk := clockwork.NewFakeClock()
	cfg := DefaultConfig()
	d := New(testNode(1).ID, cfg, clk, nil, zaptest.NewLogger(t))
	d.OnMembershipInstalled(threeMembers())
	d.AddFailedMembers(testNode(3).ID)

	reduced := membership.NewMembership(2, membership.NewGroup(uuid.Nil, "g", true, true, []membership.Node{testNode(1), testNode(2)}))
	d.OnMembershipInstalled(reduced)
	assert.False(t, d.IsHealthy(testNode(3).ID), "record kept inside the history window")

	clk.Advance(cfg.HistoryPeriod)
	d.OnTimer(clk.Now())
	assert.True(t, d.IsHealthy(testNode(3).ID))
}

func TestHeartbeatReportsSilentMembers(t *testing.T) {
	t.Parallel()
	clk := clockwork.NewFakeClock()
	cfg := DefaultConfig()
	d := New(testNode(1).ID, cfg, clk, nil, zaptest.NewLogger(t))
	m := threeMembers()
	d.OnMembershipInstalled(m)

	var sent []wire.Message
	hb := NewHeartbeat(testNode(1).ID, cfg, d, func(msg wire.Message) { sent = append(sent, msg) }, func() []membership.NodeID { return m.Group.IDs() })

	hb.OnTimer(clk.Now())
	assert.Len(t, sent, 2)

	for i := 0; i < 20 && d.IsHealthy(testNode(3).ID); i++ {
		clk.Advance(cfg.HeartbeatPeriod)
		hb.Observe(testNode(2).ID, clk.Now())
		hb.OnTimer(clk.Now())
	}
	assert.True(t, d.IsHealthy(testNode(2).ID))
	assert.Equal(t, []membership.NodeID{testNode(3).ID}, d.FailedMembers())
}
