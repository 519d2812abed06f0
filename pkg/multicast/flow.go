package multicast

import (
	"fmt"

	"github.com/ryandielhenn/zephyrgroup/pkg/membership"
)

// FlowData is the flow id of application multicast traffic.
const FlowData = 0

// RemoteFlow identifies one flow-controlled channel from Sender to Receiver.
type RemoteFlow struct {
	Sender   membership.NodeID `json:"sender"`
	Receiver membership.NodeID `json:"receiver"`
	Flow     int               `json:"flow"`
}

func (f RemoteFlow) String() string {
	return fmt.Sprintf("%s->%s#%d", f.Sender, f.Receiver, f.Flow)
}

// FlowController is told when a receiver asks the local node to stop or resume
// sending on a flow.
type FlowController interface {
	Lock(flow RemoteFlow)
	Unlock(flow RemoteFlow)
}

type nopFlowController struct{}

func (nopFlowController) Lock(RemoteFlow)   {}
func (nopFlowController) Unlock(RemoteFlow) {}
