package group

import (
	"github.com/gofrs/uuid/v5"

	"github.com/ryandielhenn/zephyrgroup/pkg/detector"
	"github.com/ryandielhenn/zephyrgroup/pkg/flush"
	"github.com/ryandielhenn/zephyrgroup/pkg/membership"
	"github.com/ryandielhenn/zephyrgroup/pkg/multicast"
	"github.com/ryandielhenn/zephyrgroup/pkg/statetransfer"
	"github.com/ryandielhenn/zephyrgroup/pkg/wire"
)

var (
	joinRequestPart = wire.PartID("group.join-request")
	redirectPart    = wire.PartID("group.redirect")
	leavePart       = wire.PartID("group.leave")
)

// JoinRequest is sent by nodes that are not in a group yet.
type JoinRequest struct {
	Node membership.Node `json:"node"`
}

// Redirect points a joining node at the coordinator of the group.
type Redirect struct {
	Coordinator  membership.Node `json:"coordinator"`
	MembershipID int64           `json:"membershipId"`
}

// Leave announces a graceful leave.
type Leave struct{}

func (*JoinRequest) PartType() uuid.UUID { return joinRequestPart }
func (*Redirect) PartType() uuid.UUID    { return redirectPart }
func (*Leave) PartType() uuid.UUID       { return leavePart }

// RegisterParts registers the parts of every protocol a Channel runs.
func RegisterParts(r *wire.Registry) {
	r.MustRegister(joinRequestPart, "group.join-request", func() wire.Part { return &JoinRequest{} })
	r.MustRegister(redirectPart, "group.redirect", func() wire.Part { return &Redirect{} })
	r.MustRegister(leavePart, "group.leave", func() wire.Part { return &Leave{} })
	detector.RegisterParts(r)
	flush.RegisterParts(r)
	multicast.RegisterParts(r)
	statetransfer.RegisterParts(r)
}
