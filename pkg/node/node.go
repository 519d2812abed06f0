// Package node serves the HTTP surface of one group member: health, the
// installed membership and the replicated key/value store.
package node

import (
	"context"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgroup/internal/telemetry"
	"github.com/ryandielhenn/zephyrgroup/pkg/kv"
	"github.com/ryandielhenn/zephyrgroup/pkg/membership"
	"github.com/ryandielhenn/zephyrgroup/pkg/multicast"
)

// Channel is the part of a group channel the handlers use.
type Channel interface {
	Local() membership.Node
	Membership() *membership.Membership
	Left() bool
	Send(ctx context.Context, payload []byte, opts ...multicast.SendOption) (multicast.MessageID, error)
}

type Node struct {
	ch     Channel
	kv     *kv.Store
	clock  clockwork.Clock
	logger *zap.Logger
	// timeout bounds how long a write waits for the group to deliver it.
	timeout time.Duration
}

func NewNode(ch Channel, store *kv.Store, clock clockwork.Clock, logger *zap.Logger) *Node {
	return &Node{
		ch:      ch,
		kv:      store,
		clock:   clock,
		logger:  logger.Named("http"),
		timeout: 5 * time.Second,
	}
}

// Routes mounts every handler on mux. transport, when set, receives peer
// traffic under path.
func (n *Node) Routes(mux *http.ServeMux, transport http.Handler, path string) {
	mux.HandleFunc("/healthz", n.Healthz)
	mux.HandleFunc("/info", n.Info)
	mux.Handle("/metrics", telemetry.MetricsHandler())
	if transport != nil {
		mux.Handle(path, transport)
	}
	mux.HandleFunc("/kv/", func(w http.ResponseWriter, req *http.Request) {
		op := methodToOp(req.Method) // "get" | "put" | "post" | "delete" | "other"
		telemetry.Instrument(op, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodPut, http.MethodPost:
				n.Put(w, r)
			case http.MethodGet:
				n.Get(w, r)
			case http.MethodDelete:
				n.Del(w, r)
			default:
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			}
		})).ServeHTTP(w, req)
	})
}

func methodToOp(m string) string {
	switch m {
	case http.MethodGet:
		return "get"
	case http.MethodPut:
		return "put"
	case http.MethodPost:
		return "post"
	case http.MethodDelete:
		return "delete"
	default:
		return "other"
	}
}
