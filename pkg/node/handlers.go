package node

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgroup/pkg/compartment"
	"github.com/ryandielhenn/zephyrgroup/pkg/group"
	"github.com/ryandielhenn/zephyrgroup/pkg/kv"
	"github.com/ryandielhenn/zephyrgroup/pkg/membership"
	"github.com/ryandielhenn/zephyrgroup/pkg/multicast"
)

// Healthz returns 200 while the node is a member of a group.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	if n.ch.Left() || n.ch.Membership() == nil {
		http.Error(w, "not in a group", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	n.write(w, "healthz", []byte("ok"))
}

// write sends body and logs a failed write, usually a client that went away.
func (n *Node) write(w http.ResponseWriter, route string, body []byte) {
	if _, err := w.Write(body); err != nil {
		n.logger.Debug("response write failed", zap.String("route", route), zap.Error(err))
	}
}

type memberInfo struct {
	ID      membership.NodeID `json:"id"`
	Name    string            `json:"name"`
	Address string            `json:"address"`
}

type membershipInfo struct {
	ID          int64        `json:"id"`
	Group       string       `json:"group"`
	Primary     bool         `json:"primary"`
	Durable     bool         `json:"durable"`
	Coordinator string       `json:"coordinator"`
	Members     []memberInfo `json:"members"`
}

// Info writes the process id, the installed membership and the store size.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		PID        int             `json:"pid"`
		Now        time.Time       `json:"now"`
		Node       string          `json:"node"`
		Left       bool            `json:"left"`
		Membership *membershipInfo `json:"membership,omitempty"`
		Items      int             `json:"items"`
		Applied    uint64          `json:"applied"`
	}
	r := resp{
		PID:     os.Getpid(),
		Now:     n.clock.Now(),
		Node:    n.ch.Local().Name,
		Left:    n.ch.Left(),
		Items:   n.kv.Len(),
		Applied: n.kv.Applied(),
	}
	if m := n.ch.Membership(); m != nil {
		info := &membershipInfo{
			ID:          m.ID,
			Group:       m.Group.Name,
			Primary:     m.Group.Primary,
			Durable:     m.Group.Durable,
			Coordinator: m.Coordinator().Name,
		}
		for _, member := range m.Group.Members {
			info.Members = append(info.Members, memberInfo{ID: member.ID, Name: member.Name, Address: member.Address})
		}
		r.Membership = info
	}
	data, err := json.Marshal(r)
	if err != nil {
		n.logger.Error("encoding info", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	n.write(w, "info", data)
}

// Put multicasts a write and answers once every member received it.
func (n *Node) Put(w http.ResponseWriter, req *http.Request) {
	key := req.URL.Path[len("/kv/"):]
	if key == "" {
		http.Error(w, "missing key", http.StatusBadRequest)
		return
	}
	val, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var ttl time.Duration
	if ttlStr := req.URL.Query().Get("ttl"); ttlStr != "" {
		sec, err := strconv.Atoi(ttlStr)
		if err != nil || sec < 0 {
			http.Error(w, "invalid ttl", http.StatusBadRequest)
			return
		}
		ttl = time.Duration(sec) * time.Second
	}
	n.replicate(w, req, kv.PutCommand(key, val, ttl, n.clock.Now()))
}

// Get reads the local replica.
func (n *Node) Get(w http.ResponseWriter, req *http.Request) {
	key := req.URL.Path[len("/kv/"):]
	val, ok := n.kv.Get(key)
	if !ok {
		http.NotFound(w, req)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	n.write(w, "get", val)
}

// Del multicasts a delete.
func (n *Node) Del(w http.ResponseWriter, req *http.Request) {
	key := req.URL.Path[len("/kv/"):]
	if key == "" {
		http.Error(w, "missing key", http.StatusBadRequest)
		return
	}
	n.replicate(w, req, kv.DeleteCommand(key))
}

func (n *Node) replicate(w http.ResponseWriter, req *http.Request, cmd kv.Command) {
	payload, err := cmd.Encode()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), n.timeout)
	defer cancel()

	done := make(chan struct{})
	delivered := sync.OnceFunc(func() { close(done) })
	_, err = n.ch.Send(ctx, payload, multicast.NoDelay(), multicast.OnDelivered(func(multicast.MessageID) { delivered() }))
	if err != nil {
		n.fail(w, cmd, err)
		return
	}
	select {
	case <-done:
		w.WriteHeader(http.StatusNoContent)
	case <-ctx.Done():
		n.fail(w, cmd, ctx.Err())
	}
}

func (n *Node) fail(w http.ResponseWriter, cmd kv.Command, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, multicast.ErrNotReady), errors.Is(err, multicast.ErrFlushInProgress):
		w.Header().Set("Retry-After", "1")
		status = http.StatusServiceUnavailable
	case errors.Is(err, multicast.ErrNotMember), errors.Is(err, group.ErrNotStarted),
		errors.Is(err, group.ErrLeft), errors.Is(err, compartment.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	n.logger.Debug("write rejected", zap.String("op", string(cmd.Op)), zap.String("key", cmd.Key), zap.Error(err))
	http.Error(w, err.Error(), status)
}
