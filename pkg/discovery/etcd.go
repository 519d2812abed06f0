package discovery

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/gofrs/uuid/v5"
	"github.com/jonboulle/clockwork"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgroup/pkg/membership"
)

var (
	errLeaseLost   = errors.New("discovery: etcd lease keep-alive stopped")
	errWatchClosed = errors.New("discovery: etcd watch closed")
)

type EtcdConfig struct {
	Endpoints   []string      `validate:"required,min=1"`
	DialTimeout time.Duration `validate:"gt=0"`
	// LeaseTTL is the registration lease in seconds.
	LeaseTTL     int64  `validate:"gt=0"`
	Prefix       string `validate:"required,startswith=/"`
	Group        string `validate:"required"`
	MinGroupSize int    `validate:"gt=0"`
}

func DefaultEtcdConfig() EtcdConfig {
	return EtcdConfig{
		Endpoints:    []string{"http://etcd:2379"},
		DialTimeout:  5 * time.Second,
		LeaseTTL:     10,
		Prefix:       "/zephyrgroup",
		MinGroupSize: 1,
	}
}

func (c EtcdConfig) Validate() error {
	return validator.New().Struct(c)
}

func NewClient(cfg EtcdConfig) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
}

// Etcd registers the local node under <prefix>/<group>/nodes/<id> with a lease
// and watches the prefix for the other nodes of the group.
type Etcd struct {
	cfg    EtcdConfig
	client *clientv3.Client
	self   membership.Node
	clock  clockwork.Clock
	logger *zap.Logger

	mu       sync.RWMutex
	nodes    map[membership.NodeID]membership.Node
	onChange []func([]membership.Node)
}

func NewEtcd(client *clientv3.Client, self membership.Node, cfg EtcdConfig, clock clockwork.Clock, logger *zap.Logger) *Etcd {
	return &Etcd{
		cfg:    cfg,
		client: client,
		self:   self,
		clock:  clock,
		logger: logger.Named("discovery"),
		nodes:  map[membership.NodeID]membership.Node{self.ID: self},
	}
}

// OnChange registers fn to be called with the node list after every change.
// fn runs on the watch goroutine. Register before Run.
func (e *Etcd) OnChange(fn func([]membership.Node)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onChange = append(e.onChange, fn)
}

func (e *Etcd) CanFormGroup() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.nodes) >= e.cfg.MinGroupSize
}

func (e *Etcd) DiscoveredNodes() []membership.Node {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sorted()
}

func (e *Etcd) sorted() []membership.Node {
	nodes := slices.Collect(maps.Values(e.nodes))
	slices.SortFunc(nodes, func(a, b membership.Node) int { return membership.CompareID(a.ID, b.ID) })
	return nodes
}

func (e *Etcd) prefix() string {
	return fmt.Sprintf("%s/%s/nodes/", e.cfg.Prefix, e.cfg.Group)
}

func (e *Etcd) key(id membership.NodeID) string {
	return e.prefix() + id.String()
}

// Run keeps the registration alive until ctx ends. A lost lease or watch is
// re-established after a backoff delay.
func (e *Etcd) Run(ctx context.Context) error {
	b := newSessionBackoff()
	for {
		registered, err := e.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if registered {
			b.Reset()
		}
		delay := b.NextBackOff()
		e.logger.Warn("etcd registration lost, retrying", zap.Error(err), zap.Duration("delay", delay))
		select {
		case <-ctx.Done():
			return nil
		case <-e.clock.After(delay):
		}
	}
}

func newSessionBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.RandomizationFactor = 0.2
	b.InitialInterval = 50 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0 // never stop
	b.Reset()
	return b
}

func (e *Etcd) session(ctx context.Context) (registered bool, err error) {
	lease, err := e.client.Grant(ctx, e.cfg.LeaseTTL)
	if err != nil {
		return false, fmt.Errorf("granting lease: %w", err)
	}
	defer func() {
		revokeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.DialTimeout)
		defer cancel()
		_, _ = e.client.Revoke(revokeCtx, lease.ID)
	}()

	value, err := json.Marshal(e.self)
	if err != nil {
		return false, err
	}
	if _, err := e.client.Put(ctx, e.key(e.self.ID), string(value), clientv3.WithLease(lease.ID)); err != nil {
		return false, fmt.Errorf("registering node: %w", err)
	}
	keepAlive, err := e.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return false, fmt.Errorf("keeping lease alive: %w", err)
	}
	e.logger.Info("registered with etcd", zap.String("key", e.key(e.self.ID)), zap.Int64("ttl", e.cfg.LeaseTTL))

	resp, err := e.client.Get(ctx, e.prefix(), clientv3.WithPrefix())
	if err != nil {
		return true, fmt.Errorf("listing nodes: %w", err)
	}
	e.reset(resp.Kvs)

	watch := e.client.Watch(ctx, e.prefix(), clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))
	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case _, ok := <-keepAlive:
			if !ok {
				return true, errLeaseLost
			}
		case wr, ok := <-watch:
			if !ok {
				return true, errWatchClosed
			}
			if err := wr.Err(); err != nil {
				return true, err
			}
			for _, ev := range wr.Events {
				e.apply(ev)
			}
		}
	}
}

func (e *Etcd) reset(kvs []*mvccpb.KeyValue) {
	nodes := map[membership.NodeID]membership.Node{e.self.ID: e.self}
	for _, kv := range kvs {
		if n, ok := e.decode(kv); ok {
			nodes[n.ID] = n
		}
	}
	e.mu.Lock()
	e.nodes = nodes
	e.mu.Unlock()
	e.changed()
}

func (e *Etcd) apply(ev *clientv3.Event) {
	switch ev.Type {
	case mvccpb.PUT:
		n, ok := e.decode(ev.Kv)
		if !ok {
			return
		}
		e.mu.Lock()
		e.nodes[n.ID] = n
		e.mu.Unlock()
	case mvccpb.DELETE:
		id, err := uuid.FromString(strings.TrimPrefix(string(ev.Kv.Key), e.prefix()))
		if err != nil || id == e.self.ID {
			return
		}
		e.mu.Lock()
		delete(e.nodes, id)
		e.mu.Unlock()
	default:
		return
	}
	e.changed()
}

func (e *Etcd) decode(kv *mvccpb.KeyValue) (membership.Node, bool) {
	var n membership.Node
	if err := json.Unmarshal(kv.Value, &n); err != nil || n.ID == uuid.Nil {
		e.logger.Warn("ignoring malformed node registration", zap.ByteString("key", kv.Key), zap.Error(err))
		return membership.Node{}, false
	}
	return n, true
}

func (e *Etcd) changed() {
	e.mu.RLock()
	nodes := e.sorted()
	listeners := slices.Clone(e.onChange)
	e.mu.RUnlock()
	e.logger.Debug("discovered nodes changed", zap.Int("nodes", len(nodes)))
	for _, fn := range listeners {
		fn(nodes)
	}
}
