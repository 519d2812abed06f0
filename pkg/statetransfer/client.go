package statetransfer

import (
	"fmt"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgroup/internal/telemetry"
	"github.com/ryandielhenn/zephyrgroup/pkg/membership"
	"github.com/ryandielhenn/zephyrgroup/pkg/multicast"
	"github.com/ryandielhenn/zephyrgroup/pkg/ring"
)

type fetch struct {
	id       uint64
	provider membership.Node
	buf      []byte
	next     int
	heard    time.Time
}

// rankProviders orders the survivors on a ring keyed by the local node, which
// spreads concurrent joiners over the survivors.
func (p *Protocol) rankProviders(survivors []membership.Node) []membership.Node {
	others := make([]membership.Node, 0, len(survivors))
	for _, n := range survivors {
		if n.ID != p.local {
			others = append(others, n)
		}
	}
	return ring.Of(0, others...).LookupN(p.local.Bytes(), len(others))
}

// pickProvider returns the best ranked candidate that has not failed yet.
func (p *Protocol) pickProvider() (membership.Node, bool) {
	j := p.join
	for _, n := range j.ranking {
		if j.failed[n.ID] {
			continue
		}
		if j.granting == nil && p.membership != nil && !p.membership.Contains(n.ID) {
			continue
		}
		return n, true
	}
	return membership.Node{}, false
}

func (p *Protocol) startFetch(now time.Time) {
	provider, ok := p.pickProvider()
	if !ok {
		p.failJoin("no provider left")
		return
	}
	p.join.attempts++
	p.nextID++
	p.fetch = &fetch{id: p.nextID, provider: provider, heard: now}
	telemetry.StateTransferAttempts.WithLabelValues(p.node, "started").Inc()
	p.logger.Info("requesting state",
		zap.Stringer("provider", provider.ID), zap.Int("attempt", p.join.attempts), zap.Bool("full", p.join.full))
	p.send(provider.ID, &Request{ID: p.fetch.id, Full: p.join.full})
}

func (p *Protocol) cancelFetch() {
	p.fetch = nil
}

func (p *Protocol) handleChunk(from membership.NodeID, c *Chunk) {
	f := p.fetch
	if f == nil || c.ID != f.id || from != f.provider.ID || c.Index != f.next {
		return
	}
	f.buf = append(f.buf, c.Data...)
	f.next++
	f.heard = p.clock.Now()
	p.send(from, &ChunkAck{ID: c.ID, Index: c.Index})
	if f.next < c.Total {
		return
	}
	p.fetch = nil
	p.install(f)
}

func (p *Protocol) handleAbort(from membership.NodeID, a *Abort) {
	if p.fetch == nil || a.ID != p.fetch.id || from != p.fetch.provider.ID {
		return
	}
	p.providerFailed("provider aborted: " + a.Reason)
}

// providerFailed drops the current provider and schedules the next attempt.
func (p *Protocol) providerFailed(reason string) {
	j := p.join
	provider := p.fetch.provider
	p.fetch = nil
	j.failed[provider.ID] = true
	telemetry.StateTransferAttempts.WithLabelValues(p.node, "retried").Inc()
	if j.attempts >= p.cfg.MaxAttempts {
		p.failJoin(fmt.Sprintf("%s after %d attempts", reason, j.attempts))
		return
	}
	delay := j.backoff.NextBackOff()
	if delay == backoff.Stop {
		p.failJoin(reason)
		return
	}
	j.retryAt = p.clock.Now().Add(delay)
	p.logger.Warn("state transfer provider lost, retrying",
		zap.Stringer("provider", provider.ID), zap.String("reason", reason), zap.Duration("delay", delay))
}

func (p *Protocol) failJoin(reason string) {
	err := fmt.Errorf("%w: %s", ErrJoinFailed, reason)
	telemetry.StateTransferAttempts.WithLabelValues(p.node, "failed").Inc()
	p.logger.Warn("state transfer failed", zap.Error(err))
	p.join = nil
	p.fetch = nil
	if p.onFailed != nil {
		p.onFailed(err)
	}
}

func (p *Protocol) install(f *fetch) {
	var img image
	if err := json.Unmarshal(f.buf, &img); err != nil {
		p.logger.Warn("malformed transfer image", zap.Stringer("provider", f.provider.ID), zap.Error(err))
		p.fetch = f
		p.providerFailed("malformed image")
		return
	}
	if err := p.store.LoadSnapshot(img.Snapshot); err != nil {
		p.failJoin(fmt.Sprintf("loading snapshot: %v", err))
		return
	}
	telemetry.StateTransferBytes.WithLabelValues(p.node, "client").Add(float64(len(f.buf)))
	telemetry.StateTransferAttempts.WithLabelValues(p.node, "succeeded").Inc()

	j := p.join
	p.join = nil
	if j.full {
		p.snap = &snapshot{data: img.Snapshot, position: img.Position}
		p.snapshotAt = p.clock.Now()
		p.log = slices.Clone(img.Log)
		for _, e := range img.Log {
			p.app.Deliver(multicast.Delivery{Sender: e.Sender, Seq: e.Seq, Position: e.Position, Payload: e.Payload})
		}
		p.lastPos = img.Through
		p.skip = img.Through
	}
	p.pending = false
	p.logger.Info("state installed",
		zap.Stringer("provider", f.provider.ID), zap.Stringer("through", img.Through), zap.Int("replayed", len(img.Log)))

	if j.granting != nil {
		j.granting.Grant(p)
	}
	if j.full {
		p.mc.Release()
	}
	callbacks := p.onReady
	p.onReady = nil
	for _, fn := range callbacks {
		fn()
	}
}
