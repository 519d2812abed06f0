package statetransfer

import (
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgroup/internal/telemetry"
	"github.com/ryandielhenn/zephyrgroup/pkg/membership"
)

// serve is one transfer streamed to a client, windowed by chunk acks.
type serve struct {
	to      membership.NodeID
	id      uint64
	full    bool
	data    []byte
	total   int
	next    int
	acked   int
	started time.Time
}

func (s *serve) streaming() bool {
	return s.total > 0
}

func (p *Protocol) handleRequest(from membership.NodeID, req *Request) {
	if p.pending || !p.membership.Contains(p.local) {
		p.logger.Debug("refusing state request without caught up state", zap.Stringer("client", from))
		p.send(from, &Abort{ID: req.ID, Reason: "provider has no state"})
		return
	}
	s := &serve{to: from, id: req.ID, full: req.Full, started: p.clock.Now()}
	p.serves[from] = s
	p.logger.Info("state requested", zap.Stringer("client", from), zap.Uint64("request", req.ID), zap.Bool("full", req.Full))
	// the image must cover everything delivered in the closing epoch
	p.mc.OnDrained(func() { p.prepare(s) })
}

func (p *Protocol) prepare(s *serve) {
	if p.serves[s.to] != s {
		return
	}
	img := image{Through: p.lastPos}
	if s.full {
		if p.snap == nil {
			p.takeSnapshot(p.clock.Now())
		}
		if p.snap == nil {
			p.abortServe(s, "snapshot unavailable")
			return
		}
		img.Snapshot = p.snap.data
		img.Position = p.snap.position
		img.Log = p.log
	} else {
		data, err := p.store.SaveSnapshot()
		if err != nil {
			p.logger.Warn("saving snapshot for transfer", zap.Stringer("client", s.to), zap.Error(err))
			p.abortServe(s, "snapshot failed")
			return
		}
		img.Snapshot = data
		img.Position = p.lastPos
	}
	data, err := json.Marshal(img)
	if err != nil {
		p.logger.Error("encoding transfer image", zap.Error(err))
		p.abortServe(s, "encoding failed")
		return
	}
	s.data = data
	s.total = max(1, (len(data)+p.cfg.ChunkSize-1)/p.cfg.ChunkSize)
	p.logger.Debug("streaming state",
		zap.Stringer("client", s.to), zap.Int("bytes", len(data)), zap.Int("chunks", s.total), zap.Int("log", len(img.Log)))
	p.pump(s)
}

func (p *Protocol) abortServe(s *serve, reason string) {
	delete(p.serves, s.to)
	p.send(s.to, &Abort{ID: s.id, Reason: reason})
}

func (p *Protocol) pump(s *serve) {
	for s.next < s.total && s.next < s.acked+p.cfg.MaxInFlightChunks {
		start := s.next * p.cfg.ChunkSize
		end := min(start+p.cfg.ChunkSize, len(s.data))
		p.send(s.to, &Chunk{ID: s.id, Index: s.next, Total: s.total, Data: s.data[start:end]})
		s.next++
	}
}

func (p *Protocol) handleAck(from membership.NodeID, a *ChunkAck) {
	s, ok := p.serves[from]
	if !ok || s.id != a.ID || !s.streaming() {
		return
	}
	if a.Index+1 > s.acked {
		s.acked = min(a.Index+1, s.total)
	}
	if s.acked < s.total {
		p.pump(s)
		return
	}
	delete(p.serves, from)
	telemetry.StateTransferBytes.WithLabelValues(p.node, "provider").Add(float64(len(s.data)))
	p.logger.Info("state transfer served",
		zap.Stringer("client", from), zap.Int("bytes", len(s.data)), zap.Duration("took", p.clock.Since(s.started)))
}

// takeSnapshot replaces the snapshot and empties the transfer log.
func (p *Protocol) takeSnapshot(now time.Time) {
	p.snapshotAt = now
	data, err := p.store.SaveSnapshot()
	if err != nil {
		p.logger.Warn("saving periodic snapshot", zap.Error(err))
		return
	}
	p.snap = &snapshot{data: data, position: p.lastPos}
	p.log = nil
	p.logger.Debug("snapshot saved", zap.Stringer("position", p.lastPos), zap.Int("bytes", len(data)))
}
