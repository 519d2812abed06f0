package multicast

import (
	"slices"
	"time"

	"github.com/ryandielhenn/zephyrgroup/pkg/membership"
	"github.com/ryandielhenn/zephyrgroup/pkg/transport"
	"github.com/ryandielhenn/zephyrgroup/pkg/wire"
)

// outbox bundles traffic for one destination. A paused outbox keeps its
// messages but still lets order tokens through, so a locked flow never blocks
// ordering for the rest of the group.
type outbox struct {
	dest     membership.NodeID
	messages []Message
	tokens   []Token
	size     int
	since    time.Time
	paused   bool
	// closed outboxes belong to failed members and drop new traffic.
	closed bool

	// pull model only
	sink  transport.Sink
	ready []*DataBundle

	stable      uint64
	stableOrder uint64
	lastSent    time.Time
}

func newOutbox(dest membership.NodeID) *outbox {
	return &outbox{dest: dest}
}

func (o *outbox) pending() bool {
	return len(o.messages) > 0 || len(o.tokens) > 0
}

func (o *outbox) addMessage(m Message, now time.Time) {
	if o.closed {
		return
	}
	if !o.pending() {
		o.since = now
	}
	o.messages = append(o.messages, m)
	o.size += m.size()
}

func (o *outbox) addToken(t Token, now time.Time) {
	if o.closed {
		return
	}
	if !o.pending() {
		o.since = now
	}
	o.tokens = append(o.tokens, t)
}

func (o *outbox) sendable() bool {
	return len(o.tokens) > 0 || (!o.paused && len(o.messages) > 0)
}

func (o *outbox) full(cfg *Config) bool {
	if len(o.tokens) >= cfg.MaxBundlingMessageCount {
		return true
	}
	return !o.paused && (len(o.messages) >= cfg.MaxBundlingMessageCount || o.size >= cfg.MaxBundlingSize)
}

func (o *outbox) due(now time.Time, cfg *Config) bool {
	return o.sendable() && now.Sub(o.since) >= cfg.MaxBundlingPeriod
}

// stale reports whether the destination has not heard the latest stability marks.
func (o *outbox) stale(stable, stableOrder uint64) bool {
	return stable > o.stable || stableOrder > o.stableOrder
}

// seal moves up to one bundle worth of traffic into b.
func (o *outbox) seal(cfg *Config, b *DataBundle, now time.Time) *DataBundle {
	if !o.paused {
		n, size := 0, 0
		for n < len(o.messages) && n < cfg.MaxBundlingMessageCount {
			next := o.messages[n].size()
			if n > 0 && size+next > cfg.MaxBundlingSize {
				break
			}
			size += next
			n++
		}
		b.Messages = slices.Clone(o.messages[:n])
		o.messages = o.messages[n:]
		o.size -= size
	}
	b.Tokens = o.tokens
	o.tokens = nil
	o.since = now
	o.stable = b.Stable
	o.stableOrder = b.StableOrder
	o.lastSent = now
	return b
}

// Feed implements transport.Feed for the pull model.
func (o *outbox) Feed(sink transport.Sink) {
	for len(o.ready) > 0 && sink.Offer(wire.Message{To: o.dest, Part: o.ready[0]}) {
		o.ready = o.ready[1:]
	}
	sink.SetReady(len(o.ready) > 0)
}
