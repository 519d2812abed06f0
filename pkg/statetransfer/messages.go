package statetransfer

import (
	"github.com/gofrs/uuid/v5"

	"github.com/ryandielhenn/zephyrgroup/pkg/membership"
	"github.com/ryandielhenn/zephyrgroup/pkg/multicast"
	"github.com/ryandielhenn/zephyrgroup/pkg/wire"
)

var (
	requestPart = wire.PartID("statetransfer.request")
	chunkPart   = wire.PartID("statetransfer.chunk")
	ackPart     = wire.PartID("statetransfer.ack")
	abortPart   = wire.PartID("statetransfer.abort")
)

// Request asks a provider for state. ID is chosen by the client and echoed in
// every reply.
type Request struct {
	ID   uint64 `json:"id"`
	Full bool   `json:"full,omitempty"`
}

type Chunk struct {
	ID    uint64 `json:"id"`
	Index int    `json:"index"`
	Total int    `json:"total"`
	Data  []byte `json:"data"`
}

// ChunkAck acknowledges every chunk through Index.
type ChunkAck struct {
	ID    uint64 `json:"id"`
	Index int    `json:"index"`
}

// Abort tells the client the provider cannot serve the request.
type Abort struct {
	ID     uint64 `json:"id"`
	Reason string `json:"reason"`
}

func (*Request) PartType() uuid.UUID  { return requestPart }
func (*Chunk) PartType() uuid.UUID    { return chunkPart }
func (*ChunkAck) PartType() uuid.UUID { return ackPart }
func (*Abort) PartType() uuid.UUID    { return abortPart }

func RegisterParts(r *wire.Registry) {
	r.MustRegister(requestPart, "statetransfer.request", func() wire.Part { return &Request{} })
	r.MustRegister(chunkPart, "statetransfer.chunk", func() wire.Part { return &Chunk{} })
	r.MustRegister(ackPart, "statetransfer.ack", func() wire.Part { return &ChunkAck{} })
	r.MustRegister(abortPart, "statetransfer.abort", func() wire.Part { return &Abort{} })
}

// LogEntry is one state-modifying delivery recorded after the last snapshot.
type LogEntry struct {
	Position multicast.Position `json:"position"`
	Sender   membership.NodeID  `json:"sender"`
	Seq      uint64             `json:"seq"`
	Payload  []byte             `json:"payload"`
}

// image is what a provider streams to a client. Snapshot reflects every
// delivery through Position; Log holds the modifying deliveries after it, and
// Through is the last position the provider delivered when it built the image.
type image struct {
	Snapshot []byte             `json:"snapshot"`
	Position multicast.Position `json:"position"`
	Log      []LogEntry         `json:"log,omitempty"`
	Through  multicast.Position `json:"through"`
}
