// Package wire defines the message envelope exchanged between group members and
// the registry of message part types. Every protocol registers its parts under a
// stable UUID; the registry turns envelopes into bytes for byte-oriented transports.
package wire

import (
	"errors"
	"fmt"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/gofrs/uuid/v5"

	"github.com/ryandielhenn/zephyrgroup/pkg/membership"
)

var (
	ErrUnknownPart    = errors.New("wire: unknown part type")
	ErrDuplicatePart  = errors.New("wire: part type already registered")
	ErrMalformedFrame = errors.New("wire: malformed frame")
)

// Part is one protocol payload. Implementations are pointer types so receivers can
// type-switch on them without copying.
type Part interface {
	PartType() uuid.UUID
}

// Message is a part addressed from one node to another.
type Message struct {
	From membership.NodeID
	To   membership.NodeID
	Part Part
}

func (m Message) String() string {
	return fmt.Sprintf("%T %s->%s", m.Part, m.From, m.To)
}

// Factory returns a new zero value of a registered part, ready for decoding.
type Factory func() Part

type registration struct {
	name    string
	factory Factory
}

// Registry maps part type ids to factories.
type Registry struct {
	mu    sync.RWMutex
	parts map[uuid.UUID]registration
}

func NewRegistry() *Registry {
	return &Registry{parts: make(map[uuid.UUID]registration)}
}

func (r *Registry) Register(t uuid.UUID, name string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.parts[t]; ok {
		return fmt.Errorf("%w: %s (%s) collides with %s", ErrDuplicatePart, name, t, prev.name)
	}
	r.parts[t] = registration{name: name, factory: f}
	return nil
}

// MustRegister is Register for package init code.
func (r *Registry) MustRegister(t uuid.UUID, name string, f Factory) {
	if err := r.Register(t, name, f); err != nil {
		panic(err)
	}
}

func (r *Registry) Unregister(t uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.parts, t)
}

func (r *Registry) Name(t uuid.UUID) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.parts[t].name
}

type envelope struct {
	Type uuid.UUID         `json:"type"`
	From membership.NodeID `json:"from"`
	To   membership.NodeID `json:"to"`
	Body json.RawMessage   `json:"body"`
}

func (r *Registry) Encode(msg Message) ([]byte, error) {
	t := msg.Part.PartType()
	r.mu.RLock()
	_, ok := r.parts[t]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPart, t)
	}
	body, err := json.Marshal(msg.Part)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", msg.Part, err)
	}
	return json.Marshal(envelope{Type: t, From: msg.From, To: msg.To, Body: body})
}

func (r *Registry) Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	r.mu.RLock()
	reg, ok := r.parts[env.Type]
	r.mu.RUnlock()
	if !ok {
		return Message{}, fmt.Errorf("%w: %s", ErrUnknownPart, env.Type)
	}
	part := reg.factory()
	if err := json.Unmarshal(env.Body, part); err != nil {
		return Message{}, fmt.Errorf("decode %s: %w", reg.name, err)
	}
	return Message{From: env.From, To: env.To, Part: part}, nil
}

// PartID derives a stable part type id from a readable name.
func PartID(name string) uuid.UUID {
	return uuid.NewV5(namespace, name)
}

var namespace = uuid.Must(uuid.FromString("6f1c2a52-0f6e-4c1b-9d3e-5a7b8e2c4d10"))
