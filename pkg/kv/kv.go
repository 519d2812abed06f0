// Package kv is a replicated key/value store. Every replica applies the same
// commands in delivery order, so replicas holding the same delivery prefix
// hold the same entries.
package kv

import (
	"container/list"
	"errors"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgroup/pkg/multicast"
)

type Op string

const (
	OpPut    Op = "put"
	OpDelete Op = "delete"
)

var ErrInvalidCommand = errors.New("kv: invalid command")

// Command is one replicated mutation. ExpireAt is absolute so every replica
// agrees on it; zero means no expiry.
type Command struct {
	Op       Op     `json:"op"`
	Key      string `json:"key"`
	Value    []byte `json:"value,omitempty"`
	ExpireAt int64  `json:"expireAt,omitempty"`
}

// PutCommand builds a put expiring ttl after now. A ttl of zero never expires.
func PutCommand(key string, val []byte, ttl time.Duration, now time.Time) Command {
	c := Command{Op: OpPut, Key: key, Value: val}
	if ttl > 0 {
		c.ExpireAt = now.Add(ttl).UnixNano()
	}
	return c
}

func DeleteCommand(key string) Command {
	return Command{Op: OpDelete, Key: key}
}

func (c Command) Encode() ([]byte, error) {
	return json.Marshal(c)
}

func DecodeCommand(b []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(b, &c); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	if c.Key == "" || (c.Op != OpPut && c.Op != OpDelete) {
		return Command{}, fmt.Errorf("%w: op=%q key=%q", ErrInvalidCommand, c.Op, c.Key)
	}
	return c, nil
}

type entry struct {
	key      string
	value    []byte
	expireAt time.Time
}

// Store holds entries in write order and evicts the oldest writes once the
// stored values exceed the byte capacity. Reads never reorder entries.
type Store struct {
	clock  clockwork.Clock
	logger *zap.Logger

	mu      sync.RWMutex
	data    map[string]*list.Element
	ll      *list.List
	used    int
	cap     int
	applied uint64
}

func NewStore(capacityBytes int, clock clockwork.Clock, logger *zap.Logger) *Store {
	return &Store{
		clock:  clock,
		logger: logger.Named("kv"),
		data:   make(map[string]*list.Element),
		ll:     list.New(),
		cap:    capacityBytes,
	}
}

// Put writes key directly. Replicas must use Deliver instead.
func (s *Store) Put(key string, val []byte, expireAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(key, val, expireAt)
}

func (s *Store) put(key string, val []byte, exp time.Time) {
	if el, ok := s.data[key]; ok {
		old := el.Value.(*entry)
		s.used -= len(old.value)
		old.value = append([]byte(nil), val...)
		old.expireAt = exp
		s.used += len(old.value)
		s.ll.MoveToBack(el)
	} else {
		e := &entry{key: key, value: append([]byte(nil), val...), expireAt: exp}
		s.data[key] = s.ll.PushBack(e)
		s.used += len(e.value)
	}
	s.evictIfNeeded()
}

// Get returns the value of key unless it expired by the local clock.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	el, ok := s.data[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	if !e.expireAt.IsZero() && s.clock.Now().After(e.expireAt) {
		return nil, false
	}
	return append([]byte(nil), e.value...), true
}

func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delete(key)
}

func (s *Store) delete(key string) bool {
	el, ok := s.data[key]
	if ok {
		s.removeElement(el)
	}
	return ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Applied is the number of commands applied since the store was created or
// last loaded from a snapshot, counting the commands the snapshot covered.
func (s *Store) Applied() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.applied
}

// Keys lists the keys in write order, expired ones included.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for el := s.ll.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*entry).key)
	}
	return keys
}

// Apply runs c against the store.
func (s *Store) Apply(c Command) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apply(c)
}

func (s *Store) apply(c Command) {
	s.applied++
	switch c.Op {
	case OpPut:
		var exp time.Time
		if c.ExpireAt != 0 {
			exp = time.Unix(0, c.ExpireAt)
		}
		s.put(c.Key, c.Value, exp)
	case OpDelete:
		s.delete(c.Key)
	}
}

// Deliver implements multicast.Receiver. Payloads that are not commands are
// skipped.
func (s *Store) Deliver(d multicast.Delivery) {
	c, err := DecodeCommand(d.Payload)
	if err != nil {
		s.logger.Warn("skipping delivery", zap.Stringer("sender", d.Sender), zap.Uint64("seq", d.Seq), zap.Error(err))
		return
	}
	s.Apply(c)
}

func (s *Store) IsModifying(payload []byte) bool {
	_, err := DecodeCommand(payload)
	return err == nil
}

type snapshotEntry struct {
	Key      string `json:"key"`
	Value    []byte `json:"value"`
	ExpireAt int64  `json:"expireAt,omitempty"`
}

type snapshot struct {
	Applied uint64          `json:"applied"`
	Entries []snapshotEntry `json:"entries"`
}

// SaveSnapshot encodes every entry in write order.
func (s *Store) SaveSnapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := snapshot{Applied: s.applied, Entries: make([]snapshotEntry, 0, len(s.data))}
	for el := s.ll.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		se := snapshotEntry{Key: e.key, Value: e.value}
		if !e.expireAt.IsZero() {
			se.ExpireAt = e.expireAt.UnixNano()
		}
		snap.Entries = append(snap.Entries, se)
	}
	return json.Marshal(snap)
}

// LoadSnapshot replaces the store contents with data.
func (s *Store) LoadSnapshot(data []byte) error {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("kv: load snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]*list.Element, len(snap.Entries))
	s.ll.Init()
	s.used = 0
	for _, se := range snap.Entries {
		var exp time.Time
		if se.ExpireAt != 0 {
			exp = time.Unix(0, se.ExpireAt)
		}
		s.put(se.Key, se.Value, exp)
	}
	s.applied = snap.Applied
	s.logger.Debug("snapshot loaded", zap.Int("entries", len(s.data)), zap.Uint64("applied", s.applied))
	return nil
}

func (s *Store) evictIfNeeded() {
	for s.used > s.cap && s.ll.Front() != nil {
		s.removeElement(s.ll.Front())
	}
}

func (s *Store) removeElement(el *list.Element) {
	e := el.Value.(*entry)
	delete(s.data, e.key)
	s.used -= len(e.value)
	s.ll.Remove(el)
}
