// Package events carries the platform's operational event feed: logins,
// room lifecycle, game starts and catalog publishes, delivered in order to
// ops subscribers with at-least-once semantics.
package events

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Kind enumerates the supported event payloads carried by the stream.
type Kind string

const (
	KindLogin     Kind = "login"
	KindLogout    Kind = "logout"
	KindRegister  Kind = "register"
	KindRoom      Kind = "room"
	KindGameStart Kind = "game_start"
	KindCatalog   Kind = "catalog"
)

// Event is one sequenced entry in the feed. Fields beyond Kind and At are
// populated per kind: Identity for account events, Game and Room for room
// and start events, Game for catalog events.
type Event struct {
	Sequence uint64    `json:"sequence"`
	Kind     Kind      `json:"kind"`
	Identity string    `json:"identity,omitempty"`
	Game     string    `json:"game,omitempty"`
	Room     string    `json:"room,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

// Clone duplicates the event so subscribers can mutate their copy safely.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	clone := *e
	return &clone
}

// Config controls the retention policy for the stream log and subscriber buffers.
type Config struct {
	Retain int
}

const defaultRetention = 512

// Stream coordinates ordered event delivery with at-least-once semantics per subscriber.
type Stream struct {
	mu          sync.Mutex
	nextSeq     uint64
	retention   int
	logOrder    []uint64
	logPayloads map[uint64]*Event
	subscribers map[string]*subscriberState
	now         func() time.Time
}

// subscriberState persists acknowledgement state between transient connections.
type subscriberState struct {
	id      string
	pending []uint64
	lastAck uint64
	ch      chan *Event
	active  bool
}

// Subscription exposes the event channel and acknowledgement helpers for a subscriber.
type Subscription struct {
	id     string
	stream *Stream
	events <-chan *Event
	once   sync.Once
}

// ErrOutOfOrderAck signals that a subscriber attempted to acknowledge future sequences.
var ErrOutOfOrderAck = errors.New("ack sequence must match the next pending event")

// NewStream constructs a stream using the provided configuration.
func NewStream(cfg Config) *Stream {
	retention := cfg.Retain
	if retention <= 0 {
		retention = defaultRetention
	}
	return &Stream{
		retention:   retention,
		logPayloads: make(map[uint64]*Event),
		subscribers: make(map[string]*subscriberState),
		now:         time.Now,
	}
}

// Subscribe attaches the logical subscriber to the stream and replays outstanding events.
func (s *Stream) Subscribe(ctx context.Context, subscriberID string, buffer int) (*Subscription, error) {
	if s == nil {
		return nil, errors.New("nil stream")
	}
	if subscriberID == "" {
		return nil, errors.New("subscriber id must be provided")
	}
	if buffer <= 0 {
		buffer = 32
	}

	s.mu.Lock()
	state := s.ensureSubscriberLocked(subscriberID)
	replay := s.collectReplayLocked(state)
	ch := make(chan *Event, buffer)
	state.ch = ch
	state.active = true
	state.pending = append([]uint64(nil), replay...)
	deliveries := s.prepareDeliveriesLocked(replay)
	s.mu.Unlock()

	go func() {
		for _, ev := range deliveries {
			select {
			case <-ctx.Done():
				return
			case ch <- ev:
			}
		}
	}()

	return &Subscription{id: subscriberID, stream: s, events: ch}, nil
}

// Events exposes the ordered delivery channel for the subscriber.
func (s *Subscription) Events() <-chan *Event {
	if s == nil {
		return nil
	}
	return s.events
}

// Ack informs the stream that the subscriber processed the given sequence.
func (s *Subscription) Ack(sequence uint64) error {
	if s == nil || s.stream == nil {
		return errors.New("subscription closed")
	}
	return s.stream.ack(s.id, sequence)
}

// Close marks the subscription as inactive while preserving acknowledgement state.
func (s *Subscription) Close() {
	if s == nil || s.stream == nil {
		return
	}
	s.once.Do(func() {
		s.stream.deactivateSubscriber(s.id)
	})
}

func (s *Stream) ensureSubscriberLocked(subscriberID string) *subscriberState {
	state, ok := s.subscribers[subscriberID]
	if !ok {
		state = &subscriberState{id: subscriberID}
		s.subscribers[subscriberID] = state
	}
	return state
}

func (s *Stream) collectReplayLocked(state *subscriberState) []uint64 {
	// A reconnecting subscriber replays every sequence above its lastAck.
	replay := state.pending[:0]
	for _, seq := range s.logOrder {
		if seq <= state.lastAck {
			continue
		}
		replay = append(replay, seq)
	}
	return append([]uint64(nil), replay...)
}

func (s *Stream) prepareDeliveriesLocked(sequences []uint64) []*Event {
	deliveries := make([]*Event, 0, len(sequences))
	for _, seq := range sequences {
		if payload, ok := s.logPayloads[seq]; ok {
			deliveries = append(deliveries, payload.Clone())
		}
	}
	return deliveries
}

// Publish sequences and enqueues the event for reliable delivery.
func (s *Stream) Publish(ev Event) (uint64, error) {
	if s == nil {
		return 0, errors.New("nil stream")
	}
	if ev.Kind == "" {
		return 0, errors.New("event kind required")
	}
	ev.At = s.now()

	s.mu.Lock()
	s.nextSeq++
	seq := s.nextSeq
	ev.Sequence = seq
	stored := ev
	s.logPayloads[seq] = &stored
	s.logOrder = append(s.logOrder, seq)

	deliveries := make([]delivery, 0, len(s.subscribers))
	for _, state := range s.subscribers {
		state.pending = append(state.pending, seq)
		if state.active && state.ch != nil {
			deliveries = append(deliveries, delivery{ch: state.ch, payload: stored.Clone()})
		}
	}
	s.enforceRetentionLocked()
	s.mu.Unlock()

	for _, item := range deliveries {
		// Non-blocking so a slow subscriber never stalls the publisher.
		select {
		case item.ch <- item.payload:
		default:
		}
	}

	return seq, nil
}

type delivery struct {
	ch      chan<- *Event
	payload *Event
}

func (s *Stream) enforceRetentionLocked() {
	if len(s.logOrder) <= s.retention {
		return
	}
	minAck := s.nextSeq
	for _, state := range s.subscribers {
		if state.lastAck < minAck {
			minAck = state.lastAck
		}
	}
	cutoff := uint64(0)
	if len(s.logOrder) > s.retention {
		cutoff = s.logOrder[len(s.logOrder)-s.retention]
	}
	pruneBefore := minAck
	if cutoff < pruneBefore {
		pruneBefore = cutoff
	}
	if pruneBefore == 0 {
		return
	}
	idx := sort.Search(len(s.logOrder), func(i int) bool { return s.logOrder[i] > pruneBefore })
	for _, seq := range s.logOrder[:idx] {
		delete(s.logPayloads, seq)
	}
	s.logOrder = append([]uint64(nil), s.logOrder[idx:]...)
}

func (s *Stream) ack(subscriberID string, sequence uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.subscribers[subscriberID]
	if !ok {
		return fmt.Errorf("unknown subscriber %q", subscriberID)
	}
	if len(state.pending) == 0 {
		if sequence <= state.lastAck {
			return nil
		}
		return ErrOutOfOrderAck
	}
	expected := state.pending[0]
	if sequence != expected {
		return ErrOutOfOrderAck
	}
	state.pending = state.pending[1:]
	state.lastAck = sequence
	s.enforceRetentionLocked()
	return nil
}

func (s *Stream) deactivateSubscriber(subscriberID string) {
	s.mu.Lock()
	state, ok := s.subscribers[subscriberID]
	if ok {
		state.active = false
		if state.ch != nil {
			close(state.ch)
			state.ch = nil
		}
	}
	s.mu.Unlock()
}
