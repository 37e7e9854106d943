// Package rooms implements the in-memory room registry and the matchmaking
// transitions over it: create, list, join, ready, leave, start. All room
// state is shared across connection workers and is guarded by one registry
// mutex; every transition is a single critical section over it.
package rooms

import (
	"errors"
	"fmt"
	"sync"

	"gameforge/platform/internal/logging"
	"gameforge/platform/internal/wire"
)

var (
	// ErrNotFound indicates the room id does not exist for the game.
	ErrNotFound = errors.New("room not found")
	// ErrFull indicates the room is at its pinned capacity.
	ErrFull = errors.New("room full")
	// ErrWrongPassword rejects a join with a bad room password.
	ErrWrongPassword = errors.New("wrong room password")
	// ErrAlreadyHosting rejects creating a second room under one identity,
	// since the room id is the creating identity.
	ErrAlreadyHosting = errors.New("identity already hosts a room")
	// ErrNotAllReady blocks start while any non-host slot is not ready.
	ErrNotAllReady = errors.New("not everyone is ready")
	// ErrVersionStale blocks start when the pinned catalog version no longer
	// matches the live one; the room is closed and members told to update.
	ErrVersionStale = errors.New("room pinned a stale game version")
	// ErrNotInRoom indicates the identity holds no slot in the room.
	ErrNotInRoom = errors.New("identity not in room")
)

// Sender delivers a server-pushed response to one live connection.
type Sender interface {
	Send(resp wire.Response) error
}

// SlotInfo is the externally visible state of one room slot.
type SlotInfo struct {
	Identity string `json:"identity"`
	Ready    bool   `json:"ready"`
}

// Summary describes a joinable room for lobby listings. The password itself
// is never included.
type Summary struct {
	RoomID         string `json:"room_id"`
	Host           string `json:"host"`
	CurrentPlayers int    `json:"current_players"`
	MaxPlayers     int    `json:"max_players"`
	HasPassword    bool   `json:"has_password"`
}

type slot struct {
	identity string
	ready    bool
	sender   Sender
}

type room struct {
	game     string
	id       string
	host     string
	password string
	capacity int
	version  string
	starting bool
	slots    []*slot
}

func (r *room) infos() []SlotInfo {
	out := make([]SlotInfo, len(r.slots))
	for i, s := range r.slots {
		out[i] = SlotInfo{Identity: s.identity, Ready: s.ready}
	}
	return out
}

func (r *room) find(identity string) *slot {
	for _, s := range r.slots {
		if s.identity == identity {
			return s
		}
	}
	return nil
}

// LeaveResult reports the aftermath of a departure.
type LeaveResult struct {
	// Closed is true when the room was destroyed, either because the host
	// left or the last slot emptied.
	Closed bool
	// Evicted lists the identities removed alongside the leaver when the
	// host departure cascaded.
	Evicted []string
}

// Registry owns every live room, keyed by game then room id.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]map[string]*room
	log   *logging.Logger
}

// NewRegistry builds an empty room registry.
func NewRegistry(logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.L()
	}
	return &Registry{
		rooms: make(map[string]map[string]*room),
		log:   logger,
	}
}

// Create opens a room for the game with the creating identity as host and
// room id. The catalog capacity and version are pinned at creation time. The
// host slot occupies slot zero and is born ready.
func (reg *Registry) Create(game, host string, sender Sender, password string, capacity int, version string) (string, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for _, byID := range reg.rooms {
		if _, ok := byID[host]; ok {
			return "", ErrAlreadyHosting
		}
	}
	if reg.rooms[game] == nil {
		reg.rooms[game] = make(map[string]*room)
	}
	r := &room{
		game:     game,
		id:       host,
		host:     host,
		password: password,
		capacity: capacity,
		version:  version,
		slots:    []*slot{{identity: host, ready: true, sender: sender}},
	}
	reg.rooms[game][host] = r
	reg.log.Info("room created",
		logging.String("game", game), logging.String("room", host), logging.Int("capacity", capacity))
	return host, nil
}

// Summaries lists joinable rooms for the game, excluding rooms that have
// already transitioned to starting.
func (reg *Registry) Summaries(game string) []Summary {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	out := make([]Summary, 0, len(reg.rooms[game]))
	for id, r := range reg.rooms[game] {
		if r.starting {
			continue
		}
		out = append(out, Summary{
			RoomID:         id,
			Host:           r.host,
			CurrentPlayers: len(r.slots),
			MaxPlayers:     r.capacity,
			HasPassword:    r.password != "",
		})
	}
	return out
}

// Join claims a slot in the room. Checks are ordered not-found, full,
// password, and the capacity check is atomic with the slot append: no two
// concurrent joins can together exceed capacity. Remaining members are
// notified independently; one dead connection never blocks the rest.
func (reg *Registry) Join(game, roomID, identity string, sender Sender, password string) ([]SlotInfo, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[game][roomID]
	if !ok || r.starting {
		return nil, ErrNotFound
	}
	if len(r.slots) >= r.capacity {
		return nil, ErrFull
	}
	if r.password != password {
		return nil, ErrWrongPassword
	}
	r.slots = append(r.slots, &slot{identity: identity, sender: sender})
	infos := r.infos()
	reg.notifyExcept(r, identity, wire.OK("room_update",
		map[string]any{"players": infos},
		fmt.Sprintf("Player %s joined the room", identity)))
	return infos, nil
}

// Members returns the slot list, host and password of a room the identity is
// already inside. Only room members may call this, so exposing the password
// mirrors what the host configured for them.
func (reg *Registry) Members(game, roomID, identity string) ([]SlotInfo, string, string, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[game][roomID]
	if !ok {
		return nil, "", "", ErrNotFound
	}
	if r.find(identity) == nil {
		return nil, "", "", ErrNotInRoom
	}
	return r.infos(), r.host, r.password, nil
}

// ToggleReady flips the identity's ready flag and reports the new value to
// the host, the aggregation point for start decisions.
func (reg *Registry) ToggleReady(game, roomID, identity string) (bool, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[game][roomID]
	if !ok {
		return false, ErrNotFound
	}
	s := r.find(identity)
	if s == nil {
		return false, ErrNotInRoom
	}
	s.ready = !s.ready
	state := "unready"
	if s.ready {
		state = "ready"
	}
	if host := r.find(r.host); host != nil && host.identity != identity {
		reg.send(host, wire.OK("player_ready", map[string]any{"players": r.infos()},
			fmt.Sprintf("player %s %s", identity, state)))
	}
	return s.ready, nil
}

// Leave removes the identity's slot. A departing host closes the room and
// evicts every remaining member with a room_closed push; otherwise the
// remaining members get a room_update. An emptied room is deleted.
func (reg *Registry) Leave(game, roomID, identity string) (LeaveResult, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[game][roomID]
	if !ok {
		return LeaveResult{}, ErrNotFound
	}
	if r.find(identity) == nil {
		return LeaveResult{}, ErrNotInRoom
	}
	r.remove(identity)

	if r.host == identity {
		evicted := reg.closeLocked(r, "Host closed the room!")
		return LeaveResult{Closed: true, Evicted: evicted}, nil
	}

	if len(r.slots) == 0 {
		delete(reg.rooms[game], roomID)
		return LeaveResult{Closed: true}, nil
	}
	reg.notifyExcept(r, identity, wire.OK("room_update",
		map[string]any{"players": r.infos()},
		fmt.Sprintf("Player %s left the room", identity)))
	return LeaveResult{}, nil
}

// StartResult lists the members of a room that passed the start gates.
type StartResult struct {
	Participants []string
}

// Start verifies every non-host slot is ready and the pinned catalog version
// still matches the live one, then transitions the room to starting. On a
// stale version every member is evicted and told to update.
func (reg *Registry) Start(game, roomID, liveVersion string) (StartResult, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[game][roomID]
	if !ok {
		return StartResult{}, ErrNotFound
	}
	for _, s := range r.slots {
		if s.identity != r.host && !s.ready {
			return StartResult{}, ErrNotAllReady
		}
	}
	if r.version != liveVersion {
		evicted := reg.closeLocked(r, "Please update the game version!")
		return StartResult{Participants: evicted}, ErrVersionStale
	}
	r.starting = true
	return StartResult{Participants: identities(r)}, nil
}

// Close evicts every member with a room_closed push carrying msg and deletes
// the room. It returns the evicted identities so the caller can reset their
// presence.
func (reg *Registry) Close(game, roomID, msg string) []string {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[game][roomID]
	if !ok {
		return nil
	}
	return reg.closeLocked(r, msg)
}

// Release drops the registry bookkeeping for a room whose gameplay has been
// handed off to a spawned game instance.
func (reg *Registry) Release(game, roomID string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delete(reg.rooms[game], roomID)
}

// Deliver fans a push out to every slot of the room. Each send is
// independent; failures are logged and never block the other deliveries.
func (reg *Registry) Deliver(game, roomID string, resp wire.Response) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[game][roomID]
	if !ok {
		return
	}
	for _, s := range r.slots {
		reg.send(s, resp)
	}
}

// FindMember locates the room an identity currently occupies, for the
// disconnect teardown path.
func (reg *Registry) FindMember(identity string) (game, roomID string, ok bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for game, byID := range reg.rooms {
		for id, r := range byID {
			if r.find(identity) != nil {
				return game, id, true
			}
		}
	}
	return "", "", false
}

// Count reports the number of live rooms across all games.
func (reg *Registry) Count() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	total := 0
	for _, byID := range reg.rooms {
		total += len(byID)
	}
	return total
}

func (r *room) remove(identity string) {
	kept := r.slots[:0]
	for _, s := range r.slots {
		if s.identity != identity {
			kept = append(kept, s)
		}
	}
	r.slots = kept
}

func identities(r *room) []string {
	out := make([]string, len(r.slots))
	for i, s := range r.slots {
		out[i] = s.identity
	}
	return out
}

func (reg *Registry) closeLocked(r *room, msg string) []string {
	evicted := identities(r)
	push := wire.OK("room_closed", map[string]any{}, msg)
	for _, s := range r.slots {
		reg.send(s, push)
	}
	r.slots = nil
	delete(reg.rooms[r.game], r.id)
	reg.log.Info("room closed", logging.String("game", r.game), logging.String("room", r.id))
	return evicted
}

func (reg *Registry) notifyExcept(r *room, identity string, resp wire.Response) {
	for _, s := range r.slots {
		if s.identity == identity {
			continue
		}
		reg.send(s, resp)
	}
}

func (reg *Registry) send(s *slot, resp wire.Response) {
	if s.sender == nil {
		return
	}
	if err := s.sender.Send(resp); err != nil {
		reg.log.Warn("room push failed",
			logging.String("identity", s.identity), logging.String("action", resp.Action), logging.Error(err))
	}
}
