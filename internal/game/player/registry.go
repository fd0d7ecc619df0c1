// Package player tracks the authoritative position of every joined player.
package player

import (
	"sort"
	"sync"
)

// Player is one logical game participant.
type Player struct {
	// ID is the client-supplied identity; never empty.
	ID string
	// Score is reserved and stays zero.
	Score int
	X     float64
	Y     float64
	Z     float64
}

// Registry maps player identity to player state.
// All methods are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	players map[string]*Player
}

// NewRegistry creates an empty player Registry.
func NewRegistry() *Registry {
	return &Registry{
		players: make(map[string]*Player),
	}
}

// Join inserts id with default state, replacing any existing record.
//
// Postcondition: If id is non-empty, the registry holds id at (0,0,0) with score 0.
func (r *Registry) Join(id string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.players[id] = &Player{ID: id}
}

// Exit removes id. Empty or unknown ids are ignored.
func (r *Registry) Exit(id string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.players, id)
}

// Move overwrites the X and Z coordinates of a known player.
// Y is left untouched.
//
// Postcondition: If id is known, its X == x and Z == z; otherwise the registry is unchanged.
func (r *Registry) Move(id string, x, z float64) {
	if id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.players[id]
	if !ok {
		return
	}
	p.X = x
	p.Z = z
}

// Get returns a copy of the player with the given id.
//
// Postcondition: Returns (player, true) if found, or (zero, false) otherwise.
func (r *Registry) Get(id string) (Player, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.players[id]
	if !ok {
		return Player{}, false
	}
	return *p, true
}

// Count returns the number of joined players.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.players)
}

// Snapshot returns copies of all players ordered by ID.
func (r *Registry) Snapshot() []Player {
	r.mu.RLock()
	out := make([]Player, 0, len(r.players))
	for _, p := range r.players {
		out = append(out, *p)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
