// Package registry tracks connected viewer clients and their playback
// state: which trajectory they are watching, how far they have played, and
// whether they are still sending heartbeats.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// PlayState enumerates a client's playback lifecycle.
type PlayState int

const (
	Stopped PlayState = iota
	Paused
	Waiting
	Playing
	Finished
)

func (p PlayState) String() string {
	switch p {
	case Stopped:
		return "stopped"
	case Paused:
		return "paused"
	case Waiting:
		return "waiting"
	case Playing:
		return "playing"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// maxMissedHeartbeats is the number of consecutive missed pings before a
// client is force-closed by the sweep.
const maxMissedHeartbeats = 4

// ClientState is the per-connection bookkeeping a registry holds.
type ClientState struct {
	UID              string
	PlayState        PlayState
	PlaybackPos      uint64
	SimID            string
	MissedHeartbeats uint8
	// ConnectedAt is when the client was added to the registry; exposed for
	// diagnostics (e.g. /api/stats) and never mutated afterward.
	ConnectedAt time.Time
	// LastHeartbeatAt is refreshed on every heartbeat-pong and reported by
	// /api/stats; the heartbeat worker's accounting uses MissedHeartbeats.
	LastHeartbeatAt time.Time
}

// snapshot returns a defensive copy so callers cannot mutate registry
// internals through a returned pointer.
func (c *ClientState) snapshot() *ClientState {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// Registry is the thread-safe map of connected clients.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*ClientState
	now     func() time.Time
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{
		clients: make(map[string]*ClientState),
		now:     time.Now,
	}
}

// WithClock overrides the registry's clock, used by deterministic tests.
func (r *Registry) WithClock(now func() time.Time) {
	if now == nil {
		return
	}
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// Add registers a new client and returns its freshly minted UID.
func (r *Registry) Add() string {
	uid := uuid.NewString()
	r.mu.Lock()
	//1.- Seed the new client at Stopped with a fresh heartbeat baseline.
	now := r.now()
	r.clients[uid] = &ClientState{
		UID:             uid,
		PlayState:       Stopped,
		ConnectedAt:     now,
		LastHeartbeatAt: now,
	}
	r.mu.Unlock()
	return uid
}

// Remove deletes a client entirely, used on clean disconnect.
func (r *Registry) Remove(uid string) {
	r.mu.Lock()
	delete(r.clients, uid)
	r.mu.Unlock()
}

// Get returns a defensive copy of a client's state, if present.
func (r *Registry) Get(uid string) (*ClientState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[uid]
	if !ok {
		return nil, false
	}
	return c.snapshot(), true
}

// Count reports the number of currently registered clients.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// SetPlayState transitions uid's playback state.
func (r *Registry) SetPlayState(uid string, state PlayState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[uid]
	if !ok {
		return false
	}
	c.PlayState = state
	return true
}

// SetPos records uid's current byte-offset cursor into the binary cache.
func (r *Registry) SetPos(uid string, pos uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[uid]
	if !ok {
		return false
	}
	c.PlaybackPos = pos
	return true
}

// SetSimID associates uid with the TrajID it is viewing.
func (r *Registry) SetSimID(uid, simID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[uid]
	if !ok {
		return false
	}
	c.SimID = simID
	return true
}

// RegisterHeartbeat resets uid's missed-heartbeat counter and timestamp,
// called whenever a heartbeat-pong is received.
func (r *Registry) RegisterHeartbeat(uid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[uid]
	if !ok {
		return false
	}
	//1.- A pong clears the miss counter and refreshes the liveness timestamp.
	c.MissedHeartbeats = 0
	c.LastHeartbeatAt = r.now()
	return true
}

// MarkExpired increments uid's missed-heartbeat counter, called each time a
// heartbeat interval elapses without a pong. Returns the new count.
func (r *Registry) MarkExpired(uid string) (uint8, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[uid]
	if !ok {
		return 0, false
	}
	c.MissedHeartbeats++
	return c.MissedHeartbeats, true
}

// SweepExpired force-closes every client whose missed-heartbeat count has
// exceeded the threshold, returning their UIDs for the caller to disconnect.
func (r *Registry) SweepExpired() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var expired []string
	//1.- Collect every client past the miss threshold under a single lock.
	for uid, c := range r.clients {
		if c.MissedHeartbeats > maxMissedHeartbeats {
			expired = append(expired, uid)
		}
	}
	//2.- Force-close collected clients before releasing the lock.
	for _, uid := range expired {
		delete(r.clients, uid)
	}
	return expired
}

// ActiveStreamers returns the UIDs of clients not in Stopped or Finished,
// used by the single-active-client guard in live/prerun mode.
func (r *Registry) ActiveStreamers(simID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var active []string
	for uid, c := range r.clients {
		if c.SimID != simID {
			continue
		}
		if c.PlayState == Stopped || c.PlayState == Finished {
			continue
		}
		active = append(active, uid)
	}
	return active
}

// Snapshot returns defensive copies of every registered client.
func (r *Registry) Snapshot() []*ClientState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ClientState, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c.snapshot())
	}
	return out
}
