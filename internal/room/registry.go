// Package room holds the debate room aggregate and the registry that
// tracks active rooms by ID and by participant.
package room

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidParticipants is returned when a room is not created with
	// exactly two distinct, non-empty participants.
	ErrInvalidParticipants = errors.New("room needs exactly two distinct participants")

	// ErrParticipantBusy is returned when a participant already has an active room.
	ErrParticipantBusy = errors.New("participant already in an active room")
)

// Registry tracks active rooms. Both lookups (by room ID and by
// participant) are updated together under one lock.
type Registry struct {
	mu            sync.RWMutex
	rooms         map[string]*Room
	byParticipant map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:         make(map[string]*Room),
		byParticipant: make(map[string]string),
	}
}

// Create registers a new room. participants[0] holds the first turn.
func (r *Registry) Create(participants []string, topic string, now time.Time) (*Room, error) {
	if len(participants) != 2 || participants[0] == "" || participants[1] == "" ||
		participants[0] == participants[1] {
		return nil, ErrInvalidParticipants
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range participants {
		if id, ok := r.byParticipant[p]; ok {
			return nil, fmt.Errorf("%w: %s is in %s", ErrParticipantBusy, p, id)
		}
	}

	id := fmt.Sprintf("debate_%s_%d", topic, now.UnixMilli())
	if _, exists := r.rooms[id]; exists {
		id = id + "_" + uuid.NewString()[:8]
	}

	room := newRoom(id, topic, participants[0], participants[1], now)
	r.rooms[id] = room
	r.byParticipant[participants[0]] = id
	r.byParticipant[participants[1]] = id
	return room, nil
}

// Get returns the active room with the given ID, or nil.
func (r *Registry) Get(roomID string) *Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[roomID]
}

// ForParticipant returns the participant's active room, or nil.
func (r *Registry) ForParticipant(participant string) *Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byParticipant[participant]
	if !ok {
		return nil
	}
	return r.rooms[id]
}

// Destroy removes a room and its participant back-references.
// Unknown IDs are a no-op; it reports whether anything was removed.
func (r *Registry) Destroy(roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	delete(r.rooms, roomID)
	for _, p := range room.participants {
		if r.byParticipant[p] == roomID {
			delete(r.byParticipant, p)
		}
	}
	return true
}

// Len returns the number of active rooms.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Rooms returns a snapshot of the active rooms.
func (r *Registry) Rooms() []*Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		out = append(out, room)
	}
	return out
}
