package chat

import (
	"sort"
	"strconv"

	"github.com/samber/lo"
)

// registry is the presence state. It is owned by the hub goroutine and never
// touched from anywhere else, so it carries no locks.
type registry struct {
	participants map[string]*Client         // participant id -> current connection
	available    map[string]*Client         // listeners online and not in a room
	waiting      map[string]*pendingRequest // seeker id -> pending request
	rooms        map[string]*Room           // room id -> room
	pairing      map[string]string          // participant id -> room id, both members
	generation   uint64                     // rooms bound so far
}

func newRegistry() *registry {
	return &registry{
		participants: make(map[string]*Client),
		available:    make(map[string]*Client),
		waiting:      make(map[string]*pendingRequest),
		rooms:        make(map[string]*Room),
		pairing:      make(map[string]string),
	}
}

func (r *registry) roomOf(participantID string) (*Room, bool) {
	roomID, ok := r.pairing[participantID]
	if !ok {
		return nil, false
	}
	room, ok := r.rooms[roomID]
	return room, ok
}

func (r *registry) paired(participantID string) bool {
	_, ok := r.pairing[participantID]
	return ok
}

// roomID returns RoomID for the pair, suffixed with "#n" while an active room
// already holds that id.
func (r *registry) roomID(seekerID, listenerID string) string {
	base := RoomID(seekerID, listenerID)
	id := base
	for n := 2; r.rooms[id] != nil; n++ {
		id = base + "#" + strconv.Itoa(n)
	}
	return id
}

// bind records a new room and takes both members out of the matching pools.
// room.ID must not be in use; roomID guarantees that.
func (r *registry) bind(room *Room) {
	r.generation++
	room.gen = r.generation
	r.rooms[room.ID] = room
	r.pairing[room.SeekerID] = room.ID
	r.pairing[room.ListenerID] = room.ID
	delete(r.waiting, room.SeekerID)
	delete(r.available, room.ListenerID)
}

func (r *registry) unbind(room *Room) {
	delete(r.rooms, room.ID)
	if r.pairing[room.SeekerID] == room.ID {
		delete(r.pairing, room.SeekerID)
	}
	if r.pairing[room.ListenerID] == room.ID {
		delete(r.pairing, room.ListenerID)
	}
}

// listeners returns connected listeners that are not in a room.
func (r *registry) listeners() []*Client {
	return lo.Filter(lo.Values(r.participants), func(c *Client, _ int) bool {
		return c.Participant.IsListener() && !r.paired(c.ID())
	})
}

// pending returns the waiting requests, oldest first.
func (r *registry) pending() []*pendingRequest {
	out := lo.Values(r.waiting)
	sort.Slice(out, func(i, j int) bool {
		if out[i].requestedAt.Equal(out[j].requestedAt) {
			return out[i].client.ID() < out[j].client.ID()
		}
		return out[i].requestedAt.Before(out[j].requestedAt)
	})
	return out
}

func (r *registry) stats() Stats {
	return Stats{
		AvailableListeners: len(r.available),
		WaitingSeekers:     len(r.waiting),
		ActiveRooms:        len(r.rooms),
		Connections:        len(r.participants),
	}
}
