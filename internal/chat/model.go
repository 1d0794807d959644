package chat

import (
	"time"

	"peer-chat/internal/identity"
)

// ---------------------------------------------
// Matching state
// ---------------------------------------------

type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Room is an active pairing between one seeker and one listener.
type Room struct {
	ID         string    `json:"roomId"`
	SeekerID   string    `json:"seekerId"`
	ListenerID string    `json:"listenerId"`
	RequestID  string    `json:"requestId"`
	CreatedAt  time.Time `json:"createdAt"`

	gen uint64 // distinguishes rooms that reuse an id
}

// RoomID is the preferred id for a pair. Participant ids may contain "_", so
// two pairs can derive the same value; the registry suffixes the later one.
func RoomID(seekerID, listenerID string) string {
	return "chat_" + seekerID + "_" + listenerID
}

func (r Room) PartnerOf(participantID string) string {
	if participantID == r.SeekerID {
		return r.ListenerID
	}
	return r.SeekerID
}

func (r Room) Has(participantID string) bool {
	return participantID == r.SeekerID || participantID == r.ListenerID
}

// pendingRequest is a seeker waiting to be accepted.
type pendingRequest struct {
	client      *Client
	requestID   string
	note        string
	requestedAt time.Time
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	AvailableListeners int `json:"availableListeners"`
	WaitingSeekers     int `json:"waitingSeekers"`
	ActiveRooms        int `json:"activeRooms"`
	Connections        int `json:"connections"`
}

// ---------------------------------------------
// Session ledger
// ---------------------------------------------

type SessionKind string

const (
	SessionStarted      SessionKind = "started"
	SessionEnded        SessionKind = "ended"
	SessionAbandoned    SessionKind = "abandoned"
	AvailabilityChanged SessionKind = "availability"
)

// SessionEvent describes a room lifecycle change. It never carries message bodies.
type SessionEvent struct {
	Kind        SessionKind   `json:"kind"`
	RoomID      string        `json:"roomId,omitempty"`
	SeekerID    string        `json:"seekerId,omitempty"`
	ListenerID  string        `json:"listenerId,omitempty"`
	RequestID   string        `json:"requestId,omitempty"`
	StartedAt   time.Time     `json:"startedAt,omitzero"`
	EndedBy     string        `json:"endedBy,omitempty"`
	EndedByRole identity.Role `json:"endedByRole,omitempty"`
	Count       int           `json:"count,omitempty"`
	At          time.Time     `json:"at"`
}

// SessionRecord is one persisted room as read back from the ledger.
type SessionRecord struct {
	RoomRef     string         `json:"roomRef"`
	SeekerRef   string         `json:"seekerRef"`
	ListenerID  string         `json:"listenerId"`
	StartedAt   time.Time      `json:"startedAt"`
	EndedAt     *time.Time     `json:"endedAt,omitempty"`
	EndReason   *string        `json:"endReason,omitempty"`
	EndedByRole *identity.Role `json:"endedByRole,omitempty"`
}
