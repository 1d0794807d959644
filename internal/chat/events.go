package chat

import (
	"encoding/json"
	"fmt"
	"time"

	"peer-chat/internal/identity"
)

// Wire event names.
const (
	EventListenerStatus      = "listener.status"
	EventAvailability        = "listener.availability"
	EventChatRequest         = "chat.request"
	EventChatWaiting         = "chat.waiting"
	EventNewRequest          = "chat.newRequest"
	EventChatCancel          = "chat.cancel"
	EventRequestCancelled    = "chat.requestCancelled"
	EventChatAccept          = "chat.accept"
	EventChatStarted         = "chat.started"
	EventChatMessage         = "chat.message"
	EventChatEnd             = "chat.end"
	EventChatEnded           = "chat.ended"
	EventPartnerDisconnected = "chat.partnerDisconnected"
	EventChatError           = "chat.error"
)

// Envelope is the JSON frame exchanged over the socket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Inbound payloads.

type StatusPayload struct {
	Status Status `json:"status" validate:"required,oneof=online offline"`
}

type RequestPayload struct {
	RequestID string `json:"requestId" validate:"max=128"`
	Note      string `json:"note" validate:"max=500"`
}

type AcceptPayload struct {
	SeekerID string `json:"seekerId" validate:"required,max=255"`
}

type MessagePayload struct {
	RoomID string `json:"roomId" validate:"required,max=600"`
	Body   string `json:"body" validate:"required,max=4000"`
}

type EndPayload struct {
	RoomID string `json:"roomId" validate:"required,max=600"`
}

// Outbound payloads.

type AvailabilityPayload struct {
	Count int `json:"count"`
}

type WaitingPayload struct {
	RequestID          string    `json:"requestId"`
	RequestedAt        time.Time `json:"requestedAt"`
	AvailableListeners int       `json:"availableListeners"`
}

type NewRequestPayload struct {
	SeekerID    string    `json:"seekerId"`
	SeekerName  string    `json:"seekerName"`
	RequestID   string    `json:"requestId"`
	Note        string    `json:"note,omitempty"`
	RequestedAt time.Time `json:"requestedAt"`
}

type RequestCancelledPayload struct {
	SeekerID  string `json:"seekerId"`
	RequestID string `json:"requestId"`
}

type StartedPayload struct {
	RoomID    string               `json:"roomId"`
	Partner   identity.Participant `json:"partner"`
	Timestamp time.Time            `json:"timestamp"`
}

type RelayedMessage struct {
	RoomID     string        `json:"roomId"`
	Body       string        `json:"body"`
	SenderID   string        `json:"senderId"`
	SenderName string        `json:"senderName"`
	SenderRole identity.Role `json:"senderRole"`
	Timestamp  time.Time     `json:"timestamp"`
}

type EndedPayload struct {
	RoomID      string        `json:"roomId"`
	EndedBy     string        `json:"endedBy"`
	EndedByRole identity.Role `json:"endedByRole"`
	Timestamp   time.Time     `json:"timestamp"`
}

type PartnerDisconnectedPayload struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type ErrorPayload struct {
	Message string    `json:"message"`
	Code    ErrorCode `json:"code"`
}

type ErrorCode string

const (
	CodeNoActiveSession ErrorCode = "no-active-session"
	CodeAlreadyPaired   ErrorCode = "already-paired"
	CodeUserGone        ErrorCode = "user-no-longer-connected"
	CodeListenerBusy    ErrorCode = "listener-busy"
	CodeForbiddenRole   ErrorCode = "forbidden-role"
	CodeInvalidPayload  ErrorCode = "invalid-payload"
	CodeUnknownEvent    ErrorCode = "unknown-event"
	CodeRateLimited     ErrorCode = "rate-limit-exceeded"
)

// ProtocolError is a rejected operation reported only to its sender.
type ProtocolError struct {
	Code    ErrorCode
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// encode builds an envelope. Payload types in this file always marshal.
func encode(eventType string, payload any) []byte {
	body, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("chat: cannot encode %s payload: %v", eventType, err))
	}
	msg, err := json.Marshal(Envelope{Type: eventType, Payload: body})
	if err != nil {
		panic(fmt.Sprintf("chat: cannot encode %s envelope: %v", eventType, err))
	}
	return msg
}
