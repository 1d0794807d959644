package chat

import (
	"fmt"

	"github.com/google/uuid"
)

// Transitions of the matching engine. All of them run on the hub goroutine.

func (h *Hub) register(c *Client) {
	id := c.ID()
	if old, ok := h.reg.participants[id]; ok && old != c {
		h.log.Info("Connection superseded", "participant", id, "old", old.ConnID, "new", c.ConnID)
		delete(h.reg.participants, id)
		h.leave(old)
		old.Close()
	}
	h.reg.participants[id] = c
	h.log.Info("Participant connected", "participant", id, "role", c.Participant.Role, "conn", c.ConnID)

	h.notify(c, EventAvailability, AvailabilityPayload{Count: len(h.reg.available)})
	if c.Participant.IsListener() {
		for _, req := range h.reg.pending() {
			h.notify(c, EventNewRequest, newRequestPayload(req))
		}
	}
}

func (h *Hub) unregister(c *Client) {
	if !h.current(c) {
		return
	}
	delete(h.reg.participants, c.ID())
	h.leave(c)
	c.Close()
	h.log.Info("Participant disconnected", "participant", c.ID(), "conn", c.ConnID)
}

// leave removes every trace of a departing participant and tells whoever is affected.
func (h *Hub) leave(c *Client) {
	id := c.ID()
	if _, ok := h.reg.available[id]; ok {
		delete(h.reg.available, id)
		h.broadcastAvailability()
	}
	if req, ok := h.reg.waiting[id]; ok {
		delete(h.reg.waiting, id)
		h.notifyListeners(EventRequestCancelled, RequestCancelledPayload{SeekerID: id, RequestID: req.requestID})
	}
	room, ok := h.reg.roomOf(id)
	if !ok {
		return
	}
	h.closeRoom(room, SessionAbandoned, c)
	if partner, ok := h.reg.participants[room.PartnerOf(id)]; ok {
		h.notify(partner, EventPartnerDisconnected, PartnerDisconnectedPayload{
			Message:   fmt.Sprintf("%s has disconnected.", c.Participant.DisplayName),
			Timestamp: h.now(),
		})
	}
}

func (h *Hub) setStatus(c *Client, status Status) {
	if !c.Participant.IsListener() {
		h.reject(c, CodeForbiddenRole, "Only listeners can change availability")
		return
	}
	id := c.ID()
	switch status {
	case StatusOnline:
		if h.reg.paired(id) {
			h.log.Debug("Listener in a room stays out of the pool", "participant", id)
			break
		}
		h.reg.available[id] = c
	case StatusOffline:
		delete(h.reg.available, id)
	}
	h.log.Info("Listener status", "participant", id, "status", status, "available", len(h.reg.available))
	h.broadcastAvailability()
}

func (h *Hub) submitRequest(c *Client, requestID, note string) {
	if c.Participant.IsListener() {
		h.reject(c, CodeForbiddenRole, "Only seekers can request a chat")
		return
	}
	id := c.ID()
	if h.reg.paired(id) {
		h.log.Info("Ignoring request from paired seeker", "participant", id)
		return
	}
	if _, ok := h.reg.waiting[id]; ok {
		h.log.Info("Ignoring duplicate request", "participant", id)
		return
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}
	req := &pendingRequest{client: c, requestID: requestID, note: note, requestedAt: h.now()}
	h.reg.waiting[id] = req

	h.notify(c, EventChatWaiting, WaitingPayload{
		RequestID:          requestID,
		RequestedAt:        req.requestedAt,
		AvailableListeners: len(h.reg.available),
	})
	h.notifyListeners(EventNewRequest, newRequestPayload(req))
	h.log.Info("Chat requested", "participant", id, "request", requestID, "listeners", len(h.reg.listeners()))
}

func (h *Hub) cancelRequest(c *Client) {
	id := c.ID()
	req, ok := h.reg.waiting[id]
	if !ok {
		h.log.Debug("Nothing to cancel", "participant", id)
		return
	}
	delete(h.reg.waiting, id)
	h.notifyListeners(EventRequestCancelled, RequestCancelledPayload{SeekerID: id, RequestID: req.requestID})
	h.log.Info("Chat request cancelled", "participant", id, "request", req.requestID)
}

// accept pairs a listener with a waiting seeker. The first accept to reach the
// hub wins; later ones find the request gone.
func (h *Hub) accept(c *Client, seekerID string) {
	if !c.Participant.IsListener() {
		h.reject(c, CodeForbiddenRole, "Only listeners can accept a chat")
		return
	}
	listenerID := c.ID()
	if h.reg.paired(listenerID) {
		h.reject(c, CodeListenerBusy, "You are already in a chat")
		return
	}
	req, ok := h.reg.waiting[seekerID]
	if !ok {
		if h.reg.paired(seekerID) {
			h.reject(c, CodeAlreadyPaired, "This request was already accepted by another listener")
		} else {
			h.reject(c, CodeUserGone, "User is no longer connected")
		}
		return
	}

	_, wasAvailable := h.reg.available[listenerID]
	seeker := req.client
	now := h.now()
	room := &Room{
		ID:         h.reg.roomID(seekerID, listenerID),
		SeekerID:   seekerID,
		ListenerID: listenerID,
		RequestID:  req.requestID,
		CreatedAt:  now,
	}
	h.reg.bind(room)

	h.notify(seeker, EventChatStarted, StartedPayload{RoomID: room.ID, Partner: c.Participant, Timestamp: now})
	h.notify(c, EventChatStarted, StartedPayload{RoomID: room.ID, Partner: seeker.Participant, Timestamp: now})
	h.recorder.Record(SessionEvent{
		Kind:       SessionStarted,
		RoomID:     room.ID,
		SeekerID:   seekerID,
		ListenerID: listenerID,
		RequestID:  room.RequestID,
		StartedAt:  now,
		At:         now,
	})
	h.metrics.RoomStarted()
	h.log.Info("Chat started", "room", room.ID, "request", room.RequestID)

	if wasAvailable {
		h.broadcastAvailability()
	}
}

func (h *Hub) end(c *Client, roomID string) {
	room, ok := h.reg.roomOf(c.ID())
	if !ok || room.ID != roomID {
		h.reject(c, CodeNoActiveSession, "You are not in that chat")
		return
	}
	h.closeRoom(room, SessionEnded, c)

	payload := EndedPayload{RoomID: room.ID, EndedBy: c.ID(), EndedByRole: c.Participant.Role, Timestamp: h.now()}
	h.notify(c, EventChatEnded, payload)
	if partner, ok := h.reg.participants[room.PartnerOf(c.ID())]; ok {
		h.notify(partner, EventChatEnded, payload)
	}
}

func (h *Hub) closeRoom(room *Room, kind SessionKind, by *Client) {
	h.reg.unbind(room)
	now := h.now()
	h.recorder.Record(SessionEvent{
		Kind:        kind,
		RoomID:      room.ID,
		SeekerID:    room.SeekerID,
		ListenerID:  room.ListenerID,
		RequestID:   room.RequestID,
		StartedAt:   room.CreatedAt,
		EndedBy:     by.ID(),
		EndedByRole: by.Participant.Role,
		At:          now,
	})
	h.metrics.RoomClosed(string(kind))
	h.log.Info("Chat closed", "room", room.ID, "reason", kind, "duration", now.Sub(room.CreatedAt))
}

func (h *Hub) route(c *Client, roomID string) routeResult {
	if !h.current(c) {
		return routeResult{err: ErrClientClosed}
	}
	room, ok := h.reg.roomOf(c.ID())
	if !ok || room.ID != roomID {
		return routeResult{err: &ProtocolError{Code: CodeNoActiveSession, Message: "You are not in that chat"}}
	}
	partner, ok := h.reg.participants[room.PartnerOf(c.ID())]
	if !ok {
		return routeResult{err: &ProtocolError{Code: CodeNoActiveSession, Message: "Your partner is no longer connected"}}
	}
	return routeResult{partner: partner, room: *room}
}

// forward delivers a relayed message if the room it was routed through is
// still the sender's room. The throttle may hold a message long enough for the
// room to end, or for its members to move on to new rooms.
func (h *Hub) forward(c *Client, room Room, msg []byte) error {
	r := h.route(c, room.ID)
	if r.err != nil {
		return r.err
	}
	if r.room.gen != room.gen {
		return &ProtocolError{Code: CodeNoActiveSession, Message: "That chat has ended"}
	}
	return r.partner.Deliver(msg)
}

func newRequestPayload(req *pendingRequest) NewRequestPayload {
	return NewRequestPayload{
		SeekerID:    req.client.ID(),
		SeekerName:  req.client.Participant.DisplayName,
		RequestID:   req.requestID,
		Note:        req.note,
		RequestedAt: req.requestedAt,
	}
}
