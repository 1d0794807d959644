package chat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"peer-chat/internal/metrics"
)

var (
	ErrHubStopped   = errors.New("hub stopped")
	ErrClientClosed = errors.New("client closed")
)

// Recorder receives session lifecycle events. Record must not block.
type Recorder interface {
	Record(SessionEvent)
}

type nopRecorder struct{}

func (nopRecorder) Record(SessionEvent) {}

// Hub owns the presence registry. Every mutation arrives as a command on the
// inbox and runs on the Run goroutine, so a transition is never observed half done.
type Hub struct {
	inbox chan command // Clients -> Hub
	done  chan struct{}

	reg      *registry
	recorder Recorder
	metrics  *metrics.Metrics
	log      *slog.Logger
	now      func() time.Time
}

type command interface{ isCommand() }

type registerCmd struct{ client *Client }
type unregisterCmd struct{ client *Client }
type statusCmd struct {
	client *Client
	status Status
}
type requestCmd struct {
	client    *Client
	requestID string
	note      string
}
type cancelCmd struct{ client *Client }
type acceptCmd struct {
	client   *Client
	seekerID string
}
type endCmd struct {
	client *Client
	roomID string
}
type routeCmd struct {
	client *Client
	roomID string
	reply  chan routeResult
}
type forwardCmd struct {
	client *Client
	room   Room
	msg    []byte
	reply  chan error
}
type statsCmd struct{ reply chan Stats }

func (registerCmd) isCommand()   {}
func (unregisterCmd) isCommand() {}
func (statusCmd) isCommand()     {}
func (requestCmd) isCommand()    {}
func (cancelCmd) isCommand()     {}
func (acceptCmd) isCommand()     {}
func (endCmd) isCommand()        {}
func (routeCmd) isCommand()      {}
func (forwardCmd) isCommand()    {}
func (statsCmd) isCommand()      {}

type routeResult struct {
	partner *Client
	room    Room
	err     error
}

func NewHub(log *slog.Logger, recorder Recorder, m *metrics.Metrics) *Hub {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Hub{
		inbox:    make(chan command),
		done:     make(chan struct{}),
		reg:      newRegistry(),
		recorder: recorder,
		metrics:  m,
		log:      log,
		now:      time.Now,
	}
}

// Run processes commands until ctx is cancelled, then closes every connection.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return nil
		case cmd := <-h.inbox:
			h.dispatch(cmd)
		}
	}
}

func (h *Hub) dispatch(cmd command) {
	switch c := cmd.(type) {
	case registerCmd:
		h.register(c.client)
	case unregisterCmd:
		h.unregister(c.client)
	case statusCmd:
		if h.current(c.client) {
			h.setStatus(c.client, c.status)
		}
	case requestCmd:
		if h.current(c.client) {
			h.submitRequest(c.client, c.requestID, c.note)
		}
	case cancelCmd:
		if h.current(c.client) {
			h.cancelRequest(c.client)
		}
	case acceptCmd:
		if h.current(c.client) {
			h.accept(c.client, c.seekerID)
		}
	case endCmd:
		if h.current(c.client) {
			h.end(c.client, c.roomID)
		}
	case routeCmd:
		c.reply <- h.route(c.client, c.roomID)
	case forwardCmd:
		c.reply <- h.forward(c.client, c.room, c.msg)
	case statsCmd:
		c.reply <- h.reg.stats()
	}
	s := h.reg.stats()
	h.metrics.Presence(s.Connections, s.AvailableListeners, s.WaitingSeekers, s.ActiveRooms)
}

// current reports whether c is the live connection of its participant.
// Commands from a superseded connection are dropped.
func (h *Hub) current(c *Client) bool {
	return h.reg.participants[c.ID()] == c
}

func (h *Hub) submit(ctx context.Context, cmd command) error {
	select {
	case h.inbox <- cmd:
		return nil
	case <-h.done:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) Register(ctx context.Context, c *Client) error {
	return h.submit(ctx, registerCmd{client: c})
}

// Unregister runs on connection teardown and is not bound to a caller context.
func (h *Hub) Unregister(c *Client) error {
	return h.submit(context.Background(), unregisterCmd{client: c})
}

func (h *Hub) SetListenerStatus(ctx context.Context, c *Client, status Status) error {
	return h.submit(ctx, statusCmd{client: c, status: status})
}

func (h *Hub) SubmitRequest(ctx context.Context, c *Client, requestID, note string) error {
	return h.submit(ctx, requestCmd{client: c, requestID: requestID, note: note})
}

func (h *Hub) Cancel(ctx context.Context, c *Client) error {
	return h.submit(ctx, cancelCmd{client: c})
}

func (h *Hub) Accept(ctx context.Context, c *Client, seekerID string) error {
	return h.submit(ctx, acceptCmd{client: c, seekerID: seekerID})
}

func (h *Hub) End(ctx context.Context, c *Client, roomID string) error {
	return h.submit(ctx, endCmd{client: c, roomID: roomID})
}

// Route checks that c is a member of the active room roomID and returns it.
// It returns a *ProtocolError when c is not.
func (h *Hub) Route(ctx context.Context, c *Client, roomID string) (Room, error) {
	reply := make(chan routeResult, 1)
	if err := h.submit(ctx, routeCmd{client: c, roomID: roomID, reply: reply}); err != nil {
		return Room{}, err
	}
	select {
	case r := <-reply:
		return r.room, r.err
	case <-ctx.Done():
		return Room{}, ctx.Err()
	}
}

// Forward hands msg to c's partner in room, provided room is still the one c
// is in. Errors are those of Route, plus the partner's Deliver error.
func (h *Hub) Forward(ctx context.Context, c *Client, room Room, msg []byte) error {
	reply := make(chan error, 1)
	if err := h.submit(ctx, forwardCmd{client: c, room: room, msg: msg, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	if err := h.submit(ctx, statsCmd{reply: reply}); err != nil {
		return Stats{}, err
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} { return h.done }

func (h *Hub) shutdown() {
	h.log.Info("Hub stopping, closing connections", "connections", len(h.reg.participants))
	for _, c := range h.reg.participants {
		c.Close()
	}
}

// ---------------------------------------------
// Delivery helpers
// ---------------------------------------------

// deliver hands msg to c. A client whose buffer is full cannot keep up and is closed;
// its read pump then unregisters it.
func (h *Hub) deliver(c *Client, msg []byte) {
	err := c.Deliver(msg)
	switch {
	case err == nil, errors.Is(err, ErrClientClosed):
	case errors.Is(err, ErrSendBufferFull):
		h.log.Warn("Send buffer full, closing connection", "participant", c.ID(), "conn", c.ConnID)
		c.Close()
	default:
		h.log.Error("Delivery failed", "participant", c.ID(), "error", err)
	}
}

func (h *Hub) notify(c *Client, eventType string, payload any) {
	h.deliver(c, encode(eventType, payload))
}

func (h *Hub) reject(c *Client, code ErrorCode, message string) {
	h.log.Debug("Rejecting operation", "participant", c.ID(), "code", code)
	h.metrics.ProtocolError(string(code))
	h.notify(c, EventChatError, ErrorPayload{Message: message, Code: code})
}

// broadcastAvailability sends the current count to every connected participant.
func (h *Hub) broadcastAvailability() {
	count := len(h.reg.available)
	msg := encode(EventAvailability, AvailabilityPayload{Count: count})
	for _, c := range h.reg.participants {
		h.deliver(c, msg)
	}
	h.recorder.Record(SessionEvent{Kind: AvailabilityChanged, Count: count, At: h.now()})
}

// notifyListeners sends to every connected listener that is not in a room.
func (h *Hub) notifyListeners(eventType string, payload any) {
	msg := encode(eventType, payload)
	for _, c := range h.reg.listeners() {
		h.deliver(c, msg)
	}
}
