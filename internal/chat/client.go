package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"peer-chat/internal/identity"
	"peer-chat/internal/throttle"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait   = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod = (pongWait * 9) / 10 // Must be less than pongWait.
)

// ErrSendBufferFull means the peer is not draining its socket. It counts as a
// transport rate limit so throttled relays back off before giving up.
var ErrSendBufferFull = fmt.Errorf("send buffer full: %w", throttle.ErrRateLimited)

// Admitter gates outbound sends. *throttle.Controller implements it.
type Admitter interface {
	Admit(ctx context.Context, key string, send throttle.SendFunc) (throttle.SendResult, error)
}

type ClientConfig struct {
	SendBuffer     int
	MaxMessageSize int64
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	Hub         *Hub
	Conn        *websocket.Conn
	ConnID      string
	Participant identity.Participant

	throttle       Admitter
	validate       *validator.Validate
	log            *slog.Logger
	maxMessageSize int64

	mu     sync.Mutex
	send   chan []byte // Buffered channel of outbound messages.
	closed bool
}

func NewClient(hub *Hub, conn *websocket.Conn, p identity.Participant, gate Admitter, cfg ClientConfig, log *slog.Logger) *Client {
	connID := uuid.NewString()
	return &Client{
		Hub:            hub,
		Conn:           conn,
		ConnID:         connID,
		Participant:    p,
		throttle:       gate,
		validate:       validator.New(),
		log:            log.With("participant", p.ID, "conn", connID),
		maxMessageSize: cfg.MaxMessageSize,
		send:           make(chan []byte, cfg.SendBuffer),
	}
}

func (c *Client) ID() string { return c.Participant.ID }

// Deliver queues msg without blocking.
func (c *Client) Deliver(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close stops delivery. The write pump sends a close frame and tears the socket down.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// ReadPump pumps events from the websocket connection to the hub. cancel is
// called on exit so throttled sends still waiting for this client give up.
func (c *Client) ReadPump(ctx context.Context, cancel context.CancelFunc) {
	defer func() {
		cancel()
		if err := c.Hub.Unregister(c); err != nil && !errors.Is(err, ErrHubStopped) {
			c.log.Error("Unregister failed", "error", err)
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("Connection closed unexpectedly", "error", err)
			}
			return
		}
		if err := c.handle(ctx, message); err != nil {
			c.log.Debug("Stopping read pump", "error", err)
			return
		}
	}
}

// WritePump pumps messages from the hub to the websocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Debug("Write failed", "error", err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handle decodes one inbound event and hands it to the hub. A non-nil error
// means the hub or the connection is gone and the pump should stop.
func (c *Client) handle(ctx context.Context, raw []byte) error {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.fail(CodeInvalidPayload, "Malformed event")
		return nil
	}

	switch env.Type {
	case EventListenerStatus:
		var p StatusPayload
		if !c.decode(env, &p) {
			return nil
		}
		_, err := c.throttle.Admit(ctx, throttle.PresenceKey(c.ID()), func(ctx context.Context) error {
			return c.Hub.SetListenerStatus(ctx, c, p.Status)
		})
		return c.settle(err)

	case EventChatRequest:
		var p RequestPayload
		if !c.decode(env, &p) {
			return nil
		}
		return c.Hub.SubmitRequest(ctx, c, p.RequestID, p.Note)

	case EventChatCancel:
		return c.Hub.Cancel(ctx, c)

	case EventChatAccept:
		var p AcceptPayload
		if !c.decode(env, &p) {
			return nil
		}
		return c.Hub.Accept(ctx, c, p.SeekerID)

	case EventChatMessage:
		var p MessagePayload
		if !c.decode(env, &p) {
			return nil
		}
		return c.relay(ctx, p)

	case EventChatEnd:
		var p EndPayload
		if !c.decode(env, &p) {
			return nil
		}
		return c.Hub.End(ctx, c, p.RoomID)

	default:
		c.fail(CodeUnknownEvent, fmt.Sprintf("Unknown event %q", env.Type))
		return nil
	}
}

// relay forwards a chat message to the partner through the throttle, so messages
// from one sender leave in the order they were read.
func (c *Client) relay(ctx context.Context, p MessagePayload) error {
	room, err := c.Hub.Route(ctx, c, p.RoomID)
	if err != nil {
		return c.settle(err)
	}

	msg := encode(EventChatMessage, RelayedMessage{
		RoomID:     room.ID,
		Body:       p.Body,
		SenderID:   c.ID(),
		SenderName: c.Participant.DisplayName,
		SenderRole: c.Participant.Role,
		Timestamp:  c.Hub.now(),
	})
	// Membership is checked again at delivery since the room may end while
	// the throttle holds the message.
	_, err = c.throttle.Admit(ctx, throttle.ChatKey(room.ID), func(ctx context.Context) error {
		return c.Hub.Forward(ctx, c, room, msg)
	})
	if errors.Is(err, ErrClientClosed) {
		// The partner's teardown reports the disconnect.
		return nil
	}
	return c.settle(err)
}

// settle reports throttle and protocol failures to the sender and passes fatal
// errors up.
func (c *Client) settle(err error) error {
	var perr *ProtocolError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, throttle.ErrRateLimitExceeded):
		c.fail(CodeRateLimited, "Rate limit exceeded - please wait a moment before trying again")
		return nil
	case errors.As(err, &perr):
		c.fail(perr.Code, perr.Message)
		return nil
	default:
		return err
	}
}

func (c *Client) decode(env Envelope, dst any) bool {
	payload := env.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		c.fail(CodeInvalidPayload, fmt.Sprintf("Malformed %s payload", env.Type))
		return false
	}
	if err := c.validate.Struct(dst); err != nil {
		c.fail(CodeInvalidPayload, fmt.Sprintf("Invalid %s payload", env.Type))
		return false
	}
	return true
}

// fail reports an error to this client only.
func (c *Client) fail(code ErrorCode, message string) {
	c.log.Debug("Protocol error", "code", code)
	c.Hub.metrics.ProtocolError(string(code))
	if err := c.Deliver(encode(EventChatError, ErrorPayload{Message: message, Code: code})); err != nil {
		c.log.Debug("Dropping error event", "error", err)
	}
}
