package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"peer-chat/internal/chat"
	"peer-chat/internal/identity"

	"github.com/Netflix/go-env"
	"github.com/gorilla/websocket"
	"github.com/mama165/sdk-go/logs"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	BaseURL     string        `env:"LOADTEST_BASE_URL,default=http://localhost:8080"`
	WSURL       string        `env:"LOADTEST_WS_URL,default=ws://localhost:8080/ws"`
	JWTSecret   string        `env:"JWT_SECRET"`
	Pairs       int           `env:"LOADTEST_PAIRS,default=50"`
	Messages    int           `env:"LOADTEST_MESSAGES,default=20"` // Messages per participant
	Interval    time.Duration `env:"LOADTEST_INTERVAL,default=10ms"`
	Timeout     time.Duration `env:"LOADTEST_TIMEOUT,default=60s"`
	RedisAddr   string        `env:"REDIS_ADDR"`
	RedisPrefix string        `env:"REDIS_PREFIX,default=peer-chat"`
	LogLevel    string        `env:"LOG_LEVEL,default=INFO"`
}

// idleTimeout ends a room's receive loop when the partner's remaining messages were rejected.
const idleTimeout = 2 * time.Second

type stats struct {
	sent        atomic.Int64
	received    atomic.Int64
	rateLimited atomic.Int64
	sessions    atomic.Int64
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if cfg.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is not set")
	}
	log := logs.GetLoggerFromString(cfg.LogLevel)
	guard := identity.NewGuard(cfg.JWTSecret)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	var st stats
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		events, err := chat.NewRedisMirror(rdb, cfg.RedisPrefix).Subscribe(ctx)
		if err != nil {
			return fmt.Errorf("redis subscribe failed: %w", err)
		}
		go func() {
			for e := range events {
				if e.Kind == chat.SessionStarted {
					st.sessions.Add(1)
				}
			}
		}()
	}

	log.Info("Starting load test", "pairs", cfg.Pairs, "messages", cfg.Messages)
	start := time.Now()

	var (
		mu       sync.Mutex
		failures error
	)
	var g errgroup.Group
	for i := 0; i < cfg.Pairs; i++ {
		g.Go(func() error {
			if err := runPair(ctx, cfg, guard, &st, i); err != nil {
				log.Warn("Pair failed", "pair", i, "error", err)
				mu.Lock()
				failures = multierr.Append(failures, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	availability, err := fetchAvailability(ctx, cfg, guard)
	if err != nil {
		log.Warn("Availability check failed", "error", err)
	}

	log.Info("Load test complete",
		"elapsed", time.Since(start),
		"failedPairs", len(multierr.Errors(failures)),
		"sent", st.sent.Load(),
		"received", st.received.Load(),
		"rateLimited", st.rateLimited.Load(),
		"sessionsMirrored", st.sessions.Load(),
		slog.Any("availability", availability),
	)
	return nil
}

// participant is one side of a pair with its socket and inbound event stream.
type participant struct {
	conn   *websocket.Conn
	events chan chat.Envelope
}

func connect(ctx context.Context, cfg Config, guard *identity.Guard, p identity.Participant) (*participant, error) {
	token, err := guard.Sign(p, time.Hour)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.WSURL+"?token="+url.QueryEscape(token), nil)
	if err != nil {
		return nil, fmt.Errorf("ws connect %s: %w", p.ID, err)
	}
	pt := &participant{conn: conn, events: make(chan chat.Envelope, 256)}
	go func() {
		defer close(pt.events)
		for {
			var env chat.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			pt.events <- env
		}
	}()
	return pt, nil
}

func (p *participant) send(eventType string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return p.conn.WriteJSON(chat.Envelope{Type: eventType, Payload: body})
}

// await skips events until match accepts one.
func (p *participant) await(ctx context.Context, match func(chat.Envelope) bool) (chat.Envelope, error) {
	for {
		select {
		case env, ok := <-p.events:
			if !ok {
				return chat.Envelope{}, fmt.Errorf("connection closed")
			}
			if match(env) {
				return env, nil
			}
		case <-ctx.Done():
			return chat.Envelope{}, ctx.Err()
		}
	}
}

func ofType(eventType string) func(chat.Envelope) bool {
	return func(env chat.Envelope) bool { return env.Type == eventType }
}

func runPair(ctx context.Context, cfg Config, guard *identity.Guard, st *stats, pairID int) error {
	listenerID := fmt.Sprintf("lt_%d_listener", pairID)
	seekerID := fmt.Sprintf("lt_%d_seeker", pairID)

	l, err := connect(ctx, cfg, guard, identity.Participant{ID: listenerID, Role: identity.RoleListener, DisplayName: listenerID})
	if err != nil {
		return err
	}
	defer l.conn.Close()
	s, err := connect(ctx, cfg, guard, identity.Participant{ID: seekerID, Role: identity.RoleSeeker, DisplayName: seekerID})
	if err != nil {
		return err
	}
	defer s.conn.Close()

	if err := l.send(chat.EventListenerStatus, chat.StatusPayload{Status: chat.StatusOnline}); err != nil {
		return err
	}
	if err := s.send(chat.EventChatRequest, chat.RequestPayload{RequestID: fmt.Sprintf("lt-%d", pairID)}); err != nil {
		return err
	}

	// Every listener sees every request; accept only our own seeker.
	if _, err := l.await(ctx, func(env chat.Envelope) bool {
		var p chat.NewRequestPayload
		return env.Type == chat.EventNewRequest && json.Unmarshal(env.Payload, &p) == nil && p.SeekerID == seekerID
	}); err != nil {
		return fmt.Errorf("waiting for request: %w", err)
	}
	if err := l.send(chat.EventChatAccept, chat.AcceptPayload{SeekerID: seekerID}); err != nil {
		return err
	}
	env, err := s.await(ctx, ofType(chat.EventChatStarted))
	if err != nil {
		return fmt.Errorf("waiting for room: %w", err)
	}
	var started chat.StartedPayload
	if err := json.Unmarshal(env.Payload, &started); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, side := range []*participant{l, s} {
		g.Go(func() error { return chatter(gctx, cfg, st, side, started.RoomID) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := s.send(chat.EventChatEnd, chat.EndPayload{RoomID: started.RoomID}); err != nil {
		return err
	}
	_, err = l.await(ctx, ofType(chat.EventChatEnded))
	return err
}

// chatter sends cfg.Messages messages and counts what arrives from the partner
// until it has them all or the room goes quiet.
func chatter(ctx context.Context, cfg Config, st *stats, p *participant, roomID string) error {
	errc := make(chan error, 1)
	go func() {
		for i := 0; i < cfg.Messages; i++ {
			if err := p.send(chat.EventChatMessage, chat.MessagePayload{RoomID: roomID, Body: fmt.Sprintf("LoadTest Msg %d", i)}); err != nil {
				errc <- err
				return
			}
			st.sent.Add(1)
			time.Sleep(cfg.Interval)
		}
		errc <- nil
	}()

	for received := 0; received < cfg.Messages; {
		idleCtx, cancel := context.WithTimeout(ctx, idleTimeout)
		env, err := p.await(idleCtx, func(env chat.Envelope) bool {
			return env.Type == chat.EventChatMessage || env.Type == chat.EventChatError
		})
		cancel()
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			break
		}
		if err != nil {
			return err
		}
		if env.Type == chat.EventChatError {
			st.rateLimited.Add(1)
			continue
		}
		st.received.Add(1)
		received++
	}
	return <-errc
}

func fetchAvailability(ctx context.Context, cfg Config, guard *identity.Guard) (chat.Stats, error) {
	var out chat.Stats
	token, err := guard.Sign(identity.Participant{ID: "lt_observer", Role: identity.RoleSeeker}, time.Minute)
	if err != nil {
		return out, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.BaseURL+"/api/availability", nil)
	if err != nil {
		return out, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return out, fmt.Errorf("availability: status %d", resp.StatusCode)
	}
	return out, json.NewDecoder(resp.Body).Decode(&out)
}
