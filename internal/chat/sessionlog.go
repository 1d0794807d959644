package chat

import (
	"context"
	"encoding/hex"
	"log/slog"
	"time"

	"peer-chat/internal/metrics"

	"golang.org/x/crypto/blake2b"
)

// SessionStore persists room lifecycle rows.
type SessionStore interface {
	SaveStart(ctx context.Context, e SessionEvent) error
	SaveClose(ctx context.Context, e SessionEvent) error
}

// EventMirror fans lifecycle events out to other processes.
type EventMirror interface {
	Publish(ctx context.Context, e SessionEvent) error
}

// Pseudonymizer maps seeker and room identifiers to stable keyed hashes so the
// ledger can correlate sessions without storing who the seeker was.
type Pseudonymizer struct {
	key [32]byte
}

func NewPseudonymizer(secret string) Pseudonymizer {
	return Pseudonymizer{key: blake2b.Sum256([]byte("peer-chat/ledger:" + secret))}
}

func (p Pseudonymizer) Ref(id string) string {
	if id == "" {
		return ""
	}
	h, _ := blake2b.New256(p.key[:]) // 32-byte key is always valid
	h.Write([]byte(id))
	return hex.EncodeToString(h.Sum(nil))
}

func (p Pseudonymizer) apply(e SessionEvent) SessionEvent {
	e.RoomID = p.Ref(e.RoomID)
	e.SeekerID = p.Ref(e.SeekerID)
	if e.EndedBy != "" && e.EndedBy != e.ListenerID {
		e.EndedBy = p.Ref(e.EndedBy)
	}
	return e
}

// SessionLog is the hub's Recorder. Record never blocks: events queue on a
// bounded buffer and a single worker writes them to the sinks.
type SessionLog struct {
	events  chan SessionEvent
	store   SessionStore
	mirror  EventMirror
	refs    Pseudonymizer
	timeout time.Duration
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewSessionLog wires the optional sinks; pass nil for a sink that is not configured.
func NewSessionLog(log *slog.Logger, store SessionStore, mirror EventMirror, refs Pseudonymizer, buffer int, m *metrics.Metrics) *SessionLog {
	return &SessionLog{
		events:  make(chan SessionEvent, buffer),
		store:   store,
		mirror:  mirror,
		refs:    refs,
		timeout: 5 * time.Second,
		log:     log,
		metrics: m,
	}
}

func (s *SessionLog) Record(e SessionEvent) {
	select {
	case s.events <- e:
	default:
		s.log.Warn("Session ledger buffer full, dropping event", "kind", e.Kind)
		s.metrics.LedgerDrop()
	}
}

// Run writes events until ctx is cancelled, then flushes what is still queued.
func (s *SessionLog) Run(ctx context.Context) error {
	for {
		select {
		case e := <-s.events:
			s.write(ctx, e)
		case <-ctx.Done():
			s.flush()
			return nil
		}
	}
}

func (s *SessionLog) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	for {
		select {
		case e := <-s.events:
			s.write(ctx, e)
		default:
			return
		}
	}
}

func (s *SessionLog) write(ctx context.Context, e SessionEvent) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	e = s.refs.apply(e)
	if e.Kind != AvailabilityChanged {
		s.log.Info("Session event", "kind", e.Kind, "room", e.RoomID, "listener", e.ListenerID)
	}

	if s.store != nil {
		var err error
		switch e.Kind {
		case SessionStarted:
			err = s.store.SaveStart(ctx, e)
		case SessionEnded, SessionAbandoned:
			err = s.store.SaveClose(ctx, e)
		}
		if err != nil {
			s.log.Error("Saving session failed", "kind", e.Kind, "room", e.RoomID, "error", err)
		}
	}
	if s.mirror != nil {
		if err := s.mirror.Publish(ctx, e); err != nil {
			s.log.Error("Mirroring session event failed", "kind", e.Kind, "error", err)
		}
	}
}
