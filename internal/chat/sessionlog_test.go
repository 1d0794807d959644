package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"peer-chat/internal/identity"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu      sync.Mutex
	started []SessionEvent
	closed  []SessionEvent
	err     error
}

func (f *fakeStore) SaveStart(_ context.Context, e SessionEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, e)
	return f.err
}

func (f *fakeStore) SaveClose(_ context.Context, e SessionEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, e)
	return f.err
}

type fakeMirror struct {
	mu     sync.Mutex
	events []SessionEvent
}

func (f *fakeMirror) Publish(_ context.Context, e SessionEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func TestPseudonymizer_StableAndKeyed(t *testing.T) {
	req := require.New(t)
	a := NewPseudonymizer("secret-one-0123456789")
	b := NewPseudonymizer("secret-two-0123456789")

	req.Equal(a.Ref("seeker-1"), a.Ref("seeker-1"))
	req.NotEqual(a.Ref("seeker-1"), a.Ref("seeker-2"))
	req.NotEqual(a.Ref("seeker-1"), b.Ref("seeker-1"))
	req.Len(a.Ref("seeker-1"), 64)
	req.Empty(a.Ref(""))
}

func TestSessionLog_WritesPseudonymizedEvents(t *testing.T) {
	req := require.New(t)
	store := &fakeStore{}
	mirror := &fakeMirror{}
	refs := NewPseudonymizer("ledger-secret-0123456789")
	ledger := NewSessionLog(logs.GetLoggerFromLevel(slog.LevelDebug), store, mirror, refs, 16, nil)

	started := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	ledger.Record(SessionEvent{Kind: SessionStarted, RoomID: "chat_S_L", SeekerID: "S", ListenerID: "L", StartedAt: started, At: started})
	ledger.Record(SessionEvent{Kind: SessionAbandoned, RoomID: "chat_S_L", SeekerID: "S", ListenerID: "L",
		EndedBy: "S", EndedByRole: identity.RoleSeeker, StartedAt: started, At: started.Add(time.Minute)})
	ledger.Record(SessionEvent{Kind: AvailabilityChanged, Count: 3, At: started})

	// Cancelling before Run starts still flushes the queue.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req.NoError(ledger.Run(ctx))

	req.Len(store.started, 1)
	req.Len(store.closed, 1)
	req.Equal(refs.Ref("chat_S_L"), store.started[0].RoomID)
	req.Equal(refs.Ref("S"), store.started[0].SeekerID)
	req.Equal("L", store.started[0].ListenerID)
	req.Equal(refs.Ref("S"), store.closed[0].EndedBy)
	req.Equal(SessionAbandoned, store.closed[0].Kind)

	req.Len(mirror.events, 3)
	req.Equal(3, mirror.events[2].Count)
	for _, e := range mirror.events {
		req.NotEqual("S", e.SeekerID)
	}
}

func TestSessionLog_ListenerEndingKeepsListenerID(t *testing.T) {
	store := &fakeStore{}
	ledger := NewSessionLog(logs.GetLoggerFromLevel(slog.LevelDebug), store, nil, NewPseudonymizer("k-0123456789abcdef"), 4, nil)
	ledger.Record(SessionEvent{Kind: SessionEnded, RoomID: "r", SeekerID: "S", ListenerID: "L", EndedBy: "L", EndedByRole: identity.RoleListener})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, ledger.Run(ctx))
	require.Equal(t, "L", store.closed[0].EndedBy)
}

func TestSessionLog_DropsWhenFull(t *testing.T) {
	store := &fakeStore{}
	ledger := NewSessionLog(logs.GetLoggerFromLevel(slog.LevelDebug), store, nil, NewPseudonymizer("k-0123456789abcdef"), 1, nil)

	done := make(chan struct{})
	go func() {
		ledger.Record(SessionEvent{Kind: SessionStarted, RoomID: "a"})
		ledger.Record(SessionEvent{Kind: SessionStarted, RoomID: "b"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full buffer")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, ledger.Run(ctx))
	require.Len(t, store.started, 1)
}

func TestSessionLog_StoreErrorsDoNotStopTheWorker(t *testing.T) {
	store := &fakeStore{err: errors.New("db down")}
	mirror := &fakeMirror{}
	ledger := NewSessionLog(logs.GetLoggerFromLevel(slog.LevelDebug), store, mirror, NewPseudonymizer("k-0123456789abcdef"), 4, nil)
	ledger.Record(SessionEvent{Kind: SessionStarted, RoomID: "a"})
	ledger.Record(SessionEvent{Kind: SessionEnded, RoomID: "a"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, ledger.Run(ctx))
	require.Len(t, mirror.events, 2)
}
