package throttle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

// fakeTime advances a mock clock instead of blocking, recording every wait.
type fakeTime struct {
	mu    sync.Mutex
	clock *clock.Mock
	waits []time.Duration
}

func newFakeTime() *fakeTime {
	return &fakeTime{clock: clock.NewMock()}
}

func (f *fakeTime) sleep(ctx context.Context, d time.Duration) error {
	f.mu.Lock()
	f.waits = append(f.waits, d)
	f.mu.Unlock()
	f.clock.Add(d)
	return ctx.Err()
}

func (f *fakeTime) recorded() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.waits...)
}

func newTestController(t *testing.T, cfg Config, ft *fakeTime) *Controller {
	t.Helper()
	c, err := New(cfg, logs.GetLoggerFromLevel(slog.LevelDebug),
		WithClock(ft.clock),
		WithSleep(ft.sleep),
		WithRand(func() float64 { return 0.5 }),
	)
	require.NoError(t, err)
	return c
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ChannelLimit = 3
	cfg.GlobalLimit = 100
	cfg.Window = time.Second
	cfg.MinSpacing = 0
	cfg.WaitJitter = 0
	cfg.MaxRetries = 3
	cfg.Backoff = Policy{Base: 100 * time.Millisecond, Max: 400 * time.Millisecond, Jitter: 0.2}
	return cfg
}

func TestController_ExtraSendWaitsForWindowRollover(t *testing.T) {
	req := require.New(t)
	ft := newFakeTime()
	c := newTestController(t, testConfig(), ft)
	start := ft.clock.Now()

	var sentAt []time.Time
	send := func(context.Context) error {
		sentAt = append(sentAt, ft.clock.Now())
		return nil
	}

	// Given a ceiling of 3 sends per window
	// When 4 sends are admitted back to back
	for i := 0; i < 4; i++ {
		res, err := c.Admit(context.Background(), ChatKey("room"), send)
		req.NoError(err)
		req.Equal(1, res.Attempts)
	}

	// Then the first three go out immediately
	// And the fourth is delayed until the window rolls over, not dropped
	req.Len(sentAt, 4)
	for _, at := range sentAt[:3] {
		req.Equal(start, at)
	}
	req.False(sentAt[3].Before(start.Add(time.Second)))
	req.Equal([]time.Duration{time.Second}, ft.recorded())
}

func TestController_GlobalCeilingAppliesAcrossChannels(t *testing.T) {
	req := require.New(t)
	ft := newFakeTime()
	cfg := testConfig()
	cfg.GlobalLimit = 2
	c := newTestController(t, cfg, ft)
	noop := func(context.Context) error { return nil }

	_, err := c.Admit(context.Background(), "a", noop)
	req.NoError(err)
	_, err = c.Admit(context.Background(), "b", noop)
	req.NoError(err)

	res, err := c.Admit(context.Background(), "c", noop)
	req.NoError(err)
	req.Equal(time.Second, res.Waited)
}

func TestController_PresenceAndChatKeysDoNotShareBuckets(t *testing.T) {
	req := require.New(t)
	ft := newFakeTime()
	c := newTestController(t, testConfig(), ft)
	noop := func(context.Context) error { return nil }

	for i := 0; i < 3; i++ {
		_, err := c.Admit(context.Background(), ChatKey("chat_S_L"), noop)
		req.NoError(err)
	}
	res, err := c.Admit(context.Background(), PresenceKey("L"), noop)
	req.NoError(err)
	req.Zero(res.Waited)
	req.NotEqual(ChatKey("L"), PresenceKey("L"))
}

func TestController_MinimumSpacing(t *testing.T) {
	req := require.New(t)
	ft := newFakeTime()
	cfg := testConfig()
	cfg.MinSpacing = 20 * time.Millisecond
	c := newTestController(t, cfg, ft)
	noop := func(context.Context) error { return nil }

	_, err := c.Admit(context.Background(), "a", noop)
	req.NoError(err)
	res, err := c.Admit(context.Background(), "b", noop)
	req.NoError(err)
	req.Equal(20*time.Millisecond, res.Waited)
}

func TestController_TransportRejectionsBackOffThenSucceed(t *testing.T) {
	req := require.New(t)
	ft := newFakeTime()
	cfg := testConfig()
	cfg.ChannelLimit = 100
	c := newTestController(t, cfg, ft)

	calls := 0
	res, err := c.Admit(context.Background(), "room", func(context.Context) error {
		calls++
		if calls <= 2 {
			return ErrRateLimited
		}
		return nil
	})
	req.NoError(err)
	req.Equal(3, res.Attempts)
	req.Equal(2, res.Rejections)
	req.Equal([]time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, ft.recorded())

	// A success resets the consecutive rejection count.
	ft.waits = nil
	calls = 0
	_, err = c.Admit(context.Background(), "room", func(context.Context) error {
		calls++
		if calls == 1 {
			return ErrRateLimited
		}
		return nil
	})
	req.NoError(err)
	req.Equal([]time.Duration{100 * time.Millisecond}, ft.recorded())
}

func TestController_BackoffIsMonotonicAndCappedUntilExhausted(t *testing.T) {
	req := require.New(t)
	ft := newFakeTime()
	cfg := testConfig()
	cfg.ChannelLimit = 100
	cfg.MaxRetries = 6
	c := newTestController(t, cfg, ft)

	res, err := c.Admit(context.Background(), "room", func(context.Context) error { return ErrRateLimited })
	req.ErrorIs(err, ErrRateLimitExceeded)
	req.ErrorIs(err, ErrRateLimited)
	req.Equal(7, res.Attempts)

	waits := ft.recorded()
	req.Len(waits, 6)
	for i := 1; i < len(waits); i++ {
		req.GreaterOrEqual(waits[i], waits[i-1])
	}
	for _, w := range waits {
		req.LessOrEqual(w, cfg.Backoff.Max)
	}
	req.Equal(cfg.Backoff.Max, waits[len(waits)-1])
}

func TestController_RejectionsStretchCeilingWaits(t *testing.T) {
	req := require.New(t)
	ft := newFakeTime()
	cfg := testConfig()
	cfg.ChannelLimit = 1
	cfg.MaxRetries = 0
	cfg.Backoff = Policy{Base: 3 * time.Second, Max: 10 * time.Second}
	c := newTestController(t, cfg, ft)

	// A rejected send uses the slot and leaves one consecutive rejection behind.
	_, err := c.Admit(context.Background(), "room", func(context.Context) error { return ErrRateLimited })
	req.ErrorIs(err, ErrRateLimitExceeded)

	// The next send waits for the longer of window remainder and backoff.
	res, err := c.Admit(context.Background(), "room", func(context.Context) error { return nil })
	req.NoError(err)
	req.Equal(3*time.Second, res.Waited)
}

func TestController_OtherErrorsAreNotRetried(t *testing.T) {
	req := require.New(t)
	ft := newFakeTime()
	c := newTestController(t, testConfig(), ft)
	closed := errors.New("connection closed")

	res, err := c.Admit(context.Background(), "room", func(context.Context) error { return closed })
	req.ErrorIs(err, closed)
	req.NotErrorIs(err, ErrRateLimitExceeded)
	req.Equal(1, res.Attempts)
	req.Empty(ft.recorded())
}

func TestController_SaturationIsBounded(t *testing.T) {
	req := require.New(t)
	ft := newFakeTime()
	cfg := testConfig()
	cfg.MaxWaits = 1
	c := newTestController(t, cfg, ft)

	// Pin the clock so the window never rolls over.
	c.sleep = func(context.Context, time.Duration) error { return nil }
	noop := func(context.Context) error { return nil }
	for i := 0; i < 3; i++ {
		_, err := c.Admit(context.Background(), "room", noop)
		req.NoError(err)
	}
	_, err := c.Admit(context.Background(), "room", noop)
	req.ErrorIs(err, ErrRateLimitExceeded)
}

func TestController_CancelledWhileWaiting(t *testing.T) {
	req := require.New(t)
	mock := clock.NewMock()
	cfg := testConfig()
	cfg.ChannelLimit = 1
	c, err := New(cfg, logs.GetLoggerFromLevel(slog.LevelDebug), WithClock(mock))
	req.NoError(err)
	noop := func(context.Context) error { return nil }

	_, err = c.Admit(context.Background(), "room", noop)
	req.NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Admit(ctx, "room", noop)
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		req.ErrorIs(err, context.Canceled)
	case <-time.After(time.Second):
		req.Fail("admit did not observe cancellation")
	}
}

func TestController_ConcurrentSendersShareOneChannel(t *testing.T) {
	req := require.New(t)
	ft := newFakeTime()
	cfg := testConfig()
	cfg.ChannelLimit = 5
	cfg.MaxWaits = 1000
	c := newTestController(t, cfg, ft)

	var mu sync.Mutex
	perWindow := map[int64]int{}
	send := func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		perWindow[ft.clock.Now().UnixNano()/int64(time.Second)]++
		return nil
	}

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Admit(context.Background(), "room", send)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		req.NoError(err)
	}
	total := 0
	for _, n := range perWindow {
		total += n
	}
	req.Equal(40, total)
}
