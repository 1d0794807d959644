// Package throttle keeps outbound publishing under per-channel and global
// rate ceilings. Sends over a ceiling are delayed, not dropped; transport-side
// rejections are retried with exponential backoff up to a fixed ceiling.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"peer-chat/internal/metrics"

	"github.com/benbjohnson/clock"
	"github.com/go-playground/validator/v10"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

var (
	// ErrRateLimited is returned by a transport that refused a send because of its own rate limit.
	ErrRateLimited = errors.New("rate limited by transport")
	// ErrRateLimitExceeded is surfaced to callers once local waiting or retries are exhausted.
	ErrRateLimitExceeded = errors.New("rate-limit-exceeded")
)

const presenceSuffix = ":presence"

// ChatKey is the channel key for chat payloads of a room.
func ChatKey(roomID string) string { return roomID }

// PresenceKey is the channel key for presence updates of a participant.
// The suffix keeps presence traffic out of the chat buckets.
func PresenceKey(participantID string) string { return participantID + presenceSuffix }

func IsRateLimited(err error) bool { return errors.Is(err, ErrRateLimited) }

type Config struct {
	ChannelLimit int           `validate:"min=1"`
	GlobalLimit  int           `validate:"min=1"`
	Window       time.Duration `validate:"gt=0"`
	MinSpacing   time.Duration `validate:"min=0"`
	// WaitJitter bounds the random extra delay added to ceiling waits.
	WaitJitter  time.Duration `validate:"min=0"`
	MaxRetries  int           `validate:"min=0"`
	MaxWaits    int           `validate:"min=1"`
	MaxChannels int           `validate:"min=1"`
	Backoff     Policy
}

func DefaultConfig() Config {
	return Config{
		ChannelLimit: 30,
		GlobalLimit:  90,
		Window:       time.Second,
		MinSpacing:   20 * time.Millisecond,
		WaitJitter:   50 * time.Millisecond,
		MaxRetries:   5,
		MaxWaits:     100,
		MaxChannels:  4096,
		Backoff:      DefaultPolicy(),
	}
}

type SendFunc func(ctx context.Context) error

type SendResult struct {
	Attempts   int
	Rejections int
	Waited     time.Duration
}

type window struct {
	count      int
	start      time.Time
	rejections int
}

func (w *window) roll(now time.Time, size time.Duration) {
	if now.Sub(w.start) >= size {
		w.count = 0
		w.start = now
	}
}

func (w *window) remaining(now time.Time, size time.Duration) time.Duration {
	return max(w.start.Add(size).Sub(now), 0)
}

// Controller is safe for concurrent use. Waiting happens in the calling
// goroutine only.
type Controller struct {
	cfg     Config
	clock   clock.Clock
	sleep   SleepFunc
	rand    func() float64
	log     *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	channels *lru.Cache[string, *window]
	global   window
	spacing  *rate.Limiter
}

type Option func(*Controller)

func WithClock(clk clock.Clock) Option { return func(c *Controller) { c.clock = clk } }

func WithSleep(fn SleepFunc) Option { return func(c *Controller) { c.sleep = fn } }

// WithRand replaces the jitter source; fn must return values in [0,1).
func WithRand(fn func() float64) Option { return func(c *Controller) { c.rand = fn } }

func WithMetrics(m *metrics.Metrics) Option { return func(c *Controller) { c.metrics = m } }

func New(cfg Config, log *slog.Logger, opts ...Option) (*Controller, error) {
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid throttle config: %w", err)
	}
	cfg.Backoff = cfg.Backoff.normalize()

	channels, err := lru.New[string, *window](cfg.MaxChannels)
	if err != nil {
		return nil, err
	}
	c := &Controller{
		cfg:      cfg,
		clock:    clock.New(),
		rand:     rand.Float64,
		log:      log,
		channels: channels,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sleep == nil {
		c.sleep = ClockSleep(c.clock)
	}
	c.spacing = rate.NewLimiter(rate.Every(cfg.MinSpacing), 1)
	return c, nil
}

// Admit hands payload delivery to send once the channel and global windows
// allow it. It blocks the caller while waiting and returns ErrRateLimitExceeded
// when the transport keeps rejecting or the ceiling never frees up.
func (c *Controller) Admit(ctx context.Context, key string, send SendFunc) (SendResult, error) {
	var res SendResult

	attempt := func(ctx context.Context) error {
		for waits := 0; ; waits++ {
			wait, reason := c.reserve(key)
			if wait == 0 {
				break
			}
			if waits >= c.cfg.MaxWaits {
				return fmt.Errorf("%w: channel %s saturated after %d waits", ErrRateLimitExceeded, key, waits)
			}
			c.log.Debug("Delaying send", "channel", key, "reason", reason, "wait", wait)
			c.metrics.Wait(reason, wait)
			if err := c.sleep(ctx, wait); err != nil {
				return err
			}
			res.Waited += wait
		}

		res.Attempts++
		err := send(ctx)
		switch {
		case err == nil:
			c.succeeded(key)
		case IsRateLimited(err):
			res.Rejections++
			c.rejected(key)
		}
		return err
	}

	backoff := func(retry int) time.Duration {
		d := c.backoff(key)
		c.log.Warn("Transport rate limit, backing off", "channel", key, "retry", retry, "wait", d)
		c.metrics.Wait("backoff", d)
		res.Waited += d
		return d
	}

	err := Retry(ctx, c.cfg.MaxRetries, c.sleep, backoff, IsRateLimited, attempt)
	switch {
	case err == nil:
		c.metrics.Send("sent")
		return res, nil
	case errors.Is(err, ErrRetriesExhausted):
		c.metrics.Send("exhausted")
		c.log.Error("Giving up on send", "channel", key, "rejections", res.Rejections)
		return res, fmt.Errorf("%w: %w", ErrRateLimitExceeded, err)
	case errors.Is(err, ErrRateLimitExceeded):
		c.metrics.Send("saturated")
		return res, err
	default:
		c.metrics.Send("failed")
		return res, err
	}
}

// reserve claims a slot on key, or returns how long to wait before checking again.
func (c *Controller) reserve(key string) (time.Duration, string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	ch := c.channel(key, now)
	ch.roll(now, c.cfg.Window)
	c.global.roll(now, c.cfg.Window)

	var wait time.Duration
	reason := ""
	if ch.count >= c.cfg.ChannelLimit {
		wait, reason = ch.remaining(now, c.cfg.Window), "channel"
	}
	if c.global.count >= c.cfg.GlobalLimit {
		wait = max(wait, c.global.remaining(now, c.cfg.Window))
		if reason == "" {
			reason = "global"
		}
	}
	if reason != "" {
		if ch.rejections > 0 {
			wait = max(wait, c.cfg.Backoff.Delay(ch.rejections-1))
		}
		return wait + time.Duration(c.rand()*float64(c.cfg.WaitJitter)), reason
	}

	r := c.spacing.ReserveN(now, 1)
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return d, "spacing"
	}
	ch.count++
	c.global.count++
	return 0, ""
}

func (c *Controller) channel(key string, now time.Time) *window {
	w, ok := c.channels.Get(key)
	if !ok {
		w = &window{start: now}
		c.channels.Add(key, w)
	}
	return w
}

func (c *Controller) succeeded(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channel(key, c.clock.Now()).rejections = 0
}

func (c *Controller) rejected(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channel(key, c.clock.Now()).rejections++
}

func (c *Controller) backoff(key string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.channel(key, c.clock.Now()).rejections
	return c.cfg.Backoff.Jittered(max(n-1, 0), c.rand())
}
