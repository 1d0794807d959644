package config

import (
	"fmt"
	"strings"
	"time"

	"peer-chat/internal/throttle"

	"github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
)

type Config struct {
	Addr           string `env:"ADDR,default=:8080" validate:"required"`
	JWTSecret      string `env:"JWT_SECRET" validate:"required,min=16"`
	AllowedOrigins string `env:"ALLOWED_ORIGINS"`
	LogLevel       string `env:"LOG_LEVEL,default=INFO" validate:"oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Ledger sinks are optional; without them session events are only logged.
	DBDSN       string `env:"DB_DSN"`
	RedisAddr   string `env:"REDIS_ADDR"`
	RedisPrefix string `env:"REDIS_PREFIX,default=peer-chat"`

	SendBuffer      int           `env:"SEND_BUFFER,default=256" validate:"min=1"`
	MaxMessageSize  int           `env:"MAX_MESSAGE_SIZE,default=4096" validate:"min=512"`
	LedgerBuffer    int           `env:"LEDGER_BUFFER,default=1024" validate:"min=1"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`

	ThrottleChannelLimit int           `env:"THROTTLE_CHANNEL_LIMIT,default=30" validate:"min=1"`
	ThrottleGlobalLimit  int           `env:"THROTTLE_GLOBAL_LIMIT,default=90" validate:"min=1"`
	ThrottleWindow       time.Duration `env:"THROTTLE_WINDOW,default=1s"`
	ThrottleMinSpacing   time.Duration `env:"THROTTLE_MIN_SPACING,default=20ms"`
	ThrottleWaitJitter   time.Duration `env:"THROTTLE_WAIT_JITTER,default=50ms"`
	ThrottleBaseBackoff  time.Duration `env:"THROTTLE_BASE_BACKOFF,default=150ms"`
	ThrottleMaxBackoff   time.Duration `env:"THROTTLE_MAX_BACKOFF,default=7s"`
	ThrottleMaxRetries   int           `env:"THROTTLE_MAX_RETRIES,default=5" validate:"min=0"`
	ThrottleMaxWaits     int           `env:"THROTTLE_MAX_WAITS,default=100" validate:"min=1"`
	ThrottleMaxChannels  int           `env:"THROTTLE_MAX_CHANNELS,default=4096" validate:"min=1"`
}

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}
	return cfg, nil
}

// Origins splits ALLOWED_ORIGINS on commas.
func (c Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func (c Config) Throttle() throttle.Config {
	return throttle.Config{
		ChannelLimit: c.ThrottleChannelLimit,
		GlobalLimit:  c.ThrottleGlobalLimit,
		Window:       c.ThrottleWindow,
		MinSpacing:   c.ThrottleMinSpacing,
		WaitJitter:   c.ThrottleWaitJitter,
		MaxRetries:   c.ThrottleMaxRetries,
		MaxWaits:     c.ThrottleMaxWaits,
		MaxChannels:  c.ThrottleMaxChannels,
		Backoff: throttle.Policy{
			Base:   c.ThrottleBaseBackoff,
			Max:    c.ThrottleMaxBackoff,
			Jitter: 0.2,
		},
	}
}
