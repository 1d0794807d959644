package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	req := require.New(t)
	t.Setenv("JWT_SECRET", "0123456789abcdef-secret")

	cfg, err := Load()
	req.NoError(err)
	req.Equal(":8080", cfg.Addr)
	req.Equal(256, cfg.SendBuffer)

	tc := cfg.Throttle()
	req.Equal(30, tc.ChannelLimit)
	req.Equal(90, tc.GlobalLimit)
	req.Equal(time.Second, tc.Window)
	req.Equal(20*time.Millisecond, tc.MinSpacing)
	req.Equal(150*time.Millisecond, tc.Backoff.Base)
	req.Equal(7*time.Second, tc.Backoff.Max)
	req.Equal(5, tc.MaxRetries)
}

func TestLoad_Overrides(t *testing.T) {
	req := require.New(t)
	t.Setenv("JWT_SECRET", "0123456789abcdef-secret")
	t.Setenv("THROTTLE_CHANNEL_LIMIT", "10")
	t.Setenv("THROTTLE_WINDOW", "2s")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example,")

	cfg, err := Load()
	req.NoError(err)
	req.Equal(10, cfg.Throttle().ChannelLimit)
	req.Equal(2*time.Second, cfg.Throttle().Window)
	req.Equal([]string{"https://a.example", "https://b.example"}, cfg.Origins())
}

func TestLoad_RequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	_, err := Load()
	require.Error(t, err)
}
