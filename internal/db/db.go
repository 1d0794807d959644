package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"peer-chat/internal/throttle"

	"github.com/benbjohnson/clock"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const connectRetries = 5

type Database struct {
	Conn *sql.DB
}

// NewDatabase opens a pgx pool and waits for Postgres to answer, backing off
// between pings so the broker can start alongside the database container.
func NewDatabase(ctx context.Context, dsn string, log *slog.Logger) (*Database, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	policy := throttle.Policy{Base: 250 * time.Millisecond, Max: 4 * time.Second}
	ping := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return conn.PingContext(ctx)
	}
	backoff := func(retry int) time.Duration {
		d := policy.Delay(retry - 1)
		log.Warn("Database not ready, retrying", "retry", retry, "wait", d)
		return d
	}
	retryable := func(err error) bool { return ctx.Err() == nil }
	if err := throttle.Retry(ctx, connectRetries, throttle.ClockSleep(clock.New()), backoff, retryable, ping); err != nil {
		conn.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(25)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return &Database{Conn: conn}, nil
}

func (d *Database) AutoMigrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS chat_sessions (
            id BIGSERIAL PRIMARY KEY,
            room_ref CHAR(64) NOT NULL,
            seeker_ref CHAR(64) NOT NULL,
            listener_id VARCHAR(255) NOT NULL,
            request_id VARCHAR(128) NOT NULL DEFAULT '',
            started_at TIMESTAMPTZ NOT NULL,
            ended_at TIMESTAMPTZ,
            end_reason VARCHAR(16) CHECK (end_reason IN ('ended', 'abandoned')),
            ended_by_role VARCHAR(16),
            UNIQUE (room_ref, started_at)
        )`,

		`CREATE INDEX IF NOT EXISTS chat_sessions_listener_idx
            ON chat_sessions (listener_id, started_at DESC)`,
	}

	for _, query := range queries {
		_, err := d.Conn.ExecContext(ctx, query)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

func (d *Database) Close() error {
	return d.Conn.Close()
}
