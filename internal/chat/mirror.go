package chat

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

// RedisMirror publishes lifecycle events so dashboards and other instances can
// follow the broker without touching its state.
type RedisMirror struct {
	redis  *redis.Client
	prefix string
}

func NewRedisMirror(client *redis.Client, prefix string) *RedisMirror {
	return &RedisMirror{redis: client, prefix: prefix}
}

func (m *RedisMirror) Channel() string { return m.prefix + ":sessions" }
func (m *RedisMirror) AvailabilityKey() string { return m.prefix + ":available_listeners" }

func (m *RedisMirror) Publish(ctx context.Context, e SessionEvent) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	pipe := m.redis.TxPipeline()
	if e.Kind == AvailabilityChanged {
		pipe.Set(ctx, m.AvailabilityKey(), e.Count, 0)
	}
	pipe.Publish(ctx, m.Channel(), payload)
	_, err = pipe.Exec(ctx)
	return err
}

// Subscribe streams mirrored events until ctx is cancelled.
func (m *RedisMirror) Subscribe(ctx context.Context) (<-chan SessionEvent, error) {
	pubsub := m.redis.Subscribe(ctx, m.Channel())
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	out := make(chan SessionEvent)
	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var e SessionEvent
				if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
					continue
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
