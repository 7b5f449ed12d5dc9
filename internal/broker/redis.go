package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/sensorgrid/ingest/internal/core"
)

const readingsChannel = "ingest:readings"

// RedisBroker publishes readings on a Redis Pub/Sub channel for the
// prediction service running in another process.
type RedisBroker struct {
	rdb *redis.Client

	mu     sync.Mutex
	pubsub []*redis.PubSub
}

func NewRedisBroker(rdb *redis.Client) *RedisBroker {
	return &RedisBroker{rdb: rdb}
}

func (b *RedisBroker) Publish(ctx context.Context, r core.Reading) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal reading: %w", err)
	}
	return b.rdb.Publish(ctx, readingsChannel, payload).Err()
}

// Subscribe registers a handler for the readings channel. It waits for the
// subscription confirmation before returning so that a publish immediately
// after Subscribe is not lost.
func (b *RedisBroker) Subscribe(handler Handler) (func(), error) {
	ctx := context.Background()
	sub := b.rdb.Subscribe(ctx, readingsChannel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", readingsChannel, err)
	}

	b.mu.Lock()
	b.pubsub = append(b.pubsub, sub)
	b.mu.Unlock()

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			var r core.Reading
			if err := json.Unmarshal([]byte(msg.Payload), &r); err != nil {
				slog.Warn("broker: dropping malformed reading", "error", err)
				continue
			}
			handler(r)
		}
	}()

	return func() { sub.Close() }, nil
}

func (b *RedisBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.pubsub {
		sub.Close()
	}
	b.pubsub = nil
	return nil
}
