// Package events coordinates live update fan-out: an in-process router feeds
// connected viewers, and an optional Redis publisher relays events between
// processes.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/tallyhq/tally-backend/logger"
	"github.com/tallyhq/tally-backend/types"
)

const channelPrefix = "poll:events:"

// RedisPublisher relays poll events through Redis pub/sub so every process
// can feed its own connected viewers.
type RedisPublisher struct {
	rdb *redis.Client
}

func NewRedisPublisher(rdb *redis.Client) *RedisPublisher {
	return &RedisPublisher{rdb: rdb}
}

func (p *RedisPublisher) Publish(ctx context.Context, pollID string, event types.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	if err := p.rdb.Publish(ctx, channelPrefix+pollID, data).Err(); err != nil {
		return fmt.Errorf("publishing event: %w", err)
	}
	return nil
}

// Listen consumes relayed events for all polls and hands them to sink until
// ctx is cancelled. Run in its own goroutine.
func (p *RedisPublisher) Listen(ctx context.Context, sink func(pollID string, event types.Event)) {
	log := logger.GetLogger().Named("event_listener")
	sub := p.rdb.PSubscribe(ctx, channelPrefix+"*")
	defer func() {
		if err := sub.Close(); err != nil {
			log.Warnw("Failed to close redis subscription", "error", err)
		}
	}()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var event types.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Warnw("Dropping malformed relayed event", "error", err)
				continue
			}
			sink(event.PollID, event)
		}
	}
}
