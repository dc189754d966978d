package hub

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// EventsChannel is the Redis pub/sub channel carrying a copy of every frame the hub fans out.
const EventsChannel = "hub.events"

// Tap mirrors forwarded frames to a Redis pub/sub channel so out-of-band consumers can observe the stream without
// holding a hub role.
type Tap struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewTap creates an event tap backed by the given Redis client.
func NewTap(rdb *redis.Client, logger zerolog.Logger) *Tap {
	return &Tap{
		rdb: rdb,
		log: logger.With().Str("component", "tap").Logger(),
	}
}

// Publish sends the frame to the events channel.
func (t *Tap) Publish(ctx context.Context, frame []byte) error {
	if err := t.rdb.Publish(ctx, EventsChannel, frame).Err(); err != nil {
		return fmt.Errorf("publish hub event: %w", err)
	}
	return nil
}
