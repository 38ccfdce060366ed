package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-market-chat/internal/config"
)

// bridgeFrame is what instances exchange over the Redis channel.
type bridgeFrame struct {
	Instance string          `json:"instance"`
	Room     string          `json:"room"`
	Event    json.RawMessage `json:"event"`
}

// Bridge relays room broadcasts between gateway instances over Redis
// pub/sub. Local delivery never waits on it; it is strictly additive.
type Bridge struct {
	rdb      *redis.Client
	channel  string
	instance string
	log      zerolog.Logger
}

// NewBridge connects to Redis and verifies connectivity. instance stamps
// published frames; empty picks a random id.
func NewBridge(ctx context.Context, cfg config.RedisConfig, instance string) (*Bridge, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("redis url is required")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if instance == "" {
		instance = uuid.NewString()
	}
	channel := cfg.Channel
	if channel == "" {
		channel = "chat:rooms"
	}
	return &Bridge{
		rdb:      rdb,
		channel:  channel,
		instance: instance,
		log:      log.Logger.With().Str("component", "bridge").Logger(),
	}, nil
}

// Instance is the id this process stamps on published frames.
func (b *Bridge) Instance() string { return b.instance }

// Publish implements Publisher.
func (b *Bridge) Publish(ctx context.Context, room string, frame []byte) error {
	msg, err := encodeBridgeFrame(b.instance, room, frame)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, msg).Err()
}

// Run subscribes to the channel and hands frames from other instances to
// deliver until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context, deliver func(room string, frame []byte)) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			room, frame, remote, err := decodeBridgeFrame(b.instance, m.Payload)
			if err != nil {
				b.log.Warn().Err(err).Msg("bad bridge frame")
				continue
			}
			if remote {
				deliver(room, frame)
			}
		}
	}
}

// Close releases the Redis connection.
func (b *Bridge) Close() error { return b.rdb.Close() }

// Attach wires the bridge into h in both directions and runs the
// subscription until ctx ends.
func (b *Bridge) Attach(ctx context.Context, h *Hub) {
	h.SetPublisher(b)
	go func() {
		if err := b.Run(ctx, h.DeliverLocal); err != nil {
			b.log.Error().Err(err).Msg("bridge subscription ended")
		}
	}()
}

func encodeBridgeFrame(instance, room string, frame []byte) ([]byte, error) {
	return json.Marshal(bridgeFrame{Instance: instance, Room: room, Event: frame})
}

// decodeBridgeFrame reports remote=false for frames this instance published.
func decodeBridgeFrame(self, payload string) (room string, frame []byte, remote bool, err error) {
	var f bridgeFrame
	if err := json.Unmarshal([]byte(payload), &f); err != nil {
		return "", nil, false, err
	}
	if f.Room == "" || len(f.Event) == 0 {
		return "", nil, false, errors.New("frame without room or event")
	}
	return f.Room, f.Event, f.Instance != self, nil
}
