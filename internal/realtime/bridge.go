package realtime

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/bus-booking/internal/models"
)

const bridgeChannel = "busbooking:v1:broadcast"

// RedisBridge republishes broadcast frames on a Redis channel so every
// server process delivers them to its own connected rooms. Frames carry
// the origin instance id; a process skips its own frames since it has
// already delivered them locally.
type RedisBridge struct {
	rdb        *redis.Client
	channel    string
	instanceID string
	log        *slog.Logger
}

type bridgeFrame struct {
	Origin string          `json:"origin"`
	Rooms  []string        `json:"rooms"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
}

func NewRedisBridge(rdb *redis.Client, log *slog.Logger) *RedisBridge {
	if log == nil {
		log = slog.Default()
	}
	return &RedisBridge{
		rdb:        rdb,
		channel:    bridgeChannel,
		instanceID: uuid.NewString(),
		log:        log,
	}
}

// Publish pushes a frame to peers. Best effort: a publish failure is
// logged, never surfaced to the broadcasting caller.
func (br *RedisBridge) Publish(ctx context.Context, env models.Envelope, rooms []string) {
	frame := bridgeFrame{
		Origin: br.instanceID,
		Rooms:  rooms,
		Event:  env.Event,
		Data:   env.Data,
	}
	b, _ := json.Marshal(frame)
	if err := br.rdb.Publish(ctx, br.channel, b).Err(); err != nil {
		br.log.Warn("bridge publish failed", "event", env.Event, "error", err)
	}
}

// Run consumes peer frames and hands them to deliver until ctx is done.
func (br *RedisBridge) Run(ctx context.Context, deliver func(env models.Envelope, rooms []string)) error {
	sub := br.rdb.Subscribe(ctx, br.channel)
	defer sub.Close()

	ch := sub.Channel(redis.WithChannelSize(256))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var frame bridgeFrame
			if err := json.Unmarshal([]byte(m.Payload), &frame); err != nil {
				br.log.Warn("bad bridge frame", "error", err)
				continue
			}
			if frame.Origin == br.instanceID {
				continue
			}
			deliver(models.Envelope{Event: frame.Event, Data: frame.Data}, frame.Rooms)
		}
	}
}
