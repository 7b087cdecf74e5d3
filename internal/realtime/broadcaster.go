package realtime

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/example/bus-booking/internal/models"
	"github.com/example/bus-booking/internal/observability"
)

// Broadcaster delivers one event to every connection in the union of
// the target rooms, exactly once per connection. Publish is
// fire-and-forget: callers never block on delivery, and per-connection
// ordering follows the order Publish calls are issued.
type Broadcaster struct {
	reg    *Registry
	bridge *RedisBridge
	log    *slog.Logger
}

func NewBroadcaster(reg *Registry, log *slog.Logger) *Broadcaster {
	if log == nil {
		log = slog.Default()
	}
	return &Broadcaster{reg: reg, log: log}
}

// AttachBridge wires a Redis bridge so peer processes fan this event
// out to their own room members too. Call before serving traffic.
func (b *Broadcaster) AttachBridge(bridge *RedisBridge) {
	b.bridge = bridge
}

func (b *Broadcaster) Publish(event string, payload any, rooms ...string) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.log.Error("unencodable broadcast payload", "event", event, "error", err)
		return
	}
	env := models.Envelope{Event: event, Data: data}
	b.DeliverLocal(env, rooms)
	if b.bridge != nil {
		b.bridge.Publish(context.Background(), env, rooms)
	}
}

// DeliverLocal enqueues the frame on every local member of the rooms,
// deduplicated by connection. The Redis bridge calls this directly for
// frames that originated on peer processes.
func (b *Broadcaster) DeliverLocal(env models.Envelope, rooms []string) {
	sessions := b.reg.union(rooms)
	for _, s := range sessions {
		s.Enqueue(env)
	}
	observability.BroadcastsTotal.WithLabelValues(env.Event).Inc()
}
