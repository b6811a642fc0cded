package relay

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/PeeBee66/chittychattychat/internal/models"
	"github.com/PeeBee66/chittychattychat/internal/redis"
)

const busChannel = "relay:events"

// Event carries a frame to sessions connected to other instances.
type Event struct {
	Origin string      `json:"origin"`
	RoomID string      `json:"room_id"`
	Role   models.Role `json:"role,omitempty"`
	Frame  Frame       `json:"frame"`
	Close  bool        `json:"close,omitempty"`
}

// Bus fans relay events out across instances.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(ctx context.Context, handler func(Event)) error
}

// RedisBus implements Bus over redis pub/sub.
type RedisBus struct {
	client *redis.Client
}

func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

// Subscribe delivers decoded events until ctx is cancelled.
func (b *RedisBus) Subscribe(ctx context.Context, handler func(Event)) error {
	return b.client.Subscribe(ctx, busChannel, func(payload []byte) {
		var ev Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			slog.Warn("relay: bus event decode failed", "err", err)
			return
		}
		handler(ev)
	})
}

// Publish broadcasts ev to every instance.
func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, busChannel, payload)
}
