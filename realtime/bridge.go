package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
)

// Bridge relays room events between engine instances over a redis pub/sub
// channel, so clients connected to different instances converge on the same
// room streams.
type Bridge struct {
	rc         *redis.Client
	hub        *Hub
	channel    string
	instanceID string
	log        *log.Logger
}

type bridgeEnvelope struct {
	Origin string       `json:"origin"`
	Event  domain.Event `json:"event"`
}

func NewBridge(rc *redis.Client, hub *Hub, channel string, logger *log.Logger) *Bridge {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Bridge{
		rc:         rc,
		hub:        hub,
		channel:    channel,
		instanceID: uuid.NewString(),
		log:        logger,
	}
}

// Publish sends an event to the shared channel for other instances.
func (b *Bridge) Publish(ctx context.Context, ev domain.Event) error {
	data, err := json.Marshal(bridgeEnvelope{Origin: b.instanceID, Event: ev})
	if err != nil {
		return err
	}
	return b.rc.Publish(ctx, b.channel, data).Err()
}

// Run subscribes to the shared channel and replays foreign events into the
// local hub until the context is cancelled. The subscription reconnects after
// transport failures.
func (b *Bridge) Run(ctx context.Context) {
	for {
		sub := b.rc.Subscribe(ctx, b.channel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				var env bridgeEnvelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					b.log.Errorf("bridge: unable to parse event: %v", err)
					continue
				}
				if env.Origin == b.instanceID {
					// Local broadcasts already reached the hub.
					continue
				}
				b.hub.Broadcast(env.Event.ResourceID, env.Event)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		b.log.Error("bridge: pubsub channel closed, reconnecting")
		time.Sleep(time.Second)
	}
}
