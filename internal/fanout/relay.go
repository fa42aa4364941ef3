package fanout

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"auction-engine/internal/models"
)

// RedisRelay routes publishes through a shared Redis channel so every engine
// instance's local hub sees every event, without instances knowing each
// other's subscribers. Each instance's relay subscriber re-enters the local
// batching path.
type RedisRelay struct {
	client  *redis.Client
	channel string
	hub     *Hub
	pubsub  *redis.PubSub
	done    chan struct{}
}

// NewRedisRelay wraps a hub with a cross-process channel.
func NewRedisRelay(client *redis.Client, channel string, hub *Hub) *RedisRelay {
	return &RedisRelay{
		client:  client,
		channel: channel,
		hub:     hub,
		done:    make(chan struct{}),
	}
}

// Publish sends the event to the shared channel instead of the local hub.
// Delivery to local subscribers happens when the relay loop receives it back.
func (r *RedisRelay) Publish(event models.UpdateEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.WithField("error", err.Error()).Error("relay: marshal event")
		return
	}
	if err := r.client.Publish(context.Background(), r.channel, payload).Err(); err != nil {
		log.WithFields(log.Fields{
			"channel": r.channel,
			"error":   err.Error(),
		}).Error("relay: publish failed, falling back to local hub")
		r.hub.Publish(event)
	}
}

// Start subscribes to the shared channel and feeds received events into the
// local hub until the context is cancelled or Close is called.
func (r *RedisRelay) Start(ctx context.Context) error {
	r.pubsub = r.client.Subscribe(ctx, r.channel)
	// Force the subscription to be established before returning.
	if _, err := r.pubsub.Receive(ctx); err != nil {
		return err
	}

	go func() {
		ch := r.pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event models.UpdateEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					log.WithField("error", err.Error()).Warn("relay: dropping malformed event")
					continue
				}
				r.hub.Publish(event)
			}
		}
	}()
	return nil
}

// Close tears down the relay subscription.
func (r *RedisRelay) Close() {
	close(r.done)
	if r.pubsub != nil {
		_ = r.pubsub.Close()
	}
}
