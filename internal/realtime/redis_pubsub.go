package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	streamEventsChannel = "live:events"
	publishTimeout      = 5 * time.Second
)

// redisEnvelope wraps a wire message for cross-instance delivery. Origin lets
// subscribers skip events they published themselves, since the publishing
// instance has already broadcast locally.
type redisEnvelope struct {
	Origin  string          `json:"origin"`
	Op      string          `json:"op"`
	Message json.RawMessage `json:"message"`
	At      int64           `json:"at"`
}

// RedisPubSub bridges broadcast events between instances over a Redis channel.
type RedisPubSub struct {
	client     *redis.Client
	instanceID string
	logger     *zap.Logger
}

// NewRedisPubSub creates a pub/sub bridge with a unique instance identity.
func NewRedisPubSub(client *redis.Client, logger *zap.Logger) *RedisPubSub {
	return &RedisPubSub{
		client:     client,
		instanceID: uuid.New().String(),
		logger:     logger,
	}
}

// PublishStreamEvent publishes an already-marshaled wire message for peers.
func (r *RedisPubSub) PublishStreamEvent(op string, payload []byte) error {
	body, err := json.Marshal(redisEnvelope{
		Origin:  r.instanceID,
		Op:      op,
		Message: payload,
		At:      time.Now().Unix(),
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return r.client.Publish(ctx, streamEventsChannel, body).Err()
}

// Subscribe listens for peer events and rebroadcasts them on the local hub
// until ctx is done. Our own events are skipped.
func (r *RedisPubSub) Subscribe(ctx context.Context, hub *Hub) error {
	pubsub := r.client.Subscribe(ctx, streamEventsChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env redisEnvelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					continue
				}
				if env.Origin == r.instanceID {
					continue
				}
				var wire Message
				if err := json.Unmarshal(env.Message, &wire); err != nil {
					r.logger.Warn("invalid peer stream event", zap.String("op", env.Op), zap.Error(err))
					continue
				}
				hub.Broadcast(wire)
			}
		}
	}()
	return nil
}
