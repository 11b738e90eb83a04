package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"callsignal/internal/database"
	"callsignal/internal/domain"
	"callsignal/pkg/logger"
	"callsignal/pkg/metrics"
)

// RedisRelay carries user channels over Redis Pub/Sub so that any instance of
// the call service can reach a user connected to any other instance
type RedisRelay struct {
	redis   *database.RedisClient
	metrics *metrics.Metrics
}

// NewRedisRelay creates a Redis-backed relay. m may be nil.
func NewRedisRelay(client *database.RedisClient, m *metrics.Metrics) *RedisRelay {
	return &RedisRelay{redis: client, metrics: m}
}

// Publish sends env to userID's channel
func (r *RedisRelay) Publish(ctx context.Context, userID uuid.UUID, env *domain.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	err = r.redis.SafePublish(ctx, Channel(userID), payload).Err()
	if r.metrics != nil {
		r.metrics.RecordRedisCommand("publish", err)
	}
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", Channel(userID), err)
	}
	return nil
}

// Subscribe listens on userID's channel. The subscription is confirmed with
// Redis before Subscribe returns.
func (r *RedisRelay) Subscribe(ctx context.Context, userID uuid.UUID, handler Handler) (Subscription, error) {
	channel := Channel(userID)

	pubsub := r.redis.SafeSubscribe(ctx, channel)
	if pubsub == nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, database.ErrDegraded)
	}
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		if r.metrics != nil {
			r.metrics.RecordRedisCommand("subscribe", err)
		}
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}
	if r.metrics != nil {
		r.metrics.RecordRedisCommand("subscribe", nil)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &redisSubscription{pubsub: pubsub, cancel: cancel}
	go sub.run(subCtx, channel, handler)
	return sub, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
	once   sync.Once
	err    error
}

func (s *redisSubscription) run(ctx context.Context, channel string, handler Handler) {
	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				logger.Debug("Redis subscription channel closed", zap.String("channel", channel))
				return
			}
			handler([]byte(msg.Payload))
		}
	}
}

func (s *redisSubscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.err = s.pubsub.Close()
	})
	return s.err
}
