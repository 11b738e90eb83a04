// Package database owns the shared Redis client. While Redis is unreachable
// the client is degraded: Safe* calls fail fast with ErrDegraded instead of
// waiting out dial timeouts, and a background ping clears the flag.
package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"callsignal/pkg/config"
	"callsignal/pkg/logger"
)

var ErrDegraded = errors.New("redis is in degraded mode")

const pingTimeout = 2 * time.Second

type RedisClient struct {
	Client *redis.Client

	degraded atomic.Bool
	pingMu   sync.Mutex

	degradedGauge prometheus.Gauge
	pings         *prometheus.CounterVec
}

// NewRedisDB builds a client from cfg. No connection is made until first use.
// Health metrics are registered with reg when it is non-nil.
func NewRedisDB(cfg *config.RedisConfig, reg prometheus.Registerer) *RedisClient {
	rc := &RedisClient{
		Client: redis.NewClient(&redis.Options{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Password:     cfg.Password,
			DB:           cfg.DB,
			PoolSize:     cfg.PoolSize,
			DialTimeout:  cfg.Timeout,
			ReadTimeout:  cfg.Timeout,
			WriteTimeout: cfg.Timeout,
		}),
	}
	if reg != nil {
		rc.degradedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "redis_degraded_mode",
			Help: "1 while Redis is unreachable and calls are skipped",
		})
		rc.pings = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "redis_health_check_total",
			Help: "Redis health pings by outcome",
		}, []string{"result"})
		reg.MustRegister(rc.degradedGauge, rc.pings)
	}
	return rc
}

func (r *RedisClient) Close() error {
	return r.Client.Close()
}

func (r *RedisClient) IsDegraded() bool {
	return r.degraded.Load()
}

func (r *RedisClient) markDegraded(degraded bool, cause error) {
	if r.degraded.Swap(degraded) == degraded {
		return
	}
	if degraded {
		logger.Warn("Redis unreachable, entering degraded mode", zap.Error(cause))
	} else {
		logger.Info("Redis reachable again, leaving degraded mode")
	}
	if r.degradedGauge != nil {
		v := 0.0
		if degraded {
			v = 1
		}
		r.degradedGauge.Set(v)
	}
}

// HealthCheck pings Redis and updates the degraded flag. Concurrent callers
// queue behind one another rather than stacking pings.
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	r.pingMu.Lock()
	defer r.pingMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	err := r.Client.Ping(ctx).Err()
	if r.pings != nil {
		result := "ok"
		if err != nil {
			result = "error"
		}
		r.pings.WithLabelValues(result).Inc()
	}
	r.markDegraded(err != nil, err)
	if err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// StartHealthCheck pings every interval in its own goroutine until ctx ends
func (r *RedisClient) StartHealthCheck(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = r.HealthCheck(ctx)
			}
		}
	}()
}

func skipped(op string) error {
	return fmt.Errorf("%s skipped: %w", op, ErrDegraded)
}

func (r *RedisClient) SafeGet(ctx context.Context, key string) *redis.StringCmd {
	if r.IsDegraded() {
		return redis.NewStringResult("", skipped("get"))
	}
	return r.Client.Get(ctx, key)
}

func (r *RedisClient) SafeSet(ctx context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd {
	if r.IsDegraded() {
		return redis.NewStatusResult("", skipped("set"))
	}
	return r.Client.Set(ctx, key, value, ttl)
}

func (r *RedisClient) SafeDel(ctx context.Context, keys ...string) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, skipped("del"))
	}
	return r.Client.Del(ctx, keys...)
}

func (r *RedisClient) SafeExists(ctx context.Context, keys ...string) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, skipped("exists"))
	}
	return r.Client.Exists(ctx, keys...)
}

func (r *RedisClient) SafePublish(ctx context.Context, channel string, message any) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, skipped("publish"))
	}
	return r.Client.Publish(ctx, channel, message)
}

// SafeSubscribe returns nil while degraded
func (r *RedisClient) SafeSubscribe(ctx context.Context, channels ...string) *redis.PubSub {
	if r.IsDegraded() {
		return nil
	}
	return r.Client.Subscribe(ctx, channels...)
}
