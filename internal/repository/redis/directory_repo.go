package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"callsignal/internal/database"
	"callsignal/internal/domain"
	"callsignal/pkg/logger"
	"callsignal/pkg/metrics"
)

// Source is the authoritative directory behind the cache
type Source interface {
	GetUser(ctx context.Context, userID uuid.UUID) (*domain.User, error)
	GetGroup(ctx context.Context, groupID uuid.UUID) (*domain.Group, error)
	IsBlocked(ctx context.Context, blockerID, blockedID uuid.UUID) (bool, error)
}

// DirectoryRepository is the global directory: a read-through Redis cache of
// user and group lookups shared by every call service replica.
// Block checks always go to the source so a new block applies to the next call.
type DirectoryRepository struct {
	redis   *database.RedisClient
	source  Source
	ttl     time.Duration
	metrics *metrics.Metrics
}

// NewDirectoryRepository creates a cache over source. m may be nil.
func NewDirectoryRepository(client *database.RedisClient, source Source, ttl time.Duration, m *metrics.Metrics) *DirectoryRepository {
	return &DirectoryRepository{redis: client, source: source, ttl: ttl, metrics: m}
}

func userKey(userID uuid.UUID) string {
	return fmt.Sprintf("directory:user:%s", userID)
}

func groupKey(groupID uuid.UUID) string {
	return fmt.Sprintf("directory:group:%s", groupID)
}

// GetUser returns the user from cache, loading it from the source on a miss
func (r *DirectoryRepository) GetUser(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	var user domain.User
	if r.get(ctx, userKey(userID), &user) {
		return &user, nil
	}

	u, err := r.source.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	r.set(ctx, userKey(userID), u)
	return u, nil
}

// GetGroup returns the group from cache, loading it from the source on a miss
func (r *DirectoryRepository) GetGroup(ctx context.Context, groupID uuid.UUID) (*domain.Group, error) {
	var group domain.Group
	if r.get(ctx, groupKey(groupID), &group) {
		return &group, nil
	}

	g, err := r.source.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	r.set(ctx, groupKey(groupID), g)
	return g, nil
}

func (r *DirectoryRepository) IsBlocked(ctx context.Context, blockerID, blockedID uuid.UUID) (bool, error) {
	return r.source.IsBlocked(ctx, blockerID, blockedID)
}

// InvalidateGroup drops a cached group so the next lookup reads the source
func (r *DirectoryRepository) InvalidateGroup(ctx context.Context, groupID uuid.UUID) error {
	return r.del(ctx, groupKey(groupID))
}

// get reports a cache hit. Redis failures count as misses.
func (r *DirectoryRepository) get(ctx context.Context, key string, out any) bool {
	raw, err := r.redis.SafeGet(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		r.record("get", nil)
		return false
	}
	r.record("get", err)
	if err != nil {
		logger.Debug("Directory cache unavailable", zap.String("key", key), zap.Error(err))
		return false
	}

	if err := json.Unmarshal(raw, out); err != nil {
		logger.Warn("Dropping unreadable directory entry", zap.String("key", key), zap.Error(err))
		_ = r.del(ctx, key)
		return false
	}
	return true
}

func (r *DirectoryRepository) set(ctx context.Context, key string, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	err = r.redis.SafeSet(ctx, key, raw, r.ttl).Err()
	r.record("set", err)
	if err != nil {
		logger.Debug("Failed to cache directory entry", zap.String("key", key), zap.Error(err))
	}
}

func (r *DirectoryRepository) del(ctx context.Context, key string) error {
	err := r.redis.SafeDel(ctx, key).Err()
	r.record("del", err)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (r *DirectoryRepository) record(command string, err error) {
	if r.metrics != nil {
		r.metrics.RecordRedisCommand(command, err)
	}
}
