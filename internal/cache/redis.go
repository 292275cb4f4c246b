package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"perf-analytics/internal/config"
	"perf-analytics/internal/models"
)

const (
	recentKey  = "analytics:recent"
	recentSize = 1000
)

// RedisClient stores analytics snapshots in Redis behind a circuit breaker.
type RedisClient struct {
	client  *redis.Client
	breaker *gobreaker.CircuitBreaker
	ttl     time.Duration
	logger  *zap.Logger
}

func NewRedisClient(ctx context.Context, cfg config.Redis, logger *zap.Logger) (*RedisClient, error) {
	r := newClient(cfg, logger)

	if err := r.client.Ping(ctx).Err(); err != nil {
		_ = r.client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr, err)
	}

	return r, nil
}

func newClient(cfg config.Redis, logger *zap.Logger) *RedisClient {
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     100,
		MinIdleConns: 10,
		MaxRetries:   3,
	})

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis-snapshots",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &RedisClient{
		client:  client,
		breaker: breaker,
		ttl:     cfg.TTL.GetDuration(time.Hour),
		logger:  logger,
	}
}

func SnapshotKey(m models.AdvancedMetrics) string {
	return fmt.Sprintf("analytics:%s:%d", m.SessionID, m.Timestamp().UnixNano())
}

func (r *RedisClient) StoreSnapshot(ctx context.Context, m models.AdvancedMetrics) error {
	key := SnapshotKey(m)

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	_, err = r.breaker.Execute(func() (interface{}, error) {
		if err := r.client.Set(ctx, key, data, r.ttl).Err(); err != nil {
			return nil, fmt.Errorf("failed to store snapshot in Redis: %w", err)
		}

		pipe := r.client.TxPipeline()
		pipe.LPush(ctx, recentKey, key)
		pipe.LTrim(ctx, recentKey, 0, recentSize-1)
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("failed to update recent snapshots list: %w", err)
		}
		return nil, nil
	})
	return err
}

func (r *RedisClient) RecentSnapshots(ctx context.Context, count int64) ([]models.AdvancedMetrics, error) {
	keys, err := r.client.LRange(ctx, recentKey, 0, count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get recent snapshot keys: %w", err)
	}

	snapshots := make([]models.AdvancedMetrics, 0, len(keys))
	for _, key := range keys {
		data, err := r.client.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}

		var m models.AdvancedMetrics
		if err := json.Unmarshal(data, &m); err != nil {
			r.logger.Debug("skipping unreadable snapshot", zap.String("key", key), zap.Error(err))
			continue
		}
		snapshots = append(snapshots, m)
	}

	return snapshots, nil
}

func (r *RedisClient) BreakerState() string {
	return r.breaker.State().String()
}

func (r *RedisClient) Close() error {
	return r.client.Close()
}
