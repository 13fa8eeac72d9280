package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/codeponics/codeponics-pi/controller/settings"
)

const (
	// LatestKey holds the newest sample and expires after the configured TTL.
	LatestKey = "codeponics:latest"
	// RecentKey is a capped list of recent samples, newest first.
	RecentKey = "codeponics:recent"
	recentCap = 720
)

// Redis caches the latest sample for local dashboards.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(cfg settings.Redis) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     2,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &Redis{client: client, ttl: time.Duration(cfg.TTL * float64(time.Second))}, nil
}

func (r *Redis) Name() string { return "redis" }

func (r *Redis) Publish(ctx context.Context, s Sample) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal sample: %w", err)
	}
	pipe := r.client.Pipeline()
	pipe.Set(ctx, LatestKey, data, r.ttl)
	pipe.LPush(ctx, RecentKey, data)
	pipe.LTrim(ctx, RecentKey, 0, recentCap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to cache sample: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
