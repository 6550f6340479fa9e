package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"forgeline/internal/config"
	"forgeline/internal/domain"
	"forgeline/internal/metrics"
)

const keyPrefix = "forgeline:project:"

// Redis is a Store shared between processes through a Redis server.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	load   Loader
	group  singleflight.Group
}

var _ Store = (*Redis)(nil)

func NewRedis(client *redis.Client, ttl time.Duration, load Loader) *Redis {
	return &Redis{client: client, ttl: ttl, load: load}
}

// DialRedis connects to addr and pings it.
func DialRedis(ctx context.Context, addr string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return client, nil
}

func (c *Redis) Get(ctx context.Context, id string) (domain.Project, bool, error) {
	val, err := c.client.Get(ctx, keyPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Project{}, false, nil
		}
		return domain.Project{}, false, err
	}
	var p domain.Project
	if err := json.Unmarshal(val, &p); err != nil {
		return domain.Project{}, false, fmt.Errorf("decode cached project %s: %w", id, err)
	}
	return p, true, nil
}

func (c *Redis) Refresh(ctx context.Context) error {
	_, err, _ := c.group.Do(refreshKey, func() (any, error) {
		projects, err := c.load(ctx)
		if err != nil {
			return nil, err
		}
		live := make(map[string]bool, len(projects))
		pipe := c.client.Pipeline()
		for _, p := range projects {
			data, err := json.Marshal(p)
			if err != nil {
				return nil, err
			}
			live[keyPrefix+p.ID] = true
			pipe.Set(ctx, keyPrefix+p.ID, data, c.ttl)
		}
		// Projects that left the snapshot are dropped, as the LRU backend purges.
		iter := c.client.Scan(ctx, 0, keyPrefix+"*", 256).Iterator()
		for iter.Next(ctx) {
			if !live[iter.Val()] {
				pipe.Del(ctx, iter.Val())
			}
		}
		if err := iter.Err(); err != nil {
			return nil, err
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, err
		}
		return len(projects), nil
	})
	metrics.CacheRefreshes.WithLabelValues(config.CacheRedis, metrics.Outcome(err)).Inc()
	if err != nil {
		return fmt.Errorf("refresh project cache: %w", err)
	}
	return nil
}

func (c *Redis) Invalidate(ctx context.Context, id string) error {
	return c.client.Del(ctx, keyPrefix+id).Err()
}
