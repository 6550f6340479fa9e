package cache

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"forgeline/internal/config"
	"forgeline/internal/domain"
	"forgeline/internal/metrics"
)

// LRU is an in-process Store bounded to a fixed number of projects.
type LRU struct {
	entries *lru.Cache[string, domain.Project]
	load    Loader
	group   singleflight.Group
}

var _ Store = (*LRU)(nil)

func NewLRU(size int, load Loader) (*LRU, error) {
	entries, err := lru.New[string, domain.Project](size)
	if err != nil {
		return nil, fmt.Errorf("create lru cache: %w", err)
	}
	return &LRU{entries: entries, load: load}, nil
}

func (c *LRU) Get(_ context.Context, id string) (domain.Project, bool, error) {
	p, ok := c.entries.Get(id)
	return p, ok, nil
}

// Refresh collapses concurrent callers into one load.
func (c *LRU) Refresh(ctx context.Context) error {
	_, err, _ := c.group.Do(refreshKey, func() (any, error) {
		projects, err := c.load(ctx)
		if err != nil {
			return nil, err
		}
		c.entries.Purge()
		for _, p := range projects {
			c.entries.Add(p.ID, p)
		}
		return len(projects), nil
	})
	metrics.CacheRefreshes.WithLabelValues(config.CacheLRU, metrics.Outcome(err)).Inc()
	if err != nil {
		return fmt.Errorf("refresh project cache: %w", err)
	}
	return nil
}

func (c *LRU) Invalidate(_ context.Context, id string) error {
	c.entries.Remove(id)
	return nil
}

func (c *LRU) Len() int { return c.entries.Len() }
