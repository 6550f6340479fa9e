package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgeline/internal/domain"
)

func TestLRURefreshFillsSnapshot(t *testing.T) {
	ctx := context.Background()
	projects := []domain.Project{{ID: "p1", Name: "Chair"}, {ID: "p2", Name: "Table"}}
	c, err := NewLRU(8, func(context.Context) ([]domain.Project, error) { return projects, nil })
	require.NoError(t, err)

	_, ok, err := c.Get(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, ok, "cache must not load on miss")

	require.NoError(t, c.Refresh(ctx))
	p, ok, err := c.Get(ctx, "p1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Chair", p.Name)
	assert.Equal(t, 2, c.Len())

	require.NoError(t, c.Invalidate(ctx, "p1"))
	_, ok, _ = c.Get(ctx, "p1")
	assert.False(t, ok)
}

func TestLRURefreshReplacesStaleEntries(t *testing.T) {
	ctx := context.Background()
	round := 0
	c, err := NewLRU(8, func(context.Context) ([]domain.Project, error) {
		round++
		if round == 1 {
			return []domain.Project{{ID: "old"}}, nil
		}
		return []domain.Project{{ID: "new"}}, nil
	})
	require.NoError(t, err)
	require.NoError(t, c.Refresh(ctx))
	require.NoError(t, c.Refresh(ctx))

	_, ok, _ := c.Get(ctx, "old")
	assert.False(t, ok)
	_, ok, _ = c.Get(ctx, "new")
	assert.True(t, ok)
}

func TestLRURefreshError(t *testing.T) {
	boom := errors.New("store offline")
	c, err := NewLRU(4, func(context.Context) ([]domain.Project, error) { return nil, boom })
	require.NoError(t, err)
	require.ErrorIs(t, c.Refresh(context.Background()), boom)
}

func TestLRUCollapsesConcurrentRefreshes(t *testing.T) {
	var loads atomic.Int32
	release := make(chan struct{})
	c, err := NewLRU(4, func(context.Context) ([]domain.Project, error) {
		loads.Add(1)
		<-release
		return []domain.Project{{ID: "p1"}}, nil
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Refresh(context.Background()))
		}()
	}
	require.Eventually(t, func() bool { return loads.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), loads.Load())
}
