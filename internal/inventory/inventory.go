// Package inventory keeps a local replica of material stock, fed by the
// material change events.
package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"forgeline/internal/domain"
	"forgeline/internal/events"
	"forgeline/internal/logging"
	"forgeline/internal/repo"
)

type Index struct {
	repo repo.Repo
	feed *events.Feed
	log  *zap.Logger

	mu    sync.RWMutex
	items map[string]domain.Material
}

func New(r repo.Repo, interval time.Duration, log *zap.Logger) *Index {
	log = logging.OrNop(log)
	return &Index{
		repo:  r,
		feed:  &events.Feed{Repo: r, Filter: repo.EventFilters{EntityKind: "material"}, Interval: interval, Log: log},
		log:   log,
		items: map[string]domain.Material{},
	}
}

// Load takes a full snapshot and positions the feed so later changes replay on top.
func (ix *Index) Load(ctx context.Context) error {
	if err := ix.feed.SeekLatest(ctx); err != nil {
		return fmt.Errorf("seek material feed: %w", err)
	}
	materials, err := ix.repo.ListMaterials(ctx)
	if err != nil {
		return fmt.Errorf("load materials: %w", err)
	}
	items := make(map[string]domain.Material, len(materials))
	for _, m := range materials {
		items[m.ID] = m
	}
	ix.mu.Lock()
	ix.items = items
	ix.mu.Unlock()
	return nil
}

// Sync applies every change recorded since the last sync.
func (ix *Index) Sync(ctx context.Context) error {
	return ix.feed.Drain(ctx, ix.Apply)
}

// Run keeps the index in sync until ctx is done.
func (ix *Index) Run(ctx context.Context) error {
	return ix.feed.Run(ctx, ix.Apply)
}

// Apply folds one material event into the index. Other events are ignored.
func (ix *Index) Apply(_ context.Context, evt domain.Event) error {
	switch evt.Type {
	case events.MaterialCreated, events.MaterialUpdated:
		var m domain.Material
		if err := json.Unmarshal([]byte(evt.Payload), &m); err != nil {
			ix.log.Warn("skipping undecodable material event", zap.Int64("event_id", evt.ID), zap.Error(err))
			return nil
		}
		m.ID = evt.EntityID
		ix.mu.Lock()
		if prev, ok := ix.items[m.ID]; ok {
			m.CreatedAt = prev.CreatedAt
		} else {
			m.CreatedAt = evt.TS
		}
		if m.UpdatedAt == "" {
			m.UpdatedAt = evt.TS
		}
		ix.items[m.ID] = m
		ix.mu.Unlock()
	case events.MaterialDeleted:
		ix.mu.Lock()
		delete(ix.items, evt.EntityID)
		ix.mu.Unlock()
	}
	return nil
}

func (ix *Index) Get(id string) (domain.Material, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	m, ok := ix.items[id]
	return m, ok
}

// Snapshot returns every material ordered by name.
func (ix *Index) Snapshot() []domain.Material {
	return ix.filter(func(domain.Material) bool { return true })
}

// LowStock returns the materials at or below threshold.
func (ix *Index) LowStock(threshold float64) []domain.Material {
	return ix.filter(func(m domain.Material) bool { return m.Quantity <= threshold })
}

func (ix *Index) filter(keep func(domain.Material) bool) []domain.Material {
	ix.mu.RLock()
	out := make([]domain.Material, 0, len(ix.items))
	for _, m := range ix.items {
		if keep(m) {
			out = append(out, m)
		}
	}
	ix.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (ix *Index) Cursor() int64 { return ix.feed.Cursor() }
