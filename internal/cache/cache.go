// Package cache keeps a read-side snapshot of projects. It is filled only by
// explicit refreshes, so it may lag behind writes.
package cache

import (
	"context"

	"forgeline/internal/domain"
)

// Loader returns every live project.
type Loader func(ctx context.Context) ([]domain.Project, error)

type Store interface {
	// Get returns a cached project. A miss is (zero, false, nil).
	Get(ctx context.Context, id string) (domain.Project, bool, error)
	// Refresh reloads the whole snapshot from the loader.
	Refresh(ctx context.Context) error
	Invalidate(ctx context.Context, id string) error
}

const refreshKey = "refresh"
