package events

import (
	"context"
	"time"

	"go.uber.org/zap"

	"forgeline/internal/domain"
	"forgeline/internal/logging"
	"forgeline/internal/repo"
)

// Handler consumes one event. Returning an error stops the batch and the
// event is redelivered on the next poll.
type Handler func(ctx context.Context, evt domain.Event) error

// Feed replays events in id order from a cursor. It turns the append-only
// events table into a push-style change channel.
type Feed struct {
	Repo      repo.Repo
	Filter    repo.EventFilters
	Interval  time.Duration
	BatchSize int
	Log       *zap.Logger

	cursor int64
}

func (f *Feed) Cursor() int64 { return f.cursor }

// Seek moves the cursor; the next poll delivers events with id > c.
func (f *Feed) Seek(c int64) { f.cursor = c }

// SeekLatest skips every event already recorded.
func (f *Feed) SeekLatest(ctx context.Context) error {
	id, err := f.Repo.LatestEventID(ctx, f.Filter)
	if err != nil {
		return err
	}
	f.cursor = id
	return nil
}

// Poll delivers one batch and returns how many events were handled.
func (f *Feed) Poll(ctx context.Context, h Handler) (int, error) {
	batch, err := f.Repo.EventsAfter(ctx, f.BatchSize, f.cursor, f.Filter)
	if err != nil {
		return 0, err
	}
	for i, evt := range batch {
		if err := h(ctx, evt); err != nil {
			return i, err
		}
		f.cursor = evt.ID
	}
	return len(batch), nil
}

// Drain polls until no events remain.
func (f *Feed) Drain(ctx context.Context, h Handler) error {
	for {
		n, err := f.Poll(ctx, h)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

// Run polls on Interval until ctx is done.
func (f *Feed) Run(ctx context.Context, h Handler) error {
	interval := f.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	log := logging.OrNop(f.Log)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := f.Drain(ctx, h); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("event feed poll failed", zap.Int64("cursor", f.cursor), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
