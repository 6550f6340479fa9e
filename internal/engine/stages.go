package engine

import (
	"context"
	"sort"
	"strings"

	"forgeline/internal/domain"
	"forgeline/internal/events"
)

func (e Engine) ListStages(ctx context.Context, projectID string) ([]domain.ManufacturingStage, error) {
	if _, err := e.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return e.Repo.ListStages(ctx, projectID)
}

func (e Engine) GetStage(ctx context.Context, id string) (domain.ManufacturingStage, error) {
	s, err := e.Repo.GetStage(ctx, id)
	return s, translate(err, domain.ErrStageNotFound)
}

// StageUpdateOptions are operator edits to a stage. Completion goes through
// the production orchestrator, not through here.
type StageUpdateOptions struct {
	ID           string
	Progress     *int
	ActualHours  *float64
	ActualEnergy *float64
	Workers      []string
	Notes        *string
	Blocked      *bool
	ActorID      string
}

func (e Engine) UpdateStage(ctx context.Context, opts StageUpdateOptions) (domain.ManufacturingStage, error) {
	st, err := e.GetStage(ctx, opts.ID)
	if err != nil {
		return st, err
	}
	err = e.WithProjectLock(ctx, st.ProjectID, func(ctx context.Context) error {
		var err error
		st, err = e.updateStage(ctx, opts)
		return err
	})
	return st, err
}

func (e Engine) updateStage(ctx context.Context, opts StageUpdateOptions) (domain.ManufacturingStage, error) {
	tx, err := e.Begin(ctx)
	if err != nil {
		return domain.ManufacturingStage{}, err
	}
	defer tx.Rollback()
	st, err := e.Repo.GetStageTx(ctx, tx, opts.ID)
	if err != nil {
		return st, translate(err, domain.ErrStageNotFound)
	}
	if _, err := e.getLiveProjectTx(ctx, tx, st.ProjectID); err != nil {
		return st, err
	}
	completed := st.Status == domain.StageCompleted
	changes := events.EventPayload{}
	if opts.Progress != nil {
		if completed {
			return st, domain.Invalid("progress", "stage is already completed")
		}
		if *opts.Progress < 0 || *opts.Progress > 99 {
			return st, domain.Invalid("progress", "must be between 0 and 99; complete the stage to reach 100")
		}
		st.Progress = *opts.Progress
		changes["progress"] = st.Progress
	}
	if opts.ActualHours != nil {
		if *opts.ActualHours < 0 {
			return st, domain.Invalid("actual_hours", "must not be negative")
		}
		st.ActualHours = *opts.ActualHours
		changes["actual_hours"] = st.ActualHours
	}
	if opts.ActualEnergy != nil {
		if *opts.ActualEnergy < 0 {
			return st, domain.Invalid("actual_energy", "must not be negative")
		}
		st.ActualEnergy = *opts.ActualEnergy
		changes["actual_energy"] = st.ActualEnergy
	}
	if opts.Workers != nil {
		st.Workers = workerSet(opts.Workers)
		changes["workers"] = st.Workers
	}
	if opts.Notes != nil {
		st.Notes = *opts.Notes
		changes["notes"] = st.Notes
	}
	if opts.Blocked != nil {
		switch {
		case *opts.Blocked && completed:
			return st, domain.Invalid("blocked", "a completed stage cannot be blocked")
		case *opts.Blocked:
			st.Status = domain.StageBlocked
		case st.Status == domain.StageBlocked && st.StartDate != nil:
			st.Status = domain.StageInProgress
		case st.Status == domain.StageBlocked:
			st.Status = domain.StagePending
		}
		changes["status"] = st.Status
	}
	if len(changes) == 0 {
		return st, nil
	}
	st.UpdatedAt = e.Timestamp()
	if err := e.Repo.UpdateStage(ctx, tx, st); err != nil {
		return st, translate(err, domain.ErrStageNotFound)
	}
	if err := e.Append(ctx, tx, events.StageUpdated, st.ProjectID, "stage", st.ID, opts.ActorID, changes); err != nil {
		return st, err
	}
	if err := tx.Commit(); err != nil {
		return st, err
	}
	return st, nil
}

// workerSet trims, dedupes and sorts worker names.
func workerSet(in []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, w := range in {
		w = strings.TrimSpace(w)
		if w == "" || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}
