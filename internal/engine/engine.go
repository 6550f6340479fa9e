package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"forgeline/internal/cache"
	"forgeline/internal/config"
	"forgeline/internal/domain"
	"forgeline/internal/events"
	"forgeline/internal/keylock"
	"forgeline/internal/logging"
	"forgeline/internal/metrics"
	"forgeline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Cache  cache.Store
	Locks  *keylock.Locker
	Log    *zap.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, log *zap.Logger) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Locks:  keylock.New(),
		Log:    logging.OrNop(log),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Timestamp formats the engine clock the way every stored timestamp is written.
func (e Engine) Timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log() *zap.Logger {
	return logging.OrNop(e.Log)
}

// Begin opens a write transaction whose events share the engine clock.
func (e Engine) Begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return tx, nil
}

func (e Engine) events() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.Now
	}
	return w
}

// Append records an event inside tx.
func (e Engine) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload events.EventPayload) error {
	return e.events().Append(ctx, tx, evtType, projectID, entityKind, entityID, actorID, payload)
}

// Invalidate drops a project from the read cache after a write.
func (e Engine) Invalidate(ctx context.Context, projectID string) {
	if e.Cache == nil || projectID == "" {
		return
	}
	if err := e.Cache.Invalidate(ctx, projectID); err != nil {
		e.log().Warn("cache invalidate failed", zap.String("project_id", projectID), zap.Error(err))
	}
}

// WithProjectLock runs fn while holding the per-project guard. In queue mode
// callers wait their turn; in reject mode a concurrent caller fails with
// domain.ErrReentrancyRejected.
func (e Engine) WithProjectLock(ctx context.Context, projectID string, fn func(ctx context.Context) error) error {
	if e.Locks == nil {
		return fn(ctx)
	}
	mode := config.ReentrancyQueue
	if e.Config != nil && e.Config.Engine.Reentrancy != "" {
		mode = e.Config.Engine.Reentrancy
	}
	var unlock func()
	if mode == config.ReentrancyReject {
		var ok bool
		unlock, ok = e.Locks.TryLock(projectID)
		if !ok {
			metrics.ReentrancyRejections.Inc()
			e.log().Info("project update dropped; another update is in flight", zap.String("project_id", projectID))
			return domain.ErrReentrancyRejected
		}
	} else {
		var err error
		unlock, err = e.Locks.Lock(ctx, projectID)
		if err != nil {
			return err
		}
	}
	defer unlock()
	return fn(ctx)
}

// translate maps store sentinels onto domain errors.
func translate(err error, notFound error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return notFound
	}
	return err
}

// --- projects ---

type ProjectCreateOptions struct {
	ID          string
	Name        string
	Description string
	ActorID     string
}

func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return domain.Project{}, domain.Invalid("name", "is required")
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.Timestamp()
	p := domain.Project{
		ID:                 id,
		Name:               name,
		Description:        opts.Description,
		Status:             domain.StatusPlanning,
		AllocatedMaterials: []string{},
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	tx, err := e.Begin(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Append(ctx, tx, events.ProjectCreated, p.ID, "project", p.ID, opts.ActorID, events.EventPayload{"name": p.Name, "status": p.Status}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// GetProject returns a live project. Soft-deleted projects are not found.
func (e Engine) GetProject(ctx context.Context, id string) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, id)
	if err != nil {
		return p, translate(err, domain.ErrProjectNotFound)
	}
	if p.Deleted {
		return domain.Project{}, domain.ErrProjectNotFound
	}
	return p, nil
}

func (e Engine) getLiveProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	p, err := e.Repo.GetProjectTx(ctx, tx, id)
	if err != nil {
		return p, translate(err, domain.ErrProjectNotFound)
	}
	if p.Deleted {
		return domain.Project{}, domain.ErrProjectNotFound
	}
	return p, nil
}

// LiveProjects lists every non-deleted project. It is the cache loader.
func (e Engine) LiveProjects(ctx context.Context) ([]domain.Project, error) {
	return e.Repo.ListProjects(ctx, repo.ProjectFilters{})
}

// ProjectUpdateOptions encapsulates allowed user edits.
type ProjectUpdateOptions struct {
	ID          string
	Name        *string
	Description *string
	Status      domain.ProjectStatus
	Progress    *int
	ActorID     string
	// Force permits moving status backwards.
	Force bool
}

// UpdateProject applies a user edit under the project guard.
func (e Engine) UpdateProject(ctx context.Context, opts ProjectUpdateOptions) (domain.Project, error) {
	var out domain.Project
	err := e.WithProjectLock(ctx, opts.ID, func(ctx context.Context) error {
		var err error
		out, err = e.updateProject(ctx, opts)
		return err
	})
	return out, err
}

func (e Engine) updateProject(ctx context.Context, opts ProjectUpdateOptions) (domain.Project, error) {
	tx, err := e.Begin(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	p, err := e.getLiveProjectTx(ctx, tx, opts.ID)
	if err != nil {
		return p, err
	}
	var patch repo.ProjectPatch
	changes := events.EventPayload{}
	if opts.Name != nil {
		name := strings.TrimSpace(*opts.Name)
		if name == "" {
			return p, domain.Invalid("name", "must not be empty")
		}
		patch.Name = &name
		changes["name"] = name
		p.Name = name
	}
	if opts.Description != nil {
		patch.Description = opts.Description
		changes["description"] = *opts.Description
		p.Description = *opts.Description
	}
	oldStatus := p.Status
	if opts.Status != "" && opts.Status != p.Status {
		if err := ensureProjectTransition(p.Status, opts.Status, opts.Force); err != nil {
			return p, err
		}
		status := opts.Status
		patch.Status = &status
		changes["status"] = status
		p.Status = status
	}
	if opts.Progress != nil {
		if *opts.Progress < 0 || *opts.Progress > 100 {
			return p, domain.Invalid("progress", "must be between 0 and 100")
		}
		patch.Progress = opts.Progress
		changes["progress"] = *opts.Progress
		p.Progress = *opts.Progress
	}
	if p.Progress == 100 && p.Status != domain.StatusCompleted {
		return p, domain.Invalid("progress", "100 requires status completed")
	}
	if patch.Empty() {
		return p, nil
	}
	p.UpdatedAt = e.Timestamp()
	if err := e.Repo.UpdateProjectFields(ctx, tx, p.ID, patch, p.UpdatedAt); err != nil {
		return p, translate(err, domain.ErrProjectNotFound)
	}
	if err := e.Append(ctx, tx, events.ProjectUpdated, p.ID, "project", p.ID, opts.ActorID, changes); err != nil {
		return p, err
	}
	if p.Status != oldStatus {
		if err := e.Append(ctx, tx, events.ProjectStatus, p.ID, "project", p.ID, opts.ActorID, events.EventPayload{
			"from": oldStatus, "to": p.Status, "forced": opts.Force,
		}); err != nil {
			return p, err
		}
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	e.Invalidate(ctx, p.ID)
	return p, nil
}

// AdvanceStatus moves a project forward to status. A project already at or
// past status is returned unchanged.
func (e Engine) AdvanceStatus(ctx context.Context, projectID string, status domain.ProjectStatus, actorID string) (domain.Project, error) {
	if !status.Valid() {
		return domain.Project{}, domain.Invalid("status", fmt.Sprintf("unknown status %q", status))
	}
	var out domain.Project
	err := e.WithProjectLock(ctx, projectID, func(ctx context.Context) error {
		p, err := e.GetProject(ctx, projectID)
		if err != nil {
			return err
		}
		if p.Status.AtLeast(status) {
			out = p
			return nil
		}
		out, err = e.updateProject(ctx, ProjectUpdateOptions{ID: projectID, Status: status, ActorID: actorID})
		return err
	})
	return out, err
}

// DeleteProject flags a project as deleted. Rows are never removed.
func (e Engine) DeleteProject(ctx context.Context, projectID, actorID string) error {
	return e.WithProjectLock(ctx, projectID, func(ctx context.Context) error {
		tx, err := e.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if _, err := e.getLiveProjectTx(ctx, tx, projectID); err != nil {
			return err
		}
		deleted := true
		if err := e.Repo.UpdateProjectFields(ctx, tx, projectID, repo.ProjectPatch{Deleted: &deleted}, e.Timestamp()); err != nil {
			return translate(err, domain.ErrProjectNotFound)
		}
		if err := e.Append(ctx, tx, events.ProjectDeleted, projectID, "project", projectID, actorID, nil); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		e.Invalidate(ctx, projectID)
		return nil
	})
}

func ensureProjectTransition(from, to domain.ProjectStatus, force bool) error {
	if !to.Valid() {
		return domain.Invalid("status", fmt.Sprintf("unknown status %q", to))
	}
	switch {
	case from == to:
		return nil
	case to.Rank() > from.Rank():
		return nil
	case force:
		return nil
	default:
		return fmt.Errorf("%w: %s -> %s (use force for manual corrections)", domain.ErrInvalidTransition, from, to)
	}
}
