package phase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"forgeline/internal/cache"
	"forgeline/internal/domain"
	"forgeline/internal/logging"
	"forgeline/internal/metrics"
	"forgeline/internal/production"
	"forgeline/internal/progress"
)

type ProjectReader interface {
	GetProject(ctx context.Context, id string) (domain.Project, error)
}

type StageReader interface {
	ListStages(ctx context.Context, projectID string) ([]domain.ManufacturingStage, error)
}

type PassportReader interface {
	Latest(ctx context.Context, projectID string) (domain.Passport, error)
}

type StatusAdvancer interface {
	AdvanceStatus(ctx context.Context, projectID string, status domain.ProjectStatus, actorID string) (domain.Project, error)
}

type Production interface {
	StartProduction(ctx context.Context, projectID, actorID string) (production.StartResult, error)
	CompleteStage(ctx context.Context, stageID, actorID string) (production.StageResult, error)
	CompleteProduction(ctx context.Context, projectID string, req production.CompleteRequest, actorID string) (production.CompleteResult, error)
}

// Deps are the collaborators a Session reads and writes through.
type Deps struct {
	Projects   ProjectReader
	Cache      cache.Store
	Stages     StageReader
	Passports  PassportReader
	Status     StatusAdvancer
	Production Production
	// SettleDelay is waited after a confirmed write before re-reading.
	SettleDelay time.Duration
	Log         *zap.Logger
}

// Session is one user's walk through a project's lifecycle. Its methods are
// serialized; the overlay is private to the session.
type Session struct {
	ID      string
	ActorID string

	deps Deps
	log  *zap.Logger

	mu      sync.Mutex
	project *domain.Project
	view    PersistedProjectView
	stages  []domain.ManufacturingStage
	summary progress.Summary
	overlay OptimisticOverlay
	current int
}

func NewSession(id, actorID string, deps Deps) *Session {
	return &Session{ID: id, ActorID: actorID, deps: deps, log: logging.OrNop(deps.Log).With(zap.String("session_id", id))}
}

// State is a point-in-time copy of a session.
type State struct {
	SessionID    string                      `json:"session_id"`
	Project      *domain.Project             `json:"project,omitempty"`
	View         PersistedProjectView        `json:"view"`
	Overlay      OptimisticOverlay           `json:"overlay"`
	Summary      progress.Summary            `json:"summary"`
	Stages       []domain.ManufacturingStage `json:"stages"`
	Phases       []Phase                     `json:"phases"`
	CurrentIndex int                         `json:"current_index"`
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state()
}

func (s *Session) state() State {
	st := State{
		SessionID:    s.ID,
		View:         s.view,
		Overlay:      s.overlay,
		Summary:      s.summary,
		Stages:       append([]domain.ManufacturingStage(nil), s.stages...),
		Phases:       s.phases(),
		CurrentIndex: s.current,
	}
	if s.project != nil {
		p := *s.project
		st.Project = &p
	}
	return st
}

func (s *Session) phases() []Phase {
	return Compute(Input{Project: s.view, Summary: s.summary, Local: s.overlay, CurrentIndex: s.current})
}

func (s *Session) Phases() []Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phases()
}

// SelectProject resolves id and lands the session on the furthest phase its
// persisted status implies. Reads go direct, then through a refreshed cache,
// then direct once more.
func (s *Session) SelectProject(ctx context.Context, id string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.resolve(ctx, id)
	if err != nil {
		s.log.Warn("project selection failed", zap.String("project_id", id), zap.Error(err))
		return s.state(), err
	}
	same := s.view.ProjectID == p.ID
	s.project = &p
	s.view = PersistedProjectView{ProjectID: p.ID, Status: p.Status, PassportID: s.passportID(ctx, p.ID)}
	if same {
		s.overlay = Merge(s.view, s.overlay)
	} else {
		s.overlay = Merge(s.view, OptimisticOverlay{})
	}
	s.loadStages(ctx)
	s.current = TargetIndex(p.Status)
	return s.state(), nil
}

func (s *Session) resolve(ctx context.Context, id string) (domain.Project, error) {
	var lastErr error
	attempt := func(source string, read func() (domain.Project, bool, error)) (domain.Project, bool) {
		p, ok, err := read()
		switch {
		case err != nil && !errors.Is(err, domain.ErrProjectNotFound):
			lastErr = err
			metrics.ProjectSelections.WithLabelValues(source, "error").Inc()
			s.log.Debug("project read failed", zap.String("source", source), zap.String("project_id", id), zap.Error(err))
		case ok && !p.Deleted:
			metrics.ProjectSelections.WithLabelValues(source, "hit").Inc()
			return p, true
		default:
			metrics.ProjectSelections.WithLabelValues(source, "miss").Inc()
		}
		return domain.Project{}, false
	}
	direct := func() (domain.Project, bool, error) {
		p, err := s.deps.Projects.GetProject(ctx, id)
		return p, err == nil, err
	}
	if p, ok := attempt("direct", direct); ok {
		return p, nil
	}
	if s.deps.Cache != nil {
		cached := func() (domain.Project, bool, error) {
			if err := s.deps.Cache.Refresh(ctx); err != nil {
				return domain.Project{}, false, err
			}
			return s.deps.Cache.Get(ctx, id)
		}
		if p, ok := attempt("cache", cached); ok {
			return p, nil
		}
	}
	if p, ok := attempt("direct_retry", direct); ok {
		return p, nil
	}
	if lastErr != nil {
		return domain.Project{}, &domain.PersistenceError{Op: "select project " + id, Err: lastErr}
	}
	return domain.Project{}, domain.ErrProjectNotFound
}

func (s *Session) passportID(ctx context.Context, projectID string) string {
	if s.deps.Passports == nil {
		return ""
	}
	p, err := s.deps.Passports.Latest(ctx, projectID)
	if err != nil {
		if !errors.Is(err, domain.ErrPassportNotFound) {
			s.log.Warn("passport lookup failed", zap.String("project_id", projectID), zap.Error(err))
		}
		return ""
	}
	return p.ID
}

// loadStages refreshes the stage set. A failed read keeps the session usable
// on the persisted status alone.
func (s *Session) loadStages(ctx context.Context) {
	if s.deps.Stages == nil || !s.view.Selected() {
		return
	}
	stages, err := s.deps.Stages.ListStages(ctx, s.view.ProjectID)
	if err != nil {
		s.log.Warn("stage load failed", zap.String("project_id", s.view.ProjectID), zap.Error(err))
		return
	}
	s.stages = stages
	s.summary = progress.Aggregate(stages)
}

// Advance moves to the next phase if it is accessible.
func (s *Session) Advance() (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, ok := Advance(s.phases(), s.current)
	if ok {
		metrics.PhaseAdvances.WithLabelValues("allowed").Inc()
		s.current = next
	} else {
		metrics.PhaseAdvances.WithLabelValues("blocked").Inc()
		s.log.Debug("phase transition blocked", zap.Int("current_index", s.current))
	}
	return s.state(), ok
}

// GoTo jumps to an accessible phase.
func (s *Session) GoTo(index int) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	phases := s.phases()
	if index < 0 || index >= len(phases) {
		return s.state(), domain.Invalid("index", fmt.Sprintf("must be between 0 and %d", len(phases)-1))
	}
	if !phases[index].AllowAccess {
		return s.state(), domain.Invalid("index", fmt.Sprintf("phase %s is locked", phases[index].ID))
	}
	s.current = index
	return s.state(), nil
}

// Abandon clears the selection and every optimistic flag.
func (s *Session) Abandon() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.project = nil
	s.view = PersistedProjectView{}
	s.stages = nil
	s.summary = progress.Summary{}
	s.overlay = OptimisticOverlay{}
	s.current = IndexSetup
	return s.state()
}

func (s *Session) requirePhase(index int) error {
	if !s.view.Selected() {
		return domain.Invalid("project_id", "no project selected")
	}
	if p := s.phases()[index]; !p.AllowAccess {
		return domain.Invalid("phase", fmt.Sprintf("phase %s is locked", p.ID))
	}
	return nil
}

// optimistic flips the overlay before action runs and restores it if the
// action fails. A rejected re-entrant call is logged and dropped.
func (s *Session) optimistic(ctx context.Context, op string, mutate func(*OptimisticOverlay), action func(ctx context.Context) error) error {
	prevOverlay, prevIndex := s.overlay, s.current
	mutate(&s.overlay)
	err := action(ctx)
	if errors.Is(err, domain.ErrReentrancyRejected) {
		s.overlay, s.current = prevOverlay, prevIndex
		s.log.Info("duplicate action dropped", zap.String("op", op), zap.String("project_id", s.view.ProjectID))
		return nil
	}
	if err != nil {
		s.overlay, s.current = prevOverlay, prevIndex
		return err
	}
	if err := sleepCtx(ctx, s.deps.SettleDelay); err != nil {
		return nil
	}
	s.reload(ctx)
	return nil
}

// reload re-reads the project after a confirmed write and folds the
// persisted state into the overlay.
func (s *Session) reload(ctx context.Context) {
	p, err := s.deps.Projects.GetProject(ctx, s.view.ProjectID)
	if err != nil {
		s.log.Warn("read-after-write failed", zap.String("project_id", s.view.ProjectID), zap.Error(err))
		return
	}
	s.project = &p
	s.view.Status = p.Status
	if id := s.passportID(ctx, p.ID); id != "" {
		s.view.PassportID = id
	}
	s.overlay = Merge(s.view, s.overlay)
	s.loadStages(ctx)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// CompleteBOM marks the bill of materials done and moves the project to design.
func (s *Session) CompleteBOM(ctx context.Context) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requirePhase(IndexBOM); err != nil {
		return s.state(), err
	}
	id := s.view.ProjectID
	err := s.optimistic(ctx, "complete_bom",
		func(o *OptimisticOverlay) { o.BOMCompleted = true },
		func(ctx context.Context) error {
			_, err := s.deps.Status.AdvanceStatus(ctx, id, domain.StatusDesign, s.ActorID)
			return err
		})
	if err == nil && s.overlay.BOMCompleted {
		s.current = max(s.current, IndexProductionPlanning)
	}
	return s.state(), err
}

// CompletePlanning confirms the plan and starts production.
func (s *Session) CompletePlanning(ctx context.Context) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requirePhase(IndexProductionPlanning); err != nil {
		return s.state(), err
	}
	id := s.view.ProjectID
	finished := s.view.Status.AtLeast(domain.StatusReadyForCompletion)
	err := s.optimistic(ctx, "complete_planning",
		func(o *OptimisticOverlay) {
			o.BOMCompleted = true
			o.ProductionPlanningCompleted = true
			o.ManufacturingStarted = true
		},
		func(ctx context.Context) error {
			if finished {
				return nil
			}
			_, err := s.deps.Production.StartProduction(ctx, id, s.ActorID)
			return err
		})
	if err == nil && s.overlay.ProductionPlanningCompleted {
		s.current = max(s.current, IndexManufacturing)
	}
	return s.state(), err
}

// CompleteStage finishes one manufacturing stage.
func (s *Session) CompleteStage(ctx context.Context, stageID string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requirePhase(IndexManufacturing); err != nil {
		return s.state(), err
	}
	last := s.isLastOpenStage(stageID)
	var allDone bool
	err := s.optimistic(ctx, "complete_stage",
		func(o *OptimisticOverlay) {
			o.ManufacturingStarted = true
			if last {
				o.ManufacturingCompleted = true
			}
		},
		func(ctx context.Context) error {
			res, err := s.deps.Production.CompleteStage(ctx, stageID, s.ActorID)
			allDone = res.AllCompleted
			return err
		})
	if err == nil && allDone {
		s.overlay.ManufacturingCompleted = true
		s.current = max(s.current, IndexQualityControl)
	}
	return s.state(), err
}

func (s *Session) isLastOpenStage(stageID string) bool {
	open := 0
	match := false
	for _, st := range s.stages {
		if st.Status != domain.StageCompleted {
			open++
			match = match || st.ID == stageID
		}
	}
	return open == 1 && match
}

// CompleteProduction passes quality control and issues the passport.
func (s *Session) CompleteProduction(ctx context.Context, req production.CompleteRequest) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requirePhase(IndexQualityControl); err != nil {
		return s.state(), err
	}
	id := s.view.ProjectID
	var passportID string
	err := s.optimistic(ctx, "complete_production",
		func(o *OptimisticOverlay) { o.QualityControlCompleted = true },
		func(ctx context.Context) error {
			res, err := s.deps.Production.CompleteProduction(ctx, id, req, s.ActorID)
			passportID = res.Passport.ID
			return err
		})
	if err == nil && passportID != "" {
		s.view.PassportID = passportID
		s.current = IndexPassport
	}
	return s.state(), err
}
