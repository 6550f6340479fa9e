// Package production drives a project through manufacturing: it creates the
// stage batch, completes stages in sequence and finishes the project with a
// passport.
package production

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"forgeline/internal/config"
	"forgeline/internal/domain"
	"forgeline/internal/engine"
	"forgeline/internal/events"
	"forgeline/internal/logging"
	"forgeline/internal/metrics"
	"forgeline/internal/passport"
	"forgeline/internal/progress"
	"forgeline/internal/repo"
)

type Orchestrator struct {
	Engine engine.Engine
	Issuer passport.Issuer
	Log    *zap.Logger
}

func New(eng engine.Engine, issuer passport.Issuer, log *zap.Logger) Orchestrator {
	return Orchestrator{Engine: eng, Issuer: issuer, Log: logging.OrNop(log)}
}

func (o Orchestrator) log() *zap.Logger {
	return logging.OrNop(o.Log)
}

func (o Orchestrator) cfg() config.ProductionConfig {
	if o.Engine.Config != nil {
		return o.Engine.Config.Production
	}
	return config.Default().Production
}

func (o Orchestrator) observe(op string, started time.Time, err error) {
	metrics.ProductionOps.WithLabelValues(op, metrics.Outcome(err)).Inc()
	metrics.ProductionDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

type StartResult struct {
	Project domain.Project              `json:"project"`
	Stages  []domain.ManufacturingStage `json:"stages"`
}

// StartProduction creates the default stage batch when a project has none,
// moves the project to in_progress and begins the first open stage.
func (o Orchestrator) StartProduction(ctx context.Context, projectID, actorID string) (res StartResult, err error) {
	defer func(start time.Time) { o.observe("start", start, err) }(time.Now())
	err = o.Engine.WithProjectLock(ctx, projectID, func(ctx context.Context) error {
		var err error
		res, err = o.startProduction(ctx, projectID, actorID)
		return err
	})
	if err != nil {
		o.log().Warn("start production failed", zap.String("project_id", projectID), zap.Error(err))
		return res, domain.Persistence("start production", err)
	}
	return res, nil
}

func (o Orchestrator) startProduction(ctx context.Context, projectID, actorID string) (StartResult, error) {
	e := o.Engine
	cfg := o.cfg()
	tx, err := e.Begin(ctx)
	if err != nil {
		return StartResult{}, err
	}
	defer tx.Rollback()
	p, err := liveProject(ctx, e, tx, projectID)
	if err != nil {
		return StartResult{}, err
	}
	if p.Status.AtLeast(domain.StatusReadyForCompletion) {
		return StartResult{}, domain.Invalid("status", fmt.Sprintf("production already finished (status %s)", p.Status))
	}
	now := e.Timestamp()
	stages, err := e.Repo.ListStagesTx(ctx, tx, projectID)
	if err != nil {
		return StartResult{}, err
	}
	if len(stages) == 0 {
		stages = defaultStages(projectID, cfg.Stages, now)
		if err := e.Repo.InsertStages(ctx, tx, stages); err != nil {
			return StartResult{}, fmt.Errorf("insert default stages: %w", err)
		}
		ids := make([]string, 0, len(stages))
		for _, st := range stages {
			ids = append(ids, st.StageID)
		}
		if err := e.Append(ctx, tx, events.StagesCreated, projectID, "project", projectID, actorID, events.EventPayload{"stages": ids}); err != nil {
			return StartResult{}, err
		}
	}

	var patch repo.ProjectPatch
	if p.Status.Rank() < domain.StatusInProgress.Rank() {
		status := domain.StatusInProgress
		started := cfg.StartedProgress
		patch.Status = &status
		patch.Progress = &started
		from := p.Status
		p.Status, p.Progress = status, started
		if err := e.Append(ctx, tx, events.ProjectStatus, projectID, "project", projectID, actorID, events.EventPayload{"from": from, "to": status}); err != nil {
			return StartResult{}, err
		}
	}
	if p.StartDate == nil {
		patch.StartDate = &now
		p.StartDate = &now
	}
	if !patch.Empty() {
		p.UpdatedAt = now
		if err := e.Repo.UpdateProjectFields(ctx, tx, projectID, patch, now); err != nil {
			return StartResult{}, err
		}
	}

	if !anyInProgress(stages) {
		if i := firstOpen(stages); i >= 0 && stages[i].Status == domain.StagePending {
			if err := o.beginStage(ctx, tx, &stages[i], now, actorID); err != nil {
				return StartResult{}, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return StartResult{}, err
	}
	e.Invalidate(ctx, projectID)
	o.log().Info("production started", zap.String("project_id", projectID), zap.Int("stages", len(stages)))
	return StartResult{Project: p, Stages: stages}, nil
}

func defaultStages(projectID string, tmpl []config.StageTemplate, now string) []domain.ManufacturingStage {
	out := make([]domain.ManufacturingStage, 0, len(tmpl))
	for i, t := range tmpl {
		name := t.Name
		if name == "" {
			name = t.ID
		}
		out = append(out, domain.ManufacturingStage{
			ID:             uuid.New().String(),
			ProjectID:      projectID,
			StageID:        t.ID,
			Sequence:       i + 1,
			Name:           name,
			Status:         domain.StagePending,
			EstimatedHours: t.EstimatedHours,
			EnergyEstimate: t.EnergyEstimate,
			Workers:        []string{},
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}
	return out
}

func (o Orchestrator) beginStage(ctx context.Context, tx *sql.Tx, st *domain.ManufacturingStage, now, actorID string) error {
	st.Status = domain.StageInProgress
	if st.StartDate == nil {
		st.StartDate = &now
	}
	st.UpdatedAt = now
	if err := o.Engine.Repo.UpdateStage(ctx, tx, *st); err != nil {
		return fmt.Errorf("start stage %s: %w", st.StageID, err)
	}
	return o.Engine.Append(ctx, tx, events.StageStarted, st.ProjectID, "stage", st.ID, actorID, events.EventPayload{"stage_id": st.StageID})
}

func anyInProgress(stages []domain.ManufacturingStage) bool {
	for _, st := range stages {
		if st.Status == domain.StageInProgress {
			return true
		}
	}
	return false
}

// firstOpen returns the index of the first stage not yet completed, or -1.
func firstOpen(stages []domain.ManufacturingStage) int {
	for i, st := range stages {
		if st.Status != domain.StageCompleted {
			return i
		}
	}
	return -1
}

type StageResult struct {
	Project domain.Project            `json:"project"`
	Stage   domain.ManufacturingStage `json:"stage"`
	// Next is the stage started after this one, nil when none remain.
	Next *domain.ManufacturingStage `json:"next,omitempty"`
	// AllCompleted is set once every stage of the project is done.
	AllCompleted bool `json:"all_completed"`
}

// CompleteStage finishes the current stage and either starts the next one or
// marks the project ready for completion.
func (o Orchestrator) CompleteStage(ctx context.Context, stageID, actorID string) (res StageResult, err error) {
	defer func(start time.Time) { o.observe("complete_stage", start, err) }(time.Now())
	st, err := o.Engine.GetStage(ctx, stageID)
	if err != nil {
		return res, err
	}
	err = o.Engine.WithProjectLock(ctx, st.ProjectID, func(ctx context.Context) error {
		var err error
		res, err = o.completeStage(ctx, stageID, actorID)
		return err
	})
	if err != nil {
		o.log().Warn("complete stage failed", zap.String("project_id", st.ProjectID), zap.String("stage_id", stageID), zap.Error(err))
		return res, domain.Persistence("complete stage", err)
	}
	return res, nil
}

func (o Orchestrator) completeStage(ctx context.Context, stageID, actorID string) (StageResult, error) {
	e := o.Engine
	cfg := o.cfg()
	tx, err := e.Begin(ctx)
	if err != nil {
		return StageResult{}, err
	}
	defer tx.Rollback()
	st, err := e.Repo.GetStageTx(ctx, tx, stageID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return StageResult{}, domain.ErrStageNotFound
		}
		return StageResult{}, err
	}
	p, err := liveProject(ctx, e, tx, st.ProjectID)
	if err != nil {
		return StageResult{}, err
	}
	stages, err := e.Repo.ListStagesTx(ctx, tx, st.ProjectID)
	if err != nil {
		return StageResult{}, err
	}
	sum := progress.Aggregate(stages)
	if st.Status == domain.StageCompleted {
		return StageResult{Project: p, Stage: st, AllCompleted: sum.AllStagesCompleted}, nil
	}
	if p.Status != domain.StatusInProgress {
		return StageResult{}, domain.Invalid("status", fmt.Sprintf("production is not running (status %s)", p.Status))
	}
	idx := firstOpen(stages)
	if idx < 0 {
		return StageResult{}, domain.Invalid("stage_id", "every stage is already completed")
	}
	if stages[idx].ID != st.ID {
		return StageResult{}, domain.Invalid("stage_id", fmt.Sprintf("stage %s must be completed first", stages[idx].StageID))
	}
	if st.Status == domain.StageBlocked {
		return StageResult{}, domain.Invalid("stage_id", fmt.Sprintf("stage %s is blocked", st.StageID))
	}

	now := e.Timestamp()
	st.Status = domain.StageCompleted
	st.Progress = 100
	st.CompletedDate = &now
	if st.StartDate == nil {
		st.StartDate = &now
	}
	st.UpdatedAt = now
	if err := e.Repo.UpdateStage(ctx, tx, st); err != nil {
		return StageResult{}, fmt.Errorf("complete stage %s: %w", st.StageID, err)
	}
	if err := e.Append(ctx, tx, events.StageCompleted, st.ProjectID, "stage", st.ID, actorID, events.EventPayload{"stage_id": st.StageID}); err != nil {
		return StageResult{}, err
	}
	stages[idx] = st

	res := StageResult{Stage: st}
	completed := 0
	for _, s := range stages {
		if s.Status == domain.StageCompleted {
			completed++
		}
	}
	var patch repo.ProjectPatch
	if completed == len(stages) {
		status := domain.StatusReadyForCompletion
		ready := cfg.ReadyProgress
		patch.Status, patch.Progress = &status, &ready
		res.AllCompleted = true
		if err := e.Append(ctx, tx, events.ProjectStatus, p.ID, "project", p.ID, actorID, events.EventPayload{"from": p.Status, "to": status}); err != nil {
			return StageResult{}, err
		}
		p.Status, p.Progress = status, ready
	} else {
		if next := firstOpen(stages); next >= 0 && stages[next].Status == domain.StagePending {
			if err := o.beginStage(ctx, tx, &stages[next], now, actorID); err != nil {
				return StageResult{}, err
			}
			n := stages[next]
			res.Next = &n
		}
		pct := progress.ProjectProgress(completed, len(stages), cfg.StartedProgress)
		patch.Progress = &pct
		p.Progress = pct
	}
	p.UpdatedAt = now
	if err := e.Repo.UpdateProjectFields(ctx, tx, p.ID, patch, now); err != nil {
		return StageResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return StageResult{}, err
	}
	e.Invalidate(ctx, p.ID)
	res.Project = p
	return res, nil
}

// CompleteRequest describes the finished product.
type CompleteRequest struct {
	ProductName    string            `json:"product_name"`
	ProductType    string            `json:"product_type,omitempty"`
	Quantity       int               `json:"quantity,omitempty"`
	Specifications map[string]string `json:"specifications,omitempty"`
	ImageURL       string            `json:"image_url,omitempty"`
}

func (r CompleteRequest) normalize() (CompleteRequest, error) {
	r.ProductName = strings.TrimSpace(r.ProductName)
	if r.ProductName == "" {
		return r, domain.Invalid("product_name", "is required")
	}
	if r.Quantity < 0 {
		return r, domain.Invalid("quantity", "must not be negative")
	}
	if r.Quantity == 0 {
		r.Quantity = 1
	}
	return r, nil
}

// commitPayload is the staged outcome stored on a production commit.
type commitPayload struct {
	Request       CompleteRequest `json:"request"`
	ActorID       string          `json:"actor_id"`
	Totals        Totals          `json:"totals"`
	StockDeltas   []StockDelta    `json:"stock_deltas"`
	Specification Specification   `json:"specification"`
}

type CompleteResult struct {
	Project  domain.Project          `json:"project"`
	Passport domain.Passport         `json:"passport"`
	Commit   domain.ProductionCommit `json:"commit"`
	Totals   Totals                  `json:"totals"`
}

// CompleteProduction prices the project, issues its passport, consumes stock
// and marks the project completed. The outcome is first staged as a pending
// commit; a failure after that leaves the commit pending so a retry or
// Recover replays it without recomputing.
func (o Orchestrator) CompleteProduction(ctx context.Context, projectID string, req CompleteRequest, actorID string) (res CompleteResult, err error) {
	defer func(start time.Time) { o.observe("complete_production", start, err) }(time.Now())
	req, err = req.normalize()
	if err != nil {
		return res, err
	}
	err = o.Engine.WithProjectLock(ctx, projectID, func(ctx context.Context) error {
		commit, err := o.stage(ctx, projectID, req, actorID)
		if err != nil {
			return err
		}
		res, err = o.apply(ctx, commit)
		return err
	})
	if err != nil {
		o.log().Error("complete production failed", zap.String("project_id", projectID), zap.Error(err))
		return res, domain.Persistence("complete production", err)
	}
	o.log().Info("production completed", zap.String("project_id", projectID),
		zap.String("passport_id", res.Passport.ID), zap.Float64("total_carbon", res.Totals.TotalCarbon), zap.Float64("total_cost", res.Totals.TotalCost))
	return res, nil
}

// stage records the pending commit, or returns the one left by an earlier attempt.
func (o Orchestrator) stage(ctx context.Context, projectID string, req CompleteRequest, actorID string) (domain.ProductionCommit, error) {
	e := o.Engine
	tx, err := e.Begin(ctx)
	if err != nil {
		return domain.ProductionCommit{}, err
	}
	defer tx.Rollback()
	p, err := liveProject(ctx, e, tx, projectID)
	if err != nil {
		return domain.ProductionCommit{}, err
	}
	if p.Status != domain.StatusInProgress && p.Status != domain.StatusReadyForCompletion {
		return domain.ProductionCommit{}, domain.Invalid("status", fmt.Sprintf("project must be in_progress or ready_for_completion, not %s", p.Status))
	}
	pending, err := e.Repo.PendingCommitTx(ctx, tx, projectID)
	if err == nil {
		var prev commitPayload
		if err := json.Unmarshal([]byte(pending.PayloadJSON), &prev); err == nil && !reflect.DeepEqual(prev.Request, req) {
			o.log().Warn("resuming pending production commit with its original request",
				zap.String("project_id", projectID), zap.String("commit_id", pending.ID))
		}
		return pending, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.ProductionCommit{}, err
	}

	bom, err := e.Repo.ListBOMTx(ctx, tx, projectID)
	if err != nil {
		return domain.ProductionCommit{}, err
	}
	stages, err := e.Repo.ListStagesTx(ctx, tx, projectID)
	if err != nil {
		return domain.ProductionCommit{}, err
	}
	totals := ComputeTotals(bom, stages, o.cfg())
	payload := commitPayload{
		Request:       req,
		ActorID:       actorID,
		Totals:        totals,
		StockDeltas:   StockDeltas(bom),
		Specification: buildSpecification(bom, stages, totals, req.Specifications),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.ProductionCommit{}, fmt.Errorf("encode commit payload: %w", err)
	}
	commit := domain.ProductionCommit{
		ID:          uuid.New().String(),
		ProjectID:   projectID,
		Status:      domain.CommitPending,
		PayloadJSON: string(data),
		CreatedAt:   e.Timestamp(),
	}
	if err := e.Repo.InsertCommit(ctx, tx, commit); err != nil {
		return domain.ProductionCommit{}, fmt.Errorf("stage production commit: %w", err)
	}
	if err := e.Append(ctx, tx, events.ProductionStaged, projectID, "commit", commit.ID, actorID, events.EventPayload{
		"total_carbon": totals.TotalCarbon,
		"total_cost":   totals.TotalCost,
	}); err != nil {
		return domain.ProductionCommit{}, err
	}
	return commit, tx.Commit()
}

// apply derives the passport, stock and project writes from a pending commit.
func (o Orchestrator) apply(ctx context.Context, commit domain.ProductionCommit) (CompleteResult, error) {
	e := o.Engine
	var payload commitPayload
	if err := json.Unmarshal([]byte(commit.PayloadJSON), &payload); err != nil {
		return CompleteResult{}, fmt.Errorf("decode commit %s: %w", commit.ID, err)
	}
	if o.Issuer == nil {
		return CompleteResult{}, errors.New("passport issuer not configured")
	}
	pass, err := o.Issuer.Generate(ctx, passport.Request{
		CommitID:        commit.ID,
		ProjectID:       commit.ProjectID,
		ProductName:     payload.Request.ProductName,
		ProductType:     payload.Request.ProductType,
		Quantity:        payload.Request.Quantity,
		CarbonFootprint: payload.Totals.TotalCarbon,
		TotalCost:       payload.Totals.TotalCost,
		Specifications:  payload.Specification,
		ImageURL:        payload.Request.ImageURL,
		ActorID:         payload.ActorID,
	})
	if err != nil {
		return CompleteResult{}, fmt.Errorf("issue passport: %w", err)
	}

	tx, err := e.Begin(ctx)
	if err != nil {
		return CompleteResult{}, err
	}
	defer tx.Rollback()
	p, err := liveProject(ctx, e, tx, commit.ProjectID)
	if err != nil {
		return CompleteResult{}, err
	}
	now := e.Timestamp()
	for _, d := range payload.StockDeltas {
		m, err := e.Repo.GetMaterialTx(ctx, tx, d.MaterialID)
		if errors.Is(err, repo.ErrNotFound) {
			o.log().Warn("consumed material no longer exists", zap.String("project_id", p.ID), zap.String("material_id", d.MaterialID))
			continue
		}
		if err != nil {
			return CompleteResult{}, err
		}
		after := consume(m.Quantity, d.QuantityRequired)
		if err := e.Repo.SetMaterialQuantity(ctx, tx, m.ID, after, now); err != nil {
			return CompleteResult{}, fmt.Errorf("consume material %s: %w", m.ID, err)
		}
		m.Quantity, m.UpdatedAt = after, now
		if err := e.Append(ctx, tx, events.MaterialUpdated, "", "material", m.ID, payload.ActorID, events.EventPayload{
			"name":             m.Name,
			"category":         m.Category,
			"unit":             m.Unit,
			"quantity":         m.Quantity,
			"cost_per_unit":    m.CostPerUnit,
			"carbon_footprint": m.CarbonFootprint,
			"supplier":         m.Supplier,
			"updated_at":       m.UpdatedAt,
			"consumed_by":      p.ID,
		}); err != nil {
			return CompleteResult{}, err
		}
	}

	status := domain.StatusCompleted
	full := 100
	cost, carbon := payload.Totals.TotalCost, payload.Totals.TotalCarbon
	patch := repo.ProjectPatch{Status: &status, Progress: &full, CompletionDate: &now, TotalCost: &cost, TotalCarbon: &carbon}
	if err := e.Repo.UpdateProjectFields(ctx, tx, p.ID, patch, now); err != nil {
		return CompleteResult{}, err
	}
	if err := e.Repo.MarkCommitApplied(ctx, tx, commit.ID, pass.ID, now); err != nil {
		return CompleteResult{}, fmt.Errorf("apply commit %s: %w", commit.ID, err)
	}
	if err := e.Append(ctx, tx, events.ProductionDone, p.ID, "project", p.ID, payload.ActorID, events.EventPayload{
		"from":         p.Status,
		"passport_id":  pass.ID,
		"commit_id":    commit.ID,
		"total_cost":   cost,
		"total_carbon": carbon,
	}); err != nil {
		return CompleteResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return CompleteResult{}, err
	}
	e.Invalidate(ctx, p.ID)

	p.Status, p.Progress, p.CompletionDate = status, full, &now
	p.TotalCost, p.TotalCarbonFootprint, p.UpdatedAt = cost, carbon, now
	commit.Status, commit.PassportID, commit.AppliedAt = domain.CommitApplied, &pass.ID, &now
	return CompleteResult{Project: p, Passport: pass, Commit: commit, Totals: payload.Totals}, nil
}

// Recover replays every pending production commit. It returns how many were
// applied and the joined errors of those that failed again.
func (o Orchestrator) Recover(ctx context.Context) (int, error) {
	pending, err := o.Engine.Repo.ListPendingCommits(ctx)
	if err != nil {
		return 0, domain.Persistence("list pending commits", err)
	}
	applied := 0
	var errs []error
	for _, c := range pending {
		err := o.Engine.WithProjectLock(ctx, c.ProjectID, func(ctx context.Context) error {
			_, err := o.apply(ctx, c)
			return err
		})
		if err != nil {
			o.log().Warn("replay production commit failed", zap.String("project_id", c.ProjectID), zap.String("commit_id", c.ID), zap.Error(err))
			errs = append(errs, fmt.Errorf("commit %s: %w", c.ID, err))
			continue
		}
		applied++
	}
	return applied, errors.Join(errs...)
}

func liveProject(ctx context.Context, e engine.Engine, tx *sql.Tx, id string) (domain.Project, error) {
	p, err := e.Repo.GetProjectTx(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return p, domain.ErrProjectNotFound
	}
	if err != nil {
		return p, err
	}
	if p.Deleted {
		return domain.Project{}, domain.ErrProjectNotFound
	}
	return p, nil
}
