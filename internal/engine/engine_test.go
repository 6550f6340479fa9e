package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"forgeline/internal/config"
	"forgeline/internal/db"
	"forgeline/internal/domain"
	"forgeline/internal/engine"
	"forgeline/internal/events"
	"forgeline/internal/migrate"
	"forgeline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default(), zap.NewNop())
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.CreateProject(ctx, engine.ProjectCreateOptions{ID: "proj-1", Name: "Chair", ActorID: "tester"}); err != nil {
		t.Fatalf("create project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func ptr[T any](v T) *T { return &v }

func TestCreateProjectDefaults(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.GetProject(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if p.Status != domain.StatusPlanning || p.Progress != 0 {
		t.Fatalf("expected planning at 0%%, got %s at %d", p.Status, p.Progress)
	}
	if p.AllocatedMaterials == nil || len(p.AllocatedMaterials) != 0 {
		t.Fatalf("expected empty allocated materials, got %v", p.AllocatedMaterials)
	}
	if _, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{Name: "   "}); err == nil {
		t.Fatalf("expected blank name to be rejected")
	}
	gen, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{Name: "Generated"})
	if err != nil || gen.ID == "" {
		t.Fatalf("expected generated id, got %q (%v)", gen.ID, err)
	}
}

func TestProjectStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.UpdateProject(env.Ctx, engine.ProjectUpdateOptions{ID: "proj-1", Status: domain.StatusDesign, ActorID: "tester"})
	if err != nil || p.Status != domain.StatusDesign {
		t.Fatalf("to design: %v", err)
	}
	// backwards without force
	_, err = env.Engine.UpdateProject(env.Ctx, engine.ProjectUpdateOptions{ID: "proj-1", Status: domain.StatusPlanning, ActorID: "tester"})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	p, err = env.Engine.UpdateProject(env.Ctx, engine.ProjectUpdateOptions{ID: "proj-1", Status: domain.StatusPlanning, ActorID: "tester", Force: true})
	if err != nil || p.Status != domain.StatusPlanning {
		t.Fatalf("forced back to planning: %v", err)
	}
	_, err = env.Engine.UpdateProject(env.Ctx, engine.ProjectUpdateOptions{ID: "proj-1", Status: "shipped", ActorID: "tester"})
	var verr *domain.ValidationError
	if !errors.As(err, &verr) || verr.Field != "status" {
		t.Fatalf("expected status validation error, got %v", err)
	}
}

func TestProgressHundredRequiresCompleted(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.UpdateProject(env.Ctx, engine.ProjectUpdateOptions{ID: "proj-1", Progress: ptr(100), ActorID: "tester"})
	var verr *domain.ValidationError
	if !errors.As(err, &verr) || verr.Field != "progress" {
		t.Fatalf("expected progress validation error, got %v", err)
	}
	_, err = env.Engine.UpdateProject(env.Ctx, engine.ProjectUpdateOptions{ID: "proj-1", Progress: ptr(101), ActorID: "tester"})
	if !errors.As(err, &verr) {
		t.Fatalf("expected out of range progress to fail, got %v", err)
	}
	p, err := env.Engine.UpdateProject(env.Ctx, engine.ProjectUpdateOptions{ID: "proj-1", Status: domain.StatusCompleted, Progress: ptr(100), ActorID: "tester"})
	if err != nil || p.Progress != 100 {
		t.Fatalf("completed at 100: %v", err)
	}
	// Moving away from completed while keeping 100 breaks the invariant.
	_, err = env.Engine.UpdateProject(env.Ctx, engine.ProjectUpdateOptions{ID: "proj-1", Status: domain.StatusDesign, Force: true, ActorID: "tester"})
	if !errors.As(err, &verr) {
		t.Fatalf("expected forced regression at 100%% to fail, got %v", err)
	}
}

func TestAdvanceStatusIsMonotonic(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.AdvanceStatus(env.Ctx, "proj-1", domain.StatusInProgress, "tester")
	if err != nil || p.Status != domain.StatusInProgress {
		t.Fatalf("advance to in_progress: %v", err)
	}
	p, err = env.Engine.AdvanceStatus(env.Ctx, "proj-1", domain.StatusDesign, "tester")
	if err != nil {
		t.Fatalf("advance to earlier status: %v", err)
	}
	if p.Status != domain.StatusInProgress {
		t.Fatalf("expected status unchanged, got %s", p.Status)
	}
}

func TestDeleteProjectIsSoft(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.DeleteProject(env.Ctx, "proj-1", "tester"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Engine.GetProject(env.Ctx, "proj-1"); !errors.Is(err, domain.ErrProjectNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	all, err := env.Engine.Repo.ListProjects(env.Ctx, repo.ProjectFilters{IncludeDeleted: true})
	if err != nil || len(all) != 1 || !all[0].Deleted {
		t.Fatalf("expected deleted row to remain, got %+v (%v)", all, err)
	}
	if err := env.Engine.DeleteProject(env.Ctx, "proj-1", "tester"); !errors.Is(err, domain.ErrProjectNotFound) {
		t.Fatalf("expected second delete to report not found, got %v", err)
	}
}

func TestEventsRecordedWithStateChanges(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.UpdateProject(env.Ctx, engine.ProjectUpdateOptions{ID: "proj-1", Status: domain.StatusDesign}); err != nil {
		t.Fatalf("update: %v", err)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, 0, repo.EventFilters{ProjectID: "proj-1"})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var types []string
	for _, e := range evts {
		types = append(types, e.Type)
	}
	want := []string{events.ProjectStatus, events.ProjectUpdated, events.ProjectCreated}
	if len(types) != len(want) {
		t.Fatalf("expected %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, types)
		}
	}
	if evts[0].ActorID != events.SystemActor {
		t.Fatalf("expected empty actor to be recorded as %q, got %q", events.SystemActor, evts[0].ActorID)
	}
}

func TestRejectModeDropsConcurrentUpdate(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Engine.Reentrancy = config.ReentrancyReject
	unlock, err := env.Engine.Locks.Lock(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	_, err = env.Engine.UpdateProject(env.Ctx, engine.ProjectUpdateOptions{ID: "proj-1", Name: ptr("Stool")})
	if !errors.Is(err, domain.ErrReentrancyRejected) {
		t.Fatalf("expected reentrancy rejection, got %v", err)
	}
	unlock()
	p, err := env.Engine.UpdateProject(env.Ctx, engine.ProjectUpdateOptions{ID: "proj-1", Name: ptr("Stool")})
	if err != nil || p.Name != "Stool" {
		t.Fatalf("update after unlock: %v", err)
	}
}

func TestQueueModeSerializesUpdates(t *testing.T) {
	env := newTestEnv(t)
	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := env.Engine.UpdateProject(env.Ctx, engine.ProjectUpdateOptions{ID: "proj-1", Progress: ptr(i * 10)})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("queued update failed: %v", err)
		}
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, 0, repo.EventFilters{ProjectID: "proj-1", Type: events.ProjectUpdated})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) != n {
		t.Fatalf("expected %d updates recorded, got %d", n, len(evts))
	}
}

func TestMaterialsAndBOM(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateMaterial(env.Ctx, engine.MaterialInput{Name: "Steel", Quantity: -1}, "tester"); err == nil {
		t.Fatalf("expected negative stock to be rejected")
	}
	m, err := env.Engine.CreateMaterial(env.Ctx, engine.MaterialInput{ID: "steel", Name: "Steel", Quantity: 50, CostPerUnit: 2}, "tester")
	if err != nil {
		t.Fatalf("create material: %v", err)
	}
	m, err = env.Engine.UpdateMaterial(env.Ctx, m.ID, engine.MaterialPatch{Quantity: ptr(40.0)}, "tester")
	if err != nil || m.Quantity != 40 {
		t.Fatalf("update material: %v", err)
	}
	if _, err := env.Engine.SetBOMLine(env.Ctx, domain.BOMLine{ProjectID: "proj-1", MaterialID: "steel"}, "tester"); err == nil {
		t.Fatalf("expected zero quantity to be rejected")
	}
	if _, err := env.Engine.SetBOMLine(env.Ctx, domain.BOMLine{ProjectID: "proj-1", MaterialID: "nope", QuantityRequired: 1}, "tester"); !errors.Is(err, domain.ErrMaterialNotFound) {
		t.Fatalf("expected material not found, got %v", err)
	}
	if _, err := env.Engine.SetBOMLine(env.Ctx, domain.BOMLine{ProjectID: "proj-1", MaterialID: "steel", QuantityRequired: 5}, "tester"); err != nil {
		t.Fatalf("set bom line: %v", err)
	}
	bom, err := env.Engine.ListBOM(env.Ctx, "proj-1")
	if err != nil || len(bom) != 1 || bom[0].Material.Name != "Steel" || bom[0].QuantityRequired != 5 {
		t.Fatalf("unexpected bom %+v (%v)", bom, err)
	}
	p, _ := env.Engine.GetProject(env.Ctx, "proj-1")
	if len(p.AllocatedMaterials) != 1 || p.AllocatedMaterials[0] != "steel" {
		t.Fatalf("expected steel allocated, got %v", p.AllocatedMaterials)
	}
	if err := env.Engine.RemoveBOMLine(env.Ctx, "proj-1", "steel", "tester"); err != nil {
		t.Fatalf("remove bom line: %v", err)
	}
	if err := env.Engine.RemoveBOMLine(env.Ctx, "proj-1", "steel", "tester"); !errors.Is(err, domain.ErrMaterialNotFound) {
		t.Fatalf("expected missing line to report not found, got %v", err)
	}
	if err := env.Engine.DeleteMaterial(env.Ctx, "steel", "tester"); err != nil {
		t.Fatalf("delete material: %v", err)
	}
	if _, err := env.Engine.GetMaterial(env.Ctx, "steel"); !errors.Is(err, domain.ErrMaterialNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestGetStageNotFound(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.GetStage(env.Ctx, "missing"); !errors.Is(err, domain.ErrStageNotFound) {
		t.Fatalf("expected stage not found, got %v", err)
	}
	if _, err := env.Engine.UpdateStage(env.Ctx, engine.StageUpdateOptions{ID: "missing", Progress: ptr(5)}); !errors.Is(err, domain.ErrStageNotFound) {
		t.Fatalf("expected stage not found on update, got %v", err)
	}
}
