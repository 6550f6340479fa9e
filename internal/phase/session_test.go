package phase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"forgeline/internal/domain"
	"forgeline/internal/production"
)

var errStoreDown = errors.New("store unavailable")

// fakeStore serves projects with scripted failures. misses makes the first
// direct reads report not found, failures makes them error.
type fakeStore struct {
	mu       sync.Mutex
	projects map[string]domain.Project
	misses   int
	failures int
	reads    int

	cacheHit     bool
	cacheErr     error
	refreshCalls int

	advanceErr error
	startErr   error
	stageRes   production.StageResult
	passportID string
}

func newFakeStore(projects ...domain.Project) *fakeStore {
	f := &fakeStore{projects: map[string]domain.Project{}}
	for _, p := range projects {
		f.projects[p.ID] = p
	}
	return f
}

func (f *fakeStore) GetProject(_ context.Context, id string) (domain.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.failures > 0 {
		f.failures--
		return domain.Project{}, errStoreDown
	}
	if f.misses > 0 {
		f.misses--
		return domain.Project{}, domain.ErrProjectNotFound
	}
	p, ok := f.projects[id]
	if !ok {
		return domain.Project{}, domain.ErrProjectNotFound
	}
	return p, nil
}

func (f *fakeStore) Get(_ context.Context, id string) (domain.Project, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.cacheHit {
		return domain.Project{}, false, nil
	}
	p, ok := f.projects[id]
	return p, ok, nil
}

func (f *fakeStore) Refresh(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	return f.cacheErr
}

func (f *fakeStore) Invalidate(context.Context, string) error { return nil }

func (f *fakeStore) ListStages(context.Context, string) ([]domain.ManufacturingStage, error) {
	return nil, nil
}

func (f *fakeStore) Latest(_ context.Context, projectID string) (domain.Passport, error) {
	if f.passportID == "" {
		return domain.Passport{}, domain.ErrPassportNotFound
	}
	return domain.Passport{ID: f.passportID, ProjectID: projectID}, nil
}

func (f *fakeStore) setStatus(id string, s domain.ProjectStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.projects[id]
	p.Status = s
	f.projects[id] = p
}

func (f *fakeStore) AdvanceStatus(_ context.Context, id string, s domain.ProjectStatus, _ string) (domain.Project, error) {
	if f.advanceErr != nil {
		return domain.Project{}, f.advanceErr
	}
	f.setStatus(id, s)
	return f.projects[id], nil
}

func (f *fakeStore) StartProduction(_ context.Context, id, _ string) (production.StartResult, error) {
	if f.startErr != nil {
		return production.StartResult{}, f.startErr
	}
	f.setStatus(id, domain.StatusInProgress)
	return production.StartResult{Project: f.projects[id]}, nil
}

func (f *fakeStore) CompleteStage(context.Context, string, string) (production.StageResult, error) {
	return f.stageRes, nil
}

func (f *fakeStore) CompleteProduction(_ context.Context, id string, _ production.CompleteRequest, _ string) (production.CompleteResult, error) {
	f.setStatus(id, domain.StatusCompleted)
	f.passportID = "pp-1"
	return production.CompleteResult{Passport: domain.Passport{ID: "pp-1"}}, nil
}

func newTestSession(f *fakeStore) *Session {
	return NewSession("s1", "op", Deps{
		Projects:   f,
		Cache:      f,
		Stages:     f,
		Passports:  f,
		Status:     f,
		Production: f,
		Log:        zap.NewNop(),
	})
}

func TestSelectProjectLandsOnStatusPhase(t *testing.T) {
	f := newFakeStore(domain.Project{ID: "p1", Status: domain.StatusInProgress})
	s := newTestSession(f)
	st, err := s.SelectProject(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, IndexManufacturing, st.CurrentIndex)
	assert.True(t, st.Overlay.BOMCompleted)
	assert.True(t, st.Overlay.ManufacturingStarted)
	assert.Equal(t, Current, st.Phases[IndexManufacturing].Status)
	assert.Zero(t, f.refreshCalls, "a direct hit must not touch the cache")
}

func TestSelectSameProjectTwiceIsStable(t *testing.T) {
	ctx := context.Background()
	f := newFakeStore(domain.Project{ID: "p1", Status: domain.StatusInProgress})
	s := newTestSession(f)
	first, err := s.SelectProject(ctx, "p1")
	require.NoError(t, err)
	again, err := s.SelectProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, first.CurrentIndex, again.CurrentIndex)
	assert.Equal(t, first.Phases, again.Phases)
	assert.Equal(t, first.Overlay, again.Overlay)

	acted, err := s.CompleteStage(ctx, "stage-1")
	require.NoError(t, err)
	assert.Equal(t, IndexManufacturing, acted.CurrentIndex)
	after, err := s.SelectProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, first.CurrentIndex, after.CurrentIndex)
	assert.Equal(t, first.Phases, after.Phases)
}

func TestReselectAfterActionKeepsConfirmedPhase(t *testing.T) {
	ctx := context.Background()
	f := newFakeStore(domain.Project{ID: "p1", Status: domain.StatusPlanning})
	s := newTestSession(f)
	_, err := s.SelectProject(ctx, "p1")
	require.NoError(t, err)
	done, err := s.CompleteBOM(ctx)
	require.NoError(t, err)

	again, err := s.SelectProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, done.CurrentIndex, again.CurrentIndex)
	assert.Equal(t, done.Phases, again.Phases)
	assert.True(t, again.Overlay.BOMCompleted)
}

func TestSelectProjectFallsBackToCache(t *testing.T) {
	f := newFakeStore(domain.Project{ID: "p1", Status: domain.StatusPlanning})
	f.failures = 1
	f.cacheHit = true
	s := newTestSession(f)
	st, err := s.SelectProject(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", st.View.ProjectID)
	assert.Equal(t, 1, f.refreshCalls)
	assert.Equal(t, 1, f.reads)
}

func TestSelectProjectRetriesDirectAfterCacheMiss(t *testing.T) {
	f := newFakeStore(domain.Project{ID: "p1", Status: domain.StatusDesign})
	f.misses = 1
	s := newTestSession(f)
	st, err := s.SelectProject(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, IndexProductionPlanning, st.CurrentIndex)
	assert.Equal(t, 2, f.reads)
}

func TestSelectProjectErrors(t *testing.T) {
	f := newFakeStore()
	s := newTestSession(f)
	_, err := s.SelectProject(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrProjectNotFound)

	f = newFakeStore(domain.Project{ID: "p1"})
	f.failures = 2
	f.cacheErr = errStoreDown
	s = newTestSession(f)
	st, err := s.SelectProject(context.Background(), "p1")
	var perr *domain.PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.False(t, st.View.Selected())
}

func TestSelectDeletedProjectIsNotFound(t *testing.T) {
	f := newFakeStore(domain.Project{ID: "p1", Deleted: true})
	s := newTestSession(f)
	_, err := s.SelectProject(context.Background(), "p1")
	assert.ErrorIs(t, err, domain.ErrProjectNotFound)
}

func TestAdvanceBlockedByLockedPhase(t *testing.T) {
	f := newFakeStore(domain.Project{ID: "p1", Status: domain.StatusPlanning})
	s := newTestSession(f)
	_, err := s.SelectProject(context.Background(), "p1")
	require.NoError(t, err)
	st, ok := s.Advance()
	assert.False(t, ok)
	assert.Equal(t, IndexBOM, st.CurrentIndex)

	_, err = s.GoTo(IndexManufacturing)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	st, err = s.GoTo(IndexSetup)
	require.NoError(t, err)
	assert.Equal(t, IndexSetup, st.CurrentIndex)
	_, err = s.GoTo(Count)
	require.ErrorAs(t, err, &verr)
}

func TestCompleteBOMConfirmsAndReloads(t *testing.T) {
	f := newFakeStore(domain.Project{ID: "p1", Status: domain.StatusPlanning})
	s := newTestSession(f)
	_, err := s.SelectProject(context.Background(), "p1")
	require.NoError(t, err)

	st, err := s.CompleteBOM(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDesign, st.View.Status)
	assert.True(t, st.Overlay.BOMCompleted)
	assert.Equal(t, IndexProductionPlanning, st.CurrentIndex)
	assert.True(t, st.Phases[IndexProductionPlanning].AllowAccess)
}

func TestFailedActionRevertsOverlay(t *testing.T) {
	f := newFakeStore(domain.Project{ID: "p1", Status: domain.StatusPlanning})
	f.advanceErr = &domain.PersistenceError{Op: "advance", Err: errStoreDown}
	s := newTestSession(f)
	_, err := s.SelectProject(context.Background(), "p1")
	require.NoError(t, err)

	st, err := s.CompleteBOM(context.Background())
	var perr *domain.PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.False(t, st.Overlay.BOMCompleted)
	assert.Equal(t, IndexBOM, st.CurrentIndex)
	assert.Equal(t, domain.StatusPlanning, st.View.Status)
}

func TestRejectedReentrantActionIsDropped(t *testing.T) {
	f := newFakeStore(domain.Project{ID: "p1", Status: domain.StatusPlanning})
	f.advanceErr = domain.ErrReentrancyRejected
	s := newTestSession(f)
	_, err := s.SelectProject(context.Background(), "p1")
	require.NoError(t, err)

	st, err := s.CompleteBOM(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Overlay.BOMCompleted)
	assert.Equal(t, IndexBOM, st.CurrentIndex)
}

func TestActionsRequireSelectionAndAccess(t *testing.T) {
	f := newFakeStore(domain.Project{ID: "p1", Status: domain.StatusPlanning})
	s := newTestSession(f)
	_, err := s.CompleteBOM(context.Background())
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "project_id", verr.Field)

	_, err = s.SelectProject(context.Background(), "p1")
	require.NoError(t, err)
	_, err = s.CompletePlanning(context.Background())
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "phase", verr.Field)
}

func TestWalkThroughToPassport(t *testing.T) {
	ctx := context.Background()
	f := newFakeStore(domain.Project{ID: "p1", Status: domain.StatusPlanning})
	s := newTestSession(f)
	_, err := s.SelectProject(ctx, "p1")
	require.NoError(t, err)
	_, err = s.CompleteBOM(ctx)
	require.NoError(t, err)
	st, err := s.CompletePlanning(ctx)
	require.NoError(t, err)
	assert.Equal(t, IndexManufacturing, st.CurrentIndex)
	assert.Equal(t, domain.StatusInProgress, st.View.Status)

	f.setStatus("p1", domain.StatusReadyForCompletion)
	f.stageRes = production.StageResult{AllCompleted: true}
	st, err = s.CompleteStage(ctx, "stage-6")
	require.NoError(t, err)
	assert.True(t, st.Overlay.ManufacturingCompleted)
	assert.Equal(t, IndexQualityControl, st.CurrentIndex)

	st, err = s.CompleteProduction(ctx, production.CompleteRequest{ProductName: "Chair"})
	require.NoError(t, err)
	assert.Equal(t, IndexPassport, st.CurrentIndex)
	assert.Equal(t, "pp-1", st.View.PassportID)
	assert.Equal(t, Current, st.Phases[IndexPassport].Status)

	st = s.Abandon()
	assert.False(t, st.View.Selected())
	assert.Equal(t, OptimisticOverlay{}, st.Overlay)
	assert.Equal(t, IndexSetup, st.CurrentIndex)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(Deps{}, 0, 0)
	s := r.Create("op")
	got, ok := r.Get(s.ID)
	require.True(t, ok)
	assert.Same(t, s, got)
	assert.Equal(t, 1, r.Len())
	assert.True(t, r.Close(s.ID))
	assert.False(t, r.Close(s.ID))
	assert.Zero(t, r.Len())
}

func TestRegistryAbandonsIdleSessions(t *testing.T) {
	f := newFakeStore(domain.Project{ID: "p1", Status: domain.StatusInProgress})
	r := NewRegistry(Deps{Projects: f, Log: zap.NewNop()}, 8, 20*time.Millisecond)
	s := r.Create("op")
	_, err := s.SelectProject(context.Background(), "p1")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, 5*time.Millisecond)
	_, ok := r.Get(s.ID)
	assert.False(t, ok)
	st := s.State()
	assert.False(t, st.View.Selected())
	assert.Equal(t, IndexSetup, st.CurrentIndex)
}

func TestRegistryEvictsOldestPastSize(t *testing.T) {
	r := NewRegistry(Deps{}, 2, time.Hour)
	first := r.Create("a")
	second := r.Create("b")
	_, ok := r.Get(first.ID)
	require.True(t, ok)
	r.Create("c")

	assert.Equal(t, 2, r.Len())
	_, ok = r.Get(second.ID)
	assert.False(t, ok, "least recently used session is evicted")
	_, ok = r.Get(first.ID)
	assert.True(t, ok)
}
