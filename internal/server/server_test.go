package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"forgeline/internal/app"
	"forgeline/internal/domain"
	"forgeline/internal/phase"
	"forgeline/internal/production"
)

const testActor = "operator-1"

func newTestServer(t *testing.T) (*httptest.Server, *app.App) {
	t.Helper()
	a, err := app.Open(context.Background(), app.Options{Workspace: t.TempDir(), Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	a.Config.Engine.SettleDelay = 0
	handler, err := New(Config{
		App:      a,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: "test-secret", AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		a.Close()
	})
	return srv, a
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

// call sends an authenticated request and decodes the response into out when
// the status matches want.
func call(t *testing.T, method, url string, body any, want int, out any) []byte {
	t.Helper()
	res, data := doJSON(t, method, url, body, map[string]string{"X-Actor-Id": testActor})
	if res.StatusCode != want {
		t.Fatalf("%s %s: expected %d, got %d: %s", method, url, want, res.StatusCode, string(data))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, url, err, string(data))
		}
	}
	return data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	res, data := doJSON(t, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.StatusCode, string(data))
	}
}

func TestRequestsWithoutCredentialsAreRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	res, data := doJSON(t, http.MethodGet, srv.URL+"/v0/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %q", code)
	}
	res, _ = doJSON(t, http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad token, got %d", res.StatusCode)
	}
}

func TestJWTPrincipalIsActor(t *testing.T) {
	srv, _ := newTestServer(t)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "planner-7",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	res, data := doJSON(t, http.MethodPost, srv.URL+"/v0/projects", map[string]any{"name": "Desk"},
		map[string]string{"Authorization": "Bearer " + signed})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", res.StatusCode, string(data))
	}
	var evts paginatedEvents
	call(t, http.MethodGet, srv.URL+"/v0/events?type=project.created", nil, http.StatusOK, &evts)
	if len(evts.Items) != 1 || evts.Items[0].ActorID != "planner-7" {
		t.Fatalf("expected project.created by planner-7, got %+v", evts.Items)
	}
}

func TestProjectErrorsMapToStatusCodes(t *testing.T) {
	srv, _ := newTestServer(t)
	data := call(t, http.MethodGet, srv.URL+"/v0/projects/missing", nil, http.StatusNotFound, nil)
	if code := errorCode(t, data); code != "not_found" {
		t.Fatalf("expected not_found, got %q", code)
	}

	var p domain.Project
	call(t, http.MethodPost, srv.URL+"/v0/projects", map[string]any{"id": "p1", "name": "Chair"}, http.StatusCreated, &p)
	if p.Status != domain.StatusPlanning || p.Progress != 0 {
		t.Fatalf("unexpected new project: %+v", p)
	}

	data = call(t, http.MethodPatch, srv.URL+"/v0/projects/p1", map[string]any{"progress": 100}, http.StatusUnprocessableEntity, nil)
	if code := errorCode(t, data); code != "validation_failed" {
		t.Fatalf("expected validation_failed, got %q", code)
	}

	call(t, http.MethodPatch, srv.URL+"/v0/projects/p1", map[string]any{"status": "design"}, http.StatusOK, &p)
	data = call(t, http.MethodPatch, srv.URL+"/v0/projects/p1", map[string]any{"status": "planning"}, http.StatusUnprocessableEntity, nil)
	if code := errorCode(t, data); code != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %q", code)
	}
	call(t, http.MethodPatch, srv.URL+"/v0/projects/p1", map[string]any{"status": "planning", "force": true}, http.StatusOK, &p)
	if p.Status != domain.StatusPlanning {
		t.Fatalf("expected forced planning, got %s", p.Status)
	}

	call(t, http.MethodDelete, srv.URL+"/v0/projects/p1", nil, http.StatusNoContent, nil)
	call(t, http.MethodGet, srv.URL+"/v0/projects/p1", nil, http.StatusNotFound, nil)
	var all []domain.Project
	call(t, http.MethodGet, srv.URL+"/v0/projects?include_deleted=true", nil, http.StatusOK, &all)
	if len(all) != 1 || !all[0].Deleted {
		t.Fatalf("expected the soft-deleted row, got %+v", all)
	}
}

func TestStatelessPhasesFollowPersistedStatus(t *testing.T) {
	srv, _ := newTestServer(t)
	call(t, http.MethodPost, srv.URL+"/v0/projects", map[string]any{"id": "p1", "name": "Lamp"}, http.StatusCreated, nil)

	var resp PhasesResponse
	call(t, http.MethodGet, srv.URL+"/v0/projects/p1/phases", nil, http.StatusOK, &resp)
	if resp.CurrentIndex != phase.IndexBOM {
		t.Fatalf("expected bom index, got %d", resp.CurrentIndex)
	}
	if resp.Phases[phase.IndexSetup].Status != phase.Completed || resp.Phases[phase.IndexBOM].Status != phase.Current {
		t.Fatalf("unexpected phases: %+v", resp.Phases)
	}
	if resp.Phases[phase.IndexProductionPlanning].AllowAccess {
		t.Fatalf("planning must be locked in planning status")
	}

	call(t, http.MethodPatch, srv.URL+"/v0/projects/p1", map[string]any{"status": "in_progress"}, http.StatusOK, nil)
	call(t, http.MethodGet, srv.URL+"/v0/projects/p1/phases", nil, http.StatusOK, &resp)
	if resp.CurrentIndex != phase.IndexManufacturing {
		t.Fatalf("expected manufacturing index, got %d", resp.CurrentIndex)
	}
	if !resp.Phases[phase.IndexManufacturing].AllowAccess || resp.Phases[phase.IndexQualityControl].AllowAccess {
		t.Fatalf("unexpected access: %+v", resp.Phases)
	}
}

func TestSessionWalksFullLifecycle(t *testing.T) {
	srv, a := newTestServer(t)
	base := srv.URL + "/v0"

	var steel domain.Material
	call(t, http.MethodPost, base+"/materials", map[string]any{
		"id": "steel", "name": "Steel", "unit": "kg", "quantity": 100, "cost_per_unit": 2, "carbon_footprint": 0.5,
	}, http.StatusCreated, &steel)
	call(t, http.MethodPost, base+"/projects", map[string]any{"id": "p1", "name": "Cabinet"}, http.StatusCreated, nil)
	call(t, http.MethodPut, base+"/projects/p1/bom/steel", map[string]any{"quantity_required": 10}, http.StatusOK, nil)

	var st phase.State
	call(t, http.MethodPost, base+"/sessions", nil, http.StatusCreated, &st)
	sid := st.SessionID
	if sid == "" {
		t.Fatalf("expected a session id")
	}
	sess := base + "/sessions/" + sid

	call(t, http.MethodPost, sess+"/select", map[string]any{"project_id": "p1"}, http.StatusOK, &st)
	if st.CurrentIndex != phase.IndexBOM || st.View.Status != domain.StatusPlanning {
		t.Fatalf("unexpected state after select: %+v", st)
	}

	var adv SessionAdvanceResponse
	call(t, http.MethodPost, sess+"/advance", nil, http.StatusOK, &adv)
	if adv.Advanced || adv.CurrentIndex != phase.IndexBOM {
		t.Fatalf("advance into a locked phase must be refused: %+v", adv)
	}

	call(t, http.MethodPost, sess+"/complete-bom", nil, http.StatusOK, &st)
	if st.View.Status != domain.StatusDesign || st.CurrentIndex != phase.IndexProductionPlanning {
		t.Fatalf("unexpected state after bom: status=%s index=%d", st.View.Status, st.CurrentIndex)
	}

	call(t, http.MethodPost, sess+"/complete-planning", nil, http.StatusOK, &st)
	if st.View.Status != domain.StatusInProgress || st.CurrentIndex != phase.IndexManufacturing {
		t.Fatalf("unexpected state after planning: status=%s index=%d", st.View.Status, st.CurrentIndex)
	}
	if len(st.Stages) != len(a.Config.Production.Stages) {
		t.Fatalf("expected %d stages, got %d", len(a.Config.Production.Stages), len(st.Stages))
	}

	// Completing out of order is refused.
	call(t, http.MethodPost, sess+"/complete-stage", map[string]any{"stage_id": st.Stages[1].ID}, http.StatusUnprocessableEntity, nil)

	for _, stage := range st.Stages {
		var next phase.State
		call(t, http.MethodPost, sess+"/complete-stage", map[string]any{"stage_id": stage.ID}, http.StatusOK, &next)
		st = next
	}
	if st.View.Status != domain.StatusReadyForCompletion || st.CurrentIndex != phase.IndexQualityControl {
		t.Fatalf("unexpected state after stages: status=%s index=%d", st.View.Status, st.CurrentIndex)
	}
	if !st.Summary.AllStagesCompleted || st.Project.Progress != 95 {
		t.Fatalf("expected all stages done at 95%%, got %+v progress=%d", st.Summary, st.Project.Progress)
	}

	call(t, http.MethodPost, sess+"/complete-production", map[string]any{
		"product_name": "Cabinet", "specifications": map[string]string{"finish": "oak"},
	}, http.StatusOK, &st)
	if st.View.PassportID == "" || st.CurrentIndex != phase.IndexPassport {
		t.Fatalf("expected passport phase, got %+v", st.View)
	}
	if st.View.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", st.View.Status)
	}

	var pp PassportResponse
	call(t, http.MethodGet, base+"/projects/p1/passport", nil, http.StatusOK, &pp)
	if pp.ID != st.View.PassportID || pp.Quantity != 1 {
		t.Fatalf("unexpected passport: %+v", pp)
	}
	if !strings.HasSuffix(pp.QRPayload, "/passports/"+pp.ID) {
		t.Fatalf("unexpected qr payload %q", pp.QRPayload)
	}
	call(t, http.MethodGet, base+"/passports/"+pp.ID, nil, http.StatusOK, nil)

	var after domain.Material
	call(t, http.MethodGet, base+"/materials/steel", nil, http.StatusOK, &after)
	if after.Quantity != 90 {
		t.Fatalf("expected 90 units left, got %v", after.Quantity)
	}

	var phases PhasesResponse
	call(t, http.MethodGet, base+"/projects/p1/phases", nil, http.StatusOK, &phases)
	if phases.CurrentIndex != phase.IndexPassport || phases.Phases[phase.IndexPassport].Status != phase.Current {
		t.Fatalf("unexpected stateless phases: %+v", phases)
	}

	st = phase.State{}
	call(t, http.MethodPost, sess+"/abandon", nil, http.StatusOK, &st)
	if st.View.Selected() || st.CurrentIndex != phase.IndexSetup {
		t.Fatalf("abandon must clear the selection: %+v", st)
	}
}

func TestSessionSelectUnknownProject(t *testing.T) {
	srv, _ := newTestServer(t)
	var st phase.State
	call(t, http.MethodPost, srv.URL+"/v0/sessions", nil, http.StatusCreated, &st)
	data := call(t, http.MethodPost, srv.URL+"/v0/sessions/"+st.SessionID+"/select", map[string]any{"project_id": "nope"}, http.StatusNotFound, nil)
	if code := errorCode(t, data); code != "not_found" {
		t.Fatalf("expected not_found, got %q", code)
	}
	call(t, http.MethodGet, srv.URL+"/v0/sessions/"+st.SessionID, nil, http.StatusOK, &st)
	if st.View.Selected() {
		t.Fatalf("failed select must not change the selection")
	}
}

func TestSessionsArePerActor(t *testing.T) {
	srv, _ := newTestServer(t)
	var st phase.State
	call(t, http.MethodPost, srv.URL+"/v0/sessions", nil, http.StatusCreated, &st)
	res, _ := doJSON(t, http.MethodGet, srv.URL+"/v0/sessions/"+st.SessionID, nil, map[string]string{"X-Actor-Id": "someone-else"})
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for another actor's session, got %d", res.StatusCode)
	}
	call(t, http.MethodDelete, srv.URL+"/v0/sessions/"+st.SessionID, nil, http.StatusNoContent, nil)
	call(t, http.MethodGet, srv.URL+"/v0/sessions/"+st.SessionID, nil, http.StatusNotFound, nil)
}

func TestProductionEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)
	base := srv.URL + "/v0"
	call(t, http.MethodPost, base+"/projects", map[string]any{"id": "p1", "name": "Bench"}, http.StatusCreated, nil)

	var started production.StartResult
	call(t, http.MethodPost, base+"/projects/p1/production/start", nil, http.StatusOK, &started)
	if started.Project.Status != domain.StatusInProgress || started.Project.Progress != 10 {
		t.Fatalf("unexpected start: %+v", started.Project)
	}
	if started.Stages[0].Status != domain.StageInProgress {
		t.Fatalf("first stage must be in progress: %+v", started.Stages[0])
	}

	call(t, http.MethodPost, base+"/projects", map[string]any{"id": "p2", "name": "Stool"}, http.StatusCreated, nil)
	data := call(t, http.MethodPost, base+"/projects/p2/production/complete", map[string]any{"product_name": "Stool"}, http.StatusUnprocessableEntity, nil)
	if code := errorCode(t, data); code != "validation_failed" {
		t.Fatalf("expected validation_failed, got %q", code)
	}

	var stage domain.ManufacturingStage
	call(t, http.MethodPatch, base+"/stages/"+started.Stages[0].ID, map[string]any{"progress": 50, "actual_hours": 4}, http.StatusOK, &stage)
	if stage.Progress != 50 || stage.ActualHours != 4 {
		t.Fatalf("unexpected stage: %+v", stage)
	}

	var res production.StageResult
	call(t, http.MethodPost, base+"/stages/"+started.Stages[0].ID+"/complete", nil, http.StatusOK, &res)
	if res.Next == nil || res.Next.ID != started.Stages[1].ID {
		t.Fatalf("expected second stage to start, got %+v", res.Next)
	}

	var summary ProjectSummaryResponse
	call(t, http.MethodGet, base+"/projects/p1/summary", nil, http.StatusOK, &summary)
	if summary.Summary.CompletedCount != 1 || summary.Summary.InProgressCount != 1 {
		t.Fatalf("unexpected summary: %+v", summary.Summary)
	}

	var rec RecoverResponse
	call(t, http.MethodPost, base+"/production/recover", nil, http.StatusOK, &rec)
	if rec.Replayed != 0 {
		t.Fatalf("expected nothing to replay, got %d", rec.Replayed)
	}
}

func TestLowStockFallsBackToStore(t *testing.T) {
	srv, _ := newTestServer(t)
	base := srv.URL + "/v0"
	call(t, http.MethodPost, base+"/materials", map[string]any{"id": "bolt", "name": "Bolt", "quantity": 3}, http.StatusCreated, nil)
	call(t, http.MethodPost, base+"/materials", map[string]any{"id": "plank", "name": "Plank", "quantity": 40}, http.StatusCreated, nil)
	var low []domain.Material
	call(t, http.MethodGet, base+"/inventory/low-stock?threshold=5", nil, http.StatusOK, &low)
	if len(low) != 1 || low[0].ID != "bolt" {
		t.Fatalf("expected only bolt, got %+v", low)
	}
}
