package forgelinesdk_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"forgeline/internal/app"
	"forgeline/internal/server"
	forgelinesdk "forgeline/sdk/go"
)

func newClient(t *testing.T) *forgelinesdk.Client {
	t.Helper()
	a, err := app.Open(context.Background(), app.Options{Workspace: t.TempDir(), Logger: zap.NewNop()})
	require.NoError(t, err)
	handler, err := server.New(server.Config{
		App:  a,
		Auth: server.AuthConfig{AllowLegacyActorHeader: true},
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		a.Close()
	})
	c := forgelinesdk.New(srv.URL)
	c.ActorID = "sdk-tester"
	return c
}

func TestClientProductionRun(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)

	p, err := c.CreateProject(ctx, "bench", "Workbench", "")
	require.NoError(t, err)
	assert.Equal(t, "planning", p.Status)

	_, err = c.CreateMaterial(ctx, forgelinesdk.Material{ID: "oak", Name: "Oak", Quantity: 20, CostPerUnit: 5, CarbonFootprint: 1})
	require.NoError(t, err)
	require.NoError(t, c.SetBOMLine(ctx, "bench", "oak", 4))

	started, err := c.StartProduction(ctx, "bench")
	require.NoError(t, err)
	assert.Equal(t, "in_progress", started.Project.Status)
	require.NotEmpty(t, started.Stages)

	stages, err := c.Stages(ctx, "bench")
	require.NoError(t, err)
	var last forgelinesdk.StageResult
	for _, st := range stages {
		last, err = c.CompleteStage(ctx, st.ID)
		require.NoError(t, err)
	}
	assert.True(t, last.AllCompleted)
	assert.Equal(t, "ready_for_completion", last.Project.Status)

	done, err := c.CompleteProduction(ctx, "bench", forgelinesdk.CompleteRequest{ProductName: "Workbench", Quantity: 1})
	require.NoError(t, err)
	assert.Equal(t, "completed", done.Project.Status)
	require.NotEmpty(t, done.Passport.ID)

	pp, err := c.LatestPassport(ctx, "bench")
	require.NoError(t, err)
	assert.Equal(t, done.Passport.ID, pp.ID)
	assert.Equal(t, "Workbench", pp.ProductName)

	phases, err := c.Phases(ctx, "bench")
	require.NoError(t, err)
	assert.Equal(t, len(phases.Phases)-1, phases.CurrentIndex)

	evts, err := c.Events(ctx, "bench", 5)
	require.NoError(t, err)
	require.NotEmpty(t, evts)
	assert.Equal(t, "sdk-tester", evts[0].ActorID)
}

func TestClientErrorsCarryEnvelopeCode(t *testing.T) {
	c := newClient(t)
	_, err := c.GetProject(context.Background(), "missing")
	var apiErr *forgelinesdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "not_found", apiErr.Code)
}
