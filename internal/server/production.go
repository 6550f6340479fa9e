package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"forgeline/internal/domain"
	"forgeline/internal/engine"
	"forgeline/internal/production"
)

type stagePath struct {
	StageID string `path:"stage_id"`
}

type materialPath struct {
	MaterialID string `path:"material_id"`
}

func (h handlers) registerStages(api huma.API) {
	e := h.app.Engine
	orch := h.app.Production

	huma.Register(api, huma.Operation{
		OperationID: "list-stages",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/stages",
		Summary:     "List manufacturing stages",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body []domain.ManufacturingStage `json:"body"`
	}, error) {
		stages, err := e.ListStages(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ManufacturingStage `json:"body"`
		}{Body: nonNil(stages)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-stage",
		Method:      http.MethodGet,
		Path:        "/stages/{stage_id}",
		Summary:     "Get stage",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *stagePath) (*struct {
		Body domain.ManufacturingStage `json:"body"`
	}, error) {
		st, err := e.GetStage(ctx, input.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ManufacturingStage `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-stage",
		Method:      http.MethodPatch,
		Path:        "/stages/{stage_id}",
		Summary:     "Record stage progress, actuals or blockage",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		StageID string             `path:"stage_id"`
		Body    UpdateStageRequest `json:"body"`
	}) (*struct {
		Body domain.ManufacturingStage `json:"body"`
	}, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		st, err := e.UpdateStage(ctx, engine.StageUpdateOptions{
			ID:           input.StageID,
			Progress:     input.Body.Progress,
			ActualHours:  input.Body.ActualHours,
			ActualEnergy: input.Body.ActualEnergy,
			Workers:      input.Body.Workers,
			Notes:        input.Body.Notes,
			Blocked:      input.Body.Blocked,
			ActorID:      actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ManufacturingStage `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-stage",
		Method:      http.MethodPost,
		Path:        "/stages/{stage_id}/complete",
		Summary:     "Complete the current stage and start the next",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *stagePath) (*struct {
		Body production.StageResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := orch.CompleteStage(ctx, input.StageID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body production.StageResult `json:"body"`
		}{Body: res}, nil
	})
}

func (h handlers) registerMaterials(api huma.API) {
	e := h.app.Engine

	huma.Register(api, huma.Operation{
		OperationID:   "create-material",
		Method:        http.MethodPost,
		Path:          "/materials",
		Summary:       "Create material",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateMaterialRequest `json:"body"`
	}) (*struct {
		Body domain.Material `json:"body"`
	}, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b := input.Body
		m, err := e.CreateMaterial(ctx, engine.MaterialInput{
			ID:              b.ID,
			Name:            b.Name,
			Category:        b.Category,
			Unit:            b.Unit,
			Quantity:        b.Quantity,
			CostPerUnit:     b.CostPerUnit,
			CarbonFootprint: b.CarbonFootprint,
			Supplier:        b.Supplier,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Material `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-materials",
		Method:      http.MethodGet,
		Path:        "/materials",
		Summary:     "List materials",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Material `json:"body"`
	}, error) {
		items, err := e.ListMaterials(ctx)
		if err != nil {
			return nil, handleError(domain.Persistence("list materials", err))
		}
		return &struct {
			Body []domain.Material `json:"body"`
		}{Body: nonNil(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-material",
		Method:      http.MethodGet,
		Path:        "/materials/{material_id}",
		Summary:     "Get material",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *materialPath) (*struct {
		Body domain.Material `json:"body"`
	}, error) {
		m, err := e.GetMaterial(ctx, input.MaterialID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Material `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-material",
		Method:      http.MethodPatch,
		Path:        "/materials/{material_id}",
		Summary:     "Update material",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		MaterialID string                `path:"material_id"`
		Body       UpdateMaterialRequest `json:"body"`
	}) (*struct {
		Body domain.Material `json:"body"`
	}, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b := input.Body
		m, err := e.UpdateMaterial(ctx, input.MaterialID, engine.MaterialPatch{
			Name:            b.Name,
			Category:        b.Category,
			Unit:            b.Unit,
			Quantity:        b.Quantity,
			CostPerUnit:     b.CostPerUnit,
			CarbonFootprint: b.CarbonFootprint,
			Supplier:        b.Supplier,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Material `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-material",
		Method:        http.MethodDelete,
		Path:          "/materials/{material_id}",
		Summary:       "Delete material",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *materialPath) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteMaterial(ctx, input.MaterialID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "low-stock",
		Method:      http.MethodGet,
		Path:        "/inventory/low-stock",
		Summary:     "Materials at or below a stock threshold",
	}, func(ctx context.Context, input *struct {
		Threshold float64 `query:"threshold" default:"10"`
	}) (*struct {
		Body []domain.Material `json:"body"`
	}, error) {
		if h.inventory != nil {
			return &struct {
				Body []domain.Material `json:"body"`
			}{Body: nonNil(h.inventory.LowStock(input.Threshold))}, nil
		}
		items, err := e.ListMaterials(ctx)
		if err != nil {
			return nil, handleError(domain.Persistence("list materials", err))
		}
		low := []domain.Material{}
		for _, m := range items {
			if m.Quantity <= input.Threshold {
				low = append(low, m)
			}
		}
		return &struct {
			Body []domain.Material `json:"body"`
		}{Body: low}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-bom",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/bom",
		Summary:     "List bill of materials",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body []domain.BOMEntry `json:"body"`
	}, error) {
		items, err := e.ListBOM(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.BOMEntry `json:"body"`
		}{Body: nonNil(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-bom-line",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/bom/{material_id}",
		Summary:     "Set a material requirement",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID  string            `path:"project_id"`
		MaterialID string            `path:"material_id"`
		Body       SetBOMLineRequest `json:"body"`
	}) (*struct {
		Body domain.BOMLine `json:"body"`
	}, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		line, err := e.SetBOMLine(ctx, domain.BOMLine{
			ProjectID:        input.ProjectID,
			MaterialID:       input.MaterialID,
			QuantityRequired: input.Body.QuantityRequired,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.BOMLine `json:"body"`
		}{Body: line}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "remove-bom-line",
		Method:        http.MethodDelete,
		Path:          "/projects/{project_id}/bom/{material_id}",
		Summary:       "Remove a material requirement",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		MaterialID string `path:"material_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RemoveBOMLine(ctx, input.ProjectID, input.MaterialID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func (h handlers) registerProduction(api huma.API) {
	orch := h.app.Production
	passports := h.app.Passports

	huma.Register(api, huma.Operation{
		OperationID: "start-production",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/production/start",
		Summary:     "Create the stage batch and start the first stage",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body production.StartResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := orch.StartProduction(ctx, input.ProjectID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body production.StartResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-production",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/production/complete",
		Summary:     "Issue the passport, consume stock and complete the project",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string                    `path:"project_id"`
		Body      CompleteProductionRequest `json:"body"`
	}) (*struct {
		Body production.CompleteResult `json:"body"`
	}, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := orch.CompleteProduction(ctx, input.ProjectID, production.CompleteRequest(input.Body), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body production.CompleteResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "recover-production",
		Method:      http.MethodPost,
		Path:        "/production/recover",
		Summary:     "Replay pending production commits",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body RecoverResponse `json:"body"`
	}, error) {
		n, err := orch.Recover(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RecoverResponse `json:"body"`
		}{Body: RecoverResponse{Replayed: n}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "latest-passport",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/passport",
		Summary:     "Latest passport of a project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body PassportResponse `json:"body"`
	}, error) {
		p, err := passports.Latest(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PassportResponse `json:"body"`
		}{Body: passportResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-passports",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/passports",
		Summary:     "All passports of a project",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body []PassportResponse `json:"body"`
	}, error) {
		items, err := passports.List(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(domain.Persistence("list passports", err))
		}
		return &struct {
			Body []PassportResponse `json:"body"`
		}{Body: mapPassports(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-passport",
		Method:      http.MethodGet,
		Path:        "/passports/{passport_id}",
		Summary:     "Get passport",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PassportID string `path:"passport_id"`
	}) (*struct {
		Body PassportResponse `json:"body"`
	}, error) {
		p, err := passports.Get(ctx, input.PassportID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PassportResponse `json:"body"`
		}{Body: passportResponse(p)}, nil
	})
}
