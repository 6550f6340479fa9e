package server

import (
	"encoding/json"

	"forgeline/internal/domain"
	"forgeline/internal/phase"
	"forgeline/internal/progress"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type UpdateProjectRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      string  `json:"status,omitempty" enum:"planning,design,in_progress,ready_for_completion,completed"`
	Progress    *int    `json:"progress,omitempty" minimum:"0" maximum:"100"`
	// Force permits moving status backwards.
	Force bool `json:"force,omitempty"`
}

type UpdateStageRequest struct {
	Progress     *int     `json:"progress,omitempty"`
	ActualHours  *float64 `json:"actual_hours,omitempty"`
	ActualEnergy *float64 `json:"actual_energy,omitempty"`
	Workers      []string `json:"workers,omitempty"`
	Notes        *string  `json:"notes,omitempty"`
	Blocked      *bool    `json:"blocked,omitempty"`
}

type CreateMaterialRequest struct {
	ID              string  `json:"id,omitempty"`
	Name            string  `json:"name"`
	Category        string  `json:"category,omitempty"`
	Unit            string  `json:"unit,omitempty"`
	Quantity        float64 `json:"quantity,omitempty"`
	CostPerUnit     float64 `json:"cost_per_unit,omitempty"`
	CarbonFootprint float64 `json:"carbon_footprint,omitempty"`
	Supplier        string  `json:"supplier,omitempty"`
}

type UpdateMaterialRequest struct {
	Name            *string  `json:"name,omitempty"`
	Category        *string  `json:"category,omitempty"`
	Unit            *string  `json:"unit,omitempty"`
	Quantity        *float64 `json:"quantity,omitempty"`
	CostPerUnit     *float64 `json:"cost_per_unit,omitempty"`
	CarbonFootprint *float64 `json:"carbon_footprint,omitempty"`
	Supplier        *string  `json:"supplier,omitempty"`
}

type SetBOMLineRequest struct {
	QuantityRequired float64 `json:"quantity_required"`
}

type CompleteProductionRequest struct {
	ProductName    string            `json:"product_name"`
	ProductType    string            `json:"product_type,omitempty"`
	Quantity       int               `json:"quantity,omitempty"`
	Specifications map[string]string `json:"specifications,omitempty"`
	ImageURL       string            `json:"image_url,omitempty"`
}

type SelectProjectRequest struct {
	ProjectID string `json:"project_id"`
}

type GoToPhaseRequest struct {
	Index int `json:"index" minimum:"0" maximum:"5"`
}

type CompleteSessionStageRequest struct {
	StageID string `json:"stage_id"`
}

// Response payloads

type ProjectSummaryResponse struct {
	Project domain.Project   `json:"project"`
	Summary progress.Summary `json:"summary"`
}

type PhasesResponse struct {
	ProjectID    string                     `json:"project_id"`
	View         phase.PersistedProjectView `json:"view"`
	Phases       []phase.Phase              `json:"phases"`
	CurrentIndex int                        `json:"current_index"`
}

type PassportResponse struct {
	ID              string         `json:"id"`
	ProjectID       string         `json:"project_id"`
	CommitID        string         `json:"commit_id"`
	ProductName     string         `json:"product_name"`
	ProductType     string         `json:"product_type,omitempty"`
	Quantity        int            `json:"quantity"`
	CarbonFootprint float64        `json:"carbon_footprint"`
	TotalCost       float64        `json:"total_cost"`
	Specifications  map[string]any `json:"specifications"`
	ImageURL        string         `json:"image_url,omitempty"`
	QRPayload       string         `json:"qr_payload"`
	IssuedAt        string         `json:"issued_at" format:"date-time"`
}

type SessionAdvanceResponse struct {
	phase.State
	Advanced bool `json:"advanced"`
}

type RecoverResponse struct {
	Replayed int `json:"replayed"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func passportResponse(p domain.Passport) PassportResponse {
	return PassportResponse{
		ID:              p.ID,
		ProjectID:       p.ProjectID,
		CommitID:        p.CommitID,
		ProductName:     p.ProductName,
		ProductType:     p.ProductType,
		Quantity:        p.Quantity,
		CarbonFootprint: p.CarbonFootprint,
		TotalCost:       p.TotalCost,
		Specifications:  decodeJSONMap(p.SpecificationsJSON),
		ImageURL:        p.ImageURL,
		QRPayload:       p.QRPayload,
		IssuedAt:        p.IssuedAt,
	}
}

func mapPassports(items []domain.Passport) []PassportResponse {
	out := make([]PassportResponse, 0, len(items))
	for _, p := range items {
		out = append(out, passportResponse(p))
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(s string) map[string]any {
	out := map[string]any{}
	if s == "" {
		return out
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return map[string]any{"raw": s}
	}
	return out
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
