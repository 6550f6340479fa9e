package engine

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"forgeline/internal/domain"
	"forgeline/internal/events"
)

// MaterialInput carries the editable fields of a material.
type MaterialInput struct {
	ID              string
	Name            string
	Category        string
	Unit            string
	Quantity        float64
	CostPerUnit     float64
	CarbonFootprint float64
	Supplier        string
}

// MaterialPatch lists the fields a material update touches.
type MaterialPatch struct {
	Name            *string
	Category        *string
	Unit            *string
	Quantity        *float64
	CostPerUnit     *float64
	CarbonFootprint *float64
	Supplier        *string
}

func validateMaterial(m domain.Material) error {
	if strings.TrimSpace(m.Name) == "" {
		return domain.Invalid("name", "is required")
	}
	if m.Quantity < 0 {
		return domain.Invalid("quantity", "must not be negative")
	}
	if m.CostPerUnit < 0 {
		return domain.Invalid("cost_per_unit", "must not be negative")
	}
	if m.CarbonFootprint < 0 {
		return domain.Invalid("carbon_footprint", "must not be negative")
	}
	return nil
}

func materialPayload(m domain.Material) events.EventPayload {
	return events.EventPayload{
		"name":             m.Name,
		"category":         m.Category,
		"unit":             m.Unit,
		"quantity":         m.Quantity,
		"cost_per_unit":    m.CostPerUnit,
		"carbon_footprint": m.CarbonFootprint,
		"supplier":         m.Supplier,
		"updated_at":       m.UpdatedAt,
	}
}

func (e Engine) CreateMaterial(ctx context.Context, in MaterialInput, actorID string) (domain.Material, error) {
	now := e.Timestamp()
	m := domain.Material{
		ID:              in.ID,
		Name:            strings.TrimSpace(in.Name),
		Category:        in.Category,
		Unit:            in.Unit,
		Quantity:        in.Quantity,
		CostPerUnit:     in.CostPerUnit,
		CarbonFootprint: in.CarbonFootprint,
		Supplier:        in.Supplier,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := validateMaterial(m); err != nil {
		return m, err
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	tx, err := e.Begin(ctx)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertMaterial(ctx, tx, m); err != nil {
		return m, err
	}
	if err := e.Append(ctx, tx, events.MaterialCreated, "", "material", m.ID, actorID, materialPayload(m)); err != nil {
		return m, err
	}
	return m, tx.Commit()
}

func (e Engine) GetMaterial(ctx context.Context, id string) (domain.Material, error) {
	m, err := e.Repo.GetMaterial(ctx, id)
	return m, translate(err, domain.ErrMaterialNotFound)
}

func (e Engine) ListMaterials(ctx context.Context) ([]domain.Material, error) {
	return e.Repo.ListMaterials(ctx)
}

func (e Engine) UpdateMaterial(ctx context.Context, id string, patch MaterialPatch, actorID string) (domain.Material, error) {
	tx, err := e.Begin(ctx)
	if err != nil {
		return domain.Material{}, err
	}
	defer tx.Rollback()
	m, err := e.Repo.GetMaterialTx(ctx, tx, id)
	if err != nil {
		return m, translate(err, domain.ErrMaterialNotFound)
	}
	if patch.Name != nil {
		m.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.Category != nil {
		m.Category = *patch.Category
	}
	if patch.Unit != nil {
		m.Unit = *patch.Unit
	}
	if patch.Quantity != nil {
		m.Quantity = *patch.Quantity
	}
	if patch.CostPerUnit != nil {
		m.CostPerUnit = *patch.CostPerUnit
	}
	if patch.CarbonFootprint != nil {
		m.CarbonFootprint = *patch.CarbonFootprint
	}
	if patch.Supplier != nil {
		m.Supplier = *patch.Supplier
	}
	if err := validateMaterial(m); err != nil {
		return m, err
	}
	m.UpdatedAt = e.Timestamp()
	if err := e.Repo.UpdateMaterial(ctx, tx, m); err != nil {
		return m, err
	}
	if err := e.Append(ctx, tx, events.MaterialUpdated, "", "material", m.ID, actorID, materialPayload(m)); err != nil {
		return m, err
	}
	return m, tx.Commit()
}

// DeleteMaterial removes a material and every BOM line that referenced it.
func (e Engine) DeleteMaterial(ctx context.Context, id, actorID string) error {
	tx, err := e.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteMaterial(ctx, tx, id); err != nil {
		return translate(err, domain.ErrMaterialNotFound)
	}
	if err := e.Append(ctx, tx, events.MaterialDeleted, "", "material", id, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// --- bill of materials ---

// SetBOMLine records how much of a material the project consumes.
func (e Engine) SetBOMLine(ctx context.Context, line domain.BOMLine, actorID string) (domain.BOMLine, error) {
	if line.QuantityRequired <= 0 {
		return line, domain.Invalid("quantity_required", "must be positive")
	}
	err := e.WithProjectLock(ctx, line.ProjectID, func(ctx context.Context) error {
		tx, err := e.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		p, err := e.getLiveProjectTx(ctx, tx, line.ProjectID)
		if err != nil {
			return err
		}
		if p.Status == domain.StatusCompleted {
			return domain.Invalid("project_id", "bill of materials of a completed project is frozen")
		}
		if _, err := e.Repo.GetMaterialTx(ctx, tx, line.MaterialID); err != nil {
			return translate(err, domain.ErrMaterialNotFound)
		}
		if err := e.Repo.UpsertBOMLine(ctx, tx, line); err != nil {
			return err
		}
		if err := e.Append(ctx, tx, events.BOMLineSet, line.ProjectID, "material", line.MaterialID, actorID, events.EventPayload{
			"quantity_required": line.QuantityRequired,
		}); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		e.Invalidate(ctx, line.ProjectID)
		return nil
	})
	return line, err
}

func (e Engine) RemoveBOMLine(ctx context.Context, projectID, materialID, actorID string) error {
	return e.WithProjectLock(ctx, projectID, func(ctx context.Context) error {
		tx, err := e.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		p, err := e.getLiveProjectTx(ctx, tx, projectID)
		if err != nil {
			return err
		}
		if p.Status == domain.StatusCompleted {
			return domain.Invalid("project_id", "bill of materials of a completed project is frozen")
		}
		if err := e.Repo.DeleteBOMLine(ctx, tx, projectID, materialID); err != nil {
			return translate(err, domain.ErrMaterialNotFound)
		}
		if err := e.Append(ctx, tx, events.BOMLineRemoved, projectID, "material", materialID, actorID, nil); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		e.Invalidate(ctx, projectID)
		return nil
	})
}

func (e Engine) ListBOM(ctx context.Context, projectID string) ([]domain.BOMEntry, error) {
	if _, err := e.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return e.Repo.ListBOM(ctx, projectID)
}
