package repo

import (
	"context"
	"database/sql"

	"forgeline/internal/domain"
)

const materialColumns = `id,name,COALESCE(category,''),COALESCE(unit,''),quantity,cost_per_unit,carbon_footprint,COALESCE(supplier,''),created_at,updated_at`

func scanMaterial(row scanner) (domain.Material, error) {
	var m domain.Material
	err := row.Scan(&m.ID, &m.Name, &m.Category, &m.Unit, &m.Quantity, &m.CostPerUnit, &m.CarbonFootprint, &m.Supplier, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

func (r Repo) InsertMaterial(ctx context.Context, tx *sql.Tx, m domain.Material) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO materials(id,name,category,unit,quantity,cost_per_unit,carbon_footprint,supplier,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.Name, nullable(m.Category), nullable(m.Unit), m.Quantity, m.CostPerUnit, m.CarbonFootprint, nullable(m.Supplier), m.CreatedAt, m.UpdatedAt)
	return err
}

func (r Repo) GetMaterial(ctx context.Context, id string) (domain.Material, error) {
	return scanMaterial(r.DB.QueryRowContext(ctx, `SELECT `+materialColumns+` FROM materials WHERE id=?`, id))
}

func (r Repo) GetMaterialTx(ctx context.Context, tx *sql.Tx, id string) (domain.Material, error) {
	return scanMaterial(tx.QueryRowContext(ctx, `SELECT `+materialColumns+` FROM materials WHERE id=?`, id))
}

func (r Repo) ListMaterials(ctx context.Context) ([]domain.Material, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+materialColumns+` FROM materials ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Material
	for rows.Next() {
		m, err := scanMaterial(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) UpdateMaterial(ctx context.Context, tx *sql.Tx, m domain.Material) error {
	res, err := tx.ExecContext(ctx, `UPDATE materials SET name=?,category=?,unit=?,quantity=?,cost_per_unit=?,carbon_footprint=?,supplier=?,updated_at=? WHERE id=?`,
		m.Name, nullable(m.Category), nullable(m.Unit), m.Quantity, m.CostPerUnit, m.CarbonFootprint, nullable(m.Supplier), m.UpdatedAt, m.ID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetMaterialQuantity is the stock-adjustment write used when production consumes material.
func (r Repo) SetMaterialQuantity(ctx context.Context, tx *sql.Tx, id string, quantity float64, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE materials SET quantity=?,updated_at=? WHERE id=?`, quantity, updatedAt, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteMaterial(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM materials WHERE id=?`, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpsertBOMLine(ctx context.Context, tx *sql.Tx, line domain.BOMLine) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO project_materials(project_id,material_id,quantity_required) VALUES (?,?,?)
ON CONFLICT(project_id,material_id) DO UPDATE SET quantity_required=excluded.quantity_required`,
		line.ProjectID, line.MaterialID, line.QuantityRequired)
	return err
}

func (r Repo) DeleteBOMLine(ctx context.Context, tx *sql.Tx, projectID, materialID string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM project_materials WHERE project_id=? AND material_id=?`, projectID, materialID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListBOM returns a project's material requirements joined with current stock.
func (r Repo) ListBOM(ctx context.Context, projectID string) ([]domain.BOMEntry, error) {
	return listBOM(ctx, r.DB, projectID)
}

func (r Repo) ListBOMTx(ctx context.Context, tx *sql.Tx, projectID string) ([]domain.BOMEntry, error) {
	return listBOM(ctx, tx, projectID)
}

func listBOM(ctx context.Context, q queryer, projectID string) ([]domain.BOMEntry, error) {
	rows, err := q.QueryContext(ctx, `SELECT pm.project_id,pm.quantity_required,m.id,m.name,COALESCE(m.category,''),COALESCE(m.unit,''),m.quantity,m.cost_per_unit,m.carbon_footprint,COALESCE(m.supplier,''),m.created_at,m.updated_at
FROM project_materials pm JOIN materials m ON m.id = pm.material_id
WHERE pm.project_id=? ORDER BY m.name, m.id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BOMEntry
	for rows.Next() {
		var e domain.BOMEntry
		m := &e.Material
		if err := rows.Scan(&e.ProjectID, &e.QuantityRequired, &m.ID, &m.Name, &m.Category, &m.Unit, &m.Quantity,
			&m.CostPerUnit, &m.CarbonFootprint, &m.Supplier, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		e.MaterialID = m.ID
		res = append(res, e)
	}
	return res, rows.Err()
}
