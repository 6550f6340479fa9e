package repo

import (
	"context"
	"database/sql"

	"forgeline/internal/domain"
)

const stageColumns = `id,project_id,stage_id,sequence,name,status,progress,estimated_hours,actual_hours,energy_estimate,actual_energy,workers_json,start_date,completed_date,COALESCE(notes,''),created_at,updated_at`

func scanStage(row scanner) (domain.ManufacturingStage, error) {
	var s domain.ManufacturingStage
	var workers, start, completed sql.NullString
	err := row.Scan(&s.ID, &s.ProjectID, &s.StageID, &s.Sequence, &s.Name, &s.Status, &s.Progress,
		&s.EstimatedHours, &s.ActualHours, &s.EnergyEstimate, &s.ActualEnergy, &workers, &start, &completed,
		&s.Notes, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.StartDate = nullString(start)
	s.CompletedDate = nullString(completed)
	s.Workers, err = unmarshalStrings(workers)
	return s, err
}

// ListStages returns a project's stages in sequence order.
func (r Repo) ListStages(ctx context.Context, projectID string) ([]domain.ManufacturingStage, error) {
	return listStages(ctx, r.DB, projectID)
}

func (r Repo) ListStagesTx(ctx context.Context, tx *sql.Tx, projectID string) ([]domain.ManufacturingStage, error) {
	return listStages(ctx, tx, projectID)
}

func listStages(ctx context.Context, q queryer, projectID string) ([]domain.ManufacturingStage, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+stageColumns+` FROM manufacturing_stages WHERE project_id=? ORDER BY sequence, id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ManufacturingStage
	for rows.Next() {
		s, err := scanStage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) GetStage(ctx context.Context, id string) (domain.ManufacturingStage, error) {
	return scanStage(r.DB.QueryRowContext(ctx, `SELECT `+stageColumns+` FROM manufacturing_stages WHERE id=?`, id))
}

func (r Repo) GetStageTx(ctx context.Context, tx *sql.Tx, id string) (domain.ManufacturingStage, error) {
	return scanStage(tx.QueryRowContext(ctx, `SELECT `+stageColumns+` FROM manufacturing_stages WHERE id=?`, id))
}

func (r Repo) InsertStages(ctx context.Context, tx *sql.Tx, stages []domain.ManufacturingStage) error {
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO manufacturing_stages(id,project_id,stage_id,sequence,name,status,progress,estimated_hours,actual_hours,energy_estimate,actual_energy,workers_json,start_date,completed_date,notes,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, s := range stages {
		workers, err := marshalStrings(s.Workers)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, s.ID, s.ProjectID, s.StageID, s.Sequence, s.Name, s.Status, s.Progress,
			s.EstimatedHours, s.ActualHours, s.EnergyEstimate, s.ActualEnergy, workers,
			nullablePtr(s.StartDate), nullablePtr(s.CompletedDate), nullable(s.Notes), s.CreatedAt, s.UpdatedAt); err != nil {
			return err
		}
	}
	return nil
}

// UpdateStage writes every mutable column of s. The caller stamps UpdatedAt.
func (r Repo) UpdateStage(ctx context.Context, tx *sql.Tx, s domain.ManufacturingStage) error {
	workers, err := marshalStrings(s.Workers)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE manufacturing_stages SET name=?,status=?,progress=?,estimated_hours=?,actual_hours=?,energy_estimate=?,actual_energy=?,workers_json=?,start_date=?,completed_date=?,notes=?,updated_at=? WHERE id=?`,
		s.Name, s.Status, s.Progress, s.EstimatedHours, s.ActualHours, s.EnergyEstimate, s.ActualEnergy, workers,
		nullablePtr(s.StartDate), nullablePtr(s.CompletedDate), nullable(s.Notes), s.UpdatedAt, s.ID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
