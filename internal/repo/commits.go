package repo

import (
	"context"
	"database/sql"

	"forgeline/internal/domain"
)

const commitColumns = `id,project_id,status,payload_json,passport_id,created_at,applied_at`

func scanCommit(row scanner) (domain.ProductionCommit, error) {
	var c domain.ProductionCommit
	var passportID, appliedAt sql.NullString
	err := row.Scan(&c.ID, &c.ProjectID, &c.Status, &c.PayloadJSON, &passportID, &c.CreatedAt, &appliedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.PassportID = nullString(passportID)
	c.AppliedAt = nullString(appliedAt)
	return c, nil
}

func (r Repo) InsertCommit(ctx context.Context, tx *sql.Tx, c domain.ProductionCommit) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO production_commits(id,project_id,status,payload_json,passport_id,created_at,applied_at) VALUES (?,?,?,?,?,?,?)`,
		c.ID, c.ProjectID, c.Status, c.PayloadJSON, nullablePtr(c.PassportID), c.CreatedAt, nullablePtr(c.AppliedAt))
	return err
}

func (r Repo) GetCommit(ctx context.Context, id string) (domain.ProductionCommit, error) {
	return scanCommit(r.DB.QueryRowContext(ctx, `SELECT `+commitColumns+` FROM production_commits WHERE id=?`, id))
}

// PendingCommit returns the unapplied commit of a project, if any.
func (r Repo) PendingCommit(ctx context.Context, projectID string) (domain.ProductionCommit, error) {
	return scanCommit(r.DB.QueryRowContext(ctx, `SELECT `+commitColumns+` FROM production_commits WHERE project_id=? AND status='pending'`, projectID))
}

func (r Repo) PendingCommitTx(ctx context.Context, tx *sql.Tx, projectID string) (domain.ProductionCommit, error) {
	return scanCommit(tx.QueryRowContext(ctx, `SELECT `+commitColumns+` FROM production_commits WHERE project_id=? AND status='pending'`, projectID))
}

func (r Repo) ListPendingCommits(ctx context.Context) ([]domain.ProductionCommit, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+commitColumns+` FROM production_commits WHERE status='pending' ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProductionCommit
	for rows.Next() {
		c, err := scanCommit(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// MarkCommitApplied closes a pending commit. It fails with ErrNotFound when the
// commit was already applied.
func (r Repo) MarkCommitApplied(ctx context.Context, tx *sql.Tx, id, passportID, appliedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE production_commits SET status='applied',passport_id=?,applied_at=? WHERE id=? AND status='pending'`, passportID, appliedAt, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
