package repo

import (
	"context"
	"database/sql"

	"forgeline/internal/domain"
)

const passportColumns = `id,project_id,commit_id,product_name,COALESCE(product_type,''),quantity,carbon_footprint,total_cost,specifications_json,COALESCE(image_url,''),qr_payload,issued_at`

// appliedOnly hides passports whose production commit has not been applied yet.
// GetPassportByCommitTx stays unfiltered so issuing remains idempotent.
const appliedOnly = ` AND commit_id IN (SELECT id FROM production_commits WHERE status='applied')`

func scanPassport(row scanner) (domain.Passport, error) {
	var p domain.Passport
	err := row.Scan(&p.ID, &p.ProjectID, &p.CommitID, &p.ProductName, &p.ProductType, &p.Quantity, &p.CarbonFootprint,
		&p.TotalCost, &p.SpecificationsJSON, &p.ImageURL, &p.QRPayload, &p.IssuedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) InsertPassport(ctx context.Context, tx *sql.Tx, p domain.Passport) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO product_passports(id,project_id,commit_id,product_name,product_type,quantity,carbon_footprint,total_cost,specifications_json,image_url,qr_payload,issued_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.ProjectID, p.CommitID, p.ProductName, nullable(p.ProductType), p.Quantity, p.CarbonFootprint, p.TotalCost,
		p.SpecificationsJSON, nullable(p.ImageURL), p.QRPayload, p.IssuedAt)
	return err
}

func (r Repo) GetPassport(ctx context.Context, id string) (domain.Passport, error) {
	return scanPassport(r.DB.QueryRowContext(ctx, `SELECT `+passportColumns+` FROM product_passports WHERE id=?`+appliedOnly, id))
}

func (r Repo) GetPassportByCommitTx(ctx context.Context, tx *sql.Tx, commitID string) (domain.Passport, error) {
	return scanPassport(tx.QueryRowContext(ctx, `SELECT `+passportColumns+` FROM product_passports WHERE commit_id=?`, commitID))
}

// LatestPassport returns the most recently issued passport of a project whose
// production commit was applied.
func (r Repo) LatestPassport(ctx context.Context, projectID string) (domain.Passport, error) {
	return scanPassport(r.DB.QueryRowContext(ctx, `SELECT `+passportColumns+` FROM product_passports WHERE project_id=?`+appliedOnly+` ORDER BY issued_at DESC, id DESC LIMIT 1`, projectID))
}

func (r Repo) ListPassports(ctx context.Context, projectID string) ([]domain.Passport, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+passportColumns+` FROM product_passports WHERE project_id=?`+appliedOnly+` ORDER BY issued_at DESC, id DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Passport
	for rows.Next() {
		p, err := scanPassport(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
