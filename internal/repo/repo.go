package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"forgeline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

const projectColumns = `id,name,COALESCE(description,''),status,progress,total_cost,total_carbon_footprint,start_date,completion_date,deleted,created_at,updated_at`

func scanProject(row scanner) (domain.Project, error) {
	var p domain.Project
	var start, completion sql.NullString
	var deleted int
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Status, &p.Progress, &p.TotalCost, &p.TotalCarbonFootprint,
		&start, &completion, &deleted, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.StartDate = nullString(start)
	p.CompletionDate = nullString(completion)
	p.Deleted = deleted != 0
	return p, nil
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,name,description,status,progress,total_cost,total_carbon_footprint,start_date,completion_date,deleted,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, nullable(p.Description), p.Status, p.Progress, p.TotalCost, p.TotalCarbonFootprint,
		nullablePtr(p.StartDate), nullablePtr(p.CompletionDate), boolInt(p.Deleted), p.CreatedAt, p.UpdatedAt)
	return err
}

// GetProject returns a project including soft-deleted ones.
func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return r.getProject(ctx, r.DB, id)
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	return r.getProject(ctx, tx, id)
}

func (r Repo) getProject(ctx context.Context, q queryer, id string) (domain.Project, error) {
	p, err := scanProject(q.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
	if err != nil {
		return p, err
	}
	p.AllocatedMaterials, err = allocatedMaterials(ctx, q, id)
	return p, err
}

func allocatedMaterials(ctx context.Context, q queryer, projectID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT material_id FROM project_materials WHERE project_id=? ORDER BY material_id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}

type ProjectFilters struct {
	Status         domain.ProjectStatus
	IncludeDeleted bool
	Limit          int
}

func (r Repo) ListProjects(ctx context.Context, f ProjectFilters) ([]domain.Project, error) {
	clauses := []string{"1=1"}
	var args []any
	if !f.IncludeDeleted {
		clauses = append(clauses, "deleted=0")
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := fmt.Sprintf(`SELECT %s FROM projects WHERE %s ORDER BY created_at DESC, id`, projectColumns, strings.Join(clauses, " AND "))
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		if res[i].AllocatedMaterials, err = allocatedMaterials(ctx, r.DB, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// ProjectPatch lists the project fields an update touches. Nil fields are left alone.
type ProjectPatch struct {
	Name           *string
	Description    *string
	Status         *domain.ProjectStatus
	Progress       *int
	TotalCost      *float64
	TotalCarbon    *float64
	StartDate      *string
	CompletionDate *string
	Deleted        *bool
}

func (p ProjectPatch) Empty() bool {
	return p == ProjectPatch{}
}

// UpdateProjectFields applies patch and stamps updated_at.
func (r Repo) UpdateProjectFields(ctx context.Context, tx *sql.Tx, id string, patch ProjectPatch, updatedAt string) error {
	var (
		fields []string
		args   []any
	)
	if patch.Name != nil {
		fields = append(fields, "name=?")
		args = append(args, *patch.Name)
	}
	if patch.Description != nil {
		fields = append(fields, "description=?")
		args = append(args, nullable(*patch.Description))
	}
	if patch.Status != nil {
		fields = append(fields, "status=?")
		args = append(args, *patch.Status)
	}
	if patch.Progress != nil {
		fields = append(fields, "progress=?")
		args = append(args, *patch.Progress)
	}
	if patch.TotalCost != nil {
		fields = append(fields, "total_cost=?")
		args = append(args, *patch.TotalCost)
	}
	if patch.TotalCarbon != nil {
		fields = append(fields, "total_carbon_footprint=?")
		args = append(args, *patch.TotalCarbon)
	}
	if patch.StartDate != nil {
		fields = append(fields, "start_date=?")
		args = append(args, nullable(*patch.StartDate))
	}
	if patch.CompletionDate != nil {
		fields = append(fields, "completion_date=?")
		args = append(args, nullable(*patch.CompletionDate))
	}
	if patch.Deleted != nil {
		fields = append(fields, "deleted=?")
		args = append(args, boolInt(*patch.Deleted))
	}
	fields = append(fields, "updated_at=?")
	args = append(args, updatedAt, id)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE projects SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullString(v sql.NullString) *string {
	if !v.Valid || v.String == "" {
		return nil
	}
	s := v.String
	return &s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalStrings(in []string) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalStrings(v sql.NullString) ([]string, error) {
	res := []string{}
	if !v.Valid || v.String == "" {
		return res, nil
	}
	if err := json.Unmarshal([]byte(v.String), &res); err != nil {
		return nil, fmt.Errorf("decode string list: %w", err)
	}
	return res, nil
}
