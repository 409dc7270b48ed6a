package postgres

import (
	"context"
	"database/sql"
)

type ProjectRepository struct {
	db *sql.DB
}

func NewProjectRepository(db *sql.DB) *ProjectRepository {
	return &ProjectRepository{db: db}
}

// Owns reports whether the project belongs to the tenant.
func (r *ProjectRepository) Owns(ctx context.Context, tenant, projectID string) (bool, error) {
	const q = `SELECT COUNT(*) FROM projects WHERE tenant_id=$1 AND id=$2;`
	var n int
	if err := r.db.QueryRowContext(ctx, q, tenant, projectID).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}
