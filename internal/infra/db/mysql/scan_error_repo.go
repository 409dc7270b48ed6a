package mysql

import (
	"context"
	"database/sql"
	"strings"
	"time"

	domain "github.com/helixsec/helix/internal/domain/scanerrors"
)

type ScanErrorRepository struct {
	db *sql.DB
}

func NewScanErrorRepository(db *sql.DB) *ScanErrorRepository { return &ScanErrorRepository{db: db} }

func (r *ScanErrorRepository) Save(ctx context.Context, e *domain.ScanError) error {
	const q = `
INSERT INTO scan_errors
  (tenant_id, scan_id, kind, phase, message, retryable, created_at)
VALUES (?,?,?,?,?,?,?)
`
	msg := e.Message
	if strings.TrimSpace(msg) == "" {
		msg = "-"
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := r.db.ExecContext(ctx, q,
		e.TenantID, e.ScanID, string(e.Kind), e.Phase, msg, e.Retryable, created)
	return err
}

func (r *ScanErrorRepository) ListByScan(ctx context.Context, tenant, scanID string, limit int) ([]*domain.ScanError, error) {
	if limit <= 0 {
		limit = 20
	}
	const q = `
SELECT id, tenant_id, scan_id, kind, phase, message, retryable, created_at
FROM scan_errors
WHERE tenant_id = ? AND scan_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?;`
	rows, err := r.db.QueryContext(ctx, q, tenant, scanID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.ScanError
	for rows.Next() {
		var e domain.ScanError
		var kind string
		if err := rows.Scan(&e.ID, &e.TenantID, &e.ScanID, &kind, &e.Phase, &e.Message, &e.Retryable, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = domain.Kind(kind)
		out = append(out, &e)
	}
	return out, rows.Err()
}
