package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	domain "github.com/helixsec/helix/internal/domain/scans"
)

const scanColumns = `
id, tenant_id, project_id, target, status, workflow_id, error_message, parent_id,
queued_at, started_at, completed_at, created_at, duration_ms,
current_phase, current_agent, progress_pct,
critical, high, medium, low, findings_total, artifact_url`

type ScanRepository struct {
	db *sql.DB
}

func NewScanRepository(db *sql.DB) *ScanRepository {
	return &ScanRepository{db: db}
}

func (r *ScanRepository) Create(ctx context.Context, j *domain.ScanJob) error {
	const q = `
INSERT INTO scan_jobs (` + scanColumns + `)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON DUPLICATE KEY UPDATE
 status=VALUES(status), workflow_id=VALUES(workflow_id),
 error_message=VALUES(error_message),
 queued_at=VALUES(queued_at), started_at=VALUES(started_at),
 completed_at=VALUES(completed_at), duration_ms=VALUES(duration_ms);
`
	created := j.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := r.db.ExecContext(ctx, q,
		j.ID, j.TenantID, j.ProjectID, j.Target, j.Status,
		j.WorkflowID, j.ErrorMessage, nullableID(j.ParentID),
		j.QueuedAt, j.StartedAt, j.CompletedAt, created, j.DurationMS,
		j.CurrentPhase, j.CurrentAgent, j.ProgressPct,
		j.Counts.Critical, j.Counts.High, j.Counts.Medium, j.Counts.Low, j.Counts.Total,
		j.ArtifactURL,
	)
	return err
}

func (r *ScanRepository) Update(ctx context.Context, j *domain.ScanJob) error {
	const q = `
UPDATE scan_jobs
SET status=?, workflow_id=?, error_message=?,
    queued_at=?, started_at=?, completed_at=?, duration_ms=?,
    current_phase=?, current_agent=?, progress_pct=?,
    critical=?, high=?, medium=?, low=?, findings_total=?, artifact_url=?
WHERE tenant_id=? AND id=?;
`
	_, err := r.db.ExecContext(ctx, q,
		j.Status, j.WorkflowID, j.ErrorMessage,
		j.QueuedAt, j.StartedAt, j.CompletedAt, j.DurationMS,
		j.CurrentPhase, j.CurrentAgent, j.ProgressPct,
		j.Counts.Critical, j.Counts.High, j.Counts.Medium, j.Counts.Low, j.Counts.Total,
		j.ArtifactURL,
		j.TenantID, j.ID,
	)
	return err
}

func (r *ScanRepository) Get(ctx context.Context, tenant string, id domain.ScanID) (*domain.ScanJob, error) {
	const q = `SELECT ` + scanColumns + ` FROM scan_jobs WHERE tenant_id=? AND id=? LIMIT 1;`
	j, err := scanRow(r.db.QueryRowContext(ctx, q, tenant, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return j, err
}

func (r *ScanRepository) CountRunning(ctx context.Context, tenant string) (int, error) {
	const q = `SELECT COUNT(*) FROM scan_jobs WHERE tenant_id=? AND status=?;`
	var n int
	err := r.db.QueryRowContext(ctx, q, tenant, domain.StatusRunning).Scan(&n)
	return n, err
}

// Cursor pages newest-first on the (created_at, id) keyset. A zero
// cursorTime means the first page.
func (r *ScanRepository) Cursor(ctx context.Context, tenant string, status domain.Status, cursorTime time.Time, cursorID string, pageSize int) ([]*domain.ScanJob, error) {
	if pageSize <= 0 {
		pageSize = 20
	}

	q := `SELECT ` + scanColumns + ` FROM scan_jobs WHERE tenant_id=?`
	args := []interface{}{tenant}
	if status != "" {
		q += " AND status=?"
		args = append(args, status)
	}
	if !cursorTime.IsZero() {
		q += " AND (created_at < ? OR (created_at = ? AND id < ?))"
		args = append(args, cursorTime, cursorTime, cursorID)
	}
	q += " ORDER BY created_at DESC, id DESC LIMIT ?;"
	args = append(args, pageSize)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying scan jobs: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

func (r *ScanRepository) Count(ctx context.Context, tenant string, status domain.Status) (int64, error) {
	q := `SELECT COUNT(*) FROM scan_jobs WHERE tenant_id=?`
	args := []interface{}{tenant}
	if status != "" {
		q += " AND status=?"
		args = append(args, status)
	}
	var n int64
	err := r.db.QueryRowContext(ctx, q, args...).Scan(&n)
	return n, err
}

func (r *ScanRepository) ListQueued(ctx context.Context, tenant string, limit int) ([]*domain.ScanJob, error) {
	if limit <= 0 {
		limit = 10
	}
	q := `SELECT ` + scanColumns + ` FROM scan_jobs
WHERE status=? AND queued_at IS NOT NULL AND (workflow_id IS NULL OR workflow_id='')`
	args := []interface{}{domain.StatusPending}
	if tenant != "" {
		q += " AND tenant_id=?"
		args = append(args, tenant)
	}
	q += " ORDER BY queued_at ASC LIMIT ?;"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying queued jobs: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

func (r *ScanRepository) ListRunning(ctx context.Context, limit int) ([]*domain.ScanJob, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + scanColumns + ` FROM scan_jobs
WHERE status=? AND workflow_id IS NOT NULL AND workflow_id<>''
ORDER BY started_at ASC LIMIT ?;`
	rows, err := r.db.QueryContext(ctx, q, domain.StatusRunning, limit)
	if err != nil {
		return nil, fmt.Errorf("querying running jobs: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

func (r *ScanRepository) UpdateProgress(ctx context.Context, tenant string, id domain.ScanID, phase, agent string, pct int) error {
	const q = `
UPDATE scan_jobs
SET current_phase=?, current_agent=?, progress_pct=?
WHERE tenant_id=? AND id=?;
`
	_, err := r.db.ExecContext(ctx, q, phase, agent, pct, tenant, id)
	return err
}

func (r *ScanRepository) Summary(ctx context.Context, tenant string, sinceDays int) (int, int, int, error) {
	if sinceDays <= 0 {
		sinceDays = 7
	}
	cut := time.Now().AddDate(0, 0, -sinceDays)

	const q = `
SELECT COUNT(*),
       COALESCE(SUM(status='completed'),0),
       COALESCE(SUM(status='failed'),0)
FROM scan_jobs
WHERE tenant_id=? AND created_at >= ?;
`
	var total, completed, failed int
	if err := r.db.QueryRowContext(ctx, q, tenant, cut).Scan(&total, &completed, &failed); err != nil {
		return 0, 0, 0, err
	}
	return total, completed, failed, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRow(row rowScanner) (*domain.ScanJob, error) {
	var j domain.ScanJob
	var parent sql.NullString
	var crit, hi, med, lo, tot int
	if err := row.Scan(
		&j.ID, &j.TenantID, &j.ProjectID, &j.Target, &j.Status,
		&j.WorkflowID, &j.ErrorMessage, &parent,
		&j.QueuedAt, &j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.DurationMS,
		&j.CurrentPhase, &j.CurrentAgent, &j.ProgressPct,
		&crit, &hi, &med, &lo, &tot, &j.ArtifactURL,
	); err != nil {
		return nil, err
	}
	if parent.Valid {
		j.ParentID = domain.ScanID(parent.String)
	}
	j.Counts = domain.SeverityCounts{Critical: crit, High: hi, Medium: med, Low: lo, Total: tot}
	return &j, nil
}

func scanRows(rows *sql.Rows) ([]*domain.ScanJob, error) {
	var out []*domain.ScanJob
	for rows.Next() {
		j, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func nullableID(id domain.ScanID) interface{} {
	if id == "" {
		return nil
	}
	return string(id)
}
