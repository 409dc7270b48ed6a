package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	domain "github.com/helixsec/helix/internal/domain/scans"
)

const scanColumns = `
id, tenant_id, project_id, target, status, workflow_id, error_message, parent_id,
queued_at, started_at, completed_at, created_at, duration_ms,
current_phase, current_agent, progress_pct,
critical, high, medium, low, findings_total, artifact_url`

type ScanRepository struct{ db *sql.DB }

func NewScanRepository(db *sql.DB) *ScanRepository { return &ScanRepository{db: db} }

func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, err
	}
	return db, nil
}

func (r *ScanRepository) Create(ctx context.Context, j *domain.ScanJob) error {
	const q = `
INSERT INTO scan_jobs (` + scanColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
ON CONFLICT (id) DO UPDATE SET
 status = EXCLUDED.status,
 workflow_id = EXCLUDED.workflow_id,
 error_message = EXCLUDED.error_message,
 queued_at = EXCLUDED.queued_at,
 started_at = EXCLUDED.started_at,
 completed_at = EXCLUDED.completed_at,
 duration_ms = EXCLUDED.duration_ms;`
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
SET status=$1, workflow_id=$2, error_message=$3,
    queued_at=$4, started_at=$5, completed_at=$6, duration_ms=$7,
    current_phase=$8, current_agent=$9, progress_pct=$10,
    critical=$11, high=$12, medium=$13, low=$14, findings_total=$15, artifact_url=$16
WHERE tenant_id=$17 AND id=$18;`
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
	const q = `SELECT ` + scanColumns + ` FROM scan_jobs WHERE tenant_id=$1 AND id=$2 LIMIT 1;`
	j, err := scanRow(r.db.QueryRowContext(ctx, q, tenant, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return j, err
}

func (r *ScanRepository) CountRunning(ctx context.Context, tenant string) (int, error) {
	const q = `SELECT COUNT(*) FROM scan_jobs WHERE tenant_id=$1 AND status=$2;`
	var n int
	err := r.db.QueryRowContext(ctx, q, tenant, domain.StatusRunning).Scan(&n)
	return n, err
}

func (r *ScanRepository) Cursor(ctx context.Context, tenant string, status domain.Status, cursorTime time.Time, cursorID string, pageSize int) ([]*domain.ScanJob, error) {
	if pageSize <= 0 {
		pageSize = 20
	}

	q := `SELECT ` + scanColumns + ` FROM scan_jobs WHERE tenant_id=$1`
	args := []interface{}{tenant}
	if status != "" {
		args = append(args, status)
		q += fmt.Sprintf(" AND status=$%d", len(args))
	}
	if !cursorTime.IsZero() {
		args = append(args, cursorTime)
		tpos := len(args)
		args = append(args, cursorID)
		q += fmt.Sprintf(" AND (created_at < $%d OR (created_at = $%d AND id < $%d))", tpos, tpos, len(args))
	}
	args = append(args, pageSize)
	q += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d;", len(args))

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying scan jobs: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

func (r *ScanRepository) Count(ctx context.Context, tenant string, status domain.Status) (int64, error) {
	q := `SELECT COUNT(*) FROM scan_jobs WHERE tenant_id=$1`
	args := []interface{}{tenant}
	if status != "" {
		args = append(args, status)
		q += fmt.Sprintf(" AND status=$%d", len(args))
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
WHERE status=$1 AND queued_at IS NOT NULL AND (workflow_id IS NULL OR workflow_id='')`
	args := []interface{}{domain.StatusPending}
	if tenant != "" {
		args = append(args, tenant)
		q += fmt.Sprintf(" AND tenant_id=$%d", len(args))
	}
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY queued_at ASC LIMIT $%d;", len(args))

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
WHERE status=$1 AND workflow_id IS NOT NULL AND workflow_id<>''
ORDER BY started_at ASC LIMIT $2;`
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
SET current_phase=$1, current_agent=$2, progress_pct=$3
WHERE tenant_id=$4 AND id=$5;`
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
       COALESCE(SUM(CASE WHEN status='completed' THEN 1 ELSE 0 END),0),
       COALESCE(SUM(CASE WHEN status='failed' THEN 1 ELSE 0 END),0)
FROM scan_jobs
WHERE tenant_id=$1 AND created_at >= $2;`
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
