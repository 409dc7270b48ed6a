package scans

import (
	"context"
	"time"
)

// Repository port (interface for ScanJob persistence).
type Repository interface {
	Create(ctx context.Context, j *ScanJob) error
	Update(ctx context.Context, j *ScanJob) error
	Get(ctx context.Context, tenant string, id ScanID) (*ScanJob, error)

	// CountRunning computes the tenant's currently running jobs fresh per
	// decision; the admission quota never reads a cached counter.
	CountRunning(ctx context.Context, tenant string) (int, error)

	// Cursor returns jobs newest-first after the (cursorTime, cursorID)
	// keyset, optionally filtered by status.
	Cursor(ctx context.Context, tenant string, status Status, cursorTime time.Time, cursorID string, pageSize int) ([]*ScanJob, error)
	Count(ctx context.Context, tenant string, status Status) (int64, error)

	// ListQueued returns pending jobs with a queued timestamp and no
	// workflow handle, oldest first, across all tenants when tenant is "".
	ListQueued(ctx context.Context, tenant string, limit int) ([]*ScanJob, error)

	// ListRunning returns running jobs that hold a workflow handle, across
	// all tenants, for the startup reconciliation sweep.
	ListRunning(ctx context.Context, limit int) ([]*ScanJob, error)

	// UpdateProgress writes only the transient progress columns.
	UpdateProgress(ctx context.Context, tenant string, id ScanID, phase, agent string, pct int) error

	Summary(ctx context.Context, tenant string, sinceDays int) (total int, completed int, failed int, err error)
}

// Projects port: the admission controller only needs to know whether a
// project belongs to a tenant.
type Projects interface {
	Owns(ctx context.Context, tenant, projectID string) (bool, error)
}
