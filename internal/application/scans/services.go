package scans

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/helixsec/helix/internal/application"
	domain "github.com/helixsec/helix/internal/domain/scans"
)

const (
	// DefaultConcurrentLimit is the per-tenant running-scan cap.
	DefaultConcurrentLimit = 3
	// drainBatchSize bounds one DrainQueue pass.
	drainBatchSize = 10
)

// Stats is the slice of orchestrator metrics the service reports into.
type Stats interface {
	ScanAdmitted()
	ScanQueued()
	ScanFinished(status string)
}

// Service implements admission control and lifecycle for scan jobs. Safe
// for concurrent use; the quota check is read-computed and best-effort by
// design (see Submit).
type Service struct {
	Repo     domain.Repository
	Projects domain.Projects
	Engine   domain.WorkflowEngine
	Clock    application.Clock
	Logger   zerolog.Logger
	Stats    Stats // optional

	// Provision creates the scan's sandbox once hand-off succeeds. A
	// provisioning failure is logged but does not undo the hand-off;
	// the workflow is already running.
	Provision func(ctx context.Context, job *domain.ScanJob) error

	// Tracker hands every successfully started scan to the reconciler,
	// whichever path started it (submit, retry or queue drain).
	Tracker func(tenant string, id domain.ScanID)

	// Limit is the per-tenant concurrency cap; zero means the default.
	Limit int
}

func (s *Service) limit() int {
	if s.Limit > 0 {
		return s.Limit
	}
	return DefaultConcurrentLimit
}

// SubmitCommand carries everything needed to admit one scan.
type SubmitCommand struct {
	TenantID  string
	ProjectID string
	Target    string
	ParentID  domain.ScanID
}

// Submit admits a scan job. The running count is computed fresh from the
// repository for every decision; two near-simultaneous submissions may both
// observe capacity and exceed the quota by one. That race is accepted and
// resolves through natural completion; we do not take a distributed lock
// over admission.
func (s *Service) Submit(ctx context.Context, cmd SubmitCommand) (*domain.ScanJob, error) {
	running, err := s.Repo.CountRunning(ctx, cmd.TenantID)
	if err != nil {
		return nil, fmt.Errorf("counting running scans: %w", err)
	}
	if running >= s.limit() {
		return nil, domain.ErrQuotaExceeded
	}

	owns, err := s.Projects.Owns(ctx, cmd.TenantID, cmd.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("checking project ownership: %w", err)
	}
	if !owns {
		return nil, domain.ErrNotFound
	}

	now := s.Clock.Now()
	job := &domain.ScanJob{
		ID:        domain.ScanID(uuid.New().String()),
		TenantID:  cmd.TenantID,
		ProjectID: cmd.ProjectID,
		Target:    cmd.Target,
		Status:    domain.StatusPending,
		ParentID:  cmd.ParentID,
		QueuedAt:  &now,
		CreatedAt: now,
	}
	if err := s.Repo.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("creating scan record: %w", err)
	}

	if !s.Engine.Healthy(ctx) {
		s.Logger.Warn().
			Str("scan_id", string(job.ID)).
			Str("tenant", cmd.TenantID).
			Msg("workflow engine unavailable, scan queued")
		if s.Stats != nil {
			s.Stats.ScanQueued()
		}
		return job, nil
	}

	if err := s.handoff(ctx, job); err != nil {
		// Hand-off failure leaves the job queued in pending with the error
		// recorded; the drain loop will pick it up. Not surfaced as a
		// submission failure.
		s.Logger.Warn().
			Str("scan_id", string(job.ID)).
			Err(err).
			Msg("workflow hand-off failed, scan stays queued")
		if s.Stats != nil {
			s.Stats.ScanQueued()
		}
		return job, nil
	}
	if s.Stats != nil {
		s.Stats.ScanAdmitted()
	}
	return job, nil
}

// handoff assigns a workflow handle and transitions pending → running. On
// failure the job keeps its queued state with the error message recorded.
func (s *Service) handoff(ctx context.Context, job *domain.ScanJob) error {
	handle := uuid.New().String()
	if err := s.Engine.Submit(ctx, handle, domain.WorkflowSpec{
		ScanID:   job.ID,
		TenantID: job.TenantID,
		Target:   job.Target,
	}); err != nil {
		job.ErrorMessage = err.Error()
		if uerr := s.Repo.Update(ctx, job); uerr != nil {
			s.Logger.Error().Err(uerr).Str("scan_id", string(job.ID)).
				Msg("recording hand-off failure")
		}
		return err
	}

	now := s.Clock.Now()
	job.WorkflowID = handle
	job.Status = domain.StatusRunning
	job.StartedAt = &now
	job.ErrorMessage = ""
	if err := s.Repo.Update(ctx, job); err != nil {
		return fmt.Errorf("recording hand-off: %w", err)
	}

	if s.Provision != nil {
		if perr := s.Provision(ctx, job); perr != nil {
			s.Logger.Warn().
				Str("scan_id", string(job.ID)).
				Err(perr).
				Msg("sandbox provisioning failed")
		}
	}
	if s.Tracker != nil {
		s.Tracker(job.TenantID, job.ID)
	}
	return nil
}

// Get returns the scan, scoped to the tenant.
func (s *Service) Get(ctx context.Context, tenant string, id domain.ScanID) (*domain.ScanJob, error) {
	job, err := s.Repo.Get(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, domain.ErrNotFound
	}
	return job, nil
}

// List returns a page of scans newest-first. The cursor is opaque to
// callers: base64("unixnano:id").
func (s *Service) List(ctx context.Context, tenant string, status domain.Status, cursor string, limit int) (*domain.CursorPage, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	cursorTime, cursorID, err := decodeCursor(cursor)
	if err != nil {
		return nil, fmt.Errorf("bad cursor: %w", err)
	}

	jobs, err := s.Repo.Cursor(ctx, tenant, status, cursorTime, cursorID, limit)
	if err != nil {
		return nil, err
	}
	total, err := s.Repo.Count(ctx, tenant, status)
	if err != nil {
		return nil, err
	}

	page := &domain.CursorPage{Data: jobs, Total: total}
	if len(jobs) == limit {
		last := jobs[len(jobs)-1]
		page.NextCursor = encodeCursor(last.CreatedAt, string(last.ID))
	}
	return page, nil
}

// Cancel moves a pending or running scan to cancelled. Workflow-side
// cancellation is best-effort: a failure there is logged, because the local
// transition must happen regardless.
func (s *Service) Cancel(ctx context.Context, tenant string, id domain.ScanID) (*domain.ScanJob, error) {
	job, err := s.Get(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	if !job.Status.CanTransition(domain.StatusCancelled) {
		return nil, domain.ErrNotCancellable
	}

	if job.WorkflowID != "" {
		if err := s.Engine.Cancel(ctx, job.WorkflowID); err != nil {
			s.Logger.Warn().
				Str("scan_id", string(job.ID)).
				Str("workflow_id", job.WorkflowID).
				Err(err).
				Msg("workflow cancellation failed, cancelling locally anyway")
		}
	}

	now := s.Clock.Now()
	job.Status = domain.StatusCancelled
	job.CompletedAt = &now
	if job.StartedAt != nil {
		job.DurationMS = now.Sub(*job.StartedAt).Milliseconds()
	}
	if err := s.Repo.Update(ctx, job); err != nil {
		return nil, err
	}
	if s.Stats != nil {
		s.Stats.ScanFinished(string(domain.StatusCancelled))
	}
	return job, nil
}

// Retry creates a fresh scan carrying the failed scan's target and a
// reference to it, admitted through Submit like any other job.
func (s *Service) Retry(ctx context.Context, tenant string, id domain.ScanID) (*domain.ScanJob, error) {
	job, err := s.Get(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.StatusFailed {
		return nil, domain.ErrNotRetryable
	}
	return s.Submit(ctx, SubmitCommand{
		TenantID:  tenant,
		ProjectID: job.ProjectID,
		Target:    job.Target,
		ParentID:  job.ID,
	})
}

// DrainQueue attempts hand-off for queued jobs, oldest first, one batch at
// a time. The per-tenant quota is re-checked at hand-off time, so the drain
// is idempotent and safe to run concurrently with Submit. tenant may be ""
// to drain across all tenants.
func (s *Service) DrainQueue(ctx context.Context, tenant string) (started int, err error) {
	if !s.Engine.Healthy(ctx) {
		return 0, nil
	}
	queued, err := s.Repo.ListQueued(ctx, tenant, drainBatchSize)
	if err != nil {
		return 0, fmt.Errorf("listing queued scans: %w", err)
	}

	for _, job := range queued {
		running, err := s.Repo.CountRunning(ctx, job.TenantID)
		if err != nil {
			s.Logger.Error().Err(err).Str("tenant", job.TenantID).
				Msg("quota check failed during drain")
			continue
		}
		if running >= s.limit() {
			continue // tenant at capacity, leave queued
		}
		if err := s.handoff(ctx, job); err != nil {
			s.Logger.Warn().
				Str("scan_id", string(job.ID)).
				Err(err).
				Msg("drain hand-off failed, scan stays queued")
			continue
		}
		if s.Stats != nil {
			s.Stats.ScanAdmitted()
		}
		started++
	}
	return started, nil
}

// RunQueueDrainer drains on an interval until ctx is done.
func (s *Service) RunQueueDrainer(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.DrainQueue(ctx, ""); err != nil {
				s.Logger.Error().Err(err).Msg("queue drain pass failed")
			} else if n > 0 {
				s.Logger.Info().Int("started", n).Msg("drained queued scans")
			}
		}
	}
}

// Summary aggregates recent scan outcomes for a tenant.
func (s *Service) Summary(ctx context.Context, tenant string, sinceDays int) (map[string]any, error) {
	total, completed, failed, err := s.Repo.Summary(ctx, tenant, sinceDays)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"total_scans": total,
		"completed":   completed,
		"failed":      failed,
	}, nil
}

func encodeCursor(t time.Time, id string) string {
	raw := strconv.FormatInt(t.UnixNano(), 10) + ":" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (time.Time, string, error) {
	if cursor == "" {
		return time.Time{}, "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", err
	}
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 {
		return time.Time{}, "", errors.New("malformed cursor")
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, "", err
	}
	return time.Unix(0, nanos), parts[1], nil
}
