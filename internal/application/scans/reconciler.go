package scans

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixsec/helix/internal/application"
	domain "github.com/helixsec/helix/internal/domain/scans"
	"github.com/helixsec/helix/internal/domain/scanerrors"
)

// DefaultPollInterval is how often a running scan is reconciled against the
// workflow engine.
const DefaultPollInterval = 2 * time.Second

// resumeBatchSize bounds the startup sweep over mid-flight scans.
const resumeBatchSize = 1000

// Progress is one reconciliation update, pushed to stream consumers as a
// single JSON object per update, in order.
type Progress struct {
	ScanID       domain.ScanID `json:"scan_id"`
	Status       domain.Status `json:"status"`
	CurrentPhase string        `json:"current_phase,omitempty"`
	CurrentAgent string        `json:"current_agent,omitempty"`
	Percent      int           `json:"percent"`
	ETASeconds   *int64        `json:"eta_seconds,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// Cleaner tears down a scan's sandbox once the scan is terminal.
type Cleaner interface {
	CleanupScan(ctx context.Context, tenant, scanID string) error
}

// Reconciler polls the workflow engine for running scans and merges the
// reported state into the local records. Per scan, exactly one loop runs at
// a time: one poll is applied before the next tick is scheduled, so a job's
// transient fields never see overlapping writes.
type Reconciler struct {
	Repo     domain.Repository
	Engine   domain.WorkflowEngine
	Clock    application.Clock
	Logger   zerolog.Logger
	ErrorLog scanerrors.Repository // optional audit sink
	Cleaner  Cleaner               // optional sandbox teardown
	Interval time.Duration

	mu         sync.Mutex
	loops      map[domain.ScanID]*loop
	base       context.Context
	baseCancel context.CancelFunc
}

type loop struct {
	cancel context.CancelFunc

	mu   sync.Mutex
	subs map[chan Progress]struct{}
	done bool
}

func (l *loop) publish(p Progress) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ch := range l.subs {
		select {
		case ch <- p:
		default: // slow consumer: drop rather than stall the loop
		}
	}
}

func (l *loop) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return
	}
	l.done = true
	for ch := range l.subs {
		close(ch)
	}
	l.subs = nil
}

func (r *Reconciler) interval() time.Duration {
	if r.Interval > 0 {
		return r.Interval
	}
	return DefaultPollInterval
}

// Track starts (or joins) the reconciliation loop for a scan. Tracking a
// locally terminal scan is a no-op: terminal states never re-enter polling.
// Loops run on the reconciler's own context so they outlive whatever
// request started them; only Stop ends them early.
func (r *Reconciler) Track(tenant string, id domain.ScanID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loops == nil {
		r.loops = make(map[domain.ScanID]*loop)
	}
	if r.base == nil {
		r.base, r.baseCancel = context.WithCancel(context.Background())
	}
	if _, ok := r.loops[id]; ok {
		return
	}
	loopCtx, cancel := context.WithCancel(r.base)
	l := &loop{cancel: cancel, subs: make(map[chan Progress]struct{})}
	r.loops[id] = l
	go r.run(loopCtx, tenant, id, l)
}

// Resume restarts reconciliation loops for scans that were mid-flight when
// the process last stopped. Called once at startup.
func (r *Reconciler) Resume(ctx context.Context) error {
	jobs, err := r.Repo.ListRunning(ctx, resumeBatchSize)
	if err != nil {
		return fmt.Errorf("listing running scans: %w", err)
	}
	for _, j := range jobs {
		r.Track(j.TenantID, j.ID)
	}
	if len(jobs) > 0 {
		r.Logger.Info().Int("count", len(jobs)).Msg("resumed reconciliation for running scans")
	}
	return nil
}

// Subscribe attaches a consumer to a scan's update stream, starting the
// loop if needed. The channel closes when the scan reaches a terminal
// state; the returned function detaches the consumer (e.g. on disconnect)
// without stopping reconciliation for other consumers.
func (r *Reconciler) Subscribe(tenant string, id domain.ScanID) (<-chan Progress, func()) {
	r.Track(tenant, id)

	r.mu.Lock()
	l := r.loops[id]
	r.mu.Unlock()

	ch := make(chan Progress, 16)
	if l == nil {
		close(ch)
		return ch, func() {}
	}
	l.mu.Lock()
	if l.done {
		l.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	l.subs[ch] = struct{}{}
	l.mu.Unlock()

	return ch, func() {
		l.mu.Lock()
		if _, ok := l.subs[ch]; ok {
			delete(l.subs, ch)
			close(ch)
		}
		l.mu.Unlock()
	}
}

// Stop cancels all loops.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.baseCancel != nil {
		r.baseCancel()
	}
	for _, l := range r.loops {
		l.cancel()
	}
}

func (r *Reconciler) run(ctx context.Context, tenant string, id domain.ScanID, l *loop) {
	defer func() {
		l.close()
		r.mu.Lock()
		delete(r.loops, id)
		r.mu.Unlock()
	}()

	ticker := time.NewTicker(r.interval())
	defer ticker.Stop()

	for {
		terminal := r.tick(ctx, tenant, id, l)
		if terminal {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tick performs one reconciliation pass and reports whether the scan is
// terminal. Transport and query failures are absorbed: the local record
// keeps its last-known values and the loop keeps ticking.
func (r *Reconciler) tick(ctx context.Context, tenant string, id domain.ScanID, l *loop) bool {
	job, err := r.Repo.Get(ctx, tenant, id)
	if errors.Is(err, domain.ErrNotFound) {
		r.Logger.Warn().Str("scan_id", string(id)).
			Msg("reconcile: scan record gone, stopping")
		return true
	}
	if err != nil {
		r.Logger.Warn().Err(err).Str("scan_id", string(id)).
			Msg("reconcile: local lookup failed")
		return false // transient, keep polling
	}
	if job == nil {
		return true
	}
	// Terminal locally: no workflow query, no further ticks.
	if job.Status.Terminal() {
		return true
	}
	if job.WorkflowID == "" {
		return false // still queued; nothing to reconcile yet
	}

	update, err := r.Engine.Query(ctx, job.WorkflowID)
	if err != nil {
		// Non-fatal by design: fall back to last-known local values.
		r.Logger.Debug().Err(err).Str("scan_id", string(id)).
			Msg("reconcile: engine query failed, keeping local state")
		return false
	}

	switch u := update.(type) {
	case domain.WorkflowRunning:
		pct := ComputeProgressPercent(len(u.CompletedAgents), u.ExpectedAgents)
		eta := EstimateRemaining(time.Duration(u.ElapsedMS)*time.Millisecond,
			len(u.CompletedAgents), u.ExpectedAgents)
		if err := r.Repo.UpdateProgress(ctx, tenant, id, u.CurrentPhase, u.CurrentAgent, pct); err != nil {
			r.Logger.Warn().Err(err).Str("scan_id", string(id)).
				Msg("reconcile: progress write failed")
		}
		l.publish(Progress{
			ScanID:       id,
			Status:       domain.StatusRunning,
			CurrentPhase: u.CurrentPhase,
			CurrentAgent: u.CurrentAgent,
			Percent:      pct,
			ETASeconds:   eta,
		})
		return false

	case domain.WorkflowCompleted:
		now := r.Clock.Now()
		job.Status = domain.StatusCompleted
		job.CompletedAt = &now
		job.DurationMS = u.ElapsedMS
		if job.DurationMS == 0 && job.StartedAt != nil {
			job.DurationMS = now.Sub(*job.StartedAt).Milliseconds()
		}
		job.CurrentPhase = ""
		job.CurrentAgent = ""
		job.ProgressPct = 100
		if err := r.Repo.Update(ctx, job); err != nil {
			r.Logger.Error().Err(err).Str("scan_id", string(id)).
				Msg("reconcile: completion write failed")
			return false
		}
		l.publish(Progress{ScanID: id, Status: domain.StatusCompleted, Percent: 100})
		r.cleanup(tenant, job)
		return true

	case domain.WorkflowFailed:
		now := r.Clock.Now()
		job.Status = domain.StatusFailed
		job.CompletedAt = &now
		job.ErrorMessage = u.Error
		if u.FailedAgent != "" {
			job.CurrentAgent = u.FailedAgent
		}
		if job.StartedAt != nil {
			job.DurationMS = now.Sub(*job.StartedAt).Milliseconds()
		}
		if err := r.Repo.Update(ctx, job); err != nil {
			r.Logger.Error().Err(err).Str("scan_id", string(id)).
				Msg("reconcile: failure write failed")
			return false
		}
		r.audit(ctx, job, u)
		l.publish(Progress{
			ScanID: id,
			Status: domain.StatusFailed,
			Error:  u.Error,
		})
		r.cleanup(tenant, job)
		return true

	case domain.WorkflowCanceled:
		now := r.Clock.Now()
		job.Status = domain.StatusCancelled
		job.CompletedAt = &now
		if err := r.Repo.Update(ctx, job); err != nil {
			return false
		}
		l.publish(Progress{ScanID: id, Status: domain.StatusCancelled})
		r.cleanup(tenant, job)
		return true
	}
	return false
}

func (r *Reconciler) audit(ctx context.Context, job *domain.ScanJob, u domain.WorkflowFailed) {
	if r.ErrorLog == nil {
		return
	}
	cls := scanerrors.ClassifyMessage(u.Error)
	entry := &scanerrors.ScanError{
		TenantID:  job.TenantID,
		ScanID:    string(job.ID),
		Kind:      cls.Kind,
		Phase:     "reconcile",
		Message:   u.Error,
		Retryable: cls.Retryable,
		CreatedAt: r.Clock.Now(),
	}
	if err := r.ErrorLog.Save(ctx, entry); err != nil {
		r.Logger.Warn().Err(err).Str("scan_id", string(job.ID)).
			Msg("reconcile: error audit write failed")
	}
}

func (r *Reconciler) cleanup(tenant string, job *domain.ScanJob) {
	if r.Cleaner == nil {
		return
	}
	// Teardown runs detached from the poll loop; its failure never affects
	// the scan's recorded outcome.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := r.Cleaner.CleanupScan(ctx, tenant, string(job.ID)); err != nil {
			r.Logger.Warn().Err(err).Str("scan_id", string(job.ID)).
				Msg("sandbox teardown after terminal scan failed")
		}
	}()
}

// ComputeProgressPercent maps completed/expected agents to a percentage
// capped at 99: 100 only ever comes from the terminal event itself.
func ComputeProgressPercent(completed, expected int) int {
	if expected <= 0 || completed <= 0 {
		return 0
	}
	pct := int(math.Round(float64(completed) / float64(expected) * 100))
	if pct > 99 {
		pct = 99
	}
	return pct
}

// EstimateRemaining projects remaining seconds from average agent duration;
// undefined (nil) until at least one agent has completed.
func EstimateRemaining(elapsed time.Duration, completed, expected int) *int64 {
	if completed <= 0 || expected <= completed {
		return nil
	}
	remaining := int64(elapsed.Seconds()) / int64(completed) * int64(expected-completed)
	return &remaining
}
