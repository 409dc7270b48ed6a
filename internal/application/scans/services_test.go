package scans

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/helixsec/helix/internal/domain/scans"
)

type stubClock struct{ now time.Time }

func (c stubClock) Now() time.Time { return c.now }

type fakeRepo struct {
	mu   sync.Mutex
	jobs map[domain.ScanID]*domain.ScanJob

	createErr error
	countErr  error
	getErr    error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{jobs: map[domain.ScanID]*domain.ScanJob{}}
}

func cloneJob(j *domain.ScanJob) *domain.ScanJob {
	c := *j
	return &c
}

func (r *fakeRepo) Create(_ context.Context, j *domain.ScanJob) error {
	if r.createErr != nil {
		return r.createErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[j.ID] = cloneJob(j)
	return nil
}

func (r *fakeRepo) Update(_ context.Context, j *domain.ScanJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[j.ID] = cloneJob(j)
	return nil
}

func (r *fakeRepo) Get(_ context.Context, tenant string, id domain.ScanID) (*domain.ScanJob, error) {
	if r.getErr != nil {
		return nil, r.getErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok || j.TenantID != tenant {
		return nil, domain.ErrNotFound
	}
	return cloneJob(j), nil
}

func (r *fakeRepo) CountRunning(_ context.Context, tenant string) (int, error) {
	if r.countErr != nil {
		return 0, r.countErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, j := range r.jobs {
		if j.TenantID == tenant && j.Status == domain.StatusRunning {
			n++
		}
	}
	return n, nil
}

func (r *fakeRepo) matching(tenant string, status domain.Status) []*domain.ScanJob {
	var out []*domain.ScanJob
	for _, j := range r.jobs {
		if j.TenantID != tenant {
			continue
		}
		if status != "" && j.Status != status {
			continue
		}
		out = append(out, cloneJob(j))
	}
	return out
}

func (r *fakeRepo) Cursor(_ context.Context, tenant string, status domain.Status, cursorTime time.Time, cursorID string, pageSize int) ([]*domain.ScanJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.matching(tenant, status)
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.After(out[k].CreatedAt)
		}
		return out[i].ID > out[k].ID
	})
	if !cursorTime.IsZero() {
		var after []*domain.ScanJob
		for _, j := range out {
			if j.CreatedAt.Before(cursorTime) ||
				(j.CreatedAt.Equal(cursorTime) && string(j.ID) < cursorID) {
				after = append(after, j)
			}
		}
		out = after
	}
	if len(out) > pageSize {
		out = out[:pageSize]
	}
	return out, nil
}

func (r *fakeRepo) Count(_ context.Context, tenant string, status domain.Status) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.matching(tenant, status))), nil
}

func (r *fakeRepo) ListQueued(_ context.Context, tenant string, limit int) ([]*domain.ScanJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.ScanJob
	for _, j := range r.jobs {
		if tenant != "" && j.TenantID != tenant {
			continue
		}
		if j.Queued() {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].QueuedAt.Before(*out[k].QueuedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeRepo) ListRunning(_ context.Context, limit int) ([]*domain.ScanJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.ScanJob
	for _, j := range r.jobs {
		if j.Status == domain.StatusRunning && j.WorkflowID != "" {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeRepo) UpdateProgress(_ context.Context, tenant string, id domain.ScanID, phase, agent string, pct int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok || j.TenantID != tenant {
		return domain.ErrNotFound
	}
	j.CurrentPhase = phase
	j.CurrentAgent = agent
	j.ProgressPct = pct
	return nil
}

func (r *fakeRepo) Summary(_ context.Context, tenant string, _ int) (int, int, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total, completed, failed int
	for _, j := range r.jobs {
		if j.TenantID != tenant {
			continue
		}
		total++
		switch j.Status {
		case domain.StatusCompleted:
			completed++
		case domain.StatusFailed:
			failed++
		}
	}
	return total, completed, failed, nil
}

type fakeProjects map[string]bool

func (p fakeProjects) Owns(_ context.Context, tenant, projectID string) (bool, error) {
	return p[tenant+"/"+projectID], nil
}

type fakeEngine struct {
	mu sync.Mutex

	healthy   bool
	submitErr error
	cancelErr error
	queryErr  error

	submitted map[string]domain.WorkflowSpec
	canceled  []string

	// seq is popped one update per Query; updates answers by handle once
	// the sequence drains.
	seq     []domain.WorkflowUpdate
	updates map[string]domain.WorkflowUpdate
	queried int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		healthy:   true,
		submitted: map[string]domain.WorkflowSpec{},
		updates:   map[string]domain.WorkflowUpdate{},
	}
}

func (e *fakeEngine) Submit(_ context.Context, handle string, spec domain.WorkflowSpec) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.submitErr != nil {
		return e.submitErr
	}
	e.submitted[handle] = spec
	return nil
}

func (e *fakeEngine) Query(_ context.Context, handle string) (domain.WorkflowUpdate, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queried++
	if e.queryErr != nil {
		return nil, e.queryErr
	}
	if len(e.seq) > 0 {
		u := e.seq[0]
		e.seq = e.seq[1:]
		return u, nil
	}
	if u, ok := e.updates[handle]; ok {
		return u, nil
	}
	return nil, errors.New("unknown workflow")
}

func (e *fakeEngine) Cancel(_ context.Context, handle string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.canceled = append(e.canceled, handle)
	return e.cancelErr
}

func (e *fakeEngine) Healthy(context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.healthy
}

func (e *fakeEngine) queryCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queried
}

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestService() (*Service, *fakeRepo, *fakeEngine) {
	repo := newFakeRepo()
	eng := newFakeEngine()
	svc := &Service{
		Repo:     repo,
		Projects: fakeProjects{"acme/proj-1": true},
		Engine:   eng,
		Clock:    stubClock{now: testNow},
		Logger:   zerolog.Nop(),
	}
	return svc, repo, eng
}

func seedJob(repo *fakeRepo, tenant string, status domain.Status, created time.Time) *domain.ScanJob {
	j := &domain.ScanJob{
		ID:        domain.ScanID(fmt.Sprintf("scan-%s-%s-%d", tenant, status, created.UnixNano())),
		TenantID:  tenant,
		ProjectID: "proj-1",
		Target:    "https://app.example.com",
		Status:    status,
		CreatedAt: created,
	}
	switch status {
	case domain.StatusPending:
		q := created
		j.QueuedAt = &q
	case domain.StatusRunning:
		s := created
		j.StartedAt = &s
		j.WorkflowID = "wf-" + string(j.ID)
	}
	repo.jobs[j.ID] = j
	return j
}

func TestSubmitStartsImmediately(t *testing.T) {
	svc, repo, eng := newTestService()

	job, err := svc.Submit(context.Background(), SubmitCommand{
		TenantID: "acme", ProjectID: "proj-1", Target: "https://app.example.com",
	})
	require.NoError(t, err)
	require.NotNil(t, job)

	assert.Equal(t, domain.StatusRunning, job.Status)
	assert.NotEmpty(t, job.WorkflowID)
	require.NotNil(t, job.StartedAt)
	assert.Equal(t, testNow, *job.StartedAt)

	spec, ok := eng.submitted[job.WorkflowID]
	require.True(t, ok)
	assert.Equal(t, job.ID, spec.ScanID)
	assert.Equal(t, "acme", spec.TenantID)

	stored, err := repo.Get(context.Background(), "acme", job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, stored.Status)
}

func TestSubmitEnforcesConcurrencyQuota(t *testing.T) {
	svc, repo, _ := newTestService()
	for i := 0; i < DefaultConcurrentLimit; i++ {
		seedJob(repo, "acme", domain.StatusRunning, testNow.Add(time.Duration(i)*time.Minute))
	}

	_, err := svc.Submit(context.Background(), SubmitCommand{
		TenantID: "acme", ProjectID: "proj-1", Target: "https://app.example.com",
	})
	assert.ErrorIs(t, err, domain.ErrQuotaExceeded)

	// Another tenant is unaffected by acme's load.
	svc.Projects = fakeProjects{"acme/proj-1": true, "globex/proj-9": true}
	job, err := svc.Submit(context.Background(), SubmitCommand{
		TenantID: "globex", ProjectID: "proj-9", Target: "https://shop.globex.example",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, job.Status)
}

func TestSubmitUnknownProject(t *testing.T) {
	svc, _, _ := newTestService()
	_, err := svc.Submit(context.Background(), SubmitCommand{
		TenantID: "acme", ProjectID: "someone-elses", Target: "https://app.example.com",
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSubmitQueuesWhenEngineDown(t *testing.T) {
	svc, repo, eng := newTestService()
	eng.healthy = false

	job, err := svc.Submit(context.Background(), SubmitCommand{
		TenantID: "acme", ProjectID: "proj-1", Target: "https://app.example.com",
	})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusPending, job.Status)
	assert.Empty(t, job.WorkflowID)
	require.NotNil(t, job.QueuedAt)
	assert.True(t, job.Queued())
	assert.Empty(t, eng.submitted)

	stored, err := repo.Get(context.Background(), "acme", job.ID)
	require.NoError(t, err)
	assert.True(t, stored.Queued())
}

func TestSubmitHandoffFailureStaysQueued(t *testing.T) {
	svc, repo, eng := newTestService()
	eng.submitErr = errors.New("engine: 503 service unavailable")

	job, err := svc.Submit(context.Background(), SubmitCommand{
		TenantID: "acme", ProjectID: "proj-1", Target: "https://app.example.com",
	})
	require.NoError(t, err, "hand-off failure is not a submission failure")

	assert.Equal(t, domain.StatusPending, job.Status)
	assert.True(t, job.Queued())

	stored, err := repo.Get(context.Background(), "acme", job.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.ErrorMessage, "503")
	assert.True(t, stored.Queued())
}

func TestHandoffProvisionsSandboxAndTracks(t *testing.T) {
	svc, _, _ := newTestService()

	var provisioned []domain.ScanID
	var tracked []domain.ScanID
	svc.Provision = func(_ context.Context, job *domain.ScanJob) error {
		provisioned = append(provisioned, job.ID)
		return nil
	}
	svc.Tracker = func(tenant string, id domain.ScanID) {
		assert.Equal(t, "acme", tenant)
		tracked = append(tracked, id)
	}

	job, err := svc.Submit(context.Background(), SubmitCommand{
		TenantID: "acme", ProjectID: "proj-1", Target: "https://app.example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, []domain.ScanID{job.ID}, provisioned)
	assert.Equal(t, []domain.ScanID{job.ID}, tracked)
}

func TestHandoffHooksFireOnDrainToo(t *testing.T) {
	svc, repo, eng := newTestService()
	eng.healthy = false

	job, err := svc.Submit(context.Background(), SubmitCommand{
		TenantID: "acme", ProjectID: "proj-1", Target: "https://app.example.com",
	})
	require.NoError(t, err)
	require.True(t, job.Queued())

	var provisioned, tracked []domain.ScanID
	svc.Provision = func(_ context.Context, j *domain.ScanJob) error {
		provisioned = append(provisioned, j.ID)
		return nil
	}
	svc.Tracker = func(_ string, id domain.ScanID) { tracked = append(tracked, id) }

	eng.healthy = true
	started, err := svc.DrainQueue(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, started)
	assert.Equal(t, []domain.ScanID{job.ID}, provisioned)
	assert.Equal(t, []domain.ScanID{job.ID}, tracked)

	stored, err := repo.Get(context.Background(), "acme", job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, stored.Status)
}

func TestProvisionFailureDoesNotUndoHandoff(t *testing.T) {
	svc, repo, _ := newTestService()
	svc.Provision = func(context.Context, *domain.ScanJob) error {
		return errors.New("image pull failed")
	}

	job, err := svc.Submit(context.Background(), SubmitCommand{
		TenantID: "acme", ProjectID: "proj-1", Target: "https://app.example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, job.Status)

	stored, err := repo.Get(context.Background(), "acme", job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, stored.Status)
}

func TestCancelRunningScan(t *testing.T) {
	svc, repo, eng := newTestService()
	started := testNow.Add(-90 * time.Second)
	job := seedJob(repo, "acme", domain.StatusRunning, started)

	got, err := svc.Cancel(context.Background(), "acme", job.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCancelled, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, int64(90_000), got.DurationMS)
	assert.Equal(t, []string{job.WorkflowID}, eng.canceled)
}

func TestCancelPendingScan(t *testing.T) {
	svc, repo, eng := newTestService()
	job := seedJob(repo, "acme", domain.StatusPending, testNow.Add(-time.Minute))

	got, err := svc.Cancel(context.Background(), "acme", job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Zero(t, got.DurationMS)
	assert.Empty(t, eng.canceled, "no workflow handle, nothing to cancel remotely")
}

func TestCancelTerminalScan(t *testing.T) {
	svc, repo, _ := newTestService()
	for _, st := range []domain.Status{
		domain.StatusCompleted, domain.StatusFailed, domain.StatusCancelled,
	} {
		job := seedJob(repo, "acme", st, testNow.Add(-time.Hour))
		_, err := svc.Cancel(context.Background(), "acme", job.ID)
		assert.ErrorIs(t, err, domain.ErrNotCancellable, "status %s", st)
	}
}

func TestCancelSurvivesEngineFailure(t *testing.T) {
	svc, repo, eng := newTestService()
	eng.cancelErr = errors.New("engine: connection refused")
	job := seedJob(repo, "acme", domain.StatusRunning, testNow.Add(-time.Minute))

	got, err := svc.Cancel(context.Background(), "acme", job.ID)
	require.NoError(t, err, "local cancellation must not depend on the engine")
	assert.Equal(t, domain.StatusCancelled, got.Status)

	stored, err := repo.Get(context.Background(), "acme", job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, stored.Status)
}

func TestRetryFailedScanCreatesChild(t *testing.T) {
	svc, repo, _ := newTestService()
	failed := seedJob(repo, "acme", domain.StatusFailed, testNow.Add(-time.Hour))

	child, err := svc.Retry(context.Background(), "acme", failed.ID)
	require.NoError(t, err)

	assert.NotEqual(t, failed.ID, child.ID)
	assert.Equal(t, failed.ID, child.ParentID)
	assert.Equal(t, failed.Target, child.Target)
	assert.Equal(t, failed.ProjectID, child.ProjectID)
	assert.Equal(t, domain.StatusRunning, child.Status)
}

func TestRetryNonFailedScan(t *testing.T) {
	svc, repo, _ := newTestService()
	for _, st := range []domain.Status{
		domain.StatusPending, domain.StatusRunning,
		domain.StatusCompleted, domain.StatusCancelled,
	} {
		job := seedJob(repo, "acme", st, testNow.Add(-time.Hour))
		_, err := svc.Retry(context.Background(), "acme", job.ID)
		assert.ErrorIs(t, err, domain.ErrNotRetryable, "status %s", st)
	}
}

func TestDrainQueueSkipsWhenEngineDown(t *testing.T) {
	svc, repo, eng := newTestService()
	eng.healthy = false
	seedJob(repo, "acme", domain.StatusPending, testNow.Add(-time.Minute))

	started, err := svc.DrainQueue(context.Background(), "")
	require.NoError(t, err)
	assert.Zero(t, started)
}

func TestDrainQueueStartsQueuedJobs(t *testing.T) {
	svc, repo, eng := newTestService()
	a := seedJob(repo, "acme", domain.StatusPending, testNow.Add(-2*time.Minute))
	b := seedJob(repo, "acme", domain.StatusPending, testNow.Add(-time.Minute))

	started, err := svc.DrainQueue(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 2, started)
	assert.Len(t, eng.submitted, 2)

	for _, id := range []domain.ScanID{a.ID, b.ID} {
		stored, err := repo.Get(context.Background(), "acme", id)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusRunning, stored.Status)
		assert.NotEmpty(t, stored.WorkflowID)
	}

	// A second pass finds nothing left to start.
	started, err = svc.DrainQueue(context.Background(), "")
	require.NoError(t, err)
	assert.Zero(t, started)
}

func TestDrainQueueRespectsTenantQuota(t *testing.T) {
	svc, repo, _ := newTestService()
	for i := 0; i < DefaultConcurrentLimit-1; i++ {
		seedJob(repo, "acme", domain.StatusRunning, testNow.Add(time.Duration(i)*time.Minute))
	}
	first := seedJob(repo, "acme", domain.StatusPending, testNow.Add(-2*time.Minute))
	second := seedJob(repo, "acme", domain.StatusPending, testNow.Add(-time.Minute))

	started, err := svc.DrainQueue(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, started, "one free slot, one hand-off")

	oldest, err := repo.Get(context.Background(), "acme", first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, oldest.Status, "oldest queued job starts first")

	excess, err := repo.Get(context.Background(), "acme", second.ID)
	require.NoError(t, err)
	assert.True(t, excess.Queued())
}

func TestDrainQueueHandoffFailureLeavesQueued(t *testing.T) {
	svc, repo, eng := newTestService()
	eng.submitErr = errors.New("engine: 502 bad gateway")
	job := seedJob(repo, "acme", domain.StatusPending, testNow.Add(-time.Minute))

	started, err := svc.DrainQueue(context.Background(), "")
	require.NoError(t, err)
	assert.Zero(t, started)

	stored, err := repo.Get(context.Background(), "acme", job.ID)
	require.NoError(t, err)
	assert.True(t, stored.Queued())
	assert.Contains(t, stored.ErrorMessage, "502")
}

func TestListPaginatesNewestFirst(t *testing.T) {
	svc, repo, _ := newTestService()
	for i := 0; i < 5; i++ {
		seedJob(repo, "acme", domain.StatusCompleted, testNow.Add(time.Duration(i)*time.Minute))
	}

	page1, err := svc.List(context.Background(), "acme", "", "", 2)
	require.NoError(t, err)
	require.Len(t, page1.Data, 2)
	assert.Equal(t, int64(5), page1.Total)
	assert.NotEmpty(t, page1.NextCursor)
	assert.True(t, page1.Data[0].CreatedAt.After(page1.Data[1].CreatedAt))

	page2, err := svc.List(context.Background(), "acme", "", page1.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, page2.Data, 2)
	assert.True(t, page1.Data[1].CreatedAt.After(page2.Data[0].CreatedAt))

	page3, err := svc.List(context.Background(), "acme", "", page2.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, page3.Data, 1)
	assert.Empty(t, page3.NextCursor)
}

func TestListRejectsMalformedCursor(t *testing.T) {
	svc, _, _ := newTestService()
	_, err := svc.List(context.Background(), "acme", "", "not base64!!", 20)
	assert.Error(t, err)
}

func TestListFiltersByStatus(t *testing.T) {
	svc, repo, _ := newTestService()
	seedJob(repo, "acme", domain.StatusCompleted, testNow.Add(-time.Minute))
	seedJob(repo, "acme", domain.StatusFailed, testNow.Add(-2*time.Minute))

	page, err := svc.List(context.Background(), "acme", domain.StatusFailed, "", 20)
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	assert.Equal(t, domain.StatusFailed, page.Data[0].Status)
	assert.Equal(t, int64(1), page.Total)
}

func TestCursorRoundTrip(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 30, 45, 123456789, time.UTC)
	cursor := encodeCursor(at, "scan-abc")

	gotTime, gotID, err := decodeCursor(cursor)
	require.NoError(t, err)
	assert.True(t, at.Equal(gotTime))
	assert.Equal(t, "scan-abc", gotID)

	gotTime, gotID, err = decodeCursor("")
	require.NoError(t, err)
	assert.True(t, gotTime.IsZero())
	assert.Empty(t, gotID)
}

func TestSummaryAggregatesOutcomes(t *testing.T) {
	svc, repo, _ := newTestService()
	seedJob(repo, "acme", domain.StatusCompleted, testNow.Add(-time.Hour))
	seedJob(repo, "acme", domain.StatusCompleted, testNow.Add(-2*time.Hour))
	seedJob(repo, "acme", domain.StatusFailed, testNow.Add(-3*time.Hour))
	seedJob(repo, "globex", domain.StatusCompleted, testNow.Add(-time.Hour))

	got, err := svc.Summary(context.Background(), "acme", 7)
	require.NoError(t, err)
	assert.Equal(t, 3, got["total_scans"])
	assert.Equal(t, 2, got["completed"])
	assert.Equal(t, 1, got["failed"])
}
