package sandbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/helixsec/helix/internal/domain/sandbox"
)

type stubClock struct{ now time.Time }

func (c stubClock) Now() time.Time { return c.now }

type fakePlatform struct {
	mu sync.Mutex

	pullErr   error
	createErr error
	policyErr error

	containers map[string]bool
	policies   map[string]bool
	state      map[string]*domain.ContainerState
	usage      map[string]*domain.Usage

	removed  []string
	policyDel []string
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		containers: map[string]bool{},
		policies:   map[string]bool{},
		state:      map[string]*domain.ContainerState{},
		usage:      map[string]*domain.Usage{},
	}
}

func (f *fakePlatform) EnsureImage(ctx context.Context, image string) error { return f.pullErr }

func (f *fakePlatform) CreateContainer(ctx context.Context, id string, spec domain.Spec) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	h := "ctr-" + id
	f.containers[h] = true
	return h, nil
}

func (f *fakePlatform) StartContainer(ctx context.Context, handle string) error { return nil }

func (f *fakePlatform) InspectContainer(ctx context.Context, handle string) (*domain.ContainerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state[handle], nil
}

func (f *fakePlatform) StopContainer(ctx context.Context, handle string, grace time.Duration) error {
	return nil
}

func (f *fakePlatform) RemoveContainer(ctx context.Context, handle string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, handle)
	f.removed = append(f.removed, handle)
	return nil
}

func (f *fakePlatform) CreateEgressPolicy(ctx context.Context, handle string, policy domain.EgressPolicy) error {
	if f.policyErr != nil {
		return f.policyErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.policies[handle] = true
	return nil
}

func (f *fakePlatform) DeleteEgressPolicy(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.policies, handle)
	f.policyDel = append(f.policyDel, handle)
	return nil
}

func (f *fakePlatform) Watch(ctx context.Context, selector map[string]string) (<-chan domain.Event, error) {
	ch := make(chan domain.Event)
	go func() { <-ctx.Done(); close(ch) }()
	return ch, nil
}

func (f *fakePlatform) Usage(ctx context.Context, handle string) (*domain.Usage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usage[handle], nil
}

func (f *fakePlatform) CollectOutput(ctx context.Context, handle string) ([]byte, error) {
	return nil, nil
}

func newService(p domain.Platform) *Service {
	return &Service{
		Platform:       p,
		Clock:          stubClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)},
		Logger:         zerolog.Nop(),
		ValidateTarget: func(ctx context.Context, raw string) (string, error) { return "target.example.com", nil },
	}
}

func testSpec(scanID string) domain.Spec {
	return domain.Spec{
		ScanID:    scanID,
		TenantID:  "acme",
		TargetURL: "https://target.example.com",
		Image:     "helixsec/scanner:latest",
		Plan:      domain.PlanLimits{MaxConcurrent: 2},
	}
}

func TestCreateHappyPath(t *testing.T) {
	p := newFakePlatform()
	svc := newService(p)

	sb, err := svc.Create(context.Background(), testSpec("scan-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseRunning, sb.Phase)
	assert.NotEmpty(t, sb.Handle)
	assert.NotNil(t, sb.StartedAt)
	assert.True(t, p.policies[sb.Handle])
}

func TestCreateEnforcesConcurrencyQuota(t *testing.T) {
	p := newFakePlatform()
	svc := newService(p)
	ctx := context.Background()

	_, err := svc.Create(ctx, testSpec("scan-1"))
	require.NoError(t, err)
	_, err = svc.Create(ctx, testSpec("scan-2"))
	require.NoError(t, err)

	_, err = svc.Create(ctx, testSpec("scan-3"))
	assert.ErrorIs(t, err, domain.ErrResourceQuotaExceeded)

	// A different tenant is unaffected.
	spec := testSpec("scan-4")
	spec.TenantID = "globex"
	_, err = svc.Create(ctx, spec)
	assert.NoError(t, err)
}

func TestCreateRejectsInvalidTarget(t *testing.T) {
	p := newFakePlatform()
	svc := newService(p)
	svc.ValidateTarget = func(ctx context.Context, raw string) (string, error) {
		return "", errors.New("resolves to loopback address")
	}

	_, err := svc.Create(context.Background(), testSpec("scan-1"))
	assert.ErrorIs(t, err, domain.ErrInvalidTargetURL)
	assert.Empty(t, p.containers)
}

func TestCreateImagePullFailure(t *testing.T) {
	p := newFakePlatform()
	p.pullErr = errors.New("pull access denied")
	svc := newService(p)

	_, err := svc.Create(context.Background(), testSpec("scan-1"))
	assert.ErrorIs(t, err, domain.ErrImagePullFailed)
	assert.Empty(t, p.containers)
}

func TestCreateRollsBackOnEgressPolicyFailure(t *testing.T) {
	p := newFakePlatform()
	p.policyErr = errors.New("network create: address pool exhausted")
	svc := newService(p)

	_, err := svc.Create(context.Background(), testSpec("scan-1"))
	assert.ErrorIs(t, err, domain.ErrNetworkPolicyFailed)
	// The half-built container must not survive without its policy.
	assert.Empty(t, p.containers)
	require.Len(t, p.removed, 1)
}

func TestPhaseNeverRegresses(t *testing.T) {
	p := newFakePlatform()
	svc := newService(p)
	ctx := context.Background()

	sb, err := svc.Create(ctx, testSpec("scan-1"))
	require.NoError(t, err)
	require.Equal(t, domain.PhaseRunning, sb.Phase)

	// A stale inspect reporting an earlier phase is ignored.
	p.state[sb.Handle] = &domain.ContainerState{Handle: sb.Handle, Phase: domain.PhaseCreating}
	got, err := svc.GetStatus(ctx, sb.Handle)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseRunning, got.Phase)

	// A later phase advances.
	code := 0
	p.state[sb.Handle] = &domain.ContainerState{Handle: sb.Handle, Phase: domain.PhaseSucceeded, ExitCode: &code}
	got, err = svc.GetStatus(ctx, sb.Handle)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseSucceeded, got.Phase)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)
}

func TestGetStatusUnknownHandle(t *testing.T) {
	svc := newService(newFakePlatform())
	got, err := svc.GetStatus(context.Background(), "ctr-gone")
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestTerminateMissingIsSuccess(t *testing.T) {
	svc := newService(newFakePlatform())
	err := svc.Terminate(context.Background(), "ctr-gone", TerminateOptions{})
	assert.NoError(t, err)
}

func TestGetMetricsParsesPlatformUnits(t *testing.T) {
	p := newFakePlatform()
	svc := newService(p)
	ctx := context.Background()

	sb, err := svc.Create(ctx, testSpec("scan-1"))
	require.NoError(t, err)

	p.usage[sb.Handle] = &domain.Usage{CPU: "500m", Memory: "256Mi", Storage: "1Gi", NetworkBytes: 4096}
	m, err := svc.GetMetrics(ctx, sb.Handle)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.InDelta(t, 50.0, m.CPUPercent, 0.001)
	assert.InDelta(t, 256.0, m.MemoryMB, 0.001)
	assert.InDelta(t, 1024.0, m.StorageMB, 0.001)
	assert.Equal(t, int64(4096), m.NetworkBytes)
}

func TestGetMetricsUnavailable(t *testing.T) {
	p := newFakePlatform()
	svc := newService(p)
	sb, err := svc.Create(context.Background(), testSpec("scan-1"))
	require.NoError(t, err)

	m, err := svc.GetMetrics(context.Background(), sb.Handle)
	assert.NoError(t, err)
	assert.Nil(t, m)
}

func TestForScanScopedToTenant(t *testing.T) {
	p := newFakePlatform()
	svc := newService(p)

	sb, err := svc.Create(context.Background(), testSpec("scan-1"))
	require.NoError(t, err)

	got := svc.ForScan("acme", "scan-1")
	require.NotNil(t, got)
	assert.Equal(t, sb.ID, got.ID)

	// Knowing another tenant's scan ID must not expose its sandbox.
	assert.Nil(t, svc.ForScan("globex", "scan-1"))
}

func TestCleanupScanTearsDownEverything(t *testing.T) {
	p := newFakePlatform()
	svc := newService(p)
	ctx := context.Background()

	sb, err := svc.Create(ctx, testSpec("scan-1"))
	require.NoError(t, err)

	require.NoError(t, svc.CleanupScan(ctx, "acme", "scan-1"))
	assert.Empty(t, p.containers)
	assert.Empty(t, p.policies)
	assert.Nil(t, svc.ForScan("acme", "scan-1"))

	// Second cleanup of the same scan is a no-op.
	require.NoError(t, svc.CleanupScan(ctx, "acme", "scan-1"))
	assert.Len(t, p.removed, 1)

	// Quota slot is released.
	_, err = svc.Create(ctx, testSpec("scan-5"))
	assert.NoError(t, err)
	_ = sb
}
