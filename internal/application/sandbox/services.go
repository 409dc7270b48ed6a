package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/helixsec/helix/internal/application"
	domain "github.com/helixsec/helix/internal/domain/sandbox"
	scansdomain "github.com/helixsec/helix/internal/domain/scans"
)

// DefaultGracePeriod applies when a terminate request does not specify one.
const DefaultGracePeriod = 30 * time.Second

// ArtifactStore uploads collected scan output; teardown works without one.
type ArtifactStore interface {
	UploadBytes(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// Stats is the slice of metrics the manager reports into.
type Stats interface {
	SandboxCreated()
	SandboxPhase(phase string)
}

// Service manages isolated execution environments: one live sandbox per
// running scan, each with an egress policy that never outlives it. The
// registry is process-local; the platform remains the source of truth for
// anything already reaped.
type Service struct {
	Platform domain.Platform
	Clock    application.Clock
	Logger   zerolog.Logger
	Stats    Stats // optional

	// ValidateTarget is the network-security-gateway hook; it returns the
	// validated hostname for the egress policy.
	ValidateTarget func(ctx context.Context, rawURL string) (string, error)

	// Optional artifact collection on teardown.
	Artifacts ArtifactStore
	ScanRepo  scansdomain.Repository

	mu     sync.Mutex
	byID   map[string]*tracked
	byScan map[string]string // scan id → sandbox id
}

type tracked struct {
	sb       *domain.Sandbox
	maxTimer *time.Timer
}

func (s *Service) init() {
	if s.byID == nil {
		s.byID = make(map[string]*tracked)
		s.byScan = make(map[string]string)
	}
}

// livePerTenant counts registered sandboxes not yet in a terminal phase.
func (s *Service) livePerTenant(tenant string) int {
	n := 0
	for _, t := range s.byID {
		if t.sb.TenantID == tenant && !t.sb.Phase.Terminal() {
			n++
		}
	}
	return n
}

// Create provisions the sandbox and its egress policy as a two-phase
// operation: if policy creation fails after the container exists, the
// container is rolled back before the error returns.
func (s *Service) Create(ctx context.Context, spec domain.Spec) (*domain.Sandbox, error) {
	s.mu.Lock()
	s.init()
	if spec.Plan.MaxConcurrent > 0 && s.livePerTenant(spec.TenantID) >= spec.Plan.MaxConcurrent {
		s.mu.Unlock()
		return nil, domain.ErrResourceQuotaExceeded
	}
	s.mu.Unlock()

	host, err := s.ValidateTarget(ctx, spec.TargetURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidTargetURL, err)
	}

	sb := &domain.Sandbox{
		ID:       uuid.New().String(),
		ScanID:   spec.ScanID,
		TenantID: spec.TenantID,
		Phase:    domain.PhasePending,
	}
	s.register(sb)

	s.advance(sb, domain.PhaseCreating)
	if err := s.Platform.EnsureImage(ctx, spec.Image); err != nil {
		s.fail(sb)
		return nil, fmt.Errorf("%w: %v", domain.ErrImagePullFailed, err)
	}

	handle, err := s.Platform.CreateContainer(ctx, sb.ID, spec)
	if err != nil {
		s.fail(sb)
		return nil, fmt.Errorf("creating sandbox: %w", err)
	}
	sb.Handle = handle

	policy := domain.EgressPolicy{
		SandboxID:  sb.ID,
		TenantID:   spec.TenantID,
		TargetHost: host,
		Rules:      spec.AuxEgress,
	}
	if err := s.Platform.CreateEgressPolicy(ctx, handle, policy); err != nil {
		// Roll back the half-built sandbox; it must not run unrestricted.
		if rerr := s.Platform.RemoveContainer(ctx, handle, true); rerr != nil {
			s.Logger.Error().Err(rerr).Str("sandbox_id", sb.ID).
				Msg("rollback of sandbox after egress-policy failure also failed")
		}
		s.fail(sb)
		return nil, fmt.Errorf("%w: %v", domain.ErrNetworkPolicyFailed, err)
	}

	if err := s.Platform.StartContainer(ctx, handle); err != nil {
		if rerr := s.Platform.RemoveContainer(ctx, handle, true); rerr != nil {
			s.Logger.Error().Err(rerr).Str("sandbox_id", sb.ID).
				Msg("rollback of sandbox after start failure also failed")
		}
		s.fail(sb)
		return nil, fmt.Errorf("starting sandbox: %w", err)
	}

	now := s.Clock.Now()
	sb.StartedAt = &now
	s.advance(sb, domain.PhaseRunning)
	if s.Stats != nil {
		s.Stats.SandboxCreated()
	}
	s.armMaxDuration(sb, spec.Plan.MaxDuration)

	s.Logger.Info().
		Str("sandbox_id", sb.ID).
		Str("scan_id", spec.ScanID).
		Str("tenant", spec.TenantID).
		Str("target_host", host).
		Msg("sandbox started")
	return sb, nil
}

func (s *Service) register(sb *domain.Sandbox) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	s.byID[sb.ID] = &tracked{sb: sb}
	s.byScan[sb.ScanID] = sb.ID
}

// advance moves the phase forward; regressions are dropped, keeping the
// observed sequence monotonic no matter what order platform events arrive.
func (s *Service) advance(sb *domain.Sandbox, next domain.Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !sb.Phase.CanAdvance(next) {
		return
	}
	sb.Phase = next
	if s.Stats != nil {
		s.Stats.SandboxPhase(string(next))
	}
}

func (s *Service) fail(sb *domain.Sandbox) {
	now := s.Clock.Now()
	sb.FinishedAt = &now
	s.advance(sb, domain.PhaseFailed)
}

func (s *Service) armMaxDuration(sb *domain.Sandbox, max time.Duration) {
	if max <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.byID[sb.ID]
	if t == nil {
		return
	}
	t.maxTimer = time.AfterFunc(max, func() {
		s.Logger.Warn().Str("sandbox_id", sb.ID).Dur("max", max).
			Msg("sandbox exceeded max duration, terminating")
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := s.Terminate(ctx, sb.Handle, TerminateOptions{Force: true}); err != nil {
			s.Logger.Error().Err(err).Str("sandbox_id", sb.ID).
				Msg("forced termination failed")
		}
	})
}

// GetStatus returns the sandbox with a platform-refreshed phase and
// best-effort metrics. A reaped resource yields (nil, nil): not found is
// not an error.
func (s *Service) GetStatus(ctx context.Context, handle string) (*domain.Sandbox, error) {
	sb := s.lookupByHandle(handle)
	if sb == nil {
		return nil, nil
	}

	state, err := s.Platform.InspectContainer(ctx, handle)
	if err != nil {
		// Best effort: serve the last-known record.
		s.Logger.Debug().Err(err).Str("handle", handle).
			Msg("sandbox inspect failed, serving cached state")
		return sb, nil
	}
	if state == nil {
		return nil, nil
	}
	s.advance(sb, state.Phase)
	if state.ExitCode != nil {
		sb.ExitCode = state.ExitCode
	}
	if state.FinishedAt != nil {
		sb.FinishedAt = state.FinishedAt
	}
	if m, _ := s.GetMetrics(ctx, handle); m != nil {
		sb.LastMetrics = m
	}
	return sb, nil
}

func (s *Service) lookupByHandle(handle string) *domain.Sandbox {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.byID {
		if t.sb.Handle == handle {
			return t.sb
		}
	}
	return nil
}

// ForScan returns the live sandbox for a scan, if any. Lookups are scoped
// to the tenant; another tenant's scan ID reads as not found.
func (s *Service) ForScan(tenant, scanID string) *domain.Sandbox {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byScan[scanID]
	if !ok {
		return nil
	}
	sb := s.byID[id].sb
	if sb.TenantID != tenant {
		return nil
	}
	return sb
}

// WatchEvents subscribes to platform phase changes for sandboxes matching
// the selector. Events also feed the registry so cached phases stay
// monotonic. The returned function unsubscribes.
func (s *Service) WatchEvents(ctx context.Context, selector map[string]string) (<-chan domain.Event, func(), error) {
	watchCtx, cancel := context.WithCancel(ctx)
	src, err := s.Platform.Watch(watchCtx, selector)
	if err != nil {
		cancel()
		return nil, nil, err
	}

	out := make(chan domain.Event, 16)
	go func() {
		defer close(out)
		for ev := range src {
			if sb := s.lookupByHandle(ev.Handle); sb != nil {
				s.advance(sb, ev.Phase)
				if ev.ExitCode != nil {
					sb.ExitCode = ev.ExitCode
				}
			}
			select {
			case out <- ev:
			case <-watchCtx.Done():
				return
			}
		}
	}()
	return out, cancel, nil
}

// TerminateOptions control how a sandbox is stopped.
type TerminateOptions struct {
	GracePeriod time.Duration // default 30s
	Force       bool
}

// Terminate stops a sandbox. A missing resource counts as already
// terminated; the call is idempotent.
func (s *Service) Terminate(ctx context.Context, handle string, opts TerminateOptions) error {
	grace := opts.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	var err error
	if opts.Force {
		err = s.Platform.RemoveContainer(ctx, handle, true)
	} else {
		err = s.Platform.StopContainer(ctx, handle, grace)
	}
	if err != nil {
		return err
	}

	if sb := s.lookupByHandle(handle); sb != nil {
		now := s.Clock.Now()
		if sb.FinishedAt == nil {
			sb.FinishedAt = &now
		}
		s.advance(sb, domain.PhaseTerminated)
	}
	return nil
}

// GetMetrics returns a best-effort resource snapshot, or (nil, nil) when
// the monitoring subsystem has nothing yet.
func (s *Service) GetMetrics(ctx context.Context, handle string) (*domain.Metrics, error) {
	usage, err := s.Platform.Usage(ctx, handle)
	if err != nil {
		s.Logger.Debug().Err(err).Str("handle", handle).Msg("usage query failed")
		return nil, nil
	}
	if usage == nil {
		return nil, nil
	}

	m := &domain.Metrics{NetworkBytes: usage.NetworkBytes, SampledAt: s.Clock.Now()}
	if usage.CPU != "" {
		if pct, err := domain.CPUPercent(usage.CPU); err == nil {
			m.CPUPercent = pct
		}
	}
	if usage.Memory != "" {
		if mb, err := domain.ParseMemoryMB(usage.Memory); err == nil {
			m.MemoryMB = mb
		}
	}
	if usage.Storage != "" {
		if mb, err := domain.ParseMemoryMB(usage.Storage); err == nil {
			m.StorageMB = mb
		}
	}

	if sb := s.lookupByHandle(handle); sb != nil {
		sb.LastMetrics = m
	}
	return m, nil
}

// DeleteEgressPolicy removes the sandbox's egress restriction. Missing
// resources are success.
func (s *Service) DeleteEgressPolicy(ctx context.Context, handle string) error {
	return s.Platform.DeleteEgressPolicy(ctx, handle)
}

// CleanupScan tears down a scan's sandbox after the scan went terminal:
// collect output, delete the egress policy, remove the container. Every
// step treats an already-gone resource as success.
func (s *Service) CleanupScan(ctx context.Context, tenant, scanID string) error {
	s.mu.Lock()
	s.init()
	id, ok := s.byScan[scanID]
	var t *tracked
	if ok {
		t = s.byID[id]
	}
	s.mu.Unlock()
	if t == nil {
		return nil // nothing live for this scan
	}
	sb := t.sb
	if t.maxTimer != nil {
		t.maxTimer.Stop()
	}

	s.collectArtifact(ctx, tenant, sb)

	s.advance(sb, domain.PhaseCleanup)
	if err := s.Platform.DeleteEgressPolicy(ctx, sb.Handle); err != nil {
		s.Logger.Warn().Err(err).Str("sandbox_id", sb.ID).
			Msg("egress policy removal failed during cleanup")
	}
	if err := s.Platform.RemoveContainer(ctx, sb.Handle, true); err != nil {
		return fmt.Errorf("removing sandbox container: %w", err)
	}

	s.mu.Lock()
	delete(s.byID, sb.ID)
	delete(s.byScan, scanID)
	s.mu.Unlock()

	s.Logger.Info().Str("sandbox_id", sb.ID).Str("scan_id", scanID).
		Msg("sandbox cleaned up")
	return nil
}

// collectArtifact uploads the sandbox's output and records findings on the
// scan. Best effort only.
func (s *Service) collectArtifact(ctx context.Context, tenant string, sb *domain.Sandbox) {
	if s.Artifacts == nil || s.ScanRepo == nil {
		return
	}
	logs, err := s.Platform.CollectOutput(ctx, sb.Handle)
	if err != nil || len(logs) == 0 {
		return
	}
	key := fmt.Sprintf("%s/%s/report.jsonl", tenant, sb.ScanID)
	url, err := s.Artifacts.UploadBytes(ctx, key, logs, "application/json")
	if err != nil {
		s.Logger.Warn().Err(err).Str("scan_id", sb.ScanID).
			Msg("artifact upload failed")
		return
	}

	job, err := s.ScanRepo.Get(ctx, tenant, scansdomain.ScanID(sb.ScanID))
	if err != nil || job == nil {
		return
	}
	job.ArtifactURL = url
	if counts, err := scansdomain.ParseFindingCounts(bytes.NewReader(logs), "jsonl"); err == nil {
		job.Counts = counts
	}
	if err := s.ScanRepo.Update(ctx, job); err != nil {
		s.Logger.Warn().Err(err).Str("scan_id", sb.ScanID).
			Msg("recording artifact on scan failed")
	}
}
