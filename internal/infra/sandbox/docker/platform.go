package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog"

	domain "github.com/helixsec/helix/internal/domain/sandbox"
)

const (
	labelSandboxID = "helix.sandbox_id"
	labelScanID    = "helix.scan_id"
	labelTenant    = "helix.tenant"
	labelManaged   = "helix.managed"

	networkPrefix = "helix-egress-"
)

// Platform runs sandboxes as hardened Docker containers. Each sandbox gets a
// dedicated bridge network carrying its egress policy; the default bridge is
// detached before the container ever starts.
type Platform struct {
	cli    *client.Client
	logger zerolog.Logger
}

func New(logger zerolog.Logger) (*Platform, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Platform{cli: cli, logger: logger}, nil
}

func (p *Platform) EnsureImage(ctx context.Context, ref string) error {
	rc, err := p.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling %s: %w", ref, err)
	}
	defer rc.Close()
	// The pull only completes once the stream is drained.
	_, err = io.Copy(io.Discard, rc)
	return err
}

func (p *Platform) CreateContainer(ctx context.Context, id string, spec domain.Spec) (string, error) {
	cfg := &container.Config{
		Image: spec.Image,
		User:  "1000:1000",
		Env: []string{
			"SCAN_TARGET=" + spec.TargetURL,
			"SCAN_ID=" + spec.ScanID,
		},
		Labels: map[string]string{
			labelManaged:   "true",
			labelSandboxID: id,
			labelScanID:    spec.ScanID,
			labelTenant:    spec.TenantID,
		},
	}
	for _, sec := range spec.Secrets {
		cfg.Env = append(cfg.Env, "SECRET_"+sec.Name+"_PATH="+sec.MountPath)
	}

	host := hardenedHostConfig(spec.Plan)
	resp, err := p.cli.ContainerCreate(ctx, cfg, host, nil, nil, "helix-"+id)
	if err != nil {
		return "", fmt.Errorf("creating container: %w", err)
	}
	return resp.ID, nil
}

// hardenedHostConfig maps plan limits onto the container runtime.
func hardenedHostConfig(plan domain.PlanLimits) *container.HostConfig {
	hc := &container.HostConfig{
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		NetworkMode:    "bridge",
	}
	if plan.MemoryMB > 0 {
		hc.Resources.Memory = plan.MemoryMB * 1024 * 1024
	}
	if plan.CPUCores > 0 {
		hc.Resources.NanoCPUs = int64(plan.CPUCores * 1e9)
	}
	if plan.PidsLimit > 0 {
		pids := plan.PidsLimit
		hc.Resources.PidsLimit = &pids
	}
	if plan.StorageMB > 0 {
		hc.Tmpfs = map[string]string{
			"/tmp": fmt.Sprintf("rw,size=%dm", plan.StorageMB),
		}
	}
	return hc
}

func (p *Platform) StartContainer(ctx context.Context, handle string) error {
	return p.cli.ContainerStart(ctx, handle, container.StartOptions{})
}

func (p *Platform) InspectContainer(ctx context.Context, handle string) (*domain.ContainerState, error) {
	info, err := p.cli.ContainerInspect(ctx, handle)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	st := &domain.ContainerState{
		Handle: handle,
		Phase:  phaseOf(info.State),
	}
	if info.State != nil && info.State.Status == "exited" {
		code := info.State.ExitCode
		st.ExitCode = &code
		if t, err := time.Parse(time.RFC3339Nano, info.State.FinishedAt); err == nil && !t.IsZero() {
			st.FinishedAt = &t
		}
	}
	if info.State != nil {
		if t, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil && !t.IsZero() {
			st.StartedAt = &t
		}
	}
	return st, nil
}

func phaseOf(st *types.ContainerState) domain.Phase {
	if st == nil {
		return domain.PhasePending
	}
	switch st.Status {
	case "created":
		return domain.PhaseCreating
	case "running", "paused", "restarting":
		return domain.PhaseRunning
	case "exited":
		if st.ExitCode == 0 {
			return domain.PhaseSucceeded
		}
		return domain.PhaseFailed
	case "removing":
		return domain.PhaseCleanup
	case "dead":
		return domain.PhaseFailed
	default:
		return domain.PhasePending
	}
}

func (p *Platform) StopContainer(ctx context.Context, handle string, grace time.Duration) error {
	secs := int(grace.Seconds())
	err := p.cli.ContainerStop(ctx, handle, container.StopOptions{Timeout: &secs})
	if client.IsErrNotFound(err) {
		return nil
	}
	return err
}

func (p *Platform) RemoveContainer(ctx context.Context, handle string, force bool) error {
	err := p.cli.ContainerRemove(ctx, handle, container.RemoveOptions{
		Force:         force,
		RemoveVolumes: true,
	})
	if client.IsErrNotFound(err) {
		return nil
	}
	return err
}

// CreateEgressPolicy swaps the container from the default bridge onto a
// dedicated network restricted to the policy's destinations. The container
// is still stopped at this point, so no traffic escapes unfiltered.
func (p *Platform) CreateEgressPolicy(ctx context.Context, handle string, policy domain.EgressPolicy) error {
	labels := map[string]string{
		labelManaged:   "true",
		labelSandboxID: policy.SandboxID,
		labelTenant:    policy.TenantID,
		"helix.egress.target": policy.TargetHost,
	}
	for i, r := range policy.Rules {
		labels[fmt.Sprintf("helix.egress.aux.%d", i)] = r.Host
	}

	resp, err := p.cli.NetworkCreate(ctx, networkPrefix+policy.SandboxID, types.NetworkCreate{
		Driver: "bridge",
		Labels: labels,
		Options: map[string]string{
			"com.docker.network.bridge.enable_icc": "false",
		},
	})
	if err != nil {
		return fmt.Errorf("creating egress network: %w", err)
	}

	if err := p.cli.NetworkDisconnect(ctx, "bridge", handle, true); err != nil && !client.IsErrNotFound(err) {
		_ = p.cli.NetworkRemove(ctx, resp.ID)
		return fmt.Errorf("detaching default bridge: %w", err)
	}
	if err := p.cli.NetworkConnect(ctx, resp.ID, handle, &network.EndpointSettings{}); err != nil {
		_ = p.cli.NetworkRemove(ctx, resp.ID)
		return fmt.Errorf("attaching egress network: %w", err)
	}
	return nil
}

func (p *Platform) DeleteEgressPolicy(ctx context.Context, handle string) error {
	nets, err := p.egressNetworks(ctx, handle)
	if err != nil {
		return err
	}
	for _, id := range nets {
		if err := p.cli.NetworkRemove(ctx, id); err != nil && !client.IsErrNotFound(err) {
			return fmt.Errorf("removing egress network %s: %w", id, err)
		}
	}
	return nil
}

// egressNetworks finds the policy networks attached to a container, by the
// sandbox label on the container itself so it also works after removal.
func (p *Platform) egressNetworks(ctx context.Context, handle string) ([]string, error) {
	sandboxID := ""
	if info, err := p.cli.ContainerInspect(ctx, handle); err == nil {
		sandboxID = info.Config.Labels[labelSandboxID]
	}

	args := filters.NewArgs(filters.Arg("label", labelManaged+"=true"))
	if sandboxID != "" {
		args.Add("label", labelSandboxID+"="+sandboxID)
	} else {
		args.Add("name", networkPrefix)
	}
	nets, err := p.cli.NetworkList(ctx, types.NetworkListOptions{Filters: args})
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, n := range nets {
		if sandboxID != "" || attachedTo(n, handle) {
			ids = append(ids, n.ID)
		}
	}
	return ids, nil
}

func attachedTo(n types.NetworkResource, handle string) bool {
	for id := range n.Containers {
		if id == handle {
			return true
		}
	}
	return false
}

// Watch streams phase changes for managed containers matching the selector.
// The events connection is re-established on error until ctx ends.
func (p *Platform) Watch(ctx context.Context, selector map[string]string) (<-chan domain.Event, error) {
	out := make(chan domain.Event, 16)
	go func() {
		defer close(out)
		for {
			if !p.streamEvents(ctx, selector, out) {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			p.logger.Warn().Msg("docker event stream dropped, reconnecting")
		}
	}()
	return out, nil
}

// streamEvents pumps one events connection; it returns false when ctx ended
// and true when the connection should be retried.
func (p *Platform) streamEvents(ctx context.Context, selector map[string]string, out chan<- domain.Event) bool {
	args := filters.NewArgs(
		filters.Arg("type", "container"),
		filters.Arg("label", labelManaged+"=true"),
	)
	for k, v := range selector {
		args.Add("label", k+"="+v)
	}

	msgs, errs := p.cli.Events(ctx, types.EventsOptions{Filters: args})
	for {
		select {
		case <-ctx.Done():
			return false
		case err := <-errs:
			if ctx.Err() != nil {
				return false
			}
			p.logger.Debug().Err(err).Msg("docker events error")
			return true
		case msg := <-msgs:
			ev, ok := translateEvent(msg.Action, msg.Actor.ID)
			if ok {
				select {
				case out <- ev:
				case <-ctx.Done():
					return false
				}
			}
		}
	}
}

func translateEvent(action events.Action, handle string) (domain.Event, bool) {
	switch string(action) {
	case "create":
		return domain.Event{Type: domain.EventAdded, Handle: handle, Phase: domain.PhaseCreating}, true
	case "start", "unpause":
		return domain.Event{Type: domain.EventModified, Handle: handle, Phase: domain.PhaseRunning}, true
	case "die":
		return domain.Event{Type: domain.EventModified, Handle: handle, Phase: domain.PhaseFailed}, true
	case "destroy":
		return domain.Event{Type: domain.EventDeleted, Handle: handle, Phase: domain.PhaseCleanup}, true
	default:
		return domain.Event{}, false
	}
}

// dockerStats is the slice of the stats payload the manager reads.
type dockerStats struct {
	CPUStats struct {
		CPUUsage struct {
			TotalUsage uint64 `json:"total_usage"`
		} `json:"cpu_usage"`
		SystemUsage uint64 `json:"system_cpu_usage"`
		OnlineCPUs  uint32 `json:"online_cpus"`
	} `json:"cpu_stats"`
	PreCPUStats struct {
		CPUUsage struct {
			TotalUsage uint64 `json:"total_usage"`
		} `json:"cpu_usage"`
		SystemUsage uint64 `json:"system_cpu_usage"`
	} `json:"precpu_stats"`
	MemoryStats struct {
		Usage uint64 `json:"usage"`
	} `json:"memory_stats"`
	Networks map[string]struct {
		RxBytes uint64 `json:"rx_bytes"`
		TxBytes uint64 `json:"tx_bytes"`
	} `json:"networks"`
}

func (p *Platform) Usage(ctx context.Context, handle string) (*domain.Usage, error) {
	resp, err := p.cli.ContainerStatsOneShot(ctx, handle)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	defer resp.Body.Close()

	var st dockerStats
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("decoding stats: %w", err)
	}

	u := &domain.Usage{}
	cpuDelta := float64(st.CPUStats.CPUUsage.TotalUsage - st.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(st.CPUStats.SystemUsage - st.PreCPUStats.SystemUsage)
	if sysDelta > 0 && cpuDelta >= 0 {
		cpus := float64(st.CPUStats.OnlineCPUs)
		if cpus == 0 {
			cpus = 1
		}
		millicores := cpuDelta / sysDelta * cpus * 1000
		u.CPU = fmt.Sprintf("%.0fm", millicores)
	}
	u.Memory = fmt.Sprintf("%dMi", st.MemoryStats.Usage/(1024*1024))
	for _, n := range st.Networks {
		u.NetworkBytes += int64(n.RxBytes + n.TxBytes)
	}

	if info, _, err := p.cli.ContainerInspectWithRaw(ctx, handle, true); err == nil && info.SizeRw != nil {
		u.Storage = fmt.Sprintf("%dMi", *info.SizeRw/(1024*1024))
	}
	return u, nil
}

// CollectOutput returns the container's stdout, demultiplexed from the
// attached log stream.
func (p *Platform) CollectOutput(ctx context.Context, handle string) ([]byte, error) {
	rc, err := p.cli.ContainerLogs(ctx, handle, container.LogsOptions{
		ShowStdout: true,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, io.Discard, rc); err != nil {
		return nil, fmt.Errorf("reading sandbox output: %w", err)
	}
	return buf.Bytes(), nil
}
