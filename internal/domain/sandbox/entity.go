package sandbox

import (
	"time"
)

// Phase of an isolated execution environment. Phases are monotonic: once a
// sandbox reports a later phase it never regresses to an earlier one.
type Phase string

const (
	PhasePending    Phase = "pending"
	PhaseCreating   Phase = "creating"
	PhaseRunning    Phase = "running"
	PhaseSucceeded  Phase = "succeeded"
	PhaseFailed     Phase = "failed"
	PhaseTerminated Phase = "terminated"
	PhaseCleanup    Phase = "cleanup"
)

var phaseRank = map[Phase]int{
	PhasePending:    0,
	PhaseCreating:   1,
	PhaseRunning:    2,
	PhaseSucceeded:  3,
	PhaseFailed:     3,
	PhaseTerminated: 3,
	PhaseCleanup:    4,
}

// CanAdvance reports whether moving from p to next respects monotonicity.
// Same-rank terminal phases are mutually exclusive.
func (p Phase) CanAdvance(next Phase) bool {
	cur, ok := phaseRank[p]
	if !ok {
		return false
	}
	nxt, ok := phaseRank[next]
	if !ok {
		return false
	}
	if cur == nxt {
		return p == next
	}
	return nxt > cur
}

// Terminal reports whether the sandbox finished executing (cleanup pending
// or done).
func (p Phase) Terminal() bool {
	return phaseRank[p] >= 3
}

// Metrics is a best-effort point-in-time resource snapshot.
type Metrics struct {
	CPUPercent   float64   `json:"cpu_percent"`
	MemoryMB     float64   `json:"memory_mb"`
	StorageMB    float64   `json:"storage_mb"`
	NetworkBytes int64     `json:"network_bytes"`
	SampledAt    time.Time `json:"sampled_at"`
}

// Sandbox is one isolated execution environment bound 1:1 to a running scan.
type Sandbox struct {
	ID       string `json:"id"`
	ScanID   string `json:"scan_id"`
	TenantID string `json:"tenant_id"`
	Handle   string `json:"handle"`

	Phase      Phase      `json:"phase"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`

	LastMetrics *Metrics `json:"last_metrics,omitempty"`
}

// PlanLimits are the per-subscription-plan resource limits applied to every
// sandbox the tenant creates.
type PlanLimits struct {
	CPUCores             float64       `json:"cpu_cores"`
	MemoryMB             int64         `json:"memory_mb"`
	StorageMB            int64         `json:"storage_mb"`
	MaxConcurrent        int           `json:"max_concurrent"`
	MaxDuration          time.Duration `json:"max_duration"`
	PidsLimit            int64         `json:"pids_limit"`
	MaxNetworkEgressMbps int           `json:"max_network_egress_mbps"`
}

// SecretRef mounts a secret into the sandbox by reference; values are never
// inlined into the spec.
type SecretRef struct {
	Name      string `json:"name"`
	MountPath string `json:"mount_path"`
}

// Spec describes the sandbox to create for a scan.
type Spec struct {
	ScanID    string      `json:"scan_id"`
	TenantID  string      `json:"tenant_id"`
	TargetURL string      `json:"target_url"`
	Image     string      `json:"image"`
	Plan      PlanLimits  `json:"plan"`
	Secrets   []SecretRef `json:"secrets,omitempty"`
	// Extra egress destinations beyond the target host.
	AuxEgress []EgressRule `json:"aux_egress,omitempty"`
}
