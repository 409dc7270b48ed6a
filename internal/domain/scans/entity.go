package scans

import (
	"time"
)

// ScanID identifies one assessment run.
type ScanID string

// Status is the lifecycle status of a ScanJob.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a move from s to next is legal.
// pending → running → {completed, failed, cancelled}; pending itself may be
// cancelled or failed; running → pending is the re-queue edge taken when
// workflow hand-off fails and is deliberately legal.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusCancelled || next == StatusFailed
	case StatusRunning:
		return next == StatusCompleted || next == StatusFailed ||
			next == StatusCancelled || next == StatusPending
	}
	return false
}

// SeverityCounts summarizes findings collected from a finished scan artifact.
type SeverityCounts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Total    int `json:"total"`
}

// Aggregate root: one end-to-end pentest run tracked by the orchestrator.
type ScanJob struct {
	ID        ScanID `json:"id"`
	TenantID  string `json:"tenant_id"`
	ProjectID string `json:"project_id"`
	Target    string `json:"target"`

	Status       Status `json:"status"`
	WorkflowID   string `json:"workflow_id,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	ParentID     ScanID `json:"parent_id,omitempty"`

	QueuedAt    *time.Time `json:"queued_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	DurationMS  int64      `json:"duration_ms"`

	// Transient progress, written by the reconciler while running.
	CurrentPhase string `json:"current_phase,omitempty"`
	CurrentAgent string `json:"current_agent,omitempty"`
	ProgressPct  int    `json:"progress_pct"`

	Counts      SeverityCounts `json:"counts"`
	ArtifactURL string         `json:"artifact_url,omitempty"`
}

// Queued reports whether the job is waiting for workflow hand-off.
func (j *ScanJob) Queued() bool {
	return j.Status == StatusPending && j.QueuedAt != nil && j.WorkflowID == ""
}
