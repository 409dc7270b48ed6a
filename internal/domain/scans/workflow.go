package scans

import "context"

// WorkflowSpec is what gets handed to the durable-execution engine.
type WorkflowSpec struct {
	ScanID   ScanID `json:"scan_id"`
	TenantID string `json:"tenant_id"`
	Target   string `json:"target"`
}

// WorkflowUpdate is the engine's answer to a status query, modeled as a
// closed set of shapes validated at the boundary so nothing downstream
// inspects untyped payloads.
type WorkflowUpdate interface {
	workflowUpdate()
}

// WorkflowRunning carries in-flight progress.
type WorkflowRunning struct {
	CurrentPhase    string
	CurrentAgent    string
	CompletedAgents []string
	ExpectedAgents  int
	ElapsedMS       int64
}

// WorkflowCompleted is the terminal success report.
type WorkflowCompleted struct {
	ElapsedMS int64
}

// WorkflowFailed is the terminal failure report.
type WorkflowFailed struct {
	FailedAgent string
	Error       string
}

// WorkflowCanceled reports an engine-side cancellation.
type WorkflowCanceled struct{}

func (WorkflowRunning) workflowUpdate()   {}
func (WorkflowCompleted) workflowUpdate() {}
func (WorkflowFailed) workflowUpdate()    {}
func (WorkflowCanceled) workflowUpdate()  {}

// WorkflowEngine port (interface to the external durable-execution engine).
type WorkflowEngine interface {
	Submit(ctx context.Context, handle string, spec WorkflowSpec) error
	Query(ctx context.Context, handle string) (WorkflowUpdate, error)
	Cancel(ctx context.Context, handle string) error
	Healthy(ctx context.Context) bool
}
