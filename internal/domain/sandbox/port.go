package sandbox

import (
	"context"
	"time"
)

// EventType mirrors the platform watch verbs.
type EventType string

const (
	EventAdded    EventType = "ADDED"
	EventModified EventType = "MODIFIED"
	EventDeleted  EventType = "DELETED"
)

// Event is one phase-change notification from the platform.
type Event struct {
	Type     EventType `json:"type"`
	Handle   string    `json:"handle"`
	Phase    Phase     `json:"phase"`
	ExitCode *int      `json:"exit_code,omitempty"`
}

// ContainerState is the platform's view of one sandbox resource.
type ContainerState struct {
	Handle     string
	Phase      Phase
	ExitCode   *int
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// Usage carries resource consumption as platform-native strings: CPU in
// millicores ("500m") or nanocores ("1500000000n"), memory with binary
// (Ki/Mi/Gi) or decimal (K/M/G) suffixes.
type Usage struct {
	CPU          string
	Memory       string
	Storage      string
	NetworkBytes int64
}

// Platform port: what the manager needs from the container orchestration
// layer. The docker adapter implements it; tests use a fake.
type Platform interface {
	EnsureImage(ctx context.Context, image string) error

	// CreateContainer provisions but does not start the container; it must
	// not execute before its egress policy is attached.
	CreateContainer(ctx context.Context, id string, spec Spec) (handle string, err error)
	StartContainer(ctx context.Context, handle string) error
	InspectContainer(ctx context.Context, handle string) (*ContainerState, error)
	StopContainer(ctx context.Context, handle string, grace time.Duration) error
	// RemoveContainer is idempotent: removing a missing handle is success.
	RemoveContainer(ctx context.Context, handle string, force bool) error

	// CreateEgressPolicy attaches the restriction to an existing container.
	CreateEgressPolicy(ctx context.Context, handle string, policy EgressPolicy) error
	// DeleteEgressPolicy is idempotent.
	DeleteEgressPolicy(ctx context.Context, handle string) error

	// Watch delivers events for containers matching the label selector until
	// ctx is cancelled. The stream survives underlying connection drops.
	Watch(ctx context.Context, selector map[string]string) (<-chan Event, error)

	Usage(ctx context.Context, handle string) (*Usage, error)

	// CollectOutput returns whatever the scanner wrote to its output stream,
	// for archival before teardown.
	CollectOutput(ctx context.Context, handle string) ([]byte, error)
}
