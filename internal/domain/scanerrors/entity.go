package scanerrors

import "time"

// Kind is the classifier taxonomy.
type Kind string

const (
	KindBilling          Kind = "BillingError"
	KindAuthentication   Kind = "AuthenticationError"
	KindPermission       Kind = "PermissionError"
	KindOutputValidation Kind = "OutputValidationError"
	KindValidation       Kind = "ValidationError"
	KindRequestTooLarge  Kind = "RequestTooLargeError"
	KindConfiguration    Kind = "ConfigurationError"
	KindExecutionLimit   Kind = "ExecutionLimitError"
	KindTargetURL        Kind = "TargetURLError"
	KindTransient        Kind = "TransientError"
)

// Classification is the pure mapping result; never persisted.
type Classification struct {
	Kind      Kind `json:"kind"`
	Retryable bool `json:"retryable"`
}

// ScanError is a persisted audit entry for a failure observed during a scan.
type ScanError struct {
	ID        int64     `json:"id"`
	TenantID  string    `json:"tenant_id"`
	ScanID    string    `json:"scan_id"`
	Kind      Kind      `json:"kind,omitempty"`
	Phase     string    `json:"phase,omitempty"` // submit | handoff | reconcile | sandbox | triage
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	CreatedAt time.Time `json:"created_at"`
}
