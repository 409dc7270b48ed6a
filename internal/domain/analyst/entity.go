package analyst

import "time"

// AnalysisID identifier type
type AnalysisID string

// Analysis is one AI triage pass over a finished scan's findings, stored for
// auditing and retrieval.
type Analysis struct {
	ID          AnalysisID `json:"id"`
	TenantID    string     `json:"tenant_id"`
	ScanID      string     `json:"scan_id"`
	ArtifactURL string     `json:"artifact_url"`
	Result      string     `json:"result"` // JSON string from the model
	Model       string     `json:"model,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}
