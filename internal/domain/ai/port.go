package ai

import "context"

// Input for one triage pass.
type Input struct {
	ScanID      string
	ArtifactURL string
	// Findings is the raw scanner output handed to the model, truncated by
	// the caller.
	Findings string
}

// Result of one triage pass, with enough accounting to spot runs the
// provider stopped early.
type Result struct {
	Content string
	Steps   int
	CostUSD float64
	Model   string
}

type Client interface {
	Analyze(ctx context.Context, in Input) (*Result, error)
}
