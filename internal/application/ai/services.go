package ai

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/helixsec/helix/internal/application"
	"github.com/helixsec/helix/internal/domain/ai"
	"github.com/helixsec/helix/internal/domain/analyst"
	"github.com/helixsec/helix/internal/domain/scanerrors"
	scansdomain "github.com/helixsec/helix/internal/domain/scans"
)

// maxFindingsBytes caps how much raw scanner output goes into the prompt.
const maxFindingsBytes = 64 * 1024

type Service struct {
	Client   ai.Client
	Analyses analyst.Repository
	Scans    scansdomain.Repository
	Errors   scanerrors.Repository // optional
	Clock    application.Clock
	Logger   zerolog.Logger

	// FetchArtifact pulls the scan's stored output for the prompt; nil means
	// the model only sees the artifact URL.
	FetchArtifact func(ctx context.Context, url string) ([]byte, error)
}

// AnalyzeAndStore runs an AI triage pass over a scan's findings and persists
// the result. A run the provider cut short on a spending cap surfaces as
// ErrQuotaExceeded rather than a bogus empty analysis.
func (s *Service) AnalyzeAndStore(ctx context.Context, tenant, scanID string) (*analyst.Analysis, error) {
	job, err := s.Scans.Get(ctx, tenant, scansdomain.ScanID(scanID))
	if err != nil {
		return nil, err
	}

	in := ai.Input{ScanID: scanID, ArtifactURL: job.ArtifactURL}
	if s.FetchArtifact != nil && job.ArtifactURL != "" {
		raw, err := s.FetchArtifact(ctx, job.ArtifactURL)
		if err != nil {
			s.Logger.Warn().Err(err).Str("scan_id", scanID).
				Msg("artifact fetch for triage failed, prompting with URL only")
		} else {
			if len(raw) > maxFindingsBytes {
				raw = raw[:maxFindingsBytes]
			}
			in.Findings = string(raw)
		}
	}

	res, err := s.Client.Analyze(ctx, in)
	if err != nil {
		return nil, err
	}
	if scanerrors.LooksLikeSpendingCap(res.Steps, res.CostUSD, res.Content) {
		s.audit(ctx, tenant, scanID, res.Content)
		return nil, fmt.Errorf("%w: triage run stopped by spending cap", ai.ErrQuotaExceeded)
	}

	a := &analyst.Analysis{
		ID:          analyst.AnalysisID(uuid.New().String()),
		TenantID:    tenant,
		ScanID:      scanID,
		ArtifactURL: job.ArtifactURL,
		Result:      res.Content,
		Model:       res.Model,
		CreatedAt:   s.Clock.Now(),
	}
	if err := s.Analyses.Save(ctx, a); err != nil {
		return nil, fmt.Errorf("saving analysis: %w", err)
	}
	return a, nil
}

func (s *Service) ListAnalyses(ctx context.Context, tenant string, page, pageSize int) ([]*analyst.Analysis, error) {
	return s.Analyses.Paginate(ctx, tenant, page, pageSize)
}

func (s *Service) LatestForScan(ctx context.Context, tenant, scanID string) (*analyst.Analysis, error) {
	return s.Analyses.LatestByScan(ctx, tenant, scanID)
}

func (s *Service) audit(ctx context.Context, tenant, scanID, msg string) {
	if s.Errors == nil {
		return
	}
	e := &scanerrors.ScanError{
		TenantID:  tenant,
		ScanID:    scanID,
		Kind:      scanerrors.KindBilling,
		Phase:     "triage",
		Message:   msg,
		Retryable: true,
		CreatedAt: s.Clock.Now(),
	}
	if err := s.Errors.Save(ctx, e); err != nil {
		s.Logger.Warn().Err(err).Str("scan_id", scanID).Msg("recording triage error failed")
	}
}
