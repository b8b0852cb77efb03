package types

import (
	"errors"
	"testing"
	"time"
)

func TestOwnerRefValidate(t *testing.T) {
	if err := ProductOwner("p1").Validate(); err != nil {
		t.Errorf("product owner should be valid: %v", err)
	}
	if err := CompetitorOwner("c1").Validate(); err != nil {
		t.Errorf("competitor owner should be valid: %v", err)
	}

	err := (OwnerRef{}).Validate()
	if !errors.Is(err, ErrNoOwner) {
		t.Errorf("empty owner: got %v, want ErrNoOwner", err)
	}

	err = (OwnerRef{ProductID: "p1", CompetitorID: "c1"}).Validate()
	if !errors.Is(err, ErrAmbiguousOwner) {
		t.Errorf("double owner: got %v, want ErrAmbiguousOwner", err)
	}
}

func TestOwnerRefKey(t *testing.T) {
	if got := ProductOwner("p1").Key(); got != "product:p1" {
		t.Errorf("product key = %q", got)
	}
	if got := CompetitorOwner("c1").Key(); got != "competitor:c1" {
		t.Errorf("competitor key = %q", got)
	}
}

func TestSnapshotFreshness(t *testing.T) {
	now := time.Now()
	s := &Snapshot{CreatedAt: now.Add(-2 * time.Hour), CaptureSuccess: true}
	if !s.IsFresh(now, 24*time.Hour) {
		t.Error("2h-old successful snapshot should be fresh within 24h")
	}
	if s.IsFresh(now, time.Hour) {
		t.Error("2h-old snapshot should not be fresh within 1h")
	}

	failed := &Snapshot{CreatedAt: now, CaptureSuccess: false}
	if failed.IsFresh(now, 24*time.Hour) {
		t.Error("failed capture is never fresh")
	}
}

func TestAnalysisNormalize(t *testing.T) {
	a := &Analysis{
		Summary:          AnalysisSummary{OverallPosition: "dominant"},
		OpportunityScore: 150,
		ConfidenceScore:  -5,
		PriorityScore:    80,
	}
	a.Normalize()

	if a.Summary.OverallPosition != PositionCompetitive {
		t.Errorf("unknown position should default to competitive, got %q", a.Summary.OverallPosition)
	}
	if a.OpportunityScore != 100 || a.ConfidenceScore != 0 || a.PriorityScore != 80 {
		t.Errorf("scores not clamped: %d %d %d", a.OpportunityScore, a.ConfidenceScore, a.PriorityScore)
	}
	if a.KeyFindings == nil || a.Assessments == nil {
		t.Error("list fields should be non-nil after Normalize")
	}
	if a.Recommendations.Immediate == nil || a.Recommendations.ShortTerm == nil || a.Recommendations.LongTerm == nil {
		t.Error("recommendation lists should be non-nil after Normalize")
	}
}
