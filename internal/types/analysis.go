package types

import "time"

// DataSource records where a competitor's analysis input came from.
type DataSource string

const (
	SourceFreshSnapshot    DataSource = "fresh_snapshot"
	SourceExistingSnapshot DataSource = "existing_snapshot"
	SourceFastCollection   DataSource = "fast_collection"
	SourceBasicMetadata    DataSource = "basic_metadata"
	SourceFormInput        DataSource = "form_input"
)

// DataQuality grades a single input.
type DataQuality string

const (
	QualityHigh   DataQuality = "high"
	QualityMedium DataQuality = "medium"
	QualityLow    DataQuality = "low"
)

// Freshness classifications for an assembled input set.
const (
	FreshnessNew      = "new"
	FreshnessExisting = "existing"
	FreshnessMixed    = "mixed"
	FreshnessBasic    = "basic"
)

// OverallPosition values produced by the analysis stage.
const (
	PositionLeading     = "leading"
	PositionCompetitive = "competitive"
	PositionTrailing    = "trailing"
)

// AnalysisConfig tunes a single analysis run.
type AnalysisConfig struct {
	FocusAreas             []string
	Depth                  string
	IncludeRecommendations bool
}

// CompetitorInput is one competitor's contribution to an analysis.
type CompetitorInput struct {
	Competitor  *Competitor
	Snapshot    *Snapshot
	DataSource  DataSource
	DataQuality DataQuality
}

// AnalysisInput is everything the analysis stage needs for one run.
type AnalysisInput struct {
	Product         *Product
	ProductSnapshot *Snapshot
	Competitors     []CompetitorInput
	Config          AnalysisConfig
}

// AnalysisSummary is the top-line judgement of an analysis.
type AnalysisSummary struct {
	OverallPosition string `json:"overallPosition"`
	Narrative       string `json:"narrative"`
}

// RecommendationSet buckets recommendations by horizon. All lists are
// non-nil, possibly empty.
type RecommendationSet struct {
	Immediate []string `json:"immediate"`
	ShortTerm []string `json:"shortTerm"`
	LongTerm  []string `json:"longTerm"`
}

// CompetitorAssessment is the per-competitor finding set.
type CompetitorAssessment struct {
	CompetitorID   string   `json:"competitorId"`
	CompetitorName string   `json:"competitorName"`
	Position       string   `json:"position"`
	Strengths      []string `json:"strengths"`
	Weaknesses     []string `json:"weaknesses"`
	DataQuality    string   `json:"dataQuality"`
}

// Analysis is the structured output of the analysis stage. Scores are
// clamped to [0,100].
type Analysis struct {
	ID              string                 `json:"id"`
	Summary         AnalysisSummary        `json:"summary"`
	KeyFindings     []string               `json:"keyFindings"`
	Assessments     []CompetitorAssessment `json:"assessments"`
	OpportunityScore int                   `json:"opportunityScore"`
	ConfidenceScore  int                   `json:"confidenceScore"`
	PriorityScore    int                   `json:"priorityScore"`
	Recommendations  RecommendationSet     `json:"recommendations"`
	Placeholder      bool                  `json:"placeholder"`
	GeneratedAt      time.Time             `json:"generatedAt"`
}

// ClampScore bounds a score to [0,100].
func ClampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// Normalize enforces the analysis output invariants in place: position is
// one of the known values, scores are in range, recommendation lists are
// non-nil.
func (a *Analysis) Normalize() {
	switch a.Summary.OverallPosition {
	case PositionLeading, PositionCompetitive, PositionTrailing:
	default:
		a.Summary.OverallPosition = PositionCompetitive
	}
	a.OpportunityScore = ClampScore(a.OpportunityScore)
	a.ConfidenceScore = ClampScore(a.ConfidenceScore)
	a.PriorityScore = ClampScore(a.PriorityScore)
	if a.KeyFindings == nil {
		a.KeyFindings = []string{}
	}
	if a.Assessments == nil {
		a.Assessments = []CompetitorAssessment{}
	}
	if a.Recommendations.Immediate == nil {
		a.Recommendations.Immediate = []string{}
	}
	if a.Recommendations.ShortTerm == nil {
		a.Recommendations.ShortTerm = []string{}
	}
	if a.Recommendations.LongTerm == nil {
		a.Recommendations.LongTerm = []string{}
	}
}
