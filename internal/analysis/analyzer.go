package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/marketlens/marketlens/internal/types"
)

// maxExcerptLen bounds how much page text feeds a single prompt per entity.
const maxExcerptLen = 3000

// Analyzer produces structured comparative analyses from collected inputs.
type Analyzer struct {
	gen    TextGenerator
	logger *slog.Logger
	now    func() time.Time
}

// NewAnalyzer creates an Analyzer over any text generator.
func NewAnalyzer(gen TextGenerator, logger *slog.Logger) *Analyzer {
	return &Analyzer{
		gen:    gen,
		logger: logger.With("component", "analyzer"),
		now:    time.Now,
	}
}

// SetClock overrides the time source for tests.
func (a *Analyzer) SetClock(now func() time.Time) { a.now = now }

// Analyze runs the model over the input and returns a normalized analysis.
// When the model is unavailable or returns garbage, a placeholder analysis
// is returned instead of an error so report generation can proceed.
func (a *Analyzer) Analyze(ctx context.Context, input *types.AnalysisInput) (*types.Analysis, error) {
	prompt := buildPrompt(input)

	raw, err := a.gen.Generate(ctx, prompt)
	if err != nil {
		a.logger.Warn("model unavailable, using placeholder analysis", "error", err)
		return a.placeholder(input), nil
	}

	analysis, parseErr := a.parse(raw, input)
	if parseErr != nil {
		a.logger.Warn("unparseable model output, using placeholder analysis", "error", parseErr)
		return a.placeholder(input), nil
	}

	analysis.ID = uuid.NewString()
	analysis.GeneratedAt = a.now()
	analysis.Normalize()
	return analysis, nil
}

// parse decodes the model's JSON output into an Analysis. Assessments for
// competitors the model skipped are filled in from catalog data.
func (a *Analyzer) parse(raw string, input *types.AnalysisInput) (*types.Analysis, error) {
	var decoded struct {
		Summary         types.AnalysisSummary        `json:"summary"`
		KeyFindings     []string                     `json:"keyFindings"`
		Assessments     []types.CompetitorAssessment `json:"assessments"`
		OpportunityScore int                         `json:"opportunityScore"`
		ConfidenceScore  int                         `json:"confidenceScore"`
		PriorityScore    int                         `json:"priorityScore"`
		Recommendations  types.RecommendationSet     `json:"recommendations"`
	}
	if err := json.Unmarshal([]byte(extractJSON(raw)), &decoded); err != nil {
		return nil, fmt.Errorf("decode analysis: %w", err)
	}
	if decoded.Summary.Narrative == "" {
		return nil, fmt.Errorf("analysis missing narrative")
	}

	byName := make(map[string]types.CompetitorAssessment, len(decoded.Assessments))
	for _, as := range decoded.Assessments {
		byName[strings.ToLower(as.CompetitorName)] = as
	}

	analysis := &types.Analysis{
		Summary:          decoded.Summary,
		KeyFindings:      decoded.KeyFindings,
		OpportunityScore: decoded.OpportunityScore,
		ConfidenceScore:  decoded.ConfidenceScore,
		PriorityScore:    decoded.PriorityScore,
		Recommendations:  decoded.Recommendations,
	}
	for _, ci := range input.Competitors {
		as, ok := byName[strings.ToLower(ci.Competitor.Name)]
		if !ok {
			as = types.CompetitorAssessment{
				CompetitorName: ci.Competitor.Name,
				Position:       types.PositionCompetitive,
			}
		}
		as.CompetitorID = ci.Competitor.ID
		as.DataQuality = string(ci.DataQuality)
		if as.Strengths == nil {
			as.Strengths = []string{}
		}
		if as.Weaknesses == nil {
			as.Weaknesses = []string{}
		}
		analysis.Assessments = append(analysis.Assessments, as)
	}
	return analysis, nil
}

// placeholder builds a conservative analysis from catalog data alone. It is
// marked so composers can disclose it.
func (a *Analyzer) placeholder(input *types.AnalysisInput) *types.Analysis {
	analysis := &types.Analysis{
		ID: uuid.NewString(),
		Summary: types.AnalysisSummary{
			OverallPosition: types.PositionCompetitive,
			Narrative: fmt.Sprintf(
				"Automated analysis was unavailable for %s. This assessment is derived from catalog data only and should be treated as provisional.",
				input.Product.Name),
		},
		KeyFindings: []string{
			fmt.Sprintf("%d competitors tracked against %s", len(input.Competitors), input.Product.Name),
		},
		OpportunityScore: 50,
		ConfidenceScore:  20,
		PriorityScore:    50,
		Recommendations: types.RecommendationSet{
			Immediate: []string{"Re-run the analysis once the model backend is reachable."},
		},
		Placeholder: true,
		GeneratedAt: a.now(),
	}
	for _, ci := range input.Competitors {
		analysis.Assessments = append(analysis.Assessments, types.CompetitorAssessment{
			CompetitorID:   ci.Competitor.ID,
			CompetitorName: ci.Competitor.Name,
			Position:       types.PositionCompetitive,
			Strengths:      []string{},
			Weaknesses:     []string{},
			DataQuality:    string(ci.DataQuality),
		})
	}
	analysis.Normalize()
	return analysis
}

// buildPrompt renders the analysis instruction with the product, each
// competitor's best available data, and the expected JSON shape.
func buildPrompt(input *types.AnalysisInput) string {
	var b strings.Builder
	b.WriteString("You are a competitive intelligence analyst. Compare the product below against its competitors and respond with JSON only.\n\n")

	p := input.Product
	fmt.Fprintf(&b, "PRODUCT: %s\nWebsite: %s\nPositioning: %s\nIndustry: %s\n", p.Name, p.Website, p.Positioning, p.Industry)
	if p.TargetCustomer != "" {
		fmt.Fprintf(&b, "Target customer: %s\n", p.TargetCustomer)
	}
	if p.ProblemSolved != "" {
		fmt.Fprintf(&b, "Problem solved: %s\n", p.ProblemSolved)
	}
	if input.ProductSnapshot != nil {
		fmt.Fprintf(&b, "Website content:\n%s\n", excerpt(input.ProductSnapshot.Metadata.Text))
	}

	for i, ci := range input.Competitors {
		fmt.Fprintf(&b, "\nCOMPETITOR %d: %s\nWebsite: %s\nData source: %s (quality: %s)\n",
			i+1, ci.Competitor.Name, ci.Competitor.Website, ci.DataSource, ci.DataQuality)
		if ci.Competitor.Description != "" {
			fmt.Fprintf(&b, "Description: %s\n", ci.Competitor.Description)
		}
		if ci.Snapshot != nil {
			fmt.Fprintf(&b, "Website content:\n%s\n", excerpt(ci.Snapshot.Metadata.Text))
		}
	}

	if len(input.Config.FocusAreas) > 0 {
		fmt.Fprintf(&b, "\nFocus areas: %s\n", strings.Join(input.Config.FocusAreas, ", "))
	}

	b.WriteString(`
Respond with a single JSON object:
{
  "summary": {"overallPosition": "leading|competitive|trailing", "narrative": "..."},
  "keyFindings": ["..."],
  "assessments": [{"competitorName": "...", "position": "leading|competitive|trailing", "strengths": ["..."], "weaknesses": ["..."]}],
  "opportunityScore": 0-100,
  "confidenceScore": 0-100,
  "priorityScore": 0-100,
  "recommendations": {"immediate": ["..."], "shortTerm": ["..."], "longTerm": ["..."]}
}`)
	return b.String()
}

func excerpt(text string) string {
	text = strings.TrimSpace(text)
	if len(text) > maxExcerptLen {
		return text[:maxExcerptLen]
	}
	return text
}

// extractJSON finds the first balanced JSON object in the model output,
// tolerating prose or code fences around it.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	if start < 0 {
		return "{}"
	}
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return "{}"
}
