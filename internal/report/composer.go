package report

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/marketlens/marketlens/internal/config"
	"github.com/marketlens/marketlens/internal/store"
	"github.com/marketlens/marketlens/internal/types"
)

// Gap is one identified data limitation, ranked by impact on report
// quality.
type Gap struct {
	Description    string
	Impact         string // high, medium, low
	CanBeImproved  bool
	Recommendation string
}

// ComposeInput is everything needed to render one report version. Analysis
// may be nil; the composer synthesizes a placeholder bounded by the
// completeness score.
type ComposeInput struct {
	Product           *types.Product
	Analysis          *types.Analysis
	Competitors       []types.CompetitorInput
	CompletenessScore int
	Freshness         string
	QualityTier       types.QualityTier
	Template          *Template
}

// Composer renders report versions and persists them. The version write
// always precedes any COMPLETED transition.
type Composer struct {
	reports        store.ReportStore
	cfg            config.ReportConfig
	storageRetries int
	storageBackoff time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

// NewComposer creates a Composer.
func NewComposer(reports store.ReportStore, cfg config.ReportConfig, logger *slog.Logger) *Composer {
	return &Composer{
		reports:        reports,
		cfg:            cfg,
		storageRetries: 3,
		storageBackoff: 200 * time.Millisecond,
		logger:         logger.With("component", "composer"),
		now:            time.Now,
	}
}

// SetClock overrides the time source for tests.
func (c *Composer) SetClock(now func() time.Time) { c.now = now }

// SetStorageRetry overrides the retry policy for version writes.
func (c *Composer) SetStorageRetry(attempts int, base time.Duration) {
	c.storageRetries = attempts
	c.storageBackoff = base
}

// Compose renders the report version and persists it. A full report needs
// a real analysis and a completeness score at or above the full-report
// bar; everything else gets the partial-data variant with limitation
// notices and a closing limitations section.
func (c *Composer) Compose(ctx context.Context, reportID string, in ComposeInput) (*types.ReportVersion, error) {
	tmpl := in.Template
	if tmpl == nil {
		tmpl = DefaultTemplate()
	}

	analysis := in.Analysis
	partial := analysis == nil || analysis.Placeholder || in.CompletenessScore < c.cfg.MinCompletenessForFull
	if analysis == nil {
		analysis = c.boundedPlaceholder(in)
	}
	if partial {
		// Confidence can never exceed what the data supports.
		ceiling := in.CompletenessScore - 10
		if analysis.ConfidenceScore > ceiling {
			analysis.ConfidenceScore = types.ClampScore(ceiling)
		}
	}

	gaps := GapsFromInputs(in.Competitors)
	rctx := buildContext(in.Product, analysis)

	var sections []types.ReportSection
	order := 0
	for _, st := range tmpl.Sections {
		content := st.RenderSection(rctx)
		if content == "" {
			continue
		}
		if partial {
			if notice := limitationNotice(st, in.Competitors); notice != "" {
				content = notice + "\n\n" + content
			}
		}
		sections = append(sections, types.ReportSection{
			ID:      st.ID,
			Title:   st.Title,
			Content: content,
			Order:   order,
		})
		order++
	}
	if partial {
		sections = append(sections, limitationsSection(in, gaps, order))
	}

	format := strings.ToLower(strings.TrimSpace(c.cfg.Format))
	if format == "" {
		format = FormatMarkdown
	}
	var content string
	switch format {
	case FormatMarkdown:
		content = renderDocument(tmpl.Name, in.Product.Name, sections)
	case FormatHTML:
		content = renderDocumentHTML(tmpl.Name, in.Product.Name, sections)
	default:
		return nil, &types.PipelineError{
			Phase: "report_generation",
			Kind:  types.KindValidation,
			Err:   fmt.Errorf("unsupported report format %q", c.cfg.Format),
		}
	}
	if strings.TrimSpace(content) == "" {
		return nil, &types.PipelineError{
			Phase: "report_generation",
			Kind:  types.KindValidation,
			Err:   fmt.Errorf("rendered empty report for %s", reportID),
		}
	}

	version := &types.ReportVersion{
		ID:       uuid.NewString(),
		ReportID: reportID,
		Content:  content,
		Sections: sections,
		Metadata: types.VersionMetadata{
			CompletenessScore:  in.CompletenessScore,
			Freshness:          in.Freshness,
			QualityTier:        in.QualityTier,
			TemplateID:         tmpl.ID,
			Format:             format,
			HasDataLimitations: partial,
		},
		CreatedAt: c.now(),
	}
	err := store.WithRetry(ctx, c.storageRetries, c.storageBackoff, func() error {
		return c.reports.CreateReportVersion(ctx, version)
	})
	if err != nil {
		return nil, fmt.Errorf("persist report version: %w", err)
	}

	c.logger.Info("report version composed",
		"report_id", reportID, "version", version.Version,
		"sections", len(sections), "partial", partial,
		"completeness", in.CompletenessScore,
	)
	return version, nil
}

// boundedPlaceholder synthesizes a conservative analysis whose scores are
// capped by the completeness score.
func (c *Composer) boundedPlaceholder(in ComposeInput) *types.Analysis {
	bound := types.ClampScore(in.CompletenessScore)
	a := &types.Analysis{
		Summary: types.AnalysisSummary{
			OverallPosition: types.PositionCompetitive,
			Narrative: fmt.Sprintf(
				"Insufficient data was available to produce a full analysis of %s. The figures below are conservative estimates bounded by data completeness.",
				in.Product.Name),
		},
		OpportunityScore: bound / 2,
		ConfidenceScore:  bound,
		PriorityScore:    bound / 2,
		Placeholder:      true,
		GeneratedAt:      c.now(),
	}
	for _, ci := range in.Competitors {
		a.Assessments = append(a.Assessments, types.CompetitorAssessment{
			CompetitorID:   ci.Competitor.ID,
			CompetitorName: ci.Competitor.Name,
			Position:       types.PositionCompetitive,
			Strengths:      []string{},
			Weaknesses:     []string{},
			DataQuality:    string(ci.DataQuality),
		})
	}
	a.Normalize()
	return a
}

// GapsFromInputs derives limitation gaps from competitor input provenance.
func GapsFromInputs(inputs []types.CompetitorInput) []Gap {
	var gaps []Gap
	for _, ci := range inputs {
		switch ci.DataSource {
		case types.SourceBasicMetadata:
			gaps = append(gaps, Gap{
				Description:    fmt.Sprintf("No website snapshot available for %s; only catalog metadata was used.", ci.Competitor.Name),
				Impact:         "high",
				CanBeImproved:  true,
				Recommendation: "Retry snapshot capture or verify the competitor's website URL.",
			})
		case types.SourceExistingSnapshot:
			gaps = append(gaps, Gap{
				Description:    fmt.Sprintf("Analysis of %s relies on a previously captured snapshot that may be out of date.", ci.Competitor.Name),
				Impact:         "medium",
				CanBeImproved:  true,
				Recommendation: "Schedule a fresh capture to update this assessment.",
			})
		case types.SourceFastCollection:
			gaps = append(gaps, Gap{
				Description:    fmt.Sprintf("%s was captured without browser rendering; dynamic content may be missing.", ci.Competitor.Name),
				Impact:         "low",
				CanBeImproved:  true,
				Recommendation: "Re-capture with the full browser path for richer content.",
			})
		}
	}
	return gaps
}

// limitationNotice returns a per-section notice when the section's inputs
// are degraded, or empty when they are not.
func limitationNotice(st SectionTemplate, inputs []types.CompetitorInput) string {
	if st.Repeat != RepeatCompetitors {
		return ""
	}
	missing := 0
	for _, ci := range inputs {
		if ci.DataSource == types.SourceBasicMetadata {
			missing++
		}
	}
	if missing == 0 {
		return ""
	}
	return fmt.Sprintf("> **Data limitation:** %d of %d competitors lack website snapshots; their assessments are based on catalog metadata only.",
		missing, len(inputs))
}

// limitationsSection renders the closing "Data Completeness & Limitations"
// section listing every gap by impact.
func limitationsSection(in ComposeInput, gaps []Gap, order int) types.ReportSection {
	var b strings.Builder
	fmt.Fprintf(&b, "Data completeness score: **%d/100** (freshness: %s, tier: %s).\n",
		in.CompletenessScore, in.Freshness, in.QualityTier)
	if len(gaps) == 0 {
		b.WriteString("\nNo specific data gaps were identified, but overall completeness is below the full-report threshold.")
	}
	for _, impact := range []string{"high", "medium", "low"} {
		for _, g := range gaps {
			if g.Impact != impact {
				continue
			}
			fmt.Fprintf(&b, "\n- **[%s impact]** %s", g.Impact, g.Description)
			if g.CanBeImproved {
				fmt.Fprintf(&b, " _%s_", g.Recommendation)
			}
		}
	}
	return types.ReportSection{
		ID:      "data_limitations",
		Title:   "Data Completeness & Limitations",
		Content: b.String(),
		Order:   order,
	}
}

// buildContext flattens the analysis into template placeholder values.
func buildContext(product *types.Product, a *types.Analysis) Context {
	values := map[string]string{
		"productName":      product.Name,
		"productWebsite":   product.Website,
		"overallPosition":  a.Summary.OverallPosition,
		"narrative":        a.Summary.Narrative,
		"keyFindings":      bulletList(a.KeyFindings),
		"opportunityScore": strconv.Itoa(a.OpportunityScore),
		"confidenceScore":  strconv.Itoa(a.ConfidenceScore),
		"priorityScore":    strconv.Itoa(a.PriorityScore),
		"immediateRecs":    bulletList(a.Recommendations.Immediate),
		"shortTermRecs":    bulletList(a.Recommendations.ShortTerm),
		"longTermRecs":     bulletList(a.Recommendations.LongTerm),
	}

	competitors := make([]map[string]string, 0, len(a.Assessments))
	for _, as := range a.Assessments {
		competitors = append(competitors, map[string]string{
			"competitorName": as.CompetitorName,
			"position":       as.Position,
			"dataQuality":    as.DataQuality,
			"strengths":      bulletList(as.Strengths),
			"weaknesses":     bulletList(as.Weaknesses),
		})
	}
	return Context{
		Values: values,
		Groups: map[string][]map[string]string{RepeatCompetitors: competitors},
	}
}

// renderDocument joins titled sections into one markdown artifact.
func renderDocument(templateName, productName string, sections []types.ReportSection) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s: %s\n", templateName, productName)
	for _, s := range sections {
		fmt.Fprintf(&b, "\n## %s\n\n%s\n", s.Title, s.Content)
	}
	return b.String()
}
