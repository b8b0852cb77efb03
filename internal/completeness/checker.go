// Package completeness scores a project's readiness for report generation
// and derives the quality tier used downstream.
package completeness

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/marketlens/marketlens/internal/store"
	"github.com/marketlens/marketlens/internal/types"
	"github.com/marketlens/marketlens/internal/validator"
)

// Quality levels for individual checks.
const (
	QualityMissing   = "missing"
	QualityPoor      = "poor"
	QualityFair      = "fair"
	QualityGood      = "good"
	QualityExcellent = "excellent"
)

// Freshness levels derived from the newest snapshot age.
const (
	FreshnessFresh     = "fresh"      // < 1h
	FreshnessRecent    = "recent"     // < 1d
	FreshnessStale     = "stale"      // < 7d
	FreshnessVeryStale = "very_stale" // otherwise
)

// DefaultMinimumScore is the completeness bar for isComplete.
const DefaultMinimumScore = 70

// Check is one readiness check's outcome.
type Check struct {
	Name            string
	Score           int
	Present         bool
	Quality         string
	Required        bool
	Details         string
	Recommendations []string
}

// Result is the full readiness assessment for a project.
type Result struct {
	ProjectID      string
	OverallScore   int
	Grade          string
	Checks         []Check
	CriticalIssues []string
	Freshness      string
	QualityTier    types.QualityTier
	IsComplete     bool
	EvaluatedAt    time.Time
}

// Options tune a single scoring run.
type Options struct {
	// MinimumScore overrides the completeness bar; zero means the default.
	MinimumScore int
}

// Checker computes completeness results over repository data.
type Checker struct {
	repo      store.Repository
	validator *validator.Validator
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Checker.
func New(repo store.Repository, v *validator.Validator, logger *slog.Logger) *Checker {
	return &Checker{
		repo:      repo,
		validator: v,
		logger:    logger.With("component", "completeness"),
		now:       time.Now,
	}
}

// SetClock overrides the time source for tests.
func (c *Checker) SetClock(now func() time.Time) { c.now = now }

// Score runs all readiness checks for the project. Required checks weigh
// 100, optional checks 50; the overall score is the weighted average.
func (c *Checker) Score(ctx context.Context, projectID string, opts Options) (*Result, error) {
	graph, err := c.repo.FindProjectWithGraph(ctx, projectID)
	if err != nil {
		return nil, err
	}

	minScore := opts.MinimumScore
	if minScore <= 0 {
		minScore = DefaultMinimumScore
	}

	projCheck, err := c.validator.CheckProject(ctx, graph)
	if err != nil {
		return nil, err
	}
	newestAge, hasSnapshot := c.newestSnapshotAge(ctx, graph)

	checks := []Check{
		c.checkProjectBasics(graph),
		c.checkProductData(graph),
		c.checkSnapshotQuality(projCheck),
		c.checkCompetitors(graph),
		c.checkFreshness(newestAge, hasSnapshot),
		c.checkConsistency(graph, projCheck),
		c.checkMetadataRichness(ctx, graph),
	}

	var weightedSum, weightTotal float64
	var critical []string
	for _, ch := range checks {
		weight := 50.0
		if ch.Required {
			weight = 100.0
		}
		weightedSum += float64(ch.Score) * weight
		weightTotal += weight
		if ch.Required && ch.Score == 0 {
			critical = append(critical, fmt.Sprintf("%s: %s", ch.Name, ch.Details))
		}
	}
	overall := int(weightedSum / weightTotal)

	freshness := freshnessLevel(newestAge, hasSnapshot)
	result := &Result{
		ProjectID:      projectID,
		OverallScore:   overall,
		Grade:          grade(overall),
		Checks:         checks,
		CriticalIssues: critical,
		Freshness:      freshness,
		QualityTier:    qualityTier(overall, freshness),
		IsComplete:     overall >= minScore && len(critical) == 0,
		EvaluatedAt:    c.now(),
	}

	c.logger.Debug("completeness scored",
		"project_id", projectID,
		"overall", overall, "grade", result.Grade,
		"freshness", freshness, "tier", result.QualityTier,
		"complete", result.IsComplete,
	)
	return result, nil
}

func (c *Checker) checkProjectBasics(g *store.ProjectGraph) Check {
	ch := Check{Name: "project_basics", Required: true}
	p := g.Project
	score := 0
	if p.Name != "" {
		score += 40
	}
	if p.Frequency != "" {
		score += 30
	}
	if len(p.ProductIDs) > 0 {
		score += 30
	} else {
		ch.Recommendations = append(ch.Recommendations, "add at least one product to the project")
	}
	ch.Score = score
	ch.Present = score > 0
	ch.Quality = qualityLevel(score)
	ch.Details = fmt.Sprintf("%d products, %d competitors", len(p.ProductIDs), len(p.CompetitorIDs))
	return ch
}

func (c *Checker) checkProductData(g *store.ProjectGraph) Check {
	ch := Check{Name: "product_data", Required: true}
	if len(g.Products) == 0 {
		ch.Quality = QualityMissing
		ch.Details = "no products"
		ch.Recommendations = append(ch.Recommendations, "add product details before generating reports")
		return ch
	}

	total := 0
	for _, p := range g.Products {
		score := 0
		if p.Name != "" {
			score += 25
		}
		if p.Website != "" {
			score += 25
		}
		if p.Positioning != "" {
			score += 20
		}
		if p.Industry != "" {
			score += 15
		}
		if p.TargetCustomer != "" || p.ProblemSolved != "" {
			score += 15
		}
		total += score
	}
	ch.Score = total / len(g.Products)
	ch.Present = true
	ch.Quality = qualityLevel(ch.Score)
	ch.Details = fmt.Sprintf("%d products scored", len(g.Products))
	if ch.Score < 70 {
		ch.Recommendations = append(ch.Recommendations, "fill in product positioning and industry")
	}
	return ch
}

func (c *Checker) checkSnapshotQuality(pc validator.ProjectCheck) Check {
	ch := Check{Name: "snapshot_quality", Required: true}
	if pc.Total == 0 {
		ch.Quality = QualityMissing
		ch.Details = "no snapshot owners"
		return ch
	}
	ch.Score = pc.WithValid * 100 / pc.Total
	ch.Present = pc.WithValid > 0
	ch.Quality = qualityLevel(ch.Score)
	ch.Details = fmt.Sprintf("%d/%d owners with valid snapshots", pc.WithValid, pc.Total)
	if pc.WithoutSnapshots > 0 {
		ch.Recommendations = append(ch.Recommendations,
			fmt.Sprintf("capture snapshots for %d owners without any", pc.WithoutSnapshots))
	}
	return ch
}

func (c *Checker) checkCompetitors(g *store.ProjectGraph) Check {
	ch := Check{Name: "competitors", Required: false}
	n := len(g.Competitors)
	switch {
	case n >= 3:
		ch.Score = 100
	case n == 2:
		ch.Score = 75
	case n == 1:
		ch.Score = 50
	default:
		ch.Score = 0
		ch.Recommendations = append(ch.Recommendations, "add competitors to enable comparison")
	}
	ch.Present = n > 0
	ch.Quality = qualityLevel(ch.Score)
	ch.Details = fmt.Sprintf("%d competitors", n)
	return ch
}

func (c *Checker) checkFreshness(newestAge time.Duration, hasSnapshot bool) Check {
	ch := Check{Name: "freshness", Required: false}
	if !hasSnapshot {
		ch.Quality = QualityMissing
		ch.Details = "no snapshots"
		return ch
	}
	switch freshnessLevel(newestAge, true) {
	case FreshnessFresh:
		ch.Score = 100
	case FreshnessRecent:
		ch.Score = 80
	case FreshnessStale:
		ch.Score = 50
		ch.Recommendations = append(ch.Recommendations, "refresh snapshots, data is several days old")
	default:
		ch.Score = 20
		ch.Recommendations = append(ch.Recommendations, "refresh snapshots, data is over a week old")
	}
	ch.Present = true
	ch.Quality = qualityLevel(ch.Score)
	ch.Details = fmt.Sprintf("newest snapshot %.1fh old", newestAge.Hours())
	return ch
}

func (c *Checker) checkConsistency(g *store.ProjectGraph, pc validator.ProjectCheck) Check {
	ch := Check{Name: "consistency", Required: false}
	declared := len(g.Project.ProductIDs) + len(g.Project.CompetitorIDs)
	resolved := len(g.Products) + len(g.Competitors)
	if declared == 0 {
		ch.Quality = QualityMissing
		ch.Details = "empty project"
		return ch
	}
	ch.Score = resolved * 100 / declared
	ch.Present = true
	ch.Quality = qualityLevel(ch.Score)
	ch.Details = fmt.Sprintf("%d/%d referenced entities resolve", resolved, declared)
	if resolved < declared {
		ch.Recommendations = append(ch.Recommendations, "remove dangling product/competitor references")
	}
	return ch
}

func (c *Checker) checkMetadataRichness(ctx context.Context, g *store.ProjectGraph) Check {
	ch := Check{Name: "metadata_richness", Required: false}
	owners := make([]types.OwnerRef, 0, len(g.Products)+len(g.Competitors))
	for _, p := range g.Products {
		owners = append(owners, types.ProductOwner(p.ID))
	}
	for _, comp := range g.Competitors {
		owners = append(owners, types.CompetitorOwner(comp.ID))
	}
	if len(owners) == 0 {
		ch.Quality = QualityMissing
		ch.Details = "no owners"
		return ch
	}

	rich := 0
	for _, owner := range owners {
		s, err := c.repo.LatestSnapshot(ctx, owner)
		if err != nil || s == nil {
			continue
		}
		m := s.Metadata
		if m.Title != "" && len(m.Text) >= 500 {
			rich++
		}
	}
	ch.Score = rich * 100 / len(owners)
	ch.Present = rich > 0
	ch.Quality = qualityLevel(ch.Score)
	ch.Details = fmt.Sprintf("%d/%d owners with rich capture metadata", rich, len(owners))
	return ch
}

func (c *Checker) newestSnapshotAge(ctx context.Context, g *store.ProjectGraph) (time.Duration, bool) {
	var newest *types.Snapshot
	consider := func(owner types.OwnerRef) {
		s, err := c.repo.LatestSnapshot(ctx, owner)
		if err != nil || s == nil || !s.CaptureSuccess {
			return
		}
		if newest == nil || s.CreatedAt.After(newest.CreatedAt) {
			newest = s
		}
	}
	for _, p := range g.Products {
		consider(types.ProductOwner(p.ID))
	}
	for _, comp := range g.Competitors {
		consider(types.CompetitorOwner(comp.ID))
	}
	if newest == nil {
		return 0, false
	}
	return newest.Age(c.now()), true
}

func freshnessLevel(age time.Duration, hasSnapshot bool) string {
	switch {
	case !hasSnapshot:
		return FreshnessVeryStale
	case age < time.Hour:
		return FreshnessFresh
	case age < 24*time.Hour:
		return FreshnessRecent
	case age < 7*24*time.Hour:
		return FreshnessStale
	default:
		return FreshnessVeryStale
	}
}

func qualityLevel(score int) string {
	switch {
	case score <= 0:
		return QualityMissing
	case score < 40:
		return QualityPoor
	case score < 60:
		return QualityFair
	case score < 85:
		return QualityGood
	default:
		return QualityExcellent
	}
}

func grade(score int) string {
	switch {
	case score >= 90:
		return "A"
	case score >= 80:
		return "B"
	case score >= 70:
		return "C"
	case score >= 60:
		return "D"
	default:
		return "F"
	}
}

func qualityTier(overall int, freshness string) types.QualityTier {
	freshEnough := freshness == FreshnessFresh || freshness == FreshnessRecent
	switch {
	case overall >= 90 && freshEnough:
		return types.TierComplete
	case freshEnough && overall >= 70:
		return types.TierFresh
	case overall >= 50:
		return types.TierEnhanced
	default:
		return types.TierBasic
	}
}
