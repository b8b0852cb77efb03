// Package collector assembles analysis inputs from the best data available
// per competitor, degrading gracefully instead of failing: fresh snapshot,
// then a new capture under governor limits, then any usable existing
// snapshot, then bare catalog metadata.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/marketlens/marketlens/internal/config"
	"github.com/marketlens/marketlens/internal/flags"
	"github.com/marketlens/marketlens/internal/governor"
	"github.com/marketlens/marketlens/internal/scraper"
	"github.com/marketlens/marketlens/internal/store"
	"github.com/marketlens/marketlens/internal/types"
	"github.com/marketlens/marketlens/internal/validator"
)

// maxSnapshotLookback bounds how far back the collector searches for a
// usable existing snapshot.
const maxSnapshotLookback = 5

// Result is an assembled input set plus its provenance.
type Result struct {
	Input             *types.AnalysisInput
	Freshness         string
	CompletenessScore int
	Partial           bool
	Elapsed           time.Duration
}

// Collector builds analysis inputs and drives scheduled refreshes.
type Collector struct {
	repo        store.Repository
	worker      *scraper.Worker
	fast        *scraper.Worker // optional plain-HTTP capture path
	gov         *governor.Governor
	validator   *validator.Validator
	gates       *flags.Flags
	resolutions *store.ResolutionCache
	cfg         config.CollectorConfig
	logger      *slog.Logger
	now         func() time.Time
}

// New creates a Collector. fast may be nil to disable the plain-HTTP
// fallback capture path.
func New(repo store.Repository, worker, fast *scraper.Worker, gov *governor.Governor, v *validator.Validator, cfg config.CollectorConfig, logger *slog.Logger) *Collector {
	return &Collector{
		repo:      repo,
		worker:    worker,
		fast:      fast,
		gov:       gov,
		validator: v,
		cfg:       cfg,
		logger:    logger.With("component", "collector"),
		now:       time.Now,
	}
}

// SetClock overrides the time source for tests.
func (c *Collector) SetClock(now func() time.Time) { c.now = now }

// UseFeatureGates attaches feature-gate evaluation. Without it the
// collector behaves as if every gate were off.
func (c *Collector) UseFeatureGates(g *flags.Flags) { c.gates = g }

// UseResolutionCache attaches the competitor resolution cache. It only
// takes effect while intelligent caching is gated on.
func (c *Collector) UseResolutionCache(r *store.ResolutionCache) { c.resolutions = r }

// Collect assembles the analysis input for a project within the total
// generation timeout. It never fails because data is missing or stale; it
// returns the best partial set it could gather and marks it Partial.
func (c *Collector) Collect(ctx context.Context, projectID string, cfg types.AnalysisConfig) (*Result, error) {
	start := c.now()
	deadline := c.cfg.TotalGenerationTimeout
	if deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	graph, err := c.repo.FindProjectWithGraph(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if len(graph.Products) == 0 {
		return nil, fmt.Errorf("project %s: %w", projectID, types.ErrNoProducts)
	}
	product := graph.Products[0]

	input := &types.AnalysisInput{
		Product: product,
		Config:  cfg,
	}

	// Product data comes from the form; a fresh snapshot enriches it when
	// one exists but is never required.
	if snap, _ := c.freshSnapshot(ctx, types.ProductOwner(product.ID)); snap != nil {
		input.ProductSnapshot = snap
	}

	partial := false
	for i, comp := range graph.Competitors {
		remaining := len(graph.Competitors) - i
		share := c.timeShare(ctx, remaining)
		if share <= 0 {
			// Deadline consumed; the rest of the competitors get
			// whatever is already stored, no new captures.
			ci := c.fromStored(ctx, comp)
			input.Competitors = append(input.Competitors, ci)
			partial = partial || ci.DataSource == types.SourceBasicMetadata
			continue
		}

		compCtx, cancel := context.WithTimeout(ctx, share)
		ci := c.collectCompetitor(compCtx, projectID, comp)
		cancel()
		input.Competitors = append(input.Competitors, ci)
		partial = partial || ci.DataSource == types.SourceBasicMetadata
	}

	res := &Result{
		Input:             input,
		Freshness:         classifyFreshness(input.Competitors),
		CompletenessScore: collectionScore(input),
		Partial:           partial,
		Elapsed:           c.now().Sub(start),
	}
	c.logger.Info("collection complete",
		"project_id", projectID,
		"competitors", len(input.Competitors),
		"freshness", res.Freshness,
		"score", res.CompletenessScore,
		"partial", res.Partial,
		"elapsed", res.Elapsed,
	)
	return res, nil
}

// collectCompetitor walks the fallback ladder for one competitor and
// remembers snapshot-backed answers in the resolution cache.
func (c *Collector) collectCompetitor(ctx context.Context, projectID string, comp *types.Competitor) types.CompetitorInput {
	if ci, ok := c.resolveCached(ctx, projectID, comp); ok {
		return ci
	}
	ci := c.resolve(ctx, projectID, comp)
	c.recordResolution(ctx, projectID, ci)
	return ci
}

// resolve walks the fallback ladder for one competitor.
func (c *Collector) resolve(ctx context.Context, projectID string, comp *types.Competitor) types.CompetitorInput {
	owner := types.CompetitorOwner(comp.ID)
	logger := c.logger.With("competitor_id", comp.ID)

	// 1. Fresh snapshot already on hand.
	if snap, err := c.freshSnapshot(ctx, owner); err == nil && snap != nil {
		return types.CompetitorInput{
			Competitor:  comp,
			Snapshot:    snap,
			DataSource:  types.SourceFreshSnapshot,
			DataQuality: types.QualityHigh,
		}
	}

	// 2. New capture, gated by the governor.
	if comp.Website != "" {
		if snap, source := c.captureUnderGovernor(ctx, projectID, owner, comp.Website, logger); snap != nil {
			quality := types.QualityHigh
			if source == types.SourceFastCollection {
				quality = types.QualityMedium
			}
			return types.CompetitorInput{
				Competitor:  comp,
				Snapshot:    snap,
				DataSource:  source,
				DataQuality: quality,
			}
		}
	}

	// 3./4. Existing snapshot, then bare metadata.
	return c.fromStored(ctx, comp)
}

// resolveCached serves a competitor from stored data when a prior run
// already resolved it for this project. Only snapshot-backed answers
// count; a cache entry is never a substitute for data.
func (c *Collector) resolveCached(ctx context.Context, projectID string, comp *types.Competitor) (types.CompetitorInput, bool) {
	if c.resolutions == nil || c.gates == nil || !c.gates.IntelligentCaching() {
		return types.CompetitorInput{}, false
	}
	entry, err := c.resolutions.Get(ctx, comp.ID)
	if err != nil || entry == nil || entry.ProjectID != projectID {
		return types.CompetitorInput{}, false
	}
	ci := c.fromStored(ctx, comp)
	if ci.Snapshot == nil {
		return types.CompetitorInput{}, false
	}
	return ci, true
}

// recordResolution remembers a snapshot-backed answer so later runs can
// skip the capture ladder while the entry lives.
func (c *Collector) recordResolution(ctx context.Context, projectID string, ci types.CompetitorInput) {
	if c.resolutions == nil || c.gates == nil || !c.gates.IntelligentCaching() || ci.Snapshot == nil {
		return
	}
	entry := types.ResolutionEntry{
		CompetitorID: ci.Competitor.ID,
		ProjectID:    projectID,
		Confidence:   confidenceOf(ci.DataQuality),
	}
	if err := c.resolutions.Put(ctx, entry); err != nil {
		c.logger.Warn("resolution cache write failed",
			"competitor_id", ci.Competitor.ID, "error", err)
	}
}

func confidenceOf(q types.DataQuality) types.Confidence {
	switch q {
	case types.QualityHigh:
		return types.ConfidenceHigh
	case types.QualityMedium:
		return types.ConfidenceMedium
	default:
		return types.ConfidenceLow
	}
}

// captureUnderGovernor acquires a lease and captures. Congestion, budget
// exhaustion and open breakers skip the capture rather than fail the run.
func (c *Collector) captureUnderGovernor(ctx context.Context, projectID string, owner types.OwnerRef, rawURL string, logger *slog.Logger) (*types.Snapshot, types.DataSource) {
	host := hostOf(rawURL)
	if host == "" {
		return nil, ""
	}

	lease, err := c.gov.Acquire(ctx, projectID, host)
	if err != nil {
		switch {
		case errors.Is(err, types.ErrCongested),
			errors.Is(err, types.ErrBudgetExceeded),
			errors.Is(err, types.ErrDomainBlocked):
			logger.Warn("capture skipped", "host", host, "reason", err)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		default:
			logger.Error("governor acquire failed", "host", host, "error", err)
		}
		return nil, ""
	}
	defer lease.Release()

	cap, err := c.worker.Capture(ctx, owner, rawURL, types.CaptureOptions{})
	if err != nil {
		logger.Error("capture errored", "host", host, "error", err)
	}
	success := cap != nil && cap.Success
	c.gov.RecordResult(host, success)
	if success {
		if snap, err := c.repo.LatestSnapshot(ctx, owner); err == nil && snap != nil && snap.CaptureSuccess {
			return snap, types.SourceFreshSnapshot
		}
	}

	// Browser path failed; one plain-HTTP attempt before falling back to
	// stored data.
	if c.fast != nil && ctx.Err() == nil {
		cap, err := c.fast.Capture(ctx, owner, rawURL, types.CaptureOptions{Retries: 1})
		if err == nil && cap != nil && cap.Success {
			c.gov.RecordResult(host, true)
			if snap, err := c.repo.LatestSnapshot(ctx, owner); err == nil && snap != nil && snap.CaptureSuccess {
				return snap, types.SourceFastCollection
			}
		}
	}
	return nil, ""
}

// fromStored returns the best stored data for the competitor: a usable
// existing snapshot when one is within the stale bound, else bare metadata.
func (c *Collector) fromStored(ctx context.Context, comp *types.Competitor) types.CompetitorInput {
	owner := types.CompetitorOwner(comp.ID)
	// Stored reads outlive the per-competitor capture deadline.
	readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	snap, err := c.validator.LatestValid(readCtx, owner, maxSnapshotLookback)
	if err == nil && snap != nil {
		maxAge := c.cfg.StaleSnapshotMaxAge
		// The fresh-snapshot gate tightens the stale bound to the
		// freshness bound regardless of local config.
		if !c.cfg.AcceptStaleSnapshots || c.freshRequired() {
			maxAge = c.cfg.SnapshotMaxAge
		}
		if maxAge <= 0 || snap.Age(c.now()) <= maxAge {
			return types.CompetitorInput{
				Competitor:  comp,
				Snapshot:    snap,
				DataSource:  types.SourceExistingSnapshot,
				DataQuality: types.QualityMedium,
			}
		}
	}
	return types.CompetitorInput{
		Competitor:  comp,
		DataSource:  types.SourceBasicMetadata,
		DataQuality: types.QualityLow,
	}
}

// freshRequired reports whether the fresh-snapshot gate forbids stale
// snapshot reuse.
func (c *Collector) freshRequired() bool {
	return c.gates != nil && c.gates.FreshSnapshotRequired()
}

// freshSnapshot returns the owner's newest snapshot when it is valid and
// younger than the freshness bound.
func (c *Collector) freshSnapshot(ctx context.Context, owner types.OwnerRef) (*types.Snapshot, error) {
	snap, err := c.repo.LatestSnapshot(ctx, owner)
	if err != nil || snap == nil {
		return nil, err
	}
	if !snap.IsFresh(c.now(), c.cfg.SnapshotMaxAge) {
		return nil, nil
	}
	if !c.validator.ValidateMetadata(snap).IsValid {
		return nil, nil
	}
	return snap, nil
}

// timeShare divides the remaining deadline evenly across the competitors
// still to be collected.
func (c *Collector) timeShare(ctx context.Context, remaining int) time.Duration {
	if remaining < 1 {
		remaining = 1
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		return c.cfg.TotalGenerationTimeout
	}
	left := time.Until(deadline)
	if left <= 0 {
		return 0
	}
	return left / time.Duration(remaining)
}

// RefreshProject captures fresh snapshots for every owner in the project.
// It is the scheduled-refresh entry point; per-owner failures are joined,
// not short-circuited, so one bad site never starves the rest.
func (c *Collector) RefreshProject(ctx context.Context, projectID string) error {
	graph, err := c.repo.FindProjectWithGraph(ctx, projectID)
	if err != nil {
		return err
	}

	type target struct {
		owner types.OwnerRef
		url   string
	}
	var targets []target
	for _, p := range graph.Products {
		if p.Website != "" {
			targets = append(targets, target{types.ProductOwner(p.ID), p.Website})
		}
	}
	for _, comp := range graph.Competitors {
		if comp.Website != "" {
			targets = append(targets, target{types.CompetitorOwner(comp.ID), comp.Website})
		}
	}

	var errs []error
	for _, t := range targets {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		host := hostOf(t.url)
		if host == "" {
			errs = append(errs, fmt.Errorf("%s: invalid url %q", t.owner.Key(), t.url))
			continue
		}
		lease, err := c.gov.Acquire(ctx, projectID, host)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.owner.Key(), err))
			continue
		}
		cap, err := c.worker.Capture(ctx, t.owner, t.url, types.CaptureOptions{})
		lease.Release()
		success := cap != nil && cap.Success
		c.gov.RecordResult(host, success)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.owner.Key(), err))
		} else if !success {
			errs = append(errs, fmt.Errorf("%s: capture failed: %s", t.owner.Key(), cap.ErrorKind))
		}
	}

	c.logger.Info("project refresh done",
		"project_id", projectID, "targets", len(targets), "failures", len(errs))
	return errors.Join(errs...)
}

// classifyFreshness summarizes where the competitor inputs came from.
func classifyFreshness(inputs []types.CompetitorInput) string {
	var hasNew, hasExisting, hasData bool
	for _, ci := range inputs {
		switch ci.DataSource {
		case types.SourceFreshSnapshot, types.SourceFastCollection:
			hasNew = true
			hasData = true
		case types.SourceExistingSnapshot:
			hasExisting = true
			hasData = true
		}
	}
	switch {
	case !hasData:
		return types.FreshnessBasic
	case hasNew && hasExisting:
		return types.FreshnessMixed
	case hasNew:
		return types.FreshnessNew
	default:
		return types.FreshnessExisting
	}
}

// collectionScore grades the assembled input set on source quality.
func collectionScore(input *types.AnalysisInput) int {
	weight := func(s types.DataSource) int {
		switch s {
		case types.SourceFreshSnapshot:
			return 100
		case types.SourceFastCollection:
			return 80
		case types.SourceExistingSnapshot:
			return 60
		case types.SourceBasicMetadata:
			return 20
		default:
			return 0
		}
	}

	total, n := 0, 0
	for _, ci := range input.Competitors {
		total += weight(ci.DataSource)
		n++
	}
	// The product always contributes: form input alone is worth a medium
	// grade, a fresh snapshot the full one.
	if input.ProductSnapshot != nil {
		total += 100
	} else {
		total += 60
	}
	n++
	return total / n
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || !u.IsAbs() {
		return ""
	}
	return u.Hostname()
}
