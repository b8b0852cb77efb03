// Package validator verifies existence, freshness and metadata quality of
// stored snapshots. It is pure over snapshot-store data.
package validator

import (
	"context"
	"fmt"
	"time"

	"github.com/marketlens/marketlens/internal/store"
	"github.com/marketlens/marketlens/internal/types"
)

// MinContentLength is the smallest HTML/text payload considered valid.
const MinContentLength = 100

// StaleAge is the age past which a snapshot counts as stale.
const StaleAge = 7 * 24 * time.Hour

// ExistsResult describes whether an owner has any snapshot.
type ExistsResult struct {
	Exists   bool
	AgeDays  float64
	IsRecent bool
}

// MetadataResult grades one snapshot's capture payload.
type MetadataResult struct {
	IsValid     bool
	HasContent  bool
	HasMetadata bool
	Errors      []string
	Warnings    []string
}

// ProjectCheck summarizes snapshot coverage for a project.
type ProjectCheck struct {
	Total            int
	WithValid        int
	WithStale        int
	WithoutSnapshots int
	WithoutValid     int
}

// Validator checks stored snapshots against the quality rules.
type Validator struct {
	snapshots store.SnapshotStore
	freshAge  time.Duration
	now       func() time.Time
}

// New creates a Validator. freshAge is the recency bound (config, default 24h).
func New(snapshots store.SnapshotStore, freshAge time.Duration) *Validator {
	return &Validator{snapshots: snapshots, freshAge: freshAge, now: time.Now}
}

// SetClock overrides the time source for tests.
func (v *Validator) SetClock(now func() time.Time) { v.now = now }

// VerifyExists reports whether the owner has any snapshot and how old the
// newest one is.
func (v *Validator) VerifyExists(ctx context.Context, owner types.OwnerRef) (ExistsResult, error) {
	latest, err := v.snapshots.LatestSnapshot(ctx, owner)
	if err != nil {
		return ExistsResult{}, err
	}
	if latest == nil {
		return ExistsResult{}, nil
	}
	age := latest.Age(v.now())
	return ExistsResult{
		Exists:   true,
		AgeDays:  age.Hours() / 24,
		IsRecent: age <= v.freshAge,
	}, nil
}

// ValidateMetadata grades a snapshot: a valid snapshot captured
// successfully, carries metadata, holds at least MinContentLength bytes of
// HTML or text, and (when present) an HTTP status in [200,399].
func (v *Validator) ValidateMetadata(s *types.Snapshot) MetadataResult {
	r := MetadataResult{}
	if s == nil {
		r.Errors = append(r.Errors, "snapshot missing")
		return r
	}
	if !s.CaptureSuccess {
		r.Errors = append(r.Errors, "capture failed: "+s.ErrorMessage)
	}

	m := s.Metadata
	r.HasMetadata = m.HTML != "" || m.Text != "" || m.Title != "" || m.HTTPStatus != 0
	if !r.HasMetadata {
		r.Errors = append(r.Errors, "no capture metadata")
	}

	contentLen := len(m.HTML)
	if contentLen < len(m.Text) {
		contentLen = len(m.Text)
	}
	r.HasContent = contentLen >= MinContentLength
	if !r.HasContent {
		r.Errors = append(r.Errors, fmt.Sprintf("content too small: %d bytes", contentLen))
	}

	if m.HTTPStatus != 0 && (m.HTTPStatus < 200 || m.HTTPStatus > 399) {
		r.Errors = append(r.Errors, fmt.Sprintf("http status %d out of range", m.HTTPStatus))
	}
	if m.Title == "" {
		r.Warnings = append(r.Warnings, "missing page title")
	}

	r.IsValid = len(r.Errors) == 0
	return r
}

// LatestValid returns the newest valid snapshot for an owner, or nil.
func (v *Validator) LatestValid(ctx context.Context, owner types.OwnerRef, maxLookback int) (*types.Snapshot, error) {
	recent, err := v.snapshots.RecentSnapshots(ctx, owner, maxLookback)
	if err != nil {
		return nil, err
	}
	for _, s := range recent {
		if v.ValidateMetadata(s).IsValid {
			return s, nil
		}
	}
	return nil, nil
}

// CheckProject scans all owners in the project graph and counts coverage.
func (v *Validator) CheckProject(ctx context.Context, graph *store.ProjectGraph) (ProjectCheck, error) {
	owners := make([]types.OwnerRef, 0, len(graph.Products)+len(graph.Competitors))
	for _, p := range graph.Products {
		owners = append(owners, types.ProductOwner(p.ID))
	}
	for _, c := range graph.Competitors {
		owners = append(owners, types.CompetitorOwner(c.ID))
	}

	check := ProjectCheck{Total: len(owners)}
	now := v.now()
	for _, owner := range owners {
		latest, err := v.snapshots.LatestSnapshot(ctx, owner)
		if err != nil {
			return check, err
		}
		if latest == nil {
			check.WithoutSnapshots++
			check.WithoutValid++
			continue
		}
		if latest.Age(now) > StaleAge {
			check.WithStale++
		}
		if v.ValidateMetadata(latest).IsValid {
			check.WithValid++
		} else {
			check.WithoutValid++
		}
	}
	return check, nil
}
