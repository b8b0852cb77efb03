package validator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/marketlens/marketlens/internal/store"
	"github.com/marketlens/marketlens/internal/types"
)

func goodMetadata() types.SnapshotMetadata {
	return types.SnapshotMetadata{
		HTML:       "<html><head><title>Pricing</title></head><body>" + strings.Repeat("x", 200) + "</body></html>",
		Title:      "Pricing",
		HTTPStatus: 200,
	}
}

func TestValidateMetadata(t *testing.T) {
	v := New(store.NewMemory(), 24*time.Hour)

	cases := []struct {
		name    string
		snap    *types.Snapshot
		valid   bool
		errSub  string
		warnSub string
	}{
		{
			name:  "valid capture",
			snap:  &types.Snapshot{CaptureSuccess: true, Metadata: goodMetadata()},
			valid: true,
		},
		{
			name:   "nil snapshot",
			snap:   nil,
			errSub: "snapshot missing",
		},
		{
			name:   "failed capture",
			snap:   &types.Snapshot{CaptureSuccess: false, ErrorMessage: "dns lookup failed", Metadata: goodMetadata()},
			errSub: "capture failed",
		},
		{
			name:   "no metadata at all",
			snap:   &types.Snapshot{CaptureSuccess: true},
			errSub: "no capture metadata",
		},
		{
			name: "content too small",
			snap: &types.Snapshot{CaptureSuccess: true, Metadata: types.SnapshotMetadata{
				HTML: "<html>tiny</html>", Title: "t", HTTPStatus: 200,
			}},
			errSub: "content too small",
		},
		{
			name: "redirect status is acceptable",
			snap: func() *types.Snapshot {
				m := goodMetadata()
				m.HTTPStatus = 302
				return &types.Snapshot{CaptureSuccess: true, Metadata: m}
			}(),
			valid: true,
		},
		{
			name: "client error status",
			snap: func() *types.Snapshot {
				m := goodMetadata()
				m.HTTPStatus = 404
				return &types.Snapshot{CaptureSuccess: true, Metadata: m}
			}(),
			errSub: "http status 404",
		},
		{
			name: "missing title warns but stays valid",
			snap: func() *types.Snapshot {
				m := goodMetadata()
				m.Title = ""
				return &types.Snapshot{CaptureSuccess: true, Metadata: m}
			}(),
			valid:   true,
			warnSub: "missing page title",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r := v.ValidateMetadata(c.snap)
			if r.IsValid != c.valid {
				t.Errorf("IsValid = %v, want %v (errors: %v)", r.IsValid, c.valid, r.Errors)
			}
			if c.errSub != "" && !containsSub(r.Errors, c.errSub) {
				t.Errorf("errors %v missing %q", r.Errors, c.errSub)
			}
			if c.warnSub != "" && !containsSub(r.Warnings, c.warnSub) {
				t.Errorf("warnings %v missing %q", r.Warnings, c.warnSub)
			}
		})
	}
}

func containsSub(list []string, sub string) bool {
	for _, s := range list {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func TestVerifyExists(t *testing.T) {
	repo := store.NewMemory()
	ctx := context.Background()
	if err := repo.PutCompetitor(ctx, &types.Competitor{ID: "c1", Name: "rival"}); err != nil {
		t.Fatal(err)
	}
	owner := types.CompetitorOwner("c1")

	v := New(repo, 24*time.Hour)
	now := time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)
	v.SetClock(func() time.Time { return now })

	r, err := v.VerifyExists(ctx, owner)
	if err != nil {
		t.Fatalf("VerifyExists: %v", err)
	}
	if r.Exists {
		t.Fatal("owner without snapshots should not exist")
	}

	repo.SetClock(func() time.Time { return now.Add(-36 * time.Hour) })
	if _, err := repo.PutSnapshot(ctx, owner, goodMetadata(), true, ""); err != nil {
		t.Fatal(err)
	}

	r, err = v.VerifyExists(ctx, owner)
	if err != nil {
		t.Fatalf("VerifyExists: %v", err)
	}
	if !r.Exists || r.IsRecent {
		t.Errorf("36h-old snapshot: exists=%v recent=%v, want true/false", r.Exists, r.IsRecent)
	}
	if r.AgeDays < 1.4 || r.AgeDays > 1.6 {
		t.Errorf("ageDays = %v, want ~1.5", r.AgeDays)
	}

	repo.SetClock(func() time.Time { return now.Add(-time.Hour) })
	if _, err := repo.PutSnapshot(ctx, owner, goodMetadata(), true, ""); err != nil {
		t.Fatal(err)
	}
	r, _ = v.VerifyExists(ctx, owner)
	if !r.IsRecent {
		t.Error("1h-old snapshot should count as recent")
	}
}

func TestLatestValidSkipsBrokenCaptures(t *testing.T) {
	repo := store.NewMemory()
	ctx := context.Background()
	if err := repo.PutCompetitor(ctx, &types.Competitor{ID: "c1", Name: "rival"}); err != nil {
		t.Fatal(err)
	}
	owner := types.CompetitorOwner("c1")

	good, err := repo.PutSnapshot(ctx, owner, goodMetadata(), true, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := repo.PutSnapshot(ctx, owner, types.SnapshotMetadata{}, false, "timeout"); err != nil {
		t.Fatal(err)
	}

	v := New(repo, 24*time.Hour)
	found, err := v.LatestValid(ctx, owner, 5)
	if err != nil {
		t.Fatalf("LatestValid: %v", err)
	}
	if found == nil || found.ID != good.ID {
		t.Errorf("LatestValid should skip the failed capture and return the older valid one")
	}
}

func TestCheckProject(t *testing.T) {
	repo := store.NewMemory()
	ctx := context.Background()

	p := &types.Project{Name: "acme", OwnerUserID: "u1"}
	if err := repo.CreateProject(ctx, p); err != nil {
		t.Fatal(err)
	}
	prod := &types.Product{ProjectID: p.ID, Name: "widget"}
	if err := repo.PutProduct(ctx, prod); err != nil {
		t.Fatal(err)
	}
	comp := &types.Competitor{Name: "rival"}
	if err := repo.PutCompetitor(ctx, comp); err != nil {
		t.Fatal(err)
	}
	repo.LinkCompetitor(p.ID, comp.ID)

	now := time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)
	repo.SetClock(func() time.Time { return now.Add(-8 * 24 * time.Hour) })
	if _, err := repo.PutSnapshot(ctx, types.ProductOwner(prod.ID), goodMetadata(), true, ""); err != nil {
		t.Fatal(err)
	}

	v := New(repo, 24*time.Hour)
	v.SetClock(func() time.Time { return now })

	graph, err := repo.FindProjectWithGraph(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	check, err := v.CheckProject(ctx, graph)
	if err != nil {
		t.Fatalf("CheckProject: %v", err)
	}
	if check.Total != 2 || check.WithValid != 1 || check.WithStale != 1 || check.WithoutSnapshots != 1 {
		t.Errorf("check = %+v", check)
	}
}
