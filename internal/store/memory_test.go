package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/marketlens/marketlens/internal/types"
)

func seedProject(t *testing.T, m *Memory) (*types.Project, *types.Product, *types.Competitor) {
	t.Helper()
	ctx := context.Background()
	p := &types.Project{Name: "acme", OwnerUserID: "u1"}
	if err := m.CreateProject(ctx, p); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	prod := &types.Product{ProjectID: p.ID, Name: "widget", Website: "https://acme.example/widget"}
	if err := m.PutProduct(ctx, prod); err != nil {
		t.Fatalf("PutProduct: %v", err)
	}
	comp := &types.Competitor{Name: "rival", Website: "https://rival.example"}
	if err := m.PutCompetitor(ctx, comp); err != nil {
		t.Fatalf("PutCompetitor: %v", err)
	}
	m.LinkCompetitor(p.ID, comp.ID)
	return p, prod, comp
}

func TestCreateProjectDuplicate(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	if err := m.CreateProject(ctx, &types.Project{Name: "acme", OwnerUserID: "u1"}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	err := m.CreateProject(ctx, &types.Project{Name: "ACME", OwnerUserID: "u1"})
	if !errors.Is(err, types.ErrDuplicateProject) {
		t.Errorf("same name for same user: got %v, want ErrDuplicateProject", err)
	}
	if err := m.CreateProject(ctx, &types.Project{Name: "acme", OwnerUserID: "u2"}); err != nil {
		t.Errorf("same name for another user should be allowed: %v", err)
	}
}

func TestFindProjectWithGraphReturnsCopies(t *testing.T) {
	m := NewMemory()
	p, prod, comp := seedProject(t, m)
	ctx := context.Background()

	g, err := m.FindProjectWithGraph(ctx, p.ID)
	if err != nil {
		t.Fatalf("FindProjectWithGraph: %v", err)
	}
	if len(g.Products) != 1 || g.Products[0].ID != prod.ID {
		t.Fatalf("graph products = %+v", g.Products)
	}
	if len(g.Competitors) != 1 || g.Competitors[0].ID != comp.ID {
		t.Fatalf("graph competitors = %+v", g.Competitors)
	}

	// Mutating the returned graph must not leak into the store.
	g.Project.Name = "mutated"
	again, err := m.GetProject(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if again.Name != "acme" {
		t.Errorf("stored project mutated through graph copy: %q", again.Name)
	}
}

func TestPutSnapshotRequiresOwner(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.PutSnapshot(ctx, types.ProductOwner("missing"), types.SnapshotMetadata{}, true, "")
	if !errors.Is(err, types.ErrOwnerNotFound) {
		t.Errorf("snapshot for unknown product: got %v, want ErrOwnerNotFound", err)
	}

	_, err = m.PutSnapshot(ctx, types.OwnerRef{}, types.SnapshotMetadata{}, true, "")
	if !errors.Is(err, types.ErrNoOwner) {
		t.Errorf("snapshot without owner: got %v, want ErrNoOwner", err)
	}
}

func TestSnapshotsNewestFirst(t *testing.T) {
	m := NewMemory()
	_, prod, _ := seedProject(t, m)
	ctx := context.Background()
	owner := types.ProductOwner(prod.ID)

	clock := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return clock })
	for i := 0; i < 3; i++ {
		if _, err := m.PutSnapshot(ctx, owner, types.SnapshotMetadata{FinalURL: prod.Website}, true, ""); err != nil {
			t.Fatalf("PutSnapshot %d: %v", i, err)
		}
		clock = clock.Add(time.Hour)
	}

	latest, err := m.LatestSnapshot(ctx, owner)
	if err != nil {
		t.Fatalf("LatestSnapshot: %v", err)
	}
	if got := latest.CreatedAt; !got.Equal(time.Date(2026, 8, 1, 11, 0, 0, 0, time.UTC)) {
		t.Errorf("latest snapshot at %v, want the last write", got)
	}

	recent, err := m.RecentSnapshots(ctx, owner, 2)
	if err != nil {
		t.Fatalf("RecentSnapshots: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("RecentSnapshots len = %d", len(recent))
	}
	if recent[0].CreatedAt.Before(recent[1].CreatedAt) {
		t.Error("snapshots not ordered newest first")
	}
}

func TestListOwnersMissingSnapshots(t *testing.T) {
	m := NewMemory()
	p, prod, comp := seedProject(t, m)
	ctx := context.Background()

	missing, err := m.ListOwnersMissingSnapshots(ctx, p.ID)
	if err != nil {
		t.Fatalf("ListOwnersMissingSnapshots: %v", err)
	}
	if len(missing) != 2 {
		t.Fatalf("missing = %v, want both owners", missing)
	}

	if _, err := m.PutSnapshot(ctx, types.ProductOwner(prod.ID), types.SnapshotMetadata{}, true, ""); err != nil {
		t.Fatalf("PutSnapshot: %v", err)
	}
	missing, err = m.ListOwnersMissingSnapshots(ctx, p.ID)
	if err != nil {
		t.Fatalf("ListOwnersMissingSnapshots: %v", err)
	}
	if len(missing) != 1 || missing[0].CompetitorID != comp.ID {
		t.Errorf("missing = %v, want only the competitor", missing)
	}
}

func TestCompletedRequiresContentVersion(t *testing.T) {
	m := NewMemory()
	p, _, _ := seedProject(t, m)
	ctx := context.Background()

	r := &types.Report{ProjectID: p.ID}
	if err := m.CreateReport(ctx, r); err != nil {
		t.Fatalf("CreateReport: %v", err)
	}
	if r.Status != types.ReportPending {
		t.Errorf("new report status = %q, want PENDING", r.Status)
	}

	err := m.UpdateReportStatus(ctx, r.ID, types.ReportCompleted)
	if !errors.Is(err, types.ErrNoReportVersions) {
		t.Fatalf("COMPLETED without versions: got %v, want ErrNoReportVersions", err)
	}

	// An empty-content version is not enough.
	if err := m.CreateReportVersion(ctx, &types.ReportVersion{ReportID: r.ID}); err != nil {
		t.Fatalf("CreateReportVersion: %v", err)
	}
	err = m.UpdateReportStatus(ctx, r.ID, types.ReportCompleted)
	if !errors.Is(err, types.ErrNoReportVersions) {
		t.Fatalf("COMPLETED with empty version: got %v, want ErrNoReportVersions", err)
	}

	if err := m.CreateReportVersion(ctx, &types.ReportVersion{ReportID: r.ID, Content: "# Report"}); err != nil {
		t.Fatalf("CreateReportVersion: %v", err)
	}
	if err := m.UpdateReportStatus(ctx, r.ID, types.ReportCompleted); err != nil {
		t.Fatalf("COMPLETED with content version: %v", err)
	}
}

func TestReportVersionsMonotonic(t *testing.T) {
	m := NewMemory()
	p, _, _ := seedProject(t, m)
	ctx := context.Background()

	r := &types.Report{ProjectID: p.ID}
	if err := m.CreateReport(ctx, r); err != nil {
		t.Fatalf("CreateReport: %v", err)
	}
	for i := 1; i <= 3; i++ {
		v := &types.ReportVersion{ReportID: r.ID, Content: "body"}
		if err := m.CreateReportVersion(ctx, v); err != nil {
			t.Fatalf("CreateReportVersion %d: %v", i, err)
		}
		if v.Version != i {
			t.Errorf("version number = %d, want %d", v.Version, i)
		}
	}

	err := m.CreateReportVersion(ctx, &types.ReportVersion{ReportID: "ghost", Content: "x"})
	if !errors.Is(err, types.ErrReportNotFound) {
		t.Errorf("version for unknown report: got %v, want ErrReportNotFound", err)
	}
}

func TestFindZombieReports(t *testing.T) {
	m := NewMemory()
	p, _, _ := seedProject(t, m)
	ctx := context.Background()

	// Force a zombie by writing the status directly, bypassing the guard.
	zombie := &types.Report{ProjectID: p.ID}
	if err := m.CreateReport(ctx, zombie); err != nil {
		t.Fatalf("CreateReport: %v", err)
	}
	m.mu.Lock()
	m.reports[zombie.ID].Status = types.ReportCompleted
	m.mu.Unlock()

	healthy := &types.Report{ProjectID: p.ID}
	if err := m.CreateReport(ctx, healthy); err != nil {
		t.Fatalf("CreateReport: %v", err)
	}
	if err := m.CreateReportVersion(ctx, &types.ReportVersion{ReportID: healthy.ID, Content: "body"}); err != nil {
		t.Fatalf("CreateReportVersion: %v", err)
	}
	if err := m.UpdateReportStatus(ctx, healthy.ID, types.ReportCompleted); err != nil {
		t.Fatalf("UpdateReportStatus: %v", err)
	}

	zombies, err := m.FindZombieReports(ctx)
	if err != nil {
		t.Fatalf("FindZombieReports: %v", err)
	}
	if len(zombies) != 1 || zombies[0].ID != zombie.ID {
		t.Errorf("zombies = %+v, want exactly the guard-bypassed report", zombies)
	}
}

func TestCreateProjectGuarded(t *testing.T) {
	m := NewMemory()
	cache := NewMemoryCache()
	ctx := context.Background()

	if err := CreateProjectGuarded(ctx, m, cache, &types.Project{Name: "acme", OwnerUserID: "u1"}); err != nil {
		t.Fatalf("first guarded create: %v", err)
	}
	err := CreateProjectGuarded(ctx, m, cache, &types.Project{Name: "acme", OwnerUserID: "u1"})
	if !errors.Is(err, types.ErrDuplicateProject) {
		t.Errorf("duplicate guarded create: got %v, want ErrDuplicateProject", err)
	}

	// A held lock for the same user/name also rejects.
	if ok, _ := cache.AcquireLock(ctx, "project_creation:u1:beta", 30*time.Second); !ok {
		t.Fatal("setup lock not acquired")
	}
	err = CreateProjectGuarded(ctx, m, cache, &types.Project{Name: "beta", OwnerUserID: "u1"})
	if !errors.Is(err, types.ErrDuplicateProject) {
		t.Errorf("create under held lock: got %v, want ErrDuplicateProject", err)
	}
}

func TestMemoryCacheTTL(t *testing.T) {
	c := NewMemoryCache()
	clock := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return clock }
	ctx := context.Background()

	if err := c.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, ok, _ := c.Get(ctx, "k"); !ok || v != "v" {
		t.Fatalf("Get before expiry = %q, %v", v, ok)
	}
	clock = clock.Add(2 * time.Minute)
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Error("entry should have expired")
	}

	if ok, _ := c.AcquireLock(ctx, "job", time.Minute); !ok {
		t.Fatal("first lock should succeed")
	}
	if ok, _ := c.AcquireLock(ctx, "job", time.Minute); ok {
		t.Error("second lock should be refused while held")
	}
	if err := c.ReleaseLock(ctx, "job"); err != nil {
		t.Fatalf("ReleaseLock: %v", err)
	}
	if ok, _ := c.AcquireLock(ctx, "job", time.Minute); !ok {
		t.Error("lock should be reacquirable after release")
	}
}

func TestWithRetrySurvivesTransientUnavailability(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return types.ErrStorageUnavailable
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithRetry: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestWithRetryStopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return types.ErrReportNotFound
	})
	if !errors.Is(err, types.ErrReportNotFound) {
		t.Errorf("err = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, non-retryable errors must not retry", calls)
	}
}

func TestWithRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), 2, time.Millisecond, func() error {
		calls++
		return types.ErrStorageUnavailable
	})
	if !errors.Is(err, types.ErrStorageUnavailable) {
		t.Errorf("err = %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}
