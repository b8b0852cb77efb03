// Package store holds the repository interfaces the pipeline consumes and
// the memory and MongoDB implementations. Snapshots are write-once; report
// status transitions are guarded so a report can never be COMPLETED without
// a version holding non-empty content.
package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/marketlens/marketlens/internal/types"
)

// ProjectGraph is a project with its owned products and referenced
// competitors resolved.
type ProjectGraph struct {
	Project     *types.Project
	Products    []*types.Product
	Competitors []*types.Competitor
}

// ProjectStore manages projects and their members.
type ProjectStore interface {
	CreateProject(ctx context.Context, p *types.Project) error
	GetProject(ctx context.Context, id string) (*types.Project, error)
	FindProjectWithGraph(ctx context.Context, id string) (*ProjectGraph, error)
	ListProjects(ctx context.Context) ([]*types.Project, error)
	GetProduct(ctx context.Context, id string) (*types.Product, error)
	GetCompetitor(ctx context.Context, id string) (*types.Competitor, error)
	PutProduct(ctx context.Context, p *types.Product) error
	PutCompetitor(ctx context.Context, c *types.Competitor) error
}

// SnapshotStore persists per-entity captures. All reads are ordered by
// CreatedAt descending.
type SnapshotStore interface {
	PutSnapshot(ctx context.Context, owner types.OwnerRef, meta types.SnapshotMetadata, success bool, errorMessage string) (*types.Snapshot, error)
	LatestSnapshot(ctx context.Context, owner types.OwnerRef) (*types.Snapshot, error)
	RecentSnapshots(ctx context.Context, owner types.OwnerRef, n int) ([]*types.Snapshot, error)
	ListOwnersMissingSnapshots(ctx context.Context, projectID string) ([]types.OwnerRef, error)
}

// ReportStore persists reports and their versions. UpdateReportStatus is
// the authoritative guard against zombie reports: a transition to COMPLETED
// is refused unless at least one version with non-empty content exists.
type ReportStore interface {
	CreateReport(ctx context.Context, r *types.Report) error
	GetReport(ctx context.Context, id string) (*types.Report, error)
	UpdateReportStatus(ctx context.Context, id string, status types.ReportStatus) error
	CreateReportVersion(ctx context.Context, v *types.ReportVersion) error
	ListReportVersions(ctx context.Context, reportID string) ([]*types.ReportVersion, error)
	FindZombieReports(ctx context.Context) ([]*types.Report, error)
}

// ScheduleStore persists report schedules.
type ScheduleStore interface {
	PutSchedule(ctx context.Context, s *types.ReportSchedule) error
	GetSchedule(ctx context.Context, id string) (*types.ReportSchedule, error)
	ListSchedules(ctx context.Context) ([]*types.ReportSchedule, error)
	ScheduleForProject(ctx context.Context, projectID string) (*types.ReportSchedule, error)
	DeleteSchedule(ctx context.Context, id string) error
}

// Repository is the full persistence surface the core consumes.
type Repository interface {
	ProjectStore
	SnapshotStore
	ReportStore
	ScheduleStore
}

// Locker is the distributed-lock capability used to serialize duplicate
// project creation. The cache backends implement it.
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
}

// CreateProjectGuarded serializes concurrent creation of identically named
// projects per user behind a lock keyed by project_creation:{userId}:{name}.
func CreateProjectGuarded(ctx context.Context, repo ProjectStore, locker Locker, p *types.Project) error {
	key := fmt.Sprintf("project_creation:%s:%s", p.OwnerUserID, p.Name)
	ok, err := locker.AcquireLock(ctx, key, 30*time.Second)
	if err != nil {
		return fmt.Errorf("acquire creation lock: %w", err)
	}
	if !ok {
		return types.ErrDuplicateProject
	}
	defer func() { _ = locker.ReleaseLock(ctx, key) }()

	existing, err := repo.ListProjects(ctx)
	if err != nil {
		return err
	}
	for _, e := range existing {
		if e.OwnerUserID == p.OwnerUserID && e.Name == p.Name {
			return types.ErrDuplicateProject
		}
	}
	return repo.CreateProject(ctx, p)
}

// WithRetry runs op with jittered exponential backoff for retryable storage
// conflicts. Non-retryable errors return immediately.
func WithRetry(ctx context.Context, attempts int, base time.Duration, op func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = op()
		if err == nil || !errors.Is(err, types.ErrStorageUnavailable) {
			return err
		}
		if i == attempts-1 {
			break
		}
		delay := base << uint(i)
		delay += time.Duration(rand.Int63n(int64(base)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
