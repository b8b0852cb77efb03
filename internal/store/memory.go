package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marketlens/marketlens/internal/types"
)

// Memory is an in-process Repository. It backs tests and single-node
// development runs.
type Memory struct {
	mu          sync.RWMutex
	projects    map[string]*types.Project
	products    map[string]*types.Product
	competitors map[string]*types.Competitor
	snapshots   map[string][]*types.Snapshot // owner key -> newest first
	reports     map[string]*types.Report
	versions    map[string][]*types.ReportVersion // report id -> versions
	schedules   map[string]*types.ReportSchedule

	now func() time.Time
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		projects:    make(map[string]*types.Project),
		products:    make(map[string]*types.Product),
		competitors: make(map[string]*types.Competitor),
		snapshots:   make(map[string][]*types.Snapshot),
		reports:     make(map[string]*types.Report),
		versions:    make(map[string][]*types.ReportVersion),
		schedules:   make(map[string]*types.ReportSchedule),
		now:         time.Now,
	}
}

// SetClock overrides the time source. Tests use it to control freshness.
func (m *Memory) SetClock(now func() time.Time) { m.now = now }

func (m *Memory) CreateProject(ctx context.Context, p *types.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	for _, e := range m.projects {
		if e.OwnerUserID == p.OwnerUserID && strings.EqualFold(e.Name, p.Name) {
			return types.ErrDuplicateProject
		}
	}
	p.CreatedAt = m.now()
	p.UpdatedAt = p.CreatedAt
	cp := *p
	m.projects[p.ID] = &cp
	return nil
}

func (m *Memory) GetProject(ctx context.Context, id string) (*types.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, types.ErrProjectNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) FindProjectWithGraph(ctx context.Context, id string) (*ProjectGraph, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, types.ErrProjectNotFound
	}
	cp := *p
	g := &ProjectGraph{Project: &cp}
	for _, pid := range p.ProductIDs {
		if prod, ok := m.products[pid]; ok {
			cp := *prod
			g.Products = append(g.Products, &cp)
		}
	}
	for _, cid := range p.CompetitorIDs {
		if comp, ok := m.competitors[cid]; ok {
			cc := *comp
			g.Competitors = append(g.Competitors, &cc)
		}
	}
	return g, nil
}

func (m *Memory) ListProjects(ctx context.Context) ([]*types.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.Project, 0, len(m.projects))
	for _, p := range m.projects {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) GetProduct(ctx context.Context, id string) (*types.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[id]
	if !ok {
		return nil, fmt.Errorf("product %s: %w", id, types.ErrOwnerNotFound)
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) GetCompetitor(ctx context.Context, id string) (*types.Competitor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.competitors[id]
	if !ok {
		return nil, fmt.Errorf("competitor %s: %w", id, types.ErrOwnerNotFound)
	}
	cc := *c
	return &cc, nil
}

func (m *Memory) PutProduct(ctx context.Context, p *types.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	cp := *p
	m.products[p.ID] = &cp
	if proj, ok := m.projects[p.ProjectID]; ok && !contains(proj.ProductIDs, p.ID) {
		proj.ProductIDs = append(proj.ProductIDs, p.ID)
	}
	return nil
}

func (m *Memory) PutCompetitor(ctx context.Context, c *types.Competitor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	cc := *c
	m.competitors[c.ID] = &cc
	return nil
}

// LinkCompetitor attaches an existing competitor to a project.
func (m *Memory) LinkCompetitor(projectID, competitorID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if proj, ok := m.projects[projectID]; ok && !contains(proj.CompetitorIDs, competitorID) {
		proj.CompetitorIDs = append(proj.CompetitorIDs, competitorID)
	}
}

func (m *Memory) PutSnapshot(ctx context.Context, owner types.OwnerRef, meta types.SnapshotMetadata, success bool, errorMessage string) (*types.Snapshot, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if owner.ProductID != "" {
		if _, ok := m.products[owner.ProductID]; !ok {
			return nil, fmt.Errorf("product %s: %w", owner.ProductID, types.ErrOwnerNotFound)
		}
	} else if _, ok := m.competitors[owner.CompetitorID]; !ok {
		return nil, fmt.Errorf("competitor %s: %w", owner.CompetitorID, types.ErrOwnerNotFound)
	}
	s := &types.Snapshot{
		ID:             uuid.NewString(),
		Owner:          owner,
		CreatedAt:      m.now(),
		CaptureSuccess: success,
		ErrorMessage:   errorMessage,
		Metadata:       meta,
	}
	key := owner.Key()
	// Newest first
	m.snapshots[key] = append([]*types.Snapshot{s}, m.snapshots[key]...)
	cp := *s
	return &cp, nil
}

func (m *Memory) LatestSnapshot(ctx context.Context, owner types.OwnerRef) (*types.Snapshot, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.snapshots[owner.Key()]
	if len(list) == 0 {
		return nil, nil
	}
	cp := *list[0]
	return &cp, nil
}

func (m *Memory) RecentSnapshots(ctx context.Context, owner types.OwnerRef, n int) ([]*types.Snapshot, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.snapshots[owner.Key()]
	if n > len(list) {
		n = len(list)
	}
	out := make([]*types.Snapshot, 0, n)
	for _, s := range list[:n] {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) ListOwnersMissingSnapshots(ctx context.Context, projectID string) ([]types.OwnerRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[projectID]
	if !ok {
		return nil, types.ErrProjectNotFound
	}
	var missing []types.OwnerRef
	for _, pid := range p.ProductIDs {
		ref := types.ProductOwner(pid)
		if len(m.snapshots[ref.Key()]) == 0 {
			missing = append(missing, ref)
		}
	}
	for _, cid := range p.CompetitorIDs {
		ref := types.CompetitorOwner(cid)
		if len(m.snapshots[ref.Key()]) == 0 {
			missing = append(missing, ref)
		}
	}
	return missing, nil
}

func (m *Memory) CreateReport(ctx context.Context, r *types.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = types.ReportPending
	}
	r.CreatedAt = m.now()
	r.UpdatedAt = r.CreatedAt
	cp := *r
	m.reports[r.ID] = &cp
	return nil
}

func (m *Memory) GetReport(ctx context.Context, id string) (*types.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reports[id]
	if !ok {
		return nil, types.ErrReportNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) UpdateReportStatus(ctx context.Context, id string, status types.ReportStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[id]
	if !ok {
		return types.ErrReportNotFound
	}
	if status == types.ReportCompleted && !m.hasContentVersionLocked(id) {
		return fmt.Errorf("report %s cannot be COMPLETED: %w", id, types.ErrNoReportVersions)
	}
	r.Status = status
	r.UpdatedAt = m.now()
	return nil
}

func (m *Memory) hasContentVersionLocked(reportID string) bool {
	for _, v := range m.versions[reportID] {
		if len(v.Content) > 0 {
			return true
		}
	}
	return false
}

func (m *Memory) CreateReportVersion(ctx context.Context, v *types.ReportVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reports[v.ReportID]; !ok {
		return types.ErrReportNotFound
	}
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	v.Version = len(m.versions[v.ReportID]) + 1
	v.CreatedAt = m.now()
	cp := *v
	m.versions[v.ReportID] = append(m.versions[v.ReportID], &cp)
	return nil
}

func (m *Memory) ListReportVersions(ctx context.Context, reportID string) ([]*types.ReportVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.versions[reportID]
	out := make([]*types.ReportVersion, 0, len(list))
	for _, v := range list {
		cp := *v
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) FindZombieReports(ctx context.Context) ([]*types.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Report
	for id, r := range m.reports {
		if r.Status == types.ReportCompleted && !m.hasContentVersionLocked(id) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) PutSchedule(ctx context.Context, s *types.ReportSchedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	cp := *s
	m.schedules[s.ID] = &cp
	return nil
}

func (m *Memory) GetSchedule(ctx context.Context, id string) (*types.ReportSchedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, types.ErrScheduleNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) ListSchedules(ctx context.Context) ([]*types.ReportSchedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.ReportSchedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) ScheduleForProject(ctx context.Context, projectID string) (*types.ReportSchedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.schedules {
		if s.ProjectID == projectID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, types.ErrScheduleNotFound
}

func (m *Memory) DeleteSchedule(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.schedules, id)
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
