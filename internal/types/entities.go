package types

import (
	"fmt"
	"time"
)

// ProjectStatus tracks the lifecycle of a project.
type ProjectStatus string

const (
	ProjectActive   ProjectStatus = "ACTIVE"
	ProjectPaused   ProjectStatus = "PAUSED"
	ProjectArchived ProjectStatus = "ARCHIVED"
)

// Project groups one or more products with the competitors they are
// tracked against. Competitors are shared across projects, so the project
// holds id sets rather than object graphs.
type Project struct {
	ID            string
	Name          string
	OwnerUserID   string
	Frequency     Frequency
	CustomCron    string
	Status        ProjectStatus
	Parameters    map[string]any
	ProductIDs    []string
	CompetitorIDs []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Product is exclusively owned by one project.
type Product struct {
	ID             string
	ProjectID      string
	Name           string
	Website        string
	Positioning    string
	Industry       string
	TargetCustomer string
	ProblemSolved  string
}

// Competitor is shared across projects (many-to-many).
type Competitor struct {
	ID          string
	Name        string
	Website     string
	Description string
	Industry    string
}

// OwnerRef identifies the owning entity of a snapshot. Exactly one of
// ProductID/CompetitorID is set; never both.
type OwnerRef struct {
	ProductID    string
	CompetitorID string
}

// ProductOwner returns an OwnerRef for a product.
func ProductOwner(id string) OwnerRef { return OwnerRef{ProductID: id} }

// CompetitorOwner returns an OwnerRef for a competitor.
func CompetitorOwner(id string) OwnerRef { return OwnerRef{CompetitorID: id} }

// Validate enforces the exactly-one-owner rule.
func (o OwnerRef) Validate() error {
	if o.ProductID == "" && o.CompetitorID == "" {
		return fmt.Errorf("owner ref: %w", ErrNoOwner)
	}
	if o.ProductID != "" && o.CompetitorID != "" {
		return fmt.Errorf("owner ref: %w", ErrAmbiguousOwner)
	}
	return nil
}

// Key returns a stable map key for the owner.
func (o OwnerRef) Key() string {
	if o.ProductID != "" {
		return "product:" + o.ProductID
	}
	return "competitor:" + o.CompetitorID
}

func (o OwnerRef) String() string { return o.Key() }

// SnapshotMetadata is the free-form capture payload stored with a snapshot.
type SnapshotMetadata struct {
	HTML          string
	Text          string
	Title         string
	HTTPStatus    int
	ContentLength int64
	FinalURL      string
	DurationMs    int64
}

// Snapshot is one capture attempt's result for a URL owned by a product or
// competitor. Snapshots are write-once.
type Snapshot struct {
	ID             string
	Owner          OwnerRef
	CreatedAt      time.Time
	CaptureSuccess bool
	ErrorMessage   string
	Metadata       SnapshotMetadata
}

// Age returns how old the snapshot is at the given instant.
func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

// IsFresh reports whether the snapshot succeeded and is younger than maxAge.
func (s *Snapshot) IsFresh(now time.Time, maxAge time.Duration) bool {
	return s.CaptureSuccess && s.Age(now) <= maxAge
}

// ReportStatus is the report lifecycle state.
type ReportStatus string

const (
	ReportPending    ReportStatus = "PENDING"
	ReportInProgress ReportStatus = "IN_PROGRESS"
	ReportCompleted  ReportStatus = "COMPLETED"
	ReportFailed     ReportStatus = "FAILED"
)

// Report is the top-level comparative report row. A report must never be
// COMPLETED without at least one version holding non-empty content.
type Report struct {
	ID         string
	ProjectID  string
	ProductID  string
	AnalysisID string
	Status     ReportStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ReportSection is one rendered section of a report version.
type ReportSection struct {
	ID      string
	Title   string
	Content string
	Order   int
}

// VersionMetadata carries quality context for a rendered report version.
type VersionMetadata struct {
	CompletenessScore  int
	Freshness          string
	QualityTier        QualityTier
	TemplateID         string
	Format             string
	HasDataLimitations bool
}

// ReportVersion holds one rendered artifact of a report. Versions are
// monotonic per report and exclusively owned by it.
type ReportVersion struct {
	ID        string
	ReportID  string
	Version   int
	Content   string
	Sections  []ReportSection
	Metadata  VersionMetadata
	CreatedAt time.Time
}

// ScheduleStatus is the schedule lifecycle state.
type ScheduleStatus string

const (
	ScheduleActive   ScheduleStatus = "ACTIVE"
	SchedulePaused   ScheduleStatus = "PAUSED"
	ScheduleDegraded ScheduleStatus = "DEGRADED"
)

// ReportSchedule drives recurring data refreshes for a project.
type ReportSchedule struct {
	ID                  string
	ProjectID           string
	ReportID            string
	Frequency           Frequency
	Cron                string
	NextRun             time.Time
	LastRun             *time.Time
	Status              ScheduleStatus
	ConsecutiveFailures int
}

// QualityTier summarizes input quality for a report run.
type QualityTier string

const (
	TierBasic    QualityTier = "basic"
	TierEnhanced QualityTier = "enhanced"
	TierFresh    QualityTier = "fresh"
	TierComplete QualityTier = "complete"
)

// Confidence levels for resolution cache entries.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// ResolutionEntry maps a competitor to a project with a confidence grade.
// Entries are TTL-bounded by the cache layer.
type ResolutionEntry struct {
	CompetitorID string
	ProjectID    string
	Confidence   Confidence
	ResolvedAt   time.Time
}
