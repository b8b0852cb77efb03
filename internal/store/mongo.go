package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/google/uuid"

	"github.com/marketlens/marketlens/internal/types"
)

// Mongo is the MongoDB-backed Repository.
type Mongo struct {
	client      *mongo.Client
	projects    *mongo.Collection
	products    *mongo.Collection
	competitors *mongo.Collection
	snapshots   *mongo.Collection
	reports     *mongo.Collection
	versions    *mongo.Collection
	schedules   *mongo.Collection
	timeout     time.Duration
	logger      *slog.Logger
}

// NewMongo connects to MongoDB and returns a Repository.
func NewMongo(uri, database string, timeout time.Duration, logger *slog.Logger) (*Mongo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongodb connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongodb ping: %w", err)
	}

	db := client.Database(database)
	return &Mongo{
		client:      client,
		projects:    db.Collection("projects"),
		products:    db.Collection("products"),
		competitors: db.Collection("competitors"),
		snapshots:   db.Collection("snapshots"),
		reports:     db.Collection("reports"),
		versions:    db.Collection("report_versions"),
		schedules:   db.Collection("report_schedules"),
		timeout:     timeout,
		logger:      logger.With("component", "mongo_store"),
	}, nil
}

// Close disconnects from MongoDB.
func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func (m *Mongo) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.timeout)
}

// wrapErr maps driver failures onto the storage taxonomy so callers can
// branch on retryability.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return err
	}
	return fmt.Errorf("%s: %v: %w", op, err, types.ErrStorageUnavailable)
}

type snapshotDoc struct {
	ID             string                 `bson:"_id"`
	ProductID      string                 `bson:"product_id,omitempty"`
	CompetitorID   string                 `bson:"competitor_id,omitempty"`
	CreatedAt      time.Time              `bson:"created_at"`
	CaptureSuccess bool                   `bson:"capture_success"`
	ErrorMessage   string                 `bson:"error_message,omitempty"`
	Metadata       types.SnapshotMetadata `bson:"metadata"`
}

func (d *snapshotDoc) toSnapshot() *types.Snapshot {
	return &types.Snapshot{
		ID:             d.ID,
		Owner:          types.OwnerRef{ProductID: d.ProductID, CompetitorID: d.CompetitorID},
		CreatedAt:      d.CreatedAt,
		CaptureSuccess: d.CaptureSuccess,
		ErrorMessage:   d.ErrorMessage,
		Metadata:       d.Metadata,
	}
}

func ownerFilter(owner types.OwnerRef) bson.M {
	if owner.ProductID != "" {
		return bson.M{"product_id": owner.ProductID}
	}
	return bson.M{"competitor_id": owner.CompetitorID}
}

func (m *Mongo) PutSnapshot(ctx context.Context, owner types.OwnerRef, meta types.SnapshotMetadata, success bool, errorMessage string) (*types.Snapshot, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	opCtx, cancel := m.opCtx(ctx)
	defer cancel()

	doc := snapshotDoc{
		ID:             uuid.NewString(),
		ProductID:      owner.ProductID,
		CompetitorID:   owner.CompetitorID,
		CreatedAt:      time.Now().UTC(),
		CaptureSuccess: success,
		ErrorMessage:   errorMessage,
		Metadata:       meta,
	}
	if _, err := m.snapshots.InsertOne(opCtx, doc); err != nil {
		return nil, wrapErr("put snapshot", err)
	}
	return doc.toSnapshot(), nil
}

func (m *Mongo) LatestSnapshot(ctx context.Context, owner types.OwnerRef) (*types.Snapshot, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	opCtx, cancel := m.opCtx(ctx)
	defer cancel()

	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})
	var doc snapshotDoc
	err := m.snapshots.FindOne(opCtx, ownerFilter(owner), opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("latest snapshot", err)
	}
	return doc.toSnapshot(), nil
}

func (m *Mongo) RecentSnapshots(ctx context.Context, owner types.OwnerRef, n int) ([]*types.Snapshot, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	opCtx, cancel := m.opCtx(ctx)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(int64(n))
	cur, err := m.snapshots.Find(opCtx, ownerFilter(owner), opts)
	if err != nil {
		return nil, wrapErr("recent snapshots", err)
	}
	defer cur.Close(opCtx)

	var out []*types.Snapshot
	for cur.Next(opCtx) {
		var doc snapshotDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, wrapErr("decode snapshot", err)
		}
		out = append(out, doc.toSnapshot())
	}
	return out, wrapErr("recent snapshots cursor", cur.Err())
}

func (m *Mongo) ListOwnersMissingSnapshots(ctx context.Context, projectID string) ([]types.OwnerRef, error) {
	g, err := m.FindProjectWithGraph(ctx, projectID)
	if err != nil {
		return nil, err
	}
	var missing []types.OwnerRef
	for _, p := range g.Products {
		ref := types.ProductOwner(p.ID)
		latest, err := m.LatestSnapshot(ctx, ref)
		if err != nil {
			return nil, err
		}
		if latest == nil {
			missing = append(missing, ref)
		}
	}
	for _, c := range g.Competitors {
		ref := types.CompetitorOwner(c.ID)
		latest, err := m.LatestSnapshot(ctx, ref)
		if err != nil {
			return nil, err
		}
		if latest == nil {
			missing = append(missing, ref)
		}
	}
	return missing, nil
}

func (m *Mongo) CreateProject(ctx context.Context, p *types.Project) error {
	opCtx, cancel := m.opCtx(ctx)
	defer cancel()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt = time.Now().UTC()
	p.UpdatedAt = p.CreatedAt

	count, err := m.projects.CountDocuments(opCtx, bson.M{"owner_user_id": p.OwnerUserID, "name": p.Name})
	if err != nil {
		return wrapErr("count projects", err)
	}
	if count > 0 {
		return types.ErrDuplicateProject
	}
	_, err = m.projects.InsertOne(opCtx, projectToDoc(p))
	return wrapErr("create project", err)
}

type projectDoc struct {
	ID            string          `bson:"_id"`
	Name          string          `bson:"name"`
	OwnerUserID   string          `bson:"owner_user_id"`
	Frequency     string          `bson:"frequency"`
	CustomCron    string          `bson:"custom_cron,omitempty"`
	Status        string          `bson:"status"`
	Parameters    map[string]any  `bson:"parameters,omitempty"`
	ProductIDs    []string        `bson:"product_ids"`
	CompetitorIDs []string        `bson:"competitor_ids"`
	CreatedAt     time.Time       `bson:"created_at"`
	UpdatedAt     time.Time       `bson:"updated_at"`
}

func projectToDoc(p *types.Project) projectDoc {
	return projectDoc{
		ID: p.ID, Name: p.Name, OwnerUserID: p.OwnerUserID,
		Frequency: string(p.Frequency), CustomCron: p.CustomCron,
		Status: string(p.Status), Parameters: p.Parameters,
		ProductIDs: p.ProductIDs, CompetitorIDs: p.CompetitorIDs,
		CreatedAt: p.CreatedAt, UpdatedAt: p.UpdatedAt,
	}
}

func docToProject(d projectDoc) *types.Project {
	return &types.Project{
		ID: d.ID, Name: d.Name, OwnerUserID: d.OwnerUserID,
		Frequency: types.Frequency(d.Frequency), CustomCron: d.CustomCron,
		Status: types.ProjectStatus(d.Status), Parameters: d.Parameters,
		ProductIDs: d.ProductIDs, CompetitorIDs: d.CompetitorIDs,
		CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt,
	}
}

func (m *Mongo) GetProject(ctx context.Context, id string) (*types.Project, error) {
	opCtx, cancel := m.opCtx(ctx)
	defer cancel()
	var doc projectDoc
	err := m.projects.FindOne(opCtx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, types.ErrProjectNotFound
	}
	if err != nil {
		return nil, wrapErr("get project", err)
	}
	return docToProject(doc), nil
}

func (m *Mongo) FindProjectWithGraph(ctx context.Context, id string) (*ProjectGraph, error) {
	p, err := m.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	opCtx, cancel := m.opCtx(ctx)
	defer cancel()

	g := &ProjectGraph{Project: p}
	if len(p.ProductIDs) > 0 {
		cur, err := m.products.Find(opCtx, bson.M{"_id": bson.M{"$in": p.ProductIDs}})
		if err != nil {
			return nil, wrapErr("find products", err)
		}
		if err := cur.All(opCtx, &g.Products); err != nil {
			return nil, wrapErr("decode products", err)
		}
	}
	if len(p.CompetitorIDs) > 0 {
		cur, err := m.competitors.Find(opCtx, bson.M{"_id": bson.M{"$in": p.CompetitorIDs}})
		if err != nil {
			return nil, wrapErr("find competitors", err)
		}
		if err := cur.All(opCtx, &g.Competitors); err != nil {
			return nil, wrapErr("decode competitors", err)
		}
	}
	return g, nil
}

func (m *Mongo) ListProjects(ctx context.Context) ([]*types.Project, error) {
	opCtx, cancel := m.opCtx(ctx)
	defer cancel()
	cur, err := m.projects.Find(opCtx, bson.M{})
	if err != nil {
		return nil, wrapErr("list projects", err)
	}
	defer cur.Close(opCtx)
	var out []*types.Project
	for cur.Next(opCtx) {
		var doc projectDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, wrapErr("decode project", err)
		}
		out = append(out, docToProject(doc))
	}
	return out, wrapErr("list projects cursor", cur.Err())
}

func (m *Mongo) GetProduct(ctx context.Context, id string) (*types.Product, error) {
	opCtx, cancel := m.opCtx(ctx)
	defer cancel()
	var p types.Product
	err := m.products.FindOne(opCtx, bson.M{"_id": id}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("product %s: %w", id, types.ErrOwnerNotFound)
	}
	return &p, wrapErr("get product", err)
}

func (m *Mongo) GetCompetitor(ctx context.Context, id string) (*types.Competitor, error) {
	opCtx, cancel := m.opCtx(ctx)
	defer cancel()
	var c types.Competitor
	err := m.competitors.FindOne(opCtx, bson.M{"_id": id}).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("competitor %s: %w", id, types.ErrOwnerNotFound)
	}
	return &c, wrapErr("get competitor", err)
}

func (m *Mongo) PutProduct(ctx context.Context, p *types.Product) error {
	opCtx, cancel := m.opCtx(ctx)
	defer cancel()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	opts := options.Replace().SetUpsert(true)
	if _, err := m.products.ReplaceOne(opCtx, bson.M{"_id": p.ID}, p, opts); err != nil {
		return wrapErr("put product", err)
	}
	_, err := m.projects.UpdateOne(opCtx, bson.M{"_id": p.ProjectID},
		bson.M{"$addToSet": bson.M{"product_ids": p.ID}})
	return wrapErr("link product", err)
}

func (m *Mongo) PutCompetitor(ctx context.Context, c *types.Competitor) error {
	opCtx, cancel := m.opCtx(ctx)
	defer cancel()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	opts := options.Replace().SetUpsert(true)
	_, err := m.competitors.ReplaceOne(opCtx, bson.M{"_id": c.ID}, c, opts)
	return wrapErr("put competitor", err)
}

func (m *Mongo) CreateReport(ctx context.Context, r *types.Report) error {
	opCtx, cancel := m.opCtx(ctx)
	defer cancel()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = types.ReportPending
	}
	r.CreatedAt = time.Now().UTC()
	r.UpdatedAt = r.CreatedAt
	_, err := m.reports.InsertOne(opCtx, r)
	return wrapErr("create report", err)
}

func (m *Mongo) GetReport(ctx context.Context, id string) (*types.Report, error) {
	opCtx, cancel := m.opCtx(ctx)
	defer cancel()
	var r types.Report
	err := m.reports.FindOne(opCtx, bson.M{"id": id}).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, types.ErrReportNotFound
	}
	return &r, wrapErr("get report", err)
}

// UpdateReportStatus refuses COMPLETED unless a version with non-empty
// content exists for the report.
func (m *Mongo) UpdateReportStatus(ctx context.Context, id string, status types.ReportStatus) error {
	opCtx, cancel := m.opCtx(ctx)
	defer cancel()

	if status == types.ReportCompleted {
		count, err := m.versions.CountDocuments(opCtx, bson.M{
			"reportid": id,
			"content":  bson.M{"$ne": ""},
		})
		if err != nil {
			return wrapErr("count report versions", err)
		}
		if count == 0 {
			return fmt.Errorf("report %s cannot be COMPLETED: %w", id, types.ErrNoReportVersions)
		}
	}

	res, err := m.reports.UpdateOne(opCtx, bson.M{"id": id},
		bson.M{"$set": bson.M{"status": status, "updatedat": time.Now().UTC()}})
	if err != nil {
		return wrapErr("update report status", err)
	}
	if res.MatchedCount == 0 {
		return types.ErrReportNotFound
	}
	return nil
}

func (m *Mongo) CreateReportVersion(ctx context.Context, v *types.ReportVersion) error {
	opCtx, cancel := m.opCtx(ctx)
	defer cancel()
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	count, err := m.versions.CountDocuments(opCtx, bson.M{"reportid": v.ReportID})
	if err != nil {
		return wrapErr("count versions", err)
	}
	v.Version = int(count) + 1
	v.CreatedAt = time.Now().UTC()
	_, err = m.versions.InsertOne(opCtx, v)
	return wrapErr("create report version", err)
}

func (m *Mongo) ListReportVersions(ctx context.Context, reportID string) ([]*types.ReportVersion, error) {
	opCtx, cancel := m.opCtx(ctx)
	defer cancel()
	cur, err := m.versions.Find(opCtx, bson.M{"reportid": reportID},
		options.Find().SetSort(bson.D{{Key: "version", Value: 1}}))
	if err != nil {
		return nil, wrapErr("list report versions", err)
	}
	var out []*types.ReportVersion
	if err := cur.All(opCtx, &out); err != nil {
		return nil, wrapErr("decode report versions", err)
	}
	return out, nil
}

func (m *Mongo) FindZombieReports(ctx context.Context) ([]*types.Report, error) {
	opCtx, cancel := m.opCtx(ctx)
	defer cancel()
	cur, err := m.reports.Find(opCtx, bson.M{"status": types.ReportCompleted})
	if err != nil {
		return nil, wrapErr("find completed reports", err)
	}
	var completed []*types.Report
	if err := cur.All(opCtx, &completed); err != nil {
		return nil, wrapErr("decode completed reports", err)
	}
	var zombies []*types.Report
	for _, r := range completed {
		count, err := m.versions.CountDocuments(opCtx, bson.M{
			"reportid": r.ID,
			"content":  bson.M{"$ne": ""},
		})
		if err != nil {
			return nil, wrapErr("count versions", err)
		}
		if count == 0 {
			zombies = append(zombies, r)
		}
	}
	return zombies, nil
}

func (m *Mongo) PutSchedule(ctx context.Context, s *types.ReportSchedule) error {
	opCtx, cancel := m.opCtx(ctx)
	defer cancel()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	opts := options.Replace().SetUpsert(true)
	_, err := m.schedules.ReplaceOne(opCtx, bson.M{"id": s.ID}, s, opts)
	return wrapErr("put schedule", err)
}

func (m *Mongo) GetSchedule(ctx context.Context, id string) (*types.ReportSchedule, error) {
	opCtx, cancel := m.opCtx(ctx)
	defer cancel()
	var s types.ReportSchedule
	err := m.schedules.FindOne(opCtx, bson.M{"id": id}).Decode(&s)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, types.ErrScheduleNotFound
	}
	return &s, wrapErr("get schedule", err)
}

func (m *Mongo) ListSchedules(ctx context.Context) ([]*types.ReportSchedule, error) {
	opCtx, cancel := m.opCtx(ctx)
	defer cancel()
	cur, err := m.schedules.Find(opCtx, bson.M{})
	if err != nil {
		return nil, wrapErr("list schedules", err)
	}
	var out []*types.ReportSchedule
	if err := cur.All(opCtx, &out); err != nil {
		return nil, wrapErr("decode schedules", err)
	}
	return out, nil
}

func (m *Mongo) ScheduleForProject(ctx context.Context, projectID string) (*types.ReportSchedule, error) {
	opCtx, cancel := m.opCtx(ctx)
	defer cancel()
	var s types.ReportSchedule
	err := m.schedules.FindOne(opCtx, bson.M{"projectid": projectID}).Decode(&s)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, types.ErrScheduleNotFound
	}
	return &s, wrapErr("schedule for project", err)
}

func (m *Mongo) DeleteSchedule(ctx context.Context, id string) error {
	opCtx, cancel := m.opCtx(ctx)
	defer cancel()
	_, err := m.schedules.DeleteOne(opCtx, bson.M{"id": id})
	return wrapErr("delete schedule", err)
}
