package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"

	"github.com/goatkit/queueflow/internal/models"
)

// Default collection names of the document backend.
const (
	DefaultTicketCollection = "bookings"
	DefaultMarkerCollection = "updates"
)

// ticketDoc is the stored shape of a ticket. Records created by other tools
// may lack status and created_at entirely.
type ticketDoc struct {
	ID          bson.ObjectId `bson:"_id"`
	BookingID   string        `bson:"booking_id"`
	PatientName string        `bson:"patient_name,omitempty"`
	Department  string        `bson:"department,omitempty"`
	Status      string        `bson:"status,omitempty"`
	CreatedAt   *time.Time    `bson:"created_at,omitempty"`
	StartedAt   *time.Time    `bson:"started_at,omitempty"`
	CompletedAt *time.Time    `bson:"completed_at,omitempty"`
}

func (d ticketDoc) toModel() *models.Ticket {
	return &models.Ticket{
		ID:           d.ID.Hex(),
		ExternalCode: d.BookingID,
		Name:         d.PatientName,
		Category:     d.Department,
		Status:       fromMongoStatus(d.Status),
		CreatedAt:    utcPtr(d.CreatedAt),
		StartedAt:    utcPtr(d.StartedAt),
		CompletedAt:  utcPtr(d.CompletedAt),
	}
}

type markerDoc struct {
	TS time.Time `bson:"ts"`
}

// TicketMongoRepository stores tickets in a MongoDB collection. Each call
// works on a copy of the root session.
type TicketMongoRepository struct {
	session    *mgo.Session
	database   string
	collection string
}

// NewTicketMongoRepository creates a ticket repository over session.
func NewTicketMongoRepository(session *mgo.Session, database, collection string) *TicketMongoRepository {
	if collection == "" {
		collection = DefaultTicketCollection
	}
	return &TicketMongoRepository{session: session, database: database, collection: collection}
}

func (r *TicketMongoRepository) with(fn func(c *mgo.Collection) error) error {
	s := r.session.Copy()
	defer s.Close()
	return fn(s.DB(r.database).C(r.collection))
}

// EnsureIndexes creates the lookup indexes on the ticket collection.
func (r *TicketMongoRepository) EnsureIndexes(context.Context) error {
	return r.with(func(c *mgo.Collection) error {
		for _, key := range [][]string{{"booking_id"}, {"status", "created_at"}} {
			if err := c.EnsureIndex(mgo.Index{Key: key, Background: true}); err != nil {
				return fmt.Errorf("failed to ensure index %v: %w", key, err)
			}
		}
		return nil
	})
}

// Create inserts t, assigning an ObjectId when it has none.
func (r *TicketMongoRepository) Create(ctx context.Context, t *models.Ticket) error {
	if t == nil {
		return errors.New("ticket is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var oid bson.ObjectId
	if t.ID == "" {
		oid = bson.NewObjectId()
	} else {
		var err error
		if oid, err = parseObjectID(t.ID); err != nil {
			return err
		}
	}

	return r.with(func(c *mgo.Collection) error {
		if t.IsActive() {
			n, err := c.Find(bson.M{"booking_id": t.ExternalCode, "status": bson.M{"$ne": mongoStatus(models.StatusCompleted)}}).Count()
			if err != nil {
				return fmt.Errorf("failed to check booking id: %w", err)
			}
			if n > 0 {
				return ErrDuplicateCode
			}
		}

		doc := ticketDoc{
			ID:          oid,
			BookingID:   t.ExternalCode,
			PatientName: t.Name,
			Department:  t.Category,
			Status:      mongoStatus(t.Status),
			CreatedAt:   utcPtr(t.CreatedAt),
			StartedAt:   utcPtr(t.StartedAt),
			CompletedAt: utcPtr(t.CompletedAt),
		}
		if err := c.Insert(doc); err != nil {
			if mgo.IsDup(err) {
				return ErrDuplicateCode
			}
			return fmt.Errorf("failed to insert ticket: %w", err)
		}
		t.ID = oid.Hex()
		return nil
	})
}

// FindByExternalCode returns the active ticket for code, or the newest one.
func (r *TicketMongoRepository) FindByExternalCode(ctx context.Context, code string) (*models.Ticket, error) {
	docs, err := r.find(ctx, bson.M{"booking_id": code})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrTicketNotFound
	}
	return preferActive(docs), nil
}

// FindByID returns the ticket whose ObjectId hex is id.
func (r *TicketMongoRepository) FindByID(ctx context.Context, id string) (*models.Ticket, error) {
	oid, err := parseObjectID(id)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var doc ticketDoc
	err = r.with(func(c *mgo.Collection) error {
		return c.FindId(oid).One(&doc)
	})
	if errors.Is(err, mgo.ErrNotFound) {
		return nil, ErrTicketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query ticket: %w", err)
	}
	return doc.toModel(), nil
}

// ListByStatus returns every ticket in status.
func (r *TicketMongoRepository) ListByStatus(ctx context.Context, status models.TicketStatus) ([]*models.Ticket, error) {
	return r.find(ctx, bson.M{"status": mongoStatus(status)})
}

// List returns every ticket ordered by id.
func (r *TicketMongoRepository) List(ctx context.Context) ([]*models.Ticket, error) {
	return r.find(ctx, bson.M{})
}

func (r *TicketMongoRepository) find(ctx context.Context, query bson.M) ([]*models.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var docs []ticketDoc
	err := r.with(func(c *mgo.Collection) error {
		return c.Find(query).Sort("_id").All(&docs)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query tickets: %w", err)
	}

	out := make([]*models.Ticket, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toModel())
	}
	return out, nil
}

// CountByStatus counts tickets in status.
func (r *TicketMongoRepository) CountByStatus(ctx context.Context, status models.TicketStatus) (int, error) {
	return r.count(ctx, bson.M{"status": mongoStatus(status)})
}

// CountCompletedSince counts completed tickets with completed_at >= since.
func (r *TicketMongoRepository) CountCompletedSince(ctx context.Context, since time.Time) (int, error) {
	return r.count(ctx, bson.M{
		"status":       mongoStatus(models.StatusCompleted),
		"completed_at": bson.M{"$gte": since.UTC()},
	})
}

func (r *TicketMongoRepository) count(ctx context.Context, query bson.M) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int
	err := r.with(func(c *mgo.Collection) error {
		var err error
		n, err = c.Find(query).Count()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count tickets: %w", err)
	}
	return n, nil
}

// UpdateOne applies changes with a single $set guarded by id and expect.
func (r *TicketMongoRepository) UpdateOne(ctx context.Context, id string, expect TicketFilter, changes TicketChanges) (int64, error) {
	oid, err := parseObjectID(id)
	if err != nil {
		return 0, err
	}
	if err := checkUpdate(expect, changes); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	err = r.with(func(c *mgo.Collection) error {
		return c.Update(mongoSelector(oid, expect), bson.M{"$set": mongoSet(changes)})
	})
	if errors.Is(err, mgo.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to update ticket: %w", err)
	}
	return 1, nil
}

// Ping checks the server connection.
func (r *TicketMongoRepository) Ping(context.Context) error {
	s := r.session.Copy()
	defer s.Close()
	return s.Ping()
}

func mongoSelector(oid bson.ObjectId, expect TicketFilter) bson.M {
	selector := bson.M{"_id": oid}
	switch {
	case expect.Status != "":
		selector["status"] = mongoStatus(expect.Status)
	case expect.StatusMissing:
		// null also matches an absent field
		selector["status"] = bson.M{"$in": []interface{}{nil, ""}}
	}
	if expect.CreatedAtMissing {
		selector["created_at"] = nil
	}
	return selector
}

func mongoSet(changes TicketChanges) bson.M {
	set := bson.M{}
	if changes.Status != "" {
		set["status"] = mongoStatus(changes.Status)
	}
	if changes.CreatedAt != nil {
		set["created_at"] = changes.CreatedAt.UTC()
	}
	if changes.StartedAt != nil {
		set["started_at"] = changes.StartedAt.UTC()
	}
	if changes.CompletedAt != nil {
		set["completed_at"] = changes.CompletedAt.UTC()
	}
	return set
}

// Existing booking collections spell the in-service status "in_progress".
const mongoInService = "in_progress"

func mongoStatus(s models.TicketStatus) string {
	if s == models.StatusInService {
		return mongoInService
	}
	return string(s)
}

func fromMongoStatus(s string) models.TicketStatus {
	if s == mongoInService {
		return models.StatusInService
	}
	return models.TicketStatus(s)
}

func parseObjectID(id string) (bson.ObjectId, error) {
	if !bson.IsObjectIdHex(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return bson.ObjectIdHex(id), nil
}

// mongo stores times at millisecond precision.
func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC().Truncate(time.Millisecond)
	return &v
}

// ChangeMarkerMongoRepository stores change markers in a MongoDB collection.
type ChangeMarkerMongoRepository struct {
	session    *mgo.Session
	database   string
	collection string
}

// NewChangeMarkerMongoRepository creates a marker repository over session.
func NewChangeMarkerMongoRepository(session *mgo.Session, database, collection string) *ChangeMarkerMongoRepository {
	if collection == "" {
		collection = DefaultMarkerCollection
	}
	return &ChangeMarkerMongoRepository{session: session, database: database, collection: collection}
}

func (r *ChangeMarkerMongoRepository) with(fn func(c *mgo.Collection) error) error {
	s := r.session.Copy()
	defer s.Close()
	return fn(s.DB(r.database).C(r.collection))
}

// InsertMarker records at.
func (r *ChangeMarkerMongoRepository) InsertMarker(_ context.Context, at time.Time) error {
	err := r.with(func(c *mgo.Collection) error {
		return c.Insert(markerDoc{TS: at.UTC()})
	})
	if err != nil {
		return fmt.Errorf("failed to insert change marker: %w", err)
	}
	return nil
}

// LatestMarker returns the newest recorded instant.
func (r *ChangeMarkerMongoRepository) LatestMarker(context.Context) (time.Time, bool, error) {
	var doc markerDoc
	err := r.with(func(c *mgo.Collection) error {
		return c.Find(nil).Sort("-ts").Limit(1).One(&doc)
	})
	if errors.Is(err, mgo.ErrNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query latest change marker: %w", err)
	}
	return doc.TS.UTC(), true, nil
}

// PruneMarkers removes markers older than before.
func (r *ChangeMarkerMongoRepository) PruneMarkers(_ context.Context, before time.Time) (int64, error) {
	var removed int64
	err := r.with(func(c *mgo.Collection) error {
		info, err := c.RemoveAll(bson.M{"ts": bson.M{"$lt": before.UTC()}})
		if info != nil {
			removed = int64(info.Removed)
		}
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune change markers: %w", err)
	}
	return removed, nil
}
