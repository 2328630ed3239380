// Package mongo implements execlog.Store on MongoDB, for deployments that
// want execution journals queryable across projects. Append order within a
// run is preserved by the monotonic document id, which also serves as the
// List cursor.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"github.com/kulesh/waypoints/execlog"
)

type (
	// Store is a Mongo-backed execlog.Store that also satisfies the Clue
	// health.Pinger contract.
	Store struct {
		mongo   *mongodriver.Client
		coll    collection
		timeout time.Duration
	}

	// Options configures the store.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	eventDocument struct {
		ID          bson.ObjectID `bson:"_id,omitempty"`
		ExecutionID string        `bson:"execution_id"`
		WaypointID  string        `bson:"waypoint_id"`
		Kind        string        `bson:"kind"`
		Iteration   int           `bson:"iteration"`
		Payload     []byte        `bson:"payload"`
		Timestamp   time.Time     `bson:"timestamp"`
	}
)

const (
	defaultCollection = "execution_log_events"
	defaultTimeout    = 5 * time.Second
	storeName         = "execlog-mongo"
)

var _ execlog.Store = (*Store)(nil)
var _ health.Pinger = (*Store)(nil)

// New returns a Store backed by the provided MongoDB client.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	coll := opts.Collection
	if coll == "" {
		coll = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	mcoll := opts.Client.Database(opts.Database).Collection(coll)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	wrapper := mongoCollection{coll: mcoll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newWithCollection(opts.Client, wrapper, timeout)
}

func newWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*Store, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Store{mongo: mongoClient, coll: coll, timeout: timeout}, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return storeName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Append inserts e and assigns its document id back to e.ID.
func (s *Store) Append(ctx context.Context, e *execlog.Event) error {
	if e == nil {
		return errors.New("event is required")
	}
	if e.ExecutionID == "" {
		return errors.New("execution id is required")
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if e.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.coll.InsertOne(ctx, eventDocument{
		ExecutionID: e.ExecutionID,
		WaypointID:  e.WaypointID,
		Kind:        string(e.Kind),
		Iteration:   e.Iteration,
		Payload:     append([]byte(nil), e.Payload...),
		Timestamp:   e.Timestamp.UTC(),
	})
	if err != nil {
		return err
	}
	oid, ok := res.InsertedID.(bson.ObjectID)
	if !ok {
		return fmt.Errorf("unexpected inserted id type %T", res.InsertedID)
	}
	e.ID = oid.Hex()
	return nil
}

// List pages through the events of executionID in append order. The cursor
// is the last document id of the previous page.
func (s *Store) List(ctx context.Context, executionID string, cursor string, limit int) (page execlog.Page, err error) {
	if executionID == "" {
		return execlog.Page{}, errors.New("execution id is required")
	}
	if limit <= 0 {
		return execlog.Page{}, errors.New("limit must be > 0")
	}

	filter := bson.M{"execution_id": executionID}
	if cursor != "" {
		oid, err := bson.ObjectIDFromHex(cursor)
		if err != nil {
			return execlog.Page{}, fmt.Errorf("invalid cursor %q: %w", cursor, err)
		}
		filter["_id"] = bson.M{"$gt": oid}
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.coll.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetLimit(int64(limit+1)),
	)
	if err != nil {
		return execlog.Page{}, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()

	var events []*execlog.Event
	for cur.Next(ctx) {
		var doc eventDocument
		if err := cur.Decode(&doc); err != nil {
			return execlog.Page{}, err
		}
		events = append(events, &execlog.Event{
			ID:          doc.ID.Hex(),
			ExecutionID: doc.ExecutionID,
			WaypointID:  doc.WaypointID,
			Kind:        execlog.Kind(doc.Kind),
			Iteration:   doc.Iteration,
			Payload:     append([]byte(nil), doc.Payload...),
			Timestamp:   doc.Timestamp,
		})
	}
	if err := cur.Err(); err != nil {
		return execlog.Page{}, err
	}

	var next string
	if len(events) > limit {
		next = events[limit-1].ID
		events = events[:limit]
	}
	return execlog.Page{Events: events, NextCursor: next}, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func ensureIndexes(ctx context.Context, coll collection) error {
	index := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "execution_id", Value: 1},
			{Key: "_id", Value: 1},
		},
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

// collection narrows *mongodriver.Collection for testability.
type collection interface {
	InsertOne(ctx context.Context, document any) (*mongodriver.InsertOneResult, error)
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, document any) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Next(ctx context.Context) bool { return c.cur.Next(ctx) }
func (c mongoCursor) Decode(val any) error          { return c.cur.Decode(val) }
func (c mongoCursor) Err() error                    { return c.cur.Err() }
func (c mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
